package upload

import (
	"fmt"
	"strings"
)

// splitName splits name at its last dot. Names without an extension, and
// dotfiles such as ".env", keep the whole name as base.
func splitName(name string) (base, ext string) {
	i := strings.LastIndex(name, ".")
	if i <= 0 {
		return name, ""
	}
	return name[:i], name[i+1:]
}

func withExt(base, ext string) string {
	if ext == "" {
		return base
	}
	return base + "." + ext
}

// extensionFor maps an encoder format name to a file extension.
func extensionFor(format string) string {
	switch format {
	case "":
		return "webp"
	case "jpeg":
		return "jpg"
	}
	return format
}

// presetFileName names a compressed artifact:
// {base}_{preset}_{width}x{height}.{ext}.
func presetFileName(name, presetName string, width, height int, format string) string {
	base, _ := splitName(name)
	return fmt.Sprintf("%s_%s_%dx%d.%s", base, presetName, width, height, extensionFor(format))
}

// originalFileName names the original file when it is uploaded next to a
// compressed version. Dimensions are included when known.
func originalFileName(name string, width, height int) string {
	base, ext := splitName(name)
	if width > 0 && height > 0 {
		return withExt(fmt.Sprintf("%s_original_%dx%d", base, width, height), ext)
	}
	return withExt(base+"_original", ext)
}

// blurFileName names the placeholder image of name.
func blurFileName(name string) string {
	base, _ := splitName(name)
	return base + "_blurhash.webp"
}

// NormalizePrefix strips leading slashes and ensures a non-empty prefix
// ends with "/".
func NormalizePrefix(prefix string) string {
	p := strings.TrimLeft(prefix, "/")
	if p == "" {
		return ""
	}
	if !strings.HasSuffix(p, "/") {
		p += "/"
	}
	return p
}
