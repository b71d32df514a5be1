package storage

import (
	"mime"
	"path"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

const defaultContentType = "application/octet-stream"

// extensionTypes covers the extensions the desktop uploader sees most; the
// system table fills in the rest.
var extensionTypes = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".webp": "image/webp",
	".avif": "image/avif",
	".svg":  "image/svg+xml",
	".ico":  "image/x-icon",
	".bmp":  "image/bmp",
	".heic": "image/heic",
	".mp4":  "video/mp4",
	".webm": "video/webm",
	".mov":  "video/quicktime",
	".mp3":  "audio/mpeg",
	".wav":  "audio/wav",
	".pdf":  "application/pdf",
	".json": "application/json",
	".zip":  "application/zip",
	".txt":  "text/plain",
	".md":   "text/markdown",
	".html": "text/html",
	".css":  "text/css",
	".js":   "application/javascript",
}

// MimeType returns the content type implied by name's extension, falling
// back to application/octet-stream.
func MimeType(name string) string {
	ext := strings.ToLower(path.Ext(name))
	if ext == "" {
		return defaultContentType
	}
	if t, ok := extensionTypes[ext]; ok {
		return t
	}
	if t := mime.TypeByExtension(ext); t != "" {
		return t
	}
	return defaultContentType
}

// DetectContentType resolves a content type for an upload: the extension
// wins when it is known, otherwise the bytes are sniffed.
func DetectContentType(name string, content []byte) string {
	if t := MimeType(name); t != defaultContentType {
		return t
	}
	if len(content) == 0 {
		return defaultContentType
	}
	return mimetype.Detect(content).String()
}

// IsImage reports whether contentType is a raster image the processor can
// decode.
func IsImage(contentType string) bool {
	switch strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0])) {
	case "image/jpeg", "image/png", "image/gif", "image/webp":
		return true
	}
	return false
}
