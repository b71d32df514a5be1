package imaging

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/gif"
	"image/jpeg"
	"image/png"

	"github.com/chai2010/webp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

// ErrUnsupportedImage is returned for content that is not a decodable
// jpeg, png, gif or webp image.
var ErrUnsupportedImage = errors.New("unsupported image")

const (
	blurWidth   = 32
	blurQuality = 50
	blurRadius  = 1
)

// Result is an encoded image and its properties.
type Result struct {
	Content        []byte `json:"-"`
	Width          int    `json:"width"`
	Height         int    `json:"height"`
	Format         string `json:"format"`
	OriginalSize   int64  `json:"originalSize"`
	CompressedSize int64  `json:"compressedSize"`
}

// Processor applies catalog presets to images.
type Processor struct {
	catalog *Catalog
}

// NewProcessor creates a Processor over catalog.
func NewProcessor(catalog *Catalog) *Processor {
	return &Processor{catalog: catalog}
}

// Catalog returns the presets the processor knows.
func (p *Processor) Catalog() *Catalog {
	return p.catalog
}

// Compress resizes content according to the preset and re-encodes it. A
// preset aspect ratio is applied as a centre crop first; for content the
// user already cropped to that ratio the crop is a no-op.
func (p *Processor) Compress(content []byte, presetID string) (*Result, error) {
	preset, ok := p.catalog.Lookup(presetID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPreset, presetID)
	}
	src, srcFormat, err := decode(content)
	if err != nil {
		return nil, err
	}

	if preset.AspectRatio != "" {
		rw, rh, _ := parseAspectRatio(preset.AspectRatio)
		src = cropToRatio(src, rw, rh)
	}
	dst := resize(src, preset.MaxWidth, preset.MaxHeight, preset.Fit)

	format := string(preset.Format)
	if preset.Format == FormatOriginal {
		format = srcFormat
	}
	out, format, err := encode(dst, format, preset.Quality)
	if err != nil {
		return nil, err
	}
	b := dst.Bounds()
	return &Result{
		Content:        out,
		Width:          b.Dx(),
		Height:         b.Dy(),
		Format:         format,
		OriginalSize:   int64(len(content)),
		CompressedSize: int64(len(out)),
	}, nil
}

// Blur produces a small blurred webp placeholder of content.
func (p *Processor) Blur(content []byte) (*Result, error) {
	src, _, err := decode(content)
	if err != nil {
		return nil, err
	}
	small := resize(src, blurWidth, 1<<16, FitInside)
	blurred := boxBlur(small, blurRadius)

	out, format, err := encode(blurred, string(FormatWebP), blurQuality)
	if err != nil {
		return nil, err
	}
	b := blurred.Bounds()
	return &Result{
		Content:        out,
		Width:          b.Dx(),
		Height:         b.Dy(),
		Format:         format,
		OriginalSize:   int64(len(content)),
		CompressedSize: int64(len(out)),
	}, nil
}

// Dimensions reads the width and height from the image header.
func (p *Processor) Dimensions(content []byte) (int, int, error) {
	return Dimensions(content)
}

// Dimensions reads the width and height from the image header.
func Dimensions(content []byte) (int, int, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(content))
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %v", ErrUnsupportedImage, err)
	}
	return cfg.Width, cfg.Height, nil
}

func decode(content []byte) (image.Image, string, error) {
	img, format, err := image.Decode(bytes.NewReader(content))
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrUnsupportedImage, err)
	}
	return img, format, nil
}

// encode writes img as format: webp, jpeg, gif or png.
func encode(img image.Image, format string, quality int) ([]byte, string, error) {
	var buf bytes.Buffer
	var err error
	switch format {
	case "webp":
		err = webp.Encode(&buf, img, &webp.Options{Quality: float32(quality)})
	case "jpeg":
		err = jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality})
	case "gif":
		err = gif.Encode(&buf, img, nil)
	case "png":
		err = png.Encode(&buf, img)
	default:
		return nil, "", fmt.Errorf("%w: cannot encode %q", ErrUnsupportedImage, format)
	}
	if err != nil {
		return nil, "", fmt.Errorf("encoding %s: %w", format, err)
	}
	return buf.Bytes(), format, nil
}

// cropToRatio returns the largest centred region of img with ratio rw:rh.
func cropToRatio(img image.Image, rw, rh int) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	cw, ch := w, w*rh/rw
	if ch > h {
		cw, ch = h*rw/rh, h
	}
	if cw == w && ch == h || cw <= 0 || ch <= 0 {
		return img
	}
	x0 := b.Min.X + (w-cw)/2
	y0 := b.Min.Y + (h-ch)/2
	dst := image.NewNRGBA(image.Rect(0, 0, cw, ch))
	draw.Draw(dst, dst.Bounds(), img, image.Pt(x0, y0), draw.Src)
	return dst
}

// targetSize computes the output size for fit. inside and outside never
// enlarge.
func targetSize(w, h, maxW, maxH int, fit Fit) (int, int) {
	sw := float64(maxW) / float64(w)
	sh := float64(maxH) / float64(h)
	switch fit {
	case FitCover, FitContain, FitFill:
		return maxW, maxH
	case FitOutside:
		s := max(sw, sh)
		if s >= 1 {
			return w, h
		}
		return max(1, round(float64(w)*s)), max(1, round(float64(h)*s))
	default:
		s := min(sw, sh)
		if s >= 1 {
			return w, h
		}
		return max(1, round(float64(w)*s)), max(1, round(float64(h)*s))
	}
}

func round(f float64) int {
	return int(f + 0.5)
}

func resize(src image.Image, maxW, maxH int, fit Fit) image.Image {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	tw, th := targetSize(w, h, maxW, maxH, fit)

	switch fit {
	case FitCover:
		// Scale to cover, then centre crop.
		s := max(float64(tw)/float64(w), float64(th)/float64(h))
		sw, sh := max(tw, round(float64(w)*s)), max(th, round(float64(h)*s))
		scaled := scale(src, sw, sh)
		dst := image.NewNRGBA(image.Rect(0, 0, tw, th))
		draw.Draw(dst, dst.Bounds(), scaled, image.Pt((sw-tw)/2, (sh-th)/2), draw.Src)
		return dst
	case FitContain:
		s := min(float64(tw)/float64(w), float64(th)/float64(h))
		sw, sh := max(1, round(float64(w)*s)), max(1, round(float64(h)*s))
		scaled := scale(src, sw, sh)
		dst := image.NewNRGBA(image.Rect(0, 0, tw, th))
		off := image.Pt((tw-sw)/2, (th-sh)/2)
		draw.Draw(dst, scaled.Bounds().Add(off), scaled, image.Point{}, draw.Src)
		return dst
	}
	if tw == w && th == h {
		return src
	}
	return scale(src, tw, th)
}

func scale(src image.Image, w, h int) *image.NRGBA {
	dst := image.NewNRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
	return dst
}

// boxBlur averages each pixel with its neighbours within radius.
func boxBlur(src image.Image, radius int) *image.NRGBA {
	b := src.Bounds()
	in := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(in, in.Bounds(), src, b.Min, draw.Src)
	out := image.NewNRGBA(in.Bounds())
	w, h := in.Bounds().Dx(), in.Bounds().Dy()

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var r, g, bl, a, n int
			for dy := -radius; dy <= radius; dy++ {
				for dx := -radius; dx <= radius; dx++ {
					xx, yy := x+dx, y+dy
					if xx < 0 || yy < 0 || xx >= w || yy >= h {
						continue
					}
					i := in.PixOffset(xx, yy)
					r += int(in.Pix[i])
					g += int(in.Pix[i+1])
					bl += int(in.Pix[i+2])
					a += int(in.Pix[i+3])
					n++
				}
			}
			o := out.PixOffset(x, y)
			out.Pix[o] = uint8(r / n)
			out.Pix[o+1] = uint8(g / n)
			out.Pix[o+2] = uint8(bl / n)
			out.Pix[o+3] = uint8(a / n)
		}
	}
	return out
}
