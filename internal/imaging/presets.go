// Package imaging compresses images for upload: preset-driven resizing and
// re-encoding, small blurred placeholders, and cheap dimension probing.
package imaging

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Format is the output encoding of a preset.
type Format string

const (
	FormatWebP     Format = "webp"
	FormatJPEG     Format = "jpeg"
	FormatPNG      Format = "png"
	FormatOriginal Format = "original"
)

// Fit controls how an image is resized into a preset's box.
type Fit string

const (
	// FitCover fills the box exactly, cropping the overflow.
	FitCover Fit = "cover"
	// FitContain fits inside the box and pads the remainder.
	FitContain Fit = "contain"
	// FitFill stretches to the box, ignoring the aspect ratio.
	FitFill Fit = "fill"
	// FitInside shrinks until both sides fit in the box.
	FitInside Fit = "inside"
	// FitOutside shrinks until both sides cover the box.
	FitOutside Fit = "outside"
)

var (
	ErrUnknownPreset = errors.New("unknown preset")
	ErrInvalidPreset = errors.New("invalid preset")
)

// Preset describes one compression target.
type Preset struct {
	ID        string `json:"id" yaml:"id"`
	Name      string `json:"name" yaml:"name"`
	MaxWidth  int    `json:"maxWidth" yaml:"max_width"`
	MaxHeight int    `json:"maxHeight" yaml:"max_height"`
	Quality   int    `json:"quality" yaml:"quality"`
	Format    Format `json:"format" yaml:"format"`
	Fit       Fit    `json:"fit" yaml:"fit"`
	// AspectRatio is "W:H", or empty to keep the source ratio.
	AspectRatio string `json:"aspectRatio,omitempty" yaml:"aspect_ratio"`
	BuiltIn     bool   `json:"builtIn" yaml:"-"`
}

// BuiltinPresets returns the presets every installation has.
func BuiltinPresets() []Preset {
	return []Preset{
		{ID: "cover", Name: "cover", MaxWidth: 1920, MaxHeight: 1080, Quality: 80, Format: FormatWebP, Fit: FitCover, AspectRatio: "16:9", BuiltIn: true},
		{ID: "card", Name: "card", MaxWidth: 800, MaxHeight: 600, Quality: 80, Format: FormatWebP, Fit: FitCover, AspectRatio: "4:3", BuiltIn: true},
		{ID: "thumbnail", Name: "thumbnail", MaxWidth: 300, MaxHeight: 300, Quality: 75, Format: FormatWebP, Fit: FitCover, AspectRatio: "1:1", BuiltIn: true},
		{ID: "content", Name: "content", MaxWidth: 1200, MaxHeight: 1200, Quality: 85, Format: FormatWebP, Fit: FitInside, BuiltIn: true},
		{ID: "original", Name: "original", MaxWidth: 4096, MaxHeight: 4096, Quality: 90, Format: FormatOriginal, Fit: FitInside, BuiltIn: true},
	}
}

// Validate checks the preset's ranges and enumerations.
func (p Preset) Validate() error {
	switch {
	case strings.TrimSpace(p.ID) == "":
		return fmt.Errorf("%w: id is required", ErrInvalidPreset)
	case p.Name == "" || len(p.Name) > 50:
		return fmt.Errorf("%w: name must be 1-50 characters", ErrInvalidPreset)
	case p.MaxWidth < 1 || p.MaxWidth > 10000 || p.MaxHeight < 1 || p.MaxHeight > 10000:
		return fmt.Errorf("%w: %s: dimensions must be within 1-10000", ErrInvalidPreset, p.ID)
	case p.Quality < 1 || p.Quality > 100:
		return fmt.Errorf("%w: %s: quality must be within 1-100", ErrInvalidPreset, p.ID)
	}
	switch p.Format {
	case FormatWebP, FormatJPEG, FormatPNG, FormatOriginal:
	default:
		return fmt.Errorf("%w: %s: unknown format %q", ErrInvalidPreset, p.ID, p.Format)
	}
	switch p.Fit {
	case FitCover, FitContain, FitFill, FitInside, FitOutside:
	default:
		return fmt.Errorf("%w: %s: unknown fit %q", ErrInvalidPreset, p.ID, p.Fit)
	}
	if p.AspectRatio != "" {
		if _, _, err := parseAspectRatio(p.AspectRatio); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidPreset, p.ID, err)
		}
	}
	return nil
}

func parseAspectRatio(s string) (int, int, error) {
	w, h, ok := strings.Cut(s, ":")
	if !ok {
		return 0, 0, fmt.Errorf("aspect ratio %q is not W:H", s)
	}
	wi, err1 := strconv.Atoi(strings.TrimSpace(w))
	hi, err2 := strconv.Atoi(strings.TrimSpace(h))
	if err1 != nil || err2 != nil || wi <= 0 || hi <= 0 {
		return 0, 0, fmt.Errorf("aspect ratio %q is not W:H", s)
	}
	return wi, hi, nil
}

// Catalog is the set of presets available to uploads: the built-in ones
// followed by custom presets in the order given.
type Catalog struct {
	presets []Preset
	byID    map[string]int
}

// NewCatalog validates custom and adds it to the built-in presets. Custom
// ids must not collide with each other or with a built-in id.
func NewCatalog(custom ...Preset) (*Catalog, error) {
	c := &Catalog{byID: make(map[string]int)}
	for _, p := range BuiltinPresets() {
		c.add(p)
	}
	for _, p := range custom {
		p.BuiltIn = false
		if err := p.Validate(); err != nil {
			return nil, err
		}
		if _, dup := c.byID[p.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate id %q", ErrInvalidPreset, p.ID)
		}
		c.add(p)
	}
	return c, nil
}

func (c *Catalog) add(p Preset) {
	c.byID[p.ID] = len(c.presets)
	c.presets = append(c.presets, p)
}

// Lookup returns the preset with the given id.
func (c *Catalog) Lookup(id string) (Preset, bool) {
	i, ok := c.byID[id]
	if !ok {
		return Preset{}, false
	}
	return c.presets[i], true
}

// All returns every preset, built-in first.
func (c *Catalog) All() []Preset {
	out := make([]Preset, len(c.presets))
	copy(out, c.presets)
	return out
}
