package render

import (
	"fmt"
	"image/color"

	colorful "github.com/lucasb-eyer/go-colorful"
)

// Palette assigns colors to overlay categories
type Palette struct {
	Recognized color.NRGBA // face matched to a known identity
	Unknown    color.NRGBA // face without a confident identity
	Animal     color.NRGBA
	Object     color.NRGBA
	Text       color.NRGBA
	Background color.NRGBA
}

// PaletteHex is the textual form of a palette, as found in config files
type PaletteHex struct {
	Recognized string `json:"recognized"`
	Unknown    string `json:"unknown"`
	Animal     string `json:"animal"`
	Object     string `json:"object"`
	Text       string `json:"text"`
	Background string `json:"background"`
}

// DefaultPaletteHex mirrors DefaultPalette
func DefaultPaletteHex() PaletteHex {
	return PaletteHex{
		Recognized: "#ffa500",
		Unknown:    "#ff0000",
		Animal:     "#0000ff",
		Object:     "#00ff00",
		Text:       "#ffffff",
		Background: "#000000",
	}
}

// DefaultPalette returns orange/red faces, blue animals and green objects
func DefaultPalette() Palette {
	p, err := ParsePalette(DefaultPaletteHex())
	if err != nil {
		panic(err)
	}
	return p
}

// ParsePalette converts hex colors to a Palette. Empty entries keep the default.
func ParsePalette(h PaletteHex) (Palette, error) {
	def := DefaultPaletteHex()
	var p Palette
	fields := []struct {
		name string
		hex  string
		def  string
		dst  *color.NRGBA
	}{
		{"recognized", h.Recognized, def.Recognized, &p.Recognized},
		{"unknown", h.Unknown, def.Unknown, &p.Unknown},
		{"animal", h.Animal, def.Animal, &p.Animal},
		{"object", h.Object, def.Object, &p.Object},
		{"text", h.Text, def.Text, &p.Text},
		{"background", h.Background, def.Background, &p.Background},
	}
	for _, f := range fields {
		value := f.hex
		if value == "" {
			value = f.def
		}
		c, err := colorful.Hex(value)
		if err != nil {
			return Palette{}, fmt.Errorf("palette.%s: %w", f.name, err)
		}
		r, g, b := c.RGB255()
		*f.dst = color.NRGBA{R: r, G: g, B: b, A: 255}
	}
	return p, nil
}
