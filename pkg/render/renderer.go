package render

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"math"
	"sort"

	"github.com/disintegration/imaging"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/menta2k/scene-analyzer/pkg/processing"
	"github.com/menta2k/scene-analyzer/pkg/types"
)

// ErrRender wraps every failure to produce an annotated image
var ErrRender = errors.New("render: annotation failed")

// Overlay is a single box to draw
type Overlay struct {
	Box        types.Box
	Label      string
	Color      color.NRGBA
	Confidence float64
}

// Config holds configuration for the renderer
type Config struct {
	Format   string // png, jpg or webp
	Quality  int
	Lossless bool
	Stroke   int // 0 selects ~0.4% of the short side
	Palette  Palette
}

// DefaultConfig returns PNG output with automatic stroke width
func DefaultConfig() Config {
	return Config{
		Format:  "png",
		Quality: 92,
		Palette: DefaultPalette(),
	}
}

// Renderer draws detection overlays onto images. It holds no mutable state
// and is safe for concurrent use.
type Renderer struct {
	config    Config
	processor *processing.Processor
}

// New creates a renderer
func New(config Config) *Renderer {
	return &Renderer{config: config, processor: processing.NewProcessor()}
}

// Palette returns the configured palette
func (r *Renderer) Palette() Palette {
	return r.config.Palette
}

// Format returns the output encoding
func (r *Renderer) Format() string {
	if r.config.Format == "" {
		return "png"
	}
	return r.config.Format
}

// Render decodes src, draws the overlays and legend lines, and returns the
// encoded result. Identical inputs always produce identical bytes.
func (r *Renderer) Render(src []byte, overlays []Overlay, legend []string) ([]byte, error) {
	img, _, err := r.processor.Decode(src)
	if err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrRender, err)
	}

	canvas := imaging.Clone(img)
	w, h := canvas.Bounds().Dx(), canvas.Bounds().Dy()
	if w == 0 || h == 0 {
		return nil, fmt.Errorf("%w: empty image", ErrRender)
	}

	stroke := r.config.Stroke
	if stroke <= 0 {
		stroke = int(math.Max(2, 0.004*float64(minInt(w, h))))
	}

	for _, o := range Prepare(overlays) {
		x0, y0, x1, y1 := boxToPixels(o.Box, w, h)
		drawBox(canvas, x0, y0, x1, y1, o.Color, stroke)
		if o.Label != "" {
			ty := y0 - 3
			if ty-basicfont.Face7x13.Ascent < 0 {
				ty = y0 + stroke + basicfont.Face7x13.Ascent + 2
			}
			drawText(canvas, o.Label, x0, ty, o.Color, r.config.Palette.Background)
		}
	}

	lineHeight := basicfont.Face7x13.Height + 4
	for i, line := range legend {
		drawText(canvas, line, 6, 6+basicfont.Face7x13.Ascent+i*lineHeight, r.config.Palette.Text, r.config.Palette.Background)
	}

	out, err := r.processor.Encode(canvas, r.Format(), r.config.Quality, r.config.Lossless)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRender, err)
	}
	return out, nil
}

// Prepare clamps every box to the unit square, drops boxes with no area and
// orders the rest by descending confidence, keeping insertion order on ties.
func Prepare(overlays []Overlay) []Overlay {
	out := make([]Overlay, 0, len(overlays))
	for _, o := range overlays {
		o.Box = o.Box.Clamp()
		if o.Box.Area() == 0 {
			continue
		}
		out = append(out, o)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Confidence > out[j].Confidence
	})
	return out
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func boxToPixels(box types.Box, w, h int) (int, int, int, int) {
	x0 := int(box.Left*float64(w) + 0.5)
	y0 := int(box.Top*float64(h) + 0.5)
	x1 := int((box.Left+box.Width)*float64(w) + 0.5)
	y1 := int((box.Top+box.Height)*float64(h) + 0.5)
	if x1 <= x0 {
		x1 = x0 + 1
	}
	if y1 <= y0 {
		y1 = y0 + 1
	}
	return x0, y0, x1, y1
}

func drawBox(img *image.NRGBA, x0, y0, x1, y1 int, c color.NRGBA, stroke int) {
	for s := 0; s < stroke; s++ {
		drawHLine(img, y0+s, x0, x1, c)
		drawHLine(img, y1-1-s, x0, x1, c)
		drawVLine(img, x0+s, y0, y1, c)
		drawVLine(img, x1-1-s, y0, y1, c)
	}
}

// drawText writes text with its baseline at (x, y) over a filled background
func drawText(img *image.NRGBA, text string, x, y int, fg, bg color.NRGBA) {
	face := basicfont.Face7x13
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(fg),
		Face: face,
		Dot:  fixed.P(x, y),
	}
	width := d.MeasureString(text).Ceil()
	bgRect := image.Rect(x-2, y-face.Ascent-2, x+width+2, y+face.Descent+2).Intersect(img.Bounds())
	draw.Draw(img, bgRect, image.NewUniform(bg), image.Point{}, draw.Src)
	d.DrawString(text)
}

func drawHLine(img *image.NRGBA, y, x0, x1 int, c color.NRGBA) {
	if y < 0 || y >= img.Bounds().Dy() {
		return
	}
	if x0 > x1 {
		x0, x1 = x1, x0
	}
	if x1 <= 0 || x0 >= img.Bounds().Dx() {
		return
	}
	if x0 < 0 {
		x0 = 0
	}
	if x1 > img.Bounds().Dx() {
		x1 = img.Bounds().Dx()
	}
	i := y*img.Stride + x0*4
	for x := x0; x < x1; x++ {
		img.Pix[i+0] = c.R
		img.Pix[i+1] = c.G
		img.Pix[i+2] = c.B
		img.Pix[i+3] = c.A
		i += 4
	}
}

func drawVLine(img *image.NRGBA, x, y0, y1 int, c color.NRGBA) {
	if x < 0 || x >= img.Bounds().Dx() {
		return
	}
	if y0 > y1 {
		y0, y1 = y1, y0
	}
	if y1 <= 0 || y0 >= img.Bounds().Dy() {
		return
	}
	if y0 < 0 {
		y0 = 0
	}
	if y1 > img.Bounds().Dy() {
		y1 = img.Bounds().Dy()
	}
	i := y0*img.Stride + x*4
	for y := y0; y < y1; y++ {
		img.Pix[i+0] = c.R
		img.Pix[i+1] = c.G
		img.Pix[i+2] = c.B
		img.Pix[i+3] = c.A
		i += img.Stride
	}
}
