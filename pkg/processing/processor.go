package processing

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"math"
	"os"
	"strings"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"

	"github.com/menta2k/synthprep/pkg/ndarray"
	"github.com/menta2k/synthprep/pkg/types"
)

// Processor handles image decoding, encoding and resampling
type Processor struct{}

// NewProcessor creates a new image processor
func NewProcessor() *Processor {
	return &Processor{}
}

// LoadImage loads an image from a file path with WebP support
func (p *Processor) LoadImage(path string) (image.Image, error) {
	// Try imaging.Open (registered decoders)
	if img, err := imaging.Open(path); err == nil {
		return img, nil
	}

	// Fallback: explicit WebP decode
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if img, err := p.decodeImageFromBytes(data); err == nil {
		return img, nil
	}
	return nil, fmt.Errorf("image: unknown format for %s", path)
}

// LoadImageArray loads an image file as an H x W x 3 uint8 array
func (p *Processor) LoadImageArray(path string) (*ndarray.Array, error) {
	img, err := p.LoadImage(path)
	if err != nil {
		return nil, err
	}
	return ndarray.FromImage(img), nil
}

// decodeImageFromBytes decodes an image from byte data with WebP support
func (p *Processor) decodeImageFromBytes(data []byte) (image.Image, error) {
	// Try standard image.Decode first
	reader := bytes.NewReader(data)
	if img, _, err := image.Decode(reader); err == nil {
		return img, nil
	}

	// Try WebP decode
	reader = bytes.NewReader(data)
	if img, err := webp.Decode(reader); err == nil {
		return img, nil
	}

	return nil, fmt.Errorf("image: unknown or unsupported format")
}

// ResizeImage resamples an H x W x 3 photographic array to h x w with a
// Lanczos filter.
func (p *Processor) ResizeImage(arr *ndarray.Array, h, w int) (*ndarray.Array, error) {
	if h <= 0 || w <= 0 {
		return nil, fmt.Errorf("invalid target size %dx%d", w, h)
	}
	if sh, sw, err := arr.HW(); err == nil && sh == h && sw == w {
		return arr.Clone(), nil
	}
	img, err := arr.ToImage()
	if err != nil {
		return nil, err
	}
	return ndarray.FromImage(imaging.Resize(img, w, h, imaging.Lanczos)), nil
}

// ResizeLabels resamples a label map to h x w with nearest-neighbour
// sampling so region ids are never blended.
func (p *Processor) ResizeLabels(arr *ndarray.Array, h, w int) (*ndarray.Array, error) {
	return arr.ResizeNearest(h, w)
}

// SaveImage saves an image to a file with the specified format and quality
func (p *Processor) SaveImage(img image.Image, path, format string, quality int, lossless bool) error {
	switch strings.ToLower(format) {
	case "webp":
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		defer f.Close()
		opts := &webp.Options{Lossless: lossless, Quality: float32(quality)}
		return webp.Encode(f, img, opts)
	case "png":
		return imaging.Save(img, path)
	default: // jpg/jpeg
		return imaging.Save(img, path, imaging.JPEGQuality(quality))
	}
}

// Quads extracts the quadrilaterals of a 2 x 4 x N (or 2 x 4 for a single
// box) bounding-box array: bb[0] holds x and bb[1] holds y of each corner.
func Quads(bb *ndarray.Array) ([]types.Quad, error) {
	if bb == nil {
		return nil, nil
	}
	n := 1
	switch {
	case bb.Ndim() == 2 && bb.Shape[0] == 2 && bb.Shape[1] == 4:
	case bb.Ndim() == 3 && bb.Shape[0] == 2 && bb.Shape[1] == 4:
		n = bb.Shape[2]
	default:
		return nil, fmt.Errorf("bounding boxes must be 2x4xN, got %v", bb.Shape)
	}
	quads := make([]types.Quad, n)
	for i := 0; i < n; i++ {
		for c := 0; c < 4; c++ {
			quads[i][c][0] = bb.At((0*4+c)*n + i)
			quads[i][c][1] = bb.At((1*4+c)*n + i)
		}
	}
	return quads, nil
}

// CreateDebugOverlay draws word boxes and character boxes over a copy of img
func (p *Processor) CreateDebugOverlay(img image.Image, wordBB, charBB *ndarray.Array) (image.Image, error) {
	nrgba := imaging.Clone(img)
	w := nrgba.Bounds().Dx()
	h := nrgba.Bounds().Dy()

	// Colors
	green := color.NRGBA{0, 255, 0, 255}                   // word boxes
	gold := color.NRGBA{255, 204, 0, 255}                  // char boxes
	red := color.NRGBA{255, 0, 0, 255}                     // word start corner
	stroke := int(math.Max(1, 0.002*float64(minInt(w, h)))) // ~0.2% of min side

	chars, err := Quads(charBB)
	if err != nil {
		return nil, fmt.Errorf("charBB: %w", err)
	}
	words, err := Quads(wordBB)
	if err != nil {
		return nil, fmt.Errorf("wordBB: %w", err)
	}

	for _, q := range chars {
		drawQuad(nrgba, q, gold, 1)
	}
	for _, q := range words {
		drawQuad(nrgba, q, green, stroke)
		// Mark the first corner so reading order is visible
		x, y := int(q[0][0]+0.5), int(q[0][1]+0.5)
		drawHLine(nrgba, y, x-3, x+3, red)
		drawVLine(nrgba, x, y-3, y+3, red)
	}

	return nrgba, nil
}

// Helper functions
func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func drawQuad(img *image.NRGBA, q types.Quad, c color.NRGBA, stroke int) {
	for i := 0; i < 4; i++ {
		a, b := q[i], q[(i+1)%4]
		for s := 0; s < stroke; s++ {
			off := float64(s)
			drawLine(img, a[0]+off, a[1]+off, b[0]+off, b[1]+off, c)
		}
	}
}

// drawLine rasterises a segment by stepping along its longer axis
func drawLine(img *image.NRGBA, x0, y0, x1, y1 float64, c color.NRGBA) {
	w, h := float64(img.Bounds().Dx()), float64(img.Bounds().Dy())
	steps := int(math.Max(math.Abs(x1-x0), math.Abs(y1-y0))) + 1
	for i := 0; i <= steps; i++ {
		t := float64(i) / float64(steps)
		x := clamp(x0+(x1-x0)*t, -1, w)
		y := clamp(y0+(y1-y0)*t, -1, h)
		setPixel(img, int(x+0.5), int(y+0.5), c)
	}
}

func setPixel(img *image.NRGBA, x, y int, c color.NRGBA) {
	if x < 0 || y < 0 || x >= img.Bounds().Dx() || y >= img.Bounds().Dy() {
		return
	}
	i := y*img.Stride + x*4
	img.Pix[i+0] = c.R
	img.Pix[i+1] = c.G
	img.Pix[i+2] = c.B
	img.Pix[i+3] = c.A
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
