package preview

import (
	"errors"
	"image"
	"image/png"
	"io"
	"math"

	"golang.org/x/image/draw"

	"psss-processing-go/internal/types"
)

var ErrEmptyImage = errors.New("no image to render")

// Options mirror the image endpoint's query parameters. Zero values are unset.
type Options struct {
	// Scale resizes the output; 0.5 halves both dimensions.
	Scale float64
	// MinValue is subtracted from every pixel, negative results become 0.
	MinValue float64
	// MaxValue clamps pixels after the MinValue subtraction.
	MaxValue float64
	Colormap string
}

// Render colors img with the requested colormap after clamping, normalizing by
// the brightest pixel.
func Render(img types.Image, opts Options) (*image.RGBA, error) {
	if img.Empty() {
		return nil, ErrEmptyImage
	}
	if opts.Scale < 0 || math.IsNaN(opts.Scale) {
		return nil, errors.New("scale must be positive")
	}
	cm, err := LookupColormap(opts.Colormap)
	if err != nil {
		return nil, err
	}

	values := make([]float64, img.Width*img.Height)
	peak := 0.0
	for y := 0; y < img.Height; y++ {
		for x, raw := range img.Row(y) {
			v := float64(raw)
			if opts.MinValue != 0 {
				v = math.Max(0, v-opts.MinValue)
			}
			if opts.MaxValue != 0 && v > opts.MaxValue {
				v = opts.MaxValue
			}
			values[y*img.Width+x] = v
			peak = math.Max(peak, v)
		}
	}

	out := image.NewRGBA(image.Rect(0, 0, img.Width, img.Height))
	for i, v := range values {
		if peak > 0 {
			v /= peak
		}
		c := cm.At(v)
		off := i * 4
		out.Pix[off], out.Pix[off+1], out.Pix[off+2], out.Pix[off+3] = c.R, c.G, c.B, c.A
	}

	if opts.Scale == 0 || opts.Scale == 1 {
		return out, nil
	}
	w := max(1, int(float64(img.Width)*opts.Scale))
	h := max(1, int(float64(img.Height)*opts.Scale))
	scaled := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.BiLinear.Scale(scaled, scaled.Bounds(), out, out.Bounds(), draw.Src, nil)
	return scaled, nil
}

// EncodePNG renders img and writes it without compression.
func EncodePNG(w io.Writer, img types.Image, opts Options) error {
	rendered, err := Render(img, opts)
	if err != nil {
		return err
	}
	return WritePNG(w, rendered)
}

// WritePNG skips compression; previews are polled often and thrown away.
func WritePNG(w io.Writer, img image.Image) error {
	enc := png.Encoder{CompressionLevel: png.NoCompression}
	return enc.Encode(w, img)
}
