package types

import "math"

// Image is a row-major matrix of unsigned detector samples. Crop returns views
// that share the backing array, so an Image must not be modified once received.
type Image struct {
	Width  int
	Height int
	Stride int
	Pix    []uint32
}

func NewImage(width, height int) Image {
	return Image{
		Width:  width,
		Height: height,
		Stride: width,
		Pix:    make([]uint32, width*height),
	}
}

// ImageFromRows copies a rectangular [][]uint32 into an Image.
func ImageFromRows(rows [][]uint32) (Image, error) {
	if len(rows) == 0 {
		return Image{}, nil
	}
	width := len(rows[0])
	img := NewImage(width, len(rows))
	for y, row := range rows {
		if len(row) != width {
			return Image{}, &ValidationError{Field: "image", Reason: "rows have different lengths"}
		}
		copy(img.Pix[y*width:(y+1)*width], row)
	}
	return img, nil
}

func (img Image) Empty() bool {
	return img.Width <= 0 || img.Height <= 0
}

func (img Image) Row(y int) []uint32 {
	start := y * img.Stride
	return img.Pix[start : start+img.Width]
}

func (img Image) At(x, y int) uint32 {
	return img.Pix[y*img.Stride+x]
}

func (img Image) SameShape(other Image) bool {
	return img.Width == other.Width && img.Height == other.Height
}

// Crop applies the ROI with slice semantics: the region is clipped to the
// image bounds and may come back empty.
func (img Image) Crop(roi ROI) Image {
	if roi.Empty() {
		return img
	}
	x0 := min(roi.OffsetX, img.Width)
	y0 := min(roi.OffsetY, img.Height)
	x1 := min(roi.OffsetX+roi.SizeX, img.Width)
	y1 := min(roi.OffsetY+roi.SizeY, img.Height)
	if x1 <= x0 || y1 <= y0 {
		return Image{Stride: img.Stride}
	}
	start := y0*img.Stride + x0
	end := (y1-1)*img.Stride + x1
	return Image{
		Width:  x1 - x0,
		Height: y1 - y0,
		Stride: img.Stride,
		Pix:    img.Pix[start:end],
	}
}

// Clone returns a compact copy with Stride == Width.
func (img Image) Clone() Image {
	out := NewImage(img.Width, img.Height)
	for y := 0; y < img.Height; y++ {
		copy(out.Pix[y*out.Width:(y+1)*out.Width], img.Row(y))
	}
	return out
}

func (img Image) Rows() [][]uint32 {
	rows := make([][]uint32, img.Height)
	for y := range rows {
		row := make([]uint32, img.Width)
		copy(row, img.Row(y))
		rows[y] = row
	}
	return rows
}

type Timestamp struct {
	Seconds int64 `json:"global_timestamp"`
	Offset  int64 `json:"global_timestamp_offset"`
}

// Frame is one detector readout. Channels maps the stream's channel names to
// their image payloads.
type Frame struct {
	PulseID   uint64
	Timestamp Timestamp
	Channels  map[string]Image
}

type Spectrum []uint32

// SaturatingSum narrows a wide accumulator into a spectrum bin.
func SaturatingSum(v uint64) uint32 {
	if v > math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(v)
}

// Message is one published result, keyed by field name.
type Message struct {
	PulseID   uint64
	Timestamp Timestamp
	Data      map[string]any
}
