package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/fxamacker/cbor/v2"

	"psss-processing-go/internal/types"
)

// RFC 8746 tags used on the stream.
const (
	tagMultiDimArray = 40
	tagUint8         = 64
	tagUint16LE      = 69
	tagUint32LE      = 70
	tagUint64LE      = 71
	tagFloat32LE     = 85
	tagFloat64LE     = 86
	tagDectris       = 56500
)

var ErrCompressed = errors.New("wire: compressed typed arrays are not supported")

// DecodeImage converts a tag 40 multi-dimensional array of unsigned samples
// into an Image.
func DecodeImage(value any) (types.Image, error) {
	tag, ok := value.(cbor.Tag)
	if !ok || tag.Number != tagMultiDimArray {
		return types.Image{}, fmt.Errorf("expected multidim tag 40, got %T", value)
	}

	items, ok := tag.Content.([]any)
	if !ok || len(items) != 2 {
		return types.Image{}, errors.New("invalid multidim array content")
	}

	dimsRaw, ok := items[0].([]any)
	if !ok || len(dimsRaw) != 2 {
		return types.Image{}, errors.New("invalid multidim dimensions")
	}
	rows, err := toInt(dimsRaw[0])
	if err != nil {
		return types.Image{}, err
	}
	cols, err := toInt(dimsRaw[1])
	if err != nil {
		return types.Image{}, err
	}
	if rows < 0 || cols < 0 {
		return types.Image{}, fmt.Errorf("negative dimensions %dx%d", rows, cols)
	}

	flat, err := decodeTypedArray(items[1])
	if err != nil {
		return types.Image{}, err
	}

	if cols != 0 && rows > math.MaxInt/cols {
		return types.Image{}, fmt.Errorf("dimensions %dx%d overflow", rows, cols)
	}
	n := rows * cols
	var samples int
	switch v := flat.(type) {
	case []uint8:
		samples = len(v)
	case []uint16:
		samples = len(v)
	case []uint32:
		samples = len(v)
	default:
		return types.Image{}, fmt.Errorf("unsupported image sample type %T", flat)
	}
	if samples != n {
		return types.Image{}, dimensionMismatch(rows, cols, samples)
	}

	if v, ok := flat.([]uint32); ok {
		return types.Image{Pix: v, Width: cols, Height: rows, Stride: cols}, nil
	}
	img := types.NewImage(cols, rows)
	switch v := flat.(type) {
	case []uint8:
		for i, s := range v {
			img.Pix[i] = uint32(s)
		}
	case []uint16:
		for i, s := range v {
			img.Pix[i] = uint32(s)
		}
	}
	return img, nil
}

// EncodeImage is the inverse of DecodeImage; samples are sent as uint32 LE.
func EncodeImage(img types.Image) cbor.Tag {
	pix := img.Pix
	if img.Stride != img.Width {
		pix = img.Clone().Pix
	}
	return cbor.Tag{
		Number: tagMultiDimArray,
		Content: []any{
			[]int{img.Height, img.Width},
			EncodeUint32s(pix),
		},
	}
}

func EncodeUint32s(values []uint32) cbor.Tag {
	buf := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(buf[i*4:], v)
	}
	return cbor.Tag{Number: tagUint32LE, Content: buf}
}

func EncodeFloat64s(values []float64) cbor.Tag {
	buf := make([]byte, 8*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint64(buf[i*8:], math.Float64bits(v))
	}
	return cbor.Tag{Number: tagFloat64LE, Content: buf}
}

func decodeTypedArray(value any) (any, error) {
	tag, ok := value.(cbor.Tag)
	if !ok {
		return nil, fmt.Errorf("expected typed array tag, got %T", value)
	}

	data, err := extractBytes(tag)
	if err != nil {
		return nil, err
	}

	switch tag.Number {
	case tagUint8:
		return data, nil
	case tagUint16LE:
		return bytesToUint16(data), nil
	case tagUint32LE:
		return bytesToUint32(data), nil
	case tagUint64LE:
		return bytesToUint64(data), nil
	case tagFloat32LE:
		return bytesToFloat32(data), nil
	case tagFloat64LE:
		return bytesToFloat64(data), nil
	default:
		return nil, fmt.Errorf("unsupported typed array tag %d", tag.Number)
	}
}

func extractBytes(tag cbor.Tag) ([]byte, error) {
	switch v := tag.Content.(type) {
	case []byte:
		return v, nil
	case cbor.Tag:
		if v.Number == tagDectris {
			return nil, ErrCompressed
		}
		return nil, fmt.Errorf("unsupported nested tag %d", v.Number)
	default:
		return nil, fmt.Errorf("unsupported typed array content %T", v)
	}
}

func bytesToUint16(data []byte) []uint16 {
	out := make([]uint16, len(data)/2)
	for i := range out {
		out[i] = binary.LittleEndian.Uint16(data[i*2:])
	}
	return out
}

func bytesToUint32(data []byte) []uint32 {
	out := make([]uint32, len(data)/4)
	for i := range out {
		out[i] = binary.LittleEndian.Uint32(data[i*4:])
	}
	return out
}

func bytesToUint64(data []byte) []uint64 {
	out := make([]uint64, len(data)/8)
	for i := range out {
		out[i] = binary.LittleEndian.Uint64(data[i*8:])
	}
	return out
}

func bytesToFloat32(data []byte) []float32 {
	out := make([]float32, len(data)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return out
}

func bytesToFloat64(data []byte) []float64 {
	out := make([]float64, len(data)/8)
	for i := range out {
		out[i] = math.Float64frombits(binary.LittleEndian.Uint64(data[i*8:]))
	}
	return out
}

func dimensionMismatch(rows, cols, n int) error {
	return fmt.Errorf("dimension mismatch: %dx%d header, %d samples", rows, cols, n)
}

func toInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case uint64:
		if n > math.MaxInt {
			return 0, fmt.Errorf("value %d out of range", n)
		}
		return int(n), nil
	case uint32:
		return int(n), nil
	default:
		return 0, fmt.Errorf("unsupported int type %T", v)
	}
}
