package types

import (
	"fmt"
	"math"
)

// ROI is either empty (no crop) or a rectangle given as
// [offset_x, size_x, offset_y, size_y].
type ROI struct {
	OffsetX int
	SizeX   int
	OffsetY int
	SizeY   int
	set     bool
}

func NewROI(offsetX, sizeX, offsetY, sizeY int) (ROI, error) {
	roi := ROI{OffsetX: offsetX, SizeX: sizeX, OffsetY: offsetY, SizeY: sizeY, set: true}
	if err := roi.Validate(); err != nil {
		return ROI{}, err
	}
	return roi, nil
}

func (r ROI) Empty() bool {
	return !r.set
}

func (r ROI) Validate() error {
	if !r.set {
		return nil
	}
	if r.OffsetX < 0 || r.OffsetY < 0 {
		return &ValidationError{Field: "roi", Reason: fmt.Sprintf("offsets must be at least 0, but %v was given", r.List())}
	}
	if r.SizeX < 1 || r.SizeY < 1 {
		return &ValidationError{Field: "roi", Reason: fmt.Sprintf("sizes must be at least 1, but %v was given", r.List())}
	}
	return nil
}

// List returns the wire form: [] or [offset_x, size_x, offset_y, size_y].
func (r ROI) List() []int {
	if !r.set {
		return []int{}
	}
	return []int{r.OffsetX, r.SizeX, r.OffsetY, r.SizeY}
}

func (r ROI) MarshalJSON() ([]byte, error) {
	if !r.set {
		return []byte("[]"), nil
	}
	return []byte(fmt.Sprintf("[%d,%d,%d,%d]", r.OffsetX, r.SizeX, r.OffsetY, r.SizeY)), nil
}

// ParseROI validates an untyped ROI as decoded from JSON or YAML. A nil value
// is treated like an empty list.
func ParseROI(value any) (ROI, error) {
	if value == nil {
		return ROI{}, nil
	}
	var items []any
	switch v := value.(type) {
	case []any:
		items = v
	case []int:
		items = make([]any, len(v))
		for i, n := range v {
			items[i] = n
		}
	default:
		return ROI{}, &ValidationError{Field: "roi", Reason: fmt.Sprintf("must be a list, but %v was given as a %T", value, value)}
	}

	if len(items) == 0 {
		return ROI{}, nil
	}
	if len(items) != 4 {
		return ROI{}, &ValidationError{Field: "roi", Reason: fmt.Sprintf("must have exactly 4 elements, but %v was given", items)}
	}

	var ints [4]int
	for i, item := range items {
		n, err := toInt(item)
		if err != nil {
			return ROI{}, &ValidationError{Field: "roi", Reason: fmt.Sprintf("element %d: %v", i, err)}
		}
		ints[i] = n
	}
	return NewROI(ints[0], ints[1], ints[2], ints[3])
}

func toInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case uint64:
		return int(n), nil
	case float64:
		if n != math.Trunc(n) || math.IsInf(n, 0) || math.IsNaN(n) {
			return 0, fmt.Errorf("%v is not an integer", n)
		}
		return int(n), nil
	default:
		return 0, fmt.Errorf("unsupported int type %T", v)
	}
}
