package processing

import (
	"fmt"

	"psss-processing-go/internal/types"
)

type Mode string

const (
	// ModeRotation bins thresholded pixels along a rotated axis.
	ModeRotation Mode = "rotation"
	// ModeEnergy sums background-corrected columns; the result is fitted.
	ModeEnergy Mode = "energy"
)

func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeRotation, ModeEnergy:
		return Mode(s), nil
	case "":
		return ModeRotation, nil
	default:
		return "", fmt.Errorf("unknown processing mode %q", s)
	}
}

type Result struct {
	Spectrum types.Spectrum
	// Cropped is a view into the frame, not a copy.
	Cropped  types.Image
	Metadata map[string]any
}

// Extractor turns images into spectra. Accumulation buffers and the summation
// matrix are reused across calls, so an Extractor must stay on one goroutine.
type Extractor struct {
	cache SummationCache
	acc   [][]uint64
}

func NewExtractor() *Extractor {
	return &Extractor{}
}

func (e *Extractor) Extract(mode Mode, img types.Image, roi types.ROI, p types.Parameters) Result {
	if mode == ModeEnergy {
		return e.ExtractBackground(img, roi, p)
	}
	return e.ExtractRotation(img, roi, p)
}

// ExtractRotation crops, applies the min/max thresholds and bins every
// surviving pixel into the bin given by the summation matrix.
func (e *Extractor) ExtractRotation(img types.Image, roi types.ROI, p types.Parameters) Result {
	cropped := img.Crop(roi)
	meta := map[string]any{
		"roi":           roi.List(),
		"min_threshold": p.MinThreshold,
		"max_threshold": p.MaxThreshold,
		"rotation":      p.Rotation,
	}
	if cropped.Empty() {
		return Result{Spectrum: types.Spectrum{}, Cropped: cropped, Metadata: meta}
	}

	h, w := cropped.Height, cropped.Width
	matrix, length := e.cache.Matrix(h, w, p.Rotation)
	bands := bandCount(h, w)
	acc := e.accumulators(bands, length)
	minT, maxT := p.MinThreshold, p.MaxThreshold

	forBands(h, bands, func(band, y0, y1 int) {
		sums := acc[band]
		for y := y0; y < y1; y++ {
			row := cropped.Row(y)
			bins := matrix[y*w : (y+1)*w]
			for x, v := range row {
				if minT > 0 && v < minT {
					continue
				}
				if maxT > 0 && v > maxT {
					continue
				}
				sums[bins[x]] += uint64(v)
			}
		}
	})

	return Result{Spectrum: reduce(acc, length), Cropped: cropped, Metadata: meta}
}

// ExtractBackground crops and sums columns, subtracting the background pixel
// by pixel (clamped at zero) when its shape matches the cropped image. A
// mismatched background is ignored.
func (e *Extractor) ExtractBackground(img types.Image, roi types.ROI, p types.Parameters) Result {
	cropped := img.Crop(roi)
	var bg *types.Image
	if p.Background != nil && p.Background.SameShape(cropped) && !cropped.Empty() {
		bg = p.Background
	}
	meta := map[string]any{
		"roi":                roi.List(),
		"background":         p.BackgroundName,
		"background_applied": bg != nil,
	}
	if cropped.Empty() {
		return Result{Spectrum: types.Spectrum{}, Cropped: cropped, Metadata: meta}
	}

	h, w := cropped.Height, cropped.Width
	bands := bandCount(h, w)
	acc := e.accumulators(bands, w)

	forBands(h, bands, func(band, y0, y1 int) {
		sums := acc[band]
		for y := y0; y < y1; y++ {
			row := cropped.Row(y)
			if bg == nil {
				for x, v := range row {
					sums[x] += uint64(v)
				}
				continue
			}
			bgRow := bg.Row(y)
			for x, v := range row {
				if b := bgRow[x]; v > b {
					sums[x] += uint64(v - b)
				}
			}
		}
	})

	return Result{Spectrum: reduce(acc, w), Cropped: cropped, Metadata: meta}
}

func (e *Extractor) accumulators(bands, length int) [][]uint64 {
	for len(e.acc) < bands {
		e.acc = append(e.acc, nil)
	}
	for i := 0; i < bands; i++ {
		if cap(e.acc[i]) < length {
			e.acc[i] = make([]uint64, length)
		} else {
			e.acc[i] = e.acc[i][:length]
			clear(e.acc[i])
		}
	}
	return e.acc[:bands]
}

func reduce(acc [][]uint64, length int) types.Spectrum {
	spectrum := make(types.Spectrum, length)
	for i := range spectrum {
		var total uint64
		for _, band := range acc {
			total += band[i]
		}
		spectrum[i] = types.SaturatingSum(total)
	}
	return spectrum
}
