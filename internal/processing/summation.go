package processing

import (
	"math"
)

// SummationCache memoizes the per-pixel bin projection for one
// (height, width, rotation) key. Any key change recomputes the matrix in the
// existing buffer. It belongs to a single worker goroutine and is not safe for
// concurrent use.
type SummationCache struct {
	height   int
	width    int
	rotation float64
	valid    bool

	indices []int32
	length  int

	bandMin []int32
	bandMax []int32
}

// Matrix returns the row-major bin index of every pixel and the number of bins.
// Indices are 0-based; the projection axis is rotated counter-clockwise by
// rotation degrees from the x axis. The returned slice is owned by the cache
// and is only valid until the next call with a different key.
func (c *SummationCache) Matrix(height, width int, rotation float64) ([]int32, int) {
	if c.valid && c.height == height && c.width == width && c.rotation == rotation {
		return c.indices, c.length
	}
	c.compute(height, width, rotation)
	return c.indices, c.length
}

func (c *SummationCache) compute(height, width int, rotation float64) {
	c.height, c.width, c.rotation = height, width, rotation
	c.valid = true

	n := height * width
	if cap(c.indices) < n {
		c.indices = make([]int32, n)
	}
	c.indices = c.indices[:n]
	if n == 0 {
		c.length = 0
		return
	}

	theta := rotation * math.Pi / 180
	cos, sin := math.Cos(theta), math.Sin(theta)

	bands := bandCount(height, width)
	if cap(c.bandMin) < bands {
		c.bandMin = make([]int32, bands)
		c.bandMax = make([]int32, bands)
	}
	c.bandMin = c.bandMin[:bands]
	c.bandMax = c.bandMax[:bands]

	forBands(height, bands, func(band, y0, y1 int) {
		lo, hi := int32(math.MaxInt32), int32(math.MinInt32)
		for y := y0; y < y1; y++ {
			row := c.indices[y*width : (y+1)*width]
			ys := float64(y) * sin
			for x := range row {
				idx := int32(math.RoundToEven(float64(x)*cos + ys))
				row[x] = idx
				if idx < lo {
					lo = idx
				}
				if idx > hi {
					hi = idx
				}
			}
		}
		c.bandMin[band], c.bandMax[band] = lo, hi
	})

	lo, hi := c.bandMin[0], c.bandMax[0]
	for band := 1; band < bands; band++ {
		lo = min(lo, c.bandMin[band])
		hi = max(hi, c.bandMax[band])
	}

	if lo != 0 {
		forBands(height, bands, func(_, y0, y1 int) {
			for i := y0 * width; i < y1*width; i++ {
				c.indices[i] -= lo
			}
		})
	}
	c.length = int(hi-lo) + 1
}
