package processing

import (
	"testing"
)

func TestSummationMatrixIdentities(t *testing.T) {
	const h, w = 7, 11
	cases := []struct {
		rotation float64
		length   int
		want     func(x, y int) int32
	}{
		{0, w, func(x, y int) int32 { return int32(x) }},
		{180, w, func(x, y int) int32 { return int32(w - 1 - x) }},
		{-180, w, func(x, y int) int32 { return int32(w - 1 - x) }},
		{90, h, func(x, y int) int32 { return int32(y) }},
		{-90, h, func(x, y int) int32 { return int32(h - 1 - y) }},
	}
	for _, tc := range cases {
		var cache SummationCache
		matrix, length := cache.Matrix(h, w, tc.rotation)
		if length != tc.length {
			t.Fatalf("rotation %v: unexpected length %d, want %d", tc.rotation, length, tc.length)
		}
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				if got, want := matrix[y*w+x], tc.want(x, y); got != want {
					t.Fatalf("rotation %v: index at (%d,%d) = %d, want %d", tc.rotation, y, x, got, want)
				}
			}
		}
	}
}

func TestSummationMatrixLargeParallel(t *testing.T) {
	const h, w = 512, 512
	var cache SummationCache
	matrix, length := cache.Matrix(h, w, -90)
	if length != h {
		t.Fatalf("unexpected length %d", length)
	}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x += 37 {
			if got := matrix[y*w+x]; got != int32(h-1-y) {
				t.Fatalf("index at (%d,%d) = %d", y, x, got)
			}
		}
	}
}

func TestSummationMatrixNonNegative(t *testing.T) {
	var cache SummationCache
	for _, rotation := range []float64{17, 45, 135, -30, 271} {
		matrix, length := cache.Matrix(20, 30, rotation)
		seenMin, seenMax := false, false
		for _, idx := range matrix {
			if idx < 0 || int(idx) >= length {
				t.Fatalf("rotation %v: index %d outside [0,%d)", rotation, idx, length)
			}
			if idx == 0 {
				seenMin = true
			}
			if int(idx) == length-1 {
				seenMax = true
			}
		}
		if !seenMin || !seenMax {
			t.Fatalf("rotation %v: bins 0 and %d must both be used", rotation, length-1)
		}
	}
}

func TestSummationCacheSingleSlot(t *testing.T) {
	var cache SummationCache
	first, _ := cache.Matrix(4, 4, 0)
	again, _ := cache.Matrix(4, 4, 0)
	if &first[0] != &again[0] {
		t.Fatalf("expected cached matrix for identical key")
	}
	if first[1] != 1 {
		t.Fatalf("unexpected index %d", first[1])
	}

	rotated, length := cache.Matrix(4, 4, 90)
	if length != 4 || rotated[1] != 0 || rotated[4] != 1 {
		t.Fatalf("expected recomputation for new rotation, got %v", rotated)
	}
	if cache.rotation != 90 {
		t.Fatalf("cache key not updated")
	}

	_, length = cache.Matrix(2, 8, 90)
	if length != 2 {
		t.Fatalf("expected recomputation for new shape, got length %d", length)
	}
}
