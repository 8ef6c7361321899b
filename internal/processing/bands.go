package processing

import (
	"runtime"
	"sync"
)

// Images smaller than this are processed on the calling goroutine.
const parallelPixels = 64 * 1024

func bandCount(height, width int) int {
	if height*width < parallelPixels {
		return 1
	}
	n := runtime.GOMAXPROCS(0)
	if n > height {
		n = height
	}
	if n < 1 {
		n = 1
	}
	return n
}

// forBands splits rows [0, height) into n contiguous bands and runs fn for each
// band on its own goroutine, returning once all bands are done.
func forBands(height, n int, fn func(band, y0, y1 int)) {
	if n <= 1 {
		fn(0, 0, height)
		return
	}
	var wg sync.WaitGroup
	wg.Add(n)
	for band := 0; band < n; band++ {
		y0 := band * height / n
		y1 := (band + 1) * height / n
		go func(band, y0, y1 int) {
			defer wg.Done()
			fn(band, y0, y1)
		}(band, y0, y1)
	}
	wg.Wait()
}
