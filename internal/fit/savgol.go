package fit

import (
	"sync"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

const (
	SmoothWindow = 51
	SmoothOrder  = 3
)

type kernelKey struct {
	window int
	order  int
}

var (
	kernelsMu sync.Mutex
	kernels   = map[kernelKey]*mat.Dense{}
)

// Smooth applies a Savitzky-Golay filter (window 51, cubic). Near the edges the
// polynomial fitted to the first and last full window is evaluated instead of
// padding. Profiles shorter than the window use the largest odd window that
// fits; profiles too short for a cubic are returned unchanged.
func Smooth(profile []float64) []float64 {
	return SmoothWith(profile, SmoothWindow, SmoothOrder)
}

func SmoothWith(profile []float64, window, order int) []float64 {
	n := len(profile)
	out := make([]float64, n)
	if window > n {
		window = n
	}
	if window%2 == 0 {
		window--
	}
	if window <= order {
		copy(out, profile)
		return out
	}

	hat := savgolKernel(window, order)
	half := window / 2

	center := hat.RawRowView(half)
	for i := half; i < n-half; i++ {
		out[i] = floats.Dot(center, profile[i-half:i+half+1])
	}
	head := profile[:window]
	tail := profile[n-window:]
	for i := 0; i < half; i++ {
		out[i] = floats.Dot(hat.RawRowView(i), head)
		out[n-half+i] = floats.Dot(hat.RawRowView(half+1+i), tail)
	}
	return out
}

// savgolKernel returns the window×window hat matrix V·(VᵀV)⁻¹·Vᵀ whose row i
// evaluates, at window position i, the least-squares polynomial through the
// window. Positions are scaled to [-1, 1] to keep VᵀV well conditioned.
func savgolKernel(window, order int) *mat.Dense {
	key := kernelKey{window: window, order: order}
	kernelsMu.Lock()
	defer kernelsMu.Unlock()
	if k, ok := kernels[key]; ok {
		return k
	}

	half := window / 2
	v := mat.NewDense(window, order+1, nil)
	for i := 0; i < window; i++ {
		u := float64(i-half) / float64(half)
		p := 1.0
		for j := 0; j <= order; j++ {
			v.Set(i, j, p)
			p *= u
		}
	}

	var vtv, inv, pinv, hat mat.Dense
	vtv.Mul(v.T(), v)
	if err := inv.Inverse(&vtv); err != nil {
		// A Vandermonde matrix with distinct nodes and window > order has
		// full column rank.
		panic("fit: savitzky-golay normal matrix is singular: " + err.Error())
	}
	pinv.Mul(&inv, v.T())
	hat.Mul(v, &pinv)

	kernels[key] = &hat
	return &hat
}
