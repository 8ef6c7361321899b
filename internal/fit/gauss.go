package fit

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/integrate"
	"gonum.org/v1/gonum/mat"

	"psss-processing-go/internal/types"
)

const (
	ftol = 1.49012e-8
	xtol = 1.49012e-8

	initialLambda = 1e-3
	minLambda     = 1e-12
	maxLambda     = 1e16
)

var ErrAxisMismatch = errors.New("fit: axis and profile lengths differ")

type Options struct {
	// MaxEvaluations bounds model evaluations in the optimizer.
	MaxEvaluations int
	// Skip returns the seed estimate without optimizing.
	Skip bool
}

func Gauss(x, offset, amplitude, center, sigma float64) float64 {
	d := x - center
	return offset + amplitude*math.Exp(-d*d/(2*sigma*sigma))
}

// Estimate derives seed parameters from the profile: offset from the minimum,
// amplitude from the peak above it, center from the intensity centroid and
// sigma by equating the area above offset with amplitude·sigma·√(2π).
func Estimate(profile, axis []float64) (types.FitResult, error) {
	if len(axis) != len(profile) {
		return types.FitResult{}, fmt.Errorf("%w: %d %d", ErrAxisMismatch, len(axis), len(profile))
	}
	if len(profile) == 0 {
		return types.FitResult{Offset: math.NaN(), Amplitude: math.NaN(), Center: math.NaN(), Sigma: math.NaN(), Outcome: types.FitFallback}, nil
	}

	offset := floats.Min(profile)
	amplitude := floats.Max(profile) - offset
	center := floats.Dot(axis, profile) / floats.Sum(profile)

	shifted := append([]float64(nil), profile...)
	floats.AddConst(-offset, shifted)
	sigma := trapezoid(axis, shifted) / (amplitude * math.Sqrt(2*math.Pi))

	return types.FitResult{
		Offset:    offset,
		Amplitude: amplitude,
		Center:    center,
		Sigma:     math.Abs(sigma),
		Outcome:   types.FitFallback,
	}, nil
}

// Fit refines the seed estimate with Levenberg-Marquardt. It never fails on
// numerical grounds: when the optimizer does not converge within the budget,
// hits a singular system or produces non-finite values, the seed is returned
// with Outcome FitFallback.
func Fit(profile, axis []float64, opts Options) (result types.FitResult, err error) {
	seed, err := Estimate(profile, axis)
	if err != nil {
		return types.FitResult{}, err
	}
	if opts.Skip {
		seed.Outcome = types.FitSkipped
		return seed, nil
	}
	if len(profile) < 4 || !finite(seed.Offset, seed.Amplitude, seed.Center, seed.Sigma) || seed.Sigma == 0 {
		return seed, nil
	}
	budget := opts.MaxEvaluations
	if budget < 1 {
		budget = types.DefaultMaxFitEvaluations
	}

	defer func() {
		if r := recover(); r != nil {
			result, err = seed, nil
		}
	}()

	p0 := [4]float64{seed.Offset, seed.Amplitude, seed.Center, seed.Sigma}
	p, evals, ok := levenbergMarquardt(axis, profile, p0, budget)
	if !ok {
		seed.Evaluations = evals
		return seed, nil
	}
	return types.FitResult{
		Offset:      p[0],
		Amplitude:   p[1],
		Center:      p[2],
		Sigma:       math.Abs(p[3]),
		Outcome:     types.FitConverged,
		Evaluations: evals,
	}, nil
}

// Peak smooths the spectrum, keeps every other sample and fits a Gaussian.
// axis must have the spectrum's length.
func Peak(spectrum types.Spectrum, axis []float64, opts Options) (types.FitResult, error) {
	if len(axis) != len(spectrum) {
		return types.FitResult{}, fmt.Errorf("%w: %d %d", ErrAxisMismatch, len(axis), len(spectrum))
	}
	raw := make([]float64, len(spectrum))
	for i, v := range spectrum {
		raw[i] = float64(v)
	}
	smoothed := Smooth(raw)
	return Fit(decimate(smoothed), decimate(axis), opts)
}

// Axis returns energy when it has one value per bin, else the pixel index.
func Axis(energy []float64, n int) []float64 {
	if len(energy) == n {
		return energy
	}
	return IndexAxis(n)
}

// IndexAxis returns 0..n-1.
func IndexAxis(n int) []float64 {
	axis := make([]float64, n)
	for i := range axis {
		axis[i] = float64(i)
	}
	return axis
}

func decimate(v []float64) []float64 {
	out := make([]float64, 0, (len(v)+1)/2)
	for i := 0; i < len(v); i += 2 {
		out = append(out, v[i])
	}
	return out
}

// trapezoid integrates f over x. Unsorted axes are integrated in the given
// order, so a descending axis yields a negative area.
func trapezoid(x, f []float64) float64 {
	if len(x) < 2 {
		return 0
	}
	if sort.Float64sAreSorted(x) {
		return integrate.Trapezoidal(x, f)
	}
	var area float64
	for i := 1; i < len(x); i++ {
		area += (x[i] - x[i-1]) * (f[i] + f[i-1]) / 2
	}
	return area
}

func finite(values ...float64) bool {
	for _, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// levenbergMarquardt minimizes ½‖model(p) − y‖² with the analytic Jacobian
// and Marquardt damping of the JᵀJ diagonal. evals counts model evaluations,
// including the initial one.
func levenbergMarquardt(x, y []float64, p [4]float64, maxEvals int) ([4]float64, int, bool) {
	n := len(x)
	r := make([]float64, n)
	trial := make([]float64, n)
	jac := mat.NewDense(n, 4, nil)

	// Residuals below this are at rounding level for the data.
	floor := ftol * ftol * floats.Dot(y, y) / 2

	cost := residuals(x, y, p, r)
	evals := 1
	if !finite(cost) {
		return p, evals, false
	}
	if cost <= floor {
		return p, evals, true
	}

	var jtj mat.Dense
	grad := mat.NewVecDense(4, nil)
	linearize := func() {
		jacobian(x, p, jac)
		jtj.Mul(jac.T(), jac)
		grad.MulVec(jac.T(), mat.NewVecDense(n, r))
	}
	linearize()

	lambda := initialLambda
	a := mat.NewDense(4, 4, nil)
	var step, curvature mat.VecDense
	for evals < maxEvals {
		a.Copy(&jtj)
		for i := 0; i < 4; i++ {
			d := jtj.At(i, i)
			if d == 0 {
				d = 1e-12
			}
			a.Set(i, i, d*(1+lambda))
		}
		if err := step.SolveVec(a, grad); err != nil {
			var cond mat.Condition
			if !errors.As(err, &cond) {
				return p, evals, false
			}
		}

		var next, delta [4]float64
		smallStep := true
		for i := range next {
			delta[i] = -step.AtVec(i)
			next[i] = p[i] + delta[i]
			if math.Abs(delta[i]) > xtol*(math.Abs(p[i])+xtol) {
				smallStep = false
			}
		}
		if !finite(next[:]...) {
			return p, evals, false
		}

		// Relative reduction the linear model promises for this step.
		dv := mat.NewVecDense(4, delta[:])
		curvature.MulVec(&jtj, dv)
		predicted := -(mat.Dot(grad, dv) + mat.Dot(dv, &curvature)/2) / cost

		nextCost := residuals(x, y, next, trial)
		evals++
		actual := -1.0
		if finite(nextCost) {
			actual = (cost - nextCost) / cost
		}

		accepted := actual > 0
		if accepted {
			p, cost = next, nextCost
			r, trial = trial, r
			if cost <= floor {
				return p, evals, true
			}
		}
		if (math.Abs(actual) <= ftol && predicted <= ftol) || smallStep {
			return p, evals, true
		}
		if accepted {
			linearize()
			lambda = math.Max(lambda/10, minLambda)
			continue
		}
		lambda *= 10
		if lambda > maxLambda {
			return p, evals, false
		}
	}
	return p, evals, false
}

func residuals(x, y []float64, p [4]float64, r []float64) float64 {
	var cost float64
	for i := range x {
		d := Gauss(x[i], p[0], p[1], p[2], p[3]) - y[i]
		r[i] = d
		cost += d * d
	}
	return cost / 2
}

func jacobian(x []float64, p [4]float64, jac *mat.Dense) {
	amplitude, center, sigma := p[1], p[2], p[3]
	s2 := sigma * sigma
	for i, xi := range x {
		d := xi - center
		fac := math.Exp(-d * d / (2 * s2))
		jac.Set(i, 0, 1)
		jac.Set(i, 1, fac)
		jac.Set(i, 2, amplitude*fac*d/s2)
		jac.Set(i, 3, amplitude*fac*d*d/(s2*sigma))
	}
}
