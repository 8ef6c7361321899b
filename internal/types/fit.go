package types

// FWHMFactor converts a Gaussian sigma to full width at half maximum.
const FWHMFactor = 2.3548

type FitOutcome int

const (
	FitConverged FitOutcome = iota
	FitFallback
	FitSkipped
)

func (o FitOutcome) String() string {
	switch o {
	case FitConverged:
		return "converged"
	case FitFallback:
		return "fallback"
	case FitSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// FitResult carries Gaussian parameters. When Outcome is not FitConverged the
// parameters are the seed estimate.
type FitResult struct {
	Offset      float64
	Amplitude   float64
	Center      float64
	Sigma       float64
	Outcome     FitOutcome
	Evaluations int
}

func (r FitResult) FWHM() float64 {
	return FWHMFactor * r.Sigma
}
