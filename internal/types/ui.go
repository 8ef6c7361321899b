package types

import "math"

// SpectrumSnapshot is pushed to websocket clients after every published frame.
type SpectrumSnapshot struct {
	Type     string    `json:"type"`
	PulseID  uint64    `json:"pulse_id"`
	Spectrum []uint32  `json:"spectrum"`
	Axis     []float64 `json:"axis,omitempty"`
	Center   *float64  `json:"center,omitempty"`
	FWHM     *float64  `json:"fwhm,omitempty"`
}

// FinitePtr returns nil for NaN and infinities, which JSON cannot carry.
func FinitePtr(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}
