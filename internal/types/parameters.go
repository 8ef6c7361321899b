package types

import (
	"fmt"
	"math"
)

const DefaultMaxFitEvaluations = 20

// Parameters drive the per-frame pipeline. Background is replaced wholesale on
// update and never written in place, so snapshots may share it.
type Parameters struct {
	MinThreshold      uint32    `json:"min_threshold" yaml:"min_threshold"`
	MaxThreshold      uint32    `json:"max_threshold" yaml:"max_threshold"`
	Rotation          float64   `json:"rotation" yaml:"rotation"`
	BackgroundName    string    `json:"background" yaml:"background"`
	Background        *Image    `json:"-" yaml:"-"`
	MaxFitEvaluations int       `json:"max_fit_evaluations" yaml:"max_fit_evaluations"`
	SkipFit           bool      `json:"skip_fit" yaml:"skip_fit"`
	EnergyAxis        []float64 `json:"energy_axis,omitempty" yaml:"energy_axis"`
}

func DefaultParameters() Parameters {
	return Parameters{MaxFitEvaluations: DefaultMaxFitEvaluations}
}

func (p Parameters) Validate() error {
	if p.MinThreshold > 0 && p.MaxThreshold > 0 && p.MaxThreshold < p.MinThreshold {
		return &ValidationError{Field: "parameters", Reason: fmt.Sprintf("max_threshold %d is below min_threshold %d", p.MaxThreshold, p.MinThreshold)}
	}
	if math.IsNaN(p.Rotation) || math.IsInf(p.Rotation, 0) {
		return &ValidationError{Field: "parameters", Reason: "rotation must be a finite number of degrees"}
	}
	if p.MaxFitEvaluations < 1 {
		return &ValidationError{Field: "parameters", Reason: "max_fit_evaluations must be at least 1"}
	}
	for _, v := range p.EnergyAxis {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return &ValidationError{Field: "parameters", Reason: "energy_axis must contain finite values"}
		}
	}
	return nil
}

// ParameterUpdate is a partial update; nil fields are left untouched.
type ParameterUpdate struct {
	MinThreshold      *float64   `json:"min_threshold"`
	MaxThreshold      *float64   `json:"max_threshold"`
	Rotation          *float64   `json:"rotation"`
	MaxFitEvaluations *int       `json:"max_fit_evaluations"`
	SkipFit           *bool      `json:"skip_fit"`
	EnergyAxis        *[]float64 `json:"energy_axis"`
}

// Apply returns p with the update merged in, or a ValidationError.
func (u ParameterUpdate) Apply(p Parameters) (Parameters, error) {
	if u.MinThreshold != nil {
		v, err := threshold("min_threshold", *u.MinThreshold)
		if err != nil {
			return p, err
		}
		p.MinThreshold = v
	}
	if u.MaxThreshold != nil {
		v, err := threshold("max_threshold", *u.MaxThreshold)
		if err != nil {
			return p, err
		}
		p.MaxThreshold = v
	}
	if u.Rotation != nil {
		p.Rotation = *u.Rotation
	}
	if u.MaxFitEvaluations != nil {
		p.MaxFitEvaluations = *u.MaxFitEvaluations
	}
	if u.SkipFit != nil {
		p.SkipFit = *u.SkipFit
	}
	if u.EnergyAxis != nil {
		p.EnergyAxis = append([]float64(nil), (*u.EnergyAxis)...)
	}
	if err := p.Validate(); err != nil {
		return p, err
	}
	return p, nil
}

func threshold(field string, v float64) (uint32, error) {
	if math.IsNaN(v) || v < 0 || v > math.MaxUint32 || v != math.Trunc(v) {
		return 0, &ValidationError{Field: field, Reason: fmt.Sprintf("must be a non-negative integer, but %v was given", v)}
	}
	return uint32(v), nil
}
