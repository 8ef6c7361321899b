package manager

import (
	"sync"

	"psss-processing-go/internal/types"
)

// Settings is the configuration shared between the control side and the
// worker. A single RWMutex guards the whole structure. Snapshots are plain
// values: the background image and energy axis are always replaced on update,
// never written in place, so a snapshot may keep referencing them.
type Settings struct {
	mu     sync.RWMutex
	roi    types.ROI
	params types.Parameters
}

type Snapshot struct {
	ROI        types.ROI
	Parameters types.Parameters
}

func NewSettings(roi types.ROI, params types.Parameters) (*Settings, error) {
	if err := roi.Validate(); err != nil {
		return nil, err
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return &Settings{roi: roi, params: params}, nil
}

func (s *Settings) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{ROI: s.roi, Parameters: s.params}
}

func (s *Settings) ROI() types.ROI {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.roi
}

func (s *Settings) Parameters() types.Parameters {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.params
}

// SetROI validates an untyped ROI (as decoded from JSON) and stores it.
func (s *Settings) SetROI(value any) (types.ROI, error) {
	roi, err := types.ParseROI(value)
	if err != nil {
		return types.ROI{}, err
	}
	s.mu.Lock()
	s.roi = roi
	s.mu.Unlock()
	return roi, nil
}

// UpdateParameters merges a partial update. Nothing is stored when the merged
// result fails validation.
func (s *Settings) UpdateParameters(update types.ParameterUpdate) (types.Parameters, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next, err := update.Apply(s.params)
	if err != nil {
		return s.params, err
	}
	s.params = next
	return next, nil
}

// SetBackground replaces the background image. Nil rows clear the image but
// keep the name, matching an upload without data.
func (s *Settings) SetBackground(name string, rows [][]uint32) error {
	var bg *types.Image
	if rows != nil {
		img, err := types.ImageFromRows(rows)
		if err != nil {
			return &types.ValidationError{Field: "background", Reason: err.Error()}
		}
		bg = &img
	}
	s.mu.Lock()
	s.params.BackgroundName = name
	s.params.Background = bg
	s.mu.Unlock()
	return nil
}
