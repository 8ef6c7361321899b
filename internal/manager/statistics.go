package manager

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"psss-processing-go/internal/types"
)

// Statistics is written by the worker and polled by the control side. One
// mutex guards every field; readers only ever get copies.
type Statistics struct {
	mu sync.Mutex

	runID     string
	startTime time.Time

	hasPulse     bool
	lastPulseID  uint64
	lastSentTime time.Time

	processed    uint64
	dropped      uint64
	sendErrors   uint64
	fitFallbacks uint64

	// Heavy fields, only exposed through Preview.
	lastImage    types.Image
	lastSpectrum types.Spectrum
	lastFit      *types.FitResult
}

// Preview is the last published frame: the cropped image, its spectrum and,
// in energy mode, the fit.
type Preview struct {
	PulseID  uint64
	Image    types.Image
	Spectrum types.Spectrum
	Fit      *types.FitResult
}

func NewStatistics() *Statistics {
	return &Statistics{}
}

// Reset starts a new run.
func (s *Statistics) Reset(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runID = uuid.NewString()
	s.startTime = now
	s.hasPulse = false
	s.lastPulseID = 0
	s.lastSentTime = time.Time{}
	s.processed, s.dropped, s.sendErrors, s.fitFallbacks = 0, 0, 0, 0
	s.lastImage = types.Image{}
	s.lastSpectrum = nil
	s.lastFit = nil
}

// RecordSent is called after a frame was published.
func (s *Statistics) RecordSent(pulseID uint64, at time.Time, image types.Image, spectrum types.Spectrum, fit *types.FitResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hasPulse = true
	s.lastPulseID = pulseID
	s.lastSentTime = at
	s.processed++
	s.lastImage = image
	s.lastSpectrum = spectrum
	s.lastFit = fit
	if fit != nil && fit.Outcome == types.FitFallback {
		s.fitFallbacks++
	}
}

func (s *Statistics) RecordDropped() {
	s.mu.Lock()
	s.dropped++
	s.mu.Unlock()
}

func (s *Statistics) RecordSendError() {
	s.mu.Lock()
	s.sendErrors++
	s.mu.Unlock()
}

func (s *Statistics) Processed() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.processed
}

func (s *Statistics) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Summary is the externally polled view. It never includes the preview image
// or spectrum.
func (s *Statistics) Summary() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := map[string]any{
		"run_id":                nil,
		"processing_start_time": nil,
		"last_sent_pulse_id":    nil,
		"last_sent_time":        nil,
		"n_processed_images":    s.processed,
		"n_dropped_images":      s.dropped,
		"n_send_errors":         s.sendErrors,
		"n_fit_fallbacks":       s.fitFallbacks,
	}
	if s.runID != "" {
		out["run_id"] = s.runID
	}
	if !s.startTime.IsZero() {
		out["processing_start_time"] = s.startTime.Format(time.RFC3339Nano)
	}
	if s.hasPulse {
		out["last_sent_pulse_id"] = s.lastPulseID
		out["last_sent_time"] = s.lastSentTime.Format(time.RFC3339Nano)
	}
	return out
}

func (s *Statistics) Preview() (Preview, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hasPulse {
		return Preview{}, false
	}
	p := Preview{
		PulseID:  s.lastPulseID,
		Image:    s.lastImage,
		Spectrum: s.lastSpectrum,
	}
	if s.lastFit != nil {
		fit := *s.lastFit
		p.Fit = &fit
	}
	return p, true
}

func (s *Statistics) StartTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startTime
}
