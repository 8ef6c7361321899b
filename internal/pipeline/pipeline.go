package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"psss-processing-go/internal/fit"
	"psss-processing-go/internal/manager"
	"psss-processing-go/internal/processing"
	"psss-processing-go/internal/types"
)

// FrameSource returns nil, nil when no frame arrived within its timeout.
type FrameSource interface {
	Receive(ctx context.Context) (*types.Frame, error)
	Close() error
}

// ResultSink makes one bounded attempt per Send and returns
// types.ErrWouldBlock when the attempt timed out.
type ResultSink interface {
	Send(ctx context.Context, msg types.Message) error
	Close() error
}

// ScalarSink mirrors derived values on named channels. Each Put is
// independent and bounded by the sink.
type ScalarSink interface {
	Put(ctx context.Context, name string, value any) error
}

type Policy string

const (
	// PolicyDrop makes a single send attempt and discards the result when the
	// downstream queue is full.
	PolicyDrop Policy = "drop"
	// PolicyRetry repeats the send until it succeeds or the run is cancelled.
	PolicyRetry Policy = "retry"
)

func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case PolicyDrop, "":
		return PolicyDrop, nil
	case PolicyRetry:
		return PolicyRetry, nil
	default:
		return "", fmt.Errorf("unknown publish policy %q", s)
	}
}

// Scalar channel names.
const (
	ScalarSpectrum  = "spectrum"
	ScalarCenter    = "center"
	ScalarFWHM      = "fwhm"
	ScalarAmplitude = "amplitude"
)

type Options struct {
	// ImageChannel names the frame channel to process; output fields are
	// prefixed with it.
	ImageChannel string
	Mode         processing.Mode
	Policy       Policy
	// RetryInterval pauses between retries under PolicyRetry.
	RetryInterval time.Duration

	// Sockets are opened inside the worker goroutine.
	OpenSource func() (FrameSource, error)
	OpenSink   func() (ResultSink, error)

	Scalars ScalarSink
	// Live receives a snapshot per published frame; sends never block.
	Live   chan<- types.SpectrumSnapshot
	Logger zerolog.Logger
}

// NewStreamProcessor returns the worker body run by the manager.
func NewStreamProcessor(opts Options) manager.Processor {
	if opts.Mode == "" {
		opts.Mode = processing.ModeRotation
	}
	if opts.Policy == "" {
		opts.Policy = PolicyDrop
	}
	return func(ctx context.Context, ready func(), settings *manager.Settings, stats *manager.Statistics) error {
		w := &worker{
			opts:      opts,
			settings:  settings,
			stats:     stats,
			extractor: processing.NewExtractor(),
			log:       opts.Logger,
		}
		return w.run(ctx, ready)
	}
}

type worker struct {
	opts      Options
	settings  *manager.Settings
	stats     *manager.Statistics
	extractor *processing.Extractor
	log       zerolog.Logger
}

func (w *worker) run(ctx context.Context, ready func()) error {
	source, err := w.opts.OpenSource()
	if err != nil {
		return fmt.Errorf("open input stream: %w", err)
	}
	defer source.Close()

	sink, err := w.opts.OpenSink()
	if err != nil {
		return fmt.Errorf("open output stream: %w", err)
	}
	defer sink.Close()

	w.log.Info().
		Str("image_channel", w.opts.ImageChannel).
		Str("mode", string(w.opts.Mode)).
		Str("policy", string(w.opts.Policy)).
		Msg("worker ready")
	ready()

	for ctx.Err() == nil {
		frame, err := source.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			return &manager.FatalWorkerError{Err: fmt.Errorf("receive: %w", err)}
		}
		if frame == nil {
			continue
		}
		if err := w.process(ctx, sink, frame); err != nil {
			return err
		}
	}
	return ctx.Err()
}

// process handles one frame. Panics and errors end the run.
func (w *worker) process(ctx context.Context, sink ResultSink, frame *types.Frame) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
		if err != nil {
			err = &manager.FatalWorkerError{PulseID: frame.PulseID, HasPulse: true, Err: err}
		}
	}()

	snap := w.settings.Snapshot()
	img, ok := frame.Channels[w.opts.ImageChannel]
	if !ok {
		return fmt.Errorf("frame has no image channel %q", w.opts.ImageChannel)
	}

	res := w.extractor.Extract(w.opts.Mode, img, snap.ROI, snap.Parameters)
	meta, err := json.Marshal(res.Metadata)
	if err != nil {
		return fmt.Errorf("encode processing parameters: %w", err)
	}

	prefix := w.opts.ImageChannel
	data := map[string]any{
		prefix + ".processing_parameters": string(meta),
		prefix + ".spectrum":              res.Spectrum,
	}

	var fitted *types.FitResult
	var axis []float64
	if w.opts.Mode == processing.ModeEnergy {
		p := snap.Parameters
		axis = fit.Axis(p.EnergyAxis, len(res.Spectrum))
		r, err := fit.Peak(res.Spectrum, axis, fit.Options{MaxEvaluations: p.MaxFitEvaluations, Skip: p.SkipFit})
		if err != nil {
			return err
		}
		fitted = &r
		data[prefix+".spectrum_x"] = axis
		data[prefix+".center"] = r.Center
		data[prefix+".fwhm"] = r.FWHM()
		data[prefix+".amplitude"] = r.Amplitude
		data[prefix+".offset"] = r.Offset
		data[prefix+".fit_outcome"] = r.Outcome.String()
	}

	msg := types.Message{PulseID: frame.PulseID, Timestamp: frame.Timestamp, Data: data}
	if !w.publish(ctx, sink, msg) {
		return nil
	}

	w.stats.RecordSent(frame.PulseID, time.Now(), res.Cropped, res.Spectrum, fitted)
	w.log.Debug().Uint64("pulse_id", frame.PulseID).Int("bins", len(res.Spectrum)).Msg("sent")

	w.pushScalars(ctx, res.Spectrum, fitted)
	w.pushLive(frame.PulseID, res.Spectrum, axis, fitted)
	return nil
}

// publish reports whether msg went out. Send errors other than a full queue
// are counted and logged, never fatal.
func (w *worker) publish(ctx context.Context, sink ResultSink, msg types.Message) bool {
	for {
		err := sink.Send(ctx, msg)
		switch {
		case err == nil:
			return true
		case ctx.Err() != nil:
			return false
		case errors.Is(err, types.ErrWouldBlock):
			if w.opts.Policy == PolicyDrop {
				w.stats.RecordDropped()
				w.log.Debug().Uint64("pulse_id", msg.PulseID).Msg("output queue full, dropped")
				return false
			}
			if !w.pause(ctx) {
				return false
			}
		default:
			w.stats.RecordSendError()
			w.log.Error().Err(err).Uint64("pulse_id", msg.PulseID).Msg("cannot send out the spectrum")
			return false
		}
	}
}

func (w *worker) pause(ctx context.Context) bool {
	if w.opts.RetryInterval <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(w.opts.RetryInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

type scalar struct {
	name  string
	value any
}

func (w *worker) pushScalars(ctx context.Context, spectrum types.Spectrum, fitted *types.FitResult) {
	if w.opts.Scalars == nil {
		return
	}
	values := []scalar{{ScalarSpectrum, spectrum}}
	if fitted != nil {
		values = append(values,
			scalar{ScalarCenter, fitted.Center},
			scalar{ScalarFWHM, fitted.FWHM()},
			scalar{ScalarAmplitude, fitted.Amplitude},
		)
	}
	// Puts run concurrently so a stalled channel costs one timeout per frame.
	var wg sync.WaitGroup
	for _, v := range values {
		wg.Add(1)
		go func(v scalar) {
			defer wg.Done()
			if err := w.opts.Scalars.Put(ctx, v.name, v.value); err != nil {
				w.log.Debug().Err(err).Str("channel", v.name).Msg("scalar put failed")
			}
		}(v)
	}
	wg.Wait()
}

func (w *worker) pushLive(pulseID uint64, spectrum types.Spectrum, axis []float64, fitted *types.FitResult) {
	if w.opts.Live == nil {
		return
	}
	snap := types.SpectrumSnapshot{
		Type:     "spectrum",
		PulseID:  pulseID,
		Spectrum: spectrum,
		Axis:     axis,
	}
	if fitted != nil {
		snap.Center = types.FinitePtr(fitted.Center)
		snap.FWHM = types.FinitePtr(fitted.FWHM())
	}
	select {
	case w.opts.Live <- snap:
	default:
	}
}
