package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"

	"psss-processing-go/internal/types"
)

type Status string

const (
	StatusStopped    Status = "stopped"
	StatusStarting   Status = "starting"
	StatusProcessing Status = "processing"
)

const DefaultStartTimeout = 10 * time.Second

var (
	ErrStartupTimeout = errors.New("processing worker did not signal readiness in time")
	ErrStillDraining  = errors.New("previous processing worker is still shutting down")

	errExitedBeforeReady = errors.New("processing worker exited before signalling readiness")
)

// FatalWorkerError ends a run. PulseID is set when the failure happened while
// a frame was being processed.
type FatalWorkerError struct {
	PulseID  uint64
	HasPulse bool
	Err      error
}

func (e *FatalWorkerError) Error() string {
	if e.HasPulse {
		return fmt.Sprintf("processing worker failed at pulse %d: %v", e.PulseID, e.Err)
	}
	return fmt.Sprintf("processing worker failed: %v", e.Err)
}

func (e *FatalWorkerError) Unwrap() error {
	return e.Err
}

// Processor is the body of the worker goroutine. It must call ready once it
// is able to receive frames, and return when ctx is cancelled. Returning
// context.Canceled (or nil) counts as a clean stop.
type Processor func(ctx context.Context, ready func(), settings *Settings, stats *Statistics) error

type run struct {
	cancel    context.CancelFunc
	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}
	// err is written before done is closed.
	err error
}

func (r *run) signalReady() {
	r.readyOnce.Do(func() { close(r.ready) })
}

type Options struct {
	StartTimeout time.Duration
	AutoStart    bool
	Logger       zerolog.Logger
}

// Manager owns the lifecycle of the single processing worker.
//
// lifecycleMu serialises Start and Stop. mu guards run and lastErr and is
// never held while waiting on the worker. The running state is never stored:
// it is derived from the current run's ready and done channels.
type Manager struct {
	processor    Processor
	settings     *Settings
	stats        *Statistics
	startTimeout time.Duration
	log          zerolog.Logger

	lifecycleMu sync.Mutex
	// draining is a run detached after a startup timeout that may still hold
	// its sockets. Guarded by lifecycleMu.
	draining *run

	mu      sync.Mutex
	run     *run
	lastErr error
}

// New builds a manager. With AutoStart the worker is started right away and a
// startup failure is returned together with the manager.
func New(processor Processor, settings *Settings, opts Options) (*Manager, error) {
	timeout := opts.StartTimeout
	if timeout <= 0 {
		timeout = DefaultStartTimeout
	}
	m := &Manager{
		processor:    processor,
		settings:     settings,
		stats:        NewStatistics(),
		startTimeout: timeout,
		log:          opts.Logger,
	}
	if opts.AutoStart {
		if _, err := m.Start(); err != nil {
			return m, err
		}
	}
	return m, nil
}

// Start spawns the worker and waits for its readiness signal. Starting an
// already processing manager is a no-op.
func (m *Manager) Start() (Status, error) {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()

	if status := m.Status(); status == StatusProcessing {
		m.log.Debug().Msg("start requested while already processing")
		return status, nil
	}
	if err := m.awaitDraining(); err != nil {
		return StatusStopped, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &run{
		cancel: cancel,
		ready:  make(chan struct{}),
		done:   make(chan struct{}),
	}
	m.stats.Reset(time.Now())

	m.mu.Lock()
	m.run = r
	m.lastErr = nil
	m.mu.Unlock()

	go m.execute(ctx, r)

	timer := time.NewTimer(m.startTimeout)
	defer timer.Stop()

	select {
	case <-r.ready:
		m.log.Info().Str("run_id", m.runID()).Msg("processing started")
		return StatusProcessing, nil
	case <-r.done:
		m.detach(r)
		if r.err != nil {
			return StatusStopped, r.err
		}
		return StatusStopped, &FatalWorkerError{Err: errExitedBeforeReady}
	case <-timer.C:
		cancel()
		m.detach(r)
		m.draining = r
		m.log.Error().Dur("timeout", m.startTimeout).Msg("processing worker missed the readiness handshake")
		return StatusStopped, ErrStartupTimeout
	}
}

// Stop cancels the worker and waits for it to return. The manager is always
// stopped afterwards.
func (m *Manager) Stop() Status {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()

	m.mu.Lock()
	r := m.run
	m.run = nil
	m.mu.Unlock()

	if r == nil {
		return StatusStopped
	}
	r.cancel()
	<-r.done

	summary := m.stats.Summary()
	m.log.Info().
		Str("processed", humanize.Comma(int64(m.stats.Processed()))).
		Str("dropped", humanize.Comma(int64(m.stats.Dropped()))).
		Str("started", humanize.Time(m.stats.StartTime())).
		Interface("last_sent_pulse_id", summary["last_sent_pulse_id"]).
		Msg("processing stopped")
	return StatusStopped
}

// Status is derived from the current run: no run or a finished run is
// stopped, a live run is starting until it signals readiness.
func (m *Manager) Status() Status {
	m.mu.Lock()
	r := m.run
	m.mu.Unlock()
	if r == nil {
		return StatusStopped
	}
	select {
	case <-r.done:
		return StatusStopped
	default:
	}
	select {
	case <-r.ready:
		return StatusProcessing
	default:
		return StatusStarting
	}
}

// Err returns the error that ended the last run, or nil.
func (m *Manager) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

func (m *Manager) SetParameters(update types.ParameterUpdate) (types.Parameters, error) {
	return m.settings.UpdateParameters(update)
}

func (m *Manager) SetROI(value any) (types.ROI, error) {
	return m.settings.SetROI(value)
}

func (m *Manager) SetBackground(name string, rows [][]uint32) error {
	return m.settings.SetBackground(name, rows)
}

func (m *Manager) Parameters() types.Parameters {
	return m.settings.Parameters()
}

func (m *Manager) ROI() types.ROI {
	return m.settings.ROI()
}

func (m *Manager) Statistics() map[string]any {
	return m.stats.Summary()
}

// LastProcessed returns the last published frame for previews.
func (m *Manager) LastProcessed() (Preview, bool) {
	return m.stats.Preview()
}

func (m *Manager) runID() string {
	id, _ := m.stats.Summary()["run_id"].(string)
	return id
}

func (m *Manager) execute(ctx context.Context, r *run) {
	var err error
	defer func() {
		if p := recover(); p != nil {
			err = &FatalWorkerError{Err: fmt.Errorf("panic: %v", p)}
		}
		m.finish(r, err)
		close(r.done)
	}()
	err = m.processor(ctx, r.signalReady, m.settings, m.stats)
}

func (m *Manager) finish(r *run, err error) {
	if err == nil || errors.Is(err, context.Canceled) {
		return
	}
	var fatal *FatalWorkerError
	if !errors.As(err, &fatal) {
		fatal = &FatalWorkerError{Err: err}
	}
	r.err = fatal
	r.cancel()

	m.mu.Lock()
	current := m.run == r
	if current {
		m.lastErr = fatal
	}
	m.mu.Unlock()

	if current {
		m.log.Error().Err(fatal).Msg("processing worker terminated")
	}
}

// awaitDraining waits up to the startup timeout for a run detached by an
// earlier timeout to exit.
func (m *Manager) awaitDraining() error {
	d := m.draining
	if d == nil {
		return nil
	}
	select {
	case <-d.done:
	default:
		m.log.Warn().Msg("previous processing worker is still draining, waiting")
		timer := time.NewTimer(m.startTimeout)
		defer timer.Stop()
		select {
		case <-d.done:
		case <-timer.C:
			return ErrStillDraining
		}
	}
	m.draining = nil
	return nil
}

// detach forgets r if it is still the current run. A worker stuck past the
// startup timeout keeps its cancelled context and is left to exit on its own.
func (m *Manager) detach(r *run) {
	m.mu.Lock()
	if m.run == r {
		m.run = nil
	}
	m.mu.Unlock()
}
