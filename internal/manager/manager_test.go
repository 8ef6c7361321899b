package manager

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"psss-processing-go/internal/types"
)

func blockingProcessor(ctx context.Context, ready func(), _ *Settings, _ *Statistics) error {
	ready()
	<-ctx.Done()
	return ctx.Err()
}

func newTestManager(t *testing.T, p Processor, timeout time.Duration) *Manager {
	t.Helper()
	settings, err := NewSettings(types.ROI{}, types.DefaultParameters())
	if err != nil {
		t.Fatalf("settings: %v", err)
	}
	m, err := New(p, settings, Options{StartTimeout: timeout, Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	return m
}

func waitStatus(t *testing.T, m *Manager, want Status) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if m.Status() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("status %s, want %s", m.Status(), want)
}

func TestManagerWorkflow(t *testing.T) {
	m := newTestManager(t, blockingProcessor, time.Second)
	if m.Status() != StatusStopped {
		t.Fatalf("initial status %s", m.Status())
	}
	if got := m.Stop(); got != StatusStopped {
		t.Fatalf("stop on stopped manager returned %s", got)
	}

	status, err := m.Start()
	if err != nil || status != StatusProcessing {
		t.Fatalf("start: %s %v", status, err)
	}
	runID := m.Statistics()["run_id"]

	status, err = m.Start()
	if err != nil || status != StatusProcessing {
		t.Fatalf("second start must be a no-op: %s %v", status, err)
	}
	if m.Statistics()["run_id"] != runID {
		t.Fatalf("second start must not reset statistics")
	}

	if got := m.Stop(); got != StatusStopped || m.Status() != StatusStopped {
		t.Fatalf("stop left status %s", m.Status())
	}
	if m.Err() != nil {
		t.Fatalf("clean stop reported error %v", m.Err())
	}

	if _, err := m.Start(); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if m.Statistics()["run_id"] == runID {
		t.Fatalf("restart must begin a new run")
	}
	m.Stop()
}

func TestManagerStartupTimeout(t *testing.T) {
	exited := make(chan struct{})
	neverReady := func(ctx context.Context, _ func(), _ *Settings, _ *Statistics) error {
		defer close(exited)
		<-ctx.Done()
		return ctx.Err()
	}
	m := newTestManager(t, neverReady, 50*time.Millisecond)

	status, err := m.Start()
	if !errors.Is(err, ErrStartupTimeout) {
		t.Fatalf("expected startup timeout, got %v", err)
	}
	if status != StatusStopped || m.Status() != StatusStopped {
		t.Fatalf("status after timeout %s / %s", status, m.Status())
	}
	select {
	case <-exited:
	case <-time.After(time.Second):
		t.Fatalf("worker context was not cancelled after the timeout")
	}
}

func TestManagerStartWaitsForDrainingRun(t *testing.T) {
	release := make(chan struct{})
	var calls atomic.Int32
	stuck := func(ctx context.Context, ready func(), _ *Settings, _ *Statistics) error {
		if calls.Add(1) == 1 {
			// Ignores cancellation until released, like a worker blocked in a socket call.
			<-release
			return nil
		}
		ready()
		<-ctx.Done()
		return ctx.Err()
	}
	m := newTestManager(t, stuck, 30*time.Millisecond)
	defer m.Stop()

	if _, err := m.Start(); !errors.Is(err, ErrStartupTimeout) {
		t.Fatalf("expected startup timeout, got %v", err)
	}
	if _, err := m.Start(); !errors.Is(err, ErrStillDraining) {
		t.Fatalf("expected draining error, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("a new worker was spawned while the old one held its resources")
	}

	close(release)
	status, err := m.Start()
	if err != nil || status != StatusProcessing {
		t.Fatalf("start after drain: %s %v", status, err)
	}
	if calls.Load() != 2 {
		t.Fatalf("unexpected worker count %d", calls.Load())
	}
}

func TestManagerFatalWorkerError(t *testing.T) {
	boom := errors.New("boom")
	trigger := make(chan struct{})
	failing := func(ctx context.Context, ready func(), _ *Settings, _ *Statistics) error {
		ready()
		select {
		case <-trigger:
			return &FatalWorkerError{PulseID: 7, HasPulse: true, Err: boom}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	m := newTestManager(t, failing, time.Second)
	if _, err := m.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	close(trigger)
	waitStatus(t, m, StatusStopped)

	var fatal *FatalWorkerError
	if !errors.As(m.Err(), &fatal) || fatal.PulseID != 7 || !errors.Is(m.Err(), boom) {
		t.Fatalf("unexpected error %v", m.Err())
	}
	if m.Stop() != StatusStopped {
		t.Fatalf("stop after crash must leave the manager stopped")
	}
}

func TestManagerWorkerPanic(t *testing.T) {
	trigger := make(chan struct{})
	panicking := func(ctx context.Context, ready func(), _ *Settings, _ *Statistics) error {
		ready()
		<-trigger
		panic("kaputt")
	}
	m := newTestManager(t, panicking, time.Second)
	if _, err := m.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	close(trigger)
	waitStatus(t, m, StatusStopped)
	if m.Err() == nil || !strings.Contains(m.Err().Error(), "kaputt") {
		t.Fatalf("unexpected error %v", m.Err())
	}
}

func TestManagerExitBeforeReady(t *testing.T) {
	broken := func(ctx context.Context, _ func(), _ *Settings, _ *Statistics) error {
		return errors.New("cannot bind")
	}
	m := newTestManager(t, broken, time.Second)
	status, err := m.Start()
	var fatal *FatalWorkerError
	if !errors.As(err, &fatal) || status != StatusStopped {
		t.Fatalf("unexpected start result %s %v", status, err)
	}
	if m.Status() != StatusStopped {
		t.Fatalf("status %s", m.Status())
	}
}

func TestManagerSettingsReachWorker(t *testing.T) {
	seen := make(chan float64, 16)
	observing := func(ctx context.Context, ready func(), settings *Settings, _ *Statistics) error {
		ready()
		ticker := time.NewTicker(5 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				select {
				case seen <- settings.Snapshot().Parameters.Rotation:
				default:
				}
			}
		}
	}
	m := newTestManager(t, observing, time.Second)
	if _, err := m.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer m.Stop()

	rotation := 33.0
	if _, err := m.SetParameters(types.ParameterUpdate{Rotation: &rotation}); err != nil {
		t.Fatalf("set parameters: %v", err)
	}
	deadline := time.After(2 * time.Second)
	for observed := false; !observed; {
		select {
		case got := <-seen:
			observed = got == 33
		case <-deadline:
			t.Fatalf("worker never observed the new rotation")
		}
	}

	if _, err := m.SetROI([]any{-1, 10, 0, 10}); err == nil {
		t.Fatalf("expected invalid roi to be rejected")
	}
	if !m.ROI().Empty() {
		t.Fatalf("rejected roi must not be stored")
	}
	if m.Status() != StatusProcessing {
		t.Fatalf("validation failure must not touch the worker")
	}
}

func TestManagerAutoStart(t *testing.T) {
	settings, _ := NewSettings(types.ROI{}, types.DefaultParameters())
	m, err := New(blockingProcessor, settings, Options{AutoStart: true, StartTimeout: time.Second, Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("auto start: %v", err)
	}
	if m.Status() != StatusProcessing {
		t.Fatalf("status %s", m.Status())
	}
	m.Stop()
}

func TestStatisticsSummaryExcludesPreview(t *testing.T) {
	stats := NewStatistics()
	stats.Reset(time.Now())
	img := types.NewImage(2, 2)
	fit := types.FitResult{Outcome: types.FitFallback}
	stats.RecordSent(4, time.Now(), img, types.Spectrum{1, 2}, &fit)
	stats.RecordDropped()

	summary := stats.Summary()
	for key := range summary {
		if strings.Contains(key, "image") && key != "n_processed_images" && key != "n_dropped_images" {
			t.Fatalf("summary leaks heavy field %q", key)
		}
		if strings.Contains(key, "spectrum") {
			t.Fatalf("summary leaks heavy field %q", key)
		}
	}
	if summary["last_sent_pulse_id"] != uint64(4) || summary["n_processed_images"] != uint64(1) {
		t.Fatalf("unexpected summary %v", summary)
	}
	if summary["n_dropped_images"] != uint64(1) || summary["n_fit_fallbacks"] != uint64(1) {
		t.Fatalf("unexpected counters %v", summary)
	}

	preview, ok := stats.Preview()
	if !ok || preview.PulseID != 4 || len(preview.Spectrum) != 2 || preview.Image.Width != 2 {
		t.Fatalf("unexpected preview %+v", preview)
	}
}

func TestSettingsBackground(t *testing.T) {
	settings, _ := NewSettings(types.ROI{}, types.DefaultParameters())
	if err := settings.SetBackground("dark", [][]uint32{{1, 2}, {3}}); err == nil {
		t.Fatalf("expected ragged background to be rejected")
	}
	if err := settings.SetBackground("dark", [][]uint32{{1, 2}, {3, 4}}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	before := settings.Snapshot()
	if before.Parameters.Background == nil || before.Parameters.Background.At(1, 1) != 4 {
		t.Fatalf("background not stored")
	}
	if err := settings.SetBackground("none", nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if before.Parameters.Background.At(1, 1) != 4 {
		t.Fatalf("replacing the background mutated an existing snapshot")
	}
	if p := settings.Parameters(); p.Background != nil || p.BackgroundName != "none" {
		t.Fatalf("unexpected parameters %+v", p)
	}
}
