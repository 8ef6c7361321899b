package pipeline

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"psss-processing-go/internal/manager"
	"psss-processing-go/internal/processing"
	"psss-processing-go/internal/types"
)

const channel = "SARFE10-PSSS059:FPICTURE"

type sliceSource struct {
	mu     sync.Mutex
	frames []types.Frame
}

func (s *sliceSource) Receive(ctx context.Context) (*types.Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.frames) == 0 {
		time.Sleep(time.Millisecond)
		return nil, ctx.Err()
	}
	frame := s.frames[0]
	s.frames = s.frames[1:]
	return &frame, nil
}

func (s *sliceSource) Close() error { return nil }

type recordingSink struct {
	mu       sync.Mutex
	messages []types.Message
	attempts int
	// blockFirst sends fail with ErrWouldBlock; blockAll makes every send fail.
	blockFirst int
	blockAll   bool
	err        error
}

func (s *recordingSink) Send(_ context.Context, msg types.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts++
	if s.err != nil {
		return s.err
	}
	if s.blockAll || s.attempts <= s.blockFirst {
		return types.ErrWouldBlock
	}
	s.messages = append(s.messages, msg)
	return nil
}

func (s *recordingSink) Close() error { return nil }

func (s *recordingSink) sent() []types.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.Message(nil), s.messages...)
}

type recordingScalars struct {
	mu    sync.Mutex
	puts  map[string]any
	fail  string
	delay time.Duration
}

func (s *recordingScalars) Put(_ context.Context, name string, value any) error {
	time.Sleep(s.delay)
	if name == s.fail {
		return errors.New("channel disconnected")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.puts == nil {
		s.puts = map[string]any{}
	}
	s.puts[name] = value
	return nil
}

func (s *recordingScalars) get(name string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.puts[name]
	return v, ok
}

func uniformFrames(n, width, height int, value uint32) []types.Frame {
	img := types.NewImage(width, height)
	for i := range img.Pix {
		img.Pix[i] = value
	}
	frames := make([]types.Frame, n)
	for i := range frames {
		frames[i] = types.Frame{
			PulseID:   uint64(i),
			Timestamp: types.Timestamp{Seconds: 1700000000, Offset: int64(i)},
			Channels:  map[string]types.Image{channel: img},
		}
	}
	return frames
}

func startManager(t *testing.T, opts Options, frames []types.Frame, sink *recordingSink, roi types.ROI) *manager.Manager {
	t.Helper()
	src := &sliceSource{frames: frames}
	opts.ImageChannel = channel
	opts.OpenSource = func() (FrameSource, error) { return src, nil }
	opts.OpenSink = func() (ResultSink, error) { return sink, nil }
	opts.Logger = zerolog.Nop()

	settings, err := manager.NewSettings(roi, types.DefaultParameters())
	if err != nil {
		t.Fatalf("settings: %v", err)
	}
	m, err := manager.New(NewStreamProcessor(opts), settings, manager.Options{StartTimeout: time.Second, Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	if _, err := m.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	return m
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestEndToEndUniformFrames(t *testing.T) {
	sink := &recordingSink{}
	roi, _ := types.NewROI(0, 1024, 0, 1024)
	m := startManager(t, Options{}, uniformFrames(5, 1024, 1024, 1), sink, roi)

	waitFor(t, "five processed frames", func() bool {
		return m.Statistics()["n_processed_images"] == uint64(5)
	})
	m.Stop()

	sent := sink.sent()
	if len(sent) != 5 {
		t.Fatalf("published %d messages, want 5", len(sent))
	}
	for i, msg := range sent {
		if msg.PulseID != uint64(i) {
			t.Fatalf("message %d has pulse id %d", i, msg.PulseID)
		}
		spectrum, ok := msg.Data[channel+".spectrum"].(types.Spectrum)
		if !ok || len(spectrum) != 1024 {
			t.Fatalf("message %d: unexpected spectrum %T len %d", i, msg.Data[channel+".spectrum"], len(spectrum))
		}
		for j, v := range spectrum {
			if v != 1024 {
				t.Fatalf("message %d bin %d = %d, want 1024", i, j, v)
			}
		}
		if _, ok := msg.Data[channel+".processing_parameters"].(string); !ok {
			t.Fatalf("message %d lacks processing parameters", i)
		}
	}
	if stats := m.Statistics(); stats["last_sent_pulse_id"] != uint64(4) {
		t.Fatalf("unexpected statistics %v", stats)
	}
	if m.Status() != manager.StatusStopped || m.Err() != nil {
		t.Fatalf("unexpected final state %s %v", m.Status(), m.Err())
	}
}

func TestDropPolicyCountsDrops(t *testing.T) {
	sink := &recordingSink{blockAll: true}
	m := startManager(t, Options{Policy: PolicyDrop}, uniformFrames(3, 4, 4, 1), sink, types.ROI{})
	defer m.Stop()

	waitFor(t, "three drops", func() bool {
		return m.Statistics()["n_dropped_images"] == uint64(3)
	})
	if got := m.Statistics()["n_processed_images"]; got != uint64(0) {
		t.Fatalf("dropped frames must not count as processed, got %v", got)
	}
	if m.Status() != manager.StatusProcessing {
		t.Fatalf("backpressure must not stop the worker")
	}
}

func TestRetryPolicyDeliversEveryFrame(t *testing.T) {
	sink := &recordingSink{blockFirst: 3}
	m := startManager(t, Options{Policy: PolicyRetry}, uniformFrames(2, 4, 4, 1), sink, types.ROI{})
	defer m.Stop()

	waitFor(t, "two processed frames", func() bool {
		return m.Statistics()["n_processed_images"] == uint64(2)
	})
	sent := sink.sent()
	if len(sent) != 2 || sent[0].PulseID != 0 || sent[1].PulseID != 1 {
		t.Fatalf("unexpected deliveries %+v", sent)
	}
	if got := m.Statistics()["n_dropped_images"]; got != uint64(0) {
		t.Fatalf("retry policy dropped %v frames", got)
	}
}

func TestRetryPolicyStopsOnCancel(t *testing.T) {
	sink := &recordingSink{blockAll: true}
	m := startManager(t, Options{Policy: PolicyRetry, RetryInterval: time.Millisecond}, uniformFrames(1, 4, 4, 1), sink, types.ROI{})
	waitFor(t, "a retried send", func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return sink.attempts > 2
	})
	done := make(chan struct{})
	go func() {
		m.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("stop did not interrupt the retry loop")
	}
}

func TestSendErrorsAreNotFatal(t *testing.T) {
	sink := &recordingSink{err: errors.New("socket closed")}
	m := startManager(t, Options{}, uniformFrames(2, 4, 4, 1), sink, types.ROI{})
	defer m.Stop()

	waitFor(t, "two send errors", func() bool {
		return m.Statistics()["n_send_errors"] == uint64(2)
	})
	if m.Status() != manager.StatusProcessing {
		t.Fatalf("send errors must not stop the worker")
	}
}

func TestMissingChannelIsFatal(t *testing.T) {
	frames := []types.Frame{{PulseID: 11, Channels: map[string]types.Image{"other": types.NewImage(2, 2)}}}
	m := startManager(t, Options{}, frames, &recordingSink{}, types.ROI{})

	waitFor(t, "worker exit", func() bool { return m.Status() == manager.StatusStopped })
	var fatal *manager.FatalWorkerError
	if !errors.As(m.Err(), &fatal) || !fatal.HasPulse || fatal.PulseID != 11 {
		t.Fatalf("unexpected error %v", m.Err())
	}
}

func TestEnergyModeFitsPeak(t *testing.T) {
	const width, height = 400, 8
	img := types.NewImage(width, height)
	for y := 0; y < height; y++ {
		row := img.Row(y)
		for x := range row {
			d := float64(x) - 180
			row[x] = uint32(math.Round(2 + 100*math.Exp(-d*d/(2*30*30))))
		}
	}
	frames := []types.Frame{{PulseID: 1, Channels: map[string]types.Image{channel: img}}}
	scalars := &recordingScalars{fail: ScalarCenter}
	live := make(chan types.SpectrumSnapshot, 1)
	sink := &recordingSink{}
	m := startManager(t, Options{Mode: processing.ModeEnergy, Scalars: scalars, Live: live}, frames, sink, types.ROI{})
	defer m.Stop()

	waitFor(t, "one processed frame", func() bool {
		return m.Statistics()["n_processed_images"] == uint64(1)
	})
	msg := sink.sent()[0]
	center, _ := msg.Data[channel+".center"].(float64)
	if math.Abs(center-180) > 1 {
		t.Fatalf("unexpected center %v (%v)", center, msg.Data[channel+".fit_outcome"])
	}
	if axis, ok := msg.Data[channel+".spectrum_x"].([]float64); !ok || len(axis) != width {
		t.Fatalf("unexpected axis %T", msg.Data[channel+".spectrum_x"])
	}

	if _, ok := scalars.get(ScalarCenter); ok {
		t.Fatalf("failing channel must not be recorded")
	}
	for _, name := range []string{ScalarSpectrum, ScalarFWHM, ScalarAmplitude} {
		if _, ok := scalars.get(name); !ok {
			t.Fatalf("scalar %q not pushed after another channel failed", name)
		}
	}

	select {
	case snap := <-live:
		if snap.PulseID != 1 || snap.Center == nil || len(snap.Spectrum) != width {
			t.Fatalf("unexpected live snapshot %+v", snap)
		}
	default:
		t.Fatalf("no live snapshot")
	}

	preview, ok := m.LastProcessed()
	if !ok || preview.Fit == nil || preview.Image.Width != width {
		t.Fatalf("unexpected preview %+v", preview)
	}
}

func TestScalarPutsShareOneTimeout(t *testing.T) {
	scalars := &recordingScalars{delay: 100 * time.Millisecond}
	w := &worker{opts: Options{Scalars: scalars}, log: zerolog.Nop()}
	fitted := &types.FitResult{Center: 1, Sigma: 2, Amplitude: 3}

	start := time.Now()
	w.pushScalars(context.Background(), types.Spectrum{1, 2}, fitted)
	if elapsed := time.Since(start); elapsed >= 300*time.Millisecond {
		t.Fatalf("scalar puts took %v, slow channels must not add up", elapsed)
	}
	for _, name := range []string{ScalarSpectrum, ScalarCenter, ScalarFWHM, ScalarAmplitude} {
		if _, ok := scalars.get(name); !ok {
			t.Fatalf("scalar %q not pushed", name)
		}
	}
}

func TestParsePolicy(t *testing.T) {
	if p, err := ParsePolicy(""); err != nil || p != PolicyDrop {
		t.Fatalf("unexpected default %q %v", p, err)
	}
	if p, err := ParsePolicy("retry"); err != nil || p != PolicyRetry {
		t.Fatalf("unexpected policy %q %v", p, err)
	}
	if _, err := ParsePolicy("block"); err == nil {
		t.Fatalf("expected unknown policy error")
	}
}
