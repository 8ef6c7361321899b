package ingest

import (
	"context"
	"errors"
	"fmt"
	"syscall"
	"time"

	"github.com/pebbe/zmq4"
	"github.com/rs/zerolog"

	"psss-processing-go/internal/types"
	"psss-processing-go/internal/wire"
)

const (
	DefaultReceiveTimeout = time.Second
	DefaultQueueSize      = 20
)

type PullOptions struct {
	Endpoint       string
	ReceiveTimeout time.Duration
	QueueSize      int
	// LogEvery logs every Nth decode error.
	LogEvery int
	Logger   zerolog.Logger
}

// PullSource receives detector frames from a ZeroMQ PULL socket. Like every
// zmq socket it must be used from the goroutine that created it.
type PullSource struct {
	socket   *zmq4.Socket
	logEvery int
	failures uint64
	log      zerolog.Logger
}

func DialPull(opts PullOptions) (*PullSource, error) {
	timeout := opts.ReceiveTimeout
	if timeout <= 0 {
		timeout = DefaultReceiveTimeout
	}
	queue := opts.QueueSize
	if queue <= 0 {
		queue = DefaultQueueSize
	}
	logEvery := opts.LogEvery
	if logEvery < 1 {
		logEvery = 1
	}

	socket, err := zmq4.NewSocket(zmq4.PULL)
	if err != nil {
		return nil, err
	}
	setup := []func() error{
		func() error { return socket.SetRcvtimeo(timeout) },
		func() error { return socket.SetRcvhwm(queue) },
		func() error { return socket.SetLinger(0) },
		func() error { return socket.Connect(opts.Endpoint) },
	}
	for _, step := range setup {
		if err := step(); err != nil {
			_ = socket.Close()
			return nil, fmt.Errorf("pull %s: %w", opts.Endpoint, err)
		}
	}

	opts.Logger.Info().Str("endpoint", opts.Endpoint).Dur("receive_timeout", timeout).Int("queue_size", queue).Msg("connected input stream")
	return &PullSource{socket: socket, logEvery: logEvery, log: opts.Logger}, nil
}

// Receive waits up to the receive timeout. It returns nil, nil when nothing
// arrived or the message was not a usable image.
func (s *PullSource) Receive(ctx context.Context) (*types.Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	msg, err := s.socket.RecvBytes(0)
	if err != nil {
		if retryable(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("receive: %w", err)
	}

	frame, err := wire.DecodeFrame(msg)
	if err != nil {
		if errors.Is(err, wire.ErrNotImage) {
			s.log.Debug().Err(err).Msg("ignoring message")
			return nil, nil
		}
		s.logEveryN(err)
		return nil, nil
	}
	return &frame, nil
}

// DecodeFailures counts messages dropped because they could not be decoded.
func (s *PullSource) DecodeFailures() uint64 {
	return s.failures
}

func (s *PullSource) Close() error {
	return s.socket.Close()
}

func (s *PullSource) logEveryN(err error) {
	s.failures++
	if s.failures%uint64(s.logEvery) == 0 {
		s.log.Warn().Err(err).Uint64("failures", s.failures).Msg("ingest decode error")
	}
}

func retryable(err error) bool {
	switch zmq4.AsErrno(err) {
	case zmq4.Errno(syscall.EAGAIN), zmq4.Errno(syscall.EINTR):
		return true
	}
	return false
}

// ChannelSource adapts a frame channel, e.g. the simulator, to the worker's
// source contract.
type ChannelSource struct {
	frames  <-chan types.Frame
	timeout time.Duration
}

func NewChannelSource(frames <-chan types.Frame, timeout time.Duration) *ChannelSource {
	if timeout <= 0 {
		timeout = DefaultReceiveTimeout
	}
	return &ChannelSource{frames: frames, timeout: timeout}
}

// Receive waits up to the timeout for the next frame. A closed channel
// behaves like a silent stream.
func (s *ChannelSource) Receive(ctx context.Context) (*types.Frame, error) {
	timer := time.NewTimer(s.timeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, nil
	case frame, ok := <-s.frames:
		if !ok {
			s.frames = nil
			return nil, nil
		}
		return &frame, nil
	}
}

func (s *ChannelSource) Close() error {
	return nil
}
