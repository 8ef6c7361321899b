package output

import (
	"context"
	"fmt"
	"syscall"
	"time"

	"github.com/pebbe/zmq4"
	"github.com/rs/zerolog"

	"psss-processing-go/internal/types"
	"psss-processing-go/internal/wire"
)

const (
	DefaultSendTimeout = time.Second
	DefaultQueueSize   = 20
)

// ErrWouldBlock reports that the downstream queue stayed full for the whole
// send timeout.
var ErrWouldBlock = types.ErrWouldBlock

type PushOptions struct {
	Address     string
	SendTimeout time.Duration
	QueueSize   int
	Encoding    wire.Encoding
	Logger      zerolog.Logger
}

// PushSink publishes results on a bound ZeroMQ PUSH socket. It must be used
// from the goroutine that created it.
type PushSink struct {
	socket   *zmq4.Socket
	encoding wire.Encoding
}

func BindPush(opts PushOptions) (*PushSink, error) {
	timeout := opts.SendTimeout
	if timeout <= 0 {
		timeout = DefaultSendTimeout
	}
	queue := opts.QueueSize
	if queue <= 0 {
		queue = DefaultQueueSize
	}

	socket, err := zmq4.NewSocket(zmq4.PUSH)
	if err != nil {
		return nil, err
	}
	setup := []func() error{
		func() error { return socket.SetSndtimeo(timeout) },
		func() error { return socket.SetSndhwm(queue) },
		func() error { return socket.SetLinger(0) },
		func() error { return socket.Bind(opts.Address) },
	}
	for _, step := range setup {
		if err := step(); err != nil {
			_ = socket.Close()
			return nil, fmt.Errorf("push %s: %w", opts.Address, err)
		}
	}

	opts.Logger.Info().Str("address", opts.Address).Dur("send_timeout", timeout).Str("encoding", string(opts.Encoding)).Msg("bound output stream")
	return &PushSink{socket: socket, encoding: opts.Encoding}, nil
}

// Send makes a single attempt bounded by the send timeout.
func (s *PushSink) Send(ctx context.Context, msg types.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := wire.EncodeMessage(s.encoding, msg)
	if err != nil {
		return fmt.Errorf("encode pulse %d: %w", msg.PulseID, err)
	}
	if _, err := s.socket.SendBytes(payload, 0); err != nil {
		if zmq4.AsErrno(err) == zmq4.Errno(syscall.EAGAIN) {
			return ErrWouldBlock
		}
		return fmt.Errorf("send pulse %d: %w", msg.PulseID, err)
	}
	return nil
}

func (s *PushSink) Close() error {
	return s.socket.Close()
}

// Receiver reads published results, for clients and diagnostics.
type Receiver struct {
	socket   *zmq4.Socket
	encoding wire.Encoding
}

func DialReceiver(endpoint string, encoding wire.Encoding, timeout time.Duration) (*Receiver, error) {
	socket, err := zmq4.NewSocket(zmq4.PULL)
	if err != nil {
		return nil, err
	}
	if err := socket.SetRcvtimeo(timeout); err != nil {
		_ = socket.Close()
		return nil, err
	}
	if err := socket.Connect(endpoint); err != nil {
		_ = socket.Close()
		return nil, fmt.Errorf("pull %s: %w", endpoint, err)
	}
	return &Receiver{socket: socket, encoding: encoding}, nil
}

// Receive returns nil, nil on timeout.
func (r *Receiver) Receive() (*types.Message, error) {
	payload, err := r.socket.RecvBytes(0)
	if err != nil {
		if zmq4.AsErrno(err) == zmq4.Errno(syscall.EAGAIN) {
			return nil, nil
		}
		return nil, err
	}
	msg, err := wire.DecodeMessage(r.encoding, payload)
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

func (r *Receiver) Close() error {
	return r.socket.Close()
}
