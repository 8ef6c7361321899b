package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/pebbe/zmq4"
	"github.com/rs/zerolog"

	"psss-processing-go/internal/types"
	"psss-processing-go/internal/wire"
)

func TestChannelSourceDelivers(t *testing.T) {
	frames := make(chan types.Frame, 2)
	frames <- types.Frame{PulseID: 1}
	frames <- types.Frame{PulseID: 2}
	close(frames)

	src := NewChannelSource(frames, 20*time.Millisecond)
	ctx := context.Background()
	for _, want := range []uint64{1, 2} {
		frame, err := src.Receive(ctx)
		if err != nil || frame == nil || frame.PulseID != want {
			t.Fatalf("unexpected receive %+v %v, want pulse %d", frame, err, want)
		}
	}

	frame, err := src.Receive(ctx)
	if err != nil || frame != nil {
		t.Fatalf("closed channel must look like a timeout, got %+v %v", frame, err)
	}
}

func TestChannelSourceTimeout(t *testing.T) {
	src := NewChannelSource(make(chan types.Frame), 10*time.Millisecond)
	start := time.Now()
	frame, err := src.Receive(context.Background())
	if err != nil || frame != nil {
		t.Fatalf("unexpected receive %+v %v", frame, err)
	}
	if time.Since(start) < 10*time.Millisecond {
		t.Fatalf("receive returned before the timeout")
	}
}

func TestChannelSourceCancelled(t *testing.T) {
	src := NewChannelSource(make(chan types.Frame), time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := src.Receive(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestPullSourceDecodesFrames(t *testing.T) {
	const endpoint = "inproc://psss-ingest-test"
	push, err := zmq4.NewSocket(zmq4.PUSH)
	if err != nil {
		t.Fatalf("socket: %v", err)
	}
	defer push.Close()
	if err := push.Bind(endpoint); err != nil {
		t.Fatalf("bind: %v", err)
	}

	src, err := DialPull(PullOptions{Endpoint: endpoint, ReceiveTimeout: time.Second, Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer src.Close()

	img := types.NewImage(3, 2)
	copy(img.Pix, []uint32{1, 2, 3, 4, 5, 6})
	payload, err := wire.EncodeFrame(types.Frame{PulseID: 77, Channels: map[string]types.Image{"cam": img}})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	notImage, _ := cbor.Marshal(map[string]any{"type": "start"})
	for _, msg := range [][]byte{payload, notImage, []byte("garbage")} {
		if _, err := push.SendBytes(msg, 0); err != nil {
			t.Fatalf("send: %v", err)
		}
	}

	frame, err := src.Receive(context.Background())
	if err != nil || frame == nil || frame.PulseID != 77 || frame.Channels["cam"].At(2, 1) != 6 {
		t.Fatalf("unexpected frame %+v %v", frame, err)
	}
	for i := 0; i < 2; i++ {
		if frame, err := src.Receive(context.Background()); err != nil || frame != nil {
			t.Fatalf("message %d: expected nothing, got %+v %v", i, frame, err)
		}
	}
	if src.DecodeFailures() != 1 {
		t.Fatalf("decode failures %d, want 1", src.DecodeFailures())
	}
}
