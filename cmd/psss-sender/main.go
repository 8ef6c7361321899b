package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pebbe/zmq4"

	"psss-processing-go/internal/logging"
	"psss-processing-go/internal/simulator"
	"psss-processing-go/internal/wire"
)

func main() {
	defaults := simulator.Defaults()
	var (
		address  = flag.String("address", "tcp://*:9999", "ZMQ address to bind the PUSH socket to")
		count    = flag.Int("count", 0, "Number of frames to send, 0 sends until interrupted")
		channel  = flag.String("channel", defaults.Channel, "Image channel name")
		width    = flag.Int("width", defaults.Width, "Frame width in pixels")
		height   = flag.Int("height", defaults.Height, "Frame height in pixels")
		rate     = flag.Float64("rate", defaults.Rate, "Frames per second, 0 sends as fast as possible")
		center   = flag.Float64("center", defaults.Center, "Peak center in pixels")
		sigma    = flag.Float64("sigma", defaults.Sigma, "Peak width in pixels")
		jitter   = flag.Float64("jitter", defaults.Jitter, "Per frame jitter of the peak center")
		logLevel = flag.String("log-level", "info", "Log level")
	)
	flag.Parse()

	log := logging.NewConsole(logging.ParseLevel(*logLevel), true)

	opts := defaults
	opts.Channel = *channel
	opts.Width = *width
	opts.Height = *height
	opts.Rate = *rate
	opts.Center = *center
	opts.Sigma = *sigma
	opts.Jitter = *jitter

	socket, err := zmq4.NewSocket(zmq4.PUSH)
	if err != nil {
		log.Fatal().Err(err).Msg("create socket")
	}
	defer socket.Close()
	if err := socket.SetLinger(0); err != nil {
		log.Fatal().Err(err).Msg("set linger")
	}
	if err := socket.Bind(*address); err != nil {
		log.Fatal().Err(err).Str("address", *address).Msg("bind")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().Str("address", *address).Int("width", opts.Width).Int("height", opts.Height).Float64("rate", opts.Rate).Msg("sending frames")

	var sent, bytes uint64
	started := time.Now()
	report := time.NewTicker(5 * time.Second)
	defer report.Stop()

	for frame := range simulator.Stream(ctx, opts) {
		payload, err := wire.EncodeFrame(frame)
		if err != nil {
			log.Fatal().Err(err).Uint64("pulse_id", frame.PulseID).Msg("encode frame")
		}
		if _, err := socket.SendBytes(payload, 0); err != nil {
			log.Error().Err(err).Uint64("pulse_id", frame.PulseID).Msg("send frame")
			continue
		}
		sent++
		bytes += uint64(len(payload))

		select {
		case <-report.C:
			log.Info().
				Str("frames", humanize.Comma(int64(sent))).
				Str("volume", humanize.Bytes(bytes)).
				Str("frame_size", humanize.Bytes(uint64(len(payload)))).
				Msg("progress")
		default:
		}
		if *count > 0 && sent >= uint64(*count) {
			break
		}
	}

	log.Info().
		Str("frames", humanize.Comma(int64(sent))).
		Str("volume", humanize.Bytes(bytes)).
		Str("elapsed", time.Since(started).Round(time.Millisecond).String()).
		Msg("done")
}
