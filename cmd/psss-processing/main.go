package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"psss-processing-go/internal/config"
	"psss-processing-go/internal/ingest"
	"psss-processing-go/internal/logging"
	"psss-processing-go/internal/manager"
	"psss-processing-go/internal/output"
	"psss-processing-go/internal/pipeline"
	"psss-processing-go/internal/processing"
	"psss-processing-go/internal/scalar"
	"psss-processing-go/internal/server"
	"psss-processing-go/internal/simulator"
	"psss-processing-go/internal/types"
	"psss-processing-go/internal/wire"
)

func main() {
	var (
		configPath   = flag.String("config", "", "YAML configuration file")
		port         = flag.Int("port", 0, "HTTP port for the control surface")
		inputAddr    = flag.String("input", "", "ZMQ endpoint of the camera stream")
		outputAddr   = flag.String("output", "", "ZMQ address to bind the result stream to")
		imageChannel = flag.String("image-channel", "", "Name of the image channel to process")
		mode         = flag.String("mode", "", "Processing mode: rotation or energy")
		simulate     = flag.Bool("simulate", false, "Process simulated frames instead of the camera stream")
		autoStart    = flag.Bool("auto-start", false, "Start processing right away")
		logLevel     = flag.String("log-level", "", "Log level (debug, info, warning, error)")
		console      = flag.Bool("console", false, "Human readable log output")
	)
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
		cfg = loaded
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "port":
			cfg.Port = *port
		case "input":
			cfg.Input.Endpoint = *inputAddr
		case "output":
			cfg.Output.Address = *outputAddr
		case "image-channel":
			cfg.ImageChannel = *imageChannel
		case "mode":
			cfg.Mode = *mode
		case "simulate":
			cfg.Input.Simulate = *simulate
		case "auto-start":
			cfg.AutoStart = *autoStart
		case "log-level":
			cfg.Log.Level = *logLevel
		case "console":
			cfg.Log.Console = *console
		}
	})
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	log := logging.NewConsole(logging.ParseLevel(cfg.Log.Level), cfg.Log.Console)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal().Err(err).Msg("psss processing failed")
	}
}

func run(ctx context.Context, cfg config.AppConfig, log zerolog.Logger) error {
	roi, err := cfg.ROIValue()
	if err != nil {
		return err
	}
	settings, err := manager.NewSettings(roi, cfg.Parameters)
	if err != nil {
		return err
	}
	mode, encoding, policy, err := streamOptions(cfg)
	if err != nil {
		return err
	}

	var scalars pipeline.ScalarSink = scalar.Nop{}
	if cfg.Scalar.Broker != "" {
		channels, err := scalar.Connect(scalar.Options{
			Broker:   cfg.Scalar.Broker,
			ClientID: cfg.Scalar.ClientID,
			Topics:   cfg.Scalar.Topics,
			QoS:      cfg.Scalar.QoS,
			Retain:   cfg.Scalar.Retain,
			Timeout:  cfg.Scalar.Timeout,
			Logger:   logging.Component(log, "scalar"),
		})
		if err != nil {
			return err
		}
		defer channels.Close()
		scalars = channels
	}

	live := make(chan types.SpectrumSnapshot, 16)
	processor := pipeline.NewStreamProcessor(pipeline.Options{
		ImageChannel:  cfg.ImageChannel,
		Mode:          mode,
		Policy:        policy,
		RetryInterval: cfg.Output.RetryInterval,
		OpenSource:    sourceFactory(cfg, logging.Component(log, "ingest")),
		OpenSink: func() (pipeline.ResultSink, error) {
			sink, err := output.BindPush(output.PushOptions{
				Address:     cfg.Output.Address,
				SendTimeout: cfg.Output.SendTimeout,
				QueueSize:   cfg.Output.QueueSize,
				Encoding:    encoding,
				Logger:      logging.Component(log, "output"),
			})
			if err != nil {
				return nil, err
			}
			return sink, nil
		},
		Scalars: scalars,
		Live:    live,
		Logger:  logging.Component(log, "worker"),
	})

	mgr, err := manager.New(processor, settings, manager.Options{
		StartTimeout: cfg.StartTimeout,
		AutoStart:    cfg.AutoStart,
		Logger:       logging.Component(log, "manager"),
	})
	if err != nil {
		log.Error().Err(err).Msg("auto start failed, waiting for a start request")
	}
	defer mgr.Stop()

	log.Info().
		Int("port", cfg.Port).
		Str("input", cfg.Input.Endpoint).
		Bool("simulate", cfg.Input.Simulate).
		Str("output", cfg.Output.Address).
		Str("mode", string(mode)).
		Msg("starting psss processing")

	srv := server.New(mgr, logging.Component(log, "server"))
	return server.Run(ctx, cfg.Port, srv, live)
}

func streamOptions(cfg config.AppConfig) (processing.Mode, wire.Encoding, pipeline.Policy, error) {
	mode, modeErr := processing.ParseMode(cfg.Mode)
	encoding, encErr := wire.ParseEncoding(cfg.Output.Encoding)
	policy, policyErr := pipeline.ParsePolicy(cfg.Output.Policy)
	if err := errors.Join(modeErr, encErr, policyErr); err != nil {
		return "", "", "", err
	}
	return mode, encoding, policy, nil
}

// sourceFactory opens a fresh source per run. Simulated streams end with the
// run that opened them.
func sourceFactory(cfg config.AppConfig, log zerolog.Logger) func() (pipeline.FrameSource, error) {
	if cfg.Input.Simulate {
		return func() (pipeline.FrameSource, error) {
			ctx, cancel := context.WithCancel(context.Background())
			s := cfg.Simulator
			frames := simulator.Stream(ctx, simulator.Options{
				Width:      s.Width,
				Height:     s.Height,
				Channel:    cfg.ImageChannel,
				Rate:       s.Rate,
				Center:     s.Center,
				Sigma:      s.Sigma,
				Amplitude:  s.Amplitude,
				Background: s.Background,
				Jitter:     s.Jitter,
				Seed:       s.Seed,
			})
			log.Info().Int("width", s.Width).Int("height", s.Height).Float64("rate", s.Rate).Msg("simulated input stream")
			return &simulatedSource{ChannelSource: ingest.NewChannelSource(frames, cfg.Input.ReceiveTimeout), cancel: cancel}, nil
		}
	}
	return func() (pipeline.FrameSource, error) {
		source, err := ingest.DialPull(ingest.PullOptions{
			Endpoint:       cfg.Input.Endpoint,
			ReceiveTimeout: cfg.Input.ReceiveTimeout,
			QueueSize:      cfg.Input.QueueSize,
			LogEvery:       cfg.Input.LogEvery,
			Logger:         log,
		})
		if err != nil {
			return nil, err
		}
		return source, nil
	}
}

type simulatedSource struct {
	*ingest.ChannelSource
	cancel context.CancelFunc
}

func (s *simulatedSource) Close() error {
	s.cancel()
	return nil
}
