package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"psss-processing-go/internal/pipeline"
	"psss-processing-go/internal/processing"
	"psss-processing-go/internal/types"
	"psss-processing-go/internal/wire"
)

// AppConfig is the service configuration. Durations are written as Go
// duration strings ("500ms", "10s").
type AppConfig struct {
	Port         int           `yaml:"port"`
	ImageChannel string        `yaml:"image_channel"`
	Mode         string        `yaml:"mode"` // rotation or energy
	AutoStart    bool          `yaml:"auto_start"`
	StartTimeout time.Duration `yaml:"start_timeout"`

	Input      InputConfig      `yaml:"input"`
	Output     OutputConfig     `yaml:"output"`
	ROI        []int            `yaml:"roi"`
	Parameters types.Parameters `yaml:"parameters"`
	Scalar     ScalarConfig     `yaml:"scalar"`
	Simulator  SimulatorConfig  `yaml:"simulator"`
	Log        LogConfig        `yaml:"log"`
}

type InputConfig struct {
	Endpoint       string        `yaml:"endpoint"`
	ReceiveTimeout time.Duration `yaml:"receive_timeout"`
	QueueSize      int           `yaml:"queue_size"`
	LogEvery       int           `yaml:"log_every"`
	// Simulate replaces the stream with generated frames.
	Simulate bool `yaml:"simulate"`
}

type OutputConfig struct {
	Address       string        `yaml:"address"`
	SendTimeout   time.Duration `yaml:"send_timeout"`
	QueueSize     int           `yaml:"queue_size"`
	Encoding      string        `yaml:"encoding"` // cbor or msgpack
	Policy        string        `yaml:"policy"`   // drop or retry
	RetryInterval time.Duration `yaml:"retry_interval"`
}

// ScalarConfig configures the MQTT side channel. An empty broker disables it,
// an empty topic disables a single channel.
type ScalarConfig struct {
	Broker   string            `yaml:"broker"`
	ClientID string            `yaml:"client_id"`
	Topics   map[string]string `yaml:"topics"`
	QoS      byte              `yaml:"qos"`
	Retain   bool              `yaml:"retain"`
	Timeout  time.Duration     `yaml:"timeout"`
}

type SimulatorConfig struct {
	Width      int     `yaml:"width"`
	Height     int     `yaml:"height"`
	Rate       float64 `yaml:"rate"`
	Center     float64 `yaml:"center"`
	Sigma      float64 `yaml:"sigma"`
	Amplitude  float64 `yaml:"amplitude"`
	Background float64 `yaml:"background"`
	Jitter     float64 `yaml:"jitter"`
	Seed       int64   `yaml:"seed"`
}

type LogConfig struct {
	Level   string `yaml:"level"`
	Console bool   `yaml:"console"`
}

func Default() AppConfig {
	return AppConfig{
		Port:         12000,
		ImageChannel: "SARFE10-PSSS059:FPICTURE",
		Mode:         string(processing.ModeRotation),
		StartTimeout: 10 * time.Second,
		Input: InputConfig{
			Endpoint:       "tcp://localhost:9999",
			ReceiveTimeout: time.Second,
			QueueSize:      20,
			LogEvery:       100,
		},
		Output: OutputConfig{
			Address:     "tcp://*:8888",
			SendTimeout: time.Second,
			QueueSize:   20,
			Encoding:    string(wire.EncodingCBOR),
			Policy:      string(pipeline.PolicyDrop),
		},
		Parameters: types.DefaultParameters(),
		Scalar: ScalarConfig{
			Topics: map[string]string{
				pipeline.ScalarSpectrum:  "psss/spectrum",
				pipeline.ScalarCenter:    "psss/center",
				pipeline.ScalarFWHM:      "psss/fwhm",
				pipeline.ScalarAmplitude: "psss/amplitude",
			},
			Timeout: time.Second,
		},
		Simulator: SimulatorConfig{
			Width:      2560,
			Height:     2160,
			Rate:       10,
			Center:     1280,
			Sigma:      120,
			Amplitude:  200,
			Background: 10,
			Jitter:     15,
			Seed:       1,
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load overlays the YAML file at path on Default and validates the result.
func Load(path string) (AppConfig, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c AppConfig) Validate() error {
	var errs []error
	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.ImageChannel == "" {
		errs = append(errs, errors.New("image_channel is empty"))
	}
	if _, err := processing.ParseMode(c.Mode); err != nil {
		errs = append(errs, err)
	}
	if c.StartTimeout < 0 {
		errs = append(errs, errors.New("start_timeout must not be negative"))
	}
	if !c.Input.Simulate && c.Input.Endpoint == "" {
		errs = append(errs, errors.New("input.endpoint is empty"))
	}
	if c.Output.Address == "" {
		errs = append(errs, errors.New("output.address is empty"))
	}
	if _, err := wire.ParseEncoding(c.Output.Encoding); err != nil {
		errs = append(errs, err)
	}
	if _, err := pipeline.ParsePolicy(c.Output.Policy); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.ROIValue(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Parameters.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Input.Simulate && (c.Simulator.Width < 1 || c.Simulator.Height < 1) {
		errs = append(errs, fmt.Errorf("simulator size %dx%d is empty", c.Simulator.Width, c.Simulator.Height))
	}
	return errors.Join(errs...)
}

func (c AppConfig) ROIValue() (types.ROI, error) {
	if c.ROI == nil {
		return types.ROI{}, nil
	}
	return types.ParseROI(c.ROI)
}
