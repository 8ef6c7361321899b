package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"psss-processing-go/internal/types"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "psss.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := writeConfig(t, `
port: 12001
mode: energy
input:
  endpoint: tcp://camera:9000
  receive_timeout: 250ms
output:
  policy: retry
roi: [10, 100, 20, 50]
parameters:
  min_threshold: 5
  rotation: 1.5
scalar:
  broker: tcp://mqtt:1883
  topics:
    center: ""
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != 12001 || cfg.Mode != "energy" || cfg.Input.Endpoint != "tcp://camera:9000" {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if cfg.Input.ReceiveTimeout != 250*time.Millisecond {
		t.Fatalf("unexpected receive timeout %v", cfg.Input.ReceiveTimeout)
	}
	if cfg.Input.QueueSize != 20 || cfg.Output.Encoding != "cbor" {
		t.Fatalf("defaults lost: %+v", cfg)
	}
	if cfg.Parameters.MinThreshold != 5 || cfg.Parameters.MaxFitEvaluations != types.DefaultMaxFitEvaluations {
		t.Fatalf("unexpected parameters %+v", cfg.Parameters)
	}
	roi, err := cfg.ROIValue()
	if err != nil || roi.OffsetX != 10 || roi.SizeY != 50 {
		t.Fatalf("unexpected roi %+v %v", roi, err)
	}
	if cfg.Scalar.Topics["center"] != "" || cfg.Scalar.Topics["fwhm"] != "psss/fwhm" {
		t.Fatalf("unexpected topics %v", cfg.Scalar.Topics)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	path := writeConfig(t, `
mode: diagonal
roi: [-1, 10, 0, 10]
output:
  encoding: xml
`)
	_, err := Load(path)
	if err == nil {
		t.Fatalf("expected validation error")
	}
	for _, want := range []string{"diagonal", "roi", "xml"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q does not mention %q", err, want)
		}
	}
	var verr *types.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("roi failure must be a validation error: %v", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
