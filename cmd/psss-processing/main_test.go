package main

import (
	"strings"
	"testing"

	"psss-processing-go/internal/config"
	"psss-processing-go/internal/pipeline"
	"psss-processing-go/internal/processing"
	"psss-processing-go/internal/wire"
)

func TestStreamOptions(t *testing.T) {
	cfg := config.Default()
	cfg.Mode = "energy"
	cfg.Output.Encoding = "msgpack"
	cfg.Output.Policy = "retry"
	mode, encoding, policy, err := streamOptions(cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if mode != processing.ModeEnergy || encoding != wire.EncodingMsgpack || policy != pipeline.PolicyRetry {
		t.Fatalf("unexpected options %q %q %q", mode, encoding, policy)
	}
}

func TestStreamOptionsReportsEveryBadValue(t *testing.T) {
	cfg := config.Default()
	cfg.Mode = "spiral"
	cfg.Output.Encoding = "xml"
	cfg.Output.Policy = "block"
	_, _, _, err := streamOptions(cfg)
	if err == nil {
		t.Fatalf("expected an error")
	}
	for _, want := range []string{"spiral", "xml", "block"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q does not mention %q", err, want)
		}
	}
}
