package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"debug":   zerolog.DebugLevel,
		"WARNING": zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"":        zerolog.InfoLevel,
		"bogus":   zerolog.InfoLevel,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestComponentField(t *testing.T) {
	var buf bytes.Buffer
	log := Component(New(&buf, zerolog.InfoLevel), "manager")
	log.Debug().Msg("hidden")
	log.Info().Msg("visible")
	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("debug line leaked at info level: %s", out)
	}
	if !strings.Contains(out, `"component":"manager"`) || !strings.Contains(out, "visible") {
		t.Fatalf("unexpected log output: %s", out)
	}
}
