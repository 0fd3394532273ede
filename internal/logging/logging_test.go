package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]zapcore.Level{
		"debug":   zapcore.DebugLevel,
		"WARN":    zapcore.WarnLevel,
		"error":   zapcore.ErrorLevel,
		"":        zapcore.InfoLevel,
		"verbose": zapcore.InfoLevel,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Fatalf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNew_BuildsConsoleAndJSON(t *testing.T) {
	for _, format := range []string{"json", "console"} {
		l, err := New("debug", format)
		if err != nil {
			t.Fatalf("New(%q) error: %v", format, err)
		}
		if !l.Core().Enabled(zapcore.DebugLevel) {
			t.Fatalf("New(%q) should enable debug", format)
		}
	}
}

func TestOrNop(t *testing.T) {
	if OrNop(nil) == nil {
		t.Fatal("expected nop logger for nil input")
	}
}
