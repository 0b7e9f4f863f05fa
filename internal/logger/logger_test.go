package logger

import (
	"path/filepath"
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		raw  string
		want zapcore.Level
	}{
		{raw: "debug", want: zapcore.DebugLevel},
		{raw: " WARN ", want: zapcore.WarnLevel},
		{raw: "error", want: zapcore.ErrorLevel},
		{raw: "", want: zapcore.InfoLevel},
		{raw: "verbose", want: zapcore.InfoLevel},
	}
	for _, tc := range tests {
		if got := parseLevel(tc.raw); got != tc.want {
			t.Fatalf("parseLevel(%q) = %s, want %s", tc.raw, got, tc.want)
		}
	}
}

func TestNewWithFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	log := New(Config{Level: "debug", File: path, Production: true})
	if !log.Core().Enabled(zapcore.DebugLevel) {
		t.Fatalf("expected debug level enabled")
	}
	log.Debug("logger ready")
	_ = log.Sync()
}
