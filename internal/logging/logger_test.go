package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    zapcore.Level
		wantErr bool
	}{
		{"", zapcore.InfoLevel, false},
		{"debug", zapcore.DebugLevel, false},
		{"INFO", zapcore.InfoLevel, false},
		{" warn ", zapcore.WarnLevel, false},
		{"warning", zapcore.WarnLevel, false},
		{"error", zapcore.ErrorLevel, false},
		{"verbose", zapcore.InfoLevel, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseLevel(%q) error = %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestNewWithWriter_FiltersByLevel(t *testing.T) {
	var buf bytes.Buffer
	log, err := NewWithWriter(Config{Level: "warn"}, &buf)
	if err != nil {
		t.Fatalf("NewWithWriter: %v", err)
	}

	log.Infow("quiet", "k", 1)
	log.Warnw("loud", "player", "p1")
	Sync(log)

	out := buf.String()
	if strings.Contains(out, "quiet") {
		t.Errorf("info entry written at warn level: %s", out)
	}
	if !strings.Contains(out, "loud") || !strings.Contains(out, `"player": "p1"`) {
		t.Errorf("warn entry missing: %s", out)
	}
}

func TestNewWithWriter_RejectsBadLevel(t *testing.T) {
	if _, err := NewWithWriter(Config{Level: "loud"}, &bytes.Buffer{}); err == nil {
		t.Error("expected error for unknown level")
	}
}

func TestNew_WritesRollingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "proxvoice.log")
	var console bytes.Buffer
	log, err := NewWithWriter(Config{Level: "debug", File: path, MaxSizeMB: 1}, &console)
	if err != nil {
		t.Fatalf("NewWithWriter: %v", err)
	}

	log.Debugw("to both outputs")
	Sync(log)

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), "to both outputs") {
		t.Errorf("file output = %q", data)
	}
	if !strings.Contains(console.String(), "to both outputs") {
		t.Errorf("console output = %q", console.String())
	}
}
