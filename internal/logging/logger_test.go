package logging

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func newTestLogger(buf *bytes.Buffer, level LogLevel) *Logger {
	return NewLogger(&Config{
		Level:   level,
		Format:  "text",
		Output:  buf,
		Sync:    true,
		NoColor: true,
	})
}

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name   string
		config *Config
	}{
		{name: "default config", config: nil},
		{name: "json format", config: &Config{Level: LevelInfo, Format: "json", Output: &bytes.Buffer{}, Sync: true}},
		{name: "text format", config: &Config{Level: LevelDebug, Format: "text", Output: &bytes.Buffer{}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if NewLogger(tt.config) == nil {
				t.Error("NewLogger() returned nil")
			}
		})
	}
}

func TestLoggerProtocolContext(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf, LevelDebug)

	logger.WithRing("ctrl_submit").Info("ring full")
	if out := buf.String(); !strings.Contains(out, "ring=ctrl_submit") {
		t.Errorf("Expected ring=ctrl_submit in output, got: %s", out)
	}

	buf.Reset()
	logger.WithInterface(1).WithFlow(7).Debug("flow opened")
	out := buf.String()
	if !strings.Contains(out, "ifidx=1") {
		t.Errorf("Expected ifidx=1 in output, got: %s", out)
	}
	if !strings.Contains(out, "flow_id=7") {
		t.Errorf("Expected flow_id=7 in output, got: %s", out)
	}
}

func TestLoggerErrorValues(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf, LevelDebug)

	logger.WithError(errors.New("dma map failed")).Error("post failed")
	if out := buf.String(); !strings.Contains(out, "dma map failed") {
		t.Errorf("Expected error text in output, got: %s", out)
	}

	buf.Reset()
	logger.Warn("handle lookup failed", "error", errors.New("not in use"), "pktid", 12)
	out := buf.String()
	if !strings.Contains(out, "not in use") || !strings.Contains(out, "pktid=12") {
		t.Errorf("Expected error and pktid fields, got: %s", out)
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf, LevelWarn)

	logger.Debug("hidden")
	logger.Info("hidden too")
	if buf.Len() != 0 {
		t.Errorf("Expected no output below warn, got: %s", buf.String())
	}
	if logger.Enabled(LevelDebug) {
		t.Error("debug should not be enabled at warn level")
	}

	logger.Warn("shown")
	if !strings.Contains(buf.String(), "shown") {
		t.Errorf("Expected warn output, got: %s", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	lvl, err := ParseLevel("debug")
	if err != nil || lvl != LevelDebug {
		t.Errorf("ParseLevel(debug) = %v, %v", lvl, err)
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Error("expected error for unknown level")
	}
}

func TestGlobalLoggerFunctions(t *testing.T) {
	var buf bytes.Buffer
	prev := Default()
	SetDefault(newTestLogger(&buf, LevelDebug))
	defer SetDefault(prev)

	Debug("debug message", "key", "value")
	out := buf.String()
	if !strings.Contains(out, "debug message") || !strings.Contains(out, "key=value") {
		t.Errorf("Expected debug message with key=value, got: %s", out)
	}

	buf.Reset()
	Error("error message")
	if !strings.Contains(buf.String(), "error message") {
		t.Errorf("Expected error message, got: %s", buf.String())
	}
}

func TestNopLogger(t *testing.T) {
	l := Nop()
	l.Error("dropped")
	l.WithFlow(1).Warn("dropped")
}
