package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestParseLevelKnownValues(t *testing.T) {
	cases := map[string]zapcore.Level{
		"":      zapcore.InfoLevel,
		"info":  zapcore.InfoLevel,
		"DEBUG": zapcore.DebugLevel,
		"warn":  zapcore.WarnLevel,
		"error": zapcore.ErrorLevel,
	}
	for in, want := range cases {
		got, err := parseLevel(in)
		if err != nil {
			t.Errorf("parseLevel(%q) error = %v", in, err)
		}
		if got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestParseLevelRejectsUnknown(t *testing.T) {
	if _, err := parseLevel("verbose"); err == nil {
		t.Error("parseLevel(\"verbose\") error = nil, want error")
	}
}

func TestNewBuildsLoggerAtLevel(t *testing.T) {
	log, err := New("debug")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if !log.Core().Enabled(zapcore.DebugLevel) {
		t.Error("debug-level logger should have debug enabled")
	}
}

func TestNewRejectsBadLevel(t *testing.T) {
	if _, err := New("nonsense"); err == nil {
		t.Error("New(\"nonsense\") error = nil, want error")
	}
}

func TestTaggedSetsLoggerName(t *testing.T) {
	log, err := New("info")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	tagged := Tagged(log, "checkin")
	if tagged == log {
		t.Error("Tagged() should return a distinct child logger")
	}
}
