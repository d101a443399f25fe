package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		level  string
		expect zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"DEBUG", zerolog.DebugLevel},
		{"Info", zerolog.InfoLevel},
		{"warn", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"unknown", zerolog.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			if got := ParseLevel(tt.level); got != tt.expect {
				t.Errorf("level %s: expected %v, got %v", tt.level, tt.expect, got)
			}
		})
	}
}

func TestSetup(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.InfoLevel)

	Setup("warn", "json")
	if Log == nil {
		t.Fatal("expected Log to be initialized")
	}
	if got := zerolog.GlobalLevel(); got != zerolog.WarnLevel {
		t.Errorf("expected global level warn, got %v", got)
	}
}

func TestJSONFields(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, "json")

	l.Info("epoch done", "epoch", 3, "loss", 1.5, "err", errors.New("boom"), 7, "seven", "orphan")

	var rec map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("output is not JSON: %v (%q)", err, buf.String())
	}
	if rec["message"] != "epoch done" {
		t.Errorf("message = %v", rec["message"])
	}
	if rec["epoch"] != float64(3) || rec["loss"] != 1.5 {
		t.Errorf("fields = %v", rec)
	}
	if rec["err"] != "boom" {
		t.Errorf("err field = %v", rec["err"])
	}
	if rec["7"] != "seven" {
		t.Errorf("non-string key not converted: %v", rec)
	}
	if _, ok := rec["orphan"]; ok {
		t.Error("orphan key should be dropped")
	}
}

func TestWith(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, "json").With("component", "trainer")
	l.Warn("slow")

	var rec map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatal(err)
	}
	if rec["component"] != "trainer" || rec["level"] != "warn" {
		t.Errorf("unexpected record %v", rec)
	}
}

func TestLevelFiltering(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.InfoLevel)
	zerolog.SetGlobalLevel(zerolog.ErrorLevel)

	var buf bytes.Buffer
	l := New(&buf, "json")
	l.Debug("filtered")
	l.Info("filtered")
	if buf.Len() != 0 {
		t.Errorf("expected no output below error level, got %q", buf.String())
	}
	l.Error("kept")
	if buf.Len() == 0 {
		t.Error("expected error output")
	}
}
