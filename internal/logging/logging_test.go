package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestParseLevel(t *testing.T) {
	cases := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{"debug", LevelDebug, false},
		{"info", LevelInfo, false},
		{"", LevelInfo, false},
		{"WARN", LevelWarn, false},
		{"warning", LevelWarn, false},
		{"error", LevelError, false},
		{"loud", LevelInfo, true},
	}
	for _, c := range cases {
		got, err := ParseLevel(c.in)
		if (err != nil) != c.wantErr {
			t.Errorf("ParseLevel(%q) error = %v, wantErr %v", c.in, err, c.wantErr)
			continue
		}
		if !c.wantErr && got != c.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestLogger_LevelGate(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithOutput(LevelWarn, &buf)

	l.Info("below the gate")
	l.Warn("at the gate")

	out := buf.String()
	if strings.Contains(out, "below the gate") {
		t.Error("info line emitted by a warn-level logger")
	}
	if !strings.Contains(out, "at the gate") {
		t.Error("warn line missing from a warn-level logger")
	}
}

func TestLogger_EventJSONLine(t *testing.T) {
	var buf bytes.Buffer
	l := NewJSON(LevelInfo, &buf)

	l.Event(LevelWarn, Event{
		Component: "health-monitor",
		Service:   "api",
		Kind:      "unhealthy",
		Message:   "3 consecutive failures",
	})

	var decoded Event
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("output is not a JSON line: %v\n%s", err, buf.String())
	}
	if decoded.Level != "WARN" || decoded.Component != "health-monitor" || decoded.Service != "api" || decoded.Kind != "unhealthy" {
		t.Errorf("decoded event = %+v, want WARN health-monitor[api] unhealthy", decoded)
	}
	if decoded.Time.IsZero() {
		t.Error("event time was not stamped")
	}
}

func TestLogger_JSONModeRendersDiagnosticsAsJSON(t *testing.T) {
	var buf bytes.Buffer
	l := NewJSON(LevelInfo, &buf)

	l.Info("plain diagnostic %d", 7)

	var decoded Event
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("diagnostic line is not JSON in JSON mode: %v\n%s", err, buf.String())
	}
	if decoded.Message != "plain diagnostic 7" {
		t.Errorf("message = %q, want formatted diagnostic", decoded.Message)
	}
}

func TestLogger_EventTextRendering(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithOutput(LevelInfo, &buf)

	at := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	l.Event(LevelError, Event{
		Time:      at,
		Component: "restart",
		Service:   "db",
		Kind:      "restart_exhausted",
		Message:   "budget spent",
	})

	out := buf.String()
	for _, want := range []string{"2026-03-14 09:26:53", "ERROR", "restart[db]", "restart_exhausted", "budget spent"} {
		if !strings.Contains(out, want) {
			t.Errorf("text rendering %q missing %q", out, want)
		}
	}
}
