package logging

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func TestTraditionalHandlerFormatsAttrs(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(NewTraditionalHandler(&buf, slog.LevelInfo)).With("run", "r1")
	log.Debug("hidden")
	log.WithGroup("stage").Info("stage done", "name", "crop")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("debug line should be filtered: %q", out)
	}
	if !strings.Contains(out, "[INFO] stage done [run=r1 stage.name=crop]") {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestLogStageLevels(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "info", "text")

	LogStage(log, "rgb", "stretch", "RGB", StageStarted)
	LogStage(log, "rgb", "stretch", "RGB", StageFailed)
	LogCleanup(log, "r1", 3, 2, errors.New("boom"))

	out := buf.String()
	if strings.Contains(out, "stage started") {
		t.Fatalf("started should be debug: %q", out)
	}
	if !strings.Contains(out, "level=ERROR") || !strings.Contains(out, "stage failed") {
		t.Fatalf("expected error-level failure: %q", out)
	}
	if !strings.Contains(out, "cleanup incomplete") {
		t.Fatalf("expected cleanup warning: %q", out)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARNING": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNewHonoursLevel(t *testing.T) {
	log := New("warn", "json")
	if log.Enabled(context.Background(), slog.LevelInfo) {
		t.Fatalf("info should be filtered at warn level")
	}
	if !log.Enabled(context.Background(), slog.LevelWarn) {
		t.Fatalf("warn should be enabled")
	}
}
