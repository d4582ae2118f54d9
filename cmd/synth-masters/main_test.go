package main

import (
	"bytes"
	"context"
	"io"
	"path/filepath"
	"strings"
	"testing"

	"astropipe/internal/imageio"
	"astropipe/internal/logging"
	"astropipe/internal/resource"
	"astropipe/internal/scan"
)

func TestWriteMastersAreClassified(t *testing.T) {
	dir := t.TempDir()
	o := options{width: 32, height: 24, stars: 5, noise: 0.001, seed: 7, labels: []string{"Ha", "R", "G", "B"}}

	var buf bytes.Buffer
	log := logging.NewWriter(&buf, "info", "text")
	paths, err := writeMasters(context.Background(), log, dir, o)
	if err != nil {
		t.Fatalf("writeMasters failed: %v", err)
	}
	if len(paths) != 4 {
		t.Fatalf("expected 4 masters, got %d", len(paths))
	}
	if n := strings.Count(buf.String(), "master written"); n != 4 {
		t.Fatalf("expected 4 log lines, got %d: %s", n, buf.String())
	}

	res, err := scan.Dir(dir)
	if err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	want := []resource.Label{resource.LabelHa, resource.LabelR, resource.LabelG, resource.LabelB}
	if len(res.Masters) != len(want) {
		t.Fatalf("expected %d classified masters, got %+v", len(want), res)
	}
	for i, m := range res.Masters {
		if m.Label != want[i] {
			t.Fatalf("master %d: expected %s, got %s", i, want[i], m.Label)
		}
	}

	img, err := imageio.Native{}.Open(context.Background(), filepath.Join(dir, masterName(resource.LabelHa, 32, 24)))
	if err != nil {
		t.Fatalf("open master: %v", err)
	}
	if img.Width != 32 || img.Height != 24 || img.Planes != 1 {
		t.Fatalf("unexpected geometry %dx%dx%d", img.Width, img.Height, img.Planes)
	}
}

func TestWriteMastersRejectsUnknownLabel(t *testing.T) {
	o := options{width: 8, height: 8, labels: []string{"Hb"}}
	if _, err := writeMasters(context.Background(), logging.NewWriter(io.Discard, "error", "text"), t.TempDir(), o); err == nil {
		t.Fatalf("expected error for unknown label")
	}
}

func TestCommandLogFlags(t *testing.T) {
	cmd := newCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--width", "8", "--height", "8", "--stars", "1", "--labels", "L", "--log-level", "error", "--log-format", "json", t.TempDir()})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !strings.Contains(out.String(), masterName(resource.LabelL, 8, 8)) {
		t.Fatalf("expected written path on stdout, got %q", out.String())
	}
	if lvl, _ := cmd.Flags().GetString("log-level"); lvl != "error" {
		t.Fatalf("unexpected log level %q", lvl)
	}
}
