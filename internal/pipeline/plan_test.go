package pipeline

import (
	"bytes"
	"strings"
	"testing"

	"astropipe/internal/resource"
)

func indexOf(order []string, name string) int {
	for i, v := range order {
		if v == name {
			return i
		}
	}
	return -1
}

func TestPlanHaAndRGB(t *testing.T) {
	run := testRun(t.TempDir(), resource.LabelHa, resource.LabelR, resource.LabelG, resource.LabelB)
	run.Config.RGB.SaveR = true

	g, err := Plan(run)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	order, err := PlanOrder(g)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if order[0] != planStart || order[len(order)-1] != planFinalize {
		t.Fatalf("expected start and finalize at the ends, got %v", order)
	}
	for _, pair := range [][2]string{
		{"rgb/open/R", "rgb/linear-fit/RGB"},
		{"rgb/linear-fit/RGB", "rgb/combine/RGB"},
		{"rgb/combine/RGB", "rgb/stretch/RGB"},
		{"rgb/stretch/RGB", "rgb/star-removal/RGB"},
		{"rgb/star-removal/RGB", "rgb/output/RGB_Stars"},
		{"rgb/combine/RGB", "rgb/clone/R"},
		{"nb/stretch/Ha", "nb/star-removal/Ha"},
	} {
		a, b := indexOf(order, pair[0]), indexOf(order, pair[1])
		if a < 0 || b < 0 || a >= b {
			t.Fatalf("expected %s before %s in %v", pair[0], pair[1], order)
		}
	}
	if indexOf(order, "nb/output/Ha_Stars") >= 0 {
		t.Fatalf("Ha star image planned without star_image")
	}
	if indexOf(order, "rgb/crop/R") >= 0 {
		t.Fatalf("crop planned without a crop descriptor")
	}
}

func TestPlanIncompleteRGB(t *testing.T) {
	run := testRun(t.TempDir(), resource.LabelR, resource.LabelG)
	g, err := Plan(run)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	order, err := PlanOrder(g)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if indexOf(order, "rgb/combine/RGB") >= 0 {
		t.Fatalf("combine planned for two channels")
	}
	if indexOf(order, "rgb/output/R") < 0 || indexOf(order, "rgb/output/G") < 0 {
		t.Fatalf("expected per-channel outputs, got %v", order)
	}
}

func TestPlanRejectsInvalidRun(t *testing.T) {
	if _, err := Plan(Run{}); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestWritePlanDOT(t *testing.T) {
	g, err := Plan(testRun(t.TempDir(), resource.LabelOIII))
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	var buf bytes.Buffer
	if err := WritePlanDOT(&buf, g); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "digraph") || !strings.Contains(out, "nb/stretch/OIII") {
		t.Fatalf("unexpected DOT output:\n%s", out)
	}
	if !strings.Contains(out, "color") {
		t.Fatalf("expected stage colours in DOT output:\n%s", out)
	}
}
