package pipeline

import (
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"

	"astropipe/internal/config"
	"astropipe/internal/imageio"
	"astropipe/internal/lifecycle"
	"astropipe/internal/operators"
	"astropipe/internal/resource"
	"astropipe/internal/stretch"
)

// Validation errors. They are returned before any image is opened.
var (
	ErrNoChannels     = errors.New("no channels assigned")
	ErrNoOutputDir    = errors.New("output directory required to save files")
	ErrDuplicateLabel = errors.New("channel assigned more than once")
	ErrUnknownLabel   = errors.New("unknown channel label")
	ErrEmptyPath      = errors.New("channel has no file path")
	ErrIncompleteRGB  = errors.New("RGB combine needs R, G and B")
)

// OutputMode selects what happens to terminal images.
type OutputMode uint8

const (
	PersistToFile OutputMode = 1 << iota
	RetainInMemory
)

func (m OutputMode) String() string {
	var parts []string
	if m&PersistToFile != 0 {
		parts = append(parts, "file")
	}
	if m&RetainInMemory != 0 {
		parts = append(parts, "memory")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "+")
}

// Assignment binds a master file to a channel label.
type Assignment struct {
	Label resource.Label `json:"label"`
	Path  string         `json:"path"`
}

// Stages gates and tunes one workflow.
type Stages = config.Stages

// StretchKnobs are shared by both workflows.
type StretchKnobs struct {
	TargetBackground float64
	Aggressiveness   float64
	DynamicRange     float64
}

// Params converts the knobs to stretch operator parameters.
func (k StretchKnobs) Params() operators.StretchParams {
	return stretch.NewMultiscaleParams(k.TargetBackground, k.Aggressiveness, k.DynamicRange)
}

// StageConfig is the full stage configuration of a run.
type StageConfig struct {
	RGB     Stages
	NB      Stages
	Stretch StretchKnobs
	// Crop is shared by every channel of both workflows. Nil disables the
	// crop stage everywhere.
	Crop *operators.CropParams
	// StrictCombine turns an incomplete RGB set into a validation error
	// instead of a skipped combine.
	StrictCombine bool
}

// StageConfigFromConfig builds the default stage configuration.
func StageConfigFromConfig(cfg *config.Config) StageConfig {
	return StageConfig{
		RGB: cfg.Pipeline.RGB,
		NB:  cfg.Pipeline.NB,
		Stretch: StretchKnobs{
			TargetBackground: cfg.Stretch.TargetBackground,
			Aggressiveness:   cfg.Stretch.Aggressiveness,
			DynamicRange:     cfg.Stretch.DynamicRange,
		},
		StrictCombine: cfg.Pipeline.StrictCombine,
	}
}

// Run is one invocation of the pipeline.
type Run struct {
	ID        string
	Channels  []Assignment
	Config    StageConfig
	OutputDir string
	// Mode zero neither persists nor retains: outputs are reported, then
	// swept with every other image of the run.
	Mode   OutputMode
	Format imageio.Format
	// Parallel runs the RGB and narrowband workflows concurrently.
	Parallel bool
}

// Output is one terminal image of a run.
type Output struct {
	Name     string         `json:"name"`
	Label    resource.Label `json:"label,omitempty"`
	Workflow string         `json:"workflow"`
	Resource resource.ID    `json:"resource,omitempty"`
	Path     string         `json:"path,omitempty"`
	Stars    bool           `json:"stars,omitempty"`
}

// Report is the outward result of a run.
type Report struct {
	RunID    string            `json:"run_id"`
	Outputs  []Output          `json:"outputs"`
	Summary  lifecycle.Summary `json:"summary"`
	RGBOK    bool              `json:"rgb_ok"`
	NBOK     bool              `json:"nb_ok"`
	Warnings []string          `json:"warnings,omitempty"`
	Started  time.Time         `json:"started"`
	Finished time.Time         `json:"finished"`
}

// StageError reports a fatal stage failure.
type StageError struct {
	Workflow string
	Stage    string
	Label    string
	Err      error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s workflow: %s %s: %v", e.Workflow, e.Stage, e.Label, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Cause lets errors.Cause reach the operator's error.
func (e *StageError) Cause() error { return e.Err }

// Validate checks a run before anything is opened.
func (r Run) Validate() error {
	if len(r.Channels) == 0 {
		return ErrNoChannels
	}
	if r.Mode&PersistToFile != 0 && strings.TrimSpace(r.OutputDir) == "" {
		return ErrNoOutputDir
	}
	seen := make(map[resource.Label]bool, len(r.Channels))
	rgb := 0
	for _, a := range r.Channels {
		if l, err := resource.ParseLabel(string(a.Label)); err != nil || l != a.Label {
			return errors.Wrapf(ErrUnknownLabel, "%q", a.Label)
		}
		if seen[a.Label] {
			return errors.Wrapf(ErrDuplicateLabel, "%s", a.Label)
		}
		seen[a.Label] = true
		if strings.TrimSpace(a.Path) == "" {
			return errors.Wrapf(ErrEmptyPath, "%s", a.Label)
		}
		if a.Label.IsRGB() {
			rgb++
		}
	}
	rgbStages := r.Config.RGB
	if r.Config.StrictCombine && rgbStages.Enabled && rgbStages.Combine && rgb > 0 && rgb < 3 {
		return errors.Wrapf(ErrIncompleteRGB, "%d of 3 assigned", rgb)
	}
	return nil
}

// split partitions assignments by workflow, keeping list order.
func (r Run) split() (rgb, nb []Assignment) {
	for _, a := range r.Channels {
		if a.Label.IsRGB() {
			rgb = append(rgb, a)
		} else {
			nb = append(nb, a)
		}
	}
	return rgb, nb
}

// OutputName is the name of a terminal image for label or band.
func OutputName(band string) string { return band + "_NL" }
