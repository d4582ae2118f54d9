package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

const (
	defaultConfigPath = "~/.config/astropipe/config.json"
	defaultParallel   = 1
)

// EnvConfig overrides the config file location.
const EnvConfig = "ASTROPIPE_CONFIG"

// Config holds user-editable settings for the pipeline.
type Config struct {
	Processing Processing     `json:"processing"`
	Logging    Logging        `json:"logging"`
	Paths      Paths          `json:"paths"`
	Pipeline   PipelineConfig `json:"pipeline"`
	Stretch    StretchConfig  `json:"stretch"`
	Tools      Tools          `json:"tools"`
	Report     Report         `json:"report"`
}

// Processing captures execution preferences.
type Processing struct {
	ParallelJobs      int    `json:"parallel_jobs"`
	ParallelWorkflows bool   `json:"parallel_workflows"`
	TempDir           string `json:"temp_dir"`
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `json:"level"`       // debug, info, warn, error
	Format     string `json:"format"`      // text, json
	FileOutput bool   `json:"file_output"` // Enable file logging
	LogDir     string `json:"log_dir"`     // Directory for log files
}

// Paths configures default input/output locations.
type Paths struct {
	MastersDir   string `json:"masters_dir"`
	OutputDir    string `json:"output_dir"`
	DatabasePath string `json:"database_path"`
	CropFile     string `json:"crop_file"`
}

// Stages gates and tunes one workflow. Knobs are on a 0-100 scale.
type Stages struct {
	Enabled            bool    `json:"enabled" toml:"enabled"`
	Crop               bool    `json:"crop" toml:"crop"`
	Gradient           bool    `json:"gradient" toml:"gradient"`
	LinearFit          bool    `json:"linear_fit" toml:"linear_fit"`
	Combine            bool    `json:"combine" toml:"combine"`
	Blur               bool    `json:"blur" toml:"blur"`
	Denoise            bool    `json:"denoise" toml:"denoise"`
	DenoiseAmount      float64 `json:"denoise_amount" toml:"denoise_amount"`
	DenoiseDetail      float64 `json:"denoise_detail" toml:"denoise_detail"`
	Stretch            bool    `json:"stretch" toml:"stretch"`
	StarRemoval        bool    `json:"star_removal" toml:"star_removal"`
	StarImage          bool    `json:"star_image" toml:"star_image"` // also emit the star-only image (RGB, Ha)
	FinalDenoise       bool    `json:"final_denoise" toml:"final_denoise"`
	FinalDenoiseAmount float64 `json:"final_denoise_amount" toml:"final_denoise_amount"`
	FinalDenoiseDetail float64 `json:"final_denoise_detail" toml:"final_denoise_detail"`
	SaveR              bool    `json:"save_r" toml:"save_r"`
}

// PipelineConfig holds the default stage configuration of a run.
type PipelineConfig struct {
	RGB           Stages `json:"rgb" toml:"rgb"`
	NB            Stages `json:"nb" toml:"nb"`
	StrictCombine bool   `json:"strict_combine" toml:"strict_combine"`
	SaveFiles     bool   `json:"save_files" toml:"save_files"`
	KeepImages    bool   `json:"keep_images" toml:"keep_images"`
	Format        string `json:"format" toml:"format"` // tif, png, fits
}

// StretchConfig selects and tunes the stretch stage.
type StretchConfig struct {
	Method           string  `json:"method" toml:"method"` // multiscale, auto
	TargetBackground float64 `json:"target_background" toml:"target_background"`
	Aggressiveness   float64 `json:"aggressiveness" toml:"aggressiveness"`
	DynamicRange     float64 `json:"dynamic_range" toml:"dynamic_range"`
	ShadowsClipping  float64 `json:"shadows_clipping" toml:"shadows_clipping"`
	Linked           bool    `json:"linked" toml:"linked"`
}

// Operator selects the backend of one stage. Command is an argv template
// used by the external backend.
type Operator struct {
	Backend string   `json:"backend"` // native, magick, external, none
	Command []string `json:"command,omitempty"`
}

// Tools defines which implementation serves each operator stage.
type Tools struct {
	Codec    string   `json:"codec"` // native, magick
	Gradient Operator `json:"gradient"`
	Blur     Operator `json:"blur"`
	Denoise  Operator `json:"denoise"`
	Stars    Operator `json:"stars"`
	Stretch  Operator `json:"stretch"`
}

// Commands returns the external command templates by stage name.
func (t Tools) Commands() map[string][]string {
	out := map[string][]string{}
	for name, op := range map[string]Operator{
		"gradient": t.Gradient,
		"blur":     t.Blur,
		"denoise":  t.Denoise,
		"stars":    t.Stars,
		"stretch":  t.Stretch,
	} {
		if op.Backend == "external" {
			out[name] = op.Command
		}
	}
	return out
}

// Report controls diagnostic output.
type Report struct {
	Histograms bool `json:"histograms"`
	Bins       int  `json:"bins"`
}

// Path returns the config file location in effect.
func Path() string {
	if p := os.Getenv(EnvConfig); p != "" {
		return p
	}
	return defaultConfigPath
}

// Load reads configuration from disk, falling back to sensible defaults.
func Load() (*Config, error) {
	cfg := Default()

	expanded, err := expandUser(Path())
	if err != nil {
		return nil, err
	}

	f, err := os.Open(expanded)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", expanded, err)
	}
	cfg.Paths.DatabasePath, _ = expandUser(cfg.Paths.DatabasePath)
	cfg.Paths.CropFile, _ = expandUser(cfg.Paths.CropFile)
	return cfg, nil
}

// Save writes cfg as indented JSON to the config path in effect.
func Save(cfg *Config) (string, error) {
	path, err := expandUser(Path())
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return "", err
	}
	return path, os.WriteFile(path, append(data, '\n'), 0o644)
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Processing: Processing{
			ParallelJobs: defaultParallel,
			TempDir:      os.TempDir(),
		},
		Logging: Logging{
			Level:      "info",
			Format:     "text",
			FileOutput: false,
			LogDir:     "./logs",
		},
		Paths: Paths{
			MastersDir:   ".",
			OutputDir:    "./output",
			DatabasePath: filepath.Join(os.TempDir(), "astropipe.db"),
		},
		Pipeline: PipelineConfig{
			RGB: Stages{
				Enabled:            true,
				Gradient:           true,
				LinearFit:          true,
				Combine:            true,
				Blur:               true,
				Denoise:            true,
				DenoiseAmount:      40,
				DenoiseDetail:      15,
				Stretch:            true,
				StarRemoval:        true,
				StarImage:          true,
				FinalDenoiseAmount: 20,
				FinalDenoiseDetail: 25,
			},
			NB: Stages{
				Enabled:            true,
				Gradient:           true,
				Blur:               true,
				Denoise:            true,
				DenoiseAmount:      40,
				DenoiseDetail:      15,
				Stretch:            true,
				FinalDenoiseAmount: 20,
				FinalDenoiseDetail: 25,
			},
			SaveFiles: true,
			Format:    "tif",
		},
		Stretch: StretchConfig{
			Method:           "multiscale",
			TargetBackground: 0.15,
			Aggressiveness:   0.70,
			DynamicRange:     0.40,
			ShadowsClipping:  -2.80,
			Linked:           true,
		},
		Tools: Tools{
			Codec:    "magick",
			Gradient: Operator{Backend: "native"},
			Blur:     Operator{Backend: "magick"},
			Denoise:  Operator{Backend: "magick"},
			Stars: Operator{
				Backend: "external",
				Command: []string{"starnet++", "{input}", "{output}"},
			},
			Stretch: Operator{
				Backend: "external",
				Command: []string{"mas-stretch", "--target={target_background}", "--aggressiveness={aggressiveness}", "--drc={drc}", "{input}", "{output}"},
			},
		},
		Report: Report{Bins: 256},
	}
}

// LoadPreset merges a TOML run preset over the pipeline and stretch
// sections of cfg. Keys absent from the preset keep their current value;
// unknown keys are rejected.
func LoadPreset(cfg *Config, path string) error {
	target := struct {
		Pipeline *PipelineConfig `toml:"pipeline"`
		Stretch  *StretchConfig  `toml:"stretch"`
	}{&cfg.Pipeline, &cfg.Stretch}

	md, err := toml.DecodeFile(path, &target)
	if err != nil {
		return fmt.Errorf("preset %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return fmt.Errorf("preset %s: unknown keys %s", path, strings.Join(keys, ", "))
	}
	return nil
}

// Crop is a crop descriptor drawn on a reference frame. The center is
// normalised to [0,1].
type Crop struct {
	RefWidth  int     `json:"ref_width" toml:"ref_width"`
	RefHeight int     `json:"ref_height" toml:"ref_height"`
	OutWidth  int     `json:"out_width" toml:"out_width"`
	OutHeight int     `json:"out_height" toml:"out_height"`
	CenterX   float64 `json:"center_x" toml:"center_x"`
	CenterY   float64 `json:"center_y" toml:"center_y"`
}

// LoadCrop reads a crop descriptor from a .json or .toml file. A missing
// file yields an error wrapping os.ErrNotExist.
func LoadCrop(path string) (*Crop, error) {
	expanded, err := expandUser(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		return nil, fmt.Errorf("crop file: %w", err)
	}
	var c Crop
	if strings.EqualFold(filepath.Ext(expanded), ".json") {
		err = json.Unmarshal(data, &c)
	} else {
		err = toml.Unmarshal(data, &c)
	}
	if err != nil {
		return nil, fmt.Errorf("crop file %s: %w", expanded, err)
	}
	if c.OutWidth <= 0 || c.OutHeight <= 0 {
		return nil, fmt.Errorf("crop file %s: output size must be positive", expanded)
	}
	return &c, nil
}

func expandUser(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	if path == "~" {
		return home, nil
	}

	return filepath.Join(home, path[2:]), nil
}
