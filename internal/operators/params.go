package operators

import (
	"strconv"

	"astropipe/internal/resource"
	"astropipe/internal/stretch"
)

// Valuer renders parameters for external command templates.
type Valuer interface {
	Values() map[string]string
}

// CropParams describes a crop drawn once on a reference frame. Output size
// is in reference pixels and the center is normalised to [0,1], so the
// same descriptor can be applied to every channel.
type CropParams struct {
	RefWidth  int     `json:"ref_width" toml:"ref_width"`
	RefHeight int     `json:"ref_height" toml:"ref_height"`
	OutWidth  int     `json:"out_width" toml:"out_width"`
	OutHeight int     `json:"out_height" toml:"out_height"`
	CenterX   float64 `json:"center_x" toml:"center_x"`
	CenterY   float64 `json:"center_y" toml:"center_y"`
}

func (p CropParams) Values() map[string]string {
	return map[string]string{
		"ref_width":  strconv.Itoa(p.RefWidth),
		"ref_height": strconv.Itoa(p.RefHeight),
		"out_width":  strconv.Itoa(p.OutWidth),
		"out_height": strconv.Itoa(p.OutHeight),
		"center_x":   ftoa(p.CenterX),
		"center_y":   ftoa(p.CenterY),
	}
}

// GradientParams controls background extraction.
type GradientParams struct {
	// Degree of the background polynomial, 1 or 2.
	Degree int
	// Grid is the number of sample cells along the longer axis.
	Grid int
	// Rejection excludes cells brighter than median + Rejection*MAD.
	Rejection float64
}

func (p GradientParams) withDefaults() GradientParams {
	if p.Degree != 1 && p.Degree != 2 {
		p.Degree = 2
	}
	if p.Grid <= 2 {
		p.Grid = 16
	}
	if p.Rejection <= 0 {
		p.Rejection = 2
	}
	return p
}

func (p GradientParams) Values() map[string]string {
	p = p.withDefaults()
	return map[string]string{
		"degree":    strconv.Itoa(p.Degree),
		"grid":      strconv.Itoa(p.Grid),
		"rejection": ftoa(p.Rejection),
	}
}

// LinearFitParams matches a target to Reference.
type LinearFitParams struct {
	Reference  *resource.Image
	RejectLow  float64
	RejectHigh float64
}

func (p LinearFitParams) Values() map[string]string {
	ref := ""
	if p.Reference != nil {
		ref = p.Reference.Source
	}
	return map[string]string{
		"reference":   ref,
		"reject_low":  ftoa(p.RejectLow),
		"reject_high": ftoa(p.RejectHigh),
	}
}

// BlurParams configures blur correction.
type BlurParams struct {
	CorrectOnly bool
	Luminance   bool
}

func (p BlurParams) Values() map[string]string {
	return map[string]string{
		"correct_only": strconv.FormatBool(p.CorrectOnly),
		"luminance":    strconv.FormatBool(p.Luminance),
	}
}

// DenoiseParams are fractions in [0,1].
type DenoiseParams struct {
	Denoise float64
	Detail  float64
}

// DenoiseFromPercent rescales user knobs given on a 0-100 scale.
func DenoiseFromPercent(denoise, detail float64) DenoiseParams {
	return DenoiseParams{Denoise: percent(denoise), Detail: percent(detail)}
}

func (p DenoiseParams) Values() map[string]string {
	return map[string]string{
		"denoise": ftoa(p.Denoise),
		"detail":  ftoa(p.Detail),
	}
}

// StretchParams drive the stretch stage.
type StretchParams = stretch.MultiscaleParams

// StarParams configures star separation.
type StarParams struct {
	// Stars requests a star-only image alongside the starless result.
	Stars bool
	// Linear is set when the input has not been stretched yet.
	Linear bool
}

func (p StarParams) Values() map[string]string {
	return map[string]string{
		"stars":  strconv.FormatBool(p.Stars),
		"linear": strconv.FormatBool(p.Linear),
	}
}

func percent(v float64) float64 {
	switch {
	case v < 0:
		v = 0
	case v > 100:
		v = 100
	}
	return v / 100
}

func ftoa(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }
