package stretch

import "strconv"

// Fixed multiscale stretch settings.
const (
	MultiscaleScaleSeparation  = 7
	MultiscaleSaturationAmount = 0.75
	MultiscaleSaturationBoost  = 0.50
)

// MultiscaleParams parameterises the external multiscale adaptive stretch.
// Only the first three fields are user knobs; the rest are fixed by
// NewMultiscaleParams.
type MultiscaleParams struct {
	TargetBackground        float64
	Aggressiveness          float64
	DynamicRangeCompression float64

	ContrastRecovery bool
	ScaleSeparation  int
	Saturation       bool
	SaturationAmount float64
	SaturationBoost  float64
	LightnessMask    bool
}

// NewMultiscaleParams clamps the user knobs into range and fills the fixed
// settings.
func NewMultiscaleParams(targetBackground, aggressiveness, drc float64) MultiscaleParams {
	return MultiscaleParams{
		TargetBackground:        clamp(targetBackground, 0, 0.5),
		Aggressiveness:          clip01(aggressiveness),
		DynamicRangeCompression: clip01(drc),
		ContrastRecovery:        true,
		ScaleSeparation:         MultiscaleScaleSeparation,
		Saturation:              true,
		SaturationAmount:        MultiscaleSaturationAmount,
		SaturationBoost:         MultiscaleSaturationBoost,
		LightnessMask:           true,
	}
}

// Values renders the parameters for command templates.
func (p MultiscaleParams) Values() map[string]string {
	return map[string]string{
		"target_background": ftoa(p.TargetBackground),
		"aggressiveness":    ftoa(p.Aggressiveness),
		"drc":               ftoa(p.DynamicRangeCompression),
		"contrast_recovery": strconv.FormatBool(p.ContrastRecovery),
		"scale_separation":  strconv.Itoa(p.ScaleSeparation),
		"saturation":        strconv.FormatBool(p.Saturation),
		"saturation_amount": ftoa(p.SaturationAmount),
		"saturation_boost":  ftoa(p.SaturationBoost),
		"lightness_mask":    strconv.FormatBool(p.LightnessMask),
	}
}

func ftoa(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
