package resource

import (
	"fmt"
	"strings"
)

// Label identifies the filter a master frame was captured through.
type Label string

const (
	LabelHa   Label = "Ha"
	LabelOIII Label = "OIII"
	LabelSII  Label = "SII"
	LabelR    Label = "R"
	LabelG    Label = "G"
	LabelB    Label = "B"
	LabelL    Label = "L"
)

// Labels lists every supported label in assignment order.
var Labels = []Label{LabelHa, LabelOIII, LabelSII, LabelR, LabelG, LabelB, LabelL}

// ParseLabel accepts a label in any case ("HA", "ha", "Ha").
func ParseLabel(s string) (Label, error) {
	up := strings.ToUpper(strings.TrimSpace(s))
	for _, l := range Labels {
		if strings.ToUpper(string(l)) == up {
			return l, nil
		}
	}
	return "", fmt.Errorf("unknown channel label %q", s)
}

// IsRGB reports whether the label belongs to the tri-chromatic workflow.
func (l Label) IsRGB() bool {
	return l == LabelR || l == LabelG || l == LabelB
}

// IsNarrowband reports whether the label belongs to the narrowband/luminance workflow.
func (l Label) IsNarrowband() bool {
	return l == LabelHa || l == LabelOIII || l == LabelSII || l == LabelL
}

func (l Label) String() string { return string(l) }
