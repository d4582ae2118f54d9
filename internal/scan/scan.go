// Package scan finds calibrated master files in a folder and assigns them
// to channels from their file names.
package scan

import (
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"astropipe/internal/resource"
)

// masterExts lists master extensions in preference order: when two files
// map to the same channel, the one with the earlier extension wins.
var masterExts = []string{".xisf", ".fits", ".fit", ".fts", ".tif", ".tiff"}

func extRank(name string) int {
	ext := strings.ToLower(filepath.Ext(name))
	for i, e := range masterExts {
		if e == ext {
			return i
		}
	}
	return -1
}

// IsMaster reports whether name has a master file extension.
func IsMaster(name string) bool { return extRank(name) >= 0 }

// WBPP names: masterLight_BIN-1_9576x6388_EXPOSURE-300.00s_FILTER-Ha_mono.xisf
var filterTag = regexp.MustCompile(`(?i)FILTER-([A-Z0-9]+)[_.]`)

var aliases = map[string]resource.Label{
	"HA": resource.LabelHa, "H-ALPHA": resource.LabelHa, "HALPHA": resource.LabelHa, "H_ALPHA": resource.LabelHa,
	"OIII": resource.LabelOIII, "O3": resource.LabelOIII, "O-III": resource.LabelOIII,
	"SII": resource.LabelSII, "S2": resource.LabelSII, "S-II": resource.LabelSII,
	"R": resource.LabelR, "RED": resource.LabelR,
	"G": resource.LabelG, "GREEN": resource.LabelG,
	"B": resource.LabelB, "BLUE": resource.LabelB,
	"L": resource.LabelL, "LUM": resource.LabelL, "LUMINANCE": resource.LabelL,
}

// Normalize maps a filter name such as "H-alpha" or "O3" to its label.
func Normalize(filter string) (resource.Label, bool) {
	l, ok := aliases[strings.ToUpper(strings.TrimSpace(filter))]
	return l, ok
}

type tokenRule struct {
	label resource.Label
	re    *regexp.Regexp
}

// Checked in order; luminance comes before the broadband colours so a
// lone "_L_" is not mistaken for anything else.
var tokenRules = []tokenRule{
	{resource.LabelHa, regexp.MustCompile(`(?i)([_-]HA[_.]|_H-?ALPHA)`)},
	{resource.LabelOIII, regexp.MustCompile(`(?i)([_-]OIII[_.]|_O3[_.])`)},
	{resource.LabelSII, regexp.MustCompile(`(?i)([_-]SII[_.]|_S2[_.])`)},
	{resource.LabelL, regexp.MustCompile(`(?i)([_-]LUM[_.]|_LUMINANCE|[_-]L[_.])`)},
	{resource.LabelR, regexp.MustCompile(`(?i)([_-]R[_.]|_RED[_.])`)},
	{resource.LabelG, regexp.MustCompile(`(?i)([_-]G[_.]|_GREEN[_.])`)},
	{resource.LabelB, regexp.MustCompile(`(?i)([_-]B[_.]|_BLUE[_.])`)},
}

// Classify derives the channel label from a master file name. A FILTER-
// tag decides on its own; otherwise separator-delimited filter tokens are
// tried.
func Classify(name string) (resource.Label, bool) {
	base := filepath.Base(name)
	if m := filterTag.FindStringSubmatch(base); m != nil {
		return Normalize(m[1])
	}
	for _, r := range tokenRules {
		if r.re.MatchString(base) {
			return r.label, true
		}
	}
	return "", false
}

// Master is one classified master file.
type Master struct {
	Label resource.Label `json:"label"`
	Path  string         `json:"path"`
}

// Result is the outcome of scanning a folder.
type Result struct {
	// Masters holds at most one file per label, ordered Ha, OIII, SII,
	// R, G, B, L.
	Masters []Master `json:"masters"`
	// Ignored lists master files that were not classified or lost to an
	// earlier file for the same label.
	Ignored []string `json:"ignored,omitempty"`
}

// Path returns the master assigned to label.
func (r Result) Path(label resource.Label) (string, bool) {
	for _, m := range r.Masters {
		if m.Label == label {
			return m.Path, true
		}
	}
	return "", false
}

// Dir scans dir (not recursively) for masters.
func Dir(dir string) (Result, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return Result{}, err
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || !IsMaster(e.Name()) {
			continue
		}
		files = append(files, e.Name())
	}
	sort.SliceStable(files, func(i, j int) bool {
		ri, rj := extRank(files[i]), extRank(files[j])
		if ri != rj {
			return ri < rj
		}
		return files[i] < files[j]
	})

	found := map[resource.Label]string{}
	var res Result
	for _, f := range files {
		path := filepath.Join(dir, f)
		label, ok := Classify(f)
		if !ok {
			res.Ignored = append(res.Ignored, path)
			continue
		}
		if _, dup := found[label]; dup {
			res.Ignored = append(res.Ignored, path)
			continue
		}
		found[label] = path
	}
	for _, l := range resource.Labels {
		if p, ok := found[l]; ok {
			res.Masters = append(res.Masters, Master{Label: l, Path: p})
		}
	}
	return res, nil
}
