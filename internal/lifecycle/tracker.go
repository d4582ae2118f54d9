// Package lifecycle decides which working images survive a pipeline run.
//
// A Tracker remembers the images that were alive before the run began and
// the images the run asked to keep. Finalize destroys everything else, so
// intermediate clones and operator by-products never leak out of a run.
package lifecycle

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"astropipe/internal/resource"
)

// Snapshot is a set of live resource identities at one instant.
type Snapshot map[resource.ID]struct{}

// Take records the identities currently live in reg.
func Take(reg *resource.Registry) Snapshot {
	ids := reg.IDs()
	s := make(Snapshot, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

// Has reports whether id was live when the snapshot was taken.
func (s Snapshot) Has(id resource.ID) bool {
	_, ok := s[id]
	return ok
}

// Summary reports what Finalize did.
type Summary struct {
	Destroyed int      `json:"destroyed"`
	Kept      int      `json:"kept"`
	KeptNames []string `json:"kept_names,omitempty"`
}

// Tracker enforces destroy-unless-kept semantics for one run.
type Tracker struct {
	reg *resource.Registry
	log *slog.Logger

	mu          sync.Mutex
	preexisting Snapshot
	keep        map[resource.ID]struct{}
}

// New creates a tracker bound to reg.
func New(reg *resource.Registry, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		reg:  reg,
		log:  logger,
		keep: make(map[resource.ID]struct{}),
	}
}

// Begin records the pre-existing set and clears any previous keep set.
func (t *Tracker) Begin() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.preexisting = Take(t.reg)
	t.keep = make(map[resource.ID]struct{})
	t.log.Debug("resource tracking started", "preexisting", len(t.preexisting))
}

// Keep marks id for retention past Finalize.
func (t *Tracker) Keep(id resource.ID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.keep[id] = struct{}{}
}

// IsKept reports whether id has been marked for retention.
func (t *Tracker) IsKept(id resource.ID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.keep[id]
	return ok
}

// Finalize destroys every live image that was neither pre-existing nor
// kept. Each image is destroyed at most once; destroy failures are joined
// into the returned error but do not stop the sweep.
func (t *Tracker) Finalize() (Summary, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var (
		sum  Summary
		errs []error
	)
	for _, img := range t.reg.List() {
		if t.preexisting.Has(img.ID) {
			continue
		}
		if _, ok := t.keep[img.ID]; ok {
			t.log.Debug("keeping image", "name", img.Name, "id", img.ID)
			sum.Kept++
			sum.KeptNames = append(sum.KeptNames, img.Name)
			continue
		}
		name := img.Name
		if err := t.reg.Destroy(img.ID); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", name, err))
			continue
		}
		t.log.Debug("closed intermediate image", "name", name)
		sum.Destroyed++
	}
	return sum, errors.Join(errs...)
}

// Discover finds an image created between two snapshots that looks like a
// by-product of an operator run on input: same width and height, and a
// name containing substr (case-insensitive). The first match in creation
// order wins; no attempt is made to choose between several candidates.
func Discover(reg *resource.Registry, before Snapshot, input *resource.Image, substr string) *resource.Image {
	needle := strings.ToLower(substr)
	for _, img := range reg.List() {
		if before.Has(img.ID) || img.ID == input.ID {
			continue
		}
		if !img.SameSize(input) {
			continue
		}
		if strings.Contains(strings.ToLower(img.Name), needle) {
			return img
		}
	}
	return nil
}
