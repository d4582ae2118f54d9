package resource

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// ErrNotFound is returned when an identity is not live in the registry.
var ErrNotFound = errors.New("resource not found")

// Registry holds every live image of a session. It replaces the host
// application's window list: anything that creates an image registers it
// here, and only the registry can destroy it.
type Registry struct {
	mu     sync.Mutex
	images map[ID]*Image
	order  []ID
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{images: make(map[ID]*Image)}
}

// New allocates and registers a zeroed image.
func (r *Registry) New(name string, width, height, planes int) (*Image, error) {
	img, err := NewImage(name, width, height, planes)
	if err != nil {
		return nil, err
	}
	return r.Adopt(img), nil
}

// Adopt registers an image built elsewhere (decoders, external tools) and
// assigns it a fresh identity.
func (r *Registry) Adopt(img *Image) *Image {
	r.mu.Lock()
	defer r.mu.Unlock()
	img.ID = ID(uuid.NewString())
	if len(img.Display) != img.Planes {
		img.ResetDisplay()
	}
	r.images[img.ID] = img
	r.order = append(r.order, img.ID)
	return img
}

// Clone registers a deep copy of src under a new name.
func (r *Registry) Clone(src *Image, name string) (*Image, error) {
	if err := src.Validate(); err != nil {
		return nil, fmt.Errorf("clone: %w", err)
	}
	cp := &Image{
		Name:   name,
		Source: src.Source,
		Width:  src.Width,
		Height: src.Height,
		Planes: src.Planes,
		Pix:    append([]float32(nil), src.Pix...),
	}
	cp.ResetDisplay()
	return r.Adopt(cp), nil
}

// Get looks up a live image.
func (r *Registry) Get(id ID) (*Image, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	img, ok := r.images[id]
	return img, ok
}

// Destroy releases an image. Destroying an identity that is not live
// returns ErrNotFound, so a double destroy is always observable.
func (r *Registry) Destroy(id ID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	img, ok := r.images[id]
	if !ok {
		return fmt.Errorf("destroy %s: %w", id, ErrNotFound)
	}
	delete(r.images, id)
	for i, v := range r.order {
		if v == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	img.Pix = nil
	return nil
}

// IDs returns live identities in creation order.
func (r *Registry) IDs() []ID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ID(nil), r.order...)
}

// List returns live images in creation order.
func (r *Registry) List() []*Image {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Image, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.images[id])
	}
	return out
}

// Len is the number of live images.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.images)
}
