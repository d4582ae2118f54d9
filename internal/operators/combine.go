package operators

import (
	"fmt"

	"astropipe/internal/resource"
)

// Combine builds a new colour resource from three single-plane images:
// r to plane 0, g to plane 1, b to plane 2. The inputs are not modified.
func Combine(reg *resource.Registry, name string, r, g, b *resource.Image) (*resource.Image, error) {
	for _, in := range []*resource.Image{r, g, b} {
		if in == nil {
			return nil, fmt.Errorf("combine: missing channel")
		}
		if in.Planes != 1 {
			return nil, fmt.Errorf("combine: %s is not a single-plane image", in.Name)
		}
	}
	if !r.SameSize(g) || !r.SameSize(b) {
		return nil, fmt.Errorf("combine: channel sizes differ (%dx%d, %dx%d, %dx%d)",
			r.Width, r.Height, g.Width, g.Height, b.Width, b.Height)
	}
	out, err := reg.New(name, r.Width, r.Height, 3)
	if err != nil {
		return nil, err
	}
	copy(out.Plane(0), r.Pix)
	copy(out.Plane(1), g.Pix)
	copy(out.Plane(2), b.Pix)
	return out, nil
}
