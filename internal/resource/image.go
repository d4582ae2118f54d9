package resource

import "fmt"

// ID uniquely identifies an image resource for the lifetime of a registry.
type ID string

// STF is a shadow/highlight/midtone transfer function for one plane.
// The identity mapping is {0, 1, 0.5}.
type STF struct {
	Shadow    float64 `json:"shadow"`
	Highlight float64 `json:"highlight"`
	Midtone   float64 `json:"midtone"`
}

// IdentitySTF leaves pixel values unchanged.
var IdentitySTF = STF{Shadow: 0, Highlight: 1, Midtone: 0.5}

// IsIdentity reports whether the mapping leaves values unchanged.
func (s STF) IsIdentity() bool { return s == IdentitySTF }

// Image is an in-memory working image. Pixels are stored planar, normalised
// to [0,1]: plane p occupies Pix[p*Width*Height : (p+1)*Width*Height].
type Image struct {
	ID     ID
	Name   string
	Source string
	Width  int
	Height int
	Planes int
	Pix    []float32

	// Display is a transient per-plane mapping used for previews. It is
	// never written to disk and is reset to identity after a stretch bakes.
	Display []STF
}

// NewImage allocates a zeroed image that is not yet registered.
func NewImage(name string, width, height, planes int) (*Image, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid image size %dx%d", width, height)
	}
	if planes != 1 && planes != 3 {
		return nil, fmt.Errorf("unsupported plane count %d", planes)
	}
	img := &Image{
		Name:   name,
		Width:  width,
		Height: height,
		Planes: planes,
		Pix:    make([]float32, width*height*planes),
	}
	img.ResetDisplay()
	return img, nil
}

// PlaneLen is the number of samples in one plane.
func (img *Image) PlaneLen() int { return img.Width * img.Height }

// Plane returns the backing slice for plane p.
func (img *Image) Plane(p int) []float32 {
	n := img.PlaneLen()
	return img.Pix[p*n : (p+1)*n]
}

// At returns the sample at (x, y) in plane p.
func (img *Image) At(p, x, y int) float32 {
	return img.Pix[p*img.PlaneLen()+y*img.Width+x]
}

// Set stores v at (x, y) in plane p.
func (img *Image) Set(p, x, y int, v float32) {
	img.Pix[p*img.PlaneLen()+y*img.Width+x] = v
}

// IsColor reports whether the image carries three planes.
func (img *Image) IsColor() bool { return img.Planes == 3 }

// SameSize reports whether o has the same width and height.
func (img *Image) SameSize(o *Image) bool {
	return o != nil && img.Width == o.Width && img.Height == o.Height
}

// ResetDisplay sets every plane's display mapping back to identity.
func (img *Image) ResetDisplay() {
	img.Display = make([]STF, img.Planes)
	for i := range img.Display {
		img.Display[i] = IdentitySTF
	}
}

// Validate checks that the buffer matches the declared geometry.
func (img *Image) Validate() error {
	if img == nil {
		return fmt.Errorf("nil image")
	}
	if img.Width <= 0 || img.Height <= 0 {
		return fmt.Errorf("image %s: invalid size %dx%d", img.Name, img.Width, img.Height)
	}
	if img.Planes != 1 && img.Planes != 3 {
		return fmt.Errorf("image %s: unsupported plane count %d", img.Name, img.Planes)
	}
	if len(img.Pix) != img.Width*img.Height*img.Planes {
		return fmt.Errorf("image %s: buffer holds %d samples, want %d", img.Name, len(img.Pix), img.Width*img.Height*img.Planes)
	}
	return nil
}

// Resize replaces the pixel buffer with a new geometry.
func (img *Image) Resize(width, height int, pix []float32) error {
	if len(pix) != width*height*img.Planes {
		return fmt.Errorf("image %s: resize buffer holds %d samples, want %d", img.Name, len(pix), width*height*img.Planes)
	}
	img.Width = width
	img.Height = height
	img.Pix = pix
	return nil
}
