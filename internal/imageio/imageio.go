// Package imageio reads master images into working resources and writes
// finished resources back to disk.
package imageio

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"astropipe/internal/resource"
)

// Format names an output container.
type Format string

const (
	FormatTIFF Format = "tif"
	FormatPNG  Format = "png"
	FormatFITS Format = "fits"
)

// FormatFromPath guesses the format from a file extension. Unknown
// extensions default to TIFF.
func FormatFromPath(path string) Format {
	switch strings.ToLower(strings.TrimPrefix(filepath.Ext(path), ".")) {
	case "png":
		return FormatPNG
	case "fits", "fit", "fts":
		return FormatFITS
	default:
		return FormatTIFF
	}
}

// Source opens image files as unregistered resources.
type Source interface {
	Open(ctx context.Context, path string) (*resource.Image, error)
}

// Sink persists resources.
type Sink interface {
	Write(ctx context.Context, img *resource.Image, path string, format Format) error
}

// Codec is both a Source and a Sink.
type Codec interface {
	Source
	Sink
}

// OpenError reports a master that could not be opened.
type OpenError struct {
	Label resource.Label
	Path  string
	Err   error
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("open %s master %q: %v", e.Label, e.Path, e.Err)
}

func (e *OpenError) Unwrap() error { return e.Err }

// BaseName is the resource name derived from a file path.
func BaseName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
