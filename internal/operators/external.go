package operators

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"astropipe/internal/imageio"
	"astropipe/internal/resource"
)

// Tool runs an external command on a temporary copy of an image.
//
// Command is an argv template. {input} and {output} expand to temporary
// file paths, {stars} to the star-only output path, and any other {key}
// to the matching parameter value. A placeholder with no value expands to
// the empty string.
type Tool struct {
	ID      string
	Command []string
	Codec   imageio.Codec
	TempDir string
	Format  imageio.Format
}

// Available reports whether the command is configured and on PATH.
func (t Tool) Available() bool {
	if len(t.Command) == 0 {
		return false
	}
	_, err := exec.LookPath(t.Command[0])
	return err == nil
}

type toolRun struct {
	dir    string
	input  string
	output string
	stars  string
}

func (t Tool) prepare(ctx context.Context, img *resource.Image) (*toolRun, error) {
	if len(t.Command) == 0 {
		return nil, fmt.Errorf("%s: %w", t.ID, ErrUnavailable)
	}
	if t.Codec == nil {
		return nil, fmt.Errorf("%s: no codec configured", t.ID)
	}
	dir, err := os.MkdirTemp(t.TempDir, "astropipe-"+t.ID+"-")
	if err != nil {
		return nil, fmt.Errorf("%s: create temp dir: %w", t.ID, err)
	}
	ext := string(t.format())
	run := &toolRun{
		dir:    dir,
		input:  filepath.Join(dir, "input."+ext),
		output: filepath.Join(dir, "output."+ext),
		stars:  filepath.Join(dir, "stars."+ext),
	}
	if err := t.Codec.Write(ctx, img, run.input, t.format()); err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("%s: stage input: %w", t.ID, err)
	}
	return run, nil
}

func (t Tool) format() imageio.Format {
	if t.Format == "" {
		return imageio.FormatTIFF
	}
	return t.Format
}

func (t Tool) exec(ctx context.Context, run *toolRun, params map[string]string) error {
	vars := map[string]string{
		"input":  run.input,
		"output": run.output,
		"stars":  run.stars,
	}
	for k, v := range params {
		if _, reserved := vars[k]; !reserved {
			vars[k] = v
		}
	}
	args := expandArgs(t.Command, vars)

	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s failed: %w: %s", t.ID, err, tail(out.String(), 512))
	}
	return nil
}

// load reads path and copies its pixels into img. The result must keep the
// plane count; the size may change.
func (t Tool) load(ctx context.Context, path string, img *resource.Image) error {
	res, err := t.Codec.Open(ctx, path)
	if err != nil {
		return fmt.Errorf("%s: read result: %w", t.ID, err)
	}
	if res.Planes != img.Planes {
		return fmt.Errorf("%s: result has %d planes, want %d", t.ID, res.Planes, img.Planes)
	}
	return img.Resize(res.Width, res.Height, res.Pix)
}

func expandArgs(tmpl []string, vars map[string]string) []string {
	out := make([]string, len(tmpl))
	for i, a := range tmpl {
		out[i] = expand(a, vars)
	}
	return out
}

func expand(s string, vars map[string]string) string {
	var b strings.Builder
	for {
		open := strings.IndexByte(s, '{')
		if open < 0 {
			break
		}
		end := strings.IndexByte(s[open:], '}')
		if end < 0 {
			break
		}
		b.WriteString(s[:open])
		b.WriteString(vars[s[open+1:open+end]])
		s = s[open+end+1:]
	}
	b.WriteString(s)
	return b.String()
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}

// External adapts a Tool to any parameter type that can render itself for
// the command template.
type External[P Valuer] struct {
	Tool
}

func (e External[P]) Name() string { return e.ID }

func (e External[P]) Apply(ctx context.Context, img *resource.Image, params P) error {
	run, err := e.prepare(ctx, img)
	if err != nil {
		return err
	}
	defer os.RemoveAll(run.dir)

	if err := e.exec(ctx, run, params.Values()); err != nil {
		return err
	}
	return e.load(ctx, run.output, img)
}

// Separation is the explicit result of a star separation. The starless
// result replaces the input's pixels; Stars is an unregistered image, or
// nil when none was requested or produced.
type Separation struct {
	Stars *resource.Image
}

// StarSeparator is implemented by star removal operators that can return
// the star-only image directly instead of leaving it behind as a
// by-product.
type StarSeparator interface {
	Operator[StarParams]
	Separate(ctx context.Context, img *resource.Image, params StarParams) (Separation, error)
}

// ExternalStars runs a star removal command. The command must write the
// starless image to {output} and, when asked for stars, the star-only
// image to {stars}.
type ExternalStars struct {
	Tool
}

var _ StarSeparator = ExternalStars{}

func (e ExternalStars) Name() string { return e.ID }

func (e ExternalStars) Apply(ctx context.Context, img *resource.Image, params StarParams) error {
	params.Stars = false
	_, err := e.Separate(ctx, img, params)
	return err
}

func (e ExternalStars) Separate(ctx context.Context, img *resource.Image, params StarParams) (Separation, error) {
	run, err := e.prepare(ctx, img)
	if err != nil {
		return Separation{}, err
	}
	defer os.RemoveAll(run.dir)

	if err := e.exec(ctx, run, params.Values()); err != nil {
		return Separation{}, err
	}
	if err := e.load(ctx, run.output, img); err != nil {
		return Separation{}, err
	}
	if !params.Stars {
		return Separation{}, nil
	}
	if _, err := os.Stat(run.stars); errors.Is(err, os.ErrNotExist) {
		return Separation{}, nil
	}
	stars, err := e.Codec.Open(ctx, run.stars)
	if err != nil {
		return Separation{}, fmt.Errorf("%s: read stars: %w", e.ID, err)
	}
	stars.Source = ""
	return Separation{Stars: stars}, nil
}
