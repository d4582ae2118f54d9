package pipeline

import (
	"io"

	"github.com/dominikbraun/graph"
	"github.com/dominikbraun/graph/draw"
	"github.com/pkg/errors"
	"gopkg.in/go-playground/colors.v1"

	"astropipe/internal/resource"
)

// Plan vertices are named "<workflow>/<stage>/<image>".
const (
	planStart    = "start"
	planFinalize = "finalize"
)

type stageKind int

const (
	kindIO stageKind = iota
	kindRecoverable
	kindFatal
)

var kindColours = map[stageKind][3]uint8{
	kindIO:          {90, 90, 90},
	kindRecoverable: {40, 90, 200},
	kindFatal:       {200, 30, 30},
}

type planBuilder struct {
	g     graph.Graph[string, string]
	tails []string
}

func (b *planBuilder) add(name string, kind stageKind) error {
	c := kindColours[kind]
	col, err := colors.RGB(c[0], c[1], c[2])
	if err != nil {
		return errors.Wrap(err, "unable to get colour")
	}
	err = b.g.AddVertex(name,
		graph.VertexAttribute("color", col.ToHEX().String()),
		graph.VertexAttribute("shape", "box"),
	)
	if err != nil && !errors.Is(err, graph.ErrVertexAlreadyExists) {
		return errors.Wrapf(err, "unable to add vertex %s", name)
	}
	return nil
}

func (b *planBuilder) link(from, to string) error {
	err := b.g.AddEdge(from, to)
	if err != nil && !errors.Is(err, graph.ErrEdgeAlreadyExists) {
		return errors.Wrapf(err, "unable to add edge from %s to %s", from, to)
	}
	return nil
}

type planStage struct {
	stage   string
	enabled bool
	kind    stageKind
}

// chain appends the enabled stages after prev and returns the last vertex.
func (b *planBuilder) chain(prev, workflow, image string, stages ...planStage) (string, error) {
	for _, s := range stages {
		if !s.enabled {
			continue
		}
		name := workflow + "/" + s.stage + "/" + image
		if err := b.add(name, s.kind); err != nil {
			return "", err
		}
		if err := b.link(prev, name); err != nil {
			return "", err
		}
		prev = name
	}
	return prev, nil
}

// Plan builds the stage graph a run would execute, honouring stage gates
// and the channels present. Recoverable stages are blue, the fatal
// stretch red.
func Plan(run Run) (graph.Graph[string, string], error) {
	if err := run.Validate(); err != nil {
		return nil, err
	}
	b := &planBuilder{g: graph.New(graph.StringHash, graph.Directed(), graph.Acyclic(), graph.PreventCycles())}
	if err := b.add(planStart, kindIO); err != nil {
		return nil, err
	}
	rgbIn, nbIn := run.split()
	if len(rgbIn) > 0 && run.Config.RGB.Enabled {
		if err := b.planRGB(run, rgbIn); err != nil {
			return nil, err
		}
	}
	if len(nbIn) > 0 && run.Config.NB.Enabled {
		if err := b.planNB(run, nbIn); err != nil {
			return nil, err
		}
	}
	if err := b.add(planFinalize, kindIO); err != nil {
		return nil, err
	}
	if len(b.tails) == 0 {
		b.tails = []string{planStart}
	}
	for _, t := range b.tails {
		if err := b.link(t, planFinalize); err != nil {
			return nil, err
		}
	}
	return b.g, nil
}

func linearStages(run Run, s Stages) []planStage {
	return []planStage{
		{"open", true, kindIO},
		{"crop", s.Crop && run.Config.Crop != nil, kindRecoverable},
		{"gradient", s.Gradient, kindRecoverable},
	}
}

func (b *planBuilder) planRGB(run Run, in []Assignment) error {
	s := run.Config.RGB
	have := map[resource.Label]bool{}
	var heads []string
	for _, a := range in {
		have[a.Label] = true
		tail, err := b.chain(planStart, WorkflowRGB, string(a.Label), linearStages(run, s)...)
		if err != nil {
			return err
		}
		heads = append(heads, tail)
	}
	complete := have[resource.LabelR] && have[resource.LabelG] && have[resource.LabelB]

	finish := func(prev, image string, stars bool) error {
		tail, err := b.chain(prev, WorkflowRGB, image,
			planStage{"blur", s.Blur, kindRecoverable},
			planStage{"denoise", s.Denoise, kindRecoverable},
			planStage{"stretch", s.Stretch, kindFatal},
			planStage{"final-denoise", s.FinalDenoise, kindRecoverable},
			planStage{"star-removal", s.StarRemoval, kindRecoverable},
			planStage{"output", true, kindIO},
		)
		if err != nil {
			return err
		}
		b.tails = append(b.tails, tail)
		if stars && s.StarRemoval {
			return b.output(tail, WorkflowRGB, image+"_Stars")
		}
		return nil
	}

	if !complete || !s.Combine {
		for i, a := range in {
			if err := finish(heads[i], string(a.Label), false); err != nil {
				return err
			}
		}
		return nil
	}

	join := WorkflowRGB + "/combine/RGB"
	if s.LinearFit {
		fit := WorkflowRGB + "/linear-fit/RGB"
		if err := b.add(fit, kindRecoverable); err != nil {
			return err
		}
		for _, h := range heads {
			if err := b.link(h, fit); err != nil {
				return err
			}
		}
		heads = []string{fit}
	}
	if err := b.add(join, kindRecoverable); err != nil {
		return err
	}
	for _, h := range heads {
		if err := b.link(h, join); err != nil {
			return err
		}
	}
	if err := finish(join, "RGB", s.StarImage); err != nil {
		return err
	}
	if s.SaveR {
		clone := WorkflowRGB + "/clone/R"
		if err := b.add(clone, kindIO); err != nil {
			return err
		}
		if err := b.link(join, clone); err != nil {
			return err
		}
		return finish(clone, "R", false)
	}
	return nil
}

func (b *planBuilder) planNB(run Run, in []Assignment) error {
	s := run.Config.NB
	prev := planStart
	for _, a := range in {
		image := string(a.Label)
		stages := append(linearStages(run, s),
			planStage{"blur", s.Blur, kindRecoverable},
			planStage{"denoise", s.Denoise, kindRecoverable},
			planStage{"stretch", s.Stretch, kindFatal},
			planStage{"star-removal", s.StarRemoval, kindRecoverable},
			planStage{"final-denoise", s.FinalDenoise, kindRecoverable},
			planStage{"output", true, kindIO},
		)
		tail, err := b.chain(prev, WorkflowNB, image, stages...)
		if err != nil {
			return err
		}
		if a.Label == resource.LabelHa && s.StarRemoval && s.StarImage {
			if err := b.output(tail, WorkflowNB, image+"_Stars"); err != nil {
				return err
			}
		}
		b.tails = append(b.tails, tail)
		// Narrowband channels run one after another.
		prev = tail
	}
	return nil
}

func (b *planBuilder) output(prev, workflow, image string) error {
	name := workflow + "/output/" + image
	if err := b.add(name, kindIO); err != nil {
		return err
	}
	if err := b.link(prev, name); err != nil {
		return err
	}
	b.tails = append(b.tails, name)
	return nil
}

// PlanOrder lists the plan's vertices in a stable execution order.
func PlanOrder(g graph.Graph[string, string]) ([]string, error) {
	order, err := graph.StableTopologicalSort(g, func(a, b string) bool { return a < b })
	if err != nil {
		return nil, errors.Wrap(err, "unable to sort plan")
	}
	return order, nil
}

// WritePlanDOT renders the plan in Graphviz DOT format.
func WritePlanDOT(w io.Writer, g graph.Graph[string, string]) error {
	return errors.Wrap(draw.DOT(g, w), "unable to render plan")
}
