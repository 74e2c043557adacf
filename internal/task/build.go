package task

import (
	"fmt"

	"github.com/Allen15763/spe-bank-recon/internal/pipeline"
)

// BuildPipeline assembles the pipeline for one mode. Step names in the
// mode must be registered; factories may expand one entry into several
// steps.
func BuildPipeline(deps *Deps, mode Mode, reg *Registry, opts ...pipeline.Option) (*pipeline.Pipeline, error) {
	if deps == nil || deps.Config == nil {
		return nil, fmt.Errorf("deps with config required")
	}
	p := pipeline.New(mode.Name, opts...)
	for i, ref := range mode.Steps {
		f, ok := reg.Get(ref.Name)
		if !ok {
			return nil, fmt.Errorf("mode %s step %d: %q not registered", mode.Name, i, ref.Name)
		}
		steps, err := f(deps, ref)
		if err != nil {
			return nil, fmt.Errorf("mode %s step %q: %w", mode.Name, ref.Name, err)
		}
		for _, st := range steps {
			if err := p.AddStep(st); err != nil {
				return nil, fmt.Errorf("mode %s step %q: %w", mode.Name, ref.Name, err)
			}
		}
	}
	return p, nil
}
