package pipeline

import (
	"context"
	"fmt"
	"log"
	"time"
)

// CheckpointSaver is the slice of the checkpoint store the pipeline needs.
type CheckpointSaver interface {
	Save(ctx context.Context, pc *Context, stepName string) (string, error)
}

// Observer receives step lifecycle callbacks, for metrics or progress UIs.
type Observer interface {
	BeforeStep(pc *Context, step Step)
	AfterStep(pc *Context, step Step, res *StepResult)
}

// Summary aggregates one Execute or Resume invocation. SuccessfulSteps and
// TotalSteps count only the steps this invocation drove, not restored
// history.
type Summary struct {
	Success         bool          `json:"success"`
	Duration        time.Duration `json:"duration"`
	TotalSteps      int           `json:"total_steps"`
	SuccessfulSteps int           `json:"successful_steps"`
	FailedStep      string        `json:"failed_step,omitempty"`
	Errors          []string      `json:"errors,omitempty"`
}

// Pipeline drives an ordered list of steps over one Context. Order is the
// execution contract; steps are never reordered or parallelized.
type Pipeline struct {
	name        string
	stopOnError bool
	saver       CheckpointSaver
	observer    Observer
	logger      *log.Logger
	steps       []Step
	stepNames   map[string]int
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithStopOnError makes any step failure fatal, required or not.
func WithStopOnError(stop bool) Option {
	return func(p *Pipeline) { p.stopOnError = stop }
}

// WithCheckpointSaver enables best-effort checkpointing after each
// successful step.
func WithCheckpointSaver(s CheckpointSaver) Option {
	return func(p *Pipeline) { p.saver = s }
}

// WithObserver attaches step lifecycle callbacks.
func WithObserver(o Observer) Option {
	return func(p *Pipeline) { p.observer = o }
}

// WithLogger overrides the default pipeline logger.
func WithLogger(l *log.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

// New builds an empty pipeline.
func New(name string, opts ...Option) *Pipeline {
	p := &Pipeline{
		name:      name,
		logger:    log.New(log.Writer(), "[PIPELINE] ", log.LstdFlags),
		stepNames: make(map[string]int),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name returns the pipeline name.
func (p *Pipeline) Name() string { return p.name }

// AddStep appends a step; names must be unique within the pipeline.
func (p *Pipeline) AddStep(s Step) error {
	if s.Name() == "" {
		return fmt.Errorf("pipeline %s: step with empty name", p.name)
	}
	if _, dup := p.stepNames[s.Name()]; dup {
		return fmt.Errorf("pipeline %s: duplicate step %q", p.name, s.Name())
	}
	p.stepNames[s.Name()] = len(p.steps)
	p.steps = append(p.steps, s)
	return nil
}

// StepNames lists the steps in execution order.
func (p *Pipeline) StepNames() []string {
	names := make([]string, len(p.steps))
	for i, s := range p.steps {
		names[i] = s.Name()
	}
	return names
}

// Execute runs every step in order against pc. Step errors never propagate
// out; they surface in the Summary, the Context error trail and the
// execution history. Cancellation of ctx stops the run between steps.
func (p *Pipeline) Execute(ctx context.Context, pc *Context) *Summary {
	return p.run(ctx, pc, 0)
}

// Resume continues a restored Context from the named step onward. The
// restored history is appended to, never reset.
func (p *Pipeline) Resume(ctx context.Context, pc *Context, startFromStep string) (*Summary, error) {
	idx, ok := p.stepNames[startFromStep]
	if !ok {
		return nil, fmt.Errorf("pipeline %s: no step %q to resume from", p.name, startFromStep)
	}
	return p.run(ctx, pc, idx), nil
}

func (p *Pipeline) run(ctx context.Context, pc *Context, from int) *Summary {
	started := time.Now()
	steps := p.steps[from:]
	sum := &Summary{TotalSteps: len(steps)}
	p.logger.Printf("pipeline %s: starting %d steps (run %s)", p.name, len(steps), pc.RunID())

	required := func(s Step) bool {
		c, ok := s.(Configured)
		return ok && c.Policy().Required
	}

	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			sum.Errors = append(sum.Errors, fmt.Sprintf("run canceled before step %s: %v", step.Name(), err))
			pc.AddWarning(fmt.Sprintf("run canceled before step %s", step.Name()))
			sum.Duration = time.Since(started)
			return sum
		}

		if p.observer != nil {
			p.observer.BeforeStep(pc, step)
		}
		p.logger.Printf("pipeline %s: step %s starting", p.name, step.Name())
		stepStart := time.Now()
		res := runStep(ctx, pc, step, p.logger)
		pc.RecordStep(StepRecord{
			StepName:   step.Name(),
			Status:     res.Status,
			StartedAt:  stepStart.UTC(),
			FinishedAt: time.Now().UTC(),
			Attempts:   res.Attempts,
			Message:    res.Message,
		})
		if p.observer != nil {
			p.observer.AfterStep(pc, step, res)
		}

		switch res.Status {
		case StatusSuccess:
			sum.SuccessfulSteps++
			p.logger.Printf("pipeline %s: step %s succeeded in %s", p.name, step.Name(), res.Duration)
			p.checkpoint(ctx, pc, step.Name())
		case StatusSkipped:
			p.logger.Printf("pipeline %s: step %s skipped: %s", p.name, step.Name(), res.Message)
		case StatusFailure:
			detail := res.Error
			if detail == "" {
				detail = res.Message
			}
			msg := fmt.Sprintf("step %s failed: %s", step.Name(), detail)
			pc.AddError(msg)
			sum.Errors = append(sum.Errors, msg)
			if p.stopOnError || required(step) {
				sum.FailedStep = step.Name()
				sum.Duration = time.Since(started)
				p.logger.Printf("pipeline %s: stopping at step %s: %s", p.name, step.Name(), detail)
				return sum
			}
			pc.AddWarning(fmt.Sprintf("continuing past failed optional step %s", step.Name()))
			p.logger.Printf("pipeline %s: continuing past failed optional step %s", p.name, step.Name())
		}
	}

	sum.Success = true
	sum.Duration = time.Since(started)
	p.logger.Printf("pipeline %s: completed, %d/%d steps succeeded in %s",
		p.name, sum.SuccessfulSteps, sum.TotalSteps, sum.Duration)
	return sum
}

// checkpoint persists the context after a successful step. Failures degrade
// to a warning: a step that succeeded is never reported as failed because
// its checkpoint could not be written.
func (p *Pipeline) checkpoint(ctx context.Context, pc *Context, stepName string) {
	if p.saver == nil {
		return
	}
	id, err := p.saver.Save(ctx, pc, stepName)
	if err != nil {
		pc.AddWarning(fmt.Sprintf("checkpoint after %s failed: %v", stepName, err))
		p.logger.Printf("pipeline %s: checkpoint after %s failed: %v", p.name, stepName, err)
		return
	}
	p.logger.Printf("pipeline %s: checkpoint saved: %s", p.name, id)
}
