package task

import (
	"context"
	"fmt"
	"log"
	"strings"

	otelmetric "go.opentelemetry.io/otel/metric"

	"github.com/Allen15763/spe-bank-recon/config"
	"github.com/Allen15763/spe-bank-recon/internal/checkpoint"
	"github.com/Allen15763/spe-bank-recon/internal/datasource"
	"github.com/Allen15763/spe-bank-recon/internal/pipeline"
)

// taskType tags every run and its checkpoints.
const taskType = "transform"

// resumeMode is the superset pipeline resumes are built against, so any
// checkpointed step can be found regardless of the mode that wrote it.
const resumeMode = "full_with_entry"

// Runner executes reconciliation modes and resumes interrupted runs.
type Runner struct {
	cfg    *config.Config
	store  *checkpoint.Store
	cache  *datasource.Cache
	logger *log.Logger
	modes  map[string]Mode
	reg    *Registry
	meter  otelmetric.Meter
}

// RunnerOption customizes a Runner.
type RunnerOption func(*Runner)

// WithLogger routes runner and pipeline logs to l.
func WithLogger(l *log.Logger) RunnerOption {
	return func(r *Runner) { r.logger = l }
}

// WithStore replaces the checkpoint store built from config.
func WithStore(s *checkpoint.Store) RunnerOption {
	return func(r *Runner) { r.store = s }
}

// WithModes replaces the built in mode definitions.
func WithModes(m map[string]Mode) RunnerOption {
	return func(r *Runner) { r.modes = m }
}

// WithRegistry replaces the built in step registry.
func WithRegistry(reg *Registry) RunnerOption {
	return func(r *Runner) { r.reg = reg }
}

// WithMeter enables step and checkpoint telemetry on the runner's
// pipelines.
func WithMeter(meter otelmetric.Meter) RunnerOption {
	return func(r *Runner) { r.meter = meter }
}

// NewRunner wires a runner from config: datasource cache, checkpoint store
// when enabled, built in modes and steps.
func NewRunner(cfg *config.Config, opts ...RunnerOption) (*Runner, error) {
	if cfg == nil {
		return nil, fmt.Errorf("task: nil config")
	}
	r := &Runner{
		cfg:    cfg,
		cache:  datasource.NewCache(cfg.Task.CacheTTL, cfg.Task.CacheMaxItems),
		logger: log.New(log.Writer(), "[TASK] ", log.LstdFlags),
		modes:  DefaultModes(),
		reg:    DefaultRegistry(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.store == nil && cfg.Checkpoint.Enabled {
		storeOpts := []checkpoint.StoreOption{checkpoint.WithLogger(r.logger)}
		if cfg.Checkpoint.SigningSecret != "" {
			storeOpts = append(storeOpts, checkpoint.WithSecret(cfg.Checkpoint.SigningSecret))
		}
		if r.meter != nil {
			storeOpts = append(storeOpts, checkpoint.WithMeter(r.meter))
		}
		store, err := checkpoint.NewStore(cfg.Checkpoint.Dir, storeOpts...)
		if err != nil {
			return nil, fmt.Errorf("task: checkpoint store: %w", err)
		}
		r.store = store
	}
	return r, nil
}

// Result is the outcome of one run or resume.
type Result struct {
	Mode    string
	RunID   string
	Summary *pipeline.Summary
	Context *pipeline.Context
}

// Execute runs the named mode. Input validation errors abort before any
// step runs; validation warnings carry into the run context. Step failures
// never surface as an error here, they live in the Summary.
func (r *Runner) Execute(ctx context.Context, mode string, vars map[string]pipeline.Value) (*Result, error) {
	return r.ExecuteRun(ctx, "", mode, vars)
}

// ExecuteRun is Execute with a caller-supplied run id, so runs queued under
// a pre-minted id keep that id in checkpoints and history. An empty runID
// mints a fresh one.
func (r *Runner) ExecuteRun(ctx context.Context, runID, mode string, vars map[string]pipeline.Value) (*Result, error) {
	m, ok := r.modes[mode]
	if !ok {
		return nil, fmt.Errorf("unknown mode %q (have %s)", mode, strings.Join(ModeNames(r.modes), ", "))
	}

	check := r.ValidateInputs(mode)
	if !check.Valid {
		return nil, fmt.Errorf("inputs for mode %s: %s", mode, strings.Join(check.Errors, "; "))
	}

	pc := pipeline.NewContextWithRunID(r.cfg.Task.Name, taskType, runID)
	for key, v := range vars {
		pc.SetVariable(key, v)
	}
	for _, warning := range check.Warnings {
		pc.AddWarning(warning)
	}

	p, err := r.build(m)
	if err != nil {
		return nil, err
	}
	r.logger.Printf("mode %s: run %s starting", mode, pc.RunID())
	summary := p.Execute(ctx, pc)
	return &Result{Mode: mode, RunID: pc.RunID(), Summary: summary, Context: pc}, nil
}

// Resume restores a checkpoint and continues from the step after the one
// that produced it. With an empty runID or checkpointID the newest
// matching checkpoint is used; startFrom overrides the computed step.
func (r *Runner) Resume(ctx context.Context, runID, checkpointID, startFrom string) (*Result, error) {
	if r.store == nil {
		return nil, fmt.Errorf("checkpointing disabled, nothing to resume")
	}

	if runID == "" || checkpointID == "" {
		info, err := r.store.Latest(ctx, checkpoint.Filter{RunID: runID, TaskName: r.cfg.Task.Name})
		if err != nil {
			return nil, fmt.Errorf("locate checkpoint: %w", err)
		}
		runID, checkpointID = info.RunID, info.ID
	}

	pc, err := r.store.Load(ctx, runID, checkpointID)
	if err != nil {
		return nil, fmt.Errorf("load checkpoint %s/%s: %w", runID, checkpointID, err)
	}

	m, ok := r.modes[resumeMode]
	if !ok {
		return nil, fmt.Errorf("resume requires mode %q in the mode set", resumeMode)
	}
	p, err := r.build(m)
	if err != nil {
		return nil, err
	}

	if startFrom == "" {
		last := lastSuccessfulStep(pc.History())
		if last == "" {
			return nil, fmt.Errorf("checkpoint %s has no successful step in its history", checkpointID)
		}
		startFrom, err = stepAfter(p.StepNames(), last)
		if err != nil {
			return nil, err
		}
		if startFrom == "" {
			r.logger.Printf("run %s: checkpoint after final step %s, nothing to resume", runID, last)
			return &Result{
				Mode:    resumeMode,
				RunID:   pc.RunID(),
				Summary: &pipeline.Summary{Success: true},
				Context: pc,
			}, nil
		}
	}

	r.logger.Printf("run %s: resuming from step %s", runID, startFrom)
	summary, err := p.Resume(ctx, pc, startFrom)
	if err != nil {
		return nil, err
	}
	return &Result{Mode: resumeMode, RunID: pc.RunID(), Summary: summary, Context: pc}, nil
}

// lastSuccessfulStep finds the step the checkpoint was taken after.
func lastSuccessfulStep(history []pipeline.StepRecord) string {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Status == pipeline.StatusSuccess {
			return history[i].StepName
		}
	}
	return ""
}

// stepAfter returns the step following last, empty when last is the final
// step.
func stepAfter(names []string, last string) (string, error) {
	for i, name := range names {
		if name == last {
			if i+1 == len(names) {
				return "", nil
			}
			return names[i+1], nil
		}
	}
	return "", fmt.Errorf("checkpointed step %q not in the resume pipeline", last)
}

func (r *Runner) build(m Mode) (*pipeline.Pipeline, error) {
	opts := []pipeline.Option{
		pipeline.WithStopOnError(r.cfg.Task.StopOnError),
		pipeline.WithLogger(r.logger),
	}
	if r.store != nil {
		opts = append(opts, pipeline.WithCheckpointSaver(r.store))
	}
	if r.meter != nil {
		opts = append(opts, pipeline.WithObserver(newStepObserver(r.meter, r.logger)))
	}
	return BuildPipeline(&Deps{Config: r.cfg, Sources: r.cache}, m, r.reg, opts...)
}

// ModeInfo describes one mode for listings.
type ModeInfo struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Steps       []string `json:"steps"`
}

// Modes lists the available modes sorted by name, with their step entries
// as written in the mode definition.
func (r *Runner) Modes() []ModeInfo {
	out := make([]ModeInfo, 0, len(r.modes))
	for _, name := range ModeNames(r.modes) {
		m := r.modes[name]
		steps := make([]string, len(m.Steps))
		for i, ref := range m.Steps {
			steps[i] = ref.Name
		}
		out = append(out, ModeInfo{Name: name, Description: m.Description, Steps: steps})
	}
	return out
}

// StepNames expands the mode into its concrete pipeline step names, one
// per bank for the bank processing entry.
func (r *Runner) StepNames(mode string) ([]string, error) {
	m, ok := r.modes[mode]
	if !ok {
		return nil, fmt.Errorf("unknown mode %q", mode)
	}
	p, err := r.build(m)
	if err != nil {
		return nil, err
	}
	return p.StepNames(), nil
}

// ListCheckpoints returns the stored checkpoints for this task, oldest
// first, optionally narrowed to one run.
func (r *Runner) ListCheckpoints(ctx context.Context, runID string) ([]checkpoint.Info, error) {
	if r.store == nil {
		return nil, fmt.Errorf("checkpointing disabled")
	}
	return r.store.List(ctx, checkpoint.Filter{RunID: runID, TaskName: r.cfg.Task.Name})
}

// CleanupCheckpoints drops all but the configured number of newest runs.
func (r *Runner) CleanupCheckpoints(ctx context.Context) (int, error) {
	if r.store == nil {
		return 0, fmt.Errorf("checkpointing disabled")
	}
	return r.store.CleanupOld(ctx, r.cfg.Task.Name, r.cfg.Checkpoint.KeepLast)
}
