package pipeline

import (
	"context"
	"fmt"
	"log"
	"time"
)

// Status is a step lifecycle state. The engine reports SUCCESS, FAILURE and
// SKIPPED to callers; the rest appear in logs only.
type Status string

const (
	StatusPending Status = "PENDING"
	StatusRunning Status = "RUNNING"
	StatusSuccess Status = "SUCCESS"
	StatusFailure Status = "FAILURE"
	StatusSkipped Status = "SKIPPED"
	StatusRetry   Status = "RETRY"
)

// StepResult is what one step invocation produced.
type StepResult struct {
	StepName string
	Status   Status
	Message  string
	Error    string
	Duration time.Duration
	Attempts int
	Metadata map[string]any
}

// Step is one unit of ordered work. Implementations read and mutate the
// run Context and nothing else. Returning a nil result with a nil error
// counts as plain success. Run must stop touching the Context once ctx is
// done: on timeout the engine moves on while the goroutine may still be
// live, and a late Context write would race with later steps.
type Step interface {
	Name() string
	Describe() string
	Run(ctx context.Context, pc *Context) (*StepResult, error)
}

// StepConfig carries the execution policy the engine wraps around Run.
type StepConfig struct {
	RetryCount int
	RetryDelay time.Duration
	Timeout    time.Duration
	Required   bool
}

// Configured is implemented by steps that carry their own policy; steps
// without it run with the zero policy (no retries, no timeout, optional).
type Configured interface {
	Policy() StepConfig
}

// InputValidator steps have their inputs checked before the logic runs; a
// validation error fails the step without invoking Run.
type InputValidator interface {
	ValidateInput(pc *Context) error
}

// Prerequisite steps can declare themselves not applicable for this run;
// the engine records them as SKIPPED instead of running them.
type Prerequisite interface {
	CheckPrerequisites(pc *Context) (ok bool, reason string)
}

// PostAction steps get a callback after a successful run; an error from it
// fails the step.
type PostAction interface {
	AfterRun(pc *Context, res *StepResult) error
}

// BaseStep supplies the descriptor half of a Step; embed it and implement
// Run.
type BaseStep struct {
	StepName    string
	Description string
	Config      StepConfig
}

func (b BaseStep) Name() string       { return b.StepName }
func (b BaseStep) Describe() string   { return b.Description }
func (b BaseStep) Policy() StepConfig { return b.Config }

// runStep drives one step through the full policy: input validation,
// prerequisite check, timeout enforcement, retries with backoff. Errors
// never escape; they become FAILURE results.
func runStep(ctx context.Context, pc *Context, step Step, logger *log.Logger) *StepResult {
	cfg := StepConfig{}
	if c, ok := step.(Configured); ok {
		cfg = c.Policy()
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}

	started := time.Now()
	finish := func(res *StepResult, attempts int) *StepResult {
		res.StepName = step.Name()
		res.Duration = time.Since(started)
		res.Attempts = attempts
		return res
	}

	if v, ok := step.(InputValidator); ok {
		if err := v.ValidateInput(pc); err != nil {
			return finish(&StepResult{
				Status:  StatusFailure,
				Message: "input validation failed",
				Error:   err.Error(),
			}, 0)
		}
	}
	if p, ok := step.(Prerequisite); ok {
		if ok, reason := p.CheckPrerequisites(pc); !ok {
			return finish(&StepResult{Status: StatusSkipped, Message: reason}, 0)
		}
	}

	delay := cfg.RetryDelay
	var lastErr error
	for attempt := 1; attempt <= cfg.RetryCount+1; attempt++ {
		res, err := invoke(ctx, pc, step, cfg.Timeout)
		if err == nil {
			if res == nil {
				res = &StepResult{Status: StatusSuccess}
			}
			if res.Status == "" {
				res.Status = StatusSuccess
			}
			if res.Status == StatusSuccess {
				if pa, ok := step.(PostAction); ok {
					if perr := pa.AfterRun(pc, res); perr != nil {
						err = fmt.Errorf("post action: %w", perr)
					}
				}
			}
			if err == nil {
				return finish(res, attempt)
			}
		}
		lastErr = err
		if attempt > cfg.RetryCount {
			break
		}
		logger.Printf("step %s attempt %d/%d failed, retrying in %s: %v",
			step.Name(), attempt, cfg.RetryCount+1, delay, err)
		select {
		case <-ctx.Done():
			return finish(&StepResult{
				Status:  StatusFailure,
				Message: "canceled between retries",
				Error:   ctx.Err().Error(),
			}, attempt)
		case <-time.After(delay):
		}
		delay *= 2
	}
	return finish(&StepResult{
		Status:  StatusFailure,
		Message: "step failed after all attempts",
		Error:   lastErr.Error(),
	}, cfg.RetryCount+1)
}

type stepOutcome struct {
	res *StepResult
	err error
}

// invoke runs the step logic once under the configured timeout. The step
// receives a deadline context; if it does not honor it, the wait here still
// returns on time and the run proceeds without the step's result. The
// abandoned goroutine keeps whatever Context access it was in the middle
// of, so a step that outlives its deadline must not touch the Context
// again: check ctx.Err before every Context write.
func invoke(parent context.Context, pc *Context, step Step, timeout time.Duration) (*StepResult, error) {
	ctx := parent
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(parent, timeout)
		defer cancel()
	}
	done := make(chan stepOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- stepOutcome{err: fmt.Errorf("step panicked: %v", r)}
			}
		}()
		res, err := step.Run(ctx, pc)
		done <- stepOutcome{res: res, err: err}
	}()
	select {
	case out := <-done:
		return out.res, out.err
	case <-ctx.Done():
		if timeout > 0 && parent.Err() == nil {
			return nil, fmt.Errorf("timed out after %s", timeout)
		}
		return nil, ctx.Err()
	}
}
