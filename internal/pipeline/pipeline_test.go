package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"testing"
	"time"
)

type stubStep struct {
	BaseStep
	run      func(ctx context.Context, pc *Context) (*StepResult, error)
	prereq   func(pc *Context) (bool, string)
	validate func(pc *Context) error
	calls    int
}

func (s *stubStep) Run(ctx context.Context, pc *Context) (*StepResult, error) {
	s.calls++
	if s.run == nil {
		return nil, nil
	}
	return s.run(ctx, pc)
}

func (s *stubStep) CheckPrerequisites(pc *Context) (bool, string) {
	if s.prereq == nil {
		return true, ""
	}
	return s.prereq(pc)
}

func (s *stubStep) ValidateInput(pc *Context) error {
	if s.validate == nil {
		return nil
	}
	return s.validate(pc)
}

func newStub(name string, cfg StepConfig) *stubStep {
	return &stubStep{BaseStep: BaseStep{StepName: name, Description: name, Config: cfg}}
}

type stubSaver struct {
	saved []string
	err   error
}

func (s *stubSaver) Save(ctx context.Context, pc *Context, stepName string) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	s.saved = append(s.saved, stepName)
	return pc.RunID() + "/" + stepName, nil
}

func quietLogger() *log.Logger { return log.New(io.Discard, "", 0) }

func buildPipeline(t *testing.T, opts []Option, steps ...Step) *Pipeline {
	t.Helper()
	p := New("recon_test", append(opts, WithLogger(quietLogger()))...)
	for _, s := range steps {
		if err := p.AddStep(s); err != nil {
			t.Fatalf("AddStep(%s): %v", s.Name(), err)
		}
	}
	return p
}

func TestExecuteStopsOnFailureWhenStopOnError(t *testing.T) {
	saver := &stubSaver{}
	a := newStub("A", StepConfig{})
	b := newStub("B", StepConfig{})
	b.run = func(ctx context.Context, pc *Context) (*StepResult, error) {
		return nil, errors.New("boom")
	}
	c := newStub("C", StepConfig{})

	p := buildPipeline(t, []Option{WithStopOnError(true), WithCheckpointSaver(saver)}, a, b, c)
	pc := NewContext("bank_recon", "transform")
	sum := p.Execute(context.Background(), pc)

	if sum.Success {
		t.Fatal("expected failure")
	}
	if sum.FailedStep != "B" || sum.SuccessfulSteps != 1 || sum.TotalSteps != 3 {
		t.Fatalf("unexpected summary: %+v", sum)
	}
	if c.calls != 0 {
		t.Fatal("step C must not run after B fails")
	}
	hist := pc.History()
	if len(hist) != 2 {
		t.Fatalf("history length: got %d, want 2", len(hist))
	}
	if hist[0].Status != StatusSuccess || hist[1].Status != StatusFailure {
		t.Fatalf("unexpected history: %+v", hist)
	}
	if len(saver.saved) != 1 || saver.saved[0] != "A" {
		t.Fatalf("checkpoints: got %v, want [A]", saver.saved)
	}
	if !pc.HasErrors() {
		t.Fatal("failure must append to the context error trail")
	}
}

func TestExecuteContinuesPastOptionalFailure(t *testing.T) {
	a := newStub("A", StepConfig{})
	b := newStub("B", StepConfig{})
	b.run = func(ctx context.Context, pc *Context) (*StepResult, error) {
		return nil, errors.New("flaky source")
	}
	c := newStub("C", StepConfig{})

	p := buildPipeline(t, nil, a, b, c)
	pc := NewContext("bank_recon", "transform")
	sum := p.Execute(context.Background(), pc)

	if !sum.Success {
		t.Fatalf("optional failure must not fail the run: %+v", sum)
	}
	if sum.SuccessfulSteps != 2 || len(sum.Errors) != 1 {
		t.Fatalf("unexpected summary: %+v", sum)
	}
	if c.calls != 1 {
		t.Fatal("step C should have run")
	}
	if !pc.HasWarnings() {
		t.Fatal("continuing past a failure should warn")
	}
}

func TestExecuteStopsOnRequiredFailureEvenWhenContinuing(t *testing.T) {
	a := newStub("A", StepConfig{})
	b := newStub("B", StepConfig{Required: true})
	b.run = func(ctx context.Context, pc *Context) (*StepResult, error) {
		return nil, errors.New("ledger unreadable")
	}
	c := newStub("C", StepConfig{})

	p := buildPipeline(t, nil, a, b, c)
	sum := p.Execute(context.Background(), NewContext("bank_recon", "transform"))

	if sum.Success || sum.FailedStep != "B" {
		t.Fatalf("required failure must stop the run: %+v", sum)
	}
	if c.calls != 0 {
		t.Fatal("step C must not run")
	}
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	attempts := 0
	s := newStub("Load", StepConfig{RetryCount: 2, RetryDelay: time.Millisecond})
	s.run = func(ctx context.Context, pc *Context) (*StepResult, error) {
		attempts++
		if attempts < 3 {
			return nil, fmt.Errorf("transient %d", attempts)
		}
		pc.SetVariable("loaded", BoolValue(true))
		return &StepResult{Status: StatusSuccess, Message: "loaded"}, nil
	}

	p := buildPipeline(t, []Option{WithStopOnError(true)}, s)
	pc := NewContext("bank_recon", "transform")
	sum := p.Execute(context.Background(), pc)

	if !sum.Success {
		t.Fatalf("expected success after retries: %+v", sum)
	}
	hist := pc.History()
	if len(hist) != 1 {
		t.Fatalf("retries must not add history records: got %d", len(hist))
	}
	if hist[0].Attempts != 3 {
		t.Fatalf("attempts: got %d, want 3", hist[0].Attempts)
	}
}

func TestRetryExhaustionFails(t *testing.T) {
	s := newStub("Load", StepConfig{RetryCount: 1, RetryDelay: time.Millisecond})
	s.run = func(ctx context.Context, pc *Context) (*StepResult, error) {
		return nil, errors.New("still down")
	}
	p := buildPipeline(t, []Option{WithStopOnError(true)}, s)
	pc := NewContext("bank_recon", "transform")
	sum := p.Execute(context.Background(), pc)
	if sum.Success {
		t.Fatal("expected failure after exhausting retries")
	}
	if got := pc.History()[0].Attempts; got != 2 {
		t.Fatalf("attempts: got %d, want 2", got)
	}
}

func TestTimeoutFailsSlowStep(t *testing.T) {
	s := newStub("Slow", StepConfig{Timeout: 20 * time.Millisecond})
	s.run = func(ctx context.Context, pc *Context) (*StepResult, error) {
		select {
		case <-time.After(time.Second):
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	p := buildPipeline(t, []Option{WithStopOnError(true)}, s)
	pc := NewContext("bank_recon", "transform")
	sum := p.Execute(context.Background(), pc)
	if sum.Success {
		t.Fatal("expected timeout failure")
	}
	if !strings.Contains(strings.Join(sum.Errors, " "), "timed out") {
		t.Fatalf("expected a timeout message, got %v", sum.Errors)
	}
}

func TestPrerequisiteSkips(t *testing.T) {
	s := newStub("DailyCheck", StepConfig{})
	s.prereq = func(pc *Context) (bool, string) { return false, "no balances loaded" }
	p := buildPipeline(t, []Option{WithStopOnError(true)}, s)
	pc := NewContext("bank_recon", "transform")
	sum := p.Execute(context.Background(), pc)

	if !sum.Success {
		t.Fatalf("skip must not fail the run: %+v", sum)
	}
	if sum.SuccessfulSteps != 0 {
		t.Fatalf("skipped steps are not successes: %+v", sum)
	}
	if got := pc.History()[0].Status; got != StatusSkipped {
		t.Fatalf("history status: got %s, want SKIPPED", got)
	}
	if s.calls != 0 {
		t.Fatal("skipped step logic must not run")
	}
}

func TestInputValidationFailureFailsStep(t *testing.T) {
	s := newStub("Aggregate", StepConfig{})
	s.validate = func(pc *Context) error { return errors.New("missing containers") }
	p := buildPipeline(t, []Option{WithStopOnError(true)}, s)
	sum := p.Execute(context.Background(), NewContext("bank_recon", "transform"))
	if sum.Success {
		t.Fatal("expected validation failure")
	}
	if s.calls != 0 {
		t.Fatal("step logic must not run when input validation fails")
	}
}

func TestCheckpointFailureIsBestEffort(t *testing.T) {
	saver := &stubSaver{err: errors.New("disk full")}
	s := newStub("A", StepConfig{})
	p := buildPipeline(t, []Option{WithStopOnError(true), WithCheckpointSaver(saver)}, s)
	pc := NewContext("bank_recon", "transform")
	sum := p.Execute(context.Background(), pc)

	if !sum.Success {
		t.Fatalf("checkpoint failure must not fail the run: %+v", sum)
	}
	if !pc.HasWarnings() {
		t.Fatal("checkpoint failure should leave a warning")
	}
}

func TestExecuteHonorsCancellationBetweenSteps(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	a := newStub("A", StepConfig{})
	a.run = func(context.Context, *Context) (*StepResult, error) {
		cancel()
		return nil, nil
	}
	b := newStub("B", StepConfig{})

	p := buildPipeline(t, nil, a, b)
	pc := NewContext("bank_recon", "transform")
	sum := p.Execute(ctx, pc)

	if sum.Success {
		t.Fatal("canceled run must not report success")
	}
	if b.calls != 0 {
		t.Fatal("no step may start after cancellation")
	}
	if len(pc.History()) != 1 {
		t.Fatalf("history: got %d records, want 1", len(pc.History()))
	}
}

func TestAddStepRejectsDuplicates(t *testing.T) {
	p := New("recon_test", WithLogger(quietLogger()))
	if err := p.AddStep(newStub("A", StepConfig{})); err != nil {
		t.Fatalf("AddStep: %v", err)
	}
	if err := p.AddStep(newStub("A", StepConfig{})); err == nil {
		t.Fatal("expected duplicate step error")
	}
}

func TestResumeAppendsToRestoredHistory(t *testing.T) {
	a := newStub("A", StepConfig{})
	b := newStub("B", StepConfig{})
	c := newStub("C", StepConfig{})
	p := buildPipeline(t, []Option{WithStopOnError(true)}, a, b, c)

	pc := NewContext("bank_recon", "transform")
	pc.RecordStep(StepRecord{StepName: "A", Status: StatusSuccess})

	sum, err := p.Resume(context.Background(), pc, "B")
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if !sum.Success || sum.TotalSteps != 2 || sum.SuccessfulSteps != 2 {
		t.Fatalf("unexpected summary: %+v", sum)
	}
	if a.calls != 0 {
		t.Fatal("resume must not replay completed steps")
	}
	if got := len(pc.History()); got != 3 {
		t.Fatalf("history: got %d records, want 3 (1 restored + 2 new)", got)
	}

	if _, err := p.Resume(context.Background(), pc, "missing"); err == nil {
		t.Fatal("expected error for unknown resume step")
	}
}
