package pipeline

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/Allen15763/spe-bank-recon/internal/table"
)

// ErrInvalidData rejects malformed primary-table updates.
var ErrInvalidData = errors.New("invalid primary data")

// Message is one entry of the context error or warning trail.
type Message struct {
	At   time.Time `json:"at"`
	Text string    `json:"text"`
}

// StepRecord is one execution-history entry: the final outcome of one step
// invocation. Retries are folded into Attempts rather than producing extra
// records, keeping history length equal to the number of steps driven.
type StepRecord struct {
	StepName   string    `json:"step_name"`
	Status     Status    `json:"status"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Attempts   int       `json:"attempts"`
	Message    string    `json:"message"`
}

// ValidationResult captures the outcome of a data-quality check a step ran.
type ValidationResult struct {
	Name      string    `json:"name"`
	Passed    bool      `json:"passed"`
	Message   string    `json:"message"`
	CheckedAt time.Time `json:"checked_at"`
}

// Context is the shared, serializable state bag for one pipeline run. It is
// the only channel between steps. One goroutine owns a Context at a time;
// the engine never runs two steps of the same pipeline concurrently, so no
// locking happens here.
type Context struct {
	taskName string
	taskType string
	runID    string

	primary     *table.Table
	aux         map[string]*table.Table
	vars        map[string]Value
	errs        []Message
	warns       []Message
	history     []StepRecord
	validations map[string]ValidationResult
}

// NewContext mints a Context with a fresh run id. The run id namespaces
// checkpoints so two runs of the same task never overwrite each other.
func NewContext(taskName, taskType string) *Context {
	return &Context{
		taskName:    taskName,
		taskType:    taskType,
		runID:       uuid.NewString(),
		aux:         make(map[string]*table.Table),
		vars:        make(map[string]Value),
		validations: make(map[string]ValidationResult),
	}
}

// NewContextWithRunID is NewContext for callers that announce the run id
// before execution starts (queued runs carry their id through the bus).
// An empty id falls back to a fresh one.
func NewContextWithRunID(taskName, taskType, runID string) *Context {
	c := NewContext(taskName, taskType)
	if runID != "" {
		c.runID = runID
	}
	return c
}

func (c *Context) TaskName() string { return c.taskName }
func (c *Context) TaskType() string { return c.taskType }
func (c *Context) RunID() string    { return c.runID }

// UpdateData replaces the primary table wholesale. A nil table is rejected;
// an empty table is valid.
func (c *Context) UpdateData(t *table.Table) error {
	if t == nil {
		return fmt.Errorf("%w: nil table", ErrInvalidData)
	}
	c.primary = t
	return nil
}

// PrimaryData returns the primary table, nil when none was set.
func (c *Context) PrimaryData() *table.Table { return c.primary }

// AddAuxiliaryData inserts or replaces a named side table.
func (c *Context) AddAuxiliaryData(name string, t *table.Table) error {
	if name == "" {
		return fmt.Errorf("%w: empty auxiliary name", ErrInvalidData)
	}
	if t == nil {
		return fmt.Errorf("%w: nil auxiliary table %q", ErrInvalidData, name)
	}
	c.aux[name] = t
	return nil
}

// AuxiliaryData looks up a side table; absence is a signal, not a failure.
func (c *Context) AuxiliaryData(name string) (*table.Table, bool) {
	t, ok := c.aux[name]
	return t, ok
}

// MustAuxiliaryData is AuxiliaryData for steps that cannot proceed without
// the dataset.
func (c *Context) MustAuxiliaryData(name string) (*table.Table, error) {
	t, ok := c.aux[name]
	if !ok {
		return nil, fmt.Errorf("auxiliary data %q not present", name)
	}
	return t, nil
}

// AuxiliaryNames lists side-table names in sorted order.
func (c *Context) AuxiliaryNames() []string {
	names := make([]string, 0, len(c.aux))
	for n := range c.aux {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// SetVariable stores a cross-step parameter.
func (c *Context) SetVariable(key string, v Value) {
	c.vars[key] = v
}

// Variable returns the stored value, or def when the key is absent.
func (c *Context) Variable(key string, def Value) Value {
	if v, ok := c.vars[key]; ok {
		return v
	}
	return def
}

// StringVar is Variable for string values; non-string values fall back to
// their display form.
func (c *Context) StringVar(key, def string) string {
	v, ok := c.vars[key]
	if !ok {
		return def
	}
	return v.String()
}

// IntVar returns an int variable or def when absent or not an int.
func (c *Context) IntVar(key string, def int64) int64 {
	if n, ok := c.vars[key].Int(); ok {
		return n
	}
	return def
}

// TimeVar returns a time variable or def when absent or not a time.
func (c *Context) TimeVar(key string, def time.Time) time.Time {
	if t, ok := c.vars[key].Time(); ok {
		return t
	}
	return def
}

// Variables returns a copy of the variable map.
func (c *Context) Variables() map[string]Value {
	out := make(map[string]Value, len(c.vars))
	for k, v := range c.vars {
		out[k] = v
	}
	return out
}

// AddError appends to the error trail. It never alters control flow.
func (c *Context) AddError(text string) {
	c.errs = append(c.errs, Message{At: time.Now().UTC(), Text: text})
}

// AddWarning appends to the warning trail.
func (c *Context) AddWarning(text string) {
	c.warns = append(c.warns, Message{At: time.Now().UTC(), Text: text})
}

func (c *Context) HasErrors() bool   { return len(c.errs) > 0 }
func (c *Context) HasWarnings() bool { return len(c.warns) > 0 }

// Errors returns a copy of the error trail.
func (c *Context) Errors() []Message { return append([]Message(nil), c.errs...) }

// Warnings returns a copy of the warning trail.
func (c *Context) Warnings() []Message { return append([]Message(nil), c.warns...) }

// RecordStep appends one history record. The pipeline calls this exactly
// once per step invocation; steps never call it themselves.
func (c *Context) RecordStep(rec StepRecord) {
	c.history = append(c.history, rec)
}

// History returns a copy of the execution history.
func (c *Context) History() []StepRecord {
	return append([]StepRecord(nil), c.history...)
}

// HistoryLength reports how many step records have accumulated, including
// any restored from a checkpoint.
func (c *Context) HistoryLength() int { return len(c.history) }

// SetValidation records a named data-quality outcome.
func (c *Context) SetValidation(res ValidationResult) {
	c.validations[res.Name] = res
}

// Validations returns a copy of the validation map.
func (c *Context) Validations() map[string]ValidationResult {
	out := make(map[string]ValidationResult, len(c.validations))
	for k, v := range c.validations {
		out[k] = v
	}
	return out
}

// Summary renders a short status line for logs.
func (c *Context) Summary() string {
	last := "none"
	if n := len(c.history); n > 0 {
		rec := c.history[n-1]
		last = fmt.Sprintf("%s=%s", rec.StepName, rec.Status)
	}
	return fmt.Sprintf("task=%s type=%s run=%s steps=%d errors=%d warnings=%d last=%s",
		c.taskName, c.taskType, c.runID, len(c.history), len(c.errs), len(c.warns), last)
}

// Snapshot is the serializable, table-free part of a Context. Checkpoint
// stores persist the tables separately in their tabular format.
type Snapshot struct {
	TaskName    string                      `json:"task_name"`
	TaskType    string                      `json:"task_type"`
	RunID       string                      `json:"run_id"`
	Variables   map[string]Value            `json:"variables"`
	Errors      []Message                   `json:"errors"`
	Warnings    []Message                   `json:"warnings"`
	History     []StepRecord                `json:"execution_history"`
	Validations map[string]ValidationResult `json:"validations"`
}

// Snapshot copies everything except the tables.
func (c *Context) Snapshot() Snapshot {
	return Snapshot{
		TaskName:    c.taskName,
		TaskType:    c.taskType,
		RunID:       c.runID,
		Variables:   c.Variables(),
		Errors:      c.Errors(),
		Warnings:    c.Warnings(),
		History:     c.History(),
		Validations: c.Validations(),
	}
}

// Restore rebuilds a Context from a snapshot plus its tables, as read back
// from a checkpoint.
func Restore(s Snapshot, primary *table.Table, aux map[string]*table.Table) (*Context, error) {
	if s.TaskName == "" || s.RunID == "" {
		return nil, fmt.Errorf("%w: snapshot missing identity", ErrInvalidData)
	}
	c := &Context{
		taskName:    s.TaskName,
		taskType:    s.TaskType,
		runID:       s.RunID,
		primary:     primary,
		aux:         make(map[string]*table.Table, len(aux)),
		vars:        make(map[string]Value, len(s.Variables)),
		errs:        append([]Message(nil), s.Errors...),
		warns:       append([]Message(nil), s.Warnings...),
		history:     append([]StepRecord(nil), s.History...),
		validations: make(map[string]ValidationResult, len(s.Validations)),
	}
	for k, v := range aux {
		c.aux[k] = v
	}
	for k, v := range s.Variables {
		c.vars[k] = v
	}
	for k, v := range s.Validations {
		c.validations[k] = v
	}
	return c, nil
}
