package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
)

// Store is the Postgres-backed run registry: who asked for which pipeline
// run, how it went step by step, and which checkpoints it left behind.
type Store struct {
	DB *sql.DB
}

// Run statuses persisted by the registry.
const (
	RunStatusQueued    = "queued"
	RunStatusRunning   = "running"
	RunStatusSucceeded = "succeeded"
	RunStatusFailed    = "failed"
)

// Run trigger sources.
const (
	TriggerAPI      = "api"
	TriggerSchedule = "schedule"
	TriggerCLI      = "cli"
)

// RunRecord is one pipeline execution tracked by the registry. Counter and
// timestamp fields stay zero until the worker reports progress.
type RunRecord struct {
	ID              string
	Mode            string
	TaskName        string
	Trigger         string
	RequestedBy     string
	Status          string
	Vars            map[string]string
	TotalSteps      int
	SuccessfulSteps int
	FailedStep      string
	Warnings        int
	DurationMS      int64
	Error           *string
	StartedAt       *time.Time
	FinishedAt      *time.Time
	CreatedAt       time.Time
}

// RunOutcome carries the terminal counters FinishRun writes.
type RunOutcome struct {
	TotalSteps      int
	SuccessfulSteps int
	FailedStep      string
	Warnings        int
	DurationMS      int64
}

// RunFilter constrains ListRuns queries.
type RunFilter struct {
	Mode   string
	Status string
	Limit  int
}

// RunStepRecord is the persisted outcome of one step within a run.
type RunStepRecord struct {
	RunID      string
	StepIndex  int
	StepName   string
	Status     string
	Message    string
	Attempts   int
	DurationMS int64
	StartedAt  time.Time
	FinishedAt time.Time
}

// CheckpointIndexRecord mirrors one on-disk checkpoint so the API can list
// resume points without scanning the checkpoint directory.
type CheckpointIndexRecord struct {
	RunID         string
	CheckpointID  string
	TaskName      string
	TaskType      string
	StepName      string
	HistoryLength int
	SavedAt       time.Time
	CreatedAt     time.Time
}

var (
	metricsOnce    sync.Once
	runCounter     otelmetric.Int64Counter
	stepCounter    otelmetric.Int64Counter
	metricsInitErr error
)

func initStoreMetrics() {
	meter := otel.Meter("store")
	var err error
	runCounter, err = meter.Int64Counter("runs_recorded_total")
	if err != nil {
		metricsInitErr = err
		return
	}
	stepCounter, err = meter.Int64Counter("run_steps_recorded_total")
	if err != nil {
		metricsInitErr = err
	}
}

// New opens a Postgres connection for the given DSN and verifies it.
func New(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{DB: db}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// User operations
func (s *Store) CreateUser(ctx context.Context, email, hash string) error {
	_, err := s.DB.ExecContext(ctx, `INSERT INTO users (email, password_hash) VALUES ($1,$2)`, email, hash)
	return err
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (id string, hash string, err error) {
	err = s.DB.QueryRowContext(ctx, `SELECT id, password_hash FROM users WHERE email=$1`, email).Scan(&id, &hash)
	return
}

// Run operations

// CreateRun inserts a queued run row and returns its id. An empty rec.ID
// gets a fresh uuid; the id travels with the run request so the worker and
// the checkpoint store agree on it.
func (s *Store) CreateRun(ctx context.Context, rec RunRecord) (string, error) {
	if rec.Mode == "" {
		return "", fmt.Errorf("mode must be provided")
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Status == "" {
		rec.Status = RunStatusQueued
	}
	vars := rec.Vars
	if vars == nil {
		vars = map[string]string{}
	}
	payload, err := json.Marshal(vars)
	if err != nil {
		return "", fmt.Errorf("marshal run vars: %w", err)
	}
	var requestedBy interface{}
	if id := strings.TrimSpace(rec.RequestedBy); id != "" {
		requestedBy = id
	}
	_, err = s.DB.ExecContext(ctx, `
INSERT INTO runs (id, mode, task_name, trigger_source, requested_by, status, vars)
VALUES ($1,$2,$3,$4,$5,$6,$7)
`, rec.ID, rec.Mode, rec.TaskName, rec.Trigger, requestedBy, rec.Status, payload)
	if err != nil {
		return "", err
	}
	return rec.ID, nil
}

// MarkRunRunning stamps the start of execution.
func (s *Store) MarkRunRunning(ctx context.Context, runID string) error {
	if runID == "" {
		return fmt.Errorf("run_id must be provided")
	}
	res, err := s.DB.ExecContext(ctx, `UPDATE runs SET status=$2, started_at=NOW() WHERE id=$1`, runID, RunStatusRunning)
	if err != nil {
		return err
	}
	if rows, err := res.RowsAffected(); err == nil && rows == 0 {
		return sql.ErrNoRows
	} else if err != nil {
		return err
	}
	return nil
}

// FinishRun records the terminal status and outcome counters for a run.
func (s *Store) FinishRun(ctx context.Context, runID, status string, out RunOutcome, errMsg *string) error {
	if runID == "" {
		return fmt.Errorf("run_id must be provided")
	}
	_, err := s.DB.ExecContext(ctx, `
UPDATE runs
SET status=$2,
    total_steps=$3,
    successful_steps=$4,
    failed_step=$5,
    warnings=$6,
    duration_ms=$7,
    error=$8,
    finished_at=NOW()
WHERE id=$1
`, runID, status, out.TotalSteps, out.SuccessfulSteps, out.FailedStep, out.Warnings, out.DurationMS, errMsg)
	if err != nil {
		return err
	}
	metricsOnce.Do(initStoreMetrics)
	if metricsInitErr == nil && runCounter != nil {
		runCounter.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("status", status)))
	}
	return nil
}

// GetRun fetches one run row by id.
func (s *Store) GetRun(ctx context.Context, id string) (RunRecord, bool, error) {
	if id == "" {
		return RunRecord{}, false, fmt.Errorf("run_id must be provided")
	}
	row := s.DB.QueryRowContext(ctx, `
SELECT id, mode, task_name, trigger_source, COALESCE(requested_by::text,''), status, vars,
       total_steps, successful_steps, COALESCE(failed_step,''), warnings, duration_ms,
       error, started_at, finished_at, created_at
FROM runs
WHERE id=$1
`, id)
	rec, err := scanRun(row)
	if err == sql.ErrNoRows {
		return RunRecord{}, false, nil
	}
	if err != nil {
		return RunRecord{}, false, err
	}
	return rec, true, nil
}

// ListRuns returns runs newest first, optionally filtered by mode and
// status. A zero limit defaults to 50.
func (s *Store) ListRuns(ctx context.Context, f RunFilter) ([]RunRecord, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	var rows *sql.Rows
	var err error
	switch {
	case f.Mode == "" && f.Status == "":
		rows, err = s.DB.QueryContext(ctx, `
SELECT id, mode, task_name, trigger_source, COALESCE(requested_by::text,''), status, vars,
       total_steps, successful_steps, COALESCE(failed_step,''), warnings, duration_ms,
       error, started_at, finished_at, created_at
FROM runs
ORDER BY created_at DESC
LIMIT $1
`, limit)
	case f.Status == "":
		rows, err = s.DB.QueryContext(ctx, `
SELECT id, mode, task_name, trigger_source, COALESCE(requested_by::text,''), status, vars,
       total_steps, successful_steps, COALESCE(failed_step,''), warnings, duration_ms,
       error, started_at, finished_at, created_at
FROM runs
WHERE mode=$1
ORDER BY created_at DESC
LIMIT $2
`, f.Mode, limit)
	case f.Mode == "":
		rows, err = s.DB.QueryContext(ctx, `
SELECT id, mode, task_name, trigger_source, COALESCE(requested_by::text,''), status, vars,
       total_steps, successful_steps, COALESCE(failed_step,''), warnings, duration_ms,
       error, started_at, finished_at, created_at
FROM runs
WHERE status=$1
ORDER BY created_at DESC
LIMIT $2
`, f.Status, limit)
	default:
		rows, err = s.DB.QueryContext(ctx, `
SELECT id, mode, task_name, trigger_source, COALESCE(requested_by::text,''), status, vars,
       total_steps, successful_steps, COALESCE(failed_step,''), warnings, duration_ms,
       error, started_at, finished_at, created_at
FROM runs
WHERE mode=$1 AND status=$2
ORDER BY created_at DESC
LIMIT $3
`, f.Mode, f.Status, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// LatestRunTime returns the newest activity timestamp for a mode, nil when
// the mode never ran.
func (s *Store) LatestRunTime(ctx context.Context, mode string) (*time.Time, error) {
	var ts *time.Time
	err := s.DB.QueryRowContext(ctx, `SELECT MAX(COALESCE(finished_at, started_at, created_at)) FROM runs WHERE mode=$1`, mode).Scan(&ts)
	return ts, err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row rowScanner) (RunRecord, error) {
	var rec RunRecord
	var varsB []byte
	var started, finished sql.NullTime
	err := row.Scan(&rec.ID, &rec.Mode, &rec.TaskName, &rec.Trigger, &rec.RequestedBy, &rec.Status, &varsB,
		&rec.TotalSteps, &rec.SuccessfulSteps, &rec.FailedStep, &rec.Warnings, &rec.DurationMS,
		&rec.Error, &started, &finished, &rec.CreatedAt)
	if err != nil {
		return RunRecord{}, err
	}
	if len(varsB) > 0 {
		if err := json.Unmarshal(varsB, &rec.Vars); err != nil {
			return RunRecord{}, fmt.Errorf("unmarshal run vars: %w", err)
		}
	}
	if started.Valid {
		ts := started.Time
		rec.StartedAt = &ts
	}
	if finished.Valid {
		ts := finished.Time
		rec.FinishedAt = &ts
	}
	return rec, nil
}

// Step operations

// InsertRunSteps records the per-step outcomes of a finished run in one
// transaction. Re-recording a run replaces its previous step rows.
func (s *Store) InsertRunSteps(ctx context.Context, runID string, steps []RunStepRecord) error {
	if runID == "" {
		return fmt.Errorf("run_id must be provided")
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM run_steps WHERE run_id=$1`, runID); err != nil {
		return err
	}
	for i, st := range steps {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO run_steps (run_id, step_index, step_name, status, message, attempts, duration_ms, started_at, finished_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
`, runID, i, st.StepName, st.Status, st.Message, st.Attempts, st.DurationMS, st.StartedAt, st.FinishedAt); err != nil {
			return fmt.Errorf("insert step %d (%s): %w", i, st.StepName, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	metricsOnce.Do(initStoreMetrics)
	if metricsInitErr == nil && stepCounter != nil {
		stepCounter.Add(ctx, int64(len(steps)))
	}
	return nil
}

// ListRunSteps returns a run's step rows in execution order.
func (s *Store) ListRunSteps(ctx context.Context, runID string) ([]RunStepRecord, error) {
	if runID == "" {
		return nil, fmt.Errorf("run_id must be provided")
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT run_id, step_index, step_name, status, message, attempts, duration_ms, started_at, finished_at
FROM run_steps
WHERE run_id=$1
ORDER BY step_index
`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RunStepRecord
	for rows.Next() {
		var st RunStepRecord
		if err := rows.Scan(&st.RunID, &st.StepIndex, &st.StepName, &st.Status, &st.Message, &st.Attempts, &st.DurationMS, &st.StartedAt, &st.FinishedAt); err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// Checkpoint index operations

// UpsertCheckpointIndex mirrors one saved checkpoint. Saving the same
// checkpoint id again refreshes its snapshot columns.
func (s *Store) UpsertCheckpointIndex(ctx context.Context, rec CheckpointIndexRecord) error {
	if rec.RunID == "" || rec.CheckpointID == "" {
		return fmt.Errorf("run_id and checkpoint_id must be provided")
	}
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO checkpoint_index (run_id, checkpoint_id, task_name, task_type, step_name, history_length, saved_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)
ON CONFLICT (run_id, checkpoint_id) DO UPDATE SET
  step_name = EXCLUDED.step_name,
  history_length = EXCLUDED.history_length,
  saved_at = EXCLUDED.saved_at
`, rec.RunID, rec.CheckpointID, rec.TaskName, rec.TaskType, rec.StepName, rec.HistoryLength, rec.SavedAt)
	return err
}

// ListCheckpointIndex returns the mirrored checkpoints for a run, newest
// first.
func (s *Store) ListCheckpointIndex(ctx context.Context, runID string) ([]CheckpointIndexRecord, error) {
	if runID == "" {
		return nil, fmt.Errorf("run_id must be provided")
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT run_id, checkpoint_id, task_name, task_type, step_name, history_length, saved_at, created_at
FROM checkpoint_index
WHERE run_id=$1
ORDER BY saved_at DESC
`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CheckpointIndexRecord
	for rows.Next() {
		var rec CheckpointIndexRecord
		if err := rows.Scan(&rec.RunID, &rec.CheckpointID, &rec.TaskName, &rec.TaskType, &rec.StepName, &rec.HistoryLength, &rec.SavedAt, &rec.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// DeleteCheckpointIndex removes one mirrored checkpoint row.
func (s *Store) DeleteCheckpointIndex(ctx context.Context, runID, checkpointID string) error {
	if runID == "" || checkpointID == "" {
		return fmt.Errorf("run_id and checkpoint_id must be provided")
	}
	_, err := s.DB.ExecContext(ctx, `DELETE FROM checkpoint_index WHERE run_id=$1 AND checkpoint_id=$2`, runID, checkpointID)
	return err
}

// PruneCheckpointIndex drops index rows for a task except the given
// surviving checkpoint ids, returning how many rows went. Called after the
// on-disk store cleans up so the mirror does not advertise dead resume
// points.
func (s *Store) PruneCheckpointIndex(ctx context.Context, taskName string, keep []string) (int64, error) {
	if taskName == "" {
		return 0, fmt.Errorf("task_name must be provided")
	}
	if keep == nil {
		keep = []string{}
	}
	res, err := s.DB.ExecContext(ctx, `
DELETE FROM checkpoint_index
WHERE task_name=$1 AND checkpoint_id <> ALL($2)
`, taskName, pq.Array(keep))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
