// Package checkpoint persists pipeline contexts as durable, atomically
// published snapshots and restores them for resumption. One checkpoint is
// one directory: table payloads in CSV with schema sidecars, the rest of
// the context as JSON, and a signed manifest written last as the validity
// marker.
package checkpoint

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNotFound means no valid manifest exists at the requested id.
var ErrNotFound = errors.New("checkpoint not found")

// ErrCorrupt means a manifest exists but it, or a payload it references,
// fails verification.
var ErrCorrupt = errors.New("checkpoint corrupt")

// ID composes the durable checkpoint identity for a snapshot taken after
// the named step.
func ID(taskName, taskType, stepName string) string {
	return fmt.Sprintf("%s_%s_after_%s", sanitize(taskName), sanitize(taskType), sanitize(stepName))
}

// sanitize keeps identifiers safe as directory names.
func sanitize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	return b.String()
}

// Info describes one valid checkpoint, as read from its manifest.
type Info struct {
	ID            string    `json:"id"`
	RunID         string    `json:"run_id"`
	TaskName      string    `json:"task_name"`
	TaskType      string    `json:"task_type"`
	StepName      string    `json:"step_name"`
	SavedAt       time.Time `json:"saved_at"`
	HistoryLength int       `json:"history_length"`
	PrimaryRows   int       `json:"primary_rows"`
	AuxTables     int       `json:"aux_tables"`
	Dir           string    `json:"-"`
}

// Filter narrows a List call. Zero fields match everything.
type Filter struct {
	RunID    string
	TaskName string
	TaskType string
}

func (f Filter) matches(in Info) bool {
	if f.RunID != "" && f.RunID != in.RunID {
		return false
	}
	if f.TaskName != "" && f.TaskName != in.TaskName {
		return false
	}
	if f.TaskType != "" && f.TaskType != in.TaskType {
		return false
	}
	return true
}
