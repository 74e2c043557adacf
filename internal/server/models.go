package server

import "time"

// HTTPError is the error envelope every handler returns.
type HTTPError struct {
	Error string `json:"error"`
}

// AuthSignupRequest represents the signup payload.
type AuthSignupRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// AuthLoginRequest represents the login payload.
type AuthLoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// TokenResponse carries a bearer token.
type TokenResponse struct {
	Token string `json:"token"`
}

// MeResponse returns the current authenticated user id.
type MeResponse struct {
	UserID string `json:"user_id"`
}

// TriggerRunRequest asks for one pipeline mode to be queued.
type TriggerRunRequest struct {
	Mode string            `json:"mode"`
	Vars map[string]string `json:"vars,omitempty"`
}

// TriggerRunResponse acknowledges a queued run.
type TriggerRunResponse struct {
	RunID  string `json:"run_id"`
	Mode   string `json:"mode"`
	Status string `json:"status"`
}

// RunResponse is one registry row.
type RunResponse struct {
	ID              string            `json:"id"`
	Mode            string            `json:"mode"`
	TaskName        string            `json:"task_name"`
	Trigger         string            `json:"trigger"`
	Status          string            `json:"status"`
	Vars            map[string]string `json:"vars,omitempty"`
	TotalSteps      int               `json:"total_steps"`
	SuccessfulSteps int               `json:"successful_steps"`
	FailedStep      string            `json:"failed_step,omitempty"`
	Warnings        int               `json:"warnings"`
	DurationMS      int64             `json:"duration_ms"`
	Error           *string           `json:"error,omitempty"`
	StartedAt       *time.Time        `json:"started_at,omitempty"`
	FinishedAt      *time.Time        `json:"finished_at,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
}

// RunStepResponse is one step outcome within a run.
type RunStepResponse struct {
	StepIndex  int       `json:"step_index"`
	StepName   string    `json:"step_name"`
	Status     string    `json:"status"`
	Message    string    `json:"message,omitempty"`
	Attempts   int       `json:"attempts"`
	DurationMS int64     `json:"duration_ms"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// RunDetailResponse is a run with its step records.
type RunDetailResponse struct {
	Run   RunResponse       `json:"run"`
	Steps []RunStepResponse `json:"steps,omitempty"`
}

// ResumeRunRequest continues an interrupted run from a checkpoint. Empty
// fields mean "newest": the latest checkpoint overall, or the latest for
// the given run.
type ResumeRunRequest struct {
	RunID        string `json:"run_id,omitempty"`
	CheckpointID string `json:"checkpoint_id,omitempty"`
	StartFrom    string `json:"start_from,omitempty"`
}

// ResumeRunResponse reports the outcome of a synchronous resume.
type ResumeRunResponse struct {
	RunID           string   `json:"run_id"`
	Mode            string   `json:"mode"`
	Success         bool     `json:"success"`
	TotalSteps      int      `json:"total_steps"`
	SuccessfulSteps int      `json:"successful_steps"`
	FailedStep      string   `json:"failed_step,omitempty"`
	Errors          []string `json:"errors,omitempty"`
	DurationMS      int64    `json:"duration_ms"`
}

// CheckpointResponse describes one stored resume point.
type CheckpointResponse struct {
	ID            string    `json:"id"`
	RunID         string    `json:"run_id"`
	TaskName      string    `json:"task_name"`
	TaskType      string    `json:"task_type"`
	StepName      string    `json:"step_name"`
	SavedAt       time.Time `json:"saved_at"`
	HistoryLength int       `json:"history_length"`
	PrimaryRows   int       `json:"primary_rows"`
	AuxTables     int       `json:"aux_tables"`
}

// CleanupResponse reports how many checkpoint runs were removed.
type CleanupResponse struct {
	Removed int `json:"removed"`
}

// QueueLagResponse reports the run-request stream's consumer-group backlog.
type QueueLagResponse struct {
	Stream       string `json:"stream"`
	Group        string `json:"group"`
	Pending      int64  `json:"pending"`
	Lag          int64  `json:"lag"`
	Consumers    int64  `json:"consumers"`
	OldestIdleMS int64  `json:"oldest_idle_ms"`
}

// SearchHitResponse is one audit index match.
type SearchHitResponse struct {
	ID     string                 `json:"id"`
	Score  float64                `json:"score"`
	Fields map[string]interface{} `json:"fields,omitempty"`
}

// SearchResponse wraps history search results.
type SearchResponse struct {
	Query string              `json:"query"`
	Total uint64              `json:"total"`
	Hits  []SearchHitResponse `json:"hits"`
}
