// Package streams is the run-request bus: JSON envelopes on Redis Streams
// with consumer-group delivery. The API server and the scheduler publish
// run.requested events; workers consume them and answer with run.completed.
package streams

import (
	"encoding/json"
	"fmt"
	"time"
)

// Event types carried on the bus.
const (
	EventRunRequested = "run.requested"
	EventRunCompleted = "run.completed"
)

// PayloadVersion tags envelope payload compatibility.
const PayloadVersion = "v1"

// Envelope is the message wrapper persisted to Redis Streams.
type Envelope struct {
	EventID        string          `json:"event_id"`
	EventType      string          `json:"event_type"`
	OccurredAt     time.Time       `json:"occurred_at"`
	TraceID        string          `json:"trace_id,omitempty"`
	Attempt        int             `json:"attempt"`
	PayloadVersion string          `json:"payload_version"`
	Data           json.RawMessage `json:"data"`
}

// ValidateBasic checks the mandatory envelope fields.
func (e *Envelope) ValidateBasic() error {
	if e.EventID == "" {
		return fmt.Errorf("event_id is required")
	}
	if e.EventType == "" {
		return fmt.Errorf("event_type is required")
	}
	if e.PayloadVersion == "" {
		return fmt.Errorf("payload_version is required")
	}
	if e.Attempt < 0 {
		return fmt.Errorf("attempt must be >= 0")
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	if len(e.Data) == 0 {
		return fmt.Errorf("data payload is required")
	}
	return nil
}

// Marshal returns the JSON encoding of a validated envelope.
func (e *Envelope) Marshal() ([]byte, error) {
	if err := e.ValidateBasic(); err != nil {
		return nil, err
	}
	return json.Marshal(e)
}

// UnmarshalEnvelope parses and validates an envelope.
func UnmarshalEnvelope(b []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return env, fmt.Errorf("unmarshal envelope: %w", err)
	}
	if err := env.ValidateBasic(); err != nil {
		return env, err
	}
	return env, nil
}

// RunRequested asks a worker to execute one pipeline mode. RunID is the
// pre-announced registry id; vars are seeded into the run context.
type RunRequested struct {
	RunID       string            `json:"run_id"`
	Mode        string            `json:"mode"`
	TaskName    string            `json:"task_name,omitempty"`
	Vars        map[string]string `json:"vars,omitempty"`
	Trigger     string            `json:"trigger,omitempty"`
	RequestedBy string            `json:"requested_by,omitempty"`
}

// Validate checks the request payload.
func (r RunRequested) Validate() error {
	if r.RunID == "" {
		return fmt.Errorf("run_id is required")
	}
	if r.Mode == "" {
		return fmt.Errorf("mode is required")
	}
	return nil
}

// RunCompleted reports a finished run back to the bus.
type RunCompleted struct {
	RunID           string `json:"run_id"`
	Mode            string `json:"mode"`
	Status          string `json:"status"`
	TotalSteps      int    `json:"total_steps"`
	SuccessfulSteps int    `json:"successful_steps"`
	FailedStep      string `json:"failed_step,omitempty"`
	Error           string `json:"error,omitempty"`
	DurationMS      int64  `json:"duration_ms"`
}

// Validate checks the completion payload.
func (r RunCompleted) Validate() error {
	if r.RunID == "" {
		return fmt.Errorf("run_id is required")
	}
	if r.Status == "" {
		return fmt.Errorf("status is required")
	}
	return nil
}

// NewEnvelope wraps a payload for the given event type.
func NewEnvelope(eventType string, payload interface{}) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return Envelope{
		EventType:      eventType,
		PayloadVersion: PayloadVersion,
		OccurredAt:     time.Now().UTC(),
		Data:           data,
	}, nil
}

// DecodeRunRequested extracts a validated RunRequested payload.
func (e Envelope) DecodeRunRequested() (RunRequested, error) {
	if e.EventType != EventRunRequested {
		return RunRequested{}, fmt.Errorf("event type %s is not %s", e.EventType, EventRunRequested)
	}
	var p RunRequested
	if err := json.Unmarshal(e.Data, &p); err != nil {
		return RunRequested{}, fmt.Errorf("unmarshal run request: %w", err)
	}
	if err := p.Validate(); err != nil {
		return RunRequested{}, err
	}
	return p, nil
}

// DecodeRunCompleted extracts a validated RunCompleted payload.
func (e Envelope) DecodeRunCompleted() (RunCompleted, error) {
	if e.EventType != EventRunCompleted {
		return RunCompleted{}, fmt.Errorf("event type %s is not %s", e.EventType, EventRunCompleted)
	}
	var p RunCompleted
	if err := json.Unmarshal(e.Data, &p); err != nil {
		return RunCompleted{}, fmt.Errorf("unmarshal run completion: %w", err)
	}
	if err := p.Validate(); err != nil {
		return RunCompleted{}, err
	}
	return p, nil
}
