package job

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Status beschreibt den Lebenszyklus eines Jobs.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

var ErrInvalidTransition = errors.New("invalid job status transition")

// transitions lists the legal successors per status. failed -> pending is the retry path.
var transitions = map[Status][]Status{
	StatusPending: {StatusRunning, StatusCancelled},
	StatusRunning: {StatusCompleted, StatusFailed, StatusCancelled},
	StatusFailed:  {StatusPending},
}

// Terminal reports whether no automatic transition follows s. A failed job only stays
// in StatusFailed once its retries are exhausted.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// CanTransition checks a requested status change against the state machine.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Job ist eine einzelne Einreichung eines Workflows. Payload, Metadata und Result
// werden nie interpretiert.
type Job struct {
	ID            string          `json:"id"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Status        Status          `json:"status"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	StartedAt     *time.Time      `json:"started_at,omitempty"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
	RetryCount    int             `json:"retry_count"`
	Error         string          `json:"error,omitempty"`
	Result        json.RawMessage `json:"result,omitempty"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
}

func New(id string, payload, metadata json.RawMessage, now time.Time) *Job {
	return &Job{
		ID:        id,
		Payload:   payload,
		Metadata:  metadata,
		Status:    StatusPending,
		CreatedAt: now,
	}
}

// Transition validates the change and stamps the matching timestamp. Entering running
// starts a new attempt, so the correlation id and the completion stamp of the previous
// attempt are cleared.
func (j *Job) Transition(to Status, now time.Time) error {
	if !CanTransition(j.Status, to) {
		return fmt.Errorf("%w: %s -> %s (job %s)", ErrInvalidTransition, j.Status, to, j.ID)
	}

	switch to {
	case StatusRunning:
		j.StartedAt = &now
		j.CompletedAt = nil
		j.CorrelationID = ""
	case StatusCompleted, StatusFailed, StatusCancelled:
		j.CompletedAt = &now
	case StatusPending:
		j.CompletedAt = nil
	}
	j.Status = to
	return nil
}

// Duration returns how long the current or last attempt ran.
func (j *Job) Duration(now time.Time) time.Duration {
	if j.StartedAt == nil {
		return 0
	}
	if j.CompletedAt != nil {
		return j.CompletedAt.Sub(*j.StartedAt)
	}
	return now.Sub(*j.StartedAt)
}

// Snapshot returns a deep copy that can leave the queue's lock.
func (j *Job) Snapshot() Job {
	c := *j
	c.Payload = cloneRaw(j.Payload)
	c.Result = cloneRaw(j.Result)
	c.Metadata = cloneRaw(j.Metadata)
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	return c
}

func cloneRaw(r json.RawMessage) json.RawMessage {
	if r == nil {
		return nil
	}
	out := make(json.RawMessage, len(r))
	copy(out, r)
	return out
}
