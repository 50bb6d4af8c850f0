package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Executor is the only view the queue has of the remote rendering engine. The engine may
// run a single workflow at a time; the queue merely pipelines submission and polling.
type Executor interface {
	// Submit hands the payload to the engine and returns its correlation id.
	Submit(ctx context.Context, payload json.RawMessage) (string, error)
	// AwaitResult blocks until the submission identified by correlationID succeeded or
	// failed. It reports each correlation id exactly once.
	AwaitResult(ctx context.Context, correlationID string) (json.RawMessage, error)
	// Cancel asks the engine to drop or interrupt the submission. Best-effort.
	Cancel(ctx context.Context, correlationID string) (bool, error)
}

var (
	ErrDuplicateJob = errors.New("job id already exists")
	ErrUnknownJob   = errors.New("unknown job")
	ErrInvalidJobID = errors.New("job id must not be empty")
)

// SubmissionError means the engine never accepted the workflow.
type SubmissionError struct {
	StatusCode int
	Err        error
}

func (e *SubmissionError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("submission failed (status %d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("submission failed: %v", e.Err)
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// RemoteFailure means the engine accepted the workflow but reported an execution error.
type RemoteFailure struct {
	CorrelationID string
	Message       string
}

func (e *RemoteFailure) Error() string {
	return fmt.Sprintf("remote execution %s failed: %s", e.CorrelationID, e.Message)
}
