// Package event is the in-process publish/subscribe channel between the job queue and
// its presentation layers. Emission is synchronous; listener failures are isolated.
package event

import (
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"djp.chapter42.de/renderq/internal/job"
	"go.uber.org/zap"
)

type Kind string

const (
	JobStarted   Kind = "job_started"
	JobCompleted Kind = "job_completed"
	JobFailed    Kind = "job_failed"
	JobRetry     Kind = "job_retry"
	JobCancelled Kind = "job_cancelled"
	QueueEmpty   Kind = "queue_empty"
)

// Kinds in emission-independent, stable order.
var Kinds = []Kind{JobStarted, JobCompleted, JobFailed, JobRetry, JobCancelled, QueueEmpty}

func (k Kind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

// Event carries a snapshot of the job taken after the transition committed.
// Job is nil for QueueEmpty.
type Event struct {
	Kind Kind      `json:"event"`
	Job  *job.Job  `json:"job,omitempty"`
	At   time.Time `json:"at"`
}

type Handler func(Event) error

// ListenerError wraps a handler that returned an error or panicked.
type ListenerError struct {
	Kind  Kind
	Err   error
	Panic any
	Stack []byte
}

func (e *ListenerError) Error() string {
	if e.Panic != nil {
		return fmt.Sprintf("listener for %s panicked: %v", e.Kind, e.Panic)
	}
	return fmt.Sprintf("listener for %s failed: %v", e.Kind, e.Err)
}

func (e *ListenerError) Unwrap() error { return e.Err }

type subscription struct {
	id      uint64
	kind    Kind // empty: all kinds
	handler Handler
}

type Bus struct {
	mu     sync.RWMutex
	subs   []subscription
	nextID uint64

	logger  *zap.Logger
	onError func(*ListenerError)
}

type Option func(*Bus)

func WithLogger(l *zap.Logger) Option {
	return func(b *Bus) { b.logger = l }
}

// WithErrorReporter receives every ListenerError in addition to the log line.
func WithErrorReporter(fn func(*ListenerError)) Option {
	return func(b *Bus) { b.onError = fn }
}

func NewBus(opts ...Option) *Bus {
	b := &Bus{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// On registers handler for one kind and returns a func removing it again.
func (b *Bus) On(kind Kind, handler Handler) func() {
	return b.subscribe(kind, handler)
}

// OnAll registers handler for every kind.
func (b *Bus) OnAll(handler Handler) func() {
	return b.subscribe("", handler)
}

func (b *Bus) subscribe(kind Kind, handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if kind != "" && !kind.Valid() {
		b.logger.Warn("Subscribing to unknown event kind:", zap.String("event", string(kind)))
	}

	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscription{id: id, kind: kind, handler: handler})

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(id) })
	}
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.id == id {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			return
		}
	}
}

// Emit calls the matching handlers in registration order on the caller's goroutine.
func (b *Bus) Emit(e Event) {
	if e.At.IsZero() {
		e.At = time.Now()
	}

	b.mu.RLock()
	matching := make([]subscription, 0, len(b.subs))
	for _, s := range b.subs {
		if s.kind == "" || s.kind == e.Kind {
			matching = append(matching, s)
		}
	}
	b.mu.RUnlock()

	for _, s := range matching {
		if lerr := b.invoke(s.handler, e); lerr != nil {
			b.report(lerr, e)
		}
	}
}

func (b *Bus) invoke(h Handler, e Event) (lerr *ListenerError) {
	defer func() {
		if r := recover(); r != nil {
			lerr = &ListenerError{Kind: e.Kind, Panic: r, Stack: debug.Stack()}
		}
	}()
	if err := h(e); err != nil {
		return &ListenerError{Kind: e.Kind, Err: err}
	}
	return nil
}

func (b *Bus) report(lerr *ListenerError, e Event) {
	fields := []zap.Field{zap.String("event", string(e.Kind)), zap.Error(lerr)}
	if e.Job != nil {
		fields = append(fields, zap.String("job_id", e.Job.ID))
	}
	if lerr.Stack != nil {
		fields = append(fields, zap.ByteString("stack", lerr.Stack))
	}
	b.logger.Error("Event listener failed:", fields...)

	if b.onError != nil {
		b.onError(lerr)
	}
}

// Len returns the number of registered handlers.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
