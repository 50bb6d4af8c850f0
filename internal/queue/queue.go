// Package queue schedules workflow jobs onto a bounded number of worker slots against a
// remote Executor, retries failures and reports every transition on an event.Bus.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"djp.chapter42.de/renderq/internal/backoff"
	"djp.chapter42.de/renderq/internal/event"
	"djp.chapter42.de/renderq/internal/job"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	DefaultConcurrency = 3
	DefaultMaxRetries  = 3

	remoteCancelTimeout = 10 * time.Second
	tracerName          = "djp.chapter42.de/renderq/internal/queue"
)

type entry struct {
	job *job.Job
	// token identifies the current attempt across the whole queue, so a late result
	// never lands on a job that was cancelled, cleared or re-added meanwhile.
	token     uint64
	cancel    context.CancelFunc
	notBefore time.Time
}

// JobQueue owns all job state. Every mutation happens under mu; events are emitted after
// the mutation is committed and the lock released.
type JobQueue struct {
	exec    Executor
	bus     *event.Bus
	log     *zap.Logger
	tracer  trace.Tracer
	backoff backoff.Strategy

	defaultConcurrency int
	maxRetries         int

	mu          sync.Mutex
	jobs        map[string]*entry
	order       []string
	pending     []string
	concurrency int
	running     int
	inflight    int // attempt goroutines plus background remote cancels
	seq         uint64
	paused      bool
	stopping    bool
	looping     bool
	idle        bool
	quit        chan struct{}
	loopDone    chan struct{}
	changed     chan struct{}
	// events of jobs whose job_started is not emitted yet, keyed by attempt token
	held map[uint64][]event.Event

	wake chan struct{}
}

type Option func(*JobQueue)

func WithConcurrency(n int) Option {
	return func(q *JobQueue) {
		if n > 0 {
			q.defaultConcurrency = n
		}
	}
}

// WithMaxRetries bounds the attempts beyond the first. Zero disables retries.
func WithMaxRetries(n int) Option {
	return func(q *JobQueue) {
		if n >= 0 {
			q.maxRetries = n
		}
	}
}

func WithBackoff(s backoff.Strategy) Option {
	return func(q *JobQueue) {
		if s != nil {
			q.backoff = s
		}
	}
}

func WithBus(b *event.Bus) Option {
	return func(q *JobQueue) { q.bus = b }
}

func WithLogger(l *zap.Logger) Option {
	return func(q *JobQueue) { q.log = l }
}

func WithTracer(t trace.Tracer) Option {
	return func(q *JobQueue) { q.tracer = t }
}

func New(exec Executor, opts ...Option) *JobQueue {
	q := &JobQueue{
		exec:               exec,
		log:                zap.NewNop(),
		backoff:            backoff.None{},
		defaultConcurrency: DefaultConcurrency,
		maxRetries:         DefaultMaxRetries,
		jobs:               make(map[string]*entry),
		idle:               true,
		changed:            make(chan struct{}),
		held:               make(map[uint64][]event.Event),
		wake:               make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(q)
	}
	if q.bus == nil {
		q.bus = event.NewBus(event.WithLogger(q.log))
	}
	if q.tracer == nil {
		q.tracer = otel.Tracer(tracerName)
	}
	q.concurrency = q.defaultConcurrency
	return q
}

// Bus returns the bus the queue publishes on, for registering listeners.
func (q *JobQueue) Bus() *event.Bus { return q.bus }

// AddJob appends a new pending job to the tail of the FIFO.
func (q *JobQueue) AddJob(id string, payload, metadata json.RawMessage) (job.Job, error) {
	if id == "" {
		return job.Job{}, ErrInvalidJobID
	}

	q.mu.Lock()
	if _, exists := q.jobs[id]; exists {
		q.mu.Unlock()
		return job.Job{}, fmt.Errorf("%w: %s", ErrDuplicateJob, id)
	}
	snap := q.addLocked(id, payload, metadata, time.Now())
	q.commitLocked()
	q.mu.Unlock()

	q.signal()
	q.log.Info("Added job to queue:", zap.String("job_id", id))
	return snap, nil
}

// AddJobs adds one job per payload with ids of the form <prefix>_<index>_<unix>.
// Either all jobs are added or none.
func (q *JobQueue) AddJobs(prefix string, payloads []json.RawMessage) ([]job.Job, error) {
	if prefix == "" {
		prefix = "job"
	}
	now := time.Now()
	ids := make([]string, len(payloads))
	for i := range payloads {
		ids[i] = fmt.Sprintf("%s_%04d_%d", prefix, i, now.Unix())
	}

	q.mu.Lock()
	for _, id := range ids {
		if _, exists := q.jobs[id]; exists {
			q.mu.Unlock()
			return nil, fmt.Errorf("%w: %s", ErrDuplicateJob, id)
		}
	}
	added := make([]job.Job, 0, len(payloads))
	for i, p := range payloads {
		added = append(added, q.addLocked(ids[i], p, nil, now))
	}
	q.commitLocked()
	q.mu.Unlock()

	q.signal()
	q.log.Info("Added jobs to queue:", zap.String("prefix", prefix), zap.Int("count", len(added)))
	return added, nil
}

func (q *JobQueue) addLocked(id string, payload, metadata json.RawMessage, now time.Time) job.Job {
	j := job.New(id, payload, metadata, now)
	q.jobs[id] = &entry{job: j}
	q.order = append(q.order, id)
	q.pending = append(q.pending, id)
	q.idle = false
	return j.Snapshot()
}

// Start begins dispatching. Calling it again only reconfigures the slot count; a value
// <= 0 restores the configured default. Lowering the count does not interrupt running
// jobs: Statistics may report more running jobs than slots until enough of them finish,
// and no job is dispatched before running drops below the new count.
func (q *JobQueue) Start(concurrency int) {
	q.mu.Lock()
	if concurrency <= 0 {
		concurrency = q.defaultConcurrency
	}
	q.concurrency = concurrency
	q.stopping = false
	started := false
	if !q.looping {
		q.looping = true
		q.quit = make(chan struct{})
		q.loopDone = make(chan struct{})
		go q.run(q.quit, q.loopDone)
		started = true
	}
	q.commitLocked()
	q.mu.Unlock()

	q.signal()
	if started {
		q.log.Info("Started job queue:", zap.Int("concurrency", concurrency), zap.Int("max_retries", q.maxRetries))
	} else {
		q.log.Info("Reconfigured job queue:", zap.Int("concurrency", concurrency))
	}
}

// Stop declines any further dispatch. With wait it blocks until all in-flight attempts
// returned or ctx is done; pending jobs stay pending.
func (q *JobQueue) Stop(ctx context.Context, wait bool) error {
	q.mu.Lock()
	q.stopping = true
	wasLooping := q.looping
	quit, done := q.quit, q.loopDone
	q.looping = false
	q.quit = nil
	q.commitLocked()
	q.mu.Unlock()

	q.log.Info("Stopping job queue...", zap.Bool("wait", wait))
	if wasLooping {
		close(quit)
	}
	if !wait {
		return nil
	}

	if wasLooping {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	for {
		q.mu.Lock()
		n := q.inflight
		changed := q.changed
		q.mu.Unlock()

		if n == 0 {
			q.log.Info("Job queue stopped.")
			return nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			q.log.Warn("Timeout waiting for running jobs to finish", zap.Int("in_flight", n))
			return ctx.Err()
		}
	}
}

// Pause halts new dispatch; running jobs are not affected.
func (q *JobQueue) Pause() {
	q.mu.Lock()
	q.paused = true
	q.commitLocked()
	q.mu.Unlock()
	q.log.Info("Job queue paused")
}

func (q *JobQueue) Resume() {
	q.mu.Lock()
	q.paused = false
	q.commitLocked()
	q.mu.Unlock()
	q.signal()
	q.log.Info("Job queue resumed")
}

// CancelJob cancels a pending or running job. It returns false for terminal jobs and
// false with ErrUnknownJob for ids the queue does not know. A running job's slot is
// freed immediately; the remote side is asked to stop in the background.
func (q *JobQueue) CancelJob(id string) (bool, error) {
	q.mu.Lock()
	e, ok := q.jobs[id]
	if !ok {
		q.mu.Unlock()
		return false, fmt.Errorf("%w: %s", ErrUnknownJob, id)
	}

	now := time.Now()
	var correlationID string
	freed := false
	switch e.job.Status {
	case job.StatusPending:
		q.removePendingLocked(id)
	case job.StatusRunning:
		if e.cancel != nil {
			e.cancel()
			e.cancel = nil
		}
		correlationID = e.job.CorrelationID
		if correlationID != "" {
			q.inflight++
		}
		q.running--
		freed = true
	default:
		q.mu.Unlock()
		return false, nil
	}
	if err := e.job.Transition(job.StatusCancelled, now); err != nil {
		// unreachable: pending and running may always be cancelled
		q.mu.Unlock()
		return false, err
	}

	events := []event.Event{q.eventLocked(event.JobCancelled, e, now)}
	events = q.appendEmptyLocked(events, now)
	if held, ok := q.held[e.token]; ok && freed {
		// job_started is still on its way; dispatch emits these right after it
		q.held[e.token] = append(held, events...)
		events = nil
	}
	q.commitLocked()
	q.mu.Unlock()

	if freed {
		q.signal()
	}
	if correlationID != "" {
		q.cancelRemote(id, correlationID)
	}
	q.log.Info("Cancelled job:", zap.String("job_id", id), zap.Bool("was_running", freed))
	q.emit(events)
	return true, nil
}

// Outcome of WaitForCompletion. Remaining lists non-terminal job ids in insertion order.
type Outcome struct {
	Done      bool     `json:"done"`
	Remaining []string `json:"remaining,omitempty"`
}

// WaitForCompletion blocks until every job is terminal or ctx is done. It never cancels
// jobs; a ctx that is already done yields an immediate answer.
func (q *JobQueue) WaitForCompletion(ctx context.Context) Outcome {
	for {
		q.mu.Lock()
		remaining := q.nonTerminalLocked()
		changed := q.changed
		q.mu.Unlock()

		if len(remaining) == 0 {
			return Outcome{Done: true}
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return Outcome{Done: false, Remaining: remaining}
		}
	}
}

// ClearCompleted drops every terminal job and returns how many were removed.
func (q *JobQueue) ClearCompleted() int {
	q.mu.Lock()
	kept := q.order[:0]
	removed := 0
	for _, id := range q.order {
		if q.jobs[id].job.Status.Terminal() {
			delete(q.jobs, id)
			removed++
			continue
		}
		kept = append(kept, id)
	}
	q.order = kept
	q.commitLocked()
	q.mu.Unlock()

	q.log.Info("Cleared completed jobs:", zap.Int("count", removed))
	return removed
}

func (q *JobQueue) Job(id string) (job.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.jobs[id]
	if !ok {
		return job.Job{}, fmt.Errorf("%w: %s", ErrUnknownJob, id)
	}
	return e.job.Snapshot(), nil
}

// Jobs returns all jobs in insertion order.
func (q *JobQueue) Jobs() []job.Job {
	return q.filter(func(job.Status) bool { return true })
}

func (q *JobQueue) JobsByStatus(status job.Status) []job.Job {
	return q.filter(func(s job.Status) bool { return s == status })
}

func (q *JobQueue) filter(match func(job.Status) bool) []job.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]job.Job, 0, len(q.order))
	for _, id := range q.order {
		if e := q.jobs[id]; match(e.job.Status) {
			out = append(out, e.job.Snapshot())
		}
	}
	return out
}

func (q *JobQueue) nonTerminalLocked() []string {
	var ids []string
	for _, id := range q.order {
		if !q.jobs[id].job.Status.Terminal() {
			ids = append(ids, id)
		}
	}
	return ids
}

func (q *JobQueue) removePendingLocked(id string) {
	for i, p := range q.pending {
		if p == id {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			return
		}
	}
}

// commitLocked wakes everyone blocked in WaitForCompletion.
func (q *JobQueue) commitLocked() {
	close(q.changed)
	q.changed = make(chan struct{})
}

func (q *JobQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *JobQueue) eventLocked(kind event.Kind, e *entry, now time.Time) event.Event {
	snap := e.job.Snapshot()
	return event.Event{Kind: kind, Job: &snap, At: now}
}

// appendEmptyLocked adds a QueueEmpty event the first time no job is left to run.
func (q *JobQueue) appendEmptyLocked(events []event.Event, now time.Time) []event.Event {
	if q.idle || q.running > 0 || len(q.pending) > 0 {
		return events
	}
	q.idle = true
	return append(events, event.Event{Kind: event.QueueEmpty, At: now})
}

func (q *JobQueue) emit(events []event.Event) {
	for _, e := range events {
		q.bus.Emit(e)
	}
}
