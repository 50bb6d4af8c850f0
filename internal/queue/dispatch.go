package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"djp.chapter42.de/renderq/internal/event"
	"djp.chapter42.de/renderq/internal/job"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type launch struct {
	ctx     context.Context
	id      string
	token   uint64
	attempt int
	payload json.RawMessage
}

// run is the dispatch loop. It sleeps until woken by a state change or until the next
// backed-off job becomes eligible.
func (q *JobQueue) run(quit <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	for {
		wait := q.dispatch()

		var timer *time.Timer
		var timerC <-chan time.Time
		if wait > 0 {
			timer = time.NewTimer(wait)
			timerC = timer.C
		}

		select {
		case <-q.wake:
		case <-timerC:
		case <-quit:
			if timer != nil {
				timer.Stop()
			}
			return
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// dispatch fills free slots with the earliest eligible pending jobs. It returns how long
// to wait for the next backed-off job, or 0 if only a wake-up can change anything.
func (q *JobQueue) dispatch() time.Duration {
	q.mu.Lock()
	now := time.Now()
	var wait time.Duration
	var launches []launch
	var events []event.Event

	for !q.paused && !q.stopping && q.running < q.concurrency {
		idx, delay := q.nextEligibleLocked(now)
		if idx < 0 {
			wait = delay
			break
		}
		id := q.pending[idx]
		q.pending = append(q.pending[:idx], q.pending[idx+1:]...)

		e := q.jobs[id]
		if err := e.job.Transition(job.StatusRunning, now); err != nil {
			q.log.Error("Dropping job with inconsistent state:", zap.String("job_id", id), zap.Error(err))
			continue
		}
		ctx, cancel := context.WithCancel(context.Background())
		q.seq++
		e.token = q.seq
		e.cancel = cancel
		q.running++
		q.inflight++
		q.held[e.token] = nil

		launches = append(launches, launch{
			ctx:     ctx,
			id:      id,
			token:   e.token,
			attempt: e.job.RetryCount + 1,
			payload: e.job.Payload,
		})
		events = append(events, q.eventLocked(event.JobStarted, e, now))
	}
	if len(launches) > 0 {
		q.commitLocked()
	}
	q.mu.Unlock()

	for i, l := range launches {
		q.log.Debug("Dispatching job:", zap.String("job_id", l.id), zap.Int("attempt", l.attempt))
		q.bus.Emit(events[i])

		q.mu.Lock()
		later := q.held[l.token]
		delete(q.held, l.token)
		q.mu.Unlock()
		q.emit(later)

		if l.ctx.Err() != nil {
			// cancelled before it ever reached the executor
			q.workerDone()
			continue
		}
		go q.execute(l)
	}
	return wait
}

// nextEligibleLocked returns the index of the first pending job whose backoff elapsed,
// or -1 and the shortest remaining backoff.
func (q *JobQueue) nextEligibleLocked(now time.Time) (int, time.Duration) {
	var shortest time.Duration
	for i, id := range q.pending {
		nb := q.jobs[id].notBefore
		if !nb.After(now) {
			return i, 0
		}
		if d := nb.Sub(now); shortest == 0 || d < shortest {
			shortest = d
		}
	}
	return -1, shortest
}

func (q *JobQueue) execute(l launch) {
	defer q.workerDone()

	ctx, span := q.tracer.Start(l.ctx, "queue.attempt", trace.WithAttributes(
		attribute.String("job.id", l.id),
		attribute.Int("job.attempt", l.attempt),
	))
	defer span.End()

	result, err := q.attempt(ctx, l)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	q.finish(l, result, err)
}

// attempt runs one submission. Executor panics are turned into failures so that a broken
// executor cannot take the dispatch loop down.
func (q *JobQueue) attempt(ctx context.Context, l launch) (result json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("executor panicked: %v", r)
		}
	}()

	correlationID, err := q.exec.Submit(ctx, l.payload)
	if err != nil {
		var se *SubmissionError
		if !errors.As(err, &se) && ctx.Err() == nil {
			err = &SubmissionError{Err: err}
		}
		return nil, err
	}

	if !q.attach(l, correlationID) {
		// cancelled while the submission was in flight
		q.mu.Lock()
		q.inflight++
		q.mu.Unlock()
		q.cancelRemote(l.id, correlationID)
		return nil, context.Canceled
	}
	return q.exec.AwaitResult(ctx, correlationID)
}

func (q *JobQueue) attach(l launch, correlationID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.jobs[l.id]
	if !ok || e.token != l.token || e.job.Status != job.StatusRunning {
		return false
	}
	e.job.CorrelationID = correlationID
	q.commitLocked()
	return true
}

// finish applies the attempt's outcome, including the retry policy. Results of attempts
// that no longer own their job are dropped.
func (q *JobQueue) finish(l launch, result json.RawMessage, err error) {
	q.mu.Lock()
	e, ok := q.jobs[l.id]
	if !ok || e.token != l.token || e.job.Status != job.StatusRunning {
		q.mu.Unlock()
		return
	}
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
	q.running--

	now := time.Now()
	var events []event.Event
	retried := false
	if err == nil {
		e.job.Result = result
		_ = e.job.Transition(job.StatusCompleted, now)
		events = append(events, q.eventLocked(event.JobCompleted, e, now))
	} else {
		e.job.Error = err.Error()
		_ = e.job.Transition(job.StatusFailed, now)
		if e.job.RetryCount < q.maxRetries {
			e.job.RetryCount++
			_ = e.job.Transition(job.StatusPending, now)
			e.notBefore = now.Add(q.backoff.CalculateBackoff(e.job.RetryCount))
			// tail, not head: a persistently failing job must not starve the others
			q.pending = append(q.pending, l.id)
			retried = true
			events = append(events, q.eventLocked(event.JobRetry, e, now))
		} else {
			events = append(events, q.eventLocked(event.JobFailed, e, now))
		}
	}
	events = q.appendEmptyLocked(events, now)
	retryCount, duration := e.job.RetryCount, e.job.Duration(now)
	q.commitLocked()
	q.mu.Unlock()

	q.signal()

	switch {
	case err == nil:
		q.log.Info("Job completed:", zap.String("job_id", l.id), zap.Duration("duration", duration), zap.Int("retry_count", retryCount))
	case retried:
		q.log.Warn("Job failed, retrying:", zap.String("job_id", l.id), zap.Int("retry_count", retryCount), zap.Int("max_retries", q.maxRetries), zap.Error(err))
	default:
		q.log.Error("Job failed:", zap.String("job_id", l.id), zap.Int("retry_count", retryCount), zap.Error(err))
	}
	q.emit(events)
}

// cancelRemote asks the executor to stop correlationID without blocking the caller.
// The caller must have counted it in q.inflight.
func (q *JobQueue) cancelRemote(id, correlationID string) {
	go func() {
		defer q.workerDone()
		defer func() {
			if r := recover(); r != nil {
				q.log.Error("Executor panicked while cancelling:", zap.String("job_id", id), zap.Any("panic", r))
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), remoteCancelTimeout)
		defer cancel()
		ok, err := q.exec.Cancel(ctx, correlationID)
		if err != nil || !ok {
			q.log.Warn("Remote cancellation not confirmed:", zap.String("job_id", id), zap.String("correlation_id", correlationID), zap.Error(err))
			return
		}
		q.log.Debug("Remote cancellation accepted:", zap.String("job_id", id), zap.String("correlation_id", correlationID))
	}()
}

func (q *JobQueue) workerDone() {
	q.mu.Lock()
	q.inflight--
	q.commitLocked()
	q.mu.Unlock()
}
