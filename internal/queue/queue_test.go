package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"djp.chapter42.de/renderq/internal/backoff"
	"djp.chapter42.de/renderq/internal/event"
	"djp.chapter42.de/renderq/internal/job"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func payload(id string) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"job":%q}`, id))
}

func newTestQueue(t *testing.T, exec Executor, opts ...Option) *JobQueue {
	t.Helper()
	opts = append([]Option{WithLogger(zaptest.NewLogger(t))}, opts...)
	q := New(exec, opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = q.Stop(ctx, true)
	})
	return q
}

func waitDone(t *testing.T, q *JobQueue) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out := q.WaitForCompletion(ctx)
	require.True(t, out.Done, "remaining: %v", out.Remaining)
}

func TestAllJobsComplete(t *testing.T) {
	exec := newFakeExecutor()
	exec.delay = func() time.Duration { return 10 * time.Millisecond }
	q := newTestQueue(t, exec, WithConcurrency(2))

	for _, id := range []string{"j1", "j2", "j3"} {
		_, err := q.AddJob(id, payload(id), nil)
		require.NoError(t, err)
	}
	q.Start(0)
	waitDone(t, q)

	s := q.Statistics()
	assert.Equal(t, 3, s.Total)
	assert.Equal(t, 3, s.Completed)
	assert.Zero(t, s.Failed)
	assert.Zero(t, s.Pending)
	assert.Zero(t, s.Running)
	assert.LessOrEqual(t, exec.peak(), int32(2))

	j, err := q.Job("j1")
	require.NoError(t, err)
	assert.Equal(t, job.StatusCompleted, j.Status)
	assert.NotEmpty(t, j.CorrelationID)
	assert.JSONEq(t, `{"outputs":{}}`, string(j.Result))
	require.NotNil(t, j.StartedAt)
	require.NotNil(t, j.CompletedAt)
	assert.GreaterOrEqual(t, j.Duration(time.Now()), 10*time.Millisecond)
}

func TestRetryThenSuccess(t *testing.T) {
	exec := newFakeExecutor()
	exec.outcome = failTimes(2)
	q := newTestQueue(t, exec, WithMaxRetries(3))

	var retries []int
	var mu sync.Mutex
	q.Bus().On(event.JobRetry, func(e event.Event) error {
		mu.Lock()
		defer mu.Unlock()
		retries = append(retries, e.Job.RetryCount)
		return nil
	})

	_, err := q.AddJob("j1", payload("j1"), nil)
	require.NoError(t, err)
	q.Start(1)
	waitDone(t, q)

	j, err := q.Job("j1")
	require.NoError(t, err)
	assert.Equal(t, job.StatusCompleted, j.Status)
	assert.Equal(t, 2, j.RetryCount)
	assert.Len(t, exec.submitted(), 3)

	mu.Lock()
	assert.Equal(t, []int{1, 2}, retries)
	mu.Unlock()
}

func TestRetriesExhausted(t *testing.T) {
	exec := newFakeExecutor()
	exec.outcome = func(string, int) error { return &RemoteFailure{CorrelationID: "x", Message: "node 7 missing"} }
	q := newTestQueue(t, exec, WithMaxRetries(2))

	failed := make(chan job.Job, 1)
	q.Bus().On(event.JobFailed, func(e event.Event) error {
		failed <- *e.Job
		return nil
	})

	_, err := q.AddJob("j1", payload("j1"), nil)
	require.NoError(t, err)
	q.Start(1)
	waitDone(t, q)

	j, err := q.Job("j1")
	require.NoError(t, err)
	assert.Equal(t, job.StatusFailed, j.Status)
	assert.Equal(t, 2, j.RetryCount)
	assert.Contains(t, j.Error, "node 7 missing")
	assert.Len(t, exec.submitted(), 3)

	select {
	case fj := <-failed:
		assert.Equal(t, job.StatusFailed, fj.Status)
	default:
		t.Fatal("job_failed not emitted")
	}

	// terminal: nothing is dispatched again
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, exec.submitted(), 3)
}

func TestSubmissionErrorIsRetried(t *testing.T) {
	exec := newFakeExecutor()
	var calls int
	exec.submit = func(string) error {
		calls++
		if calls == 1 {
			return fmt.Errorf("connection refused")
		}
		return nil
	}
	q := newTestQueue(t, exec, WithMaxRetries(1))

	_, err := q.AddJob("j1", payload("j1"), nil)
	require.NoError(t, err)
	q.Start(1)
	waitDone(t, q)

	j, _ := q.Job("j1")
	assert.Equal(t, job.StatusCompleted, j.Status)
	assert.Equal(t, 1, j.RetryCount)
	assert.Contains(t, j.Error, "submission failed")
}

func TestRetryRequeuesAtTail(t *testing.T) {
	exec := newFakeExecutor()
	exec.outcome = func(p string, attempt int) error {
		if p == string(payload("a")) && attempt == 1 {
			return &RemoteFailure{Message: "flaky"}
		}
		return nil
	}
	q := newTestQueue(t, exec, WithMaxRetries(1))

	for _, id := range []string{"a", "b", "c"} {
		_, err := q.AddJob(id, payload(id), nil)
		require.NoError(t, err)
	}
	q.Start(1)
	waitDone(t, q)

	assert.Equal(t, []string{
		string(payload("a")), string(payload("b")), string(payload("c")), string(payload("a")),
	}, exec.submitted())
}

func TestBackoffDelaysRetry(t *testing.T) {
	exec := newFakeExecutor()
	exec.outcome = failTimes(1)
	q := newTestQueue(t, exec, WithMaxRetries(1), WithBackoff(backoff.Fixed{Delay: 50 * time.Millisecond}))

	var mu sync.Mutex
	var retriedAt, restartedAt time.Time
	q.Bus().On(event.JobRetry, func(e event.Event) error {
		mu.Lock()
		retriedAt = e.At
		mu.Unlock()
		return nil
	})
	q.Bus().On(event.JobStarted, func(e event.Event) error {
		mu.Lock()
		if e.Job.RetryCount == 1 {
			restartedAt = e.At
		}
		mu.Unlock()
		return nil
	})

	_, err := q.AddJob("j1", payload("j1"), nil)
	require.NoError(t, err)
	q.Start(1)
	waitDone(t, q)

	mu.Lock()
	defer mu.Unlock()
	require.False(t, restartedAt.IsZero())
	assert.GreaterOrEqual(t, restartedAt.Sub(retriedAt), 50*time.Millisecond)
}

func TestDuplicateAndInvalidIDs(t *testing.T) {
	q := newTestQueue(t, newFakeExecutor())

	_, err := q.AddJob("j1", payload("j1"), nil)
	require.NoError(t, err)

	_, err = q.AddJob("j1", payload("other"), nil)
	assert.ErrorIs(t, err, ErrDuplicateJob)

	_, err = q.AddJob("", payload("x"), nil)
	assert.ErrorIs(t, err, ErrInvalidJobID)

	assert.Equal(t, 1, q.Statistics().Total)
	j, err := q.Job("j1")
	require.NoError(t, err)
	assert.Equal(t, string(payload("j1")), string(j.Payload))

	_, err = q.Job("missing")
	assert.ErrorIs(t, err, ErrUnknownJob)
}

func TestAddJobsBatch(t *testing.T) {
	q := newTestQueue(t, newFakeExecutor())

	jobs, err := q.AddJobs("render", []json.RawMessage{payload("1"), payload("2")})
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Regexp(t, `^render_0000_\d+$`, jobs[0].ID)
	assert.Regexp(t, `^render_0001_\d+$`, jobs[1].ID)

	// same second, same ids: nothing is added
	_, err = q.AddJobs("render", []json.RawMessage{payload("3")})
	if err != nil {
		assert.ErrorIs(t, err, ErrDuplicateJob)
		assert.Equal(t, 2, q.Statistics().Total)
	}

	defaults, err := q.AddJobs("", []json.RawMessage{payload("4")})
	require.NoError(t, err)
	assert.Regexp(t, `^job_0000_\d+$`, defaults[0].ID)
}

func TestCancelPendingNeverSubmits(t *testing.T) {
	exec := newFakeExecutor()
	q := newTestQueue(t, exec)

	var cancelledEvents int
	q.Bus().On(event.JobCancelled, func(e event.Event) error { cancelledEvents++; return nil })

	_, err := q.AddJob("j1", payload("j1"), nil)
	require.NoError(t, err)

	ok, err := q.CancelJob("j1")
	require.NoError(t, err)
	assert.True(t, ok)

	j, _ := q.Job("j1")
	assert.Equal(t, job.StatusCancelled, j.Status)
	assert.Equal(t, 1, cancelledEvents)

	q.Start(1)
	waitDone(t, q)
	time.Sleep(10 * time.Millisecond)
	assert.Empty(t, exec.submitted())

	ok, err = q.CancelJob("j1")
	assert.NoError(t, err)
	assert.False(t, ok)

	ok, err = q.CancelJob("nope")
	assert.ErrorIs(t, err, ErrUnknownJob)
	assert.False(t, ok)
}

func TestCancelRunningFreesSlot(t *testing.T) {
	exec := newFakeExecutor()
	exec.block = true
	q := newTestQueue(t, exec, WithConcurrency(1))

	started := make(chan string, 4)
	q.Bus().On(event.JobStarted, func(e event.Event) error { started <- e.Job.ID; return nil })

	_, _ = q.AddJob("long", payload("long"), nil)
	_, _ = q.AddJob("next", payload("next"), nil)
	q.Start(0)

	assert.Equal(t, "long", <-started)
	require.Eventually(t, func() bool {
		j, _ := q.Job("long")
		return j.CorrelationID != ""
	}, time.Second, 5*time.Millisecond)

	ok, err := q.CancelJob("long")
	require.NoError(t, err)
	assert.True(t, ok)

	j, _ := q.Job("long")
	assert.Equal(t, job.StatusCancelled, j.Status)

	select {
	case id := <-started:
		assert.Equal(t, "next", id)
	case <-time.After(time.Second):
		t.Fatal("slot was not freed")
	}

	require.Eventually(t, func() bool { return len(exec.cancelled()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, j.CorrelationID, exec.cancelled()[0])

	_, _ = q.CancelJob("next")
	waitDone(t, q)
	assert.Equal(t, 2, q.Statistics().Cancelled)
}

func TestFIFOStartOrder(t *testing.T) {
	exec := newFakeExecutor()
	exec.delay = func() time.Duration { return 5 * time.Millisecond }
	q := newTestQueue(t, exec, WithConcurrency(1))

	for _, id := range []string{"A", "B", "C"} {
		_, _ = q.AddJob(id, payload(id), nil)
	}
	q.Start(0)
	waitDone(t, q)

	a, _ := q.Job("A")
	b, _ := q.Job("B")
	c, _ := q.Job("C")
	assert.True(t, a.StartedAt.Before(*b.StartedAt))
	assert.True(t, b.StartedAt.Before(*c.StartedAt))
	assert.Equal(t, []string{string(payload("A")), string(payload("B")), string(payload("C"))}, exec.submitted())
}

func TestWaitForCompletionZeroTimeout(t *testing.T) {
	q := newTestQueue(t, newFakeExecutor())
	_, _ = q.AddJob("j1", payload("j1"), nil)
	_, _ = q.AddJob("j2", payload("j2"), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 0)
	defer cancel()

	begin := time.Now()
	out := q.WaitForCompletion(ctx)
	assert.Less(t, time.Since(begin), 100*time.Millisecond)
	assert.False(t, out.Done)
	assert.Equal(t, []string{"j1", "j2"}, out.Remaining)

	// waiting never cancels
	j, _ := q.Job("j1")
	assert.Equal(t, job.StatusPending, j.Status)
}

func TestWaitForCompletionEmptyQueue(t *testing.T) {
	q := newTestQueue(t, newFakeExecutor())
	ctx, cancel := context.WithTimeout(context.Background(), 0)
	defer cancel()
	assert.True(t, q.WaitForCompletion(ctx).Done)
}

func TestPauseAndResume(t *testing.T) {
	exec := newFakeExecutor()
	q := newTestQueue(t, exec)

	q.Pause()
	_, _ = q.AddJob("j1", payload("j1"), nil)
	q.Start(2)

	time.Sleep(30 * time.Millisecond)
	assert.Empty(t, exec.submitted())
	s := q.Statistics()
	assert.True(t, s.IsPaused)
	assert.Equal(t, 1, s.Pending)

	q.Resume()
	waitDone(t, q)
	assert.Len(t, exec.submitted(), 1)
}

func TestStopWaitsForRunningJobs(t *testing.T) {
	exec := newFakeExecutor()
	exec.delay = func() time.Duration { return 40 * time.Millisecond }
	q := newTestQueue(t, exec, WithConcurrency(1))

	started := make(chan struct{}, 2)
	q.Bus().On(event.JobStarted, func(e event.Event) error { started <- struct{}{}; return nil })

	_, _ = q.AddJob("j1", payload("j1"), nil)
	_, _ = q.AddJob("j2", payload("j2"), nil)
	q.Start(0)
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, q.Stop(ctx, true))

	j1, _ := q.Job("j1")
	j2, _ := q.Job("j2")
	assert.Equal(t, job.StatusCompleted, j1.Status)
	assert.Equal(t, job.StatusPending, j2.Status)
	assert.False(t, q.Statistics().IsRunning)

	// restart picks up where it left off
	q.Start(0)
	waitDone(t, q)
}

func TestStopWithoutWait(t *testing.T) {
	exec := newFakeExecutor()
	exec.delay = func() time.Duration { return 30 * time.Millisecond }
	q := newTestQueue(t, exec, WithConcurrency(1))

	started := make(chan struct{}, 1)
	q.Bus().On(event.JobStarted, func(e event.Event) error { started <- struct{}{}; return nil })
	_, _ = q.AddJob("j1", payload("j1"), nil)
	q.Start(0)
	<-started

	begin := time.Now()
	require.NoError(t, q.Stop(context.Background(), false))
	assert.Less(t, time.Since(begin), 20*time.Millisecond)

	// in-flight job still finishes
	waitDone(t, q)
}

func TestStopTimesOut(t *testing.T) {
	exec := newFakeExecutor()
	release := make(chan struct{})
	exec.delay = func() time.Duration { <-release; return 0 }
	q := newTestQueue(t, exec)

	started := make(chan struct{}, 1)
	q.Bus().On(event.JobStarted, func(e event.Event) error { started <- struct{}{}; return nil })
	_, _ = q.AddJob("j1", payload("j1"), nil)
	q.Start(1)
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, q.Stop(ctx, true), context.DeadlineExceeded)
	close(release)
}

func TestClearCompleted(t *testing.T) {
	exec := newFakeExecutor()
	exec.outcome = func(p string, _ int) error {
		if p == string(payload("bad")) {
			return &RemoteFailure{Message: "bad workflow"}
		}
		return nil
	}
	q := newTestQueue(t, exec, WithMaxRetries(0))

	_, _ = q.AddJob("ok", payload("ok"), nil)
	_, _ = q.AddJob("bad", payload("bad"), nil)
	_, _ = q.AddJob("gone", payload("gone"), nil)
	_, _ = q.CancelJob("gone")
	q.Start(2)
	waitDone(t, q)

	q.Pause()
	_, _ = q.AddJob("later", payload("later"), nil)

	assert.Equal(t, 3, q.ClearCompleted())
	s := q.Statistics()
	assert.Equal(t, 1, s.Total)
	assert.Equal(t, 1, s.Pending)

	jobs := q.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, "later", jobs[0].ID)

	// cleared ids may be reused
	_, err := q.AddJob("ok", payload("ok"), nil)
	assert.NoError(t, err)
}

func TestJobsByStatus(t *testing.T) {
	q := newTestQueue(t, newFakeExecutor())
	_, _ = q.AddJob("a", payload("a"), json.RawMessage(`{"owner":"ui"}`))
	_, _ = q.AddJob("b", payload("b"), nil)
	_, _ = q.CancelJob("b")

	pending := q.JobsByStatus(job.StatusPending)
	require.Len(t, pending, 1)
	assert.Equal(t, "a", pending[0].ID)
	assert.JSONEq(t, `{"owner":"ui"}`, string(pending[0].Metadata))
	assert.Len(t, q.JobsByStatus(job.StatusCancelled), 1)
	assert.Len(t, q.Jobs(), 2)
}

func TestQueueEmptyEmittedOnce(t *testing.T) {
	exec := newFakeExecutor()
	q := newTestQueue(t, exec, WithConcurrency(3))

	var mu sync.Mutex
	var empties int
	q.Bus().On(event.QueueEmpty, func(e event.Event) error {
		mu.Lock()
		empties++
		mu.Unlock()
		assert.Nil(t, e.Job)
		return nil
	})

	for i := 0; i < 5; i++ {
		_, _ = q.AddJob(fmt.Sprintf("j%d", i), payload(fmt.Sprint(i)), nil)
	}
	q.Start(0)
	waitDone(t, q)
	require.Eventually(t, func() bool { mu.Lock(); defer mu.Unlock(); return empties == 1 }, time.Second, 5*time.Millisecond)

	_, _ = q.AddJob("again", payload("again"), nil)
	waitDone(t, q)
	require.Eventually(t, func() bool { mu.Lock(); defer mu.Unlock(); return empties == 2 }, time.Second, 5*time.Millisecond)
}

func TestEventsObserveCommittedState(t *testing.T) {
	exec := newFakeExecutor()
	q := newTestQueue(t, exec)

	var mu sync.Mutex
	var seen []string
	check := func(e event.Event) error {
		j, err := q.Job(e.Job.ID)
		assert.NoError(t, err)
		mu.Lock()
		seen = append(seen, fmt.Sprintf("%s:%s", e.Kind, j.Status))
		mu.Unlock()
		return nil
	}
	q.Bus().On(event.JobStarted, check)
	q.Bus().On(event.JobCompleted, check)

	_, _ = q.AddJob("j1", payload("j1"), nil)
	q.Start(1)
	waitDone(t, q)

	require.Eventually(t, func() bool { mu.Lock(); defer mu.Unlock(); return len(seen) == 2 }, time.Second, 5*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "job_completed:completed", seen[1])
}

func TestFailingListenerDoesNotStallDispatch(t *testing.T) {
	exec := newFakeExecutor()
	var reported int
	var mu sync.Mutex
	bus := event.NewBus(event.WithErrorReporter(func(*event.ListenerError) {
		mu.Lock()
		reported++
		mu.Unlock()
	}))
	q := newTestQueue(t, exec, WithBus(bus))

	bus.On(event.JobStarted, func(e event.Event) error { panic("ui crashed") })
	bus.On(event.JobCompleted, func(e event.Event) error { return fmt.Errorf("socket closed") })

	for i := 0; i < 4; i++ {
		_, _ = q.AddJob(fmt.Sprintf("j%d", i), payload(fmt.Sprint(i)), nil)
	}
	q.Start(2)
	waitDone(t, q)

	assert.Equal(t, 4, q.Statistics().Completed)
	require.Eventually(t, func() bool { mu.Lock(); defer mu.Unlock(); return reported == 8 }, time.Second, 5*time.Millisecond)
}

func TestExecutorPanicBecomesFailure(t *testing.T) {
	exec := newFakeExecutor()
	exec.outcome = func(p string, _ int) error {
		if p == string(payload("boom")) {
			panic("nil map")
		}
		return nil
	}
	q := newTestQueue(t, exec, WithMaxRetries(0))

	_, _ = q.AddJob("boom", payload("boom"), nil)
	_, _ = q.AddJob("fine", payload("fine"), nil)
	q.Start(1)
	waitDone(t, q)

	boom, _ := q.Job("boom")
	fine, _ := q.Job("fine")
	assert.Equal(t, job.StatusFailed, boom.Status)
	assert.Contains(t, boom.Error, "executor panicked")
	assert.Equal(t, job.StatusCompleted, fine.Status)
}

func TestStartReconfiguresConcurrency(t *testing.T) {
	exec := newFakeExecutor()
	exec.delay = func() time.Duration { return 5 * time.Millisecond }
	q := newTestQueue(t, exec, WithConcurrency(1))

	q.Start(0)
	assert.Equal(t, 1, q.Statistics().Concurrency)
	q.Start(4)
	q.Start(4)
	s := q.Statistics()
	assert.Equal(t, 4, s.Concurrency)
	assert.True(t, s.IsRunning)

	for i := 0; i < 8; i++ {
		_, _ = q.AddJob(fmt.Sprintf("j%d", i), payload(fmt.Sprint(i)), nil)
	}
	waitDone(t, q)
	assert.LessOrEqual(t, exec.peak(), int32(4))
}

// Randomized completion timing and interleaved submissions must never push the number of
// simultaneous executor calls above the slot count.
func TestConcurrencyCeilingUnderRandomTiming(t *testing.T) {
	for _, slots := range []int{1, 2, 5} {
		t.Run(fmt.Sprintf("slots=%d", slots), func(t *testing.T) {
			rng := rand.New(rand.NewSource(int64(slots)))
			var rngMu sync.Mutex
			exec := newFakeExecutor()
			exec.delay = func() time.Duration {
				rngMu.Lock()
				defer rngMu.Unlock()
				return time.Duration(rng.Intn(3000)) * time.Microsecond
			}
			exec.outcome = func(_ string, attempt int) error {
				rngMu.Lock()
				defer rngMu.Unlock()
				if attempt == 1 && rng.Intn(4) == 0 {
					return &RemoteFailure{Message: "random"}
				}
				return nil
			}
			q := newTestQueue(t, exec, WithConcurrency(slots), WithMaxRetries(1))

			var violations int
			var vmu sync.Mutex
			q.Bus().OnAll(func(e event.Event) error {
				if s := q.Statistics(); s.Running > slots {
					vmu.Lock()
					violations++
					vmu.Unlock()
				}
				return nil
			})

			q.Start(0)
			added := 0
			for batch := 0; batch < 5; batch++ {
				for i := 0; i < 10; i++ {
					id := fmt.Sprintf("b%d-%d", batch, i)
					_, err := q.AddJob(id, payload(id), nil)
					require.NoError(t, err)
					added++
				}
				time.Sleep(time.Duration(batch) * time.Millisecond)
			}
			waitDone(t, q)

			s := q.Statistics()
			assert.Equal(t, added, s.Total)
			assert.Equal(t, added, s.Completed)
			assert.LessOrEqual(t, exec.peak(), int32(slots))
			assert.Zero(t, violations)
		})
	}
}

func TestTotalTracksAddsMinusClears(t *testing.T) {
	exec := newFakeExecutor()
	q := newTestQueue(t, exec)
	q.Start(2)

	expected := 0
	for round := 0; round < 4; round++ {
		for i := 0; i < 3+round; i++ {
			_, err := q.AddJob(fmt.Sprintf("r%d-%d", round, i), payload("x"), nil)
			require.NoError(t, err)
			expected++
		}
		assert.Equal(t, expected, q.Statistics().Total)
		if round%2 == 1 {
			waitDone(t, q)
			expected -= q.ClearCompleted()
			assert.Equal(t, expected, q.Statistics().Total)
		}
	}
}

func TestLoweringConcurrencyDrainsBeforeDispatch(t *testing.T) {
	exec := newFakeExecutor()
	exec.delay = func() time.Duration { return 100 * time.Millisecond }
	q := newTestQueue(t, exec)

	var lowered atomic.Bool
	var overbooked int32
	q.Bus().On(event.JobStarted, func(e event.Event) error {
		if lowered.Load() && q.Statistics().Running > 1 {
			atomic.AddInt32(&overbooked, 1)
		}
		return nil
	})

	for i := 0; i < 6; i++ {
		id := fmt.Sprintf("j%d", i)
		_, err := q.AddJob(id, payload(id), nil)
		require.NoError(t, err)
	}
	q.Start(4)
	require.Eventually(t, func() bool { return q.Statistics().Running == 4 }, time.Second, 2*time.Millisecond)

	lowered.Store(true)
	q.Start(1)
	s := q.Statistics()
	assert.Equal(t, 1, s.Concurrency)
	// running jobs are not interrupted, so the count may exceed the new slot count
	assert.Greater(t, s.Running, s.Concurrency)

	waitDone(t, q)
	assert.Zero(t, atomic.LoadInt32(&overbooked))
	assert.Equal(t, 6, q.Statistics().Completed)
}

func TestRestartAfterStopTimeout(t *testing.T) {
	exec := newFakeExecutor()
	exec.delay = func() time.Duration { return 80 * time.Millisecond }
	q := newTestQueue(t, exec, WithConcurrency(1))

	started := make(chan struct{}, 8)
	q.Bus().On(event.JobStarted, func(e event.Event) error { started <- struct{}{}; return nil })

	_, _ = q.AddJob("slow", payload("slow"), nil)
	q.Start(0)
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, q.Stop(ctx, true), context.DeadlineExceeded)

	q.Start(0)
	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("again%d", i)
		_, err := q.AddJob(id, payload(id), nil)
		require.NoError(t, err)
	}
	waitDone(t, q)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer stopCancel()
	require.NoError(t, q.Stop(stopCtx, true))
	assert.Equal(t, 4, q.Statistics().Completed)
}

func TestCancelWhileStartingKeepsEventOrder(t *testing.T) {
	exec := newFakeExecutor()
	q := newTestQueue(t, exec, WithConcurrency(1))

	// registered first, so it cancels before later listeners saw job_started
	q.Bus().On(event.JobStarted, func(e event.Event) error {
		_, err := q.CancelJob(e.Job.ID)
		return err
	})
	var mu sync.Mutex
	var seen []event.Kind
	q.Bus().OnAll(func(e event.Event) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, e.Kind)
		return nil
	})

	_, _ = q.AddJob("j1", payload("j1"), nil)
	q.Start(0)
	waitDone(t, q)

	require.Eventually(t, func() bool { mu.Lock(); defer mu.Unlock(); return len(seen) == 3 }, time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.Equal(t, []event.Kind{event.JobStarted, event.JobCancelled, event.QueueEmpty}, seen)
	mu.Unlock()
	assert.Empty(t, exec.submitted())
}
