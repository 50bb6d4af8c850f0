package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// fakeExecutor simulates the remote engine. outcome decides the result of attempt n
// (1-based) for a payload; delay is how long AwaitResult takes.
type fakeExecutor struct {
	mu       sync.Mutex
	nextID   int
	payloads map[string]string
	attempts map[string]int
	submits  []string
	cancels  []string

	delay   func() time.Duration
	outcome func(payload string, attempt int) error
	submit  func(payload string) error
	block   bool

	inflight    int32
	maxInflight int32
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{
		payloads: make(map[string]string),
		attempts: make(map[string]int),
	}
}

func (f *fakeExecutor) Submit(ctx context.Context, payload json.RawMessage) (string, error) {
	n := atomic.AddInt32(&f.inflight, 1)
	for {
		max := atomic.LoadInt32(&f.maxInflight)
		if n <= max || atomic.CompareAndSwapInt32(&f.maxInflight, max, n) {
			break
		}
	}

	f.mu.Lock()
	f.submits = append(f.submits, string(payload))
	f.attempts[string(payload)]++
	submitFn := f.submit
	f.nextID++
	id := fmt.Sprintf("prompt-%d", f.nextID)
	f.payloads[id] = string(payload)
	f.mu.Unlock()

	if submitFn != nil {
		if err := submitFn(string(payload)); err != nil {
			atomic.AddInt32(&f.inflight, -1)
			return "", err
		}
	}
	return id, nil
}

func (f *fakeExecutor) AwaitResult(ctx context.Context, correlationID string) (json.RawMessage, error) {
	defer atomic.AddInt32(&f.inflight, -1)

	f.mu.Lock()
	payload := f.payloads[correlationID]
	attempt := f.attempts[payload]
	f.mu.Unlock()

	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.delay != nil {
		select {
		case <-time.After(f.delay()):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.outcome != nil {
		if err := f.outcome(payload, attempt); err != nil {
			return nil, err
		}
	}
	return json.RawMessage(`{"outputs":{}}`), nil
}

func (f *fakeExecutor) Cancel(ctx context.Context, correlationID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels = append(f.cancels, correlationID)
	return true, nil
}

func (f *fakeExecutor) peak() int32 {
	return atomic.LoadInt32(&f.maxInflight)
}

func (f *fakeExecutor) submitted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.submits...)
}

func (f *fakeExecutor) cancelled() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.cancels...)
}

var errRender = errors.New("CUDA out of memory")

func failTimes(n int) func(string, int) error {
	return func(_ string, attempt int) error {
		if attempt <= n {
			return &RemoteFailure{Message: errRender.Error()}
		}
		return nil
	}
}
