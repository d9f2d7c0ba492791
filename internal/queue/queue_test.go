package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nightproxy/llmgate/internal/classify"
	"github.com/nightproxy/llmgate/internal/keypool"
)

// fakeKeySource is a minimal KeySource double: always has a key available
// unless exhausted is set, and reports lockout from a configured duration.
type fakeKeySource struct {
	mu        sync.Mutex
	exhausted bool
	lockout   time.Duration
}

func (f *fakeKeySource) Get(service string, family classify.Family) (keypool.Selected, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.exhausted {
		return keypool.Selected{}, keypool.ErrNoAvailableKey
	}
	return keypool.Selected{Hash: "k1", Secret: "sk-1", Service: service}, nil
}

func (f *fakeKeySource) GetLockoutPeriod(service string, family classify.Family) time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lockout
}

func TestAdmitDispatchesWhenKeyAvailable(t *testing.T) {
	src := &fakeKeySource{}
	q := New(src)
	defer q.Close()

	done := make(chan struct{})
	job := &Job{
		Shard: keypool.Shard{Service: "openai", Family: classify.FamilyGPT4},
		User:  UserNormal,
		Ctx:   context.Background(),
		Execute: func(ctx context.Context, key keypool.Selected) (bool, error) {
			if key.Hash != "k1" {
				t.Errorf("unexpected key %+v", key)
			}
			close(done)
			return false, nil
		},
	}
	if err := q.Admit(job); err != nil {
		t.Fatalf("Admit: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("job never dispatched")
	}
}

func TestPriorityOrdering(t *testing.T) {
	src := &fakeKeySource{exhausted: true}
	q := New(src)
	defer q.Close()

	var order []string
	var mu sync.Mutex
	record := func(name string) func(ctx context.Context, key keypool.Selected) (bool, error) {
		return func(ctx context.Context, key keypool.Selected) (bool, error) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return false, nil
		}
	}

	shard := keypool.Shard{Service: "openai", Family: classify.FamilyGPT4}
	_ = q.Admit(&Job{Shard: shard, User: UserNormal, Ctx: context.Background(), Execute: record("normal")})
	_ = q.Admit(&Job{Shard: shard, User: UserTemporary, Ctx: context.Background(), Execute: record("temporary")})
	_ = q.Admit(&Job{Shard: shard, User: UserSpecial, Ctx: context.Background(), Execute: record("special")})

	// Make a key available so the dispatcher can drain the heap.
	src.mu.Lock()
	src.exhausted = false
	src.mu.Unlock()

	time.Sleep(200 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 3 {
		t.Fatalf("expected 3 dispatches, got %d: %v", len(order), order)
	}
	if order[0] != "special" || order[1] != "normal" || order[2] != "temporary" {
		t.Fatalf("unexpected dispatch order: %v", order)
	}
}

func TestCancellationSkipsDispatch(t *testing.T) {
	src := &fakeKeySource{exhausted: true}
	q := New(src)
	defer q.Close()

	ctx, cancel := context.WithCancel(context.Background())
	var executed int32
	var failed int32
	job := &Job{
		Shard: keypool.Shard{Service: "openai", Family: classify.FamilyGPT4},
		User:  UserNormal,
		Ctx:   ctx,
		Execute: func(ctx context.Context, key keypool.Selected) (bool, error) {
			atomic.AddInt32(&executed, 1)
			return false, nil
		},
		Fail: func(err error) {
			atomic.AddInt32(&failed, 1)
		},
	}
	_ = q.Admit(job)
	cancel()

	time.Sleep(100 * time.Millisecond)
	if atomic.LoadInt32(&executed) != 0 {
		t.Fatalf("canceled job should not execute")
	}
	if atomic.LoadInt32(&failed) != 1 {
		t.Fatalf("expected Fail to be called once, got %d", failed)
	}
}

func TestCloseFailsQueuedEntries(t *testing.T) {
	src := &fakeKeySource{exhausted: true}
	q := New(src)

	var failed int32
	job := &Job{
		Shard: keypool.Shard{Service: "openai", Family: classify.FamilyGPT4},
		User:  UserNormal,
		Ctx:   context.Background(),
		Execute: func(ctx context.Context, key keypool.Selected) (bool, error) {
			return false, nil
		},
		Fail: func(err error) {
			if err != ErrShuttingDown {
				t.Errorf("got %v, want ErrShuttingDown", err)
			}
			atomic.AddInt32(&failed, 1)
		},
	}
	_ = q.Admit(job)
	q.Close()

	if atomic.LoadInt32(&failed) != 1 {
		t.Fatalf("expected Fail to be called once on shutdown, got %d", failed)
	}
	if err := q.Admit(job); err != ErrShuttingDown {
		t.Fatalf("Admit after Close: got %v, want ErrShuttingDown", err)
	}
}

func TestRetryStopsAfterMaxAttempts(t *testing.T) {
	src := &fakeKeySource{}
	q := New(src)
	defer q.Close()

	var attempts int32
	var failedWith error
	done := make(chan struct{})
	job := &Job{
		Shard: keypool.Shard{Service: "openai", Family: classify.FamilyGPT4},
		User:  UserNormal,
		Ctx:   context.Background(),
		Execute: func(ctx context.Context, key keypool.Selected) (bool, error) {
			atomic.AddInt32(&attempts, 1)
			return true, context.DeadlineExceeded
		},
		Fail: func(err error) {
			failedWith = err
			close(done)
		},
	}
	_ = q.Admit(job)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Fail after exhausting retries")
	}

	if got := atomic.LoadInt32(&attempts); got != MaxAttempts {
		t.Fatalf("expected exactly %d attempts, got %d", MaxAttempts, got)
	}
	if failedWith != context.DeadlineExceeded {
		t.Fatalf("expected Fail to receive the last execution error, got %v", failedWith)
	}
}
