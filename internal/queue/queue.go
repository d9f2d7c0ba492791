// Package queue implements the gateway's request admission queue: one FIFO
// priority queue per (service, modelFamily) shard, dispatched only while a
// key is available and the shard is not locked out, with heartbeat
// keep-alives for streaming requests that stay queued past HeartbeatAfter. A job that asks
// to be retried is re-enqueued at most MaxAttempts times before the queue
// gives up and surfaces the error.
//
// The dispatch loop's polling-ticker shape mirrors the background probe
// goroutine in internal/proxy/healthchecker.go (ticker + done channel); a
// true condition-variable wakeup on key-pool mutation was considered but a
// short poll interval is simpler to reason about under cancellation and
// costs nothing observable at gateway scale.
package queue

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/nightproxy/llmgate/internal/classify"
	"github.com/nightproxy/llmgate/internal/keypool"
)

// ErrShuttingDown is returned by Admit once the queue has been closed.
var ErrShuttingDown = errors.New("queue: shutting down")

// ErrCanceled is delivered to a job's result channel when the caller's
// context is done before dispatch.
var ErrCanceled = errors.New("queue: canceled before dispatch")

// UserType mirrors the three priority tiers from the data model.
type UserType int

const (
	UserTemporary UserType = iota
	UserNormal
	UserSpecial
)

// pollInterval is how often a shard's dispatcher re-evaluates lockout and
// key availability while its head is blocked.
const pollInterval = 25 * time.Millisecond

// HeartbeatAfter is how long a streaming request may sit queued before the
// queue starts emitting keep-alive ticks via the job's Heartbeat callback.
const HeartbeatAfter = 10 * time.Second

const heartbeatInterval = 5 * time.Second

// MaxAttempts bounds how many times a job's Execute may run (the first
// attempt plus retries) before the queue gives up and surfaces the last
// error via Fail instead of re-enqueuing — mirrors the "retry up to 3x,
// then surface" rule in providers.MaxRetries (internal/providers/provider.go),
// applied here at the queue level rather than the per-provider failover level.
const MaxAttempts = 3

// KeySource abstracts the Key Pool operations the queue depends on, so
// tests can substitute a fake without constructing a real pool.
type KeySource interface {
	Get(service string, family classify.Family) (keypool.Selected, error)
	GetLockoutPeriod(service string, family classify.Family) time.Duration
}

// Job is one admitted unit of work. Execute is invoked once a key has been
// selected for the job's shard; it returns retry=true if the caller wants
// the job re-enqueued (e.g., the upstream returned 429 after dispatch).
// Heartbeat, if non-nil, is called periodically while the job waits in the
// queue past HeartbeatAfter.
type Job struct {
	Shard       keypool.Shard
	User        UserType
	IsStreaming bool
	Ctx         context.Context
	Heartbeat   func()
	Execute     func(ctx context.Context, key keypool.Selected) (retry bool, err error)
	// Fail is invoked instead of Execute when the job is dropped before
	// dispatch (client cancellation or queue shutdown), and with the last
	// error once Execute has asked for a retry MaxAttempts times.
	Fail func(err error)

	arrival  time.Time
	index    int // heap bookkeeping
	attempts int // Execute calls so far, for MaxAttempts
}

// less reports whether job a must run before job b, per spec: special >
// normal > temporary; streaming > blocking; earlier arrival > later.
func less(a, b *Job) bool {
	if a.User != b.User {
		return a.User > b.User // higher UserType constant = higher priority
	}
	if a.IsStreaming != b.IsStreaming {
		return a.IsStreaming
	}
	return a.arrival.Before(b.arrival)
}

// jobHeap is a container/heap priority queue of *Job. container/heap is the
// standard-library choice here because no example repo in the corpus ships
// a priority-queue library — see DESIGN.md.
type jobHeap []*Job

func (h jobHeap) Len() int            { return len(h) }
func (h jobHeap) Less(i, j int) bool  { return less(h[i], h[j]) }
func (h jobHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *jobHeap) Push(x interface{}) { j := x.(*Job); j.index = len(*h); *h = append(*h, j) }
func (h *jobHeap) Pop() interface{} {
	old := *h
	n := len(old)
	j := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return j
}

type shard struct {
	mu      sync.Mutex
	heap    jobHeap
	closeCh chan struct{}
	started bool
}

// Queue is the gateway's admission queue, sharded by (service, family).
type Queue struct {
	keys KeySource

	mu       sync.Mutex
	shards   map[string]*shard
	draining bool
	wg       sync.WaitGroup
}

// New constructs a Queue backed by the given key source.
func New(keys KeySource) *Queue {
	return &Queue{keys: keys, shards: make(map[string]*shard)}
}

func shardKey(s keypool.Shard) string { return s.Service + "\x00" + string(s.Family) }

// Admit enqueues job and starts its shard's dispatcher if not already
// running. It returns immediately; the job's Execute runs asynchronously.
// If the queue is draining, it returns ErrShuttingDown without enqueuing.
func (q *Queue) Admit(job *Job) error {
	q.mu.Lock()
	if q.draining {
		q.mu.Unlock()
		return ErrShuttingDown
	}
	sk := shardKey(job.Shard)
	sh, ok := q.shards[sk]
	if !ok {
		sh = &shard{closeCh: make(chan struct{})}
		q.shards[sk] = sh
	}
	q.mu.Unlock()

	job.arrival = time.Now()

	sh.mu.Lock()
	heap.Push(&sh.heap, job)
	needStart := !sh.started
	if needStart {
		sh.started = true
	}
	sh.mu.Unlock()

	if job.IsStreaming && job.Heartbeat != nil {
		q.wg.Add(1)
		go q.heartbeatLoop(sh, job)
	}

	if needStart {
		q.wg.Add(1)
		go q.dispatchLoop(job.Shard, sh)
	}
	return nil
}

func (q *Queue) heartbeatLoop(sh *shard, job *Job) {
	defer q.wg.Done()
	timer := time.NewTimer(HeartbeatAfter)
	defer timer.Stop()

	select {
	case <-job.Ctx.Done():
		return
	case <-sh.closeCh:
		return
	case <-timer.C:
	}

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-job.Ctx.Done():
			return
		case <-sh.closeCh:
			return
		case <-ticker.C:
			if q.stillQueued(sh, job) {
				job.Heartbeat()
			} else {
				return
			}
		}
	}
}

func (q *Queue) stillQueued(sh *shard, job *Job) bool {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return job.index >= 0 && job.index < len(sh.heap) && sh.heap[job.index] == job
}

func (q *Queue) dispatchLoop(shardID keypool.Shard, sh *shard) {
	defer q.wg.Done()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sh.closeCh:
			q.failAll(sh, ErrShuttingDown)
			return
		case <-ticker.C:
		}

		for {
			sh.mu.Lock()
			if sh.heap.Len() == 0 {
				sh.mu.Unlock()
				break
			}
			head := sh.heap[0]

			select {
			case <-head.Ctx.Done():
				heap.Pop(&sh.heap)
				sh.mu.Unlock()
				if head.Fail != nil {
					head.Fail(ErrCanceled)
				}
				continue
			default:
			}

			if q.keys.GetLockoutPeriod(shardID.Service, shardID.Family) > 0 {
				sh.mu.Unlock()
				break
			}

			key, err := q.keys.Get(shardID.Service, shardID.Family)
			if errors.Is(err, keypool.ErrNoAvailableKey) {
				sh.mu.Unlock()
				break
			}
			heap.Pop(&sh.heap)
			sh.mu.Unlock()

			head.attempts++
			retry, execErr := head.Execute(head.Ctx, key)
			if retry && head.attempts < MaxAttempts {
				head.arrival = time.Now()
				sh.mu.Lock()
				heap.Push(&sh.heap, head)
				sh.mu.Unlock()
				continue
			}
			if retry && head.Fail != nil {
				// Attempts exhausted — surface the last error instead of
				// looping on a persistently failing upstream.
				head.Fail(execErr)
			}
			_ = execErr // otherwise surfaced to the client by Execute itself
		}
	}
}

func (q *Queue) failAll(sh *shard, err error) {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	for sh.heap.Len() > 0 {
		job := heap.Pop(&sh.heap).(*Job)
		if job.Fail != nil {
			job.Fail(err)
		}
	}
}

// Depth returns the number of jobs currently queued across all shards.
func (q *Queue) Depth() int {
	q.mu.Lock()
	shards := make([]*shard, 0, len(q.shards))
	for _, s := range q.shards {
		shards = append(shards, s)
	}
	q.mu.Unlock()

	total := 0
	for _, s := range shards {
		s.mu.Lock()
		total += s.heap.Len()
		s.mu.Unlock()
	}
	return total
}

// Close drains the queue: denies new admissions and fails every queued
// entry. It blocks until all dispatcher and heartbeat goroutines exit.
func (q *Queue) Close() {
	q.mu.Lock()
	q.draining = true
	shards := make([]*shard, 0, len(q.shards))
	for _, s := range q.shards {
		shards = append(shards, s)
	}
	q.mu.Unlock()

	for _, s := range shards {
		close(s.closeCh)
	}
	q.wg.Wait()
}
