package pipeline

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/uwb.locator/internal/uwb/ranging"
)

// Policy decides what Push does when the queue is full.
type Policy string

const (
	// PolicyDropOldest evicts the oldest queued sample to make room.
	PolicyDropOldest Policy = "drop_oldest"
	// PolicyBlock waits up to the block timeout for room, then drops the
	// new sample.
	PolicyBlock Policy = "block"
)

const (
	DefaultQueueSize    = 256
	DefaultBlockTimeout = 100 * time.Millisecond
)

// ParsePolicy validates a policy name. The empty string selects
// PolicyDropOldest.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case "", PolicyDropOldest:
		return PolicyDropOldest, nil
	case PolicyBlock:
		return PolicyBlock, nil
	}
	return "", fmt.Errorf("invalid queue policy %q (want %q or %q)", s, PolicyDropOldest, PolicyBlock)
}

// QueueStats is a snapshot of queue counters.
type QueueStats struct {
	Pushed  uint64 `json:"pushed"`
	Sent    uint64 `json:"sent"`
	Dropped uint64 `json:"dropped"`
	Queued  int    `json:"queued"`
}

// Queue is a bounded multi-producer, single-consumer sample channel.
type Queue struct {
	ch      chan ranging.Sample
	policy  Policy
	timeout time.Duration

	// evictMu serialises the evict-then-send sequence of drop-oldest
	// producers.
	evictMu sync.Mutex

	pushed  atomic.Uint64
	sent    atomic.Uint64
	dropped atomic.Uint64
}

// NewQueue returns a queue holding at most size samples.
func NewQueue(size int, policy Policy, blockTimeout time.Duration) *Queue {
	if size <= 0 {
		size = DefaultQueueSize
	}
	if policy == "" {
		policy = PolicyDropOldest
	}
	if blockTimeout <= 0 {
		blockTimeout = DefaultBlockTimeout
	}
	return &Queue{
		ch:      make(chan ranging.Sample, size),
		policy:  policy,
		timeout: blockTimeout,
	}
}

// C is the consumer side of the queue.
func (q *Queue) C() <-chan ranging.Sample { return q.ch }

// Push enqueues s according to the queue policy and reports whether s was
// queued. Under PolicyDropOldest a full queue evicts its oldest sample and
// Push always succeeds.
func (q *Queue) Push(ctx context.Context, s ranging.Sample) bool {
	q.pushed.Add(1)

	select {
	case q.ch <- s:
		q.sent.Add(1)
		return true
	default:
	}

	if q.policy == PolicyBlock {
		timer := time.NewTimer(q.timeout)
		defer timer.Stop()
		select {
		case q.ch <- s:
			q.sent.Add(1)
			return true
		case <-timer.C:
		case <-ctx.Done():
		}
		q.dropped.Add(1)
		return false
	}

	q.evictMu.Lock()
	defer q.evictMu.Unlock()
	for {
		select {
		case q.ch <- s:
			q.sent.Add(1)
			return true
		default:
		}
		select {
		case <-q.ch:
			q.dropped.Add(1)
		default:
			// the consumer drained it meanwhile
		}
	}
}

// Stats returns the current counters.
func (q *Queue) Stats() QueueStats {
	return QueueStats{
		Pushed:  q.pushed.Load(),
		Sent:    q.sent.Load(),
		Dropped: q.dropped.Load(),
		Queued:  len(q.ch),
	}
}
