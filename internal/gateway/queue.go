package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/user/tripclaw/internal/types"
)

// DefaultLaneBuffer is the number of runs a lane holds before rejecting.
const DefaultLaneBuffer = 100

// Queue manages per-conversation lanes. Each conversation gets its own FIFO
// channel (lane) so that chats reach its actor in arrival order. Lanes run
// in parallel; an optional semaphore limits the total number of runtime
// calls across all conversations.
type Queue struct {
	lanes     map[types.SessionKey]chan *Run
	semaphore *semaphore.Weighted // nil when unbounded
	buffer    int
	processor func(*Run) error
	active    atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
}

// NewQueue creates a Queue that allows up to maxConcurrent runs to execute
// simultaneously across all lanes, each lane holding up to laneBuffer
// waiting runs. A maxConcurrent of zero or less leaves lanes unbounded.
func NewQueue(maxConcurrent int64, laneBuffer int) *Queue {
	if laneBuffer <= 0 {
		laneBuffer = DefaultLaneBuffer
	}
	q := &Queue{
		lanes:  make(map[types.SessionKey]chan *Run),
		buffer: laneBuffer,
	}
	if maxConcurrent > 0 {
		q.semaphore = semaphore.NewWeighted(maxConcurrent)
	}
	return q
}

// Start initialises the queue's context. Must be called before Enqueue.
func (q *Queue) Start(ctx context.Context) {
	q.ctx, q.cancel = context.WithCancel(ctx)
}

// Stop cancels the queue context, closes all lanes, and waits for in-flight
// processors to finish.
func (q *Queue) Stop() {
	if q.cancel != nil {
		q.cancel()
	}
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		for _, lane := range q.lanes {
			close(lane)
		}
	}
	q.mu.Unlock()
	q.wg.Wait()
}

// Enqueue adds a Run to its conversation's lane, creating the lane (and its
// goroutine) on first use. Returns an error if the lane's buffer is full.
func (q *Queue) Enqueue(run *Run) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return fmt.Errorf("queue stopped")
	}

	lane, exists := q.lanes[run.Key]
	if !exists {
		lane = make(chan *Run, q.buffer)
		q.lanes[run.Key] = lane
		q.wg.Add(1)
		go q.processLane(run.Key, lane)
	}

	select {
	case lane <- run:
		return nil
	default:
		return fmt.Errorf("queue full for conversation %s", run.Key)
	}
}

// Pending returns the number of runs waiting in the lane of key.
func (q *Queue) Pending(key types.SessionKey) int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.lanes[key])
}

// processLane drains a single lane, running the processor synchronously
// (after taking a semaphore slot when the queue is bounded). This ensures
// strict FIFO ordering within a conversation.
func (q *Queue) processLane(key types.SessionKey, lane chan *Run) {
	defer q.wg.Done()
	for {
		select {
		case run, ok := <-lane:
			if !ok {
				return
			}
			if q.semaphore != nil {
				if err := q.semaphore.Acquire(q.ctx, 1); err != nil {
					return
				}
			}
			if q.processor != nil {
				q.active.Add(1)
				run.Ctx = q.ctx
				now := time.Now()
				run.StartedAt = &now
				run.Status = RunStatusRunning
				err := q.processor(run)
				ended := time.Now()
				run.EndedAt = &ended
				if err != nil {
					run.Status = RunStatusFailed
					run.Error = err
					slog.Error("run failed", "run_id", string(run.ID), "key", string(key), "error", err)
				} else {
					run.Status = RunStatusComplete
				}
				q.active.Add(-1)
			}
			if q.semaphore != nil {
				q.semaphore.Release(1)
			}
		case <-q.ctx.Done():
			return
		}
	}
}

// Active returns the number of runs being processed.
func (q *Queue) Active() int64 {
	return q.active.Load()
}

// WaitIdle blocks until no runs are actively being processed, or the timeout
// expires. Returns true if idle, false if timed out.
func (q *Queue) WaitIdle(timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		if q.active.Load() == 0 {
			return true
		}
		select {
		case <-deadline:
			return false
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// SetProcessor sets the function invoked for each dequeued Run.
func (q *Queue) SetProcessor(fn func(*Run) error) {
	q.processor = fn
}
