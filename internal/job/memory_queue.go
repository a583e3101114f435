package job

import (
	"context"
	"sync"

	xerrors "Aetherra-Core/internal/errors"
)

// ErrQueueFull is returned by MemoryQueue.Publish when every buffer slot is
// taken. Submit marks the job failed instead of holding the request open.
var ErrQueueFull = xerrors.New(CodeQueueFull, "job queue is full")

// MemoryQueue hands job ids to in-process workers. It is bounded and never
// blocks a submitter.
type MemoryQueue struct {
	ids chan string

	mu     sync.RWMutex
	closed bool
}

// NewMemoryQueue creates a queue holding up to size pending ids.
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 64
	}
	return &MemoryQueue{ids: make(chan string, size)}
}

// Publish implements Producer.
func (q *MemoryQueue) Publish(ctx context.Context, jobID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return xerrors.New(xerrors.CodeQueueFailure, "memory queue closed")
	}
	select {
	case q.ids <- jobID:
		return nil
	default:
		return ErrQueueFull
	}
}

// Len reports how many ids wait for a worker.
func (q *MemoryQueue) Len() int { return len(q.ids) }

// Consume implements Consumer. Handler errors are dropped; the processor
// records failures on the job itself.
func (q *MemoryQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	var wg sync.WaitGroup
	for range max(workerCount, 1) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.work(ctx, handler)
		}()
	}
	wg.Wait()
	return ctx.Err()
}

func (q *MemoryQueue) work(ctx context.Context, handler Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		case id, ok := <-q.ids:
			if !ok {
				return
			}
			_ = handler(ctx, id)
		}
	}
}

// Close stops accepting new ids. Workers exit once the buffer drains.
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		close(q.ids)
		q.closed = true
	}
	return nil
}
