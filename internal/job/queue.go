package job

import "context"

// Handler processes a job id delivered by a queue.
type Handler func(ctx context.Context, jobID string) error

// Producer publishes job ids.
type Producer interface {
	Publish(ctx context.Context, jobID string) error
	Close() error
}

// Consumer drains job ids with a fixed number of workers until ctx is done.
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue is both ends of a job queue.
type Queue interface {
	Producer
	Consumer
}
