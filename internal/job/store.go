package job

import (
	"context"
	"time"
)

// Store persists job records. Every implementation honours the lifecycle in
// CanTransition and never deletes pending or running jobs during cleanup.
type Store interface {
	Create(ctx context.Context, job *Job) error
	Get(ctx context.Context, id string) (*Job, error)
	UpdateStatus(ctx context.Context, id string, update Update) error
	UpdateProgress(ctx context.Context, id string, progress map[string]any) error
	Cancel(ctx context.Context, id string) error
	List(ctx context.Context, opts ListOptions) ([]*Job, error)
	Cleanup(ctx context.Context, policy CleanupPolicy) (CleanupReport, error)
	Stats(ctx context.Context) (Stats, error)
	Close() error
}

// Update describes a status change.
type Update struct {
	Status    Status
	Output    map[string]any
	Error     string
	ErrorCode string
}

// CleanupPolicy bounds how many finished jobs are retained.
type CleanupPolicy struct {
	// MaxAge removes terminal jobs finished longer ago than this. Zero disables.
	MaxAge time.Duration
	// MaxJobs trims the oldest terminal jobs while the store holds more jobs. Zero disables.
	MaxJobs int
}

// CleanupReport counts what a cleanup pass deleted.
type CleanupReport struct {
	Expired int `json:"expired"`
	Trimmed int `json:"trimmed"`
}

// Deleted is the total number of removed jobs.
func (r CleanupReport) Deleted() int { return r.Expired + r.Trimmed }

// Stats aggregates job counts by status.
type Stats struct {
	Total     int        `json:"total"`
	Pending   int        `json:"pending"`
	Running   int        `json:"running"`
	Completed int        `json:"completed"`
	Failed    int        `json:"failed"`
	Cancelled int        `json:"cancelled"`
	Oldest    *time.Time `json:"oldest_created_at,omitempty"`
	Newest    *time.Time `json:"newest_created_at,omitempty"`
}

func (s *Stats) add(j *Job) {
	s.Total++
	switch j.Status {
	case StatusPending:
		s.Pending++
	case StatusRunning:
		s.Running++
	case StatusCompleted:
		s.Completed++
	case StatusFailed:
		s.Failed++
	case StatusCancelled:
		s.Cancelled++
	}
	created := j.CreatedAt
	if s.Oldest == nil || created.Before(*s.Oldest) {
		s.Oldest = &created
	}
	if s.Newest == nil || created.After(*s.Newest) {
		n := created
		s.Newest = &n
	}
}

// Cancelled reports whether a Cancel call succeeded.
func Cancelled(err error) bool { return err == nil }
