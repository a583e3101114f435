package job

import (
	"context"
	"log/slog"
	"time"

	"Aetherra-Core/pkg/logger"
)

// Cleaner applies a retention policy. Both Store and Service satisfy it.
type Cleaner interface {
	Cleanup(ctx context.Context, policy CleanupPolicy) (CleanupReport, error)
}

// Janitor runs Cleanup on a fixed interval.
type Janitor struct {
	cleaner  Cleaner
	policy   CleanupPolicy
	interval time.Duration
}

// NewJanitor builds a Janitor. interval defaults to ten minutes.
func NewJanitor(cleaner Cleaner, policy CleanupPolicy, interval time.Duration) *Janitor {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	return &Janitor{cleaner: cleaner, policy: policy, interval: interval}
}

// Run blocks until ctx is done, sweeping once per interval.
func (j *Janitor) Run(ctx context.Context) error {
	if j.policy.MaxAge <= 0 && j.policy.MaxJobs <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	log := logger.Named("job.janitor")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			report, err := j.cleaner.Cleanup(ctx, j.policy)
			if err != nil {
				log.Error("cleanup failed", slog.Any("error", err))
				continue
			}
			if report.Deleted() > 0 {
				log.Debug("cleanup pass", slog.Int("expired", report.Expired), slog.Int("trimmed", report.Trimmed))
			}
		}
	}
}
