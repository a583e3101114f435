package job

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "Aetherra-Core/internal/errors"
	"Aetherra-Core/pkg/logger"
)

// ScriptLookup reports whether a script name can be run.
type ScriptLookup interface {
	Has(name string) bool
}

// Request describes a job submission.
type Request struct {
	ID         string         `json:"job_id,omitempty"`
	Script     string         `json:"script_name"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Context    map[string]any `json:"context,omitempty"`
}

// Service is the entry point for creating, inspecting and cancelling jobs.
type Service struct {
	store    Store
	producer Producer
	scripts  ScriptLookup
	cancels  *CancelRegistry
	observer Observer
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithScripts rejects submissions for scripts unknown to lookup.
func WithScripts(lookup ScriptLookup) ServiceOption {
	return func(s *Service) {
		s.scripts = lookup
	}
}

// WithServiceCancelRegistry lets Cancel interrupt running executions.
func WithServiceCancelRegistry(r *CancelRegistry) ServiceOption {
	return func(s *Service) {
		s.cancels = r
	}
}

// WithServiceObserver reports submissions to o.
func WithServiceObserver(o Observer) ServiceOption {
	return func(s *Service) {
		if o != nil {
			s.observer = o
		}
	}
}

// NewService builds a Service.
func NewService(store Store, producer Producer, opts ...ServiceOption) *Service {
	s := &Service{store: store, producer: producer, observer: nopObserver{}}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Submit creates a pending job and enqueues it.
func (s *Service) Submit(ctx context.Context, req Request) (*Job, error) {
	if s.store == nil || s.producer == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "job service not initialised")
	}
	script := strings.TrimSpace(req.Script)
	if script == "" {
		return nil, xerrors.New(CodeJobValidation, "script_name is required")
	}
	if s.scripts != nil && !s.scripts.Has(script) {
		return nil, xerrors.New(CodeUnknownScript, "unknown script "+script, xerrors.WithMetadata("script", script))
	}
	id := strings.TrimSpace(req.ID)
	if id == "" {
		id = uuid.NewString()
	}

	job := &Job{
		ID:         id,
		Name:       script,
		Status:     StatusPending,
		Parameters: cloneMap(req.Parameters),
		Context:    cloneMap(req.Context),
	}
	if err := s.store.Create(ctx, job); err != nil {
		return nil, err
	}
	if err := s.producer.Publish(ctx, id); err != nil {
		logger.L().Error("failed to enqueue job", slog.Any("error", err), slog.String("job_id", id))
		wrapped := xerrors.Wrap(CodeJobPublish, err, "enqueue job")
		if markErr := s.store.UpdateStatus(ctx, id, Update{
			Status:    StatusFailed,
			Error:     wrapped.Error(),
			ErrorCode: string(CodeJobPublish),
		}); markErr != nil {
			logger.L().Error("failed to mark unqueued job", slog.Any("error", markErr), slog.String("job_id", id))
		}
		return nil, wrapped
	}
	s.observer.JobSubmitted(script)
	logger.Audit().Info("job submitted",
		slog.String("job_id", id),
		slog.String("script", script),
	)
	return job.Clone(), nil
}

// Get returns a job by id.
func (s *Service) Get(ctx context.Context, id string) (*Job, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "job store not initialised")
	}
	return s.store.Get(ctx, id)
}

// List returns jobs newest first.
func (s *Service) List(ctx context.Context, opts ...ListOption) ([]*Job, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "job store not initialised")
	}
	return s.store.List(ctx, BuildListOptions(opts...))
}

// Stats returns job counts by status.
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	if s.store == nil {
		return Stats{}, xerrors.New(xerrors.CodeInitializationFailure, "job store not initialised")
	}
	return s.store.Stats(ctx)
}

// Cancel moves a pending or running job to cancelled and interrupts its
// execution. It returns ErrJobTerminal when the job already finished.
func (s *Service) Cancel(ctx context.Context, id string) error {
	if s.store == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "job store not initialised")
	}
	if err := s.store.Cancel(ctx, id); err != nil {
		return err
	}
	interrupted := false
	if s.cancels != nil {
		interrupted = s.cancels.Cancel(id)
	}
	logger.Audit().Info("job cancelled", slog.String("job_id", id), slog.Bool("interrupted", interrupted))
	return nil
}

// Cleanup applies policy to the store.
func (s *Service) Cleanup(ctx context.Context, policy CleanupPolicy) (CleanupReport, error) {
	if s.store == nil {
		return CleanupReport{}, xerrors.New(xerrors.CodeInitializationFailure, "job store not initialised")
	}
	report, err := s.store.Cleanup(ctx, policy)
	if err != nil {
		return report, err
	}
	if report.Deleted() > 0 {
		logger.Audit().Info("jobs cleaned up",
			slog.Int("expired", report.Expired),
			slog.Int("trimmed", report.Trimmed),
		)
	}
	return report, nil
}

// WaitUntilDone polls until the job reaches a terminal status or ctx ends.
func (s *Service) WaitUntilDone(ctx context.Context, id string, interval time.Duration) (*Job, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		job, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if job.Status.Terminal() {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close releases the store and the producer.
func (s *Service) Close() error {
	var errs []error
	if s.store != nil {
		errs = append(errs, s.store.Close())
	}
	if s.producer != nil {
		errs = append(errs, s.producer.Close())
	}
	return stdErrors.Join(errs...)
}
