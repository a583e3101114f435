package job

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"time"

	xerrors "Aetherra-Core/internal/errors"
	"Aetherra-Core/internal/observability/alerting"
	"Aetherra-Core/pkg/logger"
)

// ProgressFunc lets an executor publish intermediate progress for its job.
type ProgressFunc func(progress map[string]any)

// Executor runs the script behind a job and returns its output.
type Executor interface {
	Execute(ctx context.Context, job *Job, progress ProgressFunc) (map[string]any, error)
}

// Processor consumes job ids from a queue and runs them through an Executor.
type Processor struct {
	executor    Executor
	store       Store
	consumer    Consumer
	cancels     *CancelRegistry
	workerCount int
	timeout     time.Duration
	logger      *slog.Logger
	alerter     alerting.Dispatcher
	observer    Observer
}

// ProcessorOption configures a Processor.
type ProcessorOption func(*Processor)

// WithProcessorLogger enables debug logging to l.
func WithProcessorLogger(l *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = l
	}
}

// WithWorkerCount sets the number of concurrent workers.
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithJobTimeout bounds a single execution. Zero means no limit.
func WithJobTimeout(d time.Duration) ProcessorOption {
	return func(p *Processor) {
		p.timeout = d
	}
}

// WithCancelRegistry shares the registry Service.Cancel uses to interrupt jobs.
func WithCancelRegistry(r *CancelRegistry) ProcessorOption {
	return func(p *Processor) {
		if r != nil {
			p.cancels = r
		}
	}
}

// WithAlertDispatcher routes alertable failures to d.
func WithAlertDispatcher(d alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = d
	}
}

// WithProcessorObserver reports finished jobs to o.
func WithProcessorObserver(o Observer) ProcessorOption {
	return func(p *Processor) {
		if o != nil {
			p.observer = o
		}
	}
}

// NewProcessor builds a Processor.
func NewProcessor(executor Executor, store Store, consumer Consumer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		executor:    executor,
		store:       store,
		consumer:    consumer,
		cancels:     NewCancelRegistry(),
		workerCount: 1,
		observer:    nopObserver{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Start blocks consuming the queue until ctx is cancelled.
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "job consumer not configured")
	}
	if p.store == nil || p.executor == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "job processor not initialised")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

func (p *Processor) handle(ctx context.Context, jobID string) error {
	var (
		runCtx context.Context
		cancel context.CancelFunc
	)
	if p.timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, p.timeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()
	// Registered before the claim so a cancel arriving between claim and
	// execution still reaches this context.
	p.cancels.Register(jobID, cancel)
	defer p.cancels.Remove(jobID)

	if err := p.store.UpdateStatus(ctx, jobID, Update{Status: StatusRunning}); err != nil {
		if stdErrors.Is(err, ErrJobNotFound) || stdErrors.Is(err, ErrInvalidTransition) {
			p.logDebug("skipping job", slog.String("job_id", jobID), slog.String("reason", err.Error()))
			return nil
		}
		logger.L().Error("failed to claim job", slog.Any("error", err), slog.String("job_id", jobID))
		return err
	}
	job, err := p.store.Get(ctx, jobID)
	if err != nil {
		logger.L().Error("failed to load claimed job", slog.Any("error", err), slog.String("job_id", jobID))
		return err
	}

	started := time.Now()
	output, execErr := p.executor.Execute(runCtx, job, p.progressFor(ctx, jobID))
	elapsed := time.Since(started)

	// Store writes use a context that outlives a processor shutdown so the
	// job never stays running.
	writeCtx := context.WithoutCancel(ctx)
	if execErr == nil {
		return p.finish(writeCtx, job, Update{Status: StatusCompleted, Output: output}, elapsed)
	}

	switch {
	case ctx.Err() != nil:
		execErr = xerrors.Wrap(xerrors.CodeCancelled, execErr, "processor stopped")
	case stdErrors.Is(runCtx.Err(), context.DeadlineExceeded):
		execErr = xerrors.Wrap(xerrors.CodeTimeout, execErr, "job timed out")
	case runCtx.Err() != nil:
		// Cancelled through the registry; the store already holds the cancelled state.
		p.observer.JobFinished(job.Name, StatusCancelled, elapsed)
		logger.Audit().Info("job cancelled while running", slog.String("job_id", job.ID), slog.String("script", job.Name))
		return nil
	}

	code := xerrors.CodeOf(execErr)
	if code == xerrors.CodeUnknown {
		code = CodeJobExecution
	}
	if xerrors.ShouldAlert(execErr) || xerrors.AttributesOf(code).Alert {
		p.emitAlert(writeCtx, job, code, execErr)
	}
	return p.finish(writeCtx, job, Update{Status: StatusFailed, Error: execErr.Error(), ErrorCode: string(code)}, elapsed)
}

func (p *Processor) finish(ctx context.Context, job *Job, update Update, elapsed time.Duration) error {
	if err := p.store.UpdateStatus(ctx, job.ID, update); err != nil {
		if stdErrors.Is(err, ErrInvalidTransition) {
			// A cancel won the race; keep its state.
			p.logDebug("late status update ignored", slog.String("job_id", job.ID), slog.String("status", string(update.Status)))
			return nil
		}
		logger.L().Error("failed to record job result", slog.Any("error", err), slog.String("job_id", job.ID))
		return err
	}
	p.observer.JobFinished(job.Name, update.Status, elapsed)
	attrs := []any{
		slog.String("job_id", job.ID),
		slog.String("script", job.Name),
		slog.Duration("elapsed", elapsed),
	}
	if update.Status == StatusCompleted {
		logger.Audit().Info("job completed", attrs...)
	} else {
		logger.Audit().Warn("job failed", append(attrs, slog.String("error", update.Error), slog.String("error_code", update.ErrorCode))...)
	}
	return nil
}

func (p *Processor) progressFor(ctx context.Context, jobID string) ProgressFunc {
	return func(progress map[string]any) {
		if err := p.store.UpdateProgress(ctx, jobID, progress); err != nil {
			p.logDebug("progress update dropped", slog.String("job_id", jobID), slog.Any("error", err))
		}
	}
}

func (p *Processor) logDebug(msg string, attrs ...slog.Attr) {
	if p.logger == nil {
		return
	}
	args := make([]any, len(attrs))
	for i, attr := range attrs {
		args[i] = attr
	}
	p.logger.Debug(msg, args...)
}

func (p *Processor) emitAlert(ctx context.Context, job *Job, code xerrors.Code, cause error) {
	if p.alerter == nil {
		return
	}
	event := alerting.Event{
		Code:       code,
		Message:    cause.Error(),
		Severity:   xerrors.SeverityOf(cause),
		JobID:      job.ID,
		Script:     job.Name,
		Metadata:   map[string]string{"stage": "execute"},
		OccurredAt: time.Now().UTC(),
	}
	if err := p.alerter.Notify(ctx, event); err != nil {
		logger.L().Error("alert dispatch failed", slog.Any("error", err), slog.String("job_id", job.ID))
	}
}
