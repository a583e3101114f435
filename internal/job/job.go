// Package job tracks script executions: the job store, its queues and the
// processor that runs queued jobs.
package job

import (
	"time"

	xerrors "Aetherra-Core/internal/errors"
)

// Status is the lifecycle position of a job.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// IsValidStatus reports whether status is one of the known values.
func IsValidStatus(status Status) bool {
	switch status {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// CanTransition reports whether a job may move from one status to another.
// pending -> running|failed|cancelled, running -> completed|failed|cancelled.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusRunning || to == StatusFailed || to == StatusCancelled
	case StatusRunning:
		return to.Terminal()
	default:
		return false
	}
}

// Job is a tracked script execution.
type Job struct {
	ID          string         `json:"job_id"`
	Name        string         `json:"name"`
	Status      Status         `json:"status"`
	Parameters  map[string]any `json:"parameters,omitempty"`
	Context     map[string]any `json:"context,omitempty"`
	Output      map[string]any `json:"output,omitempty"`
	Error       string         `json:"error,omitempty"`
	ErrorCode   string         `json:"error_code,omitempty"`
	Progress    map[string]any `json:"progress,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// Clone returns a deep-enough copy: maps and timestamps are not shared.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	c.Parameters = cloneMap(j.Parameters)
	c.Context = cloneMap(j.Context)
	c.Output = cloneMap(j.Output)
	c.Progress = cloneMap(j.Progress)
	c.StartedAt = cloneTime(j.StartedAt)
	c.CompletedAt = cloneTime(j.CompletedAt)
	return &c
}

// finishedAt is the instant retention is measured from.
func (j *Job) finishedAt() time.Time {
	if j.CompletedAt != nil {
		return *j.CompletedAt
	}
	return j.CreatedAt
}

// apply moves j to u.Status, stamping the transition times.
func (j *Job) apply(u Update, now time.Time) {
	j.Status = u.Status
	if u.Output != nil {
		j.Output = cloneMap(u.Output)
	}
	if u.Error != "" {
		j.Error = u.Error
	}
	if u.ErrorCode != "" {
		j.ErrorCode = u.ErrorCode
	}
	if u.Status == StatusRunning && j.StartedAt == nil {
		j.StartedAt = &now
	}
	if u.Status.Terminal() {
		if j.StartedAt == nil {
			j.StartedAt = &now
		}
		done := now
		j.CompletedAt = &done
	}
}

var (
	// ErrJobNotFound is returned for unknown job ids.
	ErrJobNotFound = xerrors.New(CodeJobNotFound, "job not found")
	// ErrJobConflict is returned when a job id is already taken.
	ErrJobConflict = xerrors.New(CodeJobConflict, "job already exists")
	// ErrJobTerminal is returned when cancelling a job that already finished.
	ErrJobTerminal = xerrors.New(CodeJobTerminal, "job already finished")
	// ErrInvalidTransition is returned for status changes outside the lifecycle.
	ErrInvalidTransition = xerrors.New(CodeInvalidTransition, "invalid job status transition")
)

const (
	CodeJobNotFound       xerrors.Code = "JOB_NOT_FOUND"
	CodeJobConflict       xerrors.Code = "JOB_CONFLICT"
	CodeJobTerminal       xerrors.Code = "JOB_TERMINAL"
	CodeInvalidTransition xerrors.Code = "JOB_INVALID_TRANSITION"
	CodeJobValidation     xerrors.Code = "JOB_VALIDATION_FAILED"
	CodeJobPublish        xerrors.Code = "JOB_PUBLISH_FAILED"
	CodeJobExecution      xerrors.Code = "JOB_EXECUTION_FAILED"
	CodeUnknownScript     xerrors.Code = "JOB_UNKNOWN_SCRIPT"
	CodeQueueFull         xerrors.Code = "JOB_QUEUE_FULL"
)

func init() {
	xerrors.Register(CodeJobNotFound, xerrors.Attributes{
		Message:  "job not found",
		Severity: xerrors.SeverityInfo,
		Kind:     xerrors.CodeNotFound,
	})
	xerrors.Register(CodeJobConflict, xerrors.Attributes{
		Message:  "job already exists",
		Severity: xerrors.SeverityWarning,
		Kind:     xerrors.CodeConflict,
	})
	xerrors.Register(CodeJobTerminal, xerrors.Attributes{
		Message:  "job already finished",
		Severity: xerrors.SeverityInfo,
		Kind:     xerrors.CodeFailedPrecondition,
	})
	xerrors.Register(CodeInvalidTransition, xerrors.Attributes{
		Message:  "invalid job status transition",
		Severity: xerrors.SeverityInfo,
		Kind:     xerrors.CodeFailedPrecondition,
	})
	xerrors.Register(CodeJobValidation, xerrors.Attributes{
		Message:  "job validation failed",
		Severity: xerrors.SeverityInfo,
		Kind:     xerrors.CodeInvalidArgument,
	})
	xerrors.Register(CodeUnknownScript, xerrors.Attributes{
		Message:  "unknown script",
		Severity: xerrors.SeverityInfo,
		Kind:     xerrors.CodeNotFound,
	})
	xerrors.Register(CodeJobPublish, xerrors.Attributes{
		Message:   "failed to publish job",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
		Kind:      xerrors.CodeQueueFailure,
	})
	xerrors.Register(CodeQueueFull, xerrors.Attributes{
		Message:   "job queue is full",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Kind:      xerrors.CodeQueueFailure,
	})
	xerrors.Register(CodeJobExecution, xerrors.Attributes{
		Message:  "job execution failed",
		Severity: xerrors.SeverityWarning,
		Alert:    true,
		Kind:     xerrors.CodeExecutorFailure,
	})
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cloned := make(map[string]any, len(m))
	for k, v := range m {
		cloned[k] = v
	}
	return cloned
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
