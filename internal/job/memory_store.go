package job

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	xerrors "Aetherra-Core/internal/errors"
)

// MemoryStore keeps jobs in a map guarded by a single mutex. Records are cloned
// on the way in and out so callers never alias stored state.
type MemoryStore struct {
	mu   sync.Mutex
	jobs map[string]*Job
	now  func() time.Time
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithClock overrides the time source.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *MemoryStore) {
		if now != nil {
			m.now = now
		}
	}
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	m := &MemoryStore{jobs: make(map[string]*Job), now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

var _ Store = (*MemoryStore)(nil)

// Create implements Store.
func (m *MemoryStore) Create(_ context.Context, job *Job) error {
	if job == nil {
		return xerrors.New(CodeJobValidation, "job cannot be nil")
	}
	if strings.TrimSpace(job.ID) == "" {
		return xerrors.New(CodeJobValidation, "job id cannot be empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.ID]; ok {
		return ErrJobConflict
	}
	if job.Status == "" {
		job.Status = StatusPending
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = m.now()
	}
	m.jobs[job.ID] = job.Clone()
	return nil
}

// Get implements Store.
func (m *MemoryStore) Get(_ context.Context, id string) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return job.Clone(), nil
}

// UpdateStatus implements Store.
func (m *MemoryStore) UpdateStatus(_ context.Context, id string, update Update) error {
	if !IsValidStatus(update.Status) {
		return xerrors.New(CodeJobValidation, "unknown status "+string(update.Status))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	if !CanTransition(job.Status, update.Status) {
		return xerrors.Wrap(CodeInvalidTransition, ErrInvalidTransition,
			string(job.Status)+" -> "+string(update.Status))
	}
	job.apply(update, m.now())
	return nil
}

// UpdateProgress implements Store.
func (m *MemoryStore) UpdateProgress(_ context.Context, id string, progress map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	if job.Status != StatusRunning {
		return xerrors.Wrap(CodeInvalidTransition, ErrInvalidTransition, "progress on "+string(job.Status)+" job")
	}
	job.Progress = cloneMap(progress)
	return nil
}

// Cancel implements Store.
func (m *MemoryStore) Cancel(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	if job.Status.Terminal() {
		return ErrJobTerminal
	}
	job.apply(Update{Status: StatusCancelled, Error: "cancelled"}, m.now())
	return nil
}

// List implements Store.
func (m *MemoryStore) List(_ context.Context, opts ListOptions) ([]*Job, error) {
	opts.applyDefaults()
	m.mu.Lock()
	defer m.mu.Unlock()
	matched := make([]*Job, 0, len(m.jobs))
	for _, job := range m.jobs {
		if opts.matches(job) {
			matched = append(matched, job)
		}
	}
	sortNewestFirst(matched)
	if len(matched) > opts.Limit {
		matched = matched[:opts.Limit]
	}
	out := make([]*Job, len(matched))
	for i, job := range matched {
		out[i] = job.Clone()
	}
	return out, nil
}

// Cleanup implements Store.
func (m *MemoryStore) Cleanup(_ context.Context, policy CleanupPolicy) (CleanupReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var report CleanupReport
	if policy.MaxAge > 0 {
		cutoff := m.now().Add(-policy.MaxAge)
		for id, job := range m.jobs {
			if job.Status.Terminal() && job.finishedAt().Before(cutoff) {
				delete(m.jobs, id)
				report.Expired++
			}
		}
	}
	if policy.MaxJobs > 0 && len(m.jobs) > policy.MaxJobs {
		terminal := make([]*Job, 0, len(m.jobs))
		for _, job := range m.jobs {
			if job.Status.Terminal() {
				terminal = append(terminal, job)
			}
		}
		sortOldestFirst(terminal)
		for _, job := range terminal {
			if len(m.jobs) <= policy.MaxJobs {
				break
			}
			delete(m.jobs, job.ID)
			report.Trimmed++
		}
	}
	return report, nil
}

// Stats implements Store.
func (m *MemoryStore) Stats(_ context.Context) (Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var stats Stats
	for _, job := range m.jobs {
		stats.add(job)
	}
	return stats, nil
}

// Close implements Store.
func (m *MemoryStore) Close() error { return nil }

func sortNewestFirst(jobs []*Job) {
	sort.Slice(jobs, func(i, j int) bool {
		if !jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
		}
		return jobs[i].ID > jobs[j].ID
	})
}

func sortOldestFirst(jobs []*Job) {
	sort.Slice(jobs, func(i, j int) bool {
		ti, tj := jobs[i].finishedAt(), jobs[j].finishedAt()
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return jobs[i].ID < jobs[j].ID
	})
}
