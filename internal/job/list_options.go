package job

import "slices"

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// ListOptions controls which jobs are returned by List. Results are always
// newest first by creation time.
type ListOptions struct {
	Limit    int
	Statuses []Status
}

// applyDefaults sanitizes the options and fills in default values.
func (opts *ListOptions) applyDefaults() {
	if opts.Limit <= 0 {
		opts.Limit = defaultListLimit
	}
	if opts.Limit > maxListLimit {
		opts.Limit = maxListLimit
	}
	if opts.Statuses != nil {
		opts.Statuses = normalizeStatuses(opts.Statuses)
	}
}

func (opts ListOptions) matches(j *Job) bool {
	return len(opts.Statuses) == 0 || slices.Contains(opts.Statuses, j.Status)
}

// ListOption mutates ListOptions.
type ListOption func(*ListOptions)

// WithLimit limits the number of jobs returned.
func WithLimit(limit int) ListOption {
	return func(opts *ListOptions) {
		opts.Limit = limit
	}
}

// WithStatuses filters jobs by the provided statuses.
func WithStatuses(statuses ...Status) ListOption {
	return func(opts *ListOptions) {
		opts.Statuses = append(opts.Statuses[:0], statuses...)
	}
}

// BuildListOptions folds opts into a sanitized ListOptions.
func BuildListOptions(opts ...ListOption) ListOptions {
	var options ListOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	options.applyDefaults()
	return options
}

func normalizeStatuses(statuses []Status) []Status {
	out := make([]Status, 0, len(statuses))
	for _, s := range statuses {
		if IsValidStatus(s) && !slices.Contains(out, s) {
			out = append(out, s)
		}
	}
	return out
}
