package job

import "time"

// Observer receives job lifecycle notifications, typically for metrics.
type Observer interface {
	JobSubmitted(script string)
	JobFinished(script string, status Status, elapsed time.Duration)
}

type nopObserver struct{}

func (nopObserver) JobSubmitted(string)                       {}
func (nopObserver) JobFinished(string, Status, time.Duration) {}
