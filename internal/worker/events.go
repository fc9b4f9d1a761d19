package worker

import "time"

// EventKind is a worker lifecycle notification type.
type EventKind string

const (
	JobStarted   EventKind = "job-started"
	JobCompleted EventKind = "job-completed"
	JobFailed    EventKind = "job-failed"
)

// Event is one lifecycle notification.
type Event struct {
	Kind    EventKind
	JobID   string
	JobType string
	NodeID  string
	Err     error

	// Duration covers dequeue to terminal status; zero on JobStarted.
	Duration time.Duration
	At       time.Time
}

// eventBuffer bounds the notification channel; slow subscribers lose events
// rather than stalling workers.
const eventBuffer = 64

// publish is a non-blocking send.
func (p *Pool) publish(ev Event) {
	select {
	case p.events <- ev:
	default:
	}
}
