package harvest

import (
	"context"
	"sync"
	"time"
)

const (
	EventJobFinished    = "job.finished"
	EventJobFailed      = "job.failed"
	EventJobInterrupted = "job.interrupted"
	EventJobCancelled   = "job.cancelled"
	EventRunCompleted   = "run.completed"
)

// Event notifies consumers, such as the mailer, of job and run outcomes.
type Event struct {
	ID           string    `json:"id"`
	Type         string    `json:"type"`
	RunID        string    `json:"run_id"`
	JobID        string    `json:"job_id,omitempty"`
	CredentialID string    `json:"credential_id,omitempty"`
	ReportID     string    `json:"report_id,omitempty"`
	Status       string    `json:"status"`
	ErrorKind    string    `json:"error_kind,omitempty"`
	Error        string    `json:"error,omitempty"`
	Run          *Run      `json:"run,omitempty"`
	OccurredAt   time.Time `json:"occurred_at"`
}

type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

type NoopPublisher struct{}

func (NoopPublisher) Publish(ctx context.Context, event Event) error {
	return nil
}

// MemoryPublisher records events; used by tests and the in-process API.
type MemoryPublisher struct {
	mu     sync.Mutex
	events []Event
}

func (p *MemoryPublisher) Publish(ctx context.Context, event Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *MemoryPublisher) Events() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Event(nil), p.events...)
}

func jobEventType(s Status) string {
	switch s {
	case StatusFinished:
		return EventJobFinished
	case StatusFailed:
		return EventJobFailed
	case StatusInterrupted:
		return EventJobInterrupted
	case StatusCancelled:
		return EventJobCancelled
	}
	return ""
}
