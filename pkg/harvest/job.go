package harvest

import (
	"time"
)

type Status string

const (
	StatusWaiting     Status = "waiting"
	StatusRunning     Status = "running"
	StatusFinished    Status = "finished"
	StatusFailed      Status = "failed"
	StatusInterrupted Status = "interrupted"
	StatusCancelled   Status = "cancelled"
)

// Settled reports whether no automatic progress will happen for the status.
func (s Status) Settled() bool {
	switch s {
	case StatusFinished, StatusFailed, StatusInterrupted, StatusCancelled:
		return true
	}
	return false
}

// Active statuses are covered by the (credential, report, period) uniqueness guard.
func (s Status) Active() bool {
	return s == StatusWaiting || s == StatusRunning
}

type Transition struct {
	From   Status    `json:"from"`
	To     Status    `json:"to"`
	At     time.Time `json:"at"`
	Reason string    `json:"reason,omitempty"`
}

// Result describes a finished pipeline.
type Result struct {
	Records    int    `json:"records"`
	Inserted   int    `json:"inserted"`
	Updated    int    `json:"updated"`
	Windows    int    `json:"windows,omitempty"`
	NoUsage    bool   `json:"no_usage,omitempty"`
	ArchiveKey string `json:"archive_key,omitempty"`
}

// Job is one attempt chain to fetch one report for one credential over one
// period. It is only mutated through the Machine.
type Job struct {
	ID           string    `json:"id"`
	RunID        string    `json:"run_id"`
	CredentialID string    `json:"credential_id"`
	ReportID     string    `json:"report_id"`
	Version      string    `json:"counter_version"`
	PeriodStart  time.Time `json:"period_start"`
	PeriodEnd    time.Time `json:"period_end"`

	Status       Status `json:"status"`
	AttemptCount int    `json:"attempt_count"`
	LastError    string `json:"last_error,omitempty"`
	ErrorKind    string `json:"error_kind,omitempty"`
	ErrorClass   Class  `json:"error_class,omitempty"`

	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`

	Result  *Result      `json:"result,omitempty"`
	History []Transition `json:"history,omitempty"`
}

func (j *Job) Clone() *Job {
	c := *j
	c.StartedAt = cloneTime(j.StartedAt)
	c.CompletedAt = cloneTime(j.CompletedAt)
	c.NextAttemptAt = cloneTime(j.NextAttemptAt)
	if j.Result != nil {
		r := *j.Result
		c.Result = &r
	}
	c.History = append([]Transition(nil), j.History...)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunCancelled RunStatus = "cancelled"
)

const (
	TriggerSchedule = "schedule"
	TriggerManual   = "manual"
)

// Run groups the jobs created by one tick or one manual trigger.
type Run struct {
	ID          string    `json:"id"`
	Trigger     string    `json:"trigger"`
	Schedule    string    `json:"schedule,omitempty"`
	TriggeredAt time.Time `json:"triggered_at"`
	PeriodStart time.Time `json:"period_start"`
	PeriodEnd   time.Time `json:"period_end"`
	Status      RunStatus `json:"status"`

	TotalJobs    int `json:"total_jobs"`
	Succeeded    int `json:"succeeded"`
	Failed       int `json:"failed"`
	Interrupted  int `json:"interrupted"`
	Cancelled    int `json:"cancelled"`
	StillRunning int `json:"still_running"`

	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

func (r *Run) Clone() *Run {
	c := *r
	c.CompletedAt = cloneTime(r.CompletedAt)
	return &c
}

// Count recomputes the run counters from its jobs.
func (r *Run) Count(jobs []*Job) {
	r.TotalJobs = len(jobs)
	r.Succeeded, r.Failed, r.Interrupted, r.Cancelled, r.StillRunning = 0, 0, 0, 0, 0
	for _, j := range jobs {
		switch j.Status {
		case StatusFinished:
			r.Succeeded++
		case StatusFailed:
			r.Failed++
		case StatusInterrupted:
			r.Interrupted++
		case StatusCancelled:
			r.Cancelled++
		default:
			r.StillRunning++
		}
	}
}
