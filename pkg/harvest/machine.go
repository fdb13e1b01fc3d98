package harvest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ezpaarse-project/ezmesure-harvester/pkg/sushi"
)

const (
	DefaultMaxRetries      = 3
	DefaultInitialInterval = 30 * time.Second
	DefaultMaxInterval     = time.Hour
	DefaultMultiplier      = 2.0

	staleRetries = 3
)

type BackoffConfig struct {
	InitialInterval     time.Duration `yaml:"initial_interval" mapstructure:"initial_interval"`
	MaxInterval         time.Duration `yaml:"max_interval" mapstructure:"max_interval"`
	Multiplier          float64       `yaml:"multiplier" mapstructure:"multiplier"`
	RandomizationFactor float64       `yaml:"randomization_factor" mapstructure:"randomization_factor"`
}

// Decision is the outcome of a failure.
type Decision struct {
	Retry   bool
	Delay   time.Duration
	RetryAt time.Time
	Class   Class
	Kind    string
}

// Machine is the single authority over job status. Every change goes through
// transition, which checks the FSM against the stored status and writes with
// a compare-and-set on that status.
type Machine struct {
	store      Store
	fsm        *FSM
	maxRetries int
	backoff    BackoffConfig
	publisher  Publisher
	now        func() time.Time
	logger     *zap.Logger
}

type MachineOption func(*Machine)

func MachineWithLogger(l *zap.Logger) MachineOption {
	return func(m *Machine) {
		m.logger = l
	}
}

// MachineWithMaxRetries bounds the attempts of a job; a transient failure is
// retried while attempts < n.
func MachineWithMaxRetries(n int) MachineOption {
	return func(m *Machine) {
		m.maxRetries = n
	}
}

func MachineWithBackoff(cfg BackoffConfig) MachineOption {
	return func(m *Machine) {
		m.backoff = cfg
	}
}

func MachineWithPublisher(p Publisher) MachineOption {
	return func(m *Machine) {
		m.publisher = p
	}
}

func MachineWithClock(now func() time.Time) MachineOption {
	return func(m *Machine) {
		m.now = now
	}
}

func NewMachine(store Store, opts ...MachineOption) *Machine {
	m := &Machine{
		store:      store,
		maxRetries: DefaultMaxRetries,
		backoff: BackoffConfig{
			InitialInterval: DefaultInitialInterval,
			MaxInterval:     DefaultMaxInterval,
			Multiplier:      DefaultMultiplier,
		},
		publisher: NoopPublisher{},
		now:       time.Now,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.backoff.InitialInterval <= 0 {
		m.backoff.InitialInterval = DefaultInitialInterval
	}
	if m.backoff.MaxInterval <= 0 {
		m.backoff.MaxInterval = DefaultMaxInterval
	}
	if m.backoff.Multiplier <= 1 {
		m.backoff.Multiplier = DefaultMultiplier
	}
	m.fsm = NewFSM(FSMWithLogger(m.logger))
	return m
}

func (m *Machine) MaxRetries() int {
	return m.maxRetries
}

// Start moves a waiting job to running.
func (m *Machine) Start(ctx context.Context, job *Job) error {
	return m.transition(ctx, job, StatusRunning, "admitted", func(j *Job) {
		now := m.now()
		j.StartedAt = &now
		j.CompletedAt = nil
		j.NextAttemptAt = nil
	})
}

// Finish records a successful pipeline.
func (m *Machine) Finish(ctx context.Context, job *Job, result Result) error {
	err := m.transition(ctx, job, StatusFinished, "", func(j *Job) {
		now := m.now()
		j.CompletedAt = &now
		j.Result = &result
		j.LastError = ""
		j.ErrorKind = ""
		j.ErrorClass = ""
	})
	if err == nil {
		m.publish(ctx, job)
	}
	return err
}

// Fail records a failed attempt and decides whether the job is retried. A
// retried job goes back to waiting with NextAttemptAt set; the caller is in
// charge of dispatching it at that time.
func (m *Machine) Fail(ctx context.Context, job *Job, cause error) (Decision, error) {
	class, kind := Classify(cause)
	if class == ClassInterrupted {
		// Failures caused by cancellation carry no conclusive outcome.
		class = ClassTransient
	}
	d := Decision{Class: class, Kind: kind}

	// A retried job goes running -> failed -> waiting in one write so the
	// tuple never looks inactive to a concurrent trigger.
	route := func(current *Job) []hop {
		attempts := current.AttemptCount + 1
		failed := hop{to: StatusFailed, reason: cause.Error()}
		d.Retry = class == ClassTransient && attempts < m.maxRetries
		if !d.Retry {
			d.Delay, d.RetryAt = 0, time.Time{}
			return []hop{failed}
		}
		d.Delay = m.Delay(attempts, sushi.RetryAfterOf(cause))
		d.RetryAt = m.now().Add(d.Delay)
		return []hop{failed, {
			to:     StatusWaiting,
			reason: fmt.Sprintf("retry %d/%d in %s", attempts+1, m.maxRetries, d.Delay),
		}}
	}

	err := m.walk(ctx, job, route, func(j *Job) {
		now := m.now()
		j.AttemptCount++
		j.LastError = cause.Error()
		j.ErrorKind = kind
		j.ErrorClass = class
		if d.Retry {
			retryAt := d.RetryAt
			j.NextAttemptAt = &retryAt
			j.CompletedAt = nil
		} else {
			j.CompletedAt = &now
		}
	})
	if err != nil {
		d.Retry = false
		return d, err
	}

	if !d.Retry {
		m.logger.Warn("job failed",
			zap.String("job_id", job.ID),
			zap.String("credential_id", job.CredentialID),
			zap.String("report_id", job.ReportID),
			zap.Int("attempts", job.AttemptCount),
			zap.String("class", string(class)),
			zap.String("kind", kind),
			zap.Error(cause),
		)
		m.publish(ctx, job)
	}
	return d, nil
}

// Interrupt records a job whose outcome is unknown. It is never retried
// automatically.
func (m *Machine) Interrupt(ctx context.Context, job *Job, cause error) error {
	reason := "interrupted"
	if cause != nil {
		reason = cause.Error()
	}
	err := m.transition(ctx, job, StatusInterrupted, reason, func(j *Job) {
		now := m.now()
		j.CompletedAt = &now
		j.LastError = reason
		j.ErrorKind = "interrupted"
		j.ErrorClass = ClassInterrupted
	})
	if err == nil {
		m.publish(ctx, job)
	}
	return err
}

// Cancel stops a waiting or running job. It does not use the retry budget.
func (m *Machine) Cancel(ctx context.Context, job *Job, reason string) error {
	err := m.transition(ctx, job, StatusCancelled, reason, func(j *Job) {
		now := m.now()
		j.CompletedAt = &now
		j.NextAttemptAt = nil
		if reason != "" {
			j.LastError = reason
		}
	})
	if err == nil {
		m.publish(ctx, job)
	}
	return err
}

// Requeue is the explicit re-trigger of a failed or interrupted job. The
// attempt budget starts over.
func (m *Machine) Requeue(ctx context.Context, job *Job) error {
	return m.transition(ctx, job, StatusWaiting, "manual retry", func(j *Job) {
		j.AttemptCount = 0
		j.StartedAt = nil
		j.CompletedAt = nil
		j.NextAttemptAt = nil
		j.Result = nil
	})
}

// Delay is the backoff before the attempt following attempt n (1-based). It
// never goes below the delay requested by the endpoint.
func (m *Machine) Delay(attempt int, floor time.Duration) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.backoff.InitialInterval
	b.MaxInterval = m.backoff.MaxInterval
	b.Multiplier = m.backoff.Multiplier
	b.RandomizationFactor = m.backoff.RandomizationFactor
	b.MaxElapsedTime = 0
	b.Reset()

	d := b.InitialInterval
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}
	if d < floor {
		d = floor
	}
	return d
}

type hop struct {
	to     Status
	reason string
}

func (m *Machine) transition(ctx context.Context, job *Job, to Status, reason string, mutate func(*Job)) error {
	return m.walk(ctx, job, func(*Job) []hop {
		return []hop{{to: to, reason: reason}}
	}, mutate)
}

// walk applies the hops returned by route as a single compare-and-set write.
// Every hop is checked against the FSM and recorded in the history.
func (m *Machine) walk(ctx context.Context, job *Job, route func(current *Job) []hop, mutate func(*Job)) error {
	var lastErr error
	for i := 0; i < staleRetries; i++ {
		current, err := m.store.GetJob(ctx, job.ID)
		if err != nil {
			return err
		}

		from := current.Status
		next := current.Clone()
		next.UpdatedAt = m.now()
		for _, h := range route(current) {
			if err := m.fsm.Check(next.Status, h.to); err != nil {
				*job = *current
				return fmt.Errorf("job %s: %w", job.ID, err)
			}
			next.History = append(next.History, Transition{From: next.Status, To: h.to, At: next.UpdatedAt, Reason: h.reason})
			next.Status = h.to
		}
		mutate(next)

		err = m.store.UpdateJob(ctx, next, from)
		if errors.Is(err, ErrStaleJob) {
			lastErr = err
			continue
		}
		if err != nil {
			return err
		}

		*job = *next
		m.logger.Info("job transitioned",
			zap.String("job_id", job.ID),
			zap.String("credential_id", job.CredentialID),
			zap.String("report_id", job.ReportID),
			zap.String("from", string(from)),
			zap.String("to", string(job.Status)),
			zap.Int("attempts", job.AttemptCount),
		)
		return nil
	}
	return lastErr
}

func (m *Machine) publish(ctx context.Context, job *Job) {
	e := Event{
		ID:           uuid.NewString(),
		Type:         jobEventType(job.Status),
		RunID:        job.RunID,
		JobID:        job.ID,
		CredentialID: job.CredentialID,
		ReportID:     job.ReportID,
		Status:       string(job.Status),
		ErrorKind:    job.ErrorKind,
		Error:        job.LastError,
		OccurredAt:   m.now(),
	}
	if err := m.publisher.Publish(ctx, e); err != nil {
		m.logger.Error("publish job event", zap.String("job_id", job.ID), zap.Error(err))
	}
}
