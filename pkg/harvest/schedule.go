package harvest

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ezpaarse-project/ezmesure-harvester/pkg/frequency"
	"github.com/ezpaarse-project/ezmesure-harvester/pkg/sushi"
)

// Schedule asks for every credential's reports of the previous period at
// each cron tick. An empty Reports list means every report the registry
// knows for the credential's release.
type Schedule struct {
	Name      string   `yaml:"name" mapstructure:"name" json:"name"`
	Cron      string   `yaml:"cron" mapstructure:"cron" json:"cron"`
	Frequency string   `yaml:"frequency" mapstructure:"frequency" json:"frequency"`
	Reports   []string `yaml:"reports" mapstructure:"reports" json:"reports,omitempty"`
}

type schedule struct {
	Schedule
	freq frequency.Frequency
}

func parseSchedules(in []Schedule) ([]schedule, error) {
	seen := make(map[string]struct{}, len(in))
	out := make([]schedule, 0, len(in))
	for _, s := range in {
		if s.Name == "" {
			return nil, fmt.Errorf("schedule with frequency %q has no name", s.Frequency)
		}
		if _, ok := seen[s.Name]; ok {
			return nil, fmt.Errorf("duplicate schedule %q", s.Name)
		}
		seen[s.Name] = struct{}{}

		f, err := frequency.Parse(s.Frequency)
		if err != nil {
			return nil, fmt.Errorf("schedule %q: %w", s.Name, err)
		}
		out = append(out, schedule{Schedule: s, freq: f})
	}
	return out, nil
}

// TriggerOptions narrows a manual or scheduled trigger.
type TriggerOptions struct {
	// Now is the reference time; the zero value means the orchestrator clock.
	Now time.Time

	// Schedules restricts the schedules evaluated. Empty means all.
	Schedules []string

	// Credentials restricts the credentials evaluated. Empty means all.
	Credentials []string

	// Reports replaces the schedule report lists.
	Reports []string

	// Force re-creates jobs whose previous attempt chain failed or was
	// interrupted.
	Force bool

	Trigger string
}

func (o *Orchestrator) selectSchedules(names []string) ([]schedule, error) {
	if len(names) == 0 {
		return o.schedules, nil
	}
	out := make([]schedule, 0, len(names))
	for _, name := range names {
		found := false
		for _, s := range o.schedules {
			if s.Name == name {
				out = append(out, s)
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("%w: %s", ErrUnknownSchedule, name)
		}
	}
	return out, nil
}

// blocked reports whether existing jobs of a tuple prevent a new one.
func blocked(existing []*Job, force bool) bool {
	for _, j := range existing {
		switch j.Status {
		case StatusWaiting, StatusRunning, StatusFinished:
			return true
		case StatusFailed, StatusInterrupted:
			if !force {
				return true
			}
		}
	}
	return false
}

type tupleKey struct {
	credentialID string
	reportID     string
	periodStart  int64
}

func (o *Orchestrator) dueJobs(ctx context.Context, scheds []schedule, creds []sushi.Credential, opts TriggerOptions, now time.Time) ([]*Job, error) {
	seen := make(map[tupleKey]struct{})
	var due []*Job

	for _, s := range scheds {
		period := s.freq.PreviousPeriod(now.In(o.location))
		reports := s.Reports
		if len(opts.Reports) > 0 {
			reports = opts.Reports
		}

		for _, cred := range creds {
			ids := reports
			if len(ids) == 0 {
				ids = o.registry.Reports(cred.Version)
			}
			if len(ids) == 0 {
				o.logger.Warn("no reports known for credential release",
					zap.String("credential_id", cred.ID),
					zap.String("version", cred.Version),
				)
				continue
			}

			for _, id := range ids {
				id = strings.ToLower(id)
				if !cred.WantsReport(id) {
					continue
				}
				k := tupleKey{cred.ID, id, period.Start.UnixNano()}
				if _, ok := seen[k]; ok {
					continue
				}
				seen[k] = struct{}{}

				start := period.Start
				existing, err := o.store.ListJobs(ctx, JobFilter{
					CredentialID: cred.ID,
					ReportID:     id,
					PeriodStart:  &start,
				})
				if err != nil {
					return nil, fmt.Errorf("list jobs of %s/%s: %w", cred.ID, id, err)
				}
				if blocked(existing, opts.Force) {
					continue
				}

				created := o.now()
				due = append(due, &Job{
					ID:           uuid.NewString(),
					CredentialID: cred.ID,
					ReportID:     id,
					Version:      cred.Version,
					PeriodStart:  period.Start,
					PeriodEnd:    period.End,
					Status:       StatusWaiting,
					CreatedAt:    created,
					UpdatedAt:    created,
				})
			}
		}
	}
	return due, nil
}

// Trigger evaluates the selected schedules at opts.Now, creates a run for the
// due jobs and dispatches them. It returns a nil run when nothing is due.
func (o *Orchestrator) Trigger(ctx context.Context, opts TriggerOptions) (*Run, error) {
	if err := o.ready(); err != nil {
		return nil, err
	}
	now := opts.Now
	if now.IsZero() {
		now = o.now()
	}
	if opts.Trigger == "" {
		opts.Trigger = TriggerManual
	}
	o.stats.ticks.Add(1)

	scheds, err := o.selectSchedules(opts.Schedules)
	if err != nil {
		return nil, err
	}
	creds, err := o.credentials.ListCredentials(ctx, CredentialFilter{IDs: opts.Credentials})
	if err != nil {
		o.logger.Error("tick aborted: list credentials", zap.Error(err))
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	o.rememberCredentials(creds)

	due, err := o.dueJobs(ctx, scheds, creds, opts, now)
	if err != nil {
		o.logger.Error("tick aborted: due detection", zap.Error(err))
		return nil, err
	}
	if len(due) == 0 {
		o.logger.Debug("nothing due", zap.Time("now", now), zap.Int("credentials", len(creds)))
		return nil, nil
	}

	names := make([]string, 0, len(scheds))
	for _, s := range scheds {
		names = append(names, s.Name)
	}
	run := &Run{
		ID:           uuid.NewString(),
		Trigger:      opts.Trigger,
		Schedule:     strings.Join(names, ","),
		TriggeredAt:  now,
		PeriodStart:  due[0].PeriodStart,
		PeriodEnd:    due[0].PeriodEnd,
		Status:       RunRunning,
		TotalJobs:    len(due),
		StillRunning: len(due),
	}
	for _, j := range due {
		if j.PeriodStart.Before(run.PeriodStart) {
			run.PeriodStart = j.PeriodStart
		}
		if j.PeriodEnd.After(run.PeriodEnd) {
			run.PeriodEnd = j.PeriodEnd
		}
	}
	if err := o.store.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	o.stats.runs.Add(1)
	o.trackRun(run.ID)

	created := make([]*Job, 0, len(due))
	for _, j := range due {
		j.RunID = run.ID
		if err := o.store.CreateJob(ctx, j); err != nil {
			if IsDuplicateJob(err) {
				o.logger.Debug("job already active",
					zap.String("credential_id", j.CredentialID),
					zap.String("report_id", j.ReportID),
				)
				continue
			}
			o.logger.Error("create job", zap.String("credential_id", j.CredentialID), zap.String("report_id", j.ReportID), zap.Error(err))
			continue
		}
		created = append(created, j)
	}
	o.stats.jobs.Add(int64(len(created)))

	o.settleRun(context.WithoutCancel(ctx), run.ID)
	for _, j := range created {
		o.enqueue(j)
	}

	o.logger.Info("run created",
		zap.String("run_id", run.ID),
		zap.String("trigger", run.Trigger),
		zap.String("schedule", run.Schedule),
		zap.Int("jobs", len(created)),
		zap.Time("period_start", run.PeriodStart),
	)
	return o.store.GetRun(ctx, run.ID)
}

// Tick evaluates every schedule as a scheduled trigger.
func (o *Orchestrator) Tick(ctx context.Context, now time.Time) (*Run, error) {
	return o.Trigger(ctx, TriggerOptions{Now: now, Trigger: TriggerSchedule})
}

// TickSchedule is the cron entry point of one schedule. A tick that overlaps
// a previous one of the same schedule, or follows it too closely, is dropped.
func (o *Orchestrator) TickSchedule(ctx context.Context, name string, now time.Time) (*Run, error) {
	scheds, err := o.selectSchedules([]string{name})
	if err != nil {
		return nil, err
	}
	minGap := scheds[0].freq.Resolution()
	if o.minTickInterval < minGap {
		minGap = o.minTickInterval
	}

	o.mu.Lock()
	if o.ticking[name] {
		o.mu.Unlock()
		o.logger.Warn("tick skipped: previous tick still running", zap.String("schedule", name))
		return nil, nil
	}
	if last, ok := o.lastTick[name]; ok && now.Sub(last) < minGap {
		o.mu.Unlock()
		o.logger.Debug("tick skipped: too close to previous tick", zap.String("schedule", name), zap.Time("last", last))
		return nil, nil
	}
	o.ticking[name] = true
	o.mu.Unlock()

	run, err := o.Trigger(ctx, TriggerOptions{Now: now, Schedules: []string{name}, Trigger: TriggerSchedule})

	o.mu.Lock()
	o.ticking[name] = false
	if err == nil {
		o.lastTick[name] = now
	}
	o.mu.Unlock()
	return run, err
}
