package harvest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/ezpaarse-project/ezmesure-harvester/pkg/counter"
	"github.com/ezpaarse-project/ezmesure-harvester/pkg/frequency"
	"github.com/ezpaarse-project/ezmesure-harvester/pkg/limiter"
	"github.com/ezpaarse-project/ezmesure-harvester/pkg/normalizer"
	"github.com/ezpaarse-project/ezmesure-harvester/pkg/sushi"
)

const (
	DefaultWorkers         = 8
	DefaultJobTimeout      = 10 * time.Minute
	DefaultMinTickInterval = time.Minute

	persistTimeout = 30 * time.Second
)

type phase int

const (
	phaseQueued phase = iota
	phaseDelayed
	phaseAdmitting
	phaseRunning
)

// activeJob is a job owned by this process between its enqueue and its
// settlement.
type activeJob struct {
	id           string
	runID        string
	credentialID string
	ctx          context.Context
	cancel       context.CancelCauseFunc
	phase        phase
	timer        *time.Timer
}

type runTracker struct {
	ctx       context.Context
	cancel    context.CancelCauseFunc
	done      chan struct{}
	cancelled bool
}

// credentialQueue keeps the jobs of one credential in dispatch order. At most
// one dispatcher goroutine drains it.
type credentialQueue struct {
	ids    []string
	active bool
}

type counters struct {
	ticks       atomic.Int64
	runs        atomic.Int64
	jobs        atomic.Int64
	started     atomic.Int64
	finished    atomic.Int64
	failed      atomic.Int64
	retried     atomic.Int64
	interrupted atomic.Int64
	cancelled   atomic.Int64
}

type Stats struct {
	Ticks           int64         `json:"ticks"`
	RunsCreated     int64         `json:"runs_created"`
	JobsCreated     int64         `json:"jobs_created"`
	JobsStarted     int64         `json:"jobs_started"`
	JobsFinished    int64         `json:"jobs_finished"`
	JobsFailed      int64         `json:"jobs_failed"`
	JobsRetried     int64         `json:"jobs_retried"`
	JobsInterrupted int64         `json:"jobs_interrupted"`
	JobsCancelled   int64         `json:"jobs_cancelled"`
	ActiveRuns      int           `json:"active_runs"`
	Queued          int           `json:"queued"`
	Delayed         int           `json:"delayed"`
	Running         int           `json:"running"`
	Workers         int           `json:"workers"`
	Limiter         limiter.Stats `json:"limiter"`
}

// Orchestrator turns schedule ticks into runs of jobs and drives every job
// through the pipeline under the credential limiter.
type Orchestrator struct {
	store       Store
	credentials CredentialSource
	registry    *counter.Registry
	fetcher     Fetcher
	limiter     *limiter.Limiter
	writer      normalizer.Writer
	archive     Archive
	exporter    Exporter
	publisher   Publisher
	machine     *Machine

	rawSchedules    []Schedule
	schedules       []schedule
	workers         int
	jobTimeout      time.Duration
	minTickInterval time.Duration
	location        *time.Location
	now             func() time.Time
	logger          *zap.Logger
	machineOpts     []MachineOption

	// stageHook is called on entry of every pipeline stage.
	stageHook func(stage string)

	slots *semaphore.Weighted

	baseCtx    context.Context
	cancelBase context.CancelCauseFunc
	stopParent func() bool
	wg         sync.WaitGroup

	mu       sync.Mutex
	started  bool
	stopping bool
	runs     map[string]*runTracker
	jobs     map[string]*activeJob
	queues   map[string]*credentialQueue
	creds    map[string]sushi.Credential
	lastTick map[string]time.Time
	ticking  map[string]bool

	// runMu serializes run counter updates.
	runMu sync.Mutex

	stats counters
}

type Option func(*Orchestrator)

func WithStore(s Store) Option {
	return func(o *Orchestrator) {
		o.store = s
	}
}

func WithCredentialSource(c CredentialSource) Option {
	return func(o *Orchestrator) {
		o.credentials = c
	}
}

func WithRegistry(r *counter.Registry) Option {
	return func(o *Orchestrator) {
		o.registry = r
	}
}

func WithFetcher(f Fetcher) Option {
	return func(o *Orchestrator) {
		o.fetcher = f
	}
}

func WithLimiter(l *limiter.Limiter) Option {
	return func(o *Orchestrator) {
		o.limiter = l
	}
}

func WithWriter(w normalizer.Writer) Option {
	return func(o *Orchestrator) {
		o.writer = w
	}
}

// WithArchive stores raw payloads, and exports when an exporter is set.
func WithArchive(a Archive) Option {
	return func(o *Orchestrator) {
		o.archive = a
	}
}

func WithExporter(e Exporter) Option {
	return func(o *Orchestrator) {
		o.exporter = e
	}
}

func WithPublisher(p Publisher) Option {
	return func(o *Orchestrator) {
		o.publisher = p
	}
}

func WithSchedules(s ...Schedule) Option {
	return func(o *Orchestrator) {
		o.rawSchedules = append(o.rawSchedules, s...)
	}
}

// WithWorkers bounds the number of jobs executing at once.
func WithWorkers(n int) Option {
	return func(o *Orchestrator) {
		o.workers = n
	}
}

func WithJobTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		o.jobTimeout = d
	}
}

func WithMaxRetries(n int) Option {
	return func(o *Orchestrator) {
		o.machineOpts = append(o.machineOpts, MachineWithMaxRetries(n))
	}
}

func WithBackoff(cfg BackoffConfig) Option {
	return func(o *Orchestrator) {
		o.machineOpts = append(o.machineOpts, MachineWithBackoff(cfg))
	}
}

// WithLocation sets the time zone periods are computed in.
func WithLocation(loc *time.Location) Option {
	return func(o *Orchestrator) {
		o.location = loc
	}
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
	}
}

func WithMinTickInterval(d time.Duration) Option {
	return func(o *Orchestrator) {
		o.minTickInterval = d
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = l
	}
}

func withStageHook(fn func(stage string)) Option {
	return func(o *Orchestrator) {
		o.stageHook = fn
	}
}

func NewOrchestrator(opts ...Option) (*Orchestrator, error) {
	o := &Orchestrator{
		store:           NewMemoryStore(),
		credentials:     StaticCredentials{},
		publisher:       NoopPublisher{},
		workers:         DefaultWorkers,
		jobTimeout:      DefaultJobTimeout,
		minTickInterval: DefaultMinTickInterval,
		location:        time.UTC,
		now:             time.Now,
		logger:          zap.NewNop(),

		runs:     make(map[string]*runTracker),
		jobs:     make(map[string]*activeJob),
		queues:   make(map[string]*credentialQueue),
		creds:    make(map[string]sushi.Credential),
		lastTick: make(map[string]time.Time),
		ticking:  make(map[string]bool),
	}
	for _, opt := range opts {
		opt(o)
	}

	if o.registry == nil {
		r, err := counter.NewRegistry(counter.WithLogger(o.logger.Named("registry")))
		if err != nil {
			return nil, err
		}
		o.registry = r
	}
	if o.fetcher == nil {
		o.fetcher = sushi.NewClient(sushi.WithLogger(o.logger.Named("sushi")))
	}
	if o.limiter == nil {
		o.limiter = limiter.New(limiter.Config{}, limiter.WithLogger(o.logger.Named("limiter")))
	}
	if o.writer == nil {
		o.writer = normalizer.NewMemoryWriter()
	}
	if o.workers < 1 {
		o.workers = DefaultWorkers
	}
	if o.jobTimeout <= 0 {
		o.jobTimeout = DefaultJobTimeout
	}

	scheds, err := parseSchedules(o.rawSchedules)
	if err != nil {
		return nil, err
	}
	o.schedules = scheds
	o.slots = semaphore.NewWeighted(int64(o.workers))

	mopts := []MachineOption{
		MachineWithLogger(o.logger.Named("machine")),
		MachineWithPublisher(o.publisher),
		MachineWithClock(o.now),
	}
	o.machine = NewMachine(o.store, append(mopts, o.machineOpts...)...)
	return o, nil
}

// Start recovers the jobs left by a previous process and accepts triggers.
// Cancelling ctx has the effect of Shutdown without waiting.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return nil
	}
	o.baseCtx, o.cancelBase = context.WithCancelCause(context.WithoutCancel(ctx))
	o.stopParent = context.AfterFunc(ctx, func() {
		o.cancelBase(ErrShutdown)
	})
	o.started = true
	o.mu.Unlock()

	creds, err := o.credentials.ListCredentials(ctx, CredentialFilter{})
	if err != nil {
		o.logger.Warn("load credentials", zap.Error(err))
	} else {
		o.rememberCredentials(creds)
	}
	return o.recoverJobs(ctx)
}

// recoverJobs marks jobs found running as interrupted, since their outcome is
// unknown, and dispatches the waiting ones again.
func (o *Orchestrator) recoverJobs(ctx context.Context) error {
	jobs, err := o.store.ListJobs(ctx, JobFilter{Statuses: []Status{StatusWaiting, StatusRunning}})
	if err != nil {
		return fmt.Errorf("recover jobs: %w", err)
	}

	touched := make(map[string]struct{})
	for _, j := range jobs {
		touched[j.RunID] = struct{}{}
		if j.Status == StatusRunning {
			if err := o.machine.Interrupt(ctx, j, errors.New("harvester restarted during the job")); err != nil {
				o.logger.Error("interrupt orphaned job", zap.String("job_id", j.ID), zap.Error(err))
				continue
			}
			o.stats.interrupted.Add(1)
			continue
		}

		o.trackRun(j.RunID)
		if j.NextAttemptAt != nil && j.NextAttemptAt.After(o.now()) {
			o.delay(j, j.NextAttemptAt.Sub(o.now()))
		} else {
			o.enqueue(j)
		}
	}
	for runID := range touched {
		o.settleRun(ctx, runID)
	}
	if len(jobs) > 0 {
		o.logger.Info("recovered jobs", zap.Int("jobs", len(jobs)), zap.Int("runs", len(touched)))
	}
	return nil
}

func (o *Orchestrator) ready() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.started {
		return ErrNotStarted
	}
	if o.stopping || context.Cause(o.baseCtx) != nil {
		return ErrShutdown
	}
	return nil
}

// Shutdown stops dispatching. Running jobs are interrupted; queued and
// delayed jobs stay waiting for the next Start.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	if !o.started || o.stopping {
		o.mu.Unlock()
		return nil
	}
	o.stopping = true
	for _, aj := range o.jobs {
		if aj.phase == phaseDelayed && aj.timer != nil {
			aj.timer.Stop()
		}
	}
	o.mu.Unlock()

	o.cancelBase(ErrShutdown)
	o.stopParent()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		o.logger.Info("orchestrator stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown: %w", ctx.Err())
	}
}

func (o *Orchestrator) persistCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(o.baseCtx), persistTimeout)
}

func (o *Orchestrator) rememberCredentials(creds []sushi.Credential) {
	o.mu.Lock()
	for _, c := range creds {
		o.creds[c.ID] = c
	}
	o.mu.Unlock()

	for _, c := range creds {
		if c.MaxConcurrency > 0 {
			o.limiter.SetCeiling(c.ID, c.MaxConcurrency)
		}
	}
}

func (o *Orchestrator) credential(ctx context.Context, id string) (sushi.Credential, error) {
	o.mu.Lock()
	c, ok := o.creds[id]
	o.mu.Unlock()
	if ok {
		return c, nil
	}

	creds, err := o.credentials.ListCredentials(ctx, CredentialFilter{IDs: []string{id}})
	if err != nil {
		return sushi.Credential{}, fmt.Errorf("load credential %s: %w", id, err)
	}
	if len(creds) == 0 {
		return sushi.Credential{}, fmt.Errorf("%w: %s", ErrCredentialAbsent, id)
	}
	o.rememberCredentials(creds)
	return creds[0], nil
}

func (o *Orchestrator) trackRun(runID string) *runTracker {
	o.mu.Lock()
	defer o.mu.Unlock()
	if tr, ok := o.runs[runID]; ok {
		return tr
	}
	ctx, cancel := context.WithCancelCause(o.baseCtx)
	tr := &runTracker{ctx: ctx, cancel: cancel, done: make(chan struct{})}
	o.runs[runID] = tr
	return tr
}

func (o *Orchestrator) activeLocked(job *Job) *activeJob {
	if aj, ok := o.jobs[job.ID]; ok {
		return aj
	}
	parent := o.baseCtx
	if tr, ok := o.runs[job.RunID]; ok {
		parent = tr.ctx
	}
	ctx, cancel := context.WithCancelCause(parent)
	aj := &activeJob{
		id:           job.ID,
		runID:        job.RunID,
		credentialID: job.CredentialID,
		ctx:          ctx,
		cancel:       cancel,
	}
	o.jobs[job.ID] = aj
	return aj
}

func (o *Orchestrator) pushLocked(aj *activeJob) {
	aj.phase = phaseQueued
	aj.timer = nil

	q, ok := o.queues[aj.credentialID]
	if !ok {
		q = &credentialQueue{}
		o.queues[aj.credentialID] = q
	}
	q.ids = append(q.ids, aj.id)
	if !q.active {
		q.active = true
		o.wg.Add(1)
		go o.dispatch(aj.credentialID)
	}
}

func (o *Orchestrator) unqueueLocked(aj *activeJob) {
	q, ok := o.queues[aj.credentialID]
	if !ok {
		return
	}
	for i, id := range q.ids {
		if id == aj.id {
			q.ids = append(q.ids[:i], q.ids[i+1:]...)
			return
		}
	}
}

func (o *Orchestrator) enqueue(job *Job) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.stopping {
		return
	}
	o.pushLocked(o.activeLocked(job))
}

// delay dispatches job again after d.
func (o *Orchestrator) delay(job *Job, d time.Duration) {
	o.mu.Lock()
	if o.stopping {
		o.mu.Unlock()
		return
	}
	aj := o.activeLocked(job)
	if aj.ctx.Err() != nil {
		o.mu.Unlock()
		o.abandon(aj)
		return
	}
	aj.phase = phaseDelayed
	aj.timer = time.AfterFunc(d, func() {
		o.wake(aj.id)
	})
	o.mu.Unlock()
}

func (o *Orchestrator) wake(id string) {
	o.mu.Lock()
	aj, ok := o.jobs[id]
	if !ok || aj.phase != phaseDelayed || o.stopping {
		o.mu.Unlock()
		return
	}
	if aj.ctx.Err() != nil {
		o.mu.Unlock()
		o.abandon(aj)
		return
	}
	o.pushLocked(aj)
	o.mu.Unlock()
}

// dispatch admits the queued jobs of one credential in order.
func (o *Orchestrator) dispatch(credentialID string) {
	defer o.wg.Done()
	log := o.logger.With(zap.String("credential_id", credentialID))

	for {
		o.mu.Lock()
		q := o.queues[credentialID]
		if o.stopping || len(q.ids) == 0 {
			q.active = false
			o.mu.Unlock()
			return
		}
		id := q.ids[0]
		q.ids = q.ids[1:]
		aj, ok := o.jobs[id]
		if !ok || aj.phase != phaseQueued {
			o.mu.Unlock()
			continue
		}
		aj.phase = phaseAdmitting
		o.mu.Unlock()

		permit, err := o.limiter.Admit(aj.ctx, credentialID)
		if err != nil {
			log.Debug("admission abandoned", zap.String("job_id", id), zap.Error(err))
			o.abandon(aj)
			continue
		}
		if err := o.slots.Acquire(aj.ctx, 1); err != nil {
			permit.Release()
			log.Debug("worker slot abandoned", zap.String("job_id", id), zap.Error(err))
			o.abandon(aj)
			continue
		}

		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			defer o.slots.Release(1)
			defer permit.Release()
			o.execute(aj)
		}()
	}
}

// abandon settles a job that never started. Jobs dropped by a shutdown stay
// waiting.
func (o *Orchestrator) abandon(aj *activeJob) {
	cause := context.Cause(aj.ctx)
	if errors.Is(cause, ErrShutdown) || context.Cause(o.baseCtx) != nil {
		o.forget(aj.id)
		return
	}

	ctx, cancel := o.persistCtx()
	defer cancel()

	job, err := o.store.GetJob(ctx, aj.id)
	if err != nil {
		o.logger.Error("load abandoned job", zap.String("job_id", aj.id), zap.Error(err))
		o.forget(aj.id)
		return
	}
	reason := "cancelled"
	if cause != nil {
		reason = cause.Error()
	}
	if err := o.machine.Cancel(ctx, job, reason); err != nil {
		o.logger.Warn("cancel job", zap.String("job_id", aj.id), zap.Error(err))
	}
	o.settle(ctx, job)
}

func (o *Orchestrator) forget(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	aj, ok := o.jobs[id]
	if !ok {
		return
	}
	if aj.timer != nil {
		aj.timer.Stop()
	}
	aj.cancel(nil)
	delete(o.jobs, id)
}

func (o *Orchestrator) execute(aj *activeJob) {
	persist, cancelPersist := o.persistCtx()
	defer cancelPersist()

	o.mu.Lock()
	if aj.ctx.Err() != nil {
		o.mu.Unlock()
		o.abandon(aj)
		return
	}
	aj.phase = phaseRunning
	o.mu.Unlock()

	job, err := o.store.GetJob(persist, aj.id)
	if err != nil {
		o.logger.Error("load job", zap.String("job_id", aj.id), zap.Error(err))
		o.forget(aj.id)
		return
	}
	if err := o.machine.Start(persist, job); err != nil {
		o.logger.Warn("job not started", zap.String("job_id", job.ID), zap.Error(err))
		o.forget(aj.id)
		o.settleRun(persist, job.RunID)
		return
	}
	o.stats.started.Add(1)

	ctx, cancel := context.WithTimeoutCause(aj.ctx, o.jobTimeout, ErrJobDeadline)
	res, perr := o.runPipeline(ctx, job)
	ended := ctx.Err() != nil
	cause := context.Cause(ctx)
	cancel()

	switch {
	case ended && errors.Is(cause, ErrJobDeadline):
		err := fmt.Errorf("%w after %s", ErrJobDeadline, o.jobTimeout)
		if perr != nil {
			err = fmt.Errorf("%w after %s: %v", ErrJobDeadline, o.jobTimeout, perr)
		}
		o.fail(persist, job, err)
	case ended && errors.Is(cause, ErrJobCancelled):
		if err := o.machine.Cancel(persist, job, cause.Error()); err != nil {
			o.logger.Error("cancel job", zap.String("job_id", job.ID), zap.Error(err))
		}
		o.settle(persist, job)
	case ended:
		if err := o.machine.Interrupt(persist, job, cause); err != nil {
			o.logger.Error("interrupt job", zap.String("job_id", job.ID), zap.Error(err))
		}
		o.settle(persist, job)
	case perr != nil:
		o.fail(persist, job, perr)
	default:
		if err := o.machine.Finish(persist, job, res); err != nil {
			o.logger.Error("finish job", zap.String("job_id", job.ID), zap.Error(err))
		}
		o.settle(persist, job)
	}
}

func (o *Orchestrator) fail(ctx context.Context, job *Job, cause error) {
	d, err := o.machine.Fail(ctx, job, cause)
	if err != nil {
		o.logger.Error("record job failure", zap.String("job_id", job.ID), zap.Error(err))
		o.forget(job.ID)
		o.settleRun(ctx, job.RunID)
		return
	}
	if d.Retry {
		o.stats.retried.Add(1)
		o.logger.Info("job retry scheduled",
			zap.String("job_id", job.ID),
			zap.Int("attempts", job.AttemptCount),
			zap.Duration("delay", d.Delay),
			zap.String("kind", d.Kind),
		)
		o.delay(job, d.Delay)
		return
	}
	o.settle(ctx, job)
}

func (o *Orchestrator) settle(ctx context.Context, job *Job) {
	o.forget(job.ID)
	switch job.Status {
	case StatusFinished:
		o.stats.finished.Add(1)
	case StatusFailed:
		o.stats.failed.Add(1)
	case StatusInterrupted:
		o.stats.interrupted.Add(1)
	case StatusCancelled:
		o.stats.cancelled.Add(1)
	}
	o.settleRun(ctx, job.RunID)
}

// settleRun recomputes the counters of a run from its jobs, and completes it
// once no job is waiting or running.
func (o *Orchestrator) settleRun(ctx context.Context, runID string) {
	o.runMu.Lock()
	defer o.runMu.Unlock()

	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		o.logger.Error("load run", zap.String("run_id", runID), zap.Error(err))
		return
	}
	jobs, err := o.store.ListJobs(ctx, JobFilter{RunID: runID})
	if err != nil {
		o.logger.Error("list run jobs", zap.String("run_id", runID), zap.Error(err))
		return
	}
	run.Count(jobs)

	o.mu.Lock()
	tr := o.runs[runID]
	cancelled := tr != nil && tr.cancelled
	o.mu.Unlock()

	completed := false
	switch {
	case run.StillRunning == 0 && run.Status == RunRunning:
		completed = true
		now := o.now()
		run.CompletedAt = &now
		run.Status = RunCompleted
		if cancelled {
			run.Status = RunCancelled
		}
	case run.StillRunning > 0:
		run.Status = RunRunning
		run.CompletedAt = nil
	}
	if err := o.store.UpdateRun(ctx, run); err != nil {
		o.logger.Error("update run", zap.String("run_id", runID), zap.Error(err))
		return
	}
	if !completed {
		return
	}

	o.logger.Info("run completed",
		zap.String("run_id", runID),
		zap.String("status", string(run.Status)),
		zap.Int("succeeded", run.Succeeded),
		zap.Int("failed", run.Failed),
		zap.Int("interrupted", run.Interrupted),
		zap.Int("cancelled", run.Cancelled),
	)
	e := Event{
		ID:         uuid.NewString(),
		Type:       EventRunCompleted,
		RunID:      runID,
		Status:     string(run.Status),
		Run:        run.Clone(),
		OccurredAt: o.now(),
	}
	if err := o.publisher.Publish(ctx, e); err != nil {
		o.logger.Error("publish run event", zap.String("run_id", runID), zap.Error(err))
	}

	o.mu.Lock()
	if tr, ok := o.runs[runID]; ok {
		close(tr.done)
		tr.cancel(nil)
		delete(o.runs, runID)
	}
	o.mu.Unlock()
}

// Wait blocks until the run completes.
func (o *Orchestrator) Wait(ctx context.Context, runID string) error {
	o.mu.Lock()
	tr, ok := o.runs[runID]
	o.mu.Unlock()
	if !ok {
		run, err := o.store.GetRun(ctx, runID)
		if err != nil {
			return err
		}
		if run.Status != RunRunning {
			return nil
		}
		return fmt.Errorf("run %s is not dispatched by this process", runID)
	}

	select {
	case <-tr.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CancelRun cancels the queued jobs of a run and interrupts its running ones.
func (o *Orchestrator) CancelRun(ctx context.Context, runID string) error {
	if err := o.ready(); err != nil {
		return err
	}

	o.mu.Lock()
	tr, ok := o.runs[runID]
	if !ok {
		o.mu.Unlock()
		_, err := o.store.GetRun(ctx, runID)
		return err
	}
	tr.cancelled = true
	tr.cancel(ErrRunCancelled)

	var direct []*activeJob
	for _, aj := range o.jobs {
		if aj.runID != runID {
			continue
		}
		switch aj.phase {
		case phaseQueued:
			o.unqueueLocked(aj)
			direct = append(direct, aj)
		case phaseDelayed:
			if aj.timer.Stop() {
				direct = append(direct, aj)
			}
		}
	}
	o.mu.Unlock()

	for _, aj := range direct {
		o.abandon(aj)
	}
	o.logger.Info("run cancelled", zap.String("run_id", runID), zap.Int("unstarted", len(direct)))
	return nil
}

// CancelJob cancels one job. A running job stops at its next blocking point.
func (o *Orchestrator) CancelJob(ctx context.Context, id string) error {
	if err := o.ready(); err != nil {
		return err
	}

	o.mu.Lock()
	aj, ok := o.jobs[id]
	if !ok {
		o.mu.Unlock()
		job, err := o.store.GetJob(ctx, id)
		if err != nil {
			return err
		}
		if err := o.machine.Cancel(ctx, job, ErrJobCancelled.Error()); err != nil {
			return err
		}
		o.settleRun(ctx, job.RunID)
		return nil
	}

	aj.cancel(ErrJobCancelled)
	direct := false
	switch aj.phase {
	case phaseQueued:
		o.unqueueLocked(aj)
		direct = true
	case phaseDelayed:
		direct = aj.timer.Stop()
	}
	o.mu.Unlock()

	if direct {
		o.abandon(aj)
	}
	return nil
}

// RetryJob re-dispatches a failed or interrupted job with a fresh attempt
// budget.
func (o *Orchestrator) RetryJob(ctx context.Context, id string) (*Job, error) {
	if err := o.ready(); err != nil {
		return nil, err
	}
	job, err := o.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := o.machine.Requeue(ctx, job); err != nil {
		return nil, err
	}
	o.trackRun(job.RunID)
	o.settleRun(ctx, job.RunID)
	o.enqueue(job)
	return job, nil
}

func (o *Orchestrator) Stats() Stats {
	st := Stats{
		Ticks:           o.stats.ticks.Load(),
		RunsCreated:     o.stats.runs.Load(),
		JobsCreated:     o.stats.jobs.Load(),
		JobsStarted:     o.stats.started.Load(),
		JobsFinished:    o.stats.finished.Load(),
		JobsFailed:      o.stats.failed.Load(),
		JobsRetried:     o.stats.retried.Load(),
		JobsInterrupted: o.stats.interrupted.Load(),
		JobsCancelled:   o.stats.cancelled.Load(),
		Workers:         o.workers,
		Limiter:         o.limiter.Stats(),
	}

	o.mu.Lock()
	st.ActiveRuns = len(o.runs)
	for _, aj := range o.jobs {
		switch aj.phase {
		case phaseQueued, phaseAdmitting:
			st.Queued++
		case phaseDelayed:
			st.Delayed++
		case phaseRunning:
			st.Running++
		}
	}
	o.mu.Unlock()
	return st
}

func (o *Orchestrator) Schedules() []Schedule {
	out := make([]Schedule, 0, len(o.schedules))
	for _, s := range o.schedules {
		out = append(out, s.Schedule)
	}
	return out
}

func (o *Orchestrator) Registry() *counter.Registry {
	return o.registry
}

func (o *Orchestrator) Run(ctx context.Context, id string) (*Run, error) {
	return o.store.GetRun(ctx, id)
}

func (o *Orchestrator) Runs(ctx context.Context, filter RunFilter) ([]*Run, error) {
	return o.store.ListRuns(ctx, filter)
}

func (o *Orchestrator) Job(ctx context.Context, id string) (*Job, error) {
	return o.store.GetJob(ctx, id)
}

func (o *Orchestrator) Jobs(ctx context.Context, filter JobFilter) ([]*Job, error) {
	return o.store.ListJobs(ctx, filter)
}

func periodOf(job *Job) frequency.Period {
	return frequency.Period{Start: job.PeriodStart, End: job.PeriodEnd}
}
