package postgres

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/ezpaarse-project/ezmesure-harvester/pkg/harvest"
)

//go:embed schema.sql
var schema string

const (
	DefaultTimeout = 10 * time.Second

	activeTupleIndex = "harvest_jobs_active_tuple"
	uniqueViolation  = "23505"
)

// Connect opens a pool and checks the server answers.
func Connect(ctx context.Context, connString string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return pool, nil
}

// Store persists harvest runs and jobs. The active tuple guard is the partial
// unique index harvest_jobs_active_tuple; status changes are conditional on
// the previous status.
type Store struct {
	pool    *pgxpool.Pool
	timeout time.Duration
	logger  *zap.Logger
}

type Option func(*Store)

func WithTimeout(d time.Duration) Option {
	return func(s *Store) {
		s.timeout = d
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Store) {
		s.logger = l
	}
}

func NewStore(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{
		pool:    pool,
		timeout: DefaultTimeout,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

// Migrate creates the tables and indexes when missing.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	s.logger.Info("schema ready")
	return nil
}

const runColumns = `id, trigger_kind, schedule, triggered_at, period_start, period_end, status,
	total_jobs, succeeded, failed, interrupted, cancelled, still_running, completed_at`

func (s *Store) CreateRun(ctx context.Context, run *harvest.Run) error {
	const query = `INSERT INTO harvest_runs (` + runColumns + `)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.pool.Exec(ctx, query,
		run.ID, run.Trigger, run.Schedule, run.TriggeredAt, run.PeriodStart, run.PeriodEnd, string(run.Status),
		run.TotalJobs, run.Succeeded, run.Failed, run.Interrupted, run.Cancelled, run.StillRunning, run.CompletedAt,
	)
	return err
}

func (s *Store) UpdateRun(ctx context.Context, run *harvest.Run) error {
	const query = `UPDATE harvest_runs SET
		status = $2, total_jobs = $3, succeeded = $4, failed = $5, interrupted = $6,
		cancelled = $7, still_running = $8, completed_at = $9
	WHERE id = $1`

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	tag, err := s.pool.Exec(ctx, query,
		run.ID, string(run.Status), run.TotalJobs, run.Succeeded, run.Failed, run.Interrupted,
		run.Cancelled, run.StillRunning, run.CompletedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", harvest.ErrRunNotFound, run.ID)
	}
	return nil
}

func scanRun(row pgx.Row) (*harvest.Run, error) {
	var (
		r      harvest.Run
		status string
	)
	err := row.Scan(
		&r.ID, &r.Trigger, &r.Schedule, &r.TriggeredAt, &r.PeriodStart, &r.PeriodEnd, &status,
		&r.TotalJobs, &r.Succeeded, &r.Failed, &r.Interrupted, &r.Cancelled, &r.StillRunning, &r.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	r.Status = harvest.RunStatus(status)
	return &r, nil
}

func (s *Store) GetRun(ctx context.Context, id string) (*harvest.Run, error) {
	const query = `SELECT ` + runColumns + ` FROM harvest_runs WHERE id = $1`

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	r, err := scanRun(s.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", harvest.ErrRunNotFound, id)
	}
	return r, err
}

func (s *Store) ListRuns(ctx context.Context, filter harvest.RunFilter) ([]*harvest.Run, error) {
	query := `SELECT ` + runColumns + ` FROM harvest_runs`
	var args []any
	if len(filter.Statuses) > 0 {
		statuses := make([]string, 0, len(filter.Statuses))
		for _, st := range filter.Statuses {
			statuses = append(statuses, string(st))
		}
		args = append(args, statuses)
		query += ` WHERE status = ANY($1)`
	}
	query += ` ORDER BY seq DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*harvest.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

const jobColumns = `id, run_id, credential_id, report_id, counter_version, period_start, period_end,
	status, attempt_count, last_error, error_kind, error_class,
	created_at, updated_at, started_at, completed_at, next_attempt_at, result, history`

func encodeJob(j *harvest.Job) (result, history []byte, err error) {
	if j.Result != nil {
		if result, err = json.Marshal(j.Result); err != nil {
			return nil, nil, err
		}
	}
	history = []byte("[]")
	if len(j.History) > 0 {
		if history, err = json.Marshal(j.History); err != nil {
			return nil, nil, err
		}
	}
	return result, history, nil
}

func scanJob(row pgx.Row) (*harvest.Job, error) {
	var (
		j               harvest.Job
		status, class   string
		result, history []byte
	)
	err := row.Scan(
		&j.ID, &j.RunID, &j.CredentialID, &j.ReportID, &j.Version, &j.PeriodStart, &j.PeriodEnd,
		&status, &j.AttemptCount, &j.LastError, &j.ErrorKind, &class,
		&j.CreatedAt, &j.UpdatedAt, &j.StartedAt, &j.CompletedAt, &j.NextAttemptAt, &result, &history,
	)
	if err != nil {
		return nil, err
	}
	j.Status = harvest.Status(status)
	j.ErrorClass = harvest.Class(class)
	if len(result) > 0 {
		j.Result = &harvest.Result{}
		if err := json.Unmarshal(result, j.Result); err != nil {
			return nil, fmt.Errorf("job %s result: %w", j.ID, err)
		}
	}
	if len(history) > 0 {
		if err := json.Unmarshal(history, &j.History); err != nil {
			return nil, fmt.Errorf("job %s history: %w", j.ID, err)
		}
	}
	return &j, nil
}

func isActiveTupleViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) &&
		pgErr.Code == uniqueViolation &&
		pgErr.ConstraintName == activeTupleIndex
}

func (s *Store) CreateJob(ctx context.Context, job *harvest.Job) error {
	const query = `INSERT INTO harvest_jobs (` + jobColumns + `)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`

	result, history, err := encodeJob(job)
	if err != nil {
		return err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err = s.pool.Exec(ctx, query,
		job.ID, job.RunID, job.CredentialID, job.ReportID, job.Version, job.PeriodStart, job.PeriodEnd,
		string(job.Status), job.AttemptCount, job.LastError, job.ErrorKind, string(job.ErrorClass),
		job.CreatedAt, job.UpdatedAt, job.StartedAt, job.CompletedAt, job.NextAttemptAt, result, history,
	)
	if err != nil {
		if isActiveTupleViolation(err) {
			return harvest.ErrDuplicateJob
		}
		return err
	}
	return nil
}

// UpdateJob writes job only when its stored status is still from.
func (s *Store) UpdateJob(ctx context.Context, job *harvest.Job, from harvest.Status) error {
	const query = `UPDATE harvest_jobs SET
		status = $3, attempt_count = $4, last_error = $5, error_kind = $6, error_class = $7,
		updated_at = $8, started_at = $9, completed_at = $10, next_attempt_at = $11,
		result = $12, history = $13
	WHERE id = $1 AND status = $2`

	result, history, err := encodeJob(job)
	if err != nil {
		return err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	tag, err := s.pool.Exec(ctx, query,
		job.ID, string(from),
		string(job.Status), job.AttemptCount, job.LastError, job.ErrorKind, string(job.ErrorClass),
		job.UpdatedAt, job.StartedAt, job.CompletedAt, job.NextAttemptAt, result, history,
	)
	if err != nil {
		if isActiveTupleViolation(err) {
			return harvest.ErrDuplicateJob
		}
		return err
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var current string
	err = s.pool.QueryRow(ctx, `SELECT status FROM harvest_jobs WHERE id = $1`, job.ID).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", harvest.ErrJobNotFound, job.ID)
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s is %s, expected %s", harvest.ErrStaleJob, job.ID, current, from)
}

func (s *Store) GetJob(ctx context.Context, id string) (*harvest.Job, error) {
	const query = `SELECT ` + jobColumns + ` FROM harvest_jobs WHERE id = $1`

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	j, err := scanJob(s.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", harvest.ErrJobNotFound, id)
	}
	return j, err
}

func (s *Store) ListJobs(ctx context.Context, filter harvest.JobFilter) ([]*harvest.Job, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if filter.RunID != "" {
		add("run_id = $%d", filter.RunID)
	}
	if filter.CredentialID != "" {
		add("credential_id = $%d", filter.CredentialID)
	}
	if filter.ReportID != "" {
		add("report_id = $%d", filter.ReportID)
	}
	if filter.PeriodStart != nil {
		add("period_start = $%d", *filter.PeriodStart)
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, 0, len(filter.Statuses))
		for _, st := range filter.Statuses {
			statuses = append(statuses, string(st))
		}
		add("status = ANY($%d)", statuses)
	}

	query := `SELECT ` + jobColumns + ` FROM harvest_jobs`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY seq`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*harvest.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}
