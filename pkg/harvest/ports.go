package harvest

import (
	"context"
	"io"
	"time"

	"github.com/ezpaarse-project/ezmesure-harvester/pkg/normalizer"
	"github.com/ezpaarse-project/ezmesure-harvester/pkg/sushi"
)

type JobFilter struct {
	RunID        string
	CredentialID string
	ReportID     string
	PeriodStart  *time.Time
	Statuses     []Status
	Limit        int
}

func (f JobFilter) Match(j *Job) bool {
	if f.RunID != "" && j.RunID != f.RunID {
		return false
	}
	if f.CredentialID != "" && j.CredentialID != f.CredentialID {
		return false
	}
	if f.ReportID != "" && j.ReportID != f.ReportID {
		return false
	}
	if f.PeriodStart != nil && !j.PeriodStart.Equal(*f.PeriodStart) {
		return false
	}
	if len(f.Statuses) > 0 {
		for _, s := range f.Statuses {
			if j.Status == s {
				return true
			}
		}
		return false
	}
	return true
}

type RunFilter struct {
	Statuses []RunStatus
	Limit    int
}

// Store persists jobs and runs.
//
// CreateJob and UpdateJob return ErrDuplicateJob when the write would leave two
// active jobs for the same (credential, report, period start). UpdateJob only
// applies when the stored status still equals from, and returns ErrStaleJob
// otherwise.
type Store interface {
	CreateRun(ctx context.Context, run *Run) error
	UpdateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error)

	CreateJob(ctx context.Context, job *Job) error
	UpdateJob(ctx context.Context, job *Job, from Status) error
	GetJob(ctx context.Context, id string) (*Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]*Job, error)
}

type CredentialFilter struct {
	IDs []string
}

// CredentialSource is read-only.
type CredentialSource interface {
	ListCredentials(ctx context.Context, filter CredentialFilter) ([]sushi.Credential, error)
}

// Fetcher performs the SUSHI exchange.
type Fetcher interface {
	FetchReport(ctx context.Context, req sushi.Request) (*sushi.RawPayload, error)
}

// Archive receives raw payloads and exports. Implementations include the
// local filesystem and S3 repositories.
type Archive interface {
	Write(ctx context.Context, key string, r io.Reader) error
}

// Exporter writes the records of a finished job to w.
type Exporter interface {
	Extension() string
	Export(w io.Writer, records []normalizer.Record) error
}
