package harvest

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ezpaarse-project/ezmesure-harvester/pkg/sushi"
)

// MemoryStore is an in-process Store. It enforces the same guards as the
// postgres store.
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]*Job
	runs map[string]*Run

	// order keeps creation order for listings.
	jobOrder []string
	runOrder []string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs: make(map[string]*Job),
		runs: make(map[string]*Run),
	}
}

func (s *MemoryStore) CreateRun(ctx context.Context, run *Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.ID]; ok {
		return fmt.Errorf("run %s already exists", run.ID)
	}
	s.runs[run.ID] = run.Clone()
	s.runOrder = append(s.runOrder, run.ID)
	return nil
}

func (s *MemoryStore) UpdateRun(ctx context.Context, run *Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.ID]; !ok {
		return fmt.Errorf("%w: %s", ErrRunNotFound, run.ID)
	}
	s.runs[run.ID] = run.Clone()
	return nil
}

func (s *MemoryStore) GetRun(ctx context.Context, id string) (*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return r.Clone(), nil
}

// ListRuns returns the newest runs first.
func (s *MemoryStore) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Run
	for i := len(s.runOrder) - 1; i >= 0; i-- {
		r := s.runs[s.runOrder[i]]
		if len(filter.Statuses) > 0 && !containsRunStatus(filter.Statuses, r.Status) {
			continue
		}
		out = append(out, r.Clone())
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

func containsRunStatus(list []RunStatus, s RunStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func (s *MemoryStore) activeConflictLocked(job *Job) bool {
	if !job.Status.Active() {
		return false
	}
	for _, other := range s.jobs {
		if other.ID == job.ID || !other.Status.Active() {
			continue
		}
		if other.CredentialID == job.CredentialID &&
			other.ReportID == job.ReportID &&
			other.PeriodStart.Equal(job.PeriodStart) {
			return true
		}
	}
	return false
}

func (s *MemoryStore) CreateJob(ctx context.Context, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; ok {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	if s.activeConflictLocked(job) {
		return ErrDuplicateJob
	}
	s.jobs[job.ID] = job.Clone()
	s.jobOrder = append(s.jobOrder, job.ID)
	return nil
}

func (s *MemoryStore) UpdateJob(ctx context.Context, job *Job, from Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.jobs[job.ID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, job.ID)
	}
	if current.Status != from {
		return fmt.Errorf("%w: %s is %s, expected %s", ErrStaleJob, job.ID, current.Status, from)
	}
	if s.activeConflictLocked(job) {
		return ErrDuplicateJob
	}
	s.jobs[job.ID] = job.Clone()
	return nil
}

func (s *MemoryStore) GetJob(ctx context.Context, id string) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return j.Clone(), nil
}

// ListJobs returns jobs in creation order.
func (s *MemoryStore) ListJobs(ctx context.Context, filter JobFilter) ([]*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Job
	for _, id := range s.jobOrder {
		j := s.jobs[id]
		if !filter.Match(j) {
			continue
		}
		out = append(out, j.Clone())
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

// StaticCredentials serves credentials from configuration.
type StaticCredentials []sushi.Credential

func (c StaticCredentials) ListCredentials(ctx context.Context, filter CredentialFilter) ([]sushi.Credential, error) {
	if len(filter.IDs) == 0 {
		out := append([]sushi.Credential(nil), c...)
		sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
		return out, nil
	}

	wanted := make(map[string]struct{}, len(filter.IDs))
	for _, id := range filter.IDs {
		wanted[id] = struct{}{}
	}
	var out []sushi.Credential
	for _, cred := range c {
		if _, ok := wanted[cred.ID]; ok {
			out = append(out, cred)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
