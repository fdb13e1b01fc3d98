// Package limiter bounds the number of in-flight requests per credential and
// across all credentials.
//
// Admission is FIFO: per credential first, then globally. A caller can only
// wait on the global ceiling while holding a credential slot, so a busy
// credential never has more than its own ceiling of waiters in the global
// queue.
package limiter

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

const (
	DefaultPerCredential = 2
	DefaultGlobal        = 32
)

type Config struct {
	// PerCredential is the default ceiling of every credential.
	PerCredential int `yaml:"per_credential" mapstructure:"per_credential"`

	// Global bounds the in-flight requests of all credentials together.
	Global int `yaml:"global" mapstructure:"global"`

	// Overrides sets the ceiling of specific credentials.
	Overrides map[string]int `yaml:"overrides" mapstructure:"overrides"`
}

type slot struct {
	sem      *semaphore.Weighted
	ceiling  int
	inFlight int
	waiting  int
}

type Limiter struct {
	perCredential int
	globalCeiling int
	global        *semaphore.Weighted

	mu        sync.Mutex
	overrides map[string]int
	slots     map[string]*slot
	total     int

	logger *zap.Logger
}

type Option func(*Limiter)

func WithLogger(l *zap.Logger) Option {
	return func(lim *Limiter) {
		lim.logger = l
	}
}

func New(cfg Config, opts ...Option) *Limiter {
	if cfg.PerCredential <= 0 {
		cfg.PerCredential = DefaultPerCredential
	}
	if cfg.Global <= 0 {
		cfg.Global = DefaultGlobal
	}

	l := &Limiter{
		perCredential: cfg.PerCredential,
		globalCeiling: cfg.Global,
		global:        semaphore.NewWeighted(int64(cfg.Global)),
		overrides:     make(map[string]int, len(cfg.Overrides)),
		slots:         make(map[string]*slot),
		logger:        zap.NewNop(),
	}
	for id, n := range cfg.Overrides {
		if n > 0 {
			l.overrides[id] = n
		}
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Limiter) ceilingLocked(credentialID string) int {
	if n, ok := l.overrides[credentialID]; ok {
		return n
	}
	return l.perCredential
}

func (l *Limiter) slotLocked(credentialID string) *slot {
	s, ok := l.slots[credentialID]
	if !ok {
		ceiling := l.ceilingLocked(credentialID)
		s = &slot{
			sem:     semaphore.NewWeighted(int64(ceiling)),
			ceiling: ceiling,
		}
		l.slots[credentialID] = s
	}
	return s
}

// SetCeiling overrides the ceiling of a credential. n <= 0 restores the
// default. A credential with requests in flight or queued keeps its current
// ceiling until it becomes idle.
func (l *Limiter) SetCeiling(credentialID string, n int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if n > 0 {
		l.overrides[credentialID] = n
	} else {
		delete(l.overrides, credentialID)
	}

	if s, ok := l.slots[credentialID]; ok && s.ceiling != l.ceilingLocked(credentialID) && s.inFlight == 0 && s.waiting == 0 {
		delete(l.slots, credentialID)
	}
}

// Admit blocks until the credential has a free slot and the global ceiling
// allows one more request. When ctx ends first, ctx.Err() is returned and
// nothing is held.
func (l *Limiter) Admit(ctx context.Context, credentialID string) (*Permit, error) {
	l.mu.Lock()
	s := l.slotLocked(credentialID)
	s.waiting++
	l.mu.Unlock()

	err := s.sem.Acquire(ctx, 1)
	if err == nil {
		if err = l.global.Acquire(ctx, 1); err != nil {
			s.sem.Release(1)
		}
	}

	l.mu.Lock()
	s.waiting--
	if err == nil {
		s.inFlight++
		l.total++
	}
	l.mu.Unlock()

	if err != nil {
		l.logger.Debug("admission abandoned",
			zap.String("credential_id", credentialID),
			zap.Error(err),
		)
		return nil, err
	}
	return &Permit{limiter: l, slot: s, credentialID: credentialID}, nil
}

func (l *Limiter) release(p *Permit) {
	l.mu.Lock()
	p.slot.inFlight--
	l.total--
	l.mu.Unlock()

	l.global.Release(1)
	p.slot.sem.Release(1)
}

// InFlight returns the admitted and not yet released permits of a credential.
func (l *Limiter) InFlight(credentialID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if s, ok := l.slots[credentialID]; ok {
		return s.inFlight
	}
	return 0
}

func (l *Limiter) TotalInFlight() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.total
}

// Ceiling returns the ceiling currently applied to a credential.
func (l *Limiter) Ceiling(credentialID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if s, ok := l.slots[credentialID]; ok {
		return s.ceiling
	}
	return l.ceilingLocked(credentialID)
}

type CredentialStats struct {
	CredentialID string `json:"credential_id"`
	Ceiling      int    `json:"ceiling"`
	InFlight     int    `json:"in_flight"`
	Waiting      int    `json:"waiting"`
}

type Stats struct {
	Global      int               `json:"global"`
	InFlight    int               `json:"in_flight"`
	Credentials []CredentialStats `json:"credentials"`
}

func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	st := Stats{
		Global:      l.globalCeiling,
		InFlight:    l.total,
		Credentials: make([]CredentialStats, 0, len(l.slots)),
	}
	for id, s := range l.slots {
		st.Credentials = append(st.Credentials, CredentialStats{
			CredentialID: id,
			Ceiling:      s.ceiling,
			InFlight:     s.inFlight,
			Waiting:      s.waiting,
		})
	}
	sort.Slice(st.Credentials, func(i, j int) bool {
		return st.Credentials[i].CredentialID < st.Credentials[j].CredentialID
	})
	return st
}

// Permit is one admitted slot. Release must be called on every exit path,
// typically with defer right after Admit returns.
type Permit struct {
	limiter      *Limiter
	slot         *slot
	credentialID string
	once         sync.Once
}

func (p *Permit) CredentialID() string {
	return p.credentialID
}

// Release frees the slot. Calls after the first are no-ops.
func (p *Permit) Release() {
	if p == nil {
		return
	}
	p.once.Do(func() {
		p.limiter.release(p)
	})
}
