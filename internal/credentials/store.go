package credentials

import (
	"sync"
	"sync/atomic"
	"time"
)

// Health buckets the age of the active credential set so operators can judge
// how close it is to expiry without knowing the origin's session lifetime.
type Health string

const (
	HealthUnknown Health = "unknown"
	HealthFresh   Health = "fresh"
	HealthGood    Health = "good"
	HealthAging   Health = "aging"
	HealthStale   Health = "stale"
)

const (
	freshWindow = 30 * time.Minute
	goodWindow  = 2 * time.Hour
	agingWindow = 4 * time.Hour
)

type state struct {
	active        Set
	backup        *Set
	authenticated bool
}

// Store owns the active credential set plus at most one backup generation.
// Writers (Apply, Rollback) serialise behind a mutex; readers load an
// immutable state pointer and never block, so a fetch mid-update observes
// either the old or the new generation, never a torn one.
type Store struct {
	mu      sync.Mutex
	current atomic.Pointer[state]

	onApply func(Set)
	now     func() time.Time
}

// Option customises a Store.
type Option func(*Store)

// WithClock overrides the time source, used by tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// NewStore returns an empty, unauthenticated store.
func NewStore(opts ...Option) *Store {
	s := &Store{now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	s.current.Store(&state{})
	return s
}

// SetApplyHook registers a callback invoked after every successful Apply,
// outside the store's critical section. Intended for the Redis mirror; set it
// during startup before the store is shared.
func (s *Store) SetApplyHook(hook func(Set)) {
	s.onApply = hook
}

// Apply installs a new active set, demoting the previous active set to
// backup. An empty input is rejected without touching state and reports zero
// applied entries.
func (s *Store) Apply(values map[string]string, source Source) int {
	if len(values) == 0 {
		return 0
	}

	next := Set{Values: values, Source: source}

	s.mu.Lock()
	prev := s.current.Load()
	next = next.Clone()
	next.AppliedAt = s.now()
	updated := &state{active: next, authenticated: true}
	if prev.authenticated {
		backup := prev.active.Clone()
		updated.backup = &backup
	}
	s.current.Store(updated)
	s.mu.Unlock()

	if s.onApply != nil {
		s.onApply(next.Clone())
	}
	return next.Count()
}

// Snapshot returns a copy of the active set and whether the store has ever
// been authenticated. It never blocks on a concurrent Apply.
func (s *Store) Snapshot() (Set, bool) {
	st := s.current.Load()
	if st == nil || !st.authenticated {
		return Set{}, false
	}
	return st.active.Clone(), true
}

// Backup returns a copy of the backup set when one exists.
func (s *Store) Backup() (Set, bool) {
	st := s.current.Load()
	if st == nil || st.backup == nil {
		return Set{}, false
	}
	return st.backup.Clone(), true
}

// Rollback promotes the backup set to active and clears the backup slot. It
// reports false when no backup exists.
func (s *Store) Rollback() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.current.Load()
	if prev.backup == nil {
		return false
	}
	restored := prev.backup.Clone()
	s.current.Store(&state{active: restored, authenticated: true})
	return true
}

// Age reports how long ago the active set was applied.
func (s *Store) Age() (time.Duration, bool) {
	st := s.current.Load()
	if st == nil || !st.authenticated {
		return 0, false
	}
	return s.now().Sub(st.active.AppliedAt), true
}

// Health classifies the active set's age.
func (s *Store) Health() Health {
	age, ok := s.Age()
	if !ok {
		return HealthUnknown
	}
	switch {
	case age < freshWindow:
		return HealthFresh
	case age < goodWindow:
		return HealthGood
	case age < agingWindow:
		return HealthAging
	default:
		return HealthStale
	}
}

// HasBackup reports whether a rollback target exists.
func (s *Store) HasBackup() bool {
	st := s.current.Load()
	return st != nil && st.backup != nil
}

// Count returns the number of entries in the active set.
func (s *Store) Count() int {
	st := s.current.Load()
	if st == nil || !st.authenticated {
		return 0
	}
	return st.active.Count()
}
