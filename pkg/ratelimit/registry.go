package ratelimit

import (
	"strings"
	"sync"
)

// Registry hands out one Tracker per provider so that every path issuing
// requests to a provider shares the same budgets. Provider names are
// canonicalized, "GitHub " and "github" resolve to the same tracker.
type Registry struct {
	mu        sync.Mutex
	defaults  Config
	overrides map[string]Config
	trackers  map[string]*Tracker
}

// NewRegistry creates a registry whose trackers use the given default
// budgets unless Configure installs a provider-specific override.
func NewRegistry(defaults Config) *Registry {
	return &Registry{
		defaults:  defaults,
		overrides: make(map[string]Config),
		trackers:  make(map[string]*Tracker),
	}
}

// Configure sets provider-specific budgets. It must be called before the
// provider's tracker is first requested; a tracker already handed out
// keeps its original budgets.
func (r *Registry) Configure(provider string, cfg Config) {
	name := CanonicalProvider(provider)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.overrides[name] = cfg
}

// Get returns the provider's tracker, creating it on first use.
func (r *Registry) Get(provider string) *Tracker {
	name := CanonicalProvider(provider)
	r.mu.Lock()
	defer r.mu.Unlock()

	if t, ok := r.trackers[name]; ok {
		return t
	}
	cfg, ok := r.overrides[name]
	if !ok {
		cfg = r.defaults
	}
	t := NewTracker(name, cfg)
	r.trackers[name] = t
	return t
}

// Status reports a snapshot per known provider.
func (r *Registry) Status() map[string]Status {
	r.mu.Lock()
	trackers := make([]*Tracker, 0, len(r.trackers))
	for _, t := range r.trackers {
		trackers = append(trackers, t)
	}
	r.mu.Unlock()

	out := make(map[string]Status, len(trackers))
	for _, t := range trackers {
		st := t.Status()
		out[st.Provider] = st
	}
	return out
}

// CanonicalProvider normalizes a provider name so lookups are tolerant of
// case and surrounding whitespace.
func CanonicalProvider(provider string) string {
	return strings.ToLower(strings.TrimSpace(provider))
}
