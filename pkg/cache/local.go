package cache

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// evictFraction is the share of entries dropped when the local tier
// exceeds its cap: the oldest 20% by last access.
const evictFraction = 5

// localTier is the bounded in-process cache in front of Redis.
type localTier struct {
	mu         sync.Mutex
	entries    map[string]*Entry
	maxEntries int
}

func newLocalTier(maxEntries int) *localTier {
	return &localTier{
		entries:    make(map[string]*Entry),
		maxEntries: maxEntries,
	}
}

// get returns the entry when present and unexpired, refreshing its
// recency. Expired entries are removed on the spot.
func (l *localTier) get(key string, now time.Time) (*Entry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[key]
	if !ok {
		return nil, false
	}
	if e.Expired(now) {
		delete(l.entries, key)
		localEntries.Set(float64(len(l.entries)))
		return nil, false
	}
	e.LastAccess = now
	return e, true
}

// set inserts or replaces an entry, evicting the oldest 20% when the
// tier exceeds its cap.
func (l *localTier) set(e *Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries[e.Key] = e
	if l.maxEntries > 0 && len(l.entries) > l.maxEntries {
		l.evictOldest()
	}
	localEntries.Set(float64(len(l.entries)))
}

// evictOldest removes the oldest fifth of entries by last access.
// Callers must hold l.mu.
func (l *localTier) evictOldest() {
	n := len(l.entries) / evictFraction
	if n < 1 {
		n = 1
	}

	all := make([]*Entry, 0, len(l.entries))
	for _, e := range l.entries {
		all = append(all, e)
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].LastAccess.Before(all[j].LastAccess)
	})

	for _, e := range all[:n] {
		delete(l.entries, e.Key)
	}
	evictionsTotal.Add(float64(n))
}

// delete removes one entry.
func (l *localTier) delete(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.entries[key]; !ok {
		return false
	}
	delete(l.entries, key)
	localEntries.Set(float64(len(l.entries)))
	return true
}

// clearPrefix removes every entry whose key starts with prefix and
// returns how many were removed.
func (l *localTier) clearPrefix(prefix string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for key := range l.entries {
		if strings.HasPrefix(key, prefix) {
			delete(l.entries, key)
			removed++
		}
	}
	localEntries.Set(float64(len(l.entries)))
	return removed
}

// clear empties the tier.
func (l *localTier) clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = make(map[string]*Entry)
	localEntries.Set(0)
}

// len reports the current entry count.
func (l *localTier) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
