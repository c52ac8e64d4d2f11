/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package memstore provides an in-process storage backend: a concurrent map
// with per-entry TTL and a configurable eviction policy. Its scope is a single
// process; cross-process atomicity requires the redisstore or pgstore backends.
package memstore

import (
	"container/list"
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/acronis/go-ratelimit/ratelimit"
)

// EvictionPolicy determines which entry is evicted when the store is full.
type EvictionPolicy string

// Supported eviction policies.
const (
	EvictionLRU         EvictionPolicy = "lru"
	EvictionLFU         EvictionPolicy = "lfu"
	EvictionTTL         EvictionPolicy = "ttl"
	EvictionRandom      EvictionPolicy = "random"
	EvictionAdaptiveLRU EvictionPolicy = "adaptive_lru"
)

// Validate checks that the eviction policy is one of the supported ones.
func (p EvictionPolicy) Validate() error {
	switch p {
	case EvictionLRU, EvictionLFU, EvictionTTL, EvictionRandom, EvictionAdaptiveLRU:
		return nil
	}
	return fmt.Errorf("unknown eviction policy %q", string(p))
}

// DefaultMaxEntries is the default capacity of the store.
const DefaultMaxEntries = 100000

type cacheEntry struct {
	id         string
	state      *ratelimit.State
	expiresAt  time.Time
	lastAccess time.Time
	hits       uint64
	elem       *list.Element
}

type counterEntry struct {
	value     uint64
	windowEnd time.Time
}

// Store is an in-process storage backend.
type Store struct {
	mu       sync.Mutex
	entries  map[string]*cacheEntry
	lruList  *list.List // front is the most recently used
	counters map[string]*counterEntry

	maxEntries int
	policy     EvictionPolicy
	rnd        *rand.Rand

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
}

// Options represents options for the store.
type Options struct {
	// MaxEntries is the store capacity. Zero means DefaultMaxEntries.
	MaxEntries int
	// Policy is the eviction policy. Empty means EvictionLRU.
	Policy EvictionPolicy
}

// New creates a new in-process store with default options.
func New() *Store {
	st, _ := NewWithOpts(Options{}) // Error is always nil here.
	return st
}

// NewWithOpts creates a new in-process store.
func NewWithOpts(opts Options) (*Store, error) {
	if opts.MaxEntries < 0 {
		return nil, fmt.Errorf("max entries should not be negative, got %d", opts.MaxEntries)
	}
	if opts.MaxEntries == 0 {
		opts.MaxEntries = DefaultMaxEntries
	}
	if opts.Policy == "" {
		opts.Policy = EvictionLRU
	}
	if err := opts.Policy.Validate(); err != nil {
		return nil, err
	}
	return &Store{
		entries:    make(map[string]*cacheEntry),
		lruList:    list.New(),
		counters:   make(map[string]*counterEntry),
		maxEntries: opts.MaxEntries,
		policy:     opts.Policy,
		rnd:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// GetState is a part of storage.Backend interface.
func (s *Store) GetState(_ context.Context, id string) (*ratelimit.State, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.getEntry(id, time.Now())
	if !ok {
		s.misses.Inc()
		return nil, false, nil
	}
	s.hits.Inc()
	// A copy, so callers can mutate the result outside the store's mutex.
	return e.state.Clone(), true, nil
}

// SetState is a part of storage.Backend interface.
func (s *Store) SetState(_ context.Context, id string, st *ratelimit.State, ttl time.Duration) error {
	now := time.Now()
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = now.Add(ttl)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[id]; ok {
		e.state = st.Clone()
		e.expiresAt = expiresAt
		e.lastAccess = now
		s.promote(e)
		return nil
	}
	// Capacity check happens before insert so that the store never exceeds
	// maxEntries even transiently.
	if len(s.entries) >= s.maxEntries {
		s.evictOne(now)
	}
	e := &cacheEntry{id: id, state: st.Clone(), expiresAt: expiresAt, lastAccess: now}
	e.elem = s.lruList.PushFront(e)
	s.entries[id] = e
	return nil
}

// Increment is a part of storage.Backend interface.
func (s *Store) Increment(_ context.Context, id string, amount uint64, window time.Duration) (uint64, error) {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.counters[id]
	if !ok || !now.Before(c.windowEnd) {
		if !ok && len(s.counters) >= s.maxEntries {
			s.evictCounter(now)
		}
		c = &counterEntry{windowEnd: now.Add(window)}
		s.counters[id] = c
	}
	c.value += amount
	return c.value, nil
}

// BatchGet is a part of storage.Backend interface.
func (s *Store) BatchGet(_ context.Context, ids []string) (map[string]*ratelimit.State, error) {
	now := time.Now()
	res := make(map[string]*ratelimit.State, len(ids))
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if e, ok := s.getEntry(id, now); ok {
			res[id] = e.state.Clone()
		}
	}
	return res, nil
}

// BatchSet is a part of storage.Backend interface.
func (s *Store) BatchSet(ctx context.Context, items map[string]*ratelimit.State, ttl time.Duration) error {
	for id, st := range items {
		if err := s.SetState(ctx, id, st, ttl); err != nil {
			return err
		}
	}
	return nil
}

// HealthCheck is a part of storage.Backend interface.
func (s *Store) HealthCheck(_ context.Context) error {
	return nil
}

// CleanupExpired is a part of storage.Backend interface.
func (s *Store) CleanupExpired(_ context.Context) (int, error) {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, e := range s.entries {
		if !e.expiresAt.IsZero() && now.After(e.expiresAt) {
			s.removeEntry(id, e)
			removed++
		}
	}
	for id, c := range s.counters {
		if !now.Before(c.windowEnd) {
			delete(s.counters, id)
			removed++
		}
	}
	return removed, nil
}

// Len returns the number of stored states.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Stats holds store usage counters.
type Stats struct {
	Hits      uint64
	Misses    uint64
	Evictions uint64
	Entries   int
	Counters  int
}

// Stats returns store usage counters.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	entries, counters := len(s.entries), len(s.counters)
	s.mu.Unlock()
	return Stats{
		Hits:      s.hits.Load(),
		Misses:    s.misses.Load(),
		Evictions: s.evictions.Load(),
		Entries:   entries,
		Counters:  counters,
	}
}

func (s *Store) getEntry(id string, now time.Time) (*cacheEntry, bool) {
	e, ok := s.entries[id]
	if !ok {
		return nil, false
	}
	if !e.expiresAt.IsZero() && now.After(e.expiresAt) {
		s.removeEntry(id, e)
		return nil, false
	}
	e.hits++
	e.lastAccess = now
	s.promote(e)
	return e, true
}

// promote moves the entry to the front of the recency list. The adaptive
// policy promotes only entries that proved themselves with a repeat hit,
// which keeps one-hit-wonder identifiers at the tail.
func (s *Store) promote(e *cacheEntry) {
	if s.policy == EvictionAdaptiveLRU && e.hits < 2 {
		return
	}
	s.lruList.MoveToFront(e.elem)
}

func (s *Store) evictOne(now time.Time) {
	victim := s.pickVictim(now)
	if victim == nil {
		return
	}
	s.removeEntry(victim.id, victim)
	s.evictions.Inc()
}

func (s *Store) pickVictim(now time.Time) *cacheEntry {
	switch s.policy {
	case EvictionLRU, EvictionAdaptiveLRU:
		if back := s.lruList.Back(); back != nil {
			return back.Value.(*cacheEntry)
		}
	case EvictionLFU:
		var victim *cacheEntry
		for _, e := range s.entries {
			if victim == nil || e.hits < victim.hits {
				victim = e
			}
		}
		return victim
	case EvictionTTL:
		// Prefer an already expired entry, otherwise the one expiring soonest.
		var victim *cacheEntry
		for _, e := range s.entries {
			if !e.expiresAt.IsZero() && now.After(e.expiresAt) {
				return e
			}
			if victim == nil || (!e.expiresAt.IsZero() &&
				(victim.expiresAt.IsZero() || e.expiresAt.Before(victim.expiresAt))) {
				victim = e
			}
		}
		return victim
	case EvictionRandom:
		n := s.rnd.Intn(len(s.entries))
		for _, e := range s.entries {
			if n == 0 {
				return e
			}
			n--
		}
	}
	return nil
}

func (s *Store) removeEntry(id string, e *cacheEntry) {
	delete(s.entries, id)
	s.lruList.Remove(e.elem)
}

// evictCounter keeps the counters map within maxEntries: an expired counter is
// evicted first, otherwise an arbitrary one.
func (s *Store) evictCounter(now time.Time) {
	var victim string
	for id, c := range s.counters {
		if !now.Before(c.windowEnd) {
			victim = id
			break
		}
		if victim == "" {
			victim = id
		}
	}
	if victim != "" {
		delete(s.counters, victim)
		s.evictions.Inc()
	}
}
