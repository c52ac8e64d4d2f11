/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package hybridstore composes a fast local L1 backend with a durable shared
// L2 backend (Redis or Postgres). Write and read policies control how the two
// levels are kept in sync; a background flush worker pushes dirty L1 entries
// to L2. When L2 fails, the store degrades to eventual consistency and keeps
// serving from L1 instead of failing requests, surfacing the degradation
// through HealthCheck.
package hybridstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/acronis/go-appkit/log"
	"github.com/acronis/go-appkit/service"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/atomic"

	"github.com/acronis/go-ratelimit/ratelimit"
	"github.com/acronis/go-ratelimit/storage"
)

const backendName = "hybrid"

// WritePolicy determines how writes propagate from L1 to L2.
type WritePolicy string

// Supported write policies.
const (
	// WriteThrough writes L1 and L2 synchronously.
	WriteThrough WritePolicy = "write_through"
	// WriteBack writes L1 and flushes dirty entries to L2 on the sync tick.
	WriteBack WritePolicy = "write_back"
	// WriteBehind writes L1 and hands the entry to the flusher immediately,
	// without waiting for the tick.
	WriteBehind WritePolicy = "write_behind"
	// WriteAround writes L2 only, bypassing L1.
	WriteAround WritePolicy = "write_around"
)

// ReadPolicy determines how reads consult the two levels.
type ReadPolicy string

// Supported read policies.
const (
	// CacheAside reads L1 first and falls back to L2 without populating L1.
	CacheAside ReadPolicy = "cache_aside"
	// ReadThrough reads L1 first and populates it from L2 on a miss.
	ReadThrough ReadPolicy = "read_through"
	// RefreshAhead serves from L1 and refreshes it from L2 in the background.
	RefreshAhead ReadPolicy = "refresh_ahead"
)

// ConsistencyLevel describes the guarantees of counter increments.
type ConsistencyLevel string

// Supported consistency levels.
const (
	// Eventual keeps increments in L1; L2 converges via the flush loop.
	Eventual ConsistencyLevel = "eventual"
	// Strong routes increments to L2 so they are atomic across processes.
	Strong ConsistencyLevel = "strong"
	// Session routes increments to L2 but serves reads from L1.
	Session ConsistencyLevel = "session"
)

// ErrDegraded is reported by HealthCheck while the store serves from L1 only.
var ErrDegraded = errors.New("hybrid storage is degraded: L2 is unavailable")

// DefaultL1TTL bounds the lifetime of L1 copies.
const DefaultL1TTL = time.Minute

type dirtyEntry struct {
	state *ratelimit.State
	ttl   time.Duration
}

// Store is a two-level composite storage backend.
type Store struct {
	l1 storage.Backend
	l2 storage.Backend

	writePolicy WritePolicy
	readPolicy  ReadPolicy
	consistency ConsistencyLevel
	l1TTL       time.Duration

	mu    sync.Mutex
	dirty map[string]dirtyEntry

	refreshMu  sync.Mutex
	refreshing map[string]struct{}

	degraded atomic.Bool
	logger   log.FieldLogger
}

// Options represents options for the store.
type Options struct {
	WritePolicy WritePolicy      // empty means WriteThrough
	ReadPolicy  ReadPolicy       // empty means ReadThrough
	Consistency ConsistencyLevel // empty means Strong
	// L1TTL bounds the lifetime of L1 copies. Zero means DefaultL1TTL.
	L1TTL  time.Duration
	Logger log.FieldLogger
}

// New creates a new hybrid store over the given L1 (local) and L2 (shared) backends.
func New(l1, l2 storage.Backend, opts Options) (*Store, error) {
	if opts.WritePolicy == "" {
		opts.WritePolicy = WriteThrough
	}
	if opts.ReadPolicy == "" {
		opts.ReadPolicy = ReadThrough
	}
	if opts.Consistency == "" {
		opts.Consistency = Strong
	}
	if opts.L1TTL == 0 {
		opts.L1TTL = DefaultL1TTL
	}
	if opts.Logger == nil {
		opts.Logger = log.NewDisabledLogger()
	}
	switch opts.WritePolicy {
	case WriteThrough, WriteBack, WriteBehind, WriteAround:
	default:
		return nil, fmt.Errorf("unknown write policy %q", opts.WritePolicy)
	}
	switch opts.ReadPolicy {
	case CacheAside, ReadThrough, RefreshAhead:
	default:
		return nil, fmt.Errorf("unknown read policy %q", opts.ReadPolicy)
	}
	switch opts.Consistency {
	case Eventual, Strong, Session:
	default:
		return nil, fmt.Errorf("unknown consistency level %q", opts.Consistency)
	}
	return &Store{
		l1:          l1,
		l2:          l2,
		writePolicy: opts.WritePolicy,
		readPolicy:  opts.ReadPolicy,
		consistency: opts.Consistency,
		l1TTL:       opts.L1TTL,
		dirty:       make(map[string]dirtyEntry),
		refreshing:  make(map[string]struct{}),
		logger:      opts.Logger,
	}, nil
}

// Consistency returns the effective consistency level: the configured one, or
// Eventual while the store is degraded.
func (s *Store) Consistency() ConsistencyLevel {
	if s.degraded.Load() {
		return Eventual
	}
	return s.consistency
}

// Degraded reports whether the store currently serves from L1 only.
func (s *Store) Degraded() bool {
	return s.degraded.Load()
}

// GetState is a part of storage.Backend interface.
func (s *Store) GetState(ctx context.Context, id string) (*ratelimit.State, bool, error) {
	st, found, err := s.l1.GetState(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if found {
		// At most one refresh goroutine per key may be in flight, so a hot
		// identifier cannot fan out into a goroutine storm.
		if s.readPolicy == RefreshAhead && !s.degraded.Load() && s.beginRefresh(id) {
			go s.refresh(id)
		}
		return st, true, nil
	}

	st, found, err = s.l2.GetState(ctx, id)
	if err != nil {
		// Degrade instead of failing the request: an L1 miss plus a broken L2
		// is indistinguishable from a fresh identifier.
		s.markDegraded(err)
		return nil, false, nil
	}
	if !found {
		return nil, false, nil
	}
	if s.readPolicy == ReadThrough || s.readPolicy == RefreshAhead {
		if setErr := s.l1.SetState(ctx, id, st, s.l1TTL); setErr != nil {
			return nil, false, setErr
		}
	}
	return st, true, nil
}

// SetState is a part of storage.Backend interface.
func (s *Store) SetState(ctx context.Context, id string, st *ratelimit.State, ttl time.Duration) error {
	if s.writePolicy == WriteAround {
		if err := s.l2.SetState(ctx, id, st, ttl); err != nil {
			s.markDegraded(err)
			s.markDirty(id, st, ttl)
		}
		return nil
	}

	if err := s.l1.SetState(ctx, id, st, s.boundedL1TTL(ttl)); err != nil {
		return err
	}
	switch s.writePolicy {
	case WriteThrough:
		if err := s.l2.SetState(ctx, id, st, ttl); err != nil {
			s.markDegraded(err)
			s.markDirty(id, st, ttl)
		}
	case WriteBack:
		s.markDirty(id, st, ttl)
	case WriteBehind:
		s.markDirty(id, st, ttl)
		go func() {
			if err := s.Flush(context.Background()); err != nil {
				s.logger.Error("write-behind flush failed", log.Error(err))
			}
		}()
	}
	return nil
}

// Increment is a part of storage.Backend interface. With Strong or Session
// consistency the increment executes on L2, whose primitive is atomic across
// processes; with Eventual (or while degraded) it stays local.
func (s *Store) Increment(ctx context.Context, id string, amount uint64, window time.Duration) (uint64, error) {
	if s.Consistency() != Eventual {
		v, err := s.l2.Increment(ctx, id, amount, window)
		if err == nil {
			return v, nil
		}
		s.markDegraded(err)
	}
	return s.l1.Increment(ctx, id, amount, window)
}

// BatchGet is a part of storage.Backend interface.
func (s *Store) BatchGet(ctx context.Context, ids []string) (map[string]*ratelimit.State, error) {
	res, err := s.l1.BatchGet(ctx, ids)
	if err != nil {
		return nil, err
	}
	var missing []string
	for _, id := range ids {
		if _, ok := res[id]; !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) == 0 {
		return res, nil
	}
	fromL2, err := s.l2.BatchGet(ctx, missing)
	if err != nil {
		s.markDegraded(err)
		return res, nil
	}
	for id, st := range fromL2 {
		res[id] = st
		if s.readPolicy == ReadThrough || s.readPolicy == RefreshAhead {
			if setErr := s.l1.SetState(ctx, id, st, s.l1TTL); setErr != nil {
				return nil, setErr
			}
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

// HealthCheck is a part of storage.Backend interface. A broken L1 is fatal;
// a broken or degraded L2 is surfaced as ErrDegraded.
func (s *Store) HealthCheck(ctx context.Context) error {
	if err := s.l1.HealthCheck(ctx); err != nil {
		return err
	}
	if err := s.l2.HealthCheck(ctx); err != nil {
		s.markDegraded(err)
	}
	if s.degraded.Load() {
		return storage.NewError(backendName, "health check", ErrDegraded)
	}
	return nil
}

// CleanupExpired is a part of storage.Backend interface.
func (s *Store) CleanupExpired(ctx context.Context) (int, error) {
	total, err := s.l1.CleanupExpired(ctx)
	if err != nil {
		return total, err
	}
	n, err := s.l2.CleanupExpired(ctx)
	if err != nil {
		s.markDegraded(err)
		return total, nil
	}
	return total + n, nil
}

// Flush pushes all dirty entries to L2. On success the store recovers from
// the degraded mode. Entries written while the flush is in flight stay dirty.
func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	if len(s.dirty) == 0 {
		s.mu.Unlock()
		return nil
	}
	pending := s.dirty
	s.dirty = make(map[string]dirtyEntry)
	s.mu.Unlock()

	byTTL := make(map[time.Duration]map[string]*ratelimit.State)
	for id, e := range pending {
		if byTTL[e.ttl] == nil {
			byTTL[e.ttl] = make(map[string]*ratelimit.State)
		}
		byTTL[e.ttl][id] = e.state
	}
	for ttl, items := range byTTL {
		if err := s.l2.BatchSet(ctx, items, ttl); err != nil {
			// Put the batch back so the next flush retries it.
			s.mu.Lock()
			for id, st := range items {
				if _, exists := s.dirty[id]; !exists {
					s.dirty[id] = dirtyEntry{state: st, ttl: ttl}
				}
			}
			s.mu.Unlock()
			s.markDegraded(err)
			return err
		}
	}
	if s.degraded.CompareAndSwap(true, false) {
		s.logger.Info("hybrid storage recovered: L2 is reachable again")
	}
	return nil
}

// DirtyLen returns the number of entries waiting to be flushed to L2.
func (s *Store) DirtyLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.dirty)
}

// NewFlushWorker returns a periodic worker that flushes dirty L1 entries to
// L2 with exponential backoff on failures. Run it via service.WorkerUnit or
// any other Worker runner.
func (s *Store) NewFlushWorker(interval time.Duration, logger log.FieldLogger) *service.PeriodicWorker {
	return service.NewPeriodicWorker(service.WorkerFunc(func(ctx context.Context) error {
		bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
		if err := backoff.Retry(func() error { return s.Flush(ctx) }, bo); err != nil {
			logger.Error("flush of dirty rate limit state to L2 failed", log.Error(err))
		}
		return nil
	}), interval, logger)
}

func (s *Store) markDirty(id string, st *ratelimit.State, ttl time.Duration) {
	s.mu.Lock()
	s.dirty[id] = dirtyEntry{state: st.Clone(), ttl: ttl}
	s.mu.Unlock()
}

func (s *Store) markDegraded(err error) {
	if s.degraded.CompareAndSwap(false, true) {
		s.logger.Error("hybrid storage degraded to eventual consistency", log.Error(err))
	}
}

func (s *Store) boundedL1TTL(ttl time.Duration) time.Duration {
	if ttl > 0 && ttl < s.l1TTL {
		return ttl
	}
	return s.l1TTL
}

func (s *Store) beginRefresh(id string) bool {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()
	if _, inFlight := s.refreshing[id]; inFlight {
		return false
	}
	s.refreshing[id] = struct{}{}
	return true
}

func (s *Store) endRefresh(id string) {
	s.refreshMu.Lock()
	delete(s.refreshing, id)
	s.refreshMu.Unlock()
}

func (s *Store) refresh(id string) {
	defer s.endRefresh(id)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	st, found, err := s.l2.GetState(ctx, id)
	if err != nil {
		s.markDegraded(err)
		return
	}
	if !found {
		return
	}
	if err := s.l1.SetState(ctx, id, st, s.l1TTL); err != nil {
		s.logger.Error("refresh-ahead L1 update failed", log.Error(err))
	}
}
