/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package pgstore provides a Postgres storage backend. Each identifier maps to
// one row; increments are atomic through a single
// INSERT ... ON CONFLICT DO UPDATE ... RETURNING round-trip. Tables are
// UNLOGGED: rate-limiting state is ephemeral, losing it on a crash is
// acceptable and skipping the WAL makes writes noticeably cheaper.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/time/rate"

	"github.com/acronis/go-ratelimit/ratelimit"
	"github.com/acronis/go-ratelimit/storage"
)

const backendName = "postgres"

// Defaults and restrictions.
const (
	DefaultTableName        = "rate_limit_state"
	DefaultCounterTableName = "rate_limit_counter"
	DefaultCleanupBatchSize = 1000

	// DefaultCleanupBatchesPerSecond paces bounded-batch deletion so a large
	// backlog of expired rows cannot monopolize the database.
	DefaultCleanupBatchesPerSecond = 10

	MaxPartitions = 64
)

// Store is a Postgres storage backend.
type Store struct {
	pool             *pgxpool.Pool
	codec            storage.Codec
	tableName        string
	counterTableName string
	partitions       int
	cleanupBatchSize int
	cleanupPacer     *rate.Limiter
}

// Options represents options for the store.
type Options struct {
	// TableName is the base name of the state table. Empty means DefaultTableName.
	TableName string
	// CounterTableName is the name of the windowed counter table.
	// Empty means DefaultCounterTableName.
	CounterTableName string
	// Partitions enables hash-based partitioning over the given number of
	// tables ({table}_p0..{table}_pN-1). Zero means a single table.
	Partitions int
	// CleanupBatchSize bounds each cleanup DELETE. Zero means DefaultCleanupBatchSize.
	CleanupBatchSize int
	// Compression enables s2 compression of stored state payloads.
	Compression bool
}

// New creates a new Postgres store and creates its tables if they do not exist.
// Pool bounds (MaxConns, acquire timeout) are configured on the passed pool.
func New(ctx context.Context, pool *pgxpool.Pool, opts Options) (*Store, error) {
	if opts.TableName == "" {
		opts.TableName = DefaultTableName
	}
	if opts.CounterTableName == "" {
		opts.CounterTableName = DefaultCounterTableName
	}
	if opts.Partitions < 0 || opts.Partitions > MaxPartitions {
		return nil, fmt.Errorf("partitions should be in [0, %d], got %d", MaxPartitions, opts.Partitions)
	}
	if opts.CleanupBatchSize == 0 {
		opts.CleanupBatchSize = DefaultCleanupBatchSize
	}
	s := &Store{
		pool:             pool,
		codec:            storage.Codec{Compression: opts.Compression},
		tableName:        opts.TableName,
		counterTableName: opts.CounterTableName,
		partitions:       opts.Partitions,
		cleanupBatchSize: opts.CleanupBatchSize,
		cleanupPacer:     rate.NewLimiter(rate.Limit(DefaultCleanupBatchesPerSecond), 1),
	}
	if err := s.createSchema(ctx); err != nil {
		return nil, storage.NewError(backendName, "create schema", err)
	}
	return s, nil
}

func (s *Store) createSchema(ctx context.Context) error {
	for _, table := range s.stateTables() {
		_, err := s.pool.Exec(ctx, fmt.Sprintf(`
			CREATE UNLOGGED TABLE IF NOT EXISTS %s (
				identifier TEXT PRIMARY KEY,
				state_data BYTEA NOT NULL,
				expires_at TIMESTAMPTZ,
				created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
				updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
			)`, table))
		if err != nil {
			return err
		}
		_, err = s.pool.Exec(ctx, fmt.Sprintf(
			`CREATE INDEX IF NOT EXISTS %s_expires_at_idx ON %s (expires_at) WHERE expires_at IS NOT NULL`,
			table, table))
		if err != nil {
			return err
		}
	}
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`
		CREATE UNLOGGED TABLE IF NOT EXISTS %s (
			identifier TEXT PRIMARY KEY,
			value BIGINT NOT NULL,
			window_ends TIMESTAMPTZ NOT NULL
		)`, s.counterTableName))
	return err
}

func (s *Store) stateTables() []string {
	if s.partitions == 0 {
		return []string{s.tableName}
	}
	tables := make([]string, s.partitions)
	for i := range tables {
		tables[i] = fmt.Sprintf("%s_p%d", s.tableName, i)
	}
	return tables
}

// tableFor picks the partition table for the identifier.
func (s *Store) tableFor(id string) string {
	if s.partitions == 0 {
		return s.tableName
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return fmt.Sprintf("%s_p%d", s.tableName, h.Sum32()%uint32(s.partitions))
}

// GetState is a part of storage.Backend interface.
func (s *Store) GetState(ctx context.Context, id string) (*ratelimit.State, bool, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, fmt.Sprintf(
		`SELECT state_data FROM %s WHERE identifier = $1 AND (expires_at IS NULL OR expires_at > now())`,
		s.tableFor(id)), id).Scan(&data)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, storage.NewError(backendName, "get", err)
	}
	st, err := s.codec.Decode(data)
	if err != nil {
		return nil, false, storage.NewError(backendName, "decode", err)
	}
	return st, true, nil
}

// SetState is a part of storage.Backend interface.
func (s *Store) SetState(ctx context.Context, id string, st *ratelimit.State, ttl time.Duration) error {
	data, err := s.codec.Encode(st)
	if err != nil {
		return storage.NewError(backendName, "encode", err)
	}
	_, err = s.pool.Exec(ctx, s.upsertStateSQL(s.tableFor(id)), id, data, ttlToExpiresAt(ttl))
	if err != nil {
		return storage.NewError(backendName, "set", err)
	}
	return nil
}

func (s *Store) upsertStateSQL(table string) string {
	return fmt.Sprintf(`
		INSERT INTO %s (identifier, state_data, expires_at) VALUES ($1, $2, $3)
		ON CONFLICT (identifier) DO UPDATE SET
			state_data = EXCLUDED.state_data,
			expires_at = EXCLUDED.expires_at,
			updated_at = now()`, table)
}

// Increment is a part of storage.Backend interface. The whole
// check-reset-increment cycle is one SQL statement, so it is atomic across
// processes without explicit locking.
func (s *Store) Increment(ctx context.Context, id string, amount uint64, window time.Duration) (uint64, error) {
	var value int64
	err := s.pool.QueryRow(ctx, fmt.Sprintf(`
		INSERT INTO %s (identifier, value, window_ends) VALUES ($1, $2, now() + $3)
		ON CONFLICT (identifier) DO UPDATE SET
			value = CASE WHEN %[1]s.window_ends <= now()
				THEN EXCLUDED.value ELSE %[1]s.value + EXCLUDED.value END,
			window_ends = CASE WHEN %[1]s.window_ends <= now()
				THEN EXCLUDED.window_ends ELSE %[1]s.window_ends END
		RETURNING value`, s.counterTableName), id, int64(amount), window).Scan(&value)
	if err != nil {
		return 0, storage.NewError(backendName, "increment", err)
	}
	return uint64(value), nil
}

// BatchGet is a part of storage.Backend interface.
func (s *Store) BatchGet(ctx context.Context, ids []string) (map[string]*ratelimit.State, error) {
	res := make(map[string]*ratelimit.State, len(ids))
	for _, table := range s.stateTables() {
		rows, err := s.pool.Query(ctx, fmt.Sprintf(
			`SELECT identifier, state_data FROM %s
			 WHERE identifier = ANY($1) AND (expires_at IS NULL OR expires_at > now())`, table), ids)
		if err != nil {
			return nil, storage.NewError(backendName, "batch get", err)
		}
		for rows.Next() {
			var id string
			var data []byte
			if err = rows.Scan(&id, &data); err != nil {
				rows.Close()
				return nil, storage.NewError(backendName, "batch get", err)
			}
			st, dErr := s.codec.Decode(data)
			if dErr != nil {
				rows.Close()
				return nil, storage.NewError(backendName, "decode", dErr)
			}
			res[id] = st
		}
		rows.Close()
		if err = rows.Err(); err != nil {
			return nil, storage.NewError(backendName, "batch get", err)
		}
	}
	return res, nil
}

// BatchSet is a part of storage.Backend interface.
func (s *Store) BatchSet(ctx context.Context, items map[string]*ratelimit.State, ttl time.Duration) error {
	batch := &pgx.Batch{}
	for id, st := range items {
		data, err := s.codec.Encode(st)
		if err != nil {
			return storage.NewError(backendName, "encode", err)
		}
		batch.Queue(s.upsertStateSQL(s.tableFor(id)), id, data, ttlToExpiresAt(ttl))
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return storage.NewError(backendName, "batch set", err)
	}
	return nil
}

// HealthCheck is a part of storage.Backend interface.
func (s *Store) HealthCheck(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return storage.NewError(backendName, "health check", err)
	}
	return nil
}

// CleanupExpired is a part of storage.Backend interface. Deletion is done in
// bounded batches (by ctid, so no full-table lock) and paced, so a large
// backlog of expired rows cannot stall concurrent request-path queries.
func (s *Store) CleanupExpired(ctx context.Context) (int, error) {
	total := 0
	for _, table := range s.stateTables() {
		n, err := s.cleanupTable(ctx, fmt.Sprintf(`
			DELETE FROM %s WHERE ctid IN (
				SELECT ctid FROM %[1]s WHERE expires_at IS NOT NULL AND expires_at <= now() LIMIT $1
			)`, table))
		if err != nil {
			return total, err
		}
		total += n
	}
	n, err := s.cleanupTable(ctx, fmt.Sprintf(`
		DELETE FROM %s WHERE ctid IN (
			SELECT ctid FROM %[1]s WHERE window_ends <= now() LIMIT $1
		)`, s.counterTableName))
	if err != nil {
		return total, err
	}
	return total + n, nil
}

func (s *Store) cleanupTable(ctx context.Context, deleteSQL string) (int, error) {
	total := 0
	for {
		if err := s.cleanupPacer.Wait(ctx); err != nil {
			return total, storage.NewError(backendName, "cleanup", err)
		}
		tag, err := s.pool.Exec(ctx, deleteSQL, s.cleanupBatchSize)
		if err != nil {
			return total, storage.NewError(backendName, "cleanup", err)
		}
		total += int(tag.RowsAffected())
		if int(tag.RowsAffected()) < s.cleanupBatchSize {
			return total, nil
		}
	}
}

func ttlToExpiresAt(ttl time.Duration) *time.Time {
	if ttl <= 0 {
		return nil
	}
	t := time.Now().Add(ttl)
	return &t
}
