package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/xraph/grove"
	"github.com/xraph/grove/drivers/sqlitedriver"
	"github.com/xraph/grove/migrate"

	"github.com/pawmatch/gatekeeper/id"
	"github.com/pawmatch/gatekeeper/store"
)

// compile-time interface checks
var (
	_ store.Store  = (*Store)(nil)
	_ store.Locker = (*Store)(nil)
)

const lockPollInterval = 25 * time.Millisecond

// Times are stored as unix milliseconds; an expires_at of 0 never expires.
type kvModel struct {
	grove.BaseModel `grove:"table:gatekeeper_kv"`

	Key       string `grove:"kv_key,pk"`
	Value     []byte `grove:"value"`
	ExpiresAt int64  `grove:"expires_at"`
	UpdatedAt int64  `grove:"updated_at"`
}

type lockModel struct {
	grove.BaseModel `grove:"table:gatekeeper_locks"`

	Key       string `grove:"lock_key,pk"`
	Token     string `grove:"token"`
	ExpiresAt int64  `grove:"expires_at"`
}

// Store implements store.Store using SQLite via Grove ORM.
type Store struct {
	db  *grove.DB
	sdb *sqlitedriver.SqliteDB
	now func() time.Time
}

// New creates a new SQLite store backed by Grove ORM.
func New(db *grove.DB) *Store {
	return &Store{
		db:  db,
		sdb: sqlitedriver.Unwrap(db),
		now: time.Now,
	}
}

// DB returns the underlying grove database for direct access.
func (s *Store) DB() *grove.DB { return s.db }

// Migrate creates the required tables and indexes using the grove orchestrator.
func (s *Store) Migrate(ctx context.Context) error {
	executor, err := migrate.NewExecutorFor(s.sdb)
	if err != nil {
		return fmt.Errorf("store/sqlite: create migration executor: %w", err)
	}
	orch := migrate.NewOrchestrator(executor, Migrations)
	if _, err := orch.Migrate(ctx); err != nil {
		return fmt.Errorf("store/sqlite: migration failed: %w", err)
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %w", store.ErrUnavailable, err)
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	m := new(kvModel)
	err := s.sdb.NewSelect(m).
		Where("kv_key = ?", key).
		Where("(expires_at = 0 OR expires_at > ?)", s.nowMillis()).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("store/sqlite: get %s: %w", key, err)
	}
	return m.Value, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	t := s.nowMillis()
	m := &kvModel{Key: key, Value: value, UpdatedAt: t}
	if ttl > 0 {
		m.ExpiresAt = t + ttl.Milliseconds()
	}
	_, err := s.sdb.NewInsert(m).
		OnConflict("(kv_key) DO UPDATE").
		Set("value = EXCLUDED.value").
		Set("expires_at = EXCLUDED.expires_at").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("store/sqlite: set %s: %w", key, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.sdb.NewDelete((*kvModel)(nil)).
		Where("kv_key = ?", key).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("store/sqlite: delete %s: %w", key, err)
	}
	return nil
}

// PurgeExpired removes rows whose TTL has elapsed and returns how many went.
func (s *Store) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := s.sdb.NewDelete((*kvModel)(nil)).
		Where("expires_at > 0").
		Where("expires_at <= ?", s.nowMillis()).
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("store/sqlite: purge: %w", err)
	}
	return res.RowsAffected()
}

// Lock takes a lease on key in the locks table, reclaiming expired leases.
func (s *Store) Lock(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	token := id.NewOperationID().String()
	for {
		ok, err := s.tryLock(ctx, key, token, ttl)
		if err != nil {
			return nil, err
		}
		if ok {
			return func() { s.unlock(key, token) }, nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s: %w", store.ErrLockTimeout, key, ctx.Err())
		case <-time.After(lockPollInterval):
		}
	}
}

func (s *Store) tryLock(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	t := s.nowMillis()
	if _, err := s.sdb.NewDelete((*lockModel)(nil)).
		Where("lock_key = ?", key).
		Where("expires_at <= ?", t).
		Exec(ctx); err != nil {
		return false, fmt.Errorf("store/sqlite: reclaim lock %s: %w", key, err)
	}

	res, err := s.sdb.NewInsert(&lockModel{Key: key, Token: token, ExpiresAt: t + ttl.Milliseconds()}).
		OnConflict("(lock_key) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("store/sqlite: lock %s: %w", key, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

func (s *Store) unlock(key, token string) {
	//nolint:errcheck // lease expiry covers a failed release
	_, _ = s.sdb.NewDelete((*lockModel)(nil)).
		Where("lock_key = ?", key).
		Where("token = ?", token).
		Exec(context.Background())
}

func (s *Store) nowMillis() int64 {
	return s.now().UnixMilli()
}

// isNoRows checks for the standard sql.ErrNoRows sentinel.
func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
