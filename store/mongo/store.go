package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/xraph/grove"
	"github.com/xraph/grove/drivers/mongodriver"

	"github.com/pawmatch/gatekeeper/id"
	"github.com/pawmatch/gatekeeper/store"
)

// Collection name constants.
const (
	colKV    = "gatekeeper_kv"
	colLocks = "gatekeeper_locks"
)

const lockPollInterval = 25 * time.Millisecond

// compile-time interface checks
var (
	_ store.Store  = (*Store)(nil)
	_ store.Locker = (*Store)(nil)
)

type kvModel struct {
	grove.BaseModel `grove:"table:gatekeeper_kv"`

	Key       string     `grove:"kv_key,pk"  bson:"_id"`
	Value     []byte     `grove:"value"      bson:"value"`
	ExpiresAt *time.Time `grove:"expires_at" bson:"expires_at,omitempty"`
	UpdatedAt time.Time  `grove:"updated_at" bson:"updated_at"`
}

type lockModel struct {
	grove.BaseModel `grove:"table:gatekeeper_locks"`

	Key       string    `grove:"lock_key,pk" bson:"_id"`
	Token     string    `grove:"token"       bson:"token"`
	ExpiresAt time.Time `grove:"expires_at"  bson:"expires_at"`
}

// Store implements store.Store using MongoDB via Grove ORM.
type Store struct {
	db  *grove.DB
	mdb *mongodriver.MongoDB
}

// New creates a new MongoDB store backed by Grove ORM.
func New(db *grove.DB) *Store {
	return &Store{
		db:  db,
		mdb: mongodriver.Unwrap(db),
	}
}

// DB returns the underlying grove database for direct access.
func (s *Store) DB() *grove.DB { return s.db }

// Migrate creates indexes for the gatekeeper collections. Both collections
// carry a TTL index so the server reaps expired keys and stale leases.
func (s *Store) Migrate(ctx context.Context) error {
	for col, models := range migrationIndexes() {
		if len(models) == 0 {
			continue
		}
		_, err := s.mdb.Collection(col).Indexes().CreateMany(ctx, models)
		if err != nil {
			return fmt.Errorf("store/mongo: migrate %s indexes: %w", col, err)
		}
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
	var m kvModel
	// The TTL monitor runs about once a minute, so expiry is filtered here too.
	err := s.mdb.NewFind(&m).
		Filter(bson.M{
			"_id": key,
			"$or": bson.A{
				bson.M{"expires_at": bson.M{"$exists": false}},
				bson.M{"expires_at": bson.M{"$gt": now()}},
			},
		}).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("store/mongo: get %s: %w", key, err)
	}
	return m.Value, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	t := now()
	update := bson.M{"$set": bson.M{"value": value, "updated_at": t}}
	if ttl > 0 {
		update["$set"].(bson.M)["expires_at"] = t.Add(ttl)
	} else {
		update["$unset"] = bson.M{"expires_at": ""}
	}

	_, err := s.mdb.NewUpdate(&kvModel{Key: key}).
		Filter(bson.M{"_id": key}).
		SetUpdate(update).
		Upsert().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("store/mongo: set %s: %w", key, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.mdb.NewDelete((*kvModel)(nil)).
		Filter(bson.M{"_id": key}).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("store/mongo: delete %s: %w", key, err)
	}
	return nil
}

// Lock takes a lease document keyed by key. A duplicate _id means another
// holder has it; expired leases are removed before each attempt.
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
	t := now()
	if _, err := s.mdb.NewDelete((*lockModel)(nil)).
		Filter(bson.M{"_id": key, "expires_at": bson.M{"$lte": t}}).
		Exec(ctx); err != nil {
		return false, fmt.Errorf("store/mongo: reclaim lock %s: %w", key, err)
	}

	_, err := s.mdb.NewInsert(&lockModel{Key: key, Token: token, ExpiresAt: t.Add(ttl)}).Exec(ctx)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return false, nil
		}
		return false, fmt.Errorf("store/mongo: lock %s: %w", key, err)
	}
	return true, nil
}

func (s *Store) unlock(key, token string) {
	//nolint:errcheck // lease expiry covers a failed release
	_, _ = s.mdb.NewDelete((*lockModel)(nil)).
		Filter(bson.M{"_id": key, "token": token}).
		Exec(context.Background())
}

// now returns the current UTC time.
func now() time.Time {
	return time.Now().UTC()
}

// isNoDocuments checks if an error wraps mongo.ErrNoDocuments.
func isNoDocuments(err error) bool {
	return errors.Is(err, mongo.ErrNoDocuments)
}

// migrationIndexes returns the index definitions for the gatekeeper collections.
func migrationIndexes() map[string][]mongo.IndexModel {
	return map[string][]mongo.IndexModel{
		colKV: {
			{
				Keys:    bson.D{{Key: "expires_at", Value: 1}},
				Options: options.Index().SetExpireAfterSeconds(0),
			},
		},
		colLocks: {
			{
				Keys:    bson.D{{Key: "expires_at", Value: 1}},
				Options: options.Index().SetExpireAfterSeconds(0),
			},
		},
	}
}
