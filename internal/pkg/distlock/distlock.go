package distlock

import (
	"context"
	"database/sql"
	"hash/fnv"
	"time"

	"github.com/redis/go-redis/v9"
)

// DistLock serializes the mailbox sweep across orchestrator instances so a
// message is only spooled and dispatched once. A lock instance is meant for
// a single goroutine; give each sweeper its own.
type DistLock interface {
	// Acquire makes a non-blocking attempt to take the lock and reports
	// whether it succeeded.
	Acquire(ctx context.Context) (bool, error)
	// Release gives the lock back if this instance still owns it.
	Release(ctx context.Context) error
}

// NewLock picks a backend for the named lock: Redis when a client is
// available (it works across hosts and expires on crash via TTL), otherwise
// a Postgres advisory lock on the shared database.
func NewLock(redisClient *redis.Client, db *sql.DB, key string, ttl time.Duration) DistLock {
	if redisClient != nil {
		return NewRedisLock(redisClient, key, ttl)
	}
	return NewPGAdvisoryLock(db, key)
}

// PGAdvisoryLock is the Redis-less fallback. pg_try_advisory_lock is
// session-scoped, so the lock drops with the connection if the holder dies,
// which stands in for the TTL the Redis backend gets.
type PGAdvisoryLock struct {
	db     *sql.DB
	lockID int64
}

// NewPGAdvisoryLock hashes key into the 64-bit lock ID Postgres expects.
func NewPGAdvisoryLock(db *sql.DB, key string) *PGAdvisoryLock {
	h := fnv.New64a()
	h.Write([]byte(key))
	return &PGAdvisoryLock{
		db:     db,
		lockID: int64(h.Sum64()),
	}
}

// Acquire attempts the advisory lock without blocking.
func (l *PGAdvisoryLock) Acquire(ctx context.Context) (bool, error) {
	var acquired bool
	err := l.db.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", l.lockID).Scan(&acquired)
	return acquired, err
}

// Release unlocks the advisory lock for this session.
func (l *PGAdvisoryLock) Release(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", l.lockID)
	return err
}
