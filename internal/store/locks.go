package store

import (
	"context"
	"hash/crc32"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Locker implements the per-runner distributed lock of §4.2: a Postgres
// session-level advisory lock keyed by a deterministic hash of the runner
// id. crc32 is used deliberately — it is a fixed, documented polynomial
// hash stable across replicas and process restarts, unlike a language
// runtime's built-in map hash (which several runtimes, including Go's,
// seed per process specifically to prevent exactly this kind of reuse as
// a stable key).
type Locker struct {
	pool *pgxpool.Pool
}

// NewLocker builds a Locker over the store's pool.
func NewLocker(s *Store) *Locker {
	return &Locker{pool: s.pool}
}

// RunnerLockKey computes the stable int64 advisory-lock key for a runner id.
func RunnerLockKey(runnerID string) int64 {
	return int64(int32(crc32.ChecksumIEEE([]byte(runnerID))))
}

// RunnerLock is a held advisory lock. It must be released on the exact
// same connection that acquired it, so it carries its own dedicated
// pgxpool.Conn for the lifetime of the critical section.
type RunnerLock struct {
	conn *pgxpool.Conn
	key  int64
}

// Acquire blocks until the per-runner advisory lock is held. The lock is
// released by calling Release, which must run on the same goroutine/flow
// that acquired it (per §4.2).
func (l *Locker) Acquire(ctx context.Context, runnerID string) (*RunnerLock, error) {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	key := RunnerLockKey(runnerID)
	if _, err := conn.Exec(ctx, "SELECT pg_advisory_lock($1)", key); err != nil {
		conn.Release()
		return nil, err
	}
	return &RunnerLock{conn: conn, key: key}, nil
}

// Release unlocks and returns the underlying connection to the pool.
func (rl *RunnerLock) Release(ctx context.Context) error {
	if rl == nil || rl.conn == nil {
		return nil
	}
	_, err := rl.conn.Exec(ctx, "SELECT pg_advisory_unlock($1)", rl.key)
	rl.conn.Release()
	rl.conn = nil
	return err
}

// Tx begins a transaction on the lock-holding connection, so callers can
// read/write checkpoint state within the same critical section the lock
// protects (§5: "no business logic holds a database row lock across more
// than one external RPC unless that RPC is itself the protected critical
// section").
func (rl *RunnerLock) Tx(ctx context.Context) (pgx.Tx, error) {
	return rl.conn.Begin(ctx)
}
