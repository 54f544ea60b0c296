// Package publock hands out per-branch publish leases on top of
// Postgres advisory locks, so at most one publish runs against a given
// target branch at a time, across every publisher process sharing the
// database.
package publock

import (
	"context"
	"database/sql"
	"hash/fnv"

	"github.com/pkg/errors"
)

// ErrBusy is returned by TryLock when another publish holds the lease.
var ErrBusy = errors.New("branch lease held elsewhere")

// Locker hands out branch leases.
type Locker struct {
	db *sql.DB
}

func New(db *sql.DB) *Locker {
	return &Locker{db: db}
}

// Lease is a held branch lease. Advisory locks are connection-scoped,
// so the lease pins a pool connection until Unlock.
type Lease struct {
	conn *sql.Conn
	key  int64
}

func lockKey(url string) int64 {
	h := fnv.New64a()
	h.Write([]byte(url))
	return int64(h.Sum64())
}

// TryLock acquires the lease for the target branch URL without
// blocking. ErrBusy means somebody else holds it right now.
func (l *Locker) TryLock(ctx context.Context, url string) (*Lease, error) {
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "acquiring connection")
	}
	key := lockKey(url)
	var locked bool
	if err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, key).Scan(&locked); err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "acquiring advisory lock")
	}
	if !locked {
		conn.Close()
		return nil, ErrBusy
	}
	return &Lease{conn: conn, key: key}, nil
}

// Unlock releases the lease and returns its connection to the pool.
func (le *Lease) Unlock(ctx context.Context) error {
	defer le.conn.Close()
	var released bool
	if err := le.conn.QueryRowContext(ctx, `SELECT pg_advisory_unlock($1)`, le.key).Scan(&released); err != nil {
		return errors.Wrap(err, "releasing advisory lock")
	}
	if !released {
		return errors.New("advisory lock was not held")
	}
	return nil
}
