// Package lease provides short-lived exclusive markers used to keep two
// workers from starting the same source at once.
//
// A lease is advisory and expires on its own after its TTL, so a worker that
// dies while holding one blocks others for at most that long.
package lease

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultTTL bounds how long a start may hold its lease.
const DefaultTTL = 30 * time.Second

// Locker acquires and releases leases by key.
type Locker interface {
	// Acquire takes the lease for key. It returns false without error when
	// another holder owns it. Acquiring a lease the caller already holds
	// succeeds and extends it.
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// Release drops the caller's lease. Releasing a lease held by someone
	// else, or none at all, is a no-op.
	Release(ctx context.Context, key string) error
}

// Local is an in-process Locker. It coordinates goroutines of one process
// only; use Redis when several processes start sources.
//
// A Local is one holder. Holder returns another holder over the same lease
// table, the way several Redis instances share one server.
type Local struct {
	table *localTable
	token string
}

type localTable struct {
	mu     sync.Mutex
	leases map[string]localLease
	now    func() time.Time
}

type localLease struct {
	owner   string
	expires time.Time
}

// NewLocal creates an in-process Locker with an empty lease table.
func NewLocal() *Local {
	return &Local{
		table: &localTable{
			leases: make(map[string]localLease),
			now:    time.Now,
		},
		token: uuid.NewString(),
	}
}

// Holder returns a new holder sharing l's lease table.
func (l *Local) Holder() *Local {
	return &Local{table: l.table, token: uuid.NewString()}
}

// Acquire implements Locker.
func (l *Local) Acquire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	t := l.table
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	if cur, ok := t.leases[key]; ok && cur.owner != l.token && now.Before(cur.expires) {
		return false, nil
	}
	t.leases[key] = localLease{owner: l.token, expires: now.Add(ttl)}
	return true, nil
}

// Release implements Locker.
func (l *Local) Release(_ context.Context, key string) error {
	t := l.table
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.leases[key]; ok && cur.owner == l.token {
		delete(t.leases, key)
	}
	return nil
}
