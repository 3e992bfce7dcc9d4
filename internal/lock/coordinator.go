// Package lock grants per-account exclusive permits.
//
// Permits for several accounts are always taken in ascending account id
// order, whatever order the caller names them in. Two transfers over the same
// pair of accounts in opposite directions therefore queue on the same first
// account instead of each holding one account and waiting for the other.
package lock

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/semaphore"
)

type accountLock struct {
	sem  *semaphore.Weighted
	refs int
}

// Coordinator hands out account permits. The zero value is not usable; call
// NewCoordinator.
type Coordinator struct {
	mu     sync.Mutex
	locks  map[string]*accountLock
	logger *slog.Logger
}

func NewCoordinator(logger *slog.Logger) *Coordinator {
	return &Coordinator{
		locks:  make(map[string]*accountLock),
		logger: logger,
	}
}

// Permit holds exclusive access to a set of accounts until Release.
type Permit struct {
	c    *Coordinator
	ids  []string
	once sync.Once
}

// Accounts returns the held account ids in acquisition order.
func (p *Permit) Accounts() []string {
	out := make([]string, len(p.ids))
	copy(out, p.ids)
	return out
}

// Release frees every account held by the permit. Calling it more than once
// is a no-op.
func (p *Permit) Release() {
	p.once.Do(func() {
		for i := len(p.ids) - 1; i >= 0; i-- {
			p.c.unlock(p.ids[i])
		}
	})
}

// Acquire blocks until every account in ids is held by the caller. Waiters on
// one account are served in arrival order. If ctx ends first, anything
// already taken is released and ctx.Err() is returned.
func (c *Coordinator) Acquire(ctx context.Context, ids ...string) (*Permit, error) {
	ordered := orderedIDs(ids)

	held := make([]string, 0, len(ordered))
	for _, id := range ordered {
		if err := c.lock(ctx, id); err != nil {
			for i := len(held) - 1; i >= 0; i-- {
				c.unlock(held[i])
			}
			if c.logger != nil {
				c.logger.Warn("Account lock wait abandoned", "account_id", id, "error", err)
			}
			return nil, err
		}
		held = append(held, id)
	}

	return &Permit{c: c, ids: held}, nil
}

// Held returns how many accounts currently have a holder or waiters.
func (c *Coordinator) Held() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.locks)
}

func (c *Coordinator) lock(ctx context.Context, id string) error {
	c.mu.Lock()
	l, ok := c.locks[id]
	if !ok {
		l = &accountLock{sem: semaphore.NewWeighted(1)}
		c.locks[id] = l
	}
	l.refs++
	c.mu.Unlock()

	if err := l.sem.Acquire(ctx, 1); err != nil {
		c.release(id, l)
		return err
	}
	return nil
}

func (c *Coordinator) unlock(id string) {
	c.mu.Lock()
	l, ok := c.locks[id]
	c.mu.Unlock()
	if !ok {
		return
	}
	l.sem.Release(1)
	c.release(id, l)
}

// release drops one reference and forgets the account once nobody holds or
// waits for it.
func (c *Coordinator) release(id string, l *accountLock) {
	c.mu.Lock()
	defer c.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(c.locks, id)
	}
}

func orderedIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
