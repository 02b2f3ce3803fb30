package dispatch

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Admission limits the number of concurrently running hosts.
//
// Unlike a bare semaphore it keeps track of held slots and refuses to
// release more slots than have been acquired.
type Admission struct {
	mu    sync.Mutex
	sem   *semaphore.Weighted
	limit int64
	held  int64
}

func NewAdmission(limit int) *Admission {
	if limit < 1 {
		limit = 1
	}
	return &Admission{
		sem:   semaphore.NewWeighted(int64(limit)),
		limit: int64(limit),
	}
}

// Acquire blocks until a slot is available or the context is done.
func (a *Admission) Acquire(ctx context.Context) error {
	if err := a.sem.Acquire(ctx, 1); err != nil {
		return err
	}

	a.mu.Lock()
	a.held++
	a.mu.Unlock()
	return nil
}

// Release returns one slot. Returns false, without releasing anything,
// if no slot is held.
func (a *Admission) Release() bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.held == 0 {
		return false
	}

	a.held--
	a.sem.Release(1)
	return true
}

// Available returns the number of free slots.
func (a *Admission) Available() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return int(a.limit - a.held)
}

// Limit returns the total number of slots.
func (a *Admission) Limit() int {
	return int(a.limit)
}

// AwaitIdle blocks until every slot is free or the context is done.
func (a *Admission) AwaitIdle(ctx context.Context) error {
	if err := a.sem.Acquire(ctx, a.limit); err != nil {
		return err
	}
	a.sem.Release(a.limit)
	return nil
}
