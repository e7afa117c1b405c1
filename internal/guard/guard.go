// Package guard provides a per-key FIFO lock used to serialize queue-advance
// transitions. Calls for the same key run one at a time in arrival order;
// calls for different keys are independent.
package guard

import (
	"context"
	"sync"
)

type Guard struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	held    bool
	waiters []chan struct{}
}

func New() *Guard {
	return &Guard{locks: make(map[string]*keyLock)}
}

// With runs fn while holding the lock for key. Waiters are granted the lock
// in FIFO order. It returns ctx.Err() if the context ends before the lock is
// acquired; fn always runs to completion once started, and its error is
// passed through.
func (g *Guard) With(ctx context.Context, key string, fn func() error) error {
	if err := g.acquire(ctx, key); err != nil {
		return err
	}
	defer g.release(key)
	return fn()
}

func (g *Guard) acquire(ctx context.Context, key string) error {
	g.mu.Lock()
	kl := g.locks[key]
	if kl == nil {
		kl = &keyLock{}
		g.locks[key] = kl
	}
	if !kl.held {
		kl.held = true
		g.mu.Unlock()
		return nil
	}
	ticket := make(chan struct{})
	kl.waiters = append(kl.waiters, ticket)
	g.mu.Unlock()

	select {
	case <-ticket:
		return nil
	case <-ctx.Done():
		g.mu.Lock()
		for i, w := range kl.waiters {
			if w == ticket {
				kl.waiters = append(kl.waiters[:i], kl.waiters[i+1:]...)
				g.mu.Unlock()
				return ctx.Err()
			}
		}
		g.mu.Unlock()
		// The ticket was granted while we were cancelling; hand it back.
		g.release(key)
		return ctx.Err()
	}
}

func (g *Guard) release(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	kl := g.locks[key]
	if kl == nil {
		return
	}
	if len(kl.waiters) > 0 {
		next := kl.waiters[0]
		kl.waiters = kl.waiters[1:]
		close(next)
		return
	}
	kl.held = false
	delete(g.locks, key)
}
