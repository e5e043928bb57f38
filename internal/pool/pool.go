// Package pool hands out a fixed set of members to callers one at a time,
// queueing callers in arrival order when every member is in use.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

var (
	// ErrEmpty is returned by New when there is nothing to pool.
	ErrEmpty = errors.New("pool: no members")
	// ErrNotHeld is returned by Release for a value that is not checked out.
	ErrNotHeld = errors.New("pool: member not held")
)

// Stats is a point-in-time view of the pool.
type Stats struct {
	Size    int
	Idle    int
	Held    int
	Waiting int
}

// Pool is a fixed-capacity set of members. A member is either idle or held.
// Acquire takes the oldest idle member or waits; Release hands the member to
// the oldest waiter if there is one, otherwise returns it to the idle queue.
// The idle queue and the waiter queue are never both non-empty.
type Pool[T comparable] struct {
	mu      sync.Mutex
	members []T
	idle    []T
	waiters []chan T
	held    map[T]struct{}
	log     zerolog.Logger
}

type options struct {
	log zerolog.Logger
}

// Option configures a Pool.
type Option func(*options)

// WithLogger sets the logger used for wait diagnostics.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) {
		o.log = l
	}
}

// New creates a pool over members, all initially idle. It fails with
// ErrEmpty when members is empty.
func New[T comparable](members []T, opts ...Option) (*Pool[T], error) {
	if len(members) == 0 {
		return nil, ErrEmpty
	}
	o := options{log: zerolog.Nop()}
	for _, opt := range opts {
		opt(&o)
	}

	seen := make(map[T]struct{}, len(members))
	for _, m := range members {
		if _, dup := seen[m]; dup {
			return nil, fmt.Errorf("pool: duplicate member %v", m)
		}
		seen[m] = struct{}{}
	}

	return &Pool[T]{
		members: append([]T(nil), members...),
		idle:    append([]T(nil), members...),
		held:    make(map[T]struct{}, len(members)),
		log:     o.log,
	}, nil
}

// Acquire returns an idle member, waiting in FIFO order behind earlier
// callers when none is idle. The wait has no deadline of its own; it ends
// only when a member is released to this caller or ctx is done.
func (p *Pool[T]) Acquire(ctx context.Context) (T, error) {
	p.mu.Lock()
	if len(p.idle) > 0 {
		v := p.idle[0]
		p.idle = p.idle[1:]
		p.held[v] = struct{}{}
		p.mu.Unlock()
		return v, nil
	}

	ch := make(chan T, 1)
	p.waiters = append(p.waiters, ch)
	p.log.Debug().
		Int("waiters", len(p.waiters)).
		Int("idle", len(p.idle)).
		Msg("waiting for pool member")
	p.mu.Unlock()

	select {
	case v := <-ch:
		return v, nil
	case <-ctx.Done():
		p.mu.Lock()
		removed := p.removeWaiter(ch)
		p.mu.Unlock()
		if !removed {
			// A release already handed us a member; pass it on.
			_ = p.Release(<-ch)
		}
		var zero T
		return zero, ctx.Err()
	}
}

func (p *Pool[T]) removeWaiter(ch chan T) bool {
	for i, w := range p.waiters {
		if w == ch {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return true
		}
	}
	return false
}

// Release returns a held member. If callers are waiting, the member goes
// straight to the oldest of them and never becomes idle.
func (p *Pool[T]) Release(v T) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.held[v]; !ok {
		return fmt.Errorf("%w: %v", ErrNotHeld, v)
	}
	if len(p.waiters) > 0 {
		ch := p.waiters[0]
		p.waiters = p.waiters[1:]
		ch <- v
		return nil
	}
	delete(p.held, v)
	p.idle = append(p.idle, v)
	return nil
}

// Members returns every member in construction order.
func (p *Pool[T]) Members() []T {
	return append([]T(nil), p.members...)
}

// Len returns the fixed number of members.
func (p *Pool[T]) Len() int {
	return len(p.members)
}

// Stats reports current occupancy.
func (p *Pool[T]) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Size:    len(p.members),
		Idle:    len(p.idle),
		Held:    len(p.held),
		Waiting: len(p.waiters),
	}
}
