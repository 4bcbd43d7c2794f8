// Package guard provides the cross-cutting protections wrapped around
// public operations: a pause switch, a reentrancy guard and a fixed
// window rate limiter. Each guard is an independent middleware; the
// binary composes the set it wants per endpoint.
package guard

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/obscura-systems/veilmeter/pkg/contracts"
)

var (
	// ErrReentrant is returned when an operation re-enters a guarded
	// section that is still executing.
	ErrReentrant = errors.New("guard: reentrant call rejected")
	// ErrRateLimited is returned when the fixed window is exhausted.
	ErrRateLimited = errors.New("guard: rate limit exceeded")
)

// Operation is one guarded unit of work.
type Operation func(ctx context.Context) error

// Middleware wraps an operation with a protection.
type Middleware func(Operation) Operation

// Chain composes middlewares; the first listed runs outermost.
func Chain(mws ...Middleware) Middleware {
	return func(op Operation) Operation {
		for i := len(mws) - 1; i >= 0; i-- {
			op = mws[i](op)
		}
		return op
	}
}

// Switch is the service-wide pause control. While paused, every
// guarded operation fails with ErrSystemNotActive.
type Switch struct {
	paused atomic.Bool
	roles  contracts.RoleChecker
}

// NewSwitch creates an active switch. roles gates Pause and Resume.
func NewSwitch(roles contracts.RoleChecker) *Switch {
	return &Switch{roles: roles}
}

// Pause halts guarded operations. Admin only.
func (s *Switch) Pause(actor contracts.Identity) error {
	if s.roles == nil || !s.roles.Has(actor, contracts.RoleAdmin) {
		return fmt.Errorf("%w: %s is not an admin", contracts.ErrPermissionDenied, actor)
	}
	s.paused.Store(true)
	return nil
}

// Resume reactivates guarded operations. Admin only.
func (s *Switch) Resume(actor contracts.Identity) error {
	if s.roles == nil || !s.roles.Has(actor, contracts.RoleAdmin) {
		return fmt.Errorf("%w: %s is not an admin", contracts.ErrPermissionDenied, actor)
	}
	s.paused.Store(false)
	return nil
}

// Paused reports the current state.
func (s *Switch) Paused() bool { return s.paused.Load() }

// Middleware rejects operations while the switch is paused.
func (s *Switch) Middleware() Middleware {
	return func(op Operation) Operation {
		return func(ctx context.Context) error {
			if s.paused.Load() {
				return contracts.ErrSystemNotActive
			}
			return op(ctx)
		}
	}
}

// Reentrancy rejects a call that enters while a previous call through
// the same guard is still running. One guard instance protects one
// critical section.
type Reentrancy struct {
	busy atomic.Bool
}

// NewReentrancy creates an idle guard.
func NewReentrancy() *Reentrancy { return &Reentrancy{} }

// Middleware wraps op so overlapping invocations fail fast instead of
// interleaving.
func (r *Reentrancy) Middleware() Middleware {
	return func(op Operation) Operation {
		return func(ctx context.Context) error {
			if !r.busy.CompareAndSwap(false, true) {
				return ErrReentrant
			}
			defer r.busy.Store(false)
			return op(ctx)
		}
	}
}

// FixedWindowLimiter admits at most limit operations per window. The
// count resets when a new window starts; there is no carry-over or
// token refill mid-window.
type FixedWindowLimiter struct {
	mu          sync.Mutex
	limit       int
	window      time.Duration
	windowStart time.Time
	count       int
	clock       func() time.Time
}

// NewFixedWindowLimiter creates a limiter admitting limit operations
// per window.
func NewFixedWindowLimiter(limit int, window time.Duration) *FixedWindowLimiter {
	return &FixedWindowLimiter{
		limit:  limit,
		window: window,
		clock:  time.Now,
	}
}

// WithClock overrides the clock for testing.
func (l *FixedWindowLimiter) WithClock(clock func() time.Time) *FixedWindowLimiter {
	l.clock = clock
	return l
}

// Allow reports whether one more operation fits in the current window
// and counts it if so.
func (l *FixedWindowLimiter) Allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock()
	if l.windowStart.IsZero() || now.Sub(l.windowStart) >= l.window {
		l.windowStart = now
		l.count = 0
	}
	if l.count >= l.limit {
		return false
	}
	l.count++
	return true
}

// Middleware rejects operations past the window's limit.
func (l *FixedWindowLimiter) Middleware() Middleware {
	return func(op Operation) Operation {
		return func(ctx context.Context) error {
			if !l.Allow() {
				return ErrRateLimited
			}
			return op(ctx)
		}
	}
}
