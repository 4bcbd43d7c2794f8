package guard_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/obscura-systems/veilmeter/pkg/contracts"
	"github.com/obscura-systems/veilmeter/pkg/guard"
)

type staticRoles map[contracts.Identity][]contracts.Role

func (s staticRoles) Has(identity contracts.Identity, role contracts.Role) bool {
	for _, r := range s[identity] {
		if r == role {
			return true
		}
	}
	return false
}

func noop(context.Context) error { return nil }

func TestSwitch(t *testing.T) {
	ctx := context.Background()
	sw := guard.NewSwitch(staticRoles{"root": {contracts.RoleAdmin}})
	op := sw.Middleware()(noop)

	require.NoError(t, op(ctx))

	err := sw.Pause("alice")
	assert.ErrorIs(t, err, contracts.ErrPermissionDenied)
	require.NoError(t, sw.Pause("root"))
	assert.True(t, sw.Paused())

	assert.ErrorIs(t, op(ctx), contracts.ErrSystemNotActive)

	require.NoError(t, sw.Resume("root"))
	assert.NoError(t, op(ctx))
}

func TestReentrancy(t *testing.T) {
	ctx := context.Background()
	re := guard.NewReentrancy()

	entered := make(chan struct{})
	release := make(chan struct{})
	op := re.Middleware()(func(context.Context) error {
		close(entered)
		<-release
		return nil
	})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		assert.NoError(t, op(ctx))
	}()

	<-entered
	inner := re.Middleware()(noop)
	assert.ErrorIs(t, inner(ctx), guard.ErrReentrant)

	close(release)
	wg.Wait()

	// Released after completion.
	assert.NoError(t, inner(ctx))
}

func TestFixedWindowLimiter(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	l := guard.NewFixedWindowLimiter(2, time.Minute).WithClock(func() time.Time { return now })
	op := l.Middleware()(noop)

	require.NoError(t, op(ctx))
	require.NoError(t, op(ctx))
	assert.ErrorIs(t, op(ctx), guard.ErrRateLimited)

	// A fresh window resets the count; nothing carries over.
	now = now.Add(time.Minute)
	require.NoError(t, op(ctx))
	require.NoError(t, op(ctx))
	assert.ErrorIs(t, op(ctx), guard.ErrRateLimited)
}

func TestChainOrder(t *testing.T) {
	ctx := context.Background()
	var order []string
	mark := func(name string) guard.Middleware {
		return func(op guard.Operation) guard.Operation {
			return func(ctx context.Context) error {
				order = append(order, name)
				return op(ctx)
			}
		}
	}

	op := guard.Chain(mark("outer"), mark("inner"))(noop)
	require.NoError(t, op(ctx))
	assert.Equal(t, []string{"outer", "inner"}, order)
}

func TestChainShortCircuits(t *testing.T) {
	ctx := context.Background()
	sw := guard.NewSwitch(staticRoles{"root": {contracts.RoleAdmin}})
	require.NoError(t, sw.Pause("root"))

	ran := false
	op := guard.Chain(sw.Middleware(), guard.NewReentrancy().Middleware())(func(context.Context) error {
		ran = true
		return nil
	})

	assert.ErrorIs(t, op(ctx), contracts.ErrSystemNotActive)
	assert.False(t, ran)
}
