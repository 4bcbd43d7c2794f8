package disclosure_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/obscura-systems/veilmeter/pkg/contracts"
	"github.com/obscura-systems/veilmeter/pkg/disclosure"
	"github.com/obscura-systems/veilmeter/pkg/events"
	"github.com/obscura-systems/veilmeter/pkg/refund"
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

type fixture struct {
	protocol *disclosure.Protocol
	refunds  *refund.Ledger
	bus      *events.Bus
	now      *time.Time
}

func newFixture(t *testing.T, opts ...disclosure.Option) *fixture {
	t.Helper()
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	f := &fixture{now: &now, bus: events.NewBus()}
	f.refunds = refund.NewLedger(nil, f.bus)
	roles := staticRoles{
		"gateway": {contracts.RoleAuthority},
		"alice":   {contracts.RoleRequester},
	}
	opts = append([]disclosure.Option{
		disclosure.WithWindow(5 * time.Minute),
		disclosure.WithClock(func() time.Time { return *f.now }),
	}, opts...)
	f.protocol = disclosure.NewProtocol(roles, f.refunds, f.bus, nil, opts...)
	return f
}

func (f *fixture) advance(d time.Duration) { *f.now = f.now.Add(d) }

func TestRequestDisclosureValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.protocol.RequestDisclosure(ctx, "alice", "")
	assert.ErrorIs(t, err, contracts.ErrInvalidInput)

	_, err = f.protocol.RequestDisclosure(ctx, contracts.Nobody, "sealed:abc")
	assert.ErrorIs(t, err, contracts.ErrInvalidInput)

	id, err := f.protocol.RequestDisclosure(ctx, "alice", "sealed:abc")
	require.NoError(t, err)

	r, err := f.protocol.Status(id)
	require.NoError(t, err)
	assert.Equal(t, disclosure.StatusPending, r.Status)
	assert.Equal(t, "sealed:abc", r.SealedRef)
}

func TestCallbackCompletesAndRunsHook(t *testing.T) {
	ctx := context.Background()
	var gotID, gotCleartext string
	f := newFixture(t, disclosure.WithCompletionHook(func(_ context.Context, requestID, cleartext string) error {
		gotID, gotCleartext = requestID, cleartext
		return nil
	}))

	id, err := f.protocol.RequestDisclosure(ctx, "alice", "sealed:abc")
	require.NoError(t, err)

	require.NoError(t, f.protocol.OnAuthorityCallback(ctx, "gateway", id, "85"))

	r, err := f.protocol.Status(id)
	require.NoError(t, err)
	assert.Equal(t, disclosure.StatusCompleted, r.Status)
	assert.Equal(t, "85", r.Result)
	assert.Equal(t, id, gotID)
	assert.Equal(t, "85", gotCleartext)

	// Terminal once: nothing moves it again.
	err = f.protocol.OnAuthorityCallback(ctx, "gateway", id, "86")
	assert.ErrorIs(t, err, contracts.ErrAlreadyTerminal)
	err = f.protocol.HandleTimeout(ctx, id)
	assert.ErrorIs(t, err, contracts.ErrAlreadyTerminal)
}

func TestCallbackRequiresAuthorityRole(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	id, err := f.protocol.RequestDisclosure(ctx, "alice", "sealed:abc")
	require.NoError(t, err)

	err = f.protocol.OnAuthorityCallback(ctx, "alice", id, "85")
	assert.ErrorIs(t, err, contracts.ErrPermissionDenied)

	err = f.protocol.OnAuthorityCallback(ctx, "gateway", "no-such-id", "85")
	assert.ErrorIs(t, err, contracts.ErrUnknownRequest)
}

func TestEmptyPayloadFailsWithRefund(t *testing.T) {
	ctx := context.Background()
	var failedID string
	var failedReason contracts.RefundReason
	f := newFixture(t, disclosure.WithFailureHook(func(_ context.Context, requestID string, reason contracts.RefundReason) {
		failedID, failedReason = requestID, reason
	}))

	id, err := f.protocol.RequestDisclosure(ctx, "alice", "sealed:abc")
	require.NoError(t, err)
	require.NoError(t, f.protocol.OnAuthorityCallback(ctx, "gateway", id, ""))

	r, err := f.protocol.Status(id)
	require.NoError(t, err)
	assert.Equal(t, disclosure.StatusFailed, r.Status)
	assert.Equal(t, id, failedID)
	assert.Equal(t, contracts.ReasonInvalidResponse, failedReason)

	ref, ok := f.refunds.ByRequest(id)
	require.True(t, ok)
	assert.Equal(t, contracts.Identity("alice"), ref.Beneficiary)
	assert.Equal(t, contracts.ReasonInvalidResponse, ref.Reason)
	assert.Zero(t, ref.AmountMinor)
}

func TestLateCallbackResolvesToTimeout(t *testing.T) {
	ctx := context.Background()
	hookRan := false
	f := newFixture(t, disclosure.WithCompletionHook(func(context.Context, string, string) error {
		hookRan = true
		return nil
	}))

	id, err := f.protocol.RequestDisclosure(ctx, "alice", "sealed:abc")
	require.NoError(t, err)

	f.advance(5*time.Minute + time.Second)

	// A valid answer arrives, but the window has already passed.
	require.NoError(t, f.protocol.OnAuthorityCallback(ctx, "gateway", id, "85"))

	r, err := f.protocol.Status(id)
	require.NoError(t, err)
	assert.Equal(t, disclosure.StatusTimeout, r.Status)
	assert.Empty(t, r.Result)
	assert.False(t, hookRan)

	ref, ok := f.refunds.ByRequest(id)
	require.True(t, ok)
	assert.Equal(t, contracts.ReasonTimeoutExceeded, ref.Reason)
}

func TestHandleTimeout(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	id, err := f.protocol.RequestDisclosure(ctx, "alice", "sealed:abc")
	require.NoError(t, err)

	err = f.protocol.HandleTimeout(ctx, id)
	assert.ErrorIs(t, err, contracts.ErrNotYetTimedOut)

	// Age exactly at the window is still inside it.
	f.advance(5 * time.Minute)
	err = f.protocol.HandleTimeout(ctx, id)
	assert.ErrorIs(t, err, contracts.ErrNotYetTimedOut)

	f.advance(time.Second)
	require.NoError(t, f.protocol.HandleTimeout(ctx, id))

	r, err := f.protocol.Status(id)
	require.NoError(t, err)
	assert.Equal(t, disclosure.StatusTimeout, r.Status)

	// Second call fails, and the refund did not double.
	err = f.protocol.HandleTimeout(ctx, id)
	assert.ErrorIs(t, err, contracts.ErrAlreadyTerminal)

	ref, ok := f.refunds.ByRequest(id)
	require.True(t, ok)
	assert.False(t, ref.Claimed)
	assert.Len(t, f.refunds.Outstanding(), 1)

	err = f.protocol.HandleTimeout(ctx, "no-such-id")
	assert.ErrorIs(t, err, contracts.ErrUnknownRequest)
}

func TestConcurrentResolutionIsTerminalOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	id, err := f.protocol.RequestDisclosure(ctx, "alice", "sealed:abc")
	require.NoError(t, err)
	f.advance(6 * time.Minute)

	var wg sync.WaitGroup
	var mu sync.Mutex
	resolved := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var err error
			if i%2 == 0 {
				err = f.protocol.HandleTimeout(ctx, id)
			} else {
				err = f.protocol.OnAuthorityCallback(ctx, "gateway", id, "85")
			}
			if err == nil {
				mu.Lock()
				resolved++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, resolved)
	assert.Len(t, f.refunds.Outstanding(), 1)

	r, err := f.protocol.Status(id)
	require.NoError(t, err)
	assert.Equal(t, disclosure.StatusTimeout, r.Status)
}

func TestStale(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	old, err := f.protocol.RequestDisclosure(ctx, "alice", "sealed:old")
	require.NoError(t, err)
	f.advance(6 * time.Minute)
	fresh, err := f.protocol.RequestDisclosure(ctx, "alice", "sealed:fresh")
	require.NoError(t, err)

	stale := f.protocol.Stale()
	assert.Contains(t, stale, old)
	assert.NotContains(t, stale, fresh)

	require.NoError(t, f.protocol.HandleTimeout(ctx, old))
	assert.Empty(t, f.protocol.Stale())
}

func TestNotifierIsFireAndForget(t *testing.T) {
	ctx := context.Background()
	notified := make(chan string, 1)
	f := newFixture(t, disclosure.WithNotifier(notifierFunc(func(_ context.Context, requestID, _ string) error {
		notified <- requestID
		return nil
	})))

	id, err := f.protocol.RequestDisclosure(ctx, "alice", "sealed:abc")
	require.NoError(t, err)

	select {
	case got := <-notified:
		assert.Equal(t, id, got)
	case <-time.After(time.Second):
		t.Fatal("authority was never notified")
	}
}

func TestProtocolPublishesNotifications(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	var mu sync.Mutex
	var seen []events.Event
	f.bus.Subscribe(func(e events.Event) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, e)
	})

	byType := func(want events.Type) []events.Event {
		mu.Lock()
		defer mu.Unlock()
		var out []events.Event
		for _, e := range seen {
			if e.Type == want {
				out = append(out, e)
			}
		}
		return out
	}

	id, err := f.protocol.RequestDisclosure(ctx, "alice", "sealed:abc")
	require.NoError(t, err)

	requested := byType(events.DisclosureRequested)
	require.Len(t, requested, 1)
	assert.Equal(t, id, requested[0].Fields["request_id"])
	assert.Equal(t, "alice", requested[0].Fields["requester"])
	assert.Equal(t, "sealed:abc", requested[0].Fields["sealed_ref"])

	require.NoError(t, f.protocol.OnAuthorityCallback(ctx, "gateway", id, "85"))
	completed := byType(events.DisclosureCompleted)
	require.Len(t, completed, 1)
	assert.Equal(t, id, completed[0].Fields["request_id"])
	assert.Empty(t, byType(events.DisclosureFailed))

	// A second request that times out publishes a failure notification
	// carrying the reason, plus the refund it opened.
	late, err := f.protocol.RequestDisclosure(ctx, "alice", "sealed:late")
	require.NoError(t, err)
	f.advance(6 * time.Minute)
	require.NoError(t, f.protocol.HandleTimeout(ctx, late))

	failed := byType(events.DisclosureFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, late, failed[0].Fields["request_id"])
	assert.Equal(t, string(contracts.ReasonTimeoutExceeded), failed[0].Fields["reason"])
	assert.Len(t, byType(events.RefundIssued), 1)
}

type notifierFunc func(ctx context.Context, requestID, sealedRef string) error

func (f notifierFunc) NotifyDisclosureRequested(ctx context.Context, requestID, sealedRef string) error {
	return f(ctx, requestID, sealedRef)
}
