package refund_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/obscura-systems/veilmeter/pkg/contracts"
	"github.com/obscura-systems/veilmeter/pkg/events"
	"github.com/obscura-systems/veilmeter/pkg/refund"
)

type recordingPayout struct {
	mu        sync.Mutex
	transfers []int64
	fail      error
}

func (p *recordingPayout) Transfer(_ context.Context, _ contracts.Identity, amountMinor int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail != nil {
		return p.fail
	}
	p.transfers = append(p.transfers, amountMinor)
	return nil
}

func TestOpenValidation(t *testing.T) {
	ctx := context.Background()
	l := refund.NewLedger(nil, nil)

	_, err := l.Open(ctx, contracts.Nobody, 100, contracts.ReasonTimeoutExceeded, "")
	assert.ErrorIs(t, err, contracts.ErrInvalidBeneficiary)

	_, err = l.Open(ctx, "alice", -1, contracts.ReasonTimeoutExceeded, "")
	assert.ErrorIs(t, err, contracts.ErrInvalidAmount)

	_, err = l.Open(ctx, "alice", 100, contracts.RefundReason("GOODWILL"), "")
	assert.ErrorIs(t, err, contracts.ErrInvalidInput)

	// Zero amount is legal: the entry records the failure itself.
	r, err := l.Open(ctx, "alice", 0, contracts.ReasonInvalidResponse, "")
	require.NoError(t, err)
	assert.Zero(t, r.AmountMinor)
	assert.False(t, r.Claimed)
}

func TestOpenIdempotentPerRequest(t *testing.T) {
	ctx := context.Background()
	bus := events.NewBus()
	var issued int
	bus.Subscribe(func(e events.Event) {
		if e.Type == events.RefundIssued {
			issued++
		}
	})

	l := refund.NewLedger(nil, bus)

	first, err := l.Open(ctx, "alice", 500, contracts.ReasonTimeoutExceeded, "req-1")
	require.NoError(t, err)
	second, err := l.Open(ctx, "alice", 500, contracts.ReasonTimeoutExceeded, "req-1")
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, issued)

	got, ok := l.ByRequest("req-1")
	require.True(t, ok)
	assert.Equal(t, first.ID, got.ID)

	// Distinct requests open distinct refunds.
	third, err := l.Open(ctx, "alice", 500, contracts.ReasonTimeoutExceeded, "req-2")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, third.ID)
	assert.Equal(t, 2, issued)
}

func TestClaimExactlyOnce(t *testing.T) {
	ctx := context.Background()
	payout := &recordingPayout{}
	bus := events.NewBus()
	var claimed int
	bus.Subscribe(func(e events.Event) {
		if e.Type == events.RefundClaimed {
			claimed++
		}
	})

	l := refund.NewLedger(payout, bus)
	r, err := l.Open(ctx, "alice", 750, contracts.ReasonDisclosureFailed, "req-9")
	require.NoError(t, err)

	_, err = l.Claim(ctx, r.ID, "mallory")
	assert.ErrorIs(t, err, contracts.ErrNotBeneficiary)

	got, err := l.Claim(ctx, r.ID, "alice")
	require.NoError(t, err)
	assert.True(t, got.Claimed)
	assert.Equal(t, []int64{750}, payout.transfers)

	_, err = l.Claim(ctx, r.ID, "alice")
	assert.ErrorIs(t, err, contracts.ErrAlreadyClaimed)
	assert.Equal(t, []int64{750}, payout.transfers)
	assert.Equal(t, 1, claimed)

	_, err = l.Claim(ctx, "no-such-refund", "alice")
	assert.ErrorIs(t, err, refund.ErrUnknownRefund)
}

func TestClaimRollsBackOnPayoutFailure(t *testing.T) {
	ctx := context.Background()
	payout := &recordingPayout{fail: errors.New("settlement unavailable")}
	l := refund.NewLedger(payout, nil)

	r, err := l.Open(ctx, "alice", 300, contracts.ReasonAuthorityError, "")
	require.NoError(t, err)

	_, err = l.Claim(ctx, r.ID, "alice")
	require.Error(t, err)

	// The flip rolled back, so the claim can be retried.
	payout.fail = nil
	got, err := l.Claim(ctx, r.ID, "alice")
	require.NoError(t, err)
	assert.True(t, got.Claimed)
}

func TestConcurrentClaimsPayOnce(t *testing.T) {
	ctx := context.Background()
	payout := &recordingPayout{}
	l := refund.NewLedger(payout, nil)

	r, err := l.Open(ctx, "alice", 100, contracts.ReasonTimeoutExceeded, "")
	require.NoError(t, err)

	var wg sync.WaitGroup
	var okCount, dupCount int
	var mu sync.Mutex
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Claim(ctx, r.ID, "alice")
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				okCount++
			} else if errors.Is(err, contracts.ErrAlreadyClaimed) {
				dupCount++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, okCount)
	assert.Equal(t, 15, dupCount)
	assert.Len(t, payout.transfers, 1)
}

func TestOutstanding(t *testing.T) {
	ctx := context.Background()
	l := refund.NewLedger(nil, nil).WithClock(func() time.Time {
		return time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	})

	a, err := l.Open(ctx, "alice", 10, contracts.ReasonTimeoutExceeded, "")
	require.NoError(t, err)
	_, err = l.Open(ctx, "bob", 20, contracts.ReasonTimeoutExceeded, "")
	require.NoError(t, err)

	_, err = l.Claim(ctx, a.ID, "alice")
	require.NoError(t, err)

	out := l.Outstanding()
	require.Len(t, out, 1)
	assert.Equal(t, contracts.Identity("bob"), out[0].Beneficiary)
}
