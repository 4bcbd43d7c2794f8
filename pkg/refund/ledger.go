// Package refund implements the compensation ledger. Failed or timed
// out disclosures open a refund entry for the metric reporter, which
// the beneficiary later claims exactly once.
package refund

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/obscura-systems/veilmeter/pkg/contracts"
	"github.com/obscura-systems/veilmeter/pkg/events"
)

// ErrUnknownRefund is returned when no refund has the given ID.
var ErrUnknownRefund = errors.New("refund: unknown refund")

// Refund is a single compensation entry. Amounts are integer minor
// units to avoid float drift.
type Refund struct {
	ID          string                 `json:"id"`
	Beneficiary contracts.Identity     `json:"beneficiary"`
	AmountMinor int64                  `json:"amount_minor"`
	Reason      contracts.RefundReason `json:"reason"`
	CreatedAt   time.Time              `json:"created_at"`
	Claimed     bool                   `json:"claimed"`
	// RequestID ties the refund to the disclosure request that
	// failed, and is the idempotency key for Open.
	RequestID string `json:"request_id,omitempty"`
}

// Payout moves claimed funds out of the service. Transfer must either
// complete or fail without a partial effect.
type Payout interface {
	Transfer(ctx context.Context, beneficiary contracts.Identity, amountMinor int64) error
}

// NopPayout acknowledges every transfer. Used when settlement happens
// out of band.
type NopPayout struct{}

func (NopPayout) Transfer(context.Context, contracts.Identity, int64) error { return nil }

// Ledger tracks refunds from open to claim.
type Ledger struct {
	mu        sync.Mutex
	refunds   map[string]*Refund
	byRequest map[string]string
	payout    Payout
	bus       *events.Bus
	clock     func() time.Time
}

// NewLedger creates an empty ledger. A nil payout defaults to
// NopPayout.
func NewLedger(payout Payout, bus *events.Bus) *Ledger {
	if payout == nil {
		payout = NopPayout{}
	}
	return &Ledger{
		refunds:   make(map[string]*Refund),
		byRequest: make(map[string]string),
		payout:    payout,
		bus:       bus,
		clock:     time.Now,
	}
}

// WithClock overrides clock for testing.
func (l *Ledger) WithClock(clock func() time.Time) *Ledger {
	l.clock = clock
	return l
}

// Open records a new refund owed to beneficiary. When requestID is
// non-empty, a second Open for the same request returns the existing
// refund instead of opening another, so a failing disclosure can
// never compensate twice. A zero amount is legal and records the
// failure without monetary value.
func (l *Ledger) Open(ctx context.Context, beneficiary contracts.Identity, amountMinor int64, reason contracts.RefundReason, requestID string) (*Refund, error) {
	if beneficiary == contracts.Nobody {
		return nil, fmt.Errorf("%w: beneficiary must not be empty", contracts.ErrInvalidBeneficiary)
	}
	if amountMinor < 0 {
		return nil, fmt.Errorf("%w: amount %d is negative", contracts.ErrInvalidAmount, amountMinor)
	}
	if !contracts.ValidReason(reason) {
		return nil, fmt.Errorf("%w: unknown refund reason %q", contracts.ErrInvalidInput, reason)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if requestID != "" {
		if existing, ok := l.byRequest[requestID]; ok {
			r := *l.refunds[existing]
			return &r, nil
		}
	}

	r := &Refund{
		ID:          uuid.New().String(),
		Beneficiary: beneficiary,
		AmountMinor: amountMinor,
		Reason:      reason,
		CreatedAt:   l.clock().UTC(),
		RequestID:   requestID,
	}
	l.refunds[r.ID] = r
	if requestID != "" {
		l.byRequest[requestID] = r.ID
	}

	l.bus.Publish(events.RefundIssued, map[string]any{
		"refund_id":    r.ID,
		"beneficiary":  string(r.Beneficiary),
		"amount_minor": r.AmountMinor,
		"reason":       string(r.Reason),
		"request_id":   requestID,
	})

	out := *r
	return &out, nil
}

// Claim pays the refund out to its beneficiary. Only the beneficiary
// may claim, and each refund pays at most once: the claimed flag flips
// before the transfer and rolls back if the transfer fails, so a
// concurrent second claim observes ErrAlreadyClaimed while the payout
// is in flight.
func (l *Ledger) Claim(ctx context.Context, refundID string, caller contracts.Identity) (*Refund, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	r, ok := l.refunds[refundID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRefund, refundID)
	}
	if caller != r.Beneficiary {
		return nil, fmt.Errorf("%w: %s is not the beneficiary of refund %s", contracts.ErrNotBeneficiary, caller, refundID)
	}
	if r.Claimed {
		return nil, fmt.Errorf("%w: refund %s", contracts.ErrAlreadyClaimed, refundID)
	}

	r.Claimed = true
	if err := l.payout.Transfer(ctx, r.Beneficiary, r.AmountMinor); err != nil {
		r.Claimed = false
		return nil, fmt.Errorf("refund: payout for %s: %w", refundID, err)
	}

	l.bus.Publish(events.RefundClaimed, map[string]any{
		"refund_id":    r.ID,
		"beneficiary":  string(r.Beneficiary),
		"amount_minor": r.AmountMinor,
	})

	out := *r
	return &out, nil
}

// Get returns a copy of the refund.
func (l *Ledger) Get(refundID string) (*Refund, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.refunds[refundID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRefund, refundID)
	}
	out := *r
	return &out, nil
}

// ByRequest returns the refund opened for a disclosure request, if
// any.
func (l *Ledger) ByRequest(requestID string) (*Refund, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	id, ok := l.byRequest[requestID]
	if !ok {
		return nil, false
	}
	out := *l.refunds[id]
	return &out, true
}

// Outstanding returns refunds that have not been claimed yet.
func (l *Ledger) Outstanding() []*Refund {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []*Refund
	for _, r := range l.refunds {
		if !r.Claimed {
			c := *r
			out = append(out, &c)
		}
	}
	return out
}
