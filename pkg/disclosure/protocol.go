// Package disclosure implements the delegated unsealing protocol. Each
// request walks Pending to exactly one of Completed, Failed or Timeout
// and never leaves it. A request past the timeout window resolves to
// Timeout the moment anyone observes it, no matter what the authority
// answers afterwards; that rule is what keeps compensation at most
// once per request.
package disclosure

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/obscura-systems/veilmeter/pkg/contracts"
	"github.com/obscura-systems/veilmeter/pkg/events"
	"github.com/obscura-systems/veilmeter/pkg/refund"
)

// Status of a disclosure request.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusTimeout   Status = "TIMEOUT"
)

// Terminal reports whether s admits no further transition.
func (s Status) Terminal() bool { return s != StatusPending }

// DefaultWindow is the timeout window applied when none is configured.
const DefaultWindow = 5 * time.Minute

// Request is one in-flight unsealing attempt.
type Request struct {
	ID        string             `json:"id"`
	Requester contracts.Identity `json:"requester"`
	SealedRef string             `json:"sealed_ref"`
	CreatedAt time.Time          `json:"created_at"`
	Status    Status             `json:"status"`
	Result    string             `json:"result,omitempty"`
}

// Notifier delivers the outbound request to the disclosure authority.
// Delivery is fire and forget at this layer; the authority owns its
// retry guarantees.
type Notifier interface {
	NotifyDisclosureRequested(ctx context.Context, requestID, sealedRef string) error
}

// Refunder opens compensation entries. Satisfied by *refund.Ledger.
type Refunder interface {
	Open(ctx context.Context, beneficiary contracts.Identity, amountMinor int64, reason contracts.RefundReason, requestID string) (*refund.Refund, error)
}

// CompletionHook receives the disclosed cleartext after a request
// reaches Completed. Hook errors are surfaced to the caller but the
// terminal state stands.
type CompletionHook func(ctx context.Context, requestID, cleartext string) error

// FailureHook is invoked after a request reaches Failed.
type FailureHook func(ctx context.Context, requestID string, reason contracts.RefundReason)

// Protocol runs the request state machine. All transitions happen
// under one mutex, so no caller ever observes a request mid-flight.
type Protocol struct {
	mu       sync.Mutex
	requests map[string]*Request

	roles       contracts.RoleChecker
	refunds     Refunder
	notifier    Notifier
	bus         *events.Bus
	logger      *slog.Logger
	window      time.Duration
	onCompleted CompletionHook
	onFailed    FailureHook
	clock       func() time.Time
}

// Option configures a Protocol.
type Option func(*Protocol)

// WithWindow sets the timeout window.
func WithWindow(window time.Duration) Option {
	return func(p *Protocol) {
		if window > 0 {
			p.window = window
		}
	}
}

// WithNotifier sets the outbound authority notifier.
func WithNotifier(n Notifier) Option {
	return func(p *Protocol) { p.notifier = n }
}

// WithCompletionHook sets the hook run on Completed.
func WithCompletionHook(h CompletionHook) Option {
	return func(p *Protocol) { p.onCompleted = h }
}

// WithFailureHook sets the hook run on Failed.
func WithFailureHook(h FailureHook) Option {
	return func(p *Protocol) { p.onFailed = h }
}

// WithClock overrides the clock for testing.
func WithClock(clock func() time.Time) Option {
	return func(p *Protocol) { p.clock = clock }
}

// NewProtocol creates the state machine. roles gates authority
// callbacks; refunds receives one entry per failing request.
func NewProtocol(roles contracts.RoleChecker, refunds Refunder, bus *events.Bus, logger *slog.Logger, opts ...Option) *Protocol {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Protocol{
		requests: make(map[string]*Request),
		roles:    roles,
		refunds:  refunds,
		bus:      bus,
		logger:   logger,
		window:   DefaultWindow,
		clock:    time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Window returns the configured timeout window.
func (p *Protocol) Window() time.Duration { return p.window }

// RequestDisclosure opens a Pending request for the sealed reference
// and notifies the authority asynchronously.
func (p *Protocol) RequestDisclosure(ctx context.Context, requester contracts.Identity, sealedRef string) (string, error) {
	if sealedRef == "" {
		return "", fmt.Errorf("%w: sealed reference must not be empty", contracts.ErrInvalidInput)
	}
	if requester == contracts.Nobody {
		return "", fmt.Errorf("%w: requester must not be empty", contracts.ErrInvalidInput)
	}

	r := &Request{
		ID:        uuid.New().String(),
		Requester: requester,
		SealedRef: sealedRef,
		CreatedAt: p.clock().UTC(),
		Status:    StatusPending,
	}

	p.mu.Lock()
	p.requests[r.ID] = r
	p.mu.Unlock()

	p.bus.Publish(events.DisclosureRequested, map[string]any{
		"request_id": r.ID,
		"requester":  string(requester),
		"sealed_ref": sealedRef,
	})

	if p.notifier != nil {
		go func(id, ref string) {
			nctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := p.notifier.NotifyDisclosureRequested(nctx, id, ref); err != nil {
				p.logger.Warn("authority notification failed",
					"request_id", id, "error", err)
			}
		}(r.ID, sealedRef)
	}

	return r.ID, nil
}

// OnAuthorityCallback resolves a pending request with the authority's
// answer. An empty payload fails the request; a payload arriving after
// the window times it out even though an answer exists; otherwise the
// request completes and the cleartext flows to the completion hook.
func (p *Protocol) OnAuthorityCallback(ctx context.Context, caller contracts.Identity, requestID, payload string) error {
	if p.roles == nil || !p.roles.Has(caller, contracts.RoleAuthority) {
		return fmt.Errorf("%w: %s lacks the authority role", contracts.ErrPermissionDenied, caller)
	}

	p.mu.Lock()
	r, ok := p.requests[requestID]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("%w: %s", contracts.ErrUnknownRequest, requestID)
	}
	if r.Status.Terminal() {
		status := r.Status
		p.mu.Unlock()
		return fmt.Errorf("%w: request %s is %s", contracts.ErrAlreadyTerminal, requestID, status)
	}

	now := p.clock().UTC()

	if payload == "" {
		r.Status = StatusFailed
		requester := r.Requester
		p.mu.Unlock()
		p.settleFailure(ctx, requestID, requester, contracts.ReasonInvalidResponse)
		return nil
	}

	if now.Sub(r.CreatedAt) > p.window {
		r.Status = StatusTimeout
		requester := r.Requester
		p.mu.Unlock()
		p.settleTimeout(ctx, requestID, requester)
		return nil
	}

	r.Status = StatusCompleted
	r.Result = payload
	p.mu.Unlock()

	p.bus.Publish(events.DisclosureCompleted, map[string]any{
		"request_id": requestID,
	})

	if p.onCompleted != nil {
		if err := p.onCompleted(ctx, requestID, payload); err != nil {
			p.logger.Error("completion hook failed",
				"request_id", requestID, "error", err)
			return fmt.Errorf("disclosure: completion hook for %s: %w", requestID, err)
		}
	}
	return nil
}

// HandleTimeout times out a request past its window. Anyone may call
// it; the transition itself is what matters, not who noticed.
func (p *Protocol) HandleTimeout(ctx context.Context, requestID string) error {
	p.mu.Lock()
	r, ok := p.requests[requestID]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("%w: %s", contracts.ErrUnknownRequest, requestID)
	}
	if r.Status.Terminal() {
		status := r.Status
		p.mu.Unlock()
		return fmt.Errorf("%w: request %s is %s", contracts.ErrAlreadyTerminal, requestID, status)
	}
	if p.clock().UTC().Sub(r.CreatedAt) <= p.window {
		p.mu.Unlock()
		return fmt.Errorf("%w: request %s is still inside its window", contracts.ErrNotYetTimedOut, requestID)
	}

	r.Status = StatusTimeout
	requester := r.Requester
	p.mu.Unlock()

	p.settleTimeout(ctx, requestID, requester)
	return nil
}

// Status returns a copy of the request.
func (p *Protocol) Status(requestID string) (*Request, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.requests[requestID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", contracts.ErrUnknownRequest, requestID)
	}
	out := *r
	return &out, nil
}

// Stale returns the ids of pending requests past the window, for the
// timeout sweeper.
func (p *Protocol) Stale() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.clock().UTC()
	var out []string
	for id, r := range p.requests {
		if r.Status == StatusPending && now.Sub(r.CreatedAt) > p.window {
			out = append(out, id)
		}
	}
	return out
}

// settleTimeout opens the timeout refund and publishes the failure
// event. The request is already terminal by the time this runs.
func (p *Protocol) settleTimeout(ctx context.Context, requestID string, requester contracts.Identity) {
	p.openRefund(ctx, requestID, requester, contracts.ReasonTimeoutExceeded)
	p.bus.Publish(events.DisclosureFailed, map[string]any{
		"request_id": requestID,
		"reason":     string(contracts.ReasonTimeoutExceeded),
	})
}

func (p *Protocol) settleFailure(ctx context.Context, requestID string, requester contracts.Identity, reason contracts.RefundReason) {
	p.openRefund(ctx, requestID, requester, reason)
	p.bus.Publish(events.DisclosureFailed, map[string]any{
		"request_id": requestID,
		"reason":     string(reason),
	})
	if p.onFailed != nil {
		p.onFailed(ctx, requestID, reason)
	}
}

// openRefund compensates the requester with a nominal zero amount; the
// monetary value, if any, is the calling context's business. Open is
// idempotent per request id, so retried settlement never pays twice.
func (p *Protocol) openRefund(ctx context.Context, requestID string, requester contracts.Identity, reason contracts.RefundReason) {
	if p.refunds == nil {
		return
	}
	if _, err := p.refunds.Open(ctx, requester, 0, reason, requestID); err != nil {
		p.logger.Error("refund open failed",
			"request_id", requestID, "reason", string(reason), "error", err)
	}
}
