// Package metrics is the reporting core: it seals submitted
// measurements, delegates unsealing to the disclosure protocol, folds
// disclosed values into per-kind aggregates and drives refunds for
// metrics whose disclosure failed.
package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/obscura-systems/veilmeter/pkg/audit"
	"github.com/obscura-systems/veilmeter/pkg/budget"
	"github.com/obscura-systems/veilmeter/pkg/contracts"
	"github.com/obscura-systems/veilmeter/pkg/disclosure"
	"github.com/obscura-systems/veilmeter/pkg/events"
	"github.com/obscura-systems/veilmeter/pkg/policy"
	"github.com/obscura-systems/veilmeter/pkg/privacy"
	"github.com/obscura-systems/veilmeter/pkg/refund"
)

// Service wires the components together. Every public operation runs
// under one mutex, so state transitions on a metric are serializable;
// no caller observes a metric mid-transition.
type Service struct {
	mu sync.Mutex

	store       Store
	roles       contracts.RoleChecker
	guard       *budget.Guard
	protocol    *disclosure.Protocol
	refunds     *refund.Ledger
	journal     *audit.Log
	releases    *policy.Policy
	multipliers privacy.MultiplierSource
	bus         *events.Bus
	logger      *slog.Logger
	blurFactor  uint64
	clock       func() time.Time
}

// Config collects the service dependencies. Store, RoleChecker and
// Refunds are required; everything else degrades to a safe default.
type Config struct {
	Store       Store
	Roles       contracts.RoleChecker
	Guard       *budget.Guard
	Refunds     *refund.Ledger
	Journal     *audit.Log
	Releases    *policy.Policy
	Multipliers privacy.MultiplierSource
	Bus         *events.Bus
	Logger      *slog.Logger
	BlurFactor  uint64
}

// NewService builds the service and its disclosure protocol. The
// protocol's completion and failure hooks are bound to this service.
func NewService(cfg Config, protocolOpts ...disclosure.Option) (*Service, error) {
	if cfg.Store == nil || cfg.Roles == nil || cfg.Refunds == nil {
		return nil, fmt.Errorf("metrics: store, roles and refunds are required: %w", contracts.ErrInvalidInput)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	releases := cfg.Releases
	if releases == nil {
		releases = policy.MustCompile(policy.AllowAll)
	}
	multipliers := cfg.Multipliers
	if multipliers == nil {
		multipliers = privacy.NewCounterSource()
	}
	blur := cfg.BlurFactor
	if blur == 0 {
		blur = privacy.DefaultBlurFactor
	}

	s := &Service{
		store:       cfg.Store,
		roles:       cfg.Roles,
		guard:       cfg.Guard,
		refunds:     cfg.Refunds,
		journal:     cfg.Journal,
		releases:    releases,
		multipliers: multipliers,
		bus:         cfg.Bus,
		logger:      logger,
		blurFactor:  blur,
		clock:       time.Now,
	}

	opts := append([]disclosure.Option{
		disclosure.WithCompletionHook(s.onDisclosed),
		disclosure.WithFailureHook(s.onDisclosureFailed),
	}, protocolOpts...)
	s.protocol = disclosure.NewProtocol(cfg.Roles, cfg.Refunds, cfg.Bus, logger, opts...)
	return s, nil
}

// WithClock overrides the clock for testing. The protocol keeps its
// own clock; tests set both through their respective options.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

// Protocol exposes the disclosure state machine for the callback and
// timeout entry points.
func (s *Service) Protocol() *disclosure.Protocol { return s.protocol }

// Submit seals a raw measurement and records it. The raw value never
// reaches the store; only the scaled blob does. The budget is charged
// for the seal multiplication before any state changes.
func (s *Service) Submit(ctx context.Context, reporter contracts.Identity, kind string, rawValue *big.Int) (uint64, error) {
	if !s.roles.Has(reporter, contracts.RoleRequester) {
		return 0, fmt.Errorf("%w: %s lacks the requester role", contracts.ErrPermissionDenied, reporter)
	}
	if kind == "" || len(kind) > contracts.MaxKindLen {
		return 0, fmt.Errorf("%w: kind must be 1..%d characters", contracts.ErrInvalidInput, contracts.MaxKindLen)
	}
	if err := contracts.CheckValue(rawValue); err != nil {
		return 0, err
	}
	if s.guard != nil {
		if err := s.guard.Charge(ctx, budget.OpMultiply, reporter); err != nil {
			return 0, err
		}
	}

	multiplier, err := s.multipliers.Next()
	if err != nil {
		return 0, fmt.Errorf("metrics: multiplier source: %w", err)
	}
	sealed, err := privacy.Obfuscate(rawValue, multiplier)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	m := &Metric{
		Reporter:    reporter,
		Kind:        kind,
		SealedValue: sealed,
		CreatedAt:   s.clock().UTC(),
		Status:      StatusSealed,
	}
	id, err := s.store.Insert(ctx, m)
	s.mu.Unlock()
	if err != nil {
		return 0, fmt.Errorf("metrics: insert: %w", err)
	}

	s.record(ctx, reporter, "metric.submit", map[string]any{
		"metric_id": id,
		"kind":      kind,
	}, true)
	s.bus.Publish(events.MetricSubmitted, map[string]any{
		"metric_id": id,
		"reporter":  string(reporter),
		"kind":      kind,
	})
	return id, nil
}

// RequestDisclosure asks the authority to unseal a metric. Only the
// reporter or an admin may ask, the metric must still be Sealed, and
// the release policy has the final word.
func (s *Service) RequestDisclosure(ctx context.Context, metricID uint64, caller contracts.Identity) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.store.Get(ctx, metricID)
	if err != nil {
		return "", err
	}
	if caller != m.Reporter && !s.roles.Has(caller, contracts.RoleAdmin) {
		return "", fmt.Errorf("%w: %s may not disclose metric %d", contracts.ErrPermissionDenied, caller, metricID)
	}
	if m.Status != StatusSealed {
		return "", fmt.Errorf("%w: metric %d is %s, want %s", ErrStateConflict, metricID, m.Status, StatusSealed)
	}
	if err := s.releases.Allow(policy.Input{Kind: m.Kind, Reporter: m.Reporter, Requester: caller}); err != nil {
		return "", err
	}

	requestID, err := s.protocol.RequestDisclosure(ctx, m.Reporter, m.SealedValue.Ref())
	if err != nil {
		return "", err
	}

	m.RequestID = requestID
	m.Status = StatusDisclosureRequested
	if err := s.store.Update(ctx, m); err != nil {
		return "", fmt.Errorf("metrics: update: %w", err)
	}

	s.record(ctx, caller, "metric.request_disclosure", map[string]any{
		"metric_id":  metricID,
		"request_id": requestID,
	}, true)
	return requestID, nil
}

// ClaimRefund settles a failed metric for its reporter: it resolves
// the refund the protocol opened, claims it and marks the metric
// Refunded. For a metric still in DisclosureRequested the claim is
// only valid for a timeout, and only once the request has actually
// timed out.
func (s *Service) ClaimRefund(ctx context.Context, metricID uint64, reason contracts.RefundReason, caller contracts.Identity) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.store.Get(ctx, metricID)
	if err != nil {
		return "", err
	}
	if caller != m.Reporter {
		return "", fmt.Errorf("%w: %s is not the reporter of metric %d", contracts.ErrPermissionDenied, caller, metricID)
	}

	switch m.Status {
	case StatusFailed:
	case StatusDisclosureRequested:
		if reason != contracts.ReasonTimeoutExceeded {
			return "", fmt.Errorf("%w: metric %d disclosure is still in flight", ErrStateConflict, metricID)
		}
		req, err := s.protocol.Status(m.RequestID)
		if err != nil {
			return "", err
		}
		if req.Status != disclosure.StatusTimeout {
			return "", fmt.Errorf("%w: request %s has not timed out", ErrStateConflict, m.RequestID)
		}
	default:
		return "", fmt.Errorf("%w: metric %d is %s", ErrStateConflict, metricID, m.Status)
	}

	// The protocol already opened the refund when the request went
	// terminal; Open is idempotent per request id so this resolves to
	// the same entry instead of a second one.
	ref, err := s.refunds.Open(ctx, m.Reporter, 0, reason, m.RequestID)
	if err != nil {
		return "", err
	}

	m.Status = StatusRefunded
	if err := s.store.Update(ctx, m); err != nil {
		return "", fmt.Errorf("metrics: update: %w", err)
	}

	s.record(ctx, caller, "metric.claim_refund", map[string]any{
		"metric_id": metricID,
		"refund_id": ref.ID,
		"reason":    string(reason),
	}, true)
	return ref.ID, nil
}

// Status returns a copy of the metric.
func (s *Service) Status(ctx context.Context, metricID uint64) (*Metric, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.Get(ctx, metricID)
}

// AggregateByKind returns the running rollup for a kind. Reads are
// metered like any other aggregate operation.
func (s *Service) AggregateByKind(ctx context.Context, caller contracts.Identity, kind string) (*Aggregate, error) {
	if s.guard != nil {
		if err := s.guard.Charge(ctx, budget.OpAggregate, caller); err != nil {
			return nil, err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.Aggregate(ctx, kind)
}

// SetBlurFactor changes the discretization granularity. Admin only.
func (s *Service) SetBlurFactor(ctx context.Context, actor contracts.Identity, factor uint64) error {
	if !s.roles.Has(actor, contracts.RoleAdmin) {
		return fmt.Errorf("%w: %s is not an admin", contracts.ErrPermissionDenied, actor)
	}
	if factor == 0 {
		return fmt.Errorf("%w: blur factor must be positive", contracts.ErrInvalidInput)
	}
	s.mu.Lock()
	s.blurFactor = factor
	s.mu.Unlock()

	s.record(ctx, actor, "privacy.set_blur_factor", map[string]any{"factor": factor}, true)
	return nil
}

// onDisclosed is the protocol completion hook. The cleartext is the
// authority's decimal rendering of the original raw value; it is
// blurred before it touches the aggregate so exact magnitudes never
// surface in rollups.
func (s *Service) onDisclosed(ctx context.Context, requestID, cleartext string) error {
	value, ok := new(big.Int).SetString(cleartext, 10)
	if !ok {
		return fmt.Errorf("%w: cleartext %q is not a decimal integer", contracts.ErrInvalidInput, cleartext)
	}
	if err := contracts.CheckValue(value); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.store.ByRequest(ctx, requestID)
	if err != nil {
		return err
	}
	if m.Status != StatusDisclosureRequested {
		return fmt.Errorf("%w: metric %d is %s", ErrStateConflict, m.ID, m.Status)
	}

	blurred, err := privacy.Blur(value, s.blurFactor)
	if err != nil {
		return err
	}
	if err := s.store.Fold(ctx, m.Kind, blurred); err != nil {
		return fmt.Errorf("metrics: fold: %w", err)
	}

	m.Status = StatusDisclosed
	if err := s.store.Update(ctx, m); err != nil {
		return fmt.Errorf("metrics: update: %w", err)
	}

	s.record(ctx, m.Reporter, "metric.disclosed", map[string]any{
		"metric_id":  m.ID,
		"request_id": requestID,
	}, true)
	return nil
}

// onDisclosureFailed is the protocol failure hook. Timeouts do not
// route here; a timed-out metric stays DisclosureRequested until the
// reporter claims the refund.
func (s *Service) onDisclosureFailed(ctx context.Context, requestID string, reason contracts.RefundReason) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.store.ByRequest(ctx, requestID)
	if err != nil {
		s.logger.Warn("failure hook for unknown metric", "request_id", requestID, "error", err)
		return
	}
	if m.Status != StatusDisclosureRequested {
		return
	}
	m.Status = StatusFailed
	if err := s.store.Update(ctx, m); err != nil {
		s.logger.Error("failed to mark metric failed", "metric_id", m.ID, "error", err)
		return
	}
	s.record(ctx, m.Reporter, "metric.disclosure_failed", map[string]any{
		"metric_id":  m.ID,
		"request_id": requestID,
		"reason":     string(reason),
	}, false)
}

// record writes an audit entry, logging instead of failing the
// operation when the journal itself errors.
func (s *Service) record(ctx context.Context, actor contracts.Identity, action string, payload map[string]any, success bool) {
	if s.journal == nil {
		return
	}
	if _, err := s.journal.Record(ctx, actor, action, payload, success); err != nil {
		s.logger.Error("audit record failed", "action", action, "error", err)
	}
}
