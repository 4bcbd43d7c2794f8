package budget

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/obscura-systems/veilmeter/pkg/contracts"
	"github.com/obscura-systems/veilmeter/pkg/events"
)

// DefaultDailyLimit applies when storage holds no counter yet.
const DefaultDailyLimit int64 = 10000

// Guard enforces the daily resource budget. All mutation goes through
// Charge and the two admin operations; everything else is read-only.
type Guard struct {
	storage Storage
	roles   contracts.RoleChecker
	bus     *events.Bus
	logger  *slog.Logger
	clock   func() time.Time
}

// NewGuard creates a guard over the given storage. roles gates the
// admin operations; bus may be nil.
func NewGuard(storage Storage, roles contracts.RoleChecker, bus *events.Bus, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{
		storage: storage,
		roles:   roles,
		bus:     bus,
		logger:  logger,
		clock:   time.Now,
	}
}

// WithClock overrides the clock for testing.
func (g *Guard) WithClock(clock func() time.Time) *Guard {
	g.clock = clock
	return g
}

// Charge meters one operation for caller. It fails with
// ErrBudgetExceeded when the charge would pass the daily cap, leaving
// the counter untouched; storage errors also deny (fail-closed).
func (g *Guard) Charge(ctx context.Context, op Operation, caller contracts.Identity) error {
	cost := EstimateCost(op)
	day := g.clock().UTC().Format(time.DateOnly)

	if ac, ok := g.storage.(AtomicCharger); ok {
		return g.chargeAtomic(ctx, ac, op, caller, cost, day)
	}

	u, err := g.storage.Get(ctx)
	if err != nil {
		g.logger.Error("budget: charge check failed", "op", string(op), "err", err)
		return fmt.Errorf("budget: charge: %w", err)
	}
	if u == nil {
		u = &Usage{DailyLimit: DefaultDailyLimit}
	}
	if u.Day != day {
		u.UnitsUsed = 0
		u.Day = day
	}

	if u.UnitsUsed+cost > u.DailyLimit {
		return fmt.Errorf("budget: op %s cost %d, used %d of %d: %w",
			op, cost, u.UnitsUsed, u.DailyLimit, contracts.ErrBudgetExceeded)
	}

	u.UnitsUsed += cost
	u.UpdatedAt = g.clock().UTC()
	if err := g.storage.Set(ctx, u); err != nil {
		g.logger.Error("budget: failed to persist usage", "err", err)
		return fmt.Errorf("budget: persist: %w", err)
	}

	g.publishUsage(op, caller, cost, u.UnitsUsed)
	return nil
}

func (g *Guard) chargeAtomic(ctx context.Context, ac AtomicCharger, op Operation, caller contracts.Identity, cost int64, day string) error {
	limit, err := g.currentLimit(ctx)
	if err != nil {
		return err
	}
	allowed, used, err := ac.ChargeAtomic(ctx, cost, limit, day)
	if err != nil {
		g.logger.Error("budget: atomic charge failed", "op", string(op), "err", err)
		return fmt.Errorf("budget: charge: %w", err)
	}
	if !allowed {
		return fmt.Errorf("budget: op %s cost %d, used %d of %d: %w",
			op, cost, used, limit, contracts.ErrBudgetExceeded)
	}
	g.publishUsage(op, caller, cost, used)
	return nil
}

// Usage returns a snapshot of the counter.
func (g *Guard) Usage(ctx context.Context) (*Usage, error) {
	u, err := g.storage.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("budget: usage: %w", err)
	}
	if u == nil {
		u = &Usage{DailyLimit: DefaultDailyLimit, Day: g.clock().UTC().Format(time.DateOnly)}
	}
	return u, nil
}

// SetDailyLimit replaces the daily cap. Admin-only.
func (g *Guard) SetDailyLimit(ctx context.Context, actor contracts.Identity, limit int64) error {
	if err := g.checkAdmin(actor); err != nil {
		return err
	}
	if limit < 0 {
		return fmt.Errorf("budget: negative limit: %w", contracts.ErrInvalidInput)
	}
	u, err := g.Usage(ctx)
	if err != nil {
		return err
	}
	u.DailyLimit = limit
	u.UpdatedAt = g.clock().UTC()
	return g.storage.Set(ctx, u)
}

// ResetUsage zeroes the counter for the current day. Admin-only.
func (g *Guard) ResetUsage(ctx context.Context, actor contracts.Identity) error {
	if err := g.checkAdmin(actor); err != nil {
		return err
	}
	u, err := g.Usage(ctx)
	if err != nil {
		return err
	}
	u.UnitsUsed = 0
	u.Day = g.clock().UTC().Format(time.DateOnly)
	u.UpdatedAt = g.clock().UTC()
	return g.storage.Set(ctx, u)
}

func (g *Guard) currentLimit(ctx context.Context) (int64, error) {
	u, err := g.storage.Get(ctx)
	if err != nil {
		return 0, fmt.Errorf("budget: limit: %w", err)
	}
	if u == nil {
		return DefaultDailyLimit, nil
	}
	return u.DailyLimit, nil
}

func (g *Guard) checkAdmin(actor contracts.Identity) error {
	if g.roles == nil || !g.roles.Has(actor, contracts.RoleAdmin) {
		return fmt.Errorf("budget: actor %q: %w", actor, contracts.ErrPermissionDenied)
	}
	return nil
}

func (g *Guard) publishUsage(op Operation, caller contracts.Identity, cost, used int64) {
	g.bus.Publish(events.UsageTracked, map[string]any{
		"operation": string(op),
		"caller":    string(caller),
		"cost":      cost,
		"used":      used,
	})
}
