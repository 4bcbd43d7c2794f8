// Package budget meters consumption of abstract computation units
// against a replenishable daily cap, with fail-closed behavior: when a
// check is uncertain, the operation is denied.
package budget

import (
	"context"
	"time"
)

// Operation names a metered operation kind.
type Operation string

const (
	OpAdd       Operation = "add"
	OpMultiply  Operation = "multiply"
	OpCompare   Operation = "compare"
	OpAggregate Operation = "aggregate"
)

// DefaultCost is charged for operations absent from the cost table.
const DefaultCost int64 = 5

var costTable = map[Operation]int64{
	OpAdd:       10,
	OpMultiply:  50,
	OpCompare:   20,
	OpAggregate: 30,
}

// EstimateCost returns the unit cost of an operation.
func EstimateCost(op Operation) int64 {
	if c, ok := costTable[op]; ok {
		return c
	}
	return DefaultCost
}

// Usage is the process-wide budget counter. Day is a UTC calendar date
// in time.DateOnly form; a mismatch with today zeroes UnitsUsed on the
// next charge.
type Usage struct {
	UnitsUsed  int64     `json:"units_used"`
	DailyLimit int64     `json:"daily_limit"`
	Day        string    `json:"day"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Remaining returns the units left before the cap.
func (u *Usage) Remaining() int64 {
	r := u.DailyLimit - u.UnitsUsed
	if r < 0 {
		return 0
	}
	return r
}

// Storage persists the budget counter.
type Storage interface {
	Get(ctx context.Context) (*Usage, error)
	Set(ctx context.Context, u *Usage) error
}

// AtomicCharger is an optional Storage fast path that performs the
// whole check-and-increment remotely in one step. The Redis backend
// implements it; the Guard uses it when present.
type AtomicCharger interface {
	ChargeAtomic(ctx context.Context, cost, limit int64, day string) (allowed bool, used int64, err error)
}
