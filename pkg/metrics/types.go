package metrics

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/obscura-systems/veilmeter/pkg/contracts"
)

// Status of a metric. Status only advances along Submitted, Sealed,
// DisclosureRequested, then Disclosed or Failed, then Refunded; it
// never regresses.
type Status string

const (
	StatusSubmitted           Status = "SUBMITTED"
	StatusSealed              Status = "SEALED"
	StatusDisclosureRequested Status = "DISCLOSURE_REQUESTED"
	StatusDisclosed           Status = "DISCLOSED"
	StatusFailed              Status = "FAILED"
	StatusRefunded            Status = "REFUNDED"
)

var (
	// ErrUnknownMetric is returned when no metric has the given id.
	ErrUnknownMetric = errors.New("metrics: unknown metric")
	// ErrStateConflict is returned when an operation needs the metric
	// in a status it is not in.
	ErrStateConflict = errors.New("metrics: metric is not in a valid state for this operation")
)

// Metric is one stored measurement. The raw value exists only inside
// Submit; everything at rest is the sealed form.
type Metric struct {
	ID          uint64                `json:"id"`
	Reporter    contracts.Identity    `json:"reporter"`
	Kind        string                `json:"kind"`
	SealedValue contracts.SealedValue `json:"sealed_value"`
	CreatedAt   time.Time             `json:"created_at"`
	RequestID   string                `json:"request_id,omitempty"`
	Status      Status                `json:"status"`
}

// Aggregate is the running per-kind rollup of disclosed values after
// blurring. Sum is over blurred cleartexts, not sealed blobs.
type Aggregate struct {
	Kind  string   `json:"kind"`
	Sum   *big.Int `json:"sum"`
	Count uint64   `json:"count"`
}

// Store persists metrics and per-kind aggregates. Insert assigns the
// next monotonic id. Implementations return copies; callers mutate
// through Update only.
type Store interface {
	Insert(ctx context.Context, m *Metric) (uint64, error)
	Get(ctx context.Context, id uint64) (*Metric, error)
	Update(ctx context.Context, m *Metric) error
	ByRequest(ctx context.Context, requestID string) (*Metric, error)
	// Fold adds one disclosed value into the kind's aggregate.
	Fold(ctx context.Context, kind string, value *big.Int) error
	Aggregate(ctx context.Context, kind string) (*Aggregate, error)
}
