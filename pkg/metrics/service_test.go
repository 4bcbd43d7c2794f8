package metrics_test

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/obscura-systems/veilmeter/pkg/audit"
	"github.com/obscura-systems/veilmeter/pkg/budget"
	"github.com/obscura-systems/veilmeter/pkg/contracts"
	"github.com/obscura-systems/veilmeter/pkg/disclosure"
	"github.com/obscura-systems/veilmeter/pkg/events"
	"github.com/obscura-systems/veilmeter/pkg/metrics"
	"github.com/obscura-systems/veilmeter/pkg/policy"
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
	svc     *metrics.Service
	refunds *refund.Ledger
	journal *audit.Log
	bus     *events.Bus
	now     *time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	now := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)
	f := &fixture{now: &now}

	roles := staticRoles{
		"alice":   {contracts.RoleRequester},
		"bob":     {contracts.RoleRequester},
		"root":    {contracts.RoleAdmin},
		"gateway": {contracts.RoleAuthority},
	}
	f.bus = events.NewBus()
	f.refunds = refund.NewLedger(nil, f.bus).WithClock(func() time.Time { return *f.now })

	journal, err := audit.NewLog(ctx, audit.NewMemoryStore(), f.bus)
	require.NoError(t, err)
	f.journal = journal

	guard := budget.NewGuard(budget.NewMemoryStorage(), roles, f.bus, nil)
	guard.WithClock(func() time.Time { return *f.now })

	svc, err := metrics.NewService(metrics.Config{
		Store:   metrics.NewMemoryStore(),
		Roles:   roles,
		Guard:   guard,
		Refunds: f.refunds,
		Journal: journal,
		Bus:     f.bus,
	},
		disclosure.WithWindow(5*time.Minute),
		disclosure.WithClock(func() time.Time { return *f.now }),
	)
	require.NoError(t, err)
	f.svc = svc.WithClock(func() time.Time { return *f.now })
	return f
}

func (f *fixture) advance(d time.Duration) { *f.now = f.now.Add(d) }

func TestSubmitValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.svc.Submit(ctx, "mallory", "CPU", big.NewInt(85))
	assert.ErrorIs(t, err, contracts.ErrPermissionDenied)

	_, err = f.svc.Submit(ctx, "alice", "", big.NewInt(85))
	assert.ErrorIs(t, err, contracts.ErrInvalidInput)

	long := make([]byte, contracts.MaxKindLen+1)
	for i := range long {
		long[i] = 'x'
	}
	_, err = f.svc.Submit(ctx, "alice", string(long), big.NewInt(85))
	assert.ErrorIs(t, err, contracts.ErrInvalidInput)

	_, err = f.svc.Submit(ctx, "alice", "CPU", big.NewInt(-1))
	assert.ErrorIs(t, err, contracts.ErrInvalidInput)

	over := new(big.Int).Add(contracts.MaxValue, big.NewInt(1))
	_, err = f.svc.Submit(ctx, "alice", "CPU", over)
	assert.ErrorIs(t, err, contracts.ErrValueOverflow)
}

func TestSubmitSealsValue(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	id, err := f.svc.Submit(ctx, "alice", "CPU", big.NewInt(85))
	require.NoError(t, err)

	m, err := f.svc.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, metrics.StatusSealed, m.Status)
	assert.Equal(t, contracts.Identity("alice"), m.Reporter)
	assert.NotEmpty(t, m.SealedValue.Blob)
	assert.NotZero(t, m.SealedValue.Multiplier)

	// Stored blob is the scaled value, not the raw one.
	scaled := new(big.Int).SetBytes(m.SealedValue.Blob)
	expected := new(big.Int).Mul(big.NewInt(85), new(big.Int).SetUint64(m.SealedValue.Multiplier))
	assert.Zero(t, scaled.Cmp(expected))

	// Fresh multiplier per submission.
	id2, err := f.svc.Submit(ctx, "alice", "CPU", big.NewInt(85))
	require.NoError(t, err)
	m2, err := f.svc.Status(ctx, id2)
	require.NoError(t, err)
	assert.NotEqual(t, m.SealedValue.Multiplier, m2.SealedValue.Multiplier)
}

func TestRequestDisclosureGating(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	id, err := f.svc.Submit(ctx, "alice", "CPU", big.NewInt(85))
	require.NoError(t, err)

	_, err = f.svc.RequestDisclosure(ctx, id, "bob")
	assert.ErrorIs(t, err, contracts.ErrPermissionDenied)

	_, err = f.svc.RequestDisclosure(ctx, 999, "alice")
	assert.ErrorIs(t, err, metrics.ErrUnknownMetric)

	// Admin may disclose on the reporter's behalf.
	reqID, err := f.svc.RequestDisclosure(ctx, id, "root")
	require.NoError(t, err)
	assert.NotEmpty(t, reqID)

	// A metric carries at most one active request.
	_, err = f.svc.RequestDisclosure(ctx, id, "alice")
	assert.ErrorIs(t, err, metrics.ErrStateConflict)
}

func TestReleasePolicyDeniesDisclosure(t *testing.T) {
	ctx := context.Background()
	roles := staticRoles{"alice": {contracts.RoleRequester}}
	p, err := policy.Compile(`kind != "SECRET"`)
	require.NoError(t, err)

	svc, err := metrics.NewService(metrics.Config{
		Store:    metrics.NewMemoryStore(),
		Roles:    roles,
		Refunds:  refund.NewLedger(nil, nil),
		Releases: p,
	})
	require.NoError(t, err)

	id, err := svc.Submit(ctx, "alice", "SECRET", big.NewInt(1))
	require.NoError(t, err)

	_, err = svc.RequestDisclosure(ctx, id, "alice")
	assert.ErrorIs(t, err, policy.ErrDenied)

	// Denied disclosure leaves the metric Sealed.
	m, err := svc.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, metrics.StatusSealed, m.Status)
}

func TestEndToEndDisclosure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	id, err := f.svc.Submit(ctx, "alice", "CPU", big.NewInt(85))
	require.NoError(t, err)

	reqID, err := f.svc.RequestDisclosure(ctx, id, "alice")
	require.NoError(t, err)

	m, err := f.svc.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, metrics.StatusDisclosureRequested, m.Status)
	assert.Equal(t, reqID, m.RequestID)

	req, err := f.svc.Protocol().Status(reqID)
	require.NoError(t, err)
	assert.Equal(t, disclosure.StatusPending, req.Status)

	require.NoError(t, f.svc.Protocol().OnAuthorityCallback(ctx, "gateway", reqID, "85"))

	m, err = f.svc.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, metrics.StatusDisclosed, m.Status)

	agg, err := f.svc.AggregateByKind(ctx, "alice", "CPU")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), agg.Count)

	// Second submission and disclosure brings the count to 2. The sum
	// holds blurred values: 85 and 95 both blur to 0 at factor 100.
	id2, err := f.svc.Submit(ctx, "alice", "CPU", big.NewInt(95))
	require.NoError(t, err)
	reqID2, err := f.svc.RequestDisclosure(ctx, id2, "alice")
	require.NoError(t, err)
	require.NoError(t, f.svc.Protocol().OnAuthorityCallback(ctx, "gateway", reqID2, "95"))

	agg, err = f.svc.AggregateByKind(ctx, "alice", "CPU")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), agg.Count)
	assert.Zero(t, agg.Sum.Sign())
}

func TestDisclosedValueIsBlurredIntoAggregate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	id, err := f.svc.Submit(ctx, "alice", "MEM", big.NewInt(250))
	require.NoError(t, err)
	reqID, err := f.svc.RequestDisclosure(ctx, id, "alice")
	require.NoError(t, err)
	require.NoError(t, f.svc.Protocol().OnAuthorityCallback(ctx, "gateway", reqID, "250"))

	agg, err := f.svc.AggregateByKind(ctx, "alice", "MEM")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), agg.Count)
	assert.Zero(t, agg.Sum.Cmp(big.NewInt(200)), "250 blurs to 200 at factor 100")
}

func TestEndToEndTimeoutAndRefund(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	id, err := f.svc.Submit(ctx, "alice", "CPU", big.NewInt(85))
	require.NoError(t, err)
	reqID, err := f.svc.RequestDisclosure(ctx, id, "alice")
	require.NoError(t, err)

	// Claiming before the request times out is rejected.
	_, err = f.svc.ClaimRefund(ctx, id, contracts.ReasonTimeoutExceeded, "alice")
	assert.ErrorIs(t, err, metrics.ErrStateConflict)

	f.advance(6 * time.Minute)
	require.NoError(t, f.svc.Protocol().HandleTimeout(ctx, reqID))

	// The metric stays DisclosureRequested until the reporter claims.
	m, err := f.svc.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, metrics.StatusDisclosureRequested, m.Status)

	_, err = f.svc.ClaimRefund(ctx, id, contracts.ReasonTimeoutExceeded, "bob")
	assert.ErrorIs(t, err, contracts.ErrPermissionDenied)

	refundID, err := f.svc.ClaimRefund(ctx, id, contracts.ReasonTimeoutExceeded, "alice")
	require.NoError(t, err)

	m, err = f.svc.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, metrics.StatusRefunded, m.Status)

	// The claim resolves to the refund the protocol opened, not a
	// second one.
	opened, ok := f.refunds.ByRequest(reqID)
	require.True(t, ok)
	assert.Equal(t, opened.ID, refundID)

	// Claimable exactly once.
	_, err = f.refunds.Claim(ctx, refundID, "alice")
	require.NoError(t, err)
	_, err = f.refunds.Claim(ctx, refundID, "alice")
	assert.ErrorIs(t, err, contracts.ErrAlreadyClaimed)
}

func TestInvalidResponseFailsMetric(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	id, err := f.svc.Submit(ctx, "alice", "CPU", big.NewInt(85))
	require.NoError(t, err)
	reqID, err := f.svc.RequestDisclosure(ctx, id, "alice")
	require.NoError(t, err)

	require.NoError(t, f.svc.Protocol().OnAuthorityCallback(ctx, "gateway", reqID, ""))

	m, err := f.svc.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, metrics.StatusFailed, m.Status)

	refundID, err := f.svc.ClaimRefund(ctx, id, contracts.ReasonInvalidResponse, "alice")
	require.NoError(t, err)
	assert.NotEmpty(t, refundID)

	m, err = f.svc.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, metrics.StatusRefunded, m.Status)
}

func TestOversizedCleartextSurfacesOverflow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	id, err := f.svc.Submit(ctx, "alice", "CPU", big.NewInt(85))
	require.NoError(t, err)
	reqID, err := f.svc.RequestDisclosure(ctx, id, "alice")
	require.NoError(t, err)

	over := new(big.Int).Add(contracts.MaxValue, big.NewInt(1))
	err = f.svc.Protocol().OnAuthorityCallback(ctx, "gateway", reqID, over.String())
	assert.ErrorIs(t, err, contracts.ErrValueOverflow)
}

func TestSubmitChargesBudget(t *testing.T) {
	ctx := context.Background()

	// OpMultiply costs 50; a limit of 60 permits exactly one seal.
	usageGuard := budget.NewGuard(budget.NewMemoryStorage(), staticRoles{
		"root":  {contracts.RoleAdmin},
		"alice": {contracts.RoleRequester},
	}, nil, nil)
	require.NoError(t, usageGuard.SetDailyLimit(ctx, "root", 60))

	svc, err := metrics.NewService(metrics.Config{
		Store:   metrics.NewMemoryStore(),
		Roles:   staticRoles{"alice": {contracts.RoleRequester}},
		Guard:   usageGuard,
		Refunds: refund.NewLedger(nil, nil),
	})
	require.NoError(t, err)

	_, err = svc.Submit(ctx, "alice", "CPU", big.NewInt(1))
	require.NoError(t, err)

	_, err = svc.Submit(ctx, "alice", "CPU", big.NewInt(2))
	assert.ErrorIs(t, err, contracts.ErrBudgetExceeded)
}

func TestSetBlurFactor(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	assert.ErrorIs(t, f.svc.SetBlurFactor(ctx, "alice", 10), contracts.ErrPermissionDenied)
	assert.ErrorIs(t, f.svc.SetBlurFactor(ctx, "root", 0), contracts.ErrInvalidInput)
	require.NoError(t, f.svc.SetBlurFactor(ctx, "root", 10))

	id, err := f.svc.Submit(ctx, "alice", "DISK", big.NewInt(47))
	require.NoError(t, err)
	reqID, err := f.svc.RequestDisclosure(ctx, id, "alice")
	require.NoError(t, err)
	require.NoError(t, f.svc.Protocol().OnAuthorityCallback(ctx, "gateway", reqID, "47"))

	agg, err := f.svc.AggregateByKind(ctx, "alice", "DISK")
	require.NoError(t, err)
	assert.Zero(t, agg.Sum.Cmp(big.NewInt(40)), "47 blurs to 40 at factor 10")
}

func TestAuditTrailCoversLifecycle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	id, err := f.svc.Submit(ctx, "alice", "CPU", big.NewInt(85))
	require.NoError(t, err)
	reqID, err := f.svc.RequestDisclosure(ctx, id, "alice")
	require.NoError(t, err)
	require.NoError(t, f.svc.Protocol().OnAuthorityCallback(ctx, "gateway", reqID, "85"))

	count, err := f.journal.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), count, "submit, request, disclosed")
	require.NoError(t, f.journal.VerifyChain(ctx))
}
