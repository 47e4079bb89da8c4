package orderflow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/khill1269/hft-trading-system/internal/alert"
	"github.com/khill1269/hft-trading-system/internal/marketdata"
	"github.com/khill1269/hft-trading-system/internal/optimizer"
	"github.com/khill1269/hft-trading-system/internal/venue"
)

type fakeEngine struct {
	mu        sync.Mutex
	submitted []venue.OrderPayload
	submitErr error
	cancelFn  func(uuid.UUID) bool
}

func (f *fakeEngine) Submit(_ context.Context, payload venue.OrderPayload, _ string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return false, f.submitErr
	}
	f.submitted = append(f.submitted, payload)
	return true, nil
}

func (f *fakeEngine) Cancel(_ context.Context, id uuid.UUID) bool {
	if f.cancelFn != nil {
		return f.cancelFn(id)
	}
	return true
}

func (f *fakeEngine) submittedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submitted)
}

type gateFunc func(symbol string, side Side, qty, price decimal.Decimal) (bool, string)

func (g gateFunc) CheckOrderRisk(symbol string, side Side, qty, price decimal.Decimal) (bool, string) {
	return g(symbol, side, qty, price)
}

func allowAll() gateFunc {
	return func(string, Side, decimal.Decimal, decimal.Decimal) (bool, string) { return true, "" }
}

func denyAll(reason string) gateFunc {
	return func(string, Side, decimal.Decimal, decimal.Decimal) (bool, string) { return false, reason }
}

type testEnv struct {
	m      *Manager
	engine *fakeEngine
	venues *venue.Registry
	md     *marketdata.Cache
}

func newTestEnv(t *testing.T, gate RiskGate) *testEnv {
	t.Helper()
	logger := zaptest.NewLogger(t)
	alerts := alert.NewManager(alert.DefaultConfig(), logger)

	md := marketdata.NewCache()
	md.Update(marketdata.Snapshot{
		Symbol:       "AAPL",
		Bid:          decimal.RequireFromString("100.00"),
		Ask:          decimal.RequireFromString("100.02"),
		LastPrice:    decimal.RequireFromString("100.01"),
		RecentVolume: decimal.NewFromInt(100000),
		Volatility:   decimal.RequireFromString("0.01"),
		AvgTradeSize: decimal.NewFromInt(50),
	})

	venues := venue.NewRegistry()
	for _, vc := range []venue.Config{
		{Name: "PRIMARY", MaxOrdersPerSec: 0, BreakerFailures: 3, BreakerTimeout: time.Minute},
		{Name: "SECONDARY", MaxOrdersPerSec: 0, BreakerFailures: 3, BreakerTimeout: time.Minute},
		{Name: "DARK1", DarkPool: true, BreakerFailures: 3, BreakerTimeout: time.Minute},
	} {
		venues.Add(venue.New(vc, venue.NewSimAdapter(vc.Name), logger))
	}

	engine := &fakeEngine{}
	m := NewManager(DefaultConfig(), logger, alerts, nil, gate, md, optimizer.New(optimizer.DefaultConfig()), engine, venues, nil)
	return &testEnv{m: m, engine: engine, venues: venues, md: md}
}

func route(p Priority) *Route {
	return &Route{Venue: "PRIMARY", Priority: p, Strategy: "NORMAL"}
}

func marketOrder(qty int64) SubmitRequest {
	return SubmitRequest{
		Symbol:   "AAPL",
		Side:     SideBuy,
		Type:     TypeMarket,
		Quantity: decimal.NewFromInt(qty),
	}
}

func dispatchedEventTime(t *testing.T, m *Manager, id uuid.UUID) time.Time {
	t.Helper()
	snap, err := m.Status(id)
	require.NoError(t, err)
	for _, ev := range snap.Events {
		if ev.Type == EventDispatched {
			return ev.Timestamp
		}
	}
	t.Fatalf("order %s has no dispatched event", id)
	return time.Time{}
}

func TestSubmitValidationRejects(t *testing.T) {
	env := newTestEnv(t, allowAll())

	cases := []struct {
		name string
		req  SubmitRequest
	}{
		{"empty symbol", SubmitRequest{Side: SideBuy, Type: TypeMarket, Quantity: decimal.NewFromInt(1)}},
		{"bad side", SubmitRequest{Symbol: "AAPL", Side: "HOLD", Type: TypeMarket, Quantity: decimal.NewFromInt(1)}},
		{"bad type", SubmitRequest{Symbol: "AAPL", Side: SideBuy, Type: "TWAP", Quantity: decimal.NewFromInt(1)}},
		{"zero quantity", SubmitRequest{Symbol: "AAPL", Side: SideBuy, Type: TypeMarket}},
		{"limit without price", SubmitRequest{Symbol: "AAPL", Side: SideBuy, Type: TypeLimit, Quantity: decimal.NewFromInt(1)}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			id, err := env.m.Submit(context.Background(), tc.req)
			require.ErrorIs(t, err, ErrRejected)

			snap, err := env.m.Status(id)
			require.NoError(t, err)
			assert.Equal(t, StateRejected, snap.Order.State)
			assert.NotEmpty(t, snap.Order.Reason)
		})
	}
}

func TestRiskRejectionIsQueryable(t *testing.T) {
	env := newTestEnv(t, denyAll("position limit"))

	id, err := env.m.Submit(context.Background(), marketOrder(10))
	require.ErrorIs(t, err, ErrRejected)

	snap, err := env.m.Status(id)
	require.NoError(t, err)
	assert.Equal(t, StateRejected, snap.Order.State)
	assert.Equal(t, "risk: position limit", snap.Order.Reason)
}

func TestStatusUnknownOrder(t *testing.T) {
	env := newTestEnv(t, allowAll())
	_, err := env.m.Status(uuid.New())
	assert.ErrorIs(t, err, ErrUnknownOrder)
}

func TestPriorityOrdering(t *testing.T) {
	env := newTestEnv(t, allowAll())
	ctx := context.Background()

	reqA := marketOrder(10)
	reqA.Route = route(PriorityLow)
	idA, err := env.m.Submit(ctx, reqA)
	require.NoError(t, err)

	reqB := marketOrder(10)
	reqB.Route = route(PriorityUrgent)
	idB, err := env.m.Submit(ctx, reqB)
	require.NoError(t, err)

	reqC := marketOrder(10)
	reqC.Route = route(PriorityMedium)
	idC, err := env.m.Submit(ctx, reqC)
	require.NoError(t, err)

	env.m.dispatchPass()

	tsB := dispatchedEventTime(t, env.m, idB)
	tsC := dispatchedEventTime(t, env.m, idC)
	tsA := dispatchedEventTime(t, env.m, idA)
	assert.False(t, tsB.After(tsC), "urgent must dispatch before medium")
	assert.False(t, tsC.After(tsA), "medium must dispatch before low")
}

func TestBlockedHeadStopsClassNotLowerClasses(t *testing.T) {
	env := newTestEnv(t, allowAll())
	ctx := context.Background()

	sec, ok := env.venues.Get("SECONDARY")
	require.True(t, ok)
	for i := 0; i < 3; i++ {
		sec.Breaker().RecordFailure()
	}
	require.False(t, sec.Healthy())

	reqHead := marketOrder(10)
	reqHead.Route = &Route{Venue: "SECONDARY", Priority: PriorityHigh}
	idHead, err := env.m.Submit(ctx, reqHead)
	require.NoError(t, err)

	reqNext := marketOrder(10)
	reqNext.Route = &Route{Venue: "PRIMARY", Priority: PriorityHigh}
	idNext, err := env.m.Submit(ctx, reqNext)
	require.NoError(t, err)

	reqLow := marketOrder(10)
	reqLow.Route = route(PriorityMedium)
	idLow, err := env.m.Submit(ctx, reqLow)
	require.NoError(t, err)

	env.m.dispatchPass()

	headSnap, _ := env.m.Status(idHead)
	nextSnap, _ := env.m.Status(idNext)
	lowSnap, _ := env.m.Status(idLow)
	assert.Equal(t, StateRouted, headSnap.Order.State, "blocked head stays queued")
	assert.Equal(t, StateRouted, nextSnap.Order.State, "head blocks its whole class")
	assert.Equal(t, StateExecuting, lowSnap.Order.State, "lower class still drains")
}

func TestVenueRateLimitHoldsQueue(t *testing.T) {
	env := newTestEnv(t, allowAll())
	ctx := context.Background()

	logger := zaptest.NewLogger(t)
	limited := venue.New(venue.Config{Name: "SLOW", MaxOrdersPerSec: 1, BreakerFailures: 3, BreakerTimeout: time.Minute},
		venue.NewSimAdapter("SLOW"), logger)
	env.venues.Add(limited)

	var ids []uuid.UUID
	for i := 0; i < 2; i++ {
		req := marketOrder(10)
		req.Route = &Route{Venue: "SLOW", Priority: PriorityMedium}
		id, err := env.m.Submit(ctx, req)
		require.NoError(t, err)
		ids = append(ids, id)
	}

	env.m.dispatchPass()

	first, _ := env.m.Status(ids[0])
	second, _ := env.m.Status(ids[1])
	assert.Equal(t, StateExecuting, first.Order.State)
	assert.Equal(t, StateRouted, second.Order.State, "second order waits for the next rate window")
}

func TestFullFillLifecycle(t *testing.T) {
	env := newTestEnv(t, allowAll())
	ctx := context.Background()

	req := SubmitRequest{
		Symbol:     "AAPL",
		Side:       SideBuy,
		Type:       TypeLimit,
		Quantity:   decimal.NewFromInt(100),
		LimitPrice: decimal.RequireFromString("100.05"),
		Route:      route(PriorityUrgent),
	}
	id, err := env.m.Submit(ctx, req)
	require.NoError(t, err)

	env.m.dispatchPass()
	snap, _ := env.m.Status(id)
	require.Equal(t, StateExecuting, snap.Order.State)

	prim, _ := env.venues.Get("PRIMARY")
	require.EqualValues(t, 1, prim.Outstanding())

	env.m.applyFill(venue.Fill{
		OrderID:  id,
		Symbol:   "AAPL",
		Side:     "BUY",
		Quantity: decimal.NewFromInt(40),
		Price:    decimal.RequireFromString("100.00"),
	})
	snap, _ = env.m.Status(id)
	assert.Equal(t, StatePartiallyFilled, snap.Order.State)
	assert.True(t, snap.Order.FilledQuantity.Equal(decimal.NewFromInt(40)))

	env.m.applyFill(venue.Fill{
		OrderID:  id,
		Symbol:   "AAPL",
		Side:     "BUY",
		Quantity: decimal.NewFromInt(60),
		Price:    decimal.RequireFromString("100.02"),
		Final:    true,
	})
	snap, _ = env.m.Status(id)
	assert.Equal(t, StateCompleted, snap.Order.State)
	assert.True(t, snap.Order.FilledQuantity.Equal(decimal.NewFromInt(100)))
	// (40*100.00 + 60*100.02) / 100
	assert.True(t, snap.Order.AvgFillPrice.Equal(decimal.RequireFromString("100.012")),
		"avg fill price %s", snap.Order.AvgFillPrice)

	assert.EqualValues(t, 0, prim.Outstanding(), "terminal order releases its slot")

	wantTypes := []EventType{EventSubmitted, EventValidated, EventRouted, EventQueued, EventDispatched, EventFill, EventCompleted}
	require.Len(t, snap.Events, len(wantTypes))
	for i, ev := range snap.Events {
		assert.Equal(t, wantTypes[i], ev.Type, "event %d", i)
		if i > 0 {
			assert.True(t, ev.Timestamp.After(snap.Events[i-1].Timestamp),
				"event timestamps must be strictly increasing")
		}
	}
}

func TestCancelQueuedOrder(t *testing.T) {
	env := newTestEnv(t, allowAll())
	ctx := context.Background()

	req := marketOrder(10)
	req.Route = route(PriorityMedium)
	id, err := env.m.Submit(ctx, req)
	require.NoError(t, err)
	require.Equal(t, 1, env.m.QueueDepth(PriorityMedium))

	require.True(t, env.m.Cancel(ctx, id))
	assert.Equal(t, 0, env.m.QueueDepth(PriorityMedium))

	snap, _ := env.m.Status(id)
	assert.Equal(t, StateCancelled, snap.Order.State)
	eventsBefore := len(snap.Events)

	// Terminal cancel is idempotent and audit-silent.
	assert.False(t, env.m.Cancel(ctx, id))
	snap, _ = env.m.Status(id)
	assert.Len(t, snap.Events, eventsBefore)

	env.m.dispatchPass()
	assert.Equal(t, 0, env.engine.submittedCount(), "cancelled order never dispatches")
}

func TestCancelExecutingConfirmed(t *testing.T) {
	env := newTestEnv(t, allowAll())
	ctx := context.Background()

	req := marketOrder(10)
	req.Route = route(PriorityUrgent)
	id, err := env.m.Submit(ctx, req)
	require.NoError(t, err)
	env.m.dispatchPass()

	require.True(t, env.m.Cancel(ctx, id))
	snap, _ := env.m.Status(id)
	assert.Equal(t, StateCancelled, snap.Order.State)

	prim, _ := env.venues.Get("PRIMARY")
	assert.EqualValues(t, 0, prim.Outstanding())
}

func TestCancelRacingFillLosesToFill(t *testing.T) {
	env := newTestEnv(t, allowAll())
	ctx := context.Background()

	req := marketOrder(10)
	req.Route = route(PriorityUrgent)
	id, err := env.m.Submit(ctx, req)
	require.NoError(t, err)
	env.m.dispatchPass()

	// The venue reports the fill before confirming the cancel.
	env.engine.cancelFn = func(orderID uuid.UUID) bool {
		env.m.applyFill(venue.Fill{
			OrderID:  orderID,
			Symbol:   "AAPL",
			Side:     "BUY",
			Quantity: decimal.NewFromInt(10),
			Price:    decimal.RequireFromString("100.01"),
			Final:    true,
		})
		return true
	}

	require.True(t, env.m.Cancel(ctx, id))
	snap, _ := env.m.Status(id)
	assert.Equal(t, StateCompleted, snap.Order.State, "fill wins the race deterministically")
}

func TestEmergencyOrderBypassesQueueAndGate(t *testing.T) {
	env := newTestEnv(t, denyAll("limits breached"))
	ctx := context.Background()

	req := SubmitRequest{
		Symbol:   "AAPL",
		Side:     SideSell,
		Type:     TypeIOC,
		Quantity: decimal.NewFromInt(500),
		Flags:    FlagUrgent | FlagEmergency,
		Route:    route(PriorityUrgent),
	}
	id, err := env.m.Submit(ctx, req)
	require.NoError(t, err, "emergency orders skip the risk gate")

	snap, _ := env.m.Status(id)
	assert.Equal(t, StateExecuting, snap.Order.State, "no queuing for emergency orders")
	for p := PriorityLow; p <= PriorityUrgent; p++ {
		assert.Equal(t, 0, env.m.QueueDepth(p))
	}

	require.Eventually(t, func() bool {
		return env.engine.submittedCount() == 1
	}, time.Second, 5*time.Millisecond)
	assert.True(t, env.engine.submitted[0].Emergency)
}

func TestDegradedModePausesNonUrgent(t *testing.T) {
	env := newTestEnv(t, allowAll())
	ctx := context.Background()

	reqMed := marketOrder(10)
	reqMed.Route = route(PriorityMedium)
	idMed, err := env.m.Submit(ctx, reqMed)
	require.NoError(t, err)

	reqUrg := marketOrder(10)
	reqUrg.Route = route(PriorityUrgent)
	idUrg, err := env.m.Submit(ctx, reqUrg)
	require.NoError(t, err)

	env.m.SetDegraded(true)
	env.m.dispatchPass()

	med, _ := env.m.Status(idMed)
	urg, _ := env.m.Status(idUrg)
	assert.Equal(t, StateRouted, med.Order.State)
	assert.Equal(t, StateExecuting, urg.Order.State)

	env.m.SetDegraded(false)
	env.m.dispatchPass()
	med, _ = env.m.Status(idMed)
	assert.Equal(t, StateExecuting, med.Order.State)
}

func TestVenueSubmitFailureMovesOrderToError(t *testing.T) {
	env := newTestEnv(t, allowAll())
	env.engine.submitErr = errors.New("connection refused")
	ctx := context.Background()

	req := marketOrder(10)
	req.Route = route(PriorityUrgent)
	id, err := env.m.Submit(ctx, req)
	require.NoError(t, err)
	env.m.dispatchPass()

	require.Eventually(t, func() bool {
		snap, _ := env.m.Status(id)
		return snap.Order.State == StateError
	}, time.Second, 5*time.Millisecond)

	prim, _ := env.venues.Get("PRIMARY")
	assert.EqualValues(t, 0, prim.Outstanding(), "error state releases the slot")
}

func TestOutstandingCounterBalances(t *testing.T) {
	env := newTestEnv(t, allowAll())
	ctx := context.Background()

	var ids []uuid.UUID
	for i := 0; i < 5; i++ {
		req := marketOrder(10)
		req.Route = route(PriorityUrgent)
		id, err := env.m.Submit(ctx, req)
		require.NoError(t, err)
		ids = append(ids, id)
	}
	env.m.dispatchPass()

	prim, _ := env.venues.Get("PRIMARY")
	require.EqualValues(t, 5, prim.Outstanding())

	for _, id := range ids {
		env.m.applyFill(venue.Fill{
			OrderID:  id,
			Symbol:   "AAPL",
			Side:     "BUY",
			Quantity: decimal.NewFromInt(10),
			Price:    decimal.RequireFromString("100.01"),
			Final:    true,
		})
	}
	assert.EqualValues(t, 0, prim.Outstanding())
}

func TestComputedRoutePriorities(t *testing.T) {
	env := newTestEnv(t, allowAll())
	ctx := context.Background()

	env.md.Update(marketdata.Snapshot{
		Symbol:       "VOLX",
		Bid:          decimal.RequireFromString("50.00"),
		Ask:          decimal.RequireFromString("50.01"),
		LastPrice:    decimal.NewFromInt(50),
		RecentVolume: decimal.NewFromInt(100000),
		Volatility:   decimal.RequireFromString("0.05"),
		AvgTradeSize: decimal.NewFromInt(50),
	})
	env.md.Update(marketdata.Snapshot{
		Symbol:       "WIDE",
		Bid:          decimal.RequireFromString("10.00"),
		Ask:          decimal.RequireFromString("10.20"),
		LastPrice:    decimal.NewFromInt(10),
		RecentVolume: decimal.NewFromInt(100000),
		Volatility:   decimal.RequireFromString("0.01"),
		AvgTradeSize: decimal.NewFromInt(50),
	})

	cases := []struct {
		name string
		req  SubmitRequest
		want Priority
	}{
		{"ioc is urgent", SubmitRequest{Symbol: "AAPL", Side: SideBuy, Type: TypeIOC, Quantity: decimal.NewFromInt(10)}, PriorityUrgent},
		{"urgent flag", SubmitRequest{Symbol: "AAPL", Side: SideBuy, Type: TypeMarket, Quantity: decimal.NewFromInt(10), Flags: FlagUrgent}, PriorityUrgent},
		{"volatile symbol", SubmitRequest{Symbol: "VOLX", Side: SideBuy, Type: TypeMarket, Quantity: decimal.NewFromInt(10)}, PriorityHigh},
		{"wide spread", SubmitRequest{Symbol: "WIDE", Side: SideBuy, Type: TypeMarket, Quantity: decimal.NewFromInt(10)}, PriorityLow},
		{"calm market", SubmitRequest{Symbol: "AAPL", Side: SideBuy, Type: TypeMarket, Quantity: decimal.NewFromInt(10)}, PriorityMedium},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			id, err := env.m.Submit(ctx, tc.req)
			require.NoError(t, err)
			snap, _ := env.m.Status(id)
			require.NotNil(t, snap.Route)
			assert.Equal(t, tc.want, snap.Route.Priority)
		})
	}
}

func TestLargeOrderRoutesToDarkPool(t *testing.T) {
	env := newTestEnv(t, allowAll())

	// Above 10% of recent volume (100000).
	id, err := env.m.Submit(context.Background(), marketOrder(15000))
	require.NoError(t, err)
	snap, _ := env.m.Status(id)
	require.NotNil(t, snap.Route)
	assert.Equal(t, "DARK1", snap.Route.Venue)
	assert.True(t, snap.Route.DarkPoolEligible)
}

func TestVenueSelectionPrefersLowestOutstanding(t *testing.T) {
	env := newTestEnv(t, allowAll())

	prim, _ := env.venues.Get("PRIMARY")
	prim.AcquireOutstanding()
	prim.AcquireOutstanding()
	defer func() {
		prim.ReleaseOutstanding()
		prim.ReleaseOutstanding()
	}()

	id, err := env.m.Submit(context.Background(), marketOrder(10))
	require.NoError(t, err)
	snap, _ := env.m.Status(id)
	require.NotNil(t, snap.Route)
	assert.Equal(t, "SECONDARY", snap.Route.Venue)
}

func TestNoHealthyVenueFallsBackToDefault(t *testing.T) {
	env := newTestEnv(t, allowAll())

	for _, name := range []string{"PRIMARY", "SECONDARY"} {
		v, _ := env.venues.Get(name)
		for i := 0; i < 3; i++ {
			v.Breaker().RecordFailure()
		}
	}

	id, err := env.m.Submit(context.Background(), marketOrder(10))
	require.NoError(t, err)
	snap, _ := env.m.Status(id)
	require.NotNil(t, snap.Route)
	assert.Equal(t, "PRIMARY", snap.Route.Venue, "default venue used when nothing is healthy")

	var degraded bool
	for _, ev := range snap.Events {
		if ev.Type == EventRoutedDegraded {
			degraded = true
		}
	}
	assert.True(t, degraded, "degraded routing must be distinguishable in the audit trail")
}

func TestInvalidTransitionPanics(t *testing.T) {
	env := newTestEnv(t, allowAll())

	id, err := env.m.Submit(context.Background(), marketOrder(10))
	require.NoError(t, err)

	env.m.mu.Lock()
	rec := env.m.recs[id]
	env.m.mu.Unlock()

	assert.Panics(t, func() {
		env.m.mu.Lock()
		defer env.m.mu.Unlock()
		env.m.transition(rec, StateCompleted, EventCompleted, "")
	})
}

func TestBlockedHeadResumesAfterBreakerTimeout(t *testing.T) {
	env := newTestEnv(t, allowAll())
	ctx := context.Background()

	env.venues.Add(venue.New(
		venue.Config{Name: "FLAKY", BreakerFailures: 1, BreakerTimeout: 20 * time.Millisecond},
		venue.NewSimAdapter("FLAKY"), zaptest.NewLogger(t)))
	flaky, _ := env.venues.Get("FLAKY")
	flaky.Breaker().RecordFailure()
	require.False(t, flaky.Healthy())

	for i := 0; i < 2; i++ {
		req := marketOrder(10)
		req.Route = &Route{Venue: "FLAKY", Priority: PriorityMedium, Strategy: "NORMAL"}
		_, err := env.m.Submit(ctx, req)
		require.NoError(t, err)
	}

	env.m.dispatchPass()
	assert.Equal(t, 0, env.engine.submittedCount(), "open circuit blocks the head")
	assert.Equal(t, 2, env.m.QueueDepth(PriorityMedium))

	time.Sleep(40 * time.Millisecond)

	env.m.dispatchPass()
	require.Eventually(t, func() bool { return env.engine.submittedCount() == 1 },
		time.Second, 5*time.Millisecond, "dispatch resumes once the breaker times out")
	assert.Equal(t, 1, env.m.QueueDepth(PriorityMedium),
		"half-open circuit lets exactly one probe order through")
}

func TestFinalUnderfillCancelsRemainder(t *testing.T) {
	env := newTestEnv(t, allowAll())
	ctx := context.Background()

	req := SubmitRequest{
		Symbol:   "AAPL",
		Side:     SideBuy,
		Type:     TypeIOC,
		Quantity: decimal.NewFromInt(100),
		Route:    route(PriorityUrgent),
	}
	id, err := env.m.Submit(ctx, req)
	require.NoError(t, err)
	env.m.dispatchPass()

	// The venue executed 40 and cancelled the IOC remainder.
	env.m.applyFill(venue.Fill{
		OrderID:  id,
		Symbol:   "AAPL",
		Side:     "BUY",
		Quantity: decimal.NewFromInt(40),
		Price:    decimal.RequireFromString("100.02"),
		Final:    true,
	})

	snap, _ := env.m.Status(id)
	assert.Equal(t, StateCancelled, snap.Order.State, "underfilled final must not complete")
	assert.True(t, snap.Order.FilledQuantity.Equal(decimal.NewFromInt(40)))
	assert.Equal(t, "remainder cancelled by venue", snap.Order.Reason)

	prim, _ := env.venues.Get("PRIMARY")
	assert.EqualValues(t, 0, prim.Outstanding(), "terminal cancel releases the slot")
}

func TestLateFillAfterCancelKeepsBookkeeping(t *testing.T) {
	env := newTestEnv(t, allowAll())
	ctx := context.Background()

	req := marketOrder(10)
	req.Route = route(PriorityUrgent)
	id, err := env.m.Submit(ctx, req)
	require.NoError(t, err)
	env.m.dispatchPass()

	require.True(t, env.m.Cancel(ctx, id))
	snap, _ := env.m.Status(id)
	require.Equal(t, StateCancelled, snap.Order.State)

	// The venue had already executed before the cancel confirmation landed.
	env.m.applyFill(venue.Fill{
		OrderID:  id,
		Symbol:   "AAPL",
		Side:     "BUY",
		Quantity: decimal.NewFromInt(10),
		Price:    decimal.RequireFromString("100.01"),
		Final:    true,
	})

	snap, _ = env.m.Status(id)
	assert.Equal(t, StateCancelled, snap.Order.State, "terminal state never reopens")
	assert.True(t, snap.Order.FilledQuantity.Equal(decimal.NewFromInt(10)),
		"audit reflects the executed quantity")
	last := snap.Events[len(snap.Events)-1]
	assert.Equal(t, EventFill, last.Type)
	assert.Contains(t, last.Details, "late fill")
}
