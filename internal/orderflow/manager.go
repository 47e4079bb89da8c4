package orderflow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/khill1269/hft-trading-system/internal/alert"
	"github.com/khill1269/hft-trading-system/internal/latency"
	"github.com/khill1269/hft-trading-system/internal/marketdata"
	"github.com/khill1269/hft-trading-system/internal/optimizer"
	"github.com/khill1269/hft-trading-system/internal/venue"
	"github.com/khill1269/hft-trading-system/pkg/metrics"
)

// ErrUnknownOrder is returned by Status for an id the manager has never seen.
var ErrUnknownOrder = errors.New("unknown order")

// ErrRejected wraps admission failures; the order remains queryable with the
// rejection reason.
var ErrRejected = errors.New("order rejected")

// RiskGate is the pre-trade admission check implemented by the risk manager.
type RiskGate interface {
	CheckOrderRisk(symbol string, side Side, quantity, price decimal.Decimal) (bool, string)
}

// Dispatcher is the execution engine contract the manager depends on.
type Dispatcher interface {
	Submit(ctx context.Context, payload venue.OrderPayload, venueName string) (bool, error)
	Cancel(ctx context.Context, orderID uuid.UUID) bool
}

// Journal receives audit events for durable storage. Implementations must
// not block; the manager calls it on the dispatch path.
type Journal interface {
	RecordEvent(ev Event)
}

// Config bounds the order flow manager.
type Config struct {
	DispatchInterval    time.Duration
	DefaultVenue        string
	DarkPoolVenue       string
	VolatilityThreshold decimal.Decimal
	SpreadThreshold     decimal.Decimal
	DarkPoolVolumeRatio decimal.Decimal
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		DispatchInterval:    10 * time.Millisecond,
		DefaultVenue:        "PRIMARY",
		DarkPoolVenue:       "DARK1",
		VolatilityThreshold: decimal.RequireFromString("0.02"),
		SpreadThreshold:     decimal.RequireFromString("0.05"),
		DarkPoolVolumeRatio: decimal.RequireFromString("0.10"),
	}
}

// SubmitRequest is a trade intent entering the manager.
type SubmitRequest struct {
	Symbol     string
	Side       Side
	Type       OrderType
	Quantity   decimal.Decimal
	LimitPrice decimal.Decimal
	Flags      OrderFlags
	Strategy   optimizer.Strategy
	Route      *Route // optional; computed when nil
}

type orderRec struct {
	order           Order
	route           *Route
	events          []Event
	outstandingHeld bool
	cancelRequested bool
}

// Manager validates, routes, prioritizes, rate-limits and dispatches orders.
// It owns each order until dispatch and keeps the authoritative state machine
// and audit trail for its whole lifetime.
type Manager struct {
	cfg      Config
	logger   *zap.Logger
	alerts   *alert.Manager
	journal  Journal            // optional
	riskGate RiskGate           // optional (tests); production always sets it
	md       marketdata.Provider
	opt      *optimizer.Optimizer // optional
	engine   Dispatcher
	venues   *venue.Registry
	recorder *latency.Recorder // optional

	mu       sync.Mutex
	recs     map[uuid.UUID]*orderRec
	queues   [numPriorities][]uuid.UUID
	fillSubs []func(venue.Fill)

	degraded atomic.Bool

	quit chan struct{}
	wg   sync.WaitGroup
}

// NewManager creates an order flow manager. journal, opt and recorder may be
// nil; riskGate nil disables admission (tests only).
func NewManager(
	cfg Config,
	logger *zap.Logger,
	alerts *alert.Manager,
	journal Journal,
	riskGate RiskGate,
	md marketdata.Provider,
	opt *optimizer.Optimizer,
	engine Dispatcher,
	venues *venue.Registry,
	recorder *latency.Recorder,
) *Manager {
	if cfg.DispatchInterval <= 0 {
		cfg.DispatchInterval = DefaultConfig().DispatchInterval
	}
	return &Manager{
		cfg:      cfg,
		logger:   logger,
		alerts:   alerts,
		journal:  journal,
		riskGate: riskGate,
		md:       md,
		opt:      opt,
		engine:   engine,
		venues:   venues,
		recorder: recorder,
		recs:     make(map[uuid.UUID]*orderRec),
		quit:     make(chan struct{}),
	}
}

// OnFill registers a fill observer (e.g. the risk manager's position
// update). Must be called before Start.
func (m *Manager) OnFill(fn func(venue.Fill)) {
	m.fillSubs = append(m.fillSubs, fn)
}

// Start launches the dispatch loop and fill consumer.
func (m *Manager) Start(ctx context.Context, fills <-chan venue.Fill) {
	m.wg.Add(2)
	go m.dispatchLoop(ctx)
	go m.consumeFills(ctx, fills)
}

// Stop terminates the background loops.
func (m *Manager) Stop() {
	close(m.quit)
	m.wg.Wait()
}

// SetDegraded pauses (true) or resumes (false) dispatch of non-urgent
// orders. Wired to the latency recorder's escalation hook.
func (m *Manager) SetDegraded(d bool) {
	was := m.degraded.Swap(d)
	if was != d {
		m.logger.Warn("dispatch degraded mode changed", zap.Bool("degraded", d))
	}
}

// Degraded reports whether non-urgent dispatch is paused.
func (m *Manager) Degraded() bool { return m.degraded.Load() }

// Submit validates the request, gates it through the risk manager, routes it
// and enqueues it for dispatch. Emergency-flagged orders bypass the queues
// and go straight to the execution engine.
func (m *Manager) Submit(ctx context.Context, req SubmitRequest) (uuid.UUID, error) {
	start := time.Now()
	defer func() {
		if m.recorder != nil {
			m.recorder.Record(latency.SourceProcessing, time.Since(start), "submit", req.Symbol)
		}
	}()

	now := time.Now()
	rec := &orderRec{order: Order{
		ID:          uuid.New(),
		Symbol:      req.Symbol,
		Side:        req.Side,
		Type:        req.Type,
		Quantity:    req.Quantity,
		LimitPrice:  req.LimitPrice,
		State:       StateCreated,
		Flags:       req.Flags,
		SubmittedAt: now,
		UpdatedAt:   now,
	}}

	m.mu.Lock()
	m.recs[rec.order.ID] = rec
	m.appendEvent(rec, EventSubmitted, fmt.Sprintf("%s %s %s %s", req.Side, req.Quantity, req.Symbol, req.Type), "", "")

	if reason := validate(req); reason != "" {
		m.reject(rec, reason)
		m.mu.Unlock()
		return rec.order.ID, fmt.Errorf("%w: %s", ErrRejected, reason)
	}

	// Emergency reduction orders are exempt from the pre-trade gate; they
	// exist to bring risk down and must not be blocked by the limits they
	// are fixing.
	if m.riskGate != nil && !req.Flags.Has(FlagEmergency) {
		price := req.LimitPrice
		if price.IsZero() {
			if last, ok := m.md.LastPrice(req.Symbol); ok {
				price = last
			}
		}
		if ok, reason := m.riskGate.CheckOrderRisk(req.Symbol, req.Side, req.Quantity, price); !ok {
			m.reject(rec, "risk: "+reason)
			m.mu.Unlock()
			return rec.order.ID, fmt.Errorf("%w: %s", ErrRejected, reason)
		}
	}
	m.transition(rec, StateValidated, EventValidated, "")

	route := req.Route
	if route == nil {
		route = m.computeRoute(rec, req.Strategy)
	}
	rec.route = route
	evType := EventRouted
	details := fmt.Sprintf("venue=%s priority=%s", route.Venue, route.Priority)
	if healthy := m.venueHealthy(route.Venue); !healthy {
		// Route already fell back to the default venue; make the degraded
		// decision distinguishable in the audit trail.
		evType = EventRoutedDegraded
	}
	m.transition(rec, StateRouted, evType, details)

	metrics.OrdersSubmitted.WithLabelValues(string(req.Side)).Inc()

	if req.Flags.Has(FlagEmergency) {
		// Preempt normal queuing: dispatch now.
		m.markDispatched(rec, "emergency")
		payload := m.payloadFor(rec)
		venueName := route.Venue
		m.mu.Unlock()
		go m.sendToVenue(payload, venueName)
		return rec.order.ID, nil
	}

	m.enqueue(rec)
	m.mu.Unlock()
	return rec.order.ID, nil
}

// Cancel removes a queued order immediately or forwards a best-effort cancel
// for a dispatched one. Returns false when the order is unknown or already
// terminal; a terminal cancel produces no event.
func (m *Manager) Cancel(ctx context.Context, id uuid.UUID) bool {
	m.mu.Lock()
	rec, ok := m.recs[id]
	if !ok || rec.order.State.Terminal() {
		m.mu.Unlock()
		return false
	}

	switch rec.order.State {
	case StateValidated, StateRouted:
		m.removeFromQueues(id)
		m.transition(rec, StateCancelled, EventCancelled, "cancelled while queued")
		m.mu.Unlock()
		return true
	case StateExecuting, StatePartiallyFilled:
		rec.cancelRequested = true
		m.appendEvent(rec, EventCancelRequested, "forwarded to execution engine", "", "")
		m.mu.Unlock()

		// Best effort; a concurrent fill wins and the order completes.
		accepted := m.engine.Cancel(ctx, id)

		m.mu.Lock()
		defer m.mu.Unlock()
		if accepted && !rec.order.State.Terminal() {
			m.transition(rec, StateCancelled, EventCancelled, "venue confirmed cancel")
		}
		return true
	default:
		m.mu.Unlock()
		return false
	}
}

// Status returns the current state, route and full event history of an order.
func (m *Manager) Status(id uuid.UUID) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[id]
	if !ok {
		return Snapshot{}, ErrUnknownOrder
	}
	snap := Snapshot{Order: rec.order, Events: make([]Event, len(rec.events))}
	copy(snap.Events, rec.events)
	if rec.route != nil {
		r := *rec.route
		snap.Route = &r
	}
	return snap, nil
}

// QueueDepth returns the number of queued orders in a priority class.
func (m *Manager) QueueDepth(p Priority) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queues[p])
}

func validate(req SubmitRequest) string {
	switch {
	case req.Symbol == "":
		return "empty symbol"
	case !req.Side.Valid():
		return "invalid side"
	case !req.Type.Valid():
		return "invalid order type"
	case !req.Quantity.IsPositive():
		return "quantity must be positive"
	case req.Type == TypeLimit && !req.LimitPrice.IsPositive():
		return "limit order requires price"
	default:
		return ""
	}
}

// computeRoute derives priority and venue from market conditions. Assumes
// m.mu is held (reads only market data and venue registry, both internally
// synchronized, but keeps route assignment atomic with the state change).
func (m *Manager) computeRoute(rec *orderRec, strategy optimizer.Strategy) *Route {
	snap, _ := m.md.Snapshot(rec.order.Symbol)

	route := &Route{Strategy: strategy.String()}
	if m.opt != nil {
		advice := m.opt.Advise(snap, optimizer.Request{
			Symbol:   rec.order.Symbol,
			Side:     string(rec.order.Side),
			Quantity: rec.order.Quantity,
			Strategy: strategy,
		})
		route.MaxParticipation = advice.ParticipationRate
		route.TimeWindow = advice.TimeWindow
	}

	urgent := rec.order.Flags.Has(FlagUrgent) || rec.order.Type == TypeIOC
	switch {
	case urgent:
		route.Priority = PriorityUrgent
	case snap.Volatility.GreaterThan(m.cfg.VolatilityThreshold):
		route.Priority = PriorityHigh
	case snap.Spread().GreaterThan(m.cfg.SpreadThreshold):
		route.Priority = PriorityLow
	default:
		route.Priority = PriorityMedium
	}

	// Large orders go dark to limit visible impact.
	if snap.RecentVolume.IsPositive() &&
		rec.order.Quantity.GreaterThan(snap.RecentVolume.Mul(m.cfg.DarkPoolVolumeRatio)) {
		route.Venue = m.cfg.DarkPoolVenue
		route.DarkPoolEligible = true
		return route
	}

	route.Venue = m.selectVenue()
	return route
}

// selectVenue picks the healthy non-dark venue with the fewest outstanding
// orders, ties broken by name. Falls back to the configured default venue
// when nothing is healthy; that decision is logged distinctly.
func (m *Manager) selectVenue() string {
	candidates := make([]*venue.Venue, 0)
	for _, v := range m.venues.All() {
		if v.DarkPool() || !v.Healthy() {
			continue
		}
		candidates = append(candidates, v)
	}
	if len(candidates) == 0 {
		m.logger.Warn("no healthy venue available, routing to default venue",
			zap.String("venue", m.cfg.DefaultVenue))
		return m.cfg.DefaultVenue
	}
	sort.Slice(candidates, func(i, j int) bool {
		oi, oj := candidates[i].Outstanding(), candidates[j].Outstanding()
		if oi != oj {
			return oi < oj
		}
		return candidates[i].Name() < candidates[j].Name()
	})
	return candidates[0].Name()
}

func (m *Manager) venueHealthy(name string) bool {
	v, ok := m.venues.Get(name)
	return ok && v.Healthy()
}

// enqueue assumes m.mu is held.
func (m *Manager) enqueue(rec *orderRec) {
	p := rec.route.Priority
	m.queues[p] = append(m.queues[p], rec.order.ID)
	m.appendEvent(rec, EventQueued, "priority="+p.String(), "", "")
	metrics.QueueDepth.WithLabelValues(p.String()).Set(float64(len(m.queues[p])))
}

// removeFromQueues assumes m.mu is held.
func (m *Manager) removeFromQueues(id uuid.UUID) {
	for p := range m.queues {
		q := m.queues[p]
		for i, qid := range q {
			if qid == id {
				m.queues[p] = append(q[:i], q[i+1:]...)
				metrics.QueueDepth.WithLabelValues(Priority(p).String()).Set(float64(len(m.queues[p])))
				return
			}
		}
	}
}

func (m *Manager) dispatchLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.DispatchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.dispatchPass()
		case <-ctx.Done():
			return
		case <-m.quit:
			return
		}
	}
}

// dispatchPass drains each priority class from URGENT down. Within a class
// FIFO order is preserved: a head order that cannot dispatch yet stops that
// class for this pass instead of being skipped over. Lower classes still get
// their turn.
func (m *Manager) dispatchPass() {
	type outbound struct {
		payload   venue.OrderPayload
		venueName string
	}
	var toSend []outbound

	degraded := m.degraded.Load()

	m.mu.Lock()
	for p := numPriorities - 1; p >= 0; p-- {
		if degraded && Priority(p) != PriorityUrgent {
			continue
		}
		for len(m.queues[p]) > 0 {
			id := m.queues[p][0]
			rec, ok := m.recs[id]
			if !ok || rec.order.State != StateRouted {
				// Cancelled or otherwise gone; drop from the queue.
				m.queues[p] = m.queues[p][1:]
				continue
			}
			v, vok := m.venues.Get(rec.route.Venue)
			if !vok || !v.Healthy() {
				break // head blocked; preserve FIFO within this class
			}
			if !v.AllowDispatch() {
				break // rate window saturated for this venue
			}
			if !v.Breaker().Allow() {
				break // half-open circuit, probe already in flight
			}
			m.queues[p] = m.queues[p][1:]
			metrics.QueueDepth.WithLabelValues(Priority(p).String()).Set(float64(len(m.queues[p])))
			m.markDispatched(rec, "")
			toSend = append(toSend, outbound{payload: m.payloadFor(rec), venueName: rec.route.Venue})
		}
	}
	m.mu.Unlock()

	// Venue submission happens outside the lock; the engine bounds each wait.
	for _, o := range toSend {
		go m.sendToVenue(o.payload, o.venueName)
	}
}

// markDispatched transitions to EXECUTING and takes the venue outstanding
// slot. Assumes m.mu is held.
func (m *Manager) markDispatched(rec *orderRec, detail string) {
	m.transition(rec, StateExecuting, EventDispatched, detail)
	if v, ok := m.venues.Get(rec.route.Venue); ok {
		v.AcquireOutstanding()
		rec.outstandingHeld = true
	}
	metrics.OrdersDispatched.WithLabelValues(rec.route.Venue).Inc()
}

func (m *Manager) payloadFor(rec *orderRec) venue.OrderPayload {
	return venue.OrderPayload{
		OrderID:   rec.order.ID,
		Symbol:    rec.order.Symbol,
		Side:      string(rec.order.Side),
		Type:      string(rec.order.Type),
		Quantity:  rec.order.Quantity,
		Price:     rec.order.LimitPrice,
		Emergency: rec.order.Flags.Has(FlagEmergency),
	}
}

func (m *Manager) sendToVenue(payload venue.OrderPayload, venueName string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := m.engine.Submit(ctx, payload, venueName); err != nil {
		m.mu.Lock()
		defer m.mu.Unlock()
		rec, ok := m.recs[payload.OrderID]
		if !ok || rec.order.State.Terminal() {
			return
		}
		rec.order.Reason = err.Error()
		m.transition(rec, StateError, EventError, err.Error())
	}
}

func (m *Manager) consumeFills(ctx context.Context, fills <-chan venue.Fill) {
	defer m.wg.Done()
	for {
		select {
		case f := <-fills:
			m.applyFill(f)
			for _, fn := range m.fillSubs {
				fn(f)
			}
		case <-ctx.Done():
			return
		case <-m.quit:
			return
		}
	}
}

func (m *Manager) applyFill(f venue.Fill) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[f.OrderID]
	if !ok {
		m.logger.Warn("fill for unknown order", zap.String("order_id", f.OrderID.String()))
		return
	}
	prevFilled := rec.order.FilledQuantity
	rec.order.FilledQuantity = prevFilled.Add(f.Quantity)
	if rec.order.FilledQuantity.IsPositive() {
		prevNotional := rec.order.AvgFillPrice.Mul(prevFilled)
		rec.order.AvgFillPrice = prevNotional.Add(f.Price.Mul(f.Quantity)).Div(rec.order.FilledQuantity)
	}

	detail := fmt.Sprintf("qty=%s price=%s fast_path=%t", f.Quantity, f.Price, f.FastPath)
	if rec.order.State.Terminal() {
		// Late fill after a confirmed cancel; the venue execution already
		// happened and position updates went through the fill subscribers,
		// so the order's fill bookkeeping is updated and audited without
		// reopening the terminal state.
		rec.order.UpdatedAt = time.Now()
		m.appendEvent(rec, EventFill, detail+" late fill", "", "")
		m.logger.Warn("late fill for terminal order",
			zap.String("order_id", f.OrderID.String()),
			zap.String("state", string(rec.order.State)))
		return
	}

	switch {
	case rec.order.FilledQuantity.GreaterThanOrEqual(rec.order.Quantity):
		m.transition(rec, StateCompleted, EventCompleted, detail)
	case f.Final:
		// The venue closed the order with quantity still unexecuted (an IOC
		// remainder, for example); the remainder is abandoned.
		rec.order.Reason = "remainder cancelled by venue"
		m.transition(rec, StateCancelled, EventCancelled, detail+" remainder cancelled by venue")
	default:
		m.transition(rec, StatePartiallyFilled, EventFill, detail)
	}
}

// reject moves a CREATED order to REJECTED with a queryable reason.
// Assumes m.mu is held.
func (m *Manager) reject(rec *orderRec, reason string) {
	rec.order.Reason = reason
	m.transition(rec, StateRejected, EventRejected, reason)
	metrics.OrdersRejected.WithLabelValues(reasonClass(reason)).Inc()
}

func reasonClass(reason string) string {
	if len(reason) >= 5 && reason[:5] == "risk:" {
		return "risk"
	}
	return "validation"
}

// transition applies a state machine edge, audits it and releases the venue
// outstanding slot on terminal states. An illegal edge is a programmer error
// and aborts. Assumes m.mu is held.
func (m *Manager) transition(rec *orderRec, to State, evType EventType, details string) {
	from := rec.order.State
	if !ValidTransition(from, to) {
		panic(fmt.Sprintf("invalid order state transition %s -> %s (order %s)", from, to, rec.order.ID))
	}
	rec.order.State = to
	rec.order.UpdatedAt = time.Now()
	m.appendEvent(rec, evType, details, from, to)

	if to.Terminal() && rec.outstandingHeld {
		rec.outstandingHeld = false
		if v, ok := m.venues.Get(rec.route.Venue); ok {
			v.ReleaseOutstanding()
		}
	}
}

// appendEvent records an audit event with strictly increasing timestamps per
// order. Assumes m.mu is held.
func (m *Manager) appendEvent(rec *orderRec, evType EventType, details string, from, to State) {
	ts := time.Now()
	if n := len(rec.events); n > 0 && !ts.After(rec.events[n-1].Timestamp) {
		ts = rec.events[n-1].Timestamp.Add(time.Nanosecond)
	}
	ev := Event{
		Timestamp: ts,
		Type:      evType,
		OrderID:   rec.order.ID,
		Details:   details,
		From:      from,
		To:        to,
	}
	rec.events = append(rec.events, ev)
	if m.journal != nil {
		m.journal.RecordEvent(ev)
	}
}
