// Package execution owns the mechanics of getting a concrete order to a
// venue and reconciling fills. Callers see one submit/cancel/status contract
// regardless of whether the order took the fast or the standard path.
package execution

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/khill1269/hft-trading-system/internal/alert"
	"github.com/khill1269/hft-trading-system/internal/latency"
	"github.com/khill1269/hft-trading-system/internal/venue"
)

// ErrVenueUnavailable is returned when the target venue rejects or cannot be
// reached after the bounded retry.
var ErrVenueUnavailable = errors.New("venue unavailable")

// Config bounds the engine.
type Config struct {
	AckTimeout      time.Duration
	FastPathMaxSize decimal.Decimal
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		AckTimeout:      500 * time.Millisecond,
		FastPathMaxSize: decimal.NewFromInt(500),
	}
}

// Engine submits orders to venues and merges their fill streams into one
// channel consumed by the order flow and risk managers.
type Engine struct {
	cfg      Config
	logger   *zap.Logger
	venues   *venue.Registry
	alerts   *alert.Manager
	recorder *latency.Recorder // optional

	fills chan venue.Fill

	mu       sync.Mutex
	routes   map[uuid.UUID]string // order id -> venue name, for cancel routing
	fastPath map[uuid.UUID]bool

	quit chan struct{}
	wg   sync.WaitGroup
}

// NewEngine creates an execution engine. recorder may be nil.
func NewEngine(cfg Config, logger *zap.Logger, venues *venue.Registry, alerts *alert.Manager, recorder *latency.Recorder) *Engine {
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = DefaultConfig().AckTimeout
	}
	return &Engine{
		cfg:      cfg,
		logger:   logger,
		venues:   venues,
		alerts:   alerts,
		recorder: recorder,
		fills:    make(chan venue.Fill, 1024),
		routes:   make(map[uuid.UUID]string),
		fastPath: make(map[uuid.UUID]bool),
		quit:     make(chan struct{}),
	}
}

// Start begins forwarding venue fill streams.
func (e *Engine) Start(ctx context.Context) {
	for _, v := range e.venues.All() {
		e.wg.Add(1)
		go e.forwardFills(ctx, v)
	}
}

// Stop terminates fill forwarding.
func (e *Engine) Stop() {
	close(e.quit)
	e.wg.Wait()
}

// Fills returns the merged fill stream. Each fill is tagged with the path
// that produced it.
func (e *Engine) Fills() <-chan venue.Fill { return e.fills }

// Submit sends the order to the named venue with a bounded acknowledgment
// wait. A timeout is retried exactly once; a second failure returns
// ErrVenueUnavailable and the caller moves the order to its error state.
func (e *Engine) Submit(ctx context.Context, payload venue.OrderPayload, venueName string) (bool, error) {
	v, ok := e.venues.Get(venueName)
	if !ok {
		return false, errors.New("unknown venue: " + venueName)
	}

	fast := e.isFastPath(payload)
	e.mu.Lock()
	e.routes[payload.OrderID] = venueName
	e.fastPath[payload.OrderID] = fast
	e.mu.Unlock()

	start := time.Now()
	err := e.submitOnce(ctx, v, payload)
	if errors.Is(err, context.DeadlineExceeded) {
		e.logger.Warn("venue ack timeout, retrying once",
			zap.String("venue", venueName),
			zap.String("order_id", payload.OrderID.String()))
		err = e.submitOnce(ctx, v, payload)
	}
	if e.recorder != nil {
		e.recorder.Record(latency.SourceExchange, time.Since(start), "venue_submit", venueName)
	}

	if err != nil {
		v.Breaker().RecordFailure()
		e.mu.Lock()
		delete(e.routes, payload.OrderID)
		delete(e.fastPath, payload.OrderID)
		e.mu.Unlock()
		e.alerts.Emit("venue_submit_failed", alert.SeverityError,
			"order submission failed",
			map[string]string{
				"venue":    venueName,
				"order_id": payload.OrderID.String(),
				"error":    err.Error(),
			})
		return false, errors.Join(ErrVenueUnavailable, err)
	}

	v.Breaker().RecordSuccess()
	e.logger.Debug("order submitted to venue",
		zap.String("venue", venueName),
		zap.String("order_id", payload.OrderID.String()),
		zap.Bool("fast_path", fast),
		zap.Bool("emergency", payload.Emergency))
	return true, nil
}

func (e *Engine) submitOnce(ctx context.Context, v *venue.Venue, payload venue.OrderPayload) error {
	ackCtx, cancel := context.WithTimeout(ctx, e.cfg.AckTimeout)
	defer cancel()
	return v.Adapter().Submit(ackCtx, payload)
}

// Cancel forwards a cancellation to the venue holding the order. Best
// effort: a fill racing the cancel wins, and the caller keeps the order in
// its executing state until a definitive confirmation arrives.
func (e *Engine) Cancel(ctx context.Context, orderID uuid.UUID) bool {
	e.mu.Lock()
	venueName, ok := e.routes[orderID]
	e.mu.Unlock()
	if !ok {
		return false
	}
	v, ok := e.venues.Get(venueName)
	if !ok {
		return false
	}

	cancelCtx, cancel := context.WithTimeout(ctx, e.cfg.AckTimeout)
	defer cancel()
	accepted, err := v.Adapter().Cancel(cancelCtx, orderID)
	if err != nil {
		e.logger.Warn("venue cancel failed",
			zap.String("venue", venueName),
			zap.String("order_id", orderID.String()),
			zap.Error(err))
		return false
	}
	return accepted
}

// Status queries the venue's view of an order.
func (e *Engine) Status(ctx context.Context, orderID uuid.UUID) (venue.FillState, error) {
	e.mu.Lock()
	venueName, ok := e.routes[orderID]
	e.mu.Unlock()
	if !ok {
		return venue.FillState{}, errors.New("order not routed")
	}
	v, ok := e.venues.Get(venueName)
	if !ok {
		return venue.FillState{}, errors.New("unknown venue: " + venueName)
	}
	statusCtx, cancel := context.WithTimeout(ctx, e.cfg.AckTimeout)
	defer cancel()
	return v.Adapter().Status(statusCtx, orderID)
}

// isFastPath restricts the accelerated path to small market/IOC orders.
// Emergency orders always take it.
func (e *Engine) isFastPath(payload venue.OrderPayload) bool {
	if payload.Emergency {
		return true
	}
	if payload.Type != "MARKET" && payload.Type != "IOC" {
		return false
	}
	if e.cfg.FastPathMaxSize.IsPositive() && payload.Quantity.GreaterThan(e.cfg.FastPathMaxSize) {
		return false
	}
	return true
}

func (e *Engine) forwardFills(ctx context.Context, v *venue.Venue) {
	defer e.wg.Done()
	for {
		select {
		case f := <-v.Adapter().Fills():
			e.mu.Lock()
			f.FastPath = e.fastPath[f.OrderID]
			if f.Final {
				delete(e.routes, f.OrderID)
				delete(e.fastPath, f.OrderID)
			}
			e.mu.Unlock()
			select {
			case e.fills <- f:
			case <-ctx.Done():
				return
			case <-e.quit:
				return
			}
		case <-ctx.Done():
			return
		case <-e.quit:
			return
		}
	}
}
