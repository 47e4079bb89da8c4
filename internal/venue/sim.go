package venue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// SimAdapter is an in-process venue used by tests and local runs. Orders are
// acknowledged after AckDelay and filled after FillDelay, optionally in
// several partial chunks. SubmitErr injects submit failures.
type SimAdapter struct {
	name string

	AckDelay     time.Duration
	FillDelay    time.Duration
	PartialChunk decimal.Decimal // fill in chunks of this size; zero fills whole
	MarkPrice    decimal.Decimal // execution price for orders without a limit price
	SubmitErr    error
	HoldFills    bool // accept orders but emit no fills until ReleaseFills

	fills chan Fill

	mu     sync.Mutex
	orders map[uuid.UUID]*simOrder
	held   []OrderPayload
}

type simOrder struct {
	payload   OrderPayload
	filled    decimal.Decimal
	cancelled bool
	done      bool
}

// NewSimAdapter creates a simulated venue.
func NewSimAdapter(name string) *SimAdapter {
	return &SimAdapter{
		name:      name,
		MarkPrice: decimal.RequireFromString("100.00"),
		fills:     make(chan Fill, 256),
		orders:    make(map[uuid.UUID]*simOrder),
	}
}

// Name returns the venue identifier.
func (s *SimAdapter) Name() string { return s.name }

// Submit accepts the order and schedules fills.
func (s *SimAdapter) Submit(ctx context.Context, payload OrderPayload) error {
	if s.AckDelay > 0 {
		select {
		case <-time.After(s.AckDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if s.SubmitErr != nil {
		return s.SubmitErr
	}

	s.mu.Lock()
	s.orders[payload.OrderID] = &simOrder{payload: payload}
	hold := s.HoldFills
	if hold {
		s.held = append(s.held, payload)
	}
	s.mu.Unlock()

	if !hold {
		go s.fill(payload)
	}
	return nil
}

// ReleaseFills fills all orders accepted while HoldFills was set.
func (s *SimAdapter) ReleaseFills() {
	s.mu.Lock()
	held := s.held
	s.held = nil
	s.mu.Unlock()
	for _, p := range held {
		go s.fill(p)
	}
}

func (s *SimAdapter) fill(payload OrderPayload) {
	if s.FillDelay > 0 {
		time.Sleep(s.FillDelay)
	}
	// Market orders carry no price; execute at the simulated mark.
	price := payload.Price
	if price.IsZero() {
		price = s.MarkPrice
	}
	for {
		s.mu.Lock()
		o, ok := s.orders[payload.OrderID]
		if !ok || o.cancelled || o.done {
			s.mu.Unlock()
			return
		}
		remaining := o.payload.Quantity.Sub(o.filled)
		chunk := remaining
		if s.PartialChunk.IsPositive() && s.PartialChunk.LessThan(remaining) {
			chunk = s.PartialChunk
		}
		o.filled = o.filled.Add(chunk)
		final := o.filled.GreaterThanOrEqual(o.payload.Quantity)
		o.done = final
		s.mu.Unlock()

		s.fills <- Fill{
			OrderID:   payload.OrderID,
			Symbol:    payload.Symbol,
			Side:      payload.Side,
			Quantity:  chunk,
			Price:     price,
			Timestamp: time.Now(),
			Final:     final,
		}
		if final {
			return
		}
	}
}

// Cancel cancels an open order; a fully filled order can no longer cancel.
func (s *SimAdapter) Cancel(_ context.Context, orderID uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return false, errors.New("unknown order")
	}
	if o.done || o.cancelled {
		return false, nil
	}
	o.cancelled = true
	return true, nil
}

// Status reports fill progress.
func (s *SimAdapter) Status(_ context.Context, orderID uuid.UUID) (FillState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return FillState{}, errors.New("unknown order")
	}
	price := o.payload.Price
	if price.IsZero() {
		price = s.MarkPrice
	}
	return FillState{Filled: o.filled, AvgPrice: price, Done: o.done}, nil
}

// Fills returns the fill stream.
func (s *SimAdapter) Fills() <-chan Fill { return s.fills }
