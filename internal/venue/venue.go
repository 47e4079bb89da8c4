// Package venue models execution venues as untrusted external collaborators:
// health is tracked by the core via circuit breakers, throughput is bounded
// by per-venue rate windows, and outstanding-order counters account for
// every dispatched order until it reaches a terminal state.
package venue

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/khill1269/hft-trading-system/pkg/metrics"
)

// OrderPayload is the wire-facing view of an order handed to an adapter.
type OrderPayload struct {
	OrderID   uuid.UUID
	Symbol    string
	Side      string
	Type      string
	Quantity  decimal.Decimal
	Price     decimal.Decimal
	Emergency bool
}

// Fill reports an execution back from a venue.
type Fill struct {
	OrderID   uuid.UUID
	Symbol    string
	Side      string
	Quantity  decimal.Decimal
	Price     decimal.Decimal
	Timestamp time.Time
	Final     bool // true when the order is fully filled at the venue
	FastPath  bool
}

// FillState is a venue's view of an order's progress.
type FillState struct {
	Filled   decimal.Decimal
	AvgPrice decimal.Decimal
	Done     bool
}

// Adapter is the connectivity boundary to one physical venue. Implementations
// may be slow or unavailable; callers bound every call with a context.
type Adapter interface {
	Name() string
	Submit(ctx context.Context, payload OrderPayload) error
	Cancel(ctx context.Context, orderID uuid.UUID) (bool, error)
	Status(ctx context.Context, orderID uuid.UUID) (FillState, error)
	Fills() <-chan Fill
}

// Config bounds one venue.
type Config struct {
	Name            string
	DarkPool        bool
	MaxOrdersPerSec int
	BreakerFailures int
	BreakerTimeout  time.Duration
}

// Venue couples an adapter with the core-side health and throughput state.
type Venue struct {
	cfg     Config
	adapter Adapter
	breaker *Breaker

	outstanding int64

	rateMu      sync.Mutex
	windowStart time.Time
	windowCount int
}

// New wraps an adapter with health tracking and rate accounting.
func New(cfg Config, adapter Adapter, logger *zap.Logger) *Venue {
	return &Venue{
		cfg:     cfg,
		adapter: adapter,
		breaker: NewBreaker(cfg.Name, cfg.BreakerFailures, cfg.BreakerTimeout, logger),
	}
}

// Name returns the venue identifier.
func (v *Venue) Name() string { return v.cfg.Name }

// DarkPool reports whether this venue is dark-pool eligible.
func (v *Venue) DarkPool() bool { return v.cfg.DarkPool }

// Adapter returns the underlying connectivity adapter.
func (v *Venue) Adapter() Adapter { return v.adapter }

// Breaker exposes the health breaker for outcome recording.
func (v *Venue) Breaker() *Breaker { return v.breaker }

// Healthy reports whether the breaker currently allows traffic, moving an
// expired open circuit to half-open. It does not consume the probe slot.
func (v *Venue) Healthy() bool {
	return v.breaker.Available()
}

// AllowDispatch reports whether one more order fits in the current rate
// window, consuming a slot when it does.
func (v *Venue) AllowDispatch() bool {
	if v.cfg.MaxOrdersPerSec <= 0 {
		return true
	}
	v.rateMu.Lock()
	defer v.rateMu.Unlock()
	now := time.Now()
	if now.Sub(v.windowStart) >= time.Second {
		v.windowStart = now
		v.windowCount = 0
	}
	if v.windowCount >= v.cfg.MaxOrdersPerSec {
		return false
	}
	v.windowCount++
	return true
}

// AcquireOutstanding increments the outstanding-order counter on dispatch.
func (v *Venue) AcquireOutstanding() {
	n := atomic.AddInt64(&v.outstanding, 1)
	metrics.VenueOutstanding.WithLabelValues(v.cfg.Name).Set(float64(n))
}

// ReleaseOutstanding decrements the counter when an order reaches a terminal
// state. A negative counter means a release without a matching acquire,
// which is a programmer error severe enough to abort.
func (v *Venue) ReleaseOutstanding() {
	n := atomic.AddInt64(&v.outstanding, -1)
	if n < 0 {
		panic(fmt.Sprintf("venue %s outstanding counter went negative", v.cfg.Name))
	}
	metrics.VenueOutstanding.WithLabelValues(v.cfg.Name).Set(float64(n))
}

// Outstanding returns the current outstanding-order count.
func (v *Venue) Outstanding() int64 {
	return atomic.LoadInt64(&v.outstanding)
}

// Registry is the set of configured venues.
type Registry struct {
	mu     sync.RWMutex
	venues map[string]*Venue
	order  []string // stable iteration order (registration order)
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{venues: make(map[string]*Venue)}
}

// Add registers a venue.
func (r *Registry) Add(v *Venue) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.venues[v.Name()]; !exists {
		r.order = append(r.order, v.Name())
	}
	r.venues[v.Name()] = v
}

// Get returns the venue by name.
func (r *Registry) Get(name string) (*Venue, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.venues[name]
	return v, ok
}

// All returns venues in registration order.
func (r *Registry) All() []*Venue {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Venue, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.venues[name])
	}
	return out
}
