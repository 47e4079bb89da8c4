// Package optimizer computes execution advice for a parent trade intent from
// current market microstructure. It is purely advisory and side-effect free;
// the order flow manager consults it before routing, and callers are free to
// ignore the suggestion.
package optimizer

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/khill1269/hft-trading-system/internal/marketdata"
)

// Strategy is the caller's requested execution style.
type Strategy int

const (
	StrategyPassive Strategy = iota
	StrategyNormal
	StrategyAggressive
)

func (s Strategy) String() string {
	switch s {
	case StrategyPassive:
		return "PASSIVE"
	case StrategyNormal:
		return "NORMAL"
	case StrategyAggressive:
		return "AGGRESSIVE"
	default:
		return "UNKNOWN"
	}
}

// Urgency is the optimizer's effective urgency after impact protection.
type Urgency int

const (
	UrgencyLow Urgency = iota
	UrgencyMedium
	UrgencyHigh
)

func (u Urgency) String() string {
	switch u {
	case UrgencyLow:
		return "LOW"
	case UrgencyMedium:
		return "MEDIUM"
	case UrgencyHigh:
		return "HIGH"
	default:
		return "UNKNOWN"
	}
}

// Request describes the parent trade intent.
type Request struct {
	Symbol   string
	Side     string // "BUY" or "SELL"
	Quantity decimal.Decimal
	Strategy Strategy
}

// Advice is the optimizer's suggestion for working the intent.
type Advice struct {
	OrderType         string          // MARKET, LIMIT or IOC
	PriceOffset       decimal.Decimal // offset from best bid (buy) / best ask (sell), toward the far side
	SliceSize         decimal.Decimal
	Urgency           Urgency
	TimeWindow        time.Duration
	ParticipationRate decimal.Decimal
	PermanentImpact   decimal.Decimal
	TemporaryImpact   decimal.Decimal
	ExpectedImpact    decimal.Decimal
}

// Config bounds the optimizer.
type Config struct {
	MinTradeSize         decimal.Decimal
	MaxParticipationRate decimal.Decimal
	PermanentImpactCoeff decimal.Decimal
	TemporaryImpactCoeff decimal.Decimal
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MinTradeSize:         decimal.NewFromInt(1),
		MaxParticipationRate: decimal.RequireFromString("0.25"),
		PermanentImpactCoeff: decimal.RequireFromString("0.1"),
		TemporaryImpactCoeff: decimal.RequireFromString("0.5"),
	}
}

// Optimizer is stateless; one instance serves all symbols.
type Optimizer struct {
	cfg Config
}

// New creates an optimizer.
func New(cfg Config) *Optimizer {
	return &Optimizer{cfg: cfg}
}

var two = decimal.NewFromInt(2)

// Advise computes execution advice from the snapshot and request.
func (o *Optimizer) Advise(md marketdata.Snapshot, req Request) Advice {
	participation := decimal.Zero
	if md.RecentVolume.IsPositive() {
		participation = req.Quantity.Div(md.RecentVolume)
	}

	urgency := urgencyFor(req.Strategy)
	// An intent larger than the allowed participation rate is forced to work
	// slowly regardless of what the caller asked for; anything else would be
	// self-inflicted market impact.
	if o.cfg.MaxParticipationRate.IsPositive() && participation.GreaterThan(o.cfg.MaxParticipationRate) {
		urgency = UrgencyLow
	}

	slice := o.sliceSize(md, req.Quantity, urgency)
	spread := md.Spread()

	permanent := o.cfg.PermanentImpactCoeff.Mul(participation).Mul(md.Volatility)
	temporary := o.cfg.TemporaryImpactCoeff.Mul(participation).Mul(spread)

	return Advice{
		OrderType:         orderTypeFor(req.Strategy, urgency),
		PriceOffset:       priceOffset(req.Strategy, urgency, spread),
		SliceSize:         slice,
		Urgency:           urgency,
		TimeWindow:        timeWindow(urgency),
		ParticipationRate: participation,
		PermanentImpact:   permanent,
		TemporaryImpact:   temporary,
		ExpectedImpact:    permanent.Add(temporary),
	}
}

// sliceSize bounds the child order size: at least the minimum trade size, at
// most the lesser of twice the average trade size and the full quantity.
// High urgency suggests the full quantity.
func (o *Optimizer) sliceSize(md marketdata.Snapshot, qty decimal.Decimal, urgency Urgency) decimal.Decimal {
	if urgency == UrgencyHigh {
		return qty
	}
	slice := qty
	if md.AvgTradeSize.IsPositive() {
		cap := md.AvgTradeSize.Mul(two)
		if cap.LessThan(slice) {
			slice = cap
		}
	}
	if slice.LessThan(o.cfg.MinTradeSize) {
		slice = o.cfg.MinTradeSize
	}
	if slice.GreaterThan(qty) {
		slice = qty
	}
	return slice
}

func urgencyFor(s Strategy) Urgency {
	switch s {
	case StrategyAggressive:
		return UrgencyHigh
	case StrategyPassive:
		return UrgencyLow
	default:
		return UrgencyMedium
	}
}

func orderTypeFor(s Strategy, u Urgency) string {
	if u == UrgencyHigh {
		return "MARKET"
	}
	if s == StrategyAggressive {
		// Aggressive intent throttled by participation protection still
		// crosses, but only for what is immediately available.
		return "IOC"
	}
	return "LIMIT"
}

// priceOffset is measured from the near touch toward the far side: zero joins
// the touch, half a spread crosses the midpoint.
func priceOffset(s Strategy, u Urgency, spread decimal.Decimal) decimal.Decimal {
	if spread.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero
	}
	switch {
	case u == UrgencyHigh:
		return spread
	case s == StrategyNormal:
		return spread.Div(decimal.NewFromInt(4))
	default:
		return decimal.Zero
	}
}

func timeWindow(u Urgency) time.Duration {
	switch u {
	case UrgencyHigh:
		return 30 * time.Second
	case UrgencyMedium:
		return 5 * time.Minute
	default:
		return 30 * time.Minute
	}
}
