package optimizer

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/khill1269/hft-trading-system/internal/marketdata"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func snapshot() marketdata.Snapshot {
	return marketdata.Snapshot{
		Symbol:       "AAPL",
		Bid:          d("100.00"),
		Ask:          d("100.04"),
		LastPrice:    d("100.02"),
		RecentVolume: decimal.NewFromInt(10000),
		Volatility:   d("0.02"),
		AvgTradeSize: decimal.NewFromInt(50),
	}
}

func TestAdviseNormalStrategy(t *testing.T) {
	o := New(DefaultConfig())
	advice := o.Advise(snapshot(), Request{
		Symbol:   "AAPL",
		Side:     "BUY",
		Quantity: decimal.NewFromInt(500),
		Strategy: StrategyNormal,
	})

	assert.Equal(t, UrgencyMedium, advice.Urgency)
	assert.Equal(t, "LIMIT", advice.OrderType)
	assert.Equal(t, 5*time.Minute, advice.TimeWindow)
	assert.True(t, advice.ParticipationRate.Equal(d("0.05")), "500 of 10000, got %s", advice.ParticipationRate)
	// Quarter of the 0.04 spread.
	assert.True(t, advice.PriceOffset.Equal(d("0.01")), "got %s", advice.PriceOffset)
	// Capped at twice the average trade size.
	assert.True(t, advice.SliceSize.Equal(decimal.NewFromInt(100)), "got %s", advice.SliceSize)
}

func TestAdviseAggressiveStrategy(t *testing.T) {
	o := New(DefaultConfig())
	advice := o.Advise(snapshot(), Request{
		Symbol:   "AAPL",
		Side:     "BUY",
		Quantity: decimal.NewFromInt(200),
		Strategy: StrategyAggressive,
	})

	assert.Equal(t, UrgencyHigh, advice.Urgency)
	assert.Equal(t, "MARKET", advice.OrderType)
	assert.True(t, advice.SliceSize.Equal(decimal.NewFromInt(200)), "high urgency works the full quantity")
	assert.True(t, advice.PriceOffset.Equal(d("0.04")), "crosses the whole spread")
	assert.Equal(t, 30*time.Second, advice.TimeWindow)
}

func TestParticipationProtectionOverridesAggression(t *testing.T) {
	o := New(DefaultConfig())
	// 5000 of 10000 recent volume is 50%, double the allowed participation.
	advice := o.Advise(snapshot(), Request{
		Symbol:   "AAPL",
		Side:     "SELL",
		Quantity: decimal.NewFromInt(5000),
		Strategy: StrategyAggressive,
	})

	assert.Equal(t, UrgencyLow, advice.Urgency, "oversized intent is forced to work slowly")
	assert.Equal(t, "IOC", advice.OrderType, "aggressive intent still crosses for available liquidity")
	assert.Equal(t, 30*time.Minute, advice.TimeWindow)
	assert.True(t, advice.SliceSize.Equal(decimal.NewFromInt(100)), "sliced down, got %s", advice.SliceSize)
}

func TestAdvisePassiveStrategy(t *testing.T) {
	o := New(DefaultConfig())
	advice := o.Advise(snapshot(), Request{
		Symbol:   "AAPL",
		Side:     "BUY",
		Quantity: decimal.NewFromInt(100),
		Strategy: StrategyPassive,
	})

	assert.Equal(t, UrgencyLow, advice.Urgency)
	assert.Equal(t, "LIMIT", advice.OrderType)
	assert.True(t, advice.PriceOffset.IsZero(), "passive joins the touch")
}

func TestSliceBounds(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinTradeSize = decimal.NewFromInt(10)
	o := New(cfg)

	md := snapshot()
	md.AvgTradeSize = decimal.NewFromInt(2) // cap of 4 is below the minimum

	advice := o.Advise(md, Request{Quantity: decimal.NewFromInt(100), Strategy: StrategyNormal})
	assert.True(t, advice.SliceSize.Equal(decimal.NewFromInt(10)), "minimum trade size wins, got %s", advice.SliceSize)

	advice = o.Advise(md, Request{Quantity: decimal.NewFromInt(5), Strategy: StrategyNormal})
	assert.True(t, advice.SliceSize.Equal(decimal.NewFromInt(5)), "never above the parent quantity, got %s", advice.SliceSize)
}

func TestImpactEstimates(t *testing.T) {
	o := New(DefaultConfig())
	advice := o.Advise(snapshot(), Request{
		Quantity: decimal.NewFromInt(1000),
		Strategy: StrategyNormal,
	})

	// participation 0.1: permanent = 0.1*0.1*0.02, temporary = 0.5*0.1*0.04.
	assert.True(t, advice.PermanentImpact.Equal(d("0.0002")), "got %s", advice.PermanentImpact)
	assert.True(t, advice.TemporaryImpact.Equal(d("0.002")), "got %s", advice.TemporaryImpact)
	assert.True(t, advice.ExpectedImpact.Equal(d("0.0022")), "got %s", advice.ExpectedImpact)
}

func TestOneSidedBookHasNoOffset(t *testing.T) {
	o := New(DefaultConfig())
	md := snapshot()
	md.Bid = decimal.Zero

	advice := o.Advise(md, Request{Quantity: decimal.NewFromInt(100), Strategy: StrategyNormal})
	assert.True(t, advice.PriceOffset.IsZero())
	assert.True(t, advice.TemporaryImpact.IsZero(), "no spread, no temporary impact")
}
