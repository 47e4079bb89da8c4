package risk

import (
	"time"

	"github.com/shopspring/decimal"
)

// Position is the per-symbol book, mutated only by the risk manager in
// response to confirmed fills and mark-to-market updates. Flat positions are
// retained with updated timestamps for audit continuity.
type Position struct {
	Symbol            string          `json:"symbol"`
	Quantity          decimal.Decimal `json:"quantity"` // signed
	AvgCost           decimal.Decimal `json:"avg_cost"`
	MarketValue       decimal.Decimal `json:"market_value"`
	UnrealizedPnL     decimal.Decimal `json:"unrealized_pnl"`
	RealizedPnL       decimal.Decimal `json:"realized_pnl"`
	InitialMargin     decimal.Decimal `json:"initial_margin"`
	MaintenanceMargin decimal.Decimal `json:"maintenance_margin"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// Notional returns the absolute market value of the position.
func (p *Position) Notional() decimal.Decimal {
	return p.MarketValue.Abs()
}

// applyFill folds one confirmed execution into the position. Reducing fills
// realize P&L against average cost; flips re-open at the fill price.
func (p *Position) applyFill(side string, qty, price decimal.Decimal, now time.Time) {
	signed := qty
	if side == "SELL" {
		signed = qty.Neg()
	}
	prev := p.Quantity
	next := prev.Add(signed)

	switch {
	case prev.IsZero() || prev.Sign() == signed.Sign():
		// Opening or adding: blend average cost.
		prevNotional := p.AvgCost.Mul(prev.Abs())
		addNotional := price.Mul(qty)
		total := prev.Abs().Add(qty)
		if total.IsPositive() {
			p.AvgCost = prevNotional.Add(addNotional).Div(total)
		}
	case next.IsZero() || next.Sign() == prev.Sign():
		// Reducing (possibly to flat): realize against average cost.
		closed := qty
		if closed.GreaterThan(prev.Abs()) {
			closed = prev.Abs()
		}
		pnl := price.Sub(p.AvgCost).Mul(closed)
		if prev.Sign() < 0 {
			pnl = pnl.Neg()
		}
		p.RealizedPnL = p.RealizedPnL.Add(pnl)
		if next.IsZero() {
			p.AvgCost = decimal.Zero
		}
	default:
		// Flip through zero: realize the closed leg, open the rest at price.
		closed := prev.Abs()
		pnl := price.Sub(p.AvgCost).Mul(closed)
		if prev.Sign() < 0 {
			pnl = pnl.Neg()
		}
		p.RealizedPnL = p.RealizedPnL.Add(pnl)
		p.AvgCost = price
	}

	p.Quantity = next
	p.mark(price, now)
}

// mark revalues the position at the given price.
func (p *Position) mark(price decimal.Decimal, now time.Time) {
	p.MarketValue = p.Quantity.Mul(price)
	if p.Quantity.IsZero() {
		p.UnrealizedPnL = decimal.Zero
	} else {
		p.UnrealizedPnL = price.Sub(p.AvgCost).Mul(p.Quantity)
	}
	p.UpdatedAt = now
}

// setMargins recomputes margin requirements from current notional.
func (p *Position) setMargins(initialRate, maintenanceRate decimal.Decimal) {
	notional := p.Notional()
	p.InitialMargin = notional.Mul(initialRate)
	p.MaintenanceMargin = notional.Mul(maintenanceRate)
}
