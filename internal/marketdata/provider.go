// Package marketdata defines the market-data collaborator boundary. The core
// only ever reads cached values; feed ingestion and book reconstruction live
// outside this repository.
package marketdata

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Snapshot is the per-symbol microstructure view consumed by routing, the
// execution optimizer and risk marking.
type Snapshot struct {
	Symbol       string          `json:"symbol"`
	Bid          decimal.Decimal `json:"bid"`
	Ask          decimal.Decimal `json:"ask"`
	LastPrice    decimal.Decimal `json:"last_price"`
	RecentVolume decimal.Decimal `json:"recent_volume"`
	Volatility   decimal.Decimal `json:"volatility"`
	AvgTradeSize decimal.Decimal `json:"avg_trade_size"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Spread returns the quoted spread, zero when the book is one-sided.
func (s Snapshot) Spread() decimal.Decimal {
	if s.Bid.IsZero() || s.Ask.IsZero() {
		return decimal.Zero
	}
	return s.Ask.Sub(s.Bid)
}

// Mid returns the quote midpoint, falling back to last price.
func (s Snapshot) Mid() decimal.Decimal {
	if s.Bid.IsZero() || s.Ask.IsZero() {
		return s.LastPrice
	}
	return s.Bid.Add(s.Ask).Div(decimal.NewFromInt(2))
}

// Provider exposes cached, non-blocking market data reads.
type Provider interface {
	Snapshot(symbol string) (Snapshot, bool)
	LastPrice(symbol string) (decimal.Decimal, bool)
}

// Cache is an in-memory Provider updated by feed pushes.
type Cache struct {
	mu   sync.RWMutex
	data map[string]Snapshot
}

// NewCache creates an empty market data cache.
func NewCache() *Cache {
	return &Cache{data: make(map[string]Snapshot)}
}

// Update replaces the snapshot for a symbol.
func (c *Cache) Update(s Snapshot) {
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = time.Now()
	}
	c.mu.Lock()
	c.data[s.Symbol] = s
	c.mu.Unlock()
}

// Snapshot returns the cached snapshot for a symbol.
func (c *Cache) Snapshot(symbol string) (Snapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.data[symbol]
	return s, ok
}

// LastPrice returns the cached last trade price for a symbol.
func (c *Cache) LastPrice(symbol string) (decimal.Decimal, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.data[symbol]
	if !ok || s.LastPrice.IsZero() {
		return decimal.Zero, false
	}
	return s.LastPrice, true
}

// Symbols returns the symbols currently cached.
func (c *Cache) Symbols() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.data))
	for sym := range c.data {
		out = append(out, sym)
	}
	return out
}
