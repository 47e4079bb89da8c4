// Package risk owns positions and portfolio risk: it gates every order
// pre-trade, recomputes portfolio metrics on a fixed cadence, watches margin
// utilization and autonomously de-risks the book when limits are breached.
package risk

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/khill1269/hft-trading-system/internal/alert"
	"github.com/khill1269/hft-trading-system/internal/marketdata"
	"github.com/khill1269/hft-trading-system/internal/orderflow"
	"github.com/khill1269/hft-trading-system/internal/venue"
	"github.com/khill1269/hft-trading-system/pkg/metrics"
)

// MarginLevel classifies margin utilization.
type MarginLevel int

const (
	MarginLow MarginLevel = iota
	MarginMedium
	MarginHigh
	MarginCritical
)

func (l MarginLevel) String() string {
	switch l {
	case MarginLow:
		return "LOW"
	case MarginMedium:
		return "MEDIUM"
	case MarginHigh:
		return "HIGH"
	case MarginCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// PositionLimit overrides the default per-symbol limits.
type PositionLimit struct {
	MaxPositionSize decimal.Decimal
	MaxNotional     decimal.Decimal
	MaxDailyTrades  int
	MaxDailyVolume  decimal.Decimal
}

// Config bounds the risk manager.
type Config struct {
	MonitorInterval       time.Duration
	MarginInterval        time.Duration
	StaleMetricsMax       time.Duration
	InitialCapital        decimal.Decimal
	MaxPositionSize       decimal.Decimal
	MaxNotional           decimal.Decimal
	MaxLeverage           decimal.Decimal
	MaxVaR                decimal.Decimal
	MaxVolatility         float64
	MaxConcentration      decimal.Decimal
	MaxCorrelation        float64
	MaxDailyTrades        int
	MaxDailyVolume        decimal.Decimal
	ReturnWindow          int
	InitialMarginRate     decimal.Decimal
	MaintenanceMarginRate decimal.Decimal
	ReductionFraction     decimal.Decimal // share of the largest position trimmed on a risk breach
	MarginMedium          decimal.Decimal
	MarginHigh            decimal.Decimal
	MarginCritical        decimal.Decimal
	MarginTargetCeiling   decimal.Decimal
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MonitorInterval:       time.Second,
		MarginInterval:        5 * time.Second,
		StaleMetricsMax:       10 * time.Second,
		InitialCapital:        decimal.NewFromInt(1_000_000),
		MaxPositionSize:       decimal.NewFromInt(10_000),
		MaxNotional:           decimal.NewFromInt(1_000_000),
		MaxLeverage:           decimal.NewFromInt(4),
		MaxVaR:                decimal.NewFromInt(50_000),
		MaxVolatility:         0.05,
		MaxConcentration:      decimal.RequireFromString("0.25"),
		MaxCorrelation:        0.8,
		MaxDailyTrades:        10_000,
		MaxDailyVolume:        decimal.NewFromInt(1_000_000),
		ReturnWindow:          256,
		InitialMarginRate:     decimal.RequireFromString("0.25"),
		MaintenanceMarginRate: decimal.RequireFromString("0.15"),
		ReductionFraction:     decimal.RequireFromString("0.5"),
		MarginMedium:          decimal.RequireFromString("0.40"),
		MarginHigh:            decimal.RequireFromString("0.60"),
		MarginCritical:        decimal.RequireFromString("0.80"),
		MarginTargetCeiling:   decimal.RequireFromString("0.50"),
	}
}

// OrderSubmitter is the slice of the order flow manager the risk manager
// needs to place reduction orders.
type OrderSubmitter interface {
	Submit(ctx context.Context, req orderflow.SubmitRequest) (uuid.UUID, error)
}

// Manager is the risk manager.
type Manager struct {
	cfg    Config
	logger *zap.Logger
	alerts *alert.Manager
	md     marketdata.Provider

	mu           sync.Mutex
	positions    map[string]*Position
	limits       map[string]PositionLimit
	stopLevels   map[string]decimal.Decimal
	dailyTrades  map[string]int
	dailyVolume  map[string]decimal.Decimal
	dailyDay     int // UTC year-day of the counters
	returns      map[string]*returnSeries
	current      Metrics
	history      []Metrics
	lastComputed time.Time
	marginLevel  MarginLevel

	submitter OrderSubmitter // set after construction to break the wiring cycle

	quit chan struct{}
	wg   sync.WaitGroup
}

// NewManager creates a risk manager.
func NewManager(cfg Config, logger *zap.Logger, alerts *alert.Manager, md marketdata.Provider) *Manager {
	if cfg.ReturnWindow <= 0 {
		cfg.ReturnWindow = DefaultConfig().ReturnWindow
	}
	return &Manager{
		cfg:         cfg,
		logger:      logger,
		alerts:      alerts,
		md:          md,
		positions:   make(map[string]*Position),
		limits:      make(map[string]PositionLimit),
		stopLevels:  make(map[string]decimal.Decimal),
		dailyTrades: make(map[string]int),
		dailyVolume: make(map[string]decimal.Decimal),
		dailyDay:    time.Now().UTC().YearDay(),
		returns:     make(map[string]*returnSeries),
		quit:        make(chan struct{}),
	}
}

// SetOrderSubmitter wires the order flow manager for reduction orders. Must
// be called before Start.
func (m *Manager) SetOrderSubmitter(s OrderSubmitter) { m.submitter = s }

// Start launches the risk and margin monitoring loops.
func (m *Manager) Start(ctx context.Context) {
	m.wg.Add(2)
	go m.loop(ctx, m.cfg.MonitorInterval, time.Second, m.monitorCycle)
	go m.loop(ctx, m.cfg.MarginInterval, 5*time.Second, m.marginCycle)
}

// Stop terminates the monitoring loops.
func (m *Manager) Stop() {
	close(m.quit)
	m.wg.Wait()
}

func (m *Manager) loop(ctx context.Context, interval, fallback time.Duration, cycle func()) {
	defer m.wg.Done()
	if interval <= 0 {
		interval = fallback
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			cycle()
		case <-ctx.Done():
			return
		case <-m.quit:
			return
		}
	}
}

// CheckOrderRisk is the pre-trade admission gate. It reads a consistent
// snapshot under the position lock and never triggers recomputation; the
// monitor loop keeps the metrics it consults fresh.
func (m *Manager) CheckOrderRisk(symbol string, side orderflow.Side, quantity, price decimal.Decimal) (bool, string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	limit := m.limitFor(symbol)

	current := decimal.Zero
	if p, ok := m.positions[symbol]; ok {
		current = p.Quantity
	}
	signed := quantity
	if side == orderflow.SideSell {
		signed = quantity.Neg()
	}
	resulting := current.Add(signed)
	increasing := resulting.Abs().GreaterThan(current.Abs())

	if resulting.Abs().GreaterThan(limit.MaxPositionSize) {
		return false, fmt.Sprintf("position size %s exceeds limit %s", resulting.Abs(), limit.MaxPositionSize)
	}

	notional := resulting.Abs().Mul(price)
	if notional.GreaterThan(limit.MaxNotional) {
		return false, fmt.Sprintf("notional %s exceeds limit %s", notional, limit.MaxNotional)
	}

	if limit.MaxDailyTrades > 0 && m.dailyTrades[symbol] >= limit.MaxDailyTrades {
		return false, "daily trade count limit reached"
	}
	if limit.MaxDailyVolume.IsPositive() {
		if m.dailyVolume[symbol].Add(quantity).GreaterThan(limit.MaxDailyVolume) {
			return false, "daily volume limit reached"
		}
	}

	// Leverage: gross notional after the trade against current equity.
	gross := notional
	for sym, p := range m.positions {
		if sym == symbol {
			continue
		}
		gross = gross.Add(p.Notional())
	}
	equity := m.equityLocked()
	if equity.IsPositive() && m.cfg.MaxLeverage.IsPositive() {
		if gross.GreaterThan(equity.Mul(m.cfg.MaxLeverage)) {
			return false, fmt.Sprintf("leverage would exceed %sx", m.cfg.MaxLeverage)
		}
	}

	// VaR gate uses the latest committed snapshot; a book already past its
	// VaR budget admits no risk-increasing orders.
	if increasing && m.cfg.MaxVaR.IsPositive() && m.current.VaR95.GreaterThan(m.cfg.MaxVaR) {
		return false, "portfolio VaR limit breached"
	}

	if m.cfg.MaxConcentration.IsPositive() && increasing {
		total := notional
		for sym, p := range m.positions {
			if sym == symbol {
				continue
			}
			total = total.Add(p.Notional())
		}
		if total.IsPositive() {
			conc := notional.Div(total)
			if conc.GreaterThan(m.cfg.MaxConcentration) {
				return false, fmt.Sprintf("concentration %s exceeds limit %s", conc.Round(4), m.cfg.MaxConcentration)
			}
		}
	}

	if increasing && m.cfg.MaxCorrelation > 0 {
		for other, c := range m.current.Correlations[symbol] {
			p, held := m.positions[other]
			if held && !p.Quantity.IsZero() && c > m.cfg.MaxCorrelation {
				return false, fmt.Sprintf("correlation with %s is %.2f, above limit %.2f", other, c, m.cfg.MaxCorrelation)
			}
		}
	}

	return true, ""
}

// ApplyFill updates the position book from a confirmed fill. Registered as a
// fill observer on the order flow manager.
func (m *Manager) ApplyFill(f venue.Fill) {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.positions[f.Symbol]
	if !ok {
		p = &Position{Symbol: f.Symbol}
		m.positions[f.Symbol] = p
	}
	p.applyFill(f.Side, f.Quantity, f.Price, now)
	p.setMargins(m.cfg.InitialMarginRate, m.cfg.MaintenanceMarginRate)

	m.dailyTrades[f.Symbol]++
	m.dailyVolume[f.Symbol] = m.dailyVolume[f.Symbol].Add(f.Quantity)

	if rs, ok := m.returns[f.Symbol]; ok {
		rs.observe(f.Price)
	} else {
		rs = newReturnSeries(m.cfg.ReturnWindow)
		rs.observe(f.Price)
		m.returns[f.Symbol] = rs
	}

	m.logger.Debug("position updated",
		zap.String("symbol", f.Symbol),
		zap.String("quantity", p.Quantity.String()),
		zap.String("avg_cost", p.AvgCost.String()))
}

// SetPositionLimit overrides the default limits for one symbol.
func (m *Manager) SetPositionLimit(symbol string, limit PositionLimit) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.limits[symbol] = limit
}

// SetStopLoss arms a stop level for a symbol; the monitor loop closes the
// position when it trades through.
func (m *Manager) SetStopLoss(symbol string, level decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopLevels[symbol] = level
}

// Positions returns a copy of the position book.
func (m *Manager) Positions() []Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Position, 0, len(m.positions))
	for _, p := range m.positions {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// CurrentMetrics returns the latest committed risk snapshot.
func (m *Manager) CurrentMetrics() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// MetricsHistory returns retained prior snapshots, oldest first.
func (m *Manager) MetricsHistory() []Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Metrics, len(m.history))
	copy(out, m.history)
	return out
}

// MonitorCycle runs one risk monitoring pass. Exposed so tests can drive
// logical time instead of waiting on the ticker.
func (m *Manager) MonitorCycle() { m.monitorCycle() }

// MarginCycle runs one margin monitoring pass.
func (m *Manager) MarginCycle() { m.marginCycle() }

func (m *Manager) monitorCycle() {
	defer func() {
		// A failed computation must never take the monitor down; the previous
		// snapshot stays authoritative until the next successful cycle.
		if r := recover(); r != nil {
			m.logger.Error("risk metric computation failed", zap.Any("panic", r))
			m.checkStaleness()
		}
	}()

	now := time.Now()
	m.mu.Lock()
	m.resetDailyIfNeeded(now)
	m.markPositionsLocked(now)

	posCopy := make(map[string]Position, len(m.positions))
	for sym, p := range m.positions {
		posCopy[sym] = *p
	}
	retCopy := make(map[string][]float64, len(m.returns))
	for sym, rs := range m.returns {
		c := make([]float64, len(rs.returns))
		copy(c, rs.returns)
		retCopy[sym] = c
	}
	m.mu.Unlock()

	computed := computeMetrics(posCopy, retCopy, now)

	m.mu.Lock()
	if !m.current.Timestamp.IsZero() {
		m.history = append(m.history, m.current)
		if len(m.history) > 1024 {
			m.history = m.history[len(m.history)-1024:]
		}
	}
	m.current = computed
	m.lastComputed = now
	m.mu.Unlock()

	m.alerts.Clear("risk_metrics_stale", "")
	m.checkLimits(computed)
	m.checkStopLosses()
}

func (m *Manager) markPositionsLocked(now time.Time) {
	for sym, p := range m.positions {
		price, ok := m.md.LastPrice(sym)
		if !ok {
			continue
		}
		p.mark(price, now)
		p.setMargins(m.cfg.InitialMarginRate, m.cfg.MaintenanceMarginRate)
		rs, ok := m.returns[sym]
		if !ok {
			rs = newReturnSeries(m.cfg.ReturnWindow)
			m.returns[sym] = rs
		}
		rs.observe(price)
	}
}

func (m *Manager) checkStaleness() {
	m.mu.Lock()
	last := m.lastComputed
	m.mu.Unlock()
	if m.cfg.StaleMetricsMax > 0 && !last.IsZero() && time.Since(last) > m.cfg.StaleMetricsMax {
		// Absence of fresh risk data is itself a risk condition.
		m.alerts.Raise("risk_metrics_stale", "", alert.SeverityCritical,
			"risk metrics stale beyond configured bound",
			map[string]string{"last_computed": last.Format(time.RFC3339Nano)})
	}
}

func (m *Manager) checkLimits(computed Metrics) {
	if m.cfg.MaxVaR.IsPositive() && computed.VaR95.GreaterThan(m.cfg.MaxVaR) {
		if _, edge := m.alerts.Raise("var_limit", "", alert.SeverityCritical,
			"portfolio VaR above limit",
			map[string]string{"var_95": computed.VaR95.String(), "limit": m.cfg.MaxVaR.String()}); edge {
			metrics.RiskBreaches.WithLabelValues("var").Inc()
			m.reduceLargest("var")
		}
	} else {
		m.alerts.Clear("var_limit", "")
	}

	if m.cfg.MaxVolatility > 0 && computed.Volatility > m.cfg.MaxVolatility {
		if _, edge := m.alerts.Raise("volatility_limit", "", alert.SeverityCritical,
			"portfolio volatility above limit",
			map[string]string{"volatility": fmt.Sprintf("%.6f", computed.Volatility)}); edge {
			metrics.RiskBreaches.WithLabelValues("volatility").Inc()
			m.reduceLargest("volatility")
		}
	} else {
		m.alerts.Clear("volatility_limit", "")
	}

	for sym, conc := range computed.Concentration {
		if m.cfg.MaxConcentration.IsPositive() && conc.GreaterThan(m.cfg.MaxConcentration) {
			if _, edge := m.alerts.Raise("concentration_limit", sym, alert.SeverityWarning,
				"symbol concentration above limit",
				map[string]string{"concentration": conc.Round(4).String()}); edge {
				metrics.RiskBreaches.WithLabelValues("concentration").Inc()
			}
		} else {
			m.alerts.Clear("concentration_limit", sym)
		}
	}
}

func (m *Manager) checkStopLosses() {
	type triggered struct {
		symbol string
		qty    decimal.Decimal
		side   orderflow.Side
		price  decimal.Decimal
		level  decimal.Decimal
	}
	var hits []triggered

	m.mu.Lock()
	for sym, level := range m.stopLevels {
		p, ok := m.positions[sym]
		if !ok || p.Quantity.IsZero() {
			continue
		}
		price, ok := m.md.LastPrice(sym)
		if !ok {
			continue
		}
		long := p.Quantity.IsPositive()
		if (long && price.LessThanOrEqual(level)) || (!long && price.GreaterThanOrEqual(level)) {
			side := orderflow.SideSell
			if !long {
				side = orderflow.SideBuy
			}
			hits = append(hits, triggered{symbol: sym, qty: p.Quantity.Abs(), side: side, price: price, level: level})
			delete(m.stopLevels, sym)
		}
	}
	m.mu.Unlock()

	for _, h := range hits {
		m.alerts.Emit("stop_loss", alert.SeverityWarning, "stop loss triggered",
			map[string]string{"symbol": h.symbol, "price": h.price.String(), "level": h.level.String()})
		m.submitReduction(h.symbol, h.side, h.qty, "stop_loss")
	}
}

// reduceLargest trims the largest position by market value. Called on the
// breach transition edge only, so a persistent breach does not spray
// reduction orders every cycle.
func (m *Manager) reduceLargest(trigger string) {
	m.mu.Lock()
	var largest *Position
	for _, p := range m.positions {
		if p.Quantity.IsZero() {
			continue
		}
		if largest == nil || p.Notional().GreaterThan(largest.Notional()) ||
			(p.Notional().Equal(largest.Notional()) && p.Symbol < largest.Symbol) {
			largest = p
		}
	}
	if largest == nil {
		m.mu.Unlock()
		return
	}
	qty := largest.Quantity.Abs().Mul(m.cfg.ReductionFraction)
	side := orderflow.SideSell
	if largest.Quantity.IsNegative() {
		side = orderflow.SideBuy
	}
	symbol := largest.Symbol
	m.mu.Unlock()

	if !qty.IsPositive() {
		return
	}
	m.submitReduction(symbol, side, qty, trigger)
}

func (m *Manager) marginCycle() {
	m.mu.Lock()
	marginUsed := decimal.Zero
	for _, p := range m.positions {
		marginUsed = marginUsed.Add(p.InitialMargin)
	}
	equity := m.equityLocked()
	prevLevel := m.marginLevel

	utilization := decimal.Zero
	if equity.IsPositive() {
		utilization = marginUsed.Div(equity)
	}
	level := m.classifyMargin(utilization)
	m.marginLevel = level

	// Plan the emergency reduction inside the lock, submit outside.
	type cut struct {
		symbol string
		side   orderflow.Side
		qty    decimal.Decimal
	}
	var cuts []cut
	if level == MarginCritical {
		target := equity.Mul(m.cfg.MarginTargetCeiling)
		excess := marginUsed.Sub(target)
		ordered := make([]*Position, 0, len(m.positions))
		for _, p := range m.positions {
			if !p.Quantity.IsZero() {
				ordered = append(ordered, p)
			}
		}
		sort.Slice(ordered, func(i, j int) bool {
			ni, nj := ordered[i].Notional(), ordered[j].Notional()
			if !ni.Equal(nj) {
				return ni.GreaterThan(nj)
			}
			return ordered[i].Symbol < ordered[j].Symbol
		})
		for _, p := range ordered {
			if !excess.IsPositive() {
				break
			}
			side := orderflow.SideSell
			if p.Quantity.IsNegative() {
				side = orderflow.SideBuy
			}
			if p.InitialMargin.LessThanOrEqual(excess) {
				cuts = append(cuts, cut{symbol: p.Symbol, side: side, qty: p.Quantity.Abs()})
				excess = excess.Sub(p.InitialMargin)
			} else {
				fraction := excess.Div(p.InitialMargin)
				cuts = append(cuts, cut{symbol: p.Symbol, side: side, qty: p.Quantity.Abs().Mul(fraction)})
				excess = decimal.Zero
			}
		}
	}
	m.mu.Unlock()

	switch {
	case level == MarginCritical:
		if _, edge := m.alerts.Raise("margin_critical", "", alert.SeverityCritical,
			"margin utilization critical, reducing positions",
			map[string]string{"utilization": utilization.Round(4).String()}); edge {
			metrics.RiskBreaches.WithLabelValues("margin").Inc()
		}
		for _, c := range cuts {
			m.submitReduction(c.symbol, c.side, c.qty, "margin")
		}
	case level >= MarginHigh:
		m.alerts.Clear("margin_critical", "")
		m.alerts.Raise("margin_high", "", alert.SeverityWarning,
			"margin utilization high",
			map[string]string{"utilization": utilization.Round(4).String()})
	default:
		m.alerts.Clear("margin_critical", "")
		m.alerts.Clear("margin_high", "")
	}

	if level != prevLevel {
		m.logger.Info("margin utilization level changed",
			zap.String("from", prevLevel.String()),
			zap.String("to", level.String()),
			zap.String("utilization", utilization.Round(4).String()))
	}
}

// MarginLevelNow reports the level computed by the last margin cycle.
func (m *Manager) MarginLevelNow() MarginLevel {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.marginLevel
}

func (m *Manager) classifyMargin(utilization decimal.Decimal) MarginLevel {
	switch {
	case utilization.GreaterThanOrEqual(m.cfg.MarginCritical):
		return MarginCritical
	case utilization.GreaterThanOrEqual(m.cfg.MarginHigh):
		return MarginHigh
	case utilization.GreaterThanOrEqual(m.cfg.MarginMedium):
		return MarginMedium
	default:
		return MarginLow
	}
}

// submitReduction sends an IOC reduction order at URGENT priority with the
// emergency flag, bypassing queuing. A failure here is the worst failure
// mode the system has, and raises its own critical alert.
func (m *Manager) submitReduction(symbol string, side orderflow.Side, qty decimal.Decimal, trigger string) {
	if m.submitter == nil || !qty.IsPositive() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	id, err := m.submitter.Submit(ctx, orderflow.SubmitRequest{
		Symbol:   symbol,
		Side:     side,
		Type:     orderflow.TypeIOC,
		Quantity: qty,
		Flags:    orderflow.FlagUrgent | orderflow.FlagEmergency,
	})
	if err != nil {
		m.alerts.Emit("emergency_action_failed", alert.SeverityCritical,
			"risk reduction order failed",
			map[string]string{"symbol": symbol, "trigger": trigger, "error": err.Error()})
		return
	}
	metrics.ReductionOrders.WithLabelValues(trigger).Inc()
	m.logger.Warn("risk reduction order submitted",
		zap.String("order_id", id.String()),
		zap.String("symbol", symbol),
		zap.String("side", string(side)),
		zap.String("quantity", qty.String()),
		zap.String("trigger", trigger))
}

// equityLocked assumes m.mu is held.
func (m *Manager) equityLocked() decimal.Decimal {
	equity := m.cfg.InitialCapital
	for _, p := range m.positions {
		equity = equity.Add(p.RealizedPnL).Add(p.UnrealizedPnL)
	}
	return equity
}

func (m *Manager) limitFor(symbol string) PositionLimit {
	if l, ok := m.limits[symbol]; ok {
		return l
	}
	return PositionLimit{
		MaxPositionSize: m.cfg.MaxPositionSize,
		MaxNotional:     m.cfg.MaxNotional,
		MaxDailyTrades:  m.cfg.MaxDailyTrades,
		MaxDailyVolume:  m.cfg.MaxDailyVolume,
	}
}

// resetDailyIfNeeded assumes m.mu is held.
func (m *Manager) resetDailyIfNeeded(now time.Time) {
	day := now.UTC().YearDay()
	if day != m.dailyDay {
		m.dailyTrades = make(map[string]int)
		m.dailyVolume = make(map[string]decimal.Decimal)
		m.dailyDay = day
	}
}
