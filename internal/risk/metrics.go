package risk

import (
	"math"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// Metrics is a point-in-time portfolio risk snapshot. Each monitoring cycle
// produces a fresh value; prior snapshots are kept as history, never mutated.
type Metrics struct {
	Timestamp     time.Time                     `json:"timestamp"`
	VaR95         decimal.Decimal               `json:"var_95"`
	CVaR95        decimal.Decimal               `json:"cvar_95"`
	Sharpe        float64                       `json:"sharpe"`
	MaxDrawdown   float64                       `json:"max_drawdown"`
	Beta          float64                       `json:"beta"`
	Volatility    float64                       `json:"volatility"`
	Correlations  map[string]map[string]float64 `json:"correlations,omitempty"`
	Concentration map[string]decimal.Decimal    `json:"concentration,omitempty"`
}

// returnSeries keeps a rolling window of log returns per symbol.
type returnSeries struct {
	lastPrice decimal.Decimal
	returns   []float64
	max       int
}

func newReturnSeries(max int) *returnSeries {
	if max <= 0 {
		max = 256
	}
	return &returnSeries{max: max}
}

// observe appends the log return implied by the new price.
func (s *returnSeries) observe(price decimal.Decimal) {
	if !price.IsPositive() {
		return
	}
	if s.lastPrice.IsPositive() && !price.Equal(s.lastPrice) {
		r, _ := price.Div(s.lastPrice).Float64()
		if r > 0 {
			s.returns = append(s.returns, math.Log(r))
			if len(s.returns) > s.max {
				s.returns = s.returns[len(s.returns)-s.max:]
			}
		}
	}
	s.lastPrice = price
}

// computeMetrics builds a full snapshot from copied position and return
// state. Pure: it reads nothing but its arguments.
func computeMetrics(positions map[string]Position, returns map[string][]float64, now time.Time) Metrics {
	m := Metrics{
		Timestamp:     now,
		Correlations:  make(map[string]map[string]float64),
		Concentration: make(map[string]decimal.Decimal),
	}

	symbols := make([]string, 0, len(positions))
	totalNotional := decimal.Zero
	for sym, p := range positions {
		if p.Quantity.IsZero() {
			continue
		}
		symbols = append(symbols, sym)
		totalNotional = totalNotional.Add(p.MarketValue.Abs())
	}
	sort.Strings(symbols)

	if totalNotional.IsZero() {
		return m
	}

	for _, sym := range symbols {
		p := positions[sym]
		m.Concentration[sym] = p.MarketValue.Abs().Div(totalNotional)
	}

	// Portfolio log-return series: per-symbol returns weighted by current
	// notional share, aligned on the shortest series.
	minLen := -1
	weights := make(map[string]float64, len(symbols))
	for _, sym := range symbols {
		rs := returns[sym]
		if len(rs) == 0 {
			continue
		}
		if minLen < 0 || len(rs) < minLen {
			minLen = len(rs)
		}
		w, _ := m.Concentration[sym].Float64()
		weights[sym] = w
	}
	if minLen <= 1 {
		return m
	}

	portfolio := make([]float64, minLen)
	benchmark := make([]float64, minLen)
	for _, sym := range symbols {
		rs := returns[sym]
		if len(rs) < minLen {
			continue
		}
		tail := rs[len(rs)-minLen:]
		w := weights[sym]
		for i, r := range tail {
			portfolio[i] += w * r
			benchmark[i] += r / float64(len(symbols))
		}
	}

	varQ, cvarQ := varCVaR(portfolio, 0.05)
	// Quantile losses scaled to money by current portfolio notional.
	m.VaR95 = totalNotional.Mul(decimal.NewFromFloat(-varQ))
	if m.VaR95.IsNegative() {
		m.VaR95 = decimal.Zero
	}
	m.CVaR95 = totalNotional.Mul(decimal.NewFromFloat(-cvarQ))
	if m.CVaR95.IsNegative() {
		m.CVaR95 = decimal.Zero
	}

	mean, std := meanStd(portfolio)
	m.Volatility = std
	if std > 0 {
		m.Sharpe = mean / std
	}
	m.MaxDrawdown = maxDrawdown(portfolio)
	m.Beta = beta(portfolio, benchmark)

	for i, a := range symbols {
		ra := returns[a]
		if len(ra) < minLen {
			continue
		}
		for j := i + 1; j < len(symbols); j++ {
			b := symbols[j]
			rb := returns[b]
			if len(rb) < minLen {
				continue
			}
			c := pearson(ra[len(ra)-minLen:], rb[len(rb)-minLen:])
			if m.Correlations[a] == nil {
				m.Correlations[a] = make(map[string]float64)
			}
			if m.Correlations[b] == nil {
				m.Correlations[b] = make(map[string]float64)
			}
			m.Correlations[a][b] = c
			m.Correlations[b][a] = c
		}
	}
	return m
}

// varCVaR returns the alpha-quantile of the empirical distribution and the
// mean of the tail at or below it.
func varCVaR(returns []float64, alpha float64) (float64, float64) {
	if len(returns) == 0 {
		return 0, 0
	}
	sorted := make([]float64, len(returns))
	copy(sorted, returns)
	sort.Float64s(sorted)

	idx := int(alpha * float64(len(sorted)))
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	varQ := sorted[idx]

	var tailSum float64
	var tailN int
	for _, r := range sorted {
		if r <= varQ {
			tailSum += r
			tailN++
		}
	}
	cvar := varQ
	if tailN > 0 {
		cvar = tailSum / float64(tailN)
	}
	return varQ, cvar
}

func meanStd(xs []float64) (float64, float64) {
	if len(xs) == 0 {
		return 0, 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	mean := sum / float64(len(xs))
	var variance float64
	for _, x := range xs {
		d := x - mean
		variance += d * d
	}
	variance /= float64(len(xs))
	return mean, math.Sqrt(variance)
}

// maxDrawdown is the largest peak-to-trough decline of the cumulative
// return path.
func maxDrawdown(returns []float64) float64 {
	var cum, peak, maxDD float64
	for _, r := range returns {
		cum += r
		if cum > peak {
			peak = cum
		}
		if dd := peak - cum; dd > maxDD {
			maxDD = dd
		}
	}
	return maxDD
}

func beta(portfolio, benchmark []float64) float64 {
	if len(portfolio) != len(benchmark) || len(portfolio) == 0 {
		return 0
	}
	mp, _ := meanStd(portfolio)
	mb, sb := meanStd(benchmark)
	if sb == 0 {
		return 0
	}
	var cov float64
	for i := range portfolio {
		cov += (portfolio[i] - mp) * (benchmark[i] - mb)
	}
	cov /= float64(len(portfolio))
	return cov / (sb * sb)
}

func pearson(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	ma, sa := meanStd(a)
	mb, sb := meanStd(b)
	if sa == 0 || sb == 0 {
		return 0
	}
	var cov float64
	for i := range a {
		cov += (a[i] - ma) * (b[i] - mb)
	}
	cov /= float64(len(a))
	return cov / (sa * sb)
}
