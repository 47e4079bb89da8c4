package risk

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVarCVaR(t *testing.T) {
	returns := []float64{
		-0.05, -0.04, -0.03, -0.02, -0.01,
		0.00, 0.01, 0.02, 0.03, 0.04,
		0.05, 0.06, 0.07, 0.08, 0.09,
		0.10, 0.11, 0.12, 0.13, 0.14,
	}
	varQ, cvar := varCVaR(returns, 0.05)
	assert.InDelta(t, -0.04, varQ, 1e-12)
	assert.InDelta(t, -0.045, cvar, 1e-12, "tail mean of {-0.05, -0.04}")
}

func TestVarCVaREmpty(t *testing.T) {
	varQ, cvar := varCVaR(nil, 0.05)
	assert.Zero(t, varQ)
	assert.Zero(t, cvar)
}

func TestPearson(t *testing.T) {
	a := []float64{0.01, -0.02, 0.03, -0.01, 0.02}
	assert.InDelta(t, 1.0, pearson(a, a), 1e-9)

	inv := make([]float64, len(a))
	for i, x := range a {
		inv[i] = -x
	}
	assert.InDelta(t, -1.0, pearson(a, inv), 1e-9)

	flat := []float64{0.01, 0.01, 0.01, 0.01, 0.01}
	assert.Zero(t, pearson(a, flat), "zero variance yields zero correlation")
}

func TestMaxDrawdown(t *testing.T) {
	assert.InDelta(t, 0.10, maxDrawdown([]float64{0.10, -0.05, -0.05, 0.20}), 1e-12)
	assert.Zero(t, maxDrawdown([]float64{0.01, 0.02, 0.03}))
	assert.Zero(t, maxDrawdown(nil))
}

func TestReturnSeriesRollingWindow(t *testing.T) {
	rs := newReturnSeries(3)
	for _, p := range []string{"100", "101", "102", "101", "103", "104"} {
		rs.observe(decimal.RequireFromString(p))
	}
	assert.Len(t, rs.returns, 3, "window evicts oldest returns")

	// Non-positive and unchanged prices contribute nothing.
	n := len(rs.returns)
	rs.observe(decimal.Zero)
	rs.observe(decimal.RequireFromString("104"))
	assert.Len(t, rs.returns, n)
}

func TestComputeMetricsEmptyBook(t *testing.T) {
	m := computeMetrics(map[string]Position{}, map[string][]float64{}, time.Now())
	assert.True(t, m.VaR95.IsZero())
	assert.True(t, m.CVaR95.IsZero())
	assert.Empty(t, m.Concentration)
	assert.Zero(t, m.Volatility)
}

func TestComputeMetricsConcentrationAndCorrelation(t *testing.T) {
	positions := map[string]Position{
		"AAPL": {Symbol: "AAPL", Quantity: d("100"), MarketValue: d("10000")},
		"MSFT": {Symbol: "MSFT", Quantity: d("300"), MarketValue: d("30000")},
	}
	ra := []float64{0.01, -0.02, 0.015, -0.005, 0.02, -0.01, 0.005, -0.015}
	rb := make([]float64, len(ra))
	copy(rb, ra)
	returns := map[string][]float64{"AAPL": ra, "MSFT": rb}

	m := computeMetrics(positions, returns, time.Now())

	require.Contains(t, m.Concentration, "AAPL")
	require.Contains(t, m.Concentration, "MSFT")
	assert.True(t, m.Concentration["AAPL"].Equal(d("0.25")), "got %s", m.Concentration["AAPL"])
	assert.True(t, m.Concentration["MSFT"].Equal(d("0.75")), "got %s", m.Concentration["MSFT"])

	total := decimal.Zero
	for _, c := range m.Concentration {
		total = total.Add(c)
	}
	assert.True(t, total.Equal(decimal.NewFromInt(1)), "concentrations sum to 1")

	require.Contains(t, m.Correlations, "AAPL")
	assert.InDelta(t, 1.0, m.Correlations["AAPL"]["MSFT"], 1e-9)
	assert.InDelta(t, m.Correlations["AAPL"]["MSFT"], m.Correlations["MSFT"]["AAPL"], 1e-12, "symmetric")

	assert.False(t, m.VaR95.IsNegative(), "VaR is reported as a non-negative money amount")
	assert.False(t, m.CVaR95.IsNegative())
	assert.True(t, m.CVaR95.GreaterThanOrEqual(m.VaR95), "CVaR dominates VaR")
	assert.Greater(t, m.Volatility, 0.0)
}

func TestComputeMetricsSkipsFlatPositions(t *testing.T) {
	positions := map[string]Position{
		"AAPL": {Symbol: "AAPL", Quantity: d("100"), MarketValue: d("10000")},
		"FLAT": {Symbol: "FLAT", Quantity: decimal.Zero, MarketValue: decimal.Zero},
	}
	m := computeMetrics(positions, map[string][]float64{}, time.Now())
	assert.Contains(t, m.Concentration, "AAPL")
	assert.NotContains(t, m.Concentration, "FLAT")
}

func TestMetricsJSONRoundTrip(t *testing.T) {
	in := Metrics{
		Timestamp:   time.Now().UTC().Truncate(time.Microsecond),
		VaR95:       decimal.RequireFromString("1234.5678"),
		CVaR95:      decimal.RequireFromString("1500.0001"),
		Sharpe:      1.25,
		MaxDrawdown: 0.10,
		Beta:        0.85,
		Volatility:  0.02,
		Correlations: map[string]map[string]float64{
			"AAPL": {"MSFT": 0.9},
			"MSFT": {"AAPL": 0.9},
		},
		Concentration: map[string]decimal.Decimal{
			"AAPL": decimal.RequireFromString("0.25"),
			"MSFT": decimal.RequireFromString("0.75"),
		},
	}

	data, err := json.Marshal(in)
	require.NoError(t, err)

	var out Metrics
	require.NoError(t, json.Unmarshal(data, &out))

	assert.True(t, out.VaR95.Equal(in.VaR95), "VaR %s", out.VaR95)
	assert.True(t, out.CVaR95.Equal(in.CVaR95))
	assert.Equal(t, in.Sharpe, out.Sharpe)
	assert.Equal(t, in.Correlations, out.Correlations)
	assert.True(t, out.Concentration["AAPL"].Equal(in.Concentration["AAPL"]))
	assert.True(t, out.Concentration["MSFT"].Equal(in.Concentration["MSFT"]))
	assert.True(t, out.Timestamp.Equal(in.Timestamp))
}
