// Package latency implements the latency recorder: per-source rolling sample
// windows, threshold alerting, baseline deviation detection and advisory
// root-cause classification. Nothing in this package sits on the order path;
// Record is a bounded in-memory append and the analysis runs on its own
// ticker.
package latency

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/khill1269/hft-trading-system/internal/alert"
	"github.com/khill1269/hft-trading-system/pkg/metrics"
)

// Source tags where a latency sample was measured.
type Source string

const (
	SourceNetwork    Source = "network"
	SourceProcessing Source = "processing"
	SourceDatabase   Source = "database"
	SourceExchange   Source = "exchange"
	SourceTotal      Source = "total"
)

// Sample is one timing observation.
type Sample struct {
	Timestamp time.Time     `json:"timestamp"`
	Source    Source        `json:"source"`
	Latency   time.Duration `json:"latency"`
	Operation string        `json:"operation"`
	Details   string        `json:"details,omitempty"`
}

// Stats summarizes one source's rolling window.
type Stats struct {
	Source  Source        `json:"source"`
	Count   int           `json:"count"`
	Mean    time.Duration `json:"mean"`
	Median  time.Duration `json:"median"`
	P95     time.Duration `json:"p95"`
	P99     time.Duration `json:"p99"`
	Min     time.Duration `json:"min"`
	Max     time.Duration `json:"max"`
	StdDev  time.Duration `json:"stddev"`
	Updated time.Time     `json:"updated"`
}

// Cause classifies a detected latency degradation.
type Cause string

const (
	CauseNetworkCongestion  Cause = "network_congestion"
	CauseProcessingOverload Cause = "processing_overload"
	CauseResourceContention Cause = "resource_contention"
	CauseExternal           Cause = "external"
)

// Config bounds the recorder.
type Config struct {
	WindowSize         int
	StatsInterval      time.Duration
	BaselineMinSamples int
	MeanDeviationMult  float64
	P99DeviationMult   float64
	AlertCeiling       int
	Thresholds         map[Source]time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		WindowSize:         1000,
		StatsInterval:      5 * time.Second,
		BaselineMinSamples: 100,
		MeanDeviationMult:  1.5,
		P99DeviationMult:   2.0,
		AlertCeiling:       10,
		Thresholds: map[Source]time.Duration{
			SourceNetwork:    time.Millisecond,
			SourceProcessing: 500 * time.Microsecond,
			SourceDatabase:   10 * time.Millisecond,
			SourceExchange:   5 * time.Millisecond,
			SourceTotal:      20 * time.Millisecond,
		},
	}
}

// EscalateFunc is invoked when the threshold-alert rate crosses the
// configured ceiling (degraded=true) and again when it subsides
// (degraded=false). The integrator decides the action; the default wiring
// pauses non-urgent dispatch.
type EscalateFunc func(degraded bool)

type window struct {
	samples []Sample
	next    int
	full    bool
}

// Recorder records latency samples and runs the background analysis cycle.
type Recorder struct {
	cfg    Config
	logger *zap.Logger
	alerts *alert.Manager

	mu          sync.Mutex
	windows     map[Source]*window
	stats       map[Source]Stats
	baseline    map[Source]Stats
	breachCount int
	degraded    bool

	escalate EscalateFunc

	quit chan struct{}
	wg   sync.WaitGroup
}

// NewRecorder creates a latency recorder. escalate may be nil.
func NewRecorder(cfg Config, logger *zap.Logger, alerts *alert.Manager, escalate EscalateFunc) *Recorder {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = DefaultConfig().WindowSize
	}
	return &Recorder{
		cfg:      cfg,
		logger:   logger,
		alerts:   alerts,
		windows:  make(map[Source]*window),
		stats:    make(map[Source]Stats),
		baseline: make(map[Source]Stats),
		escalate: escalate,
		quit:     make(chan struct{}),
	}
}

// Record appends a sample to the source's rolling window, evicting the
// oldest when full, and raises an alert when the source threshold is
// exceeded.
func (r *Recorder) Record(source Source, latency time.Duration, operation, details string) {
	s := Sample{
		Timestamp: time.Now(),
		Source:    source,
		Latency:   latency,
		Operation: operation,
		Details:   details,
	}
	metrics.OperationLatency.WithLabelValues(string(source)).Observe(latency.Seconds())

	var breach bool
	r.mu.Lock()
	w := r.windows[source]
	if w == nil {
		w = &window{samples: make([]Sample, r.cfg.WindowSize)}
		r.windows[source] = w
	}
	w.samples[w.next] = s
	w.next++
	if w.next == len(w.samples) {
		w.next = 0
		w.full = true
	}
	if threshold, ok := r.cfg.Thresholds[source]; ok && threshold > 0 && latency > threshold {
		breach = true
		r.breachCount++
	}
	r.mu.Unlock()

	if breach {
		r.alerts.Emit("latency_threshold", alert.SeverityWarning,
			"latency threshold exceeded",
			map[string]string{
				"source":    string(source),
				"operation": operation,
				"latency":   latency.String(),
			})
	}
}

// Start launches the background stats cycle.
func (r *Recorder) Start(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		interval := r.cfg.StatsInterval
		if interval <= 0 {
			interval = DefaultConfig().StatsInterval
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.cycle()
			case <-ctx.Done():
				return
			case <-r.quit:
				return
			}
		}
	}()
}

// Stop terminates the background cycle and waits for it to exit.
func (r *Recorder) Stop() {
	close(r.quit)
	r.wg.Wait()
}

// Stats returns the latest computed stats per source.
func (r *Recorder) Stats() map[Source]Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[Source]Stats, len(r.stats))
	for k, v := range r.stats {
		out[k] = v
	}
	return out
}

// Baseline returns the baseline snapshot per source, if established.
func (r *Recorder) Baseline() map[Source]Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[Source]Stats, len(r.baseline))
	for k, v := range r.baseline {
		out[k] = v
	}
	return out
}

// cycle recomputes rolling stats, checks baselines and drives escalation.
// Exported for tests via Cycle.
func (r *Recorder) cycle() {
	type deviation struct {
		stats    Stats
		baseline Stats
	}
	var deviations []deviation

	r.mu.Lock()
	for source, w := range r.windows {
		durations := w.collect()
		if len(durations) == 0 {
			continue
		}
		st := computeStats(source, durations)
		r.stats[source] = st

		base, hasBase := r.baseline[source]
		if !hasBase {
			if st.Count >= r.cfg.BaselineMinSamples {
				r.baseline[source] = st
			}
			continue
		}
		meanLimit := time.Duration(float64(base.Mean) * r.cfg.MeanDeviationMult)
		p99Limit := time.Duration(float64(base.P99) * r.cfg.P99DeviationMult)
		if (meanLimit > 0 && st.Mean > meanLimit) || (p99Limit > 0 && st.P99 > p99Limit) {
			deviations = append(deviations, deviation{stats: st, baseline: base})
		}
	}

	breaches := r.breachCount
	r.breachCount = 0
	wasDegraded := r.degraded
	nowDegraded := wasDegraded
	if breaches > r.cfg.AlertCeiling {
		nowDegraded = true
	} else if breaches == 0 {
		nowDegraded = false
	}
	r.degraded = nowDegraded
	r.mu.Unlock()

	for _, d := range deviations {
		cause := classify(d.stats.Source)
		r.logger.Warn("latency deviation from baseline",
			zap.String("source", string(d.stats.Source)),
			zap.Duration("mean", d.stats.Mean),
			zap.Duration("baseline_mean", d.baseline.Mean),
			zap.Duration("p99", d.stats.P99),
			zap.Duration("baseline_p99", d.baseline.P99),
			zap.String("cause", string(cause)))
		r.alerts.Emit("latency_deviation", alert.SeverityWarning,
			"latency deviated from baseline",
			map[string]string{
				"source": string(d.stats.Source),
				"cause":  string(cause),
				"action": advisoryAction(cause),
			})
	}

	if nowDegraded != wasDegraded && r.escalate != nil {
		if nowDegraded {
			r.logger.Error("latency alert rate over ceiling, escalating",
				zap.Int("breaches", breaches),
				zap.Int("ceiling", r.cfg.AlertCeiling))
		} else {
			r.logger.Info("latency alert rate recovered, de-escalating")
		}
		r.escalate(nowDegraded)
	}
}

// Cycle forces one analysis pass. Used by tests instead of waiting on the ticker.
func (r *Recorder) Cycle() { r.cycle() }

func (w *window) collect() []time.Duration {
	n := w.next
	if w.full {
		n = len(w.samples)
	}
	out := make([]time.Duration, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, w.samples[i].Latency)
	}
	return out
}

func computeStats(source Source, durations []time.Duration) Stats {
	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum float64
	for _, d := range sorted {
		sum += float64(d)
	}
	mean := sum / float64(len(sorted))

	var variance float64
	for _, d := range sorted {
		diff := float64(d) - mean
		variance += diff * diff
	}
	variance /= float64(len(sorted))

	return Stats{
		Source:  source,
		Count:   len(sorted),
		Mean:    time.Duration(mean),
		Median:  percentile(sorted, 0.50),
		P95:     percentile(sorted, 0.95),
		P99:     percentile(sorted, 0.99),
		Min:     sorted[0],
		Max:     sorted[len(sorted)-1],
		StdDev:  time.Duration(math.Sqrt(variance)),
		Updated: time.Now(),
	}
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p * float64(len(sorted)-1))
	return sorted[idx]
}

func classify(source Source) Cause {
	switch source {
	case SourceNetwork:
		return CauseNetworkCongestion
	case SourceProcessing:
		return CauseProcessingOverload
	case SourceDatabase:
		return CauseResourceContention
	default:
		return CauseExternal
	}
}

func advisoryAction(c Cause) string {
	switch c {
	case CauseNetworkCongestion:
		return "check venue connectivity and reduce message rate"
	case CauseProcessingOverload:
		return "shed non-urgent work from the dispatch path"
	case CauseResourceContention:
		return "inspect journal backlog and storage throughput"
	default:
		return "monitor external collaborator latency"
	}
}
