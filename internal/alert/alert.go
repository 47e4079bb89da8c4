// Package alert implements the alerting core: a fixed-capacity rolling alert
// log with breach edge de-duplication, per-category cooldowns and pluggable
// delivery sinks.
package alert

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Severity classifies an alert.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityError
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "INFO"
	case SeverityWarning:
		return "WARNING"
	case SeverityError:
		return "ERROR"
	case SeverityCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// Alert is an immutable record of a threshold breach or notable condition.
type Alert struct {
	ID        uuid.UUID         `json:"id"`
	Timestamp time.Time         `json:"timestamp"`
	Severity  Severity          `json:"severity"`
	Category  string            `json:"category"`
	Symbol    string            `json:"symbol,omitempty"`
	Message   string            `json:"message"`
	Details   map[string]string `json:"details,omitempty"`
}

// Sink receives alerts for external delivery. Delivery is fire-and-forget;
// sink errors never propagate to the caller.
type Sink interface {
	Publish(ctx context.Context, a Alert) error
}

// Config bounds the alert manager.
type Config struct {
	HistorySize int
	Cooldown    time.Duration // minimum gap between one-shot alerts per category
	MaxPerHour  int           // per-category hourly ceiling for one-shot alerts
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{HistorySize: 1024, Cooldown: 30 * time.Second, MaxPerHour: 120}
}

// Manager is the central alert log. Breach-style alerts raised via Raise are
// de-duplicated by (category, symbol) until Clear is called for that pair, so
// a persistently breached limit produces exactly one alert per transition
// edge. One-shot alerts via Emit are rate limited by cooldown and hourly cap.
type Manager struct {
	cfg    Config
	logger *zap.Logger
	sinks  []Sink

	mu         sync.Mutex
	history    []Alert
	active     map[breachKey]Alert
	lastEmit   map[string]time.Time
	hourCounts map[string]*hourWindow

	now func() time.Time
}

type breachKey struct {
	category string
	symbol   string
}

type hourWindow struct {
	start time.Time
	count int
}

// NewManager creates an alert manager delivering to the given sinks.
func NewManager(cfg Config, logger *zap.Logger, sinks ...Sink) *Manager {
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = DefaultConfig().HistorySize
	}
	return &Manager{
		cfg:        cfg,
		logger:     logger,
		sinks:      sinks,
		active:     make(map[breachKey]Alert),
		lastEmit:   make(map[string]time.Time),
		hourCounts: make(map[string]*hourWindow),
		now:        time.Now,
	}
}

// Raise records a breach alert for (category, symbol). Returns the alert and
// true on the breach transition edge; returns false while the breach is
// already active.
func (m *Manager) Raise(category, symbol string, sev Severity, message string, details map[string]string) (Alert, bool) {
	m.mu.Lock()
	key := breachKey{category, symbol}
	if _, exists := m.active[key]; exists {
		m.mu.Unlock()
		return Alert{}, false
	}
	a := m.newAlert(sev, category, symbol, message, details)
	m.active[key] = a
	m.append(a)
	m.mu.Unlock()

	m.deliver(a)
	return a, true
}

// Clear marks the breach for (category, symbol) as resolved so the next
// breach raises a fresh alert. Returns true if a breach was active.
func (m *Manager) Clear(category, symbol string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := breachKey{category, symbol}
	if _, exists := m.active[key]; !exists {
		return false
	}
	delete(m.active, key)
	return true
}

// Emit records a one-shot alert subject to per-category cooldown and hourly
// rate limits. Returns false if the alert was suppressed.
func (m *Manager) Emit(category string, sev Severity, message string, details map[string]string) (Alert, bool) {
	m.mu.Lock()
	now := m.now()

	if last, ok := m.lastEmit[category]; ok && m.cfg.Cooldown > 0 && now.Sub(last) < m.cfg.Cooldown {
		m.mu.Unlock()
		return Alert{}, false
	}
	if m.cfg.MaxPerHour > 0 {
		w := m.hourCounts[category]
		if w == nil || now.Sub(w.start) >= time.Hour {
			w = &hourWindow{start: now}
			m.hourCounts[category] = w
		}
		if w.count >= m.cfg.MaxPerHour {
			m.mu.Unlock()
			return Alert{}, false
		}
		w.count++
	}

	a := m.newAlert(sev, category, "", message, details)
	m.lastEmit[category] = now
	m.append(a)
	m.mu.Unlock()

	m.deliver(a)
	return a, true
}

// Active returns the currently unresolved breach alerts.
func (m *Manager) Active() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Alert, 0, len(m.active))
	for _, a := range m.active {
		out = append(out, a)
	}
	return out
}

// History returns a copy of the rolling alert log, oldest first.
func (m *Manager) History() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Alert, len(m.history))
	copy(out, m.history)
	return out
}

func (m *Manager) newAlert(sev Severity, category, symbol, message string, details map[string]string) Alert {
	return Alert{
		ID:        uuid.New(),
		Timestamp: m.now(),
		Severity:  sev,
		Category:  category,
		Symbol:    symbol,
		Message:   message,
		Details:   details,
	}
}

// append assumes m.mu is held.
func (m *Manager) append(a Alert) {
	m.history = append(m.history, a)
	if len(m.history) > m.cfg.HistorySize {
		m.history = m.history[len(m.history)-m.cfg.HistorySize:]
	}
}

func (m *Manager) deliver(a Alert) {
	fields := []zap.Field{
		zap.String("alert_id", a.ID.String()),
		zap.String("category", a.Category),
		zap.String("severity", a.Severity.String()),
	}
	if a.Symbol != "" {
		fields = append(fields, zap.String("symbol", a.Symbol))
	}
	switch a.Severity {
	case SeverityCritical, SeverityError:
		m.logger.Error(a.Message, fields...)
	case SeverityWarning:
		m.logger.Warn(a.Message, fields...)
	default:
		m.logger.Info(a.Message, fields...)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for _, s := range m.sinks {
		if err := s.Publish(ctx, a); err != nil {
			m.logger.Warn("alert sink publish failed", zap.Error(err))
		}
	}
}
