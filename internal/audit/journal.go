// Package audit persists the order event trail and delivered alerts to a
// local sqlite database. Writes are asynchronous: the hot path enqueues into
// a bounded buffer and never blocks on the database.
package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/khill1269/hft-trading-system/internal/alert"
	"github.com/khill1269/hft-trading-system/internal/orderflow"
	"github.com/khill1269/hft-trading-system/pkg/metrics"
)

// OrderEventRow is the persisted form of an order audit event.
type OrderEventRow struct {
	ID        uint      `gorm:"primaryKey;autoIncrement"`
	OrderID   string    `gorm:"index;size:36;not null"`
	Timestamp time.Time `gorm:"index;not null"`
	EventType string    `gorm:"size:32;not null"`
	FromState string    `gorm:"size:32"`
	ToState   string    `gorm:"size:32"`
	Details   string    `gorm:"type:text"`
}

// TableName keeps the table name stable across gorm naming strategy changes.
func (OrderEventRow) TableName() string { return "order_events" }

// AlertRow is the persisted form of a delivered alert.
type AlertRow struct {
	ID        uint      `gorm:"primaryKey;autoIncrement"`
	AlertID   string    `gorm:"index;size:36;not null"`
	Timestamp time.Time `gorm:"index;not null"`
	Severity  string    `gorm:"size:16;not null"`
	Category  string    `gorm:"index;size:64;not null"`
	Symbol    string    `gorm:"size:32"`
	Message   string    `gorm:"type:text"`
}

func (AlertRow) TableName() string { return "alerts" }

// Config bounds the journal.
type Config struct {
	DSN        string
	BufferSize int
}

// Journal is the durable audit store. It implements the order flow manager's
// journal contract and the alert sink contract.
type Journal struct {
	db     *gorm.DB
	logger *zap.Logger

	buf  chan any
	quit chan struct{}
	wg   sync.WaitGroup

	closeOnce sync.Once
}

// Open connects to sqlite, migrates the schema and starts the writer.
func Open(cfg Config, logger *zap.Logger) (*Journal, error) {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 4096
	}
	db, err := gorm.Open(sqlite.Open(cfg.DSN), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&OrderEventRow{}, &AlertRow{}); err != nil {
		return nil, err
	}

	j := &Journal{
		db:     db,
		logger: logger,
		buf:    make(chan any, cfg.BufferSize),
		quit:   make(chan struct{}),
	}
	j.wg.Add(1)
	go j.run()
	return j, nil
}

// RecordEvent enqueues an order event for persistence. Never blocks; records
// are dropped (and counted) when the buffer is full.
func (j *Journal) RecordEvent(ev orderflow.Event) {
	row := OrderEventRow{
		OrderID:   ev.OrderID.String(),
		Timestamp: ev.Timestamp,
		EventType: string(ev.Type),
		FromState: string(ev.From),
		ToState:   string(ev.To),
		Details:   ev.Details,
	}
	j.enqueue(row)
}

// Publish enqueues an alert for persistence, satisfying the alert sink
// contract.
func (j *Journal) Publish(_ context.Context, a alert.Alert) error {
	j.enqueue(AlertRow{
		AlertID:   a.ID.String(),
		Timestamp: a.Timestamp,
		Severity:  a.Severity.String(),
		Category:  a.Category,
		Symbol:    a.Symbol,
		Message:   a.Message,
	})
	return nil
}

func (j *Journal) enqueue(row any) {
	select {
	case j.buf <- row:
	default:
		metrics.AuditDropped.Inc()
		j.logger.Warn("audit buffer full, record dropped")
	}
}

func (j *Journal) run() {
	defer j.wg.Done()
	for {
		select {
		case row := <-j.buf:
			j.write(row)
		case <-j.quit:
			// Drain what is already buffered before shutting down.
			for {
				select {
				case row := <-j.buf:
					j.write(row)
				default:
					return
				}
			}
		}
	}
}

func (j *Journal) write(row any) {
	var err error
	switch r := row.(type) {
	case OrderEventRow:
		err = j.db.Create(&r).Error
	case AlertRow:
		err = j.db.Create(&r).Error
	}
	if err != nil {
		j.logger.Error("audit write failed", zap.Error(err))
	}
}

// EventsForOrder replays the persisted event trail for one order, oldest
// first.
func (j *Journal) EventsForOrder(orderID uuid.UUID) ([]OrderEventRow, error) {
	var rows []OrderEventRow
	err := j.db.
		Where("order_id = ?", orderID.String()).
		Order("timestamp asc").
		Find(&rows).Error
	return rows, err
}

// RecentAlerts returns up to limit persisted alerts, newest first.
func (j *Journal) RecentAlerts(limit int) ([]AlertRow, error) {
	var rows []AlertRow
	err := j.db.
		Order("timestamp desc").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

// Close stops the writer after draining the buffer.
func (j *Journal) Close() {
	j.closeOnce.Do(func() {
		close(j.quit)
		j.wg.Wait()
	})
}
