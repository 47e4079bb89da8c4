package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// OrdersSubmitted counts orders accepted by the order flow manager, by side.
var OrdersSubmitted = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "hft_orders_submitted_total",
		Help: "Total number of orders accepted by the order flow manager",
	},
	[]string{"side"},
)

// OrdersRejected counts orders rejected before validation, by reason class.
var OrdersRejected = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "hft_orders_rejected_total",
		Help: "Total number of orders rejected at admission",
	},
	[]string{"reason"},
)

// OrdersDispatched counts orders handed to the execution engine, by venue.
var OrdersDispatched = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "hft_orders_dispatched_total",
		Help: "Total number of orders dispatched to venues",
	},
	[]string{"venue"},
)

// QueueDepth tracks the number of queued orders per priority class.
var QueueDepth = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "hft_dispatch_queue_depth",
		Help: "Number of orders waiting in each priority queue",
	},
	[]string{"priority"},
)

// VenueOutstanding tracks outstanding (dispatched, non-terminal) orders per venue.
var VenueOutstanding = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "hft_venue_outstanding_orders",
		Help: "Outstanding order count per venue",
	},
	[]string{"venue"},
)

// RiskBreaches counts risk limit breach transitions by category.
var RiskBreaches = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "hft_risk_breaches_total",
		Help: "Total risk limit breach transitions detected by the monitor",
	},
	[]string{"category"},
)

// ReductionOrders counts emergency/risk reduction orders submitted.
var ReductionOrders = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "hft_reduction_orders_total",
		Help: "Total risk reduction orders submitted by the risk manager",
	},
	[]string{"trigger"},
)

// OperationLatency records observed latency per source tag.
var OperationLatency = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "hft_operation_latency_seconds",
		Help:    "Latency distribution of recorded operations by source",
		Buckets: prometheus.ExponentialBuckets(0.000001, 4, 12),
	},
	[]string{"source"},
)

// AuditDropped counts audit records dropped because the journal buffer was full.
var AuditDropped = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "hft_audit_records_dropped_total",
		Help: "Audit records dropped while the journal was unavailable",
	},
)

func init() {
	prometheus.MustRegister(OrdersSubmitted, OrdersRejected, OrdersDispatched)
	prometheus.MustRegister(QueueDepth, VenueOutstanding)
	prometheus.MustRegister(RiskBreaches, ReductionOrders)
	prometheus.MustRegister(OperationLatency, AuditDropped)
}
