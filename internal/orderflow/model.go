// Package orderflow implements the central order scheduler: validation,
// risk-gated admission, routing, priority dispatch and the order state
// machine with its append-only audit trail.
package orderflow

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// OrderType is the closed set of supported order types.
type OrderType string

const (
	TypeMarket OrderType = "MARKET"
	TypeLimit  OrderType = "LIMIT"
	TypeIOC    OrderType = "IOC"
	TypeFOK    OrderType = "FOK"
)

// Valid reports whether the order type is one of the supported variants.
func (t OrderType) Valid() bool {
	switch t {
	case TypeMarket, TypeLimit, TypeIOC, TypeFOK:
		return true
	default:
		return false
	}
}

// Side is the order side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Valid reports whether the side is buy or sell.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// Priority is the dispatch priority class. Higher values drain first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
	PriorityUrgent

	numPriorities = 4
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "LOW"
	case PriorityMedium:
		return "MEDIUM"
	case PriorityHigh:
		return "HIGH"
	case PriorityUrgent:
		return "URGENT"
	default:
		return "UNKNOWN"
	}
}

// State is the order lifecycle state.
type State string

const (
	StateCreated         State = "CREATED"
	StateValidated       State = "VALIDATED"
	StateRouted          State = "ROUTED"
	StateExecuting       State = "EXECUTING"
	StatePartiallyFilled State = "PARTIALLY_FILLED"
	StateCompleted       State = "COMPLETED"
	StateCancelled       State = "CANCELLED"
	StateRejected        State = "REJECTED"
	StateError           State = "ERROR"
)

// Terminal reports whether the state is one of the four terminal outcomes.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateCancelled, StateRejected, StateError:
		return true
	default:
		return false
	}
}

// validNext enumerates the legal state machine edges. Partial fills are an
// explicit state rather than bookkeeping on EXECUTING, so tests can assert
// on the full observed path.
var validNext = map[State][]State{
	StateCreated:         {StateValidated, StateRejected, StateError},
	StateValidated:       {StateRouted, StateCancelled, StateRejected, StateError},
	StateRouted:          {StateExecuting, StateCancelled, StateError},
	StateExecuting:       {StatePartiallyFilled, StateCompleted, StateCancelled, StateError},
	StatePartiallyFilled: {StatePartiallyFilled, StateCompleted, StateCancelled, StateError},
}

// ValidTransition reports whether from -> to is a legal edge.
func ValidTransition(from, to State) bool {
	for _, next := range validNext[from] {
		if next == to {
			return true
		}
	}
	return false
}

// OrderFlags carries arbitrary flag bits on an order.
type OrderFlags uint32

const (
	// FlagUrgent requests URGENT dispatch priority.
	FlagUrgent OrderFlags = 1 << iota
	// FlagEmergency marks risk-reduction orders that bypass queuing entirely.
	FlagEmergency
)

// Has reports whether all given bits are set.
func (f OrderFlags) Has(bits OrderFlags) bool { return f&bits == bits }

// Order is a trade request owned by the order flow manager. Monetary fields
// are fixed-point decimals; floats would drift in position accounting.
type Order struct {
	ID             uuid.UUID       `json:"id"`
	Symbol         string          `json:"symbol"`
	Side           Side            `json:"side"`
	Type           OrderType       `json:"type"`
	Quantity       decimal.Decimal `json:"quantity"`
	LimitPrice     decimal.Decimal `json:"limit_price,omitempty"`
	State          State           `json:"state"`
	FilledQuantity decimal.Decimal `json:"filled_quantity"`
	AvgFillPrice   decimal.Decimal `json:"avg_fill_price,omitempty"`
	Flags          OrderFlags      `json:"flags,omitempty"`
	SubmittedAt    time.Time       `json:"submitted_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	Reason         string          `json:"reason,omitempty"`
}

// Route binds an order to a venue and execution parameters. Routes are
// recomputed, never mutated, when re-routing is needed.
type Route struct {
	Venue            string          `json:"venue"`
	Strategy         string          `json:"strategy"`
	Priority         Priority        `json:"priority"`
	MaxParticipation decimal.Decimal `json:"max_participation,omitempty"`
	TimeWindow       time.Duration   `json:"time_window,omitempty"`
	DarkPoolEligible bool            `json:"dark_pool_eligible,omitempty"`
}

// EventType classifies an audit trail entry.
type EventType string

const (
	EventSubmitted       EventType = "SUBMITTED"
	EventValidated       EventType = "VALIDATED"
	EventRouted          EventType = "ROUTED"
	EventRoutedDegraded  EventType = "ROUTED_DEGRADED"
	EventQueued          EventType = "QUEUED"
	EventDispatched      EventType = "DISPATCHED"
	EventFill            EventType = "FILL"
	EventCompleted       EventType = "COMPLETED"
	EventCancelRequested EventType = "CANCEL_REQUESTED"
	EventCancelled       EventType = "CANCELLED"
	EventRejected        EventType = "REJECTED"
	EventError           EventType = "ERROR"
)

// Event is an append-only audit record. Events for one order are strictly
// increasing in timestamp and never deleted.
type Event struct {
	Timestamp time.Time `json:"timestamp"`
	Type      EventType `json:"type"`
	OrderID   uuid.UUID `json:"order_id"`
	Details   string    `json:"details,omitempty"`
	From      State     `json:"from,omitempty"`
	To        State     `json:"to,omitempty"`
}

// Snapshot is the queryable view of an order returned by Status.
type Snapshot struct {
	Order  Order   `json:"order"`
	Route  *Route  `json:"route,omitempty"`
	Events []Event `json:"events"`
}
