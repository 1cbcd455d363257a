package orders

import (
	"slices"
	"time"

	"fulfillment/internal/saga"
)

// Status is the lifecycle status of an order.
type Status string

const (
	StatusCreating     Status = "CREATING"
	StatusCreated      Status = "CREATED"
	StatusApproving    Status = "APPROVING"
	StatusApproved     Status = "APPROVED"
	StatusInsufficient Status = "INSUFFICIENT"
	StatusReleasing    Status = "RELEASING"
	StatusReleased     Status = "RELEASED"
	StatusCancelling   Status = "CANCELLING"
	StatusCancelled    Status = "CANCELLED"
)

// Terminal reports whether no operation can leave the status.
func (s Status) Terminal() bool {
	return s == StatusReleased || s == StatusCancelled
}

// DeliveryType is how the order reaches the customer.
type DeliveryType string

const (
	DeliveryPickup  DeliveryType = "PICKUP"
	DeliveryCourier DeliveryType = "COURIER"
)

type Delivery struct {
	Address  string
	DateTime time.Time
	Type     DeliveryType
}

// Order is the aggregate root of the saga.
type Order struct {
	ID          string
	Status      Status
	CustomerID  string
	Delivery    Delivery
	Items       []saga.Item
	PaymentID   string
	ReserveID   string
	PaymentTxID string
	ReserveTxID string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// TwoPhaseCommit reports whether the order was created with prepared-transaction ids.
func (o Order) TwoPhaseCommit() bool {
	return o.PaymentTxID != "" && o.ReserveTxID != ""
}

func (o Order) clone() Order {
	o.Items = slices.Clone(o.Items)
	return o
}

// txIDs returns the participant transaction ids to send, empty when not running two-phase.
func (o Order) txIDs(twoPhaseCommit bool) (payment, reserve string) {
	if !twoPhaseCommit {
		return "", ""
	}
	return o.PaymentTxID, o.ReserveTxID
}

// transition is one row of the order state machine.
type transition struct {
	name         string
	from         []Status
	intermediate Status
	to           []Status
}

var (
	createTransition = transition{
		name:         "create",
		intermediate: StatusCreating,
		to:           []Status{StatusCreated},
	}
	approveTransition = transition{
		name:         "approve",
		from:         []Status{StatusCreated, StatusInsufficient},
		intermediate: StatusApproving,
		to:           []Status{StatusApproved, StatusInsufficient},
	}
	releaseTransition = transition{
		name:         "release",
		from:         []Status{StatusApproved},
		intermediate: StatusReleasing,
		to:           []Status{StatusReleased, StatusInsufficient},
	}
	cancelTransition = transition{
		name:         "cancel",
		from:         []Status{StatusCreated, StatusInsufficient, StatusApproved},
		intermediate: StatusCancelling,
		to:           []Status{StatusCancelled},
	}
)

// check accepts the allowed source statuses and the intermediate status,
// which marks an interrupted attempt of the same operation.
func (t transition) check(o Order) error {
	if o.Status == t.intermediate || slices.Contains(t.from, o.Status) {
		return nil
	}
	return saga.NewUnexpectedStatus("order", o.ID, o.Status, slices.Concat(t.from, []Status{t.intermediate})...)
}

// CanTransition reports whether the state machine has an edge from one status to another.
func CanTransition(from, to Status) bool {
	for _, t := range []transition{createTransition, approveTransition, releaseTransition, cancelTransition} {
		if to == t.intermediate && (slices.Contains(t.from, from) || (t.from == nil && from == "")) {
			return true
		}
		if from == t.intermediate && slices.Contains(t.to, to) {
			return true
		}
	}
	return false
}
