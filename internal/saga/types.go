package saga

import "time"

// PaymentStatus is the lifecycle status of a payment owned by the Payment participant.
type PaymentStatus string

const (
	PaymentCreated      PaymentStatus = "CREATED"
	PaymentHold         PaymentStatus = "HOLD"
	PaymentInsufficient PaymentStatus = "INSUFFICIENT"
	PaymentPaid         PaymentStatus = "PAID"
	PaymentCancelled    PaymentStatus = "CANCELLED"
)

// ReserveStatus is the lifecycle status of a reserve owned by the Reserve participant.
type ReserveStatus string

const (
	ReserveCreated      ReserveStatus = "CREATED"
	ReserveApproved     ReserveStatus = "APPROVED"
	ReserveInsufficient ReserveStatus = "INSUFFICIENT"
	ReserveReleased     ReserveStatus = "RELEASED"
	ReserveCancelled    ReserveStatus = "CANCELLED"
)

// Item is a requested quantity of one warehouse item.
type Item struct {
	ID     string `json:"id"`
	Amount int32  `json:"amount"`
}

// ReservedItem is the per-item outcome of a reserve approval.
type ReservedItem struct {
	ID                 string `json:"id"`
	Amount             int32  `json:"amount"`
	Reserved           bool   `json:"reserved"`
	InsufficientAmount int32  `json:"insufficient_amount,omitempty"`
}

// Payment is the Payment participant's view of an order's funds.
type Payment struct {
	ID                 string        `json:"id"`
	ExternalRef        string        `json:"external_ref"`
	ClientID           string        `json:"client_id"`
	Amount             float64       `json:"amount"`
	InsufficientAmount float64       `json:"insufficient_amount,omitempty"`
	Status             PaymentStatus `json:"status"`
}

// Reserve is the Reserve participant's view of an order's stock.
type Reserve struct {
	ID          string         `json:"id"`
	ExternalRef string         `json:"external_ref"`
	Status      ReserveStatus  `json:"status"`
	Items       []ReservedItem `json:"items"`
}

// PaymentCreate requests a new payment. TxID is empty unless the caller runs two-phase commit.
type PaymentCreate struct {
	ExternalRef string
	ClientID    string
	Amount      float64
	TxID        string
}

// ReserveCreate requests a new reserve. TxID is empty unless the caller runs two-phase commit.
type ReserveCreate struct {
	ExternalRef string
	Items       []Item
	TxID        string
}

// ReserveResult is returned by reserve mutations.
type ReserveResult struct {
	Status ReserveStatus
	Items  []ReservedItem
}

// AccountBalance is published by the Payment participant whenever spendable funds change.
type AccountBalance struct {
	RequestID string    `json:"requestId"`
	ClientID  string    `json:"clientId"`
	Balance   float64   `json:"balance"`
	Timestamp time.Time `json:"timestamp"`
}
