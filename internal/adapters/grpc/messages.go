package grpc

import (
	"time"

	"fulfillment/internal/orders"
	"fulfillment/internal/saga"
)

type Delivery struct {
	Address  string    `json:"address,omitempty"`
	DateTime time.Time `json:"dateTime"`
	Type     string    `json:"type"`
}

type CreateOrderRequest struct {
	CustomerID     string      `json:"customerId"`
	Delivery       Delivery    `json:"delivery"`
	Items          []saga.Item `json:"items"`
	TwoPhaseCommit bool        `json:"twoPhaseCommit"`
}

type CreateOrderResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// OrderOpRequest addresses approve, release, cancel and resume.
type OrderOpRequest struct {
	ID             string `json:"id"`
	TwoPhaseCommit bool   `json:"twoPhaseCommit"`
}

type OrderStatusResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type GetOrderRequest struct {
	ID string `json:"id"`
}

type ListOrdersRequest struct{}

type ListOrdersResponse struct {
	Orders []Order `json:"orders"`
}

// Order is the wire snapshot of an order. Payment and Reserve are only set
// by Get, which asks the participants for their live state.
type Order struct {
	ID                   string        `json:"id"`
	Status               string        `json:"status"`
	CustomerID           string        `json:"customerId"`
	Delivery             Delivery      `json:"delivery"`
	Items                []saga.Item   `json:"items"`
	PaymentID            string        `json:"paymentId,omitempty"`
	ReserveID            string        `json:"reserveId,omitempty"`
	PaymentTransactionID string        `json:"paymentTransactionId,omitempty"`
	ReserveTransactionID string        `json:"reserveTransactionId,omitempty"`
	CreatedAt            time.Time     `json:"createdAt"`
	UpdatedAt            time.Time     `json:"updatedAt"`
	Payment              *saga.Payment `json:"payment,omitempty"`
	Reserve              *saga.Reserve `json:"reserve,omitempty"`
}

func toOrder(o orders.Order) Order {
	return Order{
		ID:         o.ID,
		Status:     string(o.Status),
		CustomerID: o.CustomerID,
		Delivery: Delivery{
			Address:  o.Delivery.Address,
			DateTime: o.Delivery.DateTime,
			Type:     string(o.Delivery.Type),
		},
		Items:                o.Items,
		PaymentID:            o.PaymentID,
		ReserveID:            o.ReserveID,
		PaymentTransactionID: o.PaymentTxID,
		ReserveTransactionID: o.ReserveTxID,
		CreatedAt:            o.CreatedAt,
		UpdatedAt:            o.UpdatedAt,
	}
}

type PaymentCreateRequest struct {
	ExternalRef string  `json:"externalRef"`
	ClientID    string  `json:"clientId"`
	Amount      float64 `json:"amount"`
	TxID        string  `json:"txId,omitempty"`
}

type ReserveCreateRequest struct {
	ExternalRef string      `json:"externalRef"`
	Items       []saga.Item `json:"items"`
	TxID        string      `json:"txId,omitempty"`
}

type IDResponse struct {
	ID string `json:"id"`
}

// OpRequest addresses one participant entity, inside the prepared transaction TxID when set.
type OpRequest struct {
	ID   string `json:"id"`
	TxID string `json:"txId,omitempty"`
}

type PaymentStatusResponse struct {
	Status saga.PaymentStatus `json:"status"`
}

type ReserveResultResponse struct {
	Status saga.ReserveStatus  `json:"status"`
	Items  []saga.ReservedItem `json:"items"`
}

type GetRequest struct {
	ID string `json:"id"`
}

type TopUpRequest struct {
	ClientID string  `json:"clientId"`
	Amount   float64 `json:"amount"`
}

type AddItemRequest struct {
	ID     string  `json:"id"`
	Amount int32   `json:"amount"`
	Cost   float64 `json:"cost"`
}

type ItemCostResponse struct {
	Cost float64 `json:"cost"`
}

type TxRequest struct {
	ID string `json:"id"`
}

type ListActivesRequest struct{}

type ListActivesResponse struct {
	IDs []string `json:"ids"`
}

type Empty struct{}
