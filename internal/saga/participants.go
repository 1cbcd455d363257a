package saga

import "context"

// TwoPhaseCommit resolves a participant's prepared transaction.
// Both calls succeed when no transaction with the id exists.
type TwoPhaseCommit interface {
	Commit(ctx context.Context, txID string) error
	Rollback(ctx context.Context, txID string) error
}

// PaymentService is the contract of the Payment participant.
type PaymentService interface {
	TwoPhaseCommit
	Create(ctx context.Context, req PaymentCreate) (string, error)
	Approve(ctx context.Context, id, txID string) (PaymentStatus, error)
	Pay(ctx context.Context, id, txID string) (PaymentStatus, error)
	Cancel(ctx context.Context, id, txID string) (PaymentStatus, error)
	Get(ctx context.Context, id string) (Payment, error)
}

// ReserveService is the contract of the Reserve participant.
type ReserveService interface {
	TwoPhaseCommit
	Create(ctx context.Context, req ReserveCreate) (string, error)
	Approve(ctx context.Context, id, txID string) (ReserveResult, error)
	Release(ctx context.Context, id, txID string) (ReserveResult, error)
	Cancel(ctx context.Context, id, txID string) (ReserveResult, error)
	Get(ctx context.Context, id string) (Reserve, error)
}

// Warehouse prices warehouse items.
type Warehouse interface {
	ItemCost(ctx context.Context, itemID string) (float64, error)
}
