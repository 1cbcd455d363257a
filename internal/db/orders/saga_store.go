package ordersdb

import (
	"context"
	"database/sql"
	"fmt"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS orders (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		customer_id TEXT NOT NULL,
		payment_id TEXT,
		reserve_id TEXT,
		payment_tx_id TEXT,
		reserve_tx_id TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS orders_customer_status_idx ON orders (customer_id, status)`,
	`CREATE TABLE IF NOT EXISTS order_delivery (
		order_id TEXT PRIMARY KEY REFERENCES orders(id) ON DELETE CASCADE,
		address TEXT,
		date_time TIMESTAMPTZ,
		type_code TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS order_items (
		order_id TEXT NOT NULL REFERENCES orders(id) ON DELETE CASCADE,
		item_id TEXT NOT NULL,
		amount INTEGER NOT NULL,
		position INTEGER NOT NULL,
		PRIMARY KEY (order_id, item_id)
	)`,
	`CREATE TABLE IF NOT EXISTS order_saga_steps (
		id BIGSERIAL PRIMARY KEY,
		order_id TEXT NOT NULL,
		step TEXT NOT NULL,
		status TEXT NOT NULL,
		detail TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
}

// InitSchema creates the order tables if they do not exist.
func InitSchema(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// SagaStore appends saga steps to order_saga_steps.
type SagaStore struct {
	db *sql.DB
}

// NewSagaStore constructs a SagaStore backed by Postgres.
func NewSagaStore(db *sql.DB) *SagaStore {
	return &SagaStore{db: db}
}

// AddStep records a saga step for an order. Steps are written outside the
// order transaction so a rolled back attempt still leaves its trail.
func (s *SagaStore) AddStep(ctx context.Context, orderID, step, status, detail string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO order_saga_steps (order_id, step, status, detail)
		VALUES ($1, $2, $3, $4)`,
		orderID, step, status, nullString(detail),
	)
	return err
}

// Step is one recorded saga step.
type Step struct {
	ID        int64
	OrderID   string
	Step      string
	Status    string
	Detail    string
	CreatedAt sql.NullTime
}

// Steps lists the recorded steps of an order, oldest first.
func (s *SagaStore) Steps(ctx context.Context, orderID string) ([]Step, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, order_id, step, status, detail, created_at
		FROM order_saga_steps
		WHERE order_id = $1
		ORDER BY id`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var steps []Step
	for rows.Next() {
		var (
			st     Step
			detail sql.NullString
		)
		if err := rows.Scan(&st.ID, &st.OrderID, &st.Step, &st.Status, &detail, &st.CreatedAt); err != nil {
			return nil, err
		}
		st.Detail = detail.String
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
