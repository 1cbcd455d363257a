package ordersdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"fulfillment/internal/orders"
	"fulfillment/internal/saga"
	"fulfillment/internal/tpc"
)

// DBTX is the query surface shared by *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type (
	Order  = orders.Order
	Status = orders.Status
)

const selectOrder = `
	SELECT o.id, o.status, o.customer_id, o.payment_id, o.reserve_id,
		o.payment_tx_id, o.reserve_tx_id, o.created_at, o.updated_at,
		d.address, d.date_time, d.type_code
	FROM orders o
	LEFT JOIN order_delivery d ON d.order_id = o.id`

// OrderStore persists orders with their delivery and items in Postgres.
type OrderStore struct {
	db  *sql.DB
	tx  *sql.Tx
	now func() time.Time
}

// NewOrderStore constructs an OrderStore on db. Every Save runs in its own
// local transaction.
func NewOrderStore(db *sql.DB) *OrderStore {
	return &OrderStore{db: db, now: time.Now}
}

func (s *OrderStore) conn() DBTX {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

func (s *OrderStore) Find(ctx context.Context, id string) (Order, error) {
	q := s.conn()
	order, err := scanOrder(q.QueryRowContext(ctx, selectOrder+" WHERE o.id = $1", id))
	if errors.Is(err, sql.ErrNoRows) {
		return Order{}, saga.NotFound("order", id)
	}
	if err != nil {
		return Order{}, fmt.Errorf("find order %s: %w", id, err)
	}
	if order.Items, err = loadItems(ctx, q, id); err != nil {
		return Order{}, err
	}
	return order, nil
}

func (s *OrderStore) FindAll(ctx context.Context) ([]Order, error) {
	return s.query(ctx, selectOrder+" ORDER BY o.created_at, o.id")
}

func (s *OrderStore) FindByCustomer(ctx context.Context, customerID string, statuses ...Status) ([]Order, error) {
	var b strings.Builder
	b.WriteString(selectOrder)
	b.WriteString(" WHERE o.customer_id = $1")
	args := []any{customerID}
	if len(statuses) > 0 {
		marks := make([]string, len(statuses))
		for i, st := range statuses {
			args = append(args, string(st))
			marks[i] = fmt.Sprintf("$%d", len(args))
		}
		b.WriteString(" AND o.status IN (" + strings.Join(marks, ", ") + ")")
	}
	b.WriteString(" ORDER BY o.created_at, o.id")
	return s.query(ctx, b.String(), args...)
}

// Save upserts the order row, its delivery and its items. Stored participant
// ids survive a save that does not carry them.
func (s *OrderStore) Save(ctx context.Context, order Order) (Order, error) {
	if s.tx != nil {
		return s.save(ctx, s.tx, order)
	}
	var saved Order
	err := tpc.Run(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		var err error
		saved, err = s.save(ctx, tx, order)
		return err
	})
	return saved, err
}

func (s *OrderStore) save(ctx context.Context, q DBTX, order Order) (Order, error) {
	now := s.now().UTC()
	createdAt := order.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	var paymentID, reserveID, paymentTxID, reserveTxID sql.NullString
	err := q.QueryRowContext(ctx, `
		INSERT INTO orders (id, status, customer_id, payment_id, reserve_id, payment_tx_id, reserve_tx_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			payment_id = COALESCE(EXCLUDED.payment_id, orders.payment_id),
			reserve_id = COALESCE(EXCLUDED.reserve_id, orders.reserve_id),
			payment_tx_id = COALESCE(EXCLUDED.payment_tx_id, orders.payment_tx_id),
			reserve_tx_id = COALESCE(EXCLUDED.reserve_tx_id, orders.reserve_tx_id),
			updated_at = EXCLUDED.updated_at
		RETURNING payment_id, reserve_id, payment_tx_id, reserve_tx_id, created_at, updated_at`,
		order.ID, string(order.Status), order.CustomerID,
		nullString(order.PaymentID), nullString(order.ReserveID),
		nullString(order.PaymentTxID), nullString(order.ReserveTxID),
		createdAt, now,
	).Scan(&paymentID, &reserveID, &paymentTxID, &reserveTxID, &order.CreatedAt, &order.UpdatedAt)
	if err != nil {
		return Order{}, fmt.Errorf("save order %s: %w", order.ID, err)
	}
	order.PaymentID = paymentID.String
	order.ReserveID = reserveID.String
	order.PaymentTxID = paymentTxID.String
	order.ReserveTxID = reserveTxID.String

	_, err = q.ExecContext(ctx, `
		INSERT INTO order_delivery (order_id, address, date_time, type_code)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (order_id) DO UPDATE SET
			address = EXCLUDED.address,
			date_time = EXCLUDED.date_time,
			type_code = EXCLUDED.type_code`,
		order.ID, nullString(order.Delivery.Address), nullTime(order.Delivery.DateTime), string(order.Delivery.Type),
	)
	if err != nil {
		return Order{}, fmt.Errorf("save delivery of %s: %w", order.ID, err)
	}

	if order.Items == nil {
		order.Items, err = loadItems(ctx, q, order.ID)
		return order, err
	}
	for i, item := range order.Items {
		_, err := q.ExecContext(ctx, `
			INSERT INTO order_items (order_id, item_id, amount, position)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (order_id, item_id) DO UPDATE SET
				amount = EXCLUDED.amount,
				position = EXCLUDED.position`,
			order.ID, item.ID, item.Amount, i,
		)
		if err != nil {
			return Order{}, fmt.Errorf("save item %s of %s: %w", item.ID, order.ID, err)
		}
	}
	return order, nil
}

func (s *OrderStore) query(ctx context.Context, query string, args ...any) ([]Order, error) {
	q := s.conn()
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	var list []Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan order: %w", err)
		}
		list = append(list, order)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for i := range list {
		if list[i].Items, err = loadItems(ctx, q, list[i].ID); err != nil {
			return nil, err
		}
	}
	return list, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOrder(row scanner) (Order, error) {
	var (
		order                                          Order
		status                                         string
		paymentID, reserveID, paymentTxID, reserveTxID sql.NullString
		address, typeCode                              sql.NullString
		dateTime                                       sql.NullTime
	)
	err := row.Scan(
		&order.ID, &status, &order.CustomerID, &paymentID, &reserveID,
		&paymentTxID, &reserveTxID, &order.CreatedAt, &order.UpdatedAt,
		&address, &dateTime, &typeCode,
	)
	if err != nil {
		return Order{}, err
	}
	order.Status = Status(status)
	order.PaymentID = paymentID.String
	order.ReserveID = reserveID.String
	order.PaymentTxID = paymentTxID.String
	order.ReserveTxID = reserveTxID.String
	order.Delivery = orders.Delivery{
		Address:  address.String,
		DateTime: dateTime.Time,
		Type:     orders.DeliveryType(typeCode.String),
	}
	return order, nil
}

func loadItems(ctx context.Context, q DBTX, orderID string) ([]saga.Item, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT item_id, amount FROM order_items
		WHERE order_id = $1
		ORDER BY position`, orderID)
	if err != nil {
		return nil, fmt.Errorf("load items of %s: %w", orderID, err)
	}
	defer rows.Close()

	var items []saga.Item
	for rows.Next() {
		var item saga.Item
		if err := rows.Scan(&item.ID, &item.Amount); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

// Transactor runs order writes inside Postgres prepared transactions.
type Transactor struct {
	pg  *tpc.Postgres
	now func() time.Time
}

// NewTransactor binds the prepared-transaction primitive to OrderStore.
func NewTransactor(pg *tpc.Postgres) *Transactor {
	return &Transactor{pg: pg, now: time.Now}
}

func (t *Transactor) Prepare(ctx context.Context, id string, routine func(ctx context.Context, store orders.Store) error) error {
	return t.pg.Prepare(ctx, id, func(ctx context.Context, tx *sql.Tx) error {
		return routine(ctx, &OrderStore{tx: tx, now: t.now})
	})
}

func (t *Transactor) Commit(ctx context.Context, id string) error {
	return t.pg.Commit(ctx, id)
}

func (t *Transactor) Rollback(ctx context.Context, id string) error {
	return t.pg.Rollback(ctx, id)
}

func (t *Transactor) ListActive(ctx context.Context) ([]string, error) {
	return t.pg.ListActive(ctx)
}
