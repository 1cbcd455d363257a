package orders

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"fulfillment/internal/saga"
	"fulfillment/internal/tpc"
)

// Store loads and saves orders. Save upserts the order with its delivery and
// items and never clears an already stored payment or reserve id.
type Store interface {
	Find(ctx context.Context, id string) (Order, error)
	FindAll(ctx context.Context) ([]Order, error)
	FindByCustomer(ctx context.Context, customerID string, statuses ...Status) ([]Order, error)
	Save(ctx context.Context, order Order) (Order, error)
}

// Transactor is the local prepared-transaction primitive bound to a Store.
// Prepare hands routine a Store scoped to the transaction being prepared.
type Transactor interface {
	Prepare(ctx context.Context, id string, routine func(ctx context.Context, store Store) error) error
	Commit(ctx context.Context, id string) error
	Rollback(ctx context.Context, id string) error
	ListActive(ctx context.Context) ([]string, error)
}

// MemoryStore keeps orders in memory. It is both the Store and its Transactor:
// writes made inside Prepare stay invisible until Commit.
type MemoryStore struct {
	mu      sync.RWMutex
	orders  map[string]Order
	journal *tpc.Journal
	now     func() time.Time
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders:  make(map[string]Order),
		journal: tpc.NewJournal(),
		now:     time.Now,
	}
}

func (s *MemoryStore) Find(_ context.Context, id string) (Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	order, ok := s.orders[id]
	if !ok {
		return Order{}, saga.NotFound("order", id)
	}
	return order.clone(), nil
}

func (s *MemoryStore) FindAll(context.Context) ([]Order, error) {
	return s.filter(func(Order) bool { return true }), nil
}

func (s *MemoryStore) FindByCustomer(_ context.Context, customerID string, statuses ...Status) ([]Order, error) {
	return s.filter(func(o Order) bool {
		return o.CustomerID == customerID && (len(statuses) == 0 || slices.Contains(statuses, o.Status))
	}), nil
}

func (s *MemoryStore) Save(_ context.Context, order Order) (Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.orders[order.ID]
	saved := mergeOrder(prev, ok, order, s.now())
	s.orders[order.ID] = saved
	return saved.clone(), nil
}

func (s *MemoryStore) Prepare(ctx context.Context, id string, routine func(ctx context.Context, store Store) error) error {
	staged := &stagedStore{base: s, writes: make(map[string]Order)}
	if err := routine(ctx, staged); err != nil {
		return &tpc.PrepareError{ID: id, Err: err}
	}
	return s.journal.Prepare(id, tpc.Pending{
		Commit: func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			for orderID, order := range staged.writes {
				s.orders[orderID] = order
			}
		},
	})
}

func (s *MemoryStore) Commit(ctx context.Context, id string) error {
	return s.journal.Commit(ctx, id)
}

func (s *MemoryStore) Rollback(ctx context.Context, id string) error {
	return s.journal.Rollback(ctx, id)
}

func (s *MemoryStore) ListActive(ctx context.Context) ([]string, error) {
	return s.journal.ListActive(ctx)
}

func (s *MemoryStore) filter(keep func(Order) bool) []Order {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Order
	for _, o := range s.orders {
		if keep(o) {
			out = append(out, o.clone())
		}
	}
	slices.SortFunc(out, func(a, b Order) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

// stagedStore buffers writes of one prepared transaction.
type stagedStore struct {
	base   *MemoryStore
	writes map[string]Order
}

func (s *stagedStore) Find(ctx context.Context, id string) (Order, error) {
	if order, ok := s.writes[id]; ok {
		return order.clone(), nil
	}
	return s.base.Find(ctx, id)
}

func (s *stagedStore) FindAll(ctx context.Context) ([]Order, error) {
	return s.base.FindAll(ctx)
}

func (s *stagedStore) FindByCustomer(ctx context.Context, customerID string, statuses ...Status) ([]Order, error) {
	return s.base.FindByCustomer(ctx, customerID, statuses...)
}

func (s *stagedStore) Save(ctx context.Context, order Order) (Order, error) {
	prev, err := s.Find(ctx, order.ID)
	saved := mergeOrder(prev, err == nil, order, s.base.now())
	s.writes[order.ID] = saved
	return saved.clone(), nil
}

func mergeOrder(prev Order, exists bool, next Order, now time.Time) Order {
	next = next.clone()
	if exists {
		next.PaymentID = cmp.Or(next.PaymentID, prev.PaymentID)
		next.ReserveID = cmp.Or(next.ReserveID, prev.ReserveID)
		next.PaymentTxID = cmp.Or(next.PaymentTxID, prev.PaymentTxID)
		next.ReserveTxID = cmp.Or(next.ReserveTxID, prev.ReserveTxID)
		if next.CreatedAt.IsZero() {
			next.CreatedAt = prev.CreatedAt
		}
		if next.Items == nil {
			next.Items = slices.Clone(prev.Items)
		}
	}
	if next.CreatedAt.IsZero() {
		next.CreatedAt = now
	}
	next.UpdatedAt = now
	return next
}
