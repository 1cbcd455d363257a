// Package reserve is an in-memory Reserve participant. Each warehouse item is a
// row with its own lock; a reserve locks the rows of its items in id order, so
// concurrent reserves never oversell an item.
package reserve

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"fulfillment/internal/saga"
	"fulfillment/internal/tpc"
)

const entity = "reserve"

// Stock is one warehouse item. Amount is the stock on hand, Reserved the
// part of it held by approved reserves.
type Stock struct {
	ID       string  `json:"id"`
	Amount   int32   `json:"amount"`
	Reserved int32   `json:"reserved"`
	Cost     float64 `json:"cost"`
}

func (s Stock) Available() int32 { return s.Amount - s.Reserved }

type item struct {
	mu sync.Mutex
	Stock
}

type reserve struct {
	mu sync.Mutex
	saga.Reserve
}

// Service implements saga.ReserveService and saga.Warehouse.
type Service struct {
	mu       sync.RWMutex
	items    map[string]*item
	reserves map[string]*reserve
	byRef    map[string]string

	journal *tpc.Journal
	log     zerolog.Logger
	newID   func() string
}

type Option func(*Service)

func WithLogger(log zerolog.Logger) Option {
	return func(s *Service) { s.log = log }
}

func WithIDGenerator(fn func() string) Option {
	return func(s *Service) { s.newID = fn }
}

func NewService(opts ...Option) *Service {
	s := &Service{
		items:    make(map[string]*item),
		reserves: make(map[string]*reserve),
		byRef:    make(map[string]string),
		journal:  tpc.NewJournal(),
		log:      zerolog.Nop(),
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AddItem puts amount of the item on stock. A positive cost replaces the
// item's unit cost.
func (s *Service) AddItem(_ context.Context, id string, amount int32, cost float64) (Stock, error) {
	if id == "" || amount < 0 || cost < 0 {
		return Stock{}, saga.InvalidArgument(fmt.Errorf("item %q: amount %d and cost %v must not be negative", id, amount, cost))
	}
	s.mu.Lock()
	it, ok := s.items[id]
	if !ok {
		it = &item{Stock: Stock{ID: id}}
		s.items[id] = it
	}
	s.mu.Unlock()

	it.mu.Lock()
	defer it.mu.Unlock()
	it.Amount += amount
	if cost > 0 {
		it.Cost = cost
	}
	return it.Stock, nil
}

// Item returns the item's stock.
func (s *Service) Item(_ context.Context, id string) (Stock, error) {
	it, ok := s.item(id)
	if !ok {
		return Stock{}, saga.NotFound("item", id)
	}
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.Stock, nil
}

// ItemCost returns the unit cost of the item.
func (s *Service) ItemCost(ctx context.Context, id string) (float64, error) {
	stock, err := s.Item(ctx, id)
	if err != nil {
		return 0, err
	}
	return stock.Cost, nil
}

// Create registers the items requested by externalRef without reserving them.
// A second call with the same externalRef returns the first reserve's id.
func (s *Service) Create(_ context.Context, req saga.ReserveCreate) (string, error) {
	if req.ExternalRef == "" || len(req.Items) == 0 {
		return "", saga.InvalidArgument(fmt.Errorf("reserve needs externalRef and items"))
	}
	items := make([]saga.ReservedItem, 0, len(req.Items))
	for _, it := range req.Items {
		if it.Amount <= 0 {
			return "", saga.InvalidArgument(fmt.Errorf("item %s amount %d must be positive", it.ID, it.Amount))
		}
		if _, ok := s.item(it.ID); !ok {
			return "", saga.NotFound("item", it.ID)
		}
		items = append(items, saga.ReservedItem{ID: it.ID, Amount: it.Amount})
	}

	s.mu.Lock()
	if id, ok := s.byRef[req.ExternalRef]; ok {
		s.mu.Unlock()
		return id, nil
	}
	id := s.newID()
	s.reserves[id] = &reserve{Reserve: saga.Reserve{
		ID:          id,
		ExternalRef: req.ExternalRef,
		Status:      saga.ReserveCreated,
		Items:       items,
	}}
	s.byRef[req.ExternalRef] = id
	s.mu.Unlock()

	if req.TxID != "" {
		undo := func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.reserves, id)
			delete(s.byRef, req.ExternalRef)
		}
		if err := s.journal.Prepare(req.TxID, tpc.Pending{Rollback: undo}); err != nil {
			undo()
			return "", err
		}
	}
	s.log.Debug().Str("reserve_id", id).Str("external_ref", req.ExternalRef).Int("items", len(items)).Msg("reserve created")
	return id, nil
}

// Approve reserves every item that is still available. Items that do not fit
// stay unreserved with the missing amount; the reserve is APPROVED only when
// all items are reserved.
func (s *Service) Approve(_ context.Context, id, txID string) (saga.ReserveResult, error) {
	return s.update(id, txID, []saga.ReserveStatus{saga.ReserveCreated, saga.ReserveInsufficient},
		func(r *saga.Reserve, rows map[string]*Stock) error {
			complete := true
			for i := range r.Items {
				ri := &r.Items[i]
				if ri.Reserved {
					continue
				}
				row := rows[ri.ID]
				if available := row.Available(); ri.Amount <= available {
					row.Reserved += ri.Amount
					ri.Reserved = true
					ri.InsufficientAmount = 0
				} else {
					ri.InsufficientAmount = ri.Amount - available
					complete = false
				}
			}
			r.Status = saga.ReserveApproved
			if !complete {
				r.Status = saga.ReserveInsufficient
			}
			return nil
		})
}

// Release takes reserved items off stock.
func (s *Service) Release(_ context.Context, id, txID string) (saga.ReserveResult, error) {
	return s.update(id, txID, []saga.ReserveStatus{saga.ReserveApproved},
		func(r *saga.Reserve, rows map[string]*Stock) error {
			for i := range r.Items {
				ri := &r.Items[i]
				row := rows[ri.ID]
				if row.Amount-ri.Amount < 0 || row.Reserved-ri.Amount < 0 {
					return fmt.Errorf("release %s: item %s would go negative (amount %d, reserved %d, requested %d)",
						r.ID, ri.ID, row.Amount, row.Reserved, ri.Amount)
				}
				row.Amount -= ri.Amount
				row.Reserved -= ri.Amount
			}
			r.Status = saga.ReserveReleased
			return nil
		})
}

// Cancel gives reserved items back to stock.
func (s *Service) Cancel(_ context.Context, id, txID string) (saga.ReserveResult, error) {
	return s.update(id, txID, []saga.ReserveStatus{saga.ReserveCreated, saga.ReserveInsufficient, saga.ReserveApproved},
		func(r *saga.Reserve, rows map[string]*Stock) error {
			for i := range r.Items {
				ri := &r.Items[i]
				if !ri.Reserved {
					continue
				}
				row := rows[ri.ID]
				if row.Reserved-ri.Amount < 0 {
					return fmt.Errorf("cancel %s: item %s reserved amount would go negative", r.ID, ri.ID)
				}
				row.Reserved -= ri.Amount
				ri.Reserved = false
			}
			r.Status = saga.ReserveCancelled
			return nil
		})
}

func (s *Service) Get(_ context.Context, id string) (saga.Reserve, error) {
	s.mu.RLock()
	r, ok := s.reserves[id]
	s.mu.RUnlock()
	if !ok {
		return saga.Reserve{}, saga.NotFound(entity, id)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return snapshot(r.Reserve), nil
}

func (s *Service) Commit(ctx context.Context, txID string) error {
	return s.journal.Commit(ctx, txID)
}

func (s *Service) Rollback(ctx context.Context, txID string) error {
	return s.journal.Rollback(ctx, txID)
}

// ListActive returns the prepared transaction ids not yet resolved.
func (s *Service) ListActive(ctx context.Context) ([]string, error) {
	return s.journal.ListActive(ctx)
}

// update runs change with the reserve and the stock rows of its items locked.
// Stock changes are undone by delta when the prepared transaction is rolled
// back, so concurrent reserves of the same items are not overwritten.
func (s *Service) update(
	id, txID string,
	from []saga.ReserveStatus,
	change func(r *saga.Reserve, rows map[string]*Stock) error,
) (saga.ReserveResult, error) {
	s.mu.RLock()
	r, ok := s.reserves[id]
	s.mu.RUnlock()
	if !ok {
		return saga.ReserveResult{}, saga.NotFound(entity, id)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if !slices.Contains(from, r.Status) {
		return saga.ReserveResult{Status: r.Status, Items: snapshot(r.Reserve).Items},
			saga.NewUnexpectedStatus(entity, id, r.Status, from...)
	}

	locked, err := s.lockItems(r.Items)
	if err != nil {
		return saga.ReserveResult{}, err
	}
	prev := snapshot(r.Reserve)
	before := make(map[*item]Stock, len(locked))
	rows := make(map[string]*Stock, len(locked))
	for _, it := range locked {
		before[it] = it.Stock
		rows[it.ID] = &it.Stock
	}

	if err := change(&r.Reserve, rows); err != nil {
		for it, stock := range before {
			it.Stock = stock
		}
		r.Reserve = prev
		unlockItems(locked)
		return saga.ReserveResult{}, err
	}
	deltas := make(map[*item]Stock, len(locked))
	for it, b := range before {
		deltas[it] = Stock{Amount: it.Amount - b.Amount, Reserved: it.Reserved - b.Reserved}
	}
	unlockItems(locked)

	revert := func() {
		for it, d := range deltas {
			it.mu.Lock()
			it.Amount -= d.Amount
			it.Reserved -= d.Reserved
			it.mu.Unlock()
		}
		r.Reserve = prev
	}
	if txID != "" {
		undo := func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			revert()
		}
		if err := s.journal.Prepare(txID, tpc.Pending{Rollback: undo}); err != nil {
			revert()
			return saga.ReserveResult{}, err
		}
	}

	s.log.Debug().Str("reserve_id", id).Str("status", string(r.Status)).Msg("reserve updated")
	return saga.ReserveResult{Status: r.Status, Items: snapshot(r.Reserve).Items}, nil
}

// lockItems locks the stock rows of items in id order.
func (s *Service) lockItems(items []saga.ReservedItem) ([]*item, error) {
	ids := make([]string, 0, len(items))
	for _, ri := range items {
		ids = append(ids, ri.ID)
	}
	slices.Sort(ids)
	ids = slices.Compact(ids)

	rows := make([]*item, 0, len(ids))
	for _, id := range ids {
		it, ok := s.item(id)
		if !ok {
			return nil, saga.NotFound("item", id)
		}
		rows = append(rows, it)
	}
	for _, it := range rows {
		it.mu.Lock()
	}
	return rows, nil
}

func unlockItems(rows []*item) {
	for i := len(rows) - 1; i >= 0; i-- {
		rows[i].mu.Unlock()
	}
}

func (s *Service) item(id string) (*item, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	it, ok := s.items[id]
	return it, ok
}

func snapshot(r saga.Reserve) saga.Reserve {
	r.Items = slices.Clone(r.Items)
	return r
}
