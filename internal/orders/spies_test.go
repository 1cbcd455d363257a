package orders

import (
	"context"
	"sync"

	"fulfillment/internal/saga"
)

// spyPayments records calls and answers with the configured funcs.
type spyPayments struct {
	mu    sync.Mutex
	calls []string

	create   func(saga.PaymentCreate) (string, error)
	approve  func(id, txID string) (saga.PaymentStatus, error)
	pay      func(id, txID string) (saga.PaymentStatus, error)
	cancel   func(id, txID string) (saga.PaymentStatus, error)
	get      func(id string) (saga.Payment, error)
	commit   func(txID string) error
	rollback func(txID string) error
}

func (s *spyPayments) record(call string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, call)
}

func (s *spyPayments) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func (s *spyPayments) Create(_ context.Context, req saga.PaymentCreate) (string, error) {
	s.record("create")
	if s.create == nil {
		return "pay-" + req.ExternalRef, nil
	}
	return s.create(req)
}

func (s *spyPayments) Approve(_ context.Context, id, txID string) (saga.PaymentStatus, error) {
	s.record("approve")
	if s.approve == nil {
		return saga.PaymentHold, nil
	}
	return s.approve(id, txID)
}

func (s *spyPayments) Pay(_ context.Context, id, txID string) (saga.PaymentStatus, error) {
	s.record("pay")
	if s.pay == nil {
		return saga.PaymentPaid, nil
	}
	return s.pay(id, txID)
}

func (s *spyPayments) Cancel(_ context.Context, id, txID string) (saga.PaymentStatus, error) {
	s.record("cancel")
	if s.cancel == nil {
		return saga.PaymentCancelled, nil
	}
	return s.cancel(id, txID)
}

func (s *spyPayments) Get(_ context.Context, id string) (saga.Payment, error) {
	s.record("get")
	if s.get == nil {
		return saga.Payment{ID: id, Status: saga.PaymentCreated}, nil
	}
	return s.get(id)
}

func (s *spyPayments) Commit(_ context.Context, txID string) error {
	s.record("commit:" + txID)
	if s.commit == nil {
		return nil
	}
	return s.commit(txID)
}

func (s *spyPayments) Rollback(_ context.Context, txID string) error {
	s.record("rollback:" + txID)
	if s.rollback == nil {
		return nil
	}
	return s.rollback(txID)
}

type spyReserves struct {
	mu    sync.Mutex
	calls []string

	create   func(saga.ReserveCreate) (string, error)
	approve  func(id, txID string) (saga.ReserveResult, error)
	release  func(id, txID string) (saga.ReserveResult, error)
	cancel   func(id, txID string) (saga.ReserveResult, error)
	get      func(id string) (saga.Reserve, error)
	commit   func(txID string) error
	rollback func(txID string) error
}

func (s *spyReserves) record(call string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, call)
}

func (s *spyReserves) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func (s *spyReserves) Create(_ context.Context, req saga.ReserveCreate) (string, error) {
	s.record("create")
	if s.create == nil {
		return "res-" + req.ExternalRef, nil
	}
	return s.create(req)
}

func (s *spyReserves) Approve(_ context.Context, id, txID string) (saga.ReserveResult, error) {
	s.record("approve")
	if s.approve == nil {
		return saga.ReserveResult{Status: saga.ReserveApproved}, nil
	}
	return s.approve(id, txID)
}

func (s *spyReserves) Release(_ context.Context, id, txID string) (saga.ReserveResult, error) {
	s.record("release")
	if s.release == nil {
		return saga.ReserveResult{Status: saga.ReserveReleased}, nil
	}
	return s.release(id, txID)
}

func (s *spyReserves) Cancel(_ context.Context, id, txID string) (saga.ReserveResult, error) {
	s.record("cancel")
	if s.cancel == nil {
		return saga.ReserveResult{Status: saga.ReserveCancelled}, nil
	}
	return s.cancel(id, txID)
}

func (s *spyReserves) Get(_ context.Context, id string) (saga.Reserve, error) {
	s.record("get")
	if s.get == nil {
		return saga.Reserve{ID: id, Status: saga.ReserveCreated}, nil
	}
	return s.get(id)
}

func (s *spyReserves) Commit(_ context.Context, txID string) error {
	s.record("commit:" + txID)
	if s.commit == nil {
		return nil
	}
	return s.commit(txID)
}

func (s *spyReserves) Rollback(_ context.Context, txID string) error {
	s.record("rollback:" + txID)
	if s.rollback == nil {
		return nil
	}
	return s.rollback(txID)
}

type priceList map[string]float64

func (p priceList) ItemCost(_ context.Context, itemID string) (float64, error) {
	cost, ok := p[itemID]
	if !ok {
		return 0, saga.NotFound("item", itemID)
	}
	return cost, nil
}

type spySteps struct {
	mu    sync.Mutex
	steps []string
}

func (s *spySteps) AddStep(_ context.Context, _ string, step, status, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps = append(s.steps, step+":"+status)
	return nil
}

func (s *spySteps) Steps() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.steps...)
}

type spyNotifier struct {
	mu     sync.Mutex
	orders []Order
}

func (s *spyNotifier) OrderChanged(o Order) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders = append(s.orders, o)
}

func (s *spyNotifier) Statuses() []Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Status, 0, len(s.orders))
	for _, o := range s.orders {
		out = append(out, o.Status)
	}
	return out
}
