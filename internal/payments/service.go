// Package payments is an in-memory Payment participant. Funds are held per
// client account: approve grows the account's locked amount up to its total,
// pay spends the held funds and cancel gives a hold back.
package payments

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"fulfillment/internal/saga"
	"fulfillment/internal/tpc"
)

const entity = "payment"

// BalancePublisher receives the account balance after every change of it.
type BalancePublisher interface {
	PublishBalance(ctx context.Context, balance saga.AccountBalance) error
}

// Account is a client's funds. Balance is what approve can still lock.
type Account struct {
	ClientID string  `json:"clientId"`
	Amount   float64 `json:"amount"`
	Locked   float64 `json:"locked"`
}

func (a Account) Balance() float64 { return a.Amount - a.Locked }

type account struct {
	mu sync.Mutex
	Account
}

// Service implements saga.PaymentService.
type Service struct {
	mu       sync.RWMutex
	payments map[string]*saga.Payment
	byRef    map[string]string
	accounts map[string]*account

	journal   *tpc.Journal
	publisher BalancePublisher
	log       zerolog.Logger
	newID     func() string
	now       func() time.Time
}

type Option func(*Service)

func WithLogger(log zerolog.Logger) Option {
	return func(s *Service) { s.log = log }
}

func WithPublisher(p BalancePublisher) Option {
	return func(s *Service) { s.publisher = p }
}

func WithIDGenerator(fn func() string) Option {
	return func(s *Service) { s.newID = fn }
}

func WithClock(fn func() time.Time) Option {
	return func(s *Service) { s.now = fn }
}

func NewService(opts ...Option) *Service {
	s := &Service{
		payments: make(map[string]*saga.Payment),
		byRef:    make(map[string]string),
		accounts: make(map[string]*account),
		journal:  tpc.NewJournal(),
		log:      zerolog.Nop(),
		newID:    uuid.NewString,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create opens a payment for externalRef. A second call with the same
// externalRef returns the first payment's id.
func (s *Service) Create(ctx context.Context, req saga.PaymentCreate) (string, error) {
	if req.ExternalRef == "" || req.ClientID == "" {
		return "", saga.InvalidArgument(fmt.Errorf("payment needs externalRef and clientId"))
	}
	if req.Amount < 0 {
		return "", saga.InvalidArgument(fmt.Errorf("payment amount %v is negative", req.Amount))
	}

	s.mu.Lock()
	if id, ok := s.byRef[req.ExternalRef]; ok {
		s.mu.Unlock()
		return id, nil
	}
	id := s.newID()
	s.payments[id] = &saga.Payment{
		ID:          id,
		ExternalRef: req.ExternalRef,
		ClientID:    req.ClientID,
		Amount:      req.Amount,
		Status:      saga.PaymentCreated,
	}
	s.byRef[req.ExternalRef] = id
	s.mu.Unlock()

	undo := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.payments, id)
		delete(s.byRef, req.ExternalRef)
	}
	if err := s.prepare(req.TxID, undo); err != nil {
		return "", err
	}
	s.log.Debug().Str("payment_id", id).Str("external_ref", req.ExternalRef).Float64("amount", req.Amount).Msg("payment created")
	return id, nil
}

// Approve locks the payment amount on the client's account, or marks the
// payment INSUFFICIENT with the shortfall when the account cannot cover it.
func (s *Service) Approve(ctx context.Context, id, txID string) (saga.PaymentStatus, error) {
	return s.update(id, txID, []saga.PaymentStatus{saga.PaymentCreated, saga.PaymentInsufficient},
		func(p *saga.Payment, acc *Account) error {
			if acc.Locked+p.Amount <= acc.Amount {
				acc.Locked += p.Amount
				p.Status = saga.PaymentHold
				p.InsufficientAmount = 0
				return nil
			}
			p.Status = saga.PaymentInsufficient
			p.InsufficientAmount = p.Amount - acc.Balance()
			return nil
		})
}

// Pay spends held funds.
func (s *Service) Pay(ctx context.Context, id, txID string) (saga.PaymentStatus, error) {
	status, err := s.update(id, txID, []saga.PaymentStatus{saga.PaymentHold},
		func(p *saga.Payment, acc *Account) error {
			if acc.Amount-p.Amount < 0 || acc.Locked-p.Amount < 0 {
				return fmt.Errorf("pay %s: account %s would go negative (amount %v, locked %v, payment %v)",
					p.ID, acc.ClientID, acc.Amount, acc.Locked, p.Amount)
			}
			acc.Amount -= p.Amount
			acc.Locked -= p.Amount
			p.Status = saga.PaymentPaid
			return nil
		})
	if err == nil {
		s.publish(ctx, id)
	}
	return status, err
}

// Cancel gives held funds back to the account.
func (s *Service) Cancel(ctx context.Context, id, txID string) (saga.PaymentStatus, error) {
	return s.update(id, txID, []saga.PaymentStatus{saga.PaymentCreated, saga.PaymentInsufficient, saga.PaymentHold},
		func(p *saga.Payment, acc *Account) error {
			if p.Status == saga.PaymentHold {
				if acc.Locked-p.Amount < 0 {
					return fmt.Errorf("cancel %s: account %s locked amount would go negative", p.ID, acc.ClientID)
				}
				acc.Locked -= p.Amount
			}
			p.Status = saga.PaymentCancelled
			p.InsufficientAmount = 0
			return nil
		})
}

func (s *Service) Get(_ context.Context, id string) (saga.Payment, error) {
	s.mu.RLock()
	p, ok := s.payments[id]
	s.mu.RUnlock()
	if !ok {
		return saga.Payment{}, saga.NotFound(entity, id)
	}
	acc := s.account(p.ClientID)
	acc.mu.Lock()
	defer acc.mu.Unlock()
	return *p, nil
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

// TopUp adds funds to the client's account, opening it if needed.
func (s *Service) TopUp(ctx context.Context, clientID string, amount float64) (Account, error) {
	if clientID == "" {
		return Account{}, saga.InvalidArgument(fmt.Errorf("clientId is required"))
	}
	if amount <= 0 {
		return Account{}, saga.InvalidArgument(fmt.Errorf("top up amount %v must be positive", amount))
	}
	acc := s.account(clientID)
	acc.mu.Lock()
	acc.Amount += amount
	snapshot := acc.Account
	acc.mu.Unlock()

	s.log.Info().Str("client_id", clientID).Float64("amount", amount).Float64("balance", snapshot.Balance()).Msg("account topped up")
	s.publishAccount(ctx, snapshot)
	return snapshot, nil
}

// Account returns the client's account. A client without one has a zero account.
func (s *Service) Account(_ context.Context, clientID string) Account {
	acc := s.account(clientID)
	acc.mu.Lock()
	defer acc.mu.Unlock()
	return acc.Account
}

// update runs change on the payment under its account's lock. The previous
// state is restored if the prepared transaction txID is rolled back.
func (s *Service) update(id, txID string, from []saga.PaymentStatus, change func(*saga.Payment, *Account) error) (saga.PaymentStatus, error) {
	s.mu.RLock()
	p, ok := s.payments[id]
	s.mu.RUnlock()
	if !ok {
		return "", saga.NotFound(entity, id)
	}

	acc := s.account(p.ClientID)
	acc.mu.Lock()
	if !slices.Contains(from, p.Status) {
		status := p.Status
		acc.mu.Unlock()
		return status, saga.NewUnexpectedStatus(entity, id, status, from...)
	}
	prevPayment, prevAccount := *p, acc.Account
	if err := change(p, &acc.Account); err != nil {
		*p, acc.Account = prevPayment, prevAccount
		acc.mu.Unlock()
		return "", err
	}
	status := p.Status
	spent, locked := prevAccount.Amount-acc.Amount, acc.Locked-prevAccount.Locked
	acc.mu.Unlock()

	undo := func() {
		acc.mu.Lock()
		defer acc.mu.Unlock()
		p.Status = prevPayment.Status
		p.InsufficientAmount = prevPayment.InsufficientAmount
		acc.Amount += spent
		acc.Locked -= locked
	}
	if err := s.prepare(txID, undo); err != nil {
		return "", err
	}
	return status, nil
}

// prepare registers undo under txID. Without a txID the change is final.
func (s *Service) prepare(txID string, undo func()) error {
	if txID == "" {
		return nil
	}
	if err := s.journal.Prepare(txID, tpc.Pending{Rollback: undo}); err != nil {
		undo()
		return err
	}
	return nil
}

func (s *Service) account(clientID string) *account {
	s.mu.RLock()
	acc, ok := s.accounts[clientID]
	s.mu.RUnlock()
	if ok {
		return acc
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if acc, ok = s.accounts[clientID]; !ok {
		acc = &account{Account: Account{ClientID: clientID}}
		s.accounts[clientID] = acc
	}
	return acc
}

func (s *Service) publish(ctx context.Context, paymentID string) {
	s.mu.RLock()
	p, ok := s.payments[paymentID]
	s.mu.RUnlock()
	if !ok {
		return
	}
	s.publishAccount(ctx, s.Account(ctx, p.ClientID))
}

func (s *Service) publishAccount(ctx context.Context, acc Account) {
	if s.publisher == nil {
		return
	}
	event := saga.AccountBalance{
		RequestID: s.newID(),
		ClientID:  acc.ClientID,
		Balance:   acc.Balance(),
		Timestamp: s.now().UTC(),
	}
	if err := s.publisher.PublishBalance(ctx, event); err != nil {
		s.log.Error().Err(err).Str("client_id", acc.ClientID).Msg("publish account balance")
	}
}
