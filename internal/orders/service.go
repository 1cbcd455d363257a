package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"fulfillment/internal/saga"
)

// Notifier is told about every persisted order change.
type Notifier interface {
	OrderChanged(order Order)
}

// Service is the order saga orchestrator. It drives the Payment and Reserve
// participants and keeps the order status consistent with their outcome.
type Service struct {
	store     Store
	tx        Transactor
	payments  saga.PaymentService
	reserves  saga.ReserveService
	warehouse saga.Warehouse
	steps     saga.StepLog
	notifier  Notifier
	log       zerolog.Logger
	newID     func() string
	now       func() time.Time
}

// Option configures a Service.
type Option func(*Service)

func WithLogger(log zerolog.Logger) Option {
	return func(s *Service) { s.log = log }
}

func WithStepLog(steps saga.StepLog) Option {
	return func(s *Service) { s.steps = steps }
}

func WithNotifier(n Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

func WithIDGenerator(fn func() string) Option {
	return func(s *Service) { s.newID = fn }
}

func WithClock(fn func() time.Time) Option {
	return func(s *Service) { s.now = fn }
}

// NewService constructs a Service.
func NewService(
	store Store,
	tx Transactor,
	payments saga.PaymentService,
	reserves saga.ReserveService,
	warehouse saga.Warehouse,
	opts ...Option,
) *Service {
	s := &Service{
		store:     store,
		tx:        tx,
		payments:  payments,
		reserves:  reserves,
		warehouse: warehouse,
		steps:     saga.NopStepLog{},
		log:       zerolog.Nop(),
		newID:     uuid.NewString,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create stores a new order and creates its payment and reserve.
func (s *Service) Create(ctx context.Context, req CreateRequest) (Order, error) {
	if err := req.Validate(); err != nil {
		return Order{}, saga.InvalidArgument(err)
	}

	order := Order{
		ID:         s.newID(),
		Status:     StatusCreating,
		CustomerID: req.CustomerID,
		Delivery:   req.Delivery,
		Items:      req.Items,
		CreatedAt:  s.now(),
	}
	if req.TwoPhaseCommit {
		order.PaymentTxID = s.newID()
		order.ReserveTxID = s.newID()
	}

	saved, err := s.save(ctx, order)
	if err != nil {
		return Order{}, fmt.Errorf("save order %s: %w", order.ID, err)
	}
	return s.create(ctx, saved, req.TwoPhaseCommit)
}

// Approve holds funds and stock for the order.
func (s *Service) Approve(ctx context.Context, orderID string, twoPhaseCommit bool) (Order, error) {
	return s.run(ctx, s.approveOp(), orderID, twoPhaseCommit)
}

// Release pays for the order and releases its stock to delivery.
func (s *Service) Release(ctx context.Context, orderID string, twoPhaseCommit bool) (Order, error) {
	return s.run(ctx, s.releaseOp(), orderID, twoPhaseCommit)
}

// Cancel cancels the order's payment and reserve.
func (s *Service) Cancel(ctx context.Context, orderID string, twoPhaseCommit bool) (Order, error) {
	return s.run(ctx, s.cancelOp(), orderID, twoPhaseCommit)
}

// Resume continues the operation an order was left in.
func (s *Service) Resume(ctx context.Context, orderID string, twoPhaseCommit bool) (Order, error) {
	order, err := s.store.Find(ctx, orderID)
	if err != nil {
		return Order{}, err
	}

	switch order.Status {
	case StatusCreating:
		return s.resumeCreate(ctx, order, twoPhaseCommit)
	case StatusApproving, StatusInsufficient:
		return s.Approve(ctx, orderID, twoPhaseCommit)
	case StatusReleasing:
		return s.Release(ctx, orderID, twoPhaseCommit)
	case StatusCancelling:
		return s.Cancel(ctx, orderID, twoPhaseCommit)
	default:
		return Order{}, saga.NewUnexpectedStatus("order", orderID, order.Status,
			StatusCreating, StatusApproving, StatusInsufficient, StatusReleasing, StatusCancelling)
	}
}

// Details is an order with the live state of its participants.
type Details struct {
	Order
	Payment *saga.Payment
	Reserve *saga.Reserve
}

// Get returns the order with its payment and reserve as the participants see them now.
func (s *Service) Get(ctx context.Context, orderID string) (Details, error) {
	order, err := s.store.Find(ctx, orderID)
	if err != nil {
		return Details{}, err
	}

	details := Details{Order: order}
	var g errgroup.Group
	if order.PaymentID != "" {
		g.Go(func() error {
			payment, err := s.payments.Get(ctx, order.PaymentID)
			if err != nil {
				return fmt.Errorf("get payment %s: %w", order.PaymentID, err)
			}
			details.Payment = &payment
			return nil
		})
	}
	if order.ReserveID != "" {
		g.Go(func() error {
			reserve, err := s.reserves.Get(ctx, order.ReserveID)
			if err != nil {
				return fmt.Errorf("get reserve %s: %w", order.ReserveID, err)
			}
			details.Reserve = &reserve
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Details{}, err
	}
	return details, nil
}

// List returns all orders ordered by creation time.
func (s *Service) List(ctx context.Context) ([]Order, error) {
	return s.store.FindAll(ctx)
}

// ApproveFunded re-approves the customer's INSUFFICIENT orders whose payment
// fits into balance, oldest first.
func (s *Service) ApproveFunded(ctx context.Context, customerID string, balance float64) ([]Order, error) {
	pending, err := s.store.FindByCustomer(ctx, customerID, StatusInsufficient)
	if err != nil {
		return nil, fmt.Errorf("find insufficient orders of %s: %w", customerID, err)
	}
	if len(pending) == 0 {
		s.log.Debug().Str("customer_id", customerID).Float64("balance", balance).Msg("no insufficient orders")
		return nil, nil
	}

	var (
		approved []Order
		errs     []error
	)
	for _, order := range pending {
		if order.PaymentID == "" {
			continue
		}
		payment, err := s.payments.Get(ctx, order.PaymentID)
		if err != nil {
			errs = append(errs, fmt.Errorf("get payment %s: %w", order.PaymentID, err))
			continue
		}
		held := payment.Status == saga.PaymentHold
		if !held && payment.Amount > balance {
			continue
		}
		result, err := s.Approve(ctx, order.ID, order.TwoPhaseCommit())
		if err != nil {
			errs = append(errs, fmt.Errorf("approve order %s: %w", order.ID, err))
			continue
		}
		if result.Status == StatusApproved {
			if !held {
				balance -= payment.Amount
			}
			approved = append(approved, result)
		}
	}
	return approved, errors.Join(errs...)
}

func (s *Service) save(ctx context.Context, order Order) (Order, error) {
	saved, err := s.store.Save(ctx, order)
	if err != nil {
		return Order{}, err
	}
	s.notify(saved)
	return saved, nil
}

func (s *Service) notify(order Order) {
	if s.notifier != nil {
		s.notifier.OrderChanged(order)
	}
}

func (s *Service) step(ctx context.Context, orderID, step, status, detail string) {
	if err := s.steps.AddStep(ctx, orderID, step, status, detail); err != nil {
		s.log.Warn().Err(err).Str("order_id", orderID).Str("step", step).Msg("record saga step")
	}
}
