package orders

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"fulfillment/internal/saga"
)

// operation is one order saga step: a state machine row, the call made on
// each participant and the reconciliation of their answers.
type operation struct {
	transition
	payment   func(ctx context.Context, order Order, txID string) (saga.PaymentStatus, error)
	reserve   func(ctx context.Context, order Order, txID string) (saga.ReserveStatus, error)
	reconcile reconciler
}

func (s *Service) approveOp() operation {
	return operation{
		transition: approveTransition,
		payment: func(ctx context.Context, o Order, txID string) (saga.PaymentStatus, error) {
			return s.payments.Approve(ctx, o.PaymentID, txID)
		},
		reserve: func(ctx context.Context, o Order, txID string) (saga.ReserveStatus, error) {
			res, err := s.reserves.Approve(ctx, o.ReserveID, txID)
			return res.Status, err
		},
		reconcile: accepting(StatusApproved, StatusInsufficient),
	}
}

func (s *Service) releaseOp() operation {
	return operation{
		transition: releaseTransition,
		payment: func(ctx context.Context, o Order, txID string) (saga.PaymentStatus, error) {
			return s.payments.Pay(ctx, o.PaymentID, txID)
		},
		reserve: func(ctx context.Context, o Order, txID string) (saga.ReserveStatus, error) {
			res, err := s.reserves.Release(ctx, o.ReserveID, txID)
			return res.Status, err
		},
		reconcile: accepting(StatusReleased, StatusInsufficient),
	}
}

func (s *Service) cancelOp() operation {
	return operation{
		transition: cancelTransition,
		payment: func(ctx context.Context, o Order, txID string) (saga.PaymentStatus, error) {
			return s.payments.Cancel(ctx, o.PaymentID, txID)
		},
		reserve: func(ctx context.Context, o Order, txID string) (saga.ReserveStatus, error) {
			res, err := s.reserves.Cancel(ctx, o.ReserveID, txID)
			return res.Status, err
		},
		reconcile: reconcileCancel,
	}
}

func (s *Service) run(ctx context.Context, op operation, orderID string, twoPhaseCommit bool) (Order, error) {
	order, err := s.store.Find(ctx, orderID)
	if err != nil {
		return Order{}, err
	}
	if err := op.check(order); err != nil {
		return Order{}, err
	}
	if twoPhaseCommit && !order.TwoPhaseCommit() {
		return Order{}, saga.InvalidArgument(fmt.Errorf("order %s was created without two-phase commit", orderID))
	}
	if err := inFlightTwoPhase(order, op.intermediate, twoPhaseCommit); err != nil {
		return Order{}, err
	}

	log := s.log.With().Str("op", op.name).Str("order_id", orderID).Bool("two_phase", twoPhaseCommit).Logger()
	log.Debug().Str("status", string(order.Status)).Msg("order operation started")

	switch {
	case order.Status == op.intermediate && twoPhaseCommit:
		resolved, done, err := s.finishInterrupted(ctx, op, order, log)
		if err != nil || done {
			return resolved, err
		}
		order = resolved
	case order.Status != op.intermediate:
		order.Status = op.intermediate
		if order, err = s.save(ctx, order); err != nil {
			return Order{}, fmt.Errorf("mark order %s %s: %w", orderID, op.intermediate, err)
		}
		s.step(ctx, orderID, op.name, saga.StepStarted, string(op.intermediate))
	}

	paymentStatus, reserveStatus, err := s.invoke(ctx, op, order, twoPhaseCommit)
	if err != nil {
		log.Error().Err(err).Msg("participant call failed")
		s.step(ctx, orderID, op.name, saga.StepFailed, err.Error())
		if twoPhaseCommit {
			s.rollbackRemote(ctx, order, log)
		}
		return Order{}, err
	}
	return s.decide(ctx, op, order, paymentStatus, reserveStatus, twoPhaseCommit, log)
}

// invoke calls both participants concurrently and waits for both. A participant
// reporting that its entity already left the expected status answers with
// that status instead of failing.
func (s *Service) invoke(ctx context.Context, op operation, order Order, twoPhaseCommit bool) (saga.PaymentStatus, saga.ReserveStatus, error) {
	paymentTx, reserveTx := order.txIDs(twoPhaseCommit)

	var (
		g             errgroup.Group
		paymentStatus saga.PaymentStatus
		reserveStatus saga.ReserveStatus
	)
	g.Go(func() error {
		status, err := op.payment(ctx, order, paymentTx)
		if status, err = saga.RecoverStatus(status, err); err != nil {
			return fmt.Errorf("%s payment %s: %w", op.name, order.PaymentID, err)
		}
		paymentStatus = status
		return nil
	})
	g.Go(func() error {
		status, err := op.reserve(ctx, order, reserveTx)
		if status, err = saga.RecoverStatus(status, err); err != nil {
			return fmt.Errorf("%s reserve %s: %w", op.name, order.ReserveID, err)
		}
		reserveStatus = status
		return nil
	})
	err := g.Wait()
	return paymentStatus, reserveStatus, err
}

func (s *Service) decide(
	ctx context.Context,
	op operation,
	order Order,
	paymentStatus saga.PaymentStatus,
	reserveStatus saga.ReserveStatus,
	twoPhaseCommit bool,
	log zerolog.Logger,
) (Order, error) {
	observed := fmt.Sprintf("payment=%s reserve=%s", paymentStatus, reserveStatus)
	next, ok := op.reconcile(paymentStatus, reserveStatus)
	if !ok {
		log.Info().Str("status", string(order.Status)).Str("observed", observed).Msg("order status not changed")
		s.step(ctx, order.ID, op.name, saga.StepUndecided, observed)
		return order, nil
	}
	s.step(ctx, order.ID, op.name, saga.StepDecided, observed+" -> "+string(next))

	order.Status = next
	if next == StatusInsufficient {
		log.Info().Str("observed", observed).Msg("order is insufficient")
		saved, err := s.save(ctx, order)
		if twoPhaseCommit {
			s.rollbackRemote(ctx, order, log)
		}
		if err != nil {
			return Order{}, fmt.Errorf("save order %s %s: %w", order.ID, next, err)
		}
		return saved, nil
	}
	return s.commit(ctx, op.name, order, twoPhaseCommit, log)
}

// commit persists the decided status. With two-phase commit the write is
// prepared locally, then both participants and the local transaction commit.
func (s *Service) commit(ctx context.Context, opName string, order Order, twoPhaseCommit bool, log zerolog.Logger) (Order, error) {
	if !twoPhaseCommit {
		saved, err := s.save(ctx, order)
		if err != nil {
			return Order{}, fmt.Errorf("save order %s %s: %w", order.ID, order.Status, err)
		}
		return saved, nil
	}

	var saved Order
	err := s.tx.Prepare(ctx, order.ID, func(ctx context.Context, store Store) error {
		var err error
		saved, err = store.Save(ctx, order)
		return err
	})
	if err != nil {
		log.Error().Err(err).Msg("local prepare failed")
		s.step(ctx, order.ID, opName, saga.StepFailed, err.Error())
		s.rollbackRemote(ctx, order, log)
		return Order{}, err
	}

	if err := s.distributedCommit(ctx, order); err != nil {
		log.Error().Err(err).Str("status", string(order.Status)).Msg("distributed commit failed, order left for resume")
		s.step(ctx, order.ID, opName, saga.StepFailed, err.Error())
		return Order{}, err
	}
	s.notify(saved)
	s.step(ctx, order.ID, opName, saga.StepCommitted, string(saved.Status))
	return saved, nil
}

// distributedCommit commits reserve, payment and the local order transaction
// in that order. Each leg treats an unknown transaction as already committed.
func (s *Service) distributedCommit(ctx context.Context, order Order) error {
	if err := s.reserves.Commit(ctx, order.ReserveTxID); err != nil {
		return fmt.Errorf("commit reserve transaction %s: %w", order.ReserveTxID, err)
	}
	if err := s.payments.Commit(ctx, order.PaymentTxID); err != nil {
		return fmt.Errorf("commit payment transaction %s: %w", order.PaymentTxID, err)
	}
	if err := s.tx.Commit(ctx, order.ID); err != nil {
		return fmt.Errorf("commit order transaction %s: %w", order.ID, err)
	}
	return nil
}

// rollbackRemote compensates both participants. Failures are logged only.
func (s *Service) rollbackRemote(ctx context.Context, order Order, log zerolog.Logger) {
	if err := s.payments.Rollback(ctx, order.PaymentTxID); err != nil {
		log.Error().Err(err).Str("tx_id", order.PaymentTxID).Msg("payment rollback failed")
	}
	if err := s.reserves.Rollback(ctx, order.ReserveTxID); err != nil {
		log.Error().Err(err).Str("tx_id", order.ReserveTxID).Msg("reserve rollback failed")
	}
	s.step(ctx, order.ID, "rollback", saga.StepCompensated, order.PaymentTxID+","+order.ReserveTxID)
}

// finishInterrupted completes a two-phase attempt that stopped at the
// intermediate status. It commits whatever is still prepared, then decides
// from the participants' current state when it can. done is false when the
// operation has to be run again.
func (s *Service) finishInterrupted(ctx context.Context, op operation, order Order, log zerolog.Logger) (Order, bool, error) {
	log.Info().Msg("finishing interrupted two-phase operation")
	if err := s.distributedCommit(ctx, order); err != nil {
		return Order{}, false, err
	}

	current, err := s.store.Find(ctx, order.ID)
	if err != nil {
		return Order{}, false, err
	}
	if current.Status != op.intermediate {
		s.notify(current)
		return current, true, nil
	}
	if current.PaymentID == "" || current.ReserveID == "" {
		return current, false, nil
	}

	paymentStatus, reserveStatus, err := s.observe(ctx, current)
	if err != nil {
		log.Warn().Err(err).Msg("participant state unavailable, running operation again")
		return current, false, nil
	}
	next, ok := op.reconcile(paymentStatus, reserveStatus)
	if !ok || next == StatusInsufficient {
		return current, false, nil
	}
	s.step(ctx, current.ID, op.name, saga.StepDecided, fmt.Sprintf("payment=%s reserve=%s -> %s", paymentStatus, reserveStatus, next))
	current.Status = next
	saved, err := s.commit(ctx, op.name, current, true, log)
	return saved, true, err
}

func (s *Service) observe(ctx context.Context, order Order) (saga.PaymentStatus, saga.ReserveStatus, error) {
	var (
		g       errgroup.Group
		payment saga.Payment
		reserve saga.Reserve
	)
	g.Go(func() error {
		var err error
		payment, err = s.payments.Get(ctx, order.PaymentID)
		return err
	})
	g.Go(func() error {
		var err error
		reserve, err = s.reserves.Get(ctx, order.ReserveID)
		return err
	})
	if err := g.Wait(); err != nil {
		return "", "", err
	}
	return payment.Status, reserve.Status, nil
}

func (s *Service) create(ctx context.Context, order Order, twoPhaseCommit bool) (Order, error) {
	log := s.log.With().Str("op", createTransition.name).Str("order_id", order.ID).Bool("two_phase", twoPhaseCommit).Logger()

	cost, err := s.cost(ctx, order.Items)
	if err != nil {
		return Order{}, fmt.Errorf("order %s: %w", order.ID, err)
	}
	paymentTx, reserveTx := order.txIDs(twoPhaseCommit)

	var (
		g         errgroup.Group
		paymentID string
		reserveID string
	)
	g.Go(func() error {
		id, err := s.payments.Create(ctx, saga.PaymentCreate{
			ExternalRef: order.ID,
			ClientID:    order.CustomerID,
			Amount:      cost,
			TxID:        paymentTx,
		})
		if err != nil {
			return fmt.Errorf("create payment (order %s): %w", order.ID, err)
		}
		paymentID = id
		return nil
	})
	g.Go(func() error {
		id, err := s.reserves.Create(ctx, saga.ReserveCreate{
			ExternalRef: order.ID,
			Items:       order.Items,
			TxID:        reserveTx,
		})
		if err != nil {
			return fmt.Errorf("create reserve (order %s): %w", order.ID, err)
		}
		reserveID = id
		return nil
	})
	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("participant create failed")
		s.step(ctx, order.ID, createTransition.name, saga.StepFailed, err.Error())
		if twoPhaseCommit {
			s.rollbackRemote(ctx, order, log)
		}
		return Order{}, err
	}

	order.PaymentID = paymentID
	order.ReserveID = reserveID
	order.Status = StatusCreated
	return s.commit(ctx, createTransition.name, order, twoPhaseCommit, log)
}

func (s *Service) resumeCreate(ctx context.Context, order Order, twoPhaseCommit bool) (Order, error) {
	if err := inFlightTwoPhase(order, StatusCreating, twoPhaseCommit); err != nil {
		return Order{}, err
	}
	if twoPhaseCommit {
		if !order.TwoPhaseCommit() {
			return Order{}, saga.InvalidArgument(fmt.Errorf("order %s was created without two-phase commit", order.ID))
		}
		if err := s.distributedCommit(ctx, order); err != nil {
			return Order{}, err
		}
		current, err := s.store.Find(ctx, order.ID)
		if err != nil {
			return Order{}, err
		}
		if current.Status != StatusCreating {
			s.notify(current)
			return current, nil
		}
		order = current
	}
	return s.create(ctx, order, twoPhaseCommit)
}

// inFlightTwoPhase rejects finishing a two-phase order parked at its
// intermediate status without two-phase commit: its prepared transaction
// would be left behind.
func inFlightTwoPhase(order Order, intermediate Status, twoPhaseCommit bool) error {
	if twoPhaseCommit || !order.TwoPhaseCommit() || order.Status != intermediate {
		return nil
	}
	return saga.InvalidArgument(fmt.Errorf("order %s is %s under two-phase commit; finish it with two-phase commit", order.ID, intermediate))
}

// cost prices the order items through the warehouse.
func (s *Service) cost(ctx context.Context, items []saga.Item) (float64, error) {
	total := 0.0
	for _, item := range items {
		unit, err := s.warehouse.ItemCost(ctx, item.ID)
		if err != nil {
			return 0, fmt.Errorf("get item %s cost: %w", item.ID, err)
		}
		total += unit * float64(item.Amount)
	}
	return total, nil
}
