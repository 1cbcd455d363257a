package events

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"fulfillment/internal/orders"
	"fulfillment/internal/saga"
)

// FundedApprover re-approves orders once their customer has funds.
type FundedApprover interface {
	ApproveFunded(ctx context.Context, customerID string, balance float64) ([]orders.Order, error)
}

// BalanceListener handles account-balance events: each event is processed
// once and re-approves the customer's INSUFFICIENT orders that now fit.
type BalanceListener struct {
	orders FundedApprover
	dedup  *Dedup
	log    zerolog.Logger
}

func NewBalanceListener(approver FundedApprover, dedup *Dedup, log zerolog.Logger) *BalanceListener {
	return &BalanceListener{orders: approver, dedup: dedup, log: log}
}

// Handle is a consumer Handler. Malformed events are dropped; a failed
// approval forgets the event id and returns the error so the consumer retries it.
func (l *BalanceListener) Handle(ctx context.Context, m kafka.Message) error {
	var balance saga.AccountBalance
	if err := json.Unmarshal(m.Value, &balance); err != nil || balance.RequestID == "" || balance.ClientID == "" {
		l.log.Warn().Err(err).Int64("offset", m.Offset).Msg("dropping malformed account balance")
		return nil
	}
	log := l.log.With().Str("request_id", balance.RequestID).Str("client_id", balance.ClientID).Logger()

	first, err := l.dedup.First(ctx, balance.RequestID)
	if err != nil {
		return err
	}
	if !first {
		log.Debug().Msg("duplicate account balance")
		return nil
	}

	approved, err := l.orders.ApproveFunded(ctx, balance.ClientID, balance.Balance)
	if err != nil {
		if ferr := l.dedup.Forget(ctx, balance.RequestID); ferr != nil {
			err = errors.Join(err, ferr)
		}
		return err
	}
	log.Info().Float64("balance", balance.Balance).Int("approved", len(approved)).Msg("account balance handled")
	return nil
}
