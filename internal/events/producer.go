// Package events carries account-balance events from the Payment participant
// to the order process over Kafka.
package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"fulfillment/internal/saga"
)

const (
	headerEventType     = "event-type"
	eventAccountBalance = "account-balance"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer publishes account balances keyed by client id, so one client's
// balances stay ordered within a partition.
type Producer struct {
	w   messageWriter
	log zerolog.Logger
}

// NewProducer constructs a Producer writing to topic on brokers.
func NewProducer(brokers []string, topic string, log zerolog.Logger) *Producer {
	return &Producer{
		w: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
		},
		log: log,
	}
}

// PublishBalance implements payments.BalancePublisher.
func (p *Producer) PublishBalance(ctx context.Context, balance saga.AccountBalance) error {
	value, err := json.Marshal(balance)
	if err != nil {
		return fmt.Errorf("encode account balance: %w", err)
	}
	err = p.w.WriteMessages(ctx, kafka.Message{
		Key:     []byte(balance.ClientID),
		Value:   value,
		Time:    balance.Timestamp,
		Headers: []kafka.Header{{Key: headerEventType, Value: []byte(eventAccountBalance)}},
	})
	if err != nil {
		return fmt.Errorf("publish account balance %s: %w", balance.RequestID, err)
	}
	p.log.Debug().Str("request_id", balance.RequestID).Str("client_id", balance.ClientID).Msg("account balance published")
	return nil
}

func (p *Producer) Close() error {
	return p.w.Close()
}
