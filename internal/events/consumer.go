package events

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

// Handler processes one message. A failing message is retried with backoff;
// no later offset of its partition is committed before it succeeds.
type Handler func(ctx context.Context, m kafka.Message) error

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer reads a topic as part of a consumer group and hands messages to a
// pool of workers. Messages of one partition always go to the same worker,
// so offsets are committed in order.
type Consumer struct {
	r         messageReader
	workers   int
	log       zerolog.Logger
	retryBase time.Duration
	retryMax  time.Duration
}

// NewConsumer constructs a Consumer with manual offset commits.
func NewConsumer(brokers []string, group, topic string, workers int, log zerolog.Logger) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		GroupID:        group,
		Topic:          topic,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0,
	})
	return newConsumer(r, workers, log)
}

func newConsumer(r messageReader, workers int, log zerolog.Logger) *Consumer {
	if workers <= 0 {
		workers = 1
	}
	return &Consumer{r: r, workers: workers, log: log, retryBase: 200 * time.Millisecond, retryMax: 30 * time.Second}
}

// Run consumes until ctx is done or fetching fails. It waits for the workers
// to finish their current message and closes the reader before returning.
func (c *Consumer) Run(ctx context.Context, h Handler) error {
	jobs := make([]chan kafka.Message, c.workers)
	var wg sync.WaitGroup
	for i := range jobs {
		jobs[i] = make(chan kafka.Message, 64)
		wg.Add(1)
		go func(in <-chan kafka.Message) {
			defer wg.Done()
			stopped := false
			for m := range in {
				if stopped {
					continue
				}
				stopped = !c.handle(ctx, h, m)
			}
		}(jobs[i])
	}

	err := c.dispatch(ctx, jobs)
	for _, ch := range jobs {
		close(ch)
	}
	wg.Wait()
	if cerr := c.r.Close(); cerr != nil {
		err = errors.Join(err, cerr)
	}
	return err
}

func (c *Consumer) dispatch(ctx context.Context, jobs []chan kafka.Message) error {
	for {
		m, err := c.r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		select {
		case jobs[m.Partition%len(jobs)] <- m:
		case <-ctx.Done():
			return nil
		}
	}
}

// handle runs h until it succeeds, then commits m. It reports false when ctx
// ended first; m and everything after it on the partition stay uncommitted.
func (c *Consumer) handle(ctx context.Context, h Handler, m kafka.Message) bool {
	log := c.log.With().Str("topic", m.Topic).Int("partition", m.Partition).Int64("offset", m.Offset).Logger()
	delay := c.retryBase
	for attempt := 1; ; attempt++ {
		err := h(ctx, m)
		if err == nil {
			break
		}
		log.Error().Err(err).Int("attempt", attempt).Dur("retry_in", delay).Msg("handle message")
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false
		case <-timer.C:
		}
		delay = min(delay*2, c.retryMax)
	}
	if err := c.r.CommitMessages(ctx, m); err != nil {
		log.Error().Err(err).Msg("commit message")
		return ctx.Err() == nil
	}
	return true
}
