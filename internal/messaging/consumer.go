package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"creativeflow/internal/generation"

	"github.com/rs/zerolog"
	"github.com/streadway/amqp"
)

// ErrDeliveriesClosed signals that the broker closed the consumer stream.
var ErrDeliveriesClosed = errors.New("callback deliveries closed")

// CallbackHandler applies one worker callback.
type CallbackHandler interface {
	HandleCallback(ctx context.Context, cb generation.Callback) (generation.CallbackOutcome, error)
}

// ConsumerConfig tunes the callback consumer.
type ConsumerConfig struct {
	Queue         string
	Tag           string
	Concurrency   int
	HandleTimeout time.Duration
}

// CallbackConsumer reads worker callbacks from RabbitMQ and hands them to the
// orchestrator. Applied, duplicate and stale callbacks are acked. Malformed or
// unknown callbacks are dead-lettered. Anything else is requeued once.
type CallbackConsumer struct {
	ch      Channel
	cfg     ConsumerConfig
	handler CallbackHandler
	log     zerolog.Logger
}

func NewCallbackConsumer(ch Channel, cfg ConsumerConfig, handler CallbackHandler, log zerolog.Logger) *CallbackConsumer {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 10
	}
	if cfg.HandleTimeout <= 0 {
		cfg.HandleTimeout = 30 * time.Second
	}
	if cfg.Tag == "" {
		cfg.Tag = "generation-orchestrator"
	}
	return &CallbackConsumer{ch: ch, cfg: cfg, handler: handler, log: log.With().Str("queue", cfg.Queue).Logger()}
}

// Run consumes until ctx is cancelled or the broker closes the stream, then
// waits for in-flight callbacks to finish.
func (c *CallbackConsumer) Run(ctx context.Context) error {
	deliveries, err := c.ch.Consume(c.cfg.Queue, c.cfg.Tag, false, false, false, false, nil)
	if err != nil {
		return err
	}

	sem := make(chan struct{}, c.cfg.Concurrency)
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			if err := c.ch.Cancel(c.cfg.Tag, false); err != nil {
				c.log.Warn().Err(err).Msg("cancel consumer")
			}
			return nil
		case d, ok := <-deliveries:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return ErrDeliveriesClosed
			}
			sem <- struct{}{}
			wg.Add(1)
			go func(del amqp.Delivery) {
				defer func() { <-sem; wg.Done() }()
				c.handle(ctx, del)
			}(d)
		}
	}
}

func (c *CallbackConsumer) handle(ctx context.Context, d amqp.Delivery) {
	var cb generation.Callback
	if err := json.Unmarshal(d.Body, &cb); err != nil {
		c.log.Error().Err(err).Str("message_id", d.MessageId).Msg("invalid callback payload")
		_ = d.Nack(false, false)
		return
	}

	// In-flight callbacks finish during shutdown.
	hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.HandleTimeout)
	defer cancel()

	log := c.log.With().Str("request_id", cb.RequestID).Str("callback_id", cb.CallbackID).Logger()
	outcome, err := c.handler.HandleCallback(hctx, cb)
	switch {
	case err == nil:
		log.Debug().Str("outcome", string(outcome)).Msg("callback acked")
		_ = d.Ack(false)
	case errors.Is(err, generation.ErrValidation), errors.Is(err, generation.ErrRequestNotFound):
		log.Error().Err(err).Msg("callback rejected; dead-lettering")
		_ = d.Nack(false, false)
	case d.Redelivered:
		log.Error().Err(err).Msg("callback failed again; dead-lettering")
		_ = d.Nack(false, false)
	default:
		log.Warn().Err(err).Msg("callback failed; requeueing once")
		_ = d.Nack(false, true)
	}
}
