package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"creativeflow/internal/generation"

	"github.com/streadway/amqp"
)

// ErrNotConfirmed signals that the broker nacked a message or the confirm
// stream closed before an answer arrived.
var ErrNotConfirmed = errors.New("publish not confirmed by broker")

// Publisher sends generation jobs to the job exchange and lifecycle events to
// the event exchange. It implements generation.JobPublisher and
// generation.EventPublisher.
type Publisher struct {
	mu       sync.Mutex
	ch       Channel
	topo     Topology
	confirms chan amqp.Confirmation
	now      func() time.Time

	// published counts messages sent on the channel; in confirm mode the broker
	// numbers delivery tags the same way.
	published uint64
}

const confirmBuffer = 8

// NewPublisher wraps ch. With confirm set the channel is put in confirm mode
// and every publish waits for the broker's ack.
func NewPublisher(ch Channel, topo Topology, confirm bool) (*Publisher, error) {
	p := &Publisher{ch: ch, topo: topo, now: time.Now}
	if confirm {
		if err := ch.Confirm(false); err != nil {
			return nil, fmt.Errorf("enable confirms: %w", err)
		}
		p.confirms = ch.NotifyPublish(make(chan amqp.Confirmation, confirmBuffer))
	}
	return p, nil
}

func (p *Publisher) Publish(ctx context.Context, job generation.Job) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	return p.publish(ctx, p.topo.JobExchange, p.topo.JobRoutingKey, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    job.RequestID + ":" + string(job.Stage),
		Type:         string(job.JobType),
		Headers:      amqp.Table{"request_id": job.RequestID, "user_id": job.UserID},
		Body:         body,
	})
}

// PublishEvent routes events by kind, for example "generation.failed".
func (p *Publisher) PublishEvent(ctx context.Context, event generation.GenerationEvent) error {
	if p.topo.EventExchange == "" {
		return nil
	}
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return p.publish(ctx, p.topo.EventExchange, "generation."+string(event.Kind), amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    event.RequestID + ":" + string(event.Kind),
		Type:         string(event.Kind),
		Body:         body,
	})
}

func (p *Publisher) publish(ctx context.Context, exchange, key string, msg amqp.Publishing) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg.Timestamp = p.now()

	// Confirms arrive in publish order. One message in flight at a time keeps
	// the expected tag known; confirms left over from an abandoned wait are
	// skipped by tag.
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.ch.Publish(exchange, key, false, false, msg); err != nil {
		return fmt.Errorf("publish to %s/%s: %w", exchange, key, err)
	}
	p.published++
	if p.confirms == nil {
		return nil
	}
	return p.awaitConfirm(ctx, p.published)
}

func (p *Publisher) awaitConfirm(ctx context.Context, tag uint64) error {
	for {
		select {
		case conf, ok := <-p.confirms:
			if !ok {
				return fmt.Errorf("%w: confirm channel closed", ErrNotConfirmed)
			}
			if conf.DeliveryTag < tag {
				continue
			}
			if conf.DeliveryTag > tag {
				return fmt.Errorf("%w: expected delivery tag %d, got %d", ErrNotConfirmed, tag, conf.DeliveryTag)
			}
			if !conf.Ack {
				return fmt.Errorf("%w: delivery tag %d nacked", ErrNotConfirmed, tag)
			}
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
