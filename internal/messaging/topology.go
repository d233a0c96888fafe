// Package messaging carries generation jobs, worker callbacks and lifecycle
// events over RabbitMQ.
package messaging

import (
	"fmt"

	"github.com/streadway/amqp"
)

// Channel is the subset of *amqp.Channel used by this package.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
	Close() error
}

// Topology names the exchanges and queues of the generation pipeline.
type Topology struct {
	JobExchange        string
	JobQueue           string
	JobRoutingKey      string
	CallbackQueue      string
	EventExchange      string
	DeadLetterExchange string
	DeadLetterQueue    string
	Prefetch           int
}

// DefaultTopology returns the names the n8n workers are configured with.
func DefaultTopology() Topology {
	return Topology{
		JobExchange:        "generation_jobs_exchange",
		JobQueue:           "n8n_generation_jobs",
		JobRoutingKey:      "n8n.job.generation",
		CallbackQueue:      "generation_callbacks",
		EventExchange:      "generation_events",
		DeadLetterExchange: "generation_dlx",
		DeadLetterQueue:    "generation_callbacks_dlq",
		Prefetch:           10,
	}
}

// Declare creates exchanges, queues and bindings. All declarations are
// idempotent on the broker side.
func (t Topology) Declare(ch Channel) error {
	if err := ch.ExchangeDeclare(t.JobExchange, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", t.JobExchange, err)
	}
	if _, err := ch.QueueDeclare(t.JobQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", t.JobQueue, err)
	}
	if err := ch.QueueBind(t.JobQueue, t.JobRoutingKey, t.JobExchange, false, nil); err != nil {
		return fmt.Errorf("bind queue %s: %w", t.JobQueue, err)
	}

	var callbackArgs amqp.Table
	if t.DeadLetterExchange != "" {
		if err := ch.ExchangeDeclare(t.DeadLetterExchange, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare exchange %s: %w", t.DeadLetterExchange, err)
		}
		if _, err := ch.QueueDeclare(t.DeadLetterQueue, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare queue %s: %w", t.DeadLetterQueue, err)
		}
		if err := ch.QueueBind(t.DeadLetterQueue, t.DeadLetterQueue, t.DeadLetterExchange, false, nil); err != nil {
			return fmt.Errorf("bind queue %s: %w", t.DeadLetterQueue, err)
		}
		callbackArgs = amqp.Table{
			"x-dead-letter-exchange":    t.DeadLetterExchange,
			"x-dead-letter-routing-key": t.DeadLetterQueue,
		}
	}
	if _, err := ch.QueueDeclare(t.CallbackQueue, true, false, false, false, callbackArgs); err != nil {
		return fmt.Errorf("declare queue %s: %w", t.CallbackQueue, err)
	}

	if t.EventExchange != "" {
		if err := ch.ExchangeDeclare(t.EventExchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare exchange %s: %w", t.EventExchange, err)
		}
	}
	if t.Prefetch > 0 {
		if err := ch.Qos(t.Prefetch, 0, false); err != nil {
			return fmt.Errorf("set prefetch: %w", err)
		}
	}
	return nil
}
