package messaging

import (
	"sync"

	"github.com/streadway/amqp"
)

type published struct {
	exchange string
	key      string
	msg      amqp.Publishing
}

type fakeChannel struct {
	mu         sync.Mutex
	exchanges  map[string]string
	queues     map[string]amqp.Table
	bindings   []string
	prefetch   int
	published  []published
	publishErr error
	confirmAck bool
	confirms   chan amqp.Confirmation
	deliveries chan amqp.Delivery
	cancelled  []string
	tag        uint64

	// lateConfirms leaves confirms to the test instead of sending them on publish.
	lateConfirms bool
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		exchanges:  make(map[string]string),
		queues:     make(map[string]amqp.Table),
		confirmAck: true,
		deliveries: make(chan amqp.Delivery),
	}
}

func (f *fakeChannel) ExchangeDeclare(name, kind string, _, _, _, _ bool, _ amqp.Table) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exchanges[name] = kind
	return nil
}

func (f *fakeChannel) QueueDeclare(name string, _, _, _, _ bool, args amqp.Table) (amqp.Queue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queues[name] = args
	return amqp.Queue{Name: name}, nil
}

func (f *fakeChannel) QueueBind(name, key, exchange string, _ bool, _ amqp.Table) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bindings = append(f.bindings, exchange+"/"+key+"->"+name)
	return nil
}

func (f *fakeChannel) Qos(prefetchCount, _ int, _ bool) error {
	f.prefetch = prefetchCount
	return nil
}

func (f *fakeChannel) Confirm(bool) error { return nil }

func (f *fakeChannel) NotifyPublish(c chan amqp.Confirmation) chan amqp.Confirmation {
	f.confirms = c
	return c
}

func (f *fakeChannel) Publish(exchange, key string, _, _ bool, msg amqp.Publishing) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published = append(f.published, published{exchange: exchange, key: key, msg: msg})
	if f.confirms != nil {
		f.tag++
		if !f.lateConfirms {
			f.confirms <- amqp.Confirmation{DeliveryTag: f.tag, Ack: f.confirmAck}
		}
	}
	return nil
}

func (f *fakeChannel) Consume(string, string, bool, bool, bool, bool, amqp.Table) (<-chan amqp.Delivery, error) {
	return f.deliveries, nil
}

func (f *fakeChannel) Cancel(consumer string, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, consumer)
	return nil
}

func (f *fakeChannel) Close() error { return nil }

func (f *fakeChannel) messages() []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]published(nil), f.published...)
}

// ackRecorder captures how a delivery was settled.
type ackRecorder struct {
	mu      sync.Mutex
	results []string
	done    chan struct{}
}

func newAckRecorder(expected int) *ackRecorder {
	return &ackRecorder{done: make(chan struct{}, expected)}
}

func (a *ackRecorder) record(result string) error {
	a.mu.Lock()
	a.results = append(a.results, result)
	a.mu.Unlock()
	a.done <- struct{}{}
	return nil
}

func (a *ackRecorder) Ack(uint64, bool) error { return a.record("ack") }

func (a *ackRecorder) Nack(_ uint64, _ bool, requeue bool) error {
	if requeue {
		return a.record("requeue")
	}
	return a.record("dead-letter")
}

func (a *ackRecorder) Reject(_ uint64, requeue bool) error { return a.Nack(0, false, requeue) }
