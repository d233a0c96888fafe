package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"creativeflow/internal/generation"

	"github.com/rs/zerolog"
	"github.com/streadway/amqp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTopology_Declare(t *testing.T) {
	ch := newFakeChannel()
	require.NoError(t, DefaultTopology().Declare(ch))

	assert.Equal(t, amqp.ExchangeDirect, ch.exchanges["generation_jobs_exchange"])
	assert.Equal(t, amqp.ExchangeTopic, ch.exchanges["generation_events"])
	assert.Contains(t, ch.bindings, "generation_jobs_exchange/n8n.job.generation->n8n_generation_jobs")
	assert.Contains(t, ch.bindings, "generation_dlx/generation_callbacks_dlq->generation_callbacks_dlq")
	assert.Equal(t, "generation_dlx", ch.queues["generation_callbacks"]["x-dead-letter-exchange"])
	assert.Equal(t, 10, ch.prefetch)
}

func TestPublisher_PublishJob(t *testing.T) {
	ch := newFakeChannel()
	p, err := NewPublisher(ch, DefaultTopology(), true)
	require.NoError(t, err)

	job := generation.Job{
		RequestID: "req-1", UserID: "user-1", Stage: generation.StageSample,
		JobType: generation.JobSampleGeneration, Prompt: "a fox",
	}
	require.NoError(t, p.Publish(context.Background(), job))

	msgs := ch.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "generation_jobs_exchange", msgs[0].exchange)
	assert.Equal(t, "n8n.job.generation", msgs[0].key)
	assert.Equal(t, amqp.Persistent, msgs[0].msg.DeliveryMode)
	assert.Equal(t, "req-1:sample", msgs[0].msg.MessageId)
	assert.Equal(t, "sample_generation", msgs[0].msg.Type)

	var decoded generation.Job
	require.NoError(t, json.Unmarshal(msgs[0].msg.Body, &decoded))
	assert.Equal(t, job.Prompt, decoded.Prompt)
}

func TestPublisher_NackedConfirm(t *testing.T) {
	ch := newFakeChannel()
	ch.confirmAck = false
	p, err := NewPublisher(ch, DefaultTopology(), true)
	require.NoError(t, err)

	err = p.Publish(context.Background(), generation.Job{RequestID: "req-1"})
	assert.ErrorIs(t, err, ErrNotConfirmed)
}

func TestPublisher_SkipsConfirmOfAbandonedPublish(t *testing.T) {
	ch := newFakeChannel()
	ch.lateConfirms = true
	p, err := NewPublisher(ch, DefaultTopology(), true)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, p.Publish(ctx, generation.Job{RequestID: "req-a"}), context.DeadlineExceeded)

	// The broker acks the abandoned message late, then nacks the next one.
	ch.confirms <- amqp.Confirmation{DeliveryTag: 1, Ack: true}
	ch.mu.Lock()
	ch.lateConfirms = false
	ch.confirmAck = false
	ch.mu.Unlock()
	require.ErrorIs(t, p.Publish(context.Background(), generation.Job{RequestID: "req-b"}), ErrNotConfirmed)

	ch.mu.Lock()
	ch.confirmAck = true
	ch.mu.Unlock()
	require.NoError(t, p.Publish(context.Background(), generation.Job{RequestID: "req-c"}))
	assert.Len(t, ch.messages(), 3)
}

func TestPublisher_ChannelError(t *testing.T) {
	ch := newFakeChannel()
	ch.publishErr = amqp.ErrClosed
	p, err := NewPublisher(ch, DefaultTopology(), false)
	require.NoError(t, err)

	err = p.Publish(context.Background(), generation.Job{RequestID: "req-1"})
	assert.ErrorIs(t, err, amqp.ErrClosed)
}

func TestPublisher_CancelledContext(t *testing.T) {
	p, err := NewPublisher(newFakeChannel(), DefaultTopology(), false)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, p.Publish(ctx, generation.Job{RequestID: "req-1"}), context.Canceled)
}

func TestPublisher_PublishEvent(t *testing.T) {
	ch := newFakeChannel()
	p, err := NewPublisher(ch, DefaultTopology(), false)
	require.NoError(t, err)

	require.NoError(t, p.PublishEvent(context.Background(), generation.GenerationEvent{
		Kind: generation.EventFailed, RequestID: "req-1", Status: generation.StatusFailed,
	}))
	msgs := ch.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "generation_events", msgs[0].exchange)
	assert.Equal(t, "generation.failed", msgs[0].key)
}

func TestPublisher_EventsDisabled(t *testing.T) {
	ch := newFakeChannel()
	topo := DefaultTopology()
	topo.EventExchange = ""
	p, err := NewPublisher(ch, topo, false)
	require.NoError(t, err)

	require.NoError(t, p.PublishEvent(context.Background(), generation.GenerationEvent{Kind: generation.EventFailed}))
	assert.Empty(t, ch.messages())
}

type scriptedHandler struct {
	results map[string]error
}

func (s scriptedHandler) HandleCallback(_ context.Context, cb generation.Callback) (generation.CallbackOutcome, error) {
	if err := s.results[cb.CallbackID]; err != nil {
		return generation.OutcomeRejected, err
	}
	return generation.OutcomeApplied, nil
}

func delivery(t *testing.T, ack amqp.Acknowledger, cb any, redelivered bool) amqp.Delivery {
	t.Helper()
	body, ok := cb.([]byte)
	if !ok {
		var err error
		body, err = json.Marshal(cb)
		require.NoError(t, err)
	}
	return amqp.Delivery{Acknowledger: ack, Body: body, Redelivered: redelivered}
}

func TestCallbackConsumer_SettlesDeliveries(t *testing.T) {
	cases := []struct {
		name        string
		body        any
		redelivered bool
		want        string
	}{
		{"applied", generation.Callback{RequestID: "req-1", CallbackID: "ok"}, false, "ack"},
		{"malformed", []byte("{not json"), false, "dead-letter"},
		{"validation", generation.Callback{RequestID: "req-1", CallbackID: "invalid"}, false, "dead-letter"},
		{"unknown request", generation.Callback{RequestID: "req-1", CallbackID: "missing"}, false, "dead-letter"},
		{"transient", generation.Callback{RequestID: "req-1", CallbackID: "flaky"}, false, "requeue"},
		{"transient again", generation.Callback{RequestID: "req-1", CallbackID: "flaky"}, true, "dead-letter"},
	}
	handler := scriptedHandler{results: map[string]error{
		"invalid": fmt.Errorf("%w: bad", generation.ErrValidation),
		"missing": generation.ErrRequestNotFound,
		"flaky":   errors.New("store unavailable"),
	}}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ch := newFakeChannel()
			consumer := NewCallbackConsumer(ch, ConsumerConfig{Queue: "generation_callbacks"}, handler, zerolog.Nop())
			ctx, cancel := context.WithCancel(context.Background())
			done := make(chan error, 1)
			go func() { done <- consumer.Run(ctx) }()

			ack := newAckRecorder(1)
			ch.deliveries <- delivery(t, ack, tc.body, tc.redelivered)
			select {
			case <-ack.done:
			case <-time.After(time.Second):
				t.Fatal("delivery was not settled")
			}
			cancel()
			require.NoError(t, <-done)
			assert.Equal(t, []string{tc.want}, ack.results)
			assert.Equal(t, []string{"generation-orchestrator"}, ch.cancelled)
		})
	}
}

func TestCallbackConsumer_ClosedStream(t *testing.T) {
	ch := newFakeChannel()
	close(ch.deliveries)
	consumer := NewCallbackConsumer(ch, ConsumerConfig{Queue: "q"}, scriptedHandler{}, zerolog.Nop())
	assert.ErrorIs(t, consumer.Run(context.Background()), ErrDeliveriesClosed)
}
