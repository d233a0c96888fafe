package generation

import "context"

// NoopNotifier is a NotificationDispatcher that drops every event.
type NoopNotifier struct{}

func (NoopNotifier) Notify(context.Context, string, GenerationEvent) error {
	return nil
}

// NoopEventPublisher is an EventPublisher that drops every event.
type NoopEventPublisher struct{}

func (NoopEventPublisher) PublishEvent(context.Context, GenerationEvent) error {
	return nil
}

type noopObserver struct{}

func (noopObserver) ObserveTransition(Status, Status)              {}
func (noopObserver) ObserveCallback(CallbackKind, CallbackOutcome) {}
func (noopObserver) ObserveSettlement(SettleAction, error)         {}
