package generation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// CallbackKind is the type of a worker callback.
type CallbackKind string

const (
	CallbackSamplesProcessing CallbackKind = "samples_processing"
	CallbackSamplesReady      CallbackKind = "samples_ready"
	CallbackFinalReady        CallbackKind = "final_ready"
	CallbackFailed            CallbackKind = "failed"
)

// Valid reports whether k is a known callback kind.
func (k CallbackKind) Valid() bool {
	switch k {
	case CallbackSamplesProcessing, CallbackSamplesReady, CallbackFinalReady, CallbackFailed:
		return true
	}
	return false
}

// CallbackOutcome reports what HandleCallback did with a callback.
type CallbackOutcome string

const (
	OutcomeApplied   CallbackOutcome = "applied"
	OutcomeDuplicate CallbackOutcome = "duplicate"
	OutcomeStale     CallbackOutcome = "stale"
	OutcomeRejected  CallbackOutcome = "rejected"
)

// Callback is an asynchronous worker report. CallbackID is unique per delivery
// intent and repeated on redelivery.
type Callback struct {
	RequestID     string         `json:"request_id"`
	CallbackID    string         `json:"callback_id"`
	Kind          CallbackKind   `json:"kind"`
	Samples       []AssetInfo    `json:"samples,omitempty"`
	FinalAsset    *AssetInfo     `json:"final_asset,omitempty"`
	ErrorMessage  string         `json:"error_message,omitempty"`
	IsSystemError bool           `json:"is_system_error,omitempty"`
	FailedStage   Stage          `json:"failed_stage,omitempty"`
	ErrorCode     string         `json:"error_code,omitempty"`
	Details       map[string]any `json:"details,omitempty"`
}

func (c Callback) validate() error {
	if strings.TrimSpace(c.RequestID) == "" {
		return fmt.Errorf("%w: callback without request id", ErrValidation)
	}
	if strings.TrimSpace(c.CallbackID) == "" {
		return fmt.Errorf("%w: callback without callback id", ErrValidation)
	}
	switch c.Kind {
	case CallbackSamplesReady:
		if len(c.Samples) == 0 {
			return fmt.Errorf("%w: samples_ready without samples", ErrValidation)
		}
		for _, s := range c.Samples {
			if err := s.validate(); err != nil {
				return err
			}
		}
	case CallbackFinalReady:
		if c.FinalAsset == nil {
			return fmt.Errorf("%w: final_ready without asset", ErrValidation)
		}
		return c.FinalAsset.validate()
	case CallbackFailed:
		switch c.FailedStage {
		case "", StageSample, StageFinal:
		default:
			return fmt.Errorf("%w: unknown failed stage %q", ErrValidation, c.FailedStage)
		}
	case CallbackSamplesProcessing:
	default:
		return fmt.Errorf("%w: unknown callback kind %q", ErrValidation, c.Kind)
	}
	return nil
}

// HandleCallback applies a worker callback as one atomic step per request.
// Duplicate and stale callbacks are discarded and reported with a nil error.
func (o *Orchestrator) HandleCallback(ctx context.Context, cb Callback) (CallbackOutcome, error) {
	ctx, span := o.tracer.Start(ctx, "generation.HandleCallback", trace.WithAttributes(
		attribute.String("request_id", cb.RequestID),
		attribute.String("callback_id", cb.CallbackID),
		attribute.String("kind", string(cb.Kind)),
	))
	defer span.End()

	if err := cb.validate(); err != nil {
		o.observer.ObserveCallback(cb.Kind, OutcomeRejected)
		return OutcomeRejected, recordErr(span, err)
	}
	log := o.log.With().Str("request_id", cb.RequestID).Str("callback_id", cb.CallbackID).
		Str("kind", string(cb.Kind)).Logger()

	handle, err := o.store.GetForUpdate(ctx, cb.RequestID)
	if err != nil {
		o.observer.ObserveCallback(cb.Kind, OutcomeRejected)
		return OutcomeRejected, recordErr(span, err)
	}
	defer o.release(ctx, handle)

	req := handle.Request()
	if req.LastProcessedCallbackID == cb.CallbackID {
		log.Info().Str("status", string(req.Status)).Msg("duplicate callback discarded")
		o.observer.ObserveCallback(cb.Kind, OutcomeDuplicate)
		return OutcomeDuplicate, nil
	}

	from := req.Status
	event, err := o.applyCallback(ctx, handle, cb)
	if errors.Is(err, ErrStaleCallback) {
		log.Info().Err(err).Str("status", string(req.Status)).Msg("stale callback discarded")
		o.observer.ObserveCallback(cb.Kind, OutcomeStale)
		return OutcomeStale, nil
	}
	if err != nil {
		log.Error().Err(err).Msg("callback not applied")
		o.observer.ObserveCallback(cb.Kind, OutcomeRejected)
		return OutcomeRejected, recordErr(span, err)
	}

	req.LastProcessedCallbackID = cb.CallbackID
	handle.RecordStep("callback", string(cb.Kind), cb.CallbackID)
	if err := handle.Save(context.WithoutCancel(ctx)); err != nil {
		log.Error().Err(err).Msg("callback applied but not persisted")
		o.observer.ObserveCallback(cb.Kind, OutcomeRejected)
		return OutcomeRejected, recordErr(span, fmt.Errorf("save request %s: %w", req.ID, err))
	}
	o.observer.ObserveTransition(from, req.Status)
	o.observer.ObserveCallback(cb.Kind, OutcomeApplied)

	log.Info().Str("from", string(from)).Str("status", string(req.Status)).Msg("callback applied")
	if event != "" {
		o.emit(ctx, req, event)
	}
	return OutcomeApplied, nil
}

// applyCallback mutates the locked request and returns the event to emit once saved.
func (o *Orchestrator) applyCallback(ctx context.Context, h RequestHandle, cb Callback) (EventKind, error) {
	req := h.Request()
	now := o.now()

	switch cb.Kind {
	case CallbackSamplesProcessing:
		if req.Status != StatusQueued {
			return "", staleError(req, cb)
		}
		return "", req.transition(StatusSamplesProcessing, now)

	case CallbackSamplesReady:
		if !req.Status.CanTransition(StatusAwaitingSelection) {
			return "", staleError(req, cb)
		}
		req.Samples = append(req.Samples, cb.Samples...)
		return EventSamplesCompleted, req.transition(StatusAwaitingSelection, now)

	case CallbackFinalReady:
		if req.Status != StatusFinalProcessing {
			return "", staleError(req, cb)
		}
		asset := *cb.FinalAsset
		o.settle(ctx, h, captureAll)
		req.FinalAsset = &asset
		return EventFinalGenerated, req.transition(StatusCompleted, now)

	case CallbackFailed:
		if req.Status.IsTerminal() {
			return "", staleError(req, cb)
		}
		inflight, running := req.Status.inflightStage()
		if cb.FailedStage != "" && (!running || cb.FailedStage != inflight) {
			return "", staleError(req, cb)
		}
		failure := Failure{
			Reason:        cb.ErrorMessage,
			IsSystemError: cb.IsSystemError,
			Stage:         failedStage(req, cb),
			Code:          cb.ErrorCode,
			Details:       cb.Details,
		}
		if failure.Reason == "" {
			failure.Reason = "generation failed"
		}
		if strings.EqualFold(cb.ErrorCode, CodeContentPolicy) {
			o.log.Warn().Str("request_id", req.ID).Str("user_id", req.UserID).Str("stage", string(failure.Stage)).
				Msg("generation blocked by content policy")
		}

		decide := refundAll
		if !cb.IsSystemError {
			decide = o.partialCharge(failure.Reason)
		}
		return EventFailed, o.compensate(ctx, h, failure, decide)
	}
	return "", fmt.Errorf("%w: unknown callback kind %q", ErrValidation, cb.Kind)
}

func failedStage(req *GenerationRequest, cb Callback) Stage {
	if cb.FailedStage != "" {
		return cb.FailedStage
	}
	if stage, ok := req.Status.inflightStage(); ok {
		return stage
	}
	if n := len(req.Holds); n > 0 {
		return req.Holds[n-1].Stage
	}
	return StageSample
}

func staleError(req *GenerationRequest, cb Callback) error {
	return fmt.Errorf("%w: %s in %s", ErrStaleCallback, cb.Kind, req.Status)
}
