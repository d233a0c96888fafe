package generation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "creativeflow/internal/generation"

// Failure codes set by the orchestrator itself. Worker codes are stored verbatim.
const (
	CodeInsufficientCredits = "INSUFFICIENT_CREDITS"
	CodePublishFailed       = "PUBLISH_FAILED"
	CodeStateNotPersisted   = "STATE_NOT_PERSISTED"
	CodeContentPolicy       = "CONTENT_POLICY"
)

// Orchestrator owns the generation saga: it reserves and settles credits,
// publishes jobs and applies worker callbacks.
type Orchestrator struct {
	store     RequestStore
	ledger    CreditLedger
	publisher JobPublisher
	notifier  NotificationDispatcher
	events    EventPublisher
	observer  SagaObserver
	cfg       Config
	log       zerolog.Logger
	tracer    trace.Tracer
	now       func() time.Time
	newID     func() string
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithEventPublisher emits lifecycle events to other services.
func WithEventPublisher(p EventPublisher) Option {
	return func(o *Orchestrator) {
		if p != nil {
			o.events = p
		}
	}
}

// WithObserver reports transitions, callbacks and settlements.
func WithObserver(obs SagaObserver) Option {
	return func(o *Orchestrator) {
		if obs != nil {
			o.observer = obs
		}
	}
}

func WithLogger(log zerolog.Logger) Option {
	return func(o *Orchestrator) { o.log = log }
}

func WithTracer(t trace.Tracer) Option {
	return func(o *Orchestrator) { o.tracer = t }
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

func WithIDGenerator(fn func() string) Option {
	return func(o *Orchestrator) { o.newID = fn }
}

// NewOrchestrator constructs an Orchestrator.
func NewOrchestrator(store RequestStore, ledger CreditLedger, publisher JobPublisher, notifier NotificationDispatcher, cfg Config, opts ...Option) *Orchestrator {
	if notifier == nil {
		notifier = NoopNotifier{}
	}
	o := &Orchestrator{
		store:     store,
		ledger:    ledger,
		publisher: publisher,
		notifier:  notifier,
		events:    NoopEventPublisher{},
		observer:  noopObserver{},
		cfg:       cfg.withDefaults(),
		log:       zerolog.Nop(),
		tracer:    otel.Tracer(tracerName),
		now:       time.Now,
		newID:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Initiate validates the input, reserves the sample-stage cost and publishes the
// sample job. When the balance is too low the request is still recorded as FAILED
// and its id is returned alongside ErrInsufficientCredits.
func (o *Orchestrator) Initiate(ctx context.Context, in InitiateInput) (string, error) {
	ctx, span := o.tracer.Start(ctx, "generation.Initiate")
	defer span.End()

	if err := in.normalize(o.cfg); err != nil {
		return "", recordErr(span, err)
	}
	digest := in.digest()
	log := o.log.With().Str("user_id", in.UserID).Str("project_id", in.ProjectID).Logger()

	if in.IdempotencyKey != "" {
		id, err := o.resolveIdempotent(ctx, in.UserID, in.IdempotencyKey, digest)
		if !errors.Is(err, ErrRequestNotFound) {
			if id != "" {
				log.Info().Str("request_id", id).Msg("initiate replayed for idempotency key")
			}
			return id, recordErr(span, err)
		}
	}

	now := o.now()
	req := &GenerationRequest{
		ID:              o.newID(),
		UserID:          in.UserID,
		ProjectID:       in.ProjectID,
		Prompt:          in.Prompt,
		Params:          in.Params,
		IdempotencyKey:  in.IdempotencyKey,
		InputDigest:     digest,
		Status:          StatusPending,
		CreditsReserved: decimal.Zero,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	span.SetAttributes(attribute.String("request_id", req.ID))
	log = log.With().Str("request_id", req.ID).Logger()

	cost := o.cfg.Costs.SampleStage(req.Params)
	holdID, err := o.reserve(ctx, req.UserID, req.ID, StageSample, cost)
	if errors.Is(err, ErrInsufficientCredits) {
		id, rejectErr := o.rejectReservation(ctx, req, err)
		return id, recordErr(span, rejectErr)
	}
	if err != nil {
		log.Error().Err(err).Msg("sample reservation failed")
		return "", recordErr(span, err)
	}

	req.addHold(holdID, StageSample, cost)
	if err := req.transition(StatusCreditsReserved, now); err != nil {
		return "", recordErr(span, err)
	}
	if err := o.store.Create(ctx, req); err != nil {
		o.refundOrphan(ctx, req.ID, holdID)
		if errors.Is(err, ErrDuplicateRequest) && req.IdempotencyKey != "" {
			id, dupErr := o.resolveIdempotent(ctx, req.UserID, req.IdempotencyKey, digest)
			return id, recordErr(span, dupErr)
		}
		return "", recordErr(span, fmt.Errorf("create request %s: %w", req.ID, err))
	}
	o.observer.ObserveTransition(StatusPending, StatusCreditsReserved)

	handle, err := o.store.GetForUpdate(ctx, req.ID)
	if err != nil {
		return req.ID, recordErr(span, fmt.Errorf("lock request %s: %w", req.ID, err))
	}
	defer o.release(ctx, handle)

	locked := handle.Request()
	handle.RecordStep("reserve", "ok", holdID)

	if err := o.publish(ctx, locked, StageSample); err != nil {
		log.Error().Err(err).Msg("sample job publish failed")
		handle.RecordStep("publish", "failed", err.Error())
		pubErr := fmt.Errorf("%w: %w", ErrPublish, err)
		if failErr := o.failAndSave(ctx, handle, publishFailure(StageSample, err), refundAll); failErr != nil {
			return req.ID, recordErr(span, errors.Join(pubErr, failErr))
		}
		return req.ID, recordErr(span, pubErr)
	}
	handle.RecordStep("publish", "ok", string(JobSampleGeneration))

	if err := locked.transition(StatusQueued, o.now()); err != nil {
		return req.ID, recordErr(span, err)
	}
	if err := handle.Save(ctx); err != nil {
		log.Error().Err(err).Msg("sample job published but queued state was not persisted")
		saveErr := fmt.Errorf("save request %s: %w", req.ID, err)
		o.release(ctx, handle)
		if recoverErr := o.recoverUnsaved(ctx, req.ID, StatusCreditsReserved, StageSample, "", err); recoverErr != nil {
			return req.ID, recordErr(span, errors.Join(saveErr, recoverErr))
		}
		return req.ID, recordErr(span, saveErr)
	}
	o.observer.ObserveTransition(StatusCreditsReserved, StatusQueued)

	log.Info().Str("hold_id", holdID).Str("cost", cost.String()).Msg("generation initiated")
	o.emit(ctx, locked, EventInitiated)
	return req.ID, nil
}

// SelectSample reserves the final-stage cost and publishes the final job for the
// chosen sample. userID may be empty for trusted callers.
func (o *Orchestrator) SelectSample(ctx context.Context, requestID, userID, sampleID string) error {
	ctx, span := o.tracer.Start(ctx, "generation.SelectSample",
		trace.WithAttributes(attribute.String("request_id", requestID)))
	defer span.End()

	requestID = strings.TrimSpace(requestID)
	sampleID = strings.TrimSpace(sampleID)
	if requestID == "" || sampleID == "" {
		return recordErr(span, fmt.Errorf("%w: request id and sample id are required", ErrValidation))
	}

	handle, err := o.store.GetForUpdate(ctx, requestID)
	if err != nil {
		return recordErr(span, err)
	}
	defer o.release(ctx, handle)

	req := handle.Request()
	log := o.log.With().Str("request_id", req.ID).Str("user_id", req.UserID).Logger()

	if userID != "" && req.UserID != userID {
		return recordErr(span, fmt.Errorf("%w: %s", ErrForbidden, req.ID))
	}
	if req.Status != StatusAwaitingSelection {
		return recordErr(span, fmt.Errorf("%w: cannot select a sample in %s", ErrInvalidStateTransition, req.Status))
	}
	if !req.HasSample(sampleID) {
		return recordErr(span, fmt.Errorf("%w: %s", ErrSampleNotFound, sampleID))
	}

	cost := o.cfg.Costs.FinalStage(req.Params)
	holdID, err := o.reserve(ctx, req.UserID, req.ID, StageFinal, cost)
	if err != nil {
		log.Warn().Err(err).Str("cost", cost.String()).Msg("final reservation failed")
		return recordErr(span, err)
	}
	req.addHold(holdID, StageFinal, cost)
	req.SelectedSampleID = sampleID
	handle.RecordStep("reserve", "ok", holdID)

	if err := o.publish(ctx, req, StageFinal); err != nil {
		log.Error().Err(err).Msg("final job publish failed")
		handle.RecordStep("publish", "failed", err.Error())
		pubErr := fmt.Errorf("%w: %w", ErrPublish, err)
		if failErr := o.failAndSave(ctx, handle, publishFailure(StageFinal, err), refundAll); failErr != nil {
			return recordErr(span, errors.Join(pubErr, failErr))
		}
		return recordErr(span, pubErr)
	}
	handle.RecordStep("publish", "ok", string(JobFinalGeneration))

	if err := req.transition(StatusFinalProcessing, o.now()); err != nil {
		return recordErr(span, err)
	}
	if err := handle.Save(ctx); err != nil {
		log.Error().Err(err).Msg("final job published but state was not persisted")
		saveErr := fmt.Errorf("save request %s: %w", req.ID, err)
		o.release(ctx, handle)
		if recoverErr := o.recoverUnsaved(ctx, req.ID, StatusAwaitingSelection, StageFinal, holdID, err); recoverErr != nil {
			return recordErr(span, errors.Join(saveErr, recoverErr))
		}
		return recordErr(span, saveErr)
	}
	o.observer.ObserveTransition(StatusAwaitingSelection, StatusFinalProcessing)

	log.Info().Str("sample_id", sampleID).Str("hold_id", holdID).Msg("sample selected")
	return nil
}

// GetRequest returns a snapshot of a request. A non-empty userID must own it.
func (o *Orchestrator) GetRequest(ctx context.Context, requestID, userID string) (*GenerationRequest, error) {
	req, err := o.store.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if userID != "" && req.UserID != userID {
		return nil, fmt.Errorf("%w: %s", ErrForbidden, requestID)
	}
	return req, nil
}

// RetrySettlements re-attempts holds whose capture or refund failed earlier.
// It returns how many holds are still unsettled.
func (o *Orchestrator) RetrySettlements(ctx context.Context, requestID string) (int, error) {
	ctx, span := o.tracer.Start(ctx, "generation.RetrySettlements",
		trace.WithAttributes(attribute.String("request_id", requestID)))
	defer span.End()

	handle, err := o.store.GetForUpdate(ctx, requestID)
	if err != nil {
		return 0, recordErr(span, err)
	}
	defer o.release(ctx, handle)

	req := handle.Request()
	attempted, remaining := 0, 0
	for i := range req.Holds {
		hold := &req.Holds[i]
		if hold.State != HoldSettleFailed {
			continue
		}
		attempted++
		if err := o.settleHold(ctx, *hold); err != nil {
			remaining++
			hold.LastError = err.Error()
			handle.RecordStep(string(hold.Action), "failed", hold.ID+": "+err.Error())
			o.log.Error().Err(err).Str("alert", "credit_settlement").
				Str("request_id", req.ID).Str("hold_id", hold.ID).Msg("credit settlement retry failed")
			continue
		}
		hold.State = settledState(hold.Action)
		hold.LastError = ""
		handle.RecordStep(string(hold.Action), "ok", hold.ID)
	}
	if attempted == 0 {
		return 0, nil
	}
	if err := handle.Save(ctx); err != nil {
		return remaining, recordErr(span, fmt.Errorf("save request %s: %w", req.ID, err))
	}
	o.log.Info().Str("request_id", req.ID).Int("attempted", attempted).Int("remaining", remaining).
		Msg("credit settlements retried")
	return remaining, nil
}

func (o *Orchestrator) resolveIdempotent(ctx context.Context, userID, key, digest string) (string, error) {
	existing, err := o.store.GetByIdempotencyKey(ctx, userID, key)
	if err != nil {
		return "", err
	}
	if existing.InputDigest != digest {
		return "", fmt.Errorf("%w: %s", ErrIdempotencyConflict, key)
	}
	return existing.ID, replayError(existing)
}

// replayError returns the error the first Initiate for this request reported,
// so a retried call sees the same outcome.
func replayError(req *GenerationRequest) error {
	if req.Status != StatusFailed || req.Failure == nil {
		return nil
	}
	switch req.Failure.Code {
	case CodeInsufficientCredits:
		return fmt.Errorf("%w: request %s", ErrInsufficientCredits, req.ID)
	case CodePublishFailed:
		if req.Failure.Stage == StageSample {
			return fmt.Errorf("%w: request %s", ErrPublish, req.ID)
		}
	case CodeStateNotPersisted:
		if req.Failure.Stage == StageSample {
			return fmt.Errorf("request %s failed: %s", req.ID, req.Failure.Reason)
		}
	}
	return nil
}

func (o *Orchestrator) rejectReservation(ctx context.Context, req *GenerationRequest, cause error) (string, error) {
	failure := Failure{
		Reason:        "insufficient credits for sample generation",
		IsSystemError: false,
		Stage:         StageReservation,
		Code:          CodeInsufficientCredits,
	}
	if err := req.fail(failure, o.now()); err != nil {
		return "", err
	}
	if err := o.store.Create(ctx, req); err != nil {
		if errors.Is(err, ErrDuplicateRequest) && req.IdempotencyKey != "" {
			return o.resolveIdempotent(ctx, req.UserID, req.IdempotencyKey, req.InputDigest)
		}
		return "", fmt.Errorf("create request %s: %w", req.ID, err)
	}
	o.observer.ObserveTransition(StatusPending, StatusFailed)
	o.log.Info().Str("request_id", req.ID).Str("user_id", req.UserID).Msg("generation rejected for insufficient credits")
	o.emit(ctx, req, EventFailed)
	return req.ID, cause
}

func (o *Orchestrator) reserve(ctx context.Context, userID, requestID string, stage Stage, amount decimal.Decimal) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.LedgerTimeout)
	defer cancel()

	holdID, err := o.ledger.Reserve(ctx, userID, requestID, stage, amount)
	switch {
	case err == nil:
		return holdID, nil
	case errors.Is(err, ErrInsufficientCredits), errors.Is(err, ErrCreditServiceUnavailable):
		return "", err
	default:
		return "", fmt.Errorf("%w: %w", ErrCreditServiceUnavailable, err)
	}
}

func (o *Orchestrator) publish(ctx context.Context, req *GenerationRequest, stage Stage) error {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.PublishTimeout)
	defer cancel()
	return o.publisher.Publish(ctx, o.buildJob(req, stage))
}

func (o *Orchestrator) buildJob(req *GenerationRequest, stage Stage) Job {
	job := Job{
		RequestID:         req.ID,
		UserID:            req.UserID,
		ProjectID:         req.ProjectID,
		Stage:             stage,
		JobType:           JobSampleGeneration,
		Prompt:            req.Prompt,
		Params:            req.Params,
		DesiredResolution: req.Params.DesiredResolution,
		CallbackQueue:     o.cfg.CallbackQueue,
	}
	if stage == StageFinal {
		job.JobType = JobFinalGeneration
		job.SelectedSampleID = req.SelectedSampleID
		for _, s := range req.Samples {
			if s.AssetID == req.SelectedSampleID {
				sample := s
				job.SelectedSample = &sample
				break
			}
		}
	}
	return job
}

// settleFunc picks the settlement for one outstanding hold.
type settleFunc func(CreditHold) (SettleAction, decimal.Decimal)

func refundAll(CreditHold) (SettleAction, decimal.Decimal) {
	return SettleRefund, decimal.Zero
}

func captureAll(h CreditHold) (SettleAction, decimal.Decimal) {
	return SettleCapture, h.Amount
}

func (o *Orchestrator) partialCharge(reason string) settleFunc {
	return func(h CreditHold) (SettleAction, decimal.Decimal) {
		amount := h.Amount.Mul(clampFraction(o.cfg.PartialCharge(h.Stage, reason)))
		if amount.IsPositive() {
			return SettleCapture, amount
		}
		return SettleRefund, decimal.Zero
	}
}

func settledState(action SettleAction) HoldState {
	if action == SettleCapture {
		return HoldCaptured
	}
	return HoldRefunded
}

// settle finalizes every outstanding hold. A hold whose ledger call still fails
// after retries is marked settle_failed and leaves the reserved balance anyway.
func (o *Orchestrator) settle(ctx context.Context, h RequestHandle, decide settleFunc) {
	req := h.Request()
	for _, i := range req.heldIndexes() {
		hold := &req.Holds[i]
		hold.Action, hold.CaptureAmount = decide(*hold)

		state := settledState(hold.Action)
		if err := o.settleHold(ctx, *hold); err != nil {
			state = HoldSettleFailed
			hold.LastError = err.Error()
			h.RecordStep(string(hold.Action), "failed", hold.ID+": "+err.Error())
			o.log.Error().Err(err).Str("alert", "credit_settlement").
				Str("request_id", req.ID).Str("hold_id", hold.ID).Str("action", string(hold.Action)).
				Msg("credit settlement failed")
		} else {
			h.RecordStep(string(hold.Action), "ok", hold.ID)
		}
		req.releaseHold(i, state, o.now())
	}
}

func (o *Orchestrator) settleHold(ctx context.Context, hold CreditHold) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.LedgerTimeout)
	defer cancel()

	var err error
	if hold.Action == SettleCapture {
		err = o.ledger.Capture(ctx, hold.ID, hold.CaptureAmount)
	} else {
		err = o.ledger.Refund(ctx, hold.ID)
	}
	o.observer.ObserveSettlement(hold.Action, err)
	return err
}

// compensate settles holds and moves the request to FAILED without persisting.
func (o *Orchestrator) compensate(ctx context.Context, h RequestHandle, f Failure, decide settleFunc) error {
	o.settle(ctx, h, decide)
	return h.Request().fail(f, o.now())
}

func (o *Orchestrator) failAndSave(ctx context.Context, h RequestHandle, f Failure, decide settleFunc) error {
	req := h.Request()
	from := req.Status
	if err := o.compensate(ctx, h, f, decide); err != nil {
		return err
	}
	if err := h.Save(context.WithoutCancel(ctx)); err != nil {
		o.log.Error().Err(err).Str("request_id", req.ID).Msg("failed state was not persisted")
		return fmt.Errorf("save request %s: %w", req.ID, err)
	}
	o.observer.ObserveTransition(from, StatusFailed)
	o.emit(ctx, req, EventFailed)
	return nil
}

func publishFailure(stage Stage, err error) Failure {
	return Failure{
		Reason:        "job publish failed: " + err.Error(),
		IsSystemError: true,
		Stage:         stage,
		Code:          CodePublishFailed,
	}
}

// recoverUnsaved runs after a job was published but the state change that
// followed it was lost. The stored request is still in expected and no callback
// for the running job can apply to it, so it is failed with every hold refunded.
// unsavedHold names a hold that existed only in the lost change.
func (o *Orchestrator) recoverUnsaved(ctx context.Context, requestID string, expected Status, stage Stage, unsavedHold string, cause error) error {
	ctx = context.WithoutCancel(ctx)
	if unsavedHold != "" {
		o.refundOrphan(ctx, requestID, unsavedHold)
	}

	handle, err := o.store.GetForUpdate(ctx, requestID)
	if err != nil {
		return fmt.Errorf("relock request %s: %w", requestID, err)
	}
	defer o.release(ctx, handle)

	req := handle.Request()
	if req.Status != expected {
		o.log.Warn().Str("request_id", requestID).Str("status", string(req.Status)).
			Msg("request moved on before recovery; leaving it as is")
		return nil
	}
	handle.RecordStep("persist", "failed", cause.Error())
	return o.failAndSave(ctx, handle, Failure{
		Reason:        "job published but state was not persisted: " + cause.Error(),
		IsSystemError: true,
		Stage:         stage,
		Code:          CodeStateNotPersisted,
	}, refundAll)
}

// refundOrphan releases a hold that never made it into a persisted request.
func (o *Orchestrator) refundOrphan(ctx context.Context, requestID, holdID string) {
	err := o.settleHold(ctx, CreditHold{ID: holdID, Action: SettleRefund})
	if err != nil {
		o.log.Error().Err(err).Str("alert", "credit_settlement").
			Str("request_id", requestID).Str("hold_id", holdID).Msg("orphaned hold refund failed")
	}
}

// emit notifies the user and publishes the lifecycle event. Failures are logged only.
func (o *Orchestrator) emit(ctx context.Context, req *GenerationRequest, kind EventKind) {
	ev := newEvent(kind, req, o.now())
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.NotifyTimeout)
	defer cancel()

	if kind != EventInitiated {
		if err := o.notifier.Notify(ctx, req.UserID, ev); err != nil {
			o.log.Warn().Err(fmt.Errorf("%w: %w", ErrNotification, err)).
				Str("request_id", req.ID).Str("kind", string(kind)).Msg("notification not delivered")
		}
	}
	if err := o.events.PublishEvent(ctx, ev); err != nil {
		o.log.Warn().Err(err).Str("request_id", req.ID).Str("kind", string(kind)).Msg("event not published")
	}
}

func (o *Orchestrator) release(ctx context.Context, h RequestHandle) {
	if err := h.Release(context.WithoutCancel(ctx)); err != nil {
		o.log.Warn().Err(err).Str("request_id", h.Request().ID).Msg("release request lock")
	}
}

func recordErr(span trace.Span, err error) error {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}
