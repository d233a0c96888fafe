package generation

import (
	"context"

	"github.com/shopspring/decimal"
)

// CreditLedger reserves and settles user credits.
type CreditLedger interface {
	// Reserve places a hold of amount against the user's balance for one stage
	// of a request. Each (requestID, stage) pair is a distinct hold. It returns
	// ErrInsufficientCredits when the balance is too low and
	// ErrCreditServiceUnavailable when the ledger cannot answer.
	Reserve(ctx context.Context, userID, requestID string, stage Stage, amount decimal.Decimal) (string, error)
	// Capture converts up to amount of a hold into spend and releases the rest.
	// Capturing an already captured hold is a no-op.
	Capture(ctx context.Context, holdID string, amount decimal.Decimal) error
	// Refund releases a hold. Refunding an already refunded hold is a no-op.
	Refund(ctx context.Context, holdID string) error
}

// JobPublisher places generation jobs on the worker queue.
type JobPublisher interface {
	Publish(ctx context.Context, job Job) error
}

// NotificationDispatcher emits user-facing notifications. Delivery is best effort.
type NotificationDispatcher interface {
	Notify(ctx context.Context, userID string, event GenerationEvent) error
}

// EventPublisher emits lifecycle events for other services.
type EventPublisher interface {
	PublishEvent(ctx context.Context, event GenerationEvent) error
}

// SagaObserver receives saga telemetry.
type SagaObserver interface {
	ObserveTransition(from, to Status)
	ObserveCallback(kind CallbackKind, outcome CallbackOutcome)
	ObserveSettlement(action SettleAction, err error)
}

// RequestStore persists generation requests.
type RequestStore interface {
	// Create inserts a new request. It returns ErrDuplicateRequest when the
	// (user, idempotency key) pair already exists.
	Create(ctx context.Context, req *GenerationRequest) error
	Get(ctx context.Context, id string) (*GenerationRequest, error)
	GetByIdempotencyKey(ctx context.Context, userID, key string) (*GenerationRequest, error)
	// GetForUpdate acquires the per-request lock. Callers must Release the handle.
	GetForUpdate(ctx context.Context, id string) (RequestHandle, error)
}

// SettlementLister finds requests with holds whose settlement failed.
type SettlementLister interface {
	SettleFailedRequests(ctx context.Context, limit int) ([]string, error)
}

// RequestHandle is an exclusive, mutable view of one request.
type RequestHandle interface {
	Request() *GenerationRequest
	// RecordStep appends an audit entry that is persisted on Save.
	RecordStep(step, status, detail string)
	// Save persists the request and recorded steps. A handle is saved at most
	// once; stores may release the lock on Save.
	Save(ctx context.Context) error
	// Release drops the lock, discarding unsaved changes. It is safe after Save.
	Release(ctx context.Context) error
}

// SagaStep is one persisted audit entry.
type SagaStep struct {
	RequestID string
	Step      string
	Status    string
	Detail    string
}

// JobType identifies the worker pipeline for a job.
type JobType string

const (
	JobSampleGeneration JobType = "sample_generation"
	JobFinalGeneration  JobType = "final_generation"
)

// Job is the message placed on the worker queue.
type Job struct {
	RequestID         string     `json:"request_id"`
	UserID            string     `json:"user_id"`
	ProjectID         string     `json:"project_id"`
	Stage             Stage      `json:"stage"`
	JobType           JobType    `json:"job_type"`
	Prompt            string     `json:"prompt"`
	Params            Params     `json:"params"`
	SelectedSampleID  string     `json:"selected_sample_id,omitempty"`
	SelectedSample    *AssetInfo `json:"selected_sample,omitempty"`
	DesiredResolution string     `json:"desired_resolution,omitempty"`
	CallbackQueue     string     `json:"callback_queue,omitempty"`
}
