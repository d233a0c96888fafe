package generation

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Status is a state of the generation saga.
type Status string

const (
	StatusPending           Status = "PENDING"
	StatusCreditsReserved   Status = "CREDITS_RESERVED"
	StatusQueued            Status = "QUEUED"
	StatusSamplesProcessing Status = "SAMPLES_PROCESSING"
	StatusAwaitingSelection Status = "AWAITING_SELECTION"
	StatusFinalProcessing   Status = "FINAL_PROCESSING"
	StatusCompleted         Status = "COMPLETED"
	StatusFailed            Status = "FAILED"
)

// transitions lists the legal successors of every non-terminal state.
var transitions = map[Status][]Status{
	StatusPending:           {StatusCreditsReserved, StatusFailed},
	StatusCreditsReserved:   {StatusQueued, StatusFailed},
	StatusQueued:            {StatusSamplesProcessing, StatusAwaitingSelection, StatusFailed},
	StatusSamplesProcessing: {StatusAwaitingSelection, StatusFailed},
	StatusAwaitingSelection: {StatusFinalProcessing, StatusFailed},
	StatusFinalProcessing:   {StatusCompleted, StatusFailed},
}

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition reports whether s -> to is an edge of the state graph.
func (s Status) CanTransition(to Status) bool {
	return slices.Contains(transitions[s], to)
}

// Valid reports whether s is a known state.
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok || s.IsTerminal()
}

// Stage names the part of the pipeline a hold, job or failure belongs to.
type Stage string

const (
	StageReservation Stage = "reservation"
	StageSample      Stage = "sample"
	StageFinal       Stage = "final"
)

// inflightStage returns the stage a worker is expected to be running for the status.
func (s Status) inflightStage() (Stage, bool) {
	switch s {
	case StatusQueued, StatusSamplesProcessing:
		return StageSample, true
	case StatusFinalProcessing:
		return StageFinal, true
	default:
		return "", false
	}
}

// AssetInfo describes a generated asset. It is immutable once attached to a request.
type AssetInfo struct {
	AssetID    string `json:"asset_id"`
	URL        string `json:"url"`
	Resolution string `json:"resolution,omitempty"`
	Format     string `json:"format"`
}

func (a AssetInfo) validate() error {
	if strings.TrimSpace(a.AssetID) == "" {
		return fmt.Errorf("%w: asset id is required", ErrValidation)
	}
	if strings.TrimSpace(a.URL) == "" {
		return fmt.Errorf("%w: asset %s has no url", ErrValidation, a.AssetID)
	}
	return nil
}

// Params are the generation parameters supplied at initiation.
type Params struct {
	StyleGuidance     string         `json:"style_guidance,omitempty"`
	OutputFormat      string         `json:"output_format,omitempty"`
	SampleCount       int            `json:"sample_count,omitempty"`
	DesiredResolution string         `json:"desired_resolution,omitempty"`
	Extra             map[string]any `json:"extra,omitempty"`
}

// HoldState tracks settlement of a single ledger hold.
type HoldState string

const (
	HoldHeld         HoldState = "held"
	HoldCaptured     HoldState = "captured"
	HoldRefunded     HoldState = "refunded"
	HoldSettleFailed HoldState = "settle_failed"
)

// SettleAction is the intended final action for a hold.
type SettleAction string

const (
	SettleCapture SettleAction = "capture"
	SettleRefund  SettleAction = "refund"
)

// CreditHold is a provisional debit taken for one stage.
type CreditHold struct {
	ID            string          `json:"id"`
	Stage         Stage           `json:"stage"`
	Amount        decimal.Decimal `json:"amount"`
	State         HoldState       `json:"state"`
	Action        SettleAction    `json:"action,omitempty"`
	CaptureAmount decimal.Decimal `json:"capture_amount"`
	LastError     string          `json:"last_error,omitempty"`
	SettledAt     *time.Time      `json:"settled_at,omitempty"`
}

// Failure captures why a request ended in FAILED.
type Failure struct {
	Reason        string         `json:"reason"`
	IsSystemError bool           `json:"is_system_error"`
	Stage         Stage          `json:"stage"`
	Code          string         `json:"code,omitempty"`
	Details       map[string]any `json:"details,omitempty"`
}

// GenerationRequest is the aggregate root of the saga.
type GenerationRequest struct {
	ID                      string
	UserID                  string
	ProjectID               string
	Prompt                  string
	Params                  Params
	IdempotencyKey          string
	InputDigest             string
	Status                  Status
	CreditsReserved         decimal.Decimal
	Holds                   []CreditHold
	Samples                 []AssetInfo
	SelectedSampleID        string
	FinalAsset              *AssetInfo
	Failure                 *Failure
	LastProcessedCallbackID string
	CreatedAt               time.Time
	UpdatedAt               time.Time
}

// Clone returns a deep copy so handles can mutate without touching shared state.
func (r *GenerationRequest) Clone() *GenerationRequest {
	if r == nil {
		return nil
	}
	out := *r
	out.Params.Extra = maps.Clone(r.Params.Extra)
	out.Holds = slices.Clone(r.Holds)
	out.Samples = slices.Clone(r.Samples)
	if r.FinalAsset != nil {
		asset := *r.FinalAsset
		out.FinalAsset = &asset
	}
	if r.Failure != nil {
		failure := *r.Failure
		failure.Details = maps.Clone(r.Failure.Details)
		out.Failure = &failure
	}
	return &out
}

// HasSample reports whether sampleID is one of the request's samples.
func (r *GenerationRequest) HasSample(sampleID string) bool {
	return slices.ContainsFunc(r.Samples, func(a AssetInfo) bool { return a.AssetID == sampleID })
}

func (r *GenerationRequest) transition(to Status, now time.Time) error {
	if !r.Status.CanTransition(to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidStateTransition, r.Status, to)
	}
	r.Status = to
	r.UpdatedAt = now
	return nil
}

func (r *GenerationRequest) addHold(id string, stage Stage, amount decimal.Decimal) {
	r.Holds = append(r.Holds, CreditHold{
		ID:     id,
		Stage:  stage,
		Amount: amount,
		State:  HoldHeld,
	})
	r.CreditsReserved = r.CreditsReserved.Add(amount)
}

// heldIndexes returns the indexes of holds that are still unsettled.
func (r *GenerationRequest) heldIndexes() []int {
	var out []int
	for i, h := range r.Holds {
		if h.State == HoldHeld {
			out = append(out, i)
		}
	}
	return out
}

// releaseHold removes a hold from the reserved balance once its settlement has been
// attempted, whatever the outcome.
func (r *GenerationRequest) releaseHold(i int, state HoldState, now time.Time) {
	h := &r.Holds[i]
	h.State = state
	h.SettledAt = &now
	r.CreditsReserved = r.CreditsReserved.Sub(h.Amount)
	if r.CreditsReserved.IsNegative() {
		r.CreditsReserved = decimal.Zero
	}
}

func (r *GenerationRequest) fail(f Failure, now time.Time) error {
	if err := r.transition(StatusFailed, now); err != nil {
		return err
	}
	r.Failure = &f
	return nil
}

// CheckInvariants verifies the aggregate's structural invariants.
func (r *GenerationRequest) CheckInvariants() error {
	if r.CreditsReserved.IsNegative() {
		return fmt.Errorf("request %s: negative credits reserved", r.ID)
	}
	if r.Status.IsTerminal() && !r.CreditsReserved.IsZero() {
		return fmt.Errorf("request %s: %s credits still reserved in %s", r.ID, r.CreditsReserved, r.Status)
	}
	if (r.FinalAsset != nil) != (r.Status == StatusCompleted) {
		return fmt.Errorf("request %s: final asset presence does not match status %s", r.ID, r.Status)
	}
	if (r.Failure != nil) != (r.Status == StatusFailed) {
		return fmt.Errorf("request %s: failure presence does not match status %s", r.ID, r.Status)
	}
	return nil
}

// InitiateInput is the caller-supplied part of a new request.
type InitiateInput struct {
	UserID         string
	ProjectID      string
	Prompt         string
	Params         Params
	IdempotencyKey string
}

func (in *InitiateInput) normalize(cfg Config) error {
	in.UserID = strings.TrimSpace(in.UserID)
	in.ProjectID = strings.TrimSpace(in.ProjectID)
	in.Prompt = strings.TrimSpace(in.Prompt)
	in.IdempotencyKey = strings.TrimSpace(in.IdempotencyKey)

	if in.UserID == "" {
		return fmt.Errorf("%w: user id is required", ErrValidation)
	}
	if in.ProjectID == "" {
		return fmt.Errorf("%w: project id is required", ErrValidation)
	}
	if in.Prompt == "" {
		return fmt.Errorf("%w: prompt is empty", ErrValidation)
	}
	if cfg.MaxPromptLength > 0 && len([]rune(in.Prompt)) > cfg.MaxPromptLength {
		return fmt.Errorf("%w: prompt longer than %d characters", ErrValidation, cfg.MaxPromptLength)
	}
	if in.Params.SampleCount == 0 {
		in.Params.SampleCount = cfg.DefaultSampleCount
	}
	if in.Params.SampleCount < 1 || (cfg.MaxSampleCount > 0 && in.Params.SampleCount > cfg.MaxSampleCount) {
		return fmt.Errorf("%w: sample count must be between 1 and %d", ErrValidation, cfg.MaxSampleCount)
	}
	return nil
}

// digest fingerprints the immutable inputs so idempotent retries can be compared.
func (in InitiateInput) digest() string {
	data, _ := json.Marshal(struct {
		ProjectID string `json:"project_id"`
		Prompt    string `json:"prompt"`
		Params    Params `json:"params"`
	}{in.ProjectID, in.Prompt, in.Params})
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
