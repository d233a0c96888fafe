package generation

import (
	"time"

	"github.com/shopspring/decimal"
)

// EventKind discriminates GenerationEvent variants.
type EventKind string

const (
	EventInitiated        EventKind = "initiated"
	EventSamplesCompleted EventKind = "samples_completed"
	EventFinalGenerated   EventKind = "final_generated"
	EventFailed           EventKind = "failed"
)

// GenerationEvent is the single event shape used for user notifications and
// external publication. Only the fields of the matching kind are populated.
type GenerationEvent struct {
	Kind      EventKind `json:"kind"`
	RequestID string    `json:"request_id"`
	UserID    string    `json:"user_id"`
	ProjectID string    `json:"project_id"`
	Status    Status    `json:"status"`
	At        time.Time `json:"at"`

	// initiated
	CreditsReserved *decimal.Decimal `json:"credits_reserved,omitempty"`

	// samples_completed
	Samples []AssetInfo `json:"samples,omitempty"`

	// final_generated
	FinalAsset *AssetInfo `json:"final_asset,omitempty"`

	// failed
	Failure *Failure `json:"failure,omitempty"`
}

func newEvent(kind EventKind, req *GenerationRequest, at time.Time) GenerationEvent {
	ev := GenerationEvent{
		Kind:      kind,
		RequestID: req.ID,
		UserID:    req.UserID,
		ProjectID: req.ProjectID,
		Status:    req.Status,
		At:        at,
	}
	switch kind {
	case EventInitiated:
		reserved := req.CreditsReserved
		ev.CreditsReserved = &reserved
	case EventSamplesCompleted:
		ev.Samples = append([]AssetInfo(nil), req.Samples...)
	case EventFinalGenerated:
		if req.FinalAsset != nil {
			asset := *req.FinalAsset
			ev.FinalAsset = &asset
		}
	case EventFailed:
		if req.Failure != nil {
			failure := *req.Failure
			ev.Failure = &failure
		}
	}
	return ev
}
