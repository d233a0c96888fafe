package generation

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestStatus_TransitionsAreMonotonic(t *testing.T) {
	order := []Status{
		StatusPending, StatusCreditsReserved, StatusQueued, StatusSamplesProcessing,
		StatusAwaitingSelection, StatusFinalProcessing, StatusCompleted,
	}
	rank := make(map[Status]int, len(order))
	for i, s := range order {
		rank[s] = i
	}
	for from, tos := range transitions {
		for _, to := range tos {
			if to == StatusFailed {
				continue
			}
			if rank[to] <= rank[from] {
				t.Fatalf("transition %s -> %s goes backwards", from, to)
			}
		}
		if !from.CanTransition(StatusFailed) {
			t.Fatalf("%s cannot fail", from)
		}
	}
	for _, terminal := range []Status{StatusCompleted, StatusFailed} {
		if !terminal.IsTerminal() || len(transitions[terminal]) != 0 {
			t.Fatalf("%s must be terminal", terminal)
		}
		if !terminal.Valid() {
			t.Fatalf("%s must be valid", terminal)
		}
	}
	if Status("ARCHIVED").Valid() {
		t.Fatalf("unknown status reported valid")
	}
}

func TestRequest_TransitionRejectsSkips(t *testing.T) {
	req := &GenerationRequest{Status: StatusQueued}
	err := req.transition(StatusFinalProcessing, time.Now())
	if !errors.Is(err, ErrInvalidStateTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	if req.Status != StatusQueued {
		t.Fatalf("status changed on rejected transition")
	}
}

func TestRequest_HoldAccounting(t *testing.T) {
	req := &GenerationRequest{Status: StatusPending}
	req.addHold("h1", StageSample, decimal.RequireFromString("0.25"))
	req.addHold("h2", StageFinal, decimal.NewFromInt(2))
	if !req.CreditsReserved.Equal(decimal.RequireFromString("2.25")) {
		t.Fatalf("expected 2.25 reserved, got %s", req.CreditsReserved)
	}
	if got := req.heldIndexes(); len(got) != 2 {
		t.Fatalf("expected 2 held holds, got %v", got)
	}

	now := time.Now()
	req.releaseHold(0, HoldCaptured, now)
	req.releaseHold(1, HoldSettleFailed, now)
	if !req.CreditsReserved.IsZero() {
		t.Fatalf("expected nothing reserved, got %s", req.CreditsReserved)
	}
	if len(req.heldIndexes()) != 0 {
		t.Fatalf("expected no held holds")
	}
	if req.Holds[1].SettledAt == nil {
		t.Fatalf("expected settlement time")
	}
}

func TestRequest_CloneIsDeep(t *testing.T) {
	orig := &GenerationRequest{
		Params:     Params{Extra: map[string]any{"seed": 7}},
		Samples:    []AssetInfo{{AssetID: "s"}},
		FinalAsset: &AssetInfo{AssetID: "f"},
		Failure:    &Failure{Details: map[string]any{"k": "v"}},
	}
	cp := orig.Clone()
	cp.Params.Extra["seed"] = 8
	cp.Samples[0].AssetID = "changed"
	cp.FinalAsset.AssetID = "changed"
	cp.Failure.Details["k"] = "changed"

	if orig.Params.Extra["seed"] != 7 || orig.Samples[0].AssetID != "s" ||
		orig.FinalAsset.AssetID != "f" || orig.Failure.Details["k"] != "v" {
		t.Fatalf("clone shares state with original: %+v", orig)
	}
}

func TestRequest_CheckInvariants(t *testing.T) {
	cases := []struct {
		name string
		req  GenerationRequest
		ok   bool
	}{
		{"queued with hold", GenerationRequest{Status: StatusQueued, CreditsReserved: decimal.NewFromInt(1)}, true},
		{"completed with reserve", GenerationRequest{Status: StatusCompleted, CreditsReserved: decimal.NewFromInt(1), FinalAsset: &AssetInfo{}}, false},
		{"completed without asset", GenerationRequest{Status: StatusCompleted}, false},
		{"asset before completion", GenerationRequest{Status: StatusFinalProcessing, FinalAsset: &AssetInfo{}}, false},
		{"failed without failure", GenerationRequest{Status: StatusFailed}, false},
		{"failed", GenerationRequest{Status: StatusFailed, Failure: &Failure{}}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.req.CheckInvariants()
			if (err == nil) != tc.ok {
				t.Fatalf("expected ok=%v, got %v", tc.ok, err)
			}
		})
	}
}

func TestInitiateInput_DigestIgnoresKeyAndUser(t *testing.T) {
	a := InitiateInput{UserID: "u1", ProjectID: "p", Prompt: "x", IdempotencyKey: "k1"}
	b := InitiateInput{UserID: "u2", ProjectID: "p", Prompt: "x", IdempotencyKey: "k2"}
	if a.digest() != b.digest() {
		t.Fatalf("digest should only cover generation inputs")
	}
	b.Params.SampleCount = 2
	if a.digest() == b.digest() {
		t.Fatalf("digest should change with params")
	}
}

func TestCostModel(t *testing.T) {
	m := DefaultCostModel()
	if !m.SampleStage(Params{SampleCount: 4}).Equal(decimal.RequireFromString("0.25")) {
		t.Fatalf("flat sample cost expected")
	}
	m.PerSample = true
	if !m.SampleStage(Params{SampleCount: 4}).Equal(decimal.NewFromInt(1)) {
		t.Fatalf("per-sample cost expected")
	}
	if !m.FinalStage(Params{DesiredResolution: "1024x1024"}).Equal(decimal.NewFromInt(1)) {
		t.Fatalf("standard final cost expected")
	}
	if !m.FinalStage(Params{DesiredResolution: "4K UHD"}).Equal(decimal.NewFromInt(2)) {
		t.Fatalf("high resolution final cost expected")
	}
}

func TestPartialChargePolicies(t *testing.T) {
	if got := clampFraction(FixedFraction(decimal.NewFromInt(3))(StageFinal, "")); !got.Equal(decimal.NewFromInt(1)) {
		t.Fatalf("expected clamp to 1, got %s", got)
	}
	if got := clampFraction(FixedFraction(decimal.NewFromInt(-1))(StageFinal, "")); !got.IsZero() {
		t.Fatalf("expected clamp to 0, got %s", got)
	}
	policy := StageFractions(map[Stage]decimal.Decimal{StageFinal: decimal.RequireFromString("0.3")}, decimal.NewFromInt(1))
	if !policy(StageFinal, "nsfw").Equal(decimal.RequireFromString("0.3")) || !policy(StageSample, "nsfw").Equal(decimal.NewFromInt(1)) {
		t.Fatalf("stage fractions not applied")
	}
	if !NoCharge()(StageSample, "").IsZero() || !FullCharge()(StageSample, "").Equal(decimal.NewFromInt(1)) {
		t.Fatalf("fixed policies wrong")
	}
}
