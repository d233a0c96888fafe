package grpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"

	"creativeflow/internal/generation"

	"github.com/shopspring/decimal"
	grpcpkg "google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

func TestGenerationServerImplementsServiceInterface(t *testing.T) {
	var _ generationServiceServer = (*GenerationServer)(nil)
}

type fixture struct {
	client *GenerationClient
	ledger *generation.InMemoryLedger
	jobs   *generation.InMemoryJobPublisher
}

func newFixture(t *testing.T, balance string) *fixture {
	t.Helper()

	ledger := generation.NewInMemoryLedger(map[string]decimal.Decimal{"user-1": decimal.RequireFromString(balance)})
	jobs := generation.NewInMemoryJobPublisher()
	orch := generation.NewOrchestrator(generation.NewMemoryStore(), ledger, jobs, generation.NoopNotifier{}, generation.DefaultConfig())

	lis := bufconn.Listen(1 << 20)
	srv := grpcpkg.NewServer()
	Register(srv, NewGenerationServer(orch))
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpcpkg.NewClient("passthrough:///bufnet",
		grpcpkg.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpcpkg.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	return &fixture{client: NewGenerationClient(conn), ledger: ledger, jobs: jobs}
}

func initiatePayload() map[string]any {
	return map[string]any{
		"user_id":    "user-1",
		"project_id": "project-1",
		"prompt":     "a paper boat on a storm sea",
		"params":     map[string]any{"sample_count": 2, "desired_resolution": "4k"},
	}
}

func TestGenerationServer_Lifecycle(t *testing.T) {
	f := newFixture(t, "10")
	ctx := context.Background()

	resp, err := f.client.Initiate(ctx, initiatePayload())
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	id, _ := resp["request_id"].(string)
	if id == "" || resp["status"] != string(generation.StatusQueued) {
		t.Fatalf("unexpected initiate response %v", resp)
	}

	resp, err = f.client.HandleCallback(ctx, map[string]any{
		"request_id":  id,
		"callback_id": "cb-1",
		"kind":        "samples_ready",
		"samples": []any{
			map[string]any{"asset_id": "s-1", "url": "https://cdn.example/s-1.png", "format": "png"},
			map[string]any{"asset_id": "s-2", "url": "https://cdn.example/s-2.png", "format": "png"},
		},
	})
	if err != nil {
		t.Fatalf("callback: %v", err)
	}
	if resp["outcome"] != string(generation.OutcomeApplied) {
		t.Fatalf("unexpected outcome %v", resp)
	}

	if _, err := f.client.SelectSample(ctx, map[string]any{"request_id": id, "user_id": "user-1", "sample_id": "s-2"}); err != nil {
		t.Fatalf("select: %v", err)
	}
	jobs := f.jobs.Jobs()
	if len(jobs) != 2 || jobs[1].JobType != generation.JobFinalGeneration || jobs[1].SelectedSampleID != "s-2" {
		t.Fatalf("unexpected jobs %+v", jobs)
	}

	view, err := f.client.GetRequest(ctx, map[string]any{"request_id": id, "user_id": "user-1"})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if view["status"] != string(generation.StatusFinalProcessing) || view["selected_sample_id"] != "s-2" {
		t.Fatalf("unexpected view %v", view)
	}
	if view["credits_reserved"] != "2.25" {
		t.Fatalf("unexpected reserve %v", view["credits_reserved"])
	}
}

func TestGenerationServer_InsufficientCreditsReturnsRequestID(t *testing.T) {
	f := newFixture(t, "0.1")

	var trailer metadata.MD
	_, err := f.client.Initiate(context.Background(), initiatePayload(), grpcpkg.Trailer(&trailer))
	if status.Code(err) != codes.FailedPrecondition {
		t.Fatalf("expected FailedPrecondition, got %v", err)
	}
	if ids := trailer.Get(RequestIDTrailer); len(ids) != 1 || ids[0] == "" {
		t.Fatalf("expected request id trailer, got %v", trailer)
	}
}

func TestGenerationServer_InvalidArguments(t *testing.T) {
	f := newFixture(t, "10")
	ctx := context.Background()

	payload := initiatePayload()
	payload["prompt"] = "   "
	if _, err := f.client.Initiate(ctx, payload); status.Code(err) != codes.InvalidArgument {
		t.Fatalf("expected InvalidArgument for blank prompt, got %v", err)
	}
	payload = initiatePayload()
	payload["params"] = "not an object"
	if _, err := f.client.Initiate(ctx, payload); status.Code(err) != codes.InvalidArgument {
		t.Fatalf("expected InvalidArgument for bad params, got %v", err)
	}
	if _, err := f.client.GetRequest(ctx, map[string]any{"request_id": "req"}); status.Code(err) != codes.InvalidArgument {
		t.Fatalf("expected InvalidArgument without user, got %v", err)
	}
}

func TestGenerationServer_OwnershipAndNotFound(t *testing.T) {
	f := newFixture(t, "10")
	ctx := context.Background()

	resp, err := f.client.Initiate(ctx, initiatePayload())
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	id := resp["request_id"].(string)

	if _, err := f.client.GetRequest(ctx, map[string]any{"request_id": id, "user_id": "user-2"}); status.Code(err) != codes.PermissionDenied {
		t.Fatalf("expected PermissionDenied, got %v", err)
	}
	if _, err := f.client.GetRequest(ctx, map[string]any{"request_id": "missing", "user_id": "user-1"}); status.Code(err) != codes.NotFound {
		t.Fatalf("expected NotFound, got %v", err)
	}
	if _, err := f.client.SelectSample(ctx, map[string]any{"request_id": id, "user_id": "user-1", "sample_id": "s-1"}); status.Code(err) != codes.FailedPrecondition {
		t.Fatalf("expected FailedPrecondition before samples, got %v", err)
	}
}

func TestMapGenerationError(t *testing.T) {
	cases := []struct {
		err  error
		want codes.Code
	}{
		{context.Canceled, codes.Canceled},
		{fmt.Errorf("wrap: %w", context.DeadlineExceeded), codes.DeadlineExceeded},
		{generation.ErrValidation, codes.InvalidArgument},
		{generation.ErrForbidden, codes.PermissionDenied},
		{generation.ErrSampleNotFound, codes.NotFound},
		{generation.ErrIdempotencyConflict, codes.AlreadyExists},
		{generation.ErrInsufficientCredits, codes.FailedPrecondition},
		{generation.ErrInvalidStateTransition, codes.FailedPrecondition},
		{generation.ErrCreditServiceUnavailable, codes.Unavailable},
		{fmt.Errorf("%w: broker down", generation.ErrPublish), codes.Unavailable},
		{generation.ErrCircuitOpen, codes.Unavailable},
		{errors.New("boom"), codes.Internal},
	}
	for _, tc := range cases {
		if got := status.Code(mapGenerationError(tc.err)); got != tc.want {
			t.Fatalf("%v: expected %v, got %v", tc.err, tc.want, got)
		}
	}
}

func TestGenerationServer_ReplayReportsCurrentState(t *testing.T) {
	f := newFixture(t, "0")
	ctx := context.Background()
	payload := initiatePayload()
	payload["idempotency_key"] = "k1"

	for attempt := 0; attempt < 2; attempt++ {
		var trailer metadata.MD
		_, err := f.client.Initiate(ctx, payload, grpcpkg.Trailer(&trailer))
		if status.Code(err) != codes.FailedPrecondition {
			t.Fatalf("attempt %d: expected FailedPrecondition, got %v", attempt, err)
		}
		if ids := trailer.Get(RequestIDTrailer); len(ids) != 1 || ids[0] == "" {
			t.Fatalf("attempt %d: expected request id trailer, got %v", attempt, trailer)
		}
	}

	f = newFixture(t, "10")
	first, err := f.client.Initiate(ctx, payload)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	id := first["request_id"].(string)
	if _, err := f.client.HandleCallback(ctx, map[string]any{
		"request_id": id, "callback_id": "cb-1", "kind": "samples_ready",
		"samples": []any{map[string]any{"asset_id": "s-1", "url": "https://cdn.example/s-1.png", "format": "png"}},
	}); err != nil {
		t.Fatalf("callback: %v", err)
	}
	replay, err := f.client.Initiate(ctx, payload)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if replay["request_id"] != id || replay["status"] != string(generation.StatusAwaitingSelection) {
		t.Fatalf("unexpected replay response %v", replay)
	}
}

func TestGenerationServer_SelectSampleRequiresUser(t *testing.T) {
	f := newFixture(t, "10")
	ctx := context.Background()

	resp, err := f.client.Initiate(ctx, initiatePayload())
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	id := resp["request_id"].(string)
	if _, err := f.client.HandleCallback(ctx, map[string]any{
		"request_id": id, "callback_id": "cb-1", "kind": "samples_ready",
		"samples": []any{map[string]any{"asset_id": "s-1", "url": "https://cdn.example/s-1.png", "format": "png"}},
	}); err != nil {
		t.Fatalf("callback: %v", err)
	}

	if _, err := f.client.SelectSample(ctx, map[string]any{"request_id": id, "sample_id": "s-1"}); status.Code(err) != codes.InvalidArgument {
		t.Fatalf("expected InvalidArgument without user, got %v", err)
	}
	if _, err := f.client.SelectSample(ctx, map[string]any{"request_id": id, "user_id": "user-2", "sample_id": "s-1"}); status.Code(err) != codes.PermissionDenied {
		t.Fatalf("expected PermissionDenied for another user, got %v", err)
	}
	if got := len(f.jobs.Jobs()); got != 1 {
		t.Fatalf("no final job should be published, got %d jobs", got)
	}
}
