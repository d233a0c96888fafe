package grpc

import (
	"context"
	"errors"
	"time"

	"creativeflow/internal/generation"

	"github.com/shopspring/decimal"
	grpcpkg "google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "generation.v1.GenerationService"

// RequestIDTrailer carries the request id when Initiate fails after the
// request was persisted.
const RequestIDTrailer = "x-generation-request-id"

// GenerationService defines the behavior needed by the gRPC adapter.
type GenerationService interface {
	Initiate(ctx context.Context, in generation.InitiateInput) (string, error)
	SelectSample(ctx context.Context, requestID, userID, sampleID string) error
	GetRequest(ctx context.Context, requestID, userID string) (*generation.GenerationRequest, error)
	HandleCallback(ctx context.Context, cb generation.Callback) (generation.CallbackOutcome, error)
}

// GenerationServer adapts GenerationService to gRPC. Messages are
// google.protobuf.Struct values carrying the JSON shapes below.
type GenerationServer struct {
	service GenerationService
}

// NewGenerationServer constructs a GenerationServer.
func NewGenerationServer(svc GenerationService) *GenerationServer {
	return &GenerationServer{service: svc}
}

type initiateRequest struct {
	UserID         string            `json:"user_id"`
	ProjectID      string            `json:"project_id"`
	Prompt         string            `json:"prompt"`
	Params         generation.Params `json:"params"`
	IdempotencyKey string            `json:"idempotency_key"`
}

type selectSampleRequest struct {
	RequestID string `json:"request_id"`
	UserID    string `json:"user_id"`
	SampleID  string `json:"sample_id"`
}

type getRequestRequest struct {
	RequestID string `json:"request_id"`
	UserID    string `json:"user_id"`
}

type ackResponse struct {
	RequestID string            `json:"request_id"`
	Status    generation.Status `json:"status,omitempty"`
}

type requestView struct {
	RequestID        string                 `json:"request_id"`
	UserID           string                 `json:"user_id"`
	ProjectID        string                 `json:"project_id"`
	Status           generation.Status      `json:"status"`
	CreditsReserved  decimal.Decimal        `json:"credits_reserved"`
	Samples          []generation.AssetInfo `json:"samples,omitempty"`
	SelectedSampleID string                 `json:"selected_sample_id,omitempty"`
	FinalAsset       *generation.AssetInfo  `json:"final_asset,omitempty"`
	Failure          *generation.Failure    `json:"failure,omitempty"`
	CreatedAt        time.Time              `json:"created_at"`
	UpdatedAt        time.Time              `json:"updated_at"`
}

type callbackResponse struct {
	Outcome generation.CallbackOutcome `json:"outcome"`
}

// Initiate starts a generation request.
func (s *GenerationServer) Initiate(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req initiateRequest
	if err := decodeStruct(in, &req); err != nil {
		return nil, err
	}
	id, err := s.service.Initiate(ctx, generation.InitiateInput{
		UserID:         req.UserID,
		ProjectID:      req.ProjectID,
		Prompt:         req.Prompt,
		Params:         req.Params,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		if id != "" {
			_ = grpcpkg.SetTrailer(ctx, metadata.Pairs(RequestIDTrailer, id))
		}
		return nil, mapGenerationError(err)
	}
	// A replayed idempotency key may point at a request that has moved on.
	ack := ackResponse{RequestID: id}
	if got, err := s.service.GetRequest(ctx, id, req.UserID); err == nil {
		ack.Status = got.Status
	}
	return encodeStruct(ack)
}

// SelectSample chooses a sample and starts the final stage.
func (s *GenerationServer) SelectSample(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req selectSampleRequest
	if err := decodeStruct(in, &req); err != nil {
		return nil, err
	}
	if req.UserID == "" {
		return nil, status.Error(codes.InvalidArgument, "user_id is required")
	}
	if err := s.service.SelectSample(ctx, req.RequestID, req.UserID, req.SampleID); err != nil {
		return nil, mapGenerationError(err)
	}
	return encodeStruct(ackResponse{RequestID: req.RequestID, Status: generation.StatusFinalProcessing})
}

// GetRequest returns the caller's view of a request.
func (s *GenerationServer) GetRequest(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req getRequestRequest
	if err := decodeStruct(in, &req); err != nil {
		return nil, err
	}
	if req.UserID == "" {
		return nil, status.Error(codes.InvalidArgument, "user_id is required")
	}
	got, err := s.service.GetRequest(ctx, req.RequestID, req.UserID)
	if err != nil {
		return nil, mapGenerationError(err)
	}
	return encodeStruct(requestView{
		RequestID:        got.ID,
		UserID:           got.UserID,
		ProjectID:        got.ProjectID,
		Status:           got.Status,
		CreditsReserved:  got.CreditsReserved,
		Samples:          got.Samples,
		SelectedSampleID: got.SelectedSampleID,
		FinalAsset:       got.FinalAsset,
		Failure:          got.Failure,
		CreatedAt:        got.CreatedAt,
		UpdatedAt:        got.UpdatedAt,
	})
}

// HandleCallback accepts worker callbacks delivered over gRPC instead of the queue.
func (s *GenerationServer) HandleCallback(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var cb generation.Callback
	if err := decodeStruct(in, &cb); err != nil {
		return nil, err
	}
	outcome, err := s.service.HandleCallback(ctx, cb)
	if err != nil {
		return nil, mapGenerationError(err)
	}
	return encodeStruct(callbackResponse{Outcome: outcome})
}

func mapGenerationError(err error) error {
	switch {
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, generation.ErrValidation):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, generation.ErrForbidden):
		return status.Error(codes.PermissionDenied, err.Error())
	case errors.Is(err, generation.ErrRequestNotFound), errors.Is(err, generation.ErrSampleNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, generation.ErrIdempotencyConflict):
		return status.Error(codes.AlreadyExists, err.Error())
	case errors.Is(err, generation.ErrInsufficientCredits), errors.Is(err, generation.ErrInvalidStateTransition):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, generation.ErrCreditServiceUnavailable), errors.Is(err, generation.ErrPublish),
		errors.Is(err, generation.ErrCircuitOpen):
		return status.Error(codes.Unavailable, err.Error())
	}
	return status.Error(codes.Internal, err.Error())
}

type generationServiceServer interface {
	Initiate(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SelectSample(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetRequest(context.Context, *structpb.Struct) (*structpb.Struct, error)
	HandleCallback(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type generationHandler func(*GenerationServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(method string, call generationHandler) grpcpkg.MethodDesc {
	return grpcpkg.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpcpkg.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			server := srv.(*GenerationServer)
			if interceptor == nil {
				return call(server, ctx, in)
			}
			info := &grpcpkg.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + method}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(server, ctx, req.(*structpb.Struct))
			})
		},
	}
}

// ServiceDesc describes GenerationService for grpc.Server.RegisterService.
var ServiceDesc = grpcpkg.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*generationServiceServer)(nil),
	Methods: []grpcpkg.MethodDesc{
		unaryHandler("Initiate", (*GenerationServer).Initiate),
		unaryHandler("SelectSample", (*GenerationServer).SelectSample),
		unaryHandler("GetRequest", (*GenerationServer).GetRequest),
		unaryHandler("HandleCallback", (*GenerationServer).HandleCallback),
	},
	Metadata: "generation/v1/generation.proto",
}

// Register attaches the server to a gRPC registrar.
func Register(r grpcpkg.ServiceRegistrar, s *GenerationServer) {
	r.RegisterService(&ServiceDesc, s)
}
