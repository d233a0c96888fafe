package grpc

import (
	"context"

	grpcpkg "google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// GenerationClient calls GenerationService over a client connection.
type GenerationClient struct {
	cc grpcpkg.ClientConnInterface
}

func NewGenerationClient(cc grpcpkg.ClientConnInterface) *GenerationClient {
	return &GenerationClient{cc: cc}
}

func (c *GenerationClient) call(ctx context.Context, method string, in map[string]any, opts ...grpcpkg.CallOption) (map[string]any, error) {
	req, err := structpb.NewStruct(in)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, req, out, opts...); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}

func (c *GenerationClient) Initiate(ctx context.Context, in map[string]any, opts ...grpcpkg.CallOption) (map[string]any, error) {
	return c.call(ctx, "Initiate", in, opts...)
}

func (c *GenerationClient) SelectSample(ctx context.Context, in map[string]any, opts ...grpcpkg.CallOption) (map[string]any, error) {
	return c.call(ctx, "SelectSample", in, opts...)
}

func (c *GenerationClient) GetRequest(ctx context.Context, in map[string]any, opts ...grpcpkg.CallOption) (map[string]any, error) {
	return c.call(ctx, "GetRequest", in, opts...)
}

func (c *GenerationClient) HandleCallback(ctx context.Context, in map[string]any, opts ...grpcpkg.CallOption) (map[string]any, error) {
	return c.call(ctx, "HandleCallback", in, opts...)
}
