package main

import (
	"context"
	"strings"
	"time"

	"creativeflow/internal/observability"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

type rateLimiter interface {
	Wait(ctx context.Context) error
}

type rateLimitedServerStream struct {
	grpc.ServerStream
	limiter rateLimiter
}

func (s *rateLimitedServerStream) RecvMsg(m any) error {
	if s.limiter != nil {
		if err := s.limiter.Wait(s.Context()); err != nil {
			return err
		}
	}
	return s.ServerStream.RecvMsg(m)
}

func unaryInterceptor(limiter rateLimiter, metrics *observability.Metrics, log zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		tracked := shouldTrackMethod(info.FullMethod)
		span := &observability.CallSpan{}
		start := time.Now()
		if tracked {
			span = metrics.Start(info.FullMethod)
		}
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				span.End(err)
				return nil, err
			}
		}
		resp, err := handler(ctx, req)
		span.End(err)
		if err != nil && tracked {
			logCallError(log, "unary", info.FullMethod, time.Since(start), err)
		}
		return resp, err
	}
}

func streamInterceptor(limiter rateLimiter, metrics *observability.Metrics, log zerolog.Logger) grpc.StreamServerInterceptor {
	return func(srv any, stream grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		tracked := shouldTrackMethod(info.FullMethod)
		span := &observability.CallSpan{}
		start := time.Now()
		if tracked {
			span = metrics.Start(info.FullMethod)
		}
		if limiter != nil {
			stream = &rateLimitedServerStream{ServerStream: stream, limiter: limiter}
		}
		err := handler(srv, stream)
		span.End(err)
		if err != nil && tracked {
			logCallError(log, "stream", info.FullMethod, time.Since(start), err)
		}
		return err
	}
}

func logCallError(log zerolog.Logger, kind, method string, elapsed time.Duration, err error) {
	log.Warn().
		Err(err).
		Str("rpc", kind).
		Str("method", method).
		Str("code", status.Code(err).String()).
		Dur("elapsed", elapsed).
		Msg("grpc call failed")
}

func shouldTrackMethod(method string) bool {
	return method != "" &&
		!strings.HasPrefix(method, "/grpc.reflection.") &&
		!strings.HasPrefix(method, "/grpc.health.")
}
