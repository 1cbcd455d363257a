package main

import (
	"context"
	"runtime/debug"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"fulfillment/internal/observability"
)

type rateLimiter interface {
	Wait(ctx context.Context) error
}

type rateLimitedServerStream struct {
	grpc.ServerStream
	limiter rateLimiter
}

func (s *rateLimitedServerStream) RecvMsg(m any) error {
	if err := s.limiter.Wait(s.Context()); err != nil {
		return status.FromContextError(err).Err()
	}
	return s.ServerStream.RecvMsg(m)
}

// unaryInterceptor waits on limiter, measures the call and turns a handler
// panic into codes.Internal.
func unaryInterceptor(limiter rateLimiter, metrics *observability.Metrics, log zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
		if !shouldTrackMethod(info.FullMethod) {
			return handler(ctx, req)
		}
		span := metrics.Start(info.FullMethod)
		start := time.Now()
		defer func() {
			if p := recover(); p != nil {
				log.Error().Str("method", info.FullMethod).Interface("panic", p).Bytes("stack", debug.Stack()).Msg("grpc handler panic")
				err = status.Error(codes.Internal, "internal error")
			}
			span.End(err)
			logCall(log, "unary", info.FullMethod, start, err)
		}()

		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return nil, status.FromContextError(err).Err()
			}
		}
		return handler(ctx, req)
	}
}

func streamInterceptor(limiter rateLimiter, metrics *observability.Metrics, log zerolog.Logger) grpc.StreamServerInterceptor {
	return func(srv any, stream grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if !shouldTrackMethod(info.FullMethod) {
			return handler(srv, stream)
		}
		span := metrics.Start(info.FullMethod)
		start := time.Now()
		if limiter != nil {
			stream = &rateLimitedServerStream{ServerStream: stream, limiter: limiter}
		}
		err := handler(srv, stream)
		span.End(err)
		logCall(log, "stream", info.FullMethod, start, err)
		return err
	}
}

func logCall(log zerolog.Logger, kind, method string, start time.Time, err error) {
	if err == nil {
		log.Debug().Str("kind", kind).Str("method", method).Dur("elapsed", time.Since(start)).Msg("grpc call")
		return
	}
	ev := log.Warn()
	if status.Code(err) == codes.Internal {
		ev = log.Error()
	}
	ev.Str("kind", kind).Str("method", method).Dur("elapsed", time.Since(start)).Err(err).Msg("grpc call failed")
}

func shouldTrackMethod(method string) bool {
	return method != "" &&
		!strings.HasPrefix(method, "/grpc.reflection.") &&
		!strings.HasPrefix(method, "/grpc.health.")
}
