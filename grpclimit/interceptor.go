// Package grpclimit applies the rate limiter to gRPC servers through unary
// and stream interceptors.
package grpclimit

import (
	"context"
	"net"
	"strconv"

	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"github.com/toolink/ratewindow/limiter"
	"github.com/toolink/ratewindow/meta"
)

// Response metadata keys.
const (
	MDLimit      = "x-ratelimit-limit"
	MDRemaining  = "x-ratelimit-remaining"
	MDReset      = "x-ratelimit-reset"
	MDRetryAfter = "retry-after"
)

// Checker is the part of limiter.RateLimiter the interceptors use.
type Checker interface {
	CheckAndRecord(ctx context.Context, clientID, endpointID string) limiter.Decision
}

var _ Checker = (*limiter.RateLimiter)(nil)

type options struct {
	userKey string              // trusted incoming metadata key carrying the user id
	exclude map[string]struct{} // full method names never limited
}

// Option configures the interceptors.
type Option func(*options)

// WithUserMetadataKey identifies clients by the given incoming metadata key.
// Only use it behind a proxy that sets and strips this key.
func WithUserMetadataKey(key string) Option {
	return func(o *options) {
		o.userKey = key
	}
}

// WithExcludeMethods skips limiting for the given full method names,
// e.g. "/grpc.health.v1.Health/Check".
func WithExcludeMethods(methods ...string) Option {
	return func(o *options) {
		for _, m := range methods {
			o.exclude[m] = struct{}{}
		}
	}
}

func newOptions(opts []Option) *options {
	o := &options{exclude: make(map[string]struct{})}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// UnaryServerInterceptor limits unary calls per (client, full method).
func UnaryServerInterceptor(rl Checker, opts ...Option) grpc.UnaryServerInterceptor {
	o := newOptions(opts)
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if _, skip := o.exclude[info.FullMethod]; skip {
			return handler(ctx, req)
		}
		ctx, err := o.check(ctx, rl, info.FullMethod, func(md metadata.MD) {
			_ = grpc.SetHeader(ctx, md)
		})
		if err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

// StreamServerInterceptor limits stream creation per (client, full method).
// Messages within an admitted stream are not counted.
func StreamServerInterceptor(rl Checker, opts ...Option) grpc.StreamServerInterceptor {
	o := newOptions(opts)
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if _, skip := o.exclude[info.FullMethod]; skip {
			return handler(srv, ss)
		}
		ctx, err := o.check(ss.Context(), rl, info.FullMethod, func(md metadata.MD) {
			_ = ss.SetHeader(md)
		})
		if err != nil {
			return err
		}
		return handler(srv, &wrappedStream{ServerStream: ss, ctx: ctx})
	}
}

// check runs the limiter and returns a context carrying the request metadata.
func (o *options) check(ctx context.Context, rl Checker, method string, setHeader func(metadata.MD)) (context.Context, error) {
	ctx, md := meta.Ensure(ctx)
	o.identify(ctx, md)
	md.Set(meta.KeyEndpoint, method)

	clientID := meta.ClientID(ctx)
	d := rl.CheckAndRecord(ctx, clientID, method)

	header := metadata.Pairs(
		MDLimit, strconv.Itoa(d.Limit),
		MDRemaining, strconv.Itoa(d.Remaining),
		MDReset, strconv.Itoa(d.ResetSeconds),
	)
	if !d.Allowed {
		header.Set(MDRetryAfter, strconv.Itoa(d.RetryAfterSeconds))
	}
	setHeader(header)

	if !d.Allowed {
		log.Info().Str("client", clientID).Str("method", method).Int("retry_after", d.RetryAfterSeconds).Msg("grpc call rejected by rate limit")
		return ctx, status.Errorf(codes.ResourceExhausted, "rate limit exceeded, retry in %ds", d.RetryAfterSeconds)
	}
	return ctx, nil
}

func (o *options) identify(ctx context.Context, md *meta.Metadata) {
	if o.userKey != "" {
		if in, ok := metadata.FromIncomingContext(ctx); ok {
			if vals := in.Get(o.userKey); len(vals) > 0 && vals[0] != "" {
				md.Set(meta.KeyUserID, vals[0])
			}
		}
	}
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		addr := p.Addr.String()
		if host, _, err := net.SplitHostPort(addr); err == nil {
			addr = host
		}
		md.Set(meta.KeyClientIP, addr)
	}
}

// wrappedStream overrides the stream context so handlers see the request metadata.
type wrappedStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (w *wrappedStream) Context() context.Context {
	return w.ctx
}
