// Package grpcmw carries the session transport over gRPC client connections.
//
// The unary interceptor attaches the stored access token and a request ID as
// outgoing metadata and, on codes.Unauthenticated, runs the shared refresh
// protocol through a *transport.Coordinator before retrying once. HTTP and
// gRPC calls made with the same coordinator share one refresh flight.
package grpcmw

import (
	"context"
	"io"
	"log/slog"
	"time"

	rideid "github.com/chimerakang/rideid-go"
	"github.com/chimerakang/rideid-go/token"
	"github.com/chimerakang/rideid-go/transport"
	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// Metadata keys.
const (
	MetadataAuthorization = "authorization"
	MetadataRequestID     = "x-request-id"
)

// Option configures interceptor behavior.
type Option func(*config)

type config struct {
	excludedMethods map[string]bool
	refreshBuffer   time.Duration
	now             func() time.Time
	logger          *slog.Logger
}

// WithExcludedMethods sets gRPC methods that are sent without credentials.
// Methods should be fully qualified (e.g. "/package.Service/Method").
func WithExcludedMethods(methods ...string) Option {
	return func(cfg *config) {
		for _, m := range methods {
			cfg.excludedMethods[m] = true
		}
	}
}

// WithRefreshBuffer refreshes before the call when the token expires within d.
func WithRefreshBuffer(d time.Duration) Option {
	return func(cfg *config) { cfg.refreshBuffer = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(cfg *config) { cfg.logger = l }
}

func newConfig(opts []Option) *config {
	cfg := &config{
		excludedMethods: make(map[string]bool),
		now:             time.Now,
		logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, o := range opts {
		o(cfg)
	}
	return cfg
}

// UnaryClient returns a unary client interceptor backed by store and coord.
//
// A refresh failure is returned as is; it satisfies errors.Is(err, rideid.ErrSessionExpired)
// and the coordinator has already wiped the store and run its expiry hooks.
func UnaryClient(store rideid.CredentialStore, coord *transport.Coordinator, opts ...Option) grpc.UnaryClientInterceptor {
	cfg := newConfig(opts)

	return func(ctx context.Context, method string, req, reply interface{}, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, callOpts ...grpc.CallOption) error {
		requestID := requestIDFor(ctx)
		if cfg.excludedMethods[method] {
			return invoker(outgoing(ctx, "", requestID), method, req, reply, cc, callOpts...)
		}

		tok, err := store.AccessToken(ctx)
		if err != nil {
			cfg.logger.Warn("read access token", "err", err)
		}

		if tok != "" && cfg.refreshBuffer > 0 && !transport.Retried(ctx) && token.ExpiresWithin(tok, cfg.refreshBuffer, cfg.now()) {
			fresh, err := coord.Refresh(ctx, tok)
			if err != nil {
				return err
			}
			tok = fresh
		}

		err = invoker(outgoing(ctx, tok, requestID), method, req, reply, cc, callOpts...)
		if status.Code(err) != codes.Unauthenticated || tok == "" || transport.Retried(ctx) {
			return err
		}

		cfg.logger.Debug("unauthenticated, refreshing", "method", method, "request_id", requestID)
		fresh, rerr := coord.Refresh(ctx, tok)
		if rerr != nil {
			return rerr
		}
		retryCtx := transport.WithRetried(ctx)
		return invoker(outgoing(retryCtx, fresh, requestID), method, req, reply, cc, callOpts...)
	}
}

// StreamClient returns a stream client interceptor that attaches credentials.
// Streams are not replayed, so an Unauthenticated stream is surfaced to the caller.
func StreamClient(store rideid.CredentialStore, opts ...Option) grpc.StreamClientInterceptor {
	cfg := newConfig(opts)

	return func(ctx context.Context, desc *grpc.StreamDesc, cc *grpc.ClientConn, method string, streamer grpc.Streamer, callOpts ...grpc.CallOption) (grpc.ClientStream, error) {
		var tok string
		if !cfg.excludedMethods[method] {
			var err error
			if tok, err = store.AccessToken(ctx); err != nil {
				cfg.logger.Warn("read access token", "err", err)
			}
		}
		return streamer(outgoing(ctx, tok, requestIDFor(ctx)), desc, cc, method, callOpts...)
	}
}

// --- internal helpers ---

func requestIDFor(ctx context.Context) string {
	if id := rideid.RequestIDFromContext(ctx); id != "" {
		return id
	}
	if md, ok := metadata.FromOutgoingContext(ctx); ok {
		if vals := md.Get(MetadataRequestID); len(vals) > 0 && vals[0] != "" {
			return vals[0]
		}
	}
	return uuid.NewString()
}

// outgoing replaces any authorization and request ID metadata on ctx.
func outgoing(ctx context.Context, tok, requestID string) context.Context {
	md, _ := metadata.FromOutgoingContext(ctx)
	md = md.Copy()
	md.Delete(MetadataAuthorization)
	if tok != "" {
		md.Set(MetadataAuthorization, "Bearer "+tok)
	}
	md.Set(MetadataRequestID, requestID)
	return metadata.NewOutgoingContext(ctx, md)
}
