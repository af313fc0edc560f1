// Package transport attaches session credentials to outbound HTTP requests and
// runs the refresh protocol when the backend answers 401.
//
// Every request is sent with the stored access token. A 401 on a request that
// carried a token triggers one coordinated refresh followed by a single replay;
// the replayed request is marked so a second 401 propagates unchanged.
package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	rideid "github.com/chimerakang/rideid-go"
	"github.com/chimerakang/rideid-go/token"
	"github.com/google/uuid"
)

// HeaderRequestID carries the correlation ID of every outbound call.
const HeaderRequestID = "X-Request-ID"

type retryKey struct{}

// WithRetried marks ctx as belonging to a request that was already replayed once.
func WithRetried(ctx context.Context) context.Context {
	return context.WithValue(ctx, retryKey{}, true)
}

// Retried reports whether ctx carries the retry marker.
func Retried(ctx context.Context) bool {
	v, _ := ctx.Value(retryKey{}).(bool)
	return v
}

// Transport is an http.RoundTripper implementing the session transport.
type Transport struct {
	base          http.RoundTripper
	store         rideid.CredentialStore
	coord         *Coordinator
	refreshBuffer time.Duration
	now           func() time.Time
	logger        *slog.Logger
}

var _ http.RoundTripper = (*Transport)(nil)

// Option configures the Transport.
type Option func(*Transport)

// WithBase sets the underlying RoundTripper. Default: http.DefaultTransport.
func WithBase(rt http.RoundTripper) Option {
	return func(t *Transport) { t.base = rt }
}

// WithRefreshBuffer refreshes ahead of sending when the access token's exp claim
// falls within d. Zero disables proactive refresh.
func WithRefreshBuffer(d time.Duration) Option {
	return func(t *Transport) { t.refreshBuffer = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Transport) { t.logger = l }
}

// New creates a Transport reading tokens from store and refreshing through coord.
func New(store rideid.CredentialStore, coord *Coordinator, opts ...Option) *Transport {
	t := &Transport{
		base:  http.DefaultTransport,
		store: store,
		coord: coord,
		now:   time.Now,
	}
	for _, o := range opts {
		o(t)
	}
	if t.logger == nil {
		t.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return t
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()

	getBody, err := rewindable(req)
	if err != nil {
		return nil, err
	}

	requestID := req.Header.Get(HeaderRequestID)
	if requestID == "" {
		requestID = rideid.RequestIDFromContext(ctx)
	}
	if requestID == "" {
		requestID = uuid.NewString()
	}

	tok, err := t.store.AccessToken(ctx)
	if err != nil {
		t.logger.Warn("read access token", "err", err)
	}

	if tok != "" && t.refreshBuffer > 0 && !Retried(ctx) && token.ExpiresWithin(tok, t.refreshBuffer, t.now()) {
		fresh, err := t.coord.Refresh(ctx, tok)
		if err != nil {
			return nil, err
		}
		tok = fresh
	}

	resp, err := t.send(ctx, req, getBody, tok, requestID)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized || tok == "" || Retried(ctx) {
		return resp, nil
	}

	drain(resp)
	t.logger.Debug("401, refreshing", "path", req.URL.Path, "request_id", requestID)

	fresh, err := t.coord.Refresh(ctx, tok)
	if err != nil {
		return nil, err
	}
	return t.send(WithRetried(ctx), req, getBody, fresh, requestID)
}

func (t *Transport) send(ctx context.Context, req *http.Request, getBody func() (io.ReadCloser, error), tok, requestID string) (*http.Response, error) {
	out := req.Clone(ctx)
	if getBody != nil {
		body, err := getBody()
		if err != nil {
			return nil, fmt.Errorf("rideid/transport: rewind body: %w", err)
		}
		out.Body = body
	}
	if tok != "" {
		out.Header.Set("Authorization", "Bearer "+tok)
	}
	out.Header.Set(HeaderRequestID, requestID)
	return t.base.RoundTrip(out)
}

// rewindable returns a function yielding a fresh copy of req's body for each send,
// or nil when req has no body.
func rewindable(req *http.Request) (func() (io.ReadCloser, error), error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}
	if req.GetBody != nil {
		_ = req.Body.Close()
		return req.GetBody, nil
	}
	data, err := io.ReadAll(req.Body)
	_ = req.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("rideid/transport: read body: %w", err)
	}
	return func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	}, nil
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
}
