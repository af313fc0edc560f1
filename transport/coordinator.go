package transport

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	rideid "github.com/chimerakang/rideid-go"
	"github.com/chimerakang/rideid-go/audit"
	"github.com/chimerakang/rideid-go/metrics"
	"golang.org/x/sync/singleflight"
)

// ErrNoRefreshToken is the cause of a SessionExpired error raised without a network call.
var ErrNoRefreshToken = errors.New("rideid/transport: no refresh token stored")

// Refresher exchanges a refresh token for a new access token.
// backend.Refresher is the production implementation.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (string, error)
}

// RefreshFunc adapts a function to Refresher.
type RefreshFunc func(ctx context.Context, refreshToken string) (string, error)

// Refresh calls f.
func (f RefreshFunc) Refresh(ctx context.Context, refreshToken string) (string, error) {
	return f(ctx, refreshToken)
}

// ExpiredFunc is called after a terminal refresh failure, once credentials are wiped.
type ExpiredFunc func(ctx context.Context, err error)

// Coordinator owns the refresh flag and the waiters of an in-flight refresh.
// At most one refresh call is in flight per Coordinator; every caller that
// arrives while it runs receives the same token or the same error.
type Coordinator struct {
	store     rideid.CredentialStore
	refresher Refresher
	logger    *slog.Logger
	metrics   *metrics.Metrics
	audit     *audit.Logger

	sf         singleflight.Group
	refreshing atomic.Bool

	mu        sync.Mutex
	onExpired []ExpiredFunc
}

// CoordinatorOption configures the Coordinator.
type CoordinatorOption func(*Coordinator)

// WithCoordinatorLogger sets the logger.
func WithCoordinatorLogger(l *slog.Logger) CoordinatorOption {
	return func(c *Coordinator) { c.logger = l }
}

// WithMetrics records refresh outcomes.
func WithMetrics(m *metrics.Metrics) CoordinatorOption {
	return func(c *Coordinator) { c.metrics = m }
}

// WithAudit emits token_refresh and session_expired events.
func WithAudit(a *audit.Logger) CoordinatorOption {
	return func(c *Coordinator) { c.audit = a }
}

// NewCoordinator creates a refresh coordinator over store.
func NewCoordinator(store rideid.CredentialStore, refresher Refresher, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		store:     store,
		refresher: refresher,
	}
	for _, o := range opts {
		o(c)
	}
	if c.logger == nil {
		c.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return c
}

// OnExpired registers fn to run after every terminal refresh failure.
func (c *Coordinator) OnExpired(fn ExpiredFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onExpired = append(c.onExpired, fn)
}

// Refreshing reports whether a refresh call is in flight.
func (c *Coordinator) Refreshing() bool {
	return c.refreshing.Load()
}

// Refresh returns an access token to replay a request that failed with failedToken.
//
// If the stored token already differs from failedToken, a refresh settled after the
// request was sent and the current token is returned without a network call.
// Otherwise the stored refresh token is exchanged, joining any refresh in flight.
// A failed exchange wipes the store and returns a KindSessionExpired error.
func (c *Coordinator) Refresh(ctx context.Context, failedToken string) (string, error) {
	if current := c.current(ctx); current != "" && current != failedToken {
		return current, nil
	}

	leader := false
	v, err, _ := c.sf.Do("refresh", func() (interface{}, error) {
		leader = true
		// A flight may have settled between the check above and this one.
		if current := c.current(ctx); current != "" && current != failedToken {
			return current, nil
		}
		return c.refresh(context.WithoutCancel(ctx))
	})
	if !leader {
		c.metrics.RecordRefreshCoalesced()
	}
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (c *Coordinator) current(ctx context.Context) string {
	tok, err := c.store.AccessToken(ctx)
	if err != nil {
		c.logger.Warn("read access token", "err", err)
	}
	return tok
}

func (c *Coordinator) refresh(ctx context.Context) (string, error) {
	c.refreshing.Store(true)
	defer c.refreshing.Store(false)

	refreshToken, err := c.store.RefreshToken(ctx)
	if err != nil {
		c.logger.Warn("read refresh token", "err", err)
	}
	if refreshToken == "" {
		c.metrics.RecordRefresh("no_token")
		return "", c.expire(ctx, ErrNoRefreshToken)
	}

	accessToken, err := c.refresher.Refresh(ctx, refreshToken)
	if err == nil && accessToken == "" {
		err = errors.New("rideid/transport: empty access token in refresh response")
	}
	if err != nil {
		c.metrics.RecordRefresh("failed")
		return "", c.expire(ctx, err)
	}

	if err := c.store.SetAccessToken(ctx, accessToken); err != nil {
		c.logger.Warn("persist refreshed access token", "err", err)
	}
	c.metrics.RecordRefresh("success")
	c.audit.Emit(ctx, audit.Event{Action: audit.ActionTokenRefresh, Result: audit.ResultSuccess})
	c.logger.Debug("access token refreshed")
	return accessToken, nil
}

func (c *Coordinator) expire(ctx context.Context, cause error) error {
	if err := c.store.ClearAll(ctx); err != nil {
		c.logger.Warn("clear credentials after refresh failure", "err", err)
	}
	c.logger.Warn("session expired", "err", cause)
	c.audit.Emit(ctx, audit.Event{
		Action: audit.ActionSessionExpiry,
		Result: audit.ResultFailure,
		Error:  audit.ErrString(cause),
	})

	expired := rideid.SessionExpiredError(cause)

	c.mu.Lock()
	hooks := append([]ExpiredFunc(nil), c.onExpired...)
	c.mu.Unlock()
	for _, fn := range hooks {
		fn(ctx, expired)
	}
	return expired
}
