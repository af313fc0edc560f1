// Package rideid provides the client-side identity and KYC SDK for the ride-sharing apps.
//
// The SDK defines interfaces for credential storage, the identity provider, and the
// backend session and KYC surfaces. Concrete implementations are injected via Option
// functions; the session, kyc and transport packages consume the resulting *Client.
//
// Example wiring:
//
//	api := backend.New(cfg.APIBaseURL, backend.WithRoundTripper(rt))
//	client, err := rideid.NewClient(cfg,
//	    rideid.WithCredentialStore(store.NewMemory()),
//	    rideid.WithIdentityProvider(idp),
//	    rideid.WithAuthBackend(api),
//	    rideid.WithKYCBackend(api),
//	)
package rideid

import (
	"errors"
	"io"
	"log/slog"
	"time"
)

// Client holds configuration and the injected collaborators.
type Client struct {
	config   Config
	logger   *slog.Logger
	store    CredentialStore
	provider IdentityProvider
	auth     AuthBackend
	kyc      KYCBackend
}

// Config holds connection and behavior configuration.
type Config struct {
	// APIBaseURL is the backend REST base, e.g. "https://api.example.com/api".
	APIBaseURL string

	// RequestTimeout is the fixed ceiling for every backend call. Default: 30s.
	RequestTimeout time.Duration

	// RefreshBuffer enables proactive refresh when the access token expires
	// within this window. Zero disables it.
	RefreshBuffer time.Duration

	// MaxFaceImageBytes caps face uploads. Default: 5 MiB.
	MaxFaceImageBytes int64

	// AllowedImageTypes lists accepted face-image MIME types.
	// Default: image/jpeg, image/jpg, image/png.
	AllowedImageTypes []string

	// LoginPath, KYCStartPath and DashboardPath are the redirect targets used by guard.
	LoginPath     string
	KYCStartPath  string
	DashboardPath string

	// RedisURL and StorePath select a persistent credential store in ConfigFromEnv users.
	RedisURL  string
	StorePath string
}

// Defaults.
const (
	DefaultRequestTimeout    = 30 * time.Second
	DefaultMaxFaceImageBytes = 5 * 1024 * 1024
	DefaultLoginPath         = "/login"
	DefaultKYCStartPath      = "/kyc/start"
	DefaultDashboardPath     = "/dashboard"
)

// DefaultAllowedImageTypes are the accepted face-image MIME types.
var DefaultAllowedImageTypes = []string{"image/jpeg", "image/jpg", "image/png"}

// Option configures the Client.
type Option func(*Client)

// WithLogger sets a structured logger for the client.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithCredentialStore sets the credential store.
func WithCredentialStore(s CredentialStore) Option {
	return func(c *Client) { c.store = s }
}

// WithIdentityProvider sets the identity provider adapter.
func WithIdentityProvider(p IdentityProvider) Option {
	return func(c *Client) { c.provider = p }
}

// WithAuthBackend sets the backend session surface.
func WithAuthBackend(b AuthBackend) Option {
	return func(c *Client) { c.auth = b }
}

// WithKYCBackend sets the backend KYC surface.
func WithKYCBackend(b KYCBackend) Option {
	return func(c *Client) { c.kyc = b }
}

// NewClient creates a new client with the given configuration and options.
func NewClient(cfg Config, opts ...Option) (*Client, error) {
	if cfg.APIBaseURL == "" {
		return nil, errors.New("rideid: APIBaseURL is required")
	}
	cfg = cfg.withDefaults()

	c := &Client{config: cfg}
	for _, o := range opts {
		o(c)
	}
	if c.logger == nil {
		c.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return c, nil
}

func (cfg Config) withDefaults() Config {
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.MaxFaceImageBytes == 0 {
		cfg.MaxFaceImageBytes = DefaultMaxFaceImageBytes
	}
	if len(cfg.AllowedImageTypes) == 0 {
		cfg.AllowedImageTypes = append([]string(nil), DefaultAllowedImageTypes...)
	}
	if cfg.LoginPath == "" {
		cfg.LoginPath = DefaultLoginPath
	}
	if cfg.KYCStartPath == "" {
		cfg.KYCStartPath = DefaultKYCStartPath
	}
	if cfg.DashboardPath == "" {
		cfg.DashboardPath = DefaultDashboardPath
	}
	return cfg
}

// Config returns the client configuration.
func (c *Client) Config() Config { return c.config }

// Logger returns the client logger. Never nil.
func (c *Client) Logger() *slog.Logger { return c.logger }

// Store returns the credential store, or nil if not configured.
func (c *Client) Store() CredentialStore { return c.store }

// Provider returns the identity provider, or nil if not configured.
func (c *Client) Provider() IdentityProvider { return c.provider }

// Auth returns the backend session surface, or nil if not configured.
func (c *Client) Auth() AuthBackend { return c.auth }

// KYC returns the backend KYC surface, or nil if not configured.
func (c *Client) KYC() KYCBackend { return c.kyc }

// Close releases all resources held by the client.
// Any injected collaborator that implements io.Closer will be closed once.
func (c *Client) Close() error {
	closers := []interface{}{c.store, c.provider, c.auth, c.kyc}
	seen := make(map[io.Closer]bool)
	var firstErr error
	for _, svc := range closers {
		cl, ok := svc.(io.Closer)
		if !ok || cl == nil || seen[cl] {
			continue
		}
		seen[cl] = true
		if err := cl.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
