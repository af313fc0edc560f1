package fake

import (
	"errors"

	rideid "github.com/chimerakang/rideid-go"
	"github.com/chimerakang/rideid-go/audit"
	"github.com/chimerakang/rideid-go/backend"
	"github.com/chimerakang/rideid-go/kyc"
	"github.com/chimerakang/rideid-go/metrics"
	"github.com/chimerakang/rideid-go/session"
	"github.com/chimerakang/rideid-go/store"
	"github.com/chimerakang/rideid-go/transport"
)

// Stack is a fully wired SDK talking to a fake backend.
type Stack struct {
	Client      *rideid.Client
	Store       rideid.CredentialStore
	API         *backend.Client
	Coordinator *transport.Coordinator
	Session     *session.Manager
	KYC         *kyc.Machine
	Metrics     *metrics.Metrics
	Audit       *audit.Logger
}

// StackOption configures NewStack.
type StackOption func(*stackConfig)

type stackConfig struct {
	store   rideid.CredentialStore
	cfg     rideid.Config
	metrics *metrics.Metrics
	audit   *audit.Logger
}

// WithStore replaces the default memory store.
func WithStore(s rideid.CredentialStore) StackOption {
	return func(c *stackConfig) { c.store = s }
}

// WithConfig sets the client configuration. APIBaseURL is overridden by NewStack.
func WithConfig(cfg rideid.Config) StackOption {
	return func(c *stackConfig) { c.cfg = cfg }
}

// WithStackMetrics instruments every component with m.
func WithStackMetrics(m *metrics.Metrics) StackOption {
	return func(c *stackConfig) { c.metrics = m }
}

// WithStackAudit sends every component's events to a.
func WithStackAudit(a *audit.Logger) StackOption {
	return func(c *stackConfig) { c.audit = a }
}

// NewStack wires store, transport, backend client, session manager and KYC machine
// against the backend at baseURL, using idp as the identity provider.
func NewStack(baseURL string, idp rideid.IdentityProvider, opts ...StackOption) (*Stack, error) {
	if idp == nil {
		return nil, errors.New("rideid/fake: identity provider is required")
	}
	sc := &stackConfig{}
	for _, o := range opts {
		o(sc)
	}
	if sc.store == nil {
		sc.store = store.NewMemory()
	}
	cfg := sc.cfg
	cfg.APIBaseURL = baseURL

	var refOpts []backend.RefresherOption
	if cfg.RequestTimeout > 0 {
		refOpts = append(refOpts, backend.WithRefreshTimeout(cfg.RequestTimeout))
	}
	coord := transport.NewCoordinator(sc.store, backend.NewRefresher(baseURL, refOpts...),
		transport.WithMetrics(sc.metrics),
		transport.WithAudit(sc.audit),
	)
	rt := transport.New(sc.store, coord, transport.WithRefreshBuffer(cfg.RefreshBuffer))
	apiOpts := []backend.Option{backend.WithRoundTripper(rt), backend.WithMetrics(sc.metrics)}
	if cfg.RequestTimeout > 0 {
		apiOpts = append(apiOpts, backend.WithTimeout(cfg.RequestTimeout))
	}
	api := backend.New(baseURL, apiOpts...)

	client, err := rideid.NewClient(cfg,
		rideid.WithCredentialStore(sc.store),
		rideid.WithIdentityProvider(idp),
		rideid.WithAuthBackend(api),
		rideid.WithKYCBackend(api),
	)
	if err != nil {
		return nil, err
	}

	sess, err := session.New(client, session.WithMetrics(sc.metrics), session.WithAudit(sc.audit))
	if err != nil {
		return nil, err
	}
	coord.OnExpired(sess.SessionExpired)

	machine, err := kyc.New(client, sess, kyc.WithMetrics(sc.metrics), kyc.WithAudit(sc.audit))
	if err != nil {
		return nil, err
	}

	return &Stack{
		Client:      client,
		Store:       sc.store,
		API:         api,
		Coordinator: coord,
		Session:     sess,
		KYC:         machine,
		Metrics:     sc.metrics,
		Audit:       sc.audit,
	}, nil
}
