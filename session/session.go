// Package session provides the auth session manager: login on every channel,
// logout, and the in-memory view of the signed-in user.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	rideid "github.com/chimerakang/rideid-go"
	"github.com/chimerakang/rideid-go/audit"
	"github.com/chimerakang/rideid-go/metrics"
)

// State is the authentication state of a Manager.
type State int

const (
	Unauthenticated State = iota
	// Authenticating covers an in-flight login and an issued, unconfirmed phone challenge.
	Authenticating
	Authenticated
)

func (s State) String() string {
	switch s {
	case Unauthenticated:
		return "unauthenticated"
	case Authenticating:
		return "authenticating"
	case Authenticated:
		return "authenticated"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Snapshot is a consistent copy of the manager state.
type Snapshot struct {
	State            State
	User             *rideid.User
	Loading          bool
	Error            string
	PendingChallenge bool
}

// IsAuthenticated reports whether a user is signed in.
func (s Snapshot) IsAuthenticated() bool { return s.State == Authenticated && s.User != nil }

// Manager is the auth session manager.
type Manager struct {
	store    rideid.CredentialStore
	provider rideid.IdentityProvider
	auth     rideid.AuthBackend
	logger   *slog.Logger
	metrics  *metrics.Metrics
	audit    *audit.Logger
	validate *inputValidator

	// writeMu orders credential-record writes against login, logout and expiry.
	writeMu sync.Mutex

	mu        sync.Mutex
	state     State
	user      *rideid.User
	loading   int
	lastErr   string
	challenge *rideid.PhoneChallenge
	subs      map[int]func(Snapshot)
	nextSub   int
}

// Option configures the Manager.
type Option func(*Manager)

// WithMetrics records auth attempts and logouts.
func WithMetrics(m *metrics.Metrics) Option {
	return func(mgr *Manager) { mgr.metrics = m }
}

// WithAudit emits login, signup, phone challenge and logout events.
func WithAudit(a *audit.Logger) Option {
	return func(mgr *Manager) { mgr.audit = a }
}

// New creates a Manager from the client's store, identity provider and auth backend.
func New(client *rideid.Client, opts ...Option) (*Manager, error) {
	if client.Store() == nil || client.Provider() == nil || client.Auth() == nil {
		return nil, errors.New("rideid/session: client needs a credential store, identity provider and auth backend")
	}
	m := &Manager{
		store:    client.Store(),
		provider: client.Provider(),
		auth:     client.Auth(),
		logger:   client.Logger(),
		validate: newValidator(),
		subs:     make(map[int]func(Snapshot)),
	}
	for _, o := range opts {
		o(m)
	}
	return m, nil
}

// Restore rebuilds the session from the credential store.
// A token without a user snapshot, or leftovers without a token, are cleared.
func (m *Manager) Restore(ctx context.Context) error {
	m.startLoading()
	defer m.stopLoading()

	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	tok, err := m.store.AccessToken(ctx)
	if err != nil {
		m.logger.Warn("restore: read access token", "err", err)
		m.clearStore(ctx)
		return nil
	}
	if tok == "" {
		if m.hasResidue(ctx) {
			m.logger.Warn("restore: credentials without access token, clearing")
			m.clearStore(ctx)
		}
		return nil
	}

	u, err := m.store.User(ctx)
	if err != nil || u == nil {
		m.logger.Warn("restore: token without user snapshot, clearing", "err", err)
		m.clearStore(ctx)
		return nil
	}

	m.mu.Lock()
	m.user = u
	m.state = Authenticated
	m.mu.Unlock()
	m.logger.Debug("session restored", "user_id", u.ID)
	return nil
}

// LoginEmail signs in with email and password.
func (m *Manager) LoginEmail(ctx context.Context, email, password string) (*rideid.User, error) {
	if err := m.check(credentials{Email: email, Password: password}); err != nil {
		return nil, err
	}
	return m.authenticate(ctx, rideid.ChannelEmail, audit.ActionLogin,
		func(ctx context.Context) (*rideid.Assertion, error) {
			return m.provider.SignInWithPassword(ctx, email, password)
		},
		func(a *rideid.Assertion) rideid.LoginRequest {
			return rideid.LoginRequest{FirebaseToken: a.Token, Provider: rideid.ChannelEmail}
		})
}

// SignupEmail creates a provider account and signs in. name is optional.
func (m *Manager) SignupEmail(ctx context.Context, email, password, name string) (*rideid.User, error) {
	if err := m.check(signup{Email: email, Password: password, Name: name}); err != nil {
		return nil, err
	}
	return m.authenticate(ctx, rideid.ChannelEmail, audit.ActionSignup,
		func(ctx context.Context) (*rideid.Assertion, error) {
			return m.provider.SignUpWithPassword(ctx, email, password)
		},
		func(a *rideid.Assertion) rideid.LoginRequest {
			return rideid.LoginRequest{FirebaseToken: a.Token, Provider: rideid.ChannelEmail, Name: name}
		})
}

// LoginGoogle signs in through the OAuth popup.
func (m *Manager) LoginGoogle(ctx context.Context) (*rideid.User, error) {
	return m.authenticate(ctx, rideid.ChannelGoogle, audit.ActionLogin,
		m.provider.SignInWithPopup,
		func(a *rideid.Assertion) rideid.LoginRequest {
			return rideid.LoginRequest{
				FirebaseToken: a.Token,
				Provider:      rideid.ChannelGoogle,
				Name:          a.DisplayName,
				PhotoURL:      a.PhotoURL,
			}
		})
}

// LoginPhone sends an OTP to phone and stores the challenge, replacing any
// unconfirmed one. Ten-digit Indian mobile numbers are normalized to +91.
func (m *Manager) LoginPhone(ctx context.Context, phone string) error {
	phone = NormalizePhone(phone)
	if err := m.check(phoneInput{Phone: phone}); err != nil {
		return err
	}

	m.mu.Lock()
	m.challenge = nil
	m.state = m.restingState()
	m.mu.Unlock()

	m.begin()
	defer m.stopLoading()

	ch, err := m.provider.BeginPhoneChallenge(ctx, phone)
	m.audit.Emit(ctx, audit.Event{
		Action:  audit.ActionPhoneChallenge,
		Channel: string(rideid.ChannelPhone),
		Result:  audit.Outcome(err),
		Error:   rideid.MessageOf(err),
	})
	if err != nil {
		m.fail(err)
		m.metrics.RecordAuthAttempt(string(rideid.ChannelPhone), rideid.KindOf(err).String())
		return err
	}

	m.mu.Lock()
	m.challenge = ch
	m.state = m.restingState()
	m.mu.Unlock()
	m.logger.Debug("phone challenge issued")
	return nil
}

// VerifyPhone confirms the pending challenge with code and signs in.
func (m *Manager) VerifyPhone(ctx context.Context, code string) (*rideid.User, error) {
	m.mu.Lock()
	ch := m.challenge
	m.mu.Unlock()
	if ch == nil {
		err := &rideid.Error{Kind: rideid.KindNoChallenge, Message: "Please request OTP first"}
		m.setError(err)
		return nil, err
	}
	if err := m.check(otpInput{Code: code}); err != nil {
		return nil, err
	}

	u, err := m.authenticate(ctx, rideid.ChannelPhone, audit.ActionLogin,
		func(ctx context.Context) (*rideid.Assertion, error) {
			a, err := m.provider.ConfirmPhoneChallenge(ctx, ch, code)
			if errors.Is(err, rideid.ErrChallengeExpired) {
				m.dropChallenge(ch)
			}
			return a, err
		},
		func(a *rideid.Assertion) rideid.LoginRequest {
			phone := a.Phone
			if phone == "" {
				phone = ch.Phone
			}
			return rideid.LoginRequest{FirebaseToken: a.Token, Provider: rideid.ChannelPhone, Phone: phone}
		})
	if err == nil {
		m.dropChallenge(ch)
	}
	return u, err
}

// Logout ends the session. Remote failures are logged; local credentials are always cleared.
func (m *Manager) Logout(ctx context.Context) {
	m.startLoading()
	defer m.stopLoading()

	userID := m.userID()
	remote := "ok"
	if err := m.auth.Logout(ctx); err != nil {
		remote = "failed"
		m.logger.Warn("backend logout failed", "err", err)
	}
	if err := m.provider.SignOut(ctx); err != nil {
		remote = "failed"
		m.logger.Warn("provider sign-out failed", "err", err)
	}

	m.writeMu.Lock()
	m.clearStore(ctx)
	m.mu.Lock()
	m.user = nil
	m.challenge = nil
	m.state = Unauthenticated
	m.lastErr = ""
	m.mu.Unlock()
	m.writeMu.Unlock()

	m.metrics.RecordLogout(remote)
	m.audit.Emit(ctx, audit.Event{Action: audit.ActionLogout, UserID: userID, Result: audit.ResultSuccess, Details: "remote=" + remote})
}

// SessionExpired drops the in-memory session after a terminal refresh failure.
// It matches transport.ExpiredFunc; the store is already cleared by then.
func (m *Manager) SessionExpired(ctx context.Context, err error) {
	m.writeMu.Lock()
	m.mu.Lock()
	m.user = nil
	m.challenge = nil
	m.state = Unauthenticated
	m.lastErr = rideid.MessageOf(err)
	m.mu.Unlock()
	m.writeMu.Unlock()
	m.notify()
}

// UpdateUser shallow-merges p into the current user and persists the result.
// It is a no-op when nobody is signed in.
func (m *Manager) UpdateUser(ctx context.Context, p rideid.UserPatch) error {
	var merged rideid.User
	ok, err := m.commit(ctx,
		func() bool {
			if m.user == nil {
				return false
			}
			merged = m.user.Merge(p)
			return true
		},
		func(ctx context.Context) error { return m.store.SetUser(ctx, merged) },
		func() { m.user = &merged },
	)
	if err != nil {
		return fmt.Errorf("rideid/session: persist user: %w", err)
	}
	if ok {
		m.notify()
	}
	return nil
}

// CacheKYCStatus stores the overall KYC state while userID is still signed in.
func (m *Manager) CacheKYCStatus(ctx context.Context, userID string, s rideid.VerificationState) error {
	_, err := m.commit(ctx,
		func() bool { return m.user != nil && m.user.ID == userID },
		func(ctx context.Context) error { return m.store.SetKYCStatus(ctx, s) },
		nil,
	)
	if err != nil {
		return fmt.Errorf("rideid/session: persist kyc status: %w", err)
	}
	return nil
}

// ReloadUser re-fetches the current user from the backend and persists it.
func (m *Manager) ReloadUser(ctx context.Context) (*rideid.User, error) {
	if !m.Snapshot().IsAuthenticated() {
		return nil, nil
	}
	m.startLoading()
	defer m.stopLoading()

	u, err := m.auth.Me(ctx)
	if err != nil {
		m.setError(err)
		return nil, err
	}
	ok, err := m.commit(ctx,
		func() bool { return m.user != nil && m.user.ID == u.ID },
		func(ctx context.Context) error { return m.store.SetUser(ctx, *u) },
		func() { m.user = u },
	)
	if err != nil {
		return nil, fmt.Errorf("rideid/session: persist user: %w", err)
	}
	if !ok {
		return nil, nil
	}
	return copyUser(u), nil
}

// User returns a copy of the signed-in user, or nil.
func (m *Manager) User() *rideid.User {
	m.mu.Lock()
	defer m.mu.Unlock()
	return copyUser(m.user)
}

// IsAuthenticated reports whether a user is signed in.
func (m *Manager) IsAuthenticated() bool {
	return m.Snapshot().IsAuthenticated()
}

// Snapshot returns the current state.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// ClearError clears the last error message.
func (m *Manager) ClearError() {
	m.mu.Lock()
	m.lastErr = ""
	m.mu.Unlock()
	m.notify()
}

// Subscribe registers fn to receive a Snapshot after every state change.
// The returned function unsubscribes.
func (m *Manager) Subscribe(fn func(Snapshot)) (unsubscribe func()) {
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}

type assertFunc func(ctx context.Context) (*rideid.Assertion, error)

// authenticate runs assertion → session issuance → persist, committing nothing on failure.
func (m *Manager) authenticate(ctx context.Context, ch rideid.Channel, action string, assert assertFunc, request func(*rideid.Assertion) rideid.LoginRequest) (*rideid.User, error) {
	m.begin()
	defer m.stopLoading()

	sess, err := m.issue(ctx, assert, request)
	if err == nil {
		err = m.save(ctx, sess)
	}
	if err != nil {
		m.fail(err)
		m.metrics.RecordAuthAttempt(string(ch), rideid.KindOf(err).String())
		m.audit.Emit(ctx, audit.Event{Action: action, Channel: string(ch), Result: audit.ResultFailure, Error: rideid.MessageOf(err)})
		m.logger.Info("authentication failed", "channel", ch, "kind", rideid.KindOf(err))
		return nil, err
	}

	m.metrics.RecordAuthAttempt(string(ch), audit.ResultSuccess)
	m.audit.Emit(ctx, audit.Event{Action: action, Channel: string(ch), UserID: sess.User.ID, Result: audit.ResultSuccess})
	m.logger.Info("authenticated", "channel", ch, "user_id", sess.User.ID)
	return copyUser(&sess.User), nil
}

func (m *Manager) issue(ctx context.Context, assert assertFunc, request func(*rideid.Assertion) rideid.LoginRequest) (*rideid.Session, error) {
	a, err := assert(ctx)
	if err != nil {
		return nil, err
	}
	return m.auth.Login(ctx, request(a))
}

// save persists sess and makes it the current session as one step.
func (m *Manager) save(ctx context.Context, sess *rideid.Session) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if err := m.store.SaveSession(ctx, *sess); err != nil {
		return fmt.Errorf("rideid/session: persist session: %w", err)
	}
	m.mu.Lock()
	m.user = &sess.User
	m.state = Authenticated
	m.mu.Unlock()
	return nil
}

// commit writes to the credential record only while owns reports the session
// is still the one the write belongs to. owns and apply run under mu.
// A record wiped by a terminal refresh during the write is cleared again, so no
// user snapshot or KYC status outlives its tokens.
func (m *Manager) commit(ctx context.Context, owns func() bool, write func(context.Context) error, apply func()) (bool, error) {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	m.mu.Lock()
	ok := owns()
	m.mu.Unlock()
	if !ok {
		return false, nil
	}
	if err := write(ctx); err != nil {
		return false, err
	}
	if !rideid.IsAuthenticated(ctx, m.store) {
		m.clearStore(ctx)
		return false, nil
	}
	if apply != nil {
		m.mu.Lock()
		apply()
		m.mu.Unlock()
	}
	return true, nil
}

// hasResidue reports whether anything besides the access token is stored.
func (m *Manager) hasResidue(ctx context.Context) bool {
	if rt, _ := m.store.RefreshToken(ctx); rt != "" {
		return true
	}
	if u, _ := m.store.User(ctx); u != nil {
		return true
	}
	s, _ := m.store.KYCStatus(ctx)
	return s != ""
}

// restingState derives the state when no operation is running. Callers hold mu.
func (m *Manager) restingState() State {
	switch {
	case m.user != nil:
		return Authenticated
	case m.challenge != nil:
		return Authenticating
	default:
		return Unauthenticated
	}
}

func (m *Manager) begin() {
	m.mu.Lock()
	m.state = Authenticating
	m.loading++
	m.lastErr = ""
	m.mu.Unlock()
	m.notify()
}

// fail settles the state after a failed operation; a signed-in user stays signed in.
func (m *Manager) fail(err error) {
	m.mu.Lock()
	m.state = m.restingState()
	m.lastErr = rideid.MessageOf(err)
	m.mu.Unlock()
}

func (m *Manager) setError(err error) {
	m.mu.Lock()
	m.lastErr = rideid.MessageOf(err)
	m.mu.Unlock()
	m.notify()
}

func (m *Manager) startLoading() {
	m.mu.Lock()
	m.loading++
	m.mu.Unlock()
	m.notify()
}

func (m *Manager) stopLoading() {
	m.mu.Lock()
	if m.loading > 0 {
		m.loading--
	}
	m.mu.Unlock()
	m.notify()
}

func (m *Manager) dropChallenge(ch *rideid.PhoneChallenge) {
	m.mu.Lock()
	if m.challenge == ch {
		m.challenge = nil
	}
	m.mu.Unlock()
}

func (m *Manager) clearStore(ctx context.Context) {
	if err := m.store.ClearAll(ctx); err != nil {
		m.logger.Warn("clear credentials", "err", err)
	}
}

func (m *Manager) userID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.user == nil {
		return ""
	}
	return m.user.ID
}

func (m *Manager) snapshotLocked() Snapshot {
	return Snapshot{
		State:            m.state,
		User:             copyUser(m.user),
		Loading:          m.loading > 0,
		Error:            m.lastErr,
		PendingChallenge: m.challenge != nil,
	}
}

func (m *Manager) notify() {
	m.mu.Lock()
	snap := m.snapshotLocked()
	subs := make([]func(Snapshot), 0, len(m.subs))
	for _, fn := range m.subs {
		subs = append(subs, fn)
	}
	m.mu.Unlock()
	for _, fn := range subs {
		fn(snap)
	}
}

func copyUser(u *rideid.User) *rideid.User {
	if u == nil {
		return nil
	}
	out := *u
	out.Roles = append([]rideid.Role(nil), u.Roles...)
	return &out
}
