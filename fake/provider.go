// Package fake provides in-memory implementations of the rideid collaborators for testing.
//
// Use fake.NewProvider for the identity provider and fake.NewBackend for an
// HTTP server that speaks the backend REST contract. NewStack wires both to
// the real session, kyc and transport packages.
package fake

import (
	"context"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	rideid "github.com/chimerakang/rideid-go"
	"github.com/google/uuid"
)

// DefaultOTP is the code every phone challenge accepts unless WithOTP is set.
const DefaultOTP = "123456"

// ProviderOption configures the fake provider.
type ProviderOption func(*Provider)

// Provider is an in-memory rideid.IdentityProvider.
//
// Assertion tokens have the form "<channel>:<identifier>", which fake.Backend
// accepts as proof of identity.
type Provider struct {
	mu         sync.Mutex
	accounts   map[string]string // email → password
	google     *rideid.Assertion
	popupErr   error
	otp        string
	challenges map[string]*rideid.PhoneChallenge
	ttl        time.Duration
	now        func() time.Time

	signIns    atomic.Int64
	challenged atomic.Int64
	signOuts   atomic.Int64
}

var _ rideid.IdentityProvider = (*Provider)(nil)

// WithAccount registers an email/password account.
func WithAccount(email, password string) ProviderOption {
	return func(p *Provider) { p.accounts[email] = password }
}

// WithGoogleAccount sets the account the popup signs in as.
func WithGoogleAccount(email, name, photoURL string) ProviderOption {
	return func(p *Provider) {
		p.google = &rideid.Assertion{
			Token:       "google:" + email,
			Channel:     rideid.ChannelGoogle,
			DisplayName: name,
			PhotoURL:    photoURL,
		}
	}
}

// WithPopupError makes every popup sign-in fail with err.
func WithPopupError(err error) ProviderOption {
	return func(p *Provider) { p.popupErr = err }
}

// WithOTP sets the code phone challenges accept.
func WithOTP(code string) ProviderOption {
	return func(p *Provider) { p.otp = code }
}

// WithChallengeTTL expires phone challenges after d.
func WithChallengeTTL(d time.Duration) ProviderOption {
	return func(p *Provider) { p.ttl = d }
}

// WithClock sets the time source used for challenge expiry.
func WithClock(now func() time.Time) ProviderOption {
	return func(p *Provider) { p.now = now }
}

// NewProvider creates a fake identity provider.
func NewProvider(opts ...ProviderOption) *Provider {
	p := &Provider{
		accounts:   make(map[string]string),
		otp:        DefaultOTP,
		challenges: make(map[string]*rideid.PhoneChallenge),
		now:        time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *Provider) SignInWithPassword(_ context.Context, email, password string) (*rideid.Assertion, error) {
	p.signIns.Add(1)
	p.mu.Lock()
	defer p.mu.Unlock()

	want, ok := p.accounts[email]
	if !ok || want != password {
		return nil, &rideid.Error{Kind: rideid.KindInvalidCredentials, Status: 400, Message: "Invalid email or password."}
	}
	return &rideid.Assertion{Token: "email:" + email, Channel: rideid.ChannelEmail}, nil
}

func (p *Provider) SignUpWithPassword(_ context.Context, email, password string) (*rideid.Assertion, error) {
	p.signIns.Add(1)
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.accounts[email]; ok {
		return nil, &rideid.Error{Kind: rideid.KindInvalidCredentials, Status: 400, Message: "An account already exists for this email."}
	}
	p.accounts[email] = password
	return &rideid.Assertion{Token: "email:" + email, Channel: rideid.ChannelEmail}, nil
}

func (p *Provider) SignInWithPopup(_ context.Context) (*rideid.Assertion, error) {
	p.signIns.Add(1)
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.popupErr != nil {
		return nil, p.popupErr
	}
	if p.google == nil {
		return nil, &rideid.Error{Kind: rideid.KindProvider, Message: "Sign-in with the identity provider failed."}
	}
	a := *p.google
	return &a, nil
}

var e164 = regexp.MustCompile(`^\+[1-9]\d{7,14}$`)

func (p *Provider) BeginPhoneChallenge(_ context.Context, phone string) (*rideid.PhoneChallenge, error) {
	p.challenged.Add(1)
	if !e164.MatchString(phone) {
		return nil, &rideid.Error{Kind: rideid.KindInvalidPhoneNumber, Status: 400, Message: "Invalid phone number"}
	}
	ch := &rideid.PhoneChallenge{Reference: uuid.NewString(), Phone: phone, IssuedAt: p.now()}

	p.mu.Lock()
	p.challenges[ch.Reference] = ch
	p.mu.Unlock()

	out := *ch
	return &out, nil
}

func (p *Provider) ConfirmPhoneChallenge(_ context.Context, ch *rideid.PhoneChallenge, code string) (*rideid.Assertion, error) {
	expired := &rideid.Error{Kind: rideid.KindChallengeExpired, Status: 400, Message: "OTP expired. Please request a new one."}
	if ch == nil {
		return nil, expired
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	pending, ok := p.challenges[ch.Reference]
	if !ok {
		return nil, expired
	}
	if p.ttl > 0 && p.now().Sub(pending.IssuedAt) > p.ttl {
		delete(p.challenges, ch.Reference)
		return nil, expired
	}
	if code != p.otp {
		return nil, &rideid.Error{Kind: rideid.KindInvalidCode, Status: 400, Message: "Invalid OTP. Please try again."}
	}
	delete(p.challenges, ch.Reference)
	p.signIns.Add(1)
	return &rideid.Assertion{Token: "phone:" + pending.Phone, Channel: rideid.ChannelPhone, Phone: pending.Phone}, nil
}

func (p *Provider) SignOut(context.Context) error {
	p.signOuts.Add(1)
	return nil
}

// SignIns returns the number of sign-in attempts, including successful OTP confirmations.
func (p *Provider) SignIns() int { return int(p.signIns.Load()) }

// Challenges returns the number of phone challenges requested.
func (p *Provider) Challenges() int { return int(p.challenged.Load()) }

// SignOuts returns the number of provider sign-outs.
func (p *Provider) SignOuts() int { return int(p.signOuts.Load()) }

// Pending returns the number of unconfirmed phone challenges.
func (p *Provider) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.challenges)
}
