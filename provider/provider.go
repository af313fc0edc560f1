// Package provider implements rideid.IdentityProvider against an Identity Toolkit
// compatible REST surface (accounts:signInWithPassword, accounts:signUp,
// accounts:signInWithIdp, accounts:sendVerificationCode, accounts:signInWithPhoneNumber).
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	rideid "github.com/chimerakang/rideid-go"
)

// DefaultEndpoint is the public Identity Toolkit v1 endpoint.
const DefaultEndpoint = "https://identitytoolkit.googleapis.com/v1"

// PopupFunc runs the interactive OAuth popup and returns the IdP's ID token.
// It returns rideid.ErrPopupCancelled when the user closes the popup.
type PopupFunc func(ctx context.Context) (idpToken string, err error)

// RecaptchaFunc returns a fresh verifier token for a phone challenge.
type RecaptchaFunc func(ctx context.Context) (string, error)

// Provider talks to the identity provider. It is the only component that does.
type Provider struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
	popup      PopupFunc
	recaptcha  RecaptchaFunc
	idpID      string
	requestURI string
	logger     *slog.Logger

	mu      sync.Mutex
	current string // localId of the signed-in provider account
}

// compile-time check
var _ rideid.IdentityProvider = (*Provider)(nil)

// Option configures the Provider.
type Option func(*Provider)

// WithEndpoint overrides the REST endpoint, e.g. an emulator or httptest server.
func WithEndpoint(u string) Option {
	return func(p *Provider) { p.endpoint = strings.TrimRight(u, "/") }
}

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// WithPopup sets the OAuth popup driver used by SignInWithPopup.
func WithPopup(f PopupFunc) Option {
	return func(p *Provider) { p.popup = f }
}

// WithRecaptcha sets the verifier used by BeginPhoneChallenge.
func WithRecaptcha(f RecaptchaFunc) Option {
	return func(p *Provider) { p.recaptcha = f }
}

// WithIdP sets the federated provider ID and the request URI sent to signInWithIdp.
// Default: "google.com", "http://localhost".
func WithIdP(providerID, requestURI string) Option {
	return func(p *Provider) {
		p.idpID = providerID
		p.requestURI = requestURI
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) { p.logger = l }
}

// New creates a provider client using apiKey.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		endpoint:   DefaultEndpoint,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		idpID:      "google.com",
		requestURI: "http://localhost",
	}
	for _, o := range opts {
		o(p)
	}
	if p.logger == nil {
		p.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return p
}

// authResponse is the shared sign-in response of the accounts:* methods.
type authResponse struct {
	IDToken     string `json:"idToken"`
	LocalID     string `json:"localId"`
	Email       string `json:"email"`
	DisplayName string `json:"displayName"`
	PhotoURL    string `json:"photoUrl"`
	PhoneNumber string `json:"phoneNumber"`
}

// SignInWithPassword authenticates an email/password account.
func (p *Provider) SignInWithPassword(ctx context.Context, email, password string) (*rideid.Assertion, error) {
	var resp authResponse
	err := p.call(ctx, "accounts:signInWithPassword", map[string]any{
		"email":             email,
		"password":          password,
		"returnSecureToken": true,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return p.assertion(resp, rideid.ChannelEmail), nil
}

// SignUpWithPassword creates an email/password account and signs it in.
func (p *Provider) SignUpWithPassword(ctx context.Context, email, password string) (*rideid.Assertion, error) {
	var resp authResponse
	err := p.call(ctx, "accounts:signUp", map[string]any{
		"email":             email,
		"password":          password,
		"returnSecureToken": true,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return p.assertion(resp, rideid.ChannelEmail), nil
}

// SignInWithPopup runs the popup and exchanges the IdP token for a provider assertion.
func (p *Provider) SignInWithPopup(ctx context.Context) (*rideid.Assertion, error) {
	if p.popup == nil {
		return nil, &rideid.Error{Kind: rideid.KindProvider, Message: "popup sign-in is not configured"}
	}
	idpToken, err := p.popup(ctx)
	if err != nil {
		if errors.Is(err, rideid.ErrPopupCancelled) {
			return nil, &rideid.Error{Kind: rideid.KindPopupCancelled, Message: "Sign-in cancelled", Err: err}
		}
		return nil, &rideid.Error{Kind: rideid.KindProvider, Message: "popup sign-in failed", Err: err}
	}

	postBody := url.Values{"id_token": {idpToken}, "providerId": {p.idpID}}.Encode()
	var resp authResponse
	err = p.call(ctx, "accounts:signInWithIdp", map[string]any{
		"postBody":            postBody,
		"requestUri":          p.requestURI,
		"returnSecureToken":   true,
		"returnIdpCredential": true,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return p.assertion(resp, rideid.ChannelGoogle), nil
}

// BeginPhoneChallenge sends an OTP to e164Phone.
func (p *Provider) BeginPhoneChallenge(ctx context.Context, e164Phone string) (*rideid.PhoneChallenge, error) {
	body := map[string]any{"phoneNumber": e164Phone}
	if p.recaptcha != nil {
		tok, err := p.recaptcha(ctx)
		if err != nil {
			return nil, &rideid.Error{Kind: rideid.KindProvider, Message: "verifier failed", Err: err}
		}
		body["recaptchaToken"] = tok
	}

	var resp struct {
		SessionInfo string `json:"sessionInfo"`
	}
	if err := p.call(ctx, "accounts:sendVerificationCode", body, &resp); err != nil {
		return nil, err
	}
	return &rideid.PhoneChallenge{
		Reference: resp.SessionInfo,
		Phone:     e164Phone,
		IssuedAt:  time.Now(),
	}, nil
}

// ConfirmPhoneChallenge confirms code against ch.
func (p *Provider) ConfirmPhoneChallenge(ctx context.Context, ch *rideid.PhoneChallenge, code string) (*rideid.Assertion, error) {
	if ch == nil {
		return nil, &rideid.Error{Kind: rideid.KindNoChallenge, Message: "Please request OTP first"}
	}
	var resp authResponse
	err := p.call(ctx, "accounts:signInWithPhoneNumber", map[string]any{
		"sessionInfo": ch.Reference,
		"code":        code,
	}, &resp)
	if err != nil {
		return nil, err
	}
	a := p.assertion(resp, rideid.ChannelPhone)
	if a.Phone == "" {
		a.Phone = ch.Phone
	}
	return a, nil
}

// SignOut forgets the signed-in provider account. The REST surface keeps no server session.
func (p *Provider) SignOut(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.current = ""
	return nil
}

// CurrentAccount returns the provider account ID of the last successful sign-in, or "".
func (p *Provider) CurrentAccount() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

func (p *Provider) assertion(resp authResponse, ch rideid.Channel) *rideid.Assertion {
	p.mu.Lock()
	p.current = resp.LocalID
	p.mu.Unlock()
	return &rideid.Assertion{
		Token:       resp.IDToken,
		Channel:     ch,
		DisplayName: resp.DisplayName,
		PhotoURL:    resp.PhotoURL,
		Phone:       resp.PhoneNumber,
	}
}

func (p *Provider) call(ctx context.Context, method string, in, out any) error {
	data, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("rideid/provider: encode %s: %w", method, err)
	}
	u := p.endpoint + "/" + method + "?key=" + url.QueryEscape(p.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("rideid/provider: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return rideid.NetworkError(err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return rideid.NetworkError(err)
	}
	if resp.StatusCode != http.StatusOK {
		perr := mapError(resp.StatusCode, body)
		p.logger.Debug("provider call failed", "method", method, "status", resp.StatusCode, "kind", perr.Kind)
		return perr
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("rideid/provider: decode %s: %w", method, err)
	}
	return nil
}
