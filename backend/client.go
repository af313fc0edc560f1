// Package backend is the REST client for the ride-sharing platform's auth and KYC endpoints.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	rideid "github.com/chimerakang/rideid-go"
	"github.com/chimerakang/rideid-go/metrics"
)

// Endpoint paths, relative to the API base URL.
const (
	PathLogin      = "/auth/login"
	PathRefresh    = "/auth/refresh"
	PathLogout     = "/auth/logout"
	PathMe         = "/user/me"
	PathKYCStart   = "/kyc/start"
	PathKYCAadhaar = "/kyc/aadhaar"
	PathKYCFace    = "/kyc/face"
	PathKYCStatus  = "/kyc/status"
)

// Client implements rideid.AuthBackend and rideid.KYCBackend over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// compile-time checks
var (
	_ rideid.AuthBackend = (*Client)(nil)
	_ rideid.KYCBackend  = (*Client)(nil)
)

// Option configures the Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(b *Client) { b.httpClient = c }
}

// WithRoundTripper sets the transport, normally a *transport.Transport.
// A client passed to WithHTTPClient is copied, not modified.
func WithRoundTripper(rt http.RoundTripper) Option {
	return func(b *Client) {
		c := *b.httpClient
		c.Transport = rt
		b.httpClient = &c
	}
}

// WithTimeout sets the per-request ceiling. Default: 30s.
func WithTimeout(d time.Duration) Option {
	return func(b *Client) {
		c := *b.httpClient
		c.Timeout = d
		b.httpClient = &c
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Client) { b.logger = l }
}

// WithMetrics records request durations.
func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Client) { b.metrics = m }
}

// New creates a backend client for baseURL, e.g. "https://api.example.com/api".
func New(baseURL string, opts ...Option) *Client {
	b := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: rideid.DefaultRequestTimeout},
	}
	for _, o := range opts {
		o(b)
	}
	if b.logger == nil {
		b.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return b
}

// Login exchanges an identity assertion for a platform session.
func (b *Client) Login(ctx context.Context, req rideid.LoginRequest) (*rideid.Session, error) {
	var sess rideid.Session
	if err := b.postJSON(ctx, PathLogin, req, &sess); err != nil {
		return nil, err
	}
	if sess.AccessToken == "" {
		return nil, &rideid.Error{Kind: rideid.KindServer, Status: http.StatusOK, Message: "login response carried no access token"}
	}
	return &sess, nil
}

// Logout invalidates the refresh token server-side.
func (b *Client) Logout(ctx context.Context) error {
	return b.do(ctx, http.MethodPost, PathLogout, nil, "", nil)
}

// Me returns the current user record.
func (b *Client) Me(ctx context.Context) (*rideid.User, error) {
	var u rideid.User
	if err := b.do(ctx, http.MethodGet, PathMe, nil, "", &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// StartKYC initializes the verification workflow.
func (b *Client) StartKYC(ctx context.Context) (*rideid.KYCStatus, error) {
	var st rideid.KYCStatus
	if err := b.do(ctx, http.MethodPost, PathKYCStart, nil, "", &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// SubmitAadhaar posts the last four Aadhaar digits.
func (b *Client) SubmitAadhaar(ctx context.Context, last4 string) (*rideid.AadhaarResult, error) {
	body := struct {
		AadhaarLast4 string `json:"aadhaarLast4"`
	}{last4}
	var res rideid.AadhaarResult
	if err := b.postJSON(ctx, PathKYCAadhaar, body, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// SubmitFace uploads img as the multipart field "image".
func (b *Client) SubmitFace(ctx context.Context, img rideid.FaceImage) (*rideid.KYCStatus, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	filename := img.Filename
	if filename == "" {
		filename = "face"
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="image"; filename=%q`, filename))
	h.Set("Content-Type", img.ContentType)
	part, err := mw.CreatePart(h)
	if err != nil {
		return nil, fmt.Errorf("rideid/backend: create multipart: %w", err)
	}
	if _, err := part.Write(img.Data); err != nil {
		return nil, fmt.Errorf("rideid/backend: write multipart: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("rideid/backend: close multipart: %w", err)
	}

	var st rideid.KYCStatus
	if err := b.do(ctx, http.MethodPost, PathKYCFace, bytes.NewReader(buf.Bytes()), mw.FormDataContentType(), &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// SubmitFaceBase64 posts an already encoded image (typically a data URL) as JSON {"image": ...}.
func (b *Client) SubmitFaceBase64(ctx context.Context, image string) (*rideid.KYCStatus, error) {
	if image == "" {
		return nil, rideid.ValidationError("image", "Please provide an image")
	}
	body := struct {
		Image string `json:"image"`
	}{image}
	var st rideid.KYCStatus
	if err := b.postJSON(ctx, PathKYCFace, body, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// KYCStatus fetches the verification status. A 404 is returned as an error;
// callers that treat it as "not started" check rideid.IsNotFound.
func (b *Client) KYCStatus(ctx context.Context) (*rideid.KYCStatus, error) {
	var st rideid.KYCStatus
	if err := b.do(ctx, http.MethodGet, PathKYCStatus, nil, "", &st); err != nil {
		return nil, err
	}
	return &st, nil
}

func (b *Client) postJSON(ctx context.Context, path string, in, out any) error {
	data, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("rideid/backend: encode request: %w", err)
	}
	return b.do(ctx, http.MethodPost, path, bytes.NewReader(data), "application/json", out)
}

func (b *Client) do(ctx context.Context, method, path string, body io.Reader, contentType string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("rideid/backend: create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := b.httpClient.Do(req)
	if err != nil {
		b.metrics.ObserveRequest(path, "error", time.Since(start).Seconds())
		b.logger.Debug("backend request failed", "method", method, "endpoint", path, "err", err)
		return classify(err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	b.metrics.ObserveRequest(path, strconv.Itoa(resp.StatusCode), time.Since(start).Seconds())
	if err != nil {
		return rideid.NetworkError(err)
	}
	b.logger.Debug("backend request", "method", method, "endpoint", path, "status", resp.StatusCode)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return rideid.FromHTTP(resp.StatusCode, respBody)
	}
	if out == nil || len(bytes.TrimSpace(respBody)) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("rideid/backend: decode %s: %w", path, err)
	}
	return nil
}

// classify keeps taxonomy errors raised by the transport and maps everything
// else to a network error.
func classify(err error) error {
	var e *rideid.Error
	if errors.As(err, &e) {
		return e
	}
	return rideid.NetworkError(err)
}
