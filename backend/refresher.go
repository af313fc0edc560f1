package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	rideid "github.com/chimerakang/rideid-go"
)

// Refresher exchanges refresh tokens at /auth/refresh.
//
// It uses its own HTTP client without the session transport, so a rejected
// refresh never re-enters the refresh protocol.
type Refresher struct {
	url        string
	httpClient *http.Client
}

// RefresherOption configures the Refresher.
type RefresherOption func(*Refresher)

// WithRefreshHTTPClient replaces the refresher's HTTP client.
func WithRefreshHTTPClient(c *http.Client) RefresherOption {
	return func(r *Refresher) { r.httpClient = c }
}

// WithRefreshTimeout sets the refresh call ceiling, normally Config.RequestTimeout.
// Default: 30s.
func WithRefreshTimeout(d time.Duration) RefresherOption {
	return func(r *Refresher) {
		c := *r.httpClient
		c.Timeout = d
		r.httpClient = &c
	}
}

// NewRefresher creates a Refresher for baseURL.
func NewRefresher(baseURL string, opts ...RefresherOption) *Refresher {
	r := &Refresher{
		url:        strings.TrimRight(baseURL, "/") + PathRefresh,
		httpClient: &http.Client{Timeout: rideid.DefaultRequestTimeout},
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Refresh returns a new access token for refreshToken.
func (r *Refresher) Refresh(ctx context.Context, refreshToken string) (string, error) {
	payload, err := json.Marshal(map[string]string{"refreshToken": refreshToken})
	if err != nil {
		return "", fmt.Errorf("rideid/backend: encode refresh: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("rideid/backend: create refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if id := rideid.RequestIDFromContext(ctx); id != "" {
		req.Header.Set("X-Request-ID", id)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return "", rideid.NetworkError(err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", rideid.NetworkError(err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", rideid.FromHTTP(resp.StatusCode, body)
	}

	var out struct {
		AccessToken string `json:"accessToken"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("rideid/backend: decode refresh: %w", err)
	}
	if out.AccessToken == "" {
		return "", fmt.Errorf("rideid/backend: empty accessToken in refresh response")
	}
	return out.AccessToken, nil
}
