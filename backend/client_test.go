package backend_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	rideid "github.com/chimerakang/rideid-go"
	"github.com/chimerakang/rideid-go/backend"
)

func TestLogin(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/auth/login" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q", ct)
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"accessToken":"a1","refreshToken":"r1","user":{"id":"u1","email":"x@example.com","roles":["RIDER"],"kycStatus":"NOT_STARTED"}}`)
	}))
	defer srv.Close()

	c := backend.New(srv.URL + "/api")
	sess, err := c.Login(context.Background(), rideid.LoginRequest{
		FirebaseToken: "assertion",
		Provider:      rideid.ChannelGoogle,
		Name:          "Asha",
		PhotoURL:      "https://example.com/p.png",
	})
	if err != nil {
		t.Fatalf("Login() error: %v", err)
	}
	if sess.AccessToken != "a1" || sess.RefreshToken != "r1" || sess.User.ID != "u1" {
		t.Errorf("session = %+v", sess)
	}
	if !sess.User.HasRole(rideid.RoleRider) {
		t.Error("expected RIDER role")
	}
	if got["firebaseToken"] != "assertion" || got["provider"] != "google" || got["name"] != "Asha" {
		t.Errorf("request body = %v", got)
	}
	if _, ok := got["phone"]; ok {
		t.Error("empty phone should be omitted")
	}
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		wantKind rideid.Kind
		wantMsg  string
	}{
		{"message field", http.StatusBadRequest, `{"message":"Invalid firebase token"}`, rideid.KindServer, "Invalid firebase token"},
		{"error field", http.StatusInternalServerError, `{"error":"db down"}`, rideid.KindServer, "db down"},
		{"no body", http.StatusBadGateway, ``, rideid.KindServer, rideid.MsgUnknown},
		{"rate limited", http.StatusTooManyRequests, `{"message":"slow down"}`, rideid.KindRateLimited, "slow down"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			_, err := backend.New(srv.URL).Me(context.Background())
			if err == nil {
				t.Fatal("expected error")
			}
			if rideid.KindOf(err) != tt.wantKind {
				t.Errorf("kind = %v, want %v", rideid.KindOf(err), tt.wantKind)
			}
			if rideid.StatusOf(err) != tt.status {
				t.Errorf("status = %d, want %d", rideid.StatusOf(err), tt.status)
			}
			if rideid.MessageOf(err) != tt.wantMsg {
				t.Errorf("message = %q, want %q", rideid.MessageOf(err), tt.wantMsg)
			}
		})
	}
}

func TestNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := backend.New(url).KYCStatus(context.Background())
	if !errors.Is(err, rideid.ErrNetwork) {
		t.Fatalf("err = %v, want network error", err)
	}
	if rideid.StatusOf(err) != 0 {
		t.Errorf("status = %d, want 0", rideid.StatusOf(err))
	}
	if rideid.MessageOf(err) != rideid.MsgNetwork {
		t.Errorf("message = %q", rideid.MessageOf(err))
	}
}

func TestTimeoutIsNetworkError(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	_, err := backend.New(srv.URL, backend.WithTimeout(50*time.Millisecond)).StartKYC(context.Background())
	if !errors.Is(err, rideid.ErrNetwork) {
		t.Fatalf("err = %v, want network error", err)
	}
}

func TestKYCStatusNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `{"message":"KYC record not found"}`)
	}))
	defer srv.Close()

	_, err := backend.New(srv.URL).KYCStatus(context.Background())
	if !rideid.IsNotFound(err) {
		t.Fatalf("err = %v, want 404", err)
	}
}

func TestSubmitAadhaarSendsLast4(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = io.WriteString(w, `{"aadhaarStatus":"VERIFIED","message":"ok"}`)
	}))
	defer srv.Close()

	res, err := backend.New(srv.URL).SubmitAadhaar(context.Background(), "5246")
	if err != nil {
		t.Fatal(err)
	}
	if res.AadhaarStatus != rideid.Verified {
		t.Errorf("aadhaarStatus = %q", res.AadhaarStatus)
	}
	if len(got) != 1 || got["aadhaarLast4"] != "5246" {
		t.Errorf("body = %v, want only aadhaarLast4", got)
	}
}

func TestSubmitFaceMultipart(t *testing.T) {
	img := rideid.FaceImage{
		Filename:    "selfie.jpg",
		ContentType: "image/jpeg",
		Data:        []byte{0xFF, 0xD8, 0xFF, 0xE0, 1, 2, 3},
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("ParseMultipartForm: %v", err)
			return
		}
		f, hdr, err := r.FormFile("image")
		if err != nil {
			t.Errorf("FormFile: %v", err)
			return
		}
		defer f.Close()
		data, _ := io.ReadAll(f)
		if hdr.Filename != "selfie.jpg" || string(data) != string(img.Data) {
			t.Errorf("file = %s (%d bytes)", hdr.Filename, len(data))
		}
		if ct := hdr.Header.Get("Content-Type"); ct != "image/jpeg" {
			t.Errorf("part Content-Type = %q", ct)
		}
		_, _ = io.WriteString(w, `{"aadhaar":"VERIFIED","face":"VERIFIED","overall":"VERIFIED"}`)
	}))
	defer srv.Close()

	st, err := backend.New(srv.URL).SubmitFace(context.Background(), img)
	if err != nil {
		t.Fatal(err)
	}
	if st.Overall != rideid.Verified {
		t.Errorf("overall = %q", st.Overall)
	}
}

func TestSubmitFaceBase64(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = io.WriteString(w, `{"aadhaar":"VERIFIED","face":"IN_PROGRESS","overall":"IN_PROGRESS"}`)
	}))
	defer srv.Close()

	c := backend.New(srv.URL)
	if _, err := c.SubmitFaceBase64(context.Background(), ""); !errors.Is(err, rideid.ErrValidation) {
		t.Errorf("empty image err = %v, want validation", err)
	}
	st, err := c.SubmitFaceBase64(context.Background(), "data:image/png;base64,iVBORw0KGgo=")
	if err != nil {
		t.Fatal(err)
	}
	if st.Face != rideid.InProgress || got["image"] == "" {
		t.Errorf("status = %+v, body = %v", st, got)
	}
}

func TestLogoutNoBody(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = r.URL.Path == backend.PathLogout
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	if err := backend.New(srv.URL).Logout(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !called {
		t.Error("logout endpoint not called")
	}
}

func TestRefresher(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "" {
			t.Error("refresh must not carry a bearer token")
		}
		var body struct {
			RefreshToken string `json:"refreshToken"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body.RefreshToken != "r1" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = io.WriteString(w, `{"message":"Invalid refresh token"}`)
			return
		}
		_, _ = io.WriteString(w, `{"accessToken":"a2"}`)
	}))
	defer srv.Close()

	r := backend.NewRefresher(srv.URL)
	tok, err := r.Refresh(context.Background(), "r1")
	if err != nil || tok != "a2" {
		t.Fatalf("Refresh() = %q, %v", tok, err)
	}

	_, err = r.Refresh(context.Background(), "revoked")
	if rideid.StatusOf(err) != http.StatusUnauthorized || rideid.MessageOf(err) != "Invalid refresh token" {
		t.Errorf("err = %v", err)
	}
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func TestWithRoundTripperLeavesCallerClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"id":"u1"}`)
	}))
	defer srv.Close()

	var calls int
	rt := roundTripFunc(func(r *http.Request) (*http.Response, error) {
		calls++
		return http.DefaultTransport.RoundTrip(r)
	})
	caller := &http.Client{Timeout: 3 * time.Second}

	api := backend.New(srv.URL,
		backend.WithHTTPClient(caller),
		backend.WithRoundTripper(rt),
		backend.WithTimeout(time.Second),
	)
	if _, err := api.Me(context.Background()); err != nil {
		t.Fatal(err)
	}
	if calls != 1 {
		t.Errorf("round tripper calls = %d, want 1", calls)
	}
	if caller.Transport != nil || caller.Timeout != 3*time.Second {
		t.Errorf("caller client modified: transport=%v timeout=%v", caller.Transport, caller.Timeout)
	}
}

func TestRefresherTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	r := backend.NewRefresher(srv.URL, backend.WithRefreshTimeout(50*time.Millisecond))
	if _, err := r.Refresh(context.Background(), "r1"); !errors.Is(err, rideid.ErrNetwork) {
		t.Fatalf("err = %v, want network error", err)
	}
}
