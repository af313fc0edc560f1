package ginmw

import (
	"net/http"
	"net/http/httptest"
	"testing"

	rideid "github.com/chimerakang/rideid-go"
	"github.com/chimerakang/rideid-go/guard"
	"github.com/gin-gonic/gin"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func static(s guard.State) StateFunc {
	return FromSource(guard.SourceFunc(func() guard.State { return s }))
}

func signedIn(kyc rideid.VerificationState, roles ...rideid.Role) guard.State {
	return guard.State{
		IsAuthenticated: true,
		CurrentUser:     &rideid.User{ID: "u1", KYCStatus: kyc, Roles: roles},
		KYCStep:         4,
	}
}

func serve(r *gin.Engine, target string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	r.ServeHTTP(w, req)
	return w
}

func TestProtected(t *testing.T) {
	tests := []struct {
		name         string
		state        guard.State
		req          guard.Requirement
		wantStatus   int
		wantLocation string
	}{
		{"signed out", guard.State{}, guard.Requirement{}, http.StatusFound, "/login?from=%2Fdriver%2Ftrips%3Fpage%3D2"},
		{"loading", guard.State{Loading: true}, guard.Requirement{}, http.StatusServiceUnavailable, ""},
		{"allowed", signedIn(rideid.NotStarted), guard.Requirement{}, http.StatusOK, ""},
		{"kyc missing", signedIn(rideid.InProgress), guard.Requirement{RequireKYC: true}, http.StatusFound, "/kyc/start"},
		{"role missing", signedIn(rideid.Verified, rideid.RoleRider), guard.Requirement{RequireRole: rideid.RoleDriver}, http.StatusForbidden, ""},
		{"kyc and role", signedIn(rideid.Verified, rideid.RoleDriver), guard.Requirement{RequireKYC: true, RequireRole: rideid.RoleDriver}, http.StatusOK, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := gin.New()
			r.GET("/driver/trips", Protected(static(tt.state), tt.req), func(c *gin.Context) {
				c.String(http.StatusOK, GetUser(c).ID)
			})

			w := serve(r, "/driver/trips?page=2")
			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if got := w.Header().Get("Location"); got != tt.wantLocation {
				t.Errorf("Location = %q, want %q", got, tt.wantLocation)
			}
			if tt.wantStatus == http.StatusOK && w.Body.String() != "u1" {
				t.Errorf("body = %q", w.Body.String())
			}
		})
	}
}

func TestProtected_ExcludedPaths(t *testing.T) {
	r := gin.New()
	r.Use(Protected(static(guard.State{}), guard.Requirement{}, WithExcludedPaths("/health")))
	r.GET("/health", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	if w := serve(r, "/health"); w.Code != http.StatusNoContent {
		t.Errorf("status = %d", w.Code)
	}
}

func TestProtected_CustomPaths(t *testing.T) {
	r := gin.New()
	paths := guard.PathsFrom(rideid.Config{LoginPath: "/auth/signin"})
	r.GET("/x", Protected(static(guard.State{}), guard.Requirement{}, WithPaths(paths)), func(c *gin.Context) {})

	w := serve(r, "/x")
	if got := w.Header().Get("Location"); got != "/auth/signin?from=%2Fx" {
		t.Errorf("Location = %q", got)
	}
}

func TestPublic(t *testing.T) {
	tests := []struct {
		name         string
		state        guard.State
		target       string
		wantStatus   int
		wantLocation string
	}{
		{"signed out sees page", guard.State{}, "/login", http.StatusOK, ""},
		{"signed in goes to dashboard", signedIn(rideid.Verified), "/login", http.StatusFound, "/dashboard"},
		{"signed in goes back", signedIn(rideid.Verified), "/login?from=%2Ftrips%2F42", http.StatusFound, "/trips/42"},
		{"off-site from ignored", signedIn(rideid.Verified), "/login?from=https%3A%2F%2Fevil.example", http.StatusFound, "/dashboard"},
		{"protocol-relative from ignored", signedIn(rideid.Verified), "/login?from=%2F%2Fevil.example", http.StatusFound, "/dashboard"},
		{"backslash from ignored", signedIn(rideid.Verified), "/login?from=%2F%5Cevil.example", http.StatusFound, "/dashboard"},
		{"embedded backslash from ignored", signedIn(rideid.Verified), "/login?from=%2Fa%5C..%5C%5Cevil.example", http.StatusFound, "/dashboard"},
		{"loading", guard.State{Loading: true}, "/login", http.StatusServiceUnavailable, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := gin.New()
			r.GET("/login", Public(static(tt.state)), func(c *gin.Context) { c.String(http.StatusOK, "login page") })

			w := serve(r, tt.target)
			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if got := w.Header().Get("Location"); got != tt.wantLocation {
				t.Errorf("Location = %q, want %q", got, tt.wantLocation)
			}
		})
	}
}

func TestGetKYCStep(t *testing.T) {
	r := gin.New()
	var step int
	r.GET("/k", Protected(static(signedIn(rideid.Verified)), guard.Requirement{}), func(c *gin.Context) {
		step = GetKYCStep(c)
	})
	serve(r, "/k")
	if step != 4 {
		t.Errorf("GetKYCStep() = %d, want 4", step)
	}
}
