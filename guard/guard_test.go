package guard_test

import (
	"context"
	"net/http/httptest"
	"testing"

	rideid "github.com/chimerakang/rideid-go"
	"github.com/chimerakang/rideid-go/fake"
	"github.com/chimerakang/rideid-go/guard"
	"github.com/gin-gonic/gin"
)

var paths = guard.PathsFrom(rideid.Config{})

func user(kyc rideid.VerificationState, roles ...rideid.Role) *rideid.User {
	return &rideid.User{ID: "u1", KYCStatus: kyc, Roles: roles}
}

func TestProtected(t *testing.T) {
	tests := []struct {
		name  string
		state guard.State
		req   guard.Requirement
		want  guard.Decision
	}{
		{
			name:  "loading waits",
			state: guard.State{Loading: true},
			want:  guard.Decision{Action: guard.Wait},
		},
		{
			name:  "signed out goes to login",
			state: guard.State{},
			want:  guard.Decision{Action: guard.RedirectLogin, Location: "/login", From: "/trips"},
		},
		{
			name:  "signed in",
			state: guard.State{IsAuthenticated: true, CurrentUser: user(rideid.NotStarted)},
			want:  guard.Decision{Action: guard.Allow},
		},
		{
			name:  "kyc required, not verified",
			state: guard.State{IsAuthenticated: true, CurrentUser: user(rideid.InProgress), KYCStep: 4},
			req:   guard.Requirement{RequireKYC: true},
			want:  guard.Decision{Action: guard.RedirectKYC, Location: "/kyc/start"},
		},
		{
			name:  "kyc required, verified",
			state: guard.State{IsAuthenticated: true, CurrentUser: user(rideid.Verified)},
			req:   guard.Requirement{RequireKYC: true},
			want:  guard.Decision{Action: guard.Allow},
		},
		{
			name:  "missing role",
			state: guard.State{IsAuthenticated: true, CurrentUser: user(rideid.Verified, rideid.RoleRider)},
			req:   guard.Requirement{RequireRole: rideid.RoleDriver},
			want:  guard.Decision{Action: guard.Forbidden, Location: "/dashboard"},
		},
		{
			name:  "kyc checked before role",
			state: guard.State{IsAuthenticated: true, CurrentUser: user(rideid.NotStarted)},
			req:   guard.Requirement{RequireKYC: true, RequireRole: rideid.RoleAdmin},
			want:  guard.Decision{Action: guard.RedirectKYC, Location: "/kyc/start"},
		},
		{
			name:  "kyc and role",
			state: guard.State{IsAuthenticated: true, CurrentUser: user(rideid.Verified, rideid.RoleAdmin)},
			req:   guard.Requirement{RequireKYC: true, RequireRole: rideid.RoleAdmin},
			want:  guard.Decision{Action: guard.Allow},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := guard.Protected(tt.state, tt.req, paths, "/trips"); got != tt.want {
				t.Errorf("Protected() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestPublic(t *testing.T) {
	signedIn := guard.State{IsAuthenticated: true, CurrentUser: user(rideid.Verified)}

	if got := guard.Public(guard.State{}, paths, ""); got.Action != guard.Allow {
		t.Errorf("signed out: %+v", got)
	}
	if got := guard.Public(guard.State{Loading: true}, paths, ""); got.Action != guard.Wait {
		t.Errorf("loading: %+v", got)
	}
	if got := guard.Public(signedIn, paths, "/trips/42"); got != (guard.Decision{Action: guard.RedirectBack, Location: "/trips/42"}) {
		t.Errorf("with from: %+v", got)
	}
	if got := guard.Public(signedIn, paths, ""); got.Location != "/dashboard" {
		t.Errorf("without from: %+v", got)
	}
}

func TestPathsFrom(t *testing.T) {
	p := guard.PathsFrom(rideid.Config{LoginPath: "/signin"})
	if p.Login != "/signin" || p.KYCStart != "/kyc/start" || p.Dashboard != "/dashboard" {
		t.Errorf("PathsFrom() = %+v", p)
	}
}

func TestManagers(t *testing.T) {
	gin.SetMode(gin.TestMode)
	srv := httptest.NewServer(fake.NewBackend())
	defer srv.Close()

	idp := fake.NewProvider(fake.WithAccount("rider@example.com", "secret123"))
	st, err := fake.NewStack(srv.URL, idp)
	if err != nil {
		t.Fatal(err)
	}
	src := guard.Managers{Session: st.Session, KYC: st.KYC}

	s := src.State()
	if s.IsAuthenticated || s.CurrentUser != nil || s.KYCStep != 1 {
		t.Errorf("before login: %+v", s)
	}
	if d := guard.Protected(s, guard.Requirement{}, paths, "/"); d.Action != guard.RedirectLogin {
		t.Errorf("before login: %v", d.Action)
	}

	ctx := context.Background()
	if _, err := st.Session.LoginEmail(ctx, "rider@example.com", "secret123"); err != nil {
		t.Fatal(err)
	}
	if _, err := st.KYC.StartVerification(ctx); err != nil {
		t.Fatal(err)
	}

	s = src.State()
	if !s.IsAuthenticated || s.CurrentUser == nil || s.KYCStep != 2 {
		t.Errorf("after login: %+v", s)
	}
	if d := guard.Protected(s, guard.Requirement{RequireKYC: true}, paths, "/"); d.Action != guard.RedirectKYC {
		t.Errorf("kyc route: %v", d.Action)
	}

	noKYC := guard.Managers{Session: st.Session}
	if got := noKYC.State().KYCStep; got != 1 {
		t.Errorf("KYCStep without machine = %d", got)
	}
}
