// Package guard decides whether a route may be entered given the current
// session and KYC state. Decisions are pure; hosts render them as redirects,
// loading screens, or access-denied pages.
package guard

import (
	"fmt"

	rideid "github.com/chimerakang/rideid-go"
)

// State is the consumer-facing view of the session and KYC state.
type State struct {
	IsAuthenticated bool
	CurrentUser     *rideid.User
	KYCStep         int
	Loading         bool
}

// Source supplies the current State.
type Source interface {
	State() State
}

// SourceFunc adapts a function to Source.
type SourceFunc func() State

// State implements Source.
func (f SourceFunc) State() State { return f() }

// Requirement is what a protected route demands beyond a signed-in user.
type Requirement struct {
	RequireKYC  bool
	RequireRole rideid.Role
}

// Action is the outcome of a guard check.
type Action int

const (
	Allow Action = iota
	Wait
	RedirectLogin
	RedirectKYC
	Forbidden
	RedirectBack
)

func (a Action) String() string {
	switch a {
	case Allow:
		return "allow"
	case Wait:
		return "wait"
	case RedirectLogin:
		return "redirect_login"
	case RedirectKYC:
		return "redirect_kyc"
	case Forbidden:
		return "forbidden"
	case RedirectBack:
		return "redirect_back"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

// Decision is a guard outcome. Location is set for every action except Allow and Wait.
// From carries the originally requested location on login redirects.
type Decision struct {
	Action   Action
	Location string
	From     string
}

// Paths are the redirect targets.
type Paths struct {
	Login     string
	KYCStart  string
	Dashboard string
}

// PathsFrom reads the redirect targets from cfg.
func PathsFrom(cfg rideid.Config) Paths {
	p := Paths{Login: cfg.LoginPath, KYCStart: cfg.KYCStartPath, Dashboard: cfg.DashboardPath}
	if p.Login == "" {
		p.Login = rideid.DefaultLoginPath
	}
	if p.KYCStart == "" {
		p.KYCStart = rideid.DefaultKYCStartPath
	}
	if p.Dashboard == "" {
		p.Dashboard = rideid.DefaultDashboardPath
	}
	return p
}

// Protected decides entry to a route that needs a signed-in user.
// Checks run in order: loading, authentication, KYC, role.
// The KYC check reads the user's kycStatus, not the step.
func Protected(s State, req Requirement, paths Paths, from string) Decision {
	if s.Loading {
		return Decision{Action: Wait}
	}
	if !s.IsAuthenticated || s.CurrentUser == nil {
		return Decision{Action: RedirectLogin, Location: paths.Login, From: from}
	}
	if req.RequireKYC && s.CurrentUser.KYCStatus != rideid.Verified {
		return Decision{Action: RedirectKYC, Location: paths.KYCStart}
	}
	if req.RequireRole != "" && !s.CurrentUser.HasRole(req.RequireRole) {
		return Decision{Action: Forbidden, Location: paths.Dashboard}
	}
	return Decision{Action: Allow}
}

// Public decides entry to a page meant for signed-out visitors, such as login.
// Signed-in visitors go back to from, or to the dashboard.
func Public(s State, paths Paths, from string) Decision {
	if s.Loading {
		return Decision{Action: Wait}
	}
	if s.IsAuthenticated {
		loc := from
		if loc == "" {
			loc = paths.Dashboard
		}
		return Decision{Action: RedirectBack, Location: loc}
	}
	return Decision{Action: Allow}
}
