// Package ginmw renders route guard decisions as Gin middleware for
// server-rendered hosts and backend-for-frontend services.
//
// The middleware only reads state through a StateFunc; it never talks to the
// identity provider or the backend itself.
package ginmw

import (
	"net/http"
	"net/url"
	"strings"

	rideid "github.com/chimerakang/rideid-go"
	"github.com/chimerakang/rideid-go/guard"
	"github.com/gin-gonic/gin"
)

// Context keys for storing guard data in gin.Context.
const (
	KeyUser    = "rideid_user"
	KeyKYCStep = "rideid_kyc_step"
)

// QueryFrom is the query parameter that carries the originally requested location.
const QueryFrom = "from"

// StateFunc returns the guard state for the request's visitor.
type StateFunc func(c *gin.Context) guard.State

// FromSource adapts a process-wide source, such as guard.Managers, to a StateFunc.
func FromSource(src guard.Source) StateFunc {
	return func(*gin.Context) guard.State { return src.State() }
}

// Option configures guard middleware behavior.
type Option func(*config)

type config struct {
	paths         guard.Paths
	excludedPaths map[string]bool
}

// WithPaths sets the redirect targets. Default: guard.PathsFrom(rideid.Config{}).
func WithPaths(p guard.Paths) Option {
	return func(cfg *config) { cfg.paths = p }
}

// WithExcludedPaths sets paths that skip the guard (e.g. health checks).
func WithExcludedPaths(paths ...string) Option {
	return func(cfg *config) {
		for _, p := range paths {
			cfg.excludedPaths[p] = true
		}
	}
}

func newConfig(opts []Option) *config {
	cfg := &config{
		paths:         guard.PathsFrom(rideid.Config{}),
		excludedPaths: make(map[string]bool),
	}
	for _, o := range opts {
		o(cfg)
	}
	return cfg
}

// Protected returns Gin middleware that admits only visitors satisfying req.
//
// Signed-out visitors are redirected to the login path with ?from=<request URI>.
// Visitors without verified KYC go to the KYC start path. A missing role answers 403.
// While the session is loading the middleware answers 503 with Retry-After.
func Protected(state StateFunc, req guard.Requirement, opts ...Option) gin.HandlerFunc {
	cfg := newConfig(opts)

	return func(c *gin.Context) {
		if cfg.excludedPaths[c.Request.URL.Path] {
			c.Next()
			return
		}

		s := state(c)
		d := guard.Protected(s, req, cfg.paths, c.Request.URL.RequestURI())
		switch d.Action {
		case guard.Allow:
			c.Set(KeyUser, s.CurrentUser)
			c.Set(KeyKYCStep, s.KYCStep)
			c.Next()
		case guard.Wait:
			wait(c)
		case guard.RedirectLogin:
			c.Redirect(http.StatusFound, withFrom(d.Location, d.From))
			c.Abort()
		case guard.RedirectKYC:
			c.Redirect(http.StatusFound, d.Location)
			c.Abort()
		default:
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":    "You don't have permission to access this page.",
				"redirect": d.Location,
			})
		}
	}
}

// Public returns Gin middleware for pages meant for signed-out visitors.
// Signed-in visitors are redirected to ?from, or to the dashboard.
func Public(state StateFunc, opts ...Option) gin.HandlerFunc {
	cfg := newConfig(opts)

	return func(c *gin.Context) {
		d := guard.Public(state(c), cfg.paths, safeFrom(c.Query(QueryFrom)))
		switch d.Action {
		case guard.Allow:
			c.Next()
		case guard.Wait:
			wait(c)
		default:
			c.Redirect(http.StatusFound, d.Location)
			c.Abort()
		}
	}
}

// --- Context helpers ---

// GetUser returns the admitted user from the Gin context.
func GetUser(c *gin.Context) *rideid.User {
	v, _ := c.Get(KeyUser)
	u, _ := v.(*rideid.User)
	return u
}

// GetKYCStep returns the visitor's KYC step from the Gin context.
func GetKYCStep(c *gin.Context) int {
	return c.GetInt(KeyKYCStep)
}

// --- internal helpers ---

func wait(c *gin.Context) {
	c.Header("Retry-After", "1")
	c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "Loading..."})
}

func withFrom(location, from string) string {
	if from == "" {
		return location
	}
	return location + "?" + url.Values{QueryFrom: {from}}.Encode()
}

// safeFrom keeps only same-site absolute paths, so ?from cannot redirect off-site.
func safeFrom(from string) string {
	u, err := url.Parse(from)
	if err != nil || u.IsAbs() || u.Host != "" || len(from) == 0 || from[0] != '/' || (len(from) > 1 && from[1] == '/') {
		return ""
	}
	// Browsers read a backslash as a slash, so "/\host" is protocol-relative.
	if strings.ContainsRune(from, '\\') {
		return ""
	}
	return from
}
