package fake

import (
	"crypto/rand"
	"encoding/base64"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	rideid "github.com/chimerakang/rideid-go"
	"github.com/chimerakang/rideid-go/backend"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// BackendOption configures the fake backend.
type BackendOption func(*Backend)

// Backend is an in-memory implementation of the platform REST contract,
// served by a Gin engine. Mount it with httptest.NewServer(b).
//
// Access tokens are HS256 JWTs carrying a generation claim; ExpireAccessTokens
// bumps the generation so every outstanding token is rejected with 401.
type Backend struct {
	engine    *gin.Engine
	secret    []byte
	accessTTL time.Duration
	now       func() time.Time

	mu         sync.Mutex
	generation int
	users      map[string]*rideid.User      // id → user
	identities map[string]string            // assertion token → user id
	refresh    map[string]string            // refresh token → user id
	kyc        map[string]*rideid.KYCStatus // user id → status

	failRefresh bool
	failLogout  bool
	refreshGate chan struct{}

	logins   atomic.Int64
	refreshs atomic.Int64
	logouts  atomic.Int64
	requests atomic.Int64
}

// WithAccessTTL sets the lifetime of issued access tokens. Default: 15m.
func WithAccessTTL(d time.Duration) BackendOption {
	return func(b *Backend) { b.accessTTL = d }
}

// WithBackendClock sets the time source used for token issuance.
func WithBackendClock(now func() time.Time) BackendOption {
	return func(b *Backend) { b.now = now }
}

// NewBackend creates a fake backend. Routes are served at the root, so the
// API base URL is the server URL.
func NewBackend(opts ...BackendOption) *Backend {
	secret := make([]byte, 32)
	_, _ = rand.Read(secret)

	b := &Backend{
		secret:     secret,
		accessTTL:  15 * time.Minute,
		now:        time.Now,
		users:      make(map[string]*rideid.User),
		identities: make(map[string]string),
		refresh:    make(map[string]string),
		kyc:        make(map[string]*rideid.KYCStatus),
	}
	for _, o := range opts {
		o(b)
	}

	r := gin.New()
	r.Use(func(c *gin.Context) {
		b.requests.Add(1)
		c.Next()
	})
	r.POST(backend.PathLogin, b.login)
	r.POST(backend.PathRefresh, b.refreshToken)

	authed := r.Group("", b.authenticate)
	authed.POST(backend.PathLogout, b.logout)
	authed.GET(backend.PathMe, b.me)
	authed.POST(backend.PathKYCStart, b.startKYC)
	authed.POST(backend.PathKYCAadhaar, b.aadhaar)
	authed.POST(backend.PathKYCFace, b.face)
	authed.GET(backend.PathKYCStatus, b.status)

	b.engine = r
	return b
}

// ServeHTTP implements http.Handler.
func (b *Backend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b.engine.ServeHTTP(w, r)
}

// ExpireAccessTokens invalidates every access token issued so far.
func (b *Backend) ExpireAccessTokens() {
	b.mu.Lock()
	b.generation++
	b.mu.Unlock()
}

// FailRefresh makes /auth/refresh reject every refresh token.
func (b *Backend) FailRefresh(fail bool) {
	b.mu.Lock()
	b.failRefresh = fail
	b.mu.Unlock()
}

// FailLogout makes /auth/logout answer 500.
func (b *Backend) FailLogout(fail bool) {
	b.mu.Lock()
	b.failLogout = fail
	b.mu.Unlock()
}

// HoldRefresh blocks /auth/refresh until the returned release func is called.
func (b *Backend) HoldRefresh() (release func()) {
	gate := make(chan struct{})
	b.mu.Lock()
	b.refreshGate = gate
	b.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			b.refreshGate = nil
			b.mu.Unlock()
			close(gate)
		})
	}
}

// SetKYC overwrites the KYC record of userID.
func (b *Backend) SetKYC(userID string, st rideid.KYCStatus) {
	b.mu.Lock()
	b.kyc[userID] = &st
	b.mu.Unlock()
}

// User returns a copy of the stored user, or nil.
func (b *Backend) User(id string) *rideid.User {
	b.mu.Lock()
	defer b.mu.Unlock()
	u, ok := b.users[id]
	if !ok {
		return nil
	}
	cp := *u
	return &cp
}

// Logins returns the number of /auth/login calls.
func (b *Backend) Logins() int { return int(b.logins.Load()) }

// Refreshes returns the number of /auth/refresh calls.
func (b *Backend) Refreshes() int { return int(b.refreshs.Load()) }

// Logouts returns the number of /auth/logout calls.
func (b *Backend) Logouts() int { return int(b.logouts.Load()) }

// Requests returns the total number of requests served.
func (b *Backend) Requests() int { return int(b.requests.Load()) }

// --- handlers ---

const keyUserID = "fake_user_id"

func (b *Backend) login(c *gin.Context) {
	b.logins.Add(1)
	var req rideid.LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.FirebaseToken == "" {
		c.JSON(http.StatusBadRequest, gin.H{"message": "firebaseToken is required"})
		return
	}
	channel, identifier, ok := strings.Cut(req.FirebaseToken, ":")
	if !ok || identifier == "" || rideid.Channel(channel) != req.Provider {
		c.JSON(http.StatusUnauthorized, gin.H{"message": "Invalid Firebase token"})
		return
	}

	b.mu.Lock()
	id, found := b.identities[req.FirebaseToken]
	if !found {
		id = uuid.NewString()
		u := &rideid.User{ID: id, Roles: []rideid.Role{rideid.RoleRider}, KYCStatus: rideid.NotStarted}
		switch req.Provider {
		case rideid.ChannelPhone:
			u.Phone = identifier
		default:
			u.Email = identifier
		}
		u.Name = req.Name
		u.PhotoURL = req.PhotoURL
		b.users[id] = u
		b.identities[req.FirebaseToken] = id
	}
	user := *b.users[id]
	refresh := uuid.NewString()
	b.refresh[refresh] = id
	access, err := b.issueLocked(&user)
	b.mu.Unlock()

	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, rideid.Session{AccessToken: access, RefreshToken: refresh, User: user})
}

func (b *Backend) refreshToken(c *gin.Context) {
	b.refreshs.Add(1)
	var req struct {
		RefreshToken string `json:"refreshToken"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.RefreshToken == "" {
		c.JSON(http.StatusBadRequest, gin.H{"message": "refreshToken is required"})
		return
	}

	b.mu.Lock()
	gate := b.refreshGate
	b.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-c.Request.Context().Done():
			return
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	id, ok := b.refresh[req.RefreshToken]
	if b.failRefresh || !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"message": "Invalid refresh token"})
		return
	}
	access, err := b.issueLocked(b.users[id])
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"accessToken": access})
}

func (b *Backend) authenticate(c *gin.Context) {
	raw, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
	if !ok || raw == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"message": "Authorization required"})
		return
	}
	tok, err := jwt.Parse(raw, func(*jwt.Token) (interface{}, error) { return b.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(b.now),
	)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"message": "Token expired"})
		return
	}
	claims, _ := tok.Claims.(jwt.MapClaims)
	gen, _ := claims["gen"].(float64)
	sub, _ := claims.GetSubject()

	b.mu.Lock()
	current := b.generation
	_, known := b.users[sub]
	b.mu.Unlock()
	if int(gen) != current || !known {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"message": "Token expired"})
		return
	}
	c.Set(keyUserID, sub)
	c.Next()
}

func (b *Backend) logout(c *gin.Context) {
	b.logouts.Add(1)
	id := c.GetString(keyUserID)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failLogout {
		c.JSON(http.StatusInternalServerError, gin.H{"message": "Logout failed"})
		return
	}
	for rt, owner := range b.refresh {
		if owner == id {
			delete(b.refresh, rt)
		}
	}
	c.JSON(http.StatusOK, gin.H{"message": "Logged out"})
}

func (b *Backend) me(c *gin.Context) {
	b.mu.Lock()
	u := *b.users[c.GetString(keyUserID)]
	b.mu.Unlock()
	c.JSON(http.StatusOK, u)
}

func (b *Backend) startKYC(c *gin.Context) {
	id := c.GetString(keyUserID)

	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.kyc[id]
	if !ok {
		st = &rideid.KYCStatus{Aadhaar: rideid.NotStarted, Face: rideid.NotStarted, Overall: rideid.InProgress}
		b.kyc[id] = st
		b.users[id].KYCStatus = rideid.InProgress
	}
	c.JSON(http.StatusOK, st)
}

var last4Pattern = regexp.MustCompile(`^\d{4}$`)

func (b *Backend) aadhaar(c *gin.Context) {
	var req struct {
		AadhaarLast4 string `json:"aadhaarLast4"`
		Aadhaar      string `json:"aadhaar"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Aadhaar != "" || !last4Pattern.MatchString(req.AadhaarLast4) {
		c.JSON(http.StatusBadRequest, gin.H{"message": "aadhaarLast4 must be 4 digits"})
		return
	}
	id := c.GetString(keyUserID)

	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.kyc[id]
	if !ok {
		st = &rideid.KYCStatus{Face: rideid.NotStarted}
		b.kyc[id] = st
	}
	st.Aadhaar = rideid.Verified
	st.Overall = rideid.InProgress
	b.users[id].KYCStatus = rideid.InProgress
	c.JSON(http.StatusOK, rideid.AadhaarResult{AadhaarStatus: rideid.Verified, Message: "Aadhaar verified"})
}

func (b *Backend) face(c *gin.Context) {
	if !hasImage(c) {
		c.JSON(http.StatusBadRequest, gin.H{"message": "image is required"})
		return
	}
	id := c.GetString(keyUserID)

	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.kyc[id]
	if !ok || st.Aadhaar != rideid.Verified {
		c.JSON(http.StatusBadRequest, gin.H{"message": "Complete Aadhaar verification first"})
		return
	}
	st.Face = rideid.Verified
	st.Overall = rideid.Verified
	b.users[id].KYCStatus = rideid.Verified
	c.JSON(http.StatusOK, st)
}

// hasImage accepts a multipart "image" part or a JSON {"image"} holding base64,
// optionally as a data URL.
func hasImage(c *gin.Context) bool {
	if strings.HasPrefix(c.ContentType(), "multipart/") {
		fh, err := c.FormFile("image")
		return err == nil && fh.Size > 0
	}
	var req struct {
		Image string `json:"image"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		return false
	}
	if _, payload, ok := strings.Cut(req.Image, ","); ok {
		req.Image = payload
	}
	decoded, err := base64.StdEncoding.DecodeString(req.Image)
	return err == nil && len(decoded) > 0
}

func (b *Backend) status(c *gin.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.kyc[c.GetString(keyUserID)]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"message": "KYC record not found"})
		return
	}
	c.JSON(http.StatusOK, st)
}

func (b *Backend) issueLocked(u *rideid.User) (string, error) {
	roles := make([]string, len(u.Roles))
	for i, r := range u.Roles {
		roles[i] = string(r)
	}
	now := b.now()
	claims := jwt.MapClaims{
		"sub":   u.ID,
		"email": u.Email,
		"roles": roles,
		"gen":   b.generation,
		"iat":   now.Unix(),
		"exp":   now.Add(b.accessTTL).Unix(),
		"jti":   uuid.NewString(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(b.secret)
}
