// Package store provides rideid.CredentialStore implementations.
//
// All implementations keep the four credential keys (access token, refresh token,
// user snapshot, KYC status cache) and never merge on write.
package store

import (
	"context"
	"sync"

	rideid "github.com/chimerakang/rideid-go"
)

// Key names of the credential record.
const (
	KeyAccessToken  = "access_token"
	KeyRefreshToken = "refresh_token"
	KeyUserData     = "user_data"
	KeyKYCStatus    = "kyc_status"
)

// Keys lists every credential key.
var Keys = []string{KeyAccessToken, KeyRefreshToken, KeyUserData, KeyKYCStatus}

// record is the in-memory and on-disk shape of the credential record.
type record struct {
	AccessToken  string                   `json:"access_token,omitempty"`
	RefreshToken string                   `json:"refresh_token,omitempty"`
	User         *rideid.User             `json:"user_data,omitempty"`
	KYCStatus    rideid.VerificationState `json:"kyc_status,omitempty"`
}

// Memory is a process-local credential store.
type Memory struct {
	mu  sync.RWMutex
	rec record
}

// compile-time check
var _ rideid.CredentialStore = (*Memory)(nil)

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) SetTokens(_ context.Context, accessToken, refreshToken string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rec.AccessToken = accessToken
	m.rec.RefreshToken = refreshToken
	return nil
}

func (m *Memory) AccessToken(_ context.Context) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.rec.AccessToken, nil
}

func (m *Memory) SetAccessToken(_ context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rec.AccessToken = token
	return nil
}

func (m *Memory) RefreshToken(_ context.Context) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.rec.RefreshToken, nil
}

func (m *Memory) User(_ context.Context) (*rideid.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.rec.User == nil {
		return nil, nil
	}
	return cloneUser(m.rec.User), nil
}

func (m *Memory) SetUser(_ context.Context, u rideid.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rec.User = cloneUser(&u)
	return nil
}

func (m *Memory) KYCStatus(_ context.Context) (rideid.VerificationState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.rec.KYCStatus, nil
}

func (m *Memory) SetKYCStatus(_ context.Context, s rideid.VerificationState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rec.KYCStatus = s
	return nil
}

func (m *Memory) SaveSession(_ context.Context, s rideid.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rec = newRecord(s)
	return nil
}

func (m *Memory) ClearAll(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rec = record{}
	return nil
}

// newRecord is the record a fresh session starts with. The KYC cache follows
// the new user, never the previous account.
func newRecord(s rideid.Session) record {
	return record{
		AccessToken:  s.AccessToken,
		RefreshToken: s.RefreshToken,
		User:         cloneUser(&s.User),
		KYCStatus:    s.User.KYCStatus,
	}
}

func cloneUser(u *rideid.User) *rideid.User {
	if u == nil {
		return nil
	}
	out := *u
	out.Roles = append([]rideid.Role(nil), u.Roles...)
	return &out
}
