package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	rideid "github.com/chimerakang/rideid-go"
)

// File keeps the credential record in a single JSON document.
// Every write replaces the file via rename, so a crash never leaves a partial record.
type File struct {
	mu   sync.RWMutex
	path string
	rec  record
}

// compile-time check
var _ rideid.CredentialStore = (*File)(nil)

// NewFile opens (or creates) the store at path.
func NewFile(path string) (*File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("rideid/store: %w", err)
	}
	f := &File{path: path}
	if err := f.load(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *File) load() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	b, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			f.rec = record{}
			return nil
		}
		return fmt.Errorf("rideid/store: read %s: %w", f.path, err)
	}
	var loaded record
	if err := json.Unmarshal(b, &loaded); err != nil {
		// Unreadable state is treated as logged out.
		f.rec = record{}
		return nil
	}
	f.rec = loaded
	return nil
}

// commitLocked persists next and only then makes it visible.
func (f *File) commitLocked(next record) error {
	b, err := json.MarshalIndent(next, "", "  ")
	if err != nil {
		return fmt.Errorf("rideid/store: encode: %w", err)
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return fmt.Errorf("rideid/store: write: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("rideid/store: rename: %w", err)
	}
	f.rec = next
	return nil
}

func (f *File) update(fn func(*record)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	next := f.rec
	fn(&next)
	return f.commitLocked(next)
}

func (f *File) SetTokens(_ context.Context, accessToken, refreshToken string) error {
	return f.update(func(r *record) {
		r.AccessToken = accessToken
		r.RefreshToken = refreshToken
	})
}

func (f *File) AccessToken(_ context.Context) (string, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.rec.AccessToken, nil
}

func (f *File) SetAccessToken(_ context.Context, token string) error {
	return f.update(func(r *record) { r.AccessToken = token })
}

func (f *File) RefreshToken(_ context.Context) (string, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.rec.RefreshToken, nil
}

func (f *File) User(_ context.Context) (*rideid.User, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.rec.User == nil {
		return nil, nil
	}
	return cloneUser(f.rec.User), nil
}

func (f *File) SetUser(_ context.Context, u rideid.User) error {
	return f.update(func(r *record) { r.User = cloneUser(&u) })
}

func (f *File) KYCStatus(_ context.Context) (rideid.VerificationState, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.rec.KYCStatus, nil
}

func (f *File) SetKYCStatus(_ context.Context, s rideid.VerificationState) error {
	return f.update(func(r *record) { r.KYCStatus = s })
}

func (f *File) SaveSession(_ context.Context, s rideid.Session) error {
	return f.update(func(r *record) { *r = newRecord(s) })
}

func (f *File) ClearAll(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("rideid/store: clear: %w", err)
	}
	f.rec = record{}
	return nil
}
