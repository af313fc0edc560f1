package rideid

import "context"

// CredentialStore persists the single credential record of this device.
// Implementations: store/ (memory, Redis, JSON file).
//
// Writes overwrite in full. SaveSession and ClearAll are atomic with respect
// to concurrent reads: no reader observes a half-written or half-cleared record.
type CredentialStore interface {
	// SetTokens stores both tokens.
	SetTokens(ctx context.Context, accessToken, refreshToken string) error

	// AccessToken returns the stored access token, or "" if none.
	AccessToken(ctx context.Context) (string, error)

	// SetAccessToken replaces the access token only.
	SetAccessToken(ctx context.Context, token string) error

	// RefreshToken returns the stored refresh token, or "" if none.
	RefreshToken(ctx context.Context) (string, error)

	// User returns the stored user snapshot, or nil if none.
	User(ctx context.Context) (*User, error)

	// SetUser replaces the user snapshot.
	SetUser(ctx context.Context, u User) error

	// KYCStatus returns the cached overall KYC state, or "" if none.
	KYCStatus(ctx context.Context) (VerificationState, error)

	// SetKYCStatus replaces the cached overall KYC state.
	SetKYCStatus(ctx context.Context, s VerificationState) error

	// SaveSession writes tokens and user snapshot as one unit and resets the
	// KYC status cache to the new user's kycStatus.
	SaveSession(ctx context.Context, s Session) error

	// ClearAll removes every key.
	ClearAll(ctx context.Context) error
}

// IdentityProvider is the only component that talks to the identity provider.
// Implementations: provider/ (REST), fake/ (testing).
type IdentityProvider interface {
	// SignInWithPassword fails with ErrInvalidCredentials on a bad email/password.
	SignInWithPassword(ctx context.Context, email, password string) (*Assertion, error)

	// SignUpWithPassword creates a provider account and signs it in.
	SignUpWithPassword(ctx context.Context, email, password string) (*Assertion, error)

	// SignInWithPopup runs the OAuth popup. Fails with ErrPopupCancelled or ErrProvider.
	SignInWithPopup(ctx context.Context) (*Assertion, error)

	// BeginPhoneChallenge sends an OTP. Fails with ErrInvalidPhoneNumber or ErrRateLimited.
	BeginPhoneChallenge(ctx context.Context, e164Phone string) (*PhoneChallenge, error)

	// ConfirmPhoneChallenge fails with ErrInvalidCode or ErrChallengeExpired.
	ConfirmPhoneChallenge(ctx context.Context, ch *PhoneChallenge, code string) (*Assertion, error)

	// SignOut ends the provider-side session.
	SignOut(ctx context.Context) error
}

// AuthBackend is the backend session surface.
type AuthBackend interface {
	// Login exchanges an assertion for a platform session.
	Login(ctx context.Context, req LoginRequest) (*Session, error)

	// Logout invalidates the refresh token server-side.
	Logout(ctx context.Context) error

	// Me returns the current user record.
	Me(ctx context.Context) (*User, error)
}

// KYCBackend is the backend KYC surface.
type KYCBackend interface {
	StartKYC(ctx context.Context) (*KYCStatus, error)

	// SubmitAadhaar receives the last four digits only.
	SubmitAadhaar(ctx context.Context, last4 string) (*AadhaarResult, error)

	SubmitFace(ctx context.Context, img FaceImage) (*KYCStatus, error)

	// KYCStatus returns an Error with Status 404 when no record exists yet.
	KYCStatus(ctx context.Context) (*KYCStatus, error)
}

// IsAuthenticated reports whether an access token is present in s.
// It does not check expiry.
func IsAuthenticated(ctx context.Context, s CredentialStore) bool {
	tok, err := s.AccessToken(ctx)
	return err == nil && tok != ""
}
