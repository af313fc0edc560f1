package rideid

import "time"

// VerificationState is the state of a single KYC check as reported by the backend.
type VerificationState string

const (
	NotStarted VerificationState = "NOT_STARTED"
	InProgress VerificationState = "IN_PROGRESS"
	Verified   VerificationState = "VERIFIED"
	Rejected   VerificationState = "REJECTED"
)

// Role is a platform role carried on the user record.
type Role string

const (
	RoleRider  Role = "RIDER"
	RoleDriver Role = "DRIVER"
	RoleAdmin  Role = "ADMIN"
)

// Channel names the identity-provider channel used to authenticate.
// The value is sent verbatim as the backend "provider" field.
type Channel string

const (
	ChannelEmail  Channel = "email"
	ChannelGoogle Channel = "google"
	ChannelPhone  Channel = "phone"
)

// User is the platform user record returned by session issuance.
type User struct {
	ID        string            `json:"id"`
	Email     string            `json:"email,omitempty"`
	Phone     string            `json:"phone,omitempty"`
	Name      string            `json:"name,omitempty"`
	PhotoURL  string            `json:"photoUrl,omitempty"`
	Roles     []Role            `json:"roles,omitempty"`
	KYCStatus VerificationState `json:"kycStatus,omitempty"`
}

// HasRole reports whether the user holds role r.
func (u *User) HasRole(r Role) bool {
	if u == nil {
		return false
	}
	for _, have := range u.Roles {
		if have == r {
			return true
		}
	}
	return false
}

// UserPatch is a partial user update. Nil fields are left untouched.
type UserPatch struct {
	Email     *string
	Phone     *string
	Name      *string
	PhotoURL  *string
	Roles     []Role
	KYCStatus *VerificationState
}

// Merge returns a copy of u with the non-nil fields of p applied on top.
func (u User) Merge(p UserPatch) User {
	out := u
	if p.Email != nil {
		out.Email = *p.Email
	}
	if p.Phone != nil {
		out.Phone = *p.Phone
	}
	if p.Name != nil {
		out.Name = *p.Name
	}
	if p.PhotoURL != nil {
		out.PhotoURL = *p.PhotoURL
	}
	if p.Roles != nil {
		out.Roles = append([]Role(nil), p.Roles...)
	}
	if p.KYCStatus != nil {
		out.KYCStatus = *p.KYCStatus
	}
	return out
}

// KYCStatusPatch builds a UserPatch that only sets the KYC status.
func KYCStatusPatch(s VerificationState) UserPatch {
	return UserPatch{KYCStatus: &s}
}

// KYCStatus is the backend's view of the verification workflow.
type KYCStatus struct {
	Aadhaar VerificationState `json:"aadhaar"`
	Face    VerificationState `json:"face"`
	Overall VerificationState `json:"overall"`
}

// Session is the token pair plus the user it was issued for.
type Session struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	User         User   `json:"user"`
}

// Assertion is the opaque proof of identity yielded by the identity provider.
// Only Token is required; the remaining fields are hints some channels supply.
type Assertion struct {
	Token       string
	Channel     Channel
	DisplayName string
	PhotoURL    string
	Phone       string
}

// PhoneChallenge is the provider-issued handle for an unconfirmed OTP.
type PhoneChallenge struct {
	// Reference is the provider's opaque confirmation reference.
	Reference string
	Phone     string
	IssuedAt  time.Time
}

// LoginRequest is the body of the unified session-issuance call.
type LoginRequest struct {
	FirebaseToken string  `json:"firebaseToken"`
	Provider      Channel `json:"provider"`
	Name          string  `json:"name,omitempty"`
	PhotoURL      string  `json:"photoUrl,omitempty"`
	Phone         string  `json:"phone,omitempty"`
}

// AadhaarResult is the response of an Aadhaar submission.
type AadhaarResult struct {
	AadhaarStatus VerificationState `json:"aadhaarStatus"`
	Message       string            `json:"message,omitempty"`
}

// FaceImage is a captured or uploaded face photo.
type FaceImage struct {
	Filename    string
	ContentType string
	Data        []byte
}

// Size returns the image size in bytes.
func (f FaceImage) Size() int64 { return int64(len(f.Data)) }

// Claims are the access-token claims readable on the client.
// They are never verified client-side.
type Claims struct {
	Subject   string
	Email     string
	Roles     []string
	ExpiresAt time.Time
	IssuedAt  time.Time
	Issuer    string
	Extra     map[string]any
}
