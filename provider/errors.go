package provider

import (
	"encoding/json"
	"strings"

	rideid "github.com/chimerakang/rideid-go"
)

type errorResponse struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// codes maps provider error codes to the channel failure taxonomy.
var codes = map[string]struct {
	kind rideid.Kind
	msg  string
}{
	"INVALID_PASSWORD":            {rideid.KindInvalidCredentials, "Invalid email or password."},
	"EMAIL_NOT_FOUND":             {rideid.KindInvalidCredentials, "Invalid email or password."},
	"INVALID_LOGIN_CREDENTIALS":   {rideid.KindInvalidCredentials, "Invalid email or password."},
	"INVALID_EMAIL":               {rideid.KindInvalidCredentials, "Please enter a valid email address."},
	"USER_DISABLED":               {rideid.KindInvalidCredentials, "This account has been disabled."},
	"EMAIL_EXISTS":                {rideid.KindInvalidCredentials, "An account already exists for this email."},
	"WEAK_PASSWORD":               {rideid.KindInvalidCredentials, "Password must be at least 6 characters."},
	"INVALID_PHONE_NUMBER":        {rideid.KindInvalidPhoneNumber, "Invalid phone number"},
	"MISSING_PHONE_NUMBER":        {rideid.KindInvalidPhoneNumber, "Invalid phone number"},
	"TOO_MANY_ATTEMPTS_TRY_LATER": {rideid.KindRateLimited, "Too many requests. Please try again later."},
	"QUOTA_EXCEEDED":              {rideid.KindRateLimited, "Too many requests. Please try again later."},
	"INVALID_CODE":                {rideid.KindInvalidCode, "Invalid OTP. Please try again."},
	"MISSING_CODE":                {rideid.KindInvalidCode, "Invalid OTP. Please try again."},
	"SESSION_EXPIRED":             {rideid.KindChallengeExpired, "OTP expired. Please request a new one."},
	"CODE_EXPIRED":                {rideid.KindChallengeExpired, "OTP expired. Please request a new one."},
	"INVALID_SESSION_INFO":        {rideid.KindChallengeExpired, "OTP expired. Please request a new one."},
	"INVALID_IDP_RESPONSE":        {rideid.KindProvider, "Sign-in with the identity provider failed."},
}

// mapError converts a provider error body to a rideid.Error.
// Codes may carry a detail suffix, e.g. "TOO_MANY_ATTEMPTS_TRY_LATER : Access disabled".
func mapError(status int, body []byte) *rideid.Error {
	var er errorResponse
	_ = json.Unmarshal(body, &er)

	code := strings.TrimSpace(er.Error.Message)
	if i := strings.IndexAny(code, " :"); i >= 0 {
		code = code[:i]
	}

	if m, ok := codes[code]; ok {
		return &rideid.Error{Kind: m.kind, Status: status, Message: m.msg}
	}
	msg := er.Error.Message
	if msg == "" {
		msg = rideid.MsgUnknown
	}
	return &rideid.Error{Kind: rideid.KindProvider, Status: status, Message: msg}
}
