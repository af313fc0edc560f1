package rideid

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an Error.
type Kind int

const (
	KindUnknown Kind = iota
	// KindValidation is a client-side rejection raised before any network call.
	KindValidation
	KindInvalidCredentials
	KindInvalidCode
	KindInvalidPhoneNumber
	KindRateLimited
	KindPopupCancelled
	KindChallengeExpired
	// KindNoChallenge means VerifyPhone was called without a live challenge.
	KindNoChallenge
	KindProvider
	// KindNetwork means no response was received (including timeouts).
	KindNetwork
	// KindServer is a backend 4xx/5xx carrying a message.
	KindServer
	// KindSessionExpired is the terminal refresh failure. Credentials are already wiped.
	KindSessionExpired
	KindKYCStart
)

var kindNames = map[Kind]string{
	KindUnknown:            "unknown",
	KindValidation:         "validation",
	KindInvalidCredentials: "invalid_credentials",
	KindInvalidCode:        "invalid_code",
	KindInvalidPhoneNumber: "invalid_phone_number",
	KindRateLimited:        "rate_limited",
	KindPopupCancelled:     "popup_cancelled",
	KindChallengeExpired:   "challenge_expired",
	KindNoChallenge:        "no_challenge",
	KindProvider:           "provider",
	KindNetwork:            "network",
	KindServer:             "server",
	KindSessionExpired:     "session_expired",
	KindKYCStart:           "kyc_start",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Default user-facing messages.
const (
	MsgNetwork        = "Network error. Please check your connection."
	MsgSessionExpired = "Session expired. Please login again."
	MsgUnknown        = "An error occurred"
)

// Error is the error type surfaced by every rideid operation.
type Error struct {
	Kind Kind
	// Status is the HTTP status of the failed call, or 0 when none was received.
	Status  int
	Message string
	// Field names the offending input for KindValidation.
	Field string
	Err   error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.Field != "" {
		msg = e.Field + ": " + msg
	}
	if e.Status != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.Status)
	}
	return "rideid: " + msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same Kind, so sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Sentinels for errors.Is checks.
var (
	ErrValidation         = &Error{Kind: KindValidation}
	ErrInvalidCredentials = &Error{Kind: KindInvalidCredentials}
	ErrInvalidCode        = &Error{Kind: KindInvalidCode}
	ErrInvalidPhoneNumber = &Error{Kind: KindInvalidPhoneNumber}
	ErrRateLimited        = &Error{Kind: KindRateLimited}
	ErrPopupCancelled     = &Error{Kind: KindPopupCancelled}
	ErrChallengeExpired   = &Error{Kind: KindChallengeExpired}
	ErrNoChallenge        = &Error{Kind: KindNoChallenge}
	ErrProvider           = &Error{Kind: KindProvider}
	ErrNetwork            = &Error{Kind: KindNetwork}
	ErrServer             = &Error{Kind: KindServer}
	ErrSessionExpired     = &Error{Kind: KindSessionExpired}
	ErrKYCStart           = &Error{Kind: KindKYCStart}
)

// ValidationError builds a KindValidation error for field.
func ValidationError(field, message string) *Error {
	return &Error{Kind: KindValidation, Field: field, Message: message}
}

// NetworkError wraps a transport failure where no response was received.
func NetworkError(err error) *Error {
	return &Error{Kind: KindNetwork, Message: MsgNetwork, Err: err}
}

// SessionExpiredError wraps the cause of a terminal refresh failure.
func SessionExpiredError(err error) *Error {
	return &Error{Kind: KindSessionExpired, Status: http.StatusUnauthorized, Message: MsgSessionExpired, Err: err}
}

// FromHTTP converts a non-2xx backend response into an Error.
// The message is taken from the JSON body's "message", then "error" field.
func FromHTTP(status int, body []byte) *Error {
	var payload struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	_ = json.Unmarshal(body, &payload)

	msg := payload.Message
	if msg == "" {
		msg = payload.Error
	}
	if msg == "" {
		msg = MsgUnknown
	}

	kind := KindServer
	if status == http.StatusTooManyRequests {
		kind = KindRateLimited
	}
	return &Error{Kind: kind, Status: status, Message: msg}
}

// KindOf returns the Kind of err, or KindUnknown if err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// StatusOf returns the HTTP status carried by err, or 0.
func StatusOf(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.Status
	}
	return 0
}

// MessageOf returns a display message for err.
func MessageOf(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) && e.Message != "" {
		return e.Message
	}
	return err.Error()
}

// IsNotFound reports whether err is a backend 404.
func IsNotFound(err error) bool {
	return StatusOf(err) == http.StatusNotFound
}
