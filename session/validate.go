package session

import (
	"errors"
	"reflect"
	"regexp"
	"strings"

	rideid "github.com/chimerakang/rideid-go"
	"github.com/go-playground/validator/v10"
)

// MinPasswordLength is the provider's minimum password length.
const MinPasswordLength = 6

type credentials struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=6"`
}

type signup struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=6"`
	Name     string `json:"name" validate:"omitempty,min=2"`
}

type phoneInput struct {
	Phone string `json:"phone" validate:"required,e164"`
}

type otpInput struct {
	Code string `json:"code" validate:"required,numeric,len=6"`
}

// messages maps field.tag to a display message.
var messages = map[string]string{
	"email.required":    "Email is required.",
	"email.email":       "Please enter a valid email address.",
	"password.required": "Password is required.",
	"password.min":      "Password must be at least 6 characters.",
	"name.min":          "Name must be at least 2 characters.",
	"phone.required":    "Phone number is required.",
	"phone.e164":        "Please enter a valid 10-digit phone number.",
	"code.required":     "Please enter the OTP.",
	"code.numeric":      "Please enter the 6-digit OTP.",
	"code.len":          "Please enter the 6-digit OTP.",
}

type inputValidator struct {
	v *validator.Validate
}

func newValidator() *inputValidator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &inputValidator{v: v}
}

// check validates s and returns the first failure as a validation error.
func (iv *inputValidator) check(s any) *rideid.Error {
	err := iv.v.Struct(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return rideid.ValidationError("", err.Error())
	}
	fe := verrs[0]
	msg, ok := messages[fe.Field()+"."+fe.Tag()]
	if !ok {
		msg = "Invalid " + fe.Field() + "."
	}
	return rideid.ValidationError(fe.Field(), msg)
}

// check validates input and mirrors a failure into the error state.
// Validation never reaches the network and leaves the session state untouched.
func (m *Manager) check(input any) error {
	if verr := m.validate.check(input); verr != nil {
		m.setError(verr)
		return verr
	}
	return nil
}

var indianMobile = regexp.MustCompile(`^[6-9]\d{9}$`)

// NormalizePhone strips spaces and dashes and prefixes bare ten-digit Indian
// mobile numbers with +91. Anything else is returned trimmed for E.164 validation.
func NormalizePhone(phone string) string {
	phone = strings.Map(func(r rune) rune {
		if r == ' ' || r == '-' || r == '(' || r == ')' {
			return -1
		}
		return r
	}, phone)
	if indianMobile.MatchString(phone) {
		return "+91" + phone
	}
	return phone
}
