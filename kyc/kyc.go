// Package kyc implements the identity verification workflow: Aadhaar check,
// face check, and the step/progress view derived from the backend status.
package kyc

import (
	"fmt"
	"regexp"
	"strings"

	rideid "github.com/chimerakang/rideid-go"
	"github.com/gabriel-vasile/mimetype"
)

// Step is a position in the verification workflow.
type Step int

const (
	StepStart    Step = 1
	StepAadhaar  Step = 2
	StepFace     Step = 3
	StepComplete Step = 4
)

func (s Step) String() string {
	switch s {
	case StepStart:
		return "start"
	case StepAadhaar:
		return "aadhaar"
	case StepFace:
		return "face"
	case StepComplete:
		return "complete"
	default:
		return fmt.Sprintf("step(%d)", int(s))
	}
}

// DeriveStep maps a fetched status to a step. A nil status means no record yet.
func DeriveStep(st *rideid.KYCStatus) Step {
	switch {
	case st == nil:
		return StepStart
	case st.Aadhaar == rideid.Verified && st.Face == rideid.Verified:
		return StepComplete
	case st.Aadhaar == rideid.Verified:
		return StepFace
	default:
		return StepAadhaar
	}
}

// Progress returns 50 per verified check.
func Progress(st *rideid.KYCStatus) int {
	if st == nil {
		return 0
	}
	p := 0
	if st.Aadhaar == rideid.Verified {
		p += 50
	}
	if st.Face == rideid.Verified {
		p += 50
	}
	return p
}

// IsComplete reports whether every check and the overall state are verified.
func IsComplete(st *rideid.KYCStatus) bool {
	return st != nil &&
		st.Aadhaar == rideid.Verified &&
		st.Face == rideid.Verified &&
		st.Overall == rideid.Verified
}

var aadhaarPattern = regexp.MustCompile(`^\d{12}$`)

// IsValidAadhaar reports whether number is exactly twelve digits.
func IsValidAadhaar(number string) bool {
	return aadhaarPattern.MatchString(number)
}

// ValidateAadhaar returns a validation error unless number is exactly twelve digits.
func ValidateAadhaar(number string) error {
	if !IsValidAadhaar(number) {
		return rideid.ValidationError("aadhaar", "Please enter a valid 12-digit Aadhaar number.")
	}
	return nil
}

// MaskAadhaar renders a twelve-digit number as "XXXX XXXX 1234".
// Anything else is returned unchanged.
func MaskAadhaar(number string) string {
	if len(number) != 12 {
		return number
	}
	return "XXXX XXXX " + number[8:]
}

// Last4 returns the last four characters of a valid number.
func Last4(number string) string {
	return number[len(number)-4:]
}

// ImageRules bounds accepted face images.
type ImageRules struct {
	MaxBytes     int64
	AllowedTypes []string
}

// DefaultImageRules are the rules applied when none are configured.
func DefaultImageRules() ImageRules {
	return ImageRules{
		MaxBytes:     rideid.DefaultMaxFaceImageBytes,
		AllowedTypes: append([]string(nil), rideid.DefaultAllowedImageTypes...),
	}
}

// ValidateFaceImage checks the declared type, the size, and the sniffed content type of img.
func ValidateFaceImage(img rideid.FaceImage, rules ImageRules) error {
	if len(img.Data) == 0 {
		return rideid.ValidationError("image", "Please provide an image file")
	}
	if !allowed(img.ContentType, rules.AllowedTypes) {
		return rideid.ValidationError("image", "Please upload a JPG or PNG image")
	}
	if img.Size() > rules.MaxBytes {
		return rideid.ValidationError("image", fmt.Sprintf("Image size must be less than %dMB", rules.MaxBytes/(1024*1024)))
	}
	detected := mimetype.Detect(img.Data)
	for _, t := range rules.AllowedTypes {
		if detected.Is(t) {
			return nil
		}
	}
	return rideid.ValidationError("image", "Please upload a JPG or PNG image")
}

func allowed(contentType string, types []string) bool {
	ct := strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0]))
	for _, t := range types {
		if ct == t {
			return true
		}
	}
	return false
}
