package types

import (
	"math"
	"regexp"
	"strings"
)

var linkingCodeRegex = regexp.MustCompile(`^[A-Za-z0-9]{6}$`)

// ValidateUUID checks the identity string clients use for their session.
func ValidateUUID(uuid string) error {
	if l := len(uuid); l < 1 || l > 64 {
		return ErrInvalidUUID
	}
	return nil
}

// ValidateName checks a display name.
func ValidateName(name string) error {
	if l := len(strings.TrimSpace(name)); l < 1 || l > 64 {
		return ErrInvalidName
	}
	return nil
}

// Validate rejects NaN and infinite coordinates.
// TECHNICAL DISCOVERY: encoding/json never produces NaN, but positions also
// arrive from the HTTP surface and tests, so the check stays at type level
func (v Vec3) Validate() error {
	for _, c := range [...]float64{v.X, v.Y, v.Z} {
		if math.IsNaN(c) || math.IsInf(c, 0) {
			return ErrInvalidPosition
		}
	}
	return nil
}

// NormalizeLinkingCode trims and upper-cases a submitted code, returning
// ErrInvalidCode when it cannot possibly match an issued one.
func NormalizeLinkingCode(code string) (string, error) {
	code = strings.TrimSpace(code)
	if !linkingCodeRegex.MatchString(code) {
		return "", ErrInvalidCode
	}
	return strings.ToUpper(code), nil
}
