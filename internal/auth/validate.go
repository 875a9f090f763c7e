package auth

import (
	"net/mail"
	"strings"

	"github.com/signalix/sessionkit/internal/model"
)

const (
	minCodeLength     = 4
	maxCodeLength     = 8
	minNationalDigits = 7
	maxNationalDigits = 12
	minE164Digits     = 8
	maxE164Digits     = 15
)

// NormalizeEmail trims and lowercases an address, rejecting anything that is
// not a bare RFC 5322 address
func NormalizeEmail(raw string) (string, error) {
	email := strings.ToLower(strings.TrimSpace(raw))
	if email == "" {
		return "", model.Validationf("email", "email is required")
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", model.Validationf("email", "%q is not a valid email address", raw)
	}
	at := strings.LastIndex(email, "@")
	if !strings.Contains(email[at+1:], ".") {
		return "", model.Validationf("email", "%q is not a valid email address", raw)
	}
	return email, nil
}

// ValidateCode accepts 4 to 8 ASCII digits
func ValidateCode(raw string) (string, error) {
	code := strings.TrimSpace(raw)
	if len(code) < minCodeLength || len(code) > maxCodeLength || !allDigits(code) {
		return "", model.Validationf("code", "code must be %d-%d digits", minCodeLength, maxCodeLength)
	}
	return code, nil
}

// NormalizePhone rewrites a phone number into the canonical international form
// "+<countryCode><national>". Separators are dropped, an international prefix
// ("+" or "00") and a leading copy of countryCode are stripped, then one trunk "0".
// Numbers explicitly dialled with another country's "+" prefix are kept as E.164.
func NormalizePhone(raw, countryCode string) (string, error) {
	s := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '-', '(', ')', '.', '\t':
			return -1
		}
		return r
	}, strings.TrimSpace(raw))
	if s == "" {
		return "", model.Validationf("phone", "phone number is required")
	}

	international := false
	switch {
	case strings.HasPrefix(s, "+"):
		s = s[1:]
		international = true
	case strings.HasPrefix(s, "00"):
		s = s[2:]
		international = true
	}
	if !allDigits(s) {
		return "", model.Validationf("phone", "%q is not a valid phone number", raw)
	}

	national := s
	switch {
	case strings.HasPrefix(s, countryCode) && len(s)-len(countryCode) >= minNationalDigits:
		national = s[len(countryCode):]
	case international:
		if len(s) < minE164Digits || len(s) > maxE164Digits {
			return "", model.Validationf("phone", "%q is not a valid phone number", raw)
		}
		return "+" + s, nil
	}
	national = strings.TrimPrefix(national, "0")

	if len(national) < minNationalDigits || len(national) > maxNationalDigits ||
		len(countryCode)+len(national) > maxE164Digits {
		return "", model.Validationf("phone", "%q is not a valid phone number", raw)
	}
	return "+" + countryCode + national, nil
}

func allDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
