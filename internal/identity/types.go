package identity

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/signalix/sessionkit/internal/model"
)

// envelope is the {success, data, error} wrapper every endpoint answers with
type envelope[T any] struct {
	Success bool      `json:"success"`
	Data    *T        `json:"data"`
	Error   *apiError `json:"error"`
}

// apiError accepts either a bare code string or an object {code, message}
type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *apiError) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		e.Code = s
		e.Message = s
		return nil
	}
	type plain apiError
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	*e = apiError(p)
	return nil
}

// validator is implemented by response payloads whose shape must be checked
// before the caller may trust them
type validator interface {
	validate() error
}

type ack struct{}

// EmailVerification is the payload of POST /otp/email/verify
type EmailVerification struct {
	User         *model.User `json:"user,omitempty"`
	AccessToken  string      `json:"accessToken,omitempty"`
	RefreshToken string      `json:"refreshToken,omitempty"`
	IsNewUser    bool        `json:"isNewUser,omitempty"`
}

func (v *EmailVerification) validate() error {
	if (v.AccessToken == "") != (v.RefreshToken == "") {
		return errors.New("email verification returned an incomplete token pair")
	}
	return validateUser(v.User)
}

// Tokens returns the token pair, or nil when none was issued
func (v *EmailVerification) Tokens() *model.Tokens {
	if v.AccessToken == "" {
		return nil
	}
	return &model.Tokens{AccessToken: v.AccessToken, RefreshToken: v.RefreshToken}
}

// PhoneVerification is the payload of POST /otp/phone/verify
type PhoneVerification struct {
	Verified  bool          `json:"verified"`
	User      *model.User   `json:"user,omitempty"`
	Tokens    *model.Tokens `json:"tokens,omitempty"`
	IsNewUser bool          `json:"isNewUser,omitempty"`
}

func (v *PhoneVerification) validate() error {
	if v.Tokens != nil && (v.Tokens.AccessToken == "" || v.Tokens.RefreshToken == "") {
		return errors.New("phone verification returned an incomplete token pair")
	}
	return validateUser(v.User)
}

// GoogleSignIn is the payload of POST /auth/google
type GoogleSignIn struct {
	User               *model.User `json:"user"`
	AccessToken        string      `json:"accessToken"`
	RefreshToken       string      `json:"refreshToken"`
	IsNewUser          bool        `json:"isNewUser"`
	RequiresOnboarding *bool       `json:"requiresOnboarding,omitempty"`
}

func (v *GoogleSignIn) validate() error {
	if v.User == nil {
		return errors.New("google sign-in returned no user")
	}
	if v.AccessToken == "" || v.RefreshToken == "" {
		return errors.New("google sign-in returned an incomplete token pair")
	}
	return validateUser(v.User)
}

type refreshedTokens struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

func (v *refreshedTokens) validate() error {
	if v.AccessToken == "" || v.RefreshToken == "" {
		return errors.New("refresh returned an incomplete token pair")
	}
	return nil
}

type currentUser model.User

func (v *currentUser) validate() error {
	if v.ID == "" {
		return errors.New("current user has no id")
	}
	return nil
}

func validateUser(u *model.User) error {
	if u != nil && u.ID == "" {
		return fmt.Errorf("user payload has no id")
	}
	return nil
}
