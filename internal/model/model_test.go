package model

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProfileMerge_neverClears(t *testing.T) {
	p := Profile{FirstName: "Ada", Email: "ada@example.com"}
	p.Merge(Profile{LastName: "Lovelace", Extra: map[string]string{"title": "Countess", "skip": ""}})
	p.Merge(Profile{FirstName: "", Phone: "+2348012345678"})

	assert.Equal(t, "Ada", p.FirstName)
	assert.Equal(t, "Lovelace", p.LastName)
	assert.Equal(t, "ada@example.com", p.Email)
	assert.Equal(t, "+2348012345678", p.Phone)
	assert.Equal(t, map[string]string{"title": "Countess"}, p.Extra)

	p.Merge(Profile{FirstName: "Augusta"})
	assert.Equal(t, "Augusta", p.FirstName)
}

func TestLocationMerge_copiesCoordinates(t *testing.T) {
	lat, lng := 6.5, 3.4
	l := Location{Country: "NG"}
	l.Merge(Location{City: "Lagos", Latitude: &lat, Longitude: &lng})
	lat = 0

	assert.Equal(t, "NG", l.Country)
	assert.Equal(t, "Lagos", l.City)
	require.NotNil(t, l.Latitude)
	assert.Equal(t, 6.5, *l.Latitude)
	assert.Equal(t, 3.4, *l.Longitude)

	l.Merge(Location{EstateID: "estate-1"})
	assert.Equal(t, 6.5, *l.Latitude)
	assert.Equal(t, "estate-1", l.EstateID)
}

func TestStepAndPurposeValid(t *testing.T) {
	for _, s := range Steps {
		assert.True(t, s.Valid(), s)
	}
	assert.False(t, Step("dashboard").Valid())
	assert.True(t, PurposeLogin.Valid())
	assert.False(t, Purpose("reset").Valid())
}

func TestSessionIsAuthenticated(t *testing.T) {
	assert.False(t, Session{RefreshToken: "r"}.IsAuthenticated())
	assert.True(t, Session{AccessToken: "a"}.IsAuthenticated())
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestErrorPredicates(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		kind        Kind
		correctable bool
		retryable   bool
		rejection   bool
	}{
		{"nil", nil, "", false, false, false},
		{"invalid code", NewError(KindInvalidCode, "verify", "wrong"), KindInvalidCode, true, false, false},
		{"expired code", NewError(KindExpiredCode, "verify", ""), KindExpiredCode, true, false, false},
		{"validation", Validationf("email", "bad %s", "input"), KindValidation, true, false, false},
		{"wrapped network", fmt.Errorf("boot: %w", WrapError(KindNetwork, "refresh", errors.New("dial"))), KindNetwork, false, true, false},
		{"unauthorized", NewError(KindUnauthorized, "me", ""), KindUnauthorized, false, false, true},
		{"token expired", NewError(KindTokenExpired, "me", ""), KindTokenExpired, false, false, true},
		{"delivery", NewError(KindDeliveryFailed, "request", ""), KindDeliveryFailed, false, false, false},
		{"bare net error", timeoutErr{}, KindNetwork, false, true, false},
		{"deadline", context.DeadlineExceeded, KindNetwork, false, true, false},
		{"unknown", errors.New("boom"), KindProviderRejected, false, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.kind, KindOf(tt.err))
			assert.Equal(t, tt.correctable, IsCorrectable(tt.err))
			assert.Equal(t, tt.retryable, IsRetryable(tt.err))
			assert.Equal(t, tt.rejection, IsAuthRejection(tt.err))
		})
	}
}

func TestClassify(t *testing.T) {
	assert.Nil(t, Classify("op", nil))

	orig := NewError(KindInvalidCode, "verify", "wrong")
	assert.Same(t, orig, Classify("other", fmt.Errorf("wrapped: %w", orig)))

	cause := errors.New("boom")
	e := Classify("identity.me", cause)
	assert.Equal(t, KindProviderRejected, e.Kind)
	assert.Equal(t, "identity.me", e.Op)
	assert.ErrorIs(t, e, cause)
}

func TestErrorIsAndMessage(t *testing.T) {
	err := fmt.Errorf("ctx: %w", NewError(KindInvalidCode, "verify", "wrong code"))
	assert.ErrorIs(t, err, &Error{Kind: KindInvalidCode})
	assert.ErrorIs(t, err, &Error{Kind: KindInvalidCode, Op: "verify"})
	assert.NotErrorIs(t, err, &Error{Kind: KindInvalidCode, Op: "login"})
	assert.NotErrorIs(t, err, &Error{Kind: KindExpiredCode})

	assert.Equal(t, "verify: invalid_code: wrong code", NewError(KindInvalidCode, "verify", "wrong code").Error())
	assert.Equal(t, "refresh: network_error: dial", WrapError(KindNetwork, "refresh", errors.New("dial")).Error())
}
