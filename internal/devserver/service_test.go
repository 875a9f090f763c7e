package devserver

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	return NewService(Config{
		JWTSecret:          "test-secret",
		GoogleClientSecret: "google-secret",
		OTPSalt:            "salt",
		OTPDevMode:         true,
	}, NewStore(), nil)
}

func registerByEmail(t *testing.T, svc *Service, email string) *Session {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, svc.RequestEmailOTP(ctx, email, PurposeRegistration))
	sess, err := svc.VerifyEmailOTP(ctx, email, DevOTPCode, PurposeRegistration)
	require.NoError(t, err)
	return sess
}

func TestService_emailRegistrationThenLogin(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	assert.ErrorIs(t, svc.RequestEmailOTP(ctx, "ada@example.com", PurposeLogin), ErrUserNotFound)

	reg := registerByEmail(t, svc, "Ada@Example.com")
	assert.True(t, reg.IsNewUser)
	assert.Equal(t, "ada@example.com", reg.User.Email)
	assert.True(t, reg.User.EmailVerified)
	assert.NotEmpty(t, reg.AccessToken)
	assert.NotEmpty(t, reg.RefreshToken)

	require.NoError(t, svc.RequestEmailOTP(ctx, "ada@example.com", PurposeLogin))
	login, err := svc.VerifyEmailOTP(ctx, "ada@example.com", DevOTPCode, PurposeLogin)
	require.NoError(t, err)
	assert.False(t, login.IsNewUser)
	assert.Equal(t, reg.User.ID, login.User.ID)
}

func TestService_validation(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	assert.ErrorIs(t, svc.RequestEmailOTP(ctx, "not-an-email", PurposeLogin), ErrValidation)
	assert.ErrorIs(t, svc.RequestEmailOTP(ctx, "ada@example.com", "signup"), ErrValidation)
	assert.ErrorIs(t, svc.RequestPhoneOTP(ctx, "08012345678", PurposeRegistration, "sms"), ErrValidation)
	assert.ErrorIs(t, svc.RequestPhoneOTP(ctx, "+2348012345678", PurposeRegistration, "pigeon"), ErrValidation)
	assert.NoError(t, svc.RequestPhoneOTP(ctx, "+2348012345678", PurposeRegistration, "whatsapp"))
}

func TestService_phoneRegistrationClaimedByProfile(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	reg := registerByEmail(t, svc, "ada@example.com")

	_, err := svc.UpdateProfile(ctx, reg.User.ID, ProfileInput{Phone: "+2348012345678"})
	assert.ErrorIs(t, err, ErrPhoneNotVerified)

	require.NoError(t, svc.RequestPhoneOTP(ctx, "+2348012345678", PurposeRegistration, "sms"))
	sess, err := svc.VerifyPhoneOTP(ctx, "+2348012345678", DevOTPCode, PurposeRegistration)
	require.NoError(t, err)
	assert.Nil(t, sess, "registration verification issues no tokens")

	user, err := svc.UpdateProfile(ctx, reg.User.ID, ProfileInput{
		FirstName: "Ada",
		Phone:     "+2348012345678",
		EstateID:  "estate-1",
		City:      "Lagos",
	})
	require.NoError(t, err)
	assert.Equal(t, "+2348012345678", user.Phone)
	assert.True(t, user.PhoneVerified)
	assert.Equal(t, "Ada", user.FirstName)
	assert.Equal(t, "estate-1", user.EstateID)

	require.NoError(t, svc.RequestPhoneOTP(ctx, "+2348012345678", PurposeLogin, "sms"))
	login, err := svc.VerifyPhoneOTP(ctx, "+2348012345678", DevOTPCode, PurposeLogin)
	require.NoError(t, err)
	require.NotNil(t, login)
	assert.Equal(t, reg.User.ID, login.User.ID)
}

func TestService_refreshRotation(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	reg := registerByEmail(t, svc, "ada@example.com")

	rotated, err := svc.Refresh(ctx, reg.RefreshToken)
	require.NoError(t, err)
	assert.NotEqual(t, reg.RefreshToken, rotated.RefreshToken)

	old, err := svc.store.SessionByHash(hashRefreshToken(reg.RefreshToken))
	require.NoError(t, err)
	require.NotNil(t, old.RevokedAt)
	assert.NotEmpty(t, old.ReplacedBy)

	_, err = svc.Refresh(ctx, reg.RefreshToken)
	assert.ErrorIs(t, err, ErrRefreshReuse)

	_, err = svc.Refresh(ctx, rotated.RefreshToken)
	assert.ErrorIs(t, err, ErrRefreshReuse, "reuse revokes the whole family")
}

func TestService_refreshUnknownOrExpired(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.Refresh(ctx, "never-issued")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	reg := registerByEmail(t, svc, "ada@example.com")
	svc.now = func() time.Time { return time.Now().Add(31 * 24 * time.Hour) }
	_, err = svc.Refresh(ctx, reg.RefreshToken)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestService_logoutRevokesRefresh(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	reg := registerByEmail(t, svc, "ada@example.com")

	svc.Logout(ctx, reg.User.ID)
	_, err := svc.Refresh(ctx, reg.RefreshToken)
	assert.Error(t, err)
}

func TestService_googleSignIn(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	idToken, err := svc.Tokens().SignGoogleIDToken(GoogleClaims{
		Email:            "grace@example.com",
		EmailVerified:    true,
		GivenName:        "Grace",
		RegisteredClaims: jwt.RegisteredClaims{Subject: "g-1"},
	})
	require.NoError(t, err)

	sess, onboarding, err := svc.GoogleSignIn(ctx, idToken)
	require.NoError(t, err)
	assert.True(t, sess.IsNewUser)
	assert.True(t, onboarding)
	assert.Equal(t, "Grace", sess.User.FirstName)

	_, err = svc.UpdateProfile(ctx, sess.User.ID, ProfileInput{EstateID: "estate-1"})
	require.NoError(t, err)

	again, onboarding, err := svc.GoogleSignIn(ctx, idToken)
	require.NoError(t, err)
	assert.False(t, again.IsNewUser)
	assert.False(t, onboarding)
	assert.Equal(t, sess.User.ID, again.User.ID)
}

func TestService_googleLinksExistingEmail(t *testing.T) {
	svc := newTestService(t)
	reg := registerByEmail(t, svc, "ada@example.com")

	idToken, err := svc.Tokens().SignGoogleIDToken(GoogleClaims{
		Email:            "ada@example.com",
		RegisteredClaims: jwt.RegisteredClaims{Subject: "g-ada"},
	})
	require.NoError(t, err)

	sess, _, err := svc.GoogleSignIn(context.Background(), idToken)
	require.NoError(t, err)
	assert.False(t, sess.IsNewUser)
	assert.Equal(t, reg.User.ID, sess.User.ID)

	linked, err := svc.store.UserByGoogleSubject("g-ada")
	require.NoError(t, err)
	assert.Equal(t, reg.User.ID, linked.ID)
}

func TestTokenIssuer_expiredVersusInvalid(t *testing.T) {
	issuer := NewTokenIssuer("secret", "google", time.Minute)
	token, err := issuer.SignAccessToken(&User{ID: "u-1", Email: "ada@example.com"})
	require.NoError(t, err)

	claims, err := issuer.VerifyAccessToken(token)
	require.NoError(t, err)
	assert.Equal(t, "u-1", claims.UserID)

	issuer.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	_, err = issuer.VerifyAccessToken(token)
	assert.ErrorIs(t, err, ErrTokenExpired)

	other := NewTokenIssuer("other-secret", "google", time.Minute)
	_, err = other.VerifyAccessToken(token)
	assert.ErrorIs(t, err, ErrTokenInvalid)

	_, err = issuer.VerifyAccessToken("garbage")
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestTokenIssuer_googleTokenNeedsProviderSecret(t *testing.T) {
	issuer := NewTokenIssuer("secret", "google", time.Minute)
	accessToken, err := issuer.SignAccessToken(&User{ID: "u-1"})
	require.NoError(t, err)

	_, err = issuer.VerifyGoogleIDToken(accessToken)
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestRefreshToken_hash(t *testing.T) {
	token, hash, err := newRefreshToken()
	require.NoError(t, err)
	assert.Len(t, hash, 64)
	assert.Equal(t, hash, hashRefreshToken(token))

	other, _, err := newRefreshToken()
	require.NoError(t, err)
	assert.NotEqual(t, token, other)
}
