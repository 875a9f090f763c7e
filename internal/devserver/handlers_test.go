package devserver

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type apiResponse struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *errorBody      `json:"error"`
}

type testServer struct {
	*httptest.Server
	svc *Service
}

func newTestServer(t *testing.T, cfg Config) *testServer {
	t.Helper()
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "test-secret"
	}
	if cfg.GoogleClientSecret == "" {
		cfg.GoogleClientSecret = "google-secret"
	}
	router, svc, err := New(cfg, prometheus.NewRegistry(), nil)
	require.NoError(t, err)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, svc: svc}
}

func (ts *testServer) do(t *testing.T, method, path, bearer string, body any) (int, apiResponse) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, ts.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out apiResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func TestHandlers_health(t *testing.T) {
	ts := newTestServer(t, Config{OTPDevMode: true})
	status, body := ts.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.True(t, body.Success)
}

func TestHandlers_emailRegistrationFlow(t *testing.T) {
	ts := newTestServer(t, Config{OTPDevMode: true})

	status, body := ts.do(t, http.MethodPost, "/otp/email", "", map[string]string{
		"email": "ada@example.com", "purpose": "registration",
	})
	require.Equal(t, http.StatusOK, status, "%+v", body.Error)

	status, body = ts.do(t, http.MethodPost, "/otp/email/verify", "", map[string]string{
		"email": "ada@example.com", "code": DevOTPCode, "purpose": "registration",
	})
	require.Equal(t, http.StatusOK, status, "%+v", body.Error)
	var verified sessionResponse
	require.NoError(t, json.Unmarshal(body.Data, &verified))
	assert.True(t, verified.IsNewUser)
	require.NotNil(t, verified.User)
	assert.True(t, verified.User.EmailVerified)
	require.NotEmpty(t, verified.AccessToken)

	status, body = ts.do(t, http.MethodGet, "/users/me", verified.AccessToken, nil)
	require.Equal(t, http.StatusOK, status)
	var me userResponse
	require.NoError(t, json.Unmarshal(body.Data, &me))
	assert.Equal(t, verified.User.ID, me.ID)
	assert.Equal(t, "ada@example.com", me.Email)

	status, body = ts.do(t, http.MethodPatch, "/users/me", verified.AccessToken, map[string]any{
		"profile":  map[string]string{"firstName": "Ada", "lastName": "Lovelace"},
		"location": map[string]string{"estateId": "estate-7", "city": "Lagos"},
	})
	require.Equal(t, http.StatusOK, status, "%+v", body.Error)
	require.NoError(t, json.Unmarshal(body.Data, &me))
	assert.Equal(t, "Ada", me.FirstName)
	assert.Equal(t, "estate-7", me.EstateID)

	status, body = ts.do(t, http.MethodPost, "/auth/refresh", "", map[string]string{"refreshToken": verified.RefreshToken})
	require.Equal(t, http.StatusOK, status)
	var pair tokenPair
	require.NoError(t, json.Unmarshal(body.Data, &pair))
	assert.NotEqual(t, verified.RefreshToken, pair.RefreshToken)

	status, body = ts.do(t, http.MethodPost, "/auth/refresh", "", map[string]string{"refreshToken": verified.RefreshToken})
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "refresh_token_reuse", body.Error.Code)
}

func TestHandlers_phoneVerification(t *testing.T) {
	ts := newTestServer(t, Config{OTPDevMode: true})

	status, _ := ts.do(t, http.MethodPost, "/otp/phone", "", map[string]string{
		"phone": "+2348012345678", "purpose": "registration",
	})
	require.Equal(t, http.StatusOK, status, "channel defaults to sms")

	status, body := ts.do(t, http.MethodPost, "/otp/phone/verify", "", map[string]string{
		"phone": "+2348012345678", "code": DevOTPCode, "purpose": "registration",
	})
	require.Equal(t, http.StatusOK, status)
	var verified phoneVerifyResponse
	require.NoError(t, json.Unmarshal(body.Data, &verified))
	assert.True(t, verified.Verified)
	assert.Nil(t, verified.Tokens)
	assert.Nil(t, verified.User)
}

func TestHandlers_deliversCodesOutsideDevMode(t *testing.T) {
	sent := make(chan string, 1)
	ts := newTestServer(t, Config{Sender: SenderFunc(func(_ context.Context, channel, target, code string) error {
		sent <- code
		return nil
	})})

	status, _ := ts.do(t, http.MethodPost, "/otp/email", "", map[string]string{
		"email": "ada@example.com", "purpose": "registration",
	})
	require.Equal(t, http.StatusOK, status)
	code := <-sent

	if code != DevOTPCode {
		status, body := ts.do(t, http.MethodPost, "/otp/email/verify", "", map[string]string{
			"email": "ada@example.com", "code": DevOTPCode, "purpose": "registration",
		})
		assert.Equal(t, http.StatusBadRequest, status)
		assert.Equal(t, "invalid_code", body.Error.Code)
	}

	status, _ = ts.do(t, http.MethodPost, "/otp/email/verify", "", map[string]string{
		"email": "ada@example.com", "code": code, "purpose": "registration",
	})
	assert.Equal(t, http.StatusOK, status)
}

func TestHandlers_errorMapping(t *testing.T) {
	ts := newTestServer(t, Config{OTPDevMode: true})
	expired, err := NewTokenIssuer("test-secret", "", -time.Minute).SignAccessToken(&User{ID: "u-1"})
	require.NoError(t, err)

	tests := []struct {
		name       string
		method     string
		path       string
		bearer     string
		body       any
		wantStatus int
		wantCode   string
	}{
		{"login for unknown account", http.MethodPost, "/otp/email", "", map[string]string{"email": "nobody@example.com", "purpose": "login"}, http.StatusNotFound, "user_not_found"},
		{"malformed email", http.MethodPost, "/otp/email", "", map[string]string{"email": "nope", "purpose": "login"}, http.StatusBadRequest, "validation_error"},
		{"malformed body", http.MethodPost, "/otp/email", "", "not an object", http.StatusBadRequest, "validation_error"},
		{"wrong code", http.MethodPost, "/otp/email/verify", "", map[string]string{"email": "ada@example.com", "code": "000000", "purpose": "registration"}, http.StatusBadRequest, "invalid_code"},
		{"bad id token", http.MethodPost, "/auth/google", "", map[string]string{"idToken": "garbage"}, http.StatusUnauthorized, "invalid_id_token"},
		{"missing id token", http.MethodPost, "/auth/google", "", map[string]string{}, http.StatusBadRequest, "validation_error"},
		{"unknown refresh token", http.MethodPost, "/auth/refresh", "", map[string]string{"refreshToken": "nope"}, http.StatusUnauthorized, "invalid_token"},
		{"missing bearer", http.MethodGet, "/users/me", "", nil, http.StatusUnauthorized, "unauthorized"},
		{"garbage bearer", http.MethodGet, "/users/me", "garbage", nil, http.StatusUnauthorized, "invalid_token"},
		{"expired bearer", http.MethodGet, "/users/me", expired, nil, http.StatusUnauthorized, "token_expired"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := ts.do(t, tt.method, tt.path, tt.bearer, tt.body)
			assert.Equal(t, tt.wantStatus, status)
			assert.False(t, body.Success)
			require.NotNil(t, body.Error)
			assert.Equal(t, tt.wantCode, body.Error.Code)
		})
	}
}

func TestHandlers_unverifiedPhoneConflict(t *testing.T) {
	ts := newTestServer(t, Config{OTPDevMode: true})
	sess := registerByEmail(t, ts.svc, "ada@example.com")

	status, body := ts.do(t, http.MethodPatch, "/users/me", sess.AccessToken, map[string]any{
		"profile": map[string]string{"phone": "+2348012345678"},
	})
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "phone_not_verified", body.Error.Code)
}

func TestHandlers_logout(t *testing.T) {
	ts := newTestServer(t, Config{OTPDevMode: true})
	sess := registerByEmail(t, ts.svc, "ada@example.com")

	status, _ := ts.do(t, http.MethodPost, "/auth/logout", sess.AccessToken, struct{}{})
	require.Equal(t, http.StatusOK, status)

	status, _ = ts.do(t, http.MethodPost, "/auth/refresh", "", map[string]string{"refreshToken": sess.RefreshToken})
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestHandlers_googleSignIn(t *testing.T) {
	ts := newTestServer(t, Config{OTPDevMode: true})
	idToken, err := ts.svc.Tokens().SignGoogleIDToken(GoogleClaims{Email: "grace@example.com"})
	require.NoError(t, err)

	status, body := ts.do(t, http.MethodPost, "/auth/google", "", map[string]string{"idToken": idToken})
	assert.Equal(t, http.StatusUnauthorized, status, "tokens without a subject are rejected")
	assert.Equal(t, "invalid_id_token", body.Error.Code)

	claims := GoogleClaims{Email: "grace@example.com", GivenName: "Grace"}
	claims.Subject = "g-1"
	idToken, err = ts.svc.Tokens().SignGoogleIDToken(claims)
	require.NoError(t, err)

	status, body = ts.do(t, http.MethodPost, "/auth/google", "", map[string]string{"idToken": idToken})
	require.Equal(t, http.StatusOK, status)
	var signedIn sessionResponse
	require.NoError(t, json.Unmarshal(body.Data, &signedIn))
	assert.True(t, signedIn.IsNewUser)
	require.NotNil(t, signedIn.RequiresOnboarding)
	assert.True(t, *signedIn.RequiresOnboarding)
	assert.Equal(t, "Grace", signedIn.User.FirstName)
}

func TestRouter_metrics(t *testing.T) {
	ts := newTestServer(t, Config{OTPDevMode: true})
	ts.do(t, http.MethodGet, "/health", "", nil)

	resp, err := ts.Client().Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `devserver_http_requests_total{method="GET",route="/health",status="200"} 1`)
}

func TestRouter_rateLimitsCodeRequests(t *testing.T) {
	ts := newTestServer(t, Config{OTPDevMode: true})
	var last int
	for i := 0; i < 11; i++ {
		last, _ = ts.do(t, http.MethodPost, "/otp/email", "", map[string]string{"email": "nope", "purpose": "login"})
	}
	assert.Equal(t, http.StatusTooManyRequests, last)
}
