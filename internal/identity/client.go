package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/signalix/sessionkit/internal/logger"
	"github.com/signalix/sessionkit/internal/model"
)

const maxResponseBytes = 1 << 20

// Client calls the remote identity/verification service
type Client struct {
	baseURL    string
	httpClient *http.Client
	log        *zap.Logger
}

// NewClient constructs a client for baseURL (no trailing slash needed)
func NewClient(baseURL string, httpClient *http.Client, log *zap.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		log:        logger.OrNop(log),
	}
}

type emailOTPRequest struct {
	Email   string        `json:"email"`
	Purpose model.Purpose `json:"purpose"`
}

type emailVerifyRequest struct {
	Email   string        `json:"email"`
	Code    string        `json:"code"`
	Purpose model.Purpose `json:"purpose"`
}

type phoneOTPRequest struct {
	Phone   string        `json:"phone"`
	Purpose model.Purpose `json:"purpose"`
	Channel model.Channel `json:"channel"`
}

type phoneVerifyRequest struct {
	Phone   string        `json:"phone"`
	Code    string        `json:"code"`
	Purpose model.Purpose `json:"purpose"`
}

type googleRequest struct {
	IDToken string `json:"idToken"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type profileRequest struct {
	Profile  model.Profile  `json:"profile"`
	Location model.Location `json:"location"`
}

// RequestEmailOTP handles POST /otp/email
func (c *Client) RequestEmailOTP(ctx context.Context, email string, purpose model.Purpose) error {
	_, err := call[ack](ctx, c, "request_email_otp", http.MethodPost, "/otp/email", "", emailOTPRequest{Email: email, Purpose: purpose})
	return err
}

// VerifyEmailOTP handles POST /otp/email/verify
func (c *Client) VerifyEmailOTP(ctx context.Context, email, code string, purpose model.Purpose) (*EmailVerification, error) {
	return call[EmailVerification](ctx, c, "verify_email_otp", http.MethodPost, "/otp/email/verify", "", emailVerifyRequest{Email: email, Code: code, Purpose: purpose})
}

// RequestPhoneOTP handles POST /otp/phone
func (c *Client) RequestPhoneOTP(ctx context.Context, phone string, purpose model.Purpose, channel model.Channel) error {
	_, err := call[ack](ctx, c, "request_phone_otp", http.MethodPost, "/otp/phone", "", phoneOTPRequest{Phone: phone, Purpose: purpose, Channel: channel})
	return err
}

// VerifyPhoneOTP handles POST /otp/phone/verify
func (c *Client) VerifyPhoneOTP(ctx context.Context, phone, code string, purpose model.Purpose) (*PhoneVerification, error) {
	return call[PhoneVerification](ctx, c, "verify_phone_otp", http.MethodPost, "/otp/phone/verify", "", phoneVerifyRequest{Phone: phone, Code: code, Purpose: purpose})
}

// SignInWithGoogle handles POST /auth/google
func (c *Client) SignInWithGoogle(ctx context.Context, idToken string) (*GoogleSignIn, error) {
	return call[GoogleSignIn](ctx, c, "google_sign_in", http.MethodPost, "/auth/google", "", googleRequest{IDToken: idToken})
}

// Refresh handles POST /auth/refresh
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*model.Tokens, error) {
	out, err := call[refreshedTokens](ctx, c, "refresh", http.MethodPost, "/auth/refresh", "", refreshRequest{RefreshToken: refreshToken})
	if err != nil {
		return nil, err
	}
	return &model.Tokens{AccessToken: out.AccessToken, RefreshToken: out.RefreshToken}, nil
}

// Me handles GET /users/me
func (c *Client) Me(ctx context.Context, accessToken string) (*model.User, error) {
	out, err := call[currentUser](ctx, c, "get_current_user", http.MethodGet, "/users/me", accessToken, nil)
	if err != nil {
		return nil, err
	}
	u := model.User(*out)
	return &u, nil
}

// UpdateProfile handles PATCH /users/me, submitting the completed registration
func (c *Client) UpdateProfile(ctx context.Context, accessToken string, profile model.Profile, location model.Location) (*model.User, error) {
	out, err := call[currentUser](ctx, c, "update_profile", http.MethodPatch, "/users/me", accessToken, profileRequest{Profile: profile, Location: location})
	if err != nil {
		return nil, err
	}
	u := model.User(*out)
	return &u, nil
}

// Logout handles POST /auth/logout
func (c *Client) Logout(ctx context.Context, accessToken string) error {
	_, err := call[ack](ctx, c, "logout", http.MethodPost, "/auth/logout", accessToken, struct{}{})
	return err
}

// call performs one request and decodes the {success, data, error} envelope into T.
// Every failure leaves as a *model.Error.
func call[T any](ctx context.Context, c *Client, op, method, path, bearer string, body any) (*T, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, model.WrapError(model.KindValidation, op, fmt.Errorf("encode request: %w", err))
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, model.WrapError(model.KindValidation, op, fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.log.Debug("identity request failed", zap.String("op", op), zap.Error(err))
		return nil, model.WrapError(model.KindNetwork, op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, model.WrapError(model.KindNetwork, op, fmt.Errorf("read response: %w", err))
	}

	var env envelope[T]
	decodeErr := json.Unmarshal(raw, &env)

	if resp.StatusCode >= http.StatusMultipleChoices || decodeErr != nil || !env.Success {
		var apiErr *apiError
		if decodeErr == nil {
			apiErr = env.Error
		}
		e := classify(op, resp.StatusCode, apiErr)
		if decodeErr != nil && resp.StatusCode < http.StatusMultipleChoices {
			e = model.WrapError(model.KindProviderRejected, op, fmt.Errorf("decode response: %w", decodeErr))
		}
		c.log.Debug("identity request rejected",
			zap.String("op", op),
			zap.Int("status", resp.StatusCode),
			zap.String("kind", string(e.Kind)))
		return nil, e
	}

	if env.Data == nil {
		var zero T
		env.Data = &zero
	}
	if v, ok := any(env.Data).(validator); ok {
		if err := v.validate(); err != nil {
			return nil, model.WrapError(model.KindProviderRejected, op, err)
		}
	}
	return env.Data, nil
}

// classify maps an HTTP status and optional error code to a failure kind.
// Known codes win over the status; 401 is unauthorized; 429 and 5xx are transient.
func classify(op string, status int, apiErr *apiError) *model.Error {
	var code, message string
	if apiErr != nil {
		code = strings.ToLower(strings.TrimSpace(apiErr.Code))
		message = apiErr.Message
	}
	if message == "" {
		message = code
	}
	if message == "" {
		message = fmt.Sprintf("status %d", status)
	}

	kind, known := codeKinds[code]
	if !known {
		switch {
		case status == http.StatusUnauthorized:
			kind = model.KindUnauthorized
		case status == http.StatusTooManyRequests, status >= http.StatusInternalServerError:
			kind = model.KindNetwork
		default:
			kind = model.KindProviderRejected
		}
	}
	return model.NewError(kind, op, message)
}

var codeKinds = map[string]model.Kind{
	"invalid_code":        model.KindInvalidCode,
	"invalid_otp":         model.KindInvalidCode,
	"expired_code":        model.KindExpiredCode,
	"code_expired":        model.KindExpiredCode,
	"otp_expired":         model.KindExpiredCode,
	"delivery_failed":     model.KindDeliveryFailed,
	"token_expired":       model.KindTokenExpired,
	"unauthorized":        model.KindUnauthorized,
	"invalid_token":       model.KindUnauthorized,
	"provider_rejected":   model.KindProviderRejected,
	"invalid_id_token":    model.KindProviderRejected,
	"validation":          model.KindValidation,
	"validation_error":    model.KindValidation,
	"network_error":       model.KindNetwork,
	"rate_limited":        model.KindNetwork,
	"refresh_token_reuse": model.KindUnauthorized,
}
