package devserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/signalix/sessionkit/internal/logger"
)

const maxBodyBytes = 1 << 16

// Handler serves the identity endpoints
type Handler struct {
	svc *Service
	log *zap.Logger
}

// NewHandler creates a new handler
func NewHandler(svc *Service, log *zap.Logger) *Handler {
	return &Handler{svc: svc, log: logger.OrNop(log)}
}

// envelope wraps every response body
type envelope struct {
	Success bool       `json:"success"`
	Data    any        `json:"data,omitempty"`
	Error   *errorBody `json:"error,omitempty"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// userResponse is the user object in API responses
type userResponse struct {
	ID            string `json:"id"`
	Email         string `json:"email,omitempty"`
	Phone         string `json:"phone,omitempty"`
	FirstName     string `json:"firstName,omitempty"`
	LastName      string `json:"lastName,omitempty"`
	AvatarURL     string `json:"avatarUrl,omitempty"`
	EmailVerified bool   `json:"emailVerified"`
	PhoneVerified bool   `json:"phoneVerified"`
	EstateID      string `json:"estateId,omitempty"`
}

func toUserResponse(u User) *userResponse {
	return &userResponse{
		ID:            u.ID,
		Email:         u.Email,
		Phone:         u.Phone,
		FirstName:     u.FirstName,
		LastName:      u.LastName,
		AvatarURL:     u.AvatarURL,
		EmailVerified: u.EmailVerified,
		PhoneVerified: u.PhoneVerified,
		EstateID:      u.EstateID,
	}
}

type tokenPair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

type emailOTPRequest struct {
	Email   string `json:"email"`
	Purpose string `json:"purpose"`
}

type emailVerifyRequest struct {
	Email   string `json:"email"`
	Code    string `json:"code"`
	Purpose string `json:"purpose"`
}

type phoneOTPRequest struct {
	Phone   string `json:"phone"`
	Purpose string `json:"purpose"`
	Channel string `json:"channel"`
}

type phoneVerifyRequest struct {
	Phone   string `json:"phone"`
	Code    string `json:"code"`
	Purpose string `json:"purpose"`
}

type googleRequest struct {
	IDToken string `json:"idToken"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type profileRequest struct {
	Profile struct {
		FirstName string `json:"firstName"`
		LastName  string `json:"lastName"`
		Email     string `json:"email"`
		Phone     string `json:"phone"`
		Gender    string `json:"gender"`
		BirthDate string `json:"birthDate"`
		AvatarURL string `json:"avatarUrl"`
	} `json:"profile"`
	Location struct {
		Country  string `json:"country"`
		City     string `json:"city"`
		EstateID string `json:"estateId"`
	} `json:"location"`
}

type sessionResponse struct {
	User               *userResponse `json:"user"`
	AccessToken        string        `json:"accessToken"`
	RefreshToken       string        `json:"refreshToken"`
	IsNewUser          bool          `json:"isNewUser"`
	RequiresOnboarding *bool         `json:"requiresOnboarding,omitempty"`
}

type phoneVerifyResponse struct {
	Verified  bool          `json:"verified"`
	User      *userResponse `json:"user,omitempty"`
	Tokens    *tokenPair    `json:"tokens,omitempty"`
	IsNewUser bool          `json:"isNewUser"`
}

// HandleRequestEmailOTP handles POST /otp/email
func (h *Handler) HandleRequestEmailOTP(w http.ResponseWriter, r *http.Request) {
	var req emailOTPRequest
	if !decode(w, r, &req) {
		return
	}
	if err := h.svc.RequestEmailOTP(r.Context(), req.Email, req.Purpose); err != nil {
		h.log.Info("email code request failed", zap.String("email", logger.MaskEmail(req.Email)), zap.Error(err))
		h.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"message": "otp_sent"})
}

// HandleVerifyEmailOTP handles POST /otp/email/verify
func (h *Handler) HandleVerifyEmailOTP(w http.ResponseWriter, r *http.Request) {
	var req emailVerifyRequest
	if !decode(w, r, &req) {
		return
	}
	sess, err := h.svc.VerifyEmailOTP(r.Context(), req.Email, req.Code, req.Purpose)
	if err != nil {
		h.log.Info("email verification failed", zap.String("email", logger.MaskEmail(req.Email)), zap.Error(err))
		h.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sessionResponse{
		User:         toUserResponse(sess.User),
		AccessToken:  sess.AccessToken,
		RefreshToken: sess.RefreshToken,
		IsNewUser:    sess.IsNewUser,
	})
}

// HandleRequestPhoneOTP handles POST /otp/phone
func (h *Handler) HandleRequestPhoneOTP(w http.ResponseWriter, r *http.Request) {
	var req phoneOTPRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Channel == "" {
		req.Channel = "sms"
	}
	if err := h.svc.RequestPhoneOTP(r.Context(), req.Phone, req.Purpose, req.Channel); err != nil {
		h.log.Info("phone code request failed", zap.String("phone", logger.MaskPhone(req.Phone)), zap.Error(err))
		h.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"message": "otp_sent"})
}

// HandleVerifyPhoneOTP handles POST /otp/phone/verify
func (h *Handler) HandleVerifyPhoneOTP(w http.ResponseWriter, r *http.Request) {
	var req phoneVerifyRequest
	if !decode(w, r, &req) {
		return
	}
	sess, err := h.svc.VerifyPhoneOTP(r.Context(), req.Phone, req.Code, req.Purpose)
	if err != nil {
		h.log.Info("phone verification failed", zap.String("phone", logger.MaskPhone(req.Phone)), zap.Error(err))
		h.respondServiceError(w, err)
		return
	}
	resp := phoneVerifyResponse{Verified: true}
	if sess != nil {
		resp.User = toUserResponse(sess.User)
		resp.Tokens = &tokenPair{AccessToken: sess.AccessToken, RefreshToken: sess.RefreshToken}
		resp.IsNewUser = sess.IsNewUser
	}
	respondJSON(w, http.StatusOK, resp)
}

// HandleGoogleSignIn handles POST /auth/google
func (h *Handler) HandleGoogleSignIn(w http.ResponseWriter, r *http.Request) {
	var req googleRequest
	if !decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.IDToken) == "" {
		respondWithError(w, http.StatusBadRequest, "validation_error", "idToken is required")
		return
	}
	sess, onboarding, err := h.svc.GoogleSignIn(r.Context(), strings.TrimSpace(req.IDToken))
	if err != nil {
		h.log.Info("google sign-in failed", zap.Error(err))
		h.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sessionResponse{
		User:               toUserResponse(sess.User),
		AccessToken:        sess.AccessToken,
		RefreshToken:       sess.RefreshToken,
		IsNewUser:          sess.IsNewUser,
		RequiresOnboarding: &onboarding,
	})
}

// HandleRefresh handles POST /auth/refresh
func (h *Handler) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if !decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.RefreshToken) == "" {
		respondWithError(w, http.StatusBadRequest, "validation_error", "refreshToken is required")
		return
	}
	sess, err := h.svc.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, tokenPair{AccessToken: sess.AccessToken, RefreshToken: sess.RefreshToken})
}

// HandleMe handles GET /users/me
func (h *Handler) HandleMe(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserID(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "unauthorized", "unauthorized")
		return
	}
	user, err := h.svc.Me(r.Context(), userID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			respondWithError(w, http.StatusUnauthorized, "unauthorized", "account no longer exists")
			return
		}
		h.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, toUserResponse(user))
}

// HandleUpdateProfile handles PATCH /users/me
func (h *Handler) HandleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserID(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "unauthorized", "unauthorized")
		return
	}
	var req profileRequest
	if !decode(w, r, &req) {
		return
	}
	user, err := h.svc.UpdateProfile(r.Context(), userID, ProfileInput{
		FirstName: req.Profile.FirstName,
		LastName:  req.Profile.LastName,
		Email:     req.Profile.Email,
		Phone:     req.Profile.Phone,
		Gender:    req.Profile.Gender,
		BirthDate: req.Profile.BirthDate,
		AvatarURL: req.Profile.AvatarURL,
		Country:   req.Location.Country,
		City:      req.Location.City,
		EstateID:  req.Location.EstateID,
	})
	if err != nil {
		h.log.Info("profile update failed", zap.String("user_id", userID), zap.Error(err))
		h.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, toUserResponse(user))
}

// HandleLogout handles POST /auth/logout
func (h *Handler) HandleLogout(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserID(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "unauthorized", "unauthorized")
		return
	}
	h.svc.Logout(r.Context(), userID)
	respondJSON(w, http.StatusOK, map[string]string{"message": "logged out"})
}

// HandleHealth handles GET /health
func HandleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// respondServiceError maps a service error to its status and code
func (h *Handler) respondServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrValidation):
		respondWithError(w, http.StatusBadRequest, "validation_error", err.Error())
	case errors.Is(err, ErrInvalidCode):
		respondWithError(w, http.StatusBadRequest, "invalid_code", "invalid code")
	case errors.Is(err, ErrExpiredCode):
		respondWithError(w, http.StatusBadRequest, "expired_code", "code expired")
	case errors.Is(err, ErrRateLimited):
		respondWithError(w, http.StatusTooManyRequests, "rate_limited", err.Error())
	case errors.Is(err, ErrDeliveryFailed):
		respondWithError(w, http.StatusBadGateway, "delivery_failed", "could not deliver code")
	case errors.Is(err, ErrUserNotFound):
		respondWithError(w, http.StatusNotFound, "user_not_found", "no account for this identity")
	case errors.Is(err, ErrTokenExpired), errors.Is(err, ErrTokenInvalid):
		respondWithError(w, http.StatusUnauthorized, "invalid_id_token", "identity token rejected")
	case errors.Is(err, ErrSessionNotFound):
		respondWithError(w, http.StatusUnauthorized, "invalid_token", "invalid or expired refresh token")
	case errors.Is(err, ErrRefreshReuse):
		respondWithError(w, http.StatusUnauthorized, "refresh_token_reuse", "refresh token reuse detected")
	case errors.Is(err, ErrPhoneNotVerified):
		respondWithError(w, http.StatusConflict, "phone_not_verified", "phone number has not been verified")
	default:
		h.log.Error("request failed", zap.Error(err))
		respondWithError(w, http.StatusInternalServerError, "internal_error", "internal error")
	}
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(dst); err != nil {
		respondWithError(w, http.StatusBadRequest, "validation_error", "invalid request body")
		return false
	}
	return true
}

func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(envelope{Success: true, Data: data})
}

// respondWithError sends a JSON error response
func respondWithError(w http.ResponseWriter, statusCode int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(envelope{Error: &errorBody{Code: code, Message: message}})
}
