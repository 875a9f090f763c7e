package devserver

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/signalix/sessionkit/internal/config"
	"github.com/signalix/sessionkit/internal/logger"
)

const (
	PurposeLogin        = "login"
	PurposeRegistration = "registration"
)

var (
	ErrValidation       = errors.New("validation error")
	ErrRefreshReuse     = errors.New("refresh token reuse detected")
	ErrPhoneNotVerified = errors.New("phone not verified")
)

// Config configures the development identity service
type Config struct {
	JWTSecret          string
	GoogleClientSecret string
	OTPSalt            string
	OTPDevMode         bool
	AccessTokenTTL     time.Duration
	RefreshTokenTTL    time.Duration
	// Sender delivers codes outside dev mode; nil discards them
	Sender Sender
}

// ConfigFrom maps the environment configuration
func ConfigFrom(cfg *config.ServerConfig) Config {
	return Config{
		JWTSecret:          cfg.JWTSecret,
		GoogleClientSecret: cfg.GoogleClientSecret,
		OTPSalt:            cfg.OTPSalt,
		OTPDevMode:         cfg.OTPDevMode,
		AccessTokenTTL:     cfg.AccessTokenTTL,
		RefreshTokenTTL:    cfg.RefreshTokenTTL,
	}
}

// Session is an issued token pair for a user
type Session struct {
	User         User
	AccessToken  string
	RefreshToken string
	IsNewUser    bool
}

// ProfileInput is a partial profile update; empty fields are left alone
type ProfileInput struct {
	FirstName string
	LastName  string
	Email     string
	Phone     string
	Gender    string
	BirthDate string
	AvatarURL string
	Country   string
	City      string
	EstateID  string
}

// Service orchestrates the identity operations
type Service struct {
	store      *Store
	otp        *OTPIssuer
	tokens     *TokenIssuer
	refreshTTL time.Duration
	log        *zap.Logger
	now        func() time.Time

	mu             sync.Mutex
	verifiedPhones map[string]time.Time
}

func NewService(cfg Config, store *Store, log *zap.Logger) *Service {
	if cfg.AccessTokenTTL <= 0 {
		cfg.AccessTokenTTL = 15 * time.Minute
	}
	if cfg.RefreshTokenTTL <= 0 {
		cfg.RefreshTokenTTL = 30 * 24 * time.Hour
	}
	return &Service{
		store:          store,
		otp:            NewOTPIssuer(cfg.OTPSalt, cfg.OTPDevMode, cfg.Sender),
		tokens:         NewTokenIssuer(cfg.JWTSecret, cfg.GoogleClientSecret, cfg.AccessTokenTTL),
		refreshTTL:     cfg.RefreshTokenTTL,
		log:            logger.OrNop(log),
		now:            time.Now,
		verifiedPhones: make(map[string]time.Time),
	}
}

// Tokens exposes the token issuer for the auth middleware
func (s *Service) Tokens() *TokenIssuer {
	return s.tokens
}

func validPurpose(purpose string) error {
	if purpose != PurposeLogin && purpose != PurposeRegistration {
		return fmt.Errorf("%w: purpose must be login or registration", ErrValidation)
	}
	return nil
}

func validEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if _, err := mail.ParseAddress(email); err != nil || email == "" {
		return "", fmt.Errorf("%w: invalid email", ErrValidation)
	}
	return email, nil
}

func validPhone(phone string) (string, error) {
	phone = strings.TrimSpace(phone)
	if len(phone) < 8 || len(phone) > 16 || phone[0] != '+' {
		return "", fmt.Errorf("%w: phone must be in international form", ErrValidation)
	}
	for _, r := range phone[1:] {
		if r < '0' || r > '9' {
			return "", fmt.Errorf("%w: phone must be in international form", ErrValidation)
		}
	}
	return phone, nil
}

// RequestEmailOTP sends a code to email. Login requires an existing account.
func (s *Service) RequestEmailOTP(ctx context.Context, email, purpose string) error {
	email, err := validEmail(email)
	if err != nil {
		return err
	}
	if err := validPurpose(purpose); err != nil {
		return err
	}
	if purpose == PurposeLogin {
		if _, err := s.store.UserByEmail(email); err != nil {
			return err
		}
	}
	if err := s.otp.Request(ctx, "email", email, purpose); err != nil {
		return err
	}
	s.log.Info("email code requested", zap.String("email", logger.MaskEmail(email)), zap.String("purpose", purpose))
	return nil
}

// VerifyEmailOTP checks the code and issues tokens. Registration creates the account if needed.
func (s *Service) VerifyEmailOTP(ctx context.Context, email, code, purpose string) (*Session, error) {
	email, err := validEmail(email)
	if err != nil {
		return nil, err
	}
	if err := validPurpose(purpose); err != nil {
		return nil, err
	}
	if err := s.otp.Verify(email, purpose, strings.TrimSpace(code)); err != nil {
		return nil, err
	}

	user, err := s.store.UserByEmail(email)
	isNew := false
	switch {
	case err == nil:
	case errors.Is(err, ErrUserNotFound) && purpose == PurposeRegistration:
		user = s.store.CreateUser(User{Email: email})
		isNew = true
	default:
		return nil, err
	}
	user, err = s.store.UpdateUser(user.ID, func(u *User) { u.EmailVerified = true })
	if err != nil {
		return nil, err
	}
	return s.issue(user, isNew)
}

// RequestPhoneOTP sends a code over sms or whatsapp. Login requires an existing account.
func (s *Service) RequestPhoneOTP(ctx context.Context, phone, purpose, channel string) error {
	phone, err := validPhone(phone)
	if err != nil {
		return err
	}
	if err := validPurpose(purpose); err != nil {
		return err
	}
	if channel != "sms" && channel != "whatsapp" {
		return fmt.Errorf("%w: channel must be sms or whatsapp", ErrValidation)
	}
	if purpose == PurposeLogin {
		if _, err := s.store.UserByPhone(phone); err != nil {
			return err
		}
	}
	if err := s.otp.Request(ctx, channel, phone, purpose); err != nil {
		return err
	}
	s.log.Info("phone code requested", zap.String("phone", logger.MaskPhone(phone)), zap.String("channel", channel))
	return nil
}

// VerifyPhoneOTP checks the code. Login issues tokens; registration only marks the
// number verified so a later profile update may claim it.
func (s *Service) VerifyPhoneOTP(ctx context.Context, phone, code, purpose string) (*Session, error) {
	phone, err := validPhone(phone)
	if err != nil {
		return nil, err
	}
	if err := validPurpose(purpose); err != nil {
		return nil, err
	}
	if err := s.otp.Verify(phone, purpose, strings.TrimSpace(code)); err != nil {
		return nil, err
	}

	if purpose == PurposeRegistration {
		s.mu.Lock()
		s.verifiedPhones[phone] = s.now()
		s.mu.Unlock()
		return nil, nil
	}

	user, err := s.store.UserByPhone(phone)
	if err != nil {
		return nil, err
	}
	user, err = s.store.UpdateUser(user.ID, func(u *User) { u.PhoneVerified = true })
	if err != nil {
		return nil, err
	}
	return s.issue(user, false)
}

// GoogleSignIn exchanges a federated identity token. The second result reports
// whether the account still has onboarding to do.
func (s *Service) GoogleSignIn(ctx context.Context, idToken string) (*Session, bool, error) {
	claims, err := s.tokens.VerifyGoogleIDToken(idToken)
	if err != nil {
		return nil, false, err
	}

	user, err := s.store.UserByGoogleSubject(claims.Subject)
	isNew := false
	if errors.Is(err, ErrUserNotFound) && claims.Email != "" {
		user, err = s.store.UserByEmail(claims.Email)
		if err == nil {
			user, err = s.store.UpdateUser(user.ID, func(u *User) { u.GoogleSubject = claims.Subject })
		}
	}
	if errors.Is(err, ErrUserNotFound) {
		user = s.store.CreateUser(User{
			Email:         strings.ToLower(claims.Email),
			GoogleSubject: claims.Subject,
			FirstName:     claims.GivenName,
			LastName:      claims.FamilyName,
			AvatarURL:     claims.Picture,
			EmailVerified: claims.EmailVerified,
		})
		isNew, err = true, nil
	}
	if err != nil {
		return nil, false, err
	}

	sess, err := s.issue(user, isNew)
	if err != nil {
		return nil, false, err
	}
	return sess, isNew || user.EstateID == "", nil
}

// Refresh rotates a refresh token. Presenting a revoked token revokes every
// session of its owner.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*Session, error) {
	hash := hashRefreshToken(strings.TrimSpace(refreshToken))
	rs, err := s.store.SessionByHash(hash)
	if err != nil {
		return nil, err
	}
	if rs.RevokedAt != nil {
		s.store.RevokeAllForUser(rs.UserID)
		s.log.Warn("refresh token reuse detected", zap.String("user_id", rs.UserID))
		return nil, ErrRefreshReuse
	}
	if !s.now().Before(rs.ExpiresAt) {
		return nil, ErrSessionNotFound
	}

	user, err := s.store.UserByID(rs.UserID)
	if err != nil {
		return nil, err
	}
	sess, next, err := s.issueSession(user, false)
	if err != nil {
		return nil, err
	}
	s.store.RevokeSession(hash, next.ID)
	return sess, nil
}

// Me returns the account behind an access token
func (s *Service) Me(ctx context.Context, userID string) (User, error) {
	return s.store.UserByID(userID)
}

// UpdateProfile applies a partial profile. A new phone number must have been verified first.
func (s *Service) UpdateProfile(ctx context.Context, userID string, in ProfileInput) (User, error) {
	current, err := s.store.UserByID(userID)
	if err != nil {
		return User{}, err
	}
	phone := strings.TrimSpace(in.Phone)
	if phone != "" && phone != current.Phone {
		s.mu.Lock()
		_, verified := s.verifiedPhones[phone]
		s.mu.Unlock()
		if !verified {
			return User{}, ErrPhoneNotVerified
		}
	}

	return s.store.UpdateUser(userID, func(u *User) {
		set := func(dst *string, v string) {
			if v = strings.TrimSpace(v); v != "" {
				*dst = v
			}
		}
		set(&u.FirstName, in.FirstName)
		set(&u.LastName, in.LastName)
		set(&u.Gender, in.Gender)
		set(&u.BirthDate, in.BirthDate)
		set(&u.AvatarURL, in.AvatarURL)
		set(&u.Country, in.Country)
		set(&u.City, in.City)
		set(&u.EstateID, in.EstateID)
		if u.Email == "" {
			set(&u.Email, strings.ToLower(in.Email))
		}
		if phone != "" && phone != u.Phone {
			u.Phone = phone
			u.PhoneVerified = true
		}
	})
}

// Logout revokes every refresh session of userID
func (s *Service) Logout(ctx context.Context, userID string) {
	s.store.RevokeAllForUser(userID)
}

func (s *Service) issue(user User, isNew bool) (*Session, error) {
	sess, _, err := s.issueSession(user, isNew)
	return sess, err
}

func (s *Service) issueSession(user User, isNew bool) (*Session, RefreshSession, error) {
	access, err := s.tokens.SignAccessToken(&user)
	if err != nil {
		return nil, RefreshSession{}, err
	}
	refresh, hash, err := newRefreshToken()
	if err != nil {
		return nil, RefreshSession{}, fmt.Errorf("generate refresh token: %w", err)
	}
	rs := s.store.CreateSession(user.ID, hash, s.refreshTTL)
	return &Session{User: user, AccessToken: access, RefreshToken: refresh, IsNewUser: isNew}, rs, nil
}
