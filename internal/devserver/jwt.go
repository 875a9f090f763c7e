package devserver

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrTokenExpired = errors.New("token expired")
	ErrTokenInvalid = errors.New("token invalid")
)

// AccessClaims are the claims of an access token
type AccessClaims struct {
	UserID string `json:"sub"`
	Email  string `json:"email,omitempty"`
	Phone  string `json:"phone_number,omitempty"`
	jwt.RegisteredClaims
}

// GoogleClaims are the claims of a federated identity token
type GoogleClaims struct {
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	GivenName     string `json:"given_name,omitempty"`
	FamilyName    string `json:"family_name,omitempty"`
	Picture       string `json:"picture,omitempty"`
	jwt.RegisteredClaims
}

// TokenIssuer signs and verifies HS256 tokens
type TokenIssuer struct {
	secret       []byte
	googleSecret []byte
	accessTTL    time.Duration
	now          func() time.Time
}

func NewTokenIssuer(secret, googleSecret string, accessTTL time.Duration) *TokenIssuer {
	return &TokenIssuer{
		secret:       []byte(secret),
		googleSecret: []byte(googleSecret),
		accessTTL:    accessTTL,
		now:          time.Now,
	}
}

// SignAccessToken creates an access token for u
func (t *TokenIssuer) SignAccessToken(u *User) (string, error) {
	now := t.now()
	claims := &AccessClaims{
		UserID: u.ID,
		Email:  u.Email,
		Phone:  u.Phone,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.accessTTL)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := token.SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign access token: %w", err)
	}
	return s, nil
}

// VerifyAccessToken parses an access token. Expiry is reported as ErrTokenExpired,
// every other problem as ErrTokenInvalid.
func (t *TokenIssuer) VerifyAccessToken(tokenString string) (*AccessClaims, error) {
	claims := &AccessClaims{}
	if err := t.parse(tokenString, claims, t.secret); err != nil {
		return nil, err
	}
	if claims.UserID == "" {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}

// VerifyGoogleIDToken checks a federated identity token's signature and expiry
func (t *TokenIssuer) VerifyGoogleIDToken(idToken string) (*GoogleClaims, error) {
	claims := &GoogleClaims{}
	if err := t.parse(idToken, claims, t.googleSecret); err != nil {
		return nil, err
	}
	if claims.Subject == "" {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}

func (t *TokenIssuer) parse(tokenString string, claims jwt.Claims, secret []byte) error {
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return secret, nil
	}, jwt.WithTimeFunc(t.now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return ErrTokenExpired
		}
		return fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	if !token.Valid {
		return ErrTokenInvalid
	}
	return nil
}

// SignGoogleIDToken mints a federated identity token with the configured
// provider secret. Used by local tooling and tests in place of a real provider.
func (t *TokenIssuer) SignGoogleIDToken(claims GoogleClaims) (string, error) {
	if claims.ExpiresAt == nil {
		now := t.now()
		claims.IssuedAt = jwt.NewNumericDate(now)
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(time.Hour))
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, &claims)
	s, err := token.SignedString(t.googleSecret)
	if err != nil {
		return "", fmt.Errorf("failed to sign id token: %w", err)
	}
	return s, nil
}
