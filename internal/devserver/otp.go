package devserver

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"
)

const (
	otpExpiry            = 5 * time.Minute
	maxAttempts          = 5
	requestWindow        = 10 * time.Minute
	maxRequestsPerWindow = 3

	// DevOTPCode is the only code accepted in dev mode
	DevOTPCode = "123456"
)

var (
	ErrInvalidCode    = errors.New("invalid code")
	ErrExpiredCode    = errors.New("code expired")
	ErrRateLimited    = errors.New("rate limit exceeded")
	ErrDeliveryFailed = errors.New("delivery failed")
)

// Sender delivers a plaintext code to target over channel
type Sender interface {
	Send(ctx context.Context, channel, target, code string) error
}

// SenderFunc adapts a function to Sender
type SenderFunc func(ctx context.Context, channel, target, code string) error

func (f SenderFunc) Send(ctx context.Context, channel, target, code string) error {
	return f(ctx, channel, target, code)
}

type otpSession struct {
	hash      []byte
	expiresAt time.Time
	attempts  int
}

// OTPIssuer keeps one active code per target and purpose. Only salted hashes are stored.
type OTPIssuer struct {
	salt    string
	devMode bool
	sender  Sender
	now     func() time.Time

	mu       sync.Mutex
	sessions map[string]*otpSession
	requests map[string][]time.Time
}

// NewOTPIssuer creates an issuer. In dev mode every code is DevOTPCode and
// nothing is delivered.
func NewOTPIssuer(salt string, devMode bool, sender Sender) *OTPIssuer {
	if sender == nil {
		sender = SenderFunc(func(context.Context, string, string, string) error { return nil })
	}
	return &OTPIssuer{
		salt:     salt,
		devMode:  devMode,
		sender:   sender,
		now:      time.Now,
		sessions: make(map[string]*otpSession),
		requests: make(map[string][]time.Time),
	}
}

func otpKey(target, purpose string) string {
	return purpose + ":" + target
}

// Request creates or replaces the code for target. At most 3 requests per 10 minutes per target.
func (p *OTPIssuer) Request(ctx context.Context, channel, target, purpose string) error {
	now := p.now()
	key := otpKey(target, purpose)

	p.mu.Lock()
	cutoff := now.Add(-requestWindow)
	recent := p.requests[key][:0]
	for _, t := range p.requests[key] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}
	if len(recent) >= maxRequestsPerWindow {
		p.requests[key] = recent
		p.mu.Unlock()
		return fmt.Errorf("%w: max %d code requests per %v", ErrRateLimited, maxRequestsPerWindow, requestWindow)
	}
	p.requests[key] = append(recent, now)
	p.mu.Unlock()

	code := DevOTPCode
	if !p.devMode {
		var err error
		if code, err = generateOTPCode(); err != nil {
			return fmt.Errorf("generate code: %w", err)
		}
		if err := p.sender.Send(ctx, channel, target, code); err != nil {
			return fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
		}
	}

	p.mu.Lock()
	p.sessions[key] = &otpSession{
		hash:      hashOTP(target, code, p.salt),
		expiresAt: now.Add(otpExpiry),
	}
	p.mu.Unlock()
	return nil
}

// Verify checks code against the active session and consumes it on success.
// The fifth failed attempt burns the session.
func (p *OTPIssuer) Verify(target, purpose, code string) error {
	key := otpKey(target, purpose)
	p.mu.Lock()
	defer p.mu.Unlock()

	s, ok := p.sessions[key]
	if !ok {
		return ErrInvalidCode
	}
	if !p.now().Before(s.expiresAt) {
		delete(p.sessions, key)
		return ErrExpiredCode
	}

	s.attempts++
	if subtle.ConstantTimeCompare(hashOTP(target, code, p.salt), s.hash) != 1 {
		if s.attempts >= maxAttempts {
			delete(p.sessions, key)
		}
		return ErrInvalidCode
	}
	delete(p.sessions, key)
	return nil
}

func generateOTPCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(900000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()+100000), nil
}

// hashOTP returns SHA-256(target:code:salt)
func hashOTP(target, code, salt string) []byte {
	hash := sha256.Sum256([]byte(fmt.Sprintf("%s:%s:%s", target, code, salt)))
	return hash[:]
}
