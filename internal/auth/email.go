package auth

import (
	"context"

	"go.uber.org/zap"

	"github.com/signalix/sessionkit/internal/identity"
	"github.com/signalix/sessionkit/internal/logger"
	"github.com/signalix/sessionkit/internal/model"
)

// EmailGateway is the part of the identity service the email adapter needs
type EmailGateway interface {
	RequestEmailOTP(ctx context.Context, email string, purpose model.Purpose) error
	VerifyEmailOTP(ctx context.Context, email, code string, purpose model.Purpose) (*identity.EmailVerification, error)
}

// EmailAdapter runs the email one-time-code path
type EmailAdapter struct {
	gateway EmailGateway
	log     *zap.Logger
}

// NewEmailAdapter creates an email-code adapter
func NewEmailAdapter(gateway EmailGateway, log *zap.Logger) *EmailAdapter {
	return &EmailAdapter{gateway: gateway, log: logger.OrNop(log)}
}

// RequestCode asks the service to deliver a code to email
func (a *EmailAdapter) RequestCode(ctx context.Context, email string, purpose model.Purpose) error {
	const op = "email.request_code"
	email, err := NormalizeEmail(email)
	if err != nil {
		return err
	}
	if !purpose.Valid() {
		return model.Validationf(op, "unknown purpose %q", purpose)
	}
	if err := a.gateway.RequestEmailOTP(ctx, email, purpose); err != nil {
		a.log.Info("email code request failed",
			zap.String("email", logger.MaskEmail(email)),
			zap.String("kind", string(model.KindOf(err))))
		return model.Classify(op, err)
	}
	a.log.Debug("email code requested", zap.String("email", logger.MaskEmail(email)), zap.String("purpose", string(purpose)))
	return nil
}

// VerifyCode exchanges a code for an IdentityResult
func (a *EmailAdapter) VerifyCode(ctx context.Context, email, code string, purpose model.Purpose) (model.IdentityResult, error) {
	const op = "email.verify_code"
	email, err := NormalizeEmail(email)
	if err != nil {
		return model.IdentityResult{}, err
	}
	code, err = ValidateCode(code)
	if err != nil {
		return model.IdentityResult{}, err
	}
	if !purpose.Valid() {
		return model.IdentityResult{}, model.Validationf(op, "unknown purpose %q", purpose)
	}

	out, err := a.gateway.VerifyEmailOTP(ctx, email, code, purpose)
	if err != nil {
		a.log.Info("email code verification failed",
			zap.String("email", logger.MaskEmail(email)),
			zap.String("kind", string(model.KindOf(err))))
		return model.IdentityResult{}, model.Classify(op, err)
	}

	result := model.IdentityResult{
		Tokens: out.Tokens(),
		User:   out.User,
	}
	if out.User != nil {
		result.UserID = out.User.ID
	}
	if purpose == model.PurposeRegistration {
		result.IsNewUser = out.IsNewUser
		result.RequiresOnboarding = true
	}
	return result, nil
}
