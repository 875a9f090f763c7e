package auth

import (
	"context"

	"go.uber.org/zap"

	"github.com/signalix/sessionkit/internal/identity"
	"github.com/signalix/sessionkit/internal/logger"
	"github.com/signalix/sessionkit/internal/model"
)

// PhoneGateway is the part of the identity service the phone adapter needs
type PhoneGateway interface {
	RequestPhoneOTP(ctx context.Context, phone string, purpose model.Purpose, channel model.Channel) error
	VerifyPhoneOTP(ctx context.Context, phone, code string, purpose model.Purpose) (*identity.PhoneVerification, error)
}

// PhoneAdapter runs the SMS/WhatsApp one-time-code path. It owns phone
// normalization so every caller shares one rule.
type PhoneAdapter struct {
	gateway     PhoneGateway
	countryCode string
	log         *zap.Logger
}

// NewPhoneAdapter creates a phone-code adapter normalizing to countryCode (digits, no "+")
func NewPhoneAdapter(gateway PhoneGateway, countryCode string, log *zap.Logger) *PhoneAdapter {
	return &PhoneAdapter{gateway: gateway, countryCode: countryCode, log: logger.OrNop(log)}
}

// Normalize applies the adapter's canonical phone rule
func (a *PhoneAdapter) Normalize(phone string) (string, error) {
	return NormalizePhone(phone, a.countryCode)
}

// RequestCode asks the service to deliver a code over channel (sms or whatsapp)
func (a *PhoneAdapter) RequestCode(ctx context.Context, phone string, purpose model.Purpose, channel model.Channel) error {
	const op = "phone.request_code"
	phone, err := a.Normalize(phone)
	if err != nil {
		return err
	}
	if !purpose.Valid() {
		return model.Validationf(op, "unknown purpose %q", purpose)
	}
	if channel == "" {
		channel = model.ChannelSMS
	}
	if channel != model.ChannelSMS && channel != model.ChannelWhatsApp {
		return model.Validationf(op, "channel must be sms or whatsapp, got %q", channel)
	}

	if err := a.gateway.RequestPhoneOTP(ctx, phone, purpose, channel); err != nil {
		a.log.Info("phone code request failed",
			zap.String("phone", logger.MaskPhone(phone)),
			zap.String("channel", string(channel)),
			zap.String("kind", string(model.KindOf(err))))
		return model.Classify(op, err)
	}
	a.log.Debug("phone code requested", zap.String("phone", logger.MaskPhone(phone)), zap.String("channel", string(channel)))
	return nil
}

// VerifyCode exchanges a code for an IdentityResult
func (a *PhoneAdapter) VerifyCode(ctx context.Context, phone, code string, purpose model.Purpose) (model.IdentityResult, error) {
	const op = "phone.verify_code"
	phone, err := a.Normalize(phone)
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

	out, err := a.gateway.VerifyPhoneOTP(ctx, phone, code, purpose)
	if err != nil {
		a.log.Info("phone code verification failed",
			zap.String("phone", logger.MaskPhone(phone)),
			zap.String("kind", string(model.KindOf(err))))
		return model.IdentityResult{}, model.Classify(op, err)
	}
	if !out.Verified {
		return model.IdentityResult{}, model.NewError(model.KindInvalidCode, op, "code not verified")
	}

	result := model.IdentityResult{
		Tokens: out.Tokens,
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
