package auth

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/signalix/sessionkit/internal/identity"
	"github.com/signalix/sessionkit/internal/logger"
	"github.com/signalix/sessionkit/internal/model"
)

// FederatedGateway is the part of the identity service the federated adapter needs
type FederatedGateway interface {
	SignInWithGoogle(ctx context.Context, idToken string) (*identity.GoogleSignIn, error)
}

// CredentialPrompter is a one-shot, callback-style identity provider: Prompt
// shows the provider's sign-in and later invokes callback exactly once.
type CredentialPrompter interface {
	Prompt(callback func(idToken string, err error))
}

// PromptFunc adapts a function to CredentialPrompter
type PromptFunc func(callback func(idToken string, err error))

func (f PromptFunc) Prompt(callback func(idToken string, err error)) { f(callback) }

type credential struct {
	idToken string
	err     error
}

// AwaitCredential blocks until the prompter's callback fires or ctx is done.
// Later callback invocations are ignored.
func AwaitCredential(ctx context.Context, p CredentialPrompter) (string, error) {
	const op = "federated.await_credential"
	ch := make(chan credential, 1)
	var once sync.Once
	p.Prompt(func(idToken string, err error) {
		once.Do(func() { ch <- credential{idToken: idToken, err: err} })
	})

	select {
	case c := <-ch:
		if c.err != nil {
			return "", model.WrapError(model.KindProviderRejected, op, c.err)
		}
		if c.idToken == "" {
			return "", model.NewError(model.KindProviderRejected, op, "provider returned no identity token")
		}
		return c.idToken, nil
	case <-ctx.Done():
		return "", model.WrapError(model.KindProviderRejected, op, ctx.Err())
	}
}

// FederatedAdapter exchanges a provider-issued identity token for local tokens
type FederatedAdapter struct {
	gateway FederatedGateway
	log     *zap.Logger
	now     func() time.Time
}

// NewFederatedAdapter creates a federated sign-in adapter
func NewFederatedAdapter(gateway FederatedGateway, log *zap.Logger) *FederatedAdapter {
	return &FederatedAdapter{gateway: gateway, log: logger.OrNop(log), now: time.Now}
}

// SignInWithPrompt obtains an identity token from p and signs in with it
func (a *FederatedAdapter) SignInWithPrompt(ctx context.Context, p CredentialPrompter) (model.IdentityResult, error) {
	idToken, err := AwaitCredential(ctx, p)
	if err != nil {
		return model.IdentityResult{}, err
	}
	return a.SignIn(ctx, idToken)
}

// SignIn exchanges idToken in one call. The result always carries IsNewUser and
// RequiresOnboarding; the latter falls back to IsNewUser when the service omits it.
func (a *FederatedAdapter) SignIn(ctx context.Context, idToken string) (model.IdentityResult, error) {
	const op = "federated.sign_in"
	if err := a.precheck(idToken); err != nil {
		return model.IdentityResult{}, err
	}

	out, err := a.gateway.SignInWithGoogle(ctx, idToken)
	if err != nil {
		a.log.Info("federated sign-in failed", zap.String("kind", string(model.KindOf(err))))
		return model.IdentityResult{}, model.Classify(op, err)
	}

	requiresOnboarding := out.IsNewUser
	if out.RequiresOnboarding != nil {
		requiresOnboarding = *out.RequiresOnboarding
	}
	return model.IdentityResult{
		UserID:             out.User.ID,
		User:               out.User,
		Tokens:             &model.Tokens{AccessToken: out.AccessToken, RefreshToken: out.RefreshToken},
		IsNewUser:          out.IsNewUser,
		RequiresOnboarding: requiresOnboarding,
	}, nil
}

// precheck rejects identity tokens that are not JWTs or have already expired
// without spending a round trip. Signatures are the service's business.
func (a *FederatedAdapter) precheck(idToken string) error {
	const op = "federated.sign_in"
	if idToken == "" {
		return model.Validationf(op, "identity token is required")
	}
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(idToken, claims); err != nil {
		return model.WrapError(model.KindValidation, op, errors.New("identity token is not a JWT"))
	}
	if claims.ExpiresAt != nil && !claims.ExpiresAt.After(a.now()) {
		return model.Validationf(op, "identity token has expired")
	}
	return nil
}
