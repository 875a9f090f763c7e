package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/signalix/sessionkit/internal/logger"
	"github.com/signalix/sessionkit/internal/metrics"
	"github.com/signalix/sessionkit/internal/model"
	"github.com/signalix/sessionkit/internal/storage"
)

// Durable keys, relative to storage.DurablePrefix
const (
	keyAccessToken  = "accessToken"
	keyRefreshToken = "refreshToken"
	keyAuthProvider = "authProvider"
)

// ErrSessionExpired marks a failure after which no usable refresh token remains.
// Only errors wrapping it justify clearing the session.
var ErrSessionExpired = errors.New("session expired")

// Backend is the token-bearing part of the identity service
type Backend interface {
	Me(ctx context.Context, accessToken string) (*model.User, error)
	Refresh(ctx context.Context, refreshToken string) (*model.Tokens, error)
	Logout(ctx context.Context, accessToken string) error
}

// CodeVerifier is a one-time-code identity adapter
type CodeVerifier interface {
	VerifyCode(ctx context.Context, target, code string, purpose model.Purpose) (model.IdentityResult, error)
}

// FederatedSigner is the federated sign-in adapter
type FederatedSigner interface {
	SignIn(ctx context.Context, idToken string) (model.IdentityResult, error)
}

// Deps are the collaborators of a Store. Storage is the shared durable KV;
// the store scopes itself to its own key family.
type Deps struct {
	Storage   storage.KV
	Backend   Backend
	Email     CodeVerifier
	Phone     CodeVerifier
	Federated FederatedSigner
	Logger    *zap.Logger
	Metrics   *metrics.Recorder
}

// Store is the single source of truth for "is this device authenticated".
// It is the only writer of the durable auth keys.
type Store struct {
	kv        storage.KV
	backend   Backend
	email     CodeVerifier
	phone     CodeVerifier
	federated FederatedSigner
	log       *zap.Logger
	metrics   *metrics.Recorder

	mu      sync.RWMutex
	state   model.Session
	lastErr error

	subMu   sync.Mutex
	subs    map[int]func(model.Session)
	nextSub int
}

// NewStore builds a Store and rehydrates it from durable storage
func NewStore(ctx context.Context, deps Deps) (*Store, error) {
	if deps.Storage == nil {
		return nil, fmt.Errorf("session store requires storage")
	}
	if deps.Backend == nil {
		return nil, fmt.Errorf("session store requires a backend")
	}
	s := &Store{
		kv:        storage.Namespace(deps.Storage, storage.DurablePrefix),
		backend:   deps.Backend,
		email:     deps.Email,
		phone:     deps.Phone,
		federated: deps.Federated,
		log:       logger.OrNop(deps.Logger),
		metrics:   deps.Metrics,
		subs:      make(map[int]func(model.Session)),
	}
	if err := s.rehydrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) rehydrate(ctx context.Context) error {
	access, _, err := s.kv.Get(ctx, keyAccessToken)
	if err != nil {
		return fmt.Errorf("load access token: %w", err)
	}
	refresh, _, err := s.kv.Get(ctx, keyRefreshToken)
	if err != nil {
		return fmt.Errorf("load refresh token: %w", err)
	}
	provider, _, err := s.kv.Get(ctx, keyAuthProvider)
	if err != nil {
		return fmt.Errorf("load auth provider: %w", err)
	}

	s.mu.Lock()
	s.state.AccessToken = access
	s.state.RefreshToken = refresh
	s.state.AuthProvider = model.AuthProvider(provider)
	s.state.AccessExpiresAt = accessExpiry(access)
	s.mu.Unlock()
	return nil
}

// Snapshot returns a copy of the current session
func (s *Store) Snapshot() model.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

func (s *Store) snapshotLocked() model.Session {
	snap := s.state
	if s.state.User != nil {
		u := *s.state.User
		snap.User = &u
	}
	return snap
}

// IsAuthenticated reports whether an access token is held
func (s *Store) IsAuthenticated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.AccessToken != ""
}

// Err returns the classified failure of the last boolean-returning action, or nil
func (s *Store) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

// Subscribe registers fn to receive every settled change; call the returned func to stop
func (s *Store) Subscribe(fn func(model.Session)) func() {
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.subMu.Unlock()

	return func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
	}
}

func (s *Store) notify() {
	snap := s.Snapshot()
	s.subMu.Lock()
	fns := make([]func(model.Session), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subMu.Unlock()
	for _, fn := range fns {
		fn(snap)
	}
}

// mutate applies fn under the lock, then notifies subscribers
func (s *Store) mutate(fn func(st *model.Session)) {
	s.mu.Lock()
	fn(&s.state)
	s.mu.Unlock()
	s.notify()
}

func (s *Store) setLoading(loading bool) {
	s.mutate(func(st *model.Session) { st.IsLoading = loading })
}

func (s *Store) setErr(err error) {
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
}

// SetTokens stores both tokens. Durable storage is written first, in one atomic
// write, and memory only follows once it succeeded.
func (s *Store) SetTokens(ctx context.Context, access, refresh string) error {
	if access == "" {
		return model.Validationf("session.set_tokens", "access token is required; use ClearAuth to sign out")
	}
	if err := s.kv.SetMany(ctx, map[string]string{
		keyAccessToken:  access,
		keyRefreshToken: refresh,
	}); err != nil {
		return fmt.Errorf("persist tokens: %w", err)
	}
	s.mutate(func(st *model.Session) {
		st.AccessToken = access
		st.RefreshToken = refresh
		st.AccessExpiresAt = accessExpiry(access)
	})
	return nil
}

// SetUser replaces the resolved identity without touching tokens
func (s *Store) SetUser(u *model.User) {
	var cp *model.User
	if u != nil {
		v := *u
		cp = &v
	}
	s.mutate(func(st *model.Session) { st.User = cp })
}

// ClearAuth removes tokens, user and provider tag from durable storage and memory.
// It is idempotent and the only path to the unauthenticated state.
func (s *Store) ClearAuth(ctx context.Context) error {
	err := s.kv.Delete(ctx, keyAccessToken, keyRefreshToken, keyAuthProvider)
	s.mutate(func(st *model.Session) {
		st.AccessToken = ""
		st.RefreshToken = ""
		st.User = nil
		st.AuthProvider = model.ProviderNone
		st.AccessExpiresAt = nil
	})
	if err != nil {
		s.log.Error("failed to clear durable session", zap.Error(err))
		return fmt.Errorf("clear durable session: %w", err)
	}
	return nil
}

// Establish commits an IdentityResult: tokens, provider tag and user change in
// one transition. A result without tokens only updates the user of an
// already authenticated session.
func (s *Store) Establish(ctx context.Context, provider model.AuthProvider, result model.IdentityResult) error {
	const op = "session.establish"
	if result.Tokens == nil || result.Tokens.AccessToken == "" {
		if !s.IsAuthenticated() {
			return model.NewError(model.KindUnauthorized, op, "identity result carried no tokens")
		}
		if result.User != nil {
			s.SetUser(result.User)
		}
		return nil
	}

	tokens := *result.Tokens
	if err := s.kv.SetMany(ctx, map[string]string{
		keyAccessToken:  tokens.AccessToken,
		keyRefreshToken: tokens.RefreshToken,
		keyAuthProvider: string(provider),
	}); err != nil {
		return model.WrapError(model.KindNetwork, op, fmt.Errorf("persist session: %w", err))
	}

	user := result.User
	if user == nil {
		// Tokens without a user: resolve it now so the session is complete
		fetched, err := s.backend.Me(ctx, tokens.AccessToken)
		if err != nil {
			s.log.Warn("session established without user", zap.String("kind", string(model.KindOf(err))))
		} else {
			user = fetched
		}
	}
	var cp *model.User
	if user != nil {
		v := *user
		cp = &v
	}

	s.mutate(func(st *model.Session) {
		st.AccessToken = tokens.AccessToken
		st.RefreshToken = tokens.RefreshToken
		st.AccessExpiresAt = accessExpiry(tokens.AccessToken)
		st.AuthProvider = provider
		st.User = cp
	})
	s.metrics.Login(string(provider), metrics.OutcomeSuccess)
	s.log.Info("session established", zap.String("provider", string(provider)), zap.String("user_id", result.UserID))
	return nil
}

// LoginWithEmail verifies an email login code and commits the session
func (s *Store) LoginWithEmail(ctx context.Context, email, code string) bool {
	if s.email == nil {
		return s.fail(model.ProviderLocal, model.NewError(model.KindProviderRejected, "session.login_email", "email login not configured"))
	}
	return s.login(ctx, model.ProviderLocal, func() (model.IdentityResult, error) {
		return s.email.VerifyCode(ctx, email, code, model.PurposeLogin)
	})
}

// LoginWithPhone verifies a phone login code and commits the session
func (s *Store) LoginWithPhone(ctx context.Context, phone, code string) bool {
	if s.phone == nil {
		return s.fail(model.ProviderPhone, model.NewError(model.KindProviderRejected, "session.login_phone", "phone login not configured"))
	}
	return s.login(ctx, model.ProviderPhone, func() (model.IdentityResult, error) {
		return s.phone.VerifyCode(ctx, phone, code, model.PurposeLogin)
	})
}

// SignInWithGoogle exchanges a federated identity token and commits the session
func (s *Store) SignInWithGoogle(ctx context.Context, idToken string) bool {
	if s.federated == nil {
		return s.fail(model.ProviderGoogle, model.NewError(model.KindProviderRejected, "session.sign_in_google", "federated sign-in not configured"))
	}
	return s.login(ctx, model.ProviderGoogle, func() (model.IdentityResult, error) {
		return s.federated.SignIn(ctx, idToken)
	})
}

func (s *Store) login(ctx context.Context, provider model.AuthProvider, verify func() (model.IdentityResult, error)) bool {
	s.setErr(nil)
	s.setLoading(true)
	defer s.setLoading(false)

	result, err := verify()
	if err != nil {
		return s.fail(provider, err)
	}
	if err := s.Establish(ctx, provider, result); err != nil {
		return s.fail(provider, err)
	}
	return true
}

func (s *Store) fail(provider model.AuthProvider, err error) bool {
	s.setErr(model.Classify("session.login", err))
	s.metrics.Login(string(provider), metrics.OutcomeFailure)
	return false
}

// RefreshUser fetches the current identity. When the access token is rejected it
// performs exactly one refresh exchange, commits the new tokens, and retries the
// fetch exactly once. It never clears the session itself; errors wrapping
// ErrSessionExpired tell the caller no usable refresh token remains.
func (s *Store) RefreshUser(ctx context.Context) error {
	const op = "session.refresh_user"
	snap := s.Snapshot()
	if snap.AccessToken == "" {
		return &model.Error{Kind: model.KindUnauthorized, Op: op, Message: "no access token", Err: ErrSessionExpired}
	}

	s.setLoading(true)
	defer s.setLoading(false)

	user, err := s.backend.Me(ctx, snap.AccessToken)
	if err == nil {
		s.SetUser(user)
		return nil
	}
	if !model.IsAuthRejection(err) {
		return model.Classify(op, err)
	}

	if snap.RefreshToken == "" {
		return &model.Error{Kind: model.KindUnauthorized, Op: op, Message: "access token rejected and no refresh token", Err: ErrSessionExpired}
	}

	tokens, err := s.backend.Refresh(ctx, snap.RefreshToken)
	if err != nil {
		s.metrics.Refresh(metrics.OutcomeFailure)
		if model.IsRetryable(err) {
			return model.Classify(op, err)
		}
		return &model.Error{Kind: model.KindUnauthorized, Op: op, Message: "refresh token rejected", Err: errors.Join(ErrSessionExpired, err)}
	}
	s.metrics.Refresh(metrics.OutcomeSuccess)

	// The retry must see the new tokens already committed
	if err := s.SetTokens(ctx, tokens.AccessToken, tokens.RefreshToken); err != nil {
		return model.WrapError(model.KindNetwork, op, err)
	}

	user, err = s.backend.Me(ctx, tokens.AccessToken)
	if err != nil {
		if model.IsAuthRejection(err) {
			return &model.Error{Kind: model.KindUnauthorized, Op: op, Message: "refreshed access token rejected", Err: errors.Join(ErrSessionExpired, err)}
		}
		return model.Classify(op, err)
	}
	s.SetUser(user)
	return nil
}

// Logout invalidates the session server-side on a best-effort basis, then
// unconditionally clears it locally
func (s *Store) Logout(ctx context.Context) error {
	if access := s.Snapshot().AccessToken; access != "" {
		if err := s.backend.Logout(ctx, access); err != nil {
			s.log.Warn("server-side logout failed; clearing locally", zap.String("kind", string(model.KindOf(err))))
		}
	}
	s.metrics.Clear("logout")
	return s.ClearAuth(ctx)
}

// markInitialized flips IsInitialized once
func (s *Store) markInitialized() {
	s.mu.Lock()
	already := s.state.IsInitialized
	s.state.IsInitialized = true
	s.mu.Unlock()
	if !already {
		s.notify()
	}
}

// accessExpiry reads the exp claim of a JWT access token without verifying it.
// Opaque tokens yield nil.
func accessExpiry(access string) *time.Time {
	if access == "" {
		return nil
	}
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(access, claims); err != nil || claims.ExpiresAt == nil {
		return nil
	}
	exp := claims.ExpiresAt.Time
	return &exp
}
