package tests

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalix/sessionkit/internal/app"
	"github.com/signalix/sessionkit/internal/config"
	"github.com/signalix/sessionkit/internal/devserver"
	"github.com/signalix/sessionkit/internal/metrics"
	"github.com/signalix/sessionkit/internal/model"
	"github.com/signalix/sessionkit/internal/onboarding"
	"github.com/signalix/sessionkit/internal/session"
	"github.com/signalix/sessionkit/internal/storage"
)

const (
	testEmail = "ada@example.com"
	testPhone = "08012345678"
	e164Phone = "+2348012345678"
)

func TestMain(m *testing.M) {
	// Set env if unset; the identity service is configured from it
	defaults := map[string]string{
		"JWT_SECRET":           "test-jwt-secret-at-least-32-characters-long",
		"GOOGLE_CLIENT_SECRET": "test-google-secret",
		"OTP_SALT":             "test-otp-salt",
		"OTP_DEV_MODE":         "true",
	}
	for k, v := range defaults {
		if os.Getenv(k) == "" {
			os.Setenv(k, v)
		}
	}
	os.Exit(m.Run())
}

// backend opens a fresh durable/ephemeral pair
type backend struct {
	name string
	open func(t *testing.T) (durable, ephemeral storage.KV)
}

func backends(t *testing.T) []backend {
	t.Helper()
	out := []backend{
		{"memory", func(t *testing.T) (storage.KV, storage.KV) {
			kv := storage.NewMemoryKV()
			return kv, kv
		}},
		{"file+redis", func(t *testing.T) (storage.KV, storage.KV) {
			file, err := storage.NewFileKV(t.TempDir() + "/session.json")
			require.NoError(t, err)
			mr := miniredis.RunT(t)
			client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			t.Cleanup(func() { client.Close() })
			return file, storage.NewRedisKV(client, 30*time.Minute)
		}},
	}
	if url := os.Getenv("DATABASE_URL"); url != "" {
		out = append(out, backend{"postgres", func(t *testing.T) (storage.KV, storage.KV) {
			ctx := context.Background()
			db, err := storage.OpenPostgres(ctx, url, nil)
			require.NoError(t, err, "database open must succeed; check DATABASE_URL")
			t.Cleanup(func() { db.Close() })
			require.NoError(t, storage.Migrate(db))
			require.NoError(t, TruncateSessions(ctx, db))
			return storage.NewPostgresKV(db), storage.NewMemoryKV()
		}})
	}
	return out
}

// env is one identity service plus the storage a device keeps across restarts
type env struct {
	server    *IdentityServer
	cfg       *config.Config
	durable   storage.KV
	ephemeral storage.KV
	nav       *Navigations
	reg       *prometheus.Registry
	rec       *metrics.Recorder
}

func newEnv(t *testing.T, b backend) *env {
	t.Helper()
	server, err := StartIdentityServer(nil)
	require.NoError(t, err)
	t.Cleanup(server.Close)
	return newDevice(t, b, server)
}

// newDevice is a second device talking to the same service
func newDevice(t *testing.T, b backend, server *IdentityServer) *env {
	t.Helper()
	t.Setenv("IDENTITY_API_URL", server.URL)
	t.Setenv("OTP_RESEND_COOLDOWN", "1m")
	cfg, err := config.Load()
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	rec, err := metrics.New(reg)
	require.NoError(t, err)

	durable, ephemeral := b.open(t)
	return &env{server: server, cfg: cfg, durable: durable, ephemeral: ephemeral, nav: &Navigations{}, reg: reg, rec: rec}
}

// launch simulates a process start: rehydrate, then reconcile with the service
func (e *env) launch(t *testing.T) *app.App {
	t.Helper()
	a := e.open(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, a.Start(ctx))
	return a
}

// open builds the stack without starting the initializer
func (e *env) open(t *testing.T) *app.App {
	t.Helper()
	a, err := app.New(context.Background(), app.Options{
		Config:    e.cfg,
		Durable:   e.durable,
		Ephemeral: e.ephemeral,
		Navigator: e.nav,
		Metrics:   e.rec,
	})
	require.NoError(t, err)
	return a
}

func (e *env) durableValue(t *testing.T, key string) string {
	t.Helper()
	v, _, err := e.durable.Get(context.Background(), storage.DurablePrefix+key)
	require.NoError(t, err)
	return v
}

func (e *env) draftStored(t *testing.T) bool {
	t.Helper()
	_, ok, err := e.ephemeral.Get(context.Background(), storage.EphemeralPrefix+"draft")
	require.NoError(t, err)
	return ok
}

// register runs the complete email registration flow
func (e *env) register(t *testing.T, a *app.App) {
	t.Helper()
	ctx := context.Background()
	m := a.Machine

	require.NoError(t, m.ChooseRegistration(ctx))
	require.NoError(t, m.SubmitEmail(ctx, testEmail))
	require.NoError(t, m.VerifyEmail(ctx, devserver.DevOTPCode))
	require.Equal(t, model.StepPhoneVerification, m.Step())
	require.NoError(t, m.SubmitPhone(ctx, testPhone, ""))
	require.NoError(t, m.VerifyPhone(ctx, devserver.DevOTPCode))
	require.Equal(t, model.StepLocationSetup, m.Step())
	require.NoError(t, m.SetLocation(ctx, model.Location{Country: "NG", City: "Lagos"}))
	require.NoError(t, m.SelectEstate(ctx, "estate-1", "Palm Grove"))
	require.NoError(t, m.SubmitProfile(ctx, model.Profile{FirstName: "Ada", LastName: "Lovelace"}))
}

func TestSessionE2E(t *testing.T) {
	for _, b := range backends(t) {
		b := b
		t.Run(b.name, func(t *testing.T) {
			t.Run("A_RegistrationSurvivesRestart", func(t *testing.T) {
				e := newEnv(t, b)
				a := e.launch(t)
				assert.Equal(t, session.InitAnonymous, a.Initializer.Outcome())
				assert.Equal(t, session.GuardRedirect, a.Guard.Decide(session.Authenticated))

				e.register(t, a)

				assert.Equal(t, []onboarding.Destination{onboarding.DestinationDashboard}, e.nav.All())
				assert.False(t, e.draftStored(t), "completed registration leaves no draft")
				assert.Equal(t, string(model.ProviderLocal), e.durableValue(t, "authProvider"))
				assert.NotEmpty(t, e.durableValue(t, "refreshToken"))

				restarted := e.launch(t)
				assert.Equal(t, session.InitRestored, restarted.Initializer.Outcome())
				snap := restarted.Session.Snapshot()
				require.True(t, snap.IsAuthenticated())
				assert.True(t, snap.IsInitialized)
				require.NotNil(t, snap.User)
				assert.Equal(t, "Ada", snap.User.FirstName)
				assert.Equal(t, e164Phone, snap.User.Phone)
				assert.Equal(t, "estate-1", snap.User.EstateID)
				assert.Equal(t, model.StepWelcome, restarted.Machine.Step())
				assert.Equal(t, session.GuardAllow, restarted.Guard.Decide(session.Authenticated))
				assert.Equal(t, session.GuardRedirect, restarted.Guard.Decide(session.Guest))
			})

			t.Run("B_PhoneLoginAfterLogout", func(t *testing.T) {
				e := newEnv(t, b)
				a := e.launch(t)
				e.register(t, a)
				oldRefresh := e.durableValue(t, "refreshToken")

				require.NoError(t, a.Session.Logout(context.Background()))
				assert.False(t, a.Session.IsAuthenticated())
				assert.Empty(t, e.durableValue(t, "accessToken"))
				_, err := a.Client.Refresh(context.Background(), oldRefresh)
				assert.Equal(t, model.KindUnauthorized, model.KindOf(err), "logout revokes the refresh token server-side")

				ctx := context.Background()
				m := a.Machine
				require.NoError(t, m.ChooseLogin(ctx))
				require.NoError(t, m.UsePhone(ctx))
				require.NoError(t, m.SubmitPhone(ctx, testPhone, model.ChannelWhatsApp))
				assert.Equal(t, model.ChannelWhatsApp, m.Challenge().Channel)
				require.NoError(t, m.VerifyPhone(ctx, devserver.DevOTPCode))

				assert.Equal(t, onboarding.DestinationDashboard, e.nav.Last())
				assert.Equal(t, string(model.ProviderPhone), e.durableValue(t, "authProvider"))
				snap := a.Session.Snapshot()
				require.NotNil(t, snap.User)
				assert.Equal(t, "Ada", snap.User.FirstName)
				assert.False(t, e.draftStored(t))
			})

			t.Run("C_WrongCodeHoldsPosition", func(t *testing.T) {
				e := newEnv(t, b)
				a := e.launch(t)
				ctx := context.Background()
				m := a.Machine

				require.NoError(t, m.ChooseRegistration(ctx))
				require.NoError(t, m.SubmitEmail(ctx, testEmail))
				err := m.VerifyEmail(ctx, "000000")
				require.Error(t, err)
				assert.Equal(t, model.KindInvalidCode, model.KindOf(err))
				assert.True(t, model.IsCorrectable(err))
				assert.Equal(t, model.StepEmailVerification, m.Step())
				assert.False(t, a.Session.IsAuthenticated())

				require.NoError(t, m.VerifyEmail(ctx, devserver.DevOTPCode))
				assert.Equal(t, model.StepPhoneVerification, m.Step())
				assert.True(t, a.Session.IsAuthenticated())
			})

			t.Run("D_ReloadMidFlowResumes", func(t *testing.T) {
				e := newEnv(t, b)
				a := e.launch(t)
				ctx := context.Background()
				require.NoError(t, a.Machine.ChooseRegistration(ctx))
				require.NoError(t, a.Machine.SubmitEmail(ctx, testEmail))

				resumed := e.launch(t)
				m := resumed.Machine
				assert.Equal(t, model.StepEmailVerification, m.Step())
				assert.Equal(t, testEmail, m.Draft().PartialUser.Email)
				assert.Nil(t, m.Challenge(), "challenges are not persisted")

				require.NoError(t, m.Resend(ctx))
				err := m.Resend(ctx)
				require.Error(t, err, "cool-down applies after the first resend")
				assert.Equal(t, model.KindValidation, model.KindOf(err))

				require.NoError(t, m.VerifyEmail(ctx, devserver.DevOTPCode))
				assert.Equal(t, model.StepPhoneVerification, m.Step())
			})

			t.Run("E_ExpiredAccessIsRefreshedAtBoot", func(t *testing.T) {
				e := newEnv(t, b)
				a := e.launch(t)
				e.register(t, a)
				oldRefresh := e.durableValue(t, "refreshToken")

				require.NoError(t, e.durable.SetMany(context.Background(), map[string]string{
					storage.DurablePrefix + "accessToken": "stale-access-token",
				}))

				restarted := e.launch(t)
				assert.Equal(t, session.InitRestored, restarted.Initializer.Outcome())
				assert.NotEqual(t, "stale-access-token", e.durableValue(t, "accessToken"))
				assert.NotEqual(t, oldRefresh, e.durableValue(t, "refreshToken"), "refresh token is rotated")
				assert.Equal(t, e.durableValue(t, "accessToken"), restarted.Session.Snapshot().AccessToken)
				assert.Equal(t, float64(1), counterValue(t, e.reg, "session_init_total", "restored"))
			})

			t.Run("F_RevokedSessionIsClearedAtBoot", func(t *testing.T) {
				e := newEnv(t, b)
				a := e.launch(t)
				e.register(t, a)
				userID := a.Session.Snapshot().User.ID

				e.server.Service.Logout(context.Background(), userID)
				require.NoError(t, e.durable.SetMany(context.Background(), map[string]string{
					storage.DurablePrefix + "accessToken": "stale-access-token",
				}))

				restarted := e.launch(t)
				assert.Equal(t, session.InitCleared, restarted.Initializer.Outcome())
				snap := restarted.Session.Snapshot()
				assert.False(t, snap.IsAuthenticated())
				assert.True(t, snap.IsInitialized)
				assert.Nil(t, snap.User)
				assert.Empty(t, e.durableValue(t, "accessToken"))
				assert.Empty(t, e.durableValue(t, "refreshToken"))
				assert.Equal(t, session.GuardRedirect, restarted.Guard.Decide(session.Authenticated))
			})

			t.Run("G_OfflineBootKeepsSession", func(t *testing.T) {
				e := newEnv(t, b)
				a := e.launch(t)
				e.register(t, a)
				access := e.durableValue(t, "accessToken")

				e.server.Close()
				restarted := e.launch(t)
				assert.Equal(t, session.InitOffline, restarted.Initializer.Outcome())
				snap := restarted.Session.Snapshot()
				assert.True(t, snap.IsInitialized)
				assert.Equal(t, access, snap.AccessToken)
				assert.Equal(t, access, e.durableValue(t, "accessToken"))
			})

			t.Run("H_GoogleNewUserOnboardsReturningUserCompletes", func(t *testing.T) {
				e := newEnv(t, b)
				a := e.launch(t)
				ctx := context.Background()

				claims := devserver.GoogleClaims{Email: "grace@example.com", EmailVerified: true, GivenName: "Grace"}
				claims.Subject = "google-grace"
				idToken, err := e.server.Service.Tokens().SignGoogleIDToken(claims)
				require.NoError(t, err)

				require.NoError(t, a.Machine.SignInWithGoogle(ctx, idToken))
				assert.Equal(t, model.StepPhoneVerification, a.Machine.Step())
				assert.Equal(t, "Grace", a.Machine.Draft().PartialUser.FirstName)
				assert.Equal(t, string(model.ProviderGoogle), e.durableValue(t, "authProvider"))
				assert.Empty(t, e.nav.All())

				userID := a.Session.Snapshot().User.ID
				_, err = e.server.Service.UpdateProfile(ctx, userID, devserver.ProfileInput{EstateID: "estate-9"})
				require.NoError(t, err)

				other := newDevice(t, b, e.server)
				returning := other.launch(t)
				require.NoError(t, returning.Machine.SignInWithGoogle(ctx, idToken))
				assert.Equal(t, []onboarding.Destination{onboarding.DestinationDashboard}, other.nav.All())
				assert.Equal(t, userID, returning.Session.Snapshot().User.ID)
			})

			t.Run("I_ExpiredIdTokenNeverReachesService", func(t *testing.T) {
				e := newEnv(t, b)
				a := e.launch(t)
				claims := devserver.GoogleClaims{Email: "grace@example.com"}
				claims.Subject = "google-grace"
				claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))
				idToken, err := e.server.Service.Tokens().SignGoogleIDToken(claims)
				require.NoError(t, err)

				err = a.Machine.SignInWithGoogle(context.Background(), idToken)
				require.Error(t, err)
				assert.Equal(t, model.KindValidation, model.KindOf(err))
				assert.Equal(t, model.StepWelcome, a.Machine.Step())
				assert.False(t, a.Session.IsAuthenticated())
			})

			t.Run("J_LoginForUnknownAccountIsRejected", func(t *testing.T) {
				e := newEnv(t, b)
				a := e.launch(t)
				ctx := context.Background()
				require.NoError(t, a.Machine.ChooseLogin(ctx))
				err := a.Machine.SubmitEmail(ctx, "nobody@example.com")
				require.Error(t, err)
				assert.Equal(t, model.KindProviderRejected, model.KindOf(err))
				assert.Equal(t, model.StepLogin, a.Machine.Step())
			})
		})
	}
}

func TestGuardWaitsForInitializer(t *testing.T) {
	e := newEnv(t, backends(t)[0])
	a := e.open(t)
	assert.Equal(t, session.GuardLoading, a.Guard.Decide(session.Authenticated))
	assert.Equal(t, session.GuardLoading, a.Guard.Decide(session.Guest))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, a.Start(ctx))
	assert.Equal(t, session.GuardAllow, a.Guard.Decide(session.Guest))
}

func counterValue(t *testing.T, reg *prometheus.Registry, name, label string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, m := range f.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetValue() == label {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}
