// Package app wires the identity client, the durable session and the
// onboarding flow into one client-side stack.
package app

import (
	"context"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/signalix/sessionkit/internal/auth"
	"github.com/signalix/sessionkit/internal/config"
	"github.com/signalix/sessionkit/internal/identity"
	"github.com/signalix/sessionkit/internal/logger"
	"github.com/signalix/sessionkit/internal/metrics"
	"github.com/signalix/sessionkit/internal/onboarding"
	"github.com/signalix/sessionkit/internal/session"
	"github.com/signalix/sessionkit/internal/storage"
)

// Options configures New. Durable and Ephemeral may share one KV; each
// component scopes itself to its own key family.
type Options struct {
	Config     *config.Config
	HTTPClient *http.Client
	Durable    storage.KV
	Ephemeral  storage.KV
	Navigator  onboarding.Navigator
	Policy     onboarding.FederatedPolicy
	Logger     *zap.Logger
	Metrics    *metrics.Recorder
}

// App is one process worth of client state
type App struct {
	Client      *identity.Client
	Email       *auth.EmailAdapter
	Phone       *auth.PhoneAdapter
	Federated   *auth.FederatedAdapter
	Session     *session.Store
	Initializer *session.Initializer
	Guard       *session.Guard
	Draft       *onboarding.Draft
	Machine     *onboarding.Machine
}

// New rehydrates the session and the draft and wires the flow around them.
// The Initializer is not started; call Start.
func New(ctx context.Context, opts Options) (*App, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("app requires a config")
	}
	if opts.Durable == nil || opts.Ephemeral == nil {
		return nil, fmt.Errorf("app requires durable and ephemeral storage")
	}
	log := logger.OrNop(opts.Logger)
	cfg := opts.Config

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.HTTPTimeout}
	}
	client := identity.NewClient(cfg.APIBaseURL, httpClient, log)
	email := auth.NewEmailAdapter(client, log)
	phone := auth.NewPhoneAdapter(client, cfg.CountryCode, log)
	federated := auth.NewFederatedAdapter(client, log)

	store, err := session.NewStore(ctx, session.Deps{
		Storage:   opts.Durable,
		Backend:   client,
		Email:     email,
		Phone:     phone,
		Federated: federated,
		Logger:    log,
		Metrics:   opts.Metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}

	draft, err := onboarding.NewDraft(ctx, opts.Ephemeral, log)
	if err != nil {
		return nil, fmt.Errorf("open onboarding draft: %w", err)
	}

	machine, err := onboarding.NewMachine(onboarding.Config{
		Draft:          draft,
		Session:        store,
		Email:          email,
		Phone:          phone,
		Federated:      federated,
		Profiles:       client,
		Navigator:      opts.Navigator,
		Policy:         opts.Policy,
		ResendCooldown: cfg.OTPResendCooldown,
		Logger:         log,
		Metrics:        opts.Metrics,
	})
	if err != nil {
		return nil, err
	}

	return &App{
		Client:      client,
		Email:       email,
		Phone:       phone,
		Federated:   federated,
		Session:     store,
		Initializer: session.NewInitializer(store, log, opts.Metrics),
		Guard:       session.NewGuard(store),
		Draft:       draft,
		Machine:     machine,
	}, nil
}

// Start reconciles the persisted session with the service and waits for it
func (a *App) Start(ctx context.Context) error {
	go a.Initializer.Run(ctx)
	return a.Initializer.Wait(ctx)
}
