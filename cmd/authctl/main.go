// Command authctl drives the sign-in and registration flow from a terminal.
// The session survives between invocations in the configured durable store.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/signalix/sessionkit/internal/app"
	"github.com/signalix/sessionkit/internal/config"
	"github.com/signalix/sessionkit/internal/logger"
	"github.com/signalix/sessionkit/internal/metrics"
	"github.com/signalix/sessionkit/internal/model"
	"github.com/signalix/sessionkit/internal/onboarding"
	"github.com/signalix/sessionkit/internal/session"
)

const usage = `usage: authctl <command> [flags]

commands:
  status                          show the stored session
  login -email ADDR               sign in with an emailed code
  login -phone NUMBER [-channel]  sign in with a code over sms or whatsapp
  register                        create an account
  google -id-token TOKEN          sign in with a federated identity token
  logout                          sign out and forget the session
`

func main() {
	_ = godotenv.Load(".env")

	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	zl, err := logger.New(cfg.Env)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer zl.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, zl, os.Args[1], os.Args[2:]); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, zl *zap.Logger, command string, args []string) error {
	reg := prometheus.NewRegistry()
	rec, err := metrics.New(reg)
	if err != nil {
		return err
	}
	if cfg.MetricsAddr != "" {
		srv := serveMetrics(cfg.MetricsAddr, reg, zl)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	stores, err := app.OpenStores(ctx, cfg, zl)
	if err != nil {
		return err
	}
	defer stores.Close()

	nav := &navigator{}
	a, err := app.New(ctx, app.Options{
		Config:    cfg,
		Durable:   stores.Durable,
		Ephemeral: stores.Ephemeral,
		Navigator: nav,
		Logger:    zl,
		Metrics:   rec,
	})
	if err != nil {
		return err
	}

	bootCtx, cancel := context.WithTimeout(ctx, cfg.HTTPTimeout+5*time.Second)
	defer cancel()
	if err := a.Start(bootCtx); err != nil {
		return fmt.Errorf("session initialization: %w", err)
	}

	t := newTerminal(os.Stdin, os.Stdout)
	switch command {
	case "status":
		return status(a, t)
	case "login":
		return login(ctx, a, t, nav, args)
	case "register":
		return register(ctx, a, t, nav)
	case "google":
		return google(ctx, a, t, nav, args)
	case "logout":
		if err := a.Session.Logout(ctx); err != nil {
			return err
		}
		t.say("signed out")
		return nil
	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command %q", command)
	}
}

func login(ctx context.Context, a *app.App, t *terminal, nav *navigator, args []string) error {
	fs := flag.NewFlagSet("login", flag.ContinueOnError)
	email := fs.String("email", "", "email address")
	phone := fs.String("phone", "", "phone number")
	channel := fs.String("channel", "sms", "phone code channel: sms or whatsapp")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if (*email == "") == (*phone == "") {
		return errors.New("exactly one of -email or -phone is required")
	}
	if a.Session.IsAuthenticated() {
		t.say("already signed in; run logout first")
		return nil
	}

	if err := restart(ctx, a); err != nil {
		return err
	}
	m := a.Machine
	if err := m.ChooseLogin(ctx); err != nil {
		return err
	}
	if *email != "" {
		if err := m.SubmitEmail(ctx, *email); err != nil {
			return err
		}
	} else {
		if err := m.UsePhone(ctx); err != nil {
			return err
		}
		if err := m.SubmitPhone(ctx, *phone, parseChannel(*channel)); err != nil {
			return err
		}
	}
	return drive(ctx, a, t, nav)
}

func register(ctx context.Context, a *app.App, t *terminal, nav *navigator) error {
	if a.Session.IsAuthenticated() && a.Machine.Step() == model.StepWelcome {
		t.say("already signed in; run logout first")
		return nil
	}
	if a.Machine.Step() != model.StepWelcome {
		t.say("resuming at " + string(a.Machine.Step()))
	} else if err := a.Machine.ChooseRegistration(ctx); err != nil {
		return err
	}
	return drive(ctx, a, t, nav)
}

func google(ctx context.Context, a *app.App, t *terminal, nav *navigator, args []string) error {
	fs := flag.NewFlagSet("google", flag.ContinueOnError)
	idToken := fs.String("id-token", "", "identity token issued by the provider")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *idToken == "" {
		return errors.New("-id-token is required")
	}
	if err := restart(ctx, a); err != nil {
		return err
	}
	if err := a.Machine.SignInWithGoogle(ctx, *idToken); err != nil {
		return err
	}
	return drive(ctx, a, t, nav)
}

// restart drops any stale draft so a command starts from the entry point
func restart(ctx context.Context, a *app.App) error {
	if a.Machine.Step() == model.StepWelcome {
		return nil
	}
	return a.Draft.Reset(ctx)
}

func status(a *app.App, t *terminal) error {
	snap := a.Session.Snapshot()
	t.say("initializer: " + a.Initializer.Outcome())
	t.say("dashboard: " + a.Guard.Decide(session.Authenticated).String())
	if !snap.IsAuthenticated() {
		t.say("signed out")
		if step := a.Machine.Step(); step != model.StepWelcome {
			t.say("registration in progress at " + string(step))
		}
		return nil
	}
	t.say("signed in via " + string(snap.AuthProvider))
	if snap.AccessExpiresAt != nil {
		t.say("access token expires " + snap.AccessExpiresAt.Format(time.RFC3339))
	}
	if u := snap.User; u != nil {
		t.say(fmt.Sprintf("user %s (%s %s) email=%q phone=%q estate=%q", u.ID, u.FirstName, u.LastName, u.Email, u.Phone, u.EstateID))
	} else {
		t.say("user details unavailable (offline)")
	}
	return nil
}

type navigator struct {
	arrived onboarding.Destination
}

func (n *navigator) Navigate(_ context.Context, to onboarding.Destination) error {
	n.arrived = to
	return nil
}

func serveMetrics(addr string, reg *prometheus.Registry, zl *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zl.Warn("metrics server stopped", zap.Error(err))
		}
	}()
	return srv
}
