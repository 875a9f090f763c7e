package devserver

import (
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/signalix/sessionkit/internal/logger"
)

// NewRouter creates a new HTTP router with all routes configured
func NewRouter(h *Handler, tokens *TokenIssuer, reg *prometheus.Registry, log *zap.Logger) (*chi.Mux, error) {
	log = logger.OrNop(log)
	httpMetrics, err := NewHTTPMetrics(reg)
	if err != nil {
		return nil, err
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(RequestLogger(log))
	r.Use(chimw.Recoverer)
	r.Use(httpMetrics.Middleware)

	r.Get("/health", HandleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	// 10 code requests and 20 verifications per 10 minutes per address
	requestLimiter := NewRateLimiter(10*time.Minute, 10)
	verifyLimiter := NewRateLimiter(10*time.Minute, 20)

	r.Route("/otp", func(r chi.Router) {
		r.With(RateLimit(requestLimiter, IPKey)).Post("/email", h.HandleRequestEmailOTP)
		r.With(RateLimit(verifyLimiter, IPKey)).Post("/email/verify", h.HandleVerifyEmailOTP)
		r.With(RateLimit(requestLimiter, IPKey)).Post("/phone", h.HandleRequestPhoneOTP)
		r.With(RateLimit(verifyLimiter, IPKey)).Post("/phone/verify", h.HandleVerifyPhoneOTP)
	})

	r.Post("/auth/google", h.HandleGoogleSignIn)
	r.Post("/auth/refresh", h.HandleRefresh)

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(RequireAuth(tokens))
		r.Get("/users/me", h.HandleMe)
		r.Patch("/users/me", h.HandleUpdateProfile)
		r.Post("/auth/logout", h.HandleLogout)
	})

	return r, nil
}

// New wires a complete in-memory identity service
func New(cfg Config, reg *prometheus.Registry, log *zap.Logger) (*chi.Mux, *Service, error) {
	svc := NewService(cfg, NewStore(), log)
	router, err := NewRouter(NewHandler(svc, log), svc.Tokens(), reg, log)
	if err != nil {
		return nil, nil, err
	}
	return router, svc, nil
}
