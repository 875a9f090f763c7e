package tests

import (
	"context"
	"database/sql"
	"fmt"
	"net/http/httptest"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/signalix/sessionkit/internal/config"
	"github.com/signalix/sessionkit/internal/devserver"
	"github.com/signalix/sessionkit/internal/onboarding"
)

// IdentityServer is a development identity service on a loopback listener
type IdentityServer struct {
	*httptest.Server
	Service  *devserver.Service
	Registry *prometheus.Registry
}

// StartIdentityServer configures the service from the environment (see config.LoadServer)
// and serves it on an httptest listener. Callers must Close it.
func StartIdentityServer(log *zap.Logger) (*IdentityServer, error) {
	cfg, err := config.LoadServer()
	if err != nil {
		return nil, fmt.Errorf("load server config: %w", err)
	}
	reg := prometheus.NewRegistry()
	router, svc, err := devserver.New(devserver.ConfigFrom(cfg), reg, log)
	if err != nil {
		return nil, err
	}
	return &IdentityServer{Server: httptest.NewServer(router), Service: svc, Registry: reg}, nil
}

// TruncateSessions empties the durable session table for a clean test state
func TruncateSessions(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, "TRUNCATE TABLE session_kv"); err != nil {
		return fmt.Errorf("truncate session_kv: %w", err)
	}
	return nil
}

// Navigations records where the onboarding flow sent the user
type Navigations struct {
	mu  sync.Mutex
	log []onboarding.Destination
}

func (n *Navigations) Navigate(_ context.Context, to onboarding.Destination) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.log = append(n.log, to)
	return nil
}

// All returns the destinations in order
func (n *Navigations) All() []onboarding.Destination {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]onboarding.Destination(nil), n.log...)
}

// Last returns the latest destination, or "" if none
func (n *Navigations) Last() onboarding.Destination {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.log) == 0 {
		return ""
	}
	return n.log[len(n.log)-1]
}
