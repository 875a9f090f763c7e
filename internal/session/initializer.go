package session

import (
	"context"
	"errors"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/signalix/sessionkit/internal/logger"
	"github.com/signalix/sessionkit/internal/metrics"
	"github.com/signalix/sessionkit/internal/model"
)

// Init outcomes
const (
	InitAnonymous = "anonymous"
	InitRestored  = "restored"
	InitCleared   = "cleared"
	InitOffline   = "offline"
)

// Initializer reconciles a rehydrated session with the server once per process
type Initializer struct {
	store   *Store
	log     *zap.Logger
	metrics *metrics.Recorder

	started atomic.Bool
	done    chan struct{}
	outcome atomic.Value
}

func NewInitializer(store *Store, log *zap.Logger, rec *metrics.Recorder) *Initializer {
	return &Initializer{
		store:   store,
		log:     logger.OrNop(log),
		metrics: rec,
		done:    make(chan struct{}),
	}
}

// Run performs the boot reconciliation. Only the first call does work; later
// or concurrent calls return immediately. The store is marked initialized
// exactly once when Run finishes, however it finishes.
func (i *Initializer) Run(ctx context.Context) {
	if !i.started.CompareAndSwap(false, true) {
		return
	}
	defer close(i.done)
	defer i.store.markInitialized()

	outcome := i.reconcile(ctx)
	i.outcome.Store(outcome)
	i.metrics.Init(outcome)
}

func (i *Initializer) reconcile(ctx context.Context) string {
	snap := i.store.Snapshot()
	if snap.AccessToken == "" {
		i.log.Debug("no stored session")
		return InitAnonymous
	}

	err := i.store.RefreshUser(ctx)
	switch {
	case err == nil:
		i.log.Info("session restored", zap.String("provider", string(snap.AuthProvider)))
		return InitRestored
	case errors.Is(err, ErrSessionExpired):
		i.log.Info("stored session rejected; signing out", zap.String("kind", string(model.KindOf(err))))
		if cerr := i.store.ClearAuth(ctx); cerr != nil {
			i.log.Error("failed to clear rejected session", zap.Error(cerr))
		}
		i.metrics.Clear("rejected")
		return InitCleared
	default:
		i.log.Warn("could not validate stored session; keeping it", zap.String("kind", string(model.KindOf(err))))
		return InitOffline
	}
}

// Done is closed once Run has finished
func (i *Initializer) Done() <-chan struct{} {
	return i.done
}

// Wait blocks until Run has finished or ctx is done
func (i *Initializer) Wait(ctx context.Context) error {
	select {
	case <-i.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Outcome reports how Run finished, or "" while it has not
func (i *Initializer) Outcome() string {
	v, _ := i.outcome.Load().(string)
	return v
}
