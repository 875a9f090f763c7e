package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/signalix/sessionkit/internal/config"
	"github.com/signalix/sessionkit/internal/logger"
	"github.com/signalix/sessionkit/internal/storage"
)

// Stores holds the opened backends and whatever must be closed with them
type Stores struct {
	Durable   storage.KV
	Ephemeral storage.KV

	db    *sql.DB
	redis *redis.Client
}

// Close releases the database and Redis connections, if any
func (s *Stores) Close() error {
	var errs []error
	if s.db != nil {
		errs = append(errs, s.db.Close())
	}
	if s.redis != nil {
		errs = append(errs, s.redis.Close())
	}
	return errors.Join(errs...)
}

// OpenStores opens the durable and ephemeral backends named by cfg
func OpenStores(ctx context.Context, cfg *config.Config, log *zap.Logger) (*Stores, error) {
	log = logger.OrNop(log)
	s := &Stores{}

	switch cfg.SessionBackend {
	case config.BackendPostgres:
		db, err := storage.OpenPostgres(ctx, cfg.DatabaseURL, log)
		if err != nil {
			return nil, err
		}
		if err := storage.Migrate(db); err != nil {
			_ = db.Close()
			return nil, err
		}
		s.db = db
		s.Durable = storage.NewPostgresKV(db)
	case config.BackendFile:
		kv, err := storage.NewFileKV(cfg.SessionFile)
		if err != nil {
			return nil, err
		}
		s.Durable = kv
	default:
		return nil, fmt.Errorf("unknown session backend %q", cfg.SessionBackend)
	}

	switch cfg.DraftBackend {
	case config.BackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			_ = client.Close()
			_ = s.Close()
			return nil, fmt.Errorf("failed to ping redis: %w", err)
		}
		s.redis = client
		s.Ephemeral = storage.NewRedisKV(client, cfg.DraftTTL)
	case config.BackendMemory:
		s.Ephemeral = storage.NewMemoryKV()
	default:
		_ = s.Close()
		return nil, fmt.Errorf("unknown draft backend %q", cfg.DraftBackend)
	}

	log.Debug("storage opened",
		zap.String("session_backend", cfg.SessionBackend),
		zap.String("draft_backend", cfg.DraftBackend))
	return s, nil
}
