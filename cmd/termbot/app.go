package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/ehr/termbot/internal/config"
	"github.com/ehr/termbot/internal/domain/codesystem"
	"github.com/ehr/termbot/internal/domain/lookup"
	"github.com/ehr/termbot/internal/domain/router"
	"github.com/ehr/termbot/internal/domain/token"
	"github.com/ehr/termbot/internal/platform/db"
	"github.com/ehr/termbot/internal/platform/httpclient"
)

// app holds the wired components shared by all commands.
type app struct {
	cfg    *config.Config
	logger zerolog.Logger
	pool   *pgxpool.Pool
	redis  *redis.Client
	store  *codesystem.MemoryStore
	tokens *token.Manager
	lookup *lookup.Service
	router *router.Router
}

// newLogger writes JSON to w, or human-readable output in development.
func newLogger(cfg *config.Config, w io.Writer) zerolog.Logger {
	if cfg.IsDev() {
		w = zerolog.ConsoleWriter{Out: w}
	}
	logger := zerolog.New(w).With().Timestamp().Logger()

	level, err := zerolog.ParseLevel(cfg.Server.LogLevel)
	if err != nil || cfg.Server.LogLevel == "" {
		level = zerolog.InfoLevel
	}
	return logger.Level(level)
}

func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	// Tokens go to Postgres when configured, back into the INI file when
	// PersistTokens = file, and otherwise live only in memory.
	var repo codesystem.TokenRepository
	switch {
	case cfg.UsesDatabase():
		pool, err := db.NewPool(ctx, cfg.Database.URL, cfg.Database.MaxConns, cfg.Database.MinConns)
		if err != nil {
			return nil, err
		}
		a.pool = pool
		repo = codesystem.NewTokenRepoPG(pool)
		logger.Info().Msg("connected to database")
	case cfg.WritesTokensToFile():
		repo = config.NewFileTokenRepository(cfg.Path)
		logger.Info().Str("path", cfg.Path).Msg("writing refreshed tokens back to config file")
	}

	store, err := codesystem.NewMemoryStore(cfg.CodeSystems, repo)
	if err != nil {
		a.close()
		return nil, err
	}
	a.store = store
	if cfg.UsesDatabase() {
		n, err := store.Hydrate(ctx)
		if err != nil {
			a.close()
			return nil, fmt.Errorf("load persisted tokens: %w", err)
		}
		logger.Info().Int("tokens", n).Msg("loaded persisted tokens")
	}

	client := httpclient.New(httpclient.Options{
		Timeout:  cfg.HTTP.Timeout,
		RetryMax: cfg.HTTP.RetryMax,
		Logger:   logger,
	})
	a.tokens = token.NewManager(store, token.NewClientCredentials(client.StandardClient()), logger)
	fetcher := lookup.NewFetcher(store, a.tokens, client, cfg.HTTP.UserAgent, logger)

	var cache lookup.Cache
	switch {
	case cfg.Cache.RedisURL != "":
		rc, rdb, err := lookup.NewRedisCache(ctx, cfg.Cache.RedisURL, cfg.Cache.Prefix, cfg.Cache.TTL)
		if err != nil {
			a.close()
			return nil, err
		}
		a.redis = rdb
		cache = rc
		logger.Info().Msg("caching terms in redis")
	case cfg.Cache.TTL > 0:
		cache = lookup.NewMemoryCache(cfg.Cache.TTL)
	}

	a.lookup = lookup.NewService(store, fetcher, cache, logger)
	a.router = router.New(ctx, router.DefaultRules(), store, a.lookup, logger)
	return a, nil
}

func (a *app) close() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("close redis")
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
}

// loadConfig reads the config and builds the logger for it. Errors are
// reported on stderr since no logger exists yet.
func loadConfig(path string) (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, zerolog.New(os.Stderr).With().Timestamp().Logger(), err
	}
	return cfg, newLogger(cfg, os.Stdout), nil
}
