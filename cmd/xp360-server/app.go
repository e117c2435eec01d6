package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"

	"xp360/adapters/jsonfile"
	mem "xp360/adapters/memory"
	redisAdapter "xp360/adapters/redis"
	sqlxAdapter "xp360/adapters/sqlx"
	"xp360/analytics"
	"xp360/api/httpapi"
	"xp360/catalog"
	"xp360/config"
	"xp360/core"
	"xp360/engine"
	"xp360/gamify"
	"xp360/integrations/webhook"
	"xp360/leaderboard"
	"xp360/realtime"
)

// App aggregates the assembled server components.
type App struct {
	Config  *config.Config
	Logger  *slog.Logger
	Hub     *realtime.Hub
	Service *engine.Service
	Handler http.Handler
	Server  *http.Server
}

// provideConfig reads XP360_CONFIG_FILE when set, otherwise the XP360_PROFILE
// preset, otherwise defaults; environment variables override all three.
func provideConfig(ctx context.Context) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	switch {
	case os.Getenv("XP360_CONFIG_FILE") != "":
		cfg, err = config.LoadFromFile(os.Getenv("XP360_CONFIG_FILE"))
	case os.Getenv("XP360_PROFILE") != "":
		cfg, err = config.LoadProfile(os.Getenv("XP360_PROFILE"))
	default:
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}
	if cfg.Environment == config.EnvProduction {
		if err := cfg.LoadSecretsFromEnv(ctx); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func provideLogger(cfg *config.Config) *slog.Logger {
	return setupLogging(cfg)
}

func provideHub() *realtime.Hub {
	return realtime.NewHub()
}

func provideStorage(ctx context.Context, cfg *config.Config, logger *slog.Logger) (engine.Storage, func(), error) {
	return setupStorage(ctx, cfg, logger)
}

func provideCatalog(cfg *config.Config, logger *slog.Logger) (engine.Catalog, error) {
	snap, err := catalog.LoadOrDefault(cfg.Progression.CatalogPath)
	if err != nil {
		return nil, fmt.Errorf("load badge catalog: %w", err)
	}
	logger.Info("badge catalog loaded", "badges", snap.Len(), "path", cfg.Progression.CatalogPath)
	return snap, nil
}

// provideBoard builds the ranking and seeds it from stored progress so
// rankings survive restarts.
func provideBoard(ctx context.Context, storage engine.Storage) (leaderboard.Board, error) {
	board := leaderboard.NewSkipList()
	all, err := storage.ListProgress(ctx)
	if err != nil {
		return nil, fmt.Errorf("seed ranking: %w", err)
	}
	leaderboard.Seed(board, all)
	return board, nil
}

func provideMetrics(cfg *config.Config) *analytics.Metrics {
	if !cfg.Analytics.Enabled {
		return nil
	}
	return analytics.NewMetrics()
}

func provideWebhook(cfg *config.Config, logger *slog.Logger) *webhook.Sink {
	n := cfg.Notifications
	if len(n.Webhooks) == 0 {
		return nil
	}
	types := make([]core.EventType, len(n.Events))
	for i, e := range n.Events {
		types[i] = core.EventType(e)
	}
	return webhook.New(n.Webhooks,
		webhook.WithClient(&http.Client{Timeout: n.Timeout}),
		webhook.WithTypes(types...),
		webhook.WithLogger(logger.With("component", "webhook")),
	)
}

func provideService(
	cfg *config.Config,
	logger *slog.Logger,
	hub *realtime.Hub,
	storage engine.Storage,
	cat engine.Catalog,
	board leaderboard.Board,
	metrics *analytics.Metrics,
	sink *webhook.Sink,
) (*engine.Service, func(), error) {
	curve, err := core.CurveByName(cfg.Progression.Curve, cfg.Progression.XPStep)
	if err != nil {
		return nil, nil, err
	}
	loc, err := cfg.Progression.Location()
	if err != nil {
		return nil, nil, err
	}
	mode := engine.DispatchAsync
	if cfg.Progression.Dispatch == "sync" {
		mode = engine.DispatchSync
	}

	opts := []gamify.Option{
		gamify.WithStorage(storage),
		gamify.WithCatalog(cat),
		gamify.WithRealtime(hub),
		gamify.WithLeaderboard(board),
		gamify.WithDispatchMode(mode),
		gamify.WithServiceOptions(
			engine.WithCurve(curve),
			engine.WithLocation(loc),
			engine.WithLogger(logger),
		),
	}
	if metrics != nil {
		opts = append(opts, gamify.WithEventHandler(metrics.OnEvent))
	}
	if sink != nil {
		opts = append(opts, gamify.WithEventHandler(sink.OnEvent))
	}
	svc := gamify.New(opts...)
	return svc, svc.Close, nil
}

func provideHandler(svc *engine.Service, hub *realtime.Hub, board leaderboard.Board, metrics *analytics.Metrics, cfg *config.Config, logger *slog.Logger) http.Handler {
	return httpapi.NewMux(svc, hub, httpapi.Options{
		PathPrefix:       cfg.Server.PathPrefix,
		CORSOrigins:      cfg.Server.CORSOrigins,
		APIKeys:          cfg.Security.APIKeys,
		RateLimitEnabled: cfg.Security.EnableRateLimit,
		RateLimitRPM:     cfg.Security.RateLimit.RequestsPerMinute,
		RateLimitBurst:   cfg.Security.RateLimit.BurstSize,
		RateLimitCleanup: cfg.Security.RateLimit.CleanupInterval,
		Board:            board,
		Metrics:          metrics,
		Logger:           logger,
	})
}

func provideServer(cfg *config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           handler,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}
}

// setupLogging configures the logger based on configuration.
func setupLogging(cfg *config.Config) *slog.Logger {
	var out io.Writer = os.Stdout
	if cfg.Logging.Output == "stderr" {
		out = os.Stderr
	}

	opts := &slog.HandlerOptions{
		Level: parseLogLevel(cfg.Logging.Level),
	}

	var handler slog.Handler
	switch cfg.Logging.Format {
	case "text":
		handler = slog.NewTextHandler(out, opts)
	default:
		handler = slog.NewJSONHandler(out, opts)
	}

	if len(cfg.Logging.Attributes) > 0 {
		handler = handler.WithAttrs(convertAttributes(cfg.Logging.Attributes))
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// parseLogLevel converts string log level to slog.Level.
func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// convertAttributes converts map[string]string to []slog.Attr.
func convertAttributes(attrs map[string]string) []slog.Attr {
	result := make([]slog.Attr, 0, len(attrs))
	for k, v := range attrs {
		result = append(result, slog.String(k, v))
	}
	return result
}

// setupStorage creates the appropriate storage adapter based on configuration.
// The returned cleanup closes connections held by the adapter.
func setupStorage(ctx context.Context, cfg *config.Config, logger *slog.Logger) (engine.Storage, func(), error) {
	noop := func() {}
	switch cfg.Storage.Adapter {
	case "memory":
		return mem.New(), noop, nil
	case "file":
		store, err := jsonfile.New(cfg.Storage.File.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("open file storage: %w", err)
		}
		return store, noop, nil
	case "redis":
		store, err := redisAdapter.New(cfg.Storage.Redis)
		if err != nil {
			return nil, nil, err
		}
		return store, closer(store, logger), nil
	case "sql":
		store, err := sqlxAdapter.New(cfg.Storage.SQL)
		if err != nil {
			return nil, nil, err
		}
		if cfg.Storage.Migrate {
			if err := store.Migrate(ctx); err != nil {
				_ = store.Close()
				return nil, nil, err
			}
			logger.Info("sql schema applied", "driver", cfg.Storage.SQL.Driver)
		}
		return store, closer(store, logger), nil
	default:
		return nil, nil, fmt.Errorf("unknown storage adapter: %s", cfg.Storage.Adapter)
	}
}

func closer(c io.Closer, logger *slog.Logger) func() {
	return func() {
		if err := c.Close(); err != nil {
			logger.Error("close storage", "error", err)
		}
	}
}
