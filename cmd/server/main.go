package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	kingpin "github.com/alecthomas/kingpin/v2"
	gorillahandlers "github.com/gorilla/handlers"
	"github.com/prometheus/client_golang/prometheus"
	promversion "github.com/prometheus/common/version"

	"github.com/tphummel/building_energy/internal/config"
	"github.com/tphummel/building_energy/internal/db"
	"github.com/tphummel/building_energy/internal/events"
	"github.com/tphummel/building_energy/internal/handlers"
	"github.com/tphummel/building_energy/internal/metrics"
	"github.com/tphummel/building_energy/internal/middleware"
	"github.com/tphummel/building_energy/internal/notify"
	"github.com/tphummel/building_energy/internal/registry"
	"github.com/tphummel/building_energy/internal/session"
)

// version and commit are injected at build time via -ldflags.
var (
	version = "dev"
	commit  = "none"
)

// options are the command-line overrides of the configuration file.
type options struct {
	configPath string
	port       string
	dbPath     string
	logLevel   string
}

// parseFlags reads the command line, falling back to environment variables
// for anything not given as a flag.
func parseFlags(args []string) (options, error) {
	var o options
	app := kingpin.New("building-energy", "Simulated AC energy dashboard for a multi-floor building.")
	app.Version(promversion.Print("building_energy"))
	app.HelpFlag.Short('h')
	app.Flag("config", "Path to the YAML configuration file.").Envar("CONFIG_PATH").StringVar(&o.configPath)
	app.Flag("port", "HTTP listen port; overrides server.port.").Envar("PORT").StringVar(&o.port)
	app.Flag("db-path", "SQLite audit log path; overrides database.path.").Envar("DB_PATH").StringVar(&o.dbPath)
	app.Flag("log-level", "Log level (debug, info, warn, error); overrides logging.level.").Envar("LOG_LEVEL").StringVar(&o.logLevel)
	if _, err := app.Parse(args); err != nil {
		return options{}, err
	}
	return o, nil
}

// loadConfig reads the configuration file, applies the command-line
// overrides and validates the result.
func loadConfig(o options) (config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return config.Config{}, err
	}
	if o.port != "" {
		cfg.Server.Port = o.port
	}
	if o.dbPath != "" {
		cfg.Database.Path = o.dbPath
	}
	if o.logLevel != "" {
		cfg.Logging.Level = o.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// metricsSource reports audit counts from the database and the number of
// live sessions.
type metricsSource struct {
	*db.DB
	sessions *session.Manager
}

func (s metricsSource) ActiveSessions() int { return s.sessions.Len() }

// recoveryLogger routes recovered handler panics to slog.
type recoveryLogger struct {
	logger *slog.Logger
}

func (l recoveryLogger) Println(v ...interface{}) {
	l.logger.Error("recovered from handler panic", "panic", fmt.Sprint(v...))
}

// newRouter wires every route and the middleware chain. Each session-scoped
// route carries its own session middleware; health, metrics and docs do not.
func newRouter(h *handlers.Handler, sessions *session.Manager, gatherer prometheus.Gatherer, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	// Health check
	mux.Handle("GET /healthz", metrics.Middleware("GET /healthz", http.HandlerFunc(h.Health)))

	// Prometheus metrics
	mux.Handle("GET /metrics", metrics.Handler(gatherer))

	// API docs
	mux.HandleFunc("GET /openapi.yaml", handlers.OpenAPISpec)
	mux.HandleFunc("GET /docs", handlers.Docs)

	// Dashboard and device API, one registry per session. Sessions start
	// only once a route matched so stray paths get a plain 404.
	for _, rt := range h.Routes() {
		mux.Handle(rt.Pattern, metrics.Middleware(rt.Pattern, middleware.Session(sessions, rt.Handler)))
	}

	skip := func(r *http.Request) bool {
		return r.URL.Path == "/healthz" || r.URL.Path == "/metrics"
	}
	var handler http.Handler = middleware.RequestLogger(logger, skip, mux)
	handler = gorillahandlers.CompressHandler(handler)
	handler = gorillahandlers.RecoveryHandler(
		gorillahandlers.RecoveryLogger(recoveryLogger{logger}),
	)(handler)
	return handler
}

// purgeExpired expires idle sessions and drops their audit history.
func purgeExpired(sessions *session.Manager, database *db.DB, logger *slog.Logger) {
	for _, id := range sessions.Sweep() {
		n, err := database.PurgeSession(id)
		if err != nil {
			logger.Error("failed to purge session audit log", "session_id", id, "error", err)
			continue
		}
		logger.Debug("session expired", "session_id", id, "audit_events_purged", n)
	}
}

func sweepSessions(ctx context.Context, interval time.Duration, sessions *session.Manager, database *db.DB, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			purgeExpired(sessions, database, logger)
		}
	}
}

func fatal(msg string, err error) {
	slog.Error(msg, "error", err)
	os.Exit(1)
}

func main() {
	promversion.Version = version
	promversion.Revision = commit

	opts, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	cfg, err := loadConfig(opts)
	if err != nil {
		fatal("failed to load configuration", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(cfg.Logging.Level)}))
	slog.SetDefault(logger)

	database, err := db.New(cfg.Database.Path)
	if err != nil {
		fatal("failed to open database", err)
	}

	publisher, err := notify.New(cfg.Notify)
	if err != nil {
		fatal("failed to start event publisher", err)
	}

	sessions := session.NewManager(
		func() *registry.Registry {
			return registry.Generate(cfg.Building.Floors, cfg.Rates, registry.NewRand(cfg.Generation.Seed))
		},
		cfg.Sessions.IdleTimeout,
		session.WithHubFactory(func() *events.Hub { return events.NewHub(logger) }),
	)

	reg := prometheus.NewRegistry()
	metrics.Register(reg, metricsSource{DB: database, sessions: sessions})

	h := &handlers.Handler{
		DB:           database,
		Notifier:     publisher,
		BuildingName: cfg.Building.Name,
		Building:     cfg.Building.Floors,
		Rates:        cfg.Rates,
		Version:      version,
		Commit:       commit,
		Logger:       logger,
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Server.Port),
		Handler:           newRouter(h, sessions, reg, logger),
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	sweepCtx, stopSweep := context.WithCancel(context.Background())
	go sweepSessions(sweepCtx, cfg.Sessions.SweepInterval, sessions, database, logger)

	go func() {
		logger.Info("listening",
			"addr", srv.Addr,
			"version", version,
			"rooms", cfg.Building.Floors.RoomCount(),
			"notify", cfg.Notify.Backend,
		)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			fatal("server error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server")
	stopSweep()
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
	if err := publisher.Close(); err != nil {
		logger.Warn("event publisher close error", "error", err)
	}
	if err := database.Close(); err != nil {
		logger.Warn("database close error", "error", err)
	}
	logger.Info("server stopped")
}
