package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"revline/internal/config"
	"revline/internal/db"
	"revline/internal/engine"
	"revline/internal/migrate"
	"revline/internal/repo"
	"revline/internal/rules"
	"revline/internal/rules/source"
	"revline/internal/telemetry"
)

// App bundles the resources a CLI command or the server needs.
type App struct {
	Workspace string
	Config    *config.Config
	DB        *sql.DB
	Dialect   db.Dialect
	Engine    engine.Engine
	Telemetry *telemetry.Provider
	Logger    *slog.Logger
}

// NewLogger builds the process logger from the log section.
func NewLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// Open connects to the database, applies migrations and wires the engine.
// Telemetry is started only when withTelemetry is set.
func Open(ctx context.Context, workspace string, cfg *config.Config, logger *slog.Logger, withTelemetry bool) (*App, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}
	dbCfg := db.Config{Driver: cfg.Database.Driver, DSN: cfg.Database.DSN, Workspace: workspace}
	dialect := dbCfg.Dialect()
	conn, err := db.Open(dbCfg)
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn, dialect); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	a := &App{Workspace: workspace, Config: cfg, DB: conn, Dialect: dialect, Logger: logger}
	if withTelemetry {
		a.Telemetry, err = telemetry.New(ctx, telemetry.Config{
			Enabled:      cfg.Telemetry.Enabled,
			ServiceName:  cfg.Telemetry.ServiceName,
			Environment:  cfg.Telemetry.Environment,
			OTLPEndpoint: cfg.Telemetry.Endpoint,
			Insecure:     cfg.Telemetry.Insecure,
			SampleRate:   cfg.Telemetry.SampleRate,
		}, logger)
		if err != nil {
			conn.Close()
			return nil, err
		}
	}

	r := repo.Repo{DB: conn, Dialect: dialect}
	src, err := RuleSource(ctx, cfg.Rules, r)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}
	loader := &rules.Loader{Source: src, MaxAge: cfg.Rules.MaxAge, Logger: logger.With("component", "rules")}

	eng := engine.New(conn, dialect, cfg, loader)
	eng.Logger = logger
	if withTelemetry {
		eng.Tracer = telemetry.Tracer()
		if eng.Metrics, err = telemetry.NewMetrics(nil); err != nil {
			a.Close(ctx)
			return nil, fmt.Errorf("metrics: %w", err)
		}
	}
	a.Engine = eng
	return a, nil
}

// RuleSource builds the configured rule document source.
func RuleSource(ctx context.Context, cfg config.RulesConfig, r repo.Repo) (rules.Source, error) {
	switch cfg.Source {
	case config.SourceBuiltin:
		return source.Builtin{}, nil
	case config.SourceFile:
		return source.File{Path: cfg.Path}, nil
	case config.SourceDB, "":
		return source.DB{Repo: r, Name: cfg.Name, Fallback: source.Builtin{}}, nil
	case config.SourceRedis:
		rc := cfg.Redis
		return source.NewRedis(rc.Addr, rc.Password, rc.DB, rc.Key, rc.Format), nil
	case config.SourceS3:
		s3, err := source.NewS3(ctx, source.S3Config{
			Bucket:   cfg.S3.Bucket,
			Key:      cfg.S3.Key,
			Region:   cfg.S3.Region,
			Endpoint: cfg.S3.Endpoint,
		})
		if err != nil {
			return nil, err
		}
		return s3, nil
	case config.SourceGCS:
		return source.NewGCS(ctx, cfg.GCS.Bucket, cfg.GCS.Object)
	}
	return nil, fmt.Errorf("unsupported rules source %q", cfg.Source)
}

// Close releases the database and flushes telemetry.
func (a *App) Close(ctx context.Context) error {
	if a.Telemetry != nil {
		_ = a.Telemetry.Shutdown(ctx)
	}
	if a.DB != nil {
		return a.DB.Close()
	}
	return nil
}
