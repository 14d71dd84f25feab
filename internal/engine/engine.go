package engine

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"revline/internal/collision"
	"revline/internal/config"
	"revline/internal/db"
	"revline/internal/domain"
	"revline/internal/engine/auth"
	"revline/internal/events"
	"revline/internal/repo"
	"revline/internal/routing"
	"revline/internal/rules"
	"revline/internal/rules/source"
	"revline/internal/scoring"
	"revline/internal/taskgen"
	"revline/internal/telemetry"
	"revline/internal/workqueue"
)

// Engine is the entry point for every revline operation. It is a value type;
// copies share the database handle and rule provider.
type Engine struct {
	DB      *sql.DB
	Dialect db.Dialect
	Repo    repo.Repo
	Events  events.Writer
	Config  *config.Config
	Rules   rules.Provider
	Auth    auth.Service
	Logger  *slog.Logger
	Tracer  trace.Tracer
	Metrics *telemetry.Metrics
	Now     func() time.Time
}

// New wires an engine over an open, migrated database. A nil provider serves
// the latest imported rule set with the built-in set as fallback.
func New(conn *sql.DB, dialect db.Dialect, cfg *config.Config, provider rules.Provider) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	r := repo.Repo{DB: conn, Dialect: dialect}
	if provider == nil {
		provider = &rules.Loader{
			Source: source.DB{Repo: r, Name: cfg.Rules.Name, Fallback: source.Builtin{}},
			MaxAge: cfg.Rules.MaxAge,
		}
	}
	return Engine{
		DB:      conn,
		Dialect: dialect,
		Repo:    r,
		Events:  events.Writer{DB: conn, Dialect: dialect},
		Config:  cfg,
		Rules:   provider,
		Auth:    auth.Service{Repo: r},
		Logger:  slog.Default(),
		Now:     time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e Engine) logger() *slog.Logger {
	if e.Logger == nil {
		return slog.Default()
	}
	return e.Logger
}

func (e Engine) events() events.Writer {
	w := e.Events
	w.Now = e.now
	return w
}

// ValidationError rejects a request before any evaluation takes place.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// Actor identifies the caller of an operation.
type Actor struct {
	UserID string
	// Roles are the roles asserted by the caller's credentials.
	Roles []string
}

func (e Engine) scorer() scoring.Runner {
	return scoring.Runner{
		Store:        e.Repo,
		Parallelism:  e.Config.Scoring.Parallelism,
		BatchTimeout: e.Config.Scoring.BatchTimeout,
		Now:          e.now,
		Logger:       e.logger().With("component", "scoring"),
		Tracer:       e.Tracer,
		Metrics:      e.Metrics,
	}
}

func (e Engine) router() routing.Router {
	return routing.Router{
		Detector: collision.Detector{
			Store:   e.Repo,
			Now:     e.now,
			Logger:  e.logger().With("component", "collision"),
			Tracer:  e.Tracer,
			Metrics: e.Metrics,
		},
		Tracer:  e.Tracer,
		Metrics: e.Metrics,
	}
}

func (e Engine) generator() taskgen.Generator {
	offsets := taskgen.DefaultDueOffsets()
	for p, d := range e.Config.Tasks.DueOffsets {
		offsets[domain.Priority(p)] = d
	}
	return taskgen.Generator{Repo: e.Repo, Events: e.events(), Offsets: offsets, Now: e.now}
}

func (e Engine) queue() workqueue.Queue {
	return workqueue.Queue{Repo: e.Repo, Events: e.events(), Now: e.now, Metrics: e.Metrics}
}

// roles resolves the caller's effective roles.
func (e Engine) roles(ctx context.Context, a Actor) ([]string, error) {
	return e.Auth.Roles(ctx, a.UserID, a.Roles)
}

func required(field, v string) error {
	if strings.TrimSpace(v) == "" {
		return invalid(field, "is required")
	}
	return nil
}
