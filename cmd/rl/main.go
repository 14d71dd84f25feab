package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"revline/internal/app"
	"revline/internal/config"
	"revline/internal/db"
	"revline/internal/domain"
	"revline/internal/engine"
	"revline/internal/engine/auth"
	"revline/internal/migrate"
	"revline/internal/repo"
	"revline/internal/rules"
	"revline/internal/server"
	"revline/internal/workqueue"
)

var rootCmd = &cobra.Command{
	Use:   "rl",
	Short: "Revline CLI",
	Long: `Revline routes revenue opportunities to the team that should own them.
- Scoring: nightly signals per constituent (renewal risk, ask readiness, propensities, capacity).
- Collisions: recent activity by another team blocks a new opportunity unless overridden.
- Routing: the first matching rule picks the owner role and the follow-up task priority.
- Work queue: tasks wait in a role queue until a user claims them.
- Event log: every change is recorded, view with 'rl log tail'.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("REVLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.String("config", "", "config file (defaults to <workspace>/revline.yml)")
	flags.Bool("json", false, "output JSON")
	flags.String("actor-id", "local-operator", "user id recorded on changes")
	flags.StringSlice("roles", []string{auth.AdminRole}, "roles asserted for the local operator")
	for _, name := range []string{"workspace", "config", "json", "actor-id", "roles"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(scoreCmd())
	rootCmd.AddCommand(routeCmd())
	rootCmd.AddCommand(queueCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(rulesCmd())
	rootCmd.AddCommand(roleCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(whoamiCmd())
	rootCmd.AddCommand(logCmd())
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Workspace configuration"}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default revline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.MkdirAll(viper.GetString("workspace"), 0o755); err != nil {
				return err
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			cfg.Server.JWTSecret = redact(cfg.Server.JWTSecret)
			cfg.Rules.Redis.Password = redact(cfg.Rules.Redis.Password)
			for i := range cfg.Webhooks {
				cfg.Webhooks[i].Secret = redact(cfg.Webhooks[i].Secret)
			}
			return printJSON(cfg)
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), false, func(ctx context.Context, a *app.App) error {
				v, err := migrate.Version(a.DB)
				if err != nil {
					return err
				}
				where := string(a.Dialect)
				if a.Dialect == db.SQLite && a.Config.Database.DSN == "" {
					where = db.Path(a.Workspace)
				}
				fmt.Printf("%s at schema version %d\n", where, v)
				return nil
			})
		},
	}
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), true, func(ctx context.Context, a *app.App) error {
				sc := a.Config.Server
				if addr != "" {
					sc.Addr = addr
				}
				if basePath != "" {
					sc.BasePath = basePath
				}
				if sc.JWTSecret == "" && !sc.AllowLegacyHeaders {
					return fmt.Errorf("REVLINE_JWT_SECRET or server.jwt_secret is required for bearer auth")
				}
				handler, err := server.New(server.Config{
					Engine:   a.Engine,
					BasePath: sc.BasePath,
					Auth: server.AuthConfig{
						JWTSecret:          sc.JWTSecret,
						AllowLegacyHeaders: sc.AllowLegacyHeaders,
						Logger:             a.Logger,
					},
					RateLimit: sc.RateLimit,
					RateBurst: sc.RateBurst,
				})
				if err != nil {
					return err
				}
				server.StartWebhookDispatcher(ctx, a.Engine, a.Config.Webhooks, a.Logger)

				srv := &http.Server{Addr: sc.Addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				a.Logger.Info("serving revline api", "addr", sc.Addr, "base_path", sc.BasePath, "docs", sc.BasePath+"/docs")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (overrides server.base_path)")
	return cmd
}

func scoreCmd() *cobra.Command {
	score := &cobra.Command{Use: "score", Short: "Constituent scoring"}
	var opts engine.ScoringOptions
	run := &cobra.Command{
		Use:   "run",
		Short: "Recompute scores",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), false, func(ctx context.Context, a *app.App) error {
				opts.ActorID = viper.GetString("actor-id")
				res, err := a.Engine.RunScoring(ctx, opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("scored %d of %d constituents as of %s in %d batches (%dms)\n", res.Scored, res.Total, res.AsOfDate, res.Batches, res.DurationMS)
				for _, ie := range res.Errors {
					fmt.Printf("  %s: %s\n", ie.ID, ie.Message)
				}
				if res.Interrupted {
					fmt.Println("run interrupted")
				}
				return nil
			})
		},
	}
	run.Flags().StringSliceVar(&opts.ConstituentIDs, "constituent", nil, "constituent ids (default all)")
	run.Flags().IntVar(&opts.BatchSize, "batch-size", 0, "constituents per batch")
	run.Flags().StringVar(&opts.AsOf, "as-of", "", "scoring date YYYY-MM-DD")
	score.AddCommand(run)
	return score
}

func routeCmd() *cobra.Command {
	var req engine.RouteRequest
	var oppType string
	cmd := &cobra.Command{
		Use:   "route",
		Short: "Route a new opportunity, or an existing one with --opportunity",
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Type = domain.OpportunityType(oppType)
			req.ActorID = viper.GetString("actor-id")
			return withApp(cmd.Context(), false, func(ctx context.Context, a *app.App) error {
				res, err := a.Engine.RouteOpportunity(ctx, req)
				if err != nil {
					return err
				}
				return printJSON(res)
			})
		},
	}
	cmd.Flags().StringVar(&req.OpportunityID, "opportunity", "", "existing opportunity id")
	cmd.Flags().StringVar(&req.ConstituentID, "constituent", "", "constituent id")
	cmd.Flags().StringVar(&oppType, "type", "", "ticket, major_gift or corporate")
	cmd.Flags().Float64Var(&req.Amount, "amount", 0, "opportunity amount")
	cmd.Flags().BoolVar(&req.Override, "override", false, "route despite collisions")
	return cmd
}

func queueCmd() *cobra.Command {
	q := &cobra.Command{Use: "queue", Short: "Work queue"}
	q.AddCommand(queueListCmd())
	return q
}

func queueListCmd() *cobra.Command {
	var mode string
	var statuses []string
	var page, pageSize int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the work queue for the operator",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), false, func(ctx context.Context, a *app.App) error {
				p, err := a.Engine.GetWorkQueue(ctx, engine.QueueRequest{
					Mode:     mode,
					Actor:    cliActor(),
					Statuses: statuses,
					Page:     page,
					PageSize: pageSize,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(p)
				}
				printQueue(p)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&mode, "mode", "combined", "user, role or combined")
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "status filter")
	cmd.Flags().IntVar(&page, "page", 1, "page number")
	cmd.Flags().IntVar(&pageSize, "page-size", workqueue.DefaultPageSize, "tasks per page")
	return cmd
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{Use: "task", Short: "Work on queued tasks"}
	task.AddCommand(taskActionCmd("claim <id>", "Claim a task", func(ctx context.Context, e engine.Engine, id string, _ []string) (domain.Task, error) {
		return e.ClaimTask(ctx, id, viper.GetString("actor-id"))
	}, 1))
	task.AddCommand(taskActionCmd("status <id> <status>", "Change task status", func(ctx context.Context, e engine.Engine, id string, rest []string) (domain.Task, error) {
		return e.UpdateTaskStatus(ctx, id, viper.GetString("actor-id"), rest[0])
	}, 2))
	task.AddCommand(taskActionCmd("release <id>", "Return a task to its role queue", func(ctx context.Context, e engine.Engine, id string, _ []string) (domain.Task, error) {
		return e.ReleaseTask(ctx, id, viper.GetString("actor-id"))
	}, 1))
	return task
}

func taskActionCmd(use, short string, fn func(context.Context, engine.Engine, string, []string) (domain.Task, error), nargs int) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(nargs),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), false, func(ctx context.Context, a *app.App) error {
				t, err := fn(ctx, a.Engine, args[0], args[1:])
				if err != nil {
					return err
				}
				return printJSON(t)
			})
		},
	}
}

func rulesCmd() *cobra.Command {
	r := &cobra.Command{Use: "rules", Short: "Routing and collision rules"}
	r.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Describe the active rule set",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), false, func(ctx context.Context, a *app.App) error {
				info, err := a.Engine.DescribeRules(ctx, 10)
				if err != nil {
					return err
				}
				return printJSON(info)
			})
		},
	})
	r.AddCommand(&cobra.Command{
		Use:   "validate <file>",
		Short: "Validate a rule document without storing it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			rs, err := rules.Parse(data, rules.FormatFromPath(args[0]))
			if err != nil {
				return err
			}
			if missing := rs.MissingCatchAll(); len(missing) > 0 {
				fmt.Fprintf(os.Stderr, "warning: no catch-all rule for %v\n", missing)
			}
			fmt.Printf("ok: %s %s (%s)\n", rs.Name, rs.Version, rs.Digest)
			return nil
		},
	})
	r.AddCommand(&cobra.Command{
		Use:   "import <file>",
		Short: "Store a rule document as the newest version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), false, func(ctx context.Context, a *app.App) error {
				rs, err := a.Engine.ImportRuleSet(ctx, engine.ImportRequest{
					Data:   data,
					Format: rules.FormatFromPath(args[0]),
					Actor:  cliActor(),
				})
				if err != nil {
					return err
				}
				fmt.Printf("imported %s %s (%s)\n", rs.Name, rs.Version, rs.Digest)
				return nil
			})
		},
	})
	return r
}

func roleCmd() *cobra.Command {
	role := &cobra.Command{Use: "role", Short: "Stored role grants"}
	for _, grant := range []bool{true, false} {
		var userID, name string
		use, short := "grant", "Grant a role to a user"
		if !grant {
			use, short = "revoke", "Revoke a role from a user"
		}
		cmd := &cobra.Command{
			Use:   use,
			Short: short,
			RunE: func(cmd *cobra.Command, args []string) error {
				if userID == "" || name == "" {
					return fmt.Errorf("--user and --role required")
				}
				return withApp(cmd.Context(), false, func(ctx context.Context, a *app.App) error {
					if grant {
						return a.Engine.GrantRole(ctx, cliActor(), userID, name)
					}
					return a.Engine.RevokeRole(ctx, cliActor(), userID, name)
				})
			},
		}
		cmd.Flags().StringVar(&userID, "user", "", "user id")
		cmd.Flags().StringVar(&name, "role", "", "role name")
		role.AddCommand(cmd)
	}
	return role
}

func apiKeyCmd() *cobra.Command {
	keys := &cobra.Command{Use: "apikey", Short: "API keys"}
	var userID, name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (printed once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), false, func(ctx context.Context, a *app.App) error {
				plain, key, err := a.Engine.CreateAPIKey(ctx, cliActor(), userID, name)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{"id": key.ID, "user_id": key.UserID, "key": plain})
				}
				fmt.Printf("%s\n(id %s, user %s)\n", plain, key.ID, key.UserID)
				return nil
			})
		},
	}
	create.Flags().StringVar(&userID, "user", "", "owner user id (default actor)")
	create.Flags().StringVar(&name, "name", "", "label")

	var listUser string
	list := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), false, func(ctx context.Context, a *app.App) error {
				if listUser == "" {
					listUser = viper.GetString("actor-id")
				}
				items, err := a.Engine.ListAPIKeys(ctx, cliActor(), listUser)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "User", "Name", "Created"})
				for _, k := range items {
					tw.AppendRow(table.Row{k.ID, k.UserID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&listUser, "user", "", "owner user id (default actor)")

	revoke := &cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), false, func(ctx context.Context, a *app.App) error {
				return a.Engine.RevokeAPIKey(ctx, cliActor(), args[0])
			})
		},
	}
	keys.AddCommand(create, list, revoke)
	return keys
}

func tokenCmd() *cobra.Command {
	var userID string
	var roles []string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token with the configured secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			token, err := server.SignToken(cfg.Server.JWTSecret, userID, roles, ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "subject user id")
	cmd.Flags().StringSliceVar(&roles, "role", nil, "roles claim")
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "token lifetime")
	return cmd
}

func whoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the operator's effective roles",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), false, func(ctx context.Context, a *app.App) error {
				who, err := a.Engine.Whoami(ctx, cliActor())
				if err != nil {
					return err
				}
				return printJSON(who)
			})
		},
	}
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "Every routing decision, collision override, task change and rule import.",
	}
	var f repo.EventFilter
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), false, func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.ListEvents(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "When", "Type", "Entity", "Actor"})
				for _, evt := range items {
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.EntityKind + "/" + evt.EntityID, evt.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	tail.Flags().IntVarP(&f.Limit, "n", "n", 20, "number of events")
	tail.Flags().StringVar(&f.Type, "type", "", "event type filter")
	tail.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind")
	tail.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id")
	log.AddCommand(tail)
	return log
}

// --- helpers ---

func loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if path := viper.GetString("config"); path != "" {
		cfg, err = config.FromFile(path)
	} else {
		cfg, err = config.Load(viper.GetString("workspace"))
	}
	if err != nil {
		return nil, err
	}
	if v := viper.GetString("jwt-secret"); v != "" {
		cfg.Server.JWTSecret = v
	}
	if v := viper.GetString("database-dsn"); v != "" {
		cfg.Database.DSN = v
	}
	if v := viper.GetString("log-level"); v != "" {
		cfg.Log.Level = v
	}
	return cfg, nil
}

func withApp(ctx context.Context, telemetry bool, fn func(context.Context, *app.App) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := app.NewLogger(cfg.Log, os.Stderr)
	slog.SetDefault(logger)
	a, err := app.Open(ctx, viper.GetString("workspace"), cfg, logger, telemetry)
	if err != nil {
		return err
	}
	defer a.Close(context.WithoutCancel(ctx))
	return fn(ctx, a)
}

func cliActor() engine.Actor {
	return engine.Actor{UserID: viper.GetString("actor-id"), Roles: viper.GetStringSlice("roles")}
}

func printQueue(p workqueue.Page) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Type", "Priority", "Status", "Role", "User", "Due"})
	for _, t := range p.Tasks {
		user, due := "", ""
		if t.AssignedUserID != nil {
			user = *t.AssignedUserID
		}
		if t.DueAt != nil {
			due = t.DueAt.UTC().Format(time.RFC3339)
		}
		tw.AppendRow(table.Row{t.ID, t.Type, t.Priority, t.Status, t.AssignedRole, user, due})
	}
	tw.AppendFooter(table.Row{"", "", "", "", "", fmt.Sprintf("page %d", p.Page), fmt.Sprintf("%d total", p.Total)})
	tw.Render()
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func redact(s string) string {
	if s == "" {
		return ""
	}
	return "***"
}
