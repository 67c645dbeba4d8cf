package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	"github.com/spf13/cobra"

	"github.com/ehr/termbot/internal/api"
	"github.com/ehr/termbot/internal/config"
	"github.com/ehr/termbot/internal/domain/codesystem"
	"github.com/ehr/termbot/internal/domain/lookup"
	"github.com/ehr/termbot/internal/platform/chat"
	"github.com/ehr/termbot/internal/platform/db"
	"github.com/ehr/termbot/internal/platform/middleware"
	"github.com/ehr/termbot/migrations"
)

const webhookPath = "/telegram/webhook"

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var envFile string
	root := &cobra.Command{
		Use:   "termbot",
		Short: "Telegram bot that explains ICD-10 and SNOMED-CT codes",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("load %s: %w", envFile, err)
			}
			return nil
		},
		SilenceUsage: true,
	}
	root.PersistentFlags().StringP("config", "c", config.DefaultPath, "Path to the INI configuration file")
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Environment file loaded before the configuration")

	root.AddCommand(serveCmd())
	root.AddCommand(lookupCmd())
	root.AddCommand(tokenCmd())
	root.AddCommand(migrateCmd())
	return root
}

func configPath(cmd *cobra.Command) string {
	path, _ := cmd.Flags().GetString("config")
	return path
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the bot and its HTTP endpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(configPath(cmd))
		},
	}
}

func lookupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lookup <code>",
		Short: "Resolve a code the way the bot would and print the reply",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			system, _ := cmd.Flags().GetString("system")
			return runLookup(cmd.Context(), configPath(cmd), system, args[0], cmd.OutOrStdout())
		},
	}
	cmd.Flags().String("system", "", "Code system to query; detected from the code when empty")
	return cmd
}

func tokenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "token <system>",
		Short: "Force an OAuth2 token refresh for a code system",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runToken(cmd.Context(), configPath(cmd), args[0], cmd.OutOrStdout())
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the token persistence schema",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(cmd.Context(), configPath(cmd), cmd.OutOrStdout(), func(ctx context.Context, m *db.Migrator, out io.Writer) error {
				n, err := m.Up(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "applied %d migration(s)\n", n)
				return nil
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show applied and pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(cmd.Context(), configPath(cmd), cmd.OutOrStdout(), func(ctx context.Context, m *db.Migrator, out io.Writer) error {
				statuses, err := m.Status(ctx)
				if err != nil {
					return err
				}
				for _, s := range statuses {
					state := "pending"
					if s.Applied {
						state = "applied " + s.AppliedAt.Format(time.RFC3339)
					}
					fmt.Fprintf(out, "%03d %-40s %s\n", s.Version, s.Name, state)
				}
				return nil
			})
		},
	})
	return cmd
}

func runServer(path string) error {
	cfg, logger, err := loadConfig(path)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialise")
	}
	defer a.close()

	tg, err := chat.NewTelegram(chat.TelegramConfig{
		Token:   cfg.Telegram.APIToken,
		Workers: cfg.Telegram.Workers,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to telegram")
	}

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.RequestTimeout(cfg.HTTP.Timeout+10*time.Second, webhookPath))

	e.GET("/health", api.Health)
	if a.pool != nil {
		e.GET("/health/db", db.HealthHandler(a.pool))
	}
	api.NewHandler(a.store, a.tokens, a.lookup, a.router).RegisterRoutes(e.Group("/api/v1"))

	// polling stays nil in webhook mode so the select below only waits for a signal.
	var polling chan error
	if cfg.Telegram.Mode == config.ModeWebhook {
		e.POST(webhookPath, tg.WebhookHandler(a.router, cfg.Telegram.WebhookSecret))
		if err := tg.SetWebhook(cfg.Telegram.WebhookURL, cfg.Telegram.WebhookSecret); err != nil {
			logger.Fatal().Err(err).Msg("failed to register webhook")
		}
	} else {
		polling = make(chan error, 1)
		go func() {
			polling <- tg.Poll(ctx, a.router)
		}()
	}

	go func() {
		addr := ":" + cfg.Server.Port
		logger.Info().Str("addr", addr).Str("mode", cfg.Telegram.Mode).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
		logger.Info().Msg("shutting down")
	case err := <-polling:
		logger.Error().Err(err).Msg("polling stopped, shutting down")
		polling = nil
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
		return err
	}
	// Poll returns once in-flight messages are handled, without waiting for
	// the pending long poll.
	if polling != nil {
		select {
		case <-polling:
		case <-shutdownCtx.Done():
			logger.Warn().Msg("timed out waiting for message handlers")
		}
	}
	logger.Info().Msg("server stopped")
	return nil
}

func runLookup(ctx context.Context, path, system, code string, out io.Writer) error {
	cfg, logger, err := loadConfig(path)
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	code = strings.TrimSpace(code)
	if system == "" {
		rule, ok := a.router.Route(code)
		if !ok {
			return fmt.Errorf("%q does not look like a code of any configured system", code)
		}
		system = rule.System
	}

	res := a.lookup.Lookup(ctx, system, code)
	switch res.Outcome {
	case lookup.Found:
		fmt.Fprintf(out, "%s %s: %s\n", system, code, res.Term)
		return nil
	case lookup.NotFound:
		return fmt.Errorf("%s %s: not found (status %d)", system, code, res.Status)
	default:
		return fmt.Errorf("%s %s: %w", system, code, res.Err)
	}
}

func runToken(ctx context.Context, path, system string, out io.Writer) error {
	cfg, logger, err := loadConfig(path)
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	if _, err := a.store.Get(ctx, system); errors.Is(err, codesystem.ErrNotFound) {
		system = strings.ToUpper(system)
	}
	if err := a.tokens.Refresh(ctx, system); err != nil {
		return err
	}
	fmt.Fprintf(out, "%s token valid until %s\n", system, a.tokens.Expiry(ctx, system).Format(time.RFC3339))
	return nil
}

func runMigrate(ctx context.Context, path string, out io.Writer, fn func(context.Context, *db.Migrator, io.Writer) error) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	if !cfg.UsesDatabase() {
		return fmt.Errorf("[Database] URL is not configured")
	}
	pool, err := db.NewPool(ctx, cfg.Database.URL, cfg.Database.MaxConns, cfg.Database.MinConns)
	if err != nil {
		return err
	}
	defer pool.Close()
	return fn(ctx, db.NewMigrator(pool, migrations.FS), out)
}
