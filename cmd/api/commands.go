package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"usecasehub/api/internal/app"
	"usecasehub/api/internal/auth"
	"usecasehub/api/internal/config"
	"usecasehub/api/internal/email"
	"usecasehub/api/internal/gitrepo"
	"usecasehub/api/internal/idempotency"
	"usecasehub/api/internal/logger"
	"usecasehub/api/internal/metrics"
	"usecasehub/api/internal/store"
)

type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "usecasehub-api",
		Short:         "Review API for use cases and their shared steps",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "YAML file overlaid on the environment configuration")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Apply migrations and serve the HTTP API",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runServe(cmd.Context(), opts)
			},
		},
		newMigrateCmd(opts),
		newTokenCmd(opts),
	)
	return root
}

type migrateOptions struct {
	down   int
	status bool
}

func newMigrateCmd(opts *rootOptions) *cobra.Command {
	mopts := &migrateOptions{}
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			if mopts.down > 0 && mopts.status {
				return errors.New("--down and --status cannot be combined")
			}
			return runMigrate(cmd.Context(), opts, mopts, cmd.OutOrStdout())
		},
	}
	cmd.Flags().IntVar(&mopts.down, "down", 0, "revert the newest N applied migrations instead of applying")
	cmd.Flags().BoolVar(&mopts.status, "status", false, "list migrations and whether each is applied")
	return cmd
}

func newTokenCmd(opts *rootOptions) *cobra.Command {
	var identity auth.Identity
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for local development",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			if strings.TrimSpace(identity.ID) == "" || strings.TrimSpace(identity.Name) == "" {
				return errors.New("--id and --name are required")
			}
			token, err := auth.IssueToken([]byte(cfg.JWTSecret), identity, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&identity.ID, "id", "", "user id placed in the subject claim")
	cmd.Flags().StringVar(&identity.Name, "name", "", "display name")
	cmd.Flags().StringVar(&identity.Email, "email", "", "email address used for comment notifications")
	cmd.Flags().StringVar(&identity.Role, "role", "contributor", "contributor, reviewer or admin")
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "token lifetime")
	return cmd
}

func loadConfig(opts *rootOptions) (config.Config, error) {
	cfg, err := config.LoadWithFile()
	if err != nil {
		return config.Config{}, err
	}
	if opts.configPath != "" {
		if err := cfg.Overlay(opts.configPath); err != nil {
			return config.Config{}, err
		}
	}
	return cfg, nil
}

func newLogger(cfg config.Config) zerolog.Logger {
	return logger.New(logger.Config{Level: cfg.LogLevel, Pretty: cfg.LogPretty})
}

func openDB(ctx context.Context, cfg config.Config) (*sql.DB, error) {
	db, err := store.Open(ctx, store.PoolConfig{
		URL:              cfg.DatabaseURL,
		MaxOpenConns:     cfg.DBMaxOpenConns,
		StatementTimeout: cfg.DBStatementTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("database connection failed: %w", err)
	}
	return db, nil
}

func runMigrate(ctx context.Context, opts *rootOptions, mopts *migrateOptions, out io.Writer) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	log := newLogger(cfg)

	db, err := openDB(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	switch {
	case mopts.status:
		states, err := store.MigrationStatus(ctx, db, cfg.MigrationsDir)
		if err != nil {
			return fmt.Errorf("migration status failed: %w", err)
		}
		for _, st := range states {
			applied := "pending"
			if st.Applied {
				applied = st.AppliedAt.UTC().Format(time.RFC3339)
			}
			fmt.Fprintf(out, "%s\t%s\n", st.ID(), applied)
		}
	case mopts.down > 0:
		reverted, err := store.MigrateDown(ctx, db, cfg.MigrationsDir, mopts.down)
		if err != nil {
			return fmt.Errorf("revert migrations failed: %w", err)
		}
		log.Info().Strs("reverted", reverted).Msg("migrations reverted")
	default:
		applied, err := store.MigrateUp(ctx, db, cfg.MigrationsDir)
		if err != nil {
			return fmt.Errorf("migrations failed: %w", err)
		}
		log.Info().Str("dir", cfg.MigrationsDir).Strs("applied", applied).Msg("migrations applied")
	}
	return nil
}

func runServe(ctx context.Context, opts *rootOptions) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	log := newLogger(cfg)

	db, err := openDB(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	applied, err := store.MigrateUp(ctx, db, cfg.MigrationsDir)
	if err != nil {
		return fmt.Errorf("migrations failed: %w", err)
	}
	if len(applied) > 0 {
		log.Info().Strs("applied", applied).Msg("migrations applied")
	}

	if err := os.MkdirAll(cfg.ReposDir, 0o755); err != nil {
		return fmt.Errorf("failed to create repos dir: %w", err)
	}

	dataStore := store.NewPostgresStore(db)
	gitService := gitrepo.New(cfg.ReposDir)
	mailer := email.NewService(email.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		FromName: cfg.SMTPFromName,
		AppURL:   cfg.AppURL,
	})
	if !mailer.IsConfigured() {
		log.Warn().Msg("SMTP not configured, comment notifications are disabled")
	}

	serviceOpts := []app.Option{
		app.WithLogger(log),
		app.WithMetrics(metrics.New()),
		app.WithNotifier(email.NewNotifier(mailer, dataStore)),
	}
	if strings.TrimSpace(cfg.RedisURL) != "" {
		idem, err := idempotency.NewRedisStore(cfg.RedisURL, cfg.IdempotencyTTL)
		if err != nil {
			log.Warn().Err(err).Msg("redis unavailable, idempotency keys are not enforced")
		} else {
			defer idem.Close()
			serviceOpts = append(serviceOpts, app.WithIdempotency(idem))
		}
	}

	service := app.New(cfg, dataStore, gitService, serviceOpts...)
	if err := service.Bootstrap(ctx); err != nil {
		return fmt.Errorf("bootstrap failed: %w", err)
	}

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("review API listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}
	return nil
}
