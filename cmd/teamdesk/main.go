package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	charmLog "github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"teamdesk/internal/app"
	"teamdesk/internal/blob"
	"teamdesk/internal/config"
	"teamdesk/internal/email"
	"teamdesk/internal/fanout"
	"teamdesk/internal/logging"
	"teamdesk/internal/search"
	"teamdesk/internal/session"
	"teamdesk/internal/store"
)

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

type globalFlags struct {
	configPath string
	logLevel   string
}

// run builds the command tree and executes args against it.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	if stdout == nil {
		stdout = io.Discard
	}
	if stderr == nil {
		stderr = io.Discard
	}

	var flags globalFlags
	root := &cobra.Command{
		Use:           "teamdesk",
		Short:         "Team and task tracking with live team forums",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.PersistentFlags().StringVar(&flags.configPath, "config", os.Getenv("TEAMDESK_CONFIG"), "path to a TOML config file")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "override log.level")

	root.AddCommand(
		serveCommand(&flags, stderr),
		migrateCommand(&flags, stderr),
		reconcileCommand(&flags, stdout, stderr),
		&cobra.Command{
			Use:   "version",
			Short: "Print the build version",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				_, err := fmt.Fprintln(stdout, version)
				return err
			},
		},
	)
	return root.ExecuteContext(ctx)
}

func loadConfig(flags *globalFlags, stderr io.Writer) (config.Config, *charmLog.Logger, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return config.Config{}, nil, err
	}
	if flags.logLevel != "" {
		cfg.Log.Level = flags.logLevel
	}
	logger, err := logging.New(stderr, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, logger, nil
}

func openStore(ctx context.Context, cfg config.Config, logger *charmLog.Logger) (*sql.DB, *store.Store, error) {
	db, err := store.Open(ctx, cfg.Store.Driver, cfg.Store.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("database connection failed: %w", err)
	}
	if err := store.Migrate(ctx, db, cfg.Store.Driver); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("migrations failed: %w", err)
	}
	st, err := store.New(db, cfg.Store.Driver)
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	logger.Debug("store ready", "driver", cfg.Store.Driver)
	return db, st, nil
}

func migrateCommand(flags *globalFlags, stderr io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig(flags, stderr)
			if err != nil {
				return err
			}
			db, _, err := openStore(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer db.Close()
			logger.Info("migrations applied", "driver", cfg.Store.Driver)
			return nil
		},
	}
}

func reconcileCommand(flags *globalFlags, stdout, stderr io.Writer) *cobra.Command {
	var (
		userID string
		all    bool
	)
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Recompute user task counters from the task table",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if (userID == "") == !all {
				return errors.New("pass exactly one of --user or --all")
			}
			cfg, logger, err := loadConfig(flags, stderr)
			if err != nil {
				return err
			}
			db, st, err := openStore(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer db.Close()

			service := app.New(cfg, app.Deps{Store: st, Logger: logger})
			defer service.Close()

			var result any
			if all {
				result, err = service.ReconcileAll(cmd.Context())
			} else {
				result, err = service.ReconcileCounters(cmd.Context(), userID)
			}
			if err != nil {
				return err
			}
			enc := json.NewEncoder(stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(result)
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "reconcile a single user")
	cmd.Flags().BoolVar(&all, "all", false, "reconcile every user")
	return cmd
}

func serveCommand(flags *globalFlags, stderr io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and websocket API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig(flags, stderr)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg, logger)
		},
	}
}

func serve(ctx context.Context, cfg config.Config, logger *charmLog.Logger) error {
	db, st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	deps := app.Deps{Store: st, Logger: logger}

	var redisStore *session.RedisStore
	if strings.TrimSpace(cfg.Redis.URL) != "" {
		logger.Info("using redis for sessions")
		redisStore, err = session.NewRedisStore(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("redis connection failed: %w", err)
		}
		defer redisStore.Close()
		deps.Sessions = redisStore
	} else {
		logger.Info("using the database for sessions")
	}

	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.Meili.URL) != "" {
		meiliClient = search.NewMeili(cfg.Meili.URL, cfg.Meili.Key, logger.WithPrefix("meili"))
	}
	searchService := search.NewService(meiliClient, search.NewSQLFallback(st), logger.WithPrefix("search"))
	defer searchService.Close()
	deps.Search = searchService

	if strings.TrimSpace(cfg.Blob.Endpoint) != "" {
		files, err := blob.NewMinIO(blob.Options{
			Endpoint:  cfg.Blob.Endpoint,
			AccessKey: cfg.Blob.AccessKey,
			SecretKey: cfg.Blob.SecretKey,
			Bucket:    cfg.Blob.Bucket,
			Secure:    cfg.Blob.Secure,
		})
		if err != nil {
			return err
		}
		if err := files.EnsureBucket(ctx); err != nil {
			return fmt.Errorf("blob bucket: %w", err)
		}
		deps.Blob = files
	} else {
		logger.Warn("no blob endpoint configured; attachments are kept in memory")
	}

	mail := email.NewService(email.Config{
		Host:     cfg.SMTP.Host,
		Port:     cfg.SMTP.Port,
		Username: cfg.SMTP.Username,
		Password: cfg.SMTP.Password,
		From:     cfg.SMTP.From,
		FromName: cfg.SMTP.FromName,
	})
	if mail.IsConfigured() {
		deps.Mail = mail
	}

	service := app.New(cfg, deps)
	defer service.Close()

	if cfg.Fanout.Relay {
		if redisStore == nil {
			return errors.New("fanout.relay needs redis.url")
		}
		relay := fanout.NewRedisRelay(redisStore.Client(), fanout.DefaultRelayChannel, logger.WithPrefix("relay"))
		service.Hub().SetRelay(relay)
		if err := relay.Start(ctx, service.Hub()); err != nil {
			return err
		}
		logger.Info("fanout relay started", "channel", fanout.DefaultRelayChannel)
	}

	go searchService.ReindexTasks(ctx)

	httpServer := app.NewHTTPServer(service, cfg.CORS.Origin, logger.WithPrefix("http"))
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("teamdesk listening", "addr", cfg.Addr, "version", version)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "err", err)
	}
	return nil
}
