package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"claim-engine/handlers"
	"claim-engine/middleware"
	"claim-engine/services"
	"claim-engine/workers"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:           "claim-engine",
	Short:         "Issue claim lifecycle and contribution reconciliation service",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and scheduled sweeps",
	RunE:  runServe,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()
		a.log.Infow("migrations applied", "driver", a.cfg.Storage.Driver)
		return nil
	},
}

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Upsert the achievement catalog",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()
		n, err := a.services.Achievements.SeedCatalog(cmd.Context())
		if err != nil {
			return err
		}
		a.log.Infow("achievement catalog seeded", "count", n)
		return nil
	},
}

var sweepCmd = &cobra.Command{
	Use:       "sweep <expired|reminders|upstream|open_prs>",
	Short:     "Run one sweep now and print its report",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{string(services.SweepExpired), string(services.SweepReminders), string(services.SweepUpstream), string(services.SweepOpenPRs)},
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, err := services.ParseSweepKind(args[0])
		if err != nil {
			return err
		}
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()

		res, err := a.scheduler.Run(cmd.Context(), kind)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	},
}

var syncUsersCmd = &cobra.Command{
	Use:   "sync-users",
	Short: "Mirror users from the identity service once",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()
		if a.cfg.Identity.BaseURL == "" {
			return fmt.Errorf("identity.base_url is not configured")
		}
		n, err := workers.NewUserSyncWorker(a.store, a.cfg.Identity, a.log).SyncOnce(cmd.Context())
		if err != nil {
			return err
		}
		a.log.Infow("users mirrored", "count", n)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd, migrateCmd, seedCmd, sweepCmd, syncUsersCmd)

	rootCmd.PersistentFlags().StringP("env-file", "e", "", "load environment from this file instead of .env")
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("env-file")
		if path == "" {
			return nil
		}
		if _, err := os.Stat(path); err != nil {
			return fmt.Errorf("env file: %w", err)
		}
		return os.Setenv("ENV_FILE", path)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()
	log := a.log
	if a.cfg.Gateway.ServiceToken == "" {
		return fmt.Errorf("gateway.service_token is required to serve")
	}

	serv := fiber.New(fiber.Config{
		ReadTimeout:  a.cfg.HTTP.RequestTimeout,
		WriteTimeout: a.cfg.HTTP.RequestTimeout,
	})
	serv.Use(recover.New())
	serv.Use(requestid.New())
	serv.Use(middleware.RequestLogger(log))
	serv.Use(cors.New(cors.Config{
		AllowOrigins: splitOrigins(a.cfg.HTTP.AllowedOrigins),
		AllowMethods: "GET,POST,OPTIONS",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Request-ID, X-User-ID, X-User-Roles",
		MaxAge:       86400,
	}))
	serv.Use(middleware.GatewayAuth(a.cfg.Gateway.ServiceToken, log))

	handlers.Register(serv, a.services)

	if err := a.scheduler.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if err := a.scheduler.Stop(); err != nil {
			log.Warnw("scheduler stop failed", "error", err)
		}
	}()

	if a.cfg.Identity.BaseURL != "" {
		workers.NewUserSyncWorker(a.store, a.cfg.Identity, log).Start(ctx)
	}

	go func() {
		if err := serv.Listen(a.cfg.ServerAddr()); err != nil {
			log.Errorw("failed to start server", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = serv.Shutdown()
		close(done)
	}()

	select {
	case <-done:
	case <-shutdownCtx.Done():
		log.Warnw("server shutdown timeout", "timeout", a.cfg.Server.ShutdownTimeout)
	}
	return nil
}
