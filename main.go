// Command claim-engine serves the issue claim lifecycle and contribution
// reconciliation API and runs its sweeps.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"claim-engine/cache"
	"claim-engine/config"
	"claim-engine/handlers"
	"claim-engine/logger"
	"claim-engine/services"
	"claim-engine/store"
	"claim-engine/utils"
	"claim-engine/workers"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// app holds the wired components shared by every command.
type app struct {
	cfg       *config.Config
	log       *zap.SugaredLogger
	store     store.Store
	cache     cache.Cache
	services  handlers.Services
	scheduler *services.Scheduler
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.NewConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	log, err := logger.New(cfg.Logging.Level)
	if err != nil {
		return nil, err
	}

	st, err := store.New(ctx, cfg.Storage.Driver, log, cfg)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}
	if err := st.OnStart(ctx); err != nil {
		return nil, fmt.Errorf("start store: %w", err)
	}

	c, err := cache.FromConfig(ctx, cfg.Redis)
	if err != nil {
		log.Warnw("cache unavailable, reading through to the store", "addr", cfg.Redis.Addr, "error", err)
	}

	var tracker services.Tracker
	if cfg.Tracker.BaseURL != "" {
		tracker = workers.NewGitHubClient(cfg.Tracker)
	}
	notifier := workers.NewNotifier(cfg.Notify, log)

	var archiver services.Archiver
	if cfg.Archive.Enabled {
		r2, err := utils.NewR2Client(ctx, cfg.Archive)
		if err != nil {
			_ = st.OnStop(context.Background())
			return nil, fmt.Errorf("init archive: %w", err)
		}
		archiver = r2
	}

	clock := clockwork.NewRealClock()
	policy := services.PolicyFromConfig(cfg.Claims, cfg.Scoring)

	claims := services.NewClaimService(st, policy, clock, c, log).WithCacheTTL(cfg.Redis.TTL)
	achievements := services.NewAchievementService(st, c, clock, log)
	contributions := services.NewContributionService(st, claims, achievements, policy, tracker, notifier, clock, log)
	scanner := services.NewScannerService(st, claims, notifier, clock, log)
	scheduler := services.NewScheduler(cfg.Schedule, policy.ReminderWindow, scanner, contributions, tracker, archiver, clock, log)

	return &app{
		cfg:   cfg,
		log:   log,
		store: st,
		cache: c,
		services: handlers.Services{
			Claims:        claims,
			Contributions: contributions,
			Scanner:       scanner,
			Achievements:  achievements,
			Scheduler:     scheduler,
		},
		scheduler: scheduler,
	}, nil
}

func (a *app) close() {
	if closer, ok := a.cache.(interface{ Close() error }); ok {
		_ = closer.Close()
	}
	if err := a.store.OnStop(context.Background()); err != nil {
		a.log.Warnw("store stop failed", "error", err)
	}
	_ = a.log.Sync()
}

func splitOrigins(raw string) string {
	parts := strings.Split(raw, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, ",")
}
