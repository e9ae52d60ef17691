package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"claim-engine/config"
	"claim-engine/models"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// Archiver stores sweep reports. utils.R2Client satisfies it.
type Archiver interface {
	Put(ctx context.Context, key string, body []byte, contentType string) error
}

// Scheduler runs the sweeps on fixed intervals and on demand.
type Scheduler struct {
	cfg           config.ScheduleConfig
	window        time.Duration
	scanner       *ScannerService
	contributions *ContributionService
	tracker       Tracker
	archiver      Archiver
	clock         clockwork.Clock
	log           *zap.SugaredLogger

	sched gocron.Scheduler
}

// NewScheduler wires the sweeps. tracker and archiver may be nil.
func NewScheduler(
	cfg config.ScheduleConfig,
	reminderWindow time.Duration,
	scanner *ScannerService,
	contributions *ContributionService,
	tracker Tracker,
	archiver Archiver,
	clock clockwork.Clock,
	log *zap.SugaredLogger,
) *Scheduler {
	return &Scheduler{
		cfg:           cfg,
		window:        reminderWindow,
		scanner:       scanner,
		contributions: contributions,
		tracker:       tracker,
		archiver:      archiver,
		clock:         clock,
		log:           log.Named("scheduler"),
	}
}

// ParseSweepKind accepts the names used on the command line and admin API.
func ParseSweepKind(raw string) (SweepKind, error) {
	switch k := SweepKind(raw); k {
	case SweepExpired, SweepReminders, SweepUpstream, SweepOpenPRs:
		return k, nil
	}
	return "", models.Invalid("sweep", "unknown sweep kind %q", raw)
}

// Run executes one sweep now and archives its report when an archiver is set.
func (s *Scheduler) Run(ctx context.Context, kind SweepKind) (*SweepResult, error) {
	var (
		res *SweepResult
		err error
	)
	switch kind {
	case SweepExpired:
		res, err = s.scanner.SweepExpired(ctx)
	case SweepReminders:
		res, err = s.scanner.SweepReminders(ctx, s.window)
	case SweepUpstream:
		res, err = s.scanner.DetectClosedUpstream(ctx, s.tracker)
	case SweepOpenPRs:
		res, err = s.contributions.ReconcileOpenPRs(ctx)
	default:
		return nil, models.Invalid("sweep", "unknown sweep kind %q", kind)
	}
	if err != nil {
		return res, err
	}
	s.archive(ctx, res)
	return res, nil
}

func (s *Scheduler) archive(ctx context.Context, res *SweepResult) {
	if s.archiver == nil || res == nil {
		return
	}
	body, err := json.Marshal(res)
	if err != nil {
		s.log.Errorw("encode sweep report failed", "kind", res.Kind, "error", err)
		return
	}
	key := fmt.Sprintf("sweeps/%s/%s/%s.json", res.Kind, res.StartedAt.Format("2006-01-02"), uuid.NewString())
	if err := s.archiver.Put(ctx, key, body, "application/json"); err != nil {
		s.log.Warnw("archive sweep report failed", "kind", res.Kind, "key", key, "error", err)
		return
	}
	s.log.Debugw("sweep report archived", "key", key)
}

// Start registers one singleton job per sweep. Jobs stop when ctx is done or
// Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	if !s.cfg.Enabled {
		s.log.Info("scheduled sweeps disabled")
		return nil
	}

	sched, err := gocron.NewScheduler(gocron.WithClock(s.clock))
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}

	jobs := []struct {
		kind  SweepKind
		every time.Duration
	}{
		{SweepExpired, s.cfg.ExpiredInterval},
		{SweepReminders, s.cfg.RemindersInterval},
		{SweepUpstream, s.cfg.UpstreamInterval},
		{SweepOpenPRs, s.cfg.PRsInterval},
	}
	for _, j := range jobs {
		if j.every <= 0 {
			continue
		}
		kind := j.kind
		_, err := sched.NewJob(
			gocron.DurationJob(j.every),
			gocron.NewTask(func() {
				if _, err := s.Run(ctx, kind); err != nil {
					s.log.Errorw("sweep failed", "kind", kind, "error", err)
				}
			}),
			gocron.WithName(string(kind)),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		)
		if err != nil {
			_ = sched.Shutdown()
			return fmt.Errorf("schedule %s sweep: %w", kind, err)
		}
		s.log.Infow("sweep scheduled", "kind", kind, "every", j.every)
	}

	s.sched = sched
	sched.Start()
	return nil
}

// Stop waits for running sweeps to finish.
func (s *Scheduler) Stop() error {
	if s.sched == nil {
		return nil
	}
	return s.sched.Shutdown()
}
