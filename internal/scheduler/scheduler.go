package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/mamadbah2/stocksync/internal/config"
	"github.com/mamadbah2/stocksync/internal/domain/models"
	"github.com/mamadbah2/stocksync/internal/service/stocksync"
)

const jobTimeout = 2 * time.Minute

// Syncer pushes unsynced rows and runs a catch-up reconcile.
type Syncer interface {
	PushPending(ctx context.Context) (int, error)
	Resync(ctx context.Context) (stocksync.ReconcileResult, error)
}

// Reporter produces and stores the daily stock report.
type Reporter interface {
	GenerateStockReport(ctx context.Context, now time.Time) (models.StockReport, error)
	SaveStockReport(ctx context.Context, report models.StockReport) error
}

// Scheduler manages scheduled tasks.
type Scheduler struct {
	cron     *cron.Cron
	syncer   Syncer
	reporter Reporter
	cfg      config.Config
	location *time.Location
	logger   *zap.Logger
}

// NewScheduler creates a scheduler running in the configured timezone.
func NewScheduler(cfg config.Config, syncer Syncer, reporter Reporter, logger *zap.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	location, err := time.LoadLocation(cfg.Reporting.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", cfg.Reporting.Timezone, err)
	}

	return &Scheduler{
		cron:     cron.New(cron.WithLocation(location)),
		syncer:   syncer,
		reporter: reporter,
		cfg:      cfg,
		location: location,
		logger:   logger,
	}, nil
}

// Start registers the jobs and starts the scheduler.
func (s *Scheduler) Start() error {
	s.logger.Info("starting scheduler",
		zap.String("sync_schedule", s.cfg.Sync.CronSchedule),
		zap.String("report_schedule", s.cfg.Reporting.CronSchedule),
	)

	if _, err := s.cron.AddFunc(s.cfg.Sync.CronSchedule, s.runSync); err != nil {
		return fmt.Errorf("schedule sync job: %w", err)
	}
	if _, err := s.cron.AddFunc(s.cfg.Reporting.CronSchedule, s.runReport); err != nil {
		return fmt.Errorf("schedule report job: %w", err)
	}

	s.cron.Start()
	return nil
}

// Stop stops the scheduler and waits for running jobs.
func (s *Scheduler) Stop() {
	s.logger.Info("stopping scheduler")
	<-s.cron.Stop().Done()
}

func (s *Scheduler) runSync() {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	pushed, err := s.syncer.PushPending(ctx)
	if err != nil {
		s.logger.Error("push pending stocks", zap.Error(err))
	}

	res, err := s.syncer.Resync(ctx)
	if err != nil {
		s.logger.Error("catch-up reconcile", zap.Error(err))
		return
	}
	s.logger.Debug("sync job finished",
		zap.Int("pushed", pushed),
		zap.Int("inserted", res.Inserted),
		zap.Int("updated", res.Updated),
		zap.Int("deleted", res.Deleted),
	)
}

func (s *Scheduler) runReport() {
	s.logger.Info("generating daily stock report")
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	report, err := s.reporter.GenerateStockReport(ctx, time.Now().In(s.location))
	if err != nil {
		s.logger.Error("failed to generate stock report", zap.Error(err))
		return
	}

	if err := s.reporter.SaveStockReport(ctx, report); err != nil {
		s.logger.Error("failed to save stock report", zap.Error(err))
	}
}
