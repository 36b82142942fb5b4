package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mamadbah2/stocksync/internal/config"
	"github.com/mamadbah2/stocksync/internal/repository/memory"
	"github.com/mamadbah2/stocksync/internal/repository/mongodb"
	"github.com/mamadbah2/stocksync/internal/repository/remote"
	"github.com/mamadbah2/stocksync/internal/repository/sheets"
	"github.com/mamadbah2/stocksync/internal/repository/sqlite"
	"github.com/mamadbah2/stocksync/internal/scheduler"
	"github.com/mamadbah2/stocksync/internal/server/handlers"
	"github.com/mamadbah2/stocksync/internal/server/router"
	"github.com/mamadbah2/stocksync/internal/service/guard"
	"github.com/mamadbah2/stocksync/internal/service/history"
	"github.com/mamadbah2/stocksync/internal/service/identity"
	"github.com/mamadbah2/stocksync/internal/service/remotework"
	reportingsvc "github.com/mamadbah2/stocksync/internal/service/reporting"
	"github.com/mamadbah2/stocksync/internal/service/stocksync"
	"github.com/mamadbah2/stocksync/pkg/clients/printer"
	"github.com/mamadbah2/stocksync/pkg/logger"
)

// remoteBackend is what the selected remote driver provides.
type remoteBackend interface {
	remote.Store
	remote.Authenticator
	reportingsvc.ReportSink
}

func main() {
	cfg, err := config.Load("")
	if err != nil {
		panic(err)
	}

	baseLogger := logger.Must(logger.New(cfg.Server.LogLevel))
	defer func() { _ = baseLogger.Sync() }()

	zap.ReplaceGlobals(baseLogger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	local, err := sqlite.Open(cfg.Local.DBPath, logger.Named(baseLogger, "repo.sqlite"))
	if err != nil {
		baseLogger.Fatal("failed to open local store", zap.Error(err))
	}
	defer func() {
		if err := local.Close(); err != nil {
			baseLogger.Error("failed to close local store", zap.Error(err))
		}
	}()

	var backend remoteBackend
	switch cfg.Remote.Driver {
	case config.DriverMemory:
		baseLogger.Warn("using in-memory remote store, nothing is shared across devices")
		backend = memory.New()
	default:
		mongoStore, err := mongodb.NewStore(ctx, cfg.MongoDB.URI, cfg.MongoDB.DBName, cfg.Remote.DeviceID, logger.Named(baseLogger, "repo.mongodb"))
		if err != nil {
			baseLogger.Fatal("failed to init mongodb store", zap.Error(err))
		}
		defer func() {
			if err := mongoStore.Close(context.Background()); err != nil {
				baseLogger.Error("failed to close mongodb connection", zap.Error(err))
			}
		}()
		backend = mongoStore
	}

	pool := remotework.NewPool(cfg.Remote.MaxInflight, logger.Named(baseLogger, "remotework"))
	g := guard.New(backend, guard.Options{AuthTTL: cfg.Remote.AuthTTL, Timeout: cfg.Remote.Timeout}, logger.Named(baseLogger, "guard"))
	recorder := history.NewRecorder(local, backend, g, pool, history.Options{
		ResubscribeInterval: cfg.Sync.ResubscribeInterval,
	}, logger.Named(baseLogger, "svc.history"))
	engine := stocksync.NewEngine(stocksync.Deps{
		Local:    local,
		Remote:   backend,
		Mapper:   identity.NewMapper(local, logger.Named(baseLogger, "svc.identity")),
		Recorder: recorder,
		Guard:    g,
		Pool:     pool,
	}, stocksync.Options{
		ResubscribeInterval: cfg.Sync.ResubscribeInterval,
		LowStockThreshold:   cfg.Sync.LowStockThreshold,
	}, logger.Named(baseLogger, "svc.stocksync"))

	var sheetRepo sheets.Repository
	if cfg.Sheets.Enabled() {
		repo, err := sheets.NewGoogleSheetRepository(ctx, cfg.Sheets, logger.Named(baseLogger, "repo.sheets"))
		if err != nil {
			baseLogger.Fatal("failed to init sheets repository", zap.Error(err))
		}
		sheetRepo = repo
	} else {
		baseLogger.Info("spreadsheet export disabled")
	}

	reportingSvc := reportingsvc.NewService(engine, backend, sheetRepo, g, logger.Named(baseLogger, "svc.reporting"))

	printerClient := printer.NewClient(cfg.Printer)
	if cfg.Printer.BaseURL == "" {
		baseLogger.Warn("printer base url missing, receipts will not be printed")
	}

	var shuttingDown atomic.Bool
	httpEngine := router.New(router.Routes{
		Stocks:  handlers.NewStockHandler(engine, recorder, printerClient, logger.Named(baseLogger, "handlers.stocks")),
		Reports: handlers.NewReportHandler(reportingSvc, printerClient, logger.Named(baseLogger, "handlers.reports")),
		Health:  router.NewHealth(local.DB(), &shuttingDown),
	}, logger.Named(baseLogger, "router"))

	sched, err := scheduler.NewScheduler(*cfg, engine, reportingSvc, logger.Named(baseLogger, "scheduler"))
	if err != nil {
		baseLogger.Fatal("failed to init scheduler", zap.Error(err))
	}
	if err := sched.Start(); err != nil {
		baseLogger.Fatal("failed to start scheduler", zap.Error(err))
	}

	group, groupCtx := errgroup.WithContext(ctx)

	srv := &http.Server{
		Addr:        ":" + cfg.Server.Port,
		Handler:     router.WithCORS(httpEngine, cfg.Server.AllowedOrigins),
		ReadTimeout: 15 * time.Second,
		// Stock streams stay open, so no WriteTimeout. They end with groupCtx.
		IdleTimeout: 60 * time.Second,
		BaseContext: func(net.Listener) context.Context { return groupCtx },
	}

	group.Go(func() error {
		return engine.Listen(groupCtx)
	})
	group.Go(func() error {
		baseLogger.Info("server starting", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		baseLogger.Info("shutdown signal received")
		shuttingDown.Store(true)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil {
		baseLogger.Error("server stopped with error", zap.Error(err))
	}

	sched.Stop()

	drainCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := engine.Drain(drainCtx); err != nil {
		baseLogger.Warn("pending remote writes abandoned", zap.Error(err))
	}
	pool.Close()
	baseLogger.Info("shutdown complete")
}
