package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/koredeycode/contri-api/configs"
	"github.com/koredeycode/contri-api/internal/audit"
	"github.com/koredeycode/contri-api/internal/circle"
	"github.com/koredeycode/contri-api/internal/contribution"
	"github.com/koredeycode/contri-api/internal/events"
	"github.com/koredeycode/contri-api/internal/handlers"
	"github.com/koredeycode/contri-api/internal/ledger"
	"github.com/koredeycode/contri-api/internal/logger"
	"github.com/koredeycode/contri-api/internal/payout"
	"github.com/koredeycode/contri-api/internal/routes"
	"github.com/koredeycode/contri-api/internal/scheduler"
	"github.com/koredeycode/contri-api/internal/seed"
	"github.com/koredeycode/contri-api/internal/store"
	"github.com/koredeycode/contri-api/internal/webhook"
	"go.uber.org/zap"
)

func main() {
	logger.Init()
	defer logger.Log.Sync()

	configs.LoadConfig()
	store.NewDB()
	store.DBMigrate()
	store.ConnectRedis()
	seed.Run()

	cfg := configs.AppConfig
	notifier := events.NewDBNotifier(store.DB)
	auditor := audit.NewDBSink(store.DB)
	ledgerSvc := ledger.NewService(store.DB)
	contribSvc := contribution.NewService(store.DB, ledgerSvc, notifier, auditor)
	circleSvc := circle.NewService(store.DB, ledgerSvc, notifier, auditor, cfg.Circle.MinMembers)
	engine := payout.NewEngine(store.DB, ledgerSvc, notifier, auditor,
		cfg.Circle.PayoutMaxAttempts, cfg.Circle.PayoutBackoff)
	reconciler := webhook.NewReconciler(store.DB, ledgerSvc, contribSvc, store.RDB)

	sched := scheduler.New(store.DB, circleSvc, contribSvc, engine, scheduler.Options{
		Interval:              cfg.Scheduler.Interval,
		RequireFullCollection: cfg.Circle.RequireFullCollection,
		CancelOnPayoutFailure: cfg.Circle.CancelOnPayoutFailure,
	})
	schedCtx, stopSched := context.WithCancel(context.Background())
	go sched.Run(schedCtx)

	h := handlers.New(store.DB, ledgerSvc, circleSvc, contribSvc, reconciler)
	router := routes.NewRoutes(h)

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Log.Info("HTTP server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.Fatal("server error", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	logger.Log.Info("shutting down server...")
	stopSched()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Log.Error("graceful shutdown failed", zap.Error(err))
	}

	sqlDB, err := store.DB.DB()
	if err != nil {
		logger.Log.Error("db close skipped, reason:", zap.Error(err))
	} else {
		sqlDB.Close()
		logger.Log.Info("db closed")
	}

	logger.Log.Info("server stopped")
}
