package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kong/db-cluster-pool/internal/store"
	"github.com/kong/db-cluster-pool/pkg/metrics"
	"github.com/kong/db-cluster-pool/pkg/model"
	"go.uber.org/zap"
)

const listenAddr = "0.0.0.0:8080"

type appContext struct {
	Store  *model.Store
	Logger *zap.Logger
}

func main() {
	cc, err := model.LoadClusterConfig()
	if err != nil {
		log.Fatal(err)
	}
	logger, err := SetupLogging(cc.LogLevel)
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	if cc.StatsdAddr != "" {
		if err := metrics.Setup(cc.StatsdAddr, "service:db-cluster-pool"); err != nil {
			logger.Error("statsd disabled", zap.Error(err))
		}
	}
	defer metrics.Close()

	if cc.RunMigrations {
		if err := store.MigrateDb(cc.PrimaryDSN()); err != nil {
			logger.Fatal("migration failed", zap.Error(err))
		}
		logger.Info("migrations applied")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := model.NewStore(ctx, logger, cc)
	if err != nil {
		logger.Fatal("DB Connection failed", zap.Error(err))
	}
	defer s.Close()

	ac := &appContext{
		Store:  s,
		Logger: logger,
	}
	srv := &http.Server{
		Addr:              listenAddr,
		Handler:           ac.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown", zap.Error(err))
		}
	}()

	ac.Logger.Info("Application is running", zap.String("addr", listenAddr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server stopped", zap.Error(err))
	}
}
