package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Wei-Shaw/idemgate/internal/config"
	"github.com/Wei-Shaw/idemgate/internal/pkg/logger"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Version 由构建时 -ldflags 注入。
var Version = "dev"

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()
	if *showVersion {
		fmt.Println("idemgate " + Version)
		return
	}

	logger.InitBootstrap()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	if err := logger.Init(logger.InitOptions{
		Level:           cfg.Log.Level,
		Format:          cfg.Log.Format,
		ServiceName:     cfg.Log.ServiceName,
		Environment:     cfg.Log.Environment,
		Caller:          cfg.Log.Caller,
		StacktraceLevel: cfg.Log.StacktraceLevel,
		Output: logger.OutputOptions{
			ToStdout: cfg.Log.Output.ToStdout,
			ToFile:   cfg.Log.Output.ToFile,
			FilePath: cfg.Log.Output.FilePath,
		},
		Rotation: logger.RotationOptions{
			MaxSizeMB:  cfg.Log.Rotation.MaxSizeMB,
			MaxBackups: cfg.Log.Rotation.MaxBackups,
			MaxAgeDays: cfg.Log.Rotation.MaxAgeDays,
			Compress:   cfg.Log.Rotation.Compress,
			LocalTime:  cfg.Log.Rotation.LocalTime,
		},
	}); err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer logger.Sync()

	if cfg.Timezone != "" {
		if loc, err := time.LoadLocation(cfg.Timezone); err == nil {
			time.Local = loc
		} else {
			logger.L().Warn("invalid timezone, keeping system default", zap.String("timezone", cfg.Timezone))
		}
	}

	app, cleanup, err := initializeApplication(cfg)
	if err != nil {
		logger.L().Fatal("initialize application", zap.Error(err))
	}
	defer cleanup()

	if cfg.Idempotency.Cleanup.Enabled {
		app.CleanupService.Start()
		defer app.CleanupService.Stop()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.L().Info("http server listening",
			zap.String("addr", app.Server.Addr),
			zap.String("store_backend", cfg.Store.Backend),
			zap.String("version", Version))
		if err := app.Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		logger.L().Info("shutting down http server")
		return app.Server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.L().Error("server exited with error", zap.Error(err))
	}
}
