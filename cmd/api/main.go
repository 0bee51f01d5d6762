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

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"boilermate/api/internal/app"
	"boilermate/api/internal/config"
	"boilermate/api/internal/email"
	"boilermate/api/internal/merge"
	"boilermate/api/internal/session"
	"boilermate/api/internal/store"
)

func main() {
	cfg := config.Load()

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("logger setup failed: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("api exited", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir, logger); err != nil {
		return err
	}

	sessions, err := session.NewRedisStore(cfg.RedisURL)
	if err != nil {
		return err
	}
	defer sessions.Close()

	dataStore := store.NewPostgresStore(db, logger.Named("store"), cfg.TxMaxRetries)
	engine := merge.NewEngine(dataStore, logger.Named("merge"))
	mailer := email.NewService(email.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		FromName: cfg.SMTPFromName,
	})
	notifier := email.NewNotifier(mailer, dataStore, logger.Named("notify"))
	if !notifier.Enabled() {
		logger.Info("SMTP not configured, merge notifications disabled")
	}

	service := app.New(cfg, engine, sessions, dataStore, notifier, logger.Named("service"))
	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, cfg.DevLogin, logger.Named("http"))
	if cfg.DevLogin {
		logger.Warn("development login enabled")
	}

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("boilermate api listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-serverErr:
		return err
	case sig := <-sigCh:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", zap.Error(err))
	}
	if err := service.Drain(shutdownCtx); err != nil {
		logger.Warn("pending notifications dropped", zap.Error(err))
	}
	return nil
}

func newLogger(level string) (*zap.Logger, error) {
	parsed, err := zapcore.ParseLevel(level)
	if err != nil {
		parsed = zapcore.InfoLevel
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(parsed)
	return cfg.Build()
}
