package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"opstracker/backend/internal/bootstrap"
	"opstracker/backend/internal/config"
	"opstracker/backend/internal/httpapi"
	"opstracker/backend/internal/logging"
)

func main() {
	cfg := config.Load()
	logger := logging.New(cfg.LogLevel)
	if err := validateSecurityConfig(cfg); err != nil {
		logger.WithError(err).Fatal("invalid security configuration")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	app, err := bootstrap.Open(ctx, cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("failed to open ledger")
	}

	auth, err := newAuthManager(cfg)
	if err != nil {
		logger.WithError(err).Fatal("failed to register users")
	}
	api := httpapi.New(app.Service, auth, httpapi.Options{
		AllowedOrigin: cfg.AllowedOrigin,
		Metrics:       app.Metrics,
		Logger:        logger,
	})

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.WithFields(logrus.Fields{"addr": cfg.Address(), "base_currency": cfg.BaseCurrency}).Info("ledger backend listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("server error")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("shutdown error")
	}
	if err := app.Close(); err != nil {
		logger.WithError(err).Warn("close error")
	}

	logger.Info("server stopped")
}

func newAuthManager(cfg config.Config) (*httpapi.AuthManager, error) {
	auth := httpapi.NewAuthManager(cfg.AuthSecret, cfg.AccessTokenTTL())
	if err := auth.AddUser(cfg.OperatorUsername, cfg.OperatorPassword, httpapi.RoleOperator); err != nil {
		return nil, fmt.Errorf("operator: %w", err)
	}
	if cfg.ViewerPassword != "" {
		if err := auth.AddUser(cfg.ViewerUsername, cfg.ViewerPassword, httpapi.RoleViewer); err != nil {
			return nil, fmt.Errorf("viewer: %w", err)
		}
	}
	return auth, nil
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if len(cfg.OperatorPassword) < 10 {
		return fmt.Errorf("OPERATOR_PASSWORD must be set and at least 10 characters")
	}
	if cfg.ViewerPassword != "" && len(cfg.ViewerPassword) < 10 {
		return fmt.Errorf("VIEWER_PASSWORD must be at least 10 characters when set")
	}
	if cfg.OperatorPassword == cfg.AuthSecret {
		return fmt.Errorf("OPERATOR_PASSWORD must differ from AUTH_SECRET")
	}
	return nil
}
