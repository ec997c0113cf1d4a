package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/nkiryanov/authtoken/internal/handlers"
	"github.com/nkiryanov/authtoken/internal/logger"
	"github.com/nkiryanov/authtoken/internal/repository"
	"github.com/nkiryanov/authtoken/internal/repository/open"
	"github.com/nkiryanov/authtoken/internal/service/auth"
	"github.com/nkiryanov/authtoken/internal/service/auth/tokenmanager"
	"github.com/nkiryanov/authtoken/internal/service/gc"
)

const shutdownTimeout = 5 * time.Second

type ServerApp struct {
	ListenAddr string
	Handler    http.Handler

	collector *gc.Collector
	logger    logger.Logger
	close     func()
}

func NewServerApp(ctx context.Context, c *Config) (*ServerApp, error) {
	// Initialize logger
	logger, err := logger.New(c.Environment, c.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("error while initializing logger: %w", err)
	}

	key, err := c.SigningKey(os.ReadFile)
	if err != nil {
		return nil, fmt.Errorf("error while loading signing key. Err: %w", err)
	}

	if c.DatabaseDSN == "" {
		return nil, errors.New("database dsn must be set")
	}

	// Connect to the store and run migrations
	storage, closeStorage, err := open.Open(ctx, c.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("error while connecting to token store. Err: %w", err)
	}
	refreshStore := repository.Bounded(storage.Refresh(), c.StoreTimeout)

	// Initialize services
	tokenManager, err := tokenmanager.New(
		tokenmanager.Config{
			Key:        key,
			AccessTTL:  c.AccessTTL,
			RefreshTTL: c.RefreshTTL,
			ClockSkew:  c.ClockSkew,
			Logger:     logger,
		},
		refreshStore,
	)
	if err != nil {
		closeStorage()
		return nil, fmt.Errorf("error while creating token manager. Err: %w", err)
	}
	authService, err := auth.NewService(auth.Config{}, tokenManager, storage.User())
	if err != nil {
		closeStorage()
		return nil, fmt.Errorf("error while creating auth service. Err: %w", err)
	}

	collector := gc.New(gc.Config{Interval: c.GCInterval, Retention: c.GCRetention, Logger: logger}, refreshStore)

	mux := handlers.NewRouter(
		authService,
		handlers.ServiceInfo{Name: c.ServiceName, Version: c.ServiceVersion},
		logger,
	)

	logger.Info("Service configured",
		"service", c.ServiceName,
		"version", c.ServiceVersion,
		"alg", key.Alg(),
		"can_sign", key.CanSign(),
		"access_ttl", tokenManager.AccessTTL(),
		"refresh_ttl", tokenManager.RefreshTTL(),
	)

	return &ServerApp{
		ListenAddr: c.ListenAddr,
		Handler:    mux,
		collector:  collector,
		logger:     logger,
		close:      closeStorage,
	}, nil
}

// Run starts http server and closes gracefully on context cancellation
func (s *ServerApp) Run(ctx context.Context) error {
	defer s.close()

	httpServer := &http.Server{
		Addr:              s.ListenAddr,
		Handler:           s.Handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	idleConnsClosed := make(chan struct{})
	srvCtx, srvCtxCancel := context.WithCancel(ctx)
	defer srvCtxCancel()

	collectorStopped := s.collector.Run(srvCtx)

	go func() {
		<-srvCtx.Done()

		timeoutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := httpServer.Shutdown(timeoutCtx); errors.Is(err, context.DeadlineExceeded) {
			s.logger.Error("HTTP server shutdown timeout exceeded, forcing shutdown...")
		}
		s.logger.Info("HTTP server stopped")
		close(idleConnsClosed)
	}()

	// Listen and serve until context is cancelled; then close gracefully connections
	s.logger.Info("Starting server", "address", s.ListenAddr)
	err := httpServer.ListenAndServe()
	srvCtxCancel()
	<-idleConnsClosed
	<-collectorStopped

	return err
}
