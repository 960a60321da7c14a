package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/spf13/viper"

	"github.com/flying-pisces/mkd-automation-sub001/controller/internal/clock"
	"github.com/flying-pisces/mkd-automation-sub001/controller/internal/config"
	"github.com/flying-pisces/mkd-automation-sub001/controller/internal/correlator"
	internalhttp "github.com/flying-pisces/mkd-automation-sub001/controller/internal/http"
	"github.com/flying-pisces/mkd-automation-sub001/controller/internal/hub"
	"github.com/flying-pisces/mkd-automation-sub001/controller/internal/mockbackend"
	"github.com/flying-pisces/mkd-automation-sub001/controller/internal/monitor"
	"github.com/flying-pisces/mkd-automation-sub001/controller/internal/policy"
	"github.com/flying-pisces/mkd-automation-sub001/controller/internal/session"
	"github.com/flying-pisces/mkd-automation-sub001/controller/internal/store"
	"github.com/flying-pisces/mkd-automation-sub001/controller/internal/transport"
	"github.com/flying-pisces/mkd-automation-sub001/controller/internal/validator"
	"github.com/flying-pisces/mkd-automation-sub001/controller/internal/ws"
)

func main() {
	if err := run(); err != nil {
		slog.Error("controller failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(viper.New())
	if err != nil {
		return err
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	logger.Info("starting controller",
		"ws_port", cfg.WSPort,
		"http_port", cfg.HTTPPort,
		"backend_mode", cfg.BackendMode,
		"backend_host", cfg.BackendHost,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	history, err := store.NewSQLiteStore(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer history.Close()

	engine, err := policy.NewDefaultEngine(ctx)
	if err != nil {
		return fmt.Errorf("load command policy: %w", err)
	}

	connectionHub := hub.New(logger)

	corr := correlator.New(newDialer(cfg, logger), correlator.Options{
		Identity:       cfg.BackendHost,
		DefaultTimeout: cfg.RequestTimeout,
		Logger:         logger,
	})
	defer corr.Close()

	mon := monitor.New(corr, cfg.Retry, connectionHub, clock.Real(), logger)
	corr.SetRecorder(mon)

	monitorCtx, stopMonitor := context.WithCancel(ctx)
	defer stopMonitor()

	coordinator := session.New(session.Options{
		Dispatcher:   corr,
		Validator:    validator.New(engine),
		Connectivity: mon,
		Notifier:     connectionHub,
		History:      history,
		Logger:       logger,
	})

	mon.SetReconciler(coordinator)
	go mon.Run(monitorCtx)

	wsEcho := echo.New()
	wsEcho.HideBanner = true
	wsEcho.HidePort = true
	wsEcho.Use(middleware.Logger())
	wsEcho.Use(middleware.Recover())
	ws.NewServer(cfg, connectionHub, coordinator, logger).Register(wsEcho)

	httpServer := internalhttp.NewServer(connectionHub, coordinator)

	errCh := make(chan error, 2)
	go func() {
		if err := wsEcho.Start(fmt.Sprintf(":%d", cfg.WSPort)); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("websocket server: %w", err)
		}
	}()
	go func() {
		if err := httpServer.Start(fmt.Sprintf(":%d", cfg.HTTPPort)); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down controller")
	case runErr = <-errCh:
		logger.Error("server stopped", "error", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := wsEcho.Shutdown(shutdownCtx); err != nil {
		logger.Warn("failed to shutdown websocket server gracefully", "error", err)
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("failed to shutdown http server gracefully", "error", err)
	}
	stopMonitor()

	logger.Info("controller stopped")
	return runErr
}

func newDialer(cfg *config.Config, logger *slog.Logger) transport.Dialer {
	opts := transport.Options{MaxFrameSize: cfg.MaxFrameSize, Logger: logger}
	if cfg.BackendMode == config.BackendMock {
		logger.Warn("using in-process mock backend")
		return mockbackend.New(mockbackend.Options{Transport: opts, Logger: logger}).Dialer(opts)
	}
	return &transport.ProcessDialer{
		Hosts: map[string]transport.Host{
			cfg.BackendHost: {Path: cfg.BackendCommand, Args: cfg.BackendArgs},
		},
		Options: opts,
	}
}

func newLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if strings.EqualFold(cfg.LogFormat, "json") {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}
