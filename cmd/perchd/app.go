// Command perchd runs a throwaway local Perch server for bot development.
//
// It speaks just enough of the platform surface for a client to connect,
// identify, send, and watch pushes come back: one websocket push endpoint at
// /gateway and the entity lookup API under /users, /channels and /messages.
// Everything lives in memory and vanishes on exit.
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
)

const (
	envListenAddr = "PERCHD_LISTEN_ADDR"
	envToken      = "PERCHD_TOKEN"
	envLogLevel   = "PERCHD_LOG_LEVEL"

	defaultListenAddr = "127.0.0.1:8764"
	defaultToken      = "local-dev-token"

	readHeaderTimeout = 5 * time.Second
	shutdownTimeout   = 5 * time.Second
)

type appConfig struct {
	listenAddr string
	token      string
	logLevel   slog.Level
}

func loadConfig() (appConfig, error) {
	cfg := appConfig{
		listenAddr: defaultListenAddr,
		token:      defaultToken,
		logLevel:   slog.LevelInfo,
	}

	if addr := strings.TrimSpace(os.Getenv(envListenAddr)); addr != "" {
		cfg.listenAddr = addr
	}
	if token := strings.TrimSpace(os.Getenv(envToken)); token != "" {
		cfg.token = token
	}
	if raw := strings.TrimSpace(os.Getenv(envLogLevel)); raw != "" {
		level, err := parseLogLevel(raw)
		if err != nil {
			return appConfig{}, fmt.Errorf("parse %s: %w", envLogLevel, err)
		}
		cfg.logLevel = level
	}

	return cfg, nil
}

func run() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.logLevel}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stub := newServer(cfg.token, logger)

	httpServer := &http.Server{
		Addr:              cfg.listenAddr,
		Handler:           stub.routes(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- httpServer.ListenAndServe()
	}()

	logger.Info("perchd listening",
		"addr", cfg.listenAddr,
		"push_endpoint", "ws://"+cfg.listenAddr+"/gateway",
		"api_base", "http://"+cfg.listenAddr)

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve %s: %w", cfg.listenAddr, err)
		}
		return nil
	case <-ctx.Done():
	}
	stop()

	// Shutdown releases the listener; upgraded push connections are hijacked
	// from the HTTP server and need their own teardown.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown failed", "error", err)
	}
	stub.closeAll()

	logger.Info("perchd stopped")

	return nil
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", raw)
	}
}
