package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"perch/internal/telemetry"
	"perch/pkg/bot"
	llmconfig "perch/pkg/llm/config"
	"perch/pkg/perch"
)

const (
	envConfigFile           = "PERCH_CONFIG_FILE"
	defaultConfigFilePath   = "config/perchbot.json"
	alternateConfigFilePath = "bin/config/perchbot.json"

	metricsReadHeaderTimeout = 5 * time.Second
	metricsShutdownTimeout   = 5 * time.Second
	clientShutdownTimeout    = 10 * time.Second
)

type appConfig struct {
	logLevel slog.Level

	client            perch.Config
	metricsListenAddr string
	responder         *llmconfig.Responder
}

type fileConfig struct {
	LogLevel          string           `json:"log_level"`
	Client            fileClientConfig `json:"client"`
	MetricsListenAddr string           `json:"metrics_listen_addr"`
	Responder         json.RawMessage  `json:"responder"`
}

type fileClientConfig struct {
	Endpoint          string `json:"endpoint"`
	APIBase           string `json:"api_base"`
	Token             string `json:"token"`
	ConnectTimeout    string `json:"connect_timeout"`
	RequestTimeout    string `json:"request_timeout"`
	MaxRetries        *int   `json:"max_retries"`
	RetryDelay        string `json:"retry_delay"`
	HeartbeatInterval string `json:"heartbeat_interval"`
	MessageCacheSize  *int   `json:"message_cache_size"`
	EchoCapacity      *int   `json:"echo_capacity"`
}

func run() error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.logLevel}))

	telemetry.Register()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.metricsListenAddr != "" {
		metricsServer := startMetricsServer(logger, cfg.metricsListenAddr)
		defer shutdownMetricsServer(logger, metricsServer)
	}

	replies, err := buildReplier(cfg.responder)
	if err != nil {
		return fmt.Errorf("build replier: %w", err)
	}

	client, err := bot.New(cfg.client, bot.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("new client: %w", err)
	}

	if err := registerHandlers(client, logger, replies); err != nil {
		return fmt.Errorf("register handlers: %w", err)
	}

	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	logger.InfoContext(ctx, "perchbot connected", "endpoint", cfg.client.Endpoint)

	<-ctx.Done()
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), clientShutdownTimeout)
	defer cancel()
	if err := client.Close(shutdownCtx); err != nil {
		return fmt.Errorf("close client: %w", err)
	}
	logger.Info("perchbot stopped")

	return nil
}

func loadConfig() (appConfig, error) {
	configFile, err := resolveConfigFilePath()
	if err != nil {
		return appConfig{}, err
	}

	cfg := defaultAppConfig()
	if err := applyConfigFile(&cfg, configFile); err != nil {
		return appConfig{}, err
	}
	if err := validateAppConfig(&cfg); err != nil {
		return appConfig{}, fmt.Errorf("validate config file %s: %w", configFile, err)
	}

	return cfg, nil
}

func resolveConfigFilePath() (string, error) {
	if configFile := strings.TrimSpace(os.Getenv(envConfigFile)); configFile != "" {
		return configFile, nil
	}

	candidates := []string{defaultConfigFilePath, alternateConfigFilePath}
	for _, candidate := range candidates {
		info, err := os.Stat(candidate)
		if err == nil {
			if info.IsDir() {
				return "", fmt.Errorf("config file %s is a directory", candidate)
			}
			return candidate, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("stat config file %s: %w", candidate, err)
		}
	}

	return "", fmt.Errorf(
		"config file not found; create %s or %s, or set %s",
		defaultConfigFilePath,
		alternateConfigFilePath,
		envConfigFile,
	)
}

func defaultAppConfig() appConfig {
	return appConfig{
		logLevel: slog.LevelInfo,
	}
}

func applyConfigFile(cfg *appConfig, path string) error {
	if cfg == nil {
		return fmt.Errorf("apply config file: nil config")
	}
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("config file path is required")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}

	var parsed fileConfig
	if err := json.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	if rawLevel := strings.TrimSpace(parsed.LogLevel); rawLevel != "" {
		level, err := parseLogLevel(rawLevel)
		if err != nil {
			return fmt.Errorf("parse log_level: %w", err)
		}
		cfg.logLevel = level
	}

	cfg.client.Endpoint = strings.TrimSpace(parsed.Client.Endpoint)
	cfg.client.APIBase = strings.TrimSpace(parsed.Client.APIBase)
	cfg.client.Token = strings.TrimSpace(parsed.Client.Token)
	if err := applyDuration(&cfg.client.ConnectTimeout, parsed.Client.ConnectTimeout, "client.connect_timeout"); err != nil {
		return err
	}
	if err := applyDuration(&cfg.client.RequestTimeout, parsed.Client.RequestTimeout, "client.request_timeout"); err != nil {
		return err
	}
	if err := applyDuration(&cfg.client.RetryDelay, parsed.Client.RetryDelay, "client.retry_delay"); err != nil {
		return err
	}
	if err := applyDuration(&cfg.client.HeartbeatInterval, parsed.Client.HeartbeatInterval, "client.heartbeat_interval"); err != nil {
		return err
	}
	if err := applyPositiveInt(&cfg.client.MaxRetries, parsed.Client.MaxRetries, "client.max_retries"); err != nil {
		return err
	}
	if err := applyPositiveInt(&cfg.client.MessageCacheSize, parsed.Client.MessageCacheSize, "client.message_cache_size"); err != nil {
		return err
	}
	if err := applyPositiveInt(&cfg.client.EchoCapacity, parsed.Client.EchoCapacity, "client.echo_capacity"); err != nil {
		return err
	}

	cfg.metricsListenAddr = strings.TrimSpace(parsed.MetricsListenAddr)

	cfg.responder = nil
	if len(parsed.Responder) > 0 && !isJSONNull(parsed.Responder) {
		responder, err := llmconfig.Parse(parsed.Responder)
		if err != nil {
			return fmt.Errorf("parse responder: %w", err)
		}
		cfg.responder = &responder
	}

	return nil
}

func validateAppConfig(cfg *appConfig) error {
	if cfg == nil {
		return fmt.Errorf("nil config")
	}
	if cfg.client.Endpoint == "" {
		return fmt.Errorf("client.endpoint is required")
	}
	if cfg.client.APIBase == "" {
		return fmt.Errorf("client.api_base is required")
	}
	if cfg.client.Token == "" {
		return fmt.Errorf("client.token is required")
	}

	return nil
}

func applyDuration(target *time.Duration, raw, scope string) error {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil
	}

	parsed, err := time.ParseDuration(trimmed)
	if err != nil {
		return fmt.Errorf("parse %s: %w", scope, err)
	}
	if parsed <= 0 {
		return fmt.Errorf("parse %s: must be > 0", scope)
	}
	*target = parsed

	return nil
}

func applyPositiveInt(target *int, value *int, scope string) error {
	if value == nil {
		return nil
	}
	if *value <= 0 {
		return fmt.Errorf("parse %s: must be > 0", scope)
	}
	*target = *value

	return nil
}

func isJSONNull(raw json.RawMessage) bool {
	return strings.TrimSpace(string(raw)) == "null"
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
		return 0, fmt.Errorf("unsupported level %q", raw)
	}
}

func startMetricsServer(logger *slog.Logger, addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: metricsReadHeaderTimeout,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server exited with error", "error", err)
		}
	}()
	logger.Info("metrics server listening", "addr", addr)

	return server
}

func shutdownMetricsServer(logger *slog.Logger, server *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("metrics server shutdown failed", "error", err)
	}
}
