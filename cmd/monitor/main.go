package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/vitos/option_price_monitor/internal/domain"
	"github.com/vitos/option_price_monitor/internal/infrastructure/exchange"
	"github.com/vitos/option_price_monitor/internal/infrastructure/logger"
	"github.com/vitos/option_price_monitor/internal/infrastructure/storage"
	"github.com/vitos/option_price_monitor/internal/usecase"
	"github.com/vitos/option_price_monitor/internal/web"
)

type Config struct {
	Server struct {
		Port int `yaml:"port"`
	} `yaml:"server"`
	Bybit struct {
		Testnet      bool   `yaml:"testnet"`
		WSEndpoint   string `yaml:"ws_endpoint"`
		RESTEndpoint string `yaml:"rest_endpoint"`
	} `yaml:"bybit"`
	Monitor struct {
		MaxTasks            int     `yaml:"max_tasks"`
		DefaultTimeoutHours float64 `yaml:"default_timeout_hours"`
		MaxTimeoutHours     float64 `yaml:"max_timeout_hours"`
		SpotSymbol          string  `yaml:"spot_symbol"`
		SpotPollIntervalMs  int     `yaml:"spot_poll_interval_ms"`
		SweepIntervalMs     int     `yaml:"sweep_interval_ms"`
		RetentionMinutes    int     `yaml:"retention_minutes"`
	} `yaml:"monitor"`
	Webhook struct {
		MaxAttempts      int `yaml:"max_attempts"`
		BackoffBaseMs    int `yaml:"backoff_base_ms"`
		BackoffMaxMs     int `yaml:"backoff_max_ms"`
		AttemptTimeoutMs int `yaml:"attempt_timeout_ms"`
	} `yaml:"webhook"`
	Storage struct {
		Driver string `yaml:"driver"` // "memory" or "sqlite"
		Path   string `yaml:"path"`
	} `yaml:"storage"`
	Logging struct {
		Level string `yaml:"level"`
		File  string `yaml:"file"`
	} `yaml:"logging"`
}

func loadConfig(path string) (*Config, error) {
	cfg := defaultConfig()

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}
	defer f.Close()

	if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaultConfig() *Config {
	cfg := &Config{}
	cfg.Server.Port = 8888
	cfg.Bybit.Testnet = true
	cfg.Monitor.MaxTasks = 100
	cfg.Monitor.DefaultTimeoutHours = 24
	cfg.Monitor.MaxTimeoutHours = 168
	cfg.Monitor.SpotSymbol = "BTCUSDT"
	cfg.Monitor.SpotPollIntervalMs = 2000
	cfg.Monitor.SweepIntervalMs = 300000
	cfg.Monitor.RetentionMinutes = 60
	cfg.Webhook.MaxAttempts = 5
	cfg.Webhook.BackoffBaseMs = 1000
	cfg.Webhook.BackoffMaxMs = 30000
	cfg.Webhook.AttemptTimeoutMs = 30000
	cfg.Storage.Driver = "memory"
	cfg.Storage.Path = "monitor.db"
	cfg.Logging.Level = "info"
	return cfg
}

// applyEnvOverrides keeps compatibility with the environment knobs the
// service has always been deployed with.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MONITOR_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("BYBIT_TESTNET"); v != "" {
		cfg.Bybit.Testnet = v == "true" || v == "1"
	}
	if v := os.Getenv("MAX_MONITOR_TASKS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Monitor.MaxTasks = n
		}
	}
	if v := os.Getenv("TASK_TIMEOUT_HOURS"); v != "" {
		if h, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Monitor.DefaultTimeoutHours = h
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("LOG_FILE"); v != "" {
		cfg.Logging.File = v
	}
	if v := os.Getenv("STORAGE_DRIVER"); v != "" {
		cfg.Storage.Driver = v
	}
}

func main() {
	// .env is optional; real environments set variables directly.
	_ = godotenv.Load()

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config/config.yaml"
	}
	cfg, err := loadConfig(configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}
	applyEnvOverrides(cfg)

	var log *zap.Logger
	if cfg.Logging.File != "" {
		log, err = logger.NewFileLogger(cfg.Logging.File, cfg.Logging.Level)
	} else {
		log, err = logger.NewLogger(cfg.Logging.Level)
	}
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	var repo domain.TaskRepository
	switch cfg.Storage.Driver {
	case "sqlite":
		store, err := storage.NewSQLiteStore(cfg.Storage.Path, cfg.Monitor.MaxTasks)
		if err != nil {
			log.Fatal("Failed to init sqlite store", zap.Error(err))
		}
		defer store.Close()
		repo = store
	default:
		repo = storage.NewMemoryStore(cfg.Monitor.MaxTasks)
	}

	restURL, wsURL := exchange.MainnetRESTURL, exchange.MainnetWSURL
	if cfg.Bybit.Testnet {
		restURL, wsURL = exchange.TestnetRESTURL, exchange.TestnetWSURL
	}
	if cfg.Bybit.RESTEndpoint != "" {
		restURL = cfg.Bybit.RESTEndpoint
	}
	if cfg.Bybit.WSEndpoint != "" {
		wsURL = cfg.Bybit.WSEndpoint
	}
	feed := exchange.NewBybitFeed(restURL, wsURL, log)

	mux := usecase.NewFeedMux(feed, repo, cfg.Monitor.SpotSymbol,
		time.Duration(cfg.Monitor.SpotPollIntervalMs)*time.Millisecond, log)
	defer mux.Close()

	notifier := usecase.NewWebhookNotifier(
		cfg.Webhook.MaxAttempts,
		time.Duration(cfg.Webhook.BackoffBaseMs)*time.Millisecond,
		time.Duration(cfg.Webhook.BackoffMaxMs)*time.Millisecond,
		time.Duration(cfg.Webhook.AttemptTimeoutMs)*time.Millisecond,
		log)

	svc := usecase.NewMonitorService(repo, mux, feed, notifier, usecase.MonitorConfig{
		DefaultTimeoutHours: cfg.Monitor.DefaultTimeoutHours,
		MaxTimeoutHours:     cfg.Monitor.MaxTimeoutHours,
		SpotSymbol:          cfg.Monitor.SpotSymbol,
		SweepInterval:       time.Duration(cfg.Monitor.SweepIntervalMs) * time.Millisecond,
		Retention:           time.Duration(cfg.Monitor.RetentionMinutes) * time.Minute,
	}, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Connect the option stream before serving; keep retrying rather than
	// exiting, the process must survive a flaky exchange.
	for {
		if err := feed.Connect(ctx); err != nil {
			log.Error("Failed to connect market data stream, retrying", zap.Error(err))
			select {
			case <-time.After(5 * time.Second):
				continue
			case <-ctx.Done():
				return
			}
		}
		break
	}
	defer feed.Close()

	if err := svc.Bootstrap(ctx); err != nil {
		log.Error("Bootstrap failed", zap.Error(err))
	}

	go svc.Run(ctx)
	go svc.RunSweeper(ctx)

	server := web.NewServer(cfg.Server.Port, svc, log)
	go func() {
		if err := server.Start(); err != nil {
			log.Fatal("Web server failed", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Info("Shutting down...")
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("Web server shutdown failed", zap.Error(err))
	}
}
