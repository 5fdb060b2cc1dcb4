// Package config содержит логику чтения конфигурации сервиса часового леджера.
package config

import (
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config содержит параметры конфигурации сервиса часового леджера.
type Config struct {
	RunAddress          string        `env:"RUN_ADDRESS"`
	DatabaseURI         string        `env:"DATABASE_URI"`
	AlertsAddress       string        `env:"ALERTS_ADDRESS"`
	ServiceSecret       string        `env:"SERVICE_SECRET"`
	LowBalanceThreshold string        `env:"LOW_BALANCE_THRESHOLD"`
	ScanInterval        time.Duration `env:"SCAN_INTERVAL"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envAlertsAddress := cfg.AlertsAddress
	envServiceSecret := cfg.ServiceSecret
	envLowBalanceThreshold := cfg.LowBalanceThreshold
	envScanInterval := cfg.ScanInterval

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.AlertsAddress, "r", "", "alerts service address")
	flag.StringVar(&cfg.ServiceSecret, "s", "", "shared secret for service tokens")
	flag.StringVar(&cfg.LowBalanceThreshold, "t", "", "low balance alert threshold in hours")
	flag.DurationVar(&cfg.ScanInterval, "i", 0, "alert scan interval")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envAlertsAddress != "" {
		cfg.AlertsAddress = envAlertsAddress
	}
	if envServiceSecret != "" {
		cfg.ServiceSecret = envServiceSecret
	}
	if envLowBalanceThreshold != "" {
		cfg.LowBalanceThreshold = envLowBalanceThreshold
	}
	if envScanInterval != 0 {
		cfg.ScanInterval = envScanInterval
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}

	return cfg, nil
}
