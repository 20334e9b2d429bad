package app

import (
	"strings"
	"time"

	"rssbot/internal/config"
	"rssbot/internal/notifier"
	"rssbot/internal/observability/status"
	"rssbot/internal/storage"
	logx "rssbot/pkg/logx"
)

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Driver: driver, Path: strings.TrimSpace(sc.Path), BusyTimeout: busy}, nil
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	d := cfg.Dispatch
	base, err := config.ParseDurationOrDefault("dispatch.retry_base", d.RetryBase, 500*time.Millisecond)
	if err != nil {
		return notifier.Config{}, err
	}
	maxDelay, err := config.ParseDurationOrDefault("dispatch.retry_max_delay", d.RetryMaxDelay, 10*time.Second)
	if err != nil {
		return notifier.Config{}, err
	}
	sendTimeout, err := config.ParseDurationOrDefault("dispatch.send_timeout", d.SendTimeout, 15*time.Second)
	if err != nil {
		return notifier.Config{}, err
	}
	return notifier.Config{
		Workers:       d.Workers,
		QueueSize:     d.QueueSize,
		RatePerSec:    d.RatePerSec,
		RetryMax:      d.RetryMax,
		RetryBase:     base,
		RetryMaxDelay: maxDelay,
		SendTimeout:   sendTimeout,
	}, nil
}

// mapFetchLimits returns the engine concurrency and per-fetch timeout.
func mapFetchLimits(cfg *config.Config) (int, time.Duration, error) {
	timeout, err := config.ParseDurationOrDefault("fetch.timeout", cfg.Fetch.Timeout, 30*time.Second)
	if err != nil {
		return 0, 0, err
	}
	return max(1, cfg.Fetch.Concurrency), timeout, nil
}

func mapLogConfig(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Alerts: logx.AlertConfig{
			Enabled:    l.Alerts.Enabled,
			MinLevel:   l.Alerts.MinLevel,
			RatePerSec: l.Alerts.RatePerSec,
		},
	}
}

func mapStatusConfig(cfg *config.Config) status.Config {
	return status.Config{Enabled: cfg.Status.Enabled, Addr: strings.TrimSpace(cfg.Status.Addr)}
}
