package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"

	logx "rssbot/pkg/logx"
)

// Validate reports every problem in cfg at once.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	if strings.TrimSpace(cfg.Matrix.CommandPrefix) == "" {
		add(errors.New("matrix.command_prefix must not be empty"))
	}
	_, err := ParseDurationField("matrix.request_timeout", cfg.Matrix.RequestTimeout)
	add(err)

	if !logx.ValidLevel(cfg.Logging.Level) {
		add(fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level))
	}
	if cfg.Logging.File.Enabled && strings.TrimSpace(cfg.Logging.File.Path) == "" {
		add(errors.New("logging.file.path is required when logging.file.enabled"))
	}
	if a := cfg.Logging.Alerts; a.Enabled {
		if !logx.ValidLevel(a.MinLevel) {
			add(fmt.Errorf("logging.alerts.min_level: unknown level %q", a.MinLevel))
		}
		if (a.Telegram.Token == "") != (a.Telegram.ChatID == 0) {
			add(errors.New("logging.alerts.telegram needs both token and chat_id"))
		}
		if a.MatrixRoom == "" && a.Telegram.Token == "" {
			add(errors.New("logging.alerts enabled without matrix_room or telegram target"))
		}
	}

	if cfg.Fetch.Concurrency < 0 {
		add(errors.New("fetch.concurrency must be >= 0"))
	}
	_, err = ParseDurationField("fetch.timeout", cfg.Fetch.Timeout)
	add(err)

	d := cfg.Dispatch
	if d.Workers < 0 || d.QueueSize < 0 || d.RatePerSec < 0 || d.RetryMax < 0 {
		add(errors.New("dispatch: workers, queue_size, rate_per_sec and retry_max must be >= 0"))
	}
	for path, raw := range map[string]string{
		"dispatch.retry_base":      d.RetryBase,
		"dispatch.retry_max_delay": d.RetryMaxDelay,
		"dispatch.send_timeout":    d.SendTimeout,
		"storage.busy_timeout":     cfg.Storage.BusyTimeout,
	} {
		_, err := ParseDurationField(path, raw)
		add(err)
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "account_data", "accountdata", "none":
	case "file", "sqlite", "sqlite3":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			add(fmt.Errorf("storage.path is required for driver %q", cfg.Storage.Driver))
		}
	default:
		add(fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
	}
	if s := strings.TrimSpace(cfg.Storage.FlushSchedule); s != "" {
		if _, err := cron.ParseStandard(s); err != nil {
			add(fmt.Errorf("storage.flush_schedule: %w", err))
		}
	}

	if cfg.Status.Enabled && strings.TrimSpace(cfg.Status.Addr) == "" {
		add(errors.New("status.addr is required when status.enabled"))
	}
	return errors.Join(errs...)
}
