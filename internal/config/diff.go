package config

import (
	"reflect"
	"strings"

	logx "rssbot/pkg/logx"
)

// Sections applied without restart by the running bot.
var liveSections = map[string]bool{"logging": true, "fetch": true, "dispatch": true}

// SummarizeConfigChange returns the changed sections, safe structured fields
// for logging (secrets are reported as set/unset only) and the changed
// sections that need a restart to take effect.
func SummarizeConfigChange(oldCfg, newCfg *Config) (changed []string, attrs []logx.Field, restart []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	note := func(section string, fields ...logx.Field) {
		changed = append(changed, section)
		attrs = append(attrs, fields...)
		if !liveSections[section] {
			restart = append(restart, section)
		}
	}

	if !reflect.DeepEqual(oldCfg.Matrix, newCfg.Matrix) {
		note("matrix",
			logx.String("matrix.command_prefix", newCfg.Matrix.CommandPrefix),
			logx.Bool("matrix.auto_join", newCfg.Matrix.AutoJoin),
		)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		a := newCfg.Logging.Alerts
		note("logging",
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.alerts_enabled", a.Enabled),
			logx.String("logging.alerts_min_level", a.MinLevel),
			logx.Bool("logging.alerts_matrix_room_set", strings.TrimSpace(a.MatrixRoom) != ""),
			logx.Bool("logging.alerts_telegram_set", strings.TrimSpace(a.Telegram.Token) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Fetch, newCfg.Fetch) {
		note("fetch",
			logx.Int("fetch.concurrency", newCfg.Fetch.Concurrency),
			logx.String("fetch.timeout", newCfg.Fetch.Timeout),
		)
	}

	if !reflect.DeepEqual(oldCfg.Dispatch, newCfg.Dispatch) {
		d := newCfg.Dispatch
		note("dispatch",
			logx.Int("dispatch.workers", d.Workers),
			logx.Int("dispatch.rate_per_sec", d.RatePerSec),
			logx.Int("dispatch.retry_max", d.RetryMax),
			logx.String("dispatch.retry_base", d.RetryBase),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		note("storage",
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.String("storage.flush_schedule", newCfg.Storage.FlushSchedule),
		)
	}

	if oldCfg.Status != newCfg.Status {
		note("status",
			logx.Bool("status.enabled", newCfg.Status.Enabled),
			logx.String("status.addr", newCfg.Status.Addr),
		)
	}
	return changed, attrs, restart
}
