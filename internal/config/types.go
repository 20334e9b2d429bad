package config

// Config is the optional bot config file. Every field has a default (see
// Default), so an empty document is valid.
type Config struct {
	Matrix   MatrixConfig   `json:"matrix"`
	Logging  LoggingConfig  `json:"logging"`
	Fetch    FetchConfig    `json:"fetch"`
	Dispatch DispatchConfig `json:"dispatch"`
	Storage  StorageConfig  `json:"storage"`
	Status   StatusConfig   `json:"status"`
}

// MatrixConfig tunes the chat transport. Credentials come from the command
// line, never from this file.
type MatrixConfig struct {
	// CommandPrefix starts a room command (default "!rss").
	CommandPrefix string `json:"command_prefix"`
	// AutoJoin accepts room invites (default true).
	AutoJoin bool `json:"auto_join"`
	// RequestTimeout bounds single homeserver requests, Go duration string.
	RequestTimeout string `json:"request_timeout"`
}

type LoggingConfig struct {
	Level   string        `json:"level"`
	Console bool          `json:"console"`
	File    LoggingFile   `json:"file"`
	Alerts  LoggingAlerts `json:"alerts"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingAlerts forwards high-severity log records to operators.
type LoggingAlerts struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
	// MatrixRoom receives alerts as notices when set.
	MatrixRoom string         `json:"matrix_room,omitempty"`
	Telegram   TelegramAlerts `json:"telegram"`
}

type TelegramAlerts struct {
	Token    string `json:"token,omitempty"` // do not log
	ChatID   int64  `json:"chat_id,omitempty"`
	ThreadID int    `json:"thread_id,omitempty"`
}

// FetchConfig controls feed polling.
//
// Defaults: concurrency 1 (one feed at a time), timeout "30s".
type FetchConfig struct {
	Concurrency int    `json:"concurrency"`
	Timeout     string `json:"timeout"`
	UserAgent   string `json:"user_agent,omitempty"`
}

// DispatchConfig controls announcement delivery.
//
// All durations are Go duration strings (e.g. "500ms", "10s").
type DispatchConfig struct {
	Workers       int    `json:"workers"`
	QueueSize     int    `json:"queue_size"`
	RatePerSec    int    `json:"rate_per_sec"`
	RetryMax      int    `json:"retry_max"`
	RetryBase     string `json:"retry_base"`
	RetryMaxDelay string `json:"retry_max_delay"`
	SendTimeout   string `json:"send_timeout"`
}

// StorageConfig selects where known entry identifiers live.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/rssbot.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
	// FlushSchedule is a cron spec for retrying failed saves (default "@every 5m").
	FlushSchedule string `json:"flush_schedule"`
}

// StatusConfig controls the local status HTTP server (/status, /healthz,
// /metrics, /debug/pprof). Prefer a loopback address.
type StatusConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr"`
}

// Default returns the configuration used when no file is given; file
// contents are decoded on top of it.
func Default() *Config {
	return &Config{
		Matrix: MatrixConfig{
			CommandPrefix:  "!rss",
			AutoJoin:       true,
			RequestTimeout: "30s",
		},
		Logging: LoggingConfig{
			Level:   "info",
			Console: true,
			Alerts: LoggingAlerts{
				MinLevel:   "error",
				RatePerSec: 1,
			},
		},
		Fetch: FetchConfig{
			Concurrency: 1,
			Timeout:     "30s",
		},
		Dispatch: DispatchConfig{
			Workers:       1,
			QueueSize:     256,
			RatePerSec:    5,
			RetryMax:      2,
			RetryBase:     "500ms",
			RetryMaxDelay: "10s",
			SendTimeout:   "15s",
		},
		Storage: StorageConfig{
			Driver:        "account_data",
			FlushSchedule: "@every 5m",
		},
		Status: StatusConfig{
			Addr: "127.0.0.1:8089",
		},
	}
}
