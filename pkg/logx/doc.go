// Package logx configures rssbot's structured logging.
//
// This repo uses a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - Optional alert sinks (Matrix room, Telegram chat) with min-level + rate limiting
package logx
