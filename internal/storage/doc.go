// Package storage persists the set of known entry identifiers.
//
// Drivers:
//   - "account_data": the bot account's Matrix account data (default)
//   - "file": a JSON document replaced atomically on every save
//   - "sqlite": a SQLite database (modernc, no cgo)
//   - "none": nothing is persisted; Open returns a nil Store
//
// Every driver stores the whole set on each save (overwrite semantics).
package storage
