package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/huandu/go-sqlbuilder"
	_ "modernc.org/sqlite"

	logx "rssbot/pkg/logx"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// insertBatch keeps each INSERT well under SQLite's bound-parameter limit.
const insertBatch = 500

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	if err := migrateSQLite(path); err != nil {
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	return &sqliteStore{db: db, log: log}, nil
}

func migrateSQLite(path string) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return err
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, "sqlite://"+path)
	if err != nil {
		return err
	}
	defer m.Close()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

func (s *sqliteStore) Driver() string { return "sqlite" }

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) LoadKnown(ctx context.Context) ([]string, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	sb := sqlbuilder.SQLite.NewSelectBuilder()
	sb.Select("guid").From("known_guids").OrderBy("guid")
	query, args := sb.Build()

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// SaveKnown replaces the table contents in one transaction.
func (s *sqliteStore) SaveKnown(ctx context.Context, ids []string) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	del := sqlbuilder.SQLite.NewDeleteBuilder()
	del.DeleteFrom("known_guids")
	query, args := del.Build()
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return err
	}

	for start := 0; start < len(ids); start += insertBatch {
		end := min(start+insertBatch, len(ids))
		ib := sqlbuilder.SQLite.NewInsertBuilder()
		ib.InsertIgnoreInto("known_guids").Cols("guid")
		for _, id := range ids[start:end] {
			ib.Values(id)
		}
		query, args := ib.Build()
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	s.log.Trace("known set written", logx.Int("count", len(ids)))
	return nil
}
