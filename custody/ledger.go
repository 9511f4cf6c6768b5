package main

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/animus-labs/cargo-custody/internal/ledger"
	"github.com/animus-labs/cargo-custody/internal/ledger/memstore"
	"github.com/animus-labs/cargo-custody/internal/ledger/sqlstore"
	"github.com/animus-labs/cargo-custody/internal/platform/env"
	"github.com/animus-labs/cargo-custody/internal/platform/postgres"
	"github.com/animus-labs/cargo-custody/internal/platform/sqlitedb"
)

const (
	backendMemory   = "memory"
	backendSQLite   = "sqlite"
	backendPostgres = "postgres"
)

type ledgerConfig struct {
	Backend  string
	SQLite   sqlitedb.Config
	Postgres postgres.Config
}

func ledgerConfigFromEnv() (ledgerConfig, error) {
	cfg := ledgerConfig{Backend: strings.ToLower(env.String("CUSTODY_LEDGER_BACKEND", backendSQLite))}
	var err error
	switch cfg.Backend {
	case backendMemory:
	case backendSQLite:
		cfg.SQLite, err = sqlitedb.ConfigFromEnv()
	case backendPostgres:
		cfg.Postgres, err = postgres.ConfigFromEnv()
	default:
		err = fmt.Errorf("CUSTODY_LEDGER_BACKEND must be one of memory|sqlite|postgres, got %q", cfg.Backend)
	}
	if err != nil {
		return ledgerConfig{}, err
	}
	return cfg, nil
}

// openedLedger is a ledger store plus the lifecycle hooks of its backend.
type openedLedger struct {
	ledger.Store
	db *sql.DB
}

func (l *openedLedger) Ping(ctx context.Context) error {
	if l.db == nil {
		return ctx.Err()
	}
	return l.db.PingContext(ctx)
}

func (l *openedLedger) Close() error {
	if l.db == nil {
		return nil
	}
	return l.db.Close()
}

func openLedger(ctx context.Context, cfg ledgerConfig) (*openedLedger, error) {
	var (
		db      *sql.DB
		dialect sqlstore.Dialect
		err     error
	)
	switch cfg.Backend {
	case backendMemory:
		return &openedLedger{Store: memstore.New()}, nil
	case backendSQLite:
		db, err = sqlitedb.Open(ctx, cfg.SQLite)
		dialect = sqlstore.SQLite
	case backendPostgres:
		db, err = postgres.Open(ctx, cfg.Postgres)
		dialect = sqlstore.Postgres
	default:
		return nil, fmt.Errorf("unknown ledger backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}

	store, err := sqlstore.New(db, dialect)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate ledger: %w", err)
	}
	return &openedLedger{Store: store, db: db}, nil
}
