package sqlitedb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/animus-labs/cargo-custody/internal/platform/env"
	_ "modernc.org/sqlite"
)

type Config struct {
	Path        string
	BusyTimeout time.Duration
	PingTimeout time.Duration
}

func ConfigFromEnv() (Config, error) {
	busy, err := env.Duration("CUSTODY_SQLITE_BUSY_TIMEOUT", 5*time.Second)
	if err != nil {
		return Config{}, err
	}
	ping, err := env.Duration("CUSTODY_SQLITE_PING_TIMEOUT", 2*time.Second)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Path:        env.String("CUSTODY_SQLITE_PATH", "custody.db"),
		BusyTimeout: busy,
		PingTimeout: ping,
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Path) == "" {
		return errors.New("CUSTODY_SQLITE_PATH is required")
	}
	if c.BusyTimeout < 0 {
		return errors.New("CUSTODY_SQLITE_BUSY_TIMEOUT must be >= 0")
	}
	if c.PingTimeout <= 0 {
		return errors.New("CUSTODY_SQLITE_PING_TIMEOUT must be positive")
	}
	return nil
}

// DSN renders the modernc.org/sqlite connection string. Writers take the
// database lock when the transaction begins.
func (c Config) DSN() string {
	path := c.Path
	if path != ":memory:" {
		path = filepath.Clean(path)
	}
	return fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_txlock=immediate",
		path, c.BusyTimeout.Milliseconds())
}

// Open returns a single-connection handle; sqlite serializes writers anyway
// and one connection keeps ":memory:" databases coherent.
func Open(ctx context.Context, cfg Config) (*sql.DB, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	return db, nil
}
