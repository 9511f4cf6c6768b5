package sqlitedb

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("CUSTODY_SQLITE_PATH", "/var/lib/custody/ledger.db")
	t.Setenv("CUSTODY_SQLITE_BUSY_TIMEOUT", "250ms")
	cfg, err := ConfigFromEnv()
	if err != nil {
		t.Fatalf("ConfigFromEnv() err=%v", err)
	}
	if cfg.BusyTimeout != 250*time.Millisecond {
		t.Fatalf("BusyTimeout=%s", cfg.BusyTimeout)
	}
	if dsn := cfg.DSN(); !strings.Contains(dsn, "busy_timeout(250)") || !strings.HasPrefix(dsn, "file:/var/lib/custody/ledger.db?") {
		t.Fatalf("DSN=%q", dsn)
	}
}

func TestValidate(t *testing.T) {
	if err := (Config{Path: " ", PingTimeout: time.Second}).Validate(); err == nil {
		t.Fatalf("expected error for blank path")
	}
	if err := (Config{Path: "x.db"}).Validate(); err == nil {
		t.Fatalf("expected error for zero ping timeout")
	}
}

func TestOpen(t *testing.T) {
	cfg := Config{Path: filepath.Join(t.TempDir(), "ledger.db"), BusyTimeout: time.Second, PingTimeout: time.Second}
	db, err := Open(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Open() err=%v", err)
	}
	defer db.Close()
	var mode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil {
		t.Fatalf("journal_mode: %v", err)
	}
	if strings.ToLower(mode) != "wal" {
		t.Fatalf("journal_mode=%q", mode)
	}
}
