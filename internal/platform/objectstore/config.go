package objectstore

import (
	"errors"
	"fmt"
	"strings"

	"github.com/animus-labs/cargo-custody/internal/platform/env"
)

// Config addresses the S3-compatible bucket trace exports are written to.
// Exports are disabled when Enabled is false.
type Config struct {
	Enabled   bool
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
	Bucket    string
}

func ConfigFromEnv() (Config, error) {
	enabled, err := env.Bool("CUSTODY_EXPORT_ENABLED", false)
	if err != nil {
		return Config{}, err
	}
	useSSL, err := env.Bool("CUSTODY_EXPORT_USE_SSL", false)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Enabled:   enabled,
		Endpoint:  env.String("CUSTODY_EXPORT_ENDPOINT", "localhost:9000"),
		AccessKey: env.String("CUSTODY_EXPORT_ACCESS_KEY", ""),
		SecretKey: env.String("CUSTODY_EXPORT_SECRET_KEY", ""),
		Region:    env.String("CUSTODY_EXPORT_REGION", "us-east-1"),
		UseSSL:    useSSL,
		Bucket:    env.String("CUSTODY_EXPORT_BUCKET", "custody-traces"),
	}
	if !cfg.Enabled {
		return cfg, nil
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return errors.New("CUSTODY_EXPORT_ENDPOINT is required")
	}
	if strings.TrimSpace(c.AccessKey) == "" {
		return errors.New("CUSTODY_EXPORT_ACCESS_KEY is required")
	}
	if strings.TrimSpace(c.SecretKey) == "" {
		return errors.New("CUSTODY_EXPORT_SECRET_KEY is required")
	}
	if strings.TrimSpace(c.Region) == "" {
		return errors.New("CUSTODY_EXPORT_REGION is required")
	}
	if strings.TrimSpace(c.Bucket) == "" {
		return errors.New("CUSTODY_EXPORT_BUCKET is required")
	}
	if strings.Contains(c.Endpoint, "://") {
		return fmt.Errorf("CUSTODY_EXPORT_ENDPOINT must not include scheme: %q", c.Endpoint)
	}
	return nil
}
