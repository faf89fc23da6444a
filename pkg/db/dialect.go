package db

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

const defaultSQLiteFile = "creatorpay.db"

// Dialect picks the gorm driver for cfg.Type. Every session runs in UTC so
// payout dates and buffer cutoffs compare the same on all backends.
// Upserts use ON CONFLICT, so only postgres and sqlite are accepted.
func Dialect(cfg Config) (gorm.Dialector, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Type)) {
	case "postgres", "postgresql":
		return postgres.Open(postgresDSN(cfg)), nil
	case "sqlite":
		name := cfg.Name
		if name == "" {
			name = defaultSQLiteFile
		}
		return sqlite.Open(name), nil
	default:
		return nil, fmt.Errorf("db: unsupported database type %q", cfg.Type)
	}
}

func postgresDSN(cfg Config) string {
	q := url.Values{}
	q.Set("sslmode", valueOr(cfg.SSLMode, "disable"))
	q.Set("TimeZone", "UTC")
	q.Set("application_name", "creatorpay")

	u := url.URL{
		Scheme:   "postgres",
		Host:     net.JoinHostPort(cfg.Host, valueOr(cfg.Port, "5432")),
		Path:     "/" + cfg.Name,
		RawQuery: q.Encode(),
	}
	if cfg.Password != "" {
		u.User = url.UserPassword(cfg.User, cfg.Password)
	} else if cfg.User != "" {
		u.User = url.User(cfg.User)
	}
	return u.String()
}

func valueOr(value, fallback string) string {
	if value = strings.TrimSpace(value); value != "" {
		return value
	}
	return fallback
}
