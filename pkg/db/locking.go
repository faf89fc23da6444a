package db

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ForUpdate adds a row lock to the query. SQLite serializes writers on its
// own and has no FOR UPDATE, so the clause is skipped there.
func ForUpdate(tx *gorm.DB) *gorm.DB {
	if isSQLite(tx) {
		return tx
	}
	return tx.Clauses(clause.Locking{Strength: "UPDATE"})
}

// ForUpdateSkipLocked is ForUpdate that skips rows held by other workers.
func ForUpdateSkipLocked(tx *gorm.DB) *gorm.DB {
	if isSQLite(tx) {
		return tx
	}
	return tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
}

// SetLockTimeout bounds row lock waits for the remainder of tx.
func SetLockTimeout(ctx context.Context, tx *gorm.DB, timeout time.Duration) error {
	if timeout <= 0 {
		return nil
	}
	switch tx.Dialector.Name() {
	case "postgres":
		return tx.WithContext(ctx).Exec(fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", timeout.Milliseconds())).Error
	default:
		return nil
	}
}

func isSQLite(tx *gorm.DB) bool {
	return tx.Dialector != nil && tx.Dialector.Name() == "sqlite"
}
