package domain

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/creatorpay/pkg/db"
)

// InsufficientFundsError carries the shortfall for a rejected debit. It
// matches ErrInsufficientFunds with errors.Is.
type InsufficientFundsError struct {
	PrincipalID snowflake.ID
	Balance     int64
	Required    int64
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("%s: principal %s has %d, needs %d", ErrInsufficientFunds, e.PrincipalID, e.Balance, e.Required)
}

func (e *InsufficientFundsError) Is(target error) bool {
	return target == ErrInsufficientFunds
}

func (e *InsufficientFundsError) Shortfall() int64 {
	if e.Required <= e.Balance {
		return 0
	}
	return e.Required - e.Balance
}

// IsTransient reports whether retrying the whole unit may succeed. Business
// rule violations are never transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, ErrLockTimeout),
		errors.Is(err, ErrTransient),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, driver.ErrBadConn):
		return true
	}
	return db.IsTransientErr(err)
}
