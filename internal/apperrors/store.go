package apperrors

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"net"

	"gorm.io/gorm"
)

// FromStore classifies a data-store error. Missing rows become KindNotFound, unreachable
// stores and expired request deadlines become KindDependencyUnavailable, and everything
// else is KindInternal.
func FromStore(operation, reason string, err error) error {
	if err == nil {
		return nil
	}
	var typed *Error
	if errors.As(err, &typed) {
		return err
	}
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return NotFound(operation, reason, err)
	case isUnavailable(err):
		return DependencyUnavailable(operation, reason, err)
	default:
		return Internal(operation, reason, err)
	}
}

func isUnavailable(err error) bool {
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
