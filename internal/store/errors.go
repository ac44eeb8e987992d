package store

import (
	"context"
	"database/sql/driver"
	"errors"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

// Sentinel errors surfaced by the repositories.
var (
	// ErrDuplicateEvent marks an insert that collided on event_id. The
	// message was already persisted; callers treat this as success.
	ErrDuplicateEvent = errors.New("duplicate event_id")
	// ErrVersionConflict marks a collision on (aggregate_type,
	// aggregate_id, version) with a different event_id: a producer bug.
	ErrVersionConflict = errors.New("aggregate version conflict")
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("record not found")
)

// IsUniqueViolation reports whether err is a Postgres unique-constraint
// violation, returning the constraint name when available.
func IsUniqueViolation(err error) (string, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return pgErr.ConstraintName, true
	}
	return "", false
}

// IsTransient reports whether err is worth retrying: connection loss,
// deadlocks, serialization failures, timeouts. Constraint violations and
// data errors are terminal.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if _, unique := IsUniqueViolation(err); unique {
		return false
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "08"): // connection exceptions
			return true
		case pgErr.Code == "40001" || pgErr.Code == "40P01": // serialization, deadlock
			return true
		case strings.HasPrefix(pgErr.Code, "57"): // operator intervention / shutdown
			return true
		case pgErr.Code == "53300": // too many connections
			return true
		}
		return false
	}

	// Driver-level connection failures often surface as plain errors.
	msg := err.Error()
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "broken pipe")
}

// IsNotFound reports whether err means the record does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, gorm.ErrRecordNotFound)
}
