package storage

import (
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

var (
	// ErrConstraint marks a write rejected by a schema constraint (unknown
	// device, duplicate key outside the upsert, check failure). Retrying the
	// same write cannot succeed.
	ErrConstraint = errors.New("constraint violation")
	// ErrInvalidData marks a value the database cannot represent (bad
	// uuid text, NUL bytes, out of range numbers). Retrying cannot succeed.
	ErrInvalidData = errors.New("invalid data")
	// ErrTransient marks every other storage failure.
	ErrTransient = errors.New("transient storage failure")
)

// Error tags a driver error with its class. errors.Is matches both the
// class sentinel and the wrapped driver error.
type Error struct {
	Kind error
	Err  error
}

func (e *Error) Error() string {
	return e.Kind.Error() + ": " + e.Err.Error()
}

func (e *Error) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

// Classify tags err with one of the class sentinels above. Already classified
// errors are returned unchanged.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var tagged *Error
	if errors.As(err, &tagged) {
		return err
	}
	if IsConstraintViolation(err) {
		return &Error{Kind: ErrConstraint, Err: err}
	}
	if IsDataException(err) {
		return &Error{Kind: ErrInvalidData, Err: err}
	}
	return &Error{Kind: ErrTransient, Err: err}
}

// IsConstraintViolation recognises Postgres SQLSTATE class 23 and SQLite
// SQLITE_CONSTRAINT, including its extended codes.
func IsConstraintViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return strings.HasPrefix(pgErr.Code, "23")
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		return liteErr.Code()&0xff == sqlite3.SQLITE_CONSTRAINT
	}
	return false
}

// IsDataException recognises Postgres SQLSTATE class 22 and the SQLite
// results for values it refuses to store.
func IsDataException(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return strings.HasPrefix(pgErr.Code, "22")
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		switch liteErr.Code() & 0xff {
		case sqlite3.SQLITE_MISMATCH, sqlite3.SQLITE_TOOBIG:
			return true
		}
	}
	return false
}
