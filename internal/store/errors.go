package store

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrConflict matches an *Error caused by a serialization failure or a
	// deadlock. The transaction was rolled back and may be retried.
	ErrConflict = errors.New("transaction conflict")

	// ErrJobNotFound is wrapped when an update matched no row.
	ErrJobNotFound = errors.New("job not found")

	// ErrEmptyQueue is returned when a queue name is blank.
	ErrEmptyQueue = errors.New("queue name must not be empty")
)

// Error is a connectivity, statement or transaction failure talking to the
// database. The runner treats it as fatal to the current run.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return "store: " + e.Op + ": " + e.Err.Error() }

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether e is a serialization conflict when target is ErrConflict.
func (e *Error) Is(target error) bool {
	if target != ErrConflict {
		return false
	}
	var pgErr *pgconn.PgError
	if !errors.As(e.Err, &pgErr) {
		return false
	}
	// 40001 serialization_failure, 40P01 deadlock_detected.
	return pgErr.Code == "40001" || pgErr.Code == "40P01"
}

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Err: err}
}
