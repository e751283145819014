package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

type Repo struct {
	DB *sql.DB
}

var (
	ErrNotFound = errors.New("not found")
	// ErrBusy is returned when SQLite reports the database as busy or locked.
	ErrBusy = errors.New("database busy")
)

// IsBusy reports whether err is a SQLite BUSY or LOCKED result.
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrBusy) {
		return true
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return true
		}
	}
	return false
}

// classify wraps busy errors with ErrBusy and leaves everything else untouched.
func classify(err error) error {
	if err != nil && !errors.Is(err, ErrBusy) && IsBusy(err) {
		return fmt.Errorf("%w: %v", ErrBusy, err)
	}
	return err
}

// InTx runs fn inside a transaction and commits when it returns nil.
func (r Repo) InTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return classify(err)
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return classify(err)
	}
	return classify(tx.Commit())
}

type execFunc func(query string, args ...any) (sql.Result, error)

func (r Repo) execer(ctx context.Context, tx *sql.Tx) execFunc {
	return func(query string, args ...any) (sql.Result, error) {
		var (
			res sql.Result
			err error
		)
		if tx != nil {
			res, err = tx.ExecContext(ctx, query, args...)
		} else {
			res, err = r.DB.ExecContext(ctx, query, args...)
		}
		return res, classify(err)
	}
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
