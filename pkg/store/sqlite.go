package store

import (
	"database/sql"
	"errors"

	"github.com/mattn/go-sqlite3"
	gate "github.com/xmrgate/xmrgate/pkg"
)

// interface guard ensures SQLiteStore implements gate.Store
var _ gate.Store = SQLiteStore{}

type SQLiteStore struct {
	sqlStore
}

// NewSQLiteStore returns a gate.Store implementor that uses sqlite.
// fileName may be ":memory:" for tests.
func NewSQLiteStore(fileName string) (SQLiteStore, error) {
	db, err := sql.Open("sqlite3", fileName)
	if err != nil {
		return SQLiteStore{}, sqliteErr(err, "opening database")
	}
	// sqlite has one writer; a single connection also keeps a :memory:
	// database alive and shared.
	db.SetMaxOpenConns(1)
	// WAL + FULL sync: a committed transaction survives power loss.
	_, err = db.Exec("PRAGMA journal_mode=WAL; PRAGMA synchronous=FULL;")
	if err != nil {
		db.Close()
		return SQLiteStore{}, sqliteErr(err, "setting pragmas")
	}
	// init tables / indexes
	_, err = db.Exec(SETUP_SQL)
	if err != nil {
		db.Close()
		return SQLiteStore{}, sqliteErr(err, "creating database schema")
	}
	return SQLiteStore{sqlStore{db: db, d: dialect{
		name:      "sqlite",
		isolation: sql.LevelDefault,
		mapErr:    sqliteErr,
	}}}, nil
}

func sqliteErr(err error, where string) error {
	var sqErr sqlite3.Error
	if errors.As(err, &sqErr) {
		if sqErr.Code == sqlite3.ErrConstraint {
			// MUST detect 'AlreadyExists' to fulfil the API contract!
			return gate.NewErr(gate.AlreadyExists, "SQLiteStore error: %s: %v", where, err)
		}
		if sqErr.Code == sqlite3.ErrBusy || sqErr.Code == sqlite3.ErrLocked {
			// Transient database conflict: the caller should retry.
			return gate.NewErr(gate.DBConflict, "SQLiteStore error: %s: %v", where, err)
		}
	}
	return gate.NewErr(gate.StoreIoError, "SQLiteStore error: %s: %v", where, err)
}
