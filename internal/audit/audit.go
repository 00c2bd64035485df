// Package audit persists a record of every connection close to a
// SQLite database, wired from a Server's close callback. Like
// eventlog, it is an external observer: the core connection table is
// in-memory only and carries no state across restarts. This package's
// database is the one place that state survives a restart, and it is
// deliberately outside the core.
package audit

import (
	"database/sql"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Trail is a SQLite-backed append-only log of closed connections.
type Trail struct {
	db *sql.DB
}

// Open creates (or reuses) a SQLite database at path and ensures its
// schema exists.
func Open(path string) (*Trail, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	const schema = `
CREATE TABLE IF NOT EXISTS connection_closes (
	connection_id INTEGER NOT NULL,
	peer_addr     TEXT NOT NULL,
	closed_at_ns  INTEGER NOT NULL
);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}
	return &Trail{db: db}, nil
}

// RecordClose appends one row for a connection that just closed.
func (t *Trail) RecordClose(connID uint64, peerAddr string) error {
	_, err := t.db.Exec(
		`INSERT INTO connection_closes (connection_id, peer_addr, closed_at_ns) VALUES (?, ?, ?)`,
		connID, peerAddr, time.Now().UnixNano(),
	)
	return err
}

func (t *Trail) Close() error { return t.db.Close() }
