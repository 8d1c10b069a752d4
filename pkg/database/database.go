// Package database implements the persistent account store on SQLite.
//
// Passwords are stored and compared verbatim, matching the wire protocol's
// clear-text credential exchange. Server-side hashing would be invisible to
// clients but is deliberately not done here; see DESIGN.md.
package database

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

var (
	// ErrInvalidUsername indicates the username contains characters outside
	// ASCII letters/digits and the CJK block.
	ErrInvalidUsername = errors.New("username may only contain letters, digits and CJK characters")
	// ErrInvalidPassword indicates the password contains characters outside
	// ASCII letters and digits.
	ErrInvalidPassword = errors.New("password may only contain letters and digits")
	// ErrUsernameTaken indicates the username is already registered.
	ErrUsernameTaken = errors.New("username already registered")
	// ErrAccountLimit indicates the registered account cap has been reached.
	ErrAccountLimit = errors.New("account limit reached")
	// ErrUserNotFound indicates no account exists for the username.
	ErrUserNotFound = errors.New("user not found")
	// ErrWrongPassword indicates the supplied password does not match.
	ErrWrongPassword = errors.New("wrong password")
)

// DefaultMaxAccounts is the registration cap enforced at insert time.
const DefaultMaxAccounts = 20

// DB wraps the SQLite database connection
type DB struct {
	conn        *sql.DB // Read connection pool
	writeConn   *sql.DB // Dedicated write connection (1 connection)
	maxAccounts int
}

// Open opens the SQLite database at the given path and initializes the
// schema if needed.
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Multiple readers in WAL mode, writes go through writeConn
	conn.SetMaxOpenConns(10)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	if err := applyPragmas(conn); err != nil {
		conn.Close()
		return nil, err
	}

	// Dedicated write connection: exactly 1 connection, no pooling, so the
	// register transaction's count+insert is serialized
	writeConn, err := sql.Open("sqlite", path)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open write connection: %w", err)
	}
	writeConn.SetMaxOpenConns(1)
	writeConn.SetMaxIdleConns(1)
	writeConn.SetConnMaxLifetime(0)

	if err := applyPragmas(writeConn); err != nil {
		conn.Close()
		writeConn.Close()
		return nil, err
	}

	db := &DB{
		conn:        conn,
		writeConn:   writeConn,
		maxAccounts: DefaultMaxAccounts,
	}

	if err := db.initSchema(); err != nil {
		conn.Close()
		writeConn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return db, nil
}

// SetMaxAccounts overrides the registration cap. Values below 1 keep the
// current cap.
func (db *DB) SetMaxAccounts(n int) {
	if n >= 1 {
		db.maxAccounts = n
	}
}

// Close closes the database connections
func (db *DB) Close() error {
	db.writeConn.Close()
	return db.conn.Close()
}

func applyPragmas(conn *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	}
	for _, pragma := range pragmas {
		if _, err := conn.Exec(pragma); err != nil {
			return fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}
	return nil
}

func (db *DB) initSchema() error {
	schema := `
CREATE TABLE IF NOT EXISTS users (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	username TEXT NOT NULL UNIQUE,
	password TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
`
	_, err := db.writeConn.Exec(schema)
	return err
}
