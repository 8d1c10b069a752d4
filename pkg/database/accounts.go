package database

import (
	"database/sql"
	"fmt"
	"regexp"
	"strings"
	"time"
)

var (
	usernameRegex = regexp.MustCompile(`^[A-Za-z0-9\x{4e00}-\x{9fa5}]+$`)
	passwordRegex = regexp.MustCompile(`^[A-Za-z0-9]+$`)
)

// Account is one persisted username/password record.
type Account struct {
	ID        int64
	Username  string
	Password  string
	CreatedAt time.Time
}

// Register validates and inserts a new account. The capacity check and the
// insert run in a single transaction on the write connection, so the account
// cap holds under concurrent registrations.
func (db *DB) Register(username, password string) error {
	if !usernameRegex.MatchString(username) {
		return ErrInvalidUsername
	}
	if !passwordRegex.MatchString(password) {
		return ErrInvalidPassword
	}

	tx, err := db.writeConn.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var count int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM users`).Scan(&count); err != nil {
		return fmt.Errorf("failed to count accounts: %w", err)
	}
	if count >= db.maxAccounts {
		return ErrAccountLimit
	}

	_, err = tx.Exec(
		`INSERT INTO users (username, password, created_at) VALUES (?, ?, ?)`,
		username, password, time.Now().UnixMilli(),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrUsernameTaken
		}
		return fmt.Errorf("failed to insert account: %w", err)
	}

	return tx.Commit()
}

// Authenticate checks a username/password pair against the stored record.
func (db *DB) Authenticate(username, password string) error {
	var stored string
	err := db.conn.QueryRow(`SELECT password FROM users WHERE username = ?`, username).Scan(&stored)
	if err == sql.ErrNoRows {
		return ErrUserNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to look up account: %w", err)
	}
	if stored != password {
		return ErrWrongPassword
	}
	return nil
}

// DeleteAccount removes the account for the username. Deleting a missing
// account is not an error.
func (db *DB) DeleteAccount(username string) error {
	_, err := db.writeConn.Exec(`DELETE FROM users WHERE username = ?`, username)
	if err != nil {
		return fmt.Errorf("failed to delete account: %w", err)
	}
	return nil
}

// ChangePassword replaces the password after verifying the old one. The new
// password must satisfy the registration charset.
func (db *DB) ChangePassword(username, oldPassword, newPassword string) error {
	if !passwordRegex.MatchString(newPassword) {
		return ErrInvalidPassword
	}

	tx, err := db.writeConn.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var stored string
	err = tx.QueryRow(`SELECT password FROM users WHERE username = ?`, username).Scan(&stored)
	if err == sql.ErrNoRows {
		return ErrUserNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to look up account: %w", err)
	}
	if stored != oldPassword {
		return ErrWrongPassword
	}

	if _, err := tx.Exec(`UPDATE users SET password = ? WHERE username = ?`, newPassword, username); err != nil {
		return fmt.Errorf("failed to update password: %w", err)
	}

	return tx.Commit()
}

// ListUsernames returns all registered usernames in registration order.
func (db *DB) ListUsernames() ([]string, error) {
	rows, err := db.conn.Query(`SELECT username FROM users ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list usernames: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// CountAccounts returns the number of registered accounts.
func (db *DB) CountAccounts() (int, error) {
	var count int
	if err := db.conn.QueryRow(`SELECT COUNT(*) FROM users`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count accounts: %w", err)
	}
	return count, nil
}

// GetAccount returns the stored record for a username.
func (db *DB) GetAccount(username string) (*Account, error) {
	var acc Account
	var createdAt int64
	err := db.conn.QueryRow(
		`SELECT id, username, password, created_at FROM users WHERE username = ?`, username,
	).Scan(&acc.ID, &acc.Username, &acc.Password, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load account: %w", err)
	}
	acc.CreatedAt = time.UnixMilli(createdAt)
	return &acc, nil
}
