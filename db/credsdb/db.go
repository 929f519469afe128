// Package credsdb implements sqlite3 storage for user credentials,
// permissions, and persisted chat messages.
//
// Grounded on db/atlasdb.DB for the sqlx/WAL connection idiom, and on the
// original project's ServerThread.connect_databases for the table shapes.
package credsdb

import (
	"context"
	"database/sql"
	"errors"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// DB stores credentials, permissions, and chat history in a sqlite3
// database.
type DB struct {
	x *sqlx.DB
}

// Open opens a DB from the provided sqlite3 filename, with WAL mode and a
// larger cache for faster writes, matching db/atlasdb.Open.
func Open(name string) (*DB, error) {
	x, err := sqlx.Connect("sqlite3", (&url.URL{
		Path: name,
		RawQuery: (url.Values{
			"_journal":      {"WAL"},
			"_cache_size":   {"-32000"},
			"_busy_timeout": {"6000"},
		}).Encode(),
	}).String())
	if err != nil {
		return nil, err
	}
	return &DB{x}, nil
}

// Close closes the underlying connection.
func (db *DB) Close() error {
	return db.x.Close()
}

// User is a registered account's credential row.
type User struct {
	ID             uuid.UUID
	Name           string
	HashedPassword []byte
}

// GetUserByName returns the user with the given name, matched
// case-insensitively (the name column is COLLATE NOCASE), or nil if no such
// user exists.
func (db *DB) GetUserByName(name string) (*User, error) {
	var row struct {
		ID       []byte `db:"id"`
		Name     string `db:"name"`
		Password []byte `db:"password"`
	}
	if err := db.x.Get(&row, `SELECT id, name, password FROM users WHERE name = ? LIMIT 1`, name); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	id, err := uuid.FromBytes(row.ID)
	if err != nil {
		return nil, err
	}
	return &User{ID: id, Name: row.Name, HashedPassword: row.Password}, nil
}

// UsernameExists reports whether a user with the given name (matched
// case-insensitively) is already registered.
func (db *DB) UsernameExists(name string) (bool, error) {
	var exists bool
	if err := db.x.Get(&exists, `SELECT EXISTS (SELECT 1 FROM users WHERE name = ?)`, name); err != nil {
		return false, err
	}
	return exists, nil
}

// CreateUser inserts a new user and a default (privilege level 0)
// permissions row in one transaction, matching the original's register
// handler.
func (db *DB) CreateUser(ctx context.Context, id uuid.UUID, name string, hashedPassword []byte) error {
	tx, err := db.x.BeginTxx(ctx, &sql.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `INSERT INTO users (id, name, password) VALUES (?, ?, ?)`,
		id[:], name, hashedPassword); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO permissions (id, privilege_level) VALUES (?, ?)`,
		id[:], 0); err != nil {
		return err
	}
	return tx.Commit()
}

// GetPrivilegeLevel returns the privilege level for id, creating a default
// (0) row if one doesn't exist yet, matching the original's init_session
// lazily-created-permissions behavior.
func (db *DB) GetPrivilegeLevel(ctx context.Context, id uuid.UUID) (int, error) {
	var level int
	err := db.x.GetContext(ctx, &level, `SELECT privilege_level FROM permissions WHERE id = ? LIMIT 1`, id[:])
	if err == nil {
		return level, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, err
	}

	tx, err := db.x.BeginTxx(ctx, &sql.TxOptions{})
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `INSERT INTO permissions (id, privilege_level) VALUES (?, ?)`, id[:], 0); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return 0, nil
}

// SaveMessage persists a chat message attributed to userID.
func (db *DB) SaveMessage(ctx context.Context, id uuid.UUID, userID uuid.UUID, message string, at time.Time) error {
	tx, err := db.x.BeginTxx(ctx, &sql.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `INSERT INTO messages (id, timestamp, message, user_id) VALUES (?, ?, ?, ?)`,
		id[:], at.Format(time.RFC3339Nano), message, userID[:]); err != nil {
		return err
	}
	return tx.Commit()
}
