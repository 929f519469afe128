package credsdb

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
)

func init() {
	migrate(up001, down001)
}

func up001(ctx context.Context, tx *sqlx.Tx) error {
	if _, err := tx.ExecContext(ctx, strings.ReplaceAll(`
		CREATE TABLE users (
			id       BLOB PRIMARY KEY NOT NULL,
			name     TEXT NOT NULL UNIQUE COLLATE NOCASE,
			password BLOB NOT NULL
		) STRICT;
	`, `
		`, "\n")); err != nil {
		return fmt.Errorf("create users table: %w", err)
	}
	if _, err := tx.ExecContext(ctx, strings.ReplaceAll(`
		CREATE TABLE permissions (
			id              BLOB PRIMARY KEY NOT NULL,
			privilege_level INTEGER NOT NULL,
			FOREIGN KEY (id) REFERENCES users (id)
		) STRICT;
	`, `
		`, "\n")); err != nil {
		return fmt.Errorf("create permissions table: %w", err)
	}
	if _, err := tx.ExecContext(ctx, strings.ReplaceAll(`
		CREATE TABLE messages (
			id        BLOB PRIMARY KEY NOT NULL,
			timestamp TEXT NOT NULL,
			message   TEXT NOT NULL,
			user_id   BLOB NOT NULL,
			FOREIGN KEY (user_id) REFERENCES users (id)
		) STRICT;
	`, `
		`, "\n")); err != nil {
		return fmt.Errorf("create messages table: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `CREATE INDEX messages_user_id_idx ON messages(user_id, timestamp)`); err != nil {
		return fmt.Errorf("create messages index: %w", err)
	}
	return nil
}

func down001(ctx context.Context, tx *sqlx.Tx) error {
	if _, err := tx.ExecContext(ctx, `DROP INDEX messages_user_id_idx`); err != nil {
		return fmt.Errorf("drop messages_user_id_idx index: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DROP TABLE messages`); err != nil {
		return fmt.Errorf("drop messages table: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DROP TABLE permissions`); err != nil {
		return fmt.Errorf("drop permissions table: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DROP TABLE users`); err != nil {
		return fmt.Errorf("drop users table: %w", err)
	}
	return nil
}
