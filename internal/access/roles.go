package access

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"golang.org/x/exp/slices"
)

// RoleSource returns the roles granted to a user.
type RoleSource interface {
	Roles(ctx context.Context, user string) ([]string, error)
}

// StaticRoles is a RoleSource backed by a fixed map.
type StaticRoles map[string][]string

// Roles implements RoleSource.
func (s StaticRoles) Roles(_ context.Context, user string) ([]string, error) {
	return slices.Clone(s[user]), nil
}

// SQLiteRoles is a RoleSource reading the roles(user, role) table of a
// SQLite database.
type SQLiteRoles struct {
	db *sql.DB
}

// OpenSQLiteRoles opens (and if needed creates) the role database at
// dbPath. Use ":memory:" for an in-memory database.
func OpenSQLiteRoles(dbPath string) (*SQLiteRoles, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open role database: %w", err)
	}
	if dbPath == ":memory:" {
		// each connection would otherwise see its own empty database
		db.SetMaxOpenConns(1)
	}
	const schema = `
CREATE TABLE IF NOT EXISTS roles (
    user TEXT NOT NULL,
    role TEXT NOT NULL,
    PRIMARY KEY (user, role)
);
`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init role schema: %w", err)
	}
	return &SQLiteRoles{db: db}, nil
}

// Grant adds role to user.
func (s *SQLiteRoles) Grant(ctx context.Context, user, role string) error {
	_, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO roles (user, role) VALUES (?, ?)`, user, role)
	if err != nil {
		return fmt.Errorf("grant %s to %s: %w", role, user, err)
	}
	return nil
}

// Revoke removes role from user.
func (s *SQLiteRoles) Revoke(ctx context.Context, user, role string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM roles WHERE user = ? AND role = ?`, user, role)
	if err != nil {
		return fmt.Errorf("revoke %s from %s: %w", role, user, err)
	}
	return nil
}

// Roles implements RoleSource.
func (s *SQLiteRoles) Roles(ctx context.Context, user string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT role FROM roles WHERE user = ? ORDER BY role`, user)
	if err != nil {
		return nil, fmt.Errorf("query roles of %s: %w", user, err)
	}
	defer rows.Close()

	var roles []string
	for rows.Next() {
		var role string
		if err := rows.Scan(&role); err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

// Close closes the database.
func (s *SQLiteRoles) Close() error {
	return s.db.Close()
}
