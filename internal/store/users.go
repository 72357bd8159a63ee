// ABOUTME: User and role persistence with a role generation stamp
// ABOUTME: Every role change bumps role_generation so older sessions are rejected

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// UpsertUser creates a user or refreshes the username of an existing one.
// The role of an existing user is left untouched; use SetUserRole for that.
func (s *SQLiteStore) UpsertUser(ctx context.Context, user *User) error {
	now := time.Now()
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}
	user.UpdatedAt = now

	query := `
		INSERT INTO users (user_id, username, role, role_generation, created_at, updated_at)
		VALUES (?, ?, ?, 1, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET username = excluded.username, updated_at = excluded.updated_at
	`

	_, err := s.db.ExecContext(ctx, query,
		user.UserID,
		user.Username,
		user.Role,
		formatTime(user.CreatedAt),
		formatTime(user.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("upserting user: %w", err)
	}

	s.logger.Debug("upserted user", "user_id", user.UserID, "role", user.Role)
	return nil
}

// GetUser retrieves a user by ID.
func (s *SQLiteStore) GetUser(ctx context.Context, userID string) (*User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT user_id, username, role, role_generation, created_at, updated_at
		FROM users WHERE user_id = ?
	`, userID)
	return scanUser(row)
}

// ListUsers returns a page of users ordered by username and the total count.
func (s *SQLiteStore) ListUsers(ctx context.Context, limit, offset int) ([]*User, int, error) {
	limit, offset = clampPage(limit, offset)

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting users: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, username, role, role_generation, created_at, updated_at
		FROM users
		ORDER BY username, user_id
		LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("querying users: %w", err)
	}
	defer rows.Close()

	users := []*User{}
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, 0, err
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterating users: %w", err)
	}

	return users, total, nil
}

// SetUserRole assigns a role and bumps the role generation in the same
// statement, returning the updated user.
func (s *SQLiteStore) SetUserRole(ctx context.Context, userID, role string) (*User, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE users SET role = ?, role_generation = role_generation + 1, updated_at = ?
		WHERE user_id = ?
	`, role, formatTime(time.Now()), userID)
	if err != nil {
		return nil, fmt.Errorf("setting user role: %w", err)
	}
	if err := requireOneRow(result); err != nil {
		return nil, err
	}

	s.logger.Debug("set user role", "user_id", userID, "role", role)
	return s.GetUser(ctx, userID)
}

// DeleteUser removes a user; their sessions are removed by cascade.
func (s *SQLiteStore) DeleteUser(ctx context.Context, userID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE user_id = ?`, userID)
	if err != nil {
		return fmt.Errorf("deleting user: %w", err)
	}
	if err := requireOneRow(result); err != nil {
		return err
	}

	s.logger.Debug("deleted user", "user_id", userID)
	return nil
}

func scanUser(row rowScanner) (*User, error) {
	var user User
	var createdAtStr, updatedAtStr string

	err := row.Scan(
		&user.UserID,
		&user.Username,
		&user.Role,
		&user.RoleGeneration,
		&createdAtStr,
		&updatedAtStr,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning user: %w", err)
	}

	if user.CreatedAt, err = parseTime("created_at", createdAtStr); err != nil {
		return nil, err
	}
	if user.UpdatedAt, err = parseTime("updated_at", updatedAtStr); err != nil {
		return nil, err
	}

	return &user, nil
}
