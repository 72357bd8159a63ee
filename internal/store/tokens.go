// ABOUTME: API token persistence for first-party long-lived tokens
// ABOUTME: Stores only the token digest; every query is scoped by owner where applicable

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const apiTokenColumns = `id, user_id, name, token_id, token_hash, scope, status, last_used_at, created_at, updated_at`

// CreateAPIToken inserts a new token record.
// Returns ErrDuplicateToken if the token_id is already taken.
func (s *SQLiteStore) CreateAPIToken(ctx context.Context, token *APIToken) error {
	query := `
		INSERT INTO api_tokens (id, user_id, name, token_id, token_hash, scope, status, last_used_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	var lastUsed any
	if token.LastUsedAt != nil {
		lastUsed = formatTime(*token.LastUsedAt)
	}

	_, err := s.db.ExecContext(ctx, query,
		token.ID,
		token.UserID,
		token.Name,
		token.TokenID,
		token.TokenHash,
		token.Scope,
		token.Status,
		lastUsed,
		formatTime(token.CreatedAt),
		formatTime(token.UpdatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateToken
		}
		return fmt.Errorf("inserting api token: %w", err)
	}

	s.logger.Debug("created api token", "id", token.ID, "user_id", token.UserID, "token_id", token.TokenID)
	return nil
}

// GetAPIToken retrieves a token owned by userID.
// Returns ErrNotFound if it doesn't exist or belongs to someone else.
func (s *SQLiteStore) GetAPIToken(ctx context.Context, userID, id string) (*APIToken, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+apiTokenColumns+` FROM api_tokens WHERE id = ? AND user_id = ?`, id, userID)
	return scanAPIToken(row)
}

// GetAPITokenByTokenID retrieves a token by its public token_id.
func (s *SQLiteStore) GetAPITokenByTokenID(ctx context.Context, tokenID string) (*APIToken, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+apiTokenColumns+` FROM api_tokens WHERE token_id = ?`, tokenID)
	return scanAPIToken(row)
}

// ListAPITokens returns a page of a user's tokens, newest first, and the
// total number of tokens the user owns.
func (s *SQLiteStore) ListAPITokens(ctx context.Context, userID string, limit, offset int) ([]*APIToken, int, error) {
	limit, offset = clampPage(limit, offset)

	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM api_tokens WHERE user_id = ?`, userID,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting api tokens: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+apiTokenColumns+`
		FROM api_tokens
		WHERE user_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ? OFFSET ?
	`, userID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("querying api tokens: %w", err)
	}
	defer rows.Close()

	tokens := []*APIToken{}
	for rows.Next() {
		token, err := scanAPIToken(rows)
		if err != nil {
			return nil, 0, err
		}
		tokens = append(tokens, token)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterating api tokens: %w", err)
	}

	return tokens, total, nil
}

// RenameAPIToken changes a token's display name.
func (s *SQLiteStore) RenameAPIToken(ctx context.Context, userID, id, name string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE api_tokens SET name = ?, updated_at = ? WHERE id = ? AND user_id = ?`,
		name, formatTime(time.Now()), id, userID,
	)
	if err != nil {
		return fmt.Errorf("renaming api token: %w", err)
	}
	return requireOneRow(result)
}

// SetAPITokenStatus changes a token's status. A non-nil lastUsedAt also
// resets the idle clock.
func (s *SQLiteStore) SetAPITokenStatus(ctx context.Context, userID, id string, status TokenStatus, lastUsedAt *time.Time) error {
	var (
		result sql.Result
		err    error
		now    = formatTime(time.Now())
	)
	if lastUsedAt != nil {
		result, err = s.db.ExecContext(ctx,
			`UPDATE api_tokens SET status = ?, last_used_at = ?, updated_at = ? WHERE id = ? AND user_id = ?`,
			status, formatTime(*lastUsedAt), now, id, userID,
		)
	} else {
		result, err = s.db.ExecContext(ctx,
			`UPDATE api_tokens SET status = ?, updated_at = ? WHERE id = ? AND user_id = ?`,
			status, now, id, userID,
		)
	}
	if err != nil {
		return fmt.Errorf("updating api token status: %w", err)
	}
	if err := requireOneRow(result); err != nil {
		return err
	}

	s.logger.Debug("updated api token status", "id", id, "status", status)
	return nil
}

// TouchAPIToken records a successful use of a token.
func (s *SQLiteStore) TouchAPIToken(ctx context.Context, id string, at time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE api_tokens SET last_used_at = ? WHERE id = ?`, formatTime(at), id)
	if err != nil {
		return fmt.Errorf("touching api token: %w", err)
	}
	return requireOneRow(result)
}

func scanAPIToken(row rowScanner) (*APIToken, error) {
	var (
		token                      APIToken
		status                     string
		lastUsed                   sql.NullString
		createdAtStr, updatedAtStr string
	)

	err := row.Scan(
		&token.ID,
		&token.UserID,
		&token.Name,
		&token.TokenID,
		&token.TokenHash,
		&token.Scope,
		&status,
		&lastUsed,
		&createdAtStr,
		&updatedAtStr,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning api token: %w", err)
	}

	token.Status = TokenStatus(status)
	if lastUsed.Valid {
		t, err := parseTime("last_used_at", lastUsed.String)
		if err != nil {
			return nil, err
		}
		token.LastUsedAt = &t
	}
	if token.CreatedAt, err = parseTime("created_at", createdAtStr); err != nil {
		return nil, err
	}
	if token.UpdatedAt, err = parseTime("updated_at", updatedAtStr); err != nil {
		return nil, err
	}

	return &token, nil
}

// requireOneRow maps an update that touched nothing to ErrNotFound.
func requireOneRow(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
