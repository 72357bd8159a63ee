// ABOUTME: Access request persistence for third-party app grants
// ABOUTME: State transitions are conditional single-row updates guarded on status = draft

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const accessRequestColumns = `id, app_client_id, app_name, app_description, flow_type, redirect_uri, status,
	requested, approved, user_id, requested_role, approved_role, resource_scope, access_request_scope,
	error_message, expires_at, created_at, updated_at`

// CreateAccessRequest inserts a new access request.
func (s *SQLiteStore) CreateAccessRequest(ctx context.Context, req *AccessRequest) error {
	requested, err := json.Marshal(req.Requested)
	if err != nil {
		return fmt.Errorf("marshaling requested: %w", err)
	}

	var approved any
	if req.Approved != nil {
		b, err := json.Marshal(req.Approved)
		if err != nil {
			return fmt.Errorf("marshaling approved: %w", err)
		}
		approved = string(b)
	}

	query := `
		INSERT INTO access_requests (id, app_client_id, app_name, app_description, flow_type, redirect_uri,
			status, requested, approved, user_id, requested_role, approved_role, resource_scope,
			access_request_scope, error_message, expires_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		req.ID,
		req.AppClientID,
		nullString(req.AppName),
		nullString(req.AppDescription),
		req.FlowType,
		nullString(req.RedirectURI),
		req.Status,
		string(requested),
		approved,
		nullString(req.UserID),
		req.RequestedRole,
		nullString(req.ApprovedRole),
		nullString(req.ResourceScope),
		nullString(req.AccessRequestScope),
		nullString(req.ErrorMessage),
		formatTime(req.ExpiresAt),
		formatTime(req.CreatedAt),
		formatTime(req.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting access request: %w", err)
	}

	s.logger.Debug("created access request", "id", req.ID, "app_client_id", req.AppClientID)
	return nil
}

// GetAccessRequest retrieves an access request by ID.
func (s *SQLiteStore) GetAccessRequest(ctx context.Context, id string) (*AccessRequest, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+accessRequestColumns+` FROM access_requests WHERE id = ?`, id)
	return scanAccessRequest(row)
}

// GetAccessRequestByScope retrieves the access request that owns an
// access_request_scope issued by the IdP.
func (s *SQLiteStore) GetAccessRequestByScope(ctx context.Context, scope string) (*AccessRequest, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+accessRequestColumns+` FROM access_requests WHERE access_request_scope = ?`, scope)
	return scanAccessRequest(row)
}

// ApproveAccessRequest moves a draft to approved.
// Returns ErrStaleTransition if the record is no longer a draft.
func (s *SQLiteStore) ApproveAccessRequest(ctx context.Context, id string, update ApprovalUpdate) error {
	approved, err := json.Marshal(update.Approved)
	if err != nil {
		return fmt.Errorf("marshaling approved: %w", err)
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE access_requests
		SET status = ?, approved = ?, user_id = ?, approved_role = ?, resource_scope = ?,
			access_request_scope = ?, expires_at = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`,
		AccessRequestApproved,
		string(approved),
		update.UserID,
		update.ApprovedRole,
		nullString(update.ResourceScope),
		nullString(update.AccessRequestScope),
		formatTime(update.ExpiresAt),
		formatTime(time.Now()),
		id,
		AccessRequestDraft,
	)
	if err != nil {
		if isConstraintViolation(err) {
			return fmt.Errorf("access request scope already assigned: %w", err)
		}
		return fmt.Errorf("approving access request: %w", err)
	}
	return s.transitionResult(ctx, result, id)
}

// RejectAccessRequest moves a draft to rejected, recording the reviewer.
func (s *SQLiteStore) RejectAccessRequest(ctx context.Context, id, reviewerID string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE access_requests SET status = ?, user_id = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`, AccessRequestRejected, reviewerID, formatTime(time.Now()), id, AccessRequestDraft)
	if err != nil {
		return fmt.Errorf("rejecting access request: %w", err)
	}
	return s.transitionResult(ctx, result, id)
}

// FailAccessRequest moves a draft to failed with an error message.
func (s *SQLiteStore) FailAccessRequest(ctx context.Context, id, message string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE access_requests SET status = ?, error_message = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`, AccessRequestFailed, message, formatTime(time.Now()), id, AccessRequestDraft)
	if err != nil {
		return fmt.Errorf("failing access request: %w", err)
	}
	return s.transitionResult(ctx, result, id)
}

// transitionResult distinguishes a missing record from one that already left
// the draft state.
func (s *SQLiteStore) transitionResult(ctx context.Context, result sql.Result, id string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 1 {
		return nil
	}
	if _, err := s.GetAccessRequest(ctx, id); err != nil {
		return err
	}
	return ErrStaleTransition
}

func scanAccessRequest(row rowScanner) (*AccessRequest, error) {
	var (
		req                                       AccessRequest
		flowType, status, requested               string
		appName, appDescription, redirectURI      sql.NullString
		approved, userID, approvedRole            sql.NullString
		resourceScope, accessRequestScope, errMsg sql.NullString
		expiresAtStr, createdAtStr, updatedAtStr  string
	)

	err := row.Scan(
		&req.ID,
		&req.AppClientID,
		&appName,
		&appDescription,
		&flowType,
		&redirectURI,
		&status,
		&requested,
		&approved,
		&userID,
		&req.RequestedRole,
		&approvedRole,
		&resourceScope,
		&accessRequestScope,
		&errMsg,
		&expiresAtStr,
		&createdAtStr,
		&updatedAtStr,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning access request: %w", err)
	}

	req.FlowType = FlowType(flowType)
	req.Status = AccessRequestStatus(status)
	req.AppName = appName.String
	req.AppDescription = appDescription.String
	req.RedirectURI = redirectURI.String
	req.UserID = userID.String
	req.ApprovedRole = approvedRole.String
	req.ResourceScope = resourceScope.String
	req.AccessRequestScope = accessRequestScope.String
	req.ErrorMessage = errMsg.String

	if err := json.Unmarshal([]byte(requested), &req.Requested); err != nil {
		return nil, fmt.Errorf("parsing requested: %w", err)
	}
	if approved.Valid {
		req.Approved = &Approved{}
		if err := json.Unmarshal([]byte(approved.String), req.Approved); err != nil {
			return nil, fmt.Errorf("parsing approved: %w", err)
		}
	}

	if req.ExpiresAt, err = parseTime("expires_at", expiresAtStr); err != nil {
		return nil, err
	}
	if req.CreatedAt, err = parseTime("created_at", createdAtStr); err != nil {
		return nil, err
	}
	if req.UpdatedAt, err = parseTime("updated_at", updatedAtStr); err != nil {
		return nil, err
	}

	return &req, nil
}
