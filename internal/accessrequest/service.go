// ABOUTME: Access request state machine: draft -> approved | rejected | failed
// ABOUTME: Registers consent with the IdP on approval and builds review URLs

// Package accessrequest manages third-party app access requests from draft
// to a terminal decision.
package accessrequest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/2389/bodhi-gateway/internal/autherr"
	"github.com/2389/bodhi-gateway/internal/idp"
	"github.com/2389/bodhi-gateway/internal/role"
	"github.com/2389/bodhi-gateway/internal/store"
)

const (
	// DefaultDraftTTL is how long a draft waits for review.
	DefaultDraftTTL = 10 * time.Minute
	// DefaultGrantTTL is how long an approval stays effective.
	DefaultGrantTTL = 365 * 24 * time.Hour

	reviewPath      = "/ui/apps/access-requests/review"
	consentConflict = "consent registration failed: access request id already registered (409), retry with a new request"
)

// IdentityProvider is the IdP surface used during review.
type IdentityProvider interface {
	RegisterConsent(ctx context.Context, userToken, appClientID, accessRequestID, description string) (*idp.ConsentResponse, error)
	AppClientInfo(ctx context.Context, userToken, appClientID string) (*idp.AppClientInfo, error)
}

// Config wires a Service.
type Config struct {
	Store       store.AccessRequestStore
	IdP         IdentityProvider
	FrontendURL string
	DraftTTL    time.Duration
	GrantTTL    time.Duration
	Now         func() time.Time
	Logger      *slog.Logger
}

// Service drives access requests through their lifecycle.
type Service struct {
	store       store.AccessRequestStore
	idp         IdentityProvider
	frontendURL string
	draftTTL    time.Duration
	grantTTL    time.Duration
	now         func() time.Time
	logger      *slog.Logger
}

// New creates a Service.
func New(cfg Config) (*Service, error) {
	if cfg.Store == nil || cfg.IdP == nil {
		return nil, errors.New("accessrequest: store and idp are required")
	}

	s := &Service{
		store:       cfg.Store,
		idp:         cfg.IdP,
		frontendURL: strings.TrimRight(cfg.FrontendURL, "/"),
		draftTTL:    cfg.DraftTTL,
		grantTTL:    cfg.GrantTTL,
		now:         cfg.Now,
		logger:      cfg.Logger,
	}
	if s.draftTTL <= 0 {
		s.draftTTL = DefaultDraftTTL
	}
	if s.grantTTL <= 0 {
		s.grantTTL = DefaultGrantTTL
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.logger == nil {
		s.logger = slog.Default().With("component", "accessrequest")
	}
	return s, nil
}

// DraftRequest is what an app submits when asking for access.
type DraftRequest struct {
	AppClientID string          `json:"app_client_id"`
	FlowType    store.FlowType  `json:"flow_type"`
	RedirectURI string          `json:"redirect_uri,omitempty"`
	Requested   store.Requested `json:"requested"`
	// RequestedRole is a user scope; empty means scope_user_user.
	RequestedRole string `json:"requested_role,omitempty"`
}

// CreateDraft records a new request awaiting review.
func (s *Service) CreateDraft(ctx context.Context, req DraftRequest) (*store.AccessRequest, error) {
	if req.AppClientID == "" {
		return nil, fmt.Errorf("%w: app_client_id is required", autherr.ErrInvalidRequest)
	}
	switch req.FlowType {
	case store.FlowRedirect:
		if req.RedirectURI == "" {
			return nil, fmt.Errorf("%w: redirect_uri is required for redirect flow", autherr.ErrInvalidRequest)
		}
	case store.FlowPopup:
	default:
		return nil, fmt.Errorf("%w: unknown flow_type %q", autherr.ErrInvalidRequest, req.FlowType)
	}

	requestedRole := req.RequestedRole
	if requestedRole == "" {
		requestedRole = role.User.UserScope()
	}
	if _, err := parseUserScope(requestedRole); err != nil {
		return nil, err
	}
	for _, t := range req.Requested.ToolsetTypes {
		if t.ToolsetType == "" {
			return nil, fmt.Errorf("%w: empty toolset_type", autherr.ErrInvalidRequest)
		}
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generating id: %w", err)
	}

	redirectURI := req.RedirectURI
	if redirectURI != "" {
		redirectURI, err = appendID(redirectURI, id.String())
		if err != nil {
			return nil, err
		}
	}

	now := s.now().UTC()
	rec := &store.AccessRequest{
		ID:            id.String(),
		AppClientID:   req.AppClientID,
		FlowType:      req.FlowType,
		RedirectURI:   redirectURI,
		Status:        store.AccessRequestDraft,
		Requested:     req.Requested,
		RequestedRole: requestedRole,
		ExpiresAt:     now.Add(s.draftTTL),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.store.CreateAccessRequest(ctx, rec); err != nil {
		return nil, err
	}

	s.logger.Info("access request created", "id", rec.ID, "app_client_id", rec.AppClientID, "flow_type", rec.FlowType)
	return rec, nil
}

// Get returns a request. Drafts past their review window report
// ErrAccessRequestExpired; approved records are returned regardless of expiry.
func (s *Service) Get(ctx context.Context, id string) (*store.AccessRequest, error) {
	rec, err := s.store.GetAccessRequest(ctx, id)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	if rec.Status == store.AccessRequestDraft && rec.Expired(s.now()) {
		return nil, autherr.ErrAccessRequestExpired
	}
	return rec, nil
}

// GetForApp returns a request only to the app that created it.
func (s *Service) GetForApp(ctx context.Context, id, appClientID string) (*store.AccessRequest, error) {
	rec, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.AppClientID != appClientID {
		return nil, fmt.Errorf("%w: access request", autherr.ErrNotFound)
	}
	return rec, nil
}

// Review returns a draft with the app's display name filled in from the IdP
// when available.
func (s *Service) Review(ctx context.Context, id, reviewerToken string) (*store.AccessRequest, error) {
	rec, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.AppName == "" && reviewerToken != "" {
		info, err := s.idp.AppClientInfo(ctx, reviewerToken, rec.AppClientID)
		if err != nil {
			s.logger.Warn("failed to fetch app client info", "app_client_id", rec.AppClientID, "error", err)
		} else {
			rec.AppName = info.Name
			rec.AppDescription = info.Description
		}
	}
	return rec, nil
}

// Approval is a reviewer's decision to grant a draft.
type Approval struct {
	ID            string
	ReviewerID    string
	ReviewerRole  role.Role
	ReviewerToken string
	// ApprovedRole is a user scope no higher than the requested one.
	ApprovedRole string
	Toolsets     []store.ApprovedToolset
}

// Approve grants a draft. If the IdP reports a consent conflict the record is
// marked failed and returned without error.
func (s *Service) Approve(ctx context.Context, a Approval) (*store.AccessRequest, error) {
	rec, err := s.reviewable(ctx, a.ID)
	if err != nil {
		return nil, err
	}

	approvedRole, err := parseUserScope(a.ApprovedRole)
	if err != nil {
		return nil, err
	}
	requestedRole, err := parseUserScope(rec.RequestedRole)
	if err != nil {
		return nil, err
	}
	if !role.MeetsMinimum(requestedRole, approvedRole) {
		return nil, fmt.Errorf("%w: approved role exceeds requested role", autherr.ErrInvalidRequest)
	}
	if !role.MeetsMinimum(a.ReviewerRole, approvedRole) {
		return nil, fmt.Errorf("%w: cannot approve %s", autherr.ErrInsufficientRole, a.ApprovedRole)
	}
	if err := validateToolsets(rec.Requested, a.Toolsets); err != nil {
		return nil, err
	}

	consent, err := s.idp.RegisterConsent(ctx, a.ReviewerToken, rec.AppClientID, rec.ID, describe(a.Toolsets))
	if errors.Is(err, idp.ErrConsentConflict) {
		s.logger.Warn("consent conflict, failing access request", "id", rec.ID)
		if err := s.store.FailAccessRequest(ctx, rec.ID, consentConflict); err != nil {
			return nil, mapStoreErr(err)
		}
		return s.store.GetAccessRequest(ctx, rec.ID)
	}
	if err != nil {
		return nil, fmt.Errorf("registering consent: %w", err)
	}

	update := store.ApprovalUpdate{
		Approved:           store.Approved{Toolsets: a.Toolsets},
		UserID:             a.ReviewerID,
		ApprovedRole:       a.ApprovedRole,
		ResourceScope:      consent.Scope,
		AccessRequestScope: consent.AccessRequestScope,
		ExpiresAt:          s.now().UTC().Add(s.grantTTL),
	}
	if err := s.store.ApproveAccessRequest(ctx, rec.ID, update); err != nil {
		return nil, mapStoreErr(err)
	}

	s.logger.Info("access request approved",
		"id", rec.ID,
		"app_client_id", rec.AppClientID,
		"user_id", a.ReviewerID,
		"approved_role", a.ApprovedRole,
		"toolsets", len(a.Toolsets),
	)
	return s.store.GetAccessRequest(ctx, rec.ID)
}

// Deny rejects a draft on behalf of reviewerID.
func (s *Service) Deny(ctx context.Context, id, reviewerID string) (*store.AccessRequest, error) {
	rec, err := s.reviewable(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.store.RejectAccessRequest(ctx, rec.ID, reviewerID); err != nil {
		return nil, mapStoreErr(err)
	}

	s.logger.Info("access request denied", "id", rec.ID, "user_id", reviewerID)
	return s.store.GetAccessRequest(ctx, rec.ID)
}

// ReviewURL is where a user reviews request id in the web UI.
func (s *Service) ReviewURL(id string) string {
	return s.frontendURL + reviewPath + "?id=" + url.QueryEscape(id)
}

// reviewable loads a draft that can still be decided.
func (s *Service) reviewable(ctx context.Context, id string) (*store.AccessRequest, error) {
	rec, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Status != store.AccessRequestDraft {
		return nil, autherr.ErrAlreadyProcessed
	}
	return rec, nil
}

// parseUserScope accepts the user scopes an app may request.
func parseUserScope(s string) (role.Role, error) {
	name, ok := strings.CutPrefix(s, role.UserScopePrefix)
	if !ok {
		return "", fmt.Errorf("%w: %q is not a user scope", autherr.ErrInvalidRequest, s)
	}
	r, err := role.Parse(name)
	if err != nil {
		return "", err
	}
	if !role.MeetsMinimum(role.PowerUser, r) {
		return "", fmt.Errorf("%w: apps cannot be granted %s", autherr.ErrInvalidRequest, s)
	}
	return r, nil
}

// validateToolsets checks every decision refers to a requested toolset type
// and that approved entries name an instance.
func validateToolsets(requested store.Requested, decisions []store.ApprovedToolset) error {
	types := make(map[string]bool, len(requested.ToolsetTypes))
	for _, t := range requested.ToolsetTypes {
		types[t.ToolsetType] = true
	}
	for _, d := range decisions {
		if !types[d.ToolsetType] {
			return fmt.Errorf("%w: toolset type %q was not requested", autherr.ErrInvalidRequest, d.ToolsetType)
		}
		switch d.Status {
		case store.ApprovalApproved:
			if _, err := uuid.Parse(d.InstanceID); err != nil {
				return fmt.Errorf("%w: approved toolset %q needs a valid instance_id", autherr.ErrInvalidRequest, d.ToolsetType)
			}
		case store.ApprovalDenied:
		default:
			return fmt.Errorf("%w: unknown approval status %q", autherr.ErrInvalidRequest, d.Status)
		}
	}
	return nil
}

// describe summarizes the approved toolsets for the IdP consent record.
func describe(decisions []store.ApprovedToolset) string {
	var lines []string
	for _, d := range decisions {
		if d.Status == store.ApprovalApproved {
			lines = append(lines, "- "+d.ToolsetType)
		}
	}
	if len(lines) == 0 {
		return "Access approved"
	}
	return strings.Join(lines, "\n")
}

func appendID(redirectURI, id string) (string, error) {
	if _, err := url.Parse(redirectURI); err != nil {
		return "", fmt.Errorf("%w: invalid redirect_uri", autherr.ErrInvalidRequest)
	}
	sep := "?"
	if strings.Contains(redirectURI, "?") {
		sep = "&"
	}
	return redirectURI + sep + "id=" + url.QueryEscape(id), nil
}

func mapStoreErr(err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("%w: access request", autherr.ErrNotFound)
	case errors.Is(err, store.ErrStaleTransition):
		return autherr.ErrAlreadyProcessed
	default:
		return err
	}
}
