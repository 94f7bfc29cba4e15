// SPDX-FileCopyrightText: Copyright 2026 FABRIC Testbed
// SPDX-License-Identifier: MIT

package credmgr

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/fabric-testbed/credmgr/pkg/directory"
	"github.com/fabric-testbed/credmgr/pkg/errors"
	"github.com/fabric-testbed/credmgr/pkg/logger"
	"github.com/fabric-testbed/credmgr/pkg/store"
	"github.com/fabric-testbed/credmgr/pkg/vouch"
)

// TokenRequest carries the inputs of a create or refresh call.
type TokenRequest struct {
	// IDToken is the upstream identity token. The create path takes it
	// from the proxy cookie or a header; the refresh path fills it in
	// after the upstream exchange.
	IDToken string

	// RefreshToken is the upstream refresh token. On create it is
	// passed through to short-lived results; on refresh it is
	// exchanged first.
	RefreshToken string

	Scope         string
	ProjectID     string
	ProjectName   string
	LifetimeHours int
	RemoteAddr    string
	Comment       string

	// Cookie is the caller's raw proxy cookie, when present.
	Cookie string
}

// Token is the result of a create or refresh call. RefreshToken is set
// only for short-lived creates and for refreshes.
type Token struct {
	TokenHash    string
	State        store.State
	CreatedAt    time.Time
	ExpiresAt    time.Time
	Comment      string
	CreatedFrom  string
	IDToken      string
	RefreshToken string
}

// RefreshFailure reports a mint failure after the upstream exchange
// already succeeded. The new upstream refresh token would otherwise be
// lost, so it rides along with the error.
type RefreshFailure struct {
	RefreshToken string
	Err          error
}

func (e *RefreshFailure) Error() string {
	return fmt.Sprintf("error: %v, refresh_token: %s", e.Err, e.RefreshToken)
}

func (e *RefreshFailure) Unwrap() error { return e.Err }

// CreateToken mints a new identity token for the cookie-authenticated
// caller.
func (m *Manager) CreateToken(ctx context.Context, req TokenRequest) (*Token, error) {
	if err := m.checkRequest(&req); err != nil {
		return nil, err
	}
	if req.IDToken == "" {
		return nil, errors.BadRequest("id token not provided")
	}

	token, err := m.issue(ctx, req, false)
	if err != nil {
		return nil, err
	}
	// Only short-lived tokens carry the upstream refresh token.
	if m.shortLived(req.LifetimeHours) {
		token.RefreshToken = req.RefreshToken
	}
	return token, nil
}

// RefreshToken exchanges an upstream refresh token and re-mints the
// identity token. When minting fails after a successful exchange the
// returned error carries the new upstream refresh token.
func (m *Manager) RefreshToken(ctx context.Context, req TokenRequest) (*Token, error) {
	if err := m.checkRequest(&req); err != nil {
		return nil, err
	}
	if m.oauth == nil {
		return nil, errors.Internal("oauth client not configured", nil)
	}

	exchanged, err := m.oauth.Refresh(ctx, req.RefreshToken)
	if err != nil {
		return nil, err
	}

	req.IDToken = exchanged.IDToken
	token, err := m.issue(ctx, req, true)
	if err != nil {
		logger.Errorf("Failed minting token after refresh, still returning refresh token: %v", err)
		return nil, &RefreshFailure{RefreshToken: exchanged.RefreshToken, Err: err}
	}
	token.RefreshToken = exchanged.RefreshToken
	return token, nil
}

// checkRequest validates scope, lifetime bounds, and project presence,
// and applies the request defaults.
func (m *Manager) checkRequest(req *TokenRequest) error {
	if err := m.validateScope(req.Scope); err != nil {
		return err
	}
	if req.ProjectID == "" && req.ProjectName == "" {
		return errors.BadRequest("either project id or project name must be specified")
	}
	if req.LifetimeHours == 0 {
		req.LifetimeHours = int(m.policy.ShortLifetime / time.Hour)
	}
	if req.LifetimeHours < 1 || req.LifetimeHours > m.policy.MaxLifetimeHours {
		return errors.BadRequest("lifetime must be between 1 and %d hours", m.policy.MaxLifetimeHours)
	}
	return nil
}

// issue runs the shared mint pipeline: resolve project, validate the
// upstream token, enrich claims, enforce the long-lived policy, sign,
// hash, and persist.
func (m *Manager) issue(ctx context.Context, req TokenRequest, refresh bool) (*Token, error) {
	idpClaims, err := m.validator.Validate(ctx, req.IDToken)
	if err != nil {
		return nil, err
	}

	cred, err := m.credential(req, idpClaims)
	if err != nil {
		return nil, err
	}

	// project_id takes precedence over project_name.
	projectID := req.ProjectID
	if projectID == "" {
		if m.directory == nil {
			projectID = req.ProjectName
		} else {
			projectID, err = m.directory.ProjectIDByName(ctx, cred, req.ProjectName)
			if err != nil {
				return nil, err
			}
		}
	}

	info, err := m.enrich(ctx, cred, idpClaims, projectID)
	if err != nil {
		return nil, err
	}

	if !m.shortLived(req.LifetimeHours) {
		if err := m.checkLongLivedPolicy(ctx, info, projectID); err != nil {
			return nil, err
		}
	}

	now := time.Now().UTC().Truncate(time.Second)
	expiresAt := now.Add(time.Duration(req.LifetimeHours) * time.Hour)

	claims := buildClaims(idpClaims, info, req.Scope, now, expiresAt)

	// Best-effort cleanup of the caller's expired rows.
	if _, err := m.store.RemoveExpired(ctx, info.Email, now); err != nil {
		logger.Warnf("Failed to delete expired tokens for %s: %v", info.Email, err)
	}

	signed, err := m.signer.Sign(claims)
	if err != nil {
		return nil, errors.Internal("failed to sign token", err)
	}
	tokenHash := m.TokenHash(signed)

	state := store.StateValid
	action := "create"
	comment := req.Comment
	if refresh {
		state = store.StateRefreshed
		action = "refresh"
		comment = CommentRefreshedViaAPI
	}
	if comment == "" {
		comment = CommentCreatedViaGUI
	}

	record := &store.Record{
		UserID:      info.UUID,
		UserEmail:   info.Email,
		ProjectID:   projectID,
		TokenHash:   tokenHash,
		State:       state,
		CreatedAt:   now,
		ExpiresAt:   expiresAt,
		CreatedFrom: req.RemoteAddr,
		Comment:     comment,
	}
	if err := m.store.Add(ctx, record); err != nil {
		return nil, err
	}
	logger.Audit(action, tokenHash, projectID, info.UUID, info.Email)

	return &Token{
		TokenHash:   tokenHash,
		State:       state,
		CreatedAt:   now,
		ExpiresAt:   expiresAt,
		Comment:     comment,
		CreatedFrom: req.RemoteAddr,
		IDToken:     signed,
	}, nil
}

// credential picks the directory credential for this request. When the
// caller presented no cookie one is minted from the validated upstream
// identity, so header-authenticated API calls can still reach the
// directory.
func (m *Manager) credential(req TokenRequest, idpClaims jwt.MapClaims) (directory.Credential, error) {
	if req.Cookie != "" {
		return directory.Credential{Cookie: req.Cookie}, nil
	}
	if m.cookie == nil {
		return directory.Credential{}, nil
	}
	encoded, err := m.cookie.Encode(idpClaims, vouch.Tokens{
		IDToken:      req.IDToken,
		RefreshToken: req.RefreshToken,
	}, m.cookieLifetime)
	if err != nil {
		return directory.Credential{}, err
	}
	return directory.Credential{Cookie: encoded}, nil
}

// enrich resolves the caller's identity and memberships via core-api,
// or via LDAP when core-api is disabled. The LDAP path yields no uuid.
func (m *Manager) enrich(ctx context.Context, cred directory.Credential, idpClaims jwt.MapClaims, projectID string) (*directory.UserInfo, error) {
	if m.directory != nil {
		return m.directory.EnrichForProject(ctx, cred, projectID)
	}

	email, _ := idpClaims["email"].(string)
	eppn, _ := idpClaims["eppn"].(string)
	roles, projects, err := m.ldap.ActiveProjectsAndRoles(eppn, email)
	if err != nil {
		return nil, err
	}
	tags, err := directory.FilterForProject(projects, projectID)
	if err != nil {
		return nil, err
	}
	return &directory.UserInfo{
		Email: email,
		Roles: roles,
		Projects: []directory.Project{
			{UUID: projectID, Tags: tags},
		},
	}, nil
}

// checkLongLivedPolicy gates long-lived requests: the caller must hold
// the token-holder membership on the specific project and stay under
// the per-project cap of stored long-lived tokens.
func (m *Manager) checkLongLivedPolicy(ctx context.Context, info *directory.UserInfo, projectID string) error {
	if len(info.Projects) != 1 || info.Projects[0].Memberships == nil {
		return errors.Forbidden("long lived tokens require a specific project")
	}
	if !info.Projects[0].Memberships.IsTokenHolder {
		return errors.Forbidden("user %s is not a token holder for project %s", info.Email, projectID)
	}

	rows, err := m.store.Query(ctx, store.Filter{UserEmail: info.Email, ProjectID: projectID})
	if err != nil {
		return err
	}
	count := 0
	for _, row := range rows {
		if row.ExpiresAt.Sub(row.CreatedAt) > m.policy.ShortLifetime {
			count++
		}
	}
	if count >= m.policy.MaxLLTPerProject {
		return errors.Forbidden("user %s already has %d long lived tokens for project %s",
			info.Email, count, projectID)
	}
	return nil
}

// buildClaims projects the upstream identity claims into the testbed
// token claim set.
func buildClaims(idpClaims jwt.MapClaims, info *directory.UserInfo, scope string, issuedAt, expiresAt time.Time) jwt.MapClaims {
	claims := jwt.MapClaims{}
	for key, value := range idpClaims {
		claims[key] = value
	}

	claims["projects"] = info.Projects
	claims["roles"] = filterUUIDRoles(info.Roles)
	claims["scope"] = scope
	claims["iat"] = issuedAt.Unix()
	claims["exp"] = expiresAt.Unix()
	if info.UUID != "" {
		claims["uuid"] = info.UUID
	}
	if info.Email != "" {
		claims["email"] = info.Email
	}
	return claims
}

// filterUUIDRoles drops roles whose name is UUID-shaped; those are
// internal per-project groups, not user-facing roles.
func filterUUIDRoles(roles []string) []string {
	filtered := make([]string, 0, len(roles))
	for _, role := range roles {
		if _, err := uuid.Parse(role); err == nil {
			continue
		}
		filtered = append(filtered, role)
	}
	return filtered
}
