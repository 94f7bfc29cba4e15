// SPDX-FileCopyrightText: Copyright 2026 FABRIC Testbed
// SPDX-License-Identifier: MIT

package credmgr

import (
	"context"
	goerrors "errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/fabric-testbed/credmgr/pkg/directory"
	"github.com/fabric-testbed/credmgr/pkg/errors"
	"github.com/fabric-testbed/credmgr/pkg/logger"
	"github.com/fabric-testbed/credmgr/pkg/store"
)

// Caller identifies the authenticated caller of a lifecycle operation.
type Caller struct {
	Cred  directory.Credential
	Email string
}

// UserEmail resolves the caller's email via the directory. With the
// LDAP fallback the proxy-cookie identity is authoritative.
func (m *Manager) UserEmail(ctx context.Context, caller Caller) (string, error) {
	if m.directory != nil {
		return m.directory.UserEmail(ctx, caller.Cred)
	}
	return caller.Email, nil
}

// IsFleetOperator reports whether the caller holds the facility
// operator role.
func (m *Manager) IsFleetOperator(ctx context.Context, caller Caller) (bool, error) {
	if m.directory != nil {
		return m.directory.IsFleetOperator(ctx, caller.Cred)
	}
	roles, _, err := m.ldap.ActiveProjectsAndRoles("", caller.Email)
	if err != nil {
		return false, err
	}
	for _, role := range roles {
		if role == m.policy.FacilityRole {
			return true, nil
		}
	}
	return false, nil
}

// RevokeIdentityToken marks a stored token Revoked. A fleet operator
// can address any row; other callers only their own, optionally scoped
// to a project. Revoking an already-revoked token is a no-op.
func (m *Manager) RevokeIdentityToken(ctx context.Context, caller Caller, tokenHash, projectID string) error {
	if tokenHash == "" {
		return errors.BadRequest("token hash required")
	}

	fleet, err := m.IsFleetOperator(ctx, caller)
	if err != nil {
		return err
	}

	filter := store.Filter{TokenHash: tokenHash}
	if !fleet {
		filter.UserEmail = caller.Email
		filter.ProjectID = projectID
	}
	rows, err := m.store.Query(ctx, filter)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return errors.NotFound("token# %s not found", tokenHash)
	}

	row := rows[0]
	if row.State == store.StateRevoked {
		logger.Infof("Token %s for user %s/%s is already revoked", tokenHash, row.UserEmail, row.UserID)
		return nil
	}
	if err := m.store.UpdateState(ctx, tokenHash, store.StateRevoked); err != nil {
		return err
	}
	logger.Audit("revoke", tokenHash, row.ProjectID, row.UserID, row.UserEmail)
	return nil
}

// RevokeRefreshToken revokes an upstream refresh token at the IdP.
func (m *Manager) RevokeRefreshToken(ctx context.Context, refreshToken string) error {
	if m.oauth == nil {
		return errors.Internal("oauth client not configured", nil)
	}
	return m.oauth.Revoke(ctx, refreshToken)
}

// Tokens queries stored tokens. Rows past their expiry are reported as
// Expired regardless of stored state; expired rows for the filtered
// user are swept first, best-effort. Unless queryAll is set the filter
// must name a user, project, or hash.
func (m *Manager) Tokens(ctx context.Context, filter store.Filter, queryAll bool) ([]*store.Record, error) {
	if !queryAll &&
		filter.UserID == "" && filter.UserEmail == "" &&
		filter.ProjectID == "" && filter.TokenHash == "" {
		return nil, errors.BadRequest("user id/email/token hash or project id required")
	}

	now := time.Now().UTC()
	if filter.UserEmail != "" {
		if _, err := m.store.RemoveExpired(ctx, filter.UserEmail, now); err != nil {
			logger.Warnf("Failed to delete expired tokens for %s: %v", filter.UserEmail, err)
		}
	}

	records, err := m.store.Query(ctx, filter)
	if err != nil {
		return nil, err
	}
	for _, record := range records {
		if record.ExpiresAt.Before(now) {
			record.State = store.StateExpired
		}
	}
	return records, nil
}

// RevokeList returns the hashes of revoked tokens for a project, for
// relying parties to reject. userID and userEmail optionally narrow the
// list to one holder.
func (m *Manager) RevokeList(ctx context.Context, projectID, userID, userEmail string) ([]string, error) {
	records, err := m.store.Query(ctx, store.Filter{
		UserID:    userID,
		UserEmail: userEmail,
		ProjectID: projectID,
		States:    []store.State{store.StateRevoked},
	})
	if err != nil {
		return nil, err
	}
	hashes := make([]string, 0, len(records))
	for _, record := range records {
		hashes = append(hashes, record.TokenHash)
	}
	return hashes, nil
}

// DeleteTokens hard-deletes the caller's tokens, all of them or a
// single hash.
func (m *Manager) DeleteTokens(ctx context.Context, userEmail, tokenHash string) error {
	filter := store.Filter{UserEmail: userEmail, TokenHash: tokenHash}
	records, err := m.store.Query(ctx, filter)
	if err != nil {
		return err
	}
	for _, record := range records {
		if err := m.store.Remove(ctx, record.TokenHash); err != nil {
			return err
		}
		logger.Audit("delete", record.TokenHash, record.ProjectID, record.UserID, record.UserEmail)
	}
	return nil
}

// DeleteExpiredTokens hard-deletes rows past their expiry, scoped to
// one user when userEmail is non-empty.
func (m *Manager) DeleteExpiredTokens(ctx context.Context, userEmail string) error {
	records, err := m.store.Query(ctx, store.Filter{
		UserEmail:     userEmail,
		ExpiresBefore: time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	for _, record := range records {
		if err := m.store.Remove(ctx, record.TokenHash); err != nil {
			return err
		}
		logger.Audit("delete", record.TokenHash, record.ProjectID, record.UserID, record.UserEmail)
	}
	return nil
}

// ValidateToken verifies a token this service issued and reports its
// lifecycle state with the embedded claims. An expired signature is not
// an error; it reports state Expired. A verified token whose hash is
// absent from the store is NotFound.
func (m *Manager) ValidateToken(ctx context.Context, rawToken string) (store.State, jwt.MapClaims, error) {
	header, err := unverifiedHeader(rawToken)
	if err != nil {
		return 0, nil, errors.BadRequest("unparsable token")
	}
	kid, _ := header["kid"].(string)
	if kid == "" {
		return 0, nil, errors.Unauthorized("token header missing kid")
	}
	if _, ok := header["alg"].(string); !ok {
		return 0, nil, errors.Unauthorized("token header missing alg")
	}
	if kid != m.signer.KID() {
		return 0, nil, errors.Unauthorized("unknown signing key: %s", kid)
	}

	options := []jwt.ParserOption{jwt.WithValidMethods([]string{"RS256"})}
	if m.audience != "" {
		options = append(options, jwt.WithAudience(m.audience))
	}
	claims := jwt.MapClaims{}
	_, err = jwt.ParseWithClaims(rawToken, claims, func(*jwt.Token) (any, error) {
		return m.signer.PublicKey(), nil
	}, options...)
	if err != nil {
		if goerrors.Is(err, jwt.ErrTokenExpired) {
			return store.StateExpired, claims, nil
		}
		return 0, nil, errors.Unauthorized("invalid token")
	}

	record, err := m.store.Get(ctx, m.TokenHash(rawToken))
	if err != nil {
		return 0, nil, err
	}
	state := record.State
	if record.ExpiresAt.Before(time.Now().UTC()) {
		state = store.StateExpired
	}
	return state, claims, nil
}

func unverifiedHeader(rawToken string) (map[string]any, error) {
	token, _, err := jwt.NewParser().ParseUnverified(rawToken, jwt.MapClaims{})
	if err != nil {
		return nil, err
	}
	return token.Header, nil
}
