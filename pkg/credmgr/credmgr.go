// SPDX-FileCopyrightText: Copyright 2026 FABRIC Testbed
// SPDX-License-Identifier: MIT

// Package credmgr implements the credential manager core: minting
// testbed identity tokens from upstream OIDC identities and managing
// their lifecycle (refresh, revoke, list, delete, validate).
package credmgr

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/fabric-testbed/credmgr/pkg/directory"
	"github.com/fabric-testbed/credmgr/pkg/errors"
	"github.com/fabric-testbed/credmgr/pkg/idp"
	"github.com/fabric-testbed/credmgr/pkg/keys"
	"github.com/fabric-testbed/credmgr/pkg/store"
	"github.com/fabric-testbed/credmgr/pkg/vouch"
)

// Comments recorded on token rows.
const (
	CommentCreatedViaGUI   = "Created via GUI"
	CommentRefreshedViaAPI = "Refreshed via API"
)

// TimeFormat is the wire format for token timestamps.
const TimeFormat = "2006-01-02 15:04:05 -0700"

// Directory is the identity directory surface the manager depends on.
// The core-api client implements it; tests substitute fakes.
type Directory interface {
	EnrichForProject(ctx context.Context, cred directory.Credential, projectID string) (*directory.UserInfo, error)
	ProjectIDByName(ctx context.Context, cred directory.Credential, name string) (string, error)
	UserEmail(ctx context.Context, cred directory.Credential) (string, error)
	IsFleetOperator(ctx context.Context, cred directory.Credential) (bool, error)
}

// LDAPDirectory is the fallback membership source when core-api is
// disabled.
type LDAPDirectory interface {
	ActiveProjectsAndRoles(eppn, email string) (roles, projects []string, err error)
}

// Validator validates upstream ID tokens.
type Validator interface {
	Validate(ctx context.Context, rawToken string) (jwt.MapClaims, error)
}

// OAuthClient exchanges and revokes upstream refresh tokens.
type OAuthClient interface {
	Refresh(ctx context.Context, refreshToken string) (*idp.RefreshResult, error)
	Revoke(ctx context.Context, refreshToken string) error
}

// Policy carries the token issuance policy knobs.
type Policy struct {
	// AllowedScopes is the scope allow-list (e.g. all, cf, mf).
	AllowedScopes []string

	// ShortLifetime is the short-lived ceiling. Tokens at or under it
	// carry the upstream refresh token; anything longer is long-lived.
	ShortLifetime time.Duration

	// MaxLifetimeHours is the hard ceiling on requested lifetime.
	MaxLifetimeHours int

	// MaxLLTPerProject caps stored long-lived tokens per user+project.
	MaxLLTPerProject int

	// FacilityRole grants fleet-wide token authority.
	FacilityRole string
}

// Config assembles a Manager.
type Config struct {
	Policy Policy

	// HashSecret keys the HMAC-SHA256 over signed tokens. A stored
	// hash cannot be recomputed from a leaked token alone.
	HashSecret string

	// Audience is the expected aud claim on self-issued tokens.
	Audience string

	Signer    *keys.Signer
	Validator Validator
	OAuth     OAuthClient
	Store     store.Store

	// Directory is used when core-api is enabled; LDAP otherwise.
	Directory Directory
	LDAP      LDAPDirectory

	// Cookie rebuilds a proxy cookie from an ID token for directory
	// calls made on behalf of header-authenticated requests. Optional.
	Cookie *vouch.Codec

	// CookieLifetime bounds cookies minted via Cookie.
	CookieLifetime time.Duration
}

// Manager is the credential manager core.
type Manager struct {
	policy     Policy
	hashSecret []byte
	audience   string

	signer    *keys.Signer
	validator Validator
	oauth     OAuthClient
	store     store.Store

	directory Directory
	ldap      LDAPDirectory

	cookie         *vouch.Codec
	cookieLifetime time.Duration
}

// New creates a Manager.
func New(cfg Config) (*Manager, error) {
	if cfg.HashSecret == "" {
		return nil, errors.New(errors.ErrInternal, "token hash secret not configured")
	}
	if cfg.Signer == nil || cfg.Validator == nil || cfg.Store == nil {
		return nil, errors.New(errors.ErrInternal, "signer, validator, and store are required")
	}
	if cfg.Directory == nil && cfg.LDAP == nil {
		return nil, errors.New(errors.ErrInternal, "either core-api directory or ldap must be configured")
	}
	cookieLifetime := cfg.CookieLifetime
	if cookieLifetime == 0 {
		cookieLifetime = time.Hour
	}
	return &Manager{
		policy:         cfg.Policy,
		hashSecret:     []byte(cfg.HashSecret),
		audience:       cfg.Audience,
		signer:         cfg.Signer,
		validator:      cfg.Validator,
		oauth:          cfg.OAuth,
		store:          cfg.Store,
		directory:      cfg.Directory,
		ldap:           cfg.LDAP,
		cookie:         cfg.Cookie,
		cookieLifetime: cookieLifetime,
	}, nil
}

// ValidateUpstream verifies an upstream IdP token against the JWKS
// validator. Cookie-gated operations call this on the ID token carried
// inside the proxy cookie, so a cookie cannot outlive the identity it
// wraps.
func (m *Manager) ValidateUpstream(ctx context.Context, rawToken string) (jwt.MapClaims, error) {
	return m.validator.Validate(ctx, rawToken)
}

// TokenHash computes the keyed hash stored for a signed token.
func (m *Manager) TokenHash(signedToken string) string {
	mac := hmac.New(sha256.New, m.hashSecret)
	mac.Write([]byte(signedToken))
	return hex.EncodeToString(mac.Sum(nil))
}

// validateScope enforces the scope allow-list.
func (m *Manager) validateScope(scope string) error {
	if scope == "" {
		return errors.BadRequest("missing required parameter 'scope'")
	}
	for _, allowed := range m.policy.AllowedScopes {
		if scope == allowed {
			return nil
		}
	}
	return errors.BadRequest("scope %s is not allowed, allowed scope values: %v", scope, m.policy.AllowedScopes)
}

// shortLived reports whether the requested lifetime stays within the
// short-lived ceiling.
func (m *Manager) shortLived(lifetimeHours int) bool {
	return time.Duration(lifetimeHours)*time.Hour <= m.policy.ShortLifetime
}
