// SPDX-FileCopyrightText: Copyright 2026 FABRIC Testbed
// SPDX-License-Identifier: MIT

// Package idp integrates with the upstream OpenID Connect identity
// provider: it caches the IdP signing keys, validates upstream ID
// tokens, and exchanges or revokes upstream refresh tokens.
package idp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/httprc/v3"
	"github.com/lestrrat-go/jwx/v3/jwk"
)

// Validation error kinds. Callers branch on these with errors.Is.
var (
	// ErrUnparsable means the token is not a well-formed JWT.
	ErrUnparsable = errors.New("unparsable token")

	// ErrUnknownKey means the token kid has no match in the IdP JWKS.
	ErrUnknownKey = errors.New("unknown signing key")

	// ErrExpired means the token signature verified but exp has passed.
	ErrExpired = errors.New("token expired")

	// ErrAudienceMismatch means aud does not contain the configured
	// client id.
	ErrAudienceMismatch = errors.New("audience mismatch")

	// ErrInvalid covers every other validation failure.
	ErrInvalid = errors.New("invalid token")
)

// Validator validates upstream ID tokens against the IdP JWKS.
type Validator struct {
	jwksURL  string
	audience string
	cache    *jwk.Cache

	// Lazy JWKS registration so construction does not require the IdP
	// to be reachable.
	registerOnce sync.Once
	registerErr  error
}

// ValidatorConfig configures a Validator.
type ValidatorConfig struct {
	// JWKSURL is the HTTPS endpoint publishing the IdP signing keys.
	JWKSURL string

	// Audience is the expected aud claim (the OAuth client id).
	Audience string

	// RefreshInterval is the fixed cadence for re-fetching the JWKS.
	RefreshInterval time.Duration

	// HTTPClient is optional; the default client is used when nil.
	HTTPClient *http.Client
}

// NewValidator creates a validator with a background-refreshed JWKS
// cache. The background refresher logs and continues on fetch failure;
// it never blocks token validation on a healthy cache.
func NewValidator(ctx context.Context, cfg ValidatorConfig) (*Validator, error) {
	if cfg.JWKSURL == "" {
		return nil, fmt.Errorf("missing JWKS URL")
	}

	opts := []httprc.NewClientOption{}
	if cfg.HTTPClient != nil {
		opts = append(opts, httprc.WithHTTPClient(cfg.HTTPClient))
	}
	cache, err := jwk.NewCache(ctx, httprc.NewClient(opts...))
	if err != nil {
		return nil, fmt.Errorf("failed to create JWKS cache: %w", err)
	}

	return &Validator{
		jwksURL:  cfg.JWKSURL,
		audience: cfg.Audience,
		cache:    cache,
	}, nil
}

func (v *Validator) register(ctx context.Context) error {
	v.registerOnce.Do(func() {
		registerCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		v.registerErr = v.cache.Register(registerCtx, v.jwksURL)
	})
	return v.registerErr
}

// keyFunc resolves the verification key for a parsed token header.
func (v *Validator) keyFunc(ctx context.Context) jwt.Keyfunc {
	return func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("%w: unexpected signing method %v", ErrInvalid, token.Header["alg"])
		}

		kid, ok := token.Header["kid"].(string)
		if !ok {
			return nil, fmt.Errorf("%w: token header missing kid", ErrUnknownKey)
		}

		keySet, err := v.cache.Lookup(ctx, v.jwksURL)
		if err != nil {
			return nil, fmt.Errorf("failed to lookup JWKS: %w", err)
		}

		key, found := keySet.LookupKeyID(kid)
		if !found {
			return nil, fmt.Errorf("%w: kid %s", ErrUnknownKey, kid)
		}

		var rawKey any
		if err := jwk.Export(key, &rawKey); err != nil {
			return nil, fmt.Errorf("failed to export raw key: %w", err)
		}
		return rawKey, nil
	}
}

// Validate parses and verifies an upstream ID token and returns its
// claims. Failures map onto the package error kinds.
func (v *Validator) Validate(ctx context.Context, rawToken string) (jwt.MapClaims, error) {
	if err := v.register(ctx); err != nil {
		return nil, fmt.Errorf("JWKS registration failed: %w", err)
	}

	token, err := jwt.Parse(rawToken, v.keyFunc(ctx), jwt.WithExpirationRequired())
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenMalformed):
			return nil, fmt.Errorf("%w: %v", ErrUnparsable, err)
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, ErrExpired
		case errors.Is(err, ErrUnknownKey):
			return nil, err
		default:
			return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
		}
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalid
	}

	if v.audience != "" {
		audiences, err := claims.GetAudience()
		if err != nil {
			return nil, ErrAudienceMismatch
		}
		found := false
		for _, aud := range audiences {
			if aud == v.audience {
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("%w: expected %s", ErrAudienceMismatch, v.audience)
		}
	}

	return claims, nil
}

// StartRefresher keeps the JWKS warm on a fixed-period timer until ctx
// is canceled. The underlying httprc client re-fetches the document when
// it has gone stale; the ticker guarantees the fetch happens at least at
// the configured cadence and surfaces failures through onError. Errors
// are reported and the refresher continues on the next tick.
func (v *Validator) StartRefresher(ctx context.Context, interval time.Duration, onError func(error)) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := v.register(ctx); err != nil {
					onError(err)
					continue
				}
				if _, err := v.cache.Lookup(ctx, v.jwksURL); err != nil {
					onError(err)
				}
			}
		}
	}()
}
