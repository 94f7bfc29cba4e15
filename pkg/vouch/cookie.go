// SPDX-FileCopyrightText: Copyright 2026 FABRIC Testbed
// SPDX-License-Identifier: MIT

// Package vouch encodes and decodes the proxy cookie that carries the
// upstream ID and refresh tokens between browser requests. The cookie
// is an HS256 JWT signed with the shared vouch secret, optionally
// gzip-compressed and URL-safe base64 encoded.
package vouch

import (
	"bytes"
	"compress/gzip"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/fabric-testbed/credmgr/pkg/errors"
)

// ClaimType names a group of IdP claims that may be projected into the
// cookie's CustomClaims.
type ClaimType string

const (
	ClaimOpenID          ClaimType = "OPENID"
	ClaimEmail           ClaimType = "EMAIL"
	ClaimProfile         ClaimType = "PROFILE"
	ClaimCILogonUserInfo ClaimType = "CILOGON_USER_INFO"
)

// claimKeys maps each claim type to the IdP claims it selects.
var claimKeys = map[ClaimType][]string{
	ClaimOpenID:  {"sub", "iss", "aud", "token_id"},
	ClaimEmail:   {"email"},
	ClaimProfile: {"given_name", "family_name", "name"},
	ClaimCILogonUserInfo: {
		"idp", "idp_name", "eppn", "eptid",
		"affiliation", "ou", "oidc", "cert_subject_dn",
	},
}

// ParseClaimTypes parses a list of claim type names, case-insensitive.
func ParseClaimTypes(names []string) ([]ClaimType, error) {
	types := make([]ClaimType, 0, len(names))
	for _, name := range names {
		ct := ClaimType(strings.ToUpper(strings.TrimSpace(name)))
		if _, ok := claimKeys[ct]; !ok {
			return nil, errors.Newf(errors.ErrBadRequest, "unknown custom claim type: %s", name)
		}
		types = append(types, ct)
	}
	return types, nil
}

// Tokens holds the upstream tokens stashed in a cookie. AccessToken is
// optional and only emitted when non-empty.
type Tokens struct {
	IDToken      string
	RefreshToken string
	AccessToken  string
}

// Codec encodes and decodes proxy cookies.
type Codec struct {
	secret       []byte
	compress     bool
	claimTypes   []ClaimType
	cookieName   string
	cookieDomain string
}

// CodecConfig configures a Codec.
type CodecConfig struct {
	// Secret is the shared HS256 signing secret.
	Secret string

	// Compress enables gzip plus URL-safe base64 around the JWT.
	Compress bool

	// CustomClaims names the claim types projected into the cookie.
	CustomClaims []string

	CookieName   string
	CookieDomain string
}

// NewCodec creates a cookie codec.
func NewCodec(cfg CodecConfig) (*Codec, error) {
	if cfg.Secret == "" {
		return nil, errors.New(errors.ErrInternal, "vouch secret not configured")
	}
	types, err := ParseClaimTypes(cfg.CustomClaims)
	if err != nil {
		return nil, err
	}
	return &Codec{
		secret:       []byte(cfg.Secret),
		compress:     cfg.Compress,
		claimTypes:   types,
		cookieName:   cfg.CookieName,
		cookieDomain: cfg.CookieDomain,
	}, nil
}

// Encode builds a cookie value from the upstream IdP claims and tokens.
// The configured claim types select which IdP claims land in
// CustomClaims; username is taken from the email claim.
func (c *Codec) Encode(idpClaims map[string]any, tokens Tokens, ttl time.Duration) (string, error) {
	if tokens.IDToken == "" {
		return "", errors.BadRequest("id token not provided")
	}

	custom := map[string]any{}
	for _, ct := range c.claimTypes {
		for _, key := range claimKeys[ct] {
			if value, ok := idpClaims[key]; ok {
				custom[key] = value
			}
		}
	}

	username, _ := idpClaims["email"].(string)
	claims := jwt.MapClaims{
		"username":     username,
		"sites":        []string{},
		"CustomClaims": custom,
		"PIdToken":     tokens.IDToken,
		"exp":          time.Now().Add(ttl).Unix(),
	}
	if tokens.RefreshToken != "" {
		claims["PRefreshToken"] = tokens.RefreshToken
	}
	if tokens.AccessToken != "" {
		claims["PAccessToken"] = tokens.AccessToken
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
	if err != nil {
		return "", errors.Internal("failed to sign cookie", err)
	}
	if !c.compress {
		return signed, nil
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write([]byte(signed)); err != nil {
		return "", errors.Internal("failed to compress cookie", err)
	}
	if err := zw.Close(); err != nil {
		return "", errors.Internal("failed to compress cookie", err)
	}
	return base64.URLEncoding.EncodeToString(buf.Bytes()), nil
}

// Decode parses a cookie value back into its claim map. With verify set
// the HS256 signature and expiry are checked; without it the claims are
// returned as-is, which is only safe behind the refresh flow where the
// upstream IdP re-validates the embedded refresh token.
func (c *Codec) Decode(cookie string, verify bool) (jwt.MapClaims, error) {
	raw := cookie
	if c.compress {
		compressed, err := base64.URLEncoding.DecodeString(cookie)
		if err != nil {
			compressed, err = base64.RawURLEncoding.DecodeString(cookie)
		}
		if err != nil {
			return nil, errors.Unauthorized("cookie is not valid base64")
		}
		zr, err := gzip.NewReader(bytes.NewReader(compressed))
		if err != nil {
			return nil, errors.Unauthorized("cookie is not gzip compressed")
		}
		decompressed, err := io.ReadAll(zr)
		if err != nil {
			return nil, errors.Unauthorized("cookie could not be decompressed")
		}
		raw = string(decompressed)
	}

	claims := jwt.MapClaims{}
	if !verify {
		if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
			return nil, errors.Unauthorized("cookie could not be parsed")
		}
		return claims, nil
	}

	_, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return c.secret, nil
	})
	if err != nil {
		return nil, errors.Unauthorized("cookie could not be verified")
	}
	return claims, nil
}

// CookieName returns the configured cookie name.
func (c *Codec) CookieName() string { return c.cookieName }

// Cookie wraps an encoded value in an http.Cookie ready to attach to a
// response.
func (c *Codec) Cookie(value string, maxAge time.Duration) *http.Cookie {
	return &http.Cookie{
		Name:     c.cookieName,
		Value:    value,
		Domain:   c.cookieDomain,
		Path:     "/",
		MaxAge:   int(maxAge.Seconds()),
		Secure:   true,
		HttpOnly: true,
	}
}

// IDToken extracts the upstream ID token from decoded cookie claims.
func IDToken(claims jwt.MapClaims) string {
	token, _ := claims["PIdToken"].(string)
	return token
}

// RefreshToken extracts the upstream refresh token, if present.
func RefreshToken(claims jwt.MapClaims) string {
	token, _ := claims["PRefreshToken"].(string)
	return token
}

// AccessToken extracts the upstream access token, if present.
func AccessToken(claims jwt.MapClaims) string {
	token, _ := claims["PAccessToken"].(string)
	return token
}

// Username extracts the username from decoded cookie claims.
func Username(claims jwt.MapClaims) string {
	name, _ := claims["username"].(string)
	return name
}

// CustomClaims extracts the projected IdP claims from decoded cookie
// claims. Missing or malformed sections yield an empty map.
func CustomClaims(claims jwt.MapClaims) map[string]any {
	custom, _ := claims["CustomClaims"].(map[string]any)
	if custom == nil {
		custom = map[string]any{}
	}
	return custom
}
