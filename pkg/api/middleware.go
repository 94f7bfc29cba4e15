// SPDX-FileCopyrightText: Copyright 2026 FABRIC Testbed
// SPDX-License-Identifier: MIT

package api

import (
	"context"
	"net"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/fabric-testbed/credmgr/pkg/credmgr"
	"github.com/fabric-testbed/credmgr/pkg/directory"
	"github.com/fabric-testbed/credmgr/pkg/errors"
	"github.com/fabric-testbed/credmgr/pkg/store"
	"github.com/fabric-testbed/credmgr/pkg/vouch"
)

// Request counters, labeled per operation.
var (
	requestsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "credmgr_requests_received_total",
		Help: "Requests received per operation.",
	}, []string{"operation"})

	requestsSucceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "credmgr_requests_success_total",
		Help: "Requests completed successfully per operation.",
	}, []string{"operation"})

	requestsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "credmgr_requests_failure_total",
		Help: "Requests failed per operation.",
	}, []string{"operation"})
)

type contextKey int

const authKey contextKey = iota

// authInfo is the authenticated caller attached to the request context.
type authInfo struct {
	caller credmgr.Caller

	// cookie is the raw proxy cookie when cookie-authenticated.
	cookie string

	// claims are the decoded proxy-cookie claims, nil on the bearer
	// path.
	claims jwt.MapClaims
}

func withAuth(ctx context.Context, info *authInfo) context.Context {
	return context.WithValue(ctx, authKey, info)
}

func authFrom(ctx context.Context) *authInfo {
	info, _ := ctx.Value(authKey).(*authInfo)
	return info
}

// cookieAuth authenticates the caller from the proxy cookie. The HS256
// cookie signature must verify, and the upstream ID token inside it
// must still validate against the IdP keys.
func (routes *TokensRoutes) cookieAuth(r *http.Request) (*authInfo, error) {
	cookie, err := r.Cookie(routes.codec.CookieName())
	if err != nil {
		return nil, errors.Unauthorized("login required, cookie %s missing", routes.codec.CookieName())
	}

	claims, err := routes.codec.Decode(cookie.Value, true)
	if err != nil {
		return nil, err
	}
	idToken := vouch.IDToken(claims)
	if idToken == "" {
		return nil, errors.Unauthorized("cookie carries no id token")
	}
	if _, err := routes.manager.ValidateUpstream(r.Context(), idToken); err != nil {
		return nil, errors.Unauthorized("cookie carries an invalid id token: %v", err)
	}

	info := &authInfo{
		cookie: cookie.Value,
		claims: claims,
		caller: credmgr.Caller{
			Cred:  directory.Credential{Cookie: cookie.Value},
			Email: cookieEmail(claims),
		},
	}
	return info, nil
}

// bearerAuth authenticates the caller from a self-issued token: the
// signature must verify against this service's key, and the token hash
// must still be live in the store.
func (routes *TokensRoutes) bearerAuth(r *http.Request) (*authInfo, error) {
	header := r.Header.Get("Authorization")
	raw := strings.TrimPrefix(header, "Bearer ")
	if raw == header || raw == "" {
		return nil, errors.Unauthorized("bearer token missing")
	}

	state, claims, err := routes.manager.ValidateToken(r.Context(), raw)
	if err != nil {
		return nil, errors.Unauthorized("bearer token invalid: %v", err)
	}
	if state != store.StateValid && state != store.StateRefreshed {
		return nil, errors.Unauthorized("bearer token is %s", state)
	}

	email, _ := claims["email"].(string)
	return &authInfo{
		claims: claims,
		caller: credmgr.Caller{
			Cred:  directory.Credential{Token: raw},
			Email: email,
		},
	}, nil
}

// requireCookie gates a handler behind cookie authentication.
func (routes *TokensRoutes) requireCookie(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		info, err := routes.cookieAuth(r)
		if err != nil {
			writeError(w, err)
			return
		}
		next(w, r.WithContext(withAuth(r.Context(), info)))
	}
}

// requireCookieOrToken gates a handler behind either authenticator,
// trying the bearer token first.
func (routes *TokensRoutes) requireCookieOrToken(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		info, err := routes.bearerAuth(r)
		if err != nil {
			info, err = routes.cookieAuth(r)
		}
		if err != nil {
			writeError(w, err)
			return
		}
		next(w, r.WithContext(withAuth(r.Context(), info)))
	}
}

// cookieEmail extracts the caller email from decoded cookie claims,
// preferring the projected email claim over the vouch username.
func cookieEmail(claims jwt.MapClaims) string {
	custom := vouch.CustomClaims(claims)
	if email, ok := custom["email"].(string); ok && email != "" {
		return email
	}
	return vouch.Username(claims)
}

// remoteAddr strips the port from the request remote address.
func remoteAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
