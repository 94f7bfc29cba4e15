// SPDX-FileCopyrightText: Copyright 2026 FABRIC Testbed
// SPDX-License-Identifier: MIT

package api

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/fabric-testbed/credmgr/pkg/credmgr"
	"github.com/fabric-testbed/credmgr/pkg/errors"
	"github.com/fabric-testbed/credmgr/pkg/logger"
	"github.com/fabric-testbed/credmgr/pkg/store"
	"github.com/fabric-testbed/credmgr/pkg/vouch"
)

// cliParamsCookie stashes create_cli query parameters across the login
// round trip.
const cliParamsCookie = "credmgr-cli-params"

// RoutesConfig carries the request defaults for the token routes.
type RoutesConfig struct {
	// DefaultLifetimeHours applies when create/refresh omit lifetime.
	DefaultLifetimeHours int

	// DefaultListLimit applies when list requests omit limit.
	DefaultListLimit int

	// LoginURL receives the create_cli phase-one redirect.
	LoginURL string
}

// TokensRoutes defines the routes for the token lifecycle API.
type TokensRoutes struct {
	manager *credmgr.Manager
	codec   *vouch.Codec
	cfg     RoutesConfig
}

// TokensRouter creates a new router for the token lifecycle API.
func TokensRouter(manager *credmgr.Manager, codec *vouch.Codec, cfg RoutesConfig) http.Handler {
	if cfg.DefaultLifetimeHours == 0 {
		cfg.DefaultLifetimeHours = 4
	}
	if cfg.DefaultListLimit == 0 {
		cfg.DefaultListLimit = 5
	}
	routes := &TokensRoutes{manager: manager, codec: codec, cfg: cfg}

	r := chi.NewRouter()
	r.Post("/create", instrument("create", routes.requireCookie(routes.createToken)))
	r.Get("/create_cli", instrument("create_cli", routes.createTokenCLI))
	r.Post("/create_cli", instrument("create_cli", routes.createTokenCLI))
	r.Post("/refresh", instrument("refresh", routes.refreshToken))
	r.Post("/revoke", instrument("revoke", routes.requireCookieOrToken(routes.revokeRefreshToken)))
	r.Post("/revokes", instrument("revokes", routes.requireCookieOrToken(routes.revokeToken)))
	r.Delete("/delete", instrument("delete", routes.requireCookie(routes.deleteTokens)))
	r.Delete("/delete/{hash}", instrument("delete", routes.requireCookie(routes.deleteTokens)))
	r.Get("/", instrument("list", routes.requireCookieOrToken(routes.listTokens)))
	r.Get("/revoke_list", instrument("revoke_list", routes.revokeList))
	r.Post("/validate", instrument("validate", routes.validateToken))
	return r
}

// instrument counts received/success/failure per operation.
func instrument(operation string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		requestsReceived.WithLabelValues(operation).Inc()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next(ww, r)
		if ww.Status() >= http.StatusBadRequest {
			requestsFailed.WithLabelValues(operation).Inc()
			return
		}
		requestsSucceeded.WithLabelValues(operation).Inc()
	}
}

// tokenRequest builds the mint request from query parameters and the
// caller's cookie.
func (routes *TokensRoutes) tokenRequest(r *http.Request, info *authInfo) (credmgr.TokenRequest, error) {
	query := r.URL.Query()

	lifetime := routes.cfg.DefaultLifetimeHours
	if raw := query.Get("lifetime"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			return credmgr.TokenRequest{}, errors.BadRequest("lifetime must be an integer number of hours")
		}
		lifetime = parsed
	}

	scope := query.Get("scope")
	if scope == "" {
		scope = "all"
	}

	req := credmgr.TokenRequest{
		Scope:         scope,
		ProjectID:     query.Get("project_id"),
		ProjectName:   query.Get("project_name"),
		LifetimeHours: lifetime,
		Comment:       query.Get("comment"),
		RemoteAddr:    remoteAddr(r),
	}
	if info != nil {
		req.Cookie = info.cookie
		req.IDToken = vouch.IDToken(info.claims)
		req.RefreshToken = vouch.RefreshToken(info.claims)
	}
	return req, nil
}

func (routes *TokensRoutes) createToken(w http.ResponseWriter, r *http.Request) {
	info := authFrom(r.Context())
	req, err := routes.tokenRequest(r, info)
	if err != nil {
		writeError(w, err)
		return
	}

	token, err := routes.manager.CreateToken(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, "tokens", []tokenResponse{newTokenResponse(token)}, 1)
}

// createTokenCLI is the browser bootstrap for CLI users: without a
// login cookie the query parameters are stashed in a short-lived
// cookie and the caller is bounced through the login proxy; with one
// the stashed parameters are restored and the request proceeds as a
// normal create.
func (routes *TokensRoutes) createTokenCLI(w http.ResponseWriter, r *http.Request) {
	info, err := routes.cookieAuth(r)
	if err != nil {
		routes.stashAndRedirect(w, r)
		return
	}

	if stash, cookieErr := r.Cookie(cliParamsCookie); cookieErr == nil {
		if restored, restoreErr := restoreQuery(stash.Value); restoreErr == nil {
			r.URL.RawQuery = restored
		}
		// Expire the stash regardless; it is single-use.
		http.SetCookie(w, &http.Cookie{Name: cliParamsCookie, Path: "/", MaxAge: -1})
	}

	req, err := routes.tokenRequest(r, info)
	if err != nil {
		writeError(w, err)
		return
	}
	token, err := routes.manager.CreateToken(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, "tokens", []tokenResponse{newTokenResponse(token)}, 1)
}

func (routes *TokensRoutes) stashAndRedirect(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     cliParamsCookie,
		Value:    base64.URLEncoding.EncodeToString([]byte(r.URL.RawQuery)),
		Path:     "/",
		MaxAge:   300,
		HttpOnly: true,
	})
	target := routes.cfg.LoginURL + "?url=" + url.QueryEscape(r.URL.String())
	http.Redirect(w, r, target, http.StatusFound)
}

func restoreQuery(stashed string) (string, error) {
	raw, err := base64.URLEncoding.DecodeString(stashed)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

type refreshBody struct {
	RefreshToken string `json:"refresh_token"`
}

func (routes *TokensRoutes) refreshToken(w http.ResponseWriter, r *http.Request) {
	var body refreshBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, errors.BadRequest("invalid request body"))
		return
	}
	if body.RefreshToken == "" {
		writeError(w, errors.BadRequest("refresh_token not provided"))
		return
	}

	// The proxy cookie is optional here; refresh authenticates with
	// the upstream refresh token itself.
	req, err := routes.tokenRequest(r, nil)
	if err != nil {
		writeError(w, err)
		return
	}
	req.RefreshToken = body.RefreshToken
	if cookie, cookieErr := r.Cookie(routes.codec.CookieName()); cookieErr == nil {
		req.Cookie = cookie.Value
	}

	token, err := routes.manager.RefreshToken(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, "tokens", []tokenResponse{newTokenResponse(token)}, 1)
}

func (routes *TokensRoutes) revokeRefreshToken(w http.ResponseWriter, r *http.Request) {
	var body refreshBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, errors.BadRequest("invalid request body"))
		return
	}
	if err := routes.manager.RevokeRefreshToken(r.Context(), body.RefreshToken); err != nil {
		writeError(w, err)
		return
	}
	writeData(w, "revoke", []string{"ok"}, 1)
}

type revokeBody struct {
	Type  string `json:"type"`
	Token string `json:"token"`
}

func (routes *TokensRoutes) revokeToken(w http.ResponseWriter, r *http.Request) {
	var body revokeBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, errors.BadRequest("invalid request body"))
		return
	}

	info := authFrom(r.Context())
	switch strings.ToLower(body.Type) {
	case "identity":
		caller, err := routes.resolveCaller(r, info)
		if err != nil {
			writeError(w, err)
			return
		}
		if err := routes.manager.RevokeIdentityToken(r.Context(), caller, body.Token, r.URL.Query().Get("project_id")); err != nil {
			writeError(w, err)
			return
		}
	case "refresh":
		if err := routes.manager.RevokeRefreshToken(r.Context(), body.Token); err != nil {
			writeError(w, err)
			return
		}
	default:
		writeError(w, errors.BadRequest("type must be identity or refresh"))
		return
	}
	writeData(w, "revokes", []string{"ok"}, 1)
}

func (routes *TokensRoutes) deleteTokens(w http.ResponseWriter, r *http.Request) {
	info := authFrom(r.Context())
	caller, err := routes.resolveCaller(r, info)
	if err != nil {
		writeError(w, err)
		return
	}

	if err := routes.manager.DeleteTokens(r.Context(), caller.Email, chi.URLParam(r, "hash")); err != nil {
		writeError(w, err)
		return
	}
	writeData(w, "delete", []string{"ok"}, 1)
}

func (routes *TokensRoutes) listTokens(w http.ResponseWriter, r *http.Request) {
	info := authFrom(r.Context())
	query := r.URL.Query()

	filter := store.Filter{
		TokenHash: query.Get("token_hash"),
		ProjectID: query.Get("project_id"),
		Limit:     routes.cfg.DefaultListLimit,
	}
	if raw := query.Get("expires"); raw != "" {
		expires, err := parseWireTime(raw)
		if err != nil {
			writeError(w, err)
			return
		}
		filter.ExpiresBefore = expires
	}
	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeError(w, errors.BadRequest("limit must be a non-negative integer"))
			return
		}
		filter.Limit = limit
	}
	if raw := query.Get("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil || offset < 0 {
			writeError(w, errors.BadRequest("offset must be a non-negative integer"))
			return
		}
		filter.Offset = offset
	}
	if rawStates := query["states"]; len(rawStates) > 0 {
		states, err := store.ParseStates(splitAll(rawStates))
		if err != nil {
			writeError(w, err)
			return
		}
		filter.States = states
	}

	caller, err := routes.resolveCaller(r, info)
	if err != nil {
		writeError(w, err)
		return
	}
	fleet, err := routes.manager.IsFleetOperator(r.Context(), caller)
	if err != nil {
		writeError(w, err)
		return
	}
	// Non-operators only ever see their own rows.
	if !fleet {
		filter.UserEmail = caller.Email
	}

	records, err := routes.manager.Tokens(r.Context(), filter, false)
	if err != nil {
		writeError(w, err)
		return
	}
	responses := make([]tokenResponse, 0, len(records))
	for _, record := range records {
		responses = append(responses, newRecordResponse(record))
	}
	writeData(w, "tokens", responses, len(responses))
}

func (routes *TokensRoutes) revokeList(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	projectID := query.Get("project_id")
	if projectID == "" {
		writeError(w, errors.BadRequest("project_id required"))
		return
	}
	hashes, err := routes.manager.RevokeList(r.Context(), projectID, query.Get("user_id"), query.Get("user_email"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, "revoke_list", hashes, len(hashes))
}

type validateBody struct {
	Type  string `json:"type"`
	Token string `json:"token"`
}

// validateResult is one entry of the validate response.
type validateResult struct {
	State string         `json:"state"`
	Token map[string]any `json:"token"`
}

func (routes *TokensRoutes) validateToken(w http.ResponseWriter, r *http.Request) {
	var body validateBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, errors.BadRequest("invalid request body"))
		return
	}
	if body.Type != "" && !strings.EqualFold(body.Type, "identity") {
		writeError(w, errors.BadRequest("type must be identity"))
		return
	}
	if body.Token == "" {
		writeError(w, errors.BadRequest("token not provided"))
		return
	}

	state, claims, err := routes.manager.ValidateToken(r.Context(), body.Token)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, "validate", []validateResult{{State: state.String(), Token: claims}}, 1)
}

// resolveCaller fills in the caller email via the directory when the
// cookie did not carry one.
func (routes *TokensRoutes) resolveCaller(r *http.Request, info *authInfo) (credmgr.Caller, error) {
	if info == nil {
		return credmgr.Caller{}, errors.Unauthorized("not authenticated")
	}
	caller := info.caller
	if caller.Email == "" {
		email, err := routes.manager.UserEmail(r.Context(), caller)
		if err != nil {
			logger.Warnf("Failed to resolve caller email: %v", err)
			return credmgr.Caller{}, err
		}
		caller.Email = email
	}
	return caller, nil
}

func splitAll(values []string) []string {
	var out []string
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				out = append(out, trimmed)
			}
		}
	}
	return out
}
