// SPDX-FileCopyrightText: Copyright 2026 FABRIC Testbed
// SPDX-License-Identifier: MIT

package api

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabric-testbed/credmgr/pkg/credmgr"
	"github.com/fabric-testbed/credmgr/pkg/directory"
	"github.com/fabric-testbed/credmgr/pkg/errors"
	"github.com/fabric-testbed/credmgr/pkg/idp"
	"github.com/fabric-testbed/credmgr/pkg/keys"
	"github.com/fabric-testbed/credmgr/pkg/store"
	"github.com/fabric-testbed/credmgr/pkg/vouch"
)

const (
	testUUID     = "b0b2b5f1-3c2a-4f5e-9d6a-2f8f3a1c9b01"
	testEmail    = "alice@example.org"
	testProject  = "4604cab7-41ff-4c1a-a935-0ca6f20cceeb"
	testAudience = "cilogon:/client_id/1234"
)

type fakeValidator struct {
	claims jwt.MapClaims
	err    error
}

func (f *fakeValidator) Validate(context.Context, string) (jwt.MapClaims, error) {
	if f.err != nil {
		return nil, f.err
	}
	copied := jwt.MapClaims{}
	for k, v := range f.claims {
		copied[k] = v
	}
	return copied, nil
}

type fakeDirectory struct {
	info      *directory.UserInfo
	enrichErr error
	fleet     bool
}

func (f *fakeDirectory) EnrichForProject(context.Context, directory.Credential, string) (*directory.UserInfo, error) {
	if f.enrichErr != nil {
		return nil, f.enrichErr
	}
	return f.info, nil
}

func (f *fakeDirectory) ProjectIDByName(_ context.Context, _ directory.Credential, name string) (string, error) {
	return "", errors.NotFound("project '%s' not found", name)
}

func (f *fakeDirectory) UserEmail(context.Context, directory.Credential) (string, error) {
	return f.info.Email, nil
}

func (f *fakeDirectory) IsFleetOperator(context.Context, directory.Credential) (bool, error) {
	return f.fleet, nil
}

type fakeOAuth struct {
	result  *idp.RefreshResult
	revoked []string
}

func (f *fakeOAuth) Refresh(context.Context, string) (*idp.RefreshResult, error) {
	return f.result, nil
}

func (f *fakeOAuth) Revoke(_ context.Context, token string) error {
	f.revoked = append(f.revoked, token)
	return nil
}

type apiFixture struct {
	router    http.Handler
	tokens    http.Handler
	codec     *vouch.Codec
	manager   *credmgr.Manager
	store     *store.MemoryStore
	directory *fakeDirectory
	oauth     *fakeOAuth
	validator *fakeValidator
	signer    *keys.Signer
}

func testSigner(t *testing.T) *keys.Signer {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "private.pem")
	block := &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}
	require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(block), 0600))

	signer, err := keys.LoadSigner(path, "fabric-kid", "")
	require.NoError(t, err)
	return signer
}

func idpClaims() jwt.MapClaims {
	return jwt.MapClaims{
		"sub":   "http://cilogon.org/serverA/users/42",
		"iss":   "https://cilogon.org",
		"aud":   testAudience,
		"email": testEmail,
		"name":  "Alice Example",
	}
}

func memberInfo() *directory.UserInfo {
	return &directory.UserInfo{
		UUID:  testUUID,
		Email: testEmail,
		Roles: []string{"Project One-pm"},
		Projects: []directory.Project{{
			Name: "Project One",
			UUID: testProject,
			Tags: []string{"Component.GPU"},
			Memberships: &directory.Memberships{
				IsMember:      true,
				IsTokenHolder: true,
			},
		}},
	}
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()

	codec, err := vouch.NewCodec(vouch.CodecConfig{
		Secret:       "vouch-shared-secret",
		Compress:     true,
		CustomClaims: []string{"OPENID", "EMAIL", "PROFILE"},
		CookieName:   "fabric-service",
	})
	require.NoError(t, err)

	f := &apiFixture{
		codec:     codec,
		store:     store.NewMemoryStore(),
		directory: &fakeDirectory{info: memberInfo()},
		oauth:     &fakeOAuth{result: &idp.RefreshResult{IDToken: "new-id", RefreshToken: "new-refresh"}},
		validator: &fakeValidator{claims: idpClaims()},
		signer:    testSigner(t),
	}
	manager, err := credmgr.New(credmgr.Config{
		Policy: credmgr.Policy{
			AllowedScopes:    []string{"all", "cf", "mf"},
			ShortLifetime:    4 * time.Hour,
			MaxLifetimeHours: 1512,
			MaxLLTPerProject: 2,
			FacilityRole:     "facility-operators",
		},
		HashSecret: "0123456789abcdef",
		Audience:   testAudience,
		Signer:     f.signer,
		Validator:  f.validator,
		OAuth:      f.oauth,
		Store:      f.store,
		Directory:  f.directory,
		Cookie:     codec,
	})
	require.NoError(t, err)
	f.manager = manager

	cfg := ServerConfig{
		Address: "127.0.0.1:0",
		Version: "1.0.0",
		Tokens: RoutesConfig{
			DefaultLifetimeHours: 4,
			DefaultListLimit:     5,
			LoginURL:             "https://cm.example.org/login",
		},
	}
	f.router = Router(manager, codec, f.signer, cfg)
	f.tokens = TokensRouter(manager, codec, cfg.Tokens)
	return f
}

func (f *apiFixture) loginCookie(t *testing.T) *http.Cookie {
	t.Helper()
	value, err := f.codec.Encode(idpClaims(), vouch.Tokens{
		IDToken:      "upstream-id",
		RefreshToken: "upstream-refresh",
	}, time.Hour)
	require.NoError(t, err)
	return &http.Cookie{Name: f.codec.CookieName(), Value: value}
}

type wireEnvelope struct {
	Data   []map[string]any `json:"data"`
	Size   int              `json:"size"`
	Status int              `json:"status"`
	Type   string           `json:"type"`
}

type wireError struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
	Details string `json:"details"`
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) wireEnvelope {
	t.Helper()
	var env wireEnvelope
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&env))
	return env
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) wireError {
	t.Helper()
	var body wireError
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	return body
}

func (f *apiFixture) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	f.tokens.ServeHTTP(rec, req)
	return rec
}

func TestCreateRequiresCookie(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(httptest.NewRequest(http.MethodPost, "/create?project_id="+testProject, nil))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	body := decodeError(t, rec)
	assert.Equal(t, http.StatusUnauthorized, body.Status)
	assert.Contains(t, body.Details, "fabric-service")
}

func TestCreateToken(t *testing.T) {
	f := newAPIFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/create?project_id="+testProject+"&scope=all&lifetime=4", nil)
	req.AddCookie(f.loginCookie(t))
	rec := f.do(req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	env := decodeEnvelope(t, rec)
	assert.Equal(t, "tokens", env.Type)
	assert.Equal(t, 1, env.Size)
	require.Len(t, env.Data, 1)

	token := env.Data[0]
	assert.Equal(t, store.StateValid.String(), token["state"])
	assert.Equal(t, credmgr.CommentCreatedViaGUI, token["comment"])
	assert.Equal(t, "upstream-refresh", token["refresh_token"])
	assert.NotEmpty(t, token["id_token"])
	assert.NotEmpty(t, token["token_hash"])

	created, err := time.Parse(credmgr.TimeFormat, token["created_at"].(string))
	require.NoError(t, err)
	expires, err := time.Parse(credmgr.TimeFormat, token["expires_at"].(string))
	require.NoError(t, err)
	assert.Equal(t, 4*time.Hour, expires.Sub(created))
}

func TestCookieAuthValidatesUpstreamToken(t *testing.T) {
	f := newAPIFixture(t)
	f.validator.err = idp.ErrExpired

	// The cookie's own HS256 signature is intact; only the upstream
	// ID token inside it has gone stale.
	for _, req := range []*http.Request{
		httptest.NewRequest(http.MethodDelete, "/delete", nil),
		httptest.NewRequest(http.MethodGet, "/", nil),
		httptest.NewRequest(http.MethodPost, "/create?project_id="+testProject, nil),
	} {
		req.AddCookie(f.loginCookie(t))
		rec := f.do(req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, req.URL.Path)
	}

	records, err := f.store.Query(context.Background(), store.Filter{UserEmail: testEmail})
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestCreateLifetimeMustBeNumeric(t *testing.T) {
	f := newAPIFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/create?project_id="+testProject+"&lifetime=soon", nil)
	req.AddCookie(f.loginCookie(t))
	rec := f.do(req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateCLIRedirectsWithoutCookie(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(httptest.NewRequest(http.MethodGet, "/create_cli?project_id="+testProject+"&scope=all", nil))

	assert.Equal(t, http.StatusFound, rec.Code)
	location := rec.Header().Get("Location")
	assert.True(t, strings.HasPrefix(location, "https://cm.example.org/login?url="), location)

	var stash *http.Cookie
	for _, cookie := range rec.Result().Cookies() {
		if cookie.Name == cliParamsCookie {
			stash = cookie
		}
	}
	require.NotNil(t, stash)
	raw, err := base64.URLEncoding.DecodeString(stash.Value)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "project_id="+testProject)
}

func TestCreateCLIResumesStashedRequest(t *testing.T) {
	f := newAPIFixture(t)

	stashed := base64.URLEncoding.EncodeToString([]byte("project_id=" + testProject + "&scope=all&lifetime=4"))
	req := httptest.NewRequest(http.MethodGet, "/create_cli", nil)
	req.AddCookie(f.loginCookie(t))
	req.AddCookie(&http.Cookie{Name: cliParamsCookie, Value: stashed})
	rec := f.do(req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	env := decodeEnvelope(t, rec)
	require.Len(t, env.Data, 1)
	assert.Equal(t, store.StateValid.String(), env.Data[0]["state"])

	// The stash is single-use.
	for _, cookie := range rec.Result().Cookies() {
		if cookie.Name == cliParamsCookie {
			assert.Negative(t, cookie.MaxAge)
		}
	}
}

func TestRefreshToken(t *testing.T) {
	f := newAPIFixture(t)

	body := bytes.NewBufferString(`{"refresh_token": "upstream-refresh"}`)
	req := httptest.NewRequest(http.MethodPost, "/refresh?project_id="+testProject+"&scope=all", body)
	rec := f.do(req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	env := decodeEnvelope(t, rec)
	require.Len(t, env.Data, 1)

	token := env.Data[0]
	assert.Equal(t, store.StateRefreshed.String(), token["state"])
	assert.Equal(t, credmgr.CommentRefreshedViaAPI, token["comment"])
	assert.Equal(t, "new-refresh", token["refresh_token"])
}

func TestRefreshRequiresRefreshToken(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(httptest.NewRequest(http.MethodPost, "/refresh", bytes.NewBufferString(`{}`)))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decodeError(t, rec).Details, "refresh_token")
}

func TestRefreshFailureReportsExchangedToken(t *testing.T) {
	f := newAPIFixture(t)
	f.directory.enrichErr = errors.Forbidden("user is not a member of the project")

	body := bytes.NewBufferString(`{"refresh_token": "upstream-refresh"}`)
	rec := f.do(httptest.NewRequest(http.MethodPost, "/refresh?project_id="+testProject, body))

	assert.Equal(t, http.StatusForbidden, rec.Code)
	// The caller needs the exchanged refresh token to retry later.
	assert.Contains(t, decodeError(t, rec).Details, "refresh_token: new-refresh")
}

func TestRevokeRefreshToken(t *testing.T) {
	f := newAPIFixture(t)

	body := bytes.NewBufferString(`{"refresh_token": "upstream-refresh"}`)
	req := httptest.NewRequest(http.MethodPost, "/revoke", body)
	req.AddCookie(f.loginCookie(t))
	rec := f.do(req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, []string{"upstream-refresh"}, f.oauth.revoked)
}

func mintToken(t *testing.T, f *apiFixture, scope string) map[string]any {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/create?project_id="+testProject+"&scope="+scope, nil)
	req.AddCookie(f.loginCookie(t))
	rec := f.do(req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	env := decodeEnvelope(t, rec)
	require.Len(t, env.Data, 1)
	return env.Data[0]
}

func TestRevokeIdentityTokenWithBearer(t *testing.T) {
	f := newAPIFixture(t)
	token := mintToken(t, f, "all")
	hash := token["token_hash"].(string)

	body := bytes.NewBufferString(`{"type": "identity", "token": "` + hash + `"}`)
	req := httptest.NewRequest(http.MethodPost, "/revokes", body)
	req.Header.Set("Authorization", "Bearer "+token["id_token"].(string))
	rec := f.do(req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	record, err := f.store.Get(context.Background(), hash)
	require.NoError(t, err)
	assert.Equal(t, store.StateRevoked, record.State)
}

func TestRevokesRejectsUnknownType(t *testing.T) {
	f := newAPIFixture(t)

	body := bytes.NewBufferString(`{"type": "access", "token": "x"}`)
	req := httptest.NewRequest(http.MethodPost, "/revokes", body)
	req.AddCookie(f.loginCookie(t))
	rec := f.do(req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListTokens(t *testing.T) {
	f := newAPIFixture(t)
	mintToken(t, f, "all")
	mintToken(t, f, "cf")

	// Rows belonging to other users stay invisible to non-operators.
	err := f.store.Add(context.Background(), &store.Record{
		UserID:    "7d4a0f72-1bb5-4b86-9a2f-ccc0c0f1a1aa",
		UserEmail: "bob@example.org",
		ProjectID: testProject,
		TokenHash: "bob-hash",
		State:     store.StateValid,
		CreatedAt: time.Now().UTC(),
		ExpiresAt: time.Now().UTC().Add(time.Hour),
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/?project_id="+testProject, nil)
	req.AddCookie(f.loginCookie(t))
	rec := f.do(req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	env := decodeEnvelope(t, rec)
	assert.Equal(t, "tokens", env.Type)
	assert.Equal(t, 2, env.Size)
	for _, token := range env.Data {
		assert.NotEqual(t, "bob-hash", token["token_hash"])
		// Stored rows never leak token material.
		assert.NotContains(t, token, "id_token")
		assert.NotContains(t, token, "refresh_token")
	}
}

func TestListTokensRejectsBadStates(t *testing.T) {
	f := newAPIFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/?states=Shiny", nil)
	req.AddCookie(f.loginCookie(t))
	rec := f.do(req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRevokeListIsOpen(t *testing.T) {
	f := newAPIFixture(t)
	token := mintToken(t, f, "all")
	hash := token["token_hash"].(string)
	require.NoError(t, f.store.UpdateState(context.Background(), hash, store.StateRevoked))

	rec := f.do(httptest.NewRequest(http.MethodGet, "/revoke_list?project_id="+testProject, nil))

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var env struct {
		Data []string `json:"data"`
		Size int      `json:"size"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&env))
	assert.Equal(t, []string{hash}, env.Data)
	assert.Equal(t, 1, env.Size)
}

func TestRevokeListRequiresProject(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(httptest.NewRequest(http.MethodGet, "/revoke_list", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestValidateToken(t *testing.T) {
	f := newAPIFixture(t)
	token := mintToken(t, f, "all")

	body := bytes.NewBufferString(`{"type": "identity", "token": "` + token["id_token"].(string) + `"}`)
	rec := f.do(httptest.NewRequest(http.MethodPost, "/validate", body))

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	env := decodeEnvelope(t, rec)
	require.Len(t, env.Data, 1)
	assert.Equal(t, store.StateValid.String(), env.Data[0]["state"])

	claims, ok := env.Data[0]["token"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, testEmail, claims["email"])
}

func TestValidateTokenRejectsForeignToken(t *testing.T) {
	f := newAPIFixture(t)

	body := bytes.NewBufferString(`{"token": "not.a.jwt"}`)
	rec := f.do(httptest.NewRequest(http.MethodPost, "/validate", body))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDeleteTokens(t *testing.T) {
	f := newAPIFixture(t)
	mintToken(t, f, "all")
	mintToken(t, f, "cf")

	req := httptest.NewRequest(http.MethodDelete, "/delete", nil)
	req.AddCookie(f.loginCookie(t))
	rec := f.do(req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	records, err := f.store.Query(context.Background(), store.Filter{UserEmail: testEmail})
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestDeleteSingleToken(t *testing.T) {
	f := newAPIFixture(t)
	keep := mintToken(t, f, "all")
	drop := mintToken(t, f, "cf")

	req := httptest.NewRequest(http.MethodDelete, "/delete/"+drop["token_hash"].(string), nil)
	req.AddCookie(f.loginCookie(t))
	rec := f.do(req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	_, err := f.store.Get(context.Background(), drop["token_hash"].(string))
	assert.True(t, errors.IsType(err, errors.ErrNotFound))
	_, err = f.store.Get(context.Background(), keep["token_hash"].(string))
	assert.NoError(t, err)
}

func TestVersionEndpoint(t *testing.T) {
	f := newAPIFixture(t)

	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/version", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	env := decodeEnvelope(t, rec)
	assert.Equal(t, "version", env.Type)
	require.Len(t, env.Data, 1)
	assert.Equal(t, "1.0.0", env.Data[0]["version"])
}

func TestCertsServeJWKS(t *testing.T) {
	f := newAPIFixture(t)

	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/certs", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var jwks struct {
		Keys []map[string]any `json:"keys"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&jwks))
	require.Len(t, jwks.Keys, 1)
	assert.Equal(t, "fabric-kid", jwks.Keys[0]["kid"])
	assert.Equal(t, "RS256", jwks.Keys[0]["alg"])
	assert.Equal(t, "RSA", jwks.Keys[0]["kty"])
}
