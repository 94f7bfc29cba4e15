// SPDX-FileCopyrightText: Copyright 2026 FABRIC Testbed
// SPDX-License-Identifier: MIT

// Package directory resolves caller identity, roles, and project
// memberships. The primary backend is the core-api REST service; an
// LDAP fallback covers deployments where core-api is disabled.
package directory

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/fabric-testbed/credmgr/pkg/errors"
	"github.com/fabric-testbed/credmgr/pkg/logger"
)

func decodeJSON(body []byte, out any) error {
	if err := json.Unmarshal(body, out); err != nil {
		return errors.Upstream("directory returned malformed JSON", err)
	}
	return nil
}

// AllProjects requests every active project the caller belongs to.
const AllProjects = "all"

// Credential carries the caller's proof of identity for directory
// lookups: the proxy cookie for browser flows, or a bearer token.
type Credential struct {
	Cookie string
	Token  string
}

func (c Credential) empty() bool {
	return c.Cookie == "" && c.Token == ""
}

// Memberships describes the caller's relationship to a project.
type Memberships struct {
	IsCreator     bool `json:"is_creator"`
	IsMember      bool `json:"is_member"`
	IsOwner       bool `json:"is_owner"`
	IsTokenHolder bool `json:"is_token_holder"`
}

func (m Memberships) any() bool {
	return m.IsCreator || m.IsMember || m.IsOwner
}

// Project is a project the caller belongs to. Tags and Memberships are
// attached only when a specific project was requested.
type Project struct {
	Name        string       `json:"name"`
	UUID        string       `json:"uuid"`
	Tags        []string     `json:"tags,omitempty"`
	Memberships *Memberships `json:"memberships,omitempty"`
}

// UserInfo is the enriched identity returned for a mint request.
type UserInfo struct {
	UUID     string
	Email    string
	Roles    []string
	Projects []Project
}

// CoreClient talks to the core-api directory service. Requests carry
// the caller's proxy cookie or bearer token, never a service account.
type CoreClient struct {
	apiURL       string
	cookieName   string
	facilityRole string
	httpClient   *http.Client
}

// CoreConfig configures a CoreClient.
type CoreConfig struct {
	// APIURL is the core-api base URL, without a trailing slash.
	APIURL string

	// CookieName is the proxy cookie name attached to requests.
	CookieName string

	// FacilityRole is the role granting fleet-wide token authority.
	FacilityRole string

	// SSLVerify disables TLS verification when false.
	SSLVerify bool

	// HTTPClient is optional; a client honoring SSLVerify is built
	// when nil.
	HTTPClient *http.Client
}

// NewCoreClient creates a core-api directory client.
func NewCoreClient(cfg CoreConfig) (*CoreClient, error) {
	if cfg.APIURL == "" {
		return nil, errors.New(errors.ErrInternal, "core-api URL not configured")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		if !cfg.SSLVerify {
			transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} // #nosec G402
		}
		httpClient = &http.Client{Transport: transport, Timeout: 30 * time.Second}
	}
	return &CoreClient{
		apiURL:       strings.TrimRight(cfg.APIURL, "/"),
		cookieName:   cfg.CookieName,
		facilityRole: cfg.FacilityRole,
		httpClient:   httpClient,
	}, nil
}

func (c *CoreClient) get(ctx context.Context, path string, cred Credential, out any) error {
	if cred.empty() {
		return errors.Unauthorized("no cookie or token available for directory lookup")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiURL+path, nil)
	if err != nil {
		return errors.Internal("failed to build directory request", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	if cred.Token != "" {
		req.Header.Set("Authorization", "Bearer "+cred.Token)
	} else {
		req.AddCookie(&http.Cookie{Name: c.cookieName, Value: cred.Cookie})
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Upstream("directory request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return errors.Upstream("failed to read directory response", err)
	}
	if resp.StatusCode != http.StatusOK {
		logger.Debugf("Core API error path=%s status=%d body=%s", path, resp.StatusCode, string(body))
		return errors.Upstream(fmt.Sprintf("directory returned status %d for %s", resp.StatusCode, path), nil)
	}
	return decodeJSON(body, out)
}

// WhoAmI resolves the caller's uuid and email via /whoami.
func (c *CoreClient) WhoAmI(ctx context.Context, cred Credential) (uuid, email string, err error) {
	var result struct {
		Results []struct {
			UUID  string `json:"uuid"`
			Email string `json:"email"`
		} `json:"results"`
	}
	if err := c.get(ctx, "/whoami", cred, &result); err != nil {
		return "", "", err
	}
	if len(result.Results) == 0 {
		return "", "", errors.Upstream("directory returned no identity for caller", nil)
	}
	return result.Results[0].UUID, result.Results[0].Email, nil
}

// Roles returns the caller's global roles. Facility-wide roles are not
// project specific, so they come from the people endpoint.
func (c *CoreClient) Roles(ctx context.Context, cred Credential, uuid string) ([]string, error) {
	var result struct {
		Results []struct {
			Roles []string `json:"roles"`
		} `json:"results"`
	}
	path := fmt.Sprintf("/people/%s?as_self=true", url.PathEscape(uuid))
	if err := c.get(ctx, path, cred, &result); err != nil {
		return nil, err
	}
	if len(result.Results) == 0 {
		return nil, errors.Upstream("directory returned no people entry for caller", nil)
	}
	return result.Results[0].Roles, nil
}

type projectResult struct {
	Name        string      `json:"name"`
	UUID        string      `json:"uuid"`
	Active      bool        `json:"active"`
	Tags        []string    `json:"tags"`
	Memberships Memberships `json:"memberships"`
}

func (c *CoreClient) projects(ctx context.Context, cred Credential, path string) ([]projectResult, error) {
	var result struct {
		Results []projectResult `json:"results"`
	}
	if err := c.get(ctx, path, cred, &result); err != nil {
		return nil, err
	}
	return result.Results, nil
}

// EnrichForProject resolves the caller identity and validates project
// membership. With AllProjects it returns every active project the
// caller belongs to, dropping tags and memberships; with a specific
// project id the project must be active and the caller a member,
// creator, or owner, and tags plus memberships are attached.
func (c *CoreClient) EnrichForProject(ctx context.Context, cred Credential, projectID string) (*UserInfo, error) {
	uuid, email, err := c.WhoAmI(ctx, cred)
	if err != nil {
		return nil, err
	}

	all := strings.EqualFold(projectID, AllProjects)
	var path string
	if all {
		path = fmt.Sprintf("/projects?offset=0&limit=50&person_uuid=%s&sort_by=name&order_by=asc", url.QueryEscape(uuid))
	} else {
		path = "/projects/" + url.PathEscape(projectID)
	}

	results, err := c.projects(ctx, cred, path)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, errors.Forbidden("user is not a member of project: %s", projectID)
	}

	projects := make([]Project, 0, len(results))
	for _, p := range results {
		if !p.Active {
			if all {
				continue
			}
			return nil, errors.Forbidden("project is not active: %s", p.UUID)
		}
		if !p.Memberships.any() {
			return nil, errors.Forbidden("user is not a member of project: %s", p.UUID)
		}
		project := Project{Name: p.Name, UUID: p.UUID}
		if !all {
			memberships := p.Memberships
			project.Tags = p.Tags
			project.Memberships = &memberships
		}
		projects = append(projects, project)
	}
	if len(projects) == 0 {
		return nil, errors.Forbidden("user has no active projects")
	}

	roles, err := c.Roles(ctx, cred, uuid)
	if err != nil {
		return nil, err
	}

	return &UserInfo{UUID: uuid, Email: email, Roles: roles, Projects: projects}, nil
}

// ProjectIDByName resolves a project name to its uuid. The name must
// match exactly one project the caller can see.
func (c *CoreClient) ProjectIDByName(ctx context.Context, cred Credential, name string) (string, error) {
	path := fmt.Sprintf("/projects?search=%s&offset=0&limit=50", url.QueryEscape(name))
	results, err := c.projects(ctx, cred, path)
	if err != nil {
		return "", err
	}
	if len(results) == 0 {
		return "", errors.NotFound("project '%s' not found", name)
	}
	if len(results) > 1 {
		return "", errors.Conflict("more than one project found with name '%s'", name)
	}
	if results[0].UUID == "" {
		return "", errors.NotFound("project id for project '%s' could not be found", name)
	}
	return results[0].UUID, nil
}

// UserEmail resolves just the caller's email.
func (c *CoreClient) UserEmail(ctx context.Context, cred Credential) (string, error) {
	_, email, err := c.WhoAmI(ctx, cred)
	return email, err
}

// IsFleetOperator reports whether the caller holds the facility
// operator role.
func (c *CoreClient) IsFleetOperator(ctx context.Context, cred Credential) (bool, error) {
	uuid, _, err := c.WhoAmI(ctx, cred)
	if err != nil {
		return false, err
	}
	roles, err := c.Roles(ctx, cred, uuid)
	if err != nil {
		return false, err
	}
	for _, role := range roles {
		if role == c.facilityRole {
			return true, nil
		}
	}
	return false, nil
}
