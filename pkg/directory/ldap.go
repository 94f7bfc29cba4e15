// SPDX-FileCopyrightText: Copyright 2026 FABRIC Testbed
// SPDX-License-Identifier: MIT

package directory

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/go-ldap/ldap/v3"

	"github.com/fabric-testbed/credmgr/pkg/errors"
	"github.com/fabric-testbed/credmgr/pkg/logger"
)

// couPattern extracts the COU name from an active-members group DN.
var couPattern = regexp.MustCompile(`CO:COU:(.+?):members:active`)

// LDAPClient resolves project memberships and roles from the COmanage
// LDAP directory. It is the fallback when core-api is disabled; the
// LDAP path yields no user uuid.
type LDAPClient struct {
	host       string
	user       string
	password   string
	searchBase string

	ignoreList []string
	rolesList  []string

	// Bind, search, and unbind run under a process-wide lock; the
	// directory tolerates one session per service instance.
	mu sync.Mutex
}

// LDAPConfig configures an LDAPClient.
type LDAPConfig struct {
	// Host is the ldaps URL of the directory server.
	Host string

	// User and Password are the bind credentials.
	User     string
	Password string

	// SearchBase is the subtree holding people entries.
	SearchBase string

	// IgnoreList names COUs that are never projects or roles.
	IgnoreList []string

	// RolesList names COUs treated as roles rather than projects.
	RolesList []string
}

// NewLDAPClient creates an LDAP directory client.
func NewLDAPClient(cfg LDAPConfig) (*LDAPClient, error) {
	if cfg.Host == "" {
		return nil, errors.New(errors.ErrInternal, "ldap host not configured")
	}
	return &LDAPClient{
		host:       cfg.Host,
		user:       cfg.User,
		password:   cfg.Password,
		searchBase: cfg.SearchBase,
		ignoreList: cfg.IgnoreList,
		rolesList:  cfg.RolesList,
	}, nil
}

// ActiveProjectsAndRoles resolves the caller's roles and active project
// names from the isMemberOf attribute. The entry is located by eppn
// when present, else by email.
func (l *LDAPClient) ActiveProjectsAndRoles(eppn, email string) (roles, projects []string, err error) {
	filter := fmt.Sprintf("(mail=%s)", ldap.EscapeFilter(email))
	if eppn != "" {
		filter = fmt.Sprintf("(eduPersonPrincipalName=%s)", ldap.EscapeFilter(eppn))
	}

	groups, err := l.search(filter)
	if err != nil {
		return nil, nil, err
	}
	roles, projects = l.classify(groups)
	logger.Debugf("LDAP lookup filter=%s projects=%v roles=%v", filter, projects, roles)
	return roles, projects, nil
}

func (l *LDAPClient) search(filter string) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	conn, err := ldap.DialURL(l.host)
	if err != nil {
		return nil, errors.Upstream("ldap connection failed", err)
	}
	defer conn.Close()

	if err := conn.Bind(l.user, l.password); err != nil {
		return nil, errors.Upstream("ldap bind failed", err)
	}

	request := ldap.NewSearchRequest(
		l.searchBase,
		ldap.ScopeWholeSubtree, ldap.NeverDerefAliases, 0, 0, false,
		filter,
		[]string{"isMemberOf"},
		nil,
	)
	result, err := conn.Search(request)
	if err != nil {
		return nil, errors.Upstream("ldap search failed", err)
	}
	if len(result.Entries) == 0 {
		return nil, nil
	}
	return result.Entries[0].GetAttributeValues("isMemberOf"), nil
}

// classify splits active-members group names into roles and projects,
// honoring the ignore and roles lists. COUs with a -po or -pm suffix
// are project lead groups and count as roles.
func (l *LDAPClient) classify(groups []string) (roles, projects []string) {
	roles = []string{}
	projects = []string{}
	for _, group := range groups {
		if !strings.Contains(group, "active") {
			continue
		}
		m := couPattern.FindStringSubmatch(group)
		if m == nil {
			continue
		}
		name := m[1]
		if contains(l.ignoreList, name) {
			continue
		}
		if contains(l.rolesList, name) || strings.Contains(name, "-po") || strings.Contains(name, "-pm") {
			roles = append(roles, name)
		} else {
			projects = append(projects, name)
		}
	}
	return roles, projects
}

// FilterForProject applies the membership rule to an LDAP project list:
// a specific requested project must appear in the caller's memberships,
// while AllProjects passes everything through.
func FilterForProject(projects []string, requested string) ([]string, error) {
	if strings.EqualFold(requested, AllProjects) {
		return projects, nil
	}
	for _, p := range projects {
		if p == requested {
			return []string{p}, nil
		}
	}
	return nil, errors.Forbidden("user is not a member of project: %s", requested)
}

func contains(list []string, value string) bool {
	for _, v := range list {
		if v == value {
			return true
		}
	}
	return false
}
