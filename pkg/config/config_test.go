// SPDX-FileCopyrightText: Copyright 2026 FABRIC Testbed
// SPDX-License-Identifier: MIT

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFrom(t *testing.T) {
	cfg, err := LoadFrom("testdata")
	require.NoError(t, err)

	assert.Equal(t, 7000, cfg.Runtime.RestPort)
	assert.Equal(t, 8100, cfg.Runtime.PrometheusPort)
	assert.Equal(t, 14400, cfg.Runtime.TokenLifetime)
	assert.Equal(t, 5, cfg.Runtime.MaxLLTPerProject)
	assert.Equal(t, 1512, cfg.Runtime.MaxTokenLifetime)
	assert.Equal(t, []string{"cf", "mf", "all"}, cfg.Runtime.AllowedScopes)
	assert.Equal(t, []string{"Jupyterhub", "fabric-active-users"}, cfg.Runtime.ProjectsIgnoreList)
	assert.True(t, cfg.Runtime.EnableCoreAPI)
	assert.Equal(t, "facility-operators", cfg.Runtime.FacilityOperatorRole)

	assert.Equal(t, "cilogon", cfg.OAuth.Provider)
	assert.Equal(t, "cilogon:/client_id/1234", cfg.OAuth.ClientID)
	assert.Equal(t, time.Hour, cfg.OAuth.KeyRefresh)

	assert.Equal(t, "b415165a0e5b62ac8db6b323", cfg.JWT.PublicKeyKID)
	assert.Equal(t, "hash-me-with-this", cfg.JWT.TokenHashSecret)

	assert.Equal(t, "database:5432", cfg.Database.Host)
	assert.Equal(t, "credmgr", cfg.Database.Name)

	assert.True(t, cfg.Vouch.Compression)
	assert.Equal(t, "fabric-service", cfg.Vouch.CookieName)
	assert.Equal(t, 3600, cfg.Vouch.LifetimeSeconds)
	assert.Equal(t, []string{"OPENID", "EMAIL", "PROFILE", "CILOGON_USER_INFO"}, cfg.Vouch.CustomClaims)

	assert.Equal(t, "https://uis.example.org/core", cfg.CoreAPI.URL)
	assert.False(t, cfg.CoreAPI.SSLVerify)

	assert.Equal(t, "ldap.example.org", cfg.LDAP.Host)

	assert.Equal(t, "INFO", cfg.Logging.Level)
	assert.Equal(t, 5, cfg.Logging.Retain)
}

func TestLoadFromLegacyProjectRegistry(t *testing.T) {
	cfg, err := LoadFrom("testdata/legacy")
	require.NoError(t, err)

	// The project-registry keys are the older spelling of the core-api
	// directory selector and map onto the same client.
	assert.True(t, cfg.Runtime.EnableCoreAPI)
	assert.Equal(t, "https://registry.example.org/pr", cfg.CoreAPI.URL)
	assert.True(t, cfg.CoreAPI.SSLVerify)
}

func TestLoadFromMissingDir(t *testing.T) {
	_, err := LoadFrom("testdata/nonexistent")
	require.Error(t, err)
}

func TestDirHonorsTestEnvironment(t *testing.T) {
	t.Setenv("TEST_ENVIRONMENT", "True")
	assert.Equal(t, TestConfigDir, Dir())

	t.Setenv("TEST_ENVIRONMENT", "")
	assert.Equal(t, DefaultConfigDir, Dir())
}

func TestParseClockDuration(t *testing.T) {
	d, err := parseClockDuration("01:30:15")
	require.NoError(t, err)
	assert.Equal(t, time.Hour+30*time.Minute+15*time.Second, d)

	_, err = parseClockDuration("90 minutes")
	assert.Error(t, err)

	d, err = parseClockDuration("")
	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), d)
}
