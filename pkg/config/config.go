// SPDX-FileCopyrightText: Copyright 2026 FABRIC Testbed
// SPDX-License-Identifier: MIT

// Package config loads the credmgr configuration file.
//
// The file is a sectioned INI document (credmgr.ini). It is parsed once
// at startup into a typed Config value which is passed by reference to
// the components that need it; nothing re-reads the file at runtime.
// Setting TEST_ENVIRONMENT=True redirects lookup to the test fixture
// directory.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	// DefaultConfigDir is where the production configuration lives.
	DefaultConfigDir = "/etc/credmgr"

	// TestConfigDir holds fixture configuration used when
	// TEST_ENVIRONMENT=True.
	TestConfigDir = "./test_config"

	// ConfigFileName is the configuration file name without extension.
	ConfigFileName = "credmgr"
)

// Runtime holds the [runtime] section.
type Runtime struct {
	RestPort       int
	PrometheusPort int

	// TokenLifetime is the short-lived ceiling in seconds; requests at
	// or below it are short-lived.
	TokenLifetime int

	// MaxLLTPerProject caps the number of stored long-lived tokens per
	// user per project.
	MaxLLTPerProject int

	// MaxTokenLifetime is the hard ceiling for requested lifetimes in
	// hours.
	MaxTokenLifetime int

	AllowedScopes        []string
	RolesList            []string
	ProjectsIgnoreList   []string
	EnableCoreAPI        bool
	FacilityOperatorRole string
}

// OAuth holds the [oauth] section describing the upstream IdP.
type OAuth struct {
	Provider     string
	ClientID     string
	ClientSecret string
	TokenURL     string
	RevokeURL    string
	JWKSURL      string

	// KeyRefresh is the JWKS refresh cadence, parsed from HH:MM:SS.
	KeyRefresh time.Duration
}

// JWT holds the [jwt] section describing the service signing material.
type JWT struct {
	PrivateKey      string
	PublicKey       string
	PublicKeyKID    string
	PassPhrase      string
	TokenHashSecret string
}

// Database holds the [database] section.
type Database struct {
	Host     string
	User     string
	Password string
	Name     string
}

// Vouch holds the [vouch] section for the proxy-cookie codec.
type Vouch struct {
	Secret           string
	Compression      bool
	CustomClaims     []string
	LifetimeSeconds  int
	CookieName       string
	CookieDomainName string
}

// CoreAPI holds the [core-api] section for the user directory.
type CoreAPI struct {
	URL       string
	SSLVerify bool
}

// LDAP holds the [ldap] section for the directory fallback.
type LDAP struct {
	Host       string
	User       string
	Password   string
	SearchBase string
}

// Logging holds the [logging] section.
type Logging struct {
	Directory string
	File      string
	Level     string
	Retain    int
	SizeMB    int
}

// Config is the fully parsed configuration.
type Config struct {
	Runtime  Runtime
	OAuth    OAuth
	JWT      JWT
	Database Database
	Vouch    Vouch
	CoreAPI  CoreAPI
	LDAP     LDAP
	Logging  Logging
}

// Dir returns the directory the configuration is read from, honoring
// TEST_ENVIRONMENT.
func Dir() string {
	if strings.EqualFold(os.Getenv("TEST_ENVIRONMENT"), "true") {
		return TestConfigDir
	}
	return DefaultConfigDir
}

// Load reads and parses the configuration from Dir().
func Load() (*Config, error) {
	return LoadFrom(Dir())
}

// LoadFrom reads and parses the configuration from the given directory.
func LoadFrom(dir string) (*Config, error) {
	v := viper.New()
	v.SetConfigName(ConfigFileName)
	v.SetConfigType("ini")
	v.AddConfigPath(dir)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config from %s: %w", dir, err)
	}
	return parse(v)
}

func parse(v *viper.Viper) (*Config, error) {
	keyRefresh, err := parseClockDuration(v.GetString("oauth.oauth-key-refresh"))
	if err != nil {
		return nil, fmt.Errorf("invalid oauth-key-refresh: %w", err)
	}

	cfg := &Config{
		Runtime: Runtime{
			RestPort:             v.GetInt("runtime.rest-port"),
			PrometheusPort:       v.GetInt("runtime.prometheus-port"),
			TokenLifetime:        v.GetInt("runtime.token-lifetime"),
			MaxLLTPerProject:     v.GetInt("runtime.max-llt-per-project"),
			MaxTokenLifetime:     v.GetInt("runtime.max-token-lifetime"),
			AllowedScopes:        splitList(v.GetString("runtime.allowed-scopes")),
			RolesList:            splitList(v.GetString("runtime.roles-list")),
			ProjectsIgnoreList:   splitList(v.GetString("runtime.prject-names-ignore-list")),
			EnableCoreAPI:        v.GetBool("runtime.enable-core-api") || v.GetBool("runtime.enable-project-registry"),
			FacilityOperatorRole: v.GetString("runtime.facility-operator-role"),
		},
		OAuth: OAuth{
			Provider:     v.GetString("oauth.oauth-provider"),
			ClientID:     v.GetString("oauth.oauth-client-id"),
			ClientSecret: v.GetString("oauth.oauth-client-secret"),
			TokenURL:     v.GetString("oauth.oauth-token-url"),
			RevokeURL:    v.GetString("oauth.oauth-revoke-url"),
			JWKSURL:      v.GetString("oauth.oauth-jwks-url"),
			KeyRefresh:   keyRefresh,
		},
		JWT: JWT{
			PrivateKey:      v.GetString("jwt.jwt-private-key"),
			PublicKey:       v.GetString("jwt.jwt-public-key"),
			PublicKeyKID:    v.GetString("jwt.jwt-public-key-kid"),
			PassPhrase:      v.GetString("jwt.jwt-pass-phrase"),
			TokenHashSecret: v.GetString("jwt.token-hash-secret"),
		},
		Database: Database{
			Host:     v.GetString("database.db-host"),
			User:     v.GetString("database.db-user"),
			Password: v.GetString("database.db-password"),
			Name:     v.GetString("database.db-name"),
		},
		Vouch: Vouch{
			Secret:           v.GetString("vouch.secret"),
			Compression:      v.GetBool("vouch.compression"),
			CustomClaims:     splitList(v.GetString("vouch.custom_claims")),
			LifetimeSeconds:  v.GetInt("vouch.lifetime"),
			CookieName:       v.GetString("vouch.cookie-name"),
			CookieDomainName: v.GetString("vouch.cookie-domain-name"),
		},
		CoreAPI: coreAPISection(v),
		LDAP: LDAP{
			Host:       v.GetString("ldap.ldap-host"),
			User:       v.GetString("ldap.ldap-user"),
			Password:   v.GetString("ldap.ldap-password"),
			SearchBase: v.GetString("ldap.ldap-search-base"),
		},
		Logging: Logging{
			Directory: v.GetString("logging.log-directory"),
			File:      v.GetString("logging.log-file"),
			Level:     v.GetString("logging.log-level"),
			Retain:    v.GetInt("logging.log-retain"),
			SizeMB:    v.GetInt("logging.log-size"),
		},
	}

	applyDefaults(cfg)
	return cfg, cfg.validate()
}

// coreAPISection reads [core-api], falling back to the legacy
// [project-registry] section name older deployments still carry.
func coreAPISection(v *viper.Viper) CoreAPI {
	if v.GetString("core-api.url") != "" {
		return CoreAPI{
			URL:       v.GetString("core-api.url"),
			SSLVerify: v.GetBool("core-api.ssl_verify"),
		}
	}
	return CoreAPI{
		URL:       v.GetString("project-registry.url"),
		SSLVerify: v.GetBool("project-registry.ssl_verify"),
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Runtime.TokenLifetime == 0 {
		cfg.Runtime.TokenLifetime = 4 * 3600
	}
	if cfg.Runtime.MaxLLTPerProject == 0 {
		cfg.Runtime.MaxLLTPerProject = 5
	}
	if cfg.Runtime.MaxTokenLifetime == 0 {
		cfg.Runtime.MaxTokenLifetime = 1512
	}
	if cfg.Runtime.FacilityOperatorRole == "" {
		cfg.Runtime.FacilityOperatorRole = "facility-operators"
	}
	if cfg.OAuth.KeyRefresh == 0 {
		cfg.OAuth.KeyRefresh = time.Hour
	}
	if cfg.Vouch.CookieName == "" {
		cfg.Vouch.CookieName = "fabric-service"
	}
}

func (c *Config) validate() error {
	if len(c.Runtime.AllowedScopes) == 0 {
		return fmt.Errorf("runtime.allowed-scopes must not be empty")
	}
	if c.JWT.PrivateKey == "" || c.JWT.PublicKeyKID == "" {
		return fmt.Errorf("jwt.jwt-private-key and jwt.jwt-public-key-kid are required")
	}
	return nil
}

// parseClockDuration converts a HH:MM:SS string into a duration.
func parseClockDuration(value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	parsed, err := time.Parse("15:04:05", value)
	if err != nil {
		return 0, fmt.Errorf("expected HH:MM:SS, got %q: %w", value, err)
	}
	return time.Duration(parsed.Hour())*time.Hour +
		time.Duration(parsed.Minute())*time.Minute +
		time.Duration(parsed.Second())*time.Second, nil
}

func splitList(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
