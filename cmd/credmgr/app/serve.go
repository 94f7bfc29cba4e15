// SPDX-FileCopyrightText: Copyright 2026 FABRIC Testbed
// SPDX-License-Identifier: MIT

package app

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fabric-testbed/credmgr/pkg/api"
	"github.com/fabric-testbed/credmgr/pkg/config"
	"github.com/fabric-testbed/credmgr/pkg/credmgr"
	"github.com/fabric-testbed/credmgr/pkg/directory"
	"github.com/fabric-testbed/credmgr/pkg/idp"
	"github.com/fabric-testbed/credmgr/pkg/keys"
	"github.com/fabric-testbed/credmgr/pkg/logger"
	"github.com/fabric-testbed/credmgr/pkg/store"
	"github.com/fabric-testbed/credmgr/pkg/vouch"
)

var serveConfigDir string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the credential manager API server",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveConfigDir, "config", config.Dir(),
		"Directory containing credmgr.ini")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.LoadFrom(serveConfigDir)
	if err != nil {
		return err
	}

	logger.Initialize(logger.Options{
		Directory: cfg.Logging.Directory,
		File:      cfg.Logging.File,
		Level:     cfg.Logging.Level,
		Retain:    cfg.Logging.Retain,
		SizeMB:    cfg.Logging.SizeMB,
	})

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	signer, err := keys.LoadSigner(cfg.JWT.PrivateKey, cfg.JWT.PublicKeyKID, cfg.JWT.PassPhrase)
	if err != nil {
		return err
	}

	validator, err := idp.NewValidator(ctx, idp.ValidatorConfig{
		JWKSURL:         cfg.OAuth.JWKSURL,
		Audience:        cfg.OAuth.ClientID,
		RefreshInterval: cfg.OAuth.KeyRefresh,
	})
	if err != nil {
		return err
	}
	validator.StartRefresher(ctx, cfg.OAuth.KeyRefresh, func(err error) {
		logger.Warnf("JWKS refresh failed: %v", err)
	})

	oauthClient := idp.NewClient(idp.ClientConfig{
		ClientID:     cfg.OAuth.ClientID,
		ClientSecret: cfg.OAuth.ClientSecret,
		TokenURL:     cfg.OAuth.TokenURL,
		RevokeURL:    cfg.OAuth.RevokeURL,
	})

	tokenStore, err := store.NewPostgresStore(ctx, postgresConfig(cfg.Database))
	if err != nil {
		return err
	}
	defer func() {
		if err := tokenStore.Close(); err != nil {
			logger.Warnf("Failed to close token store: %v", err)
		}
	}()

	codec, err := vouch.NewCodec(vouch.CodecConfig{
		Secret:       cfg.Vouch.Secret,
		Compress:     cfg.Vouch.Compression,
		CustomClaims: cfg.Vouch.CustomClaims,
		CookieName:   cfg.Vouch.CookieName,
		CookieDomain: cfg.Vouch.CookieDomainName,
	})
	if err != nil {
		return err
	}

	managerCfg := credmgr.Config{
		Policy: credmgr.Policy{
			AllowedScopes:    cfg.Runtime.AllowedScopes,
			ShortLifetime:    time.Duration(cfg.Runtime.TokenLifetime) * time.Second,
			MaxLifetimeHours: cfg.Runtime.MaxTokenLifetime,
			MaxLLTPerProject: cfg.Runtime.MaxLLTPerProject,
			FacilityRole:     cfg.Runtime.FacilityOperatorRole,
		},
		HashSecret:     cfg.JWT.TokenHashSecret,
		Audience:       cfg.OAuth.ClientID,
		Signer:         signer,
		Validator:      validator,
		OAuth:          oauthClient,
		Store:          tokenStore,
		Cookie:         codec,
		CookieLifetime: time.Duration(cfg.Vouch.LifetimeSeconds) * time.Second,
	}

	if cfg.Runtime.EnableCoreAPI {
		core, err := directory.NewCoreClient(directory.CoreConfig{
			APIURL:       cfg.CoreAPI.URL,
			CookieName:   cfg.Vouch.CookieName,
			FacilityRole: cfg.Runtime.FacilityOperatorRole,
			SSLVerify:    cfg.CoreAPI.SSLVerify,
		})
		if err != nil {
			return err
		}
		managerCfg.Directory = core
	} else {
		ldap, err := directory.NewLDAPClient(directory.LDAPConfig{
			Host:       cfg.LDAP.Host,
			User:       cfg.LDAP.User,
			Password:   cfg.LDAP.Password,
			SearchBase: cfg.LDAP.SearchBase,
			IgnoreList: cfg.Runtime.ProjectsIgnoreList,
			RolesList:  cfg.Runtime.RolesList,
		})
		if err != nil {
			return err
		}
		managerCfg.LDAP = ldap
	}

	manager, err := credmgr.New(managerCfg)
	if err != nil {
		return err
	}

	serverCfg := api.ServerConfig{
		Address:   fmt.Sprintf(":%d", cfg.Runtime.RestPort),
		Version:   Version,
		Reference: reference(),
		Tokens: api.RoutesConfig{
			DefaultLifetimeHours: cfg.Runtime.TokenLifetime / 3600,
			LoginURL:             loginURL(cfg.Vouch.CookieDomainName),
		},
	}
	if cfg.Runtime.PrometheusPort != 0 {
		serverCfg.MetricsAddress = fmt.Sprintf(":%d", cfg.Runtime.PrometheusPort)
	}

	return api.Serve(ctx, manager, codec, signer, serverCfg)
}

// postgresConfig splits an optional :port suffix off the configured
// database host.
func postgresConfig(db config.Database) store.PostgresConfig {
	cfg := store.PostgresConfig{
		Host:     db.Host,
		Port:     5432,
		User:     db.User,
		Password: db.Password,
		Database: db.Name,
	}
	if host, port, err := net.SplitHostPort(db.Host); err == nil {
		if parsed, err := strconv.Atoi(port); err == nil {
			cfg.Host = host
			cfg.Port = parsed
		}
	}
	return cfg
}

// loginURL is where create_cli sends browsers that arrive without a
// login cookie.
func loginURL(cookieDomain string) string {
	if cookieDomain == "" {
		return "/login"
	}
	return "https://" + cookieDomain + "/login"
}
