// SPDX-FileCopyrightText: Copyright 2026 FABRIC Testbed
// SPDX-License-Identifier: MIT

package idp

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/oauth2"

	"github.com/fabric-testbed/credmgr/pkg/errors"
	"github.com/fabric-testbed/credmgr/pkg/logger"
)

// Client exchanges and revokes refresh tokens at the upstream OAuth2
// provider.
type Client struct {
	clientID     string
	clientSecret string
	tokenURL     string
	revokeURL    string
	httpClient   *http.Client
}

// ClientConfig configures an upstream OAuth2 client.
type ClientConfig struct {
	ClientID     string
	ClientSecret string
	TokenURL     string
	RevokeURL    string

	// HTTPClient is optional; the default client is used when nil.
	HTTPClient *http.Client
}

// NewClient creates an upstream OAuth2 client.
func NewClient(cfg ClientConfig) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		tokenURL:     cfg.TokenURL,
		revokeURL:    cfg.RevokeURL,
		httpClient:   httpClient,
	}
}

// RefreshResult carries the tokens returned by a refresh exchange.
type RefreshResult struct {
	IDToken      string
	RefreshToken string
}

// Refresh exchanges a refresh token for a new ID token and refresh
// token. The IdP must return both; a response without an id_token is an
// upstream error.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*RefreshResult, error) {
	if refreshToken == "" {
		return nil, errors.BadRequest("refresh_token not provided")
	}

	conf := &oauth2.Config{
		ClientID:     c.clientID,
		ClientSecret: c.clientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: c.tokenURL},
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	token, err := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return nil, errors.Upstream("refresh token could not be exchanged", err)
	}

	idToken, _ := token.Extra("id_token").(string)
	if idToken == "" || token.RefreshToken == "" {
		return nil, errors.Upstream("no refresh or id token returned", nil)
	}

	return &RefreshResult{IDToken: idToken, RefreshToken: token.RefreshToken}, nil
}

// Revoke revokes a refresh token at the IdP (RFC 7009).
func (c *Client) Revoke(ctx context.Context, refreshToken string) error {
	if refreshToken == "" {
		return errors.BadRequest("refresh_token not provided")
	}

	form := url.Values{}
	form.Set("token", refreshToken)
	form.Set("token_type_hint", "refresh_token")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.revokeURL, strings.NewReader(form.Encode()))
	if err != nil {
		return errors.Internal("failed to build revoke request", err)
	}
	req.SetBasicAuth(c.clientID, c.clientSecret)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Upstream("revoke request failed", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	logger.Debugf("Revoke response status=%d body=%s", resp.StatusCode, string(body))
	if resp.StatusCode != http.StatusOK {
		return errors.Upstream(fmt.Sprintf("refresh token could not be revoked (status %d)", resp.StatusCode), nil)
	}
	return nil
}
