// SPDX-FileCopyrightText: Copyright 2026 FABRIC Testbed
// SPDX-License-Identifier: MIT

// Package api exposes the token lifecycle REST surface.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/fabric-testbed/credmgr/pkg/credmgr"
	"github.com/fabric-testbed/credmgr/pkg/errors"
	"github.com/fabric-testbed/credmgr/pkg/logger"
	"github.com/fabric-testbed/credmgr/pkg/store"
)

// envelope is the success response shape shared by every endpoint.
type envelope struct {
	Data   any    `json:"data"`
	Size   int    `json:"size"`
	Status int    `json:"status"`
	Type   string `json:"type"`
}

// errorBody is the error response shape.
type errorBody struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

func writeData(w http.ResponseWriter, dataType string, data any, size int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(envelope{
		Data:   data,
		Size:   size,
		Status: http.StatusOK,
		Type:   dataType,
	}); err != nil {
		logger.Errorf("Failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := errors.HTTPStatus(err)
	body := errorBody{Status: status, Message: http.StatusText(status), Details: err.Error()}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if encodeErr := json.NewEncoder(w).Encode(body); encodeErr != nil {
		logger.Errorf("Failed to encode error response: %v", encodeErr)
	}
}

// tokenResponse is the wire form of a minted token or stored record.
type tokenResponse struct {
	TokenHash    string `json:"token_hash"`
	CreatedAt    string `json:"created_at"`
	ExpiresAt    string `json:"expires_at"`
	State        string `json:"state"`
	Comment      string `json:"comment"`
	CreatedFrom  string `json:"created_from"`
	IDToken      string `json:"id_token,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

func newTokenResponse(token *credmgr.Token) tokenResponse {
	return tokenResponse{
		TokenHash:    token.TokenHash,
		CreatedAt:    token.CreatedAt.Format(credmgr.TimeFormat),
		ExpiresAt:    token.ExpiresAt.Format(credmgr.TimeFormat),
		State:        token.State.String(),
		Comment:      token.Comment,
		CreatedFrom:  token.CreatedFrom,
		IDToken:      token.IDToken,
		RefreshToken: token.RefreshToken,
	}
}

func newRecordResponse(record *store.Record) tokenResponse {
	return tokenResponse{
		TokenHash:   record.TokenHash,
		CreatedAt:   record.CreatedAt.Format(credmgr.TimeFormat),
		ExpiresAt:   record.ExpiresAt.Format(credmgr.TimeFormat),
		State:       record.State.String(),
		Comment:     record.Comment,
		CreatedFrom: record.CreatedFrom,
	}
}

// parseWireTime parses the wire time format.
func parseWireTime(value string) (time.Time, error) {
	t, err := time.Parse(credmgr.TimeFormat, value)
	if err != nil {
		return time.Time{}, errors.BadRequest("time must be in format %s", credmgr.TimeFormat)
	}
	return t, nil
}
