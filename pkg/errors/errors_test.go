// SPDX-FileCopyrightText: Copyright 2026 FABRIC Testbed
// SPDX-License-Identifier: MIT

package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *Error
		want string
	}{
		{
			name: "error with cause",
			err:  Wrap(ErrUpstream, "directory lookup failed", errors.New("status 500")),
			want: "upstream: directory lookup failed: status 500",
		},
		{
			name: "error without cause",
			err:  New(ErrBadRequest, "scope not allowed"),
			want: "bad_request: scope not allowed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("row locked")
	err := Internal("update failed", cause)
	assert.ErrorIs(t, err, cause)
}

func TestIsType(t *testing.T) {
	err := Forbidden("user %s already has %d long lived tokens", "alice@example.org", 5)
	assert.True(t, IsType(err, ErrForbidden))
	assert.False(t, IsType(err, ErrNotFound))

	wrapped := fmt.Errorf("minting: %w", err)
	assert.True(t, IsType(wrapped, ErrForbidden))

	assert.False(t, IsType(errors.New("plain"), ErrForbidden))
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{BadRequest("bad"), http.StatusBadRequest},
		{Unauthorized("no cookie"), http.StatusUnauthorized},
		{Forbidden("not owner"), http.StatusForbidden},
		{NotFound("token not found"), http.StatusNotFound},
		{Conflict("ambiguous name"), http.StatusConflict},
		{Upstream("idp down", nil), http.StatusBadGateway},
		{Internal("db", nil), http.StatusInternalServerError},
		{errors.New("plain"), http.StatusInternalServerError},
		{fmt.Errorf("wrap: %w", NotFound("missing")), http.StatusNotFound},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, HTTPStatus(tt.err), "%v", tt.err)
	}
}
