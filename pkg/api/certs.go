// SPDX-FileCopyrightText: Copyright 2026 FABRIC Testbed
// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/fabric-testbed/credmgr/pkg/keys"
	"github.com/fabric-testbed/credmgr/pkg/logger"
)

// CertsRoutes serves the public signing keys.
type CertsRoutes struct {
	signer *keys.Signer
}

// CertsRouter creates a new router serving the JWKS for token
// verification.
func CertsRouter(signer *keys.Signer) http.Handler {
	routes := &CertsRoutes{signer: signer}
	r := chi.NewRouter()
	r.Get("/", routes.getCerts)
	return r
}

func (routes *CertsRoutes) getCerts(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(routes.signer.PublicJWKS()); err != nil {
		logger.Errorf("Failed to encode JWKS: %v", err)
	}
}

// versionInfo is the /version response.
type versionInfo struct {
	Version   string `json:"version"`
	Reference string `json:"reference"`
}

// VersionRouter creates a new router reporting the running build.
func VersionRouter(version, reference string) http.Handler {
	r := chi.NewRouter()
	r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
		writeData(w, "version", []versionInfo{{Version: version, Reference: reference}}, 1)
	})
	return r
}
