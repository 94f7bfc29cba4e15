// SPDX-FileCopyrightText: Copyright 2026 FABRIC Testbed
// SPDX-License-Identifier: MIT

package api

import (
	"context"
	goerrors "errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fabric-testbed/credmgr/pkg/credmgr"
	"github.com/fabric-testbed/credmgr/pkg/keys"
	"github.com/fabric-testbed/credmgr/pkg/logger"
	"github.com/fabric-testbed/credmgr/pkg/vouch"
)

// Not sure if these values need to be configurable.
const (
	middlewareTimeout = 60 * time.Second
	readHeaderTimeout = 10 * time.Second
)

// ServerConfig carries the listen addresses and build identity.
type ServerConfig struct {
	// Address is the API listen address (host:port).
	Address string

	// MetricsAddress is the Prometheus listen address. Empty disables
	// the metrics listener.
	MetricsAddress string

	Version   string
	Reference string

	Tokens RoutesConfig
}

func headersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/tokens") {
			w.Header().Set("Content-Type", "application/json")
		}
		next.ServeHTTP(w, r)
	})
}

// Router assembles the full API handler.
func Router(manager *credmgr.Manager, codec *vouch.Codec, signer *keys.Signer, cfg ServerConfig) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		middleware.RealIP,
		middleware.Timeout(middlewareTimeout),
		headersMiddleware,
	)

	routers := map[string]http.Handler{
		"/tokens":  TokensRouter(manager, codec, cfg.Tokens),
		"/certs":   CertsRouter(signer),
		"/version": VersionRouter(cfg.Version, cfg.Reference),
	}
	for prefix, router := range routers {
		r.Mount(prefix, router)
	}
	return r
}

// Serve starts the API server and blocks until ctx is cancelled. It is
// assumed that the caller sets up appropriate signal handling.
func Serve(
	ctx context.Context,
	manager *credmgr.Manager,
	codec *vouch.Codec,
	signer *keys.Signer,
	cfg ServerConfig,
) error {
	srv := &http.Server{
		BaseContext:       func(net.Listener) context.Context { return ctx },
		Addr:              cfg.Address,
		Handler:           Router(manager, codec, signer, cfg),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	var metricsSrv *http.Server
	if cfg.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv = &http.Server{
			Addr:              cfg.MetricsAddress,
			Handler:           mux,
			ReadHeaderTimeout: readHeaderTimeout,
		}
		go func() {
			logger.Infof("Starting metrics server on %s", cfg.MetricsAddress)
			if err := metricsSrv.ListenAndServe(); err != nil && !goerrors.Is(err, http.ErrServerClosed) {
				logger.Errorf("Metrics server stopped with error: %v", err)
			}
		}()
	}

	logger.Infof("Starting HTTP server on %s", cfg.Address)
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !goerrors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server stopped with error: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warnf("Metrics server shutdown failed: %v", err)
		}
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	logger.Infof("HTTP server stopped")
	return nil
}
