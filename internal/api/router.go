// Package api exposes the gateway over HTTP: the turn endpoint, pre-flight
// estimates, export claims, and the proposal lifecycle.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/atlasbi/gateway/internal/auth"
	"github.com/atlasbi/gateway/internal/export"
	"github.com/atlasbi/gateway/internal/gateway"
	"github.com/atlasbi/gateway/internal/proposal"
	"github.com/atlasbi/gateway/internal/workspace"
)

// Dependencies holds shared state injected into all HTTP handlers.
type Dependencies struct {
	Gateway       *gateway.Gateway
	Authenticator auth.Authenticator
	Workspaces    workspace.Store
	Proposals     *proposal.Service
	Exports       *export.Manager
	Registry      prometheus.Gatherer
	Logger        *zap.Logger
}

// NewRouter builds the HTTP mux with all routes wired up.
func NewRouter(deps *Dependencies) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/turns", deps.authMiddleware(deps.handleTurn))
	mux.HandleFunc("POST /v1/estimate", deps.authMiddleware(deps.handleEstimate))

	mux.HandleFunc("POST /v1/exports", deps.authMiddleware(deps.handleStartExport))
	mux.HandleFunc("GET /v1/exports/{token}", deps.authMiddleware(deps.handleGetExport))
	mux.HandleFunc("GET /v1/exports/{token}/download", deps.authMiddleware(deps.handleDownloadExport))

	mux.HandleFunc("GET /v1/proposals/{id}", deps.authMiddleware(deps.handleGetProposal))
	mux.HandleFunc("POST /v1/proposals/{id}/review", deps.authMiddleware(deps.handleReviewProposal))
	mux.HandleFunc("POST /v1/proposals/{id}/approve", deps.authMiddleware(deps.handleApproveProposal))
	mux.HandleFunc("POST /v1/proposals/{id}/reject", deps.authMiddleware(deps.handleRejectProposal))
	mux.HandleFunc("POST /v1/proposals/{id}/execute", deps.authMiddleware(deps.handleExecuteProposal))

	if deps.Registry != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(deps.Registry, promhttp.HandlerOpts{}))
	}

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	return requestLogging(mux, deps.Logger)
}

// contextKey is an unexported type for context keys to avoid collisions.
type contextKey int

const identityCtxKey contextKey = iota

func identityFromContext(ctx context.Context) *auth.Identity {
	v, _ := ctx.Value(identityCtxKey).(*auth.Identity)
	return v
}

// authMiddleware validates Bearer agw_ tokens and injects the authenticated
// identity into the request context. Credential caching lives in the
// authenticator, not here.
func (d *Dependencies) authMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, err := auth.ExtractBearerToken(r.Header.Get("Authorization"))
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, ErrorResp{Detail: "Missing or invalid Authorization header"})
			return
		}
		identity, err := d.Authenticator.Authenticate(r.Context(), token)
		if err != nil {
			d.Logger.Warn("auth failed", zap.Error(err))
			writeJSON(w, http.StatusUnauthorized, ErrorResp{Detail: "Invalid API key"})
			return
		}
		ctx := context.WithValue(r.Context(), identityCtxKey, identity)
		next(w, r.WithContext(ctx))
	}
}

// ErrorResp is the uniform error body.
type ErrorResp struct {
	Detail string `json:"detail"`
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

// readJSON decodes a JSON request body into the given pointer.
func readJSON(r *http.Request, v any) error {
	defer func() { _ = r.Body.Close() }()
	return json.NewDecoder(r.Body).Decode(v)
}

func requestLogging(next http.Handler, logger *zap.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		logger.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", sw.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
