// Package api provides the HTTP admin API for the search transparency pipeline.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/search-transparency/runner/internal/api/middleware"
)

const (
	healthCheckTimeout    = 2 * time.Second
	expectedURLParts      = 2
	defaultRunsLimit      = 50
	defaultMetricsLimit   = 100
	permissionRunsTrigger = "runs:trigger"
)

type (
	// HealthStatus represents the health check response structure.
	HealthStatus struct {
		Status      string `json:"status"`
		ServiceName string `json:"serviceName"`
		Version     string `json:"version"`
		Uptime      string `json:"uptime,omitempty"`
	}

	// TriggerRunResponse is returned by POST /api/v1/runs/trigger.
	TriggerRunResponse struct {
		Triggered bool   `json:"triggered"`
		Message   string `json:"message"`
	}

	// Route represents an HTTP route configuration with a path and handler.
	// Used for declarative route registration with middleware bypass support.
	Route struct {
		Path    string           // The URL path for this route (e.g., "/ping", "/api/v1/health")
		Handler http.HandlerFunc // The HTTP handler function for this route
	}
)

// setupRoutes sets up all HTTP routes for the admin API server.
func (s *Server) setupRoutes(mux *http.ServeMux) {
	// Public health endpoints
	s.registerPublicRoutes(
		mux,
		Route{"GET /ping", s.handlePing},      // K8s liveness probe
		Route{"GET /ready", s.handleReady},    // K8s readiness probe
		Route{"GET /health", s.handleHealth},  // Basic health check - status, uptime, version
		Route{"GET /healthz", s.handleHealth}, // alias, matches common k8s convention
		Route{"/", s.handleNotFound},          // Catch-all handler for 404 responses
	)

	// Read endpoints - require authentication (when configured) but no specific permission
	mux.HandleFunc("GET /api/v1/runs", s.handleListRuns)
	mux.HandleFunc("GET /api/v1/runs/{runId}/stages", s.handleRunStages)
	mux.HandleFunc("GET /api/v1/metrics/{metricType}", s.handleMetrics)
	mux.HandleFunc("GET /api/v1/datasets", s.handleListDatasets)

	// Write endpoint - requires the runs:trigger permission
	mux.HandleFunc("POST /api/v1/runs/trigger", s.handleTriggerRun)
}

// registerPublicRoutes registers HTTP routes that bypass authentication. They are still
// rate limited, under the unauthenticated limit.
// This is a convenience method that:
//  1. Registers the route handler with the HTTP mux
//  2. Automatically registers the path as a public endpoint (bypasses auth middleware)
//
// Public routes should only be used for health check endpoints that need to be accessible
// without authentication (e.g., K8s liveness/readiness probes, monitoring tools).
//
// Security Warning: Never register business logic endpoints as public routes.
func (s *Server) registerPublicRoutes(mux *http.ServeMux, routes ...Route) {
	validHTTPMethods := map[string]bool{
		"GET":    true,
		"POST":   true,
		"PUT":    true,
		"PATCH":  true,
		"DELETE": true,
	}

	for _, route := range routes {
		mux.Handle(route.Path, route.Handler)

		path := route.Path

		parts := strings.Fields(path)
		if len(parts) == expectedURLParts && validHTTPMethods[parts[0]] {
			path = strings.TrimSpace(parts[1])
		}

		if path == "" {
			s.logger.Warn("Malformed route path detected, ignoring route", slog.String("path", path))

			continue
		}

		middleware.RegisterPublicEndpoint(path)
	}
}

// handlePing responds to ping requests for basic server validation.
func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	correlationID := middleware.GetCorrelationID(r.Context())

	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)

	if _, err := w.Write([]byte("pong")); err != nil {
		s.logger.Error("Failed to write ping response",
			slog.String("correlation_id", correlationID),
			slog.String("error", err.Error()),
		)
	}
}

// handleReady responds to Kubernetes readiness probes with storage backend health checks.
//
// Response codes:
//   - 200 OK: storage is healthy and ready to serve traffic
//   - 503 Service Unavailable: storage is unreachable
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	correlationID := middleware.GetCorrelationID(r.Context())

	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	if err := s.store.HealthCheck(ctx); err != nil {
		s.logger.Error("Storage health check failed",
			slog.String("correlation_id", correlationID),
			slog.String("error", err.Error()),
		)

		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("storage unavailable"))

		return
	}

	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

// handleHealth returns detailed health status information.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	correlationID := middleware.GetCorrelationID(r.Context())

	var uptime string

	if !s.startTime.IsZero() {
		uptime = time.Since(s.startTime).Round(time.Second).String()
	}

	health := HealthStatus{
		Status:      "healthy",
		ServiceName: "search-transparency-runner",
		Version:     "v1.0.0",
		Uptime:      uptime,
	}

	s.writeJSON(w, r, http.StatusOK, health, correlationID)
}

// handleNotFound returns RFC 7807 compliant 404 responses for unknown endpoints.
func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	WriteErrorResponse(w, r, s.logger, NotFound("The requested resource was not found"))
}

// handleListRuns handles GET /api/v1/runs, returning the most recent pipeline runs.
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	correlationID := middleware.GetCorrelationID(r.Context())

	limit := parseLimitQuery(r, defaultRunsLimit)

	runs, err := s.store.FetchPipelineRuns(r.Context(), limit)
	if err != nil {
		s.logger.Error("Failed to fetch pipeline runs",
			slog.String("correlation_id", correlationID), slog.String("error", err.Error()))
		WriteErrorResponse(w, r, s.logger, InternalServerError("failed to fetch pipeline runs"))

		return
	}

	s.writeJSON(w, r, http.StatusOK, map[string]any{"runs": runs}, correlationID)
}

// handleRunStages handles GET /api/v1/runs/{runId}/stages, returning every
// stage log row for one pipeline run, oldest first.
func (s *Server) handleRunStages(w http.ResponseWriter, r *http.Request) {
	correlationID := middleware.GetCorrelationID(r.Context())
	runID := r.PathValue("runId")

	if runID == "" {
		WriteErrorResponse(w, r, s.logger, BadRequest("runId is required"))

		return
	}

	stages, err := s.store.FetchPipelineStages(r.Context(), runID)
	if err != nil {
		s.logger.Error("Failed to fetch pipeline stages",
			slog.String("correlation_id", correlationID), slog.String("run_id", runID), slog.String("error", err.Error()))
		WriteErrorResponse(w, r, s.logger, InternalServerError("failed to fetch pipeline stages"))

		return
	}

	s.writeJSON(w, r, http.StatusOK, map[string]any{"stages": stages}, correlationID)
}

// handleMetrics handles GET /api/v1/metrics/{metricType}, returning the most
// recent metric records of the requested type.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	correlationID := middleware.GetCorrelationID(r.Context())
	metricType := r.PathValue("metricType")

	if metricType == "" {
		WriteErrorResponse(w, r, s.logger, BadRequest("metricType is required"))

		return
	}

	limit := parseLimitQuery(r, defaultMetricsLimit)

	records, err := s.store.FetchRecentMetricRecords(r.Context(), metricType, limit)
	if err != nil {
		s.logger.Error("Failed to fetch metric records",
			slog.String("correlation_id", correlationID), slog.String("metric_type", metricType),
			slog.String("error", err.Error()))
		WriteErrorResponse(w, r, s.logger, InternalServerError("failed to fetch metric records"))

		return
	}

	s.writeJSON(w, r, http.StatusOK, map[string]any{"metrics": records}, correlationID)
}

// handleListDatasets handles GET /api/v1/datasets, returning the most recent
// dataset export manifests.
func (s *Server) handleListDatasets(w http.ResponseWriter, r *http.Request) {
	correlationID := middleware.GetCorrelationID(r.Context())

	limit := parseLimitQuery(r, defaultRunsLimit)

	versions, err := s.store.FetchDatasetVersions(r.Context(), limit)
	if err != nil {
		s.logger.Error("Failed to fetch dataset versions",
			slog.String("correlation_id", correlationID), slog.String("error", err.Error()))
		WriteErrorResponse(w, r, s.logger, InternalServerError("failed to fetch dataset versions"))

		return
	}

	s.writeJSON(w, r, http.StatusOK, map[string]any{"datasets": versions}, correlationID)
}

// handleTriggerRun handles POST /api/v1/runs/trigger, kicking off one
// pipeline run outside the cron schedule. Requires the runs:trigger
// permission when client authentication is enabled.
func (s *Server) handleTriggerRun(w http.ResponseWriter, r *http.Request) {
	correlationID := middleware.GetCorrelationID(r.Context())

	if s.apiKeyStore != nil { // pragma: allowlist secret
		if !clientHasPermission(r.Context(), permissionRunsTrigger) {
			WriteErrorResponse(w, r, s.logger, NewProblemDetail(http.StatusForbidden, "Forbidden",
				"client lacks the "+permissionRunsTrigger+" permission"))

			return
		}
	}

	if s.runner.IsRunning() {
		s.writeJSON(w, r, http.StatusConflict, TriggerRunResponse{
			Triggered: false,
			Message:   "a pipeline run is already in progress",
		}, correlationID)

		return
	}

	go func() {
		if err := s.runner.RunOnce(context.Background()); err != nil {
			s.logger.Error("Triggered pipeline run failed",
				slog.String("correlation_id", correlationID), slog.String("error", err.Error()))
		}
	}()

	s.writeJSON(w, r, http.StatusAccepted, TriggerRunResponse{
		Triggered: true,
		Message:   "pipeline run triggered",
	}, correlationID)
}

// clientHasPermission reports whether the authenticated client carries the
// given permission scope. Returns false when no client context is present.
func clientHasPermission(ctx context.Context, permission string) bool {
	clientCtx, ok := middleware.GetClientContext(ctx)
	if !ok {
		return false
	}

	for _, p := range clientCtx.Permissions {
		if p == permission {
			return true
		}
	}

	return false
}

// parseLimitQuery reads the "limit" query parameter, falling back to
// defaultLimit when absent, non-numeric, or non-positive.
func parseLimitQuery(r *http.Request, defaultLimit int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultLimit
	}

	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return defaultLimit
	}

	return limit
}

// writeJSON marshals v and writes it as a JSON response, logging and falling
// back to a 500 problem response on encode failure.
func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, v any, correlationID string) {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("Failed to encode response",
			slog.String("correlation_id", correlationID), slog.String("error", err.Error()))
		WriteErrorResponse(w, r, s.logger, InternalServerError("failed to encode response"))

		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if _, err := w.Write(data); err != nil {
		s.logger.Error("Failed to write response",
			slog.String("correlation_id", correlationID), slog.String("error", err.Error()))
	}
}
