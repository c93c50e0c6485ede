package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/daimoniac/patchline/internal/config"
	"github.com/daimoniac/patchline/internal/worker"
	httpSwagger "github.com/swaggo/http-swagger"

	_ "github.com/daimoniac/patchline/build/swagger" // Import generated docs
)

// @title patchline API
// @version 1.0
// @description REST API for managing security patches through their lifecycle: validation, staged rollouts, target notification, versioning and audit.
// @description
// @description ## Features
// @description - Create and validate security patches
// @description - Drive staged rollouts (canary, early adopter, general availability)
// @description - Notify affected targets and track acknowledgements
// @description - Severity-driven semantic versioning
// @description - Query and export the audit trail

// @contact.name patchline
// @license.name Apache 2.0
// @license.url https://www.apache.org/licenses/LICENSE-2.0.html

// @host localhost:8080
// @BasePath /api/v1

// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
// @description Enter your API key (with or without "Bearer " prefix)

// APIServer provides the HTTP API for the patch lifecycle
type APIServer struct {
	config      *config.APIConfig
	coordinator *worker.Coordinator
	fleet       *config.FleetManifest
	router      *http.ServeMux
	server      *http.Server
	logger      *slog.Logger
}

// NewAPIServer creates a new API server instance. The fleet manifest is
// used to resolve rollout plans per target group and may be nil.
func NewAPIServer(cfg *config.APIConfig, coordinator *worker.Coordinator, fleet *config.FleetManifest, logger *slog.Logger) *APIServer {
	api := &APIServer{
		config:      cfg,
		coordinator: coordinator,
		fleet:       fleet,
		router:      http.NewServeMux(),
		logger:      logger,
	}

	api.setupRoutes()

	api.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      api.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return api
}

// setupRoutes configures all API routes
func (s *APIServer) setupRoutes() {
	// Patch lifecycle
	s.router.HandleFunc("/api/v1/patches", s.corsMiddleware(s.authMiddleware(s.handlePatches, false)))
	s.router.HandleFunc("/api/v1/patches/", s.corsMiddleware(s.authMiddleware(s.handlePatchSubtree, false)))

	// Rollouts
	s.router.HandleFunc("/api/v1/rollouts", s.corsMiddleware(s.authMiddleware(s.handleStartRollout, true)))
	s.router.HandleFunc("/api/v1/rollouts/", s.corsMiddleware(s.authMiddleware(s.handleRolloutSubtree, false)))

	// Notifications
	s.router.HandleFunc("/api/v1/notifications/", s.corsMiddleware(s.authMiddleware(s.handleNotificationSubtree, false)))

	// Audit trail
	s.router.HandleFunc("/api/v1/audit", s.corsMiddleware(s.authMiddleware(s.handleListAudit, false)))
	s.router.HandleFunc("/api/v1/audit/export", s.corsMiddleware(s.authMiddleware(s.handleExportAudit, false)))

	// Swagger documentation
	s.router.HandleFunc("/swagger/", httpSwagger.WrapHandler)

	// Redirect root to swagger
	s.router.HandleFunc("/", s.handleRootRedirect)
}

// corsMiddleware adds CORS headers to allow cross-origin requests
func (s *APIServer) corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "3600")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next(w, r)
	}
}

// authMiddleware provides optional API key authentication
// requireWrite indicates if this is a write operation that should be blocked in read-only mode
func (s *APIServer) authMiddleware(next http.HandlerFunc, requireWrite bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if requireWrite && s.config.ReadOnly {
			s.respondError(w, http.StatusForbidden, "API is in read-only mode")
			return
		}

		if s.config.APIKey != "" {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				s.respondError(w, http.StatusUnauthorized, "Authorization header required")
				return
			}

			// Accept both "Bearer <token>" and just "<token>"
			token := authHeader
			if strings.HasPrefix(authHeader, "Bearer ") {
				token = strings.TrimPrefix(authHeader, "Bearer ")
			}

			if token != s.config.APIKey {
				s.respondError(w, http.StatusUnauthorized, "Invalid API key")
				return
			}
		}

		next(w, r)
	}
}

// allowWrite rejects mutating calls in read-only mode. Used by the
// subtree handlers, which dispatch reads and writes from one route.
func (s *APIServer) allowWrite(w http.ResponseWriter) bool {
	if s.config.ReadOnly {
		s.respondError(w, http.StatusForbidden, "API is in read-only mode")
		return false
	}
	return true
}

// Start starts the API server
func (s *APIServer) Start(ctx context.Context) error {
	if !s.config.Enabled {
		s.logger.Info("API server is disabled")
		return nil
	}

	s.logger.Info("starting API server",
		"port", s.config.Port)

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("API server error",
				"error", err.Error())
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s.logger.Info("shutting down API server")
	return s.server.Shutdown(shutdownCtx)
}

// Shutdown gracefully shuts down the API server
func (s *APIServer) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// respondJSON sends a JSON response
func (s *APIServer) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("error encoding JSON response",
			"error", err.Error())
	}
}

// respondError sends an error response
func (s *APIServer) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}

// parseQueryParam extracts a query parameter from the request
func parseQueryParam(r *http.Request, key string) string {
	return r.URL.Query().Get(key)
}

// handleRootRedirect redirects / to /swagger/
func (s *APIServer) handleRootRedirect(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		s.respondError(w, http.StatusNotFound, "not found")
		return
	}
	http.Redirect(w, r, "/swagger/", http.StatusMovedPermanently)
}

// splitSubtreePath splits "/api/v1/<family>/{id}/<rest>" into id and
// rest. Rest is empty for the bare entity path.
func splitSubtreePath(path, prefix string) (id, rest string, ok bool) {
	if !strings.HasPrefix(path, prefix) {
		return "", "", false
	}
	tail := strings.TrimPrefix(path, prefix)
	if tail == "" {
		return "", "", false
	}
	if i := strings.Index(tail, "/"); i >= 0 {
		return tail[:i], strings.Trim(tail[i+1:], "/"), true
	}
	return tail, "", true
}
