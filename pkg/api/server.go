package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/SCSIExpress/pacsync/pkg/analyzer"
	"github.com/SCSIExpress/pacsync/pkg/auth"
	"github.com/SCSIExpress/pacsync/pkg/config"
	"github.com/SCSIExpress/pacsync/pkg/endpoint"
	"github.com/SCSIExpress/pacsync/pkg/events"
	"github.com/SCSIExpress/pacsync/pkg/log"
	"github.com/SCSIExpress/pacsync/pkg/metrics"
	"github.com/SCSIExpress/pacsync/pkg/pool"
	"github.com/SCSIExpress/pacsync/pkg/state"
	"github.com/SCSIExpress/pacsync/pkg/storage"
	"github.com/SCSIExpress/pacsync/pkg/syncer"
)

const requestTimeout = 30 * time.Second

// Deps bundles everything the HTTP surface needs
type Deps struct {
	Config    *config.Config
	Store     storage.Store
	Tokens    auth.TokenProvider
	Endpoints *endpoint.Manager
	Pools     *pool.Manager
	States    *state.Manager
	Analyzer  *analyzer.Analyzer
	Coord     *syncer.Coordinator
	Broker    *events.Broker
}

// Server is the HTTP and WebSocket surface of the coordinator
type Server struct {
	deps   Deps
	router chi.Router
	http   *http.Server
}

// NewServer builds the server and its full route table
func NewServer(deps Deps) *Server {
	s := &Server{deps: deps}
	s.router = s.buildRouter()
	s.http = &http.Server{
		Addr:              deps.Config.Server.Addr(),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Router exposes the handler, used directly by tests
func (s *Server) Router() http.Handler {
	return s.router
}

// Start serves until the listener fails or Shutdown is called
func (s *Server) Start() error {
	log.WithComponent("api").Info().
		Str("addr", s.http.Addr).
		Msg("http server listening")
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) buildRouter() chi.Router {
	authn := &authenticator{
		tokens: s.deps.Tokens,
		touch:  s.deps.Endpoints.Touch,
	}
	limiter := newRateLimiter(s.deps.Config.API.RateLimitPerMinute)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.deps.Config.Server.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Health and metrics sit outside the API middleware chain
	r.Get("/health", s.handleHealth)
	r.Get("/health/live", s.handleLive)
	r.Get("/health/ready", s.handleReady)
	r.Method("GET", "/metrics", metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Use(instrument)
		r.Use(validateParams)
		r.Use(limiter.middleware)

		// The WebSocket event channel is long-lived and sits outside
		// the request timeout.
		r.Get("/sync/{endpoint_id}/status", s.handleWebSocket)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(requestTimeout))
			s.mountAPIRoutes(r, authn)
		})
	})

	return r
}

func (s *Server) mountAPIRoutes(r chi.Router, authn *authenticator) {
	// Endpoint management
	r.Route("/endpoints", func(r chi.Router) {
		r.Post("/register", s.handleRegister)
		r.Get("/", s.handleListEndpoints)
		r.Get("/{id}", s.handleGetEndpoint)
		r.Get("/{id}/repositories", s.handleGetRepositories)

		r.Group(func(r chi.Router) {
			r.Use(authn.require)
			r.With(requireSelf("id")).Put("/{id}/status", s.handleUpdateStatus)
			r.With(requireSelf("id")).Delete("/{id}", s.handleDeleteEndpoint)
			r.With(requireSelf("id")).Post("/{id}/repositories", s.handleSubmitRepositories)
			r.With(requireAdmin).Put("/{id}/pool", s.handleAssignPool)
			r.With(requireAdmin).Delete("/{id}/pool", s.handleUnassignPool)
		})
	})

	// Pool management
	r.Route("/pools", func(r chi.Router) {
		r.Get("/", s.handleListPools)
		r.Get("/{id}", s.handleGetPool)
		r.Get("/{id}/status", s.handlePoolStatus)

		r.Group(func(r chi.Router) {
			r.Use(authn.require, requireAdmin)
			r.Post("/", s.handleCreatePool)
			r.Put("/{id}", s.handleUpdatePool)
			r.Delete("/{id}", s.handleDeletePool)
			r.Put("/{id}/target", s.handleSetPoolTarget)
		})
	})

	// State history
	r.Route("/states", func(r chi.Router) {
		r.With(authn.require, requireSelf("endpoint_id")).
			Post("/{endpoint_id}", s.handleSaveState)
		r.Get("/endpoint/{endpoint_id}", s.handleListStates)
		r.Get("/{state_id}", s.handleGetState)
	})

	// Sync operations. These stay flat on the parent router so the
	// WebSocket route registered outside the timeout group shares the
	// same {endpoint_id} subtree.
	r.Get("/sync/operations/{op_id}", s.handleGetOperation)
	r.Get("/sync/{endpoint_id}/operations", s.handleListEndpointOperations)
	r.Get("/sync/pools/{pool_id}/operations", s.handleListPoolOperations)
	r.Group(func(r chi.Router) {
		r.Use(authn.require)
		r.With(requireSelf("endpoint_id")).Post("/sync/{endpoint_id}/sync-to-latest", s.handleSyncToLatest)
		r.With(requireSelf("endpoint_id")).Post("/sync/{endpoint_id}/set-as-latest", s.handleSetAsLatest)
		r.With(requireSelf("endpoint_id")).Post("/sync/{endpoint_id}/revert", s.handleRevert)
		r.Post("/sync/operations/{op_id}/cancel", s.handleCancelOperation)
		r.Post("/sync/operations/{op_id}/progress", s.handleOperationProgress)
		r.Post("/sync/operations/{op_id}/complete", s.handleOperationComplete)
	})

	// Repository analysis
	if s.deps.Config.Features.RepositoryAnalysis {
		r.Route("/repositories", func(r chi.Router) {
			r.Get("/analysis/{pool_id}", s.handleAnalysis)
			r.Post("/analysis/{pool_id}/refresh", s.handleAnalysisRefresh)
			r.Get("/matrix/{pool_id}", s.handleMatrix)
			r.Get("/excluded/{pool_id}", s.handleExcluded)
			r.Get("/conflicts/{pool_id}", s.handleConflicts)
			r.Get("/endpoint/{endpoint_id}", s.handleEndpointRepositories)
		})
	}

	// Package sync helpers
	r.Route("/package-sync", func(r chi.Router) {
		r.Get("/pools/{pool_id}/package-count", s.handlePackageCount)
		r.Get("/pools/{pool_id}/endpoints/sync-summary", s.handleSyncSummary)

		r.Group(func(r chi.Router) {
			r.Use(authn.require)
			r.With(requireSelf("endpoint_id")).Get("/endpoints/{endpoint_id}/sync-status", s.handleEndpointSyncStatus)
			r.With(requireSelf("endpoint_id")).Post("/endpoints/{endpoint_id}/sync", s.handlePackageSync)
		})
	})
}

// requestLogger emits one structured line per request
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)

		log.WithComponent("api").Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.status).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("request")
	})
}
