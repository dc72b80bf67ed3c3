package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/time/rate"

	"github.com/scopecfg/scopecfg/pkg/audit"
	"github.com/scopecfg/scopecfg/pkg/identity"
	"github.com/scopecfg/scopecfg/pkg/log"
	"github.com/scopecfg/scopecfg/pkg/metrics"
	"github.com/scopecfg/scopecfg/pkg/storage"
	"github.com/scopecfg/scopecfg/pkg/tokens"
	"github.com/scopecfg/scopecfg/pkg/tree"
)

// Deps carries everything the HTTP surface needs
type Deps struct {
	Store       storage.Store
	Engine      *tree.Engine
	Tokens      *tokens.Service
	AdminTokens *identity.AdminTokens
	SSO         *identity.SSO
	Audit       *audit.Service
	Resolver    *identity.Resolver

	RequestTimeout time.Duration
	// RequestsPerSecond bounds the process-wide request rate. Zero
	// disables limiting (tests).
	RequestsPerSecond float64
}

// Server is the HTTP front end
type Server struct {
	deps     Deps
	resolver *identity.Resolver
	router   chi.Router
	http     *http.Server
}

// NewServer wires the router. Start must be called to begin serving.
func NewServer(deps Deps) *Server {
	s := &Server{deps: deps, resolver: deps.Resolver}
	s.router = s.routes()
	return s
}

// Router exposes the handler for tests and embedding
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(correlationMiddleware)
	r.Use(observeMiddleware)
	if s.deps.RequestTimeout > 0 {
		r.Use(timeoutMiddleware(s.deps.RequestTimeout))
	}
	if s.deps.RequestsPerSecond > 0 {
		limiter := rate.NewLimiter(rate.Limit(s.deps.RequestsPerSecond), int(s.deps.RequestsPerSecond*2))
		r.Use(rateLimitMiddleware(limiter))
	}

	// Unauthenticated operational surface.
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Get("/auth/me", s.handleAuthMe)

		r.Route("/config/me", func(r chi.Router) {
			r.Get("/effective", s.handleMyEffective)
			r.Get("/raw", s.handleMyRaw)
			r.Put("/", s.handleMyConfigPut)
		})

		r.Post("/events/agent", s.handleAgentEvent)

		r.Route("/admin", func(r chi.Router) {
			r.Get("/orgs", s.handleListOrgs)
			r.Post("/orgs", s.handleCreateOrg)

			r.Get("/tokens", s.handleListAdminTokens)
			r.Post("/tokens", s.handleIssueAdminToken)
			r.Post("/tokens/{id}/revoke", s.handleRevokeAdminToken)

			r.Route("/orgs/{org}", func(r chi.Router) {
				r.Get("/", s.handleGetOrg)
				r.Delete("/", s.handleDeleteOrg)

				r.Get("/nodes", s.handleListNodes)
				r.Post("/nodes", s.handleCreateNode)
				r.Get("/nodes/{node}", s.handleGetNode)
				r.Patch("/nodes/{node}", s.handleUpdateNode)
				r.Delete("/nodes/{node}", s.handleDeleteNode)
				r.Get("/nodes/{node}/effective", s.handleNodeEffective)
				r.Get("/nodes/{node}/raw", s.handleNodeRaw)
				r.Put("/nodes/{node}/config", s.handleNodeConfigPut)

				r.Get("/teams/{team}/tokens", s.handleListTeamTokens)
				r.Post("/teams/{team}/tokens", s.handleIssueTeamToken)
				r.Post("/teams/{team}/tokens/{id}/revoke", s.handleRevokeTeamToken)

				r.Get("/audit", s.handleAuditQuery)
				r.Get("/audit/export", s.handleAuditExport)

				r.Get("/security-policies", s.handleGetPolicy)
				r.Put("/security-policies", s.handlePutPolicy)

				r.Get("/proposals", s.handleListProposals)
				r.Get("/proposals/{id}", s.handleGetProposal)
				r.Post("/proposals/{id}/approve", s.handleApproveProposal)
				r.Post("/proposals/{id}/reject", s.handleRejectProposal)

				r.Get("/sso", s.handleGetSSO)
				r.Put("/sso", s.handlePutSSO)

				r.Post("/rekey", s.handleRekey)
			})
		})
	})
	return r
}

// Start begins serving and blocks until the listener fails or
// Shutdown is called.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	zl1 := log.WithComponent("api")
	zl1.Info().Str("addr", addr).Msg("HTTP API listening")
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}
