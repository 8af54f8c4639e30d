// Package server exposes the lifecycle, signing and renewal engines
// over HTTP. Routes are tenant-scoped through the authenticated
// claims; signer-facing routes authenticate with the one-time signer
// token instead.
package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"coworkd/internal/auth"
	"coworkd/internal/config"
	"coworkd/internal/idempotency"
	"coworkd/internal/lifecycle"
	"coworkd/internal/renewal"
	"coworkd/internal/signing"
	"coworkd/pkg/httpx"
)

type Server struct {
	Lifecycle *lifecycle.Manager
	Signing   *signing.Engine
	Renewal   *renewal.Engine
	Auth      *config.AuthConfig

	// Idempotency replays create responses keyed by the
	// Idempotency-Key header. Nil disables replay.
	Idempotency idempotency.Store
}

func New(lc *lifecycle.Manager, sg *signing.Engine, rn *renewal.Engine, authCfg *config.AuthConfig) *Server {
	return &Server{Lifecycle: lc, Signing: sg, Renewal: rn, Auth: authCfg}
}

func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) })

	// Signer routes carry the signer token, not a JWT.
	r.Route("/sign", s.signerRoutes)

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(s.Auth))
		r.Route("/contracts", s.contractRoutes)
		r.Route("/workflows", s.workflowRoutes)
		r.Route("/renewals", s.renewalRoutes)
	})
	return r
}

// replayIdempotent writes the recorded response for a repeated create
// request. Returns true when a replay was served.
func (s *Server) replayIdempotent(w http.ResponseWriter, r *http.Request, endpoint string) bool {
	if s.Idempotency == nil {
		return false
	}
	tenantID, actor := tenant(r)
	status, body, found, err := idempotency.Replay(r.Context(), s.Idempotency, tenantID, actor, r.Header.Get("Idempotency-Key"), endpoint)
	if err != nil || !found {
		return false
	}
	httpx.WriteJSON(w, status, body)
	return true
}

func (s *Server) saveIdempotent(r *http.Request, endpoint string, status int, body map[string]any) {
	if s.Idempotency == nil {
		return
	}
	tenantID, actor := tenant(r)
	_ = idempotency.Save(r.Context(), s.Idempotency, tenantID, actor, r.Header.Get("Idempotency-Key"), endpoint, status, body)
}

// tenant pulls the authenticated tenant and actor off the request.
func tenant(r *http.Request) (tenantID, actor string) {
	if c, ok := auth.FromContext(r.Context()); ok {
		return c.TenantID, c.ActorID
	}
	return "", ""
}
