package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"coworkd/internal/lifecycle"
	"coworkd/internal/store"
	"coworkd/pkg/domain"
	"coworkd/pkg/httpx"
)

func (s *Server) contractRoutes(r chi.Router) {
	r.Post("/", func(w http.ResponseWriter, r *http.Request) {
		if s.replayIdempotent(w, r, "POST /contracts") {
			return
		}
		tenantID, actor := tenant(r)
		var spec lifecycle.ContractSpec
		if err := httpx.ReadJSON(r, &spec); err != nil {
			httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
			return
		}
		c, err := s.Lifecycle.CreateContract(r.Context(), tenantID, actor, spec)
		if err != nil {
			httpx.WriteDomainError(w, err)
			return
		}
		body := httpx.Envelope(map[string]any{"contract": c})
		s.saveIdempotent(r, "POST /contracts", 201, body)
		httpx.WriteJSON(w, 201, body)
	})

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		tenantID, _ := tenant(r)
		f := store.ContractFilter{
			Status: domain.ContractStatus(r.URL.Query().Get("status")),
			Type:   domain.ContractType(r.URL.Query().Get("type")),
		}
		f.Limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
		f.Offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
		list, err := s.Lifecycle.List(r.Context(), tenantID, f)
		if err != nil {
			httpx.WriteDomainError(w, err)
			return
		}
		httpx.WriteData(w, 200, map[string]any{"contracts": list})
	})

	r.Get("/stats", func(w http.ResponseWriter, r *http.Request) {
		tenantID, _ := tenant(r)
		st, err := s.Lifecycle.Stats(r.Context(), tenantID)
		if err != nil {
			httpx.WriteDomainError(w, err)
			return
		}
		httpx.WriteData(w, 200, map[string]any{"stats": st})
	})

	r.Get("/expiring", func(w http.ResponseWriter, r *http.Request) {
		tenantID, _ := tenant(r)
		days, _ := strconv.Atoi(r.URL.Query().Get("days"))
		if days <= 0 {
			days = 30
		}
		list, err := s.Lifecycle.ListExpiringWithin(r.Context(), tenantID, days)
		if err != nil {
			httpx.WriteDomainError(w, err)
			return
		}
		httpx.WriteData(w, 200, map[string]any{"contracts": list, "days": days})
	})

	r.Get("/{contract_id}", func(w http.ResponseWriter, r *http.Request) {
		tenantID, _ := tenant(r)
		c, err := s.Lifecycle.Get(r.Context(), tenantID, chi.URLParam(r, "contract_id"))
		if err != nil {
			httpx.WriteDomainError(w, err)
			return
		}
		httpx.WriteData(w, 200, map[string]any{"contract": c})
	})

	r.Put("/{contract_id}", func(w http.ResponseWriter, r *http.Request) {
		tenantID, actor := tenant(r)
		var spec lifecycle.ContractSpec
		if err := httpx.ReadJSON(r, &spec); err != nil {
			httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
			return
		}
		c, err := s.Lifecycle.UpdateDraft(r.Context(), tenantID, chi.URLParam(r, "contract_id"), actor, spec)
		if err != nil {
			httpx.WriteDomainError(w, err)
			return
		}
		httpx.WriteData(w, 200, map[string]any{"contract": c})
	})

	r.Post("/{contract_id}/activate", s.transitionHandler(
		func(r *http.Request, tenantID, contractID, actor string, _ reasonReq) (domain.Contract, error) {
			return s.Lifecycle.Activate(r.Context(), tenantID, contractID, actor)
		}))

	r.Post("/{contract_id}/suspend", s.transitionHandler(
		func(r *http.Request, tenantID, contractID, actor string, req reasonReq) (domain.Contract, error) {
			return s.Lifecycle.Suspend(r.Context(), tenantID, contractID, actor, req.Reason)
		}))

	r.Post("/{contract_id}/reactivate", s.transitionHandler(
		func(r *http.Request, tenantID, contractID, actor string, _ reasonReq) (domain.Contract, error) {
			return s.Lifecycle.Reactivate(r.Context(), tenantID, contractID, actor)
		}))

	r.Post("/{contract_id}/cancel", s.transitionHandler(
		func(r *http.Request, tenantID, contractID, actor string, req reasonReq) (domain.Contract, error) {
			return s.Lifecycle.Cancel(r.Context(), tenantID, contractID, actor, req.Reason)
		}))

	r.Post("/{contract_id}/terminate", s.transitionHandler(
		func(r *http.Request, tenantID, contractID, actor string, req reasonReq) (domain.Contract, error) {
			return s.Lifecycle.Terminate(r.Context(), tenantID, contractID, actor, req.Reason, req.Effective)
		}))

	r.Get("/{contract_id}/audit", func(w http.ResponseWriter, r *http.Request) {
		tenantID, _ := tenant(r)
		events, err := s.Lifecycle.Audit(r.Context(), tenantID, chi.URLParam(r, "contract_id"))
		if err != nil {
			httpx.WriteDomainError(w, err)
			return
		}
		httpx.WriteData(w, 200, map[string]any{"events": events})
	})

	r.Post("/{contract_id}/renewal/evaluate", func(w http.ResponseWriter, r *http.Request) {
		tenantID, _ := tenant(r)
		out, err := s.Renewal.EvaluateContract(r.Context(), tenantID, chi.URLParam(r, "contract_id"))
		if err != nil {
			httpx.WriteDomainError(w, err)
			return
		}
		httpx.WriteData(w, 200, map[string]any{"outcome": out})
	})
}

type reasonReq struct {
	Reason    string     `json:"reason,omitempty"`
	Effective *time.Time `json:"effective,omitempty"`
}

func (s *Server) transitionHandler(fn func(r *http.Request, tenantID, contractID, actor string, req reasonReq) (domain.Contract, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, actor := tenant(r)
		var req reasonReq
		if r.ContentLength > 0 {
			if err := httpx.ReadJSON(r, &req); err != nil {
				httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
				return
			}
		}
		c, err := fn(r, tenantID, chi.URLParam(r, "contract_id"), actor, req)
		if err != nil {
			httpx.WriteDomainError(w, err)
			return
		}
		httpx.WriteData(w, 200, map[string]any{"contract": c})
	}
}
