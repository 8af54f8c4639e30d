package server

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"coworkd/internal/renewal"
	"coworkd/pkg/httpx"
)

func (s *Server) renewalRoutes(r chi.Router) {
	r.Route("/rules", func(r chi.Router) {
		r.Post("/", func(w http.ResponseWriter, r *http.Request) {
			tenantID, _ := tenant(r)
			var spec renewal.RuleSpec
			if err := httpx.ReadJSON(r, &spec); err != nil {
				httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
				return
			}
			rule, err := s.Renewal.CreateRule(r.Context(), tenantID, spec)
			if err != nil {
				httpx.WriteDomainError(w, err)
				return
			}
			httpx.WriteData(w, 201, map[string]any{"rule": rule})
		})

		r.Get("/", func(w http.ResponseWriter, r *http.Request) {
			tenantID, _ := tenant(r)
			rules, err := s.Renewal.ListRules(r.Context(), tenantID)
			if err != nil {
				httpx.WriteDomainError(w, err)
				return
			}
			httpx.WriteData(w, 200, map[string]any{"rules": rules})
		})

		r.Get("/{rule_id}", func(w http.ResponseWriter, r *http.Request) {
			tenantID, _ := tenant(r)
			rule, err := s.Renewal.GetRule(r.Context(), tenantID, chi.URLParam(r, "rule_id"))
			if err != nil {
				httpx.WriteDomainError(w, err)
				return
			}
			httpx.WriteData(w, 200, map[string]any{"rule": rule})
		})

		r.Put("/{rule_id}", func(w http.ResponseWriter, r *http.Request) {
			tenantID, _ := tenant(r)
			var spec renewal.RuleSpec
			if err := httpx.ReadJSON(r, &spec); err != nil {
				httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
				return
			}
			rule, err := s.Renewal.UpdateRule(r.Context(), tenantID, chi.URLParam(r, "rule_id"), spec)
			if err != nil {
				httpx.WriteDomainError(w, err)
				return
			}
			httpx.WriteData(w, 200, map[string]any{"rule": rule})
		})

		r.Delete("/{rule_id}", func(w http.ResponseWriter, r *http.Request) {
			tenantID, _ := tenant(r)
			if err := s.Renewal.DeleteRule(r.Context(), tenantID, chi.URLParam(r, "rule_id")); err != nil {
				httpx.WriteDomainError(w, err)
				return
			}
			httpx.WriteData(w, 200, map[string]any{"deleted": true})
		})
	})

	r.Route("/proposals", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, r *http.Request) {
			tenantID, _ := tenant(r)
			proposals, err := s.Renewal.ListProposals(r.Context(), tenantID, r.URL.Query().Get("contract_id"))
			if err != nil {
				httpx.WriteDomainError(w, err)
				return
			}
			httpx.WriteData(w, 200, map[string]any{"proposals": proposals})
		})

		r.Get("/{proposal_id}", func(w http.ResponseWriter, r *http.Request) {
			tenantID, _ := tenant(r)
			p, err := s.Renewal.GetProposal(r.Context(), tenantID, chi.URLParam(r, "proposal_id"))
			if err != nil {
				httpx.WriteDomainError(w, err)
				return
			}
			httpx.WriteData(w, 200, map[string]any{"proposal": p})
		})

		r.Post("/{proposal_id}/decide", func(w http.ResponseWriter, r *http.Request) {
			tenantID, actor := tenant(r)
			var req struct {
				Decision renewal.Decision `json:"decision"`
			}
			if err := httpx.ReadJSON(r, &req); err != nil {
				httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
				return
			}
			p, err := s.Renewal.ProcessProposal(r.Context(), tenantID, chi.URLParam(r, "proposal_id"), actor, req.Decision)
			if err != nil {
				httpx.WriteDomainError(w, err)
				return
			}
			httpx.WriteData(w, 200, map[string]any{"proposal": p})
		})
	})

	// On-demand evaluation pass, the same one the background sweeper
	// runs on its interval. Stale proposals expire first so their
	// contracts re-enter the pipeline.
	r.Post("/sweep", func(w http.ResponseWriter, r *http.Request) {
		tenantID, _ := tenant(r)
		days, _ := strconv.Atoi(r.URL.Query().Get("days"))
		if days <= 0 {
			days = 30
		}
		expired, err := s.Renewal.ExpireProposals(r.Context(), tenantID)
		if err != nil {
			httpx.WriteDomainError(w, err)
			return
		}
		evaluated, err := s.Renewal.SweepTenant(r.Context(), tenantID, days)
		if err != nil {
			httpx.WriteDomainError(w, err)
			return
		}
		httpx.WriteData(w, 200, map[string]any{"evaluated": evaluated, "proposals_expired": expired, "days": days})
	})

	r.Get("/stats", func(w http.ResponseWriter, r *http.Request) {
		tenantID, _ := tenant(r)
		st, err := s.Renewal.Stats(r.Context(), tenantID)
		if err != nil {
			httpx.WriteDomainError(w, err)
			return
		}
		httpx.WriteData(w, 200, map[string]any{"stats": st})
	})
}
