package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"coworkd/internal/signing"
	"coworkd/pkg/httpx"
)

func (s *Server) workflowRoutes(r chi.Router) {
	r.Post("/", func(w http.ResponseWriter, r *http.Request) {
		if s.replayIdempotent(w, r, "POST /workflows") {
			return
		}
		tenantID, actor := tenant(r)
		var spec signing.WorkflowSpec
		if err := httpx.ReadJSON(r, &spec); err != nil {
			httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
			return
		}
		created, err := s.Signing.CreateWorkflow(r.Context(), tenantID, actor, spec)
		if err != nil {
			httpx.WriteDomainError(w, err)
			return
		}
		body := httpx.Envelope(map[string]any{
			"workflow":      created.Workflow,
			"signer_tokens": created.SignerTokens,
		})
		s.saveIdempotent(r, "POST /workflows", 201, body)
		httpx.WriteJSON(w, 201, body)
	})

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		tenantID, _ := tenant(r)
		list, err := s.Signing.List(r.Context(), tenantID, r.URL.Query().Get("contract_id"))
		if err != nil {
			httpx.WriteDomainError(w, err)
			return
		}
		httpx.WriteData(w, 200, map[string]any{"workflows": list})
	})

	r.Get("/{workflow_id}", func(w http.ResponseWriter, r *http.Request) {
		tenantID, _ := tenant(r)
		wf, err := s.Signing.Get(r.Context(), tenantID, chi.URLParam(r, "workflow_id"))
		if err != nil {
			httpx.WriteDomainError(w, err)
			return
		}
		httpx.WriteData(w, 200, map[string]any{"workflow": wf})
	})

	r.Put("/{workflow_id}", func(w http.ResponseWriter, r *http.Request) {
		tenantID, _ := tenant(r)
		var req struct {
			Title     string     `json:"title,omitempty"`
			ExpiresAt *time.Time `json:"expires_at,omitempty"`
		}
		if err := httpx.ReadJSON(r, &req); err != nil {
			httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
			return
		}
		wf, err := s.Signing.Update(r.Context(), tenantID, chi.URLParam(r, "workflow_id"), req.Title, req.ExpiresAt)
		if err != nil {
			httpx.WriteDomainError(w, err)
			return
		}
		httpx.WriteData(w, 200, map[string]any{"workflow": wf})
	})

	r.Post("/{workflow_id}/cancel", func(w http.ResponseWriter, r *http.Request) {
		tenantID, actor := tenant(r)
		var req struct {
			Reason string `json:"reason,omitempty"`
		}
		if r.ContentLength > 0 {
			if err := httpx.ReadJSON(r, &req); err != nil {
				httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
				return
			}
		}
		wf, err := s.Signing.Cancel(r.Context(), tenantID, chi.URLParam(r, "workflow_id"), actor, req.Reason)
		if err != nil {
			httpx.WriteDomainError(w, err)
			return
		}
		httpx.WriteData(w, 200, map[string]any{"workflow": wf})
	})

	r.Get("/{workflow_id}/audit", func(w http.ResponseWriter, r *http.Request) {
		tenantID, _ := tenant(r)
		events, err := s.Signing.GetAuditTrail(r.Context(), tenantID, chi.URLParam(r, "workflow_id"))
		if err != nil {
			httpx.WriteDomainError(w, err)
			return
		}
		httpx.WriteData(w, 200, map[string]any{"events": events})
	})

	r.Get("/{workflow_id}/events/{event_id}/verify", func(w http.ResponseWriter, r *http.Request) {
		tenantID, _ := tenant(r)
		verdict, err := s.Signing.VerifySignature(r.Context(), tenantID, chi.URLParam(r, "workflow_id"), chi.URLParam(r, "event_id"))
		if err != nil {
			httpx.WriteDomainError(w, err)
			return
		}
		httpx.WriteData(w, 200, map[string]any{"verdict": verdict})
	})
}

// signerRoutes authenticate with the per-signer token handed out at
// workflow creation; there is no JWT on this surface.
func (s *Server) signerRoutes(r chi.Router) {
	r.Get("/{tenant_id}/{workflow_id}/{signer_id}", func(w http.ResponseWriter, r *http.Request) {
		view, err := s.Signing.GetSignerView(r.Context(),
			chi.URLParam(r, "tenant_id"), chi.URLParam(r, "workflow_id"), chi.URLParam(r, "signer_id"),
			r.URL.Query().Get("token"))
		if err != nil {
			httpx.WriteDomainError(w, err)
			return
		}
		httpx.WriteData(w, 200, map[string]any{"view": view})
	})

	r.Post("/{tenant_id}/{workflow_id}/{signer_id}/viewed", func(w http.ResponseWriter, r *http.Request) {
		tenantID := chi.URLParam(r, "tenant_id")
		workflowID := chi.URLParam(r, "workflow_id")
		signerID := chi.URLParam(r, "signer_id")
		if _, err := s.Signing.GetSignerView(r.Context(), tenantID, workflowID, signerID, r.URL.Query().Get("token")); err != nil {
			httpx.WriteDomainError(w, err)
			return
		}
		if err := s.Signing.MarkViewed(r.Context(), tenantID, workflowID, signerID, clientIP(r), r.UserAgent()); err != nil {
			httpx.WriteDomainError(w, err)
			return
		}
		httpx.WriteData(w, 200, map[string]any{"viewed": true})
	})

	r.Post("/{tenant_id}/{workflow_id}/{signer_id}/fields/{field_id}", func(w http.ResponseWriter, r *http.Request) {
		tenantID := chi.URLParam(r, "tenant_id")
		workflowID := chi.URLParam(r, "workflow_id")
		signerID := chi.URLParam(r, "signer_id")
		if _, err := s.Signing.GetSignerView(r.Context(), tenantID, workflowID, signerID, r.URL.Query().Get("token")); err != nil {
			httpx.WriteDomainError(w, err)
			return
		}
		var data signing.SignatureData
		if r.ContentLength > 0 {
			if err := httpx.ReadJSON(r, &data); err != nil {
				httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
				return
			}
		}
		data.IP = clientIP(r)
		data.UserAgent = r.UserAgent()
		wf, err := s.Signing.Sign(r.Context(), tenantID, workflowID, signerID, chi.URLParam(r, "field_id"), data)
		if err != nil {
			httpx.WriteDomainError(w, err)
			return
		}
		httpx.WriteData(w, 200, map[string]any{"workflow": wf})
	})

	r.Post("/{tenant_id}/{workflow_id}/{signer_id}/decline", func(w http.ResponseWriter, r *http.Request) {
		tenantID := chi.URLParam(r, "tenant_id")
		workflowID := chi.URLParam(r, "workflow_id")
		signerID := chi.URLParam(r, "signer_id")
		if _, err := s.Signing.GetSignerView(r.Context(), tenantID, workflowID, signerID, r.URL.Query().Get("token")); err != nil {
			httpx.WriteDomainError(w, err)
			return
		}
		var req struct {
			Reason string `json:"reason,omitempty"`
		}
		if r.ContentLength > 0 {
			if err := httpx.ReadJSON(r, &req); err != nil {
				httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
				return
			}
		}
		wf, err := s.Signing.Decline(r.Context(), tenantID, workflowID, signerID, req.Reason)
		if err != nil {
			httpx.WriteDomainError(w, err)
			return
		}
		httpx.WriteData(w, 200, map[string]any{"workflow": wf})
	})
}

func clientIP(r *http.Request) string {
	if ip := r.Header.Get("X-Forwarded-For"); ip != "" {
		return ip
	}
	return r.RemoteAddr
}
