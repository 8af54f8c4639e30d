package domain

import (
	"strings"
	"time"
)

type WorkflowStatus string

const (
	WorkflowDraft      WorkflowStatus = "DRAFT"
	WorkflowSent       WorkflowStatus = "SENT"
	WorkflowInProgress WorkflowStatus = "IN_PROGRESS"
	WorkflowCompleted  WorkflowStatus = "COMPLETED"
	WorkflowDeclined   WorkflowStatus = "DECLINED"
	WorkflowCancelled  WorkflowStatus = "CANCELLED"
	WorkflowExpired    WorkflowStatus = "EXPIRED"
)

type SignerStatus string

const (
	SignerPending  SignerStatus = "PENDING"
	SignerSigned   SignerStatus = "SIGNED"
	SignerDeclined SignerStatus = "DECLINED"
)

type SignatureEventType string

const (
	EventSent      SignatureEventType = "SENT"
	EventViewed    SignatureEventType = "VIEWED"
	EventSigned    SignatureEventType = "SIGNED"
	EventDeclined  SignatureEventType = "DECLINED"
	EventExpired   SignatureEventType = "EXPIRED"
	EventCancelled SignatureEventType = "CANCELLED"
)

// Signer is a party invited to sign. Signers with equal Order may sign
// in parallel; a higher Order is gated until every required signer
// with a lower Order has signed.
type Signer struct {
	SignerID string       `json:"signer_id"`
	Name     string       `json:"name"`
	Email    string       `json:"email"`
	Order    int          `json:"order"`
	Required bool         `json:"required"`
	Status   SignerStatus `json:"status"`
	SignedAt *time.Time   `json:"signed_at,omitempty"`

	// TokenHash is the SHA-256 of the signer's access token; the raw
	// token is returned once at creation and never stored.
	TokenHash string `json:"-"`
}

type SignatureField struct {
	FieldID  string     `json:"field_id"`
	SignerID string     `json:"signer_id"`
	Page     int        `json:"page"`
	Anchor   string     `json:"anchor,omitempty"`
	Required bool       `json:"required"`
	SignedAt *time.Time `json:"signed_at,omitempty"`
}

func (f *SignatureField) Signed() bool { return f.SignedAt != nil }

// SignatureEvent is one append-only entry of the legal audit trail.
// Seq is assigned by the store and is strictly increasing per workflow.
type SignatureEvent struct {
	EventID    string             `json:"event_id"`
	TenantID   string             `json:"tenant_id"`
	WorkflowID string             `json:"workflow_id"`
	Seq        int64              `json:"seq"`
	Type       SignatureEventType `json:"type"`
	SignerID   string             `json:"signer_id,omitempty"`
	Actor      string             `json:"actor,omitempty"`
	At         time.Time          `json:"at"`
	IP         string             `json:"ip,omitempty"`
	UserAgent  string             `json:"user_agent,omitempty"`

	// Payload is the canonical JSON signed at SIGNED events;
	// PayloadHash is its SHA-256. Empty for non-signing events.
	Payload     string `json:"payload,omitempty"`
	PayloadHash string `json:"payload_hash,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

type SignatureWorkflow struct {
	WorkflowID string           `json:"workflow_id"`
	TenantID   string           `json:"tenant_id"`
	ContractID string           `json:"contract_id"`
	Title      string           `json:"title"`
	Signers    []Signer         `json:"signers"`
	Fields     []SignatureField `json:"fields"`

	RequireAllSigners bool           `json:"require_all_signers"`
	ExpiresAt         *time.Time     `json:"expires_at,omitempty"`
	Status            WorkflowStatus `json:"status"`

	// DocumentHash fixes the contract body version the signers are
	// signing; verification compares against it later.
	DocumentHash string `json:"document_hash"`

	CreatedBy string    `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
}

var workflowEdges = map[WorkflowStatus][]WorkflowStatus{
	WorkflowDraft:      {WorkflowSent},
	WorkflowSent:       {WorkflowInProgress, WorkflowCompleted, WorkflowDeclined, WorkflowCancelled, WorkflowExpired},
	WorkflowInProgress: {WorkflowCompleted, WorkflowDeclined, WorkflowCancelled, WorkflowExpired},
}

func CanTransitionWorkflow(from, to WorkflowStatus) bool {
	for _, s := range workflowEdges[from] {
		if s == to {
			return true
		}
	}
	return false
}

func (s WorkflowStatus) Terminal() bool {
	switch s {
	case WorkflowCompleted, WorkflowDeclined, WorkflowCancelled, WorkflowExpired:
		return true
	}
	return false
}

func (w *SignatureWorkflow) Signer(id string) *Signer {
	for i := range w.Signers {
		if w.Signers[i].SignerID == id {
			return &w.Signers[i]
		}
	}
	return nil
}

func (w *SignatureWorkflow) Field(id string) *SignatureField {
	for i := range w.Fields {
		if w.Fields[i].FieldID == id {
			return &w.Fields[i]
		}
	}
	return nil
}

// OrderUnblocked reports whether the given signer may sign now: no
// required signer with a strictly lower order is still PENDING.
func (w *SignatureWorkflow) OrderUnblocked(signerID string) bool {
	s := w.Signer(signerID)
	if s == nil {
		return false
	}
	for i := range w.Signers {
		o := &w.Signers[i]
		if o.Required && o.Order < s.Order && o.Status == SignerPending {
			return false
		}
	}
	return true
}

// RequiredFieldsSigned reports whether every required field bound to
// the signer has been signed.
func (w *SignatureWorkflow) RequiredFieldsSigned(signerID string) bool {
	for i := range w.Fields {
		f := &w.Fields[i]
		if f.SignerID == signerID && f.Required && !f.Signed() {
			return false
		}
	}
	return true
}

// Validate checks workflow construction invariants. The contract-state
// precondition is enforced by the engine, not here.
func (w *SignatureWorkflow) Validate() error {
	if strings.TrimSpace(w.TenantID) == "" {
		return &ValidationError{Field: "tenant_id", Reason: "required"}
	}
	if strings.TrimSpace(w.ContractID) == "" {
		return &ValidationError{Field: "contract_id", Reason: "required"}
	}
	if len(w.Signers) < 1 {
		return &ValidationError{Field: "signers", Reason: "at least one signer required"}
	}
	seen := map[string]bool{}
	for _, s := range w.Signers {
		if strings.TrimSpace(s.Email) == "" {
			return &ValidationError{Field: "signers", Reason: "signer email required"}
		}
		if s.Order < 0 {
			return &ValidationError{Field: "signers", Reason: "signer order must not be negative"}
		}
		if seen[s.SignerID] {
			return &ValidationError{Field: "signers", Reason: "duplicate signer id"}
		}
		seen[s.SignerID] = true
	}
	for _, f := range w.Fields {
		if !seen[f.SignerID] {
			return &ValidationError{Field: "fields", Reason: "field references unknown signer " + f.SignerID}
		}
	}
	return nil
}
