// Package signing orchestrates per-contract multi-signer sessions:
// ordered invitations, field-level signing, quorum completion and the
// append-only legal audit trail.
package signing

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"coworkd/internal/notify"
	"coworkd/internal/store"
	"coworkd/pkg/domain"
	"coworkd/pkg/payloadhash"
	"coworkd/pkg/signature"
)

// ContractActivator is the slice of the lifecycle manager the engine
// needs: completing a workflow attempts contract activation.
type ContractActivator interface {
	Activate(ctx context.Context, tenantID, contractID, actor string) (domain.Contract, error)
}

type Engine struct {
	contracts store.Contracts
	workflows store.Workflows
	clock     domain.Clock
	dispatch  notify.Dispatcher
	verifier  signature.Verifier
	quorum    domain.QuorumPolicy
	activator ContractActivator
}

type Option func(*Engine)

func WithQuorumPolicy(q domain.QuorumPolicy) Option {
	return func(e *Engine) { e.quorum = q }
}

func WithVerifier(v signature.Verifier) Option {
	return func(e *Engine) { e.verifier = v }
}

func New(contracts store.Contracts, workflows store.Workflows, clock domain.Clock, dispatch notify.Dispatcher, activator ContractActivator, opts ...Option) *Engine {
	e := &Engine{
		contracts: contracts,
		workflows: workflows,
		clock:     clock,
		dispatch:  dispatch,
		verifier:  signature.EnvelopeVerifier{},
		quorum:    domain.AllRequiredSigners{},
		activator: activator,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

type SignerSpec struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Order    int    `json:"order"`
	Required bool   `json:"required"`
}

type FieldSpec struct {
	SignerIndex int    `json:"signer_index"`
	Page        int    `json:"page"`
	Anchor      string `json:"anchor,omitempty"`
	Required    bool   `json:"required"`
}

type WorkflowSpec struct {
	ContractID        string       `json:"contract_id"`
	Title             string       `json:"title"`
	Signers           []SignerSpec `json:"signers"`
	Fields            []FieldSpec  `json:"fields"`
	RequireAllSigners bool         `json:"require_all_signers"`
	ExpiresAt         *time.Time   `json:"expires_at,omitempty"`
}

// CreatedWorkflow carries the one-time signer access tokens alongside
// the stored workflow. Tokens are never persisted, only their hashes.
type CreatedWorkflow struct {
	Workflow     domain.SignatureWorkflow `json:"workflow"`
	SignerTokens map[string]string        `json:"signer_tokens"`
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func newToken() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// CreateWorkflow validates the spec, moves the contract to
// PENDING_SIGNATURE, persists the workflow in SENT and emits one SENT
// event per signer in signing order.
func (e *Engine) CreateWorkflow(ctx context.Context, tenantID, actor string, spec WorkflowSpec) (CreatedWorkflow, error) {
	c, err := e.contracts.GetContract(ctx, tenantID, spec.ContractID)
	if err != nil {
		return CreatedWorkflow{}, err
	}
	if c.Status != domain.ContractDraft && c.Status != domain.ContractPendingSignature {
		return CreatedWorkflow{}, &domain.InvalidStateError{Kind: "contract", ID: c.ContractID, State: string(c.Status), Op: "create workflow for"}
	}
	if len(spec.Signers) < 1 {
		return CreatedWorkflow{}, &domain.ValidationError{Field: "signers", Reason: "at least one signer required"}
	}
	now := e.clock.Now()
	if spec.ExpiresAt != nil && !spec.ExpiresAt.After(now) {
		return CreatedWorkflow{}, &domain.ValidationError{Field: "expires_at", Reason: "must be in the future"}
	}

	tokens := map[string]string{}
	w := domain.SignatureWorkflow{
		WorkflowID:        "wfl_" + uuid.NewString(),
		TenantID:          tenantID,
		ContractID:        c.ContractID,
		Title:             spec.Title,
		RequireAllSigners: spec.RequireAllSigners,
		ExpiresAt:         spec.ExpiresAt,
		Status:            domain.WorkflowSent,
		DocumentHash:      payloadhash.SumString(c.Body),
		CreatedBy:         actor,
		CreatedAt:         now,
	}
	for _, s := range spec.Signers {
		id := "sgn_" + uuid.NewString()
		token := newToken()
		tokens[id] = token
		w.Signers = append(w.Signers, domain.Signer{
			SignerID:  id,
			Name:      s.Name,
			Email:     s.Email,
			Order:     s.Order,
			Required:  s.Required,
			Status:    domain.SignerPending,
			TokenHash: hashToken(token),
		})
	}
	for _, f := range spec.Fields {
		if f.SignerIndex < 0 || f.SignerIndex >= len(w.Signers) {
			return CreatedWorkflow{}, &domain.ValidationError{Field: "fields", Reason: "field references unknown signer"}
		}
		w.Fields = append(w.Fields, domain.SignatureField{
			FieldID:  "fld_" + uuid.NewString(),
			SignerID: w.Signers[f.SignerIndex].SignerID,
			Page:     f.Page,
			Anchor:   f.Anchor,
			Required: f.Required,
		})
	}
	if err := w.Validate(); err != nil {
		return CreatedWorkflow{}, err
	}

	if c.Status == domain.ContractDraft {
		if err := e.contracts.UpdateContractStatus(ctx, tenantID, c.ContractID, domain.ContractDraft, domain.ContractPendingSignature, now); err != nil {
			return CreatedWorkflow{}, err
		}
	}
	if err := e.workflows.CreateWorkflow(ctx, w); err != nil {
		return CreatedWorkflow{}, err
	}

	ordered := append([]domain.Signer(nil), w.Signers...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Order < ordered[j].Order })
	for _, s := range ordered {
		e.appendEvent(ctx, domain.SignatureEvent{
			TenantID:   tenantID,
			WorkflowID: w.WorkflowID,
			Type:       domain.EventSent,
			SignerID:   s.SignerID,
			Actor:      actor,
			At:         now,
		})
		e.dispatch.Notify(ctx, notify.Event{
			Type:       "workflow.invitation",
			TenantID:   tenantID,
			ContractID: c.ContractID,
			WorkflowID: w.WorkflowID,
			Recipients: []string{s.Email},
		})
	}
	return CreatedWorkflow{Workflow: w, SignerTokens: tokens}, nil
}

func (e *Engine) Get(ctx context.Context, tenantID, workflowID string) (domain.SignatureWorkflow, error) {
	return e.workflows.GetWorkflow(ctx, tenantID, workflowID)
}

func (e *Engine) List(ctx context.Context, tenantID, contractID string) ([]domain.SignatureWorkflow, error) {
	return e.workflows.ListWorkflows(ctx, tenantID, contractID)
}

// Update changes title and expiry while the workflow is still open.
func (e *Engine) Update(ctx context.Context, tenantID, workflowID, title string, expiresAt *time.Time) (domain.SignatureWorkflow, error) {
	w, err := e.workflows.GetWorkflow(ctx, tenantID, workflowID)
	if err != nil {
		return domain.SignatureWorkflow{}, err
	}
	if w.Status.Terminal() {
		return domain.SignatureWorkflow{}, &domain.InvalidStateError{Kind: "workflow", ID: workflowID, State: string(w.Status), Op: "update"}
	}
	if expiresAt != nil && !expiresAt.After(e.clock.Now()) {
		return domain.SignatureWorkflow{}, &domain.ValidationError{Field: "expires_at", Reason: "must be in the future"}
	}
	if err := e.workflows.UpdateWorkflowMeta(ctx, tenantID, workflowID, title, expiresAt); err != nil {
		return domain.SignatureWorkflow{}, err
	}
	return e.workflows.GetWorkflow(ctx, tenantID, workflowID)
}

// SignatureData is what a signer submits for one field. Envelope is
// optional; when present it is checked by the pluggable verifier
// before the event is recorded.
type SignatureData struct {
	Payload   map[string]any      `json:"payload,omitempty"`
	Envelope  *signature.Envelope `json:"envelope,omitempty"`
	IP        string              `json:"ip,omitempty"`
	UserAgent string              `json:"user_agent,omitempty"`
}

// signedPayload is the canonical content a SIGNED event hashes. The
// document hash pins the contract body version at signing time.
type signedPayload struct {
	WorkflowID   string         `json:"workflow_id"`
	SignerID     string         `json:"signer_id"`
	FieldID      string         `json:"field_id"`
	DocumentHash string         `json:"document_hash"`
	SignedAt     string         `json:"signed_at"`
	Data         map[string]any `json:"data,omitempty"`
}

// Sign records one field signature. When it completes the signer's
// last required field the signer becomes SIGNED; when the quorum
// policy is satisfied the workflow completes and contract activation
// is attempted.
func (e *Engine) Sign(ctx context.Context, tenantID, workflowID, signerID, fieldID string, data SignatureData) (domain.SignatureWorkflow, error) {
	w, err := e.workflows.GetWorkflow(ctx, tenantID, workflowID)
	if err != nil {
		return domain.SignatureWorkflow{}, err
	}
	if w.Status != domain.WorkflowSent && w.Status != domain.WorkflowInProgress {
		// A racing co-signer may have completed the workflow between
		// this caller's read and write; a field that is already signed
		// reports as such rather than as a bad workflow state.
		if f := w.Field(fieldID); f != nil && f.Signed() {
			return domain.SignatureWorkflow{}, domain.ErrAlreadySigned
		}
		return domain.SignatureWorkflow{}, &domain.InvalidStateError{Kind: "workflow", ID: workflowID, State: string(w.Status), Op: "sign"}
	}
	s := w.Signer(signerID)
	if s == nil {
		return domain.SignatureWorkflow{}, &domain.NotFoundError{Kind: "signer", ID: signerID}
	}
	switch s.Status {
	case domain.SignerSigned:
		return domain.SignatureWorkflow{}, domain.ErrAlreadySigned
	case domain.SignerDeclined:
		return domain.SignatureWorkflow{}, &domain.InvalidStateError{Kind: "signer", ID: signerID, State: string(s.Status), Op: "sign"}
	}
	f := w.Field(fieldID)
	if f == nil {
		return domain.SignatureWorkflow{}, &domain.NotFoundError{Kind: "field", ID: fieldID}
	}
	if f.SignerID != signerID {
		return domain.SignatureWorkflow{}, &domain.ValidationError{Field: "field_id", Reason: "field belongs to another signer"}
	}
	if f.Signed() {
		return domain.SignatureWorkflow{}, domain.ErrAlreadySigned
	}
	if !w.OrderUnblocked(signerID) {
		return domain.SignatureWorkflow{}, domain.ErrOutOfOrder
	}

	now := e.clock.Now()
	payload := signedPayload{
		WorkflowID:   workflowID,
		SignerID:     signerID,
		FieldID:      fieldID,
		DocumentHash: w.DocumentHash,
		SignedAt:     now.UTC().Format(time.RFC3339Nano),
		Data:         data.Payload,
	}
	if data.Envelope != nil {
		if _, err := e.verifier.Verify(payload, *data.Envelope); err != nil {
			return domain.SignatureWorkflow{}, &domain.ValidationError{Field: "envelope", Reason: err.Error()}
		}
	}
	hash, canonical, err := payloadhash.Sum(payload)
	if err != nil {
		return domain.SignatureWorkflow{}, err
	}

	// The field write is the race arbiter for concurrent signs.
	if err := e.workflows.MarkFieldSigned(ctx, tenantID, workflowID, fieldID, now); err != nil {
		return domain.SignatureWorkflow{}, err
	}

	e.appendEvent(ctx, domain.SignatureEvent{
		TenantID:    tenantID,
		WorkflowID:  workflowID,
		Type:        domain.EventSigned,
		SignerID:    signerID,
		At:          now,
		IP:          data.IP,
		UserAgent:   data.UserAgent,
		Payload:     string(canonical),
		PayloadHash: hash,
	})

	if w.Status == domain.WorkflowSent {
		// First signature moves the workflow along; losing this race
		// to a co-signer is fine.
		if err := e.workflows.UpdateWorkflowStatus(ctx, tenantID, workflowID, domain.WorkflowSent, domain.WorkflowInProgress); err != nil && !errors.Is(err, domain.ErrConcurrentModification) {
			return domain.SignatureWorkflow{}, err
		}
	}

	// Re-read to decide signer and workflow completion.
	w, err = e.workflows.GetWorkflow(ctx, tenantID, workflowID)
	if err != nil {
		return domain.SignatureWorkflow{}, err
	}
	if w.RequiredFieldsSigned(signerID) && w.Signer(signerID).Status == domain.SignerPending {
		if err := e.workflows.UpdateSignerStatus(ctx, tenantID, workflowID, signerID, domain.SignerPending, domain.SignerSigned, now); err != nil {
			return domain.SignatureWorkflow{}, err
		}
		w, err = e.workflows.GetWorkflow(ctx, tenantID, workflowID)
		if err != nil {
			return domain.SignatureWorkflow{}, err
		}
	}

	if e.complete(w.Signers, w.RequireAllSigners) && !w.Status.Terminal() {
		if err := e.workflows.UpdateWorkflowStatus(ctx, tenantID, workflowID, w.Status, domain.WorkflowCompleted); err != nil {
			if errors.Is(err, domain.ErrConcurrentModification) {
				return e.workflows.GetWorkflow(ctx, tenantID, workflowID)
			}
			return domain.SignatureWorkflow{}, err
		}
		e.dispatch.Notify(ctx, notify.Event{
			Type:       "workflow.completed",
			TenantID:   tenantID,
			ContractID: w.ContractID,
			WorkflowID: workflowID,
		})
		if _, err := e.activator.Activate(ctx, tenantID, w.ContractID, "system"); err != nil {
			// Activation is the lifecycle manager's call to refuse;
			// the completed workflow stands either way.
			slog.WarnContext(ctx, "activation after completion failed", "contract", w.ContractID, "err", err)
		}
	}
	return e.workflows.GetWorkflow(ctx, tenantID, workflowID)
}

func (e *Engine) complete(signers []domain.Signer, requireAll bool) bool {
	if requireAll {
		return domain.AllRequiredSigners{}.Satisfied(signers)
	}
	return e.quorum.Satisfied(signers)
}

// Decline voids the whole workflow: any pending signer may decline at
// any time regardless of order. The contract stays PENDING_SIGNATURE;
// cancelling or re-issuing is the caller's decision.
func (e *Engine) Decline(ctx context.Context, tenantID, workflowID, signerID, reason string) (domain.SignatureWorkflow, error) {
	w, err := e.workflows.GetWorkflow(ctx, tenantID, workflowID)
	if err != nil {
		return domain.SignatureWorkflow{}, err
	}
	if w.Status != domain.WorkflowSent && w.Status != domain.WorkflowInProgress {
		return domain.SignatureWorkflow{}, &domain.InvalidStateError{Kind: "workflow", ID: workflowID, State: string(w.Status), Op: "decline"}
	}
	s := w.Signer(signerID)
	if s == nil {
		return domain.SignatureWorkflow{}, &domain.NotFoundError{Kind: "signer", ID: signerID}
	}
	if s.Status != domain.SignerPending {
		return domain.SignatureWorkflow{}, &domain.InvalidStateError{Kind: "signer", ID: signerID, State: string(s.Status), Op: "decline"}
	}
	now := e.clock.Now()
	if err := e.workflows.UpdateSignerStatus(ctx, tenantID, workflowID, signerID, domain.SignerPending, domain.SignerDeclined, now); err != nil {
		return domain.SignatureWorkflow{}, err
	}
	if err := e.workflows.UpdateWorkflowStatus(ctx, tenantID, workflowID, w.Status, domain.WorkflowDeclined); err != nil && !errors.Is(err, domain.ErrConcurrentModification) {
		return domain.SignatureWorkflow{}, err
	}
	e.appendEvent(ctx, domain.SignatureEvent{
		TenantID:   tenantID,
		WorkflowID: workflowID,
		Type:       domain.EventDeclined,
		SignerID:   signerID,
		At:         now,
		Reason:     reason,
	})
	e.dispatch.Notify(ctx, notify.Event{
		Type:       "workflow.declined",
		TenantID:   tenantID,
		ContractID: w.ContractID,
		WorkflowID: workflowID,
	})
	return e.workflows.GetWorkflow(ctx, tenantID, workflowID)
}

// Cancel terminates an open workflow. It does not touch the contract.
func (e *Engine) Cancel(ctx context.Context, tenantID, workflowID, actor, reason string) (domain.SignatureWorkflow, error) {
	w, err := e.workflows.GetWorkflow(ctx, tenantID, workflowID)
	if err != nil {
		return domain.SignatureWorkflow{}, err
	}
	if w.Status != domain.WorkflowSent && w.Status != domain.WorkflowInProgress {
		return domain.SignatureWorkflow{}, &domain.InvalidStateError{Kind: "workflow", ID: workflowID, State: string(w.Status), Op: "cancel"}
	}
	if err := e.workflows.UpdateWorkflowStatus(ctx, tenantID, workflowID, w.Status, domain.WorkflowCancelled); err != nil {
		return domain.SignatureWorkflow{}, err
	}
	e.appendEvent(ctx, domain.SignatureEvent{
		TenantID:   tenantID,
		WorkflowID: workflowID,
		Type:       domain.EventCancelled,
		Actor:      actor,
		At:         e.clock.Now(),
		Reason:     reason,
	})
	return e.workflows.GetWorkflow(ctx, tenantID, workflowID)
}

// ExpireDue is one expiration sweep pass: open workflows past their
// expiry become EXPIRED. The contract is left in PENDING_SIGNATURE.
func (e *Engine) ExpireDue(ctx context.Context, tenantID string) (int, error) {
	now := e.clock.Now()
	due, err := e.workflows.ListOpenWorkflows(ctx, tenantID, now)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, w := range due {
		if err := e.workflows.UpdateWorkflowStatus(ctx, tenantID, w.WorkflowID, w.Status, domain.WorkflowExpired); err != nil {
			if errors.Is(err, domain.ErrConcurrentModification) {
				continue
			}
			return n, err
		}
		e.appendEvent(ctx, domain.SignatureEvent{
			TenantID:   tenantID,
			WorkflowID: w.WorkflowID,
			Type:       domain.EventExpired,
			At:         now,
		})
		e.dispatch.Notify(ctx, notify.Event{
			Type:       "workflow.expired",
			TenantID:   tenantID,
			ContractID: w.ContractID,
			WorkflowID: w.WorkflowID,
		})
		n++
	}
	return n, nil
}

// SignerView is the slice of workflow state one signer is allowed to
// see: their own obligations, nothing about other signers beyond
// aggregate progress.
type SignerView struct {
	WorkflowID    string                  `json:"workflow_id"`
	ContractID    string                  `json:"contract_id"`
	Title         string                  `json:"title"`
	Status        domain.WorkflowStatus   `json:"status"`
	Signer        domain.Signer           `json:"signer"`
	Fields        []domain.SignatureField `json:"fields"`
	Unblocked     bool                    `json:"unblocked"`
	SignersTotal  int                     `json:"signers_total"`
	SignersSigned int                     `json:"signers_signed"`
	ExpiresAt     *time.Time              `json:"expires_at,omitempty"`
}

func (e *Engine) GetSignerView(ctx context.Context, tenantID, workflowID, signerID, token string) (SignerView, error) {
	w, err := e.workflows.GetWorkflow(ctx, tenantID, workflowID)
	if err != nil {
		return SignerView{}, err
	}
	s := w.Signer(signerID)
	if s == nil {
		return SignerView{}, &domain.NotFoundError{Kind: "signer", ID: signerID}
	}
	if hashToken(token) != s.TokenHash {
		return SignerView{}, domain.ErrUnauthorized
	}
	view := SignerView{
		WorkflowID:   w.WorkflowID,
		ContractID:   w.ContractID,
		Title:        w.Title,
		Status:       w.Status,
		Signer:       *s,
		Unblocked:    w.OrderUnblocked(signerID),
		SignersTotal: len(w.Signers),
		ExpiresAt:    w.ExpiresAt,
	}
	for _, f := range w.Fields {
		if f.SignerID == signerID {
			view.Fields = append(view.Fields, f)
		}
	}
	for _, o := range w.Signers {
		if o.Status == domain.SignerSigned {
			view.SignersSigned++
		}
	}
	return view, nil
}

// MarkViewed records that a signer opened the document.
func (e *Engine) MarkViewed(ctx context.Context, tenantID, workflowID, signerID, ip, userAgent string) error {
	w, err := e.workflows.GetWorkflow(ctx, tenantID, workflowID)
	if err != nil {
		return err
	}
	if w.Signer(signerID) == nil {
		return &domain.NotFoundError{Kind: "signer", ID: signerID}
	}
	e.appendEvent(ctx, domain.SignatureEvent{
		TenantID:   tenantID,
		WorkflowID: workflowID,
		Type:       domain.EventViewed,
		SignerID:   signerID,
		At:         e.clock.Now(),
		IP:         ip,
		UserAgent:  userAgent,
	})
	return nil
}

// GetAuditTrail returns the workflow's events in creation order.
func (e *Engine) GetAuditTrail(ctx context.Context, tenantID, workflowID string) ([]domain.SignatureEvent, error) {
	return e.workflows.ListSignatureEvents(ctx, tenantID, workflowID)
}

// Verdict is the tamper-evidence result for one SIGNED event.
type Verdict struct {
	EventID        string `json:"event_id"`
	HashIntact     bool   `json:"hash_intact"`
	DocumentIntact bool   `json:"document_intact"`
	Valid          bool   `json:"valid"`
	Reason         string `json:"reason,omitempty"`
}

// VerifySignature recomputes the stored content hash and compares the
// document hash in the signed payload against the contract body as it
// stands now.
func (e *Engine) VerifySignature(ctx context.Context, tenantID, workflowID, eventID string) (Verdict, error) {
	ev, err := e.workflows.GetSignatureEvent(ctx, tenantID, workflowID, eventID)
	if err != nil {
		return Verdict{}, err
	}
	if ev.Type != domain.EventSigned {
		return Verdict{}, &domain.ValidationError{Field: "event_id", Reason: "not a SIGNED event"}
	}
	w, err := e.workflows.GetWorkflow(ctx, tenantID, workflowID)
	if err != nil {
		return Verdict{}, err
	}
	c, err := e.contracts.GetContract(ctx, tenantID, w.ContractID)
	if err != nil {
		return Verdict{}, err
	}

	v := Verdict{EventID: eventID}
	v.HashIntact = payloadhash.SumString(ev.Payload) == ev.PayloadHash

	var payload signedPayload
	if err := json.Unmarshal([]byte(ev.Payload), &payload); err != nil {
		v.Reason = "payload not decodable"
		return v, nil
	}
	v.DocumentIntact = payload.DocumentHash == payloadhash.SumString(c.Body)
	v.Valid = v.HashIntact && v.DocumentIntact
	if !v.HashIntact {
		v.Reason = "payload hash mismatch"
	} else if !v.DocumentIntact {
		v.Reason = "document changed since signing"
	}
	return v, nil
}

func (e *Engine) appendEvent(ctx context.Context, ev domain.SignatureEvent) {
	ev.EventID = "evt_" + uuid.NewString()
	if _, err := e.workflows.AppendSignatureEvent(ctx, ev); err != nil {
		slog.WarnContext(ctx, "signature event append failed", "workflow", ev.WorkflowID, "type", ev.Type, "err", err)
	}
}
