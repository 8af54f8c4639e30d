// Package postgres is the pgx-backed store. Status transitions are
// conditional UPDATEs keyed on the expected source status; zero rows
// affected is resolved to not-found or a concurrency conflict by
// re-reading.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"coworkd/internal/idempotency"
	"coworkd/internal/store"
	"coworkd/pkg/domain"
)

type Store struct{ DB *pgxpool.Pool }

var (
	_ store.Contracts = (*Store)(nil)
	_ store.Workflows = (*Store)(nil)
	_ store.Renewals  = (*Store)(nil)

	_ idempotency.Store = (*Store)(nil)
)

func New(db *pgxpool.Pool) *Store { return &Store{DB: db} }

// Migrate creates the schema. Id columns carry the generated prefixes
// (ctr_, wfl_, ...) so plain text keys are fine.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.DB.Exec(ctx, `
CREATE TABLE IF NOT EXISTS contracts(
	tenant_id text NOT NULL,
	contract_id text NOT NULL,
	type text NOT NULL,
	title text NOT NULL,
	body text NOT NULL DEFAULT '',
	parties jsonb NOT NULL DEFAULT '[]',
	terms jsonb NOT NULL DEFAULT '[]',
	start_date timestamptz NOT NULL,
	end_date timestamptz,
	auto_renew boolean NOT NULL DEFAULT false,
	renewal_months int NOT NULL DEFAULT 0,
	value_amount bigint NOT NULL DEFAULT 0,
	value_currency text NOT NULL DEFAULT '',
	status text NOT NULL,
	metadata jsonb NOT NULL DEFAULT '{}',
	termination_effective timestamptz,
	termination_reason text NOT NULL DEFAULT '',
	created_by text NOT NULL DEFAULT '',
	created_at timestamptz NOT NULL,
	activated_at timestamptz,
	terminated_at timestamptz,
	PRIMARY KEY(tenant_id, contract_id)
);
CREATE INDEX IF NOT EXISTS contracts_end_date_idx ON contracts(tenant_id, end_date) WHERE end_date IS NOT NULL;

CREATE TABLE IF NOT EXISTS contract_audit(
	tenant_id text NOT NULL,
	contract_id text NOT NULL,
	event_id text NOT NULL,
	seq bigint NOT NULL,
	action text NOT NULL,
	actor text NOT NULL DEFAULT '',
	from_status text NOT NULL DEFAULT '',
	to_status text NOT NULL DEFAULT '',
	reason text NOT NULL DEFAULT '',
	failed boolean NOT NULL DEFAULT false,
	at timestamptz NOT NULL,
	PRIMARY KEY(tenant_id, contract_id, seq)
);

CREATE TABLE IF NOT EXISTS workflows(
	tenant_id text NOT NULL,
	workflow_id text NOT NULL,
	contract_id text NOT NULL,
	title text NOT NULL DEFAULT '',
	require_all_signers boolean NOT NULL DEFAULT true,
	expires_at timestamptz,
	status text NOT NULL,
	document_hash text NOT NULL DEFAULT '',
	created_by text NOT NULL DEFAULT '',
	created_at timestamptz NOT NULL,
	PRIMARY KEY(tenant_id, workflow_id)
);
CREATE INDEX IF NOT EXISTS workflows_contract_idx ON workflows(tenant_id, contract_id);

CREATE TABLE IF NOT EXISTS workflow_signers(
	tenant_id text NOT NULL,
	workflow_id text NOT NULL,
	signer_id text NOT NULL,
	name text NOT NULL DEFAULT '',
	email text NOT NULL,
	ord int NOT NULL DEFAULT 0,
	required boolean NOT NULL DEFAULT true,
	status text NOT NULL,
	signed_at timestamptz,
	token_hash text NOT NULL DEFAULT '',
	PRIMARY KEY(tenant_id, workflow_id, signer_id)
);

CREATE TABLE IF NOT EXISTS workflow_fields(
	tenant_id text NOT NULL,
	workflow_id text NOT NULL,
	field_id text NOT NULL,
	signer_id text NOT NULL,
	page int NOT NULL DEFAULT 0,
	anchor text NOT NULL DEFAULT '',
	required boolean NOT NULL DEFAULT true,
	signed_at timestamptz,
	PRIMARY KEY(tenant_id, workflow_id, field_id)
);

CREATE TABLE IF NOT EXISTS signature_events(
	tenant_id text NOT NULL,
	workflow_id text NOT NULL,
	event_id text NOT NULL,
	seq bigint NOT NULL,
	type text NOT NULL,
	signer_id text NOT NULL DEFAULT '',
	actor text NOT NULL DEFAULT '',
	at timestamptz NOT NULL,
	ip text NOT NULL DEFAULT '',
	user_agent text NOT NULL DEFAULT '',
	payload text NOT NULL DEFAULT '',
	payload_hash text NOT NULL DEFAULT '',
	reason text NOT NULL DEFAULT '',
	PRIMARY KEY(tenant_id, workflow_id, seq)
);

CREATE TABLE IF NOT EXISTS renewal_rules(
	tenant_id text NOT NULL,
	rule_id text NOT NULL,
	contract_type text NOT NULL DEFAULT '',
	criteria text NOT NULL DEFAULT '',
	trigger_days int NOT NULL,
	action text NOT NULL,
	adjustment jsonb NOT NULL DEFAULT '{}',
	active boolean NOT NULL DEFAULT true,
	priority int NOT NULL DEFAULT 0,
	created_at timestamptz NOT NULL,
	PRIMARY KEY(tenant_id, rule_id)
);

CREATE TABLE IF NOT EXISTS renewal_proposals(
	tenant_id text NOT NULL,
	proposal_id text NOT NULL,
	source_contract_id text NOT NULL,
	draft_contract_id text NOT NULL DEFAULT '',
	rule_id text NOT NULL DEFAULT '',
	cycle text NOT NULL,
	status text NOT NULL,
	created_at timestamptz NOT NULL,
	decided_at timestamptz,
	decided_by text NOT NULL DEFAULT '',
	PRIMARY KEY(tenant_id, proposal_id)
);
CREATE INDEX IF NOT EXISTS renewal_proposals_source_idx ON renewal_proposals(tenant_id, source_contract_id);

CREATE TABLE IF NOT EXISTS renewal_outcomes(
	tenant_id text NOT NULL,
	source_contract_id text NOT NULL,
	cycle text NOT NULL,
	kind text NOT NULL,
	ref_id text NOT NULL DEFAULT '',
	created_at timestamptz NOT NULL,
	PRIMARY KEY(tenant_id, source_contract_id, cycle)
);

CREATE TABLE IF NOT EXISTS idempotency_records(
	tenant_id text NOT NULL,
	actor_id text NOT NULL,
	idem_key text NOT NULL,
	endpoint text NOT NULL,
	response_status int NOT NULL,
	response_body jsonb NOT NULL,
	created_at timestamptz NOT NULL DEFAULT now(),
	PRIMARY KEY(tenant_id, actor_id, idem_key, endpoint)
);
`)
	return err
}

// ---- Idempotency ----

func (s *Store) GetIdempotencyRecord(ctx context.Context, tenantID, actorID, key, endpoint string) (int, map[string]any, bool, error) {
	var status int
	var raw []byte
	err := s.DB.QueryRow(ctx, `
SELECT response_status, response_body FROM idempotency_records
WHERE tenant_id=$1 AND actor_id=$2 AND idem_key=$3 AND endpoint=$4
`, tenantID, actorID, key, endpoint).Scan(&status, &raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil, false, nil
	}
	if err != nil {
		return 0, nil, false, err
	}
	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil {
		return 0, nil, false, err
	}
	return status, body, true, nil
}

func (s *Store) SaveIdempotencyRecord(ctx context.Context, tenantID, actorID, key, endpoint string, status int, body map[string]any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	_, err = s.DB.Exec(ctx, `
INSERT INTO idempotency_records(tenant_id,actor_id,idem_key,endpoint,response_status,response_body)
VALUES($1,$2,$3,$4,$5,$6::jsonb)
ON CONFLICT (tenant_id,actor_id,idem_key,endpoint) DO NOTHING
`, tenantID, actorID, key, endpoint, status, string(raw))
	return err
}

// ---- Contracts ----

func (s *Store) CreateContract(ctx context.Context, c domain.Contract) error {
	parties, _ := json.Marshal(c.Parties)
	terms, _ := json.Marshal(c.Terms)
	metadata, _ := json.Marshal(c.Metadata)
	_, err := s.DB.Exec(ctx, `
INSERT INTO contracts(tenant_id,contract_id,type,title,body,parties,terms,start_date,end_date,auto_renew,renewal_months,value_amount,value_currency,status,metadata,created_by,created_at)
VALUES($1,$2,$3,$4,$5,$6::jsonb,$7::jsonb,$8,$9,$10,$11,$12,$13,$14,$15::jsonb,$16,$17)
`, c.TenantID, c.ContractID, c.Type, c.Title, c.Body, string(parties), string(terms),
		c.StartDate, c.EndDate, c.AutoRenew, c.RenewalMonths, c.Value.Amount, c.Value.Currency,
		c.Status, string(metadata), c.CreatedBy, c.CreatedAt)
	return err
}

const contractCols = `tenant_id,contract_id,type,title,body,parties,terms,start_date,end_date,auto_renew,renewal_months,value_amount,value_currency,status,metadata,termination_effective,termination_reason,created_by,created_at,activated_at,terminated_at`

func scanContract(row pgx.Row) (domain.Contract, error) {
	var c domain.Contract
	var parties, terms, metadata []byte
	err := row.Scan(&c.TenantID, &c.ContractID, &c.Type, &c.Title, &c.Body, &parties, &terms,
		&c.StartDate, &c.EndDate, &c.AutoRenew, &c.RenewalMonths, &c.Value.Amount, &c.Value.Currency,
		&c.Status, &metadata, &c.TerminationEffective, &c.TerminationReason,
		&c.CreatedBy, &c.CreatedAt, &c.ActivatedAt, &c.TerminatedAt)
	if err != nil {
		return domain.Contract{}, err
	}
	_ = json.Unmarshal(parties, &c.Parties)
	_ = json.Unmarshal(terms, &c.Terms)
	_ = json.Unmarshal(metadata, &c.Metadata)
	return c, nil
}

func (s *Store) GetContract(ctx context.Context, tenantID, contractID string) (domain.Contract, error) {
	c, err := scanContract(s.DB.QueryRow(ctx,
		`SELECT `+contractCols+` FROM contracts WHERE tenant_id=$1 AND contract_id=$2`, tenantID, contractID))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Contract{}, &domain.NotFoundError{Kind: "contract", ID: contractID}
	}
	return c, err
}

func (s *Store) ListContracts(ctx context.Context, tenantID string, f store.ContractFilter) ([]domain.Contract, error) {
	q := `SELECT ` + contractCols + ` FROM contracts WHERE tenant_id=$1`
	args := []any{tenantID}
	if f.Status != "" {
		args = append(args, f.Status)
		q += ` AND status=$2`
	}
	if f.Type != "" {
		args = append(args, f.Type)
		q += ` AND type=$` + strconv.Itoa(len(args))
	}
	q += ` ORDER BY created_at, contract_id`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += ` LIMIT $` + strconv.Itoa(len(args))
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
		q += ` OFFSET $` + strconv.Itoa(len(args))
	}
	rows, err := s.DB.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Contract
	for rows.Next() {
		c, err := scanContract(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) UpdateContractDraft(ctx context.Context, c domain.Contract) error {
	parties, _ := json.Marshal(c.Parties)
	terms, _ := json.Marshal(c.Terms)
	metadata, _ := json.Marshal(c.Metadata)
	tag, err := s.DB.Exec(ctx, `
UPDATE contracts SET title=$3, body=$4, parties=$5::jsonb, terms=$6::jsonb, start_date=$7, end_date=$8,
	auto_renew=$9, renewal_months=$10, value_amount=$11, value_currency=$12, metadata=$13::jsonb
WHERE tenant_id=$1 AND contract_id=$2 AND status='DRAFT'
`, c.TenantID, c.ContractID, c.Title, c.Body, string(parties), string(terms), c.StartDate, c.EndDate,
		c.AutoRenew, c.RenewalMonths, c.Value.Amount, c.Value.Currency, string(metadata))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return s.resolveContractConflict(ctx, c.TenantID, c.ContractID)
	}
	return nil
}

func (s *Store) UpdateContractStatus(ctx context.Context, tenantID, contractID string, from, to domain.ContractStatus, at time.Time) error {
	tag, err := s.DB.Exec(ctx, `
UPDATE contracts SET status=$4,
	activated_at=CASE WHEN $4='ACTIVE' AND activated_at IS NULL THEN $5 ELSE activated_at END,
	terminated_at=CASE WHEN $4 IN ('TERMINATED','CANCELLED','EXPIRED') THEN $5 ELSE terminated_at END
WHERE tenant_id=$1 AND contract_id=$2 AND status=$3
`, tenantID, contractID, from, to, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return s.resolveContractConflict(ctx, tenantID, contractID)
	}
	return nil
}

func (s *Store) ScheduleTermination(ctx context.Context, tenantID, contractID string, from domain.ContractStatus, effective time.Time, reason string) error {
	tag, err := s.DB.Exec(ctx, `
UPDATE contracts SET termination_effective=$4, termination_reason=$5
WHERE tenant_id=$1 AND contract_id=$2 AND status=$3
`, tenantID, contractID, from, effective, reason)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return s.resolveContractConflict(ctx, tenantID, contractID)
	}
	return nil
}

func (s *Store) resolveContractConflict(ctx context.Context, tenantID, contractID string) error {
	var exists bool
	if err := s.DB.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM contracts WHERE tenant_id=$1 AND contract_id=$2)`,
		tenantID, contractID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return &domain.NotFoundError{Kind: "contract", ID: contractID}
	}
	return domain.ErrConcurrentModification
}

func (s *Store) ListExpiring(ctx context.Context, tenantID string, before time.Time) ([]domain.Contract, error) {
	rows, err := s.DB.Query(ctx, `
SELECT `+contractCols+` FROM contracts
WHERE tenant_id=$1 AND status NOT IN ('TERMINATED','CANCELLED','EXPIRED')
	AND ((end_date IS NOT NULL AND end_date<=$2) OR (termination_effective IS NOT NULL AND termination_effective<=$2))
ORDER BY contract_id
`, tenantID, before)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Contract
	for rows.Next() {
		c, err := scanContract(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) ContractStats(ctx context.Context, tenantID string) (domain.ContractStats, error) {
	stats := domain.ContractStats{
		ByStatus:        map[domain.ContractStatus]int{},
		TotalByCurrency: map[string]int64{},
	}
	rows, err := s.DB.Query(ctx, `
SELECT status, value_currency, count(*), COALESCE(sum(value_amount),0)
FROM contracts WHERE tenant_id=$1 GROUP BY status, value_currency
`, tenantID)
	if err != nil {
		return stats, err
	}
	defer rows.Close()
	for rows.Next() {
		var status domain.ContractStatus
		var currency string
		var count int
		var total int64
		if err := rows.Scan(&status, &currency, &count, &total); err != nil {
			return stats, err
		}
		stats.ByStatus[status] += count
		if currency != "" {
			stats.TotalByCurrency[currency] += total
		}
	}
	return stats, rows.Err()
}

func (s *Store) ListTenants(ctx context.Context) ([]string, error) {
	rows, err := s.DB.Query(ctx, `SELECT DISTINCT tenant_id FROM contracts ORDER BY tenant_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) AppendAudit(ctx context.Context, ev domain.AuditEvent) (domain.AuditEvent, error) {
	err := s.DB.QueryRow(ctx, `
INSERT INTO contract_audit(tenant_id,contract_id,event_id,seq,action,actor,from_status,to_status,reason,failed,at)
SELECT $1,$2,$3,COALESCE(MAX(seq),0)+1,$4,$5,$6,$7,$8,$9,$10
FROM contract_audit WHERE tenant_id=$1 AND contract_id=$2
RETURNING seq
`, ev.TenantID, ev.ContractID, ev.EventID, ev.Action, ev.Actor, ev.FromStatus, ev.ToStatus, ev.Reason, ev.Failed, ev.At).Scan(&ev.Seq)
	return ev, err
}

func (s *Store) ListAudit(ctx context.Context, tenantID, contractID string) ([]domain.AuditEvent, error) {
	rows, err := s.DB.Query(ctx, `
SELECT event_id,seq,action,actor,from_status,to_status,reason,failed,at
FROM contract_audit WHERE tenant_id=$1 AND contract_id=$2 ORDER BY seq
`, tenantID, contractID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.AuditEvent
	for rows.Next() {
		ev := domain.AuditEvent{TenantID: tenantID, ContractID: contractID}
		if err := rows.Scan(&ev.EventID, &ev.Seq, &ev.Action, &ev.Actor, &ev.FromStatus, &ev.ToStatus, &ev.Reason, &ev.Failed, &ev.At); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// ---- Workflows ----

func (s *Store) CreateWorkflow(ctx context.Context, w domain.SignatureWorkflow) error {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var open bool
	if err := tx.QueryRow(ctx, `
SELECT EXISTS(SELECT 1 FROM workflows WHERE tenant_id=$1 AND contract_id=$2 AND status NOT IN ('COMPLETED','DECLINED','CANCELLED','EXPIRED'))
`, w.TenantID, w.ContractID).Scan(&open); err != nil {
		return err
	}
	if open {
		return domain.ErrConcurrentModification
	}

	if _, err := tx.Exec(ctx, `
INSERT INTO workflows(tenant_id,workflow_id,contract_id,title,require_all_signers,expires_at,status,document_hash,created_by,created_at)
VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
`, w.TenantID, w.WorkflowID, w.ContractID, w.Title, w.RequireAllSigners, w.ExpiresAt, w.Status, w.DocumentHash, w.CreatedBy, w.CreatedAt); err != nil {
		return err
	}
	for _, sg := range w.Signers {
		if _, err := tx.Exec(ctx, `
INSERT INTO workflow_signers(tenant_id,workflow_id,signer_id,name,email,ord,required,status,signed_at,token_hash)
VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
`, w.TenantID, w.WorkflowID, sg.SignerID, sg.Name, sg.Email, sg.Order, sg.Required, sg.Status, sg.SignedAt, sg.TokenHash); err != nil {
			return err
		}
	}
	for _, f := range w.Fields {
		if _, err := tx.Exec(ctx, `
INSERT INTO workflow_fields(tenant_id,workflow_id,field_id,signer_id,page,anchor,required,signed_at)
VALUES($1,$2,$3,$4,$5,$6,$7,$8)
`, w.TenantID, w.WorkflowID, f.FieldID, f.SignerID, f.Page, f.Anchor, f.Required, f.SignedAt); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (s *Store) loadWorkflow(ctx context.Context, tenantID, workflowID string) (domain.SignatureWorkflow, error) {
	var w domain.SignatureWorkflow
	err := s.DB.QueryRow(ctx, `
SELECT tenant_id,workflow_id,contract_id,title,require_all_signers,expires_at,status,document_hash,created_by,created_at
FROM workflows WHERE tenant_id=$1 AND workflow_id=$2
`, tenantID, workflowID).Scan(&w.TenantID, &w.WorkflowID, &w.ContractID, &w.Title, &w.RequireAllSigners,
		&w.ExpiresAt, &w.Status, &w.DocumentHash, &w.CreatedBy, &w.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return w, &domain.NotFoundError{Kind: "workflow", ID: workflowID}
	}
	if err != nil {
		return w, err
	}

	rows, err := s.DB.Query(ctx, `
SELECT signer_id,name,email,ord,required,status,signed_at,token_hash
FROM workflow_signers WHERE tenant_id=$1 AND workflow_id=$2 ORDER BY ord, signer_id
`, tenantID, workflowID)
	if err != nil {
		return w, err
	}
	defer rows.Close()
	for rows.Next() {
		var sg domain.Signer
		if err := rows.Scan(&sg.SignerID, &sg.Name, &sg.Email, &sg.Order, &sg.Required, &sg.Status, &sg.SignedAt, &sg.TokenHash); err != nil {
			return w, err
		}
		w.Signers = append(w.Signers, sg)
	}
	if err := rows.Err(); err != nil {
		return w, err
	}

	frows, err := s.DB.Query(ctx, `
SELECT field_id,signer_id,page,anchor,required,signed_at
FROM workflow_fields WHERE tenant_id=$1 AND workflow_id=$2 ORDER BY field_id
`, tenantID, workflowID)
	if err != nil {
		return w, err
	}
	defer frows.Close()
	for frows.Next() {
		var f domain.SignatureField
		if err := frows.Scan(&f.FieldID, &f.SignerID, &f.Page, &f.Anchor, &f.Required, &f.SignedAt); err != nil {
			return w, err
		}
		w.Fields = append(w.Fields, f)
	}
	return w, frows.Err()
}

func (s *Store) GetWorkflow(ctx context.Context, tenantID, workflowID string) (domain.SignatureWorkflow, error) {
	return s.loadWorkflow(ctx, tenantID, workflowID)
}

func (s *Store) ListWorkflows(ctx context.Context, tenantID, contractID string) ([]domain.SignatureWorkflow, error) {
	q := `SELECT workflow_id FROM workflows WHERE tenant_id=$1`
	args := []any{tenantID}
	if contractID != "" {
		args = append(args, contractID)
		q += ` AND contract_id=$2`
	}
	q += ` ORDER BY created_at, workflow_id`
	rows, err := s.DB.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	var out []domain.SignatureWorkflow
	for _, id := range ids {
		w, err := s.loadWorkflow(ctx, tenantID, id)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, nil
}

func (s *Store) ActiveWorkflowForContract(ctx context.Context, tenantID, contractID string) (domain.SignatureWorkflow, error) {
	var id string
	err := s.DB.QueryRow(ctx, `
SELECT workflow_id FROM workflows
WHERE tenant_id=$1 AND contract_id=$2 AND status NOT IN ('COMPLETED','DECLINED','CANCELLED','EXPIRED')
ORDER BY created_at DESC LIMIT 1
`, tenantID, contractID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.SignatureWorkflow{}, &domain.NotFoundError{Kind: "workflow for contract", ID: contractID}
	}
	if err != nil {
		return domain.SignatureWorkflow{}, err
	}
	return s.loadWorkflow(ctx, tenantID, id)
}

func (s *Store) LatestWorkflowForContract(ctx context.Context, tenantID, contractID string) (domain.SignatureWorkflow, error) {
	var id string
	err := s.DB.QueryRow(ctx, `
SELECT workflow_id FROM workflows
WHERE tenant_id=$1 AND contract_id=$2
ORDER BY created_at DESC LIMIT 1
`, tenantID, contractID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.SignatureWorkflow{}, &domain.NotFoundError{Kind: "workflow for contract", ID: contractID}
	}
	if err != nil {
		return domain.SignatureWorkflow{}, err
	}
	return s.loadWorkflow(ctx, tenantID, id)
}

func (s *Store) UpdateWorkflowStatus(ctx context.Context, tenantID, workflowID string, from, to domain.WorkflowStatus) error {
	tag, err := s.DB.Exec(ctx,
		`UPDATE workflows SET status=$4 WHERE tenant_id=$1 AND workflow_id=$2 AND status=$3`,
		tenantID, workflowID, from, to)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return s.resolveWorkflowConflict(ctx, tenantID, workflowID)
	}
	return nil
}

func (s *Store) UpdateWorkflowMeta(ctx context.Context, tenantID, workflowID, title string, expiresAt *time.Time) error {
	tag, err := s.DB.Exec(ctx, `
UPDATE workflows SET
	title=CASE WHEN $3<>'' THEN $3 ELSE title END,
	expires_at=COALESCE($4, expires_at)
WHERE tenant_id=$1 AND workflow_id=$2 AND status NOT IN ('COMPLETED','DECLINED','CANCELLED','EXPIRED')
`, tenantID, workflowID, title, expiresAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return s.resolveWorkflowConflict(ctx, tenantID, workflowID)
	}
	return nil
}

func (s *Store) resolveWorkflowConflict(ctx context.Context, tenantID, workflowID string) error {
	var exists bool
	if err := s.DB.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM workflows WHERE tenant_id=$1 AND workflow_id=$2)`,
		tenantID, workflowID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return &domain.NotFoundError{Kind: "workflow", ID: workflowID}
	}
	return domain.ErrConcurrentModification
}

func (s *Store) UpdateSignerStatus(ctx context.Context, tenantID, workflowID, signerID string, from, to domain.SignerStatus, at time.Time) error {
	tag, err := s.DB.Exec(ctx, `
UPDATE workflow_signers SET status=$5,
	signed_at=CASE WHEN $5='SIGNED' THEN $6 ELSE signed_at END
WHERE tenant_id=$1 AND workflow_id=$2 AND signer_id=$3 AND status=$4
`, tenantID, workflowID, signerID, from, to, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.DB.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM workflow_signers WHERE tenant_id=$1 AND workflow_id=$2 AND signer_id=$3)`,
			tenantID, workflowID, signerID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return &domain.NotFoundError{Kind: "signer", ID: signerID}
		}
		return domain.ErrConcurrentModification
	}
	return nil
}

func (s *Store) MarkFieldSigned(ctx context.Context, tenantID, workflowID, fieldID string, at time.Time) error {
	tag, err := s.DB.Exec(ctx, `
UPDATE workflow_fields SET signed_at=$4
WHERE tenant_id=$1 AND workflow_id=$2 AND field_id=$3 AND signed_at IS NULL
`, tenantID, workflowID, fieldID, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.DB.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM workflow_fields WHERE tenant_id=$1 AND workflow_id=$2 AND field_id=$3)`,
			tenantID, workflowID, fieldID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return &domain.NotFoundError{Kind: "field", ID: fieldID}
		}
		return domain.ErrAlreadySigned
	}
	return nil
}

func (s *Store) ListOpenWorkflows(ctx context.Context, tenantID string, expiresBefore time.Time) ([]domain.SignatureWorkflow, error) {
	rows, err := s.DB.Query(ctx, `
SELECT workflow_id FROM workflows
WHERE tenant_id=$1 AND status NOT IN ('COMPLETED','DECLINED','CANCELLED','EXPIRED')
	AND expires_at IS NOT NULL AND expires_at<=$2
ORDER BY workflow_id
`, tenantID, expiresBefore)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	var out []domain.SignatureWorkflow
	for _, id := range ids {
		w, err := s.loadWorkflow(ctx, tenantID, id)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, nil
}

func (s *Store) AppendSignatureEvent(ctx context.Context, ev domain.SignatureEvent) (domain.SignatureEvent, error) {
	err := s.DB.QueryRow(ctx, `
INSERT INTO signature_events(tenant_id,workflow_id,event_id,seq,type,signer_id,actor,at,ip,user_agent,payload,payload_hash,reason)
SELECT $1,$2,$3,COALESCE(MAX(seq),0)+1,$4,$5,$6,$7,$8,$9,$10,$11,$12
FROM signature_events WHERE tenant_id=$1 AND workflow_id=$2
RETURNING seq
`, ev.TenantID, ev.WorkflowID, ev.EventID, ev.Type, ev.SignerID, ev.Actor, ev.At, ev.IP, ev.UserAgent, ev.Payload, ev.PayloadHash, ev.Reason).Scan(&ev.Seq)
	return ev, err
}

func (s *Store) ListSignatureEvents(ctx context.Context, tenantID, workflowID string) ([]domain.SignatureEvent, error) {
	rows, err := s.DB.Query(ctx, `
SELECT event_id,seq,type,signer_id,actor,at,ip,user_agent,payload,payload_hash,reason
FROM signature_events WHERE tenant_id=$1 AND workflow_id=$2 ORDER BY seq
`, tenantID, workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.SignatureEvent
	for rows.Next() {
		ev := domain.SignatureEvent{TenantID: tenantID, WorkflowID: workflowID}
		if err := rows.Scan(&ev.EventID, &ev.Seq, &ev.Type, &ev.SignerID, &ev.Actor, &ev.At, &ev.IP, &ev.UserAgent, &ev.Payload, &ev.PayloadHash, &ev.Reason); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *Store) GetSignatureEvent(ctx context.Context, tenantID, workflowID, eventID string) (domain.SignatureEvent, error) {
	ev := domain.SignatureEvent{TenantID: tenantID, WorkflowID: workflowID}
	err := s.DB.QueryRow(ctx, `
SELECT event_id,seq,type,signer_id,actor,at,ip,user_agent,payload,payload_hash,reason
FROM signature_events WHERE tenant_id=$1 AND workflow_id=$2 AND event_id=$3
`, tenantID, workflowID, eventID).Scan(&ev.EventID, &ev.Seq, &ev.Type, &ev.SignerID, &ev.Actor, &ev.At, &ev.IP, &ev.UserAgent, &ev.Payload, &ev.PayloadHash, &ev.Reason)
	if errors.Is(err, pgx.ErrNoRows) {
		return ev, &domain.NotFoundError{Kind: "signature event", ID: eventID}
	}
	return ev, err
}

// ---- Renewals ----

func (s *Store) CreateRule(ctx context.Context, r domain.RenewalRule) error {
	adj, _ := json.Marshal(r.Adjustment)
	_, err := s.DB.Exec(ctx, `
INSERT INTO renewal_rules(tenant_id,rule_id,contract_type,criteria,trigger_days,action,adjustment,active,priority,created_at)
VALUES($1,$2,$3,$4,$5,$6,$7::jsonb,$8,$9,$10)
`, r.TenantID, r.RuleID, r.ContractType, r.Criteria, r.TriggerDays, r.Action, string(adj), r.Active, r.Priority, r.CreatedAt)
	return err
}

func scanRule(row pgx.Row) (domain.RenewalRule, error) {
	var r domain.RenewalRule
	var adj []byte
	err := row.Scan(&r.TenantID, &r.RuleID, &r.ContractType, &r.Criteria, &r.TriggerDays, &r.Action, &adj, &r.Active, &r.Priority, &r.CreatedAt)
	if err != nil {
		return r, err
	}
	_ = json.Unmarshal(adj, &r.Adjustment)
	return r, nil
}

const ruleCols = `tenant_id,rule_id,contract_type,criteria,trigger_days,action,adjustment,active,priority,created_at`

func (s *Store) GetRule(ctx context.Context, tenantID, ruleID string) (domain.RenewalRule, error) {
	r, err := scanRule(s.DB.QueryRow(ctx,
		`SELECT `+ruleCols+` FROM renewal_rules WHERE tenant_id=$1 AND rule_id=$2`, tenantID, ruleID))
	if errors.Is(err, pgx.ErrNoRows) {
		return r, &domain.NotFoundError{Kind: "renewal rule", ID: ruleID}
	}
	return r, err
}

func (s *Store) ListRules(ctx context.Context, tenantID string) ([]domain.RenewalRule, error) {
	rows, err := s.DB.Query(ctx,
		`SELECT `+ruleCols+` FROM renewal_rules WHERE tenant_id=$1 ORDER BY created_at, rule_id`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.RenewalRule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) UpdateRule(ctx context.Context, r domain.RenewalRule) error {
	adj, _ := json.Marshal(r.Adjustment)
	tag, err := s.DB.Exec(ctx, `
UPDATE renewal_rules SET contract_type=$3, criteria=$4, trigger_days=$5, action=$6, adjustment=$7::jsonb, active=$8, priority=$9
WHERE tenant_id=$1 AND rule_id=$2
`, r.TenantID, r.RuleID, r.ContractType, r.Criteria, r.TriggerDays, r.Action, string(adj), r.Active, r.Priority)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &domain.NotFoundError{Kind: "renewal rule", ID: r.RuleID}
	}
	return nil
}

func (s *Store) DeleteRule(ctx context.Context, tenantID, ruleID string) error {
	tag, err := s.DB.Exec(ctx,
		`DELETE FROM renewal_rules WHERE tenant_id=$1 AND rule_id=$2`, tenantID, ruleID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &domain.NotFoundError{Kind: "renewal rule", ID: ruleID}
	}
	return nil
}

func (s *Store) CreateProposal(ctx context.Context, p domain.RenewalProposal) error {
	_, err := s.DB.Exec(ctx, `
INSERT INTO renewal_proposals(tenant_id,proposal_id,source_contract_id,draft_contract_id,rule_id,cycle,status,created_at)
VALUES($1,$2,$3,$4,$5,$6,$7,$8)
`, p.TenantID, p.ProposalID, p.SourceContractID, p.DraftContractID, p.RuleID, p.Cycle, p.Status, p.CreatedAt)
	return err
}

const proposalCols = `tenant_id,proposal_id,source_contract_id,draft_contract_id,rule_id,cycle,status,created_at,decided_at,decided_by`

func scanProposal(row pgx.Row) (domain.RenewalProposal, error) {
	var p domain.RenewalProposal
	err := row.Scan(&p.TenantID, &p.ProposalID, &p.SourceContractID, &p.DraftContractID, &p.RuleID, &p.Cycle, &p.Status, &p.CreatedAt, &p.DecidedAt, &p.DecidedBy)
	return p, err
}

func (s *Store) GetProposal(ctx context.Context, tenantID, proposalID string) (domain.RenewalProposal, error) {
	p, err := scanProposal(s.DB.QueryRow(ctx,
		`SELECT `+proposalCols+` FROM renewal_proposals WHERE tenant_id=$1 AND proposal_id=$2`, tenantID, proposalID))
	if errors.Is(err, pgx.ErrNoRows) {
		return p, &domain.NotFoundError{Kind: "renewal proposal", ID: proposalID}
	}
	return p, err
}

func (s *Store) ListProposals(ctx context.Context, tenantID, sourceContractID string) ([]domain.RenewalProposal, error) {
	q := `SELECT ` + proposalCols + ` FROM renewal_proposals WHERE tenant_id=$1`
	args := []any{tenantID}
	if sourceContractID != "" {
		args = append(args, sourceContractID)
		q += ` AND source_contract_id=$2`
	}
	q += ` ORDER BY created_at, proposal_id`
	rows, err := s.DB.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.RenewalProposal
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) UpdateProposalStatus(ctx context.Context, tenantID, proposalID string, from, to domain.ProposalStatus, decidedBy string, at time.Time) error {
	tag, err := s.DB.Exec(ctx, `
UPDATE renewal_proposals SET status=$4, decided_at=$5, decided_by=$6
WHERE tenant_id=$1 AND proposal_id=$2 AND status=$3
`, tenantID, proposalID, from, to, at, decidedBy)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.DB.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM renewal_proposals WHERE tenant_id=$1 AND proposal_id=$2)`,
			tenantID, proposalID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return &domain.NotFoundError{Kind: "renewal proposal", ID: proposalID}
		}
		return domain.ErrConcurrentModification
	}
	return nil
}

func (s *Store) RecordOutcome(ctx context.Context, o domain.RenewalOutcome) error {
	tag, err := s.DB.Exec(ctx, `
INSERT INTO renewal_outcomes(tenant_id,source_contract_id,cycle,kind,ref_id,created_at)
VALUES($1,$2,$3,$4,$5,$6)
ON CONFLICT (tenant_id,source_contract_id,cycle) DO NOTHING
`, o.TenantID, o.SourceContractID, o.Cycle, o.Kind, o.RefID, o.CreatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrConcurrentModification
	}
	return nil
}

func (s *Store) GetOutcome(ctx context.Context, tenantID, sourceContractID, cycle string) (domain.RenewalOutcome, error) {
	var o domain.RenewalOutcome
	err := s.DB.QueryRow(ctx, `
SELECT tenant_id,source_contract_id,cycle,kind,ref_id,created_at
FROM renewal_outcomes WHERE tenant_id=$1 AND source_contract_id=$2 AND cycle=$3
`, tenantID, sourceContractID, cycle).Scan(&o.TenantID, &o.SourceContractID, &o.Cycle, &o.Kind, &o.RefID, &o.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return o, &domain.NotFoundError{Kind: "renewal outcome", ID: sourceContractID + "@" + cycle}
	}
	return o, err
}

func (s *Store) RenewalStats(ctx context.Context, tenantID string) (domain.RenewalStats, error) {
	stats := domain.RenewalStats{ByStatus: map[domain.ProposalStatus]int{}}
	rows, err := s.DB.Query(ctx,
		`SELECT status, count(*) FROM renewal_proposals WHERE tenant_id=$1 GROUP BY status`, tenantID)
	if err != nil {
		return stats, err
	}
	defer rows.Close()
	for rows.Next() {
		var status domain.ProposalStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return stats, err
		}
		stats.ByStatus[status] = count
	}
	return stats, rows.Err()
}
