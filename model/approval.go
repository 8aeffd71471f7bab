package model

import "time"

// Roles a signed-in user can hold.
const (
	RoleFinance = "finance"
	RoleCFO     = "cfo"
	RoleAdmin   = "admin"
)

// Approval records a human sign-off on an invoice draft.
type Approval struct {
	ID                 string     `json:"approval_id"`
	InvoiceID          string     `json:"invoice_id"`
	Approver           string     `json:"approver"`
	ApproverName       string     `json:"approver_name,omitempty"`
	ApproverRole       string     `json:"approver_role"`
	ApprovedAt         time.Time  `json:"approved_at"`
	Note               string     `json:"approval_note,omitempty"`
	SignatureHash      string     `json:"signature_hash"`
	InvoiceHash        string     `json:"invoice_snapshot_hash"`
	ConfidenceSnapshot float64    `json:"approval_confidence_snapshot"`
	Method             string     `json:"approval_method"`
	Revoked            bool       `json:"revoked"`
	RevokedAt          *time.Time `json:"revoked_at,omitempty"`
	RevokedBy          string     `json:"revoked_by,omitempty"`
	RevocationReason   string     `json:"revocation_reason,omitempty"`
}

// Valid reports whether the approval can still authorise an ERP push.
func (a *Approval) Valid() bool {
	return a != nil && !a.Revoked
}

// AuditEntry is one immutable record of an action taken on an entity.
type AuditEntry struct {
	ID             string    `json:"log_id"`
	Kind           string    `json:"kind"`
	EntityType     string    `json:"entity_type"`
	EntityID       string    `json:"entity_id"`
	Actor          string    `json:"actor_id"`
	PayloadHash    string    `json:"payload_hash"`
	InputRefs      []string  `json:"raw_input_refs,omitempty"`
	Confidence     *float64  `json:"confidence,omitempty"`
	Explainability string    `json:"explainability_text,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}
