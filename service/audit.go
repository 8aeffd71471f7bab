package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/AnTengye/contractbill/model"
	"github.com/AnTengye/contractbill/pkg/logger"
	"github.com/google/uuid"
	"github.com/gowebpki/jcs"
)

// Audit action kinds.
const (
	AuditContractUploaded  = "contract_uploaded"
	AuditContractParsed    = "contract_parsed"
	AuditContractArchived  = "contract_archived"
	AuditClauseCorrected   = "clause_corrected"
	AuditEventsImported    = "work_events_imported"
	AuditEventUpdated      = "work_event_updated"
	AuditEventDeleted      = "work_event_deleted"
	AuditInvoiceGenerated  = "invoice_generated"
	AuditInvoiceLineEdited = "invoice_line_edited"
	AuditInvoiceApproved   = "invoice_approved"
	AuditInvoiceRejected   = "invoice_rejected"
	AuditApprovalRevoked   = "approval_revoked"
	AuditInvoicePushed     = "invoice_pushed"
)

// HashJSON returns "sha256:" followed by the hex digest of the RFC 8785
// canonical JSON encoding of v.
func HashJSON(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("hash: encode: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("hash: canonicalize: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}

// AuditEvent is one action to be recorded.
type AuditEvent struct {
	Kind           string
	EntityType     string
	EntityID       string
	Actor          string
	Payload        map[string]any
	Confidence     *float64
	Explainability string
}

// AuditSink records actions. Recording never fails the caller.
type AuditSink interface {
	Record(ctx context.Context, ev AuditEvent)
}

// RepoAuditSink writes audit entries through the repository.
type RepoAuditSink struct {
	repo *Repository
	now  func() time.Time
}

func NewAuditSink(repo *Repository) *RepoAuditSink {
	return &RepoAuditSink{repo: repo, now: time.Now}
}

func (s *RepoAuditSink) Record(ctx context.Context, ev AuditEvent) {
	entry, err := newAuditEntry(ev, s.now())
	if err == nil {
		err = s.repo.SaveAudit(ctx, entry)
	}
	if err != nil {
		logger.Error(ctx, "failed to record audit entry",
			"kind", ev.Kind,
			"entity_type", ev.EntityType,
			"entity_id", ev.EntityID,
			"error", err,
		)
	}
}

// Entries lists audit entries, optionally narrowed to one entity.
func (s *RepoAuditSink) Entries(ctx context.Context, entityType, entityID string) ([]*model.AuditEntry, error) {
	return s.repo.AuditEntries(ctx, func(e *model.AuditEntry) bool {
		return (entityType == "" || e.EntityType == entityType) &&
			(entityID == "" || e.EntityID == entityID)
	})
}

func newAuditEntry(ev AuditEvent, at time.Time) (*model.AuditEntry, error) {
	payload := ev.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	hash, err := HashJSON(payload)
	if err != nil {
		return nil, err
	}
	refs := make([]string, 0, len(payload))
	for k := range payload {
		refs = append(refs, k)
	}
	sort.Strings(refs)

	actor := ev.Actor
	if actor == "" {
		actor = "system"
	}
	return &model.AuditEntry{
		ID:             "log_" + uuid.NewString(),
		Kind:           ev.Kind,
		EntityType:     ev.EntityType,
		EntityID:       ev.EntityID,
		Actor:          actor,
		PayloadHash:    hash,
		InputRefs:      refs,
		Confidence:     ev.Confidence,
		Explainability: ev.Explainability,
		Timestamp:      at,
	}, nil
}
