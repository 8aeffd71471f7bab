package model

import (
	"errors"
	"fmt"
	"time"
)

var ErrInvalidTransition = errors.New("invalid status transition")

// DefaultPaymentTermsDays applies when a contract states no payment terms.
const DefaultPaymentTermsDays = 30

// ContractStatus is the lifecycle state of a contract
type ContractStatus string

const (
	ContractUploaded    ContractStatus = "uploaded"
	ContractParsing     ContractStatus = "parsing"
	ContractParsed      ContractStatus = "parsed"
	ContractNeedsReview ContractStatus = "needs_review"
	ContractFailed      ContractStatus = "failed"
	ContractArchived    ContractStatus = "archived"
)

var contractTransitions = map[ContractStatus][]ContractStatus{
	ContractUploaded:    {ContractParsing, ContractArchived},
	ContractParsing:     {ContractParsed, ContractNeedsReview, ContractFailed, ContractArchived},
	ContractParsed:      {ContractParsing, ContractArchived},
	ContractNeedsReview: {ContractParsing, ContractArchived},
	ContractFailed:      {ContractParsing, ContractArchived},
}

// Party is a named participant of a contract.
type Party struct {
	Role       string `json:"role"`
	Name       string `json:"name"`
	Identifier string `json:"identifier"`
}

// Contract represents a parsed agreement
type Contract struct {
	ID               string           `json:"contract_id"`
	SourceFilename   string           `json:"source_filename"`
	UploadedBy       string           `json:"uploaded_by"`
	Tenant           string           `json:"tenant,omitempty"`
	UploadTime       time.Time        `json:"upload_time"`
	Parties          []Party          `json:"parties"`
	Currency         string           `json:"currency"`
	Clauses          []Clause         `json:"terms"`
	ClauseRevisions  []ClauseRevision `json:"clause_revisions,omitempty"`
	RawText          string           `json:"raw_text,omitempty"`
	ParseVersion     string           `json:"parse_version"`
	ExtractionSource string           `json:"extraction_source,omitempty"`
	Status           ContractStatus   `json:"status"`
	ErrorMsg         string           `json:"error_msg,omitempty"`
	EffectiveDate    *time.Time       `json:"effective_date,omitempty"`
	ExpirationDate   *time.Time       `json:"expiration_date,omitempty"`
	PaymentTermsDays int              `json:"payment_terms_days"`
	ObjectKey        string           `json:"object_key,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

// CanTransition reports whether the contract may move to the given status.
func (c *Contract) CanTransition(to ContractStatus) bool {
	for _, allowed := range contractTransitions[c.Status] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Transition moves the contract to a new status, refusing backward moves
// other than a re-parse.
func (c *Contract) Transition(to ContractStatus) error {
	if !c.CanTransition(to) {
		return fmt.Errorf("contract %s: %w: %s -> %s", c.ID, ErrInvalidTransition, c.Status, to)
	}
	c.Status = to
	return nil
}

// Terms returns the payment terms in days, never less than one.
func (c *Contract) Terms() int {
	if c.PaymentTermsDays <= 0 {
		return DefaultPaymentTermsDays
	}
	return c.PaymentTermsDays
}

// Clause looks up a clause by id.
func (c *Contract) Clause(id string) (Clause, bool) {
	for _, cl := range c.Clauses {
		if cl.ID == id {
			return cl, true
		}
	}
	return Clause{}, false
}

// SupersedeClause applies a reviewer correction. The previous version is kept
// in ClauseRevisions and the new one is stamped as manually reviewed.
func (c *Contract) SupersedeClause(id string, patch ClausePatch, reviewer string, at time.Time) (Clause, error) {
	for i, current := range c.Clauses {
		if current.ID != id {
			continue
		}
		next := patch.apply(current)
		next.ManuallyReviewed = true
		next.ReviewedBy = reviewer
		reviewedAt := at
		next.ReviewedAt = &reviewedAt
		if err := next.Validate(); err != nil {
			return Clause{}, err
		}
		if patch.Value != nil {
			if _, err := next.Amount(); err != nil {
				return Clause{}, err
			}
		}
		c.ClauseRevisions = append(c.ClauseRevisions, ClauseRevision{
			Clause:       current,
			SupersededAt: at,
			SupersededBy: reviewer,
		})
		c.Clauses[i] = next
		c.UpdatedAt = at
		return next, nil
	}
	return Clause{}, fmt.Errorf("contract %s: %w: %s", c.ID, ErrClauseNotFound, id)
}
