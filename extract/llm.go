package extract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/AnTengye/contractbill/model"
)

// Backend is an optional external clause extractor, typically an LLM.
// Implementations report failure through the outcome, never by panicking.
type Backend interface {
	Extract(ctx context.Context, text string) LLMOutcome
}

// LLMOutcome is either Extracted (clauses present) or Unavailable (reason set).
type LLMOutcome struct {
	Clauses []model.Clause
	Reason  string
	ok      bool
}

func Extracted(clauses []model.Clause) LLMOutcome {
	return LLMOutcome{Clauses: clauses, ok: true}
}

func Unavailable(reason string) LLMOutcome {
	return LLMOutcome{Reason: reason}
}

// Available reports whether the backend produced a clause list.
func (o LLMOutcome) Available() bool {
	return o.ok
}

// SystemPrompt is sent as the system message of every extraction request.
const SystemPrompt = "You are a contract analysis expert. Extract billing clauses accurately."

const extractionPrompt = `
You are a contract analysis expert. Extract billing-relevant clauses from the following contract text.

For each clause found, provide:
1. type: One of [rate_card, milestone_payment, fixed_fee, recurring_fee, payment_terms, penalty, discount, rev_rec, other]
2. description: Brief human-readable description
3. extracted_text: The exact text from the contract
4. value: The numeric value (just the number)
5. unit: The unit type (hour, day, fixed, percent, etc.)
6. confidence: Your confidence in the extraction (0.0 to 1.0)
7. requires_cfo_approval: true if this involves revenue recognition complexity (multi-element, % completion)
8. rev_rec_treatment: If applicable, note the revenue recognition treatment

Contract text:
---
{contract_text}
---

Respond with a JSON array of extracted clauses. If no relevant clauses are found, return an empty array.
Example format:
[
  {
    "type": "rate_card",
    "description": "Consulting rate of $200/hour",
    "extracted_text": "The consultant rate shall be $200 per hour...",
    "value": "200",
    "unit": "hour",
    "confidence": 0.95,
    "requires_cfo_approval": false,
    "rev_rec_treatment": null
  }
]
`

// BuildPrompt renders the user message for a contract excerpt.
func BuildPrompt(text string) string {
	return strings.Replace(extractionPrompt, "{contract_text}", text, 1)
}

var ErrNoClauseArray = errors.New("no JSON array in response")

type llmClause struct {
	Type                string          `json:"type"`
	Description         string          `json:"description"`
	ExtractedText       string          `json:"extracted_text"`
	Value               json.RawMessage `json:"value"`
	Unit                string          `json:"unit"`
	Confidence          *float64        `json:"confidence"`
	RequiresCFOApproval bool            `json:"requires_cfo_approval"`
	RevRecTreatment     *string         `json:"rev_rec_treatment"`
}

// ParseResponse pulls the clause array out of a free-form model reply. The
// array spans from the first '[' to the last ']'.
func ParseResponse(content string) ([]model.Clause, error) {
	start := strings.Index(content, "[")
	end := strings.LastIndex(content, "]")
	if start < 0 || end < start {
		return nil, ErrNoClauseArray
	}

	var raw []llmClause
	if err := json.Unmarshal([]byte(content[start:end+1]), &raw); err != nil {
		return nil, fmt.Errorf("decode clause array: %w", err)
	}

	clauses := make([]model.Clause, 0, len(raw))
	for _, r := range raw {
		c := model.Clause{
			Type:                model.ParseClauseType(r.Type),
			Description:         r.Description,
			ExtractedText:       r.ExtractedText,
			Value:               rawValue(r.Value),
			Unit:                r.Unit,
			Confidence:          model.Conf(0.5),
			RequiresCFOApproval: r.RequiresCFOApproval,
		}
		if r.Confidence != nil {
			c.Confidence = model.Conf(*r.Confidence)
		}
		if r.RevRecTreatment != nil {
			c.RevRecTreatment = *r.RevRecTreatment
		}
		clauses = append(clauses, c)
	}
	return clauses, nil
}

// rawValue accepts "200", 200 and null alike.
func rawValue(v json.RawMessage) string {
	if len(v) == 0 || string(v) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		return s
	}
	var f json.Number
	if err := json.Unmarshal(v, &f); err == nil {
		return f.String()
	}
	return strings.Trim(string(v), `"`)
}

// sanitize drops clauses that violate the clause invariants and renumbers the
// rest c1..cn.
func sanitize(in []model.Clause) []model.Clause {
	out := make([]model.Clause, 0, len(in))
	for _, c := range in {
		c.ID = "c" + strconv.Itoa(len(out)+1)
		if c.Confidence == nil {
			c.Confidence = model.Conf(0.5)
		}
		if err := c.Validate(); err != nil {
			continue
		}
		out = append(out, c)
	}
	return out
}
