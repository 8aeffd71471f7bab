package extract

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/AnTengye/contractbill/model"
	"golang.org/x/text/unicode/norm"
)

const (
	// RegexConfidence is the fixed confidence of pattern-sourced clauses.
	RegexConfidence = 0.75
	// ContextChars is how much surrounding text is kept on each side of a match.
	ContextChars = 50
	// MaxLLMChars bounds how much contract text is sent to an LLM backend.
	MaxLLMChars = 15000
)

// Source records which stage produced a clause set.
type Source string

const (
	SourceRegex Source = "regex"
	SourceLLM   Source = "llm"
)

// Extractor turns contract text into clauses. The zero LLM configuration is
// valid: the pattern library is always available.
type Extractor struct {
	lib        *Library
	backend    Backend
	llmTimeout time.Duration
	maxChars   int
}

type Option func(*Extractor)

// WithBackend injects an optional LLM backend.
func WithBackend(b Backend) Option {
	return func(e *Extractor) { e.backend = b }
}

// WithLLMTimeout bounds each backend call.
func WithLLMTimeout(d time.Duration) Option {
	return func(e *Extractor) { e.llmTimeout = d }
}

// WithLibrary swaps the pattern library, mostly for tests.
func WithLibrary(lib *Library) Option {
	return func(e *Extractor) { e.lib = lib }
}

func NewExtractor(opts ...Option) *Extractor {
	e := &Extractor{
		lib:        DefaultLibrary(),
		llmTimeout: 60 * time.Second,
		maxChars:   MaxLLMChars,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Clauses runs the LLM stage when configured and the pattern stage otherwise.
// The pattern stage is the last stage and cannot fail.
func (e *Extractor) Clauses(ctx context.Context, text string) ([]model.Clause, Source) {
	text = normalize(text)

	if e.backend != nil {
		outcome := e.callBackend(ctx, text)
		if outcome.Available() {
			return outcome.Clauses, SourceLLM
		}
		slog.Warn("llm extraction unavailable, using pattern library", "reason", outcome.Reason)
	}
	return e.lib.ExtractClauses(text), SourceRegex
}

// callBackend returns once the backend answers or ctx ends, whichever comes
// first. A backend that ignores ctx is abandoned, not waited for.
func (e *Extractor) callBackend(ctx context.Context, text string) LLMOutcome {
	if e.llmTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.llmTimeout)
		defer cancel()
	}

	done := make(chan LLMOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- Unavailable(fmt.Sprintf("backend panic: %v", r))
			}
		}()
		done <- e.backend.Extract(ctx, truncateRunes(text, e.maxChars))
	}()

	var outcome LLMOutcome
	select {
	case outcome = <-done:
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Unavailable("timeout")
		}
		return Unavailable(ctx.Err().Error())
	}
	if !outcome.Available() {
		return outcome
	}
	clauses := sanitize(outcome.Clauses)
	if len(clauses) == 0 {
		return Unavailable("backend returned no usable clauses")
	}
	return Extracted(clauses)
}

// ExtractClauses applies every recognizer in catalog order. Overlapping
// matches from different patterns are all kept.
func (l *Library) ExtractClauses(text string) []model.Clause {
	var clauses []model.Clause
	for _, rule := range l.clauses {
		for _, loc := range rule.re.FindAllStringSubmatchIndex(text, -1) {
			groups := submatches(text, loc)
			value, unit := valueAndUnit(rule.typ, groups)
			clauses = append(clauses, model.Clause{
				ID:            fmt.Sprintf("c%d", len(clauses)+1),
				Type:          rule.typ,
				Description:   fmt.Sprintf("Extracted %s: %s %s", rule.typ, value, unit),
				ExtractedText: excerpt(text, loc[0], loc[1], ContextChars),
				Value:         value,
				Unit:          unit,
				Confidence:    model.Conf(RegexConfidence),
			})
		}
	}
	return clauses
}

func valueAndUnit(t model.ClauseType, groups []string) (string, string) {
	first := func() string {
		if len(groups) == 0 {
			return ""
		}
		return groups[0]
	}
	switch t {
	case model.ClauseRateCard:
		unit := "unit"
		if len(groups) > 1 && groups[1] != "" {
			unit = strings.ToLower(groups[1])
		}
		return stripThousands(first()), unit
	case model.ClauseMilestonePayment:
		if len(groups) == 0 {
			return "", "fixed"
		}
		return stripThousands(groups[len(groups)-1]), "fixed"
	case model.ClauseFixedFee:
		return stripThousands(first()), "fixed"
	case model.ClausePaymentTerms:
		if v := first(); v != "" {
			return v, "days"
		}
		return "30", "days"
	case model.ClausePenalty, model.ClauseDiscount:
		return first(), "percent"
	}
	return first(), "unit"
}

func submatches(text string, loc []int) []string {
	var groups []string
	for i := 2; i+1 < len(loc); i += 2 {
		if loc[i] < 0 {
			groups = append(groups, "")
			continue
		}
		groups = append(groups, text[loc[i]:loc[i+1]])
	}
	return groups
}

func stripThousands(s string) string {
	return strings.ReplaceAll(s, ",", "")
}

// excerpt returns the match plus up to n runes on each side, trimmed.
func excerpt(text string, start, end, n int) string {
	for i := 0; i < n && start > 0; i++ {
		_, size := utf8.DecodeLastRuneInString(text[:start])
		start -= size
	}
	for i := 0; i < n && end < len(text); i++ {
		_, size := utf8.DecodeRuneInString(text[end:])
		end += size
	}
	return strings.TrimSpace(text[start:end])
}

func truncateRunes(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}

// normalize folds compatibility forms (full-width digits, ligatures, non-breaking
// spaces) so the recognizers see canonical text.
func normalize(s string) string {
	return norm.NFKC.String(s)
}
