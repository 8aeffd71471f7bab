package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/AnTengye/contractbill/extract"
	"github.com/AnTengye/contractbill/model"
	"github.com/AnTengye/contractbill/pkg/logger"
	"github.com/google/uuid"
)

var (
	ErrParseInFlight = errors.New("contract parse already in progress")
	ErrEmptyUpload   = errors.New("upload is empty")

	// errNoSourceText marks a contract with no text to read. It degrades the
	// parse to needs_review instead of failing it.
	errNoSourceText = errors.New("no usable source text")
)

// parseTimeout bounds one background parse, document extraction included.
const parseTimeout = 10 * time.Minute

// Actor is the authenticated caller. An empty Tenant disables tenant scoping.
type Actor struct {
	ID     string
	Name   string
	Tenant string
	Role   string
}

// UploadInput is a contract document or pasted contract text.
type UploadInput struct {
	Filename    string
	ContentType string
	Data        []byte
}

// ContractFilter narrows List; zero values match everything.
type ContractFilter struct {
	Status model.ContractStatus
}

// ContractService owns the contract lifecycle: upload, background parse,
// re-parse, clause correction and archive. At most one parse runs per contract.
type ContractService struct {
	repo      *Repository
	extractor *extract.Extractor
	docs      DocumentStore
	parser    TextExtractor
	audit     AuditSink
	now       func() time.Time

	// mu guards inflight and serializes contract writes made outside the
	// parse worker.
	mu       sync.Mutex
	inflight map[string]bool
	wg       sync.WaitGroup
}

// NewContractService wires the pipeline. docs and parser may be nil: without
// docs nothing is kept beyond the extracted text, and without parser PDF and
// DOCX uploads produce no text and land in needs_review.
func NewContractService(repo *Repository, extractor *extract.Extractor, docs DocumentStore, parser TextExtractor, audit AuditSink) *ContractService {
	return &ContractService{
		repo:      repo,
		extractor: extractor,
		docs:      docs,
		parser:    parser,
		audit:     audit,
		now:       time.Now,
		inflight:  make(map[string]bool),
	}
}

// Upload records the contract as uploaded and starts parsing it in the
// background. The returned contract is the parsing snapshot.
func (s *ContractService) Upload(ctx context.Context, actor Actor, in UploadInput) (*model.Contract, error) {
	kind, err := extract.FileKind(in.Filename)
	if err != nil {
		return nil, err
	}
	if len(in.Data) == 0 {
		return nil, ErrEmptyUpload
	}

	now := s.now()
	c := &model.Contract{
		ID:             "ctr_" + uuid.NewString(),
		SourceFilename: in.Filename,
		UploadedBy:     actor.ID,
		Tenant:         actor.Tenant,
		UploadTime:     now,
		Status:         model.ContractUploaded,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if s.docs != nil {
		key := ObjectKey(actor.Tenant, c.ID, in.Filename)
		if err := s.docs.Upload(ctx, key, bytes.NewReader(in.Data), int64(len(in.Data)), contentTypeFor(kind, in.ContentType)); err != nil {
			return nil, err
		}
		c.ObjectKey = key
	}
	if err := s.repo.SaveContract(ctx, c); err != nil {
		return nil, err
	}

	s.audit.Record(ctx, AuditEvent{
		Kind:       AuditContractUploaded,
		EntityType: string(KindContract),
		EntityID:   c.ID,
		Actor:      actor.ID,
		Payload: map[string]any{
			"source_filename": in.Filename,
			"object_key":      c.ObjectKey,
			"size":            len(in.Data),
		},
	})
	logger.Info(ctx, "contract uploaded", "contract_id", c.ID, "filename", in.Filename, "bytes", len(in.Data))

	return s.startParse(ctx, c.ID, actor, in.Data)
}

// Reparse runs extraction again over the stored source.
func (s *ContractService) Reparse(ctx context.Context, actor Actor, id string) (*model.Contract, error) {
	c, err := s.Get(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	if !c.CanTransition(model.ContractParsing) {
		return nil, fmt.Errorf("contract %s: %w: %s -> %s", c.ID, model.ErrInvalidTransition, c.Status, model.ContractParsing)
	}
	return s.startParse(ctx, c.ID, actor, nil)
}

// startParse moves the stored contract to parsing and hands it to a
// background worker. The returned copy is the parsing snapshot.
func (s *ContractService) startParse(ctx context.Context, id string, actor Actor, data []byte) (*model.Contract, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight[id] {
		return nil, fmt.Errorf("contract %s: %w", id, ErrParseInFlight)
	}

	c, err := s.repo.Contract(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := c.Transition(model.ContractParsing); err != nil {
		return nil, err
	}
	c.UpdatedAt = s.now()
	if err := s.repo.SaveContract(ctx, c); err != nil {
		return nil, err
	}
	s.inflight[id] = true
	snapshot := *c

	bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), parseTimeout)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		defer s.release(id)
		s.parse(bg, c, actor, data)
	}()
	return &snapshot, nil
}

func (s *ContractService) release(id string) {
	s.mu.Lock()
	delete(s.inflight, id)
	s.mu.Unlock()
}

// Wait blocks until every background parse has finished.
func (s *ContractService) Wait() {
	s.wg.Wait()
}

func (s *ContractService) parse(ctx context.Context, c *model.Contract, actor Actor, data []byte) {
	start := s.now()
	defer func() {
		if r := recover(); r != nil {
			logger.Error(ctx, "contract parse panicked", "contract_id", c.ID, "panic", r)
			s.fail(ctx, c, fmt.Sprintf("parse panicked: %v", r))
		}
	}()

	text, err := s.sourceText(ctx, c, data)
	switch {
	case errors.Is(err, errNoSourceText):
		logger.Warn(ctx, "contract text unavailable", "contract_id", c.ID, "error", err)
		text = ""
	case err != nil:
		logger.Error(ctx, "contract text extraction failed", "contract_id", c.ID, "error", err)
		s.fail(ctx, c, err.Error())
		return
	}

	parsed := s.extractor.Assemble(ctx, *c, text)
	parsed.UpdatedAt = s.now()
	if err := s.repo.SaveContract(ctx, &parsed); err != nil {
		logger.Error(ctx, "failed to save parsed contract", "contract_id", c.ID, "error", err)
		s.fail(ctx, c, err.Error())
		return
	}

	conf := meanClauseConfidence(parsed.Clauses)
	s.audit.Record(ctx, AuditEvent{
		Kind:       AuditContractParsed,
		EntityType: string(KindContract),
		EntityID:   parsed.ID,
		Actor:      actor.ID,
		Payload: map[string]any{
			"status":            parsed.Status,
			"clause_count":      len(parsed.Clauses),
			"extraction_source": parsed.ExtractionSource,
			"parse_version":     parsed.ParseVersion,
		},
		Confidence:     conf,
		Explainability: fmt.Sprintf("Extracted %d clause(s) via %s.", len(parsed.Clauses), parsed.ExtractionSource),
	})
	logger.Info(ctx, "contract parsed",
		"contract_id", parsed.ID,
		"status", parsed.Status,
		"clauses", len(parsed.Clauses),
		"source", parsed.ExtractionSource,
		"duration_ms", s.now().Sub(start).Milliseconds(),
	)
}

// fail records a failed parse. The clauses from the last good parse are kept.
func (s *ContractService) fail(ctx context.Context, c *model.Contract, msg string) {
	failed := *c
	failed.Status = model.ContractFailed
	failed.ErrorMsg = msg
	failed.UpdatedAt = s.now()
	if err := s.repo.SaveContract(ctx, &failed); err != nil {
		logger.Error(ctx, "failed to record parse failure", "contract_id", c.ID, "error", err)
	}
}

// sourceText resolves the text to parse: fresh upload bytes first, then the
// stored text of a plain-text contract, then the stored document.
func (s *ContractService) sourceText(ctx context.Context, c *model.Contract, data []byte) (string, error) {
	kind, err := extract.FileKind(c.SourceFilename)
	if err != nil {
		return "", err
	}
	if extract.IsPlainText(kind) {
		switch {
		case data != nil:
			return decodeText(data)
		case c.RawText != "":
			return c.RawText, nil
		case s.docs != nil && c.ObjectKey != "":
			stored, err := s.docs.Download(ctx, c.ObjectKey)
			if err != nil {
				return "", err
			}
			return decodeText(stored)
		}
		return "", fmt.Errorf("contract %s: %w: nothing stored", c.ID, errNoSourceText)
	}

	if s.parser == nil || s.docs == nil || c.ObjectKey == "" {
		return "", fmt.Errorf("contract %s: %w: document extraction is not configured", c.ID, errNoSourceText)
	}
	url, err := s.docs.PresignedURL(ctx, c.ObjectKey)
	if err != nil {
		return "", err
	}
	return s.parser.ExtractText(ctx, url, c.ID)
}

func decodeText(data []byte) (string, error) {
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	if !utf8.Valid(data) {
		return "", fmt.Errorf("%w: text is not valid UTF-8", errNoSourceText)
	}
	return string(data), nil
}

func contentTypeFor(kind, given string) string {
	if given != "" && given != "application/octet-stream" {
		return given
	}
	switch kind {
	case extract.KindPDF:
		return "application/pdf"
	case extract.KindDOCX:
		return "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	case extract.KindMarkdown:
		return "text/markdown; charset=utf-8"
	default:
		return "text/plain; charset=utf-8"
	}
}

func meanClauseConfidence(clauses []model.Clause) *float64 {
	if len(clauses) == 0 {
		return nil
	}
	sum := 0.0
	for _, c := range clauses {
		sum += c.ConfidenceOr(0)
	}
	return model.Conf(model.RoundConfidence(sum / float64(len(clauses))))
}

// Get returns a contract visible to the actor.
func (s *ContractService) Get(ctx context.Context, actor Actor, id string) (*model.Contract, error) {
	return visibleContract(ctx, s.repo, actor, id)
}

// visibleContract loads a contract, hiding other tenants' contracts as not found.
func visibleContract(ctx context.Context, repo *Repository, actor Actor, id string) (*model.Contract, error) {
	c, err := repo.Contract(ctx, id)
	if err != nil {
		return nil, err
	}
	if actor.Tenant != "" && c.Tenant != actor.Tenant {
		return nil, fmt.Errorf("contract %s: %w", id, ErrNotFound)
	}
	return c, nil
}

func (s *ContractService) List(ctx context.Context, actor Actor, f ContractFilter) ([]*model.Contract, error) {
	return s.repo.Contracts(ctx, func(c *model.Contract) bool {
		return (actor.Tenant == "" || c.Tenant == actor.Tenant) &&
			(f.Status == "" || c.Status == f.Status)
	})
}

// Archive retires a contract. Archived contracts are kept for audit.
func (s *ContractService) Archive(ctx context.Context, actor Actor, id string) (*model.Contract, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight[id] {
		return nil, fmt.Errorf("contract %s: %w", id, ErrParseInFlight)
	}

	c, err := s.Get(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	prev := c.Status
	if err := c.Transition(model.ContractArchived); err != nil {
		return nil, err
	}
	c.UpdatedAt = s.now()
	if err := s.repo.SaveContract(ctx, c); err != nil {
		return nil, err
	}
	s.audit.Record(ctx, AuditEvent{
		Kind:       AuditContractArchived,
		EntityType: string(KindContract),
		EntityID:   id,
		Actor:      actor.ID,
		Payload:    map[string]any{"previous_status": prev},
	})
	return c, nil
}

// CorrectClause supersedes one clause with a reviewer's correction.
func (s *ContractService) CorrectClause(ctx context.Context, actor Actor, id, clauseID string, patch model.ClausePatch) (*model.Contract, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.Get(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	if c.Status == model.ContractArchived || c.Status == model.ContractParsing {
		return nil, fmt.Errorf("contract %s: %w: cannot edit clauses while %s", id, model.ErrInvalidTransition, c.Status)
	}

	prior, _ := c.Clause(clauseID)
	updated, err := c.SupersedeClause(clauseID, patch, actor.ID, s.now())
	if err != nil {
		return nil, err
	}
	if err := s.repo.SaveContract(ctx, c); err != nil {
		return nil, err
	}

	s.audit.Record(ctx, AuditEvent{
		Kind:       AuditClauseCorrected,
		EntityType: string(KindContract),
		EntityID:   id,
		Actor:      actor.ID,
		Payload: map[string]any{
			"clause_id":   clauseID,
			"prior_value": prior.Value,
			"new_value":   updated.Value,
			"prior_type":  prior.Type,
			"new_type":    updated.Type,
		},
		Confidence:     updated.Confidence,
		Explainability: strings.TrimSpace(fmt.Sprintf("Clause %s corrected by %s.", clauseID, actor.ID)),
	})
	logger.Info(ctx, "clause corrected", "contract_id", id, "clause_id", clauseID)
	return c, nil
}
