package extract

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/AnTengye/contractbill/model"
)

// ParseVersion tags every contract produced by this package.
const ParseVersion = "v0.1"

var ErrUnsupportedFileType = errors.New("unsupported file type")

// Document kinds accepted for upload.
const (
	KindPDF      = ".pdf"
	KindDOCX     = ".docx"
	KindText     = ".txt"
	KindMarkdown = ".md"
)

// FileKind returns the lowercased extension of a supported upload.
func FileKind(filename string) (string, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	switch ext {
	case KindPDF, KindDOCX, KindText, KindMarkdown:
		return ext, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedFileType, ext)
}

// IsPlainText reports whether the kind can be read without a document parser.
func IsPlainText(kind string) bool {
	return kind == KindText || kind == KindMarkdown
}

// Assemble extracts everything the pipeline knows about a contract from its
// text and returns base filled in. base supplies identity and upload metadata.
// The result is parsed when at least one clause was found and needs_review
// otherwise; sparse or empty text is never an error.
func (e *Extractor) Assemble(ctx context.Context, base model.Contract, text string) model.Contract {
	text = normalize(text)
	clauses, source := e.Clauses(ctx, text)

	c := base
	c.RawText = text
	c.Parties = e.lib.Parties(text)
	c.Currency = e.lib.Currency(text)
	c.Clauses = clauses
	c.ExtractionSource = string(source)
	c.EffectiveDate = e.lib.EffectiveDate(text)
	c.ExpirationDate = e.lib.ExpirationDate(text)
	c.PaymentTermsDays = e.lib.PaymentTermsDays(text)
	c.ParseVersion = ParseVersion
	c.ErrorMsg = ""
	if len(clauses) > 0 {
		c.Status = model.ContractParsed
	} else {
		c.Status = model.ContractNeedsReview
	}
	return c
}
