package service

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"github.com/AnTengye/contractbill/extract"
	"github.com/AnTengye/contractbill/model"
	"github.com/AnTengye/contractbill/pkg/logger"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrInvalidCSV   = errors.New("invalid work event csv")
	ErrInvalidEvent = errors.New("invalid work event")
)

// maxImportErrors caps the row errors returned from one import.
const maxImportErrors = 10

var csvRequired = []string{"date", "description", "units"}

// EventInput is a single work event submitted by a user.
type EventInput struct {
	ID          string
	Date        time.Time
	Description string
	Quantity    decimal.Decimal
	UnitType    string
	Amount      *decimal.Decimal
	ExternalRef string
}

// EventFilter narrows a work event listing. Zero values match everything.
type EventFilter struct {
	Start        *time.Time
	End          *time.Time
	UnbilledOnly bool
}

func (f EventFilter) keep(e *model.WorkEvent) bool {
	if f.Start != nil && e.Date.Before(*f.Start) {
		return false
	}
	if f.End != nil && e.Date.After(*f.End) {
		return false
	}
	return !f.UnbilledOnly || !e.Billed()
}

// ImportResult summarises a CSV import.
type ImportResult struct {
	ContractID string   `json:"contract_id"`
	Imported   int      `json:"events_uploaded"`
	Failed     int      `json:"events_failed"`
	Errors     []string `json:"errors"`
}

type WorkEventService struct {
	repo  *Repository
	audit AuditSink
	now   func() time.Time
}

func NewWorkEventService(repo *Repository, audit AuditSink) *WorkEventService {
	return &WorkEventService{repo: repo, audit: audit, now: time.Now}
}

// Import reads a CSV of work events for a contract. Bad rows are reported
// and skipped; the remaining rows are saved.
func (s *WorkEventService) Import(ctx context.Context, actor Actor, contractID, filename string, r io.Reader) (*ImportResult, error) {
	if _, err := visibleContract(ctx, s.repo, actor, contractID); err != nil {
		return nil, err
	}

	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err == io.EOF {
		return nil, fmt.Errorf("%w: empty file", ErrInvalidCSV)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCSV, err)
	}
	cols := make(map[string]int, len(header))
	for i, h := range header {
		h = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
		cols[h] = i
	}
	for _, name := range csvRequired {
		if _, ok := cols[name]; !ok {
			return nil, fmt.Errorf("%w: missing column %q", ErrInvalidCSV, name)
		}
	}

	now := s.now().UTC()
	result := &ImportResult{ContractID: contractID, Errors: []string{}}
	var events []*model.WorkEvent

	// Row numbers count the header as row 1.
	for row := 2; ; row++ {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			result.addError(fmt.Sprintf("Row %d: %v", row, err))
			continue
		}
		field := func(name string) string {
			i, ok := cols[name]
			if !ok || i >= len(record) {
				return ""
			}
			return strings.TrimSpace(record[i])
		}

		in, err := parseEventRow(field)
		if err != nil {
			result.addError(fmt.Sprintf("Row %d: %v", row, err))
			continue
		}
		if in.ID == "" {
			in.ID = fmt.Sprintf("we_%s_%d", contractID, row)
		}
		ev := newWorkEvent(contractID, in, actor.ID, now)
		if err := ev.Validate(); err != nil {
			result.addError(fmt.Sprintf("Row %d: %v", row, err))
			continue
		}
		events = append(events, ev)
	}

	s.repo.billing.Lock()
	defer s.repo.billing.Unlock()
	for _, ev := range events {
		if prior, err := s.repo.Event(ctx, ev.ID); err == nil {
			if prior.ContractID != contractID {
				result.addError(fmt.Sprintf("Event %s: belongs to contract %s", ev.ID, prior.ContractID))
				continue
			}
			if prior.Billed() {
				result.addError(fmt.Sprintf("Event %s: %v", ev.ID, model.ErrEventBilled))
				continue
			}
		}
		if err := s.repo.SaveEvent(ctx, ev); err != nil {
			return nil, err
		}
		result.Imported++
	}

	s.audit.Record(ctx, AuditEvent{
		Kind:       AuditEventsImported,
		EntityType: "work_events",
		EntityID:   contractID,
		Actor:      actor.ID,
		Payload: map[string]any{
			"filename":     filename,
			"events_count": result.Imported,
			"errors_count": result.Failed,
		},
	})
	logger.Info(ctx, "work events imported",
		"contract_id", contractID,
		"imported", result.Imported,
		"failed", result.Failed,
	)
	return result, nil
}

func (r *ImportResult) addError(msg string) {
	r.Failed++
	if len(r.Errors) < maxImportErrors {
		r.Errors = append(r.Errors, msg)
	}
}

func parseEventRow(field func(string) string) (EventInput, error) {
	var in EventInput
	date, err := extract.ParseDate(field("date"))
	if err != nil {
		return in, fmt.Errorf("invalid date %q", field("date"))
	}
	units, err := decimal.NewFromString(field("units"))
	if err != nil {
		return in, fmt.Errorf("invalid units %q", field("units"))
	}
	in = EventInput{
		ID:          field("event_id"),
		Date:        date,
		Description: field("description"),
		Quantity:    units,
		UnitType:    field("unit_type"),
		ExternalRef: field("external_ref"),
	}
	if raw := field("amount"); raw != "" {
		amount, err := decimal.NewFromString(raw)
		if err != nil {
			return in, fmt.Errorf("invalid amount %q", raw)
		}
		in.Amount = &amount
	}
	return in, nil
}

func newWorkEvent(contractID string, in EventInput, uploadedBy string, at time.Time) *model.WorkEvent {
	unit := in.UnitType
	if unit == "" {
		unit = "unit"
	}
	return &model.WorkEvent{
		ID:          in.ID,
		ContractID:  contractID,
		Date:        in.Date,
		Description: in.Description,
		Quantity:    in.Quantity,
		UnitType:    unit,
		Amount:      in.Amount,
		ExternalRef: in.ExternalRef,
		UploadedBy:  uploadedBy,
		UploadedAt:  at,
	}
}

// Create adds a single work event.
func (s *WorkEventService) Create(ctx context.Context, actor Actor, contractID string, in EventInput) (*model.WorkEvent, error) {
	if _, err := visibleContract(ctx, s.repo, actor, contractID); err != nil {
		return nil, err
	}
	if strings.TrimSpace(in.Description) == "" {
		return nil, fmt.Errorf("%w: description is required", ErrInvalidEvent)
	}
	if in.Date.IsZero() {
		return nil, fmt.Errorf("%w: date is required", ErrInvalidEvent)
	}
	s.repo.billing.Lock()
	defer s.repo.billing.Unlock()
	if in.ID == "" {
		in.ID = "we_" + uuid.NewString()
	} else if _, err := s.repo.Event(ctx, in.ID); err == nil {
		return nil, fmt.Errorf("%w: event %s already exists", ErrInvalidEvent, in.ID)
	}

	ev := newWorkEvent(contractID, in, actor.ID, s.now().UTC())
	if err := ev.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if err := s.repo.SaveEvent(ctx, ev); err != nil {
		return nil, err
	}
	s.audit.Record(ctx, AuditEvent{
		Kind:       AuditEventsImported,
		EntityType: "work_event",
		EntityID:   ev.ID,
		Actor:      actor.ID,
		Payload:    map[string]any{"contract_id": contractID, "events_count": 1},
	})
	return ev, nil
}

// List returns a contract's work events in date order.
func (s *WorkEventService) List(ctx context.Context, actor Actor, contractID string, f EventFilter) ([]*model.WorkEvent, error) {
	if _, err := visibleContract(ctx, s.repo, actor, contractID); err != nil {
		return nil, err
	}
	events, err := s.repo.Events(ctx, func(e *model.WorkEvent) bool {
		return e.ContractID == contractID && f.keep(e)
	})
	if err != nil {
		return nil, err
	}
	sortEvents(events)
	return events, nil
}

// Get returns one work event.
func (s *WorkEventService) Get(ctx context.Context, actor Actor, id string) (*model.WorkEvent, error) {
	ev, err := s.repo.Event(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := visibleContract(ctx, s.repo, actor, ev.ContractID); err != nil {
		return nil, fmt.Errorf("work_event %s: %w", id, ErrNotFound)
	}
	return ev, nil
}

// Update patches an event that no approved invoice references yet.
func (s *WorkEventService) Update(ctx context.Context, actor Actor, id string, patch model.WorkEventPatch) (*model.WorkEvent, error) {
	s.repo.billing.Lock()
	defer s.repo.billing.Unlock()
	ev, err := s.Get(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	updated, err := patch.Apply(*ev, s.now().UTC())
	if err != nil {
		if errors.Is(err, model.ErrEventBilled) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if err := s.repo.SaveEvent(ctx, &updated); err != nil {
		return nil, err
	}
	s.audit.Record(ctx, AuditEvent{
		Kind:       AuditEventUpdated,
		EntityType: "work_event",
		EntityID:   id,
		Actor:      actor.ID,
		Payload:    map[string]any{"patch": patch},
	})
	return &updated, nil
}

// Delete removes an event that no approved invoice references yet.
func (s *WorkEventService) Delete(ctx context.Context, actor Actor, id string) error {
	s.repo.billing.Lock()
	defer s.repo.billing.Unlock()
	ev, err := s.Get(ctx, actor, id)
	if err != nil {
		return err
	}
	if ev.Billed() {
		return fmt.Errorf("work event %s: %w", id, model.ErrEventBilled)
	}
	if err := s.repo.DeleteEvent(ctx, id); err != nil {
		return err
	}
	s.audit.Record(ctx, AuditEvent{
		Kind:       AuditEventDeleted,
		EntityType: "work_event",
		EntityID:   id,
		Actor:      actor.ID,
		Payload:    map[string]any{"contract_id": ev.ContractID},
	})
	return nil
}

func sortEvents(events []*model.WorkEvent) {
	slices.SortStableFunc(events, func(a, b *model.WorkEvent) int {
		return a.Date.Compare(b.Date)
	})
}
