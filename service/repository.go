package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/AnTengye/contractbill/model"
)

// Repository gives typed access to the entity kinds on top of any Store.
type Repository struct {
	store Store

	// billing is held from reading an invoice status or event InvoiceID
	// until the change that depends on it is saved.
	billing sync.Mutex
}

func NewRepository(store Store) *Repository {
	return &Repository{store: store}
}

func put[T any](ctx context.Context, s Store, kind Kind, id string, v T) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s %s: %w", kind, id, err)
	}
	_, err = s.Put(ctx, kind, id, data)
	return err
}

func get[T any](ctx context.Context, s Store, kind Kind, id string) (*T, error) {
	data, err := s.Get(ctx, kind, id)
	if err != nil {
		return nil, err
	}
	v := new(T)
	if err := json.Unmarshal(data, v); err != nil {
		return nil, fmt.Errorf("decode %s %s: %w", kind, id, err)
	}
	return v, nil
}

func list[T any](ctx context.Context, s Store, kind Kind, keep func(*T) bool) ([]*T, error) {
	recs, err := s.List(ctx, kind)
	if err != nil {
		return nil, err
	}
	out := make([]*T, 0, len(recs))
	for _, data := range recs {
		v := new(T)
		if err := json.Unmarshal(data, v); err != nil {
			return nil, fmt.Errorf("decode %s: %w", kind, err)
		}
		if keep == nil || keep(v) {
			out = append(out, v)
		}
	}
	return out, nil
}

func (r *Repository) SaveContract(ctx context.Context, c *model.Contract) error {
	return put(ctx, r.store, KindContract, c.ID, c)
}

func (r *Repository) Contract(ctx context.Context, id string) (*model.Contract, error) {
	return get[model.Contract](ctx, r.store, KindContract, id)
}

func (r *Repository) Contracts(ctx context.Context, keep func(*model.Contract) bool) ([]*model.Contract, error) {
	return list(ctx, r.store, KindContract, keep)
}

func (r *Repository) SaveEvent(ctx context.Context, e *model.WorkEvent) error {
	return put(ctx, r.store, KindWorkEvent, e.ID, e)
}

func (r *Repository) Event(ctx context.Context, id string) (*model.WorkEvent, error) {
	return get[model.WorkEvent](ctx, r.store, KindWorkEvent, id)
}

func (r *Repository) Events(ctx context.Context, keep func(*model.WorkEvent) bool) ([]*model.WorkEvent, error) {
	return list(ctx, r.store, KindWorkEvent, keep)
}

func (r *Repository) DeleteEvent(ctx context.Context, id string) error {
	return r.store.Delete(ctx, KindWorkEvent, id)
}

func (r *Repository) SaveInvoice(ctx context.Context, d *model.InvoiceDraft) error {
	return put(ctx, r.store, KindInvoice, d.ID, d)
}

func (r *Repository) Invoice(ctx context.Context, id string) (*model.InvoiceDraft, error) {
	return get[model.InvoiceDraft](ctx, r.store, KindInvoice, id)
}

func (r *Repository) Invoices(ctx context.Context, keep func(*model.InvoiceDraft) bool) ([]*model.InvoiceDraft, error) {
	return list(ctx, r.store, KindInvoice, keep)
}

func (r *Repository) SaveApproval(ctx context.Context, a *model.Approval) error {
	return put(ctx, r.store, KindApproval, a.ID, a)
}

func (r *Repository) Approval(ctx context.Context, id string) (*model.Approval, error) {
	return get[model.Approval](ctx, r.store, KindApproval, id)
}

func (r *Repository) Approvals(ctx context.Context, keep func(*model.Approval) bool) ([]*model.Approval, error) {
	return list(ctx, r.store, KindApproval, keep)
}

func (r *Repository) SaveAudit(ctx context.Context, e *model.AuditEntry) error {
	return put(ctx, r.store, KindAudit, e.ID, e)
}

func (r *Repository) AuditEntries(ctx context.Context, keep func(*model.AuditEntry) bool) ([]*model.AuditEntry, error) {
	return list(ctx, r.store, KindAudit, keep)
}
