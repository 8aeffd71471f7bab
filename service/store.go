package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/AnTengye/contractbill/config"
)

var ErrNotFound = errors.New("not found")

// Kind names a family of stored entities.
type Kind string

const (
	KindContract  Kind = "contract"
	KindWorkEvent Kind = "work_event"
	KindInvoice   Kind = "invoice"
	KindApproval  Kind = "approval"
	KindAudit     Kind = "audit"
)

// Store persists opaque JSON records keyed by kind and id. List returns
// records in first-insert order.
type Store interface {
	Put(ctx context.Context, kind Kind, id string, record []byte) (prior []byte, err error)
	Get(ctx context.Context, kind Kind, id string) ([]byte, error)
	List(ctx context.Context, kind Kind) ([][]byte, error)
	Delete(ctx context.Context, kind Kind, id string) error
	Close() error
}

// NewStore opens the backend named by cfg.Driver.
func NewStore(ctx context.Context, cfg *config.StoreConfig) (Store, error) {
	switch cfg.Driver {
	case "", "memory":
		return NewMemoryStore(cfg.MaxRecords), nil
	case "sqlite":
		return OpenSQLiteStore(ctx, cfg.SQLitePath)
	case "redis":
		return NewRedisStore(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

type memRecord struct {
	data []byte
	seq  uint64
}

// MemoryStore keeps records in process. With maxRecords > 0 the oldest
// records of a kind are dropped once the kind grows past the limit; audit
// records are never evicted.
type MemoryStore struct {
	mu         sync.RWMutex
	kinds      map[Kind]map[string]memRecord
	seq        uint64
	maxRecords int
}

func NewMemoryStore(maxRecords int) *MemoryStore {
	if maxRecords < 0 {
		maxRecords = 0
	}
	slog.Info("memory store initialized", "max_records", maxRecords)
	return &MemoryStore{
		kinds:      make(map[Kind]map[string]memRecord),
		maxRecords: maxRecords,
	}
}

func (s *MemoryStore) Put(_ context.Context, kind Kind, id string, record []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.kinds[kind]
	if !ok {
		m = make(map[string]memRecord)
		s.kinds[kind] = m
	}
	data := append([]byte(nil), record...)

	prior, exists := m[id]
	if exists {
		m[id] = memRecord{data: data, seq: prior.seq}
		return prior.data, nil
	}
	s.seq++
	m[id] = memRecord{data: data, seq: s.seq}
	s.cleanupIfNeeded(kind, m)
	return nil, nil
}

func (s *MemoryStore) Get(_ context.Context, kind Kind, id string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.kinds[kind][id]
	if !ok {
		return nil, fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	return append([]byte(nil), rec.data...), nil
}

func (s *MemoryStore) List(_ context.Context, kind Kind) ([][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	recs := s.sorted(s.kinds[kind])
	out := make([][]byte, len(recs))
	for i, rec := range recs {
		out[i] = append([]byte(nil), rec.data...)
	}
	return out, nil
}

func (s *MemoryStore) Delete(_ context.Context, kind Kind, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.kinds[kind][id]; !ok {
		return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	delete(s.kinds[kind], id)
	return nil
}

func (s *MemoryStore) Close() error { return nil }

// Count returns the number of records of a kind.
func (s *MemoryStore) Count(kind Kind) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.kinds[kind])
}

type keyed struct {
	id string
	memRecord
}

func (s *MemoryStore) sorted(m map[string]memRecord) []keyed {
	recs := make([]keyed, 0, len(m))
	for id, rec := range m {
		recs = append(recs, keyed{id: id, memRecord: rec})
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].seq < recs[j].seq })
	return recs
}

// cleanupIfNeeded must be called with the lock held.
func (s *MemoryStore) cleanupIfNeeded(kind Kind, m map[string]memRecord) {
	if s.maxRecords <= 0 || kind == KindAudit || len(m) <= s.maxRecords {
		return
	}
	recs := s.sorted(m)
	for _, rec := range recs[:len(recs)-s.maxRecords] {
		slog.Info("auto-cleaning old record", "kind", kind, "id", rec.id)
		delete(m, rec.id)
	}
}
