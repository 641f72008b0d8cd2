package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/vaultco/cosigncore/internal/domain"
)

type entry struct {
	data     []byte
	revision uint64
}

// MemStore is an in-process Store, the reference implementation used by
// tests and by any non-browser backend that doesn't need durability
// (§9: "a non-browser backend (in-memory store, mock provider) must
// satisfy the same contracts for testing").
type MemStore struct {
	mu            sync.Mutex
	collections   map[Collection]map[string]entry
	transitionLog map[string][]domain.TransitionLogRecord
}

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		collections:   make(map[Collection]map[string]entry),
		transitionLog: make(map[string][]domain.TransitionLogRecord),
	}
}

func (m *MemStore) bucket(c Collection) map[string]entry {
	b, ok := m.collections[c]
	if !ok {
		b = make(map[string]entry)
		m.collections[c] = b
	}
	return b
}

func (m *MemStore) Get(ctx context.Context, collection Collection, key string) ([]byte, uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.bucket(collection)[key]
	if !ok {
		return nil, 0, ErrNotFound
	}
	return e.data, e.revision, nil
}

func (m *MemStore) CompareAndSwap(ctx context.Context, collection Collection, key string, expectedRevision uint64, data []byte) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.bucket(collection)
	current, exists := b[key]
	if exists && current.revision != expectedRevision {
		return 0, ErrRevisionConflict
	}
	if !exists && expectedRevision != 0 {
		return 0, ErrRevisionConflict
	}
	newRevision := expectedRevision + 1
	b[key] = entry{data: data, revision: newRevision}
	return newRevision, nil
}

func (m *MemStore) Delete(ctx context.Context, collection Collection, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.bucket(collection), key)
	return nil
}

func (m *MemStore) Keys(ctx context.Context, collection Collection) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.bucket(collection)))
	for k := range m.bucket(collection) {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *MemStore) AppendTransitionLog(ctx context.Context, flowID string, record domain.TransitionLogRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	log := m.transitionLog[flowID]
	var lastSeq uint64
	if len(log) > 0 {
		lastSeq = log[len(log)-1].EventSeq
	}
	if record.EventSeq != lastSeq+1 {
		return fmt.Errorf("queue: event_seq %d is not contiguous with last recorded %d for flow %s", record.EventSeq, lastSeq, flowID)
	}
	m.transitionLog[flowID] = append(log, record)
	return nil
}

func (m *MemStore) ReadTransitionLog(ctx context.Context, flowID string) ([]domain.TransitionLogRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.TransitionLogRecord, len(m.transitionLog[flowID]))
	copy(out, m.transitionLog[flowID])
	return out, nil
}
