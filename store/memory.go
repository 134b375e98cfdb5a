package store

import (
	"context"
	stderrors "errors"
	"sync"

	"github.com/bitflowhq/bitflow-core/errors"
)

// ErrNotFound is wrapped by Get when a document does not exist.
var ErrNotFound = stderrors.New("document not found")

// Memory is an in-memory Store implementation.
type Memory struct {
	mu     sync.RWMutex
	tables map[string]map[string][]byte
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{tables: make(map[string]map[string][]byte)}
}

// Put creates or replaces the document id in table.
func (m *Memory) Put(_ context.Context, table, id string, doc []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tables[table]
	if !ok {
		t = make(map[string][]byte)
		m.tables[table] = t
	}
	cp := make([]byte, len(doc))
	copy(cp, doc)
	t[id] = cp
	return nil
}

// Get returns the document id from table.
func (m *Memory) Get(_ context.Context, table, id string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	doc, ok := m.tables[table][id]
	if !ok {
		return nil, errors.Wrap(ErrNotFound, errors.KindStorageError, "store", "Get", table+"/"+id)
	}
	cp := make([]byte, len(doc))
	copy(cp, doc)
	return cp, nil
}

// Delete removes the document id from table.
func (m *Memory) Delete(_ context.Context, table, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.tables[table], id)
	return nil
}

// List returns all documents in a table keyed by id.
func (m *Memory) List(_ context.Context, table string) (map[string][]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string][]byte, len(m.tables[table]))
	for id, doc := range m.tables[table] {
		cp := make([]byte, len(doc))
		copy(cp, doc)
		out[id] = cp
	}
	return out, nil
}
