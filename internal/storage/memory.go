package storage

import (
	"fmt"
	"slices"
	"sync"
)

// MemoryStorage is an in-memory journal.
type MemoryStorage struct {
	records []*CycleRecord
	byID    map[string]*CycleRecord
	mu      sync.RWMutex
}

// NewMemoryStorage creates a new in-memory journal.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{byID: make(map[string]*CycleRecord)}
}

// Store appends a copy of r.
func (m *MemoryStorage) Store(r *CycleRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.storeLocked(r)
	return nil
}

func (m *MemoryStorage) storeLocked(r *CycleRecord) {
	c := copyRecord(r)
	if old, ok := m.byID[c.ID]; ok {
		i := slices.Index(m.records, old)
		m.records[i] = c
	} else {
		m.records = append(m.records, c)
	}
	m.byID[c.ID] = c
}

// Load retrieves a record from memory.
func (m *MemoryStorage) Load(id string) (*CycleRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.byID[id]
	if !ok {
		return nil, fmt.Errorf("record %s: %w", id, ErrNotFound)
	}
	return copyRecord(r), nil
}

// List returns the newest records first.
func (m *MemoryStorage) List(instance string, limit int) ([]*CycleRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*CycleRecord
	for i := len(m.records) - 1; i >= 0; i-- {
		r := m.records[i]
		if instance != "" && r.Instance != instance {
			continue
		}
		out = append(out, copyRecord(r))
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// Clear removes all records.
func (m *MemoryStorage) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = nil
	m.byID = make(map[string]*CycleRecord)
	return nil
}

// BeginTransaction starts an atomic operation.
func (m *MemoryStorage) BeginTransaction() (Transaction, error) {
	return &memoryTransaction{storage: m}, nil
}

// Close is a no-op for memory storage.
func (m *MemoryStorage) Close() error {
	return nil
}

func copyRecord(r *CycleRecord) *CycleRecord {
	c := *r
	c.Modules = slices.Clone(r.Modules)
	c.Drained = slices.Clone(r.Drained)
	c.Ran = slices.Clone(r.Ran)
	c.Attached = slices.Clone(r.Attached)
	c.Errors = slices.Clone(r.Errors)
	return &c
}

// memoryTransaction buffers records until Commit.
type memoryTransaction struct {
	storage *MemoryStorage
	pending []*CycleRecord
	done    bool
}

// Store buffers a record.
func (tx *memoryTransaction) Store(r *CycleRecord) error {
	if tx.done {
		return fmt.Errorf("transaction already completed")
	}
	tx.pending = append(tx.pending, copyRecord(r))
	return nil
}

// Commit applies all buffered records.
func (tx *memoryTransaction) Commit() error {
	if tx.done {
		return fmt.Errorf("transaction already completed")
	}
	tx.done = true
	tx.storage.mu.Lock()
	defer tx.storage.mu.Unlock()
	for _, r := range tx.pending {
		tx.storage.storeLocked(r)
	}
	return nil
}

// Rollback discards all buffered records.
func (tx *memoryTransaction) Rollback() error {
	if tx.done {
		return fmt.Errorf("transaction already completed")
	}
	tx.done = true
	tx.pending = nil
	return nil
}
