// Package storage implements the reload cycle journal: one record per
// instance per cycle, kept in memory, SQLite or PostgreSQL.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/zot/hotmonkey/internal/config"
)

// ErrNotFound is returned by Load for an unknown record.
var ErrNotFound = errors.New("journal record not found")

// CycleRecord is what one reload cycle did to one instance.
type CycleRecord struct {
	ID        string    `json:"id"`
	Cycle     string    `json:"cycle"`
	Instance  string    `json:"instance"`
	Time      time.Time `json:"time"`
	Decision  string    `json:"decision"`
	Reason    string    `json:"reason,omitempty"`
	Modules   []string  `json:"modules,omitempty"`
	Drained   []string  `json:"drained,omitempty"`
	Callbacks int       `json:"callbacks"`
	Ran       []string  `json:"ran,omitempty"`
	Attached  []string  `json:"attached,omitempty"`
	Dropped   bool      `json:"dropped,omitempty"`
	Errors    []string  `json:"errors,omitempty"`
}

// NewRecord creates a record with a fresh identifier.
func NewRecord(cycle, instance string) *CycleRecord {
	return &CycleRecord{
		ID:       uuid.NewString(),
		Cycle:    cycle,
		Instance: instance,
		Time:     time.Now().UTC(),
	}
}

// details holds the list fields stored as one JSON column.
type details struct {
	Modules  []string `json:"modules,omitempty"`
	Drained  []string `json:"drained,omitempty"`
	Ran      []string `json:"ran,omitempty"`
	Attached []string `json:"attached,omitempty"`
	Errors   []string `json:"errors,omitempty"`
}

func (r *CycleRecord) detailsJSON() string {
	data, err := json.Marshal(details{r.Modules, r.Drained, r.Ran, r.Attached, r.Errors})
	if err != nil {
		return "{}"
	}
	return string(data)
}

func (r *CycleRecord) setDetails(s string) {
	var d details
	if s == "" || json.Unmarshal([]byte(s), &d) != nil {
		return
	}
	r.Modules, r.Drained, r.Ran, r.Attached, r.Errors = d.Modules, d.Drained, d.Ran, d.Attached, d.Errors
}

// Backend defines the interface for journal backends.
type Backend interface {
	// Store appends a record.
	Store(r *CycleRecord) error

	// Load retrieves a record by id.
	Load(id string) (*CycleRecord, error)

	// List returns up to limit records, newest first. An empty instance lists
	// every instance; limit <= 0 means no limit.
	List(instance string, limit int) ([]*CycleRecord, error)

	// Clear removes all records.
	Clear() error

	// BeginTransaction starts an atomic operation.
	BeginTransaction() (Transaction, error)

	// Close closes the backend.
	Close() error
}

// Transaction groups the records of one cycle.
type Transaction interface {
	// Store appends a record within the transaction.
	Store(r *CycleRecord) error

	// Commit completes the transaction.
	Commit() error

	// Rollback cancels the transaction.
	Rollback() error
}

// Journal types.
const (
	TypeMemory   = "memory"
	TypeSQLite   = "sqlite"
	TypePostgres = "postgresql"
)

// Open creates the backend selected by cfg.
func Open(cfg config.JournalConfig) (Backend, error) {
	switch cfg.Type {
	case "", TypeMemory:
		return NewMemoryStorage(), nil
	case TypeSQLite:
		return NewSQLiteStorage(cfg.Path)
	case TypePostgres, "postgres":
		return NewPostgresStorage(cfg.URL)
	}
	return nil, fmt.Errorf("unknown journal type %q", cfg.Type)
}

// StoreAll writes records in one transaction.
func StoreAll(b Backend, records []*CycleRecord) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := b.BeginTransaction()
	if err != nil {
		return err
	}
	for _, r := range records {
		if err := tx.Store(r); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}
