package storage

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStorage is a SQLite journal.
type SQLiteStorage struct {
	db *sql.DB
}

// NewSQLiteStorage opens (creating if needed) a SQLite journal at path.
func NewSQLiteStorage(path string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}

	s := &SQLiteStorage{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// init creates the necessary tables.
func (s *SQLiteStorage) init() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS cycles (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			cycle TEXT NOT NULL,
			instance TEXT NOT NULL,
			time TEXT NOT NULL,
			decision TEXT NOT NULL,
			reason TEXT,
			callbacks INTEGER DEFAULT 0,
			dropped INTEGER DEFAULT 0,
			details TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_cycles_instance ON cycles(instance);
	`)
	return err
}

const sqliteInsert = `
	INSERT OR REPLACE INTO cycles (id, cycle, instance, time, decision, reason, callbacks, dropped, details)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
`

func sqliteArgs(r *CycleRecord) []interface{} {
	dropped := 0
	if r.Dropped {
		dropped = 1
	}
	return []interface{}{r.ID, r.Cycle, r.Instance, r.Time.UTC().Format(time.RFC3339Nano),
		r.Decision, r.Reason, r.Callbacks, dropped, r.detailsJSON()}
}

// Store appends a record.
func (s *SQLiteStorage) Store(r *CycleRecord) error {
	_, err := s.db.Exec(sqliteInsert, sqliteArgs(r)...)
	return err
}

const sqliteColumns = `id, cycle, instance, time, decision, reason, callbacks, dropped, details`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSQLite(row scanner) (*CycleRecord, error) {
	var r CycleRecord
	var ts string
	var reason, details sql.NullString
	var dropped int
	if err := row.Scan(&r.ID, &r.Cycle, &r.Instance, &ts, &r.Decision, &reason, &r.Callbacks, &dropped, &details); err != nil {
		return nil, err
	}
	if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
		r.Time = t
	}
	r.Reason = reason.String
	r.Dropped = dropped != 0
	r.setDetails(details.String)
	return &r, nil
}

// Load retrieves a record by id.
func (s *SQLiteStorage) Load(id string) (*CycleRecord, error) {
	r, err := scanSQLite(s.db.QueryRow(`SELECT `+sqliteColumns+` FROM cycles WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("record %s: %w", id, ErrNotFound)
	}
	return r, err
}

// List returns the newest records first.
func (s *SQLiteStorage) List(instance string, limit int) ([]*CycleRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.Query(`
		SELECT `+sqliteColumns+` FROM cycles
		WHERE ? = '' OR instance = ?
		ORDER BY seq DESC LIMIT ?
	`, instance, instance, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*CycleRecord
	for rows.Next() {
		r, err := scanSQLite(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Clear removes all records.
func (s *SQLiteStorage) Clear() error {
	_, err := s.db.Exec("DELETE FROM cycles")
	return err
}

// BeginTransaction starts an atomic operation.
func (s *SQLiteStorage) BeginTransaction() (Transaction, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	return &sqlTransaction{tx: tx, insert: sqliteInsert, args: sqliteArgs}, nil
}

// Close closes the journal.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// sqlTransaction implements Transaction for the SQL journals.
type sqlTransaction struct {
	tx     *sql.Tx
	insert string
	args   func(*CycleRecord) []interface{}
}

// Store appends a record within the transaction.
func (t *sqlTransaction) Store(r *CycleRecord) error {
	_, err := t.tx.Exec(t.insert, t.args(r)...)
	return err
}

// Commit completes the transaction.
func (t *sqlTransaction) Commit() error {
	return t.tx.Commit()
}

// Rollback cancels the transaction.
func (t *sqlTransaction) Rollback() error {
	return t.tx.Rollback()
}
