// Persistent session storage. Grounded on the teacher's
// daemon/manager/persistence.go SQLite-backed store: typed columns for the
// fields recovery needs to query by (status), with the full record
// round-tripped as a JSON blob rather than teacher's per-field columns,
// since a session's segment list is variable-length and segment order
// matters more than column-level querying. Schema generalized from the
// teacher's single `transfer_sessions` table to the `sessions` table
// spec.md §6's persistent-state layout names.
package session

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"
)

// Store persists Record snapshots, queryable by status for crash
// recovery.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// OpenStore opens (creating if necessary) the SQLite-backed session store
// at path.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("session: open store: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite is not safe for concurrent writers

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	const schema = `
		CREATE TABLE IF NOT EXISTS sessions (
			session_id TEXT PRIMARY KEY,
			status     TEXT NOT NULL,
			record     TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
	`
	_, err := s.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("session: init schema: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// Save upserts rec, keyed by its SessionID.
func (s *Store) Save(rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	blob, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("session: marshal record: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO sessions (session_id, status, record, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET status=excluded.status, record=excluded.record, updated_at=excluded.updated_at`,
		sessionIDHex(rec.SessionID), string(rec.Status), string(blob), rec.UpdatedAtMs,
	)
	if err != nil {
		return fmt.Errorf("session: save record: %w", err)
	}
	return nil
}

// ErrNotFound is returned when no record exists for a given session id.
var ErrNotFound = fmt.Errorf("session: record not found")

// Load retrieves the record for sessionID.
func (s *Store) Load(sessionID [16]byte) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var blob string
	err := s.db.QueryRow(`SELECT record FROM sessions WHERE session_id = ?`, sessionIDHex(sessionID)).Scan(&blob)
	if err == sql.ErrNoRows {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("session: load record: %w", err)
	}
	var rec Record
	if err := json.Unmarshal([]byte(blob), &rec); err != nil {
		return Record{}, fmt.Errorf("session: unmarshal record: %w", err)
	}
	return rec, nil
}

// ListByStatus returns every record currently in one of the given statuses,
// used by crash recovery to find sessions that were active or ending when
// the process last exited.
func (s *Store) ListByStatus(statuses ...Status) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	placeholders := ""
	args := make([]interface{}, len(statuses))
	for i, st := range statuses {
		if i > 0 {
			placeholders += ","
		}
		placeholders += "?"
		args[i] = string(st)
	}

	rows, err := s.db.Query(`SELECT record FROM sessions WHERE status IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("session: list by status: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var blob string
		if err := rows.Scan(&blob); err != nil {
			return nil, fmt.Errorf("session: scan record: %w", err)
		}
		var rec Record
		if err := json.Unmarshal([]byte(blob), &rec); err != nil {
			return nil, fmt.Errorf("session: unmarshal record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
