package diag

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"
)

// ErrRunNotFound indicates the requested run has no records.
var ErrRunNotFound = errors.New("run not found")

// SQLiteSink stores records in a SQLite database, one row per record. The
// payload column holds the record's CBOR encoding.
type SQLiteSink struct {
	db     *sql.DB
	dbPath string
	mu     sync.Mutex
	insert *sql.Stmt
}

// OpenSQLiteSink opens (or creates) a journal database.
func OpenSQLiteSink(dbPath string) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Set busy timeout for concurrent access
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS records (
		run     TEXT NOT NULL,
		seq     INTEGER NOT NULL,
		at      INTEGER NOT NULL,
		kind    TEXT NOT NULL,
		payload BLOB NOT NULL,
		PRIMARY KEY (run, seq)
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating table: %w", err)
	}

	insert, err := db.Prepare("INSERT OR REPLACE INTO records (run, seq, at, kind, payload) VALUES (?, ?, ?, ?, ?)")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("preparing insert: %w", err)
	}
	return &SQLiteSink{db: db, dbPath: dbPath, insert: insert}, nil
}

// Path returns the database file.
func (s *SQLiteSink) Path() string { return s.dbPath }

func (s *SQLiteSink) Write(r *Record) error {
	data, err := MarshalRecord(r)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.insert.Exec(r.Run, int64(r.Seq), r.Time, r.Kind.String(), data); err != nil {
		return fmt.Errorf("saving record %d: %w", r.Seq, err)
	}
	return nil
}

// Runs lists the run ids in the database, oldest first.
func (s *SQLiteSink) Runs() ([]string, error) {
	rows, err := s.db.Query("SELECT run FROM records GROUP BY run ORDER BY MIN(at)")
	if err != nil {
		return nil, fmt.Errorf("querying runs: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var run string
		if err := rows.Scan(&run); err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

// Records returns the records of a run in sequence order, optionally
// restricted to one kind (zero selects every kind).
func (s *SQLiteSink) Records(run string, kind Kind) ([]*Record, error) {
	query := "SELECT payload FROM records WHERE run = ? ORDER BY seq"
	args := []any{run}
	if kind != 0 {
		query = "SELECT payload FROM records WHERE run = ? AND kind = ? ORDER BY seq"
		args = append(args, kind.String())
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying records: %w", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		r, err := UnmarshalRecord(data)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 && kind == 0 {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, run)
	}
	return out, nil
}

// Close closes the database connection.
func (s *SQLiteSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := errors.Join(s.insert.Close(), s.db.Close())
	s.db = nil
	return err
}
