package auditlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/vadiminshakov/sentinel/internal/domain"
)

// fixed width so timestamps compare as strings
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS audit_entries (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	id         TEXT NOT NULL UNIQUE,
	ts         TEXT NOT NULL,
	action     TEXT NOT NULL,
	from_mode  TEXT NOT NULL,
	to_mode    TEXT NOT NULL,
	reason     TEXT NOT NULL,
	pnl        TEXT NOT NULL,
	positions  INTEGER NOT NULL,
	result     TEXT NOT NULL,
	payload    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_entries_ts ON audit_entries(ts);
`

// SQLiteStore keeps audit entries in a queryable SQLite journal.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and creates if needed) the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("sqlite path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "create sqlite directory")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "apply audit schema")
	}

	return &SQLiteStore{db: db}, nil
}

// Name identifies the store in logs.
func (s *SQLiteStore) Name() string { return "sqlite" }

// Write inserts the entry. Writing the same entry twice is a no-op.
func (s *SQLiteStore) Write(entry domain.AuditEntry) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return errors.Wrap(err, "marshal audit entry")
	}

	_, err = s.db.Exec(`INSERT OR IGNORE INTO audit_entries
		(id, ts, action, from_mode, to_mode, reason, pnl, positions, result, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID,
		entry.Timestamp.UTC().Format(sqliteTimeLayout),
		string(entry.Action),
		entry.From.String(),
		entry.To.String(),
		entry.Reason,
		entry.PnL.String(),
		len(entry.Positions),
		entry.Result(),
		string(payload),
	)
	return errors.Wrap(err, "insert audit entry")
}

// Since returns entries with a timestamp at or after since, oldest first.
func (s *SQLiteStore) Since(ctx context.Context, since time.Time) ([]domain.AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM audit_entries WHERE ts >= ? ORDER BY seq`,
		since.UTC().Format(sqliteTimeLayout))
	if err != nil {
		return nil, errors.Wrap(err, "query audit entries")
	}
	defer rows.Close()

	var entries []domain.AuditEntry
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, errors.Wrap(err, "scan audit entry")
		}
		var entry domain.AuditEntry
		if err := json.Unmarshal([]byte(payload), &entry); err != nil {
			return nil, errors.Wrap(err, "decode audit entry")
		}
		entries = append(entries, entry)
	}
	return entries, errors.Wrap(rows.Err(), "iterate audit entries")
}

// CountByAction returns how many entries of each action were stored since the given time.
func (s *SQLiteStore) CountByAction(ctx context.Context, since time.Time) (map[domain.AuditAction]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT action, COUNT(*) FROM audit_entries WHERE ts >= ? GROUP BY action`,
		since.UTC().Format(sqliteTimeLayout))
	if err != nil {
		return nil, errors.Wrap(err, "count audit entries")
	}
	defer rows.Close()

	counts := make(map[domain.AuditAction]int)
	for rows.Next() {
		var (
			action string
			n      int
		)
		if err := rows.Scan(&action, &n); err != nil {
			return nil, errors.Wrap(err, "scan audit count")
		}
		counts[domain.AuditAction(action)] = n
	}
	return counts, errors.Wrap(rows.Err(), "iterate audit counts")
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
