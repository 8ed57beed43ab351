// Package journal persists every submitted contract transaction so waits
// abandoned by a timeout or a restart can be reconciled with the chain.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"songcoin/auction"
)

// Status is the settlement state of a journaled transaction.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
)

// ErrNotFound is returned when no entry matches a transaction hash.
var ErrNotFound = errors.New("journal: entry not found")

// Entry is one journaled transaction.
type Entry struct {
	ID          string       `json:"id"`
	Flow        string       `json:"flow"`
	Step        auction.Step `json:"step"`
	TxHash      common.Hash  `json:"tx_hash"`
	Detail      string       `json:"detail,omitempty"`
	Status      Status       `json:"status"`
	Error       string       `json:"error,omitempty"`
	SubmittedAt time.Time    `json:"submitted_at"`
	SettledAt   *time.Time   `json:"settled_at,omitempty"`
}

// Store is a SQLite backed journal.
type Store struct {
	db     *sql.DB
	now    func() time.Time
	logger *slog.Logger
}

// Open opens or creates the journal at path. ":memory:" keeps it in memory.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// A single connection keeps writes ordered and in-memory databases shared.
	db.SetMaxOpenConns(1)
	store := &Store{db: db, now: time.Now, logger: slog.Default()}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) init() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS transactions (
            id TEXT PRIMARY KEY,
            flow TEXT NOT NULL,
            step TEXT NOT NULL,
            tx_hash TEXT NOT NULL UNIQUE,
            detail TEXT,
            status TEXT NOT NULL,
            error TEXT,
            submitted_at INTEGER NOT NULL,
            settled_at INTEGER
        );`,
		`CREATE INDEX IF NOT EXISTS transactions_status ON transactions(status);`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SetLogger overrides the logger used by the Recorder methods.
func (s *Store) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// Record inserts a pending entry for tx and returns its id.
func (s *Store) Record(ctx context.Context, flow string, step auction.Step, tx common.Hash, detail string) (string, error) {
	id := uuid.NewString()
	const stmt = `INSERT INTO transactions (id, flow, step, tx_hash, detail, status, submitted_at) VALUES (?, ?, ?, ?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, stmt, id, flow, string(step), tx.Hex(), detail, string(StatusPending), s.now().UnixMilli()); err != nil {
		return "", fmt.Errorf("journal: record %s: %w", tx.Hex(), err)
	}
	return id, nil
}

// Settle marks tx confirmed, or failed when cause is non-nil.
func (s *Store) Settle(ctx context.Context, tx common.Hash, cause error) error {
	status := StatusConfirmed
	var message sql.NullString
	if cause != nil {
		status = StatusFailed
		message = sql.NullString{String: cause.Error(), Valid: true}
	}
	const stmt = `UPDATE transactions SET status = ?, error = ?, settled_at = ? WHERE tx_hash = ?`
	res, err := s.db.ExecContext(ctx, stmt, string(status), message, s.now().UnixMilli(), tx.Hex())
	if err != nil {
		return fmt.Errorf("journal: settle %s: %w", tx.Hex(), err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Submitted implements txflow.Recorder. Journal failures are logged and do
// not interrupt the workflow.
func (s *Store) Submitted(ctx context.Context, flow string, step auction.Step, tx common.Hash, detail string) {
	if _, err := s.Record(ctx, flow, step, tx, detail); err != nil {
		s.logger.Warn("journal record failed", "tx", tx.Hex(), "error", err)
	}
}

// Settled implements txflow.Recorder.
func (s *Store) Settled(ctx context.Context, tx common.Hash, cause error) {
	if err := s.Settle(ctx, tx, cause); err != nil {
		s.logger.Warn("journal settle failed", "tx", tx.Hex(), "error", err)
	}
}

// Get returns the entry for tx.
func (s *Store) Get(ctx context.Context, tx common.Hash) (Entry, error) {
	rows, err := s.query(ctx, `WHERE tx_hash = ?`, tx.Hex())
	if err != nil {
		return Entry{}, err
	}
	if len(rows) == 0 {
		return Entry{}, ErrNotFound
	}
	return rows[0], nil
}

// Pending lists entries still waiting for settlement, oldest first.
func (s *Store) Pending(ctx context.Context) ([]Entry, error) {
	return s.query(ctx, `WHERE status = ? ORDER BY submitted_at ASC, rowid ASC`, string(StatusPending))
}

// Recent lists the latest entries, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.query(ctx, `ORDER BY submitted_at DESC, rowid DESC LIMIT ?`, limit)
}

func (s *Store) query(ctx context.Context, clause string, args ...any) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, flow, step, tx_hash, detail, status, error, submitted_at, settled_at FROM transactions `+clause, args...)
	if err != nil {
		return nil, fmt.Errorf("journal: query: %w", err)
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		var (
			entry     Entry
			step      string
			hash      string
			status    string
			detail    sql.NullString
			message   sql.NullString
			submitted int64
			settled   sql.NullInt64
		)
		if err := rows.Scan(&entry.ID, &entry.Flow, &step, &hash, &detail, &status, &message, &submitted, &settled); err != nil {
			return nil, err
		}
		entry.Step = auction.Step(step)
		entry.TxHash = common.HexToHash(hash)
		entry.Detail = detail.String
		entry.Status = Status(status)
		entry.Error = message.String
		entry.SubmittedAt = time.UnixMilli(submitted)
		if settled.Valid {
			at := time.UnixMilli(settled.Int64)
			entry.SettledAt = &at
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}
