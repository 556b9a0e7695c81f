// Package ledgerindex follows the ledger event log into a local SQLite
// database and exports payout reports.
package ledgerindex

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	_ "modernc.org/sqlite"

	"workchain/native/escrow"
	"workchain/sdk/rpcclient"
)

const (
	cursorName = "ledger"
	exportName = "export"
)

// Store persists ingested events, derived payouts and the follow cursor.
type Store struct {
	db *sql.DB
}

// OpenStore opens (creating when needed) the SQLite database at path.
// ":memory:" opens a private in-memory database.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}
	store := &Store{db: db}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) init() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS events (
            sequence INTEGER PRIMARY KEY,
            type TEXT NOT NULL,
            height INTEGER NOT NULL,
            tx_hash TEXT,
            job_id INTEGER,
            payload TEXT NOT NULL,
            ingested_at TIMESTAMP NOT NULL
        );`,
		`CREATE INDEX IF NOT EXISTS events_job ON events(job_id, sequence);`,
		`CREATE TABLE IF NOT EXISTS payouts (
            sequence INTEGER PRIMARY KEY,
            job_id INTEGER NOT NULL,
            milestone INTEGER,
            role TEXT NOT NULL,
            recipient TEXT NOT NULL,
            amount TEXT NOT NULL,
            height INTEGER NOT NULL,
            tx_hash TEXT
        );`,
		`CREATE INDEX IF NOT EXISTS payouts_height ON payouts(height);`,
		`CREATE TABLE IF NOT EXISTS event_cursors (
            name TEXT PRIMARY KEY,
            value INTEGER NOT NULL
        );`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("ledgerindex: schema: %w", err)
		}
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Payout is one custody disbursement.
type Payout struct {
	Sequence  uint64
	JobID     uint64
	Milestone *uint64
	Role      string
	Recipient string
	Amount    string
	Height    uint64
	TxHash    string
}

// Cursor returns the sequence the next poll starts from.
func (s *Store) Cursor(ctx context.Context) (uint64, error) {
	return s.cursor(ctx, cursorName)
}

// ExportWatermark returns the last payout sequence included in a written
// report, or zero before the first report.
func (s *Store) ExportWatermark(ctx context.Context) (uint64, error) {
	return s.cursor(ctx, exportName)
}

// SetExportWatermark records seq as exported.
func (s *Store) SetExportWatermark(ctx context.Context, seq uint64) error {
	_, err := s.db.ExecContext(ctx, upsertCursor, exportName, int64(seq))
	return err
}

const upsertCursor = `INSERT INTO event_cursors (name, value) VALUES (?, ?) ON CONFLICT(name) DO UPDATE SET value = excluded.value`

func (s *Store) cursor(ctx context.Context, name string) (uint64, error) {
	const query = `SELECT value FROM event_cursors WHERE name = ?`
	var value int64
	err := s.db.QueryRowContext(ctx, query, name).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return uint64(value), nil
}

// Ingest stores a batch of events and advances the cursor to next in one
// transaction. Events already stored are skipped.
func (s *Store) Ingest(ctx context.Context, records []rpcclient.EventRecord, next uint64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	for _, rec := range records {
		payload, err := json.Marshal(rec.Event)
		if err != nil {
			return fmt.Errorf("ledgerindex: encode event %d: %w", rec.Seq, err)
		}
		jobID := nullableUint(rec.Event.Attributes[escrow.AttributeJobID])
		const insertEvent = `INSERT OR IGNORE INTO events (sequence, type, height, tx_hash, job_id, payload, ingested_at) VALUES (?, ?, ?, ?, ?, ?, ?)`
		if _, err := tx.ExecContext(ctx, insertEvent, int64(rec.Seq), rec.Event.Type, int64(rec.Height), rec.TxHash, jobID, string(payload), now); err != nil {
			return fmt.Errorf("ledgerindex: insert event %d: %w", rec.Seq, err)
		}
		if rec.Event.Type != escrow.EventTypePayout {
			continue
		}
		attrs := rec.Event.Attributes
		const insertPayout = `INSERT OR IGNORE INTO payouts (sequence, job_id, milestone, role, recipient, amount, height, tx_hash) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
		if _, err := tx.ExecContext(ctx, insertPayout, int64(rec.Seq), jobID, nullableUint(attrs[escrow.AttributeMilestone]),
			attrs[escrow.AttributeRole], attrs[escrow.AttributeRecipient], attrs[escrow.AttributeAmount], int64(rec.Height), rec.TxHash); err != nil {
			return fmt.Errorf("ledgerindex: insert payout %d: %w", rec.Seq, err)
		}
	}
	if _, err := tx.ExecContext(ctx, upsertCursor, cursorName, int64(next)); err != nil {
		return err
	}
	return tx.Commit()
}

func nullableUint(raw string) interface{} {
	if raw == "" {
		return nil
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return nil
	}
	return int64(v)
}

// JobEvents returns the stored events of a job in log order.
func (s *Store) JobEvents(ctx context.Context, jobID uint64) ([]rpcclient.EventRecord, error) {
	const query = `SELECT sequence, height, tx_hash, payload FROM events WHERE job_id = ? ORDER BY sequence`
	rows, err := s.db.QueryContext(ctx, query, int64(jobID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []rpcclient.EventRecord
	for rows.Next() {
		var (
			seq, height int64
			txHash      sql.NullString
			payload     string
		)
		if err := rows.Scan(&seq, &height, &txHash, &payload); err != nil {
			return nil, err
		}
		rec := rpcclient.EventRecord{Seq: uint64(seq), Height: uint64(height), TxHash: txHash.String}
		if err := json.Unmarshal([]byte(payload), &rec.Event); err != nil {
			return nil, fmt.Errorf("ledgerindex: decode event %d: %w", seq, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// PayoutFilter selects payouts. Zero fields do not filter.
type PayoutFilter struct {
	JobID         uint64
	FromHeight    uint64
	ToHeight      uint64
	Role          string
	AfterSequence uint64
}

// Payouts returns the payouts matching filter in log order.
func (s *Store) Payouts(ctx context.Context, filter PayoutFilter) ([]Payout, error) {
	query := `SELECT sequence, job_id, milestone, role, recipient, amount, height, tx_hash FROM payouts WHERE 1=1`
	var args []interface{}
	if filter.JobID != 0 {
		query += ` AND job_id = ?`
		args = append(args, int64(filter.JobID))
	}
	if filter.FromHeight != 0 {
		query += ` AND height >= ?`
		args = append(args, int64(filter.FromHeight))
	}
	if filter.ToHeight != 0 {
		query += ` AND height <= ?`
		args = append(args, int64(filter.ToHeight))
	}
	if filter.Role != "" {
		query += ` AND role = ?`
		args = append(args, filter.Role)
	}
	if filter.AfterSequence != 0 {
		query += ` AND sequence > ?`
		args = append(args, int64(filter.AfterSequence))
	}
	query += ` ORDER BY sequence`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Payout
	for rows.Next() {
		var (
			p                  Payout
			seq, jobID, height int64
			milestone          sql.NullInt64
			txHash             sql.NullString
		)
		if err := rows.Scan(&seq, &jobID, &milestone, &p.Role, &p.Recipient, &p.Amount, &height, &txHash); err != nil {
			return nil, err
		}
		p.Sequence, p.JobID, p.Height, p.TxHash = uint64(seq), uint64(jobID), uint64(height), txHash.String
		if milestone.Valid {
			m := uint64(milestone.Int64)
			p.Milestone = &m
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
