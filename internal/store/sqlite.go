package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"vaultpay/internal/disburse"
)

// SQLiteStore keeps disbursements in a local SQLite file. Suitable for a
// single instance; use PostgresStore when running more than one.
type SQLiteStore struct {
	db *sql.DB
}

var _ disburse.Store = (*SQLiteStore)(nil)

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS disbursements (
		idempotency_key TEXT PRIMARY KEY,
		id TEXT NOT NULL,
		request_hash TEXT NOT NULL,
		kind TEXT NOT NULL,
		from_user_id TEXT NOT NULL DEFAULT '',
		to_wallet TEXT NOT NULL,
		gross_lamports INTEGER NOT NULL,
		net_lamports INTEGER NOT NULL,
		fee_lamports INTEGER NOT NULL,
		metadata TEXT NOT NULL DEFAULT '{}',
		status TEXT NOT NULL,
		signature TEXT NOT NULL DEFAULT '',
		last_valid_block_height INTEGER NOT NULL DEFAULT 0,
		failure_reason TEXT NOT NULL DEFAULT '',
		attempts INTEGER NOT NULL DEFAULT 1,
		recorded INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		confirmed_at INTEGER
	);`,
	`CREATE INDEX IF NOT EXISTS disbursements_status_updated ON disbursements (status, updated_at);`,
	`CREATE TABLE IF NOT EXISTS tips (
		idempotency_key TEXT PRIMARY KEY,
		disbursement_id TEXT NOT NULL,
		from_user_id TEXT NOT NULL DEFAULT '',
		to_wallet TEXT NOT NULL,
		video_id TEXT NOT NULL DEFAULT '',
		amount_lamports INTEGER NOT NULL,
		fee_lamports INTEGER NOT NULL,
		signature TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS bookings (
		idempotency_key TEXT PRIMARY KEY,
		disbursement_id TEXT NOT NULL,
		from_user_id TEXT NOT NULL,
		artist_wallet TEXT NOT NULL,
		video_id TEXT NOT NULL DEFAULT '',
		booking_date TEXT NOT NULL DEFAULT '',
		booking_time TEXT NOT NULL DEFAULT '',
		notes TEXT NOT NULL DEFAULT '',
		budget_lamports INTEGER NOT NULL,
		fee_lamports INTEGER NOT NULL,
		signature TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS adoptions (
		idempotency_key TEXT PRIMARY KEY,
		disbursement_id TEXT NOT NULL,
		from_user_id TEXT NOT NULL,
		artist_wallet TEXT NOT NULL,
		video_id TEXT NOT NULL DEFAULT '',
		tier TEXT NOT NULL,
		recurring INTEGER NOT NULL DEFAULT 0,
		message TEXT NOT NULL DEFAULT '',
		amount_lamports INTEGER NOT NULL,
		fee_lamports INTEGER NOT NULL,
		signature TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);`,
}

// NewSQLiteStore opens path, creating the file and tables when missing.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// one writer at a time; avoids SQLITE_BUSY under concurrent requests
	db.SetMaxOpenConns(1)
	s, err := newSQLiteStore(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func newSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	for _, stmt := range sqliteSchema {
		if _, err := db.Exec(stmt); err != nil {
			return nil, fmt.Errorf("init sqlite schema: %w", err)
		}
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

const sqliteColumns = `idempotency_key, id, request_hash, kind, from_user_id, to_wallet,
	gross_lamports, net_lamports, fee_lamports, metadata, status, signature,
	last_valid_block_height, failure_reason, attempts, recorded, created_at, updated_at, confirmed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLite(row rowScanner) (*disburse.Disbursement, error) {
	var (
		d                disburse.Disbursement
		gross, net, fee  int64
		lastValid        int64
		metadata         string
		recorded         bool
		created, updated int64
		confirmed        sql.NullInt64
	)
	err := row.Scan(&d.IdempotencyKey, &d.ID, &d.RequestHash, &d.Kind, &d.FromUserID, &d.ToWallet,
		&gross, &net, &fee, &metadata, &d.Status, &d.Signature,
		&lastValid, &d.FailureReason, &d.Attempts, &recorded, &created, &updated, &confirmed)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(metadata), &d.Metadata); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	d.GrossLamports, d.NetLamports, d.FeeLamports = uint64(gross), uint64(net), uint64(fee)
	d.LastValidBlockHeight = uint64(lastValid)
	d.Recorded = recorded
	d.CreatedAt = time.Unix(0, created).UTC()
	d.UpdatedAt = time.Unix(0, updated).UTC()
	if confirmed.Valid {
		at := time.Unix(0, confirmed.Int64).UTC()
		d.ConfirmedAt = &at
	}
	return &d, nil
}

func (s *SQLiteStore) FindByIdempotencyKey(ctx context.Context, key string) (*disburse.Disbursement, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteColumns+` FROM disbursements WHERE idempotency_key = ?`, key)
	d, err := scanSQLite(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return d, err
}

func (s *SQLiteStore) Create(ctx context.Context, d disburse.Disbursement) error {
	metadata, err := json.Marshal(d.Metadata)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
INSERT INTO disbursements (`+sqliteColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)
ON CONFLICT (idempotency_key) DO NOTHING`,
		d.IdempotencyKey, d.ID, d.RequestHash, d.Kind, d.FromUserID, d.ToWallet,
		int64(d.GrossLamports), int64(d.NetLamports), int64(d.FeeLamports), string(metadata), d.Status, d.Signature,
		int64(d.LastValidBlockHeight), d.FailureReason, d.Attempts, d.Recorded,
		d.CreatedAt.UnixNano(), d.UpdatedAt.UnixNano())
	if err != nil {
		return err
	}
	return expectOne(res, disburse.ErrDuplicateKey)
}

func (s *SQLiteStore) TransitionStatus(ctx context.Context, key string, from, to disburse.Status, u disburse.StatusUpdate) error {
	var confirmedAt sql.NullInt64
	if to == disburse.StatusConfirmed {
		confirmedAt = sql.NullInt64{Int64: u.At.UnixNano(), Valid: true}
	}
	attempt := 0
	if u.Attempt {
		attempt = 1
	}
	reset := to == disburse.StatusPending
	res, err := s.db.ExecContext(ctx, `
UPDATE disbursements
SET status = ?,
    updated_at = ?,
    failure_reason = ?,
    attempts = attempts + ?,
    confirmed_at = COALESCE(?, confirmed_at),
    signature = CASE WHEN ? THEN '' ELSE signature END,
    last_valid_block_height = CASE WHEN ? THEN 0 ELSE last_valid_block_height END,
    recorded = CASE WHEN ? THEN 0 ELSE recorded END
WHERE idempotency_key = ? AND status = ?`,
		to, u.At.UnixNano(), u.FailureReason, attempt, confirmedAt, reset, reset, reset, key, from)
	if err != nil {
		return err
	}
	if err := expectOne(res, disburse.ErrStaleStatus); err != nil {
		return s.missingOr(ctx, key, err)
	}
	return nil
}

func (s *SQLiteStore) AttachSignature(ctx context.Context, key, signature string, lastValid uint64) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE disbursements
SET signature = ?, last_valid_block_height = ?, updated_at = ?
WHERE idempotency_key = ? AND status = ? AND signature = ''`,
		signature, int64(lastValid), time.Now().UTC().UnixNano(), key, disburse.StatusPending)
	if err != nil {
		return err
	}
	if err := expectOne(res, disburse.ErrStaleStatus); err != nil {
		return s.missingOr(ctx, key, err)
	}
	return nil
}

func (s *SQLiteStore) ListByStatus(ctx context.Context, status disburse.Status, olderThan time.Time, limit int) ([]disburse.Disbursement, error) {
	return s.query(ctx, `SELECT `+sqliteColumns+` FROM disbursements
WHERE status = ? AND updated_at < ? ORDER BY updated_at LIMIT ?`, status, olderThan.UnixNano(), limit)
}

func (s *SQLiteStore) ListUnrecorded(ctx context.Context, limit int) ([]disburse.Disbursement, error) {
	return s.query(ctx, `SELECT `+sqliteColumns+` FROM disbursements
WHERE status = ? AND recorded = 0 ORDER BY updated_at LIMIT ?`, disburse.StatusConfirmed, limit)
}

func (s *SQLiteStore) query(ctx context.Context, q string, args ...any) ([]disburse.Disbursement, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []disburse.Disbursement
	for rows.Next() {
		d, err := scanSQLite(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

// SavePaymentRecord upserts the tip, booking or adoption row. Amount columns
// hold the gross amount; the recipient got that minus fee_lamports.
func (s *SQLiteStore) SavePaymentRecord(ctx context.Context, d disburse.Disbursement) error {
	now := time.Now().UTC().UnixNano()
	var err error
	switch d.Kind {
	case disburse.KindTip:
		_, err = s.db.ExecContext(ctx, `
INSERT INTO tips (idempotency_key, disbursement_id, from_user_id, to_wallet, video_id,
	amount_lamports, fee_lamports, signature, status, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (idempotency_key) DO UPDATE
SET signature = excluded.signature, status = excluded.status, updated_at = excluded.updated_at`,
			d.IdempotencyKey, d.ID, d.FromUserID, d.ToWallet, d.Metadata.VideoID,
			int64(d.GrossLamports), int64(d.FeeLamports), d.Signature, d.Status, now, now)
	case disburse.KindBooking:
		var b disburse.Booking
		if d.Metadata.Booking != nil {
			b = *d.Metadata.Booking
		}
		_, err = s.db.ExecContext(ctx, `
INSERT INTO bookings (idempotency_key, disbursement_id, from_user_id, artist_wallet, video_id,
	booking_date, booking_time, notes, budget_lamports, fee_lamports, signature, status, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (idempotency_key) DO UPDATE
SET signature = excluded.signature, status = excluded.status, updated_at = excluded.updated_at`,
			d.IdempotencyKey, d.ID, d.FromUserID, d.ToWallet, d.Metadata.VideoID,
			b.Date, b.Time, b.Notes, int64(d.GrossLamports), int64(d.FeeLamports), d.Signature, d.Status, now, now)
	case disburse.KindAdoption:
		var a disburse.Adoption
		if d.Metadata.Adoption != nil {
			a = *d.Metadata.Adoption
		}
		_, err = s.db.ExecContext(ctx, `
INSERT INTO adoptions (idempotency_key, disbursement_id, from_user_id, artist_wallet, video_id,
	tier, recurring, message, amount_lamports, fee_lamports, signature, status, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (idempotency_key) DO UPDATE
SET signature = excluded.signature, status = excluded.status, updated_at = excluded.updated_at`,
			d.IdempotencyKey, d.ID, d.FromUserID, d.ToWallet, d.Metadata.VideoID,
			a.Tier, a.Recurring, a.Message, int64(d.GrossLamports), int64(d.FeeLamports), d.Signature, d.Status, now, now)
	default:
		return fmt.Errorf("unknown payment kind %q", d.Kind)
	}
	return err
}

func (s *SQLiteStore) MarkRecorded(ctx context.Context, key string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE disbursements SET recorded = 1 WHERE idempotency_key = ?`, key)
	if err != nil {
		return err
	}
	return expectOne(res, disburse.ErrNotFound)
}

func (s *SQLiteStore) missingOr(ctx context.Context, key string, err error) error {
	var one int
	switch scanErr := s.db.QueryRowContext(ctx, `SELECT 1 FROM disbursements WHERE idempotency_key = ?`, key).Scan(&one); {
	case errors.Is(scanErr, sql.ErrNoRows):
		return disburse.ErrNotFound
	case scanErr != nil:
		return scanErr
	}
	return err
}

func expectOne(res sql.Result, none error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return none
	}
	return nil
}
