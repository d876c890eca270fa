package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"vaultpay/internal/disburse"
)

// PostgresStore persists disbursements in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ disburse.Store = (*PostgresStore)(nil)

const createTablesSQL = `
CREATE TABLE IF NOT EXISTS disbursements (
    idempotency_key TEXT PRIMARY KEY,
    id UUID NOT NULL,
    request_hash TEXT NOT NULL,
    kind TEXT NOT NULL,
    from_user_id TEXT NOT NULL DEFAULT '',
    to_wallet TEXT NOT NULL,
    gross_lamports BIGINT NOT NULL,
    net_lamports BIGINT NOT NULL,
    fee_lamports BIGINT NOT NULL,
    metadata JSONB NOT NULL DEFAULT '{}',
    status TEXT NOT NULL,
    signature TEXT NOT NULL DEFAULT '',
    last_valid_block_height BIGINT NOT NULL DEFAULT 0,
    failure_reason TEXT NOT NULL DEFAULT '',
    attempts INT NOT NULL DEFAULT 1,
    recorded BOOLEAN NOT NULL DEFAULT FALSE,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL,
    confirmed_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS disbursements_status_updated ON disbursements (status, updated_at);
CREATE TABLE IF NOT EXISTS tips (
    idempotency_key TEXT PRIMARY KEY REFERENCES disbursements (idempotency_key),
    disbursement_id UUID NOT NULL,
    from_user_id TEXT NOT NULL DEFAULT '',
    to_wallet TEXT NOT NULL,
    video_id TEXT NOT NULL DEFAULT '',
    amount_lamports BIGINT NOT NULL,
    fee_lamports BIGINT NOT NULL,
    signature TEXT NOT NULL,
    status TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS bookings (
    idempotency_key TEXT PRIMARY KEY REFERENCES disbursements (idempotency_key),
    disbursement_id UUID NOT NULL,
    from_user_id TEXT NOT NULL,
    artist_wallet TEXT NOT NULL,
    video_id TEXT NOT NULL DEFAULT '',
    booking_date TEXT NOT NULL DEFAULT '',
    booking_time TEXT NOT NULL DEFAULT '',
    notes TEXT NOT NULL DEFAULT '',
    budget_lamports BIGINT NOT NULL,
    fee_lamports BIGINT NOT NULL,
    signature TEXT NOT NULL,
    status TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS adoptions (
    idempotency_key TEXT PRIMARY KEY REFERENCES disbursements (idempotency_key),
    disbursement_id UUID NOT NULL,
    from_user_id TEXT NOT NULL,
    artist_wallet TEXT NOT NULL,
    video_id TEXT NOT NULL DEFAULT '',
    tier TEXT NOT NULL,
    recurring BOOLEAN NOT NULL DEFAULT FALSE,
    message TEXT NOT NULL DEFAULT '',
    amount_lamports BIGINT NOT NULL,
    fee_lamports BIGINT NOT NULL,
    signature TEXT NOT NULL,
    status TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// NewPostgresStore connects to Postgres using the DSN and ensures the tables exist.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is empty")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	if _, err := pool.Exec(ctx, createTablesSQL); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func (p *PostgresStore) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

const pgColumns = `idempotency_key, id::text, request_hash, kind, from_user_id, to_wallet,
    gross_lamports, net_lamports, fee_lamports, metadata, status, signature,
    last_valid_block_height, failure_reason, attempts, recorded, created_at, updated_at, confirmed_at`

func scanPostgres(row pgx.Row) (*disburse.Disbursement, error) {
	var (
		d                    disburse.Disbursement
		kind, status         string
		gross, net, fee      int64
		lastValid            int64
		metadata             []byte
		createdAt, updatedAt time.Time
		confirmedAt          *time.Time
	)
	err := row.Scan(&d.IdempotencyKey, &d.ID, &d.RequestHash, &kind, &d.FromUserID, &d.ToWallet,
		&gross, &net, &fee, &metadata, &status, &d.Signature,
		&lastValid, &d.FailureReason, &d.Attempts, &d.Recorded, &createdAt, &updatedAt, &confirmedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(metadata, &d.Metadata); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	d.Kind = disburse.Kind(kind)
	d.Status = disburse.Status(status)
	d.GrossLamports, d.NetLamports, d.FeeLamports = uint64(gross), uint64(net), uint64(fee)
	d.LastValidBlockHeight = uint64(lastValid)
	d.CreatedAt = createdAt.UTC()
	d.UpdatedAt = updatedAt.UTC()
	if confirmedAt != nil {
		at := confirmedAt.UTC()
		d.ConfirmedAt = &at
	}
	return &d, nil
}

func (p *PostgresStore) FindByIdempotencyKey(ctx context.Context, key string) (*disburse.Disbursement, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+pgColumns+` FROM disbursements WHERE idempotency_key = $1`, key)
	d, err := scanPostgres(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return d, nil
}

func (p *PostgresStore) Create(ctx context.Context, d disburse.Disbursement) error {
	metadata, err := json.Marshal(d.Metadata)
	if err != nil {
		return err
	}
	_, err = p.pool.Exec(ctx, `
INSERT INTO disbursements (idempotency_key, id, request_hash, kind, from_user_id, to_wallet,
    gross_lamports, net_lamports, fee_lamports, metadata, status, signature,
    last_valid_block_height, failure_reason, attempts, recorded, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
`, d.IdempotencyKey, d.ID, d.RequestHash, string(d.Kind), d.FromUserID, d.ToWallet,
		int64(d.GrossLamports), int64(d.NetLamports), int64(d.FeeLamports), metadata, string(d.Status), d.Signature,
		int64(d.LastValidBlockHeight), d.FailureReason, d.Attempts, d.Recorded, d.CreatedAt, d.UpdatedAt)
	if isUniqueViolation(err) {
		return disburse.ErrDuplicateKey
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (p *PostgresStore) TransitionStatus(ctx context.Context, key string, from, to disburse.Status, u disburse.StatusUpdate) error {
	var confirmedAt *time.Time
	if to == disburse.StatusConfirmed {
		at := u.At
		confirmedAt = &at
	}
	attempt := 0
	if u.Attempt {
		attempt = 1
	}
	reset := to == disburse.StatusPending
	tag, err := p.pool.Exec(ctx, `
UPDATE disbursements
SET status = $1,
    updated_at = $2,
    failure_reason = $3,
    attempts = attempts + $4,
    confirmed_at = COALESCE($5, confirmed_at),
    signature = CASE WHEN $6 THEN '' ELSE signature END,
    last_valid_block_height = CASE WHEN $6 THEN 0 ELSE last_valid_block_height END,
    recorded = CASE WHEN $6 THEN FALSE ELSE recorded END
WHERE idempotency_key = $7 AND status = $8
`, string(to), u.At, u.FailureReason, attempt, confirmedAt, reset, key, string(from))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return p.missingOr(ctx, key, disburse.ErrStaleStatus)
	}
	return nil
}

func (p *PostgresStore) AttachSignature(ctx context.Context, key, signature string, lastValid uint64) error {
	tag, err := p.pool.Exec(ctx, `
UPDATE disbursements
SET signature = $1, last_valid_block_height = $2, updated_at = now()
WHERE idempotency_key = $3 AND status = $4 AND signature = ''
`, signature, int64(lastValid), key, string(disburse.StatusPending))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return p.missingOr(ctx, key, disburse.ErrStaleStatus)
	}
	return nil
}

func (p *PostgresStore) ListByStatus(ctx context.Context, status disburse.Status, olderThan time.Time, limit int) ([]disburse.Disbursement, error) {
	return p.query(ctx, `SELECT `+pgColumns+` FROM disbursements
WHERE status = $1 AND updated_at < $2 ORDER BY updated_at LIMIT $3`, string(status), olderThan, limit)
}

func (p *PostgresStore) ListUnrecorded(ctx context.Context, limit int) ([]disburse.Disbursement, error) {
	return p.query(ctx, `SELECT `+pgColumns+` FROM disbursements
WHERE status = $1 AND NOT recorded ORDER BY updated_at LIMIT $2`, string(disburse.StatusConfirmed), limit)
}

func (p *PostgresStore) query(ctx context.Context, q string, args ...any) ([]disburse.Disbursement, error) {
	rows, err := p.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []disburse.Disbursement
	for rows.Next() {
		d, err := scanPostgres(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

// SavePaymentRecord upserts the tip, booking or adoption row. Amount columns
// hold the gross amount; the recipient got that minus fee_lamports.
func (p *PostgresStore) SavePaymentRecord(ctx context.Context, d disburse.Disbursement) error {
	var err error
	switch d.Kind {
	case disburse.KindTip:
		_, err = p.pool.Exec(ctx, `
INSERT INTO tips (idempotency_key, disbursement_id, from_user_id, to_wallet, video_id,
    amount_lamports, fee_lamports, signature, status)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (idempotency_key) DO UPDATE
SET signature = EXCLUDED.signature,
    status = EXCLUDED.status,
    updated_at = now()
`, d.IdempotencyKey, d.ID, d.FromUserID, d.ToWallet, d.Metadata.VideoID,
			int64(d.GrossLamports), int64(d.FeeLamports), d.Signature, string(d.Status))
	case disburse.KindBooking:
		var b disburse.Booking
		if d.Metadata.Booking != nil {
			b = *d.Metadata.Booking
		}
		_, err = p.pool.Exec(ctx, `
INSERT INTO bookings (idempotency_key, disbursement_id, from_user_id, artist_wallet, video_id,
    booking_date, booking_time, notes, budget_lamports, fee_lamports, signature, status)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
ON CONFLICT (idempotency_key) DO UPDATE
SET signature = EXCLUDED.signature,
    status = EXCLUDED.status,
    updated_at = now()
`, d.IdempotencyKey, d.ID, d.FromUserID, d.ToWallet, d.Metadata.VideoID,
			b.Date, b.Time, b.Notes, int64(d.GrossLamports), int64(d.FeeLamports), d.Signature, string(d.Status))
	case disburse.KindAdoption:
		var a disburse.Adoption
		if d.Metadata.Adoption != nil {
			a = *d.Metadata.Adoption
		}
		_, err = p.pool.Exec(ctx, `
INSERT INTO adoptions (idempotency_key, disbursement_id, from_user_id, artist_wallet, video_id,
    tier, recurring, message, amount_lamports, fee_lamports, signature, status)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
ON CONFLICT (idempotency_key) DO UPDATE
SET signature = EXCLUDED.signature,
    status = EXCLUDED.status,
    updated_at = now()
`, d.IdempotencyKey, d.ID, d.FromUserID, d.ToWallet, d.Metadata.VideoID,
			a.Tier, a.Recurring, a.Message, int64(d.GrossLamports), int64(d.FeeLamports), d.Signature, string(d.Status))
	default:
		return fmt.Errorf("unknown payment kind %q", d.Kind)
	}
	return err
}

func (p *PostgresStore) MarkRecorded(ctx context.Context, key string) error {
	tag, err := p.pool.Exec(ctx, `UPDATE disbursements SET recorded = TRUE WHERE idempotency_key = $1`, key)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return disburse.ErrNotFound
	}
	return nil
}

func (p *PostgresStore) missingOr(ctx context.Context, key string, err error) error {
	var one int
	scanErr := p.pool.QueryRow(ctx, `SELECT 1 FROM disbursements WHERE idempotency_key = $1`, key).Scan(&one)
	if errors.Is(scanErr, pgx.ErrNoRows) {
		return disburse.ErrNotFound
	}
	if scanErr != nil {
		return scanErr
	}
	return err
}
