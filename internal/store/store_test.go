package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"vaultpay/internal/disburse"
)

func sample(key string, kind disburse.Kind, at time.Time) disburse.Disbursement {
	d := disburse.Disbursement{
		ID:             uuid.NewString(),
		IdempotencyKey: key,
		RequestHash:    "hash-" + key,
		Kind:           kind,
		FromUserID:     "user-1",
		ToWallet:       "9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin",
		GrossLamports:  2_500_000_000,
		NetLamports:    2_375_000_000,
		FeeLamports:    125_000_000,
		Metadata:       disburse.Metadata{VideoID: "vid-7"},
		Status:         disburse.StatusPending,
		Attempts:       1,
		CreatedAt:      at,
		UpdatedAt:      at,
	}
	switch kind {
	case disburse.KindBooking:
		d.Metadata.Booking = &disburse.Booking{Date: "2026-11-02", Time: "19:30", Notes: "two sets"}
	case disburse.KindAdoption:
		d.Metadata.Adoption = &disburse.Adoption{Tier: "gold", Recurring: true, Message: "keep going"}
	}
	return d
}

// exerciseStore runs the lifecycle every implementation must honour.
func exerciseStore(t *testing.T, s disburse.Store) {
	t.Helper()
	ctx := context.Background()
	prefix := uuid.NewString()[:8] + "-"
	old := time.Now().Add(-time.Hour).UTC().Truncate(time.Millisecond)

	got, err := s.FindByIdempotencyKey(ctx, prefix+"missing")
	require.NoError(t, err)
	require.Nil(t, got)

	tip := sample(prefix+"tip", disburse.KindTip, old)
	require.NoError(t, s.Create(ctx, tip))
	require.ErrorIs(t, s.Create(ctx, tip), disburse.ErrDuplicateKey)

	got, err = s.FindByIdempotencyKey(ctx, tip.IdempotencyKey)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, tip.NetLamports, got.NetLamports)
	require.Equal(t, "vid-7", got.Metadata.VideoID)
	require.Equal(t, disburse.StatusPending, got.Status)

	// signature is attached once, only while pending
	require.NoError(t, s.AttachSignature(ctx, tip.IdempotencyKey, "sig-1", 420))
	require.ErrorIs(t, s.AttachSignature(ctx, tip.IdempotencyKey, "sig-2", 421), disburse.ErrStaleStatus)
	require.ErrorIs(t, s.AttachSignature(ctx, prefix+"missing", "sig", 1), disburse.ErrNotFound)

	// compare-and-set transitions
	require.NoError(t, s.TransitionStatus(ctx, tip.IdempotencyKey, disburse.StatusPending, disburse.StatusSubmitted, disburse.StatusUpdate{At: old}))
	require.ErrorIs(t, s.TransitionStatus(ctx, tip.IdempotencyKey, disburse.StatusPending, disburse.StatusFailed, disburse.StatusUpdate{At: old}), disburse.ErrStaleStatus)
	require.ErrorIs(t, s.TransitionStatus(ctx, prefix+"missing", disburse.StatusPending, disburse.StatusFailed, disburse.StatusUpdate{At: old}), disburse.ErrNotFound)

	submitted, err := s.ListByStatus(ctx, disburse.StatusSubmitted, time.Now(), 100)
	require.NoError(t, err)
	require.True(t, containsKey(submitted, tip.IdempotencyKey))
	recent, err := s.ListByStatus(ctx, disburse.StatusSubmitted, old.Add(-time.Minute), 100)
	require.NoError(t, err)
	require.False(t, containsKey(recent, tip.IdempotencyKey))

	confirmedAt := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, s.TransitionStatus(ctx, tip.IdempotencyKey, disburse.StatusSubmitted, disburse.StatusConfirmed, disburse.StatusUpdate{At: confirmedAt}))
	got, err = s.FindByIdempotencyKey(ctx, tip.IdempotencyKey)
	require.NoError(t, err)
	require.Equal(t, disburse.StatusConfirmed, got.Status)
	require.Equal(t, "sig-1", got.Signature)
	require.Equal(t, uint64(420), got.LastValidBlockHeight)
	require.NotNil(t, got.ConfirmedAt)
	require.False(t, got.Recorded)

	unrecorded, err := s.ListUnrecorded(ctx, 100)
	require.NoError(t, err)
	require.True(t, containsKey(unrecorded, tip.IdempotencyKey))

	require.NoError(t, s.SavePaymentRecord(ctx, *got))
	// upsert is idempotent
	require.NoError(t, s.SavePaymentRecord(ctx, *got))
	require.NoError(t, s.MarkRecorded(ctx, tip.IdempotencyKey))
	unrecorded, err = s.ListUnrecorded(ctx, 100)
	require.NoError(t, err)
	require.False(t, containsKey(unrecorded, tip.IdempotencyKey))

	// a failed row is re-armed with its signature cleared
	booking := sample(prefix+"booking", disburse.KindBooking, old)
	require.NoError(t, s.Create(ctx, booking))
	require.NoError(t, s.AttachSignature(ctx, booking.IdempotencyKey, "sig-b", 10))
	require.NoError(t, s.TransitionStatus(ctx, booking.IdempotencyKey, disburse.StatusPending, disburse.StatusFailed, disburse.StatusUpdate{At: old, FailureReason: "rejected"}))
	got, err = s.FindByIdempotencyKey(ctx, booking.IdempotencyKey)
	require.NoError(t, err)
	require.Equal(t, "rejected", got.FailureReason)
	require.NoError(t, s.SavePaymentRecord(ctx, *got))

	require.NoError(t, s.TransitionStatus(ctx, booking.IdempotencyKey, disburse.StatusFailed, disburse.StatusPending, disburse.StatusUpdate{At: old, Attempt: true}))
	got, err = s.FindByIdempotencyKey(ctx, booking.IdempotencyKey)
	require.NoError(t, err)
	require.Equal(t, disburse.StatusPending, got.Status)
	require.Empty(t, got.Signature)
	require.Empty(t, got.FailureReason)
	require.Equal(t, 2, got.Attempts)
	require.Nil(t, got.Metadata.Adoption)
	require.Equal(t, "19:30", got.Metadata.Booking.Time)

	adoption := sample(prefix+"adoption", disburse.KindAdoption, old)
	require.NoError(t, s.Create(ctx, adoption))
	require.NoError(t, s.SavePaymentRecord(ctx, adoption))
}

func containsKey(rows []disburse.Disbursement, key string) bool {
	for _, d := range rows {
		if d.IdempotencyKey == key {
			return true
		}
	}
	return false
}

func TestMemoryStore(t *testing.T) {
	s := NewMemoryStore()
	exerciseStore(t, s)

	rec, ok := s.PaymentRecord(disburse.KindTip, "missing")
	require.False(t, ok)
	require.Empty(t, rec.IdempotencyKey)
}

func TestSQLiteStorePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "vaultpay.db")
	s, err := NewSQLiteStore(path)
	require.NoError(t, err)
	exerciseStore(t, s)

	ctx := context.Background()
	d := sample("reopen", disburse.KindTip, time.Now().UTC())
	require.NoError(t, s.Create(ctx, d))
	require.NoError(t, s.Close())

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected database on disk: %v", err)
	}

	s2, err := NewSQLiteStore(path)
	require.NoError(t, err)
	defer s2.Close()
	got, err := s2.FindByIdempotencyKey(ctx, "reopen")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, d.ID, got.ID)
	require.NoError(t, s2.Ping(ctx))
}

func TestSQLiteStoreRecordsGrossAmounts(t *testing.T) {
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "records.db"))
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	queries := map[disburse.Kind]string{
		disburse.KindTip:      `SELECT amount_lamports, fee_lamports FROM tips WHERE idempotency_key = ?`,
		disburse.KindBooking:  `SELECT budget_lamports, fee_lamports FROM bookings WHERE idempotency_key = ?`,
		disburse.KindAdoption: `SELECT amount_lamports, fee_lamports FROM adoptions WHERE idempotency_key = ?`,
	}
	for kind, q := range queries {
		d := sample("gross-"+string(kind), kind, time.Now().UTC())
		require.NoError(t, s.Create(ctx, d))
		require.NoError(t, s.SavePaymentRecord(ctx, d))

		var amount, fee int64
		require.NoError(t, s.db.QueryRowContext(ctx, q, d.IdempotencyKey).Scan(&amount, &fee), kind)
		require.EqualValues(t, d.GrossLamports, amount, kind)
		require.EqualValues(t, d.FeeLamports, fee, kind)
	}
}

func TestSQLiteStorePropagatesDriverErrors(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()

	for range sqliteSchema {
		mock.ExpectExec(".*").WillReturnResult(sqlmock.NewResult(0, 0))
	}
	s, err := newSQLiteStore(db)
	require.NoError(t, err)

	boom := errors.New("disk I/O error")
	mock.ExpectExec("UPDATE disbursements").WillReturnError(boom)
	err = s.TransitionStatus(context.Background(), "k", disburse.StatusSubmitted, disburse.StatusConfirmed, disburse.StatusUpdate{At: time.Now()})
	require.ErrorIs(t, err, boom)

	mock.ExpectExec("INSERT INTO disbursements").WillReturnResult(sqlmock.NewResult(0, 0))
	err = s.Create(context.Background(), sample("k", disburse.KindTip, time.Now()))
	require.ErrorIs(t, err, disburse.ErrDuplicateKey)

	mock.ExpectExec("UPDATE disbursements SET recorded").WillReturnResult(sqlmock.NewResult(0, 0))
	require.ErrorIs(t, s.MarkRecorded(context.Background(), "k"), disburse.ErrNotFound)

	require.Error(t, s.SavePaymentRecord(context.Background(), disburse.Disbursement{Kind: "raffle"}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLiteStoreSchemaFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()

	mock.ExpectExec("CREATE TABLE").WillReturnError(errors.New("read-only database"))
	_, err = newSQLiteStore(db)
	require.ErrorContains(t, err, "init sqlite schema")
}

func TestPostgresStoreLifecycle(t *testing.T) {
	dsn := os.Getenv("POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_TEST_DSN not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s, err := NewPostgresStore(ctx, dsn)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	defer s.Close()

	require.NoError(t, s.Ping(ctx))
	exerciseStore(t, s)
}
