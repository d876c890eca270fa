// Package store persists disbursements and their payment records.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"vaultpay/internal/disburse"
)

// MemoryStore is mostly for testing and dry runs.
type MemoryStore struct {
	mu      sync.RWMutex
	data    map[string]disburse.Disbursement
	records map[disburse.Kind]map[string]disburse.Disbursement
}

var _ disburse.Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data:    make(map[string]disburse.Disbursement),
		records: make(map[disburse.Kind]map[string]disburse.Disbursement),
	}
}

func (m *MemoryStore) FindByIdempotencyKey(_ context.Context, key string) (*disburse.Disbursement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.data[key]
	if !ok {
		return nil, nil
	}
	return &d, nil
}

func (m *MemoryStore) Create(_ context.Context, d disburse.Disbursement) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data[d.IdempotencyKey]; ok {
		return disburse.ErrDuplicateKey
	}
	m.data[d.IdempotencyKey] = d
	return nil
}

func (m *MemoryStore) TransitionStatus(_ context.Context, key string, from, to disburse.Status, u disburse.StatusUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.data[key]
	if !ok {
		return disburse.ErrNotFound
	}
	if d.Status != from {
		return disburse.ErrStaleStatus
	}
	d.Status = to
	d.UpdatedAt = u.At
	d.FailureReason = u.FailureReason
	if u.Attempt {
		d.Attempts++
	}
	switch to {
	case disburse.StatusConfirmed:
		at := u.At
		d.ConfirmedAt = &at
	case disburse.StatusPending:
		d.Signature = ""
		d.LastValidBlockHeight = 0
		d.Recorded = false
	}
	m.data[key] = d
	return nil
}

func (m *MemoryStore) AttachSignature(_ context.Context, key, signature string, lastValid uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.data[key]
	if !ok {
		return disburse.ErrNotFound
	}
	if d.Status != disburse.StatusPending || d.Signature != "" {
		return disburse.ErrStaleStatus
	}
	d.Signature = signature
	d.LastValidBlockHeight = lastValid
	d.UpdatedAt = time.Now().UTC()
	m.data[key] = d
	return nil
}

func (m *MemoryStore) ListByStatus(_ context.Context, status disburse.Status, olderThan time.Time, limit int) ([]disburse.Disbursement, error) {
	return m.list(limit, func(d disburse.Disbursement) bool {
		return d.Status == status && d.UpdatedAt.Before(olderThan)
	}), nil
}

func (m *MemoryStore) ListUnrecorded(_ context.Context, limit int) ([]disburse.Disbursement, error) {
	return m.list(limit, func(d disburse.Disbursement) bool {
		return d.Status == disburse.StatusConfirmed && !d.Recorded
	}), nil
}

func (m *MemoryStore) list(limit int, keep func(disburse.Disbursement) bool) []disburse.Disbursement {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []disburse.Disbursement
	for _, d := range m.data {
		if keep(d) {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (m *MemoryStore) SavePaymentRecord(_ context.Context, d disburse.Disbursement) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byKey := m.records[d.Kind]
	if byKey == nil {
		byKey = make(map[string]disburse.Disbursement)
		m.records[d.Kind] = byKey
	}
	byKey[d.IdempotencyKey] = d
	return nil
}

func (m *MemoryStore) MarkRecorded(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.data[key]
	if !ok {
		return disburse.ErrNotFound
	}
	d.Recorded = true
	m.data[key] = d
	return nil
}

// PaymentRecord returns the stored tip, booking or adoption row for key.
func (m *MemoryStore) PaymentRecord(kind disburse.Kind, key string) (disburse.Disbursement, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.records[kind][key]
	return d, ok
}

func (m *MemoryStore) Ping(context.Context) error { return nil }
