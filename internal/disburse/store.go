package disburse

import (
	"context"
	"time"
)

// Store persists disbursements and the payment records derived from them.
// FindByIdempotencyKey returns (nil, nil) when no row exists.
type Store interface {
	FindByIdempotencyKey(ctx context.Context, key string) (*Disbursement, error)
	// Create inserts a new pending disbursement; ErrDuplicateKey when the key is taken.
	Create(ctx context.Context, d Disbursement) error
	// TransitionStatus moves the row from -> to only if it is currently in from;
	// otherwise ErrStaleStatus. Moving to pending clears the signature and the
	// recorded flag.
	TransitionStatus(ctx context.Context, key string, from, to Status, update StatusUpdate) error
	// AttachSignature records the signature of a pending row before it is submitted.
	AttachSignature(ctx context.Context, key, signature string, lastValidBlockHeight uint64) error
	// ListByStatus returns rows in status last updated before olderThan, oldest first.
	ListByStatus(ctx context.Context, status Status, olderThan time.Time, limit int) ([]Disbursement, error)
	// ListUnrecorded returns confirmed rows whose payment record is missing.
	ListUnrecorded(ctx context.Context, limit int) ([]Disbursement, error)
	// SavePaymentRecord upserts the kind-specific tip, booking or adoption row.
	SavePaymentRecord(ctx context.Context, d Disbursement) error
	MarkRecorded(ctx context.Context, key string) error
}

// StatusUpdate carries the fields written alongside a transition.
type StatusUpdate struct {
	At            time.Time
	FailureReason string
	// Attempt increments the attempt counter when set.
	Attempt bool
}

// Locker serializes work on one idempotency key across goroutines and,
// with a shared backend, across instances.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}
