package disburse

import (
	"math/big"
	"time"
)

// Kind is the payment type a disbursement was requested for.
type Kind string

const (
	KindTip      Kind = "tip"
	KindBooking  Kind = "booking"
	KindAdoption Kind = "adoption"
)

func (k Kind) Valid() bool {
	switch k {
	case KindTip, KindBooking, KindAdoption:
		return true
	}
	return false
}

// Status is the lifecycle state of a disbursement.
type Status string

const (
	StatusPending     Status = "pending"
	StatusSubmitted   Status = "submitted"
	StatusConfirmed   Status = "confirmed"
	StatusFailed      Status = "failed"
	StatusReconciling Status = "reconciling"
)

var transitions = map[Status][]Status{
	// a signed pending row may be found landed after a crash
	StatusPending:     {StatusSubmitted, StatusConfirmed, StatusFailed, StatusReconciling},
	StatusSubmitted:   {StatusConfirmed, StatusFailed, StatusReconciling},
	StatusReconciling: {StatusConfirmed, StatusFailed},
	// a failed disbursement moved no funds and may be re-armed by a retry
	StatusFailed:    {StatusPending},
	StatusConfirmed: nil,
}

// CanTransition reports whether from -> to is a legal lifecycle move.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Booking carries the booking-specific request fields.
type Booking struct {
	Date  string `json:"date,omitempty"`
	Time  string `json:"time,omitempty"`
	Notes string `json:"notes,omitempty"`
}

// Adoption carries the adoption-specific request fields.
type Adoption struct {
	Tier      string `json:"tier"`
	Recurring bool   `json:"recurring"`
	Message   string `json:"message,omitempty"`
}

// Metadata holds the kind-specific fields of an intent.
type Metadata struct {
	VideoID  string    `json:"videoId,omitempty"`
	Booking  *Booking  `json:"booking,omitempty"`
	Adoption *Adoption `json:"adoption,omitempty"`
}

// PaymentIntent is a normalized caller request.
type PaymentIntent struct {
	Kind       Kind
	FromUserID string
	ToWallet   string
	// GrossAmount is a decimal in whole units of the native asset.
	GrossAmount string
	Nonce       string
	// ClientKey is a caller-supplied idempotency key; it takes precedence over Nonce.
	ClientKey string
	Metadata  Metadata
}

// Disbursement is the persisted unit of work.
type Disbursement struct {
	ID                   string     `json:"id"`
	IdempotencyKey       string     `json:"idempotencyKey"`
	RequestHash          string     `json:"requestHash"`
	Kind                 Kind       `json:"kind"`
	FromUserID           string     `json:"fromUserId,omitempty"`
	ToWallet             string     `json:"toWallet"`
	GrossLamports        uint64     `json:"grossLamports"`
	NetLamports          uint64     `json:"netLamports"`
	FeeLamports          uint64     `json:"feeLamports"`
	Metadata             Metadata   `json:"metadata"`
	Status               Status     `json:"status"`
	Signature            string     `json:"signature,omitempty"`
	LastValidBlockHeight uint64     `json:"lastValidBlockHeight,omitempty"`
	FailureReason        string     `json:"failureReason,omitempty"`
	Attempts             int        `json:"attempts"`
	Recorded             bool       `json:"recorded"`
	CreatedAt            time.Time  `json:"createdAt"`
	UpdatedAt            time.Time  `json:"updatedAt"`
	ConfirmedAt          *time.Time `json:"confirmedAt,omitempty"`
}

func (d Disbursement) Gross() *big.Int { return new(big.Int).SetUint64(d.GrossLamports) }
func (d Disbursement) Net() *big.Int   { return new(big.Int).SetUint64(d.NetLamports) }
func (d Disbursement) Fee() *big.Int   { return new(big.Int).SetUint64(d.FeeLamports) }

// Result is what the caller is told about a disbursement.
type Result string

const (
	ResultConfirmed  Result = "confirmed"
	ResultFailed     Result = "failed"
	ResultPending    Result = "pending"
	ResultUnrecorded Result = "succeeded_unrecorded"
)

// Outcome is returned for every request that reached the ledger stage or
// matched an existing disbursement.
type Outcome struct {
	Disbursement Disbursement
	Result       Result
	Replayed     bool
}
