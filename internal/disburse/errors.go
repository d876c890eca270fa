package disburse

import (
	"errors"
	"fmt"
)

// Store errors. Implementations must return these so the orchestrator can
// distinguish races from outages.
var (
	ErrNotFound     = errors.New("disbursement not found")
	ErrDuplicateKey = errors.New("idempotency key already exists")
	ErrStaleStatus  = errors.New("disbursement status changed concurrently")
)

// ErrorKind classifies request failures for the transport layer.
type ErrorKind string

const (
	KindInvalidRequest           ErrorKind = "invalid_request"
	KindUnauthorized             ErrorKind = "unauthorized"
	KindInvalidRecipient         ErrorKind = "invalid_recipient"
	KindInsufficientVaultBalance ErrorKind = "insufficient_vault_balance"
	KindNetworkUnavailable       ErrorKind = "network_unavailable"
	KindRPCRejected              ErrorKind = "rpc_rejected"
	KindIdempotencyMismatch      ErrorKind = "idempotency_mismatch"
	KindInProgress               ErrorKind = "in_progress"
	KindInternal                 ErrorKind = "internal"
)

// Error is a classified failure. Key and Signature are set whenever known so
// operators can reconcile by hand.
type Error struct {
	Kind      ErrorKind
	Key       string
	Signature string
	Err       error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Key != "" {
		msg += fmt.Sprintf(" (key=%s", e.Key)
		if e.Signature != "" {
			msg += ", signature=" + e.Signature
		}
		msg += ")"
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the classification of err, or KindInternal.
func KindOf(err error) ErrorKind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindInternal
}

func invalid(format string, args ...any) *Error {
	return &Error{Kind: KindInvalidRequest, Err: fmt.Errorf(format, args...)}
}
