package ledger

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/gagliardetto/solana-go"
)

var (
	ErrNetworkUnavailable  = errors.New("ledger network unavailable")
	ErrRPCRejected         = errors.New("ledger rpc rejected request")
	ErrInsufficientFunds   = errors.New("vault balance insufficient")
	ErrConfirmationTimeout = errors.New("confirmation timed out")
	ErrTransactionFailed   = errors.New("transaction failed on chain")
	ErrInvalidRecipient    = errors.New("invalid recipient address")
	ErrAmountOverflow      = errors.New("amount must be a positive integer within ledger range")
)

// Client abstracts the ledger RPC endpoint. Implementations must be safe for concurrent use.
type Client interface {
	LatestBlockhash(ctx context.Context) (BlockRef, error)
	Submit(ctx context.Context, signedTx []byte) (solana.Signature, error)
	AwaitConfirmation(ctx context.Context, sig solana.Signature, level Commitment, timeout time.Duration) error
	SignatureStatus(ctx context.Context, sig solana.Signature) (SignatureStatus, error)
	BlockHeight(ctx context.Context) (uint64, error)
	Balance(ctx context.Context, account solana.PublicKey) (uint64, error)
}

// HealthChecker is implemented by clients that can probe the endpoint.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// BlockRef bounds the validity window of a transaction.
type BlockRef struct {
	Blockhash            solana.Hash
	LastValidBlockHeight uint64
	FetchedAt            time.Time
}

// Commitment is the finality level a transaction must reach.
type Commitment string

const (
	CommitmentProcessed Commitment = "processed"
	CommitmentConfirmed Commitment = "confirmed"
	CommitmentFinalized Commitment = "finalized"
)

func (c Commitment) rank() int {
	switch c {
	case CommitmentProcessed:
		return 1
	case CommitmentConfirmed:
		return 2
	case CommitmentFinalized:
		return 3
	}
	return 0
}

// Valid reports whether c is a known commitment level.
func (c Commitment) Valid() bool {
	return c.rank() > 0
}

// AtLeast reports whether c is as final as level.
func (c Commitment) AtLeast(level Commitment) bool {
	return c.rank() >= level.rank() && c.rank() > 0
}

// SignatureStatus is the ledger's view of a submitted transaction.
type SignatureStatus struct {
	Found              bool
	Slot               uint64
	ConfirmationStatus Commitment
	// Err is the on-chain failure reason; empty when the transaction succeeded.
	Err string
}

// Reached reports whether the transaction landed successfully at level.
func (s SignatureStatus) Reached(level Commitment) bool {
	return s.Found && s.Err == "" && s.ConfirmationStatus.AtLeast(level)
}

// RPCError is a JSON-RPC error response from the endpoint.
type RPCError struct {
	Method  string
	Code    int
	Message string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("%s: rpc error %d: %s", e.Method, e.Code, e.Message)
}

func (e *RPCError) Unwrap() error { return ErrRPCRejected }

// NetworkError wraps transport failures. MaybeDelivered is false only when the
// request provably never reached the endpoint.
type NetworkError struct {
	Method         string
	Err            error
	MaybeDelivered bool
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s: %v: %v", e.Method, ErrNetworkUnavailable, e.Err)
}

func (e *NetworkError) Unwrap() []error { return []error{ErrNetworkUnavailable, e.Err} }

// TxFailedError carries the ledger's failure reason for a landed transaction.
type TxFailedError struct {
	Signature solana.Signature
	Reason    string
}

func (e *TxFailedError) Error() string {
	return fmt.Sprintf("transaction %s failed on chain: %s", e.Signature, e.Reason)
}

func (e *TxFailedError) Unwrap() error { return ErrTransactionFailed }

// MaybeDelivered reports whether a failed submit could still have reached the ledger.
func MaybeDelivered(err error) bool {
	if err == nil {
		return true
	}
	var netErr *NetworkError
	if errors.As(err, &netErr) {
		return netErr.MaybeDelivered
	}
	return !errors.Is(err, ErrRPCRejected) && !errors.Is(err, ErrInsufficientFunds)
}

func isDialError(err error) bool {
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}
