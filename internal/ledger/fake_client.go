package ledger

import (
	"context"
	"crypto/sha256"
	"fmt"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
)

// FakeClient is an in-memory ledger for local runs: every well-formed
// submission lands immediately at finalized commitment.
type FakeClient struct {
	VaultBalance uint64

	mu        sync.Mutex
	height    uint64
	statuses  map[solana.Signature]SignatureStatus
	submitted int
}

var (
	_ Client        = (*FakeClient)(nil)
	_ HealthChecker = (*FakeClient)(nil)
)

func NewFakeClient(vaultBalance uint64) *FakeClient {
	return &FakeClient{
		VaultBalance: vaultBalance,
		height:       1,
		statuses:     make(map[solana.Signature]SignatureStatus),
	}
}

func (f *FakeClient) LatestBlockhash(context.Context) (BlockRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.height++
	seed := sha256.Sum256([]byte(fmt.Sprintf("block-%d", f.height)))
	return BlockRef{
		Blockhash:            solana.Hash(seed),
		LastValidBlockHeight: f.height + 150,
		FetchedAt:            time.Now(),
	}, nil
}

const signatureLen = 64

// Submit reads the first signature straight from the wire format.
func (f *FakeClient) Submit(_ context.Context, signedTx []byte) (solana.Signature, error) {
	if len(signedTx) < 1+signatureLen || signedTx[0] == 0 {
		return solana.Signature{}, &RPCError{Method: "sendTransaction", Code: -32602, Message: "invalid transaction"}
	}
	var sig solana.Signature
	copy(sig[:], signedTx[1:1+signatureLen])

	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted++
	f.statuses[sig] = SignatureStatus{
		Found:              true,
		Slot:               f.height,
		ConfirmationStatus: CommitmentFinalized,
	}
	return sig, nil
}

func (f *FakeClient) AwaitConfirmation(ctx context.Context, sig solana.Signature, level Commitment, timeout time.Duration) error {
	return awaitConfirmation(ctx, f, sig, level, timeout, newPollPolicy(10*time.Millisecond, 50*time.Millisecond))
}

func (f *FakeClient) SignatureStatus(_ context.Context, sig solana.Signature) (SignatureStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statuses[sig], nil
}

func (f *FakeClient) BlockHeight(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.height, nil
}

func (f *FakeClient) Balance(context.Context, solana.PublicKey) (uint64, error) {
	return f.VaultBalance, nil
}

func (f *FakeClient) Ping(context.Context) error {
	return nil
}

// Submitted returns the number of accepted submissions.
func (f *FakeClient) Submitted() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submitted
}
