package ledger

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/gagliardetto/solana-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("vaultpay/internal/ledger")

// RPCConfig configures the JSON-RPC client.
type RPCConfig struct {
	URL             string
	Commitment      Commitment
	Timeout         time.Duration
	PollInterval    time.Duration
	MaxPollInterval time.Duration
}

// RPCClient talks to a Solana-compatible JSON-RPC endpoint.
type RPCClient struct {
	rpc        *rpc.Client
	commitment Commitment
	timeout    time.Duration
	poll       pollPolicy
}

var (
	_ Client        = (*RPCClient)(nil)
	_ HealthChecker = (*RPCClient)(nil)
)

func NewRPCClient(ctx context.Context, cfg RPCConfig) (*RPCClient, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("rpc url is required")
	}
	if cfg.Commitment == "" {
		cfg.Commitment = CommitmentConfirmed
	}
	if !cfg.Commitment.Valid() {
		return nil, fmt.Errorf("invalid commitment %q", cfg.Commitment)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	httpClient := &http.Client{Timeout: cfg.Timeout}
	cli, err := rpc.DialOptions(ctx, cfg.URL, rpc.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}

	return &RPCClient{
		rpc:        cli,
		commitment: cfg.Commitment,
		timeout:    cfg.Timeout,
		poll:       newPollPolicy(cfg.PollInterval, cfg.MaxPollInterval),
	}, nil
}

func (c *RPCClient) Close() {
	c.rpc.Close()
}

type rpcContext struct {
	Slot uint64 `json:"slot"`
}

type blockhashResult struct {
	Context rpcContext `json:"context"`
	Value   struct {
		Blockhash            string `json:"blockhash"`
		LastValidBlockHeight uint64 `json:"lastValidBlockHeight"`
	} `json:"value"`
}

type statusesResult struct {
	Context rpcContext     `json:"context"`
	Value   []*statusValue `json:"value"`
}

type statusValue struct {
	Slot               uint64          `json:"slot"`
	Confirmations      *uint64         `json:"confirmations"`
	Err                json.RawMessage `json:"err"`
	ConfirmationStatus string          `json:"confirmationStatus"`
}

type balanceResult struct {
	Context rpcContext `json:"context"`
	Value   uint64     `json:"value"`
}

func (c *RPCClient) LatestBlockhash(ctx context.Context) (BlockRef, error) {
	var out blockhashResult
	if err := c.call(ctx, &out, "getLatestBlockhash", map[string]any{"commitment": c.commitment}); err != nil {
		return BlockRef{}, err
	}
	hash, err := solana.HashFromBase58(out.Value.Blockhash)
	if err != nil {
		return BlockRef{}, fmt.Errorf("getLatestBlockhash: %w: bad blockhash %q", ErrRPCRejected, out.Value.Blockhash)
	}
	return BlockRef{
		Blockhash:            hash,
		LastValidBlockHeight: out.Value.LastValidBlockHeight,
		FetchedAt:            time.Now(),
	}, nil
}

// Submit sends a signed transaction once. Retry policy belongs to the caller.
func (c *RPCClient) Submit(ctx context.Context, signedTx []byte) (solana.Signature, error) {
	ctx, span := tracer.Start(ctx, "ledger.Submit")
	defer span.End()

	var out string
	err := c.call(ctx, &out, "sendTransaction",
		base64.StdEncoding.EncodeToString(signedTx),
		map[string]any{
			"encoding":            "base64",
			"preflightCommitment": c.commitment,
		},
	)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return solana.Signature{}, err
	}
	sig, err := solana.SignatureFromBase58(out)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("sendTransaction: %w: bad signature %q", ErrRPCRejected, out)
	}
	span.SetAttributes(attribute.String("ledger.signature", sig.String()))
	return sig, nil
}

func (c *RPCClient) SignatureStatus(ctx context.Context, sig solana.Signature) (SignatureStatus, error) {
	var out statusesResult
	err := c.call(ctx, &out, "getSignatureStatuses",
		[]string{sig.String()},
		map[string]any{"searchTransactionHistory": true},
	)
	if err != nil {
		return SignatureStatus{}, err
	}
	if len(out.Value) == 0 || out.Value[0] == nil {
		return SignatureStatus{}, nil
	}
	return out.Value[0].toStatus(), nil
}

func (v *statusValue) toStatus() SignatureStatus {
	st := SignatureStatus{
		Found:              true,
		Slot:               v.Slot,
		ConfirmationStatus: Commitment(v.ConfirmationStatus),
	}
	if st.ConfirmationStatus == "" {
		// Older nodes omit confirmationStatus; null confirmations means rooted.
		if v.Confirmations == nil {
			st.ConfirmationStatus = CommitmentFinalized
		} else {
			st.ConfirmationStatus = CommitmentConfirmed
		}
	}
	if raw := strings.TrimSpace(string(v.Err)); raw != "" && raw != "null" {
		st.Err = raw
	}
	return st
}

func (c *RPCClient) AwaitConfirmation(ctx context.Context, sig solana.Signature, level Commitment, timeout time.Duration) error {
	ctx, span := tracer.Start(ctx, "ledger.AwaitConfirmation")
	defer span.End()
	span.SetAttributes(attribute.String("ledger.signature", sig.String()))

	err := awaitConfirmation(ctx, c, sig, level, timeout, c.poll)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (c *RPCClient) BlockHeight(ctx context.Context) (uint64, error) {
	var out uint64
	if err := c.call(ctx, &out, "getBlockHeight", map[string]any{"commitment": c.commitment}); err != nil {
		return 0, err
	}
	return out, nil
}

func (c *RPCClient) Balance(ctx context.Context, account solana.PublicKey) (uint64, error) {
	var out balanceResult
	if err := c.call(ctx, &out, "getBalance", account.String(), map[string]any{"commitment": c.commitment}); err != nil {
		return 0, err
	}
	return out.Value, nil
}

func (c *RPCClient) Ping(ctx context.Context) error {
	var out string
	if err := c.call(ctx, &out, "getHealth"); err != nil {
		return err
	}
	if out != "ok" {
		return fmt.Errorf("getHealth: %w: node reports %q", ErrNetworkUnavailable, out)
	}
	return nil
}

func (c *RPCClient) call(ctx context.Context, result any, method string, args ...any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return classify(method, c.rpc.CallContext(ctx, result, method, args...))
}

func classify(method string, err error) error {
	if err == nil {
		return nil
	}

	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) {
		switch {
		case httpErr.StatusCode == http.StatusTooManyRequests:
			return &NetworkError{Method: method, Err: err, MaybeDelivered: false}
		case httpErr.StatusCode >= 500:
			return &NetworkError{Method: method, Err: err, MaybeDelivered: true}
		default:
			return &RPCError{Method: method, Code: httpErr.StatusCode, Message: httpErr.Status}
		}
	}

	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		msg := rpcErr.Error()
		if isInsufficientFunds(msg) {
			return fmt.Errorf("%s: %w: %s", method, ErrInsufficientFunds, msg)
		}
		return &RPCError{Method: method, Code: rpcErr.ErrorCode(), Message: msg}
	}

	return &NetworkError{Method: method, Err: err, MaybeDelivered: !isDialError(err)}
}

func isInsufficientFunds(msg string) bool {
	msg = strings.ToLower(msg)
	return strings.Contains(msg, "insufficient lamports") ||
		strings.Contains(msg, "insufficient funds") ||
		strings.Contains(msg, "no record of a prior credit")
}

type pollPolicy struct {
	initial time.Duration
	max     time.Duration
}

func newPollPolicy(initial, max time.Duration) pollPolicy {
	if initial <= 0 {
		initial = 500 * time.Millisecond
	}
	if max < initial {
		max = 4 * initial
	}
	return pollPolicy{initial: initial, max: max}
}

var errNotYetConfirmed = errors.New("not yet confirmed")

type statusReader interface {
	SignatureStatus(ctx context.Context, sig solana.Signature) (SignatureStatus, error)
}

// awaitConfirmation polls with capped exponential backoff until the
// transaction reaches level, fails on chain, or timeout elapses.
func awaitConfirmation(ctx context.Context, r statusReader, sig solana.Signature, level Commitment, timeout time.Duration, policy pollPolicy) error {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = policy.initial
	b.MaxInterval = policy.max
	b.Multiplier = 2
	b.MaxElapsedTime = 0

	op := func() error {
		st, err := r.SignatureStatus(waitCtx, sig)
		if err != nil {
			return err
		}
		if st.Found && st.Err != "" {
			return backoff.Permanent(&TxFailedError{Signature: sig, Reason: st.Err})
		}
		if st.Reached(level) {
			return nil
		}
		return errNotYetConfirmed
	}

	err := backoff.Retry(op, backoff.WithContext(b, waitCtx))
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrTransactionFailed):
		return err
	case ctx.Err() != nil:
		return ctx.Err()
	case waitCtx.Err() != nil:
		return fmt.Errorf("%w after %s: %s", ErrConfirmationTimeout, timeout, sig)
	}
	return err
}
