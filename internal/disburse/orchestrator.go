// Package disburse drives a payment intent through signing, submission,
// confirmation and persistence so that every request ends in exactly one
// outcome and no intent is ever paid twice.
package disburse

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"vaultpay/internal/ledger"
	"vaultpay/internal/lock"
	"vaultpay/internal/vault"
)

var tracer = otel.Tracer("vaultpay/internal/disburse")

// DefaultNetworkFee is the per-signature ledger fee reserved by the balance check.
const DefaultNetworkFee = 5000

// Config holds the orchestration parameters read at startup.
type Config struct {
	FeeBps uint32
	// FeeAccount receives the platform fee in the same transaction. When nil
	// the fee is retained in the vault.
	FeeAccount     *solana.PublicKey
	Commitment     ledger.Commitment
	ConfirmTimeout time.Duration
	LockTimeout    time.Duration
	NetworkFee     uint64
}

// Orchestrator executes disbursements.
type Orchestrator struct {
	ledger  ledger.Client
	signer  vault.Signer
	store   Store
	locker  Locker
	cfg     Config
	log     logrus.FieldLogger
	metrics *Metrics
	now     func() time.Time
}

// Option customises the orchestrator.
type Option func(*Orchestrator)

// WithLocker replaces the in-process key lock, e.g. with a shared one.
func WithLocker(l Locker) Option {
	return func(o *Orchestrator) { o.locker = l }
}

func WithLogger(l logrus.FieldLogger) Option {
	return func(o *Orchestrator) { o.log = l }
}

func WithMetrics(m *Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithClock sets the function used to derive timestamps.
func WithClock(clock func() time.Time) Option {
	return func(o *Orchestrator) { o.now = clock }
}

func New(client ledger.Client, signer vault.Signer, store Store, cfg Config, opts ...Option) *Orchestrator {
	if cfg.Commitment == "" {
		cfg.Commitment = ledger.CommitmentConfirmed
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 60 * time.Second
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = 5 * time.Second
	}
	if cfg.NetworkFee == 0 {
		cfg.NetworkFee = DefaultNetworkFee
	}
	o := &Orchestrator{
		ledger: client,
		signer: signer,
		store:  store,
		locker: lock.NewMemoryLocker(),
		cfg:    cfg,
		log:    logrus.StandardLogger(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.log = o.log.WithField("component", "disburse")
	return o
}

// Disburse executes intent at most once per idempotency key. A returned
// Outcome means the request reached a known state; an *Error means no value
// moved.
func (o *Orchestrator) Disburse(ctx context.Context, intent PaymentIntent) (out *Outcome, err error) {
	ctx, span := tracer.Start(ctx, "disburse.Disburse", trace.WithAttributes(
		attribute.String("payment.kind", string(intent.Kind)),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, string(KindOf(err)))
			o.metrics.outcome(intent.Kind, string(KindOf(err)))
		} else {
			span.SetAttributes(attribute.String("payment.result", string(out.Result)))
			o.metrics.outcome(intent.Kind, string(out.Result))
		}
		span.End()
	}()

	p, err := o.prepare(intent)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("payment.key", p.key))
	log := o.log.WithFields(logrus.Fields{"kind": p.intent.Kind, "idempotency_key": p.key})

	lockCtx, cancel := context.WithTimeout(ctx, o.cfg.LockTimeout)
	unlock, err := o.locker.Lock(lockCtx, p.key)
	cancel()
	if err != nil {
		return o.observeBusy(ctx, log, p, err)
	}
	defer unlock()

	// once the key is held the work runs to completion even if the caller leaves
	ctx = context.WithoutCancel(ctx)

	existing, err := o.store.FindByIdempotencyKey(ctx, p.key)
	if err != nil {
		return nil, &Error{Kind: KindInternal, Key: p.key, Err: fmt.Errorf("load disbursement: %w", err)}
	}
	if existing == nil {
		d := o.newDisbursement(p)
		if err := o.store.Create(ctx, d); err != nil {
			if errors.Is(err, ErrDuplicateKey) {
				return nil, &Error{Kind: KindInProgress, Key: p.key, Err: err}
			}
			return nil, &Error{Kind: KindInternal, Key: p.key, Err: fmt.Errorf("create disbursement: %w", err)}
		}
		return o.execute(ctx, log, &d, p)
	}

	if existing.RequestHash != p.requestHash {
		return nil, mismatch(p.key, existing.Signature)
	}
	log = log.WithField("status", existing.Status)

	switch existing.Status {
	case StatusConfirmed:
		return o.replayConfirmed(ctx, log, existing), nil
	case StatusFailed:
		log.Info("re-arming failed disbursement")
		if err := o.store.TransitionStatus(ctx, p.key, StatusFailed, StatusPending, StatusUpdate{At: o.now(), Attempt: true}); err != nil {
			return nil, &Error{Kind: KindInternal, Key: p.key, Err: fmt.Errorf("re-arm disbursement: %w", err)}
		}
		d := *existing
		d.Status = StatusPending
		d.Signature = ""
		d.LastValidBlockHeight = 0
		d.FailureReason = ""
		d.Recorded = false
		d.Attempts++
		return o.execute(ctx, log, &d, p)
	case StatusPending:
		if existing.Signature == "" {
			// an earlier attempt stopped before signing; nothing can be on the ledger
			return o.execute(ctx, log, existing, p)
		}
	}
	return o.resume(ctx, log, existing), nil
}

// observeBusy answers a duplicate that could not take the key lock from the
// row as it stands. Once a signature exists the duplicate is told about it
// instead of being turned away.
func (o *Orchestrator) observeBusy(ctx context.Context, log logrus.FieldLogger, p *prepared, lockErr error) (*Outcome, error) {
	busy := &Error{Kind: KindInProgress, Key: p.key, Err: lockErr}
	if ctx.Err() != nil {
		return nil, busy
	}
	existing, err := o.store.FindByIdempotencyKey(ctx, p.key)
	if err != nil {
		log.WithError(err).Warn("load disbursement held by another request")
		return nil, busy
	}
	if existing == nil {
		return nil, busy
	}
	if existing.RequestHash != p.requestHash {
		return nil, mismatch(p.key, existing.Signature)
	}
	switch {
	case existing.Status == StatusConfirmed && existing.Recorded:
		return &Outcome{Disbursement: *existing, Result: ResultConfirmed, Replayed: true}, nil
	case existing.Status == StatusFailed, existing.Signature == "":
		busy.Signature = existing.Signature
		return nil, busy
	}
	return &Outcome{Disbursement: *existing, Result: ResultPending, Replayed: true}, nil
}

func mismatch(key, signature string) *Error {
	return &Error{
		Kind:      KindIdempotencyMismatch,
		Key:       key,
		Signature: signature,
		Err:       errors.New("idempotency key reused with a different request"),
	}
}

// Lookup returns the current state of a disbursement.
func (o *Orchestrator) Lookup(ctx context.Context, key string) (*Disbursement, error) {
	d, err := o.store.FindByIdempotencyKey(ctx, key)
	if err != nil {
		return nil, &Error{Kind: KindInternal, Key: key, Err: err}
	}
	if d == nil {
		return nil, ErrNotFound
	}
	return d, nil
}

func (o *Orchestrator) newDisbursement(p *prepared) Disbursement {
	now := o.now().UTC()
	return Disbursement{
		ID:             uuid.NewString(),
		IdempotencyKey: p.key,
		RequestHash:    p.requestHash,
		Kind:           p.intent.Kind,
		FromUserID:     p.intent.FromUserID,
		ToWallet:       p.recipient.String(),
		GrossLamports:  p.split.Gross.Uint64(),
		NetLamports:    p.split.Net.Uint64(),
		FeeLamports:    p.split.Fee.Uint64(),
		Metadata:       p.intent.Metadata,
		Status:         StatusPending,
		Attempts:       1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// execute runs a pending disbursement with no signature through the ledger.
func (o *Orchestrator) execute(ctx context.Context, log logrus.FieldLogger, d *Disbursement, p *prepared) (*Outcome, error) {
	ctx, span := tracer.Start(ctx, "disburse.execute")
	defer span.End()

	block, err := o.ledger.LatestBlockhash(ctx)
	if err != nil {
		return nil, o.abort(ctx, log, d, "fetch blockhash", err)
	}

	balance, err := o.ledger.Balance(ctx, o.signer.PublicKey())
	if err != nil {
		return nil, o.abort(ctx, log, d, "fetch vault balance", err)
	}
	outflow := new(big.Int).Set(p.split.Net)
	if o.cfg.FeeAccount != nil {
		outflow.Add(outflow, p.split.Fee)
	}
	outflow.Add(outflow, new(big.Int).SetUint64(o.cfg.NetworkFee))
	if new(big.Int).SetUint64(balance).Cmp(outflow) < 0 {
		err := fmt.Errorf("%w: have %d lamports, need %s", ledger.ErrInsufficientFunds, balance, outflow)
		return nil, o.abort(ctx, log, d, "check vault balance", err)
	}

	tx, err := ledger.BuildTransfer(ledger.Transfer{
		Payer:       o.signer.PublicKey(),
		Recipient:   d.ToWallet,
		Lamports:    p.split.Net,
		FeeAccount:  o.cfg.FeeAccount,
		FeeLamports: p.split.Fee,
		Block:       block,
	})
	if err != nil {
		return nil, o.abort(ctx, log, d, "build transaction", err)
	}
	raw, sig, err := ledger.SignTransaction(tx, o.signer)
	if err != nil {
		return nil, o.abort(ctx, log, d, "sign transaction", err)
	}

	// the signature is durable before the transaction exists anywhere else
	if err := o.store.AttachSignature(ctx, d.IdempotencyKey, sig.String(), block.LastValidBlockHeight); err != nil {
		return nil, o.abort(ctx, log, d, "persist signature", err)
	}
	d.Signature = sig.String()
	d.LastValidBlockHeight = block.LastValidBlockHeight
	log = log.WithField("signature", d.Signature)
	span.SetAttributes(attribute.String("ledger.signature", d.Signature))

	submittedAt := o.now()
	if _, err := o.ledger.Submit(ctx, raw); err != nil {
		if ledger.MaybeDelivered(err) {
			o.metrics.submission("indeterminate")
			log.WithError(err).Warn("submission outcome unknown, deferring to reconciler")
			o.move(ctx, log, d, StatusReconciling, "submission outcome unknown: "+err.Error())
			return &Outcome{Disbursement: *d, Result: ResultPending}, nil
		}
		o.metrics.submission("rejected")
		return nil, o.abort(ctx, log, d, "submit transaction", err)
	}
	o.metrics.submission("accepted")
	o.move(ctx, log, d, StatusSubmitted, "")

	err = o.ledger.AwaitConfirmation(ctx, sig, o.cfg.Commitment, o.cfg.ConfirmTimeout)
	var failed *ledger.TxFailedError
	switch {
	case err == nil:
		o.metrics.latency(o.now().Sub(submittedAt))
		return o.settleConfirmed(ctx, log, d), nil
	case errors.As(err, &failed):
		return o.settleFailed(ctx, log, d, failed.Reason), nil
	default:
		log.WithError(err).Warn("confirmation not observed, deferring to reconciler")
		o.move(ctx, log, d, StatusReconciling, err.Error())
		return &Outcome{Disbursement: *d, Result: ResultPending}, nil
	}
}

// abort fails a disbursement that provably never reached the ledger.
func (o *Orchestrator) abort(ctx context.Context, log logrus.FieldLogger, d *Disbursement, step string, cause error) error {
	kind := classify(cause)
	log.WithError(cause).WithFields(logrus.Fields{"step": step, "error_kind": kind}).Warn("disbursement aborted before submission")
	o.move(ctx, log, d, StatusFailed, step+": "+cause.Error())
	return &Error{Kind: kind, Key: d.IdempotencyKey, Signature: d.Signature, Err: fmt.Errorf("%s: %w", step, cause)}
}

func classify(err error) ErrorKind {
	switch {
	case errors.Is(err, ledger.ErrInvalidRecipient):
		return KindInvalidRecipient
	case errors.Is(err, ledger.ErrAmountOverflow):
		return KindInvalidRequest
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return KindInsufficientVaultBalance
	case errors.Is(err, ledger.ErrRPCRejected):
		return KindRPCRejected
	case errors.Is(err, ledger.ErrNetworkUnavailable),
		errors.Is(err, context.DeadlineExceeded):
		return KindNetworkUnavailable
	}
	return KindInternal
}

// move applies a status transition and mirrors it onto d. Failures are
// logged; the row keeps its previous status and the reconciler picks it up.
func (o *Orchestrator) move(ctx context.Context, log logrus.FieldLogger, d *Disbursement, to Status, reason string) bool {
	if d.Status == to {
		return true
	}
	if !CanTransition(d.Status, to) {
		log.WithFields(logrus.Fields{"from": d.Status, "to": to}).Error("illegal status transition refused")
		return false
	}
	now := o.now().UTC()
	if err := o.store.TransitionStatus(ctx, d.IdempotencyKey, d.Status, to, StatusUpdate{At: now, FailureReason: reason}); err != nil {
		log.WithError(err).WithFields(logrus.Fields{"from": d.Status, "to": to}).Error("status write failed")
		return false
	}
	d.Status = to
	d.FailureReason = reason
	d.UpdatedAt = now
	if to == StatusConfirmed {
		d.ConfirmedAt = &now
	}
	return true
}

func (o *Orchestrator) settleConfirmed(ctx context.Context, log logrus.FieldLogger, d *Disbursement) *Outcome {
	if !o.move(ctx, log, d, StatusConfirmed, "") {
		log.Error("transfer confirmed on ledger but status write failed")
		if d.Status == StatusSubmitted || d.Status == StatusPending {
			o.move(ctx, log, d, StatusReconciling, "confirmed on ledger, status write failed")
		}
		return &Outcome{Disbursement: *d, Result: ResultUnrecorded}
	}
	o.metrics.confirmed(*d)
	if err := o.record(ctx, d); err != nil {
		log.WithError(err).Error("transfer confirmed on ledger but payment record write failed")
		return &Outcome{Disbursement: *d, Result: ResultUnrecorded}
	}
	log.WithField("net_lamports", d.NetLamports).Info("disbursement confirmed")
	return &Outcome{Disbursement: *d, Result: ResultConfirmed}
}

func (o *Orchestrator) settleFailed(ctx context.Context, log logrus.FieldLogger, d *Disbursement, reason string) *Outcome {
	log.WithField("reason", reason).Warn("transaction failed on ledger")
	if o.move(ctx, log, d, StatusFailed, reason) {
		if err := o.record(ctx, d); err != nil {
			log.WithError(err).Warn("failed payment record not written")
		}
	}
	return &Outcome{Disbursement: *d, Result: ResultFailed}
}

func (o *Orchestrator) record(ctx context.Context, d *Disbursement) error {
	if err := o.store.SavePaymentRecord(ctx, *d); err != nil {
		return fmt.Errorf("save %s record: %w", d.Kind, err)
	}
	if err := o.store.MarkRecorded(ctx, d.IdempotencyKey); err != nil {
		return fmt.Errorf("mark recorded: %w", err)
	}
	d.Recorded = true
	return nil
}

func (o *Orchestrator) replayConfirmed(ctx context.Context, log logrus.FieldLogger, d *Disbursement) *Outcome {
	if !d.Recorded {
		if err := o.record(ctx, d); err != nil {
			log.WithError(err).Error("payment record still missing")
			return &Outcome{Disbursement: *d, Result: ResultUnrecorded, Replayed: true}
		}
	}
	return &Outcome{Disbursement: *d, Result: ResultConfirmed, Replayed: true}
}

// resume checks a signed disbursement once without resubmitting it.
func (o *Orchestrator) resume(ctx context.Context, log logrus.FieldLogger, d *Disbursement) *Outcome {
	out, err := o.reconcile(ctx, log, d)
	if err != nil {
		log.WithError(err).Warn("ledger status check failed")
		out = &Outcome{Disbursement: *d, Result: ResultPending}
	}
	out.Replayed = true
	return out
}

// reconcile resolves a signed disbursement from the ledger's view of its
// signature. It never submits anything.
func (o *Orchestrator) reconcile(ctx context.Context, log logrus.FieldLogger, d *Disbursement) (*Outcome, error) {
	sig, err := solana.SignatureFromBase58(d.Signature)
	if err != nil {
		return nil, fmt.Errorf("parse stored signature: %w", err)
	}
	// the height must be read before the status: a transaction can still land
	// in its last valid block after a "not found" answer
	var height uint64
	if d.LastValidBlockHeight > 0 {
		if height, err = o.ledger.BlockHeight(ctx); err != nil {
			return nil, err
		}
	}
	st, err := o.ledger.SignatureStatus(ctx, sig)
	if err != nil {
		return nil, err
	}
	switch {
	case st.Found && st.Err != "":
		return o.settleFailed(ctx, log, d, st.Err), nil
	case st.Reached(o.cfg.Commitment):
		return o.settleConfirmed(ctx, log, d), nil
	case !st.Found && d.LastValidBlockHeight > 0 && height > d.LastValidBlockHeight:
		return o.settleFailed(ctx, log, d, "blockhash expired before the transaction landed"), nil
	}
	if d.Status == StatusPending {
		o.move(ctx, log, d, StatusReconciling, "awaiting ledger status")
	}
	return &Outcome{Disbursement: *d, Result: ResultPending}, nil
}
