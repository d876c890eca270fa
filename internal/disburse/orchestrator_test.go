package disburse_test

import (
	"context"
	"crypto/ed25519"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"vaultpay/internal/disburse"
	"vaultpay/internal/ledger"
	"vaultpay/internal/store"
	"vaultpay/internal/vault"
)

const recipient = "9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin"

// stubLedger wraps the fake ledger with call counters and injectable failures.
type stubLedger struct {
	*ledger.FakeClient

	mu           sync.Mutex
	blockhashErr error
	submitErr    error
	awaitErr     error
	status       *ledger.SignatureStatus
	height       uint64
	calls        map[string]int
	// hold blocks the named method until its channel is closed
	hold map[string]chan struct{}
	// onHeight runs inside BlockHeight after the height is read
	onHeight func()
}

func newStubLedger(balance uint64) *stubLedger {
	return &stubLedger{
		FakeClient: ledger.NewFakeClient(balance),
		calls:      make(map[string]int),
		hold:       make(map[string]chan struct{}),
	}
}

func (s *stubLedger) wait(ctx context.Context, method string) error {
	gate, ok := s.hold[method]
	if !ok {
		return nil
	}
	select {
	case <-gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *stubLedger) setStatus(st ledger.SignatureStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = &st
}

func (s *stubLedger) count(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[method]
}

func (s *stubLedger) inc(method string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[method]++
}

func (s *stubLedger) LatestBlockhash(ctx context.Context) (ledger.BlockRef, error) {
	s.inc("blockhash")
	if err := s.wait(ctx, "blockhash"); err != nil {
		return ledger.BlockRef{}, err
	}
	if s.blockhashErr != nil {
		return ledger.BlockRef{}, s.blockhashErr
	}
	return s.FakeClient.LatestBlockhash(ctx)
}

func (s *stubLedger) Balance(ctx context.Context, pk solana.PublicKey) (uint64, error) {
	s.inc("balance")
	return s.FakeClient.Balance(ctx, pk)
}

func (s *stubLedger) Submit(ctx context.Context, raw []byte) (solana.Signature, error) {
	s.inc("submit")
	if s.submitErr != nil {
		return solana.Signature{}, s.submitErr
	}
	return s.FakeClient.Submit(ctx, raw)
}

func (s *stubLedger) AwaitConfirmation(ctx context.Context, sig solana.Signature, level ledger.Commitment, timeout time.Duration) error {
	s.inc("await")
	if err := s.wait(ctx, "await"); err != nil {
		return err
	}
	if s.awaitErr != nil {
		return s.awaitErr
	}
	return s.FakeClient.AwaitConfirmation(ctx, sig, level, timeout)
}

func (s *stubLedger) SignatureStatus(ctx context.Context, sig solana.Signature) (ledger.SignatureStatus, error) {
	s.inc("status")
	s.mu.Lock()
	override := s.status
	s.mu.Unlock()
	if override != nil {
		return *override, nil
	}
	return s.FakeClient.SignatureStatus(ctx, sig)
}

func (s *stubLedger) BlockHeight(ctx context.Context) (uint64, error) {
	s.inc("height")
	height := s.height
	if height == 0 {
		var err error
		if height, err = s.FakeClient.BlockHeight(ctx); err != nil {
			return 0, err
		}
	}
	if s.onHeight != nil {
		s.onHeight()
	}
	return height, nil
}

// flakyStore fails payment record writes on demand.
type flakyStore struct {
	*store.MemoryStore
	failRecords bool
	failConfirm bool
}

func (f *flakyStore) SavePaymentRecord(ctx context.Context, d disburse.Disbursement) error {
	if f.failRecords {
		return errors.New("database unavailable")
	}
	return f.MemoryStore.SavePaymentRecord(ctx, d)
}

func (f *flakyStore) TransitionStatus(ctx context.Context, key string, from, to disburse.Status, u disburse.StatusUpdate) error {
	if f.failConfirm && to == disburse.StatusConfirmed {
		return errors.New("database unavailable")
	}
	return f.MemoryStore.TransitionStatus(ctx, key, from, to, u)
}

type harness struct {
	ledger *stubLedger
	store  *flakyStore
	vault  *vault.Vault
	orch   *disburse.Orchestrator
	reg    *prometheus.Registry
	logs   *test.Hook
}

func newHarness(t *testing.T, cfg disburse.Config) *harness {
	t.Helper()
	seed := make([]byte, ed25519.SeedSize)
	seed[0] = 7
	v, err := vault.Parse(solana.PrivateKey(ed25519.NewKeyFromSeed(seed)).String())
	require.NoError(t, err)

	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	reg := prometheus.NewRegistry()
	h := &harness{
		ledger: newStubLedger(100 * 1_000_000_000),
		store:  &flakyStore{MemoryStore: store.NewMemoryStore()},
		vault:  v,
		reg:    reg,
		logs:   hook,
	}
	if cfg.ConfirmTimeout == 0 {
		cfg.ConfirmTimeout = time.Second
	}
	h.orch = disburse.New(h.ledger, v, h.store, cfg,
		disburse.WithLogger(logger),
		disburse.WithMetrics(disburse.NewMetrics(reg)),
	)
	return h
}

func tipIntent(nonce string) disburse.PaymentIntent {
	return disburse.PaymentIntent{
		Kind:        disburse.KindTip,
		FromUserID:  "user-1",
		ToWallet:    recipient,
		GrossAmount: "2.5",
		Nonce:       nonce,
		Metadata:    disburse.Metadata{VideoID: "vid-1"},
	}
}

func TestDisburseConfirmsWithFeeSplit(t *testing.T) {
	h := newHarness(t, disburse.Config{FeeBps: 500})

	out, err := h.orch.Disburse(context.Background(), tipIntent("n1"))
	require.NoError(t, err)
	require.Equal(t, disburse.ResultConfirmed, out.Result)
	require.False(t, out.Replayed)

	d := out.Disbursement
	require.Equal(t, disburse.StatusConfirmed, d.Status)
	require.Equal(t, uint64(2_500_000_000), d.GrossLamports)
	require.Equal(t, uint64(2_375_000_000), d.NetLamports)
	require.Equal(t, uint64(125_000_000), d.FeeLamports)
	require.NotEmpty(t, d.Signature)
	require.True(t, d.Recorded)
	require.NotNil(t, d.ConfirmedAt)

	rec, ok := h.store.PaymentRecord(disburse.KindTip, d.IdempotencyKey)
	require.True(t, ok)
	require.Equal(t, disburse.StatusConfirmed, rec.Status)
	require.Equal(t, d.Signature, rec.Signature)

	require.Equal(t, 1, h.ledger.Submitted())
	series, err := testutil.GatherAndCount(h.reg, "disbursements_total")
	require.NoError(t, err)
	require.Equal(t, 1, series)
}

func TestDisburseSequentialRetryIsIdempotent(t *testing.T) {
	h := newHarness(t, disburse.Config{})

	first, err := h.orch.Disburse(context.Background(), tipIntent("same"))
	require.NoError(t, err)
	second, err := h.orch.Disburse(context.Background(), tipIntent("same"))
	require.NoError(t, err)

	require.True(t, second.Replayed)
	require.Equal(t, disburse.ResultConfirmed, second.Result)
	require.Equal(t, first.Disbursement.Signature, second.Disbursement.Signature)
	require.Equal(t, 1, h.ledger.count("submit"))

	// a new nonce is a new payment
	third, err := h.orch.Disburse(context.Background(), tipIntent("other"))
	require.NoError(t, err)
	require.NotEqual(t, first.Disbursement.IdempotencyKey, third.Disbursement.IdempotencyKey)
	require.Equal(t, 2, h.ledger.count("submit"))
}

func TestDisburseConcurrentRetriesSubmitOnce(t *testing.T) {
	h := newHarness(t, disburse.Config{LockTimeout: 5 * time.Second})

	const callers = 8
	var wg sync.WaitGroup
	sigs := make(chan string, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := h.orch.Disburse(context.Background(), tipIntent("burst"))
			if err != nil {
				t.Error(err)
				return
			}
			sigs <- out.Disbursement.Signature
		}()
	}
	wg.Wait()
	close(sigs)

	seen := map[string]bool{}
	for s := range sigs {
		seen[s] = true
	}
	require.Len(t, seen, 1)
	require.Equal(t, 1, h.ledger.count("submit"))
}

func TestDisburseDuplicateDuringSlowConfirmationSeesSignature(t *testing.T) {
	h := newHarness(t, disburse.Config{LockTimeout: 20 * time.Millisecond, ConfirmTimeout: 5 * time.Second})
	gate := make(chan struct{})
	h.ledger.hold["await"] = gate

	first := make(chan *disburse.Outcome, 1)
	go func() {
		out, err := h.orch.Disburse(context.Background(), tipIntent("slow-confirm"))
		if err != nil {
			t.Error(err)
		}
		first <- out
	}()
	require.Eventually(t, func() bool { return h.ledger.count("await") == 1 }, time.Second, 5*time.Millisecond)

	// confirmation outlasts the lock wait; the duplicate still learns the signature
	dup, err := h.orch.Disburse(context.Background(), tipIntent("slow-confirm"))
	require.NoError(t, err)
	require.Equal(t, disburse.ResultPending, dup.Result)
	require.True(t, dup.Replayed)
	require.Equal(t, disburse.StatusSubmitted, dup.Disbursement.Status)
	require.NotEmpty(t, dup.Disbursement.Signature)

	close(gate)
	out := <-first
	require.NotNil(t, out)
	require.Equal(t, disburse.ResultConfirmed, out.Result)
	require.Equal(t, out.Disbursement.Signature, dup.Disbursement.Signature)
	require.Equal(t, 1, h.ledger.count("submit"))
}

func TestDisburseDuplicateBeforeSigningIsInProgress(t *testing.T) {
	h := newHarness(t, disburse.Config{LockTimeout: 20 * time.Millisecond})
	gate := make(chan struct{})
	h.ledger.hold["blockhash"] = gate

	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := h.orch.Disburse(context.Background(), tipIntent("unsigned")); err != nil {
			t.Error(err)
		}
	}()
	require.Eventually(t, func() bool { return h.ledger.count("blockhash") == 1 }, time.Second, 5*time.Millisecond)

	_, err := h.orch.Disburse(context.Background(), tipIntent("unsigned"))
	require.Equal(t, disburse.KindInProgress, disburse.KindOf(err))

	close(gate)
	<-done
	require.Equal(t, 1, h.ledger.count("submit"))
}

func TestDisburseRejectsInvalidRecipientWithoutLedgerCalls(t *testing.T) {
	h := newHarness(t, disburse.Config{})

	for _, wallet := range []string{"not-a-wallet", "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed", solana.PublicKey{}.String(), h.vault.PublicKey().String()} {
		intent := tipIntent("n")
		intent.ToWallet = wallet
		_, err := h.orch.Disburse(context.Background(), intent)
		require.Equal(t, disburse.KindInvalidRecipient, disburse.KindOf(err), wallet)
	}

	intent := tipIntent("n")
	intent.ToWallet = ""
	_, err := h.orch.Disburse(context.Background(), intent)
	require.Equal(t, disburse.KindInvalidRequest, disburse.KindOf(err))

	require.Zero(t, h.ledger.count("blockhash"))
	require.Zero(t, h.ledger.count("submit"))
}

func TestDisburseValidatesIntent(t *testing.T) {
	h := newHarness(t, disburse.Config{})

	booking := func(mutate func(*disburse.PaymentIntent)) disburse.PaymentIntent {
		in := disburse.PaymentIntent{
			Kind:        disburse.KindBooking,
			FromUserID:  "user-1",
			ToWallet:    recipient,
			GrossAmount: "1",
			Nonce:       "b",
			Metadata:    disburse.Metadata{Booking: &disburse.Booking{Date: "2026-11-02", Time: "19:30"}},
		}
		mutate(&in)
		return in
	}

	cases := map[string]disburse.PaymentIntent{
		"zero budget":    booking(func(in *disburse.PaymentIntent) { in.GrossAmount = "0" }),
		"negative":       booking(func(in *disburse.PaymentIntent) { in.GrossAmount = "-1" }),
		"not a number":   booking(func(in *disburse.PaymentIntent) { in.GrossAmount = "lots" }),
		"dust":           booking(func(in *disburse.PaymentIntent) { in.GrossAmount = "0.0000000001" }),
		"bad date":       booking(func(in *disburse.PaymentIntent) { in.Metadata.Booking.Date = "02/11/2026" }),
		"bad time":       booking(func(in *disburse.PaymentIntent) { in.Metadata.Booking.Time = "7pm" }),
		"anonymous":      booking(func(in *disburse.PaymentIntent) { in.FromUserID = "" }),
		"no nonce":       booking(func(in *disburse.PaymentIntent) { in.Nonce = "" }),
		"unknown kind":   booking(func(in *disburse.PaymentIntent) { in.Kind = "raffle" }),
		"adoption tier":  {Kind: disburse.KindAdoption, FromUserID: "u", ToWallet: recipient, GrossAmount: "1", Nonce: "a", Metadata: disburse.Metadata{Adoption: &disburse.Adoption{Tier: "platinum"}}},
		"tip extra data": {Kind: disburse.KindTip, ToWallet: recipient, GrossAmount: "1", Nonce: "t", Metadata: disburse.Metadata{Booking: &disburse.Booking{}}},
	}
	for name, in := range cases {
		_, err := h.orch.Disburse(context.Background(), in)
		require.Equal(t, disburse.KindInvalidRequest, disburse.KindOf(err), name)
	}
	require.Zero(t, h.ledger.count("blockhash"))

	// anonymous tips are a handler policy, not an orchestrator rule
	anon := tipIntent("anon")
	anon.FromUserID = ""
	out, err := h.orch.Disburse(context.Background(), anon)
	require.NoError(t, err)
	require.Equal(t, disburse.ResultConfirmed, out.Result)
}

func TestDisburseMismatchedRequestForSameKey(t *testing.T) {
	h := newHarness(t, disburse.Config{})

	in := tipIntent("")
	in.ClientKey = "client-key-1"
	_, err := h.orch.Disburse(context.Background(), in)
	require.NoError(t, err)

	in.GrossAmount = "3"
	_, err = h.orch.Disburse(context.Background(), in)
	require.Equal(t, disburse.KindIdempotencyMismatch, disburse.KindOf(err))
	require.Equal(t, 1, h.ledger.count("submit"))
}

func TestDisburseInsufficientVaultBalance(t *testing.T) {
	h := newHarness(t, disburse.Config{})
	h.ledger.VaultBalance = 2_500_000_000 // gross but not the network fee

	_, err := h.orch.Disburse(context.Background(), tipIntent("poor"))
	require.Equal(t, disburse.KindInsufficientVaultBalance, disburse.KindOf(err))
	require.Zero(t, h.ledger.count("submit"))

	// the row is failed and a retry is accepted once funded
	h.ledger.VaultBalance = 10_000_000_000
	out, err := h.orch.Disburse(context.Background(), tipIntent("poor"))
	require.NoError(t, err)
	require.Equal(t, disburse.ResultConfirmed, out.Result)
	require.Equal(t, 2, out.Disbursement.Attempts)
}

func TestDisburseNetworkUnavailableBeforeSubmission(t *testing.T) {
	h := newHarness(t, disburse.Config{})
	h.ledger.blockhashErr = &ledger.NetworkError{Method: "getLatestBlockhash", Err: errors.New("connection refused")}

	_, err := h.orch.Disburse(context.Background(), tipIntent("down"))
	require.Equal(t, disburse.KindNetworkUnavailable, disburse.KindOf(err))
	require.Zero(t, h.ledger.count("submit"))
}

func TestDisburseRPCRejection(t *testing.T) {
	h := newHarness(t, disburse.Config{})
	h.ledger.submitErr = &ledger.RPCError{Method: "sendTransaction", Code: -32002, Message: "blockhash not found"}

	_, err := h.orch.Disburse(context.Background(), tipIntent("rejected"))
	require.Equal(t, disburse.KindRPCRejected, disburse.KindOf(err))

	var de *disburse.Error
	require.True(t, errors.As(err, &de))
	require.NotEmpty(t, de.Signature)

	d, err := h.orch.Lookup(context.Background(), de.Key)
	require.NoError(t, err)
	require.Equal(t, disburse.StatusFailed, d.Status)
	require.Contains(t, d.FailureReason, "blockhash not found")
}

func TestDisburseIndeterminateSubmitGoesToReconciling(t *testing.T) {
	h := newHarness(t, disburse.Config{})
	h.ledger.submitErr = &ledger.NetworkError{Method: "sendTransaction", Err: errors.New("read: connection reset"), MaybeDelivered: true}

	out, err := h.orch.Disburse(context.Background(), tipIntent("lost"))
	require.NoError(t, err)
	require.Equal(t, disburse.ResultPending, out.Result)
	require.Equal(t, disburse.StatusReconciling, out.Disbursement.Status)
	require.NotEmpty(t, out.Disbursement.Signature)
}

func TestDisburseConfirmationTimeoutReportsPending(t *testing.T) {
	h := newHarness(t, disburse.Config{})
	h.ledger.awaitErr = ledger.ErrConfirmationTimeout

	out, err := h.orch.Disburse(context.Background(), tipIntent("slow"))
	require.NoError(t, err)
	require.Equal(t, disburse.ResultPending, out.Result)
	require.Equal(t, disburse.StatusReconciling, out.Disbursement.Status)
	require.NotEmpty(t, out.Disbursement.Signature)

	// a retry checks status once and never resubmits
	h.ledger.awaitErr = nil
	again, err := h.orch.Disburse(context.Background(), tipIntent("slow"))
	require.NoError(t, err)
	require.True(t, again.Replayed)
	require.Equal(t, disburse.ResultConfirmed, again.Result)
	require.Equal(t, out.Disbursement.Signature, again.Disbursement.Signature)
	require.Equal(t, 1, h.ledger.count("submit"))
}

func TestDisburseOnChainFailure(t *testing.T) {
	h := newHarness(t, disburse.Config{})
	h.ledger.awaitErr = &ledger.TxFailedError{Reason: `{"InstructionError":[0,"Custom"]}`}

	out, err := h.orch.Disburse(context.Background(), tipIntent("boom"))
	require.NoError(t, err)
	require.Equal(t, disburse.ResultFailed, out.Result)
	require.Equal(t, disburse.StatusFailed, out.Disbursement.Status)

	rec, ok := h.store.PaymentRecord(disburse.KindTip, out.Disbursement.IdempotencyKey)
	require.True(t, ok)
	require.Equal(t, disburse.StatusFailed, rec.Status)
}

func TestDisburseRecordFailureAfterConfirmation(t *testing.T) {
	h := newHarness(t, disburse.Config{})
	h.store.failRecords = true

	out, err := h.orch.Disburse(context.Background(), tipIntent("unrecorded"))
	require.NoError(t, err)
	require.Equal(t, disburse.ResultUnrecorded, out.Result)
	require.Equal(t, disburse.StatusConfirmed, out.Disbursement.Status)
	require.NotEmpty(t, out.Disbursement.Signature)
	require.False(t, out.Disbursement.Recorded)
	require.NotEmpty(t, h.logs.AllEntries())

	// a retry never pays again and finishes the bookkeeping
	h.store.failRecords = false
	again, err := h.orch.Disburse(context.Background(), tipIntent("unrecorded"))
	require.NoError(t, err)
	require.Equal(t, disburse.ResultConfirmed, again.Result)
	require.Equal(t, 1, h.ledger.count("submit"))
	_, ok := h.store.PaymentRecord(disburse.KindTip, out.Disbursement.IdempotencyKey)
	require.True(t, ok)
}

func TestDisburseStatusWriteFailureAfterConfirmation(t *testing.T) {
	h := newHarness(t, disburse.Config{})
	h.store.failConfirm = true

	out, err := h.orch.Disburse(context.Background(), tipIntent("status"))
	require.NoError(t, err)
	require.Equal(t, disburse.ResultUnrecorded, out.Result)
	require.Equal(t, disburse.StatusReconciling, out.Disbursement.Status)

	h.store.failConfirm = false
	rec := disburse.NewReconciler(h.orch, disburse.ReconcilerConfig{MinAge: time.Nanosecond})
	time.Sleep(time.Millisecond)
	report, err := rec.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.Confirmed)

	d, err := h.orch.Lookup(context.Background(), out.Disbursement.IdempotencyKey)
	require.NoError(t, err)
	require.Equal(t, disburse.StatusConfirmed, d.Status)
	require.True(t, d.Recorded)
	require.Equal(t, 1, h.ledger.count("submit"))
}

func TestConfirmedNeverTransitions(t *testing.T) {
	for _, to := range []disburse.Status{disburse.StatusPending, disburse.StatusSubmitted, disburse.StatusFailed, disburse.StatusReconciling} {
		require.False(t, disburse.CanTransition(disburse.StatusConfirmed, to))
	}
	require.True(t, disburse.CanTransition(disburse.StatusSubmitted, disburse.StatusConfirmed))
	require.True(t, disburse.CanTransition(disburse.StatusFailed, disburse.StatusPending))
	require.False(t, disburse.CanTransition(disburse.StatusReconciling, disburse.StatusPending))
}

func TestLookupUnknownKey(t *testing.T) {
	h := newHarness(t, disburse.Config{})
	_, err := h.orch.Lookup(context.Background(), "nope")
	require.ErrorIs(t, err, disburse.ErrNotFound)
}

func TestIdempotencyKeyScopesClientKeys(t *testing.T) {
	a := tipIntent("")
	a.ClientKey = "k"
	b := a
	b.FromUserID = "user-2"

	ka := disburse.IdempotencyKey(a, nil)
	kb := disburse.IdempotencyKey(b, nil)
	require.NotEqual(t, ka, kb)
	require.Len(t, ka, 64)
}
