package ledger

import (
	"context"
	"crypto/ed25519"
	"math/big"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/require"

	"vaultpay/internal/vault"
)

func testVault(t *testing.T) *vault.Vault {
	t.Helper()
	seed := make([]byte, ed25519.SeedSize)
	seed[0] = 42
	v, err := vault.Parse(solana.PrivateKey(ed25519.NewKeyFromSeed(seed)).String())
	require.NoError(t, err)
	return v
}

func testRef() BlockRef {
	return BlockRef{Blockhash: solana.Hash(testKey(5)), LastValidBlockHeight: 100}
}

func TestBuildAndSignTransfer(t *testing.T) {
	v := testVault(t)
	recipient := testKey(9)

	tx, err := BuildTransfer(Transfer{
		Payer:     v.PublicKey(),
		Recipient: recipient.String(),
		Lamports:  big.NewInt(2_375_000_000),
		Block:     testRef(),
	})
	require.NoError(t, err)
	require.Len(t, tx.Message.Instructions, 1)
	require.Equal(t, v.PublicKey(), tx.Message.AccountKeys[0])
	require.Equal(t, testRef().Blockhash, tx.Message.RecentBlockhash)

	raw, sig, err := SignTransaction(tx, v)
	require.NoError(t, err)
	require.NotEmpty(t, raw)

	msg, err := tx.Message.MarshalBinary()
	require.NoError(t, err)
	require.True(t, sig.Verify(v.PublicKey(), msg))

	// The fake ledger reads the signature back out of the wire bytes.
	fake := NewFakeClient(0)
	got, err := fake.Submit(context.Background(), raw)
	require.NoError(t, err)
	require.Equal(t, sig, got)
}

func TestBuildTransferWithFeeAccount(t *testing.T) {
	v := testVault(t)
	feeAccount := testKey(11)

	tx, err := BuildTransfer(Transfer{
		Payer:       v.PublicKey(),
		Recipient:   testKey(9).String(),
		Lamports:    big.NewInt(95),
		FeeAccount:  &feeAccount,
		FeeLamports: big.NewInt(5),
		Block:       testRef(),
	})
	require.NoError(t, err)
	require.Len(t, tx.Message.Instructions, 2)

	tx, err = BuildTransfer(Transfer{
		Payer:       v.PublicKey(),
		Recipient:   testKey(9).String(),
		Lamports:    big.NewInt(95),
		FeeAccount:  &feeAccount,
		FeeLamports: big.NewInt(0),
		Block:       testRef(),
	})
	require.NoError(t, err)
	require.Len(t, tx.Message.Instructions, 1)
}

func TestBuildTransferRejectsInvalidRecipient(t *testing.T) {
	v := testVault(t)
	for _, addr := range []string{"", "not-an-address", "0xabc", solana.PublicKey{}.String(), v.PublicKey().String()} {
		_, err := BuildTransfer(Transfer{
			Payer:     v.PublicKey(),
			Recipient: addr,
			Lamports:  big.NewInt(1),
			Block:     testRef(),
		})
		require.ErrorIs(t, err, ErrInvalidRecipient, addr)
	}
}

func TestBuildTransferRejectsAmountOutOfRange(t *testing.T) {
	v := testVault(t)
	tooBig := new(big.Int).Lsh(big.NewInt(1), 64)
	for _, amt := range []*big.Int{nil, big.NewInt(0), big.NewInt(-5), tooBig} {
		_, err := BuildTransfer(Transfer{
			Payer:     v.PublicKey(),
			Recipient: testKey(9).String(),
			Lamports:  amt,
			Block:     testRef(),
		})
		require.ErrorIs(t, err, ErrAmountOverflow)
	}
}
