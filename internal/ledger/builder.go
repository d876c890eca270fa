package ledger

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"

	"vaultpay/internal/vault"
)

// Transfer describes a native transfer out of the vault.
type Transfer struct {
	Payer     solana.PublicKey
	Recipient string
	Lamports  *big.Int
	// FeeAccount receives FeeLamports in the same transaction when set.
	FeeAccount  *solana.PublicKey
	FeeLamports *big.Int
	Block       BlockRef
}

// ParseAddress validates a base58 ledger address.
func ParseAddress(addr string) (solana.PublicKey, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return solana.PublicKey{}, fmt.Errorf("%w: empty", ErrInvalidRecipient)
	}
	pk, err := solana.PublicKeyFromBase58(addr)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("%w: %q", ErrInvalidRecipient, addr)
	}
	if pk.IsZero() {
		return solana.PublicKey{}, fmt.Errorf("%w: zero address", ErrInvalidRecipient)
	}
	return pk, nil
}

// BuildTransfer constructs an unsigned transaction paying Lamports from the
// vault to the recipient, with the vault as fee payer.
func BuildTransfer(t Transfer) (*solana.Transaction, error) {
	recipient, err := ParseAddress(t.Recipient)
	if err != nil {
		return nil, err
	}
	if recipient.Equals(t.Payer) {
		return nil, fmt.Errorf("%w: recipient is the vault", ErrInvalidRecipient)
	}
	lamports, err := checkAmount(t.Lamports)
	if err != nil {
		return nil, err
	}
	if t.Block.Blockhash == (solana.Hash{}) {
		return nil, fmt.Errorf("block reference is required")
	}

	instructions := []solana.Instruction{
		system.NewTransferInstruction(lamports, t.Payer, recipient).Build(),
	}

	if t.FeeAccount != nil && t.FeeLamports != nil && t.FeeLamports.Sign() > 0 {
		fee, err := checkAmount(t.FeeLamports)
		if err != nil {
			return nil, err
		}
		if lamports > ^uint64(0)-fee {
			return nil, fmt.Errorf("%w: net plus fee exceeds range", ErrAmountOverflow)
		}
		if !t.FeeAccount.Equals(t.Payer) {
			instructions = append(instructions, system.NewTransferInstruction(fee, t.Payer, *t.FeeAccount).Build())
		}
	}

	tx, err := solana.NewTransaction(instructions, t.Block.Blockhash, solana.TransactionPayer(t.Payer))
	if err != nil {
		return nil, fmt.Errorf("build transaction: %w", err)
	}
	return tx, nil
}

func checkAmount(amount *big.Int) (uint64, error) {
	if amount == nil || amount.Sign() <= 0 || !amount.IsUint64() {
		return 0, ErrAmountOverflow
	}
	return amount.Uint64(), nil
}

// SignTransaction signs the message with the vault and returns the wire
// bytes and the transaction signature. The vault must be the only signer.
func SignTransaction(tx *solana.Transaction, signer vault.Signer) ([]byte, solana.Signature, error) {
	if tx.Message.Header.NumRequiredSignatures != 1 {
		return nil, solana.Signature{}, fmt.Errorf("expected a single signer, got %d", tx.Message.Header.NumRequiredSignatures)
	}
	if len(tx.Message.AccountKeys) == 0 || !tx.Message.AccountKeys[0].Equals(signer.PublicKey()) {
		return nil, solana.Signature{}, fmt.Errorf("fee payer is not the vault")
	}

	msg, err := tx.Message.MarshalBinary()
	if err != nil {
		return nil, solana.Signature{}, fmt.Errorf("marshal message: %w", err)
	}
	sig, err := signer.Sign(msg)
	if err != nil {
		return nil, solana.Signature{}, fmt.Errorf("sign message: %w", err)
	}
	tx.Signatures = []solana.Signature{sig}

	raw, err := tx.MarshalBinary()
	if err != nil {
		return nil, solana.Signature{}, fmt.Errorf("marshal transaction: %w", err)
	}
	return raw, sig, nil
}
