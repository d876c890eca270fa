// Package vault holds the platform signing key. The key is loaded once at
// startup and is only reachable through the Signer capability.
package vault

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/gagliardetto/solana-go"
)

var (
	ErrMissingSecret   = errors.New("vault secret is missing")
	ErrMalformedSecret = errors.New("vault secret is malformed")
)

// Signer is the only capability other components get from the vault.
type Signer interface {
	PublicKey() solana.PublicKey
	Sign(message []byte) (solana.Signature, error)
}

// SecretSource fetches raw key material from a secret store.
type SecretSource interface {
	Secret(ctx context.Context) (string, error)
}

// Vault is the custodial signing key.
type Vault struct {
	key solana.PrivateKey
	pub solana.PublicKey
}

var _ Signer = (*Vault)(nil)

// Load reads the key from src and parses it.
func Load(ctx context.Context, src SecretSource) (*Vault, error) {
	if src == nil {
		return nil, ErrMissingSecret
	}
	raw, err := src.Secret(ctx)
	if err != nil {
		return nil, err
	}
	return Parse(raw)
}

// Parse accepts either a JSON array of 64 byte values (the keypair file
// format) or a base58-encoded 64 byte keypair.
func Parse(raw string) (*Vault, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrMissingSecret
	}

	var keyBytes []byte
	if strings.HasPrefix(raw, "[") {
		decoded, err := parseByteArray(raw)
		if err != nil {
			return nil, err
		}
		keyBytes = decoded
	} else {
		decoded, err := solana.PrivateKeyFromBase58(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid base58", ErrMalformedSecret)
		}
		keyBytes = decoded
	}

	if len(keyBytes) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrMalformedSecret, ed25519.PrivateKeySize, len(keyBytes))
	}
	derived := ed25519.NewKeyFromSeed(keyBytes[:ed25519.SeedSize])
	if !bytes.Equal(derived[ed25519.SeedSize:], keyBytes[ed25519.SeedSize:]) {
		return nil, fmt.Errorf("%w: public half does not match seed", ErrMalformedSecret)
	}

	key := solana.PrivateKey(keyBytes)
	return &Vault{key: key, pub: key.PublicKey()}, nil
}

func parseByteArray(raw string) ([]byte, error) {
	var values []int
	if err := json.Unmarshal([]byte(raw), &values); err != nil {
		return nil, fmt.Errorf("%w: invalid byte array", ErrMalformedSecret)
	}
	out := make([]byte, len(values))
	for i, v := range values {
		if v < 0 || v > 255 {
			return nil, fmt.Errorf("%w: byte %d out of range", ErrMalformedSecret, i)
		}
		out[i] = byte(v)
	}
	return out, nil
}

// PublicKey returns the vault address.
func (v *Vault) PublicKey() solana.PublicKey {
	return v.pub
}

// Sign signs message with the vault key.
func (v *Vault) Sign(message []byte) (solana.Signature, error) {
	if v == nil || len(v.key) == 0 {
		return solana.Signature{}, ErrMissingSecret
	}
	return v.key.Sign(message)
}

func (v *Vault) String() string {
	return "vault(" + v.pub.String() + ")"
}

func (v *Vault) GoString() string {
	return v.String()
}

// MarshalJSON never exposes key material.
func (v *Vault) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]string{"address": v.pub.String()})
}
