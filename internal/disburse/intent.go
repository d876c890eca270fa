package disburse

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"math/big"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gagliardetto/solana-go"

	"vaultpay/internal/fees"
	"vaultpay/internal/ledger"
)

const (
	maxNotesLen   = 1000
	maxMessageLen = 500
	maxVideoIDLen = 128
	maxUserIDLen  = 128
	maxKeyLen     = 255
)

var adoptionTiers = map[string]bool{"bronze": true, "silver": true, "gold": true}

// prepared is a validated intent with its derived amounts and keys.
type prepared struct {
	intent      PaymentIntent
	recipient   solana.PublicKey
	gross       *big.Int
	split       fees.Split
	key         string
	requestHash string
}

func (o *Orchestrator) prepare(intent PaymentIntent) (*prepared, error) {
	intent.FromUserID = strings.TrimSpace(intent.FromUserID)
	intent.ToWallet = strings.TrimSpace(intent.ToWallet)
	intent.GrossAmount = strings.TrimSpace(intent.GrossAmount)
	intent.Nonce = strings.TrimSpace(intent.Nonce)
	intent.ClientKey = strings.TrimSpace(intent.ClientKey)

	if !intent.Kind.Valid() {
		return nil, invalid("unknown payment kind %q", intent.Kind)
	}
	if intent.Kind != KindTip && intent.FromUserID == "" {
		return nil, invalid("fromUserId is required for %s", intent.Kind)
	}
	if len(intent.FromUserID) > maxUserIDLen {
		return nil, invalid("fromUserId exceeds %d characters", maxUserIDLen)
	}
	if intent.ToWallet == "" {
		return nil, invalid("toWallet is required")
	}
	if len(intent.ClientKey) > maxKeyLen || len(intent.Nonce) > maxKeyLen {
		return nil, invalid("idempotency key exceeds %d characters", maxKeyLen)
	}
	if intent.ClientKey == "" && intent.Nonce == "" {
		return nil, invalid("a nonce or idempotency key is required")
	}
	if err := validateMetadata(intent.Kind, intent.Metadata); err != nil {
		return nil, err
	}

	gross, err := fees.ToMinorUnits(intent.GrossAmount)
	if err != nil {
		return nil, &Error{Kind: KindInvalidRequest, Err: err}
	}
	// amounts are stored as signed 64-bit integers
	if !gross.IsInt64() {
		return nil, invalid("amount %s exceeds the supported range", intent.GrossAmount)
	}

	recipient, err := ledger.ParseAddress(intent.ToWallet)
	if err != nil {
		return nil, &Error{Kind: KindInvalidRecipient, Err: err}
	}
	if recipient.Equals(o.signer.PublicKey()) {
		return nil, &Error{Kind: KindInvalidRecipient, Err: errors.New("recipient is the vault")}
	}

	split, err := fees.Compute(gross, o.cfg.FeeBps)
	if err != nil {
		return nil, &Error{Kind: KindInvalidRequest, Err: err}
	}
	if split.Net.Sign() <= 0 {
		return nil, invalid("amount %s leaves nothing for the recipient after fees", intent.GrossAmount)
	}

	return &prepared{
		intent:      intent,
		recipient:   recipient,
		gross:       gross,
		split:       split,
		key:         IdempotencyKey(intent, gross),
		requestHash: RequestHash(intent, gross),
	}, nil
}

func validateMetadata(kind Kind, md Metadata) error {
	if utf8.RuneCountInString(md.VideoID) > maxVideoIDLen {
		return invalid("videoId exceeds %d characters", maxVideoIDLen)
	}
	switch kind {
	case KindTip:
		if md.Booking != nil || md.Adoption != nil {
			return invalid("tip does not accept booking or adoption fields")
		}
	case KindBooking:
		if md.Adoption != nil {
			return invalid("booking does not accept adoption fields")
		}
		if md.Booking == nil {
			return nil
		}
		if md.Booking.Date != "" {
			if _, err := time.Parse("2006-01-02", md.Booking.Date); err != nil {
				return invalid("date must be YYYY-MM-DD")
			}
		}
		if md.Booking.Time != "" {
			if _, err := time.Parse("15:04", md.Booking.Time); err != nil {
				return invalid("time must be HH:MM")
			}
		}
		if utf8.RuneCountInString(md.Booking.Notes) > maxNotesLen {
			return invalid("notes exceed %d characters", maxNotesLen)
		}
	case KindAdoption:
		if md.Booking != nil {
			return invalid("adoption does not accept booking fields")
		}
		if md.Adoption == nil || !adoptionTiers[md.Adoption.Tier] {
			return invalid("tier must be one of bronze, silver, gold")
		}
		if utf8.RuneCountInString(md.Adoption.Message) > maxMessageLen {
			return invalid("message exceeds %d characters", maxMessageLen)
		}
	}
	return nil
}

// IdempotencyKey derives the dedup key of an intent. A caller-supplied key is
// scoped to the kind and user so two callers cannot collide; otherwise the key
// covers the payment fields plus the nonce.
func IdempotencyKey(intent PaymentIntent, gross *big.Int) string {
	h := sha256.New()
	if intent.ClientKey != "" {
		writeField(h, "client")
		writeField(h, string(intent.Kind))
		writeField(h, intent.FromUserID)
		writeField(h, intent.ClientKey)
	} else {
		writeField(h, "nonce")
		writeField(h, string(intent.Kind))
		writeField(h, intent.FromUserID)
		writeField(h, intent.ToWallet)
		writeField(h, gross.String())
		writeField(h, intent.Nonce)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// RequestHash fingerprints the payload so a reused key with a different
// request can be refused.
func RequestHash(intent PaymentIntent, gross *big.Int) string {
	h := sha256.New()
	writeField(h, string(intent.Kind))
	writeField(h, intent.FromUserID)
	writeField(h, intent.ToWallet)
	writeField(h, gross.String())
	md, _ := json.Marshal(intent.Metadata)
	writeField(h, string(md))
	return hex.EncodeToString(h.Sum(nil))
}

func writeField(w io.Writer, v string) {
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(v)))
	_, _ = w.Write(n[:])
	_, _ = w.Write([]byte(v))
}
