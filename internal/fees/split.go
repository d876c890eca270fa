package fees

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
)

// MaxBps is the exclusive upper bound for a fee rate.
const MaxBps = 10000

// LamportsPerSOL is the number of minor units in one whole unit of the native asset.
const LamportsPerSOL = 1_000_000_000

const lamportDecimals = 9

var (
	ErrInvalidAmount = errors.New("amount must be a positive decimal")
	ErrInvalidBps    = errors.New("fee bps must be in [0, 10000)")
)

var (
	bpsDenominator = big.NewInt(MaxBps)
	lamportsPerSOL = big.NewInt(LamportsPerSOL)
)

// Split is the result of dividing a gross minor-unit amount into recipient and platform shares.
type Split struct {
	Gross *big.Int
	Net   *big.Int
	Fee   *big.Int
}

// Compute splits gross by feeBps. The fee is rounded half-to-even and the
// net amount is the remainder, so Net+Fee == Gross exactly.
func Compute(gross *big.Int, feeBps uint32) (Split, error) {
	if gross == nil || gross.Sign() <= 0 {
		return Split{}, ErrInvalidAmount
	}
	if feeBps >= MaxBps {
		return Split{}, ErrInvalidBps
	}
	if feeBps == 0 {
		return Split{
			Gross: new(big.Int).Set(gross),
			Net:   new(big.Int).Set(gross),
			Fee:   new(big.Int),
		}, nil
	}

	scaled := new(big.Int).Mul(gross, big.NewInt(int64(feeBps)))
	fee := divRoundHalfEven(scaled, bpsDenominator)
	net := new(big.Int).Sub(gross, fee)
	return Split{
		Gross: new(big.Int).Set(gross),
		Net:   net,
		Fee:   fee,
	}, nil
}

// ToMinorUnits converts a human-readable decimal amount (e.g. "2.5") into
// lamports, rounding half-to-even at the lamport boundary.
func ToMinorUnits(amount string) (*big.Int, error) {
	amount = strings.TrimSpace(amount)
	if amount == "" {
		return nil, ErrInvalidAmount
	}
	r, ok := new(big.Rat).SetString(amount)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, amount)
	}
	if r.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	r.Mul(r, new(big.Rat).SetInt(lamportsPerSOL))
	lamports := divRoundHalfEven(r.Num(), r.Denom())
	if lamports.Sign() <= 0 {
		return nil, fmt.Errorf("%w: %q rounds to zero lamports", ErrInvalidAmount, amount)
	}
	return lamports, nil
}

// FromMinorUnits renders lamports as a decimal string in whole units with trailing zeros trimmed.
func FromMinorUnits(lamports *big.Int) string {
	if lamports == nil {
		return "0"
	}
	s := new(big.Rat).SetFrac(lamports, lamportsPerSOL).FloatString(lamportDecimals)
	if strings.Contains(s, ".") {
		s = strings.TrimRight(s, "0")
		s = strings.TrimSuffix(s, ".")
	}
	return s
}

// ToFloat converts lamports into whole units for JSON responses.
func ToFloat(lamports *big.Int) float64 {
	if lamports == nil {
		return 0
	}
	f, _ := new(big.Rat).SetFrac(lamports, lamportsPerSOL).Float64()
	return f
}

func divRoundHalfEven(num, den *big.Int) *big.Int {
	q, r := new(big.Int).QuoRem(num, den, new(big.Int))
	if r.Sign() == 0 {
		return q
	}
	twice := new(big.Int).Abs(r)
	twice.Lsh(twice, 1)
	switch twice.Cmp(new(big.Int).Abs(den)) {
	case 1:
		roundAway(q, num, den)
	case 0:
		if q.Bit(0) == 1 {
			roundAway(q, num, den)
		}
	}
	return q
}

func roundAway(q, num, den *big.Int) {
	if (num.Sign() < 0) != (den.Sign() < 0) {
		q.Sub(q, big.NewInt(1))
		return
	}
	q.Add(q, big.NewInt(1))
}
