// Package slippage implements C2: the Slippage Guard — a pure, I/O-free
// function comparing a request price against the current market price.
package slippage

import (
	"errors"
	"math/big"

	"github.com/Mindburn-Labs/hitl-gateway/pkg/contracts"
)

// ErrInvalidPrice is returned when the request price is non-positive.
var ErrInvalidPrice = errors.New("slippage: request_price must be > 0")

// Validate compares requestPrice against currentPrice and reports whether
// the deviation is within maxPct, along with the deviation itself rounded
// half-even to 4 decimal places. All three inputs carry their own decimal
// scale (contracts.Money); the returned deviation is scaled to 4dp.
func Validate(requestPrice, currentPrice, maxPct contracts.Money) (valid bool, deviationPct contracts.Money, err error) {
	if requestPrice.Units <= 0 {
		return false, contracts.Money{}, ErrInvalidPrice
	}

	req := moneyToRat(requestPrice)
	cur := moneyToRat(currentPrice)

	diff := new(big.Rat).Sub(cur, req)
	diff.Abs(diff)

	deviation := new(big.Rat).Quo(diff, req)
	deviation.Mul(deviation, big.NewRat(100, 1))

	deviationMoney := ratToMoney(deviation, 4)

	max := moneyToRat(maxPct)
	valid = deviation.Cmp(max) <= 0

	return valid, deviationMoney, nil
}

func moneyToRat(m contracts.Money) *big.Rat {
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(m.Scale)), nil)
	return new(big.Rat).SetFrac(big.NewInt(m.Units), scale)
}

// ratToMoney rounds r half-even to the given scale and returns a Money.
func ratToMoney(r *big.Rat, scale uint8) contracts.Money {
	factor := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(scale)), nil)
	scaled := new(big.Rat).Mul(r, new(big.Rat).SetInt(factor))

	num := scaled.Num()
	den := scaled.Denom()

	quotient, remainder := new(big.Int).QuoRem(num, den, new(big.Int))

	// Half-even rounding on the remainder.
	twiceRemainder := new(big.Int).Mul(remainder, big.NewInt(2))
	twiceRemainder.Abs(twiceRemainder)
	cmp := twiceRemainder.Cmp(den)

	roundUp := false
	switch {
	case cmp > 0:
		roundUp = true
	case cmp == 0:
		// Exactly halfway: round to even.
		roundUp = quotient.Bit(0) == 1
	}
	if roundUp {
		if scaled.Sign() < 0 {
			quotient.Sub(quotient, big.NewInt(1))
		} else {
			quotient.Add(quotient, big.NewInt(1))
		}
	}

	return contracts.Money{Units: quotient.Int64(), Scale: scale}
}
