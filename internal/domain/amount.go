package domain

import (
	"strings"

	"github.com/shopspring/decimal"
)

// AmountPolicy bounds the amounts a terminal accepts for one refill.
type AmountPolicy struct {
	Max  decimal.Decimal
	Step decimal.Decimal
}

func DefaultAmountPolicy() AmountPolicy {
	return AmountPolicy{Max: decimal.NewFromInt(1000), Step: decimal.NewFromInt(1)}
}

// Validate checks amount > 0, amount on the step grid and amount <= Max.
func (p AmountPolicy) Validate(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ValidationError("validate_amount", ErrAmountNotPositive)
	}
	if p.Step.IsPositive() && !amount.Mod(p.Step).IsZero() {
		return ValidationError("validate_amount", ErrAmountStep)
	}
	if amount.GreaterThan(p.Max) {
		return ValidationError("validate_amount", ErrAmountAboveCap)
	}
	return nil
}

// ParseAmount parses user input, rejecting anything that is not a plain number.
func ParseAmount(raw string) (decimal.Decimal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return decimal.Zero, ValidationError("parse_amount", ErrInvalidAmount)
	}
	amount, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, ValidationError("parse_amount", ErrInvalidAmount)
	}
	return amount, nil
}

// Round2 rounds half away from zero to currency precision.
func Round2(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}
