/**
 * @description
 * Domain model for bank fees. A fee combines a percentage of the paid amount with an
 * optional flat amount and is computed against the payment's base value.
 *
 * @notes
 * - Money is represented with shopspring/decimal and rounded to currency scale (2 digits)
 *   once, at the end of the fee formula.
 * - Fees are never deleted; they move between the active and deactivated lifecycle states.
 */
package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// CurrencyScale is the number of decimal digits kept on monetary values.
const CurrencyScale = 2

// PercentageScale is the number of decimal digits a fee percentage may carry.
const PercentageScale = 4

// MaxFeeDescriptionLength mirrors the column width of fees.description.
const MaxFeeDescriptionLength = 100

var (
	hundred = decimal.NewFromInt(100)
)

// Lifecycle is the soft-delete state shared by fees and devices.
type Lifecycle string

const (
	LifecycleActive      Lifecycle = "active"
	LifecycleDeactivated Lifecycle = "deactivated"
)

// LifecycleFromActive maps the persisted boolean flag onto the lifecycle state.
func LifecycleFromActive(active bool) Lifecycle {
	if active {
		return LifecycleActive
	}
	return LifecycleDeactivated
}

// IsActive reports whether the lifecycle is in the active state.
func (l Lifecycle) IsActive() bool {
	return l == LifecycleActive
}

// Fee represents a configurable charge applied on top of a payment.
type Fee struct {
	ID          string          `json:"id"`
	Description string          `json:"description"`
	Percentage  decimal.Decimal `json:"percentage"`
	FixedAmount decimal.Decimal `json:"fixed_amount"`
	Lifecycle   Lifecycle       `json:"lifecycle"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Active reports whether the fee can currently be offered to callers.
func (f Fee) Active() bool {
	return f.Lifecycle.IsActive()
}

// Activate moves the fee back into the active state.
func (f *Fee) Activate(now time.Time) {
	f.Lifecycle = LifecycleActive
	f.UpdatedAt = now
}

// Deactivate soft-deletes the fee.
func (f *Fee) Deactivate(now time.Time) {
	f.Lifecycle = LifecycleDeactivated
	f.UpdatedAt = now
}

// Compute returns base*percentage/100 + fixedAmount rounded half-up to currency scale.
func (f Fee) Compute(base decimal.Decimal) decimal.Decimal {
	return base.Mul(f.Percentage).Div(hundred).Add(f.FixedAmount).Round(CurrencyScale)
}

// Validate checks the invariants enforced on create and update.
func (f Fee) Validate() error {
	description := strings.TrimSpace(f.Description)
	if description == "" {
		return NewInvalidFeeError("description", "must be provided")
	}
	if len(description) > MaxFeeDescriptionLength {
		return NewInvalidFeeError("description", "must be at most 100 characters")
	}
	if f.Percentage.IsNegative() {
		return NewInvalidFeeError("percentage", "must be greater than or equal to 0")
	}
	if f.Percentage.GreaterThan(hundred) {
		return NewInvalidFeeError("percentage", "must not exceed 100")
	}
	if !FitsScale(f.Percentage, PercentageScale) {
		return NewInvalidFeeError("percentage", "must have at most 4 decimal places")
	}
	if f.FixedAmount.IsNegative() {
		return NewInvalidFeeError("fixed_amount", "must be greater than or equal to 0")
	}
	if !FitsScale(f.FixedAmount, CurrencyScale) {
		return NewInvalidFeeError("fixed_amount", "must have at most 2 decimal places")
	}
	return nil
}

// FitsScale reports whether v has no significant digits beyond scale decimal places.
// Trailing zeros such as 10.500 are accepted.
func FitsScale(v decimal.Decimal, scale int32) bool {
	return v.Equal(v.Truncate(scale))
}

// Snapshot captures the fee's terms and the amount it produced for one payment.
func (f Fee) Snapshot(base decimal.Decimal) FeeSnapshot {
	return FeeSnapshot{
		FeeID:       f.ID,
		Description: f.Description,
		Percentage:  f.Percentage,
		FixedAmount: f.FixedAmount,
		Amount:      f.Compute(base),
	}
}

// FeeInput is the payload accepted when creating or updating a fee.
type FeeInput struct {
	Description string           `json:"description"`
	Percentage  decimal.Decimal  `json:"percentage"`
	FixedAmount *decimal.Decimal `json:"fixed_amount,omitempty"`
}
