package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ValidationError reports bad input shape or range.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// InvalidFeeError is the ValidationError raised by fee create/update.
type InvalidFeeError struct {
	Validation ValidationError
}

// NewInvalidFeeError builds an InvalidFeeError for the given field.
func NewInvalidFeeError(field, reason string) *InvalidFeeError {
	return &InvalidFeeError{Validation: ValidationError{Field: field, Reason: reason}}
}

func (e *InvalidFeeError) Error() string {
	return fmt.Sprintf("invalid fee %s: %s", e.Validation.Field, e.Validation.Reason)
}

func (e *InvalidFeeError) Unwrap() error {
	return &e.Validation
}

// NotFoundError reports a missing account, fee, device, payment or code.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("%s not found", e.Entity)
	}
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

// InsufficientFundsError reports that a debit would overdraw the account.
type InsufficientFundsError struct {
	AccountID string
	Balance   decimal.Decimal
	Required  decimal.Decimal
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds on account %s: balance %s, required %s",
		e.AccountID, e.Balance.StringFixed(CurrencyScale), e.Required.StringFixed(CurrencyScale))
}

// ExpiredBillError reports a bill reference that can no longer be paid.
type ExpiredBillError struct {
	BillReference string
	Reason        string
}

func (e *ExpiredBillError) Error() string {
	return fmt.Sprintf("bill %q rejected: %s", e.BillReference, e.Reason)
}

// ExpiredAuthenticationError reports a code validated after its window closed.
type ExpiredAuthenticationError struct {
	CodeID    string
	ExpiredAt time.Time
}

func (e *ExpiredAuthenticationError) Error() string {
	return fmt.Sprintf("authentication code %s expired at %s", e.CodeID, e.ExpiredAt.UTC().Format(time.RFC3339))
}

// DeviceInactiveError reports a registered but deactivated device.
type DeviceInactiveError struct {
	DeviceID string
	ClientID string
}

func (e *DeviceInactiveError) Error() string {
	return fmt.Sprintf("device %s of client %s is inactive", e.DeviceID, e.ClientID)
}

// DispatchError wraps a transport failure while delivering a challenge.
type DispatchError struct {
	Topic string
	Err   error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch to %s failed: %v", e.Topic, e.Err)
}

func (e *DispatchError) Unwrap() error {
	return e.Err
}

// ConflictError reports a uniqueness violation.
type ConflictError struct {
	Entity string
	Field  string
	Value  string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s with %s %q already exists", e.Entity, e.Field, e.Value)
}

// RateLimitedError reports that a client exhausted its validation attempts.
type RateLimitedError struct {
	ClientID   string
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("too many validation attempts for client %s, retry in %s", e.ClientID, e.RetryAfter)
}
