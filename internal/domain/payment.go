package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// MaxBillReferenceLength mirrors the column width of payments.bill_reference.
const MaxBillReferenceLength = 120

// PaymentStatus is the terminal outcome of a payment attempt.
type PaymentStatus string

const (
	PaymentStatusSuccess           PaymentStatus = "SUCCESS"
	PaymentStatusFailure           PaymentStatus = "FAILURE"
	PaymentStatusInsufficientFunds PaymentStatus = "INSUFFICIENT_FUNDS"
	PaymentStatusBillExpired       PaymentStatus = "BILL_EXPIRED"
	// Reserved for an authenticate-then-pay flow. Nothing produces these yet.
	PaymentStatusAwaitingAuthentication PaymentStatus = "AWAITING_AUTHENTICATION"
	PaymentStatusAuthenticationExpired  PaymentStatus = "AUTHENTICATION_EXPIRED"
)

var paymentStatuses = map[PaymentStatus]struct{}{
	PaymentStatusSuccess:                {},
	PaymentStatusFailure:                {},
	PaymentStatusInsufficientFunds:      {},
	PaymentStatusBillExpired:            {},
	PaymentStatusAwaitingAuthentication: {},
	PaymentStatusAuthenticationExpired:  {},
}

// ParsePaymentStatus converts a stored or user supplied value into a PaymentStatus.
func ParsePaymentStatus(raw string) (PaymentStatus, error) {
	status := PaymentStatus(strings.ToUpper(strings.TrimSpace(raw)))
	if _, ok := paymentStatuses[status]; !ok {
		return "", &ValidationError{Field: "status", Reason: fmt.Sprintf("unknown payment status %q", raw)}
	}
	return status, nil
}

// FeeSnapshot freezes a fee's terms at the moment a payment was processed.
type FeeSnapshot struct {
	FeeID       string          `json:"fee_id"`
	Description string          `json:"description"`
	Percentage  decimal.Decimal `json:"percentage"`
	FixedAmount decimal.Decimal `json:"fixed_amount"`
	Amount      decimal.Decimal `json:"amount"`
}

// Payment is the immutable audit record of a single payment attempt.
type Payment struct {
	ID            string          `json:"id"`
	AccountID     string          `json:"account_id"`
	BillReference string          `json:"bill_reference"`
	PaidAmount    decimal.Decimal `json:"paid_amount"`
	AppliedFees   []FeeSnapshot   `json:"applied_fees"`
	TotalFees     decimal.Decimal `json:"total_fees"`
	TotalAmount   decimal.Decimal `json:"total_amount"`
	Timestamp     time.Time       `json:"timestamp"`
	Status        PaymentStatus   `json:"status"`
	Note          *string         `json:"note,omitempty"`
}

// Succeeded reports whether the attempt debited the account.
func (p Payment) Succeeded() bool {
	return p.Status == PaymentStatusSuccess
}

// PaymentRequest is the payload accepted by the payment endpoint.
type PaymentRequest struct {
	AccountID     string          `json:"account_id"`
	BillReference string          `json:"bill_reference"`
	PaidAmount    decimal.Decimal `json:"paid_amount"`
	FeeIDs        []string        `json:"fee_ids"`
	Note          *string         `json:"note,omitempty"`
}

// UniqueFeeIDs returns the requested fee ids in order with duplicates and blanks removed.
func (r PaymentRequest) UniqueFeeIDs() []string {
	seen := make(map[string]struct{}, len(r.FeeIDs))
	ids := make([]string, 0, len(r.FeeIDs))
	for _, id := range r.FeeIDs {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids
}

// Account is the balance holder debited by payments. Accounts are owned by another service.
type Account struct {
	ID       string          `json:"id"`
	ClientID string          `json:"client_id"`
	Balance  decimal.Decimal `json:"balance"`
}
