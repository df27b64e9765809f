/**
 * @description
 * Payment engine: validates a bill payment, computes fee totals, checks and debits
 * the ledger, and turns every outcome into a terminal audit record.
 *
 * @notes
 * - Process returns an error for any failed step; Record never does. Record is the
 *   boundary that callers use so that every attempt produces exactly one Payment.
 * - The account is only debited on SUCCESS. Failure records carry the same totals
 *   the attempt would have charged.
 */
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/transfa/backoffice-service/internal/domain"
)

// DefaultExpiredBillMarker flags a bill reference as past due.
const DefaultExpiredBillMarker = "VENCIDO"

// Ledger is the narrow view of an account balance the engine needs.
type Ledger interface {
	GetBalance(ctx context.Context, accountID string) (decimal.Decimal, error)
	// Debit must fail with *domain.InsufficientFundsError rather than overdraw.
	Debit(ctx context.Context, accountID string, amount decimal.Decimal) error
}

// PaymentAttempt is one request to pay a bill from an account with a set of fees.
type PaymentAttempt struct {
	AccountID     string
	BillReference string
	PaidAmount    decimal.Decimal
	Fees          []domain.Fee
	Note          *string
}

// EngineOptions tunes engine policy.
type EngineOptions struct {
	ExpiredBillMarker  string
	RejectInactiveFees bool
}

// PaymentEngine executes payment attempts against a Ledger.
type PaymentEngine struct {
	expiredMarker      string
	rejectInactiveFees bool
	clock              Clock
	newID              func() string
}

// NewPaymentEngine creates an engine. A nil clock falls back to the system clock.
func NewPaymentEngine(opts EngineOptions, clock Clock) *PaymentEngine {
	marker := strings.TrimSpace(opts.ExpiredBillMarker)
	if marker == "" {
		marker = DefaultExpiredBillMarker
	}
	if clock == nil {
		clock = SystemClock{}
	}
	return &PaymentEngine{
		expiredMarker:      strings.ToUpper(marker),
		rejectInactiveFees: opts.RejectInactiveFees,
		clock:              clock,
		newID:              uuid.NewString,
	}
}

type quote struct {
	snapshots   []domain.FeeSnapshot
	totalFees   decimal.Decimal
	totalAmount decimal.Decimal
}

// quote applies every supplied fee once per fee id, whether active or not.
func (e *PaymentEngine) quote(attempt PaymentAttempt) quote {
	q := quote{snapshots: []domain.FeeSnapshot{}, totalFees: decimal.Zero}
	seen := make(map[string]struct{}, len(attempt.Fees))
	for _, fee := range attempt.Fees {
		if fee.ID != "" {
			if _, dup := seen[fee.ID]; dup {
				continue
			}
			seen[fee.ID] = struct{}{}
		}
		snapshot := fee.Snapshot(attempt.PaidAmount)
		q.snapshots = append(q.snapshots, snapshot)
		q.totalFees = q.totalFees.Add(snapshot.Amount)
	}
	q.totalAmount = attempt.PaidAmount.Add(q.totalFees)
	return q
}

func (e *PaymentEngine) checkBill(reference string) error {
	trimmed := strings.TrimSpace(reference)
	if trimmed == "" {
		return &domain.ExpiredBillError{BillReference: reference, Reason: "bill reference is blank"}
	}
	if strings.Contains(strings.ToUpper(trimmed), e.expiredMarker) {
		return &domain.ExpiredBillError{BillReference: reference, Reason: "bill is past its due date"}
	}
	return nil
}

func (e *PaymentEngine) checkAttempt(attempt PaymentAttempt) error {
	if !attempt.PaidAmount.IsPositive() {
		return &domain.ValidationError{Field: "paid_amount", Reason: "must be greater than 0"}
	}
	if !domain.FitsScale(attempt.PaidAmount, domain.CurrencyScale) {
		return &domain.ValidationError{Field: "paid_amount", Reason: "must have at most 2 decimal places"}
	}
	if len(attempt.BillReference) > domain.MaxBillReferenceLength {
		return &domain.ValidationError{Field: "bill_reference", Reason: "must be at most 120 characters"}
	}
	if e.rejectInactiveFees {
		for _, fee := range attempt.Fees {
			if !fee.Active() {
				return &domain.ValidationError{Field: "fee_ids", Reason: fmt.Sprintf("fee %s is deactivated", fee.ID)}
			}
		}
	}
	return nil
}

// Process runs the payment steps and returns a SUCCESS record, or the error of the first failed step.
func (e *PaymentEngine) Process(ctx context.Context, ledger Ledger, attempt PaymentAttempt) (*domain.Payment, error) {
	if err := e.checkBill(attempt.BillReference); err != nil {
		return nil, err
	}
	if err := e.checkAttempt(attempt); err != nil {
		return nil, err
	}

	q := e.quote(attempt)

	balance, err := ledger.GetBalance(ctx, attempt.AccountID)
	if err != nil {
		return nil, fmt.Errorf("read balance of account %s: %w", attempt.AccountID, err)
	}
	if balance.LessThan(q.totalAmount) {
		return nil, &domain.InsufficientFundsError{AccountID: attempt.AccountID, Balance: balance, Required: q.totalAmount}
	}

	if err := ledger.Debit(ctx, attempt.AccountID, q.totalAmount); err != nil {
		return nil, err
	}

	return e.build(attempt, q, domain.PaymentStatusSuccess, attempt.Note), nil
}

// Record processes the attempt and always returns its terminal audit record.
func (e *PaymentEngine) Record(ctx context.Context, ledger Ledger, attempt PaymentAttempt) *domain.Payment {
	payment, err := e.Process(ctx, ledger, attempt)
	if err == nil {
		return payment
	}
	return e.Failed(attempt, err)
}

// Failed builds the audit record for an attempt that ended with err.
func (e *PaymentEngine) Failed(attempt PaymentAttempt, err error) *domain.Payment {
	reason := err.Error()
	return e.build(attempt, e.quote(attempt), StatusForError(err), &reason)
}

// StatusForError maps a processing error to the status stored on the audit record.
func StatusForError(err error) domain.PaymentStatus {
	var insufficient *domain.InsufficientFundsError
	var expired *domain.ExpiredBillError
	switch {
	case err == nil:
		return domain.PaymentStatusSuccess
	case errors.As(err, &insufficient):
		return domain.PaymentStatusInsufficientFunds
	case errors.As(err, &expired):
		return domain.PaymentStatusBillExpired
	default:
		return domain.PaymentStatusFailure
	}
}

func (e *PaymentEngine) build(attempt PaymentAttempt, q quote, status domain.PaymentStatus, note *string) *domain.Payment {
	return &domain.Payment{
		ID:            e.newID(),
		AccountID:     attempt.AccountID,
		BillReference: attempt.BillReference,
		PaidAmount:    attempt.PaidAmount,
		AppliedFees:   q.snapshots,
		TotalFees:     q.totalFees,
		TotalAmount:   q.totalAmount,
		Timestamp:     e.clock.Now(),
		Status:        status,
		Note:          note,
	}
}
