/**
 * @description
 * Payment use cases: resolve the request's fees, run the engine under the account
 * lock, persist the audit record, and announce the outcome on the events exchange.
 */
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/transfa/backoffice-service/internal/domain"
	"github.com/transfa/backoffice-service/internal/metrics"
	"github.com/transfa/backoffice-service/internal/store"
)

// EventPublisher defines the interface for publishing events.
type EventPublisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body interface{}) error
}

// PaymentService provides the business logic for bill payments.
type PaymentService struct {
	repo           store.Repository
	engine         *PaymentEngine
	publisher      EventPublisher
	eventsExchange string
	logger         *slog.Logger
}

// NewPaymentService creates a new payment service.
func NewPaymentService(repo store.Repository, engine *PaymentEngine, publisher EventPublisher, eventsExchange string, logger *slog.Logger) *PaymentService {
	if logger == nil {
		logger = slog.Default()
	}
	return &PaymentService{
		repo:           repo,
		engine:         engine,
		publisher:      publisher,
		eventsExchange: eventsExchange,
		logger:         logger,
	}
}

// txLedger adapts a locked account transaction to the engine's Ledger port.
type txLedger struct {
	tx store.AccountTx
}

func (l txLedger) GetBalance(ctx context.Context, accountID string) (decimal.Decimal, error) {
	balance, err := l.tx.GetBalance(ctx, accountID)
	if errors.Is(err, store.ErrAccountNotFound) {
		return decimal.Zero, &domain.NotFoundError{Entity: "account", ID: accountID}
	}
	return balance, err
}

func (l txLedger) Debit(ctx context.Context, accountID string, amount decimal.Decimal) error {
	err := l.tx.Debit(ctx, accountID, amount)
	if errors.Is(err, store.ErrInsufficientFunds) {
		balance, balanceErr := l.tx.GetBalance(ctx, accountID)
		if balanceErr != nil {
			balance = decimal.Zero
		}
		return &domain.InsufficientFundsError{AccountID: accountID, Balance: balance, Required: amount}
	}
	return err
}

// MakePayment records one payment attempt. Unknown accounts or fees are request
// errors and produce no record; every other outcome is returned as a Payment.
func (s *PaymentService) MakePayment(ctx context.Context, req domain.PaymentRequest) (*domain.Payment, error) {
	started := time.Now()
	accountID := strings.TrimSpace(req.AccountID)
	if accountID == "" {
		return nil, &domain.ValidationError{Field: "account_id", Reason: "must be provided"}
	}

	if _, err := s.repo.FindAccountByID(ctx, accountID); err != nil {
		if errors.Is(err, store.ErrAccountNotFound) {
			return nil, &domain.NotFoundError{Entity: "account", ID: accountID}
		}
		return nil, err
	}

	fees, err := s.resolveFees(ctx, req.UniqueFeeIDs())
	if err != nil {
		return nil, err
	}

	attempt := PaymentAttempt{
		AccountID:     accountID,
		BillReference: req.BillReference,
		PaidAmount:    req.PaidAmount,
		Fees:          fees,
		Note:          req.Note,
	}

	var recorded *domain.Payment
	lockErr := s.repo.WithAccountLock(ctx, accountID, func(ctx context.Context, tx store.AccountTx) error {
		recorded = s.engine.Record(ctx, txLedger{tx: tx}, attempt)
		if err := tx.InsertPayment(ctx, recorded); err != nil {
			return fmt.Errorf("persist payment %s: %w", recorded.ID, err)
		}
		return nil
	})

	if lockErr != nil {
		if errors.Is(lockErr, store.ErrAccountNotFound) {
			return nil, &domain.NotFoundError{Entity: "account", ID: accountID}
		}
		// The transaction rolled back, so no debit happened. Keep the attempt on the audit trail.
		s.logger.Error("payment transaction failed, recording failure outside account lock",
			"account_id", accountID, "error", lockErr)
		failed := recorded
		if failed == nil || failed.Succeeded() {
			failed = s.engine.Failed(attempt, lockErr)
		}
		if err := s.repo.InsertPayment(ctx, failed); err != nil {
			return nil, fmt.Errorf("record failed payment for account %s: %w", accountID, err)
		}
		recorded = failed
	}

	if recorded.Succeeded() {
		s.logger.Info("payment succeeded", "payment_id", recorded.ID, "account_id", accountID,
			"total_amount", recorded.TotalAmount.StringFixed(domain.CurrencyScale))
	} else {
		s.logger.Warn("payment failed", "payment_id", recorded.ID, "account_id", accountID,
			"status", recorded.Status, "reason", noteValue(recorded.Note))
	}

	metrics.ObservePayment(string(recorded.Status), time.Since(started))
	s.publishEvent(ctx, *recorded)
	return recorded, nil
}

func (s *PaymentService) resolveFees(ctx context.Context, ids []string) ([]domain.Fee, error) {
	fees := make([]domain.Fee, 0, len(ids))
	for _, id := range ids {
		fee, err := s.repo.FindFeeByID(ctx, id)
		if err != nil {
			if errors.Is(err, store.ErrFeeNotFound) {
				return nil, &domain.NotFoundError{Entity: "fee", ID: id}
			}
			return nil, err
		}
		fees = append(fees, *fee)
	}
	return fees, nil
}

// GetPayment returns one recorded attempt.
func (s *PaymentService) GetPayment(ctx context.Context, paymentID string) (*domain.Payment, error) {
	payment, err := s.repo.FindPaymentByID(ctx, paymentID)
	if err != nil {
		if errors.Is(err, store.ErrPaymentNotFound) {
			return nil, &domain.NotFoundError{Entity: "payment", ID: paymentID}
		}
		return nil, err
	}
	return payment, nil
}

// ListPayments returns every recorded attempt.
func (s *PaymentService) ListPayments(ctx context.Context) ([]domain.Payment, error) {
	return s.repo.ListPayments(ctx)
}

// ListPaymentsByAccount returns the attempts recorded for one account.
func (s *PaymentService) ListPaymentsByAccount(ctx context.Context, accountID string) ([]domain.Payment, error) {
	return s.repo.ListPaymentsByAccount(ctx, accountID)
}

// ListPaymentsByClient returns the attempts recorded for any account of a client.
func (s *PaymentService) ListPaymentsByClient(ctx context.Context, clientID string) ([]domain.Payment, error) {
	return s.repo.ListPaymentsByClient(ctx, clientID)
}

type paymentEvent struct {
	PaymentID     string          `json:"payment_id"`
	AccountID     string          `json:"account_id"`
	BillReference string          `json:"bill_reference"`
	PaidAmount    decimal.Decimal `json:"paid_amount"`
	TotalFees     decimal.Decimal `json:"total_fees"`
	TotalAmount   decimal.Decimal `json:"total_amount"`
	Status        string          `json:"status"`
	FailureReason *string         `json:"failure_reason,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
}

func (s *PaymentService) publishEvent(ctx context.Context, payment domain.Payment) {
	if s.publisher == nil {
		return
	}

	event := paymentEvent{
		PaymentID:     payment.ID,
		AccountID:     payment.AccountID,
		BillReference: payment.BillReference,
		PaidAmount:    payment.PaidAmount,
		TotalFees:     payment.TotalFees,
		TotalAmount:   payment.TotalAmount,
		Status:        string(payment.Status),
		Timestamp:     payment.Timestamp,
	}
	if !payment.Succeeded() {
		event.FailureReason = payment.Note
	}

	routingKey := "payment." + strings.ToLower(string(payment.Status))
	if err := s.publisher.Publish(ctx, s.eventsExchange, routingKey, event); err != nil {
		s.logger.Warn("failed to publish payment event", "routing_key", routingKey, "payment_id", payment.ID, "error", err)
	}
}

func noteValue(note *string) string {
	if note == nil {
		return ""
	}
	return *note
}
