/**
 * @description
 * This file defines the `Repository` interface, the contract for all data access
 * required by the back-office service. The PostgreSQL implementation is used in
 * deployed environments; the in-memory implementation backs tests and local runs
 * without a database.
 *
 * @dependencies
 * - github.com/shopspring/decimal: monetary values.
 * - internal/domain: the service's domain models.
 */

package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"github.com/transfa/backoffice-service/internal/domain"
)

var (
	ErrAccountNotFound    = errors.New("account not found")
	ErrClientNotFound     = errors.New("client not found")
	ErrInsufficientFunds  = errors.New("insufficient funds")
	ErrFeeNotFound        = errors.New("fee not found")
	ErrPaymentNotFound    = errors.New("payment not found")
	ErrDeviceNotFound     = errors.New("device not found")
	ErrDeviceSerialTaken  = errors.New("device serial code already registered")
	ErrClientHasDevice    = errors.New("client already has a registered device")
	ErrAuthCodeNotFound   = errors.New("authentication code not found")
	ErrAuthCodeNotPending = errors.New("authentication code already validated or revoked")
)

// AccountTx is the view of one locked account handed to WithAccountLock callbacks.
// Every change made through it commits or rolls back together.
type AccountTx interface {
	GetBalance(ctx context.Context, accountID string) (decimal.Decimal, error)
	// Debit returns ErrInsufficientFunds instead of letting the balance go negative.
	Debit(ctx context.Context, accountID string, amount decimal.Decimal) error
	InsertPayment(ctx context.Context, payment *domain.Payment) error
}

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// Client and account methods
	ClientExists(ctx context.Context, clientID string) (bool, error)
	FindAccountByID(ctx context.Context, accountID string) (*domain.Account, error)
	// WithAccountLock serializes fn against every other call for the same account.
	// A nil return from fn commits; any error rolls back.
	WithAccountLock(ctx context.Context, accountID string, fn func(ctx context.Context, tx AccountTx) error) error

	// Fee methods
	CreateFee(ctx context.Context, fee *domain.Fee) error
	UpdateFee(ctx context.Context, fee *domain.Fee) error
	FindFeeByID(ctx context.Context, feeID string) (*domain.Fee, error)
	ListFees(ctx context.Context, activeOnly bool) ([]domain.Fee, error)
	SetFeeActive(ctx context.Context, feeID string, active bool, at time.Time) (*domain.Fee, error)

	// Payment methods
	InsertPayment(ctx context.Context, payment *domain.Payment) error
	FindPaymentByID(ctx context.Context, paymentID string) (*domain.Payment, error)
	ListPayments(ctx context.Context) ([]domain.Payment, error)
	ListPaymentsByAccount(ctx context.Context, accountID string) ([]domain.Payment, error)
	ListPaymentsByClient(ctx context.Context, clientID string) ([]domain.Payment, error)

	// Device methods
	CreateDevice(ctx context.Context, device *domain.Device) error
	FindDeviceByID(ctx context.Context, deviceID string) (*domain.Device, error)
	FindDeviceByClientID(ctx context.Context, clientID string) (*domain.Device, error)
	ListDevices(ctx context.Context) ([]domain.Device, error)
	SetDeviceActive(ctx context.Context, deviceID string, active bool) (*domain.Device, error)
	MarkDeviceSeen(ctx context.Context, deviceID string, at time.Time) error

	// Authentication code methods
	CreateAuthCode(ctx context.Context, code *domain.AuthenticationCode) error
	HasOutstandingCode(ctx context.Context, clientID, code string, now time.Time) (bool, error)
	// FindPendingAuthCode returns the most recent code for (clientID, code) that is
	// neither validated nor revoked. Expiry is left to the caller.
	FindPendingAuthCode(ctx context.Context, clientID, code string) (*domain.AuthenticationCode, error)
	FindLatestAuthCode(ctx context.Context, clientID string) (*domain.AuthenticationCode, error)
	// MarkAuthCodeValidated flips validated from false to true. It returns
	// ErrAuthCodeNotPending when another caller got there first.
	MarkAuthCodeValidated(ctx context.Context, codeID string, at time.Time) error
	RevokeAuthCode(ctx context.Context, codeID string, at time.Time) error
	DeleteAuthCodesExpiredBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
