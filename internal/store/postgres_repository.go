/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface.
 * Payments and their fee snapshots are written in one transaction; account debits
 * run under a row lock taken by WithAccountLock.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - github.com/shopspring/decimal: NUMERIC columns are scanned into decimal values.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/transfa/backoffice-service/internal/domain"
)

const (
	uniqueViolation = "23505"

	devicesSerialConstraint = "devices_serial_code_key"
	devicesClientConstraint = "devices_client_id_key"
)

type execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// ClientExists reports whether the client is known to the bank.
func (r *PostgresRepository) ClientExists(ctx context.Context, clientID string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM clients WHERE id = $1)", clientID).Scan(&exists)
	return exists, err
}

// FindAccountByID loads an account and its current balance.
func (r *PostgresRepository) FindAccountByID(ctx context.Context, accountID string) (*domain.Account, error) {
	var account domain.Account
	err := r.db.QueryRow(ctx, "SELECT id, client_id, balance FROM accounts WHERE id = $1", accountID).
		Scan(&account.ID, &account.ClientID, &account.Balance)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return &account, nil
}

// WithAccountLock runs fn inside a transaction holding the account row lock.
func (r *PostgresRepository) WithAccountLock(ctx context.Context, accountID string, fn func(ctx context.Context, tx AccountTx) error) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var balance decimal.Decimal
	// Use FOR UPDATE to lock the row, preventing concurrent check-then-debit races.
	err = tx.QueryRow(ctx, "SELECT balance FROM accounts WHERE id = $1 FOR UPDATE", accountID).Scan(&balance)
	if err != nil {
		if err == pgx.ErrNoRows {
			return ErrAccountNotFound
		}
		return err
	}

	if err := fn(ctx, &pgAccountTx{tx: tx, accountID: accountID}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

type pgAccountTx struct {
	tx        pgx.Tx
	accountID string
}

func (t *pgAccountTx) GetBalance(ctx context.Context, accountID string) (decimal.Decimal, error) {
	if accountID != t.accountID {
		return decimal.Zero, fmt.Errorf("account %s is not locked by this transaction", accountID)
	}
	var balance decimal.Decimal
	err := t.tx.QueryRow(ctx, "SELECT balance FROM accounts WHERE id = $1", accountID).Scan(&balance)
	if err != nil {
		if err == pgx.ErrNoRows {
			return decimal.Zero, ErrAccountNotFound
		}
		return decimal.Zero, err
	}
	return balance, nil
}

func (t *pgAccountTx) Debit(ctx context.Context, accountID string, amount decimal.Decimal) error {
	if accountID != t.accountID {
		return fmt.Errorf("account %s is not locked by this transaction", accountID)
	}
	tag, err := t.tx.Exec(ctx, "UPDATE accounts SET balance = balance - $1 WHERE id = $2 AND balance >= $1", amount, accountID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrInsufficientFunds
	}
	return nil
}

func (t *pgAccountTx) InsertPayment(ctx context.Context, payment *domain.Payment) error {
	return insertPayment(ctx, t.tx, payment)
}

func insertPayment(ctx context.Context, db execer, payment *domain.Payment) error {
	query := `
		INSERT INTO payments (id, account_id, bill_reference, paid_amount, total_fees, total_amount, status, note, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	if _, err := db.Exec(ctx, query,
		payment.ID,
		payment.AccountID,
		payment.BillReference,
		payment.PaidAmount,
		payment.TotalFees,
		payment.TotalAmount,
		string(payment.Status),
		payment.Note,
		payment.Timestamp,
	); err != nil {
		return err
	}

	for _, fee := range payment.AppliedFees {
		if _, err := db.Exec(ctx, `
			INSERT INTO payment_fees (payment_id, fee_id, description, percentage, fixed_amount, amount)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, payment.ID, fee.FeeID, fee.Description, fee.Percentage, fee.FixedAmount, fee.Amount); err != nil {
			return err
		}
	}
	return nil
}

// InsertPayment writes a payment outside of any account lock.
func (r *PostgresRepository) InsertPayment(ctx context.Context, payment *domain.Payment) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := insertPayment(ctx, tx, payment); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

const paymentColumns = `p.id, p.account_id, p.bill_reference, p.paid_amount, p.total_fees, p.total_amount, p.status, p.note, p.created_at`

// FindPaymentByID retrieves one payment with its fee snapshots.
func (r *PostgresRepository) FindPaymentByID(ctx context.Context, paymentID string) (*domain.Payment, error) {
	payments, err := r.queryPayments(ctx, "SELECT "+paymentColumns+" FROM payments p WHERE p.id = $1", paymentID)
	if err != nil {
		return nil, err
	}
	if len(payments) == 0 {
		return nil, ErrPaymentNotFound
	}
	return &payments[0], nil
}

// ListPayments returns every recorded attempt, newest first.
func (r *PostgresRepository) ListPayments(ctx context.Context) ([]domain.Payment, error) {
	return r.queryPayments(ctx, "SELECT "+paymentColumns+" FROM payments p ORDER BY p.created_at DESC")
}

// ListPaymentsByAccount returns the attempts recorded against an account, newest first.
func (r *PostgresRepository) ListPaymentsByAccount(ctx context.Context, accountID string) ([]domain.Payment, error) {
	return r.queryPayments(ctx, "SELECT "+paymentColumns+" FROM payments p WHERE p.account_id = $1 ORDER BY p.created_at DESC", accountID)
}

// ListPaymentsByClient returns the attempts recorded against any account of a client.
func (r *PostgresRepository) ListPaymentsByClient(ctx context.Context, clientID string) ([]domain.Payment, error) {
	query := "SELECT " + paymentColumns + `
		FROM payments p
		JOIN accounts a ON a.id = p.account_id
		WHERE a.client_id = $1
		ORDER BY p.created_at DESC
	`
	return r.queryPayments(ctx, query, clientID)
}

func (r *PostgresRepository) queryPayments(ctx context.Context, query string, args ...any) ([]domain.Payment, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	payments := []domain.Payment{}
	ids := []string{}
	for rows.Next() {
		var payment domain.Payment
		var status string
		if err := rows.Scan(
			&payment.ID,
			&payment.AccountID,
			&payment.BillReference,
			&payment.PaidAmount,
			&payment.TotalFees,
			&payment.TotalAmount,
			&status,
			&payment.Note,
			&payment.Timestamp,
		); err != nil {
			return nil, err
		}
		payment.Status, err = domain.ParsePaymentStatus(status)
		if err != nil {
			return nil, err
		}
		payment.AppliedFees = []domain.FeeSnapshot{}
		payments = append(payments, payment)
		ids = append(ids, payment.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return payments, nil
	}

	feeRows, err := r.db.Query(ctx, `
		SELECT payment_id, fee_id, description, percentage, fixed_amount, amount
		FROM payment_fees
		WHERE payment_id = ANY($1)
		ORDER BY fee_id
	`, ids)
	if err != nil {
		return nil, err
	}
	defer feeRows.Close()

	byPayment := make(map[string][]domain.FeeSnapshot, len(ids))
	for feeRows.Next() {
		var paymentID string
		var snapshot domain.FeeSnapshot
		if err := feeRows.Scan(
			&paymentID,
			&snapshot.FeeID,
			&snapshot.Description,
			&snapshot.Percentage,
			&snapshot.FixedAmount,
			&snapshot.Amount,
		); err != nil {
			return nil, err
		}
		byPayment[paymentID] = append(byPayment[paymentID], snapshot)
	}
	if err := feeRows.Err(); err != nil {
		return nil, err
	}

	for i := range payments {
		if fees, ok := byPayment[payments[i].ID]; ok {
			payments[i].AppliedFees = fees
		}
	}
	return payments, nil
}

const feeColumns = `id, description, percentage, fixed_amount, active, created_at, updated_at`

func scanFee(row pgx.Row) (*domain.Fee, error) {
	var fee domain.Fee
	var active bool
	if err := row.Scan(
		&fee.ID,
		&fee.Description,
		&fee.Percentage,
		&fee.FixedAmount,
		&active,
		&fee.CreatedAt,
		&fee.UpdatedAt,
	); err != nil {
		return nil, err
	}
	fee.Lifecycle = domain.LifecycleFromActive(active)
	return &fee, nil
}

// CreateFee inserts a new fee.
func (r *PostgresRepository) CreateFee(ctx context.Context, fee *domain.Fee) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO fees (id, description, percentage, fixed_amount, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, fee.ID, fee.Description, fee.Percentage, fee.FixedAmount, fee.Active(), fee.CreatedAt, fee.UpdatedAt)
	return err
}

// UpdateFee overwrites a fee's terms. Existing payment snapshots are untouched.
func (r *PostgresRepository) UpdateFee(ctx context.Context, fee *domain.Fee) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE fees
		SET description = $2, percentage = $3, fixed_amount = $4, updated_at = $5
		WHERE id = $1
	`, fee.ID, fee.Description, fee.Percentage, fee.FixedAmount, fee.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrFeeNotFound
	}
	return nil
}

// FindFeeByID retrieves a fee regardless of its lifecycle state.
func (r *PostgresRepository) FindFeeByID(ctx context.Context, feeID string) (*domain.Fee, error) {
	fee, err := scanFee(r.db.QueryRow(ctx, "SELECT "+feeColumns+" FROM fees WHERE id = $1", feeID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrFeeNotFound
		}
		return nil, err
	}
	return fee, nil
}

// ListFees returns all fees, or only active ones.
func (r *PostgresRepository) ListFees(ctx context.Context, activeOnly bool) ([]domain.Fee, error) {
	query := "SELECT " + feeColumns + " FROM fees"
	if activeOnly {
		query += " WHERE active = TRUE"
	}
	query += " ORDER BY created_at ASC"

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	fees := []domain.Fee{}
	for rows.Next() {
		fee, err := scanFee(rows)
		if err != nil {
			return nil, err
		}
		fees = append(fees, *fee)
	}
	return fees, rows.Err()
}

// SetFeeActive moves a fee between lifecycle states.
func (r *PostgresRepository) SetFeeActive(ctx context.Context, feeID string, active bool, at time.Time) (*domain.Fee, error) {
	fee, err := scanFee(r.db.QueryRow(ctx,
		"UPDATE fees SET active = $2, updated_at = $3 WHERE id = $1 RETURNING "+feeColumns,
		feeID, active, at,
	))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrFeeNotFound
		}
		return nil, err
	}
	return fee, nil
}

const deviceColumns = `id, serial_code, public_key, client_id, active, registered_at, last_seen_at`

func scanDevice(row pgx.Row) (*domain.Device, error) {
	var device domain.Device
	var active bool
	if err := row.Scan(
		&device.ID,
		&device.SerialCode,
		&device.PublicKey,
		&device.ClientID,
		&active,
		&device.RegisteredAt,
		&device.LastSeenAt,
	); err != nil {
		return nil, err
	}
	device.Lifecycle = domain.LifecycleFromActive(active)
	return &device, nil
}

// CreateDevice registers a device. Unique constraints on serial and client are mapped to sentinels.
func (r *PostgresRepository) CreateDevice(ctx context.Context, device *domain.Device) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO devices (id, serial_code, public_key, client_id, active, registered_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, device.ID, device.SerialCode, device.PublicKey, device.ClientID, device.Active(), device.RegisteredAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			switch pgErr.ConstraintName {
			case devicesSerialConstraint:
				return ErrDeviceSerialTaken
			case devicesClientConstraint:
				return ErrClientHasDevice
			}
		}
		return err
	}
	return nil
}

// FindDeviceByID retrieves a device by id.
func (r *PostgresRepository) FindDeviceByID(ctx context.Context, deviceID string) (*domain.Device, error) {
	device, err := scanDevice(r.db.QueryRow(ctx, "SELECT "+deviceColumns+" FROM devices WHERE id = $1", deviceID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrDeviceNotFound
		}
		return nil, err
	}
	return device, nil
}

// FindDeviceByClientID retrieves the single device registered to a client.
func (r *PostgresRepository) FindDeviceByClientID(ctx context.Context, clientID string) (*domain.Device, error) {
	device, err := scanDevice(r.db.QueryRow(ctx, "SELECT "+deviceColumns+" FROM devices WHERE client_id = $1", clientID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrDeviceNotFound
		}
		return nil, err
	}
	return device, nil
}

// ListDevices returns all registered devices.
func (r *PostgresRepository) ListDevices(ctx context.Context) ([]domain.Device, error) {
	rows, err := r.db.Query(ctx, "SELECT "+deviceColumns+" FROM devices ORDER BY registered_at ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	devices := []domain.Device{}
	for rows.Next() {
		device, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, *device)
	}
	return devices, rows.Err()
}

// SetDeviceActive moves a device between lifecycle states.
func (r *PostgresRepository) SetDeviceActive(ctx context.Context, deviceID string, active bool) (*domain.Device, error) {
	device, err := scanDevice(r.db.QueryRow(ctx,
		"UPDATE devices SET active = $2 WHERE id = $1 RETURNING "+deviceColumns,
		deviceID, active,
	))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrDeviceNotFound
		}
		return nil, err
	}
	return device, nil
}

// MarkDeviceSeen stamps the device's last contact time.
func (r *PostgresRepository) MarkDeviceSeen(ctx context.Context, deviceID string, at time.Time) error {
	tag, err := r.db.Exec(ctx, "UPDATE devices SET last_seen_at = $2 WHERE id = $1", deviceID, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrDeviceNotFound
	}
	return nil
}

const authCodeColumns = `id, code, client_id, operation_kind, created_at, expires_at, validated, validated_at, revoked_at`

func scanAuthCode(row pgx.Row) (*domain.AuthenticationCode, error) {
	var code domain.AuthenticationCode
	if err := row.Scan(
		&code.ID,
		&code.Code,
		&code.ClientID,
		&code.OperationKind,
		&code.CreatedAt,
		&code.ExpiresAt,
		&code.Validated,
		&code.ValidatedAt,
		&code.RevokedAt,
	); err != nil {
		return nil, err
	}
	return &code, nil
}

// CreateAuthCode persists a freshly issued code.
func (r *PostgresRepository) CreateAuthCode(ctx context.Context, code *domain.AuthenticationCode) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO authentication_codes (id, code, client_id, operation_kind, created_at, expires_at, validated)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE)
	`, code.ID, code.Code, code.ClientID, code.OperationKind, code.CreatedAt, code.ExpiresAt)
	return err
}

// HasOutstandingCode reports whether the client already holds a live code with this value.
func (r *PostgresRepository) HasOutstandingCode(ctx context.Context, clientID, code string, now time.Time) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM authentication_codes
			WHERE client_id = $1 AND code = $2
			  AND validated = FALSE AND revoked_at IS NULL AND expires_at >= $3
		)
	`, clientID, code, now).Scan(&exists)
	return exists, err
}

// FindPendingAuthCode returns the newest unvalidated, unrevoked code matching client and value.
func (r *PostgresRepository) FindPendingAuthCode(ctx context.Context, clientID, code string) (*domain.AuthenticationCode, error) {
	found, err := scanAuthCode(r.db.QueryRow(ctx, `
		SELECT `+authCodeColumns+`
		FROM authentication_codes
		WHERE client_id = $1 AND code = $2 AND validated = FALSE AND revoked_at IS NULL
		ORDER BY expires_at DESC
		LIMIT 1
	`, clientID, code))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrAuthCodeNotFound
		}
		return nil, err
	}
	return found, nil
}

// FindLatestAuthCode returns the most recently issued code for a client.
func (r *PostgresRepository) FindLatestAuthCode(ctx context.Context, clientID string) (*domain.AuthenticationCode, error) {
	found, err := scanAuthCode(r.db.QueryRow(ctx, `
		SELECT `+authCodeColumns+`
		FROM authentication_codes
		WHERE client_id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`, clientID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrAuthCodeNotFound
		}
		return nil, err
	}
	return found, nil
}

// MarkAuthCodeValidated is a compare-and-set on the validated flag.
func (r *PostgresRepository) MarkAuthCodeValidated(ctx context.Context, codeID string, at time.Time) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE authentication_codes
		SET validated = TRUE, validated_at = $2
		WHERE id = $1 AND validated = FALSE AND revoked_at IS NULL
	`, codeID, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAuthCodeNotPending
	}
	return nil
}

// RevokeAuthCode withdraws a code that was never delivered.
func (r *PostgresRepository) RevokeAuthCode(ctx context.Context, codeID string, at time.Time) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE authentication_codes
		SET revoked_at = $2
		WHERE id = $1 AND validated = FALSE AND revoked_at IS NULL
	`, codeID, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAuthCodeNotPending
	}
	return nil
}

// DeleteAuthCodesExpiredBefore purges codes whose window closed before cutoff.
func (r *PostgresRepository) DeleteAuthCodesExpiredBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, "DELETE FROM authentication_codes WHERE expires_at < $1", cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
