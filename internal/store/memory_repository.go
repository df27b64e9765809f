package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/transfa/backoffice-service/internal/domain"
)

// MemoryRepository is an in-memory Repository used by tests and by local runs without DATABASE_URL.
type MemoryRepository struct {
	mu sync.RWMutex

	clients  map[string]struct{}
	accounts map[string]*domain.Account
	fees     map[string]*domain.Fee
	payments []*domain.Payment
	devices  map[string]*domain.Device
	codes    map[string]*domain.AuthenticationCode
	// insertion order for codes, used to break created_at ties
	codeSeq map[string]int
	nextSeq int

	lockMu       sync.Mutex
	accountLocks map[string]*sync.Mutex
}

// NewMemoryRepository constructs an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		clients:      make(map[string]struct{}),
		accounts:     make(map[string]*domain.Account),
		fees:         make(map[string]*domain.Fee),
		devices:      make(map[string]*domain.Device),
		codes:        make(map[string]*domain.AuthenticationCode),
		codeSeq:      make(map[string]int),
		accountLocks: make(map[string]*sync.Mutex),
	}
}

// AddClient registers a client id. Clients are owned by another service.
func (r *MemoryRepository) AddClient(clientID string) {
	r.mu.Lock()
	r.clients[clientID] = struct{}{}
	r.mu.Unlock()
}

// AddAccount registers an account and its client.
func (r *MemoryRepository) AddAccount(account domain.Account) {
	r.mu.Lock()
	r.clients[account.ClientID] = struct{}{}
	copied := account
	r.accounts[account.ID] = &copied
	r.mu.Unlock()
}

func (r *MemoryRepository) ClientExists(ctx context.Context, clientID string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.clients[clientID]
	return ok, nil
}

func (r *MemoryRepository) FindAccountByID(ctx context.Context, accountID string) (*domain.Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	account, ok := r.accounts[accountID]
	if !ok {
		return nil, ErrAccountNotFound
	}
	copied := *account
	return &copied, nil
}

func (r *MemoryRepository) accountLock(accountID string) *sync.Mutex {
	r.lockMu.Lock()
	defer r.lockMu.Unlock()
	lock, ok := r.accountLocks[accountID]
	if !ok {
		lock = &sync.Mutex{}
		r.accountLocks[accountID] = lock
	}
	return lock
}

// WithAccountLock holds a per-account mutex while fn runs and applies its buffered changes on success.
func (r *MemoryRepository) WithAccountLock(ctx context.Context, accountID string, fn func(ctx context.Context, tx AccountTx) error) error {
	lock := r.accountLock(accountID)
	lock.Lock()
	defer lock.Unlock()

	r.mu.RLock()
	account, ok := r.accounts[accountID]
	var balance decimal.Decimal
	if ok {
		balance = account.Balance
	}
	r.mu.RUnlock()
	if !ok {
		return ErrAccountNotFound
	}

	tx := &memoryAccountTx{accountID: accountID, balance: balance, debited: decimal.Zero}
	if err := fn(ctx, tx); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.accounts[accountID].Balance = r.accounts[accountID].Balance.Sub(tx.debited)
	r.payments = append(r.payments, tx.payments...)
	return nil
}

type memoryAccountTx struct {
	accountID string
	balance   decimal.Decimal
	debited   decimal.Decimal
	payments  []*domain.Payment
}

func (t *memoryAccountTx) GetBalance(ctx context.Context, accountID string) (decimal.Decimal, error) {
	if accountID != t.accountID {
		return decimal.Zero, fmt.Errorf("account %s is not locked by this transaction", accountID)
	}
	return t.balance.Sub(t.debited), nil
}

func (t *memoryAccountTx) Debit(ctx context.Context, accountID string, amount decimal.Decimal) error {
	if accountID != t.accountID {
		return fmt.Errorf("account %s is not locked by this transaction", accountID)
	}
	if t.balance.Sub(t.debited).LessThan(amount) {
		return ErrInsufficientFunds
	}
	t.debited = t.debited.Add(amount)
	return nil
}

func (t *memoryAccountTx) InsertPayment(ctx context.Context, payment *domain.Payment) error {
	t.payments = append(t.payments, clonePayment(payment))
	return nil
}

func clonePayment(payment *domain.Payment) *domain.Payment {
	copied := *payment
	copied.AppliedFees = append([]domain.FeeSnapshot{}, payment.AppliedFees...)
	if payment.Note != nil {
		note := *payment.Note
		copied.Note = &note
	}
	return &copied
}

func (r *MemoryRepository) CreateFee(ctx context.Context, fee *domain.Fee) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := *fee
	r.fees[fee.ID] = &copied
	return nil
}

func (r *MemoryRepository) UpdateFee(ctx context.Context, fee *domain.Fee) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.fees[fee.ID]
	if !ok {
		return ErrFeeNotFound
	}
	existing.Description = fee.Description
	existing.Percentage = fee.Percentage
	existing.FixedAmount = fee.FixedAmount
	existing.UpdatedAt = fee.UpdatedAt
	return nil
}

func (r *MemoryRepository) FindFeeByID(ctx context.Context, feeID string) (*domain.Fee, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fee, ok := r.fees[feeID]
	if !ok {
		return nil, ErrFeeNotFound
	}
	copied := *fee
	return &copied, nil
}

func (r *MemoryRepository) ListFees(ctx context.Context, activeOnly bool) ([]domain.Fee, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fees := []domain.Fee{}
	for _, fee := range r.fees {
		if activeOnly && !fee.Active() {
			continue
		}
		fees = append(fees, *fee)
	}
	sort.Slice(fees, func(i, j int) bool {
		if fees[i].CreatedAt.Equal(fees[j].CreatedAt) {
			return fees[i].ID < fees[j].ID
		}
		return fees[i].CreatedAt.Before(fees[j].CreatedAt)
	})
	return fees, nil
}

func (r *MemoryRepository) SetFeeActive(ctx context.Context, feeID string, active bool, at time.Time) (*domain.Fee, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fee, ok := r.fees[feeID]
	if !ok {
		return nil, ErrFeeNotFound
	}
	if active {
		fee.Activate(at)
	} else {
		fee.Deactivate(at)
	}
	copied := *fee
	return &copied, nil
}

func (r *MemoryRepository) InsertPayment(ctx context.Context, payment *domain.Payment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.accounts[payment.AccountID]; !ok {
		return ErrAccountNotFound
	}
	r.payments = append(r.payments, clonePayment(payment))
	return nil
}

func (r *MemoryRepository) FindPaymentByID(ctx context.Context, paymentID string) (*domain.Payment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, payment := range r.payments {
		if payment.ID == paymentID {
			return clonePayment(payment), nil
		}
	}
	return nil, ErrPaymentNotFound
}

func (r *MemoryRepository) listPayments(match func(*domain.Payment) bool) []domain.Payment {
	r.mu.RLock()
	defer r.mu.RUnlock()
	payments := []domain.Payment{}
	for i := len(r.payments) - 1; i >= 0; i-- {
		if match(r.payments[i]) {
			payments = append(payments, *clonePayment(r.payments[i]))
		}
	}
	sort.SliceStable(payments, func(i, j int) bool {
		return payments[i].Timestamp.After(payments[j].Timestamp)
	})
	return payments
}

func (r *MemoryRepository) ListPayments(ctx context.Context) ([]domain.Payment, error) {
	return r.listPayments(func(*domain.Payment) bool { return true }), nil
}

func (r *MemoryRepository) ListPaymentsByAccount(ctx context.Context, accountID string) ([]domain.Payment, error) {
	return r.listPayments(func(p *domain.Payment) bool { return p.AccountID == accountID }), nil
}

func (r *MemoryRepository) ListPaymentsByClient(ctx context.Context, clientID string) ([]domain.Payment, error) {
	r.mu.RLock()
	owned := make(map[string]struct{})
	for id, account := range r.accounts {
		if account.ClientID == clientID {
			owned[id] = struct{}{}
		}
	}
	r.mu.RUnlock()
	return r.listPayments(func(p *domain.Payment) bool {
		_, ok := owned[p.AccountID]
		return ok
	}), nil
}

func (r *MemoryRepository) CreateDevice(ctx context.Context, device *domain.Device) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.devices {
		if existing.SerialCode == device.SerialCode {
			return ErrDeviceSerialTaken
		}
		if existing.ClientID == device.ClientID {
			return ErrClientHasDevice
		}
	}
	copied := *device
	r.devices[device.ID] = &copied
	return nil
}

func (r *MemoryRepository) FindDeviceByID(ctx context.Context, deviceID string) (*domain.Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	device, ok := r.devices[deviceID]
	if !ok {
		return nil, ErrDeviceNotFound
	}
	copied := *device
	return &copied, nil
}

func (r *MemoryRepository) FindDeviceByClientID(ctx context.Context, clientID string) (*domain.Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, device := range r.devices {
		if device.ClientID == clientID {
			copied := *device
			return &copied, nil
		}
	}
	return nil, ErrDeviceNotFound
}

func (r *MemoryRepository) ListDevices(ctx context.Context) ([]domain.Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	devices := []domain.Device{}
	for _, device := range r.devices {
		devices = append(devices, *device)
	}
	sort.Slice(devices, func(i, j int) bool {
		if devices[i].RegisteredAt.Equal(devices[j].RegisteredAt) {
			return devices[i].ID < devices[j].ID
		}
		return devices[i].RegisteredAt.Before(devices[j].RegisteredAt)
	})
	return devices, nil
}

func (r *MemoryRepository) SetDeviceActive(ctx context.Context, deviceID string, active bool) (*domain.Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	device, ok := r.devices[deviceID]
	if !ok {
		return nil, ErrDeviceNotFound
	}
	if active {
		device.Activate()
	} else {
		device.Deactivate()
	}
	copied := *device
	return &copied, nil
}

func (r *MemoryRepository) MarkDeviceSeen(ctx context.Context, deviceID string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	device, ok := r.devices[deviceID]
	if !ok {
		return ErrDeviceNotFound
	}
	seen := at
	device.LastSeenAt = &seen
	return nil
}

func (r *MemoryRepository) CreateAuthCode(ctx context.Context, code *domain.AuthenticationCode) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := *code
	r.codes[code.ID] = &copied
	r.nextSeq++
	r.codeSeq[code.ID] = r.nextSeq
	return nil
}

func (r *MemoryRepository) HasOutstandingCode(ctx context.Context, clientID, code string, now time.Time) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, existing := range r.codes {
		if existing.ClientID == clientID && existing.Code == code && existing.Outstanding(now) {
			return true, nil
		}
	}
	return false, nil
}

// newer orders codes by the given instant and falls back to insertion order.
func (r *MemoryRepository) newer(a, b *domain.AuthenticationCode, at func(*domain.AuthenticationCode) time.Time) bool {
	if at(a).Equal(at(b)) {
		return r.codeSeq[a.ID] > r.codeSeq[b.ID]
	}
	return at(a).After(at(b))
}

func (r *MemoryRepository) FindPendingAuthCode(ctx context.Context, clientID, code string) (*domain.AuthenticationCode, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var found *domain.AuthenticationCode
	for _, existing := range r.codes {
		if existing.ClientID != clientID || existing.Code != code || existing.Validated || existing.IsRevoked() {
			continue
		}
		if found == nil || r.newer(existing, found, func(c *domain.AuthenticationCode) time.Time { return c.ExpiresAt }) {
			found = existing
		}
	}
	if found == nil {
		return nil, ErrAuthCodeNotFound
	}
	copied := *found
	return &copied, nil
}

func (r *MemoryRepository) FindLatestAuthCode(ctx context.Context, clientID string) (*domain.AuthenticationCode, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var found *domain.AuthenticationCode
	for _, existing := range r.codes {
		if existing.ClientID != clientID {
			continue
		}
		if found == nil || r.newer(existing, found, func(c *domain.AuthenticationCode) time.Time { return c.CreatedAt }) {
			found = existing
		}
	}
	if found == nil {
		return nil, ErrAuthCodeNotFound
	}
	copied := *found
	return &copied, nil
}

func (r *MemoryRepository) MarkAuthCodeValidated(ctx context.Context, codeID string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	code, ok := r.codes[codeID]
	if !ok {
		return ErrAuthCodeNotFound
	}
	if code.Validated || code.IsRevoked() {
		return ErrAuthCodeNotPending
	}
	validatedAt := at
	code.Validated = true
	code.ValidatedAt = &validatedAt
	return nil
}

func (r *MemoryRepository) RevokeAuthCode(ctx context.Context, codeID string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	code, ok := r.codes[codeID]
	if !ok {
		return ErrAuthCodeNotFound
	}
	if code.Validated || code.IsRevoked() {
		return ErrAuthCodeNotPending
	}
	revokedAt := at
	code.RevokedAt = &revokedAt
	return nil
}

func (r *MemoryRepository) DeleteAuthCodesExpiredBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var deleted int64
	for id, code := range r.codes {
		if code.ExpiresAt.Before(cutoff) {
			delete(r.codes, id)
			delete(r.codeSeq, id)
			deleted++
		}
	}
	return deleted, nil
}

var _ Repository = (*MemoryRepository)(nil)
var _ Repository = (*PostgresRepository)(nil)
