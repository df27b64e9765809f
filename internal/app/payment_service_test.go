package app

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/transfa/backoffice-service/internal/domain"
	"github.com/transfa/backoffice-service/internal/store"
)

type publishedEvent struct {
	exchange   string
	routingKey string
	body       interface{}
}

type recordingEventPublisher struct {
	mu     sync.Mutex
	events []publishedEvent
	err    error
}

func (p *recordingEventPublisher) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, publishedEvent{exchange: exchange, routingKey: routingKey, body: body})
	return p.err
}

// failingInsertRepository refuses to persist payments inside the account transaction.
type failingInsertRepository struct {
	*store.MemoryRepository
}

type failingInsertTx struct {
	store.AccountTx
}

func (failingInsertTx) InsertPayment(ctx context.Context, payment *domain.Payment) error {
	return errors.New("disk full")
}

func (r failingInsertRepository) WithAccountLock(ctx context.Context, accountID string, fn func(ctx context.Context, tx store.AccountTx) error) error {
	return r.MemoryRepository.WithAccountLock(ctx, accountID, func(ctx context.Context, tx store.AccountTx) error {
		return fn(ctx, failingInsertTx{AccountTx: tx})
	})
}

func newPaymentFixture(t *testing.T, balance string) (*PaymentService, *store.MemoryRepository, *recordingEventPublisher) {
	t.Helper()
	repo := store.NewMemoryRepository()
	repo.AddAccount(domain.Account{ID: "acc-1", ClientID: "client-1", Balance: dec(balance)})
	if err := repo.CreateFee(context.Background(), &domain.Fee{
		ID: "fee-1", Description: "Service fee", Percentage: dec("10"), FixedAmount: dec("1.00"),
		Lifecycle: domain.LifecycleActive,
	}); err != nil {
		t.Fatalf("seed fee: %v", err)
	}
	publisher := &recordingEventPublisher{}
	engine := NewPaymentEngine(EngineOptions{}, newFakeClock())
	return NewPaymentService(repo, engine, publisher, "transfa.events", discardLogger()), repo, publisher
}

func accountBalance(t *testing.T, repo store.Repository, accountID string) decimal.Decimal {
	t.Helper()
	account, err := repo.FindAccountByID(context.Background(), accountID)
	if err != nil {
		t.Fatalf("FindAccountByID returned error: %v", err)
	}
	return account.Balance
}

func TestMakePaymentRecordsAndPublishes(t *testing.T) {
	service, repo, publisher := newPaymentFixture(t, "100.00")
	ctx := context.Background()

	payment, err := service.MakePayment(ctx, domain.PaymentRequest{
		AccountID: "acc-1", BillReference: "BILL-001", PaidAmount: dec("50.00"), FeeIDs: []string{"fee-1", "fee-1"},
	})
	if err != nil {
		t.Fatalf("MakePayment returned error: %v", err)
	}
	if payment.Status != domain.PaymentStatusSuccess {
		t.Fatalf("expected SUCCESS, got %s", payment.Status)
	}
	if got := accountBalance(t, repo, "acc-1"); !got.Equal(dec("44.00")) {
		t.Fatalf("expected balance 44.00, got %s", got)
	}

	stored, err := service.GetPayment(ctx, payment.ID)
	if err != nil {
		t.Fatalf("GetPayment returned error: %v", err)
	}
	if !stored.TotalAmount.Equal(dec("56.00")) {
		t.Fatalf("expected stored total 56.00, got %s", stored.TotalAmount)
	}

	byClient, err := service.ListPaymentsByClient(ctx, "client-1")
	if err != nil {
		t.Fatalf("ListPaymentsByClient returned error: %v", err)
	}
	if len(byClient) != 1 {
		t.Fatalf("expected 1 payment for client, got %d", len(byClient))
	}

	if len(publisher.events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(publisher.events))
	}
	if publisher.events[0].routingKey != "payment.success" || publisher.events[0].exchange != "transfa.events" {
		t.Fatalf("unexpected event routing %+v", publisher.events[0])
	}
}

func TestMakePaymentRejectsSubCentAmount(t *testing.T) {
	service, repo, _ := newPaymentFixture(t, "100.00")

	payment, err := service.MakePayment(context.Background(), domain.PaymentRequest{
		AccountID: "acc-1", BillReference: "ABC123", PaidAmount: dec("10.005"),
	})
	if err != nil {
		t.Fatalf("MakePayment returned error: %v", err)
	}
	if payment.Status != domain.PaymentStatusFailure {
		t.Fatalf("expected FAILURE, got %s", payment.Status)
	}
	if got := accountBalance(t, repo, "acc-1"); !got.Equal(dec("100.00")) {
		t.Fatalf("expected balance untouched at 100.00, got %s", got)
	}
}

func TestMakePaymentFailureIsRecordedWithoutDebit(t *testing.T) {
	service, repo, publisher := newPaymentFixture(t, "10.00")

	payment, err := service.MakePayment(context.Background(), domain.PaymentRequest{
		AccountID: "acc-1", BillReference: "BILL-001", PaidAmount: dec("50.00"),
	})
	if err != nil {
		t.Fatalf("MakePayment returned error: %v", err)
	}
	if payment.Status != domain.PaymentStatusInsufficientFunds {
		t.Fatalf("expected INSUFFICIENT_FUNDS, got %s", payment.Status)
	}
	if got := accountBalance(t, repo, "acc-1"); !got.Equal(dec("10.00")) {
		t.Fatalf("expected balance unchanged, got %s", got)
	}

	all, _ := service.ListPaymentsByAccount(context.Background(), "acc-1")
	if len(all) != 1 {
		t.Fatalf("expected failed attempt on audit trail, got %d records", len(all))
	}
	if publisher.events[0].routingKey != "payment.insufficient_funds" {
		t.Fatalf("expected insufficient funds event, got %q", publisher.events[0].routingKey)
	}
}

func TestMakePaymentRequestErrorsLeaveNoRecord(t *testing.T) {
	tests := []struct {
		name string
		req  domain.PaymentRequest
		want interface{}
	}{
		{
			name: "unknown account",
			req:  domain.PaymentRequest{AccountID: "missing", BillReference: "BILL-1", PaidAmount: dec("1.00")},
			want: &domain.NotFoundError{},
		},
		{
			name: "unknown fee",
			req:  domain.PaymentRequest{AccountID: "acc-1", BillReference: "BILL-1", PaidAmount: dec("1.00"), FeeIDs: []string{"nope"}},
			want: &domain.NotFoundError{},
		},
		{
			name: "blank account",
			req:  domain.PaymentRequest{AccountID: " ", BillReference: "BILL-1", PaidAmount: dec("1.00")},
			want: &domain.ValidationError{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			service, repo, publisher := newPaymentFixture(t, "100.00")

			_, err := service.MakePayment(context.Background(), tt.req)
			switch tt.want.(type) {
			case *domain.NotFoundError:
				var notFound *domain.NotFoundError
				if !errors.As(err, &notFound) {
					t.Fatalf("expected NotFoundError, got %v", err)
				}
			case *domain.ValidationError:
				var validation *domain.ValidationError
				if !errors.As(err, &validation) {
					t.Fatalf("expected ValidationError, got %v", err)
				}
			}

			all, _ := repo.ListPayments(context.Background())
			if len(all) != 0 {
				t.Fatalf("expected no payment record, got %d", len(all))
			}
			if len(publisher.events) != 0 {
				t.Fatalf("expected no event, got %d", len(publisher.events))
			}
		})
	}
}

func TestMakePaymentPersistFailureRollsBackDebit(t *testing.T) {
	repo := store.NewMemoryRepository()
	repo.AddAccount(domain.Account{ID: "acc-1", ClientID: "client-1", Balance: dec("100.00")})
	engine := NewPaymentEngine(EngineOptions{}, newFakeClock())
	service := NewPaymentService(failingInsertRepository{MemoryRepository: repo}, engine, nil, "", discardLogger())

	payment, err := service.MakePayment(context.Background(), domain.PaymentRequest{
		AccountID: "acc-1", BillReference: "BILL-1", PaidAmount: dec("30.00"),
	})
	if err != nil {
		t.Fatalf("MakePayment returned error: %v", err)
	}
	if payment.Status != domain.PaymentStatusFailure {
		t.Fatalf("expected FAILURE, got %s", payment.Status)
	}
	if got := accountBalance(t, repo, "acc-1"); !got.Equal(dec("100.00")) {
		t.Fatalf("expected debit rolled back, got balance %s", got)
	}
	all, _ := repo.ListPayments(context.Background())
	if len(all) != 1 || all[0].Status != domain.PaymentStatusFailure {
		t.Fatalf("expected one FAILURE record, got %+v", all)
	}
}

func TestMakePaymentConcurrentDebitsNeverOverdraw(t *testing.T) {
	const attempts = 20
	service, repo, _ := newPaymentFixture(t, "100.00")

	var wg sync.WaitGroup
	results := make(chan domain.PaymentStatus, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			payment, err := service.MakePayment(context.Background(), domain.PaymentRequest{
				AccountID: "acc-1", BillReference: "BILL-RACE", PaidAmount: dec("100.00"),
			})
			if err != nil {
				t.Errorf("MakePayment returned error: %v", err)
				return
			}
			results <- payment.Status
		}()
	}
	wg.Wait()
	close(results)

	counts := map[domain.PaymentStatus]int{}
	for status := range results {
		counts[status]++
	}
	if counts[domain.PaymentStatusSuccess] != 1 {
		t.Fatalf("expected exactly one success, got %v", counts)
	}
	if counts[domain.PaymentStatusInsufficientFunds] != attempts-1 {
		t.Fatalf("expected %d insufficient funds, got %v", attempts-1, counts)
	}
	if got := accountBalance(t, repo, "acc-1"); !got.IsZero() {
		t.Fatalf("expected final balance 0, got %s", got)
	}
	all, _ := repo.ListPayments(context.Background())
	if len(all) != attempts {
		t.Fatalf("expected %d audit records, got %d", attempts, len(all))
	}
}
