package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/transfa/backoffice-service/internal/app"
	"github.com/transfa/backoffice-service/internal/domain"
	"github.com/transfa/backoffice-service/internal/store"
)

const testInternalKey = "internal-secret"

type stubClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stubClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stubClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingPublisher struct {
	mu       sync.Mutex
	messages []domain.ChallengeMessage
	topics   []string
}

func (p *recordingPublisher) Publish(ctx context.Context, topic string, payload interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
	p.messages = append(p.messages, payload.(domain.ChallengeMessage))
	return nil
}

func (p *recordingPublisher) lastCode(t *testing.T) string {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.messages) == 0 {
		t.Fatalf("expected a published challenge")
	}
	return p.messages[len(p.messages)-1].Code
}

// headerAuth stands in for Clerk: the caller's role comes from X-Test-Role.
func headerAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		role := r.Header.Get("X-Test-Role")
		if role == "" {
			http.Error(w, "Authorization header required", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), "user_test", role)))
	})
}

type testServer struct {
	handler   http.Handler
	repo      *store.MemoryRepository
	clock     *stubClock
	publisher *recordingPublisher
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clock := &stubClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	repo := store.NewMemoryRepository()
	publisher := &recordingPublisher{}

	engine := app.NewPaymentEngine(app.EngineOptions{}, clock)
	payments := app.NewPaymentService(repo, engine, nil, "", logger)
	fees := app.NewFeeService(repo, clock, logger)
	devices := app.NewDeviceService(repo, clock, logger)
	codes := app.NewAuthCodeStore(repo, clock, nil)
	auth := app.NewDeviceAuthenticator(repo, codes, publisher, nil, clock, logger, app.DeviceAuthOptions{DispatchTimeout: time.Second})

	h := NewHandler(payments, fees, devices, auth, logger)
	return &testServer{
		handler:   NewRouter(h, headerAuth, testInternalKey),
		repo:      repo,
		clock:     clock,
		publisher: publisher,
	}
}

func (s *testServer) do(t *testing.T, method, path, role string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if role != "" {
		req.Header.Set("X-Test-Role", role)
	}
	if len(path) > len("/internal") && path[:len("/internal")] == "/internal" {
		req.Header.Set("X-Internal-API-Key", testInternalKey)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) seedDevice(t *testing.T, clientID string, active bool) {
	t.Helper()
	s.repo.AddClient(clientID)
	device := &domain.Device{
		ID:           "device-" + clientID,
		SerialCode:   "SN-" + clientID,
		PublicKey:    "pk",
		ClientID:     clientID,
		Lifecycle:    domain.LifecycleFromActive(active),
		RegisteredAt: s.clock.Now(),
	}
	if err := s.repo.CreateDevice(context.Background(), device); err != nil {
		t.Fatalf("seed device: %v", err)
	}
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, into interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), into); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

func TestMakePaymentReturnsCreatedWithTotals(t *testing.T) {
	s := newTestServer(t)
	s.repo.AddAccount(domain.Account{ID: "acc-1", ClientID: "client-1", Balance: decimal.RequireFromString("100.00")})
	fixed := decimal.RequireFromString("1.00")
	if err := s.repo.CreateFee(context.Background(), &domain.Fee{
		ID: "fee-1", Description: "Service", Percentage: decimal.NewFromInt(10), FixedAmount: fixed,
		Lifecycle: domain.LifecycleActive,
	}); err != nil {
		t.Fatalf("seed fee: %v", err)
	}

	rec := s.do(t, http.MethodPost, "/payments", RoleClient, map[string]interface{}{
		"account_id":     "acc-1",
		"bill_reference": "BILL-001",
		"paid_amount":    "50.00",
		"fee_ids":        []string{"fee-1"},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	var payment domain.Payment
	decode(t, rec, &payment)
	if payment.Status != domain.PaymentStatusSuccess {
		t.Fatalf("expected SUCCESS, got %s", payment.Status)
	}
	if !payment.TotalAmount.Equal(decimal.RequireFromString("56.00")) {
		t.Fatalf("expected total 56.00, got %s", payment.TotalAmount)
	}
}

func TestMakePaymentFailureStillReturnsCreated(t *testing.T) {
	s := newTestServer(t)
	s.repo.AddAccount(domain.Account{ID: "acc-1", ClientID: "client-1", Balance: decimal.RequireFromString("10.00")})

	tests := []struct {
		name      string
		reference string
		amount    string
		want      domain.PaymentStatus
	}{
		{name: "insufficient funds", reference: "BILL-002", amount: "50.00", want: domain.PaymentStatusInsufficientFunds},
		{name: "expired bill", reference: "VENCIDO-1", amount: "1.00", want: domain.PaymentStatusBillExpired},
		{name: "non positive amount", reference: "BILL-003", amount: "0", want: domain.PaymentStatusFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, http.MethodPost, "/payments", RoleClient, map[string]interface{}{
				"account_id":     "acc-1",
				"bill_reference": tt.reference,
				"paid_amount":    tt.amount,
			})
			if rec.Code != http.StatusCreated {
				t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
			}
			var payment domain.Payment
			decode(t, rec, &payment)
			if payment.Status != tt.want {
				t.Fatalf("expected %s, got %s", tt.want, payment.Status)
			}
			if payment.Note == nil || *payment.Note == "" {
				t.Fatalf("expected failure note on record")
			}
		})
	}
}

func TestMakePaymentUnknownAccountIsNotFound(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/payments", RoleClient, map[string]interface{}{
		"account_id":     "missing",
		"bill_reference": "BILL-001",
		"paid_amount":    "5.00",
	})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestListPaymentsRequiresStaffRole(t *testing.T) {
	s := newTestServer(t)

	if rec := s.do(t, http.MethodGet, "/payments", RoleClient, nil); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for client, got %d", rec.Code)
	}
	if rec := s.do(t, http.MethodGet, "/payments", RoleManager, nil); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for manager, got %d", rec.Code)
	}
	if rec := s.do(t, http.MethodGet, "/payments", "", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without identity, got %d", rec.Code)
	}
}

func TestFeeEndpoints(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/fees", RoleClient, map[string]interface{}{
		"description": "Service", "percentage": "2.5",
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for client fee creation, got %d", rec.Code)
	}

	rec = s.do(t, http.MethodPost, "/fees", RoleManager, map[string]interface{}{
		"description": "", "percentage": "2.5",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for blank description, got %d", rec.Code)
	}

	rec = s.do(t, http.MethodPost, "/fees", RoleAdmin, map[string]interface{}{
		"description": "Service", "percentage": "2.5", "fixed_amount": "0.50",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var fee domain.Fee
	decode(t, rec, &fee)

	rec = s.do(t, http.MethodPatch, "/fees/"+fee.ID+"/deactivate", RoleAdmin, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on deactivate, got %d", rec.Code)
	}

	var active []domain.Fee
	decode(t, s.do(t, http.MethodGet, "/fees/active", RoleClient, nil), &active)
	if len(active) != 0 {
		t.Fatalf("expected no active fees, got %d", len(active))
	}

	if rec := s.do(t, http.MethodGet, "/fees/missing", RoleClient, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown fee, got %d", rec.Code)
	}
}

func TestChallengeAndValidateCode(t *testing.T) {
	s := newTestServer(t)
	s.seedDevice(t, "client-1", true)

	rec := s.do(t, http.MethodPost, "/internal/authentication/challenges", "", map[string]string{
		"client_id": "client-1", "operation_kind": "transfer",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if got := s.publisher.topics[0]; got != "bank/authentication/client-1" {
		t.Fatalf("expected device topic, got %q", got)
	}

	var pending map[string]interface{}
	decode(t, s.do(t, http.MethodGet, "/internal/authentication/clients/client-1/pending", "", nil), &pending)
	if pending["pending"] != true {
		t.Fatalf("expected pending challenge, got %v", pending)
	}

	code := s.publisher.lastCode(t)
	body := map[string]string{"client_id": "client-1", "code": code}

	rec = s.do(t, http.MethodPost, "/devices/validate-code", RoleClient, body)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var result map[string]bool
	decode(t, rec, &result)
	if !result["valid"] {
		t.Fatalf("expected valid=true, got %v", result)
	}

	rec = s.do(t, http.MethodPost, "/devices/validate-code", RoleClient, body)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 on reuse, got %d", rec.Code)
	}
}

func TestValidateExpiredCodeIsGone(t *testing.T) {
	s := newTestServer(t)
	s.seedDevice(t, "client-1", true)

	rec := s.do(t, http.MethodPost, "/internal/authentication/challenges", "", map[string]string{"client_id": "client-1"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	s.clock.Advance(3 * time.Minute)

	rec = s.do(t, http.MethodPost, "/devices/validate-code", RoleClient, map[string]string{
		"client_id": "client-1", "code": s.publisher.lastCode(t),
	})
	if rec.Code != http.StatusGone {
		t.Fatalf("expected 410, got %d", rec.Code)
	}
}

func TestChallengeRejections(t *testing.T) {
	s := newTestServer(t)
	s.seedDevice(t, "inactive", false)

	tests := []struct {
		name     string
		clientID string
		want     int
	}{
		{name: "inactive device", clientID: "inactive", want: http.StatusForbidden},
		{name: "no device", clientID: "nobody", want: http.StatusNotFound},
		{name: "blank client", clientID: "", want: http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, http.MethodPost, "/internal/authentication/challenges", "", map[string]string{"client_id": tt.clientID})
			if rec.Code != tt.want {
				t.Fatalf("expected %d, got %d", tt.want, rec.Code)
			}
		})
	}
}

func TestInternalRoutesRequireKey(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/internal/authentication/clients/client-1/pending", nil)
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without internal key, got %d", rec.Code)
	}
}

func TestRegisterDeviceConflicts(t *testing.T) {
	s := newTestServer(t)
	s.repo.AddClient("client-1")

	registration := map[string]string{"serial_code": "SN-1", "public_key": "pk", "client_id": "client-1"}
	if rec := s.do(t, http.MethodPost, "/devices", RoleAdmin, registration); rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec := s.do(t, http.MethodPost, "/devices", RoleAdmin, registration); rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 on second device, got %d", rec.Code)
	}
	registration["client_id"] = "unknown"
	if rec := s.do(t, http.MethodPost, "/devices", RoleAdmin, registration); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown client, got %d", rec.Code)
	}
}

func TestRoleFromClaims(t *testing.T) {
	tests := []struct {
		name   string
		claims map[string]interface{}
		want   string
	}{
		{name: "top level", claims: map[string]interface{}{"role": "Manager"}, want: RoleManager},
		{name: "metadata", claims: map[string]interface{}{"metadata": map[string]interface{}{"role": "admin"}}, want: RoleAdmin},
		{name: "public metadata", claims: map[string]interface{}{"public_metadata": map[string]interface{}{"role": "manager"}}, want: RoleManager},
		{name: "default", claims: map[string]interface{}{}, want: RoleClient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := roleFromClaims(tt.claims); got != tt.want {
				t.Fatalf("expected %q, got %q", tt.want, got)
			}
		})
	}
}
