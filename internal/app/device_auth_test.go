package app

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/transfa/backoffice-service/internal/domain"
	"github.com/transfa/backoffice-service/internal/store"
)

type stubMessagePublisher struct {
	mu       sync.Mutex
	topics   []string
	payloads []interface{}
	err      error
	block    chan struct{}
}

func (p *stubMessagePublisher) Publish(ctx context.Context, topic string, payload interface{}) error {
	if p.block != nil {
		<-p.block
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
	p.payloads = append(p.payloads, payload)
	return p.err
}

func (p *stubMessagePublisher) lastMessage(t *testing.T) domain.ChallengeMessage {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.payloads) == 0 {
		t.Fatalf("expected a published message")
	}
	return p.payloads[len(p.payloads)-1].(domain.ChallengeMessage)
}

type stubRateLimiter struct {
	count  int
	err    error
	calls  int
	resets []string
}

func (l *stubRateLimiter) ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (int, int, error) {
	l.calls++
	return l.count, 30, l.err
}

func (l *stubRateLimiter) ResetRateLimit(ctx context.Context, scope, subject string) error {
	l.resets = append(l.resets, subject)
	return nil
}

// brokenCodeRepository fails pending-code lookups to exercise unexpected errors.
type brokenCodeRepository struct {
	*store.MemoryRepository
}

func (brokenCodeRepository) FindPendingAuthCode(ctx context.Context, clientID, code string) (*domain.AuthenticationCode, error) {
	return nil, errors.New("connection refused")
}

type authFixture struct {
	auth      *DeviceAuthenticator
	repo      *store.MemoryRepository
	clock     *fakeClock
	publisher *stubMessagePublisher
}

func newAuthFixture(t *testing.T, limiter RateLimiter, opts DeviceAuthOptions) *authFixture {
	t.Helper()
	repo := store.NewMemoryRepository()
	clock := newFakeClock()
	repo.AddClient("client-1")
	if err := repo.CreateDevice(context.Background(), &domain.Device{
		ID: "device-1", SerialCode: "SN-1", PublicKey: "pk", ClientID: "client-1",
		Lifecycle: domain.LifecycleActive, RegisteredAt: clock.Now(),
	}); err != nil {
		t.Fatalf("seed device: %v", err)
	}
	repo.AddClient("client-2")
	if err := repo.CreateDevice(context.Background(), &domain.Device{
		ID: "device-2", SerialCode: "SN-2", PublicKey: "pk", ClientID: "client-2",
		Lifecycle: domain.LifecycleDeactivated, RegisteredAt: clock.Now(),
	}); err != nil {
		t.Fatalf("seed device: %v", err)
	}

	publisher := &stubMessagePublisher{}
	codes := NewAuthCodeStore(repo, clock, nil)
	auth := NewDeviceAuthenticator(repo, codes, publisher, limiter, clock, discardLogger(), opts)
	return &authFixture{auth: auth, repo: repo, clock: clock, publisher: publisher}
}

func TestBeginChallengePublishesCodeToDeviceTopic(t *testing.T) {
	f := newAuthFixture(t, nil, DeviceAuthOptions{})
	ctx := context.Background()

	challenge, err := f.auth.BeginChallenge(ctx, "client-1", "transfer")
	if err != nil {
		t.Fatalf("BeginChallenge returned error: %v", err)
	}
	if f.publisher.topics[0] != "bank/authentication/client-1" {
		t.Fatalf("expected device topic, got %q", f.publisher.topics[0])
	}
	message := f.publisher.lastMessage(t)
	if message.ClientRef != "client-1" || len(message.Code) != domain.AuthCodeDigits {
		t.Fatalf("unexpected payload %+v", message)
	}
	raw, _ := json.Marshal(message)
	if string(raw) != `{"clientRef":"client-1","code":"`+message.Code+`"}` {
		t.Fatalf("unexpected wire payload %s", raw)
	}
	if !challenge.ExpiresAt.Equal(f.clock.Now().Add(domain.AuthCodeTTL)) {
		t.Fatalf("expected expiry two minutes out, got %s", challenge.ExpiresAt)
	}

	device, _ := f.repo.FindDeviceByID(ctx, "device-1")
	if device.LastSeenAt == nil {
		t.Fatalf("expected device last seen to be stamped")
	}

	valid, err := f.auth.CompleteChallenge(ctx, "client-1", message.Code)
	if err != nil || !valid {
		t.Fatalf("expected published code to validate, got %v, %v", valid, err)
	}
}

func TestBeginChallengeDeviceChecks(t *testing.T) {
	tests := []struct {
		name     string
		clientID string
		check    func(t *testing.T, err error)
	}{
		{
			name:     "no device",
			clientID: "client-9",
			check: func(t *testing.T, err error) {
				var notFound *domain.NotFoundError
				if !errors.As(err, &notFound) {
					t.Fatalf("expected NotFoundError, got %v", err)
				}
			},
		},
		{
			name:     "inactive device",
			clientID: "client-2",
			check: func(t *testing.T, err error) {
				var inactive *domain.DeviceInactiveError
				if !errors.As(err, &inactive) {
					t.Fatalf("expected DeviceInactiveError, got %v", err)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newAuthFixture(t, nil, DeviceAuthOptions{})

			_, err := f.auth.BeginChallenge(context.Background(), tt.clientID, "transfer")
			tt.check(t, err)

			if len(f.publisher.topics) != 0 {
				t.Fatalf("expected nothing published")
			}
			pending, _ := f.auth.HasPendingChallenge(context.Background(), tt.clientID)
			if pending {
				t.Fatalf("expected no code to be issued")
			}
		})
	}
}

func TestBeginChallengeDispatchFailureRevokesCode(t *testing.T) {
	f := newAuthFixture(t, nil, DeviceAuthOptions{})
	brokerErr := errors.New("broker unavailable")
	f.publisher.err = brokerErr
	ctx := context.Background()

	_, err := f.auth.BeginChallenge(ctx, "client-1", "transfer")
	var dispatch *domain.DispatchError
	if !errors.As(err, &dispatch) {
		t.Fatalf("expected DispatchError, got %v", err)
	}
	if !errors.Is(err, brokerErr) {
		t.Fatalf("expected broker error to be wrapped, got %v", err)
	}

	pending, _ := f.auth.HasPendingChallenge(ctx, "client-1")
	if pending {
		t.Fatalf("expected undelivered code to be revoked")
	}
	latest, err := f.repo.FindLatestAuthCode(ctx, "client-1")
	if err != nil {
		t.Fatalf("FindLatestAuthCode returned error: %v", err)
	}
	if latest.State(f.clock.Now()) != domain.AuthCodeRevoked {
		t.Fatalf("expected REVOKED, got %s", latest.State(f.clock.Now()))
	}

	_, err = f.auth.CompleteChallenge(ctx, "client-1", f.publisher.lastMessage(t).Code)
	var notFound *domain.NotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("expected revoked code to be unknown, got %v", err)
	}
}

func TestBeginChallengeDispatchTimeout(t *testing.T) {
	f := newAuthFixture(t, nil, DeviceAuthOptions{DispatchTimeout: 20 * time.Millisecond})
	f.publisher.block = make(chan struct{})
	t.Cleanup(func() { close(f.publisher.block) })

	started := time.Now()
	_, err := f.auth.BeginChallenge(context.Background(), "client-1", "transfer")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	var dispatch *domain.DispatchError
	if !errors.As(err, &dispatch) {
		t.Fatalf("expected DispatchError, got %v", err)
	}
	if elapsed := time.Since(started); elapsed > time.Second {
		t.Fatalf("expected dispatch to give up quickly, took %s", elapsed)
	}
}

func TestCompleteChallengeRateLimit(t *testing.T) {
	limiter := &stubRateLimiter{count: 6}
	f := newAuthFixture(t, limiter, DeviceAuthOptions{ValidationAttemptsPerMinute: 5})

	_, err := f.auth.CompleteChallenge(context.Background(), "client-1", "000000")
	var limited *domain.RateLimitedError
	if !errors.As(err, &limited) {
		t.Fatalf("expected RateLimitedError, got %v", err)
	}
	if limited.RetryAfter != 30*time.Second {
		t.Fatalf("expected 30s retry, got %s", limited.RetryAfter)
	}
}

func TestCompleteChallengeResetsWindowOnSuccess(t *testing.T) {
	limiter := &stubRateLimiter{count: 3}
	f := newAuthFixture(t, limiter, DeviceAuthOptions{ValidationAttemptsPerMinute: 5})
	ctx := context.Background()

	if _, err := f.auth.BeginChallenge(ctx, "client-1", "transfer"); err != nil {
		t.Fatalf("BeginChallenge returned error: %v", err)
	}
	if _, err := f.auth.CompleteChallenge(ctx, "client-1", "999999"); err == nil {
		t.Fatalf("expected wrong code to fail")
	}
	if len(limiter.resets) != 0 {
		t.Fatalf("expected failed attempt to keep the window, got resets %v", limiter.resets)
	}

	if valid, err := f.auth.CompleteChallenge(ctx, "client-1", f.publisher.lastMessage(t).Code); err != nil || !valid {
		t.Fatalf("expected code to validate, got %v, %v", valid, err)
	}
	if len(limiter.resets) != 1 || limiter.resets[0] != "client-1" {
		t.Fatalf("expected window reset for client-1, got %v", limiter.resets)
	}
}

func TestCompleteChallengeLimiterErrorFailsOpen(t *testing.T) {
	limiter := &stubRateLimiter{err: errors.New("redis down")}
	f := newAuthFixture(t, limiter, DeviceAuthOptions{ValidationAttemptsPerMinute: 5})
	ctx := context.Background()

	if _, err := f.auth.BeginChallenge(ctx, "client-1", "transfer"); err != nil {
		t.Fatalf("BeginChallenge returned error: %v", err)
	}
	valid, err := f.auth.CompleteChallenge(ctx, "client-1", f.publisher.lastMessage(t).Code)
	if err != nil || !valid {
		t.Fatalf("expected validation despite limiter outage, got %v, %v", valid, err)
	}
	if limiter.calls != 1 {
		t.Fatalf("expected limiter to be consulted once, got %d", limiter.calls)
	}
}

func TestClientHasActiveDevice(t *testing.T) {
	f := newAuthFixture(t, nil, DeviceAuthOptions{})
	ctx := context.Background()

	tests := map[string]bool{"client-1": true, "client-2": false, "client-9": false}
	for clientID, want := range tests {
		got, err := f.auth.ClientHasActiveDevice(ctx, clientID)
		if err != nil {
			t.Fatalf("ClientHasActiveDevice(%s) returned error: %v", clientID, err)
		}
		if got != want {
			t.Fatalf("expected %v for %s, got %v", want, clientID, got)
		}
	}
}

func TestHandleDeviceResponse(t *testing.T) {
	f := newAuthFixture(t, nil, DeviceAuthOptions{})
	ctx := context.Background()

	if _, err := f.auth.BeginChallenge(ctx, "client-1", "transfer"); err != nil {
		t.Fatalf("BeginChallenge returned error: %v", err)
	}
	echo, _ := json.Marshal(f.publisher.lastMessage(t))
	const responseKey = "bank.authentication.client-1.response"

	tests := []struct {
		name string
		key  string
		body []byte
		ack  bool
	}{
		{name: "echoed code", key: responseKey, body: echo, ack: true},
		{name: "replayed code", key: responseKey, body: echo, ack: true},
		{name: "malformed", key: responseKey, body: []byte("{not json"), ack: true},
		{name: "missing fields", key: responseKey, body: []byte(`{"clientRef":"client-1"}`), ack: true},
		{name: "unexpected address", key: "bank.authentication.client-1", body: echo, ack: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := f.auth.HandleDeviceResponse(tt.key, tt.body); got != tt.ack {
				t.Fatalf("expected ack=%v, got %v", tt.ack, got)
			}
		})
	}

	if pending, _ := f.auth.HasPendingChallenge(ctx, "client-1"); pending {
		t.Fatalf("expected echoed code to complete the challenge")
	}
}

func TestHandleDeviceResponseIgnoresOtherClientsCodes(t *testing.T) {
	f := newAuthFixture(t, nil, DeviceAuthOptions{})
	ctx := context.Background()

	if _, err := f.auth.BeginChallenge(ctx, "client-1", "transfer"); err != nil {
		t.Fatalf("BeginChallenge returned error: %v", err)
	}
	echo, _ := json.Marshal(f.publisher.lastMessage(t))

	if !f.auth.HandleDeviceResponse("bank.authentication.client-2.response", echo) {
		t.Fatalf("expected mismatched response to be acknowledged and dropped")
	}
	if pending, _ := f.auth.HasPendingChallenge(ctx, "client-1"); !pending {
		t.Fatalf("expected challenge to stay pending when answered from another client's address")
	}
}

func TestHandleDeviceResponseRequeuesUnexpectedErrors(t *testing.T) {
	repo := store.NewMemoryRepository()
	broken := brokenCodeRepository{MemoryRepository: repo}
	codes := NewAuthCodeStore(broken, newFakeClock(), nil)
	auth := NewDeviceAuthenticator(broken, codes, &stubMessagePublisher{}, nil, newFakeClock(), discardLogger(), DeviceAuthOptions{})

	if auth.HandleDeviceResponse("bank.authentication.client-1.response", []byte(`{"clientRef":"client-1","code":"123456"}`)) {
		t.Fatalf("expected unexpected repository errors to be re-queued")
	}
}
