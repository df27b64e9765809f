/**
 * @description
 * Lifecycle of one-time authentication codes: issue, validate exactly once inside a
 * two-minute window, revoke undelivered codes, and purge old rows.
 *
 * @notes
 * - Expiry is evaluated lazily against the injected clock; nothing is stored as EXPIRED.
 * - Issue and Validate for the same client are serialized by a keyed lock, and the
 *   validated flag is flipped with a compare-and-set in the repository.
 */
package app

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/backoffice-service/internal/domain"
	"github.com/transfa/backoffice-service/internal/store"
)

const maxCodeDraws = 5

// MinCodeRetention is the shortest time an expired code is kept so that late
// validations still report expiry instead of an unknown code.
const MinCodeRetention = time.Hour

const (
	codeSpace = 1_000_000
	// codeSampleLimit is the largest multiple of codeSpace that fits in a uint32.
	codeSampleLimit = math.MaxUint32 / codeSpace * codeSpace
)

// AuthCodeStore issues and validates authentication codes.
type AuthCodeStore struct {
	repo   store.Repository
	clock  Clock
	random io.Reader
	locks  *keyedMutex
	ttl    time.Duration
	newID  func() string
}

// NewAuthCodeStore creates a code store. A nil random source uses crypto/rand.
func NewAuthCodeStore(repo store.Repository, clock Clock, random io.Reader) *AuthCodeStore {
	if clock == nil {
		clock = SystemClock{}
	}
	if random == nil {
		random = rand.Reader
	}
	return &AuthCodeStore{
		repo:   repo,
		clock:  clock,
		random: random,
		locks:  newKeyedMutex(),
		ttl:    domain.AuthCodeTTL,
		newID:  uuid.NewString,
	}
}

// draw reads 32-bit values from the random source and keeps the first one below
// the largest multiple of the code space, so every code is equally likely.
func (s *AuthCodeStore) draw() (string, error) {
	var buf [4]byte
	for {
		if _, err := io.ReadFull(s.random, buf[:]); err != nil {
			return "", fmt.Errorf("generate authentication code: %w", err)
		}
		n := binary.BigEndian.Uint32(buf[:])
		if n < codeSampleLimit {
			return fmt.Sprintf("%0*d", domain.AuthCodeDigits, n%codeSpace), nil
		}
	}
}

// Issue creates a fresh code for the client that expires after two minutes.
func (s *AuthCodeStore) Issue(ctx context.Context, clientID, operationKind string) (*domain.AuthenticationCode, error) {
	if strings.TrimSpace(clientID) == "" {
		return nil, &domain.ValidationError{Field: "client_id", Reason: "must be provided"}
	}

	unlock := s.locks.Lock(clientID)
	defer unlock()

	now := s.clock.Now()
	var value string
	for attempt := 0; ; attempt++ {
		if attempt == maxCodeDraws {
			return nil, fmt.Errorf("could not draw a unique authentication code for client %s", clientID)
		}
		drawn, err := s.draw()
		if err != nil {
			return nil, err
		}
		taken, err := s.repo.HasOutstandingCode(ctx, clientID, drawn, now)
		if err != nil {
			return nil, err
		}
		if !taken {
			value = drawn
			break
		}
	}

	code := &domain.AuthenticationCode{
		ID:            s.newID(),
		Code:          value,
		ClientID:      clientID,
		OperationKind: operationKind,
		CreatedAt:     now,
		ExpiresAt:     now.Add(s.ttl),
	}
	if err := s.repo.CreateAuthCode(ctx, code); err != nil {
		return nil, err
	}
	return code, nil
}

func codeNotFound(clientID string) error {
	return &domain.NotFoundError{Entity: "authentication code for client", ID: clientID}
}

// Validate consumes the most recent pending code matching client and value.
func (s *AuthCodeStore) Validate(ctx context.Context, clientID, code string) (bool, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return false, &domain.ValidationError{Field: "code", Reason: "must be provided"}
	}

	unlock := s.locks.Lock(clientID)
	defer unlock()

	pending, err := s.repo.FindPendingAuthCode(ctx, clientID, code)
	if err != nil {
		if errors.Is(err, store.ErrAuthCodeNotFound) {
			return false, codeNotFound(clientID)
		}
		return false, err
	}

	now := s.clock.Now()
	if pending.IsExpired(now) {
		return false, &domain.ExpiredAuthenticationError{CodeID: pending.ID, ExpiredAt: pending.ExpiresAt}
	}

	if err := s.repo.MarkAuthCodeValidated(ctx, pending.ID, now); err != nil {
		if errors.Is(err, store.ErrAuthCodeNotPending) || errors.Is(err, store.ErrAuthCodeNotFound) {
			return false, codeNotFound(clientID)
		}
		return false, err
	}
	return true, nil
}

// HasPendingChallenge reports whether the client's latest code can still be validated.
func (s *AuthCodeStore) HasPendingChallenge(ctx context.Context, clientID string) (bool, error) {
	latest, err := s.repo.FindLatestAuthCode(ctx, clientID)
	if err != nil {
		if errors.Is(err, store.ErrAuthCodeNotFound) {
			return false, nil
		}
		return false, err
	}
	return latest.Outstanding(s.clock.Now()), nil
}

// Revoke withdraws an issued code so it can never be validated.
func (s *AuthCodeStore) Revoke(ctx context.Context, codeID string) error {
	err := s.repo.RevokeAuthCode(ctx, codeID, s.clock.Now())
	if errors.Is(err, store.ErrAuthCodeNotFound) || errors.Is(err, store.ErrAuthCodeNotPending) {
		return &domain.NotFoundError{Entity: "authentication code", ID: codeID}
	}
	return err
}

// PurgeExpired deletes codes whose window closed more than retention ago.
// Retention below MinCodeRetention is raised to it.
func (s *AuthCodeStore) PurgeExpired(ctx context.Context, retention time.Duration) (int64, error) {
	if retention < MinCodeRetention {
		retention = MinCodeRetention
	}
	return s.repo.DeleteAuthCodesExpiredBefore(ctx, s.clock.Now().Add(-retention))
}
