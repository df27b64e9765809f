/**
 * @description
 * Device authentication workflow. A challenge issues a code, publishes it to the
 * client's IoT device and is later completed by validating the code.
 *
 * @notes
 * - Errors are not recovered here; callers decide how to present them.
 * - A code whose dispatch failed is revoked so it can never be validated.
 */
package app

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/transfa/backoffice-service/internal/domain"
	"github.com/transfa/backoffice-service/internal/metrics"
	"github.com/transfa/backoffice-service/internal/store"
)

const (
	// DefaultDispatchTimeout bounds a single publish to a device.
	DefaultDispatchTimeout = 5 * time.Second

	codeValidationScope = "auth_code_validation"
)

// MessagePublisher delivers a payload to a pub/sub topic.
type MessagePublisher interface {
	Publish(ctx context.Context, topic string, payload interface{}) error
}

// DeviceAuthOptions tunes dispatch and brute-force protection.
type DeviceAuthOptions struct {
	DispatchTimeout             time.Duration
	ValidationAttemptsPerMinute int
}

// DeviceAuthenticator orchestrates code issuance, dispatch and validation.
type DeviceAuthenticator struct {
	repo              store.Repository
	codes             *AuthCodeStore
	publisher         MessagePublisher
	limiter           RateLimiter
	clock             Clock
	logger            *slog.Logger
	dispatchTimeout   time.Duration
	attemptsPerMinute int
}

// NewDeviceAuthenticator creates the workflow. limiter may be nil to disable rate limiting.
func NewDeviceAuthenticator(
	repo store.Repository,
	codes *AuthCodeStore,
	publisher MessagePublisher,
	limiter RateLimiter,
	clock Clock,
	logger *slog.Logger,
	opts DeviceAuthOptions,
) *DeviceAuthenticator {
	if clock == nil {
		clock = SystemClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	timeout := opts.DispatchTimeout
	if timeout <= 0 {
		timeout = DefaultDispatchTimeout
	}
	return &DeviceAuthenticator{
		repo:              repo,
		codes:             codes,
		publisher:         publisher,
		limiter:           limiter,
		clock:             clock,
		logger:            logger,
		dispatchTimeout:   timeout,
		attemptsPerMinute: opts.ValidationAttemptsPerMinute,
	}
}

func (a *DeviceAuthenticator) activeDevice(ctx context.Context, clientID string) (*domain.Device, error) {
	device, err := a.repo.FindDeviceByClientID(ctx, clientID)
	if err != nil {
		if errors.Is(err, store.ErrDeviceNotFound) {
			return nil, &domain.NotFoundError{Entity: "device for client", ID: clientID}
		}
		return nil, err
	}
	if !device.Active() {
		return nil, &domain.DeviceInactiveError{DeviceID: device.ID, ClientID: clientID}
	}
	return device, nil
}

// BeginChallenge issues a code and publishes it to the client's active device.
func (a *DeviceAuthenticator) BeginChallenge(ctx context.Context, clientID, operationKind string) (*domain.ChallengeResponse, error) {
	device, err := a.activeDevice(ctx, clientID)
	if err != nil {
		metrics.IncChallenge("rejected")
		return nil, err
	}

	code, err := a.codes.Issue(ctx, clientID, operationKind)
	if err != nil {
		metrics.IncChallenge("error")
		return nil, err
	}

	topic := domain.AuthenticationTopic(clientID)
	if err := a.dispatch(ctx, topic, domain.ChallengeMessage{ClientRef: clientID, Code: code.Code}); err != nil {
		metrics.IncChallenge("dispatch_failed")
		if revokeErr := a.codes.Revoke(context.WithoutCancel(ctx), code.ID); revokeErr != nil {
			a.logger.Error("failed to revoke undelivered authentication code", "code_id", code.ID, "error", revokeErr)
		}
		a.logger.Warn("authentication code dispatch failed", "client_id", clientID, "topic", topic, "error", err)
		return nil, &domain.DispatchError{Topic: topic, Err: err}
	}

	if err := a.repo.MarkDeviceSeen(ctx, device.ID, a.clock.Now()); err != nil {
		a.logger.Warn("failed to stamp device last seen", "device_id", device.ID, "error", err)
	}

	metrics.IncChallenge("dispatched")
	a.logger.Info("authentication challenge dispatched", "client_id", clientID, "challenge_id", code.ID, "operation_kind", operationKind)
	return &domain.ChallengeResponse{ChallengeID: code.ID, ExpiresAt: code.ExpiresAt}, nil
}

// dispatch publishes within the dispatch timeout even if the transport ignores ctx.
func (a *DeviceAuthenticator) dispatch(ctx context.Context, topic string, message domain.ChallengeMessage) error {
	if a.publisher == nil {
		return errors.New("no device publisher configured")
	}

	dispatchCtx, cancel := context.WithTimeout(ctx, a.dispatchTimeout)
	defer cancel()

	started := time.Now()
	done := make(chan error, 1)
	go func() {
		done <- a.publisher.Publish(dispatchCtx, topic, message)
	}()

	var err error
	select {
	case err = <-done:
	case <-dispatchCtx.Done():
		err = dispatchCtx.Err()
	}
	metrics.ObserveDispatch(err, time.Since(started))
	return err
}

// CompleteChallenge validates a code returned by the client or its device.
func (a *DeviceAuthenticator) CompleteChallenge(ctx context.Context, clientID, code string) (bool, error) {
	if a.limiter != nil && a.attemptsPerMinute > 0 {
		count, retryAfter, err := a.limiter.ConsumeRateLimit(ctx, codeValidationScope, clientID, a.attemptsPerMinute, time.Minute)
		if err != nil {
			a.logger.Warn("code validation rate limiter unavailable", "client_id", clientID, "error", err)
		} else if count > a.attemptsPerMinute {
			metrics.IncCodeValidation("rate_limited")
			return false, &domain.RateLimitedError{ClientID: clientID, RetryAfter: time.Duration(retryAfter) * time.Second}
		}
	}

	valid, err := a.codes.Validate(ctx, clientID, code)
	metrics.IncCodeValidation(validationResult(err))
	if err == nil && a.limiter != nil && a.attemptsPerMinute > 0 {
		// A completed challenge starts the next one with a fresh allowance.
		if resetErr := a.limiter.ResetRateLimit(ctx, codeValidationScope, clientID); resetErr != nil {
			a.logger.Warn("failed to reset code validation window", "client_id", clientID, "error", resetErr)
		}
	}
	return valid, err
}

func validationResult(err error) string {
	var notFound *domain.NotFoundError
	var expired *domain.ExpiredAuthenticationError
	var invalid *domain.ValidationError
	switch {
	case err == nil:
		return "valid"
	case errors.As(err, &invalid):
		return "invalid"
	case errors.As(err, &expired):
		return "expired"
	case errors.As(err, &notFound):
		return "not_found"
	default:
		return "error"
	}
}

// HasPendingChallenge reports whether the client has a code awaiting validation.
func (a *DeviceAuthenticator) HasPendingChallenge(ctx context.Context, clientID string) (bool, error) {
	return a.codes.HasPendingChallenge(ctx, clientID)
}

// ClientHasActiveDevice reports whether the client can receive challenges.
func (a *DeviceAuthenticator) ClientHasActiveDevice(ctx context.Context, clientID string) (bool, error) {
	device, err := a.repo.FindDeviceByClientID(ctx, clientID)
	if err != nil {
		if errors.Is(err, store.ErrDeviceNotFound) {
			return false, nil
		}
		return false, err
	}
	return device.Active(), nil
}

// HandleDeviceResponse completes a challenge from a code echoed back by a device on
// routingKey. The client named in the body must own the response address.
// It reports whether the message should be acknowledged.
func (a *DeviceAuthenticator) HandleDeviceResponse(routingKey string, body []byte) bool {
	addressed, ok := domain.ResponseClientID(routingKey)
	if !ok {
		a.logger.Warn("discarding device response on unexpected address", "routing_key", routingKey)
		return true
	}

	var message domain.ChallengeMessage
	if err := json.Unmarshal(body, &message); err != nil || message.ClientRef == "" || message.Code == "" {
		a.logger.Warn("discarding malformed device response", "routing_key", routingKey, "error", err)
		return true
	}
	if message.ClientRef != addressed {
		a.logger.Warn("discarding device response for another client",
			"routing_key", routingKey, "client_id", message.ClientRef)
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), a.dispatchTimeout)
	defer cancel()

	_, err := a.CompleteChallenge(ctx, message.ClientRef, message.Code)
	if err == nil {
		a.logger.Info("challenge completed by device", "client_id", message.ClientRef)
		return true
	}
	if validationResult(err) != "error" || isRateLimited(err) {
		a.logger.Warn("device response rejected", "client_id", message.ClientRef, "error", err)
		return true
	}
	a.logger.Error("failed to complete challenge from device response", "client_id", message.ClientRef, "error", err)
	return false
}

func isRateLimited(err error) bool {
	var limited *domain.RateLimitedError
	return errors.As(err, &limited)
}
