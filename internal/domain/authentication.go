/**
 * @description
 * Domain models for the device authentication workflow: one-time codes and the
 * message delivered to a client's IoT device.
 */
package domain

import (
	"fmt"
	"strings"
	"time"
)

// AuthCodeTTL is how long an issued code stays valid.
const AuthCodeTTL = 2 * time.Minute

// AuthCodeDigits is the fixed length of an authentication code.
const AuthCodeDigits = 6

// AuthCodeState is derived from the stored flags and the current time.
type AuthCodeState string

const (
	AuthCodeIssued    AuthCodeState = "ISSUED"
	AuthCodeValidated AuthCodeState = "VALIDATED"
	AuthCodeExpired   AuthCodeState = "EXPIRED"
	AuthCodeRevoked   AuthCodeState = "REVOKED"
)

// AuthenticationCode is a short-lived one-time code tied to a client and an operation.
type AuthenticationCode struct {
	ID            string     `json:"id"`
	Code          string     `json:"-"`
	ClientID      string     `json:"client_id"`
	OperationKind string     `json:"operation_kind"`
	CreatedAt     time.Time  `json:"created_at"`
	ExpiresAt     time.Time  `json:"expires_at"`
	Validated     bool       `json:"validated"`
	ValidatedAt   *time.Time `json:"validated_at,omitempty"`
	RevokedAt     *time.Time `json:"revoked_at,omitempty"`
}

// IsExpired reports whether now is strictly after the expiry instant.
func (c AuthenticationCode) IsExpired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}

// IsRevoked reports whether the code was withdrawn before delivery.
func (c AuthenticationCode) IsRevoked() bool {
	return c.RevokedAt != nil
}

// Outstanding reports whether the code can still be validated at now.
func (c AuthenticationCode) Outstanding(now time.Time) bool {
	return !c.Validated && !c.IsRevoked() && !c.IsExpired(now)
}

// State returns the lifecycle state of the code at now.
func (c AuthenticationCode) State(now time.Time) AuthCodeState {
	switch {
	case c.Validated:
		return AuthCodeValidated
	case c.IsRevoked():
		return AuthCodeRevoked
	case c.IsExpired(now):
		return AuthCodeExpired
	default:
		return AuthCodeIssued
	}
}

// AuthenticationTopic returns the publish topic for a client's device.
func AuthenticationTopic(clientID string) string {
	return fmt.Sprintf("bank/authentication/%s", clientID)
}

// DeviceResponsePattern matches the routing keys and subjects devices answer on,
// i.e. the MQTT topic "bank/authentication/{clientID}/response".
const DeviceResponsePattern = "bank.authentication.*.response"

// ResponseClientID extracts the client segment of a device response routing key
// or subject. It reports false when key is not a device response address.
func ResponseClientID(key string) (string, bool) {
	parts := strings.Split(key, ".")
	if len(parts) != 4 || parts[0] != "bank" || parts[1] != "authentication" || parts[3] != "response" || parts[2] == "" {
		return "", false
	}
	return parts[2], true
}

// ChallengeMessage is the payload published to the device and echoed back by it.
type ChallengeMessage struct {
	ClientRef string `json:"clientRef"`
	Code      string `json:"code"`
}

// ChallengeRequest is the payload accepted when an operation must be gated.
type ChallengeRequest struct {
	ClientID      string `json:"client_id"`
	OperationKind string `json:"operation_kind"`
}

// ChallengeResponse is returned after a challenge has been dispatched.
type ChallengeResponse struct {
	ChallengeID string    `json:"challenge_id"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// CodeValidationRequest carries a code typed by the client or echoed by the device.
type CodeValidationRequest struct {
	ClientID string `json:"client_id"`
	Code     string `json:"code"`
}
