package domain

import (
	"strings"
	"time"
)

const (
	MaxSerialCodeLength = 100
	MaxPublicKeyLength  = 500
)

// Device is a client's registered IoT authenticator. A client owns at most one.
type Device struct {
	ID           string     `json:"id"`
	SerialCode   string     `json:"serial_code"`
	PublicKey    string     `json:"public_key"`
	ClientID     string     `json:"client_id"`
	Lifecycle    Lifecycle  `json:"lifecycle"`
	RegisteredAt time.Time  `json:"registered_at"`
	LastSeenAt   *time.Time `json:"last_seen_at,omitempty"`
}

// Active reports whether the device may receive challenges.
func (d Device) Active() bool {
	return d.Lifecycle.IsActive()
}

// Activate moves the device back into the active state.
func (d *Device) Activate() {
	d.Lifecycle = LifecycleActive
}

// Deactivate soft-deletes the device.
func (d *Device) Deactivate() {
	d.Lifecycle = LifecycleDeactivated
}

// DeviceRegistration is the payload accepted when registering a device.
type DeviceRegistration struct {
	SerialCode string `json:"serial_code"`
	PublicKey  string `json:"public_key"`
	ClientID   string `json:"client_id"`
}

// Validate checks presence and column bounds of the registration payload.
func (r DeviceRegistration) Validate() error {
	serial := strings.TrimSpace(r.SerialCode)
	switch {
	case serial == "":
		return &ValidationError{Field: "serial_code", Reason: "must be provided"}
	case len(serial) > MaxSerialCodeLength:
		return &ValidationError{Field: "serial_code", Reason: "must be at most 100 characters"}
	}
	key := strings.TrimSpace(r.PublicKey)
	switch {
	case key == "":
		return &ValidationError{Field: "public_key", Reason: "must be provided"}
	case len(key) > MaxPublicKeyLength:
		return &ValidationError{Field: "public_key", Reason: "must be at most 500 characters"}
	}
	if strings.TrimSpace(r.ClientID) == "" {
		return &ValidationError{Field: "client_id", Reason: "must be provided"}
	}
	return nil
}
