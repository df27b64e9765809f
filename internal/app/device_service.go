package app

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/transfa/backoffice-service/internal/domain"
	"github.com/transfa/backoffice-service/internal/store"
)

// DeviceService manages the registry of client IoT devices.
type DeviceService struct {
	repo   store.Repository
	clock  Clock
	logger *slog.Logger
}

// NewDeviceService creates a new device service.
func NewDeviceService(repo store.Repository, clock Clock, logger *slog.Logger) *DeviceService {
	if clock == nil {
		clock = SystemClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DeviceService{repo: repo, clock: clock, logger: logger}
}

// RegisterDevice binds a new device to a client. A client may own one device.
func (s *DeviceService) RegisterDevice(ctx context.Context, req domain.DeviceRegistration) (*domain.Device, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	clientID := strings.TrimSpace(req.ClientID)
	serial := strings.TrimSpace(req.SerialCode)

	exists, err := s.repo.ClientExists(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, &domain.NotFoundError{Entity: "client", ID: clientID}
	}

	if _, err := s.repo.FindDeviceByClientID(ctx, clientID); err == nil {
		return nil, &domain.ConflictError{Entity: "device", Field: "client_id", Value: clientID}
	} else if !errors.Is(err, store.ErrDeviceNotFound) {
		return nil, err
	}

	device := &domain.Device{
		ID:           uuid.NewString(),
		SerialCode:   serial,
		PublicKey:    strings.TrimSpace(req.PublicKey),
		ClientID:     clientID,
		Lifecycle:    domain.LifecycleActive,
		RegisteredAt: s.clock.Now(),
	}
	if err := s.repo.CreateDevice(ctx, device); err != nil {
		switch {
		case errors.Is(err, store.ErrClientHasDevice):
			return nil, &domain.ConflictError{Entity: "device", Field: "client_id", Value: clientID}
		case errors.Is(err, store.ErrDeviceSerialTaken):
			return nil, &domain.ConflictError{Entity: "device", Field: "serial_code", Value: serial}
		}
		return nil, err
	}

	s.logger.Info("device registered", "device_id", device.ID, "client_id", clientID)
	return device, nil
}

// GetDevice returns a device by id.
func (s *DeviceService) GetDevice(ctx context.Context, deviceID string) (*domain.Device, error) {
	device, err := s.repo.FindDeviceByID(ctx, deviceID)
	if err != nil {
		if errors.Is(err, store.ErrDeviceNotFound) {
			return nil, &domain.NotFoundError{Entity: "device", ID: deviceID}
		}
		return nil, err
	}
	return device, nil
}

// GetDeviceByClient returns the device registered to a client.
func (s *DeviceService) GetDeviceByClient(ctx context.Context, clientID string) (*domain.Device, error) {
	device, err := s.repo.FindDeviceByClientID(ctx, clientID)
	if err != nil {
		if errors.Is(err, store.ErrDeviceNotFound) {
			return nil, &domain.NotFoundError{Entity: "device for client", ID: clientID}
		}
		return nil, err
	}
	return device, nil
}

// ListDevices returns all devices.
func (s *DeviceService) ListDevices(ctx context.Context) ([]domain.Device, error) {
	return s.repo.ListDevices(ctx)
}

// ActivateDevice moves a device to the active state.
func (s *DeviceService) ActivateDevice(ctx context.Context, deviceID string) (*domain.Device, error) {
	return s.setActive(ctx, deviceID, true)
}

// DeactivateDevice soft-deletes a device.
func (s *DeviceService) DeactivateDevice(ctx context.Context, deviceID string) (*domain.Device, error) {
	return s.setActive(ctx, deviceID, false)
}

func (s *DeviceService) setActive(ctx context.Context, deviceID string, active bool) (*domain.Device, error) {
	device, err := s.repo.SetDeviceActive(ctx, deviceID, active)
	if err != nil {
		if errors.Is(err, store.ErrDeviceNotFound) {
			return nil, &domain.NotFoundError{Entity: "device", ID: deviceID}
		}
		return nil, err
	}
	s.logger.Info("device lifecycle changed", "device_id", deviceID, "lifecycle", device.Lifecycle)
	return device, nil
}
