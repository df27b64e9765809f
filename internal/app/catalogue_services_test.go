package app

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/transfa/backoffice-service/internal/domain"
	"github.com/transfa/backoffice-service/internal/store"
)

func TestFeeServiceLifecycle(t *testing.T) {
	repo := store.NewMemoryRepository()
	clock := newFakeClock()
	service := NewFeeService(repo, clock, discardLogger())
	ctx := context.Background()

	fixed := dec("0.50")
	fee, err := service.CreateFee(ctx, domain.FeeInput{Description: " Transfer ", Percentage: dec("1.5"), FixedAmount: &fixed})
	if err != nil {
		t.Fatalf("CreateFee returned error: %v", err)
	}
	if fee.Description != "Transfer" || !fee.Active() {
		t.Fatalf("unexpected fee %+v", fee)
	}

	updated, err := service.UpdateFee(ctx, fee.ID, domain.FeeInput{Description: "Transfer", Percentage: dec("2")})
	if err != nil {
		t.Fatalf("UpdateFee returned error: %v", err)
	}
	if !updated.FixedAmount.IsZero() || !updated.Percentage.Equal(dec("2")) {
		t.Fatalf("expected omitted fixed amount to reset to zero, got %+v", updated)
	}

	if _, err := service.DeactivateFee(ctx, fee.ID); err != nil {
		t.Fatalf("DeactivateFee returned error: %v", err)
	}
	active, _ := service.ListActiveFees(ctx)
	all, _ := service.ListFees(ctx)
	if len(active) != 0 || len(all) != 1 {
		t.Fatalf("expected deactivated fee kept but hidden, got active=%d all=%d", len(active), len(all))
	}

	reactivated, err := service.ActivateFee(ctx, fee.ID)
	if err != nil || !reactivated.Active() {
		t.Fatalf("expected fee reactivated, got %+v, %v", reactivated, err)
	}
}

func TestFeeServiceRejectsInvalidInput(t *testing.T) {
	service := NewFeeService(store.NewMemoryRepository(), newFakeClock(), discardLogger())
	negative := dec("-1")

	tests := []struct {
		name  string
		input domain.FeeInput
		field string
	}{
		{name: "blank description", input: domain.FeeInput{Percentage: dec("1")}, field: "description"},
		{name: "negative percentage", input: domain.FeeInput{Description: "x", Percentage: dec("-0.1")}, field: "percentage"},
		{name: "percentage over 100", input: domain.FeeInput{Description: "x", Percentage: dec("100.01")}, field: "percentage"},
		{name: "negative fixed amount", input: domain.FeeInput{Description: "x", Percentage: decimal.Zero, FixedAmount: &negative}, field: "fixed_amount"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := service.CreateFee(context.Background(), tt.input)
			var invalid *domain.InvalidFeeError
			if !errors.As(err, &invalid) {
				t.Fatalf("expected InvalidFeeError, got %v", err)
			}
			if invalid.Validation.Field != tt.field {
				t.Fatalf("expected field %q, got %q", tt.field, invalid.Validation.Field)
			}
		})
	}
}

func TestFeeServiceUnknownFee(t *testing.T) {
	service := NewFeeService(store.NewMemoryRepository(), newFakeClock(), discardLogger())
	ctx := context.Background()

	checks := map[string]func() error{
		"get":        func() error { _, err := service.GetFee(ctx, "missing"); return err },
		"update":     func() error { _, err := service.UpdateFee(ctx, "missing", domain.FeeInput{Description: "x"}); return err },
		"deactivate": func() error { _, err := service.DeactivateFee(ctx, "missing"); return err },
	}
	for name, call := range checks {
		t.Run(name, func(t *testing.T) {
			var notFound *domain.NotFoundError
			if err := call(); !errors.As(err, &notFound) {
				t.Fatalf("expected NotFoundError, got %v", err)
			}
		})
	}
}

func TestDeviceServiceRegistration(t *testing.T) {
	repo := store.NewMemoryRepository()
	repo.AddClient("client-1")
	repo.AddClient("client-2")
	service := NewDeviceService(repo, newFakeClock(), discardLogger())
	ctx := context.Background()

	device, err := service.RegisterDevice(ctx, domain.DeviceRegistration{SerialCode: "SN-1", PublicKey: "pk", ClientID: "client-1"})
	if err != nil {
		t.Fatalf("RegisterDevice returned error: %v", err)
	}
	if !device.Active() {
		t.Fatalf("expected new device to be active")
	}

	tests := []struct {
		name  string
		req   domain.DeviceRegistration
		field string
	}{
		{name: "second device for client", req: domain.DeviceRegistration{SerialCode: "SN-2", PublicKey: "pk", ClientID: "client-1"}, field: "client_id"},
		{name: "serial reused", req: domain.DeviceRegistration{SerialCode: "SN-1", PublicKey: "pk", ClientID: "client-2"}, field: "serial_code"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := service.RegisterDevice(ctx, tt.req)
			var conflict *domain.ConflictError
			if !errors.As(err, &conflict) {
				t.Fatalf("expected ConflictError, got %v", err)
			}
			if conflict.Field != tt.field {
				t.Fatalf("expected conflict on %q, got %q", tt.field, conflict.Field)
			}
		})
	}

	_, err = service.RegisterDevice(ctx, domain.DeviceRegistration{SerialCode: "SN-3", PublicKey: "pk", ClientID: "client-9"})
	var notFound *domain.NotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("expected NotFoundError for unknown client, got %v", err)
	}

	_, err = service.RegisterDevice(ctx, domain.DeviceRegistration{PublicKey: "pk", ClientID: "client-2"})
	var validation *domain.ValidationError
	if !errors.As(err, &validation) {
		t.Fatalf("expected ValidationError for blank serial, got %v", err)
	}
}

func TestDeviceServiceLifecycle(t *testing.T) {
	repo := store.NewMemoryRepository()
	repo.AddClient("client-1")
	service := NewDeviceService(repo, newFakeClock(), discardLogger())
	ctx := context.Background()

	device, err := service.RegisterDevice(ctx, domain.DeviceRegistration{SerialCode: "SN-1", PublicKey: "pk", ClientID: "client-1"})
	if err != nil {
		t.Fatalf("RegisterDevice returned error: %v", err)
	}

	deactivated, err := service.DeactivateDevice(ctx, device.ID)
	if err != nil || deactivated.Active() {
		t.Fatalf("expected device deactivated, got %+v, %v", deactivated, err)
	}
	byClient, err := service.GetDeviceByClient(ctx, "client-1")
	if err != nil || byClient.ID != device.ID {
		t.Fatalf("expected deactivated device still bound to client, got %+v, %v", byClient, err)
	}
	if _, err := service.ActivateDevice(ctx, device.ID); err != nil {
		t.Fatalf("ActivateDevice returned error: %v", err)
	}

	var notFound *domain.NotFoundError
	if _, err := service.GetDevice(ctx, "missing"); !errors.As(err, &notFound) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
}
