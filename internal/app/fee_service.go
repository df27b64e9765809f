package app

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/transfa/backoffice-service/internal/domain"
	"github.com/transfa/backoffice-service/internal/store"
)

// FeeService manages the fee catalogue.
type FeeService struct {
	repo   store.Repository
	clock  Clock
	logger *slog.Logger
}

// NewFeeService creates a new fee service.
func NewFeeService(repo store.Repository, clock Clock, logger *slog.Logger) *FeeService {
	if clock == nil {
		clock = SystemClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FeeService{repo: repo, clock: clock, logger: logger}
}

func applyFeeInput(fee *domain.Fee, input domain.FeeInput) {
	fee.Description = strings.TrimSpace(input.Description)
	fee.Percentage = input.Percentage
	fee.FixedAmount = decimal.Zero
	if input.FixedAmount != nil {
		fee.FixedAmount = *input.FixedAmount
	}
}

// CreateFee validates and stores a new active fee.
func (s *FeeService) CreateFee(ctx context.Context, input domain.FeeInput) (*domain.Fee, error) {
	now := s.clock.Now()
	fee := &domain.Fee{
		ID:        uuid.NewString(),
		Lifecycle: domain.LifecycleActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	applyFeeInput(fee, input)
	if err := fee.Validate(); err != nil {
		return nil, err
	}
	if err := s.repo.CreateFee(ctx, fee); err != nil {
		return nil, err
	}
	s.logger.Info("fee created", "fee_id", fee.ID, "percentage", fee.Percentage.String(), "fixed_amount", fee.FixedAmount.String())
	return fee, nil
}

// UpdateFee replaces a fee's terms. Payments already recorded keep their snapshots.
func (s *FeeService) UpdateFee(ctx context.Context, feeID string, input domain.FeeInput) (*domain.Fee, error) {
	fee, err := s.GetFee(ctx, feeID)
	if err != nil {
		return nil, err
	}
	applyFeeInput(fee, input)
	fee.UpdatedAt = s.clock.Now()
	if err := fee.Validate(); err != nil {
		return nil, err
	}
	if err := s.repo.UpdateFee(ctx, fee); err != nil {
		if errors.Is(err, store.ErrFeeNotFound) {
			return nil, &domain.NotFoundError{Entity: "fee", ID: feeID}
		}
		return nil, err
	}
	s.logger.Info("fee updated", "fee_id", fee.ID)
	return fee, nil
}

// GetFee returns a fee in any lifecycle state.
func (s *FeeService) GetFee(ctx context.Context, feeID string) (*domain.Fee, error) {
	fee, err := s.repo.FindFeeByID(ctx, feeID)
	if err != nil {
		if errors.Is(err, store.ErrFeeNotFound) {
			return nil, &domain.NotFoundError{Entity: "fee", ID: feeID}
		}
		return nil, err
	}
	return fee, nil
}

// ListFees returns every fee.
func (s *FeeService) ListFees(ctx context.Context) ([]domain.Fee, error) {
	return s.repo.ListFees(ctx, false)
}

// ListActiveFees returns the fees callers may currently apply.
func (s *FeeService) ListActiveFees(ctx context.Context) ([]domain.Fee, error) {
	return s.repo.ListFees(ctx, true)
}

// ActivateFee moves a fee to the active state.
func (s *FeeService) ActivateFee(ctx context.Context, feeID string) (*domain.Fee, error) {
	return s.setActive(ctx, feeID, true)
}

// DeactivateFee soft-deletes a fee.
func (s *FeeService) DeactivateFee(ctx context.Context, feeID string) (*domain.Fee, error) {
	return s.setActive(ctx, feeID, false)
}

func (s *FeeService) setActive(ctx context.Context, feeID string, active bool) (*domain.Fee, error) {
	fee, err := s.repo.SetFeeActive(ctx, feeID, active, s.clock.Now())
	if err != nil {
		if errors.Is(err, store.ErrFeeNotFound) {
			return nil, &domain.NotFoundError{Entity: "fee", ID: feeID}
		}
		return nil, err
	}
	s.logger.Info("fee lifecycle changed", "fee_id", feeID, "lifecycle", fee.Lifecycle)
	return fee, nil
}
