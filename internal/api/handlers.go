/**
 * @description
 * HTTP handlers for the back-office service: fees, payments, IoT devices and
 * the device authentication challenge.
 */
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/transfa/backoffice-service/internal/domain"
)

// PaymentAPI is the payment surface the handlers depend on.
type PaymentAPI interface {
	MakePayment(ctx context.Context, req domain.PaymentRequest) (*domain.Payment, error)
	GetPayment(ctx context.Context, paymentID string) (*domain.Payment, error)
	ListPayments(ctx context.Context) ([]domain.Payment, error)
	ListPaymentsByAccount(ctx context.Context, accountID string) ([]domain.Payment, error)
	ListPaymentsByClient(ctx context.Context, clientID string) ([]domain.Payment, error)
}

// FeeAPI is the fee catalogue surface the handlers depend on.
type FeeAPI interface {
	CreateFee(ctx context.Context, input domain.FeeInput) (*domain.Fee, error)
	UpdateFee(ctx context.Context, feeID string, input domain.FeeInput) (*domain.Fee, error)
	GetFee(ctx context.Context, feeID string) (*domain.Fee, error)
	ListFees(ctx context.Context) ([]domain.Fee, error)
	ListActiveFees(ctx context.Context) ([]domain.Fee, error)
	ActivateFee(ctx context.Context, feeID string) (*domain.Fee, error)
	DeactivateFee(ctx context.Context, feeID string) (*domain.Fee, error)
}

// DeviceAPI is the device registry surface the handlers depend on.
type DeviceAPI interface {
	RegisterDevice(ctx context.Context, req domain.DeviceRegistration) (*domain.Device, error)
	GetDevice(ctx context.Context, deviceID string) (*domain.Device, error)
	GetDeviceByClient(ctx context.Context, clientID string) (*domain.Device, error)
	ListDevices(ctx context.Context) ([]domain.Device, error)
	ActivateDevice(ctx context.Context, deviceID string) (*domain.Device, error)
	DeactivateDevice(ctx context.Context, deviceID string) (*domain.Device, error)
}

// AuthenticationAPI is the challenge workflow surface the handlers depend on.
type AuthenticationAPI interface {
	BeginChallenge(ctx context.Context, clientID, operationKind string) (*domain.ChallengeResponse, error)
	CompleteChallenge(ctx context.Context, clientID, code string) (bool, error)
	HasPendingChallenge(ctx context.Context, clientID string) (bool, error)
	ClientHasActiveDevice(ctx context.Context, clientID string) (bool, error)
}

// Handler holds the application services that handlers will interact with.
type Handler struct {
	payments PaymentAPI
	fees     FeeAPI
	devices  DeviceAPI
	auth     AuthenticationAPI
	logger   *slog.Logger
}

// NewHandler creates a new Handler with the given services.
func NewHandler(payments PaymentAPI, fees FeeAPI, devices DeviceAPI, auth AuthenticationAPI, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{payments: payments, fees: fees, devices: devices, auth: auth, logger: logger}
}

// Fees

func (h *Handler) handleCreateFee(w http.ResponseWriter, r *http.Request) {
	var input domain.FeeInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	fee, err := h.fees.CreateFee(r.Context(), input)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, fee)
}

func (h *Handler) handleUpdateFee(w http.ResponseWriter, r *http.Request) {
	var input domain.FeeInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	fee, err := h.fees.UpdateFee(r.Context(), chi.URLParam(r, "id"), input)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, fee)
}

func (h *Handler) handleGetFee(w http.ResponseWriter, r *http.Request) {
	fee, err := h.fees.GetFee(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, fee)
}

func (h *Handler) handleListFees(w http.ResponseWriter, r *http.Request) {
	fees, err := h.fees.ListFees(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, fees)
}

func (h *Handler) handleListActiveFees(w http.ResponseWriter, r *http.Request) {
	fees, err := h.fees.ListActiveFees(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, fees)
}

func (h *Handler) handleActivateFee(w http.ResponseWriter, r *http.Request) {
	fee, err := h.fees.ActivateFee(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, fee)
}

func (h *Handler) handleDeactivateFee(w http.ResponseWriter, r *http.Request) {
	fee, err := h.fees.DeactivateFee(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, fee)
}

// Payments

// handleMakePayment answers 201 with the audit record even when the attempt failed;
// the outcome is carried by the record's status.
func (h *Handler) handleMakePayment(w http.ResponseWriter, r *http.Request) {
	var req domain.PaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	payment, err := h.payments.MakePayment(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, payment)
}

func (h *Handler) handleGetPayment(w http.ResponseWriter, r *http.Request) {
	payment, err := h.payments.GetPayment(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, payment)
}

func (h *Handler) handleListPayments(w http.ResponseWriter, r *http.Request) {
	payments, err := h.payments.ListPayments(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, payments)
}

func (h *Handler) handleListPaymentsByAccount(w http.ResponseWriter, r *http.Request) {
	payments, err := h.payments.ListPaymentsByAccount(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, payments)
}

func (h *Handler) handleListPaymentsByClient(w http.ResponseWriter, r *http.Request) {
	payments, err := h.payments.ListPaymentsByClient(r.Context(), chi.URLParam(r, "clientID"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, payments)
}

// Devices

func (h *Handler) handleRegisterDevice(w http.ResponseWriter, r *http.Request) {
	var req domain.DeviceRegistration
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	device, err := h.devices.RegisterDevice(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, device)
}

func (h *Handler) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	device, err := h.devices.GetDevice(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, device)
}

func (h *Handler) handleGetDeviceByClient(w http.ResponseWriter, r *http.Request) {
	device, err := h.devices.GetDeviceByClient(r.Context(), chi.URLParam(r, "clientID"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, device)
}

func (h *Handler) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := h.devices.ListDevices(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, devices)
}

func (h *Handler) handleActivateDevice(w http.ResponseWriter, r *http.Request) {
	device, err := h.devices.ActivateDevice(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, device)
}

func (h *Handler) handleDeactivateDevice(w http.ResponseWriter, r *http.Request) {
	device, err := h.devices.DeactivateDevice(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, device)
}

func (h *Handler) handleValidateCode(w http.ResponseWriter, r *http.Request) {
	var req domain.CodeValidationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	valid, err := h.auth.CompleteChallenge(r.Context(), req.ClientID, req.Code)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]bool{"valid": valid})
}

// Internal

func (h *Handler) handleBeginChallenge(w http.ResponseWriter, r *http.Request) {
	var req domain.ChallengeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	challenge, err := h.auth.BeginChallenge(r.Context(), req.ClientID, req.OperationKind)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, challenge)
}

func (h *Handler) handlePendingChallenge(w http.ResponseWriter, r *http.Request) {
	clientID := chi.URLParam(r, "clientID")
	if clientID == "" {
		http.Error(w, "Client ID is required", http.StatusBadRequest)
		return
	}

	pending, err := h.auth.HasPendingChallenge(r.Context(), clientID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	hasDevice, err := h.auth.ClientHasActiveDevice(r.Context(), clientID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"client_id":         clientID,
		"pending":           pending,
		"has_active_device": hasDevice,
	})
}

// writeServiceError maps domain errors onto HTTP status codes.
func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		validation  *domain.ValidationError
		notFound    *domain.NotFoundError
		conflict    *domain.ConflictError
		inactive    *domain.DeviceInactiveError
		expired     *domain.ExpiredAuthenticationError
		rateLimited *domain.RateLimitedError
		dispatch    *domain.DispatchError
	)

	status := http.StatusInternalServerError
	switch {
	case errors.As(err, &validation):
		status = http.StatusBadRequest
	case errors.As(err, &notFound):
		status = http.StatusNotFound
	case errors.As(err, &conflict):
		status = http.StatusConflict
	case errors.As(err, &inactive):
		status = http.StatusForbidden
	case errors.As(err, &expired):
		status = http.StatusGone
	case errors.As(err, &rateLimited):
		if seconds := int(rateLimited.RetryAfter.Seconds()); seconds > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(seconds))
		}
		status = http.StatusTooManyRequests
	case errors.As(err, &dispatch):
		status = http.StatusBadGateway
	}

	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		respondWithJSON(w, status, map[string]string{"error": "internal server error"})
		return
	}

	h.logger.Warn("request rejected", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	respondWithJSON(w, status, map[string]string{"error": err.Error()})
}

// respondWithJSON writes JSON responses.
func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}
