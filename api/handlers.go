/*
handlers.go - HTTP API handlers for the booking engine

PURPOSE:
  Exposes booking admission, the booking lifecycle and stock management
  over REST. Handles HTTP request/response and JSON serialization and
  delegates every decision to admission.Controller or lifecycle.Machine.

ENDPOINTS:
  Beneficiary:
    POST   /api/bookings                    Create booking
    GET    /api/bookings/{token}            Booking by token, with derived state
    POST   /api/bookings/{id}/cancel        Cancel own booking
    GET    /api/users/{id}/expenses         Expense summary

  Offerer:
    POST   /api/pro/bookings/{id}/cancel    Cancel any booking
    POST   /api/pro/bookings/{id}/use       Validate a booking
    POST   /api/pro/bookings/{id}/unuse     Revert validation
    PUT    /api/pro/stocks/{id}             Edit stock
    DELETE /api/pro/stocks/{id}             Soft-delete stock, cancel bookings
    POST   /api/pro/stocks/{id}/postpone    Move an event

  Admin:
    POST   /api/admin/sweep                 Run the mark-used sweep now

  Scenarios (development only):
    GET    /api/scenarios                   List demo catalogs
    POST   /api/scenarios/load              Load a demo catalog

ERROR HANDLING:
  Errors are returned as JSON with a status derived from the error kind:
  - 404: not found (model.IsNotFound)
  - 410: the booking already left the expected state (model.IsGone)
  - 403: transition never allowed from the current state (model.IsForbidden)
  - 400: any other business rule rejection, invalid input
  - 500: internal errors

SECURITY NOTE:
  No authentication. The caller identity (user_id) is taken from the body.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"github.com/warp/booking-engine/admission"
	"github.com/warp/booking-engine/lifecycle"
	"github.com/warp/booking-engine/logging"
	"github.com/warp/booking-engine/model"
	"github.com/warp/booking-engine/stock"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Pinger reports store health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Controller *admission.Controller
	Machine    *lifecycle.Machine
	Clock      model.Clock
	Health     Pinger

	// Feed enables the demo scenario routes when set.
	Feed model.FeedStore

	validate *validator.Validate
}

// NewHandler creates a handler. health may be nil.
func NewHandler(controller *admission.Controller, machine *lifecycle.Machine, clock model.Clock, health Pinger) *Handler {
	if clock == nil {
		clock = model.NewSystemClock()
	}
	return &Handler{
		Controller: controller,
		Machine:    machine,
		Clock:      clock,
		Health:     health,
		validate:   validator.New(validator.WithRequiredStructEnabled()),
	}
}

// =============================================================================
// BOOKING HANDLERS
// =============================================================================

// CreateBooking admits a booking.
func (h *Handler) CreateBooking(w http.ResponseWriter, r *http.Request) {
	var req CreateBookingRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	booking, err := h.Controller.CreateBooking(r.Context(), model.UserID(req.UserID), model.StockID(req.StockID), req.Quantity)
	if err != nil {
		writeDomainError(w, "Failed to create booking", err)
		return
	}
	writeJSON(w, http.StatusCreated, toBookingDTO(booking))
}

// GetBookingByToken returns a booking and its derived state.
func (h *Handler) GetBookingByToken(w http.ResponseWriter, r *http.Request) {
	token := strings.ToUpper(chi.URLParam(r, "token"))

	view, err := h.Machine.GetBookingByToken(r.Context(), token)
	if err != nil {
		writeDomainError(w, "Failed to get booking", err)
		return
	}
	writeJSON(w, http.StatusOK, toBookingViewDTO(view))
}

// CancelBookingByBeneficiary cancels the caller's own booking.
func (h *Handler) CancelBookingByBeneficiary(w http.ResponseWriter, r *http.Request) {
	var req CancelBookingRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}
	id := model.BookingID(chi.URLParam(r, "id"))

	if err := h.Machine.CancelByBeneficiary(r.Context(), model.UserID(req.UserID), id); err != nil {
		writeDomainError(w, "Failed to cancel booking", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled", "booking_id": string(id)})
}

// CancelBookingByOfferer cancels a booking on behalf of the offerer.
func (h *Handler) CancelBookingByOfferer(w http.ResponseWriter, r *http.Request) {
	id := model.BookingID(chi.URLParam(r, "id"))

	if err := h.Machine.CancelByOfferer(r.Context(), id); err != nil {
		writeDomainError(w, "Failed to cancel booking", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled", "booking_id": string(id)})
}

// MarkBookingUsed validates a booking at the counter.
func (h *Handler) MarkBookingUsed(w http.ResponseWriter, r *http.Request) {
	id := model.BookingID(chi.URLParam(r, "id"))

	if err := h.Machine.MarkUsed(r.Context(), id); err != nil {
		writeDomainError(w, "Failed to mark booking used", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "used", "booking_id": string(id)})
}

// MarkBookingUnused reverts a validation.
func (h *Handler) MarkBookingUnused(w http.ResponseWriter, r *http.Request) {
	id := model.BookingID(chi.URLParam(r, "id"))

	if err := h.Machine.MarkUnused(r.Context(), id); err != nil {
		writeDomainError(w, "Failed to mark booking unused", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "unused", "booking_id": string(id)})
}

// GetUserExpenses returns the user's expenses against their caps.
func (h *Handler) GetUserExpenses(w http.ResponseWriter, r *http.Request) {
	userID := model.UserID(chi.URLParam(r, "id"))

	expenses, err := h.Controller.GetUserExpenses(r.Context(), userID)
	if err != nil {
		writeDomainError(w, "Failed to get expenses", err)
		return
	}
	writeJSON(w, http.StatusOK, toExpenseDTOs(expenses))
}

// =============================================================================
// STOCK HANDLERS
// =============================================================================

// EditStock updates price, quantity and dates of a stock.
func (h *Handler) EditStock(w http.ResponseWriter, r *http.Request) {
	var req EditStockRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}
	price, err := decimal.NewFromString(req.Price)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid price", err)
		return
	}

	updated, err := h.Machine.EditStock(r.Context(), model.StockID(chi.URLParam(r, "id")), stock.Update{
		Price:                price,
		Quantity:             req.Quantity,
		BeginningDatetime:    req.BeginningDatetime,
		BookingLimitDatetime: req.BookingLimitDatetime,
	})
	if err != nil {
		writeDomainError(w, "Failed to edit stock", err)
		return
	}
	writeJSON(w, http.StatusOK, toStockDTO(updated))
}

// DeleteStock soft-deletes a stock and cancels its pending bookings.
func (h *Handler) DeleteStock(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	cancelled, err := h.Machine.DeleteStock(r.Context(), model.StockID(id))
	if err != nil {
		writeDomainError(w, "Failed to delete stock", err)
		return
	}

	ids := make([]string, len(cancelled))
	for i, b := range cancelled {
		ids[i] = string(b.ID)
	}
	writeJSON(w, http.StatusOK, DeleteStockDTO{StockID: id, CancelledBookings: ids})
}

// PostponeStock moves an event to a new beginning datetime.
func (h *Handler) PostponeStock(w http.ResponseWriter, r *http.Request) {
	var req PostponeStockRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}
	id := chi.URLParam(r, "id")

	if err := h.Machine.OnStockPostponed(r.Context(), model.StockID(id), req.BeginningDatetime); err != nil {
		writeDomainError(w, "Failed to postpone stock", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "postponed", "stock_id": id})
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// TriggerSweep runs the mark-used sweep with the current time.
func (h *Handler) TriggerSweep(w http.ResponseWriter, r *http.Request) {
	result, err := h.Machine.SweepMarkUsed(r.Context(), h.Clock.Now())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Sweep failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toSweepDTO(result))
}

// HealthCheck reports liveness and store connectivity.
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	if h.Health != nil {
		if err := h.Health.Ping(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "Store unavailable", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func (h *Handler) decodeAndValidate(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			msgs := make([]string, 0, len(fieldErrs))
			for _, fe := range fieldErrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
			}
			err = errors.New(strings.Join(msgs, "; "))
		}
		writeError(w, http.StatusBadRequest, "Invalid request", err)
		return false
	}
	return true
}

// statusFor maps the error taxonomy onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case model.IsNotFound(err):
		return http.StatusNotFound
	case model.IsGone(err):
		return http.StatusGone
	case model.IsForbidden(err):
		return http.StatusForbidden
	case model.IsClientError(err):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeDomainError(w http.ResponseWriter, message string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		logging.Error().Err(err).Msg(message)
	}
	writeError(w, status, message, err)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
