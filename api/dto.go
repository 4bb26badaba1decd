/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

VALIDATION:
  Request types carry go-playground/validator tags. Handlers call
  decodeAndValidate, which rejects malformed JSON and failed tags with 400
  before any store access.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/booking-engine/lifecycle"
	"github.com/warp/booking-engine/model"
)

// =============================================================================
// REQUESTS
// =============================================================================

// CreateBookingRequest is the body of POST /api/bookings.
type CreateBookingRequest struct {
	UserID   string `json:"user_id" validate:"required"`
	StockID  string `json:"stock_id" validate:"required"`
	Quantity int    `json:"quantity" validate:"required,min=1"`
}

// CancelBookingRequest is the body of POST /api/bookings/{id}/cancel.
type CancelBookingRequest struct {
	UserID string `json:"user_id" validate:"required"`
}

// EditStockRequest is the body of PUT /api/pro/stocks/{id}.
type EditStockRequest struct {
	Price                string     `json:"price" validate:"required,numeric"`
	Quantity             *int       `json:"quantity,omitempty"`
	BeginningDatetime    *time.Time `json:"beginning_datetime,omitempty"`
	BookingLimitDatetime *time.Time `json:"booking_limit_datetime,omitempty"`
}

// PostponeStockRequest is the body of POST /api/pro/stocks/{id}/postpone.
type PostponeStockRequest struct {
	BeginningDatetime time.Time `json:"beginning_datetime" validate:"required"`
}

// =============================================================================
// RESPONSES
// =============================================================================

// ErrorResponse is returned on every failed request.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// BookingDTO represents a booking in API responses.
type BookingDTO struct {
	ID               string     `json:"id"`
	UserID           string     `json:"user_id"`
	StockID          string     `json:"stock_id"`
	Quantity         int        `json:"quantity"`
	Amount           string     `json:"amount"`
	Token            string     `json:"token"`
	DateCreated      time.Time  `json:"date_created"`
	IsCancelled      bool       `json:"is_cancelled"`
	IsUsed           bool       `json:"is_used"`
	DateUsed         *time.Time `json:"date_used,omitempty"`
	CancellationDate *time.Time `json:"cancellation_date,omitempty"`
	State            string     `json:"state,omitempty"`
	ConfirmationDate *time.Time `json:"confirmation_date,omitempty"`
}

// StockDTO represents a stock in API responses.
type StockDTO struct {
	ID                   string     `json:"id"`
	OfferID              string     `json:"offer_id"`
	Price                string     `json:"price"`
	Quantity             *int       `json:"quantity"`
	BeginningDatetime    *time.Time `json:"beginning_datetime,omitempty"`
	BookingLimitDatetime *time.Time `json:"booking_limit_datetime,omitempty"`
	IsSoftDeleted        bool       `json:"is_soft_deleted"`
	DateModified         time.Time  `json:"date_modified"`
}

// DeleteStockDTO lists the bookings cancelled by a stock deletion.
type DeleteStockDTO struct {
	StockID           string   `json:"stock_id"`
	CancelledBookings []string `json:"cancelled_bookings"`
}

// ExpenseDTO is one row of the expense summary.
type ExpenseDTO struct {
	Domain  string `json:"domain"`
	Current string `json:"current"`
	Limit   string `json:"limit"`
}

// SweepDTO reports a mark-used sweep.
type SweepDTO struct {
	Updated          int      `json:"updated"`
	FailedBookingIDs []string `json:"failed_booking_ids"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toBookingDTO(b model.Booking) BookingDTO {
	return BookingDTO{
		ID:               string(b.ID),
		UserID:           string(b.UserID),
		StockID:          string(b.StockID),
		Quantity:         b.Quantity,
		Amount:           money(b.Amount),
		Token:            b.Token,
		DateCreated:      b.DateCreated,
		IsCancelled:      b.IsCancelled,
		IsUsed:           b.IsUsed,
		DateUsed:         b.DateUsed,
		CancellationDate: b.CancellationDate,
	}
}

func toBookingViewDTO(v lifecycle.BookingView) BookingDTO {
	dto := toBookingDTO(v.Booking)
	dto.State = string(v.State)
	dto.ConfirmationDate = v.ConfirmationDate
	return dto
}

func toStockDTO(s model.Stock) StockDTO {
	return StockDTO{
		ID:                   string(s.ID),
		OfferID:              string(s.OfferID),
		Price:                money(s.Price),
		Quantity:             s.Quantity,
		BeginningDatetime:    s.BeginningDatetime,
		BookingLimitDatetime: s.BookingLimitDatetime,
		IsSoftDeleted:        s.IsSoftDeleted,
		DateModified:         s.DateModified,
	}
}

func toExpenseDTOs(expenses []model.Expense) []ExpenseDTO {
	dtos := make([]ExpenseDTO, len(expenses))
	for i, e := range expenses {
		dtos[i] = ExpenseDTO{Domain: string(e.Domain), Current: money(e.Current), Limit: money(e.Limit)}
	}
	return dtos
}

func toSweepDTO(r lifecycle.SweepResult) SweepDTO {
	failed := make([]string, len(r.FailedBookingIDs))
	for i, id := range r.FailedBookingIDs {
		failed[i] = string(id)
	}
	return SweepDTO{Updated: r.Updated, FailedBookingIDs: failed}
}

func money(d decimal.Decimal) string {
	return d.StringFixed(2)
}
