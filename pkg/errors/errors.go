package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

const (
	CodeNotFound           = "NOT_FOUND"
	CodeValidation         = "VALIDATION_ERROR"
	CodeConflict           = "CONFLICT"
	CodeInternal           = "INTERNAL_ERROR"
	CodeBadRequest         = "BAD_REQUEST"
	CodeTimeout            = "TIMEOUT"
	CodeUnavailable        = "SERVICE_UNAVAILABLE"
	CodeInvalidInput       = "INVALID_INPUT"
	CodeSeatUnavailable    = "SEAT_UNAVAILABLE"
	CodeHoldExpired        = "HOLD_EXPIRED"
	CodeAlreadyWaitlisted  = "ALREADY_WAITLISTED"
	CodeSeatsAvailable     = "SEATS_AVAILABLE"
	CodePaymentNotCaptured = "PAYMENT_NOT_CAPTURED"
	CodeInvariantViolation = "INVARIANT_VIOLATION"
)

type AppError struct {
	Code       string         `json:"code"`
	Message    string         `json:"message"`
	HTTPStatus int            `json:"-"`
	Details    map[string]any `json:"details,omitempty"`
	Err        error          `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func (e *AppError) StatusCode() int {
	return e.HTTPStatus
}

func (e *AppError) ToJSON() []byte {
	response := ErrorResponse{
		Code:    e.Code,
		Message: e.Message,
		Details: e.Details,
	}
	data, _ := json.Marshal(response)
	return data
}

type ErrorResponse struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func New(code, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
	}
}

func Wrap(err error, code, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Err:        err,
	}
}

func (e *AppError) WithDetails(details map[string]any) *AppError {
	e.Details = details
	return e
}

func IsAppError(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr)
}

func AsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

func NotFound(resource string) *AppError {
	return &AppError{
		Code:       CodeNotFound,
		Message:    fmt.Sprintf("%s not found", resource),
		HTTPStatus: http.StatusNotFound,
	}
}

func NotFoundWithID(resource, id string) *AppError {
	return &AppError{
		Code:       CodeNotFound,
		Message:    fmt.Sprintf("%s not found", resource),
		HTTPStatus: http.StatusNotFound,
		Details: map[string]any{
			"resource": resource,
			"id":       id,
		},
	}
}

func Validation(message string, details map[string]any) *AppError {
	return &AppError{
		Code:       CodeValidation,
		Message:    message,
		HTTPStatus: http.StatusUnprocessableEntity,
		Details:    details,
	}
}

func InvalidInput(message string) *AppError {
	return &AppError{
		Code:       CodeInvalidInput,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

func Conflict(message string) *AppError {
	return &AppError{
		Code:       CodeConflict,
		Message:    message,
		HTTPStatus: http.StatusConflict,
	}
}

func Internal(message string, err error) *AppError {
	return &AppError{
		Code:       CodeInternal,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

func SeatUnavailable(trainID, seatNumber string) *AppError {
	return &AppError{
		Code:       CodeSeatUnavailable,
		Message:    "Seat is unavailable",
		HTTPStatus: http.StatusConflict,
		Details: map[string]any{
			"train_id":    trainID,
			"seat_number": seatNumber,
		},
	}
}

func HoldExpired(trainID, seatNumber string) *AppError {
	return &AppError{
		Code:       CodeHoldExpired,
		Message:    "Seat hold has expired",
		HTTPStatus: http.StatusConflict,
		Details: map[string]any{
			"train_id":    trainID,
			"seat_number": seatNumber,
		},
	}
}

func AlreadyWaitlisted(trainID string) *AppError {
	return &AppError{
		Code:       CodeAlreadyWaitlisted,
		Message:    "User is already on the waitlist for this train",
		HTTPStatus: http.StatusConflict,
		Details: map[string]any{
			"train_id": trainID,
		},
	}
}

func SeatsAvailable(trainID string) *AppError {
	return &AppError{
		Code:       CodeSeatsAvailable,
		Message:    "Seats are still available, waitlist join rejected",
		HTTPStatus: http.StatusConflict,
		Details: map[string]any{
			"train_id": trainID,
		},
	}
}

func PaymentNotCaptured(paymentID string) *AppError {
	return &AppError{
		Code:       CodePaymentNotCaptured,
		Message:    "Payment has not been captured",
		HTTPStatus: http.StatusConflict,
		Details: map[string]any{
			"payment_id": paymentID,
		},
	}
}

func InvariantViolation(message string, err error) *AppError {
	return &AppError{
		Code:       CodeInvariantViolation,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}
