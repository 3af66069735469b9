package handler

import (
	"encoding/json"
	"net/http"

	"railbook/internal/reservations/service"
	httputil "railbook/pkg/http"
	"railbook/pkg/logger"

	"github.com/julienschmidt/httprouter"
)

type ReservationHandler struct {
	service service.ReservationService
	log     *logger.Logger
}

func NewReservationHandler(service service.ReservationService, log *logger.Logger) *ReservationHandler {
	return &ReservationHandler{
		service: service,
		log:     log,
	}
}

func (h *ReservationHandler) SearchTrains(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	query := r.URL.Query()

	limit, offset, err := httputil.ExtractLimitOffset(r)
	if err != nil {
		if writeErr := httputil.WriteError(w, err); writeErr != nil {
			h.log.Error("failed to write error response", "handler", "SearchTrains", "operation", "WriteError", "error", writeErr)
		}
		return
	}

	trains, total, err := h.service.SearchTrains(r.Context(), query.Get("source"), query.Get("destination"), limit, offset)
	if err != nil {
		if writeErr := httputil.WriteError(w, err); writeErr != nil {
			h.log.Error("failed to write error response", "handler", "SearchTrains", "operation", "WriteError", "error", writeErr)
		}
		return
	}

	if err := httputil.WritePaginated(w, trains, total, limit, offset); err != nil {
		h.log.Error("failed to write paginated response", "handler", "SearchTrains", "operation", "WritePaginated", "error", err)
	}
}

func (h *ReservationHandler) GetSeatMap(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	seats, err := h.service.GetSeatMap(r.Context(), ps.ByName("id"))
	if err != nil {
		if writeErr := httputil.WriteError(w, err); writeErr != nil {
			h.log.Error("failed to write error response", "handler", "GetSeatMap", "operation", "WriteError", "error", writeErr)
		}
		return
	}

	if err := httputil.WriteSuccess(w, seats); err != nil {
		h.log.Error("failed to write success response", "handler", "GetSeatMap", "operation", "WriteSuccess", "error", err)
	}
}

type createOrderPayload struct {
	SeatNumber string `json:"seat_number"`
	Amount     int64  `json:"amount"`
}

func (h *ReservationHandler) CreateOrder(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	userID, err := httputil.ExtractUserID(r)
	if err != nil {
		if writeErr := httputil.WriteError(w, err); writeErr != nil {
			h.log.Error("failed to write error response", "handler", "CreateOrder", "operation", "WriteError", "error", writeErr)
		}
		return
	}

	var payload createOrderPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		if writeErr := httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{
			Error: "Invalid request body",
		}); writeErr != nil {
			h.log.Error("failed to write JSON response", "handler", "CreateOrder", "operation", "WriteJSON", "error", writeErr)
		}
		return
	}

	result, err := h.service.CreateOrder(r.Context(), &service.CreateOrderRequest{
		TrainID:    ps.ByName("id"),
		SeatNumber: payload.SeatNumber,
		UserID:     userID,
		Amount:     payload.Amount,
	})
	if err != nil {
		if writeErr := httputil.WriteError(w, err); writeErr != nil {
			h.log.Error("failed to write error response", "handler", "CreateOrder", "operation", "WriteError", "error", writeErr)
		}
		return
	}

	if err := httputil.WriteCreated(w, result); err != nil {
		h.log.Error("failed to write created response", "handler", "CreateOrder", "operation", "WriteCreated", "error", err)
	}
}

type bookPayload struct {
	SeatNumber string `json:"seat_number"`
	PaymentID  string `json:"payment_id"`
}

func (h *ReservationHandler) Book(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	userID, err := httputil.ExtractUserID(r)
	if err != nil {
		if writeErr := httputil.WriteError(w, err); writeErr != nil {
			h.log.Error("failed to write error response", "handler", "Book", "operation", "WriteError", "error", writeErr)
		}
		return
	}

	var payload bookPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		if writeErr := httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{
			Error: "Invalid request body",
		}); writeErr != nil {
			h.log.Error("failed to write JSON response", "handler", "Book", "operation", "WriteJSON", "error", writeErr)
		}
		return
	}

	booking, err := h.service.Book(r.Context(), &service.BookRequest{
		TrainID:    ps.ByName("id"),
		SeatNumber: payload.SeatNumber,
		UserID:     userID,
		PaymentID:  payload.PaymentID,
	})
	if err != nil {
		if writeErr := httputil.WriteError(w, err); writeErr != nil {
			h.log.Error("failed to write error response", "handler", "Book", "operation", "WriteError", "error", writeErr)
		}
		return
	}

	if err := httputil.WriteCreated(w, booking); err != nil {
		h.log.Error("failed to write created response", "handler", "Book", "operation", "WriteCreated", "error", err)
	}
}

func (h *ReservationHandler) JoinWaitlist(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	userID, err := httputil.ExtractUserID(r)
	if err != nil {
		if writeErr := httputil.WriteError(w, err); writeErr != nil {
			h.log.Error("failed to write error response", "handler", "JoinWaitlist", "operation", "WriteError", "error", writeErr)
		}
		return
	}

	entry, err := h.service.JoinWaitlist(r.Context(), ps.ByName("id"), userID)
	if err != nil {
		if writeErr := httputil.WriteError(w, err); writeErr != nil {
			h.log.Error("failed to write error response", "handler", "JoinWaitlist", "operation", "WriteError", "error", writeErr)
		}
		return
	}

	if err := httputil.WriteCreated(w, entry); err != nil {
		h.log.Error("failed to write created response", "handler", "JoinWaitlist", "operation", "WriteCreated", "error", err)
	}
}

func (h *ReservationHandler) ListBookings(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	userID, err := httputil.ExtractUserID(r)
	if err != nil {
		if writeErr := httputil.WriteError(w, err); writeErr != nil {
			h.log.Error("failed to write error response", "handler", "ListBookings", "operation", "WriteError", "error", writeErr)
		}
		return
	}

	limit, offset, err := httputil.ExtractLimitOffset(r)
	if err != nil {
		if writeErr := httputil.WriteError(w, err); writeErr != nil {
			h.log.Error("failed to write error response", "handler", "ListBookings", "operation", "WriteError", "error", writeErr)
		}
		return
	}

	bookings, total, err := h.service.ListBookings(r.Context(), userID, limit, offset)
	if err != nil {
		if writeErr := httputil.WriteError(w, err); writeErr != nil {
			h.log.Error("failed to write error response", "handler", "ListBookings", "operation", "WriteError", "error", writeErr)
		}
		return
	}

	if err := httputil.WritePaginated(w, bookings, total, limit, offset); err != nil {
		h.log.Error("failed to write paginated response", "handler", "ListBookings", "operation", "WritePaginated", "error", err)
	}
}

func (h *ReservationHandler) Cancel(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	userID, err := httputil.ExtractUserID(r)
	if err != nil {
		if writeErr := httputil.WriteError(w, err); writeErr != nil {
			h.log.Error("failed to write error response", "handler", "Cancel", "operation", "WriteError", "error", writeErr)
		}
		return
	}

	if err := h.service.Cancel(r.Context(), userID, ps.ByName("id")); err != nil {
		if writeErr := httputil.WriteError(w, err); writeErr != nil {
			h.log.Error("failed to write error response", "handler", "Cancel", "operation", "WriteError", "error", writeErr)
		}
		return
	}

	httputil.WriteNoContent(w)
}

func (h *ReservationHandler) RegisterRoutes(router *httprouter.Router) {
	router.GET("/api/v1/trains", h.SearchTrains)
	router.GET("/api/v1/trains/:id/seats", h.GetSeatMap)
	router.POST("/api/v1/trains/:id/orders", h.CreateOrder)
	router.POST("/api/v1/trains/:id/bookings", h.Book)
	router.POST("/api/v1/trains/:id/waitlist", h.JoinWaitlist)
	router.GET("/api/v1/bookings", h.ListBookings)
	router.DELETE("/api/v1/bookings/:id", h.Cancel)
}
