package main

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"cinema-seathold/pkg/logger"
	"cinema-seathold/shared"

	"github.com/gin-gonic/gin"
)

type Handlers struct {
	manager *SeatManager
	l       logger.Logger
}

func setupRoutes(manager *SeatManager, l logger.Logger) *gin.Engine {
	h := &Handlers{manager: manager, l: l}

	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(l))

	router.GET(shared.APIEndpointHolds, h.handleGetHolds)
	router.POST(shared.APIEndpointHolds, h.handleHold)
	router.DELETE(shared.APIEndpointHolds, h.handleRelease)
	router.POST(shared.APIEndpointBookings, h.handleBook)

	router.GET(shared.APIEndpointHealth, func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	return router
}

func requestLogger(l logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		l.Debugf(c.Request.Context(), "booking.http: %s %s -> %d in %s",
			c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start))
	}
}

func (h *Handlers) bind(c *gin.Context) (int64, shared.HoldRequest, bool) {
	showtimeID, err := strconv.ParseInt(c.Param("showtimeID"), 10, 64)
	if err != nil || showtimeID <= 0 {
		c.JSON(http.StatusBadRequest, shared.ErrorResponse{Error: "invalid showtime id"})
		return 0, shared.HoldRequest{}, false
	}

	var req shared.HoldRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, shared.ErrorResponse{Error: "Invalid request"})
		return 0, shared.HoldRequest{}, false
	}
	return showtimeID, req, true
}

func (h *Handlers) handleGetHolds(c *gin.Context) {
	showtimeID, err := strconv.ParseInt(c.Param("showtimeID"), 10, 64)
	if err != nil || showtimeID <= 0 {
		c.JSON(http.StatusBadRequest, shared.ErrorResponse{Error: "invalid showtime id"})
		return
	}

	holds, err := h.manager.Holds(c.Request.Context(), showtimeID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, holds)
}

func (h *Handlers) handleHold(c *gin.Context) {
	showtimeID, req, ok := h.bind(c)
	if !ok {
		return
	}

	holds, err := h.manager.Hold(c.Request.Context(), showtimeID, req.UserID, req.TicketIDs)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, holds)
}

func (h *Handlers) handleRelease(c *gin.Context) {
	showtimeID, req, ok := h.bind(c)
	if !ok {
		return
	}

	released, err := h.manager.Release(c.Request.Context(), showtimeID, req.UserID, req.TicketIDs)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ticketIds": released})
}

func (h *Handlers) handleBook(c *gin.Context) {
	showtimeID, req, ok := h.bind(c)
	if !ok {
		return
	}

	if err := h.manager.Book(c.Request.Context(), showtimeID, req.UserID, req.TicketIDs); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Tickets booked successfully"})
}

func (h *Handlers) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		c.JSON(http.StatusBadRequest, shared.ErrorResponse{Error: err.Error()})
	case errors.Is(err, ErrTicketHeld), errors.Is(err, ErrTicketBooked), errors.Is(err, ErrNotHeld):
		c.JSON(http.StatusConflict, shared.ErrorResponse{Error: err.Error()})
	default:
		h.l.Errorf(c.Request.Context(), "booking.http: %s %s: %v", c.Request.Method, c.Request.URL.Path, err)
		c.JSON(http.StatusInternalServerError, shared.ErrorResponse{Error: "internal error"})
	}
}
