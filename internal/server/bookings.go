package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	bookingdomain "github.com/smallbiznis/bookpay/internal/booking/domain"
)

type cancelBookingRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) CreateBooking(c *gin.Context) {
	var req bookingdomain.CreateBookingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	req.CustomerEmail = strings.TrimSpace(req.CustomerEmail)
	req.CustomerName = strings.TrimSpace(req.CustomerName)
	req.Address = strings.TrimSpace(req.Address)

	resp, err := s.bookingSvc.CreateBooking(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": resp})
}

func (s *Server) GetBooking(c *gin.Context) {
	id, err := parseIDParam(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	resp, err := s.bookingSvc.GetBookingStatus(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) ListCustomerBookings(c *gin.Context) {
	customerID, err := parseIDParam(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}
	limit, err := parseLimit(c.Query("limit"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	resp, err := s.bookingSvc.ListBookings(c.Request.Context(), customerID, limit)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

// InitiatePayment creates the gateway bill and returns the checkout URL.
// Repeating the call returns the bill already issued.
func (s *Server) InitiatePayment(c *gin.Context) {
	id, err := parseIDParam(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	resp, err := s.bookingSvc.InitiatePayment(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) CancelBooking(c *gin.Context) {
	id, err := parseIDParam(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req cancelBookingRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			AbortWithError(c, invalidRequestError())
			return
		}
	}

	resp, err := s.bookingSvc.Cancel(c.Request.Context(), id, req.Reason)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) DownloadReceipt(c *gin.Context) {
	id, err := parseIDParam(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	doc, err := s.receipts.BookingReceipt(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.Header("Content-Disposition", `attachment; filename="`+doc.FileName+`"`)
	c.Data(http.StatusOK, "application/pdf", doc.Content)
}
