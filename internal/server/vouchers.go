package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	voucherdomain "github.com/smallbiznis/bookpay/internal/voucher/domain"
)

func (s *Server) ListUserVouchers(c *gin.Context) {
	userID, err := parseIDParam(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	status := voucherdomain.UserVoucherStatus(strings.ToLower(strings.TrimSpace(c.Query("status"))))
	switch status {
	case "", voucherdomain.UserVoucherActive, voucherdomain.UserVoucherUsed, voucherdomain.UserVoucherExpired:
	default:
		AbortWithError(c, newValidationError("status", "invalid_status", "invalid status"))
		return
	}

	resp, err := s.voucherSvc.ListUserVouchers(c.Request.Context(), userID, status)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) ListAvailableVouchers(c *gin.Context) {
	userID, err := parseIDParam(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	resp, err := s.voucherSvc.ListAvailable(c.Request.Context(), userID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) RedeemVoucher(c *gin.Context) {
	userID, err := parseIDParam(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}
	voucherID, err := parseIDParam(c, "voucher_id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	resp, err := s.voucherSvc.Redeem(c.Request.Context(), userID, voucherID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": resp})
}
