package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	ledgerdomain "github.com/smallbiznis/bookpay/internal/ledger/domain"
)

type creditRequest struct {
	Amount      int64  `json:"amount"`
	Source      string `json:"source"`
	Description string `json:"description"`
}

func (s *Server) GetBalance(c *gin.Context) {
	userID, err := parseIDParam(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	resp, err := s.ledgerSvc.GetBalance(c.Request.Context(), userID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) ListTransactions(c *gin.Context) {
	userID, err := parseIDParam(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}
	limit, err := parseLimit(c.Query("limit"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	resp, err := s.ledgerSvc.GetTransactionHistory(c.Request.Context(), userID, limit)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) AddCredit(c *gin.Context) {
	s.postCredit(c, s.ledgerSvc.AddCredit, ledgerdomain.CreditSourcePromotion)
}

func (s *Server) DeductCredit(c *gin.Context) {
	s.postCredit(c, s.ledgerSvc.DeductCredit, ledgerdomain.CreditSourceAdmin)
}

type creditFunc func(ctx context.Context, req ledgerdomain.CreditRequest) (ledgerdomain.CreditTransaction, error)

func (s *Server) postCredit(c *gin.Context, apply creditFunc, defaultSource string) {
	userID, err := parseIDParam(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req creditRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	source := strings.TrimSpace(req.Source)
	if source == "" {
		source = defaultSource
	}

	resp, err := apply(c.Request.Context(), ledgerdomain.CreditRequest{
		UserID:      userID,
		Amount:      req.Amount,
		Source:      source,
		Description: strings.TrimSpace(req.Description),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}
