package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// HandlePaymentWebhook acknowledges a gateway callback once it is durably
// recorded. Any non-2xx response makes the gateway retry.
func (s *Server) HandlePaymentWebhook(c *gin.Context) {
	provider := strings.TrimSpace(c.Param("provider"))
	if err := c.Request.ParseForm(); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	if err := s.channels.IngestWebhook(c.Request.Context(), provider, c.Request.PostForm); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// HandlePaymentRedirect reports the booking status to the returning
// customer. A tampered query still gets a response, marked unverified.
func (s *Server) HandlePaymentRedirect(c *gin.Context) {
	provider := strings.TrimSpace(c.Param("provider"))

	resp, err := s.channels.HandleRedirect(c.Request.Context(), provider, c.Request.URL.Query())
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}
