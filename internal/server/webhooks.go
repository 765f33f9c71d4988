package server

import (
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const maxWebhookBodyBytes = 1 << 20

// HandleGenerationWebhook accepts provider callbacks. Anything the service
// can process is acknowledged with 200 so providers do not retry forever;
// only signature failures and malformed payloads are rejected.
func (s *Server) HandleGenerationWebhook(c *gin.Context) {
	provider := strings.TrimSpace(c.Param("provider"))

	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBodyBytes))
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	if err := s.generationSvc.HandleWebhook(c.Request.Context(), provider, payload, c.Request.Header); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "received"})
}
