package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

func (s *Server) GetCreditPool(c *gin.Context) {
	provider := strings.TrimSpace(c.Param("provider"))

	pool, err := s.creditSvc.GetPool(c.Request.Context(), provider)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": pool})
}

func (s *Server) RefillCreditPool(c *gin.Context) {
	provider := strings.TrimSpace(c.Param("provider"))

	pool, err := s.creditSvc.AutoRefill(c.Request.Context(), provider)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": pool})
}
