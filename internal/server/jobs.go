package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// RunMonthlyAllocation triggers the monthly top-up outside the scheduler,
// mainly for operators catching up after an outage. The allocation itself
// is idempotent, so repeated calls in the same month are harmless.
func (s *Server) RunMonthlyAllocation(c *gin.Context) {
	report, err := s.creditSvc.AllocateMonthly(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": report})
}
