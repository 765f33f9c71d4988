package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	generationdomain "github.com/preset-hq/credits/internal/generation/domain"
)

type createGenerationRequest struct {
	UserID      string   `json:"user_id"`
	Tier        string   `json:"tier"`
	Provider    string   `json:"provider"`
	Prompt      string   `json:"prompt"`
	AspectRatio string   `json:"aspect_ratio"`
	Resolution  string   `json:"resolution"`
	InputURLs   []string `json:"input_urls"`
}

// DispatchRateLimit throttles generation dispatches per user. The limiter
// needs the user id, so the body is bound here and stashed for the handler.
func (s *Server) DispatchRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req createGenerationRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			AbortWithError(c, ErrInvalidRequest)
			return
		}
		c.Set("generation_request", req)

		if !s.dispatchLimiter.Enabled() {
			c.Next()
			return
		}

		res, err := s.dispatchLimiter.Allow(c.Request.Context(), strings.TrimSpace(req.UserID))
		if err != nil || res.Allowed {
			c.Next()
			return
		}

		if res.RetryAfter > 0 {
			secs := int(res.RetryAfter.Seconds())
			if secs < 1 {
				secs = 1
			}
			c.Header("Retry-After", strconv.Itoa(secs))
		}
		c.AbortWithStatusJSON(http.StatusTooManyRequests, errorResponse{Error: errorPayload{
			Type:    "rate_limited",
			Message: "too many generation requests",
		}})
	}
}

func (s *Server) CreateGeneration(c *gin.Context) {
	value, ok := c.Get("generation_request")
	if !ok {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	req, ok := value.(createGenerationRequest)
	if !ok {
		AbortWithError(c, ErrInternal)
		return
	}

	task, err := s.generationSvc.Dispatch(c.Request.Context(), generationdomain.DispatchRequest{
		UserID:      strings.TrimSpace(req.UserID),
		Tier:        strings.TrimSpace(req.Tier),
		Provider:    strings.TrimSpace(req.Provider),
		Prompt:      strings.TrimSpace(req.Prompt),
		AspectRatio: strings.TrimSpace(req.AspectRatio),
		Resolution:  strings.TrimSpace(req.Resolution),
		InputURLs:   req.InputURLs,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"data": task})
}

func (s *Server) GetGeneration(c *gin.Context) {
	taskID := strings.TrimSpace(c.Param("task_id"))

	task, err := s.generationSvc.GetTask(c.Request.Context(), taskID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": task})
}
