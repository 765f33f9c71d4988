package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	creditdomain "github.com/preset-hq/credits/internal/credit/domain"
	"github.com/preset-hq/credits/pkg/db/pagination"
)

type consumeCreditsRequest struct {
	UserID      string `json:"user_id"`
	Tier        string `json:"tier"`
	Credits     int64  `json:"credits"`
	Provider    string `json:"provider"`
	Purpose     string `json:"purpose"`
	ReferenceID string `json:"reference_id"`
}

type refundCreditsRequest struct {
	UserID      string `json:"user_id"`
	Credits     int64  `json:"credits"`
	Purpose     string `json:"purpose"`
	ReferenceID string `json:"reference_id"`
	Reason      string `json:"reason"`
}

type purchaseCreditsRequest struct {
	UserID      string  `json:"user_id"`
	Credits     int64   `json:"credits"`
	CostUSD     float64 `json:"cost_usd"`
	ReferenceID string  `json:"reference_id"`
}

func (s *Server) GetUserCredits(c *gin.Context) {
	userID := strings.TrimSpace(c.Param("user_id"))
	tier := strings.TrimSpace(c.Query("tier"))

	resp, err := s.creditSvc.GetUserCredits(c.Request.Context(), userID, tier)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) ConsumeCredits(c *gin.Context) {
	var req consumeCreditsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	resp, err := s.creditSvc.CheckAndConsume(c.Request.Context(), creditdomain.ConsumeRequest{
		UserID:      strings.TrimSpace(req.UserID),
		Tier:        strings.TrimSpace(req.Tier),
		Credits:     req.Credits,
		Provider:    strings.TrimSpace(req.Provider),
		PurposeTag:  strings.TrimSpace(req.Purpose),
		ReferenceID: strings.TrimSpace(req.ReferenceID),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) RefundCredits(c *gin.Context) {
	var req refundCreditsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	resp, err := s.creditSvc.Refund(c.Request.Context(), creditdomain.RefundRequest{
		UserID:      strings.TrimSpace(req.UserID),
		Credits:     req.Credits,
		PurposeTag:  strings.TrimSpace(req.Purpose),
		ReferenceID: strings.TrimSpace(req.ReferenceID),
		Reason:      strings.TrimSpace(req.Reason),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) PurchaseCredits(c *gin.Context) {
	var req purchaseCreditsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	resp, err := s.creditSvc.Purchase(c.Request.Context(), creditdomain.PurchaseRequest{
		UserID:      strings.TrimSpace(req.UserID),
		Credits:     req.Credits,
		CostUSD:     req.CostUSD,
		ReferenceID: strings.TrimSpace(req.ReferenceID),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) ListCreditTransactions(c *gin.Context) {
	userID := strings.TrimSpace(c.Param("user_id"))

	var page pagination.Pagination
	if err := c.ShouldBindQuery(&page); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	txns, pageInfo, err := s.creditSvc.ListTransactions(c.Request.Context(), userID, page)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data":      txns,
		"page_info": pageInfo,
	})
}
