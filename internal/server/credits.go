package server

import (
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	ledgerdomain "github.com/soulbridge/atelier/internal/ledger/domain"
	"github.com/soulbridge/atelier/internal/usercontext"
)

type balanceResponse struct {
	UserID  string `json:"user_id"`
	Tier    string `json:"tier"`
	Balance int64  `json:"balance"`
}

func (s *Server) GetBalance(c *gin.Context) {
	identity, ok := usercontext.IdentityFromContext(c.Request.Context())
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	balance, err := s.ledgerSvc.GetBalance(c.Request.Context(), identity.UserID, identity.Tier)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, balanceResponse{
		UserID:  identity.UserID.String(),
		Tier:    identity.Tier,
		Balance: balance,
	})
}

type listTransactionsQuery struct {
	PageToken string `form:"page_token"`
	PageSize  int32  `form:"page_size"`
}

func (s *Server) ListTransactions(c *gin.Context) {
	identity, ok := usercontext.IdentityFromContext(c.Request.Context())
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	var query listTransactionsQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, newValidationError("query", "invalid_query", "invalid query parameters"))
		return
	}

	resp, err := s.ledgerSvc.ListTransactions(c.Request.Context(), ledgerdomain.ListTransactionsRequest{
		UserID:    identity.UserID,
		PageToken: strings.TrimSpace(query.PageToken),
		PageSize:  query.PageSize,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

type grantRequest struct {
	UserID string `json:"user_id" binding:"required"`
	Tier   string `json:"tier"`
	Amount int64  `json:"amount" binding:"required"`
	Reason string `json:"reason"`
}

// GrantCredits is the admin top-up entry point.
func (s *Server) GrantCredits(c *gin.Context) {
	var req grantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, newValidationError("request", "invalid_request", "invalid request body"))
		return
	}

	userID, err := snowflake.ParseString(strings.TrimSpace(req.UserID))
	if err != nil || userID == 0 {
		AbortWithError(c, newValidationError("user_id", "invalid_user", "user_id must be a valid id"))
		return
	}

	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "admin_grant"
	}

	balance, err := s.ledgerSvc.Grant(c.Request.Context(), ledgerdomain.GrantRequest{
		UserID: userID,
		Tier:   strings.TrimSpace(req.Tier),
		Amount: req.Amount,
		Reason: reason,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, balanceResponse{
		UserID:  userID.String(),
		Tier:    strings.ToLower(strings.TrimSpace(req.Tier)),
		Balance: balance,
	})
}

type resetMonthlyRequest struct {
	UserID string `json:"user_id" binding:"required"`
	Tier   string `json:"tier" binding:"required"`
}

// ResetMonthlyAllowance forces a user's balance back to the tier
// allowance, the same operation the scheduler applies monthly.
func (s *Server) ResetMonthlyAllowance(c *gin.Context) {
	var req resetMonthlyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, newValidationError("request", "invalid_request", "invalid request body"))
		return
	}

	userID, err := snowflake.ParseString(strings.TrimSpace(req.UserID))
	if err != nil || userID == 0 {
		AbortWithError(c, newValidationError("user_id", "invalid_user", "user_id must be a valid id"))
		return
	}

	allowance, err := s.catalog.MonthlyAllowance(req.Tier)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	balance, err := s.ledgerSvc.ResetMonthly(c.Request.Context(), userID, req.Tier, int64(allowance))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, balanceResponse{
		UserID:  userID.String(),
		Tier:    strings.ToLower(strings.TrimSpace(req.Tier)),
		Balance: balance,
	})
}
