package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/soulbridge/atelier/internal/usercontext"
)

type featureUsageResponse struct {
	Feature   string `json:"feature"`
	Used      int64  `json:"used"`
	Limit     any    `json:"limit"`
	Remaining any    `json:"remaining"`
	ResetsAt  string `json:"resets_at"`
}

// GetFeatureUsage reports today's consumption against the caller's
// daily cap. Unlimited tiers report the string "unlimited" instead of
// a number.
func (s *Server) GetFeatureUsage(c *gin.Context) {
	identity, ok := usercontext.IdentityFromContext(c.Request.Context())
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	feature := strings.TrimSpace(c.Param("feature"))
	quota, err := s.usageSvc.CheckQuota(c.Request.Context(), identity.UserID, feature, identity.Tier)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	resp := featureUsageResponse{
		Feature:  strings.ToLower(feature),
		Used:     quota.Used,
		ResetsAt: quota.ResetsAt.Format(time.RFC3339),
	}
	if quota.Limit.IsUnlimited() {
		resp.Limit = "unlimited"
		resp.Remaining = "unlimited"
	} else {
		resp.Limit = quota.Limit.Count()
		remaining := int64(quota.Limit.Count()) - quota.Used
		if remaining < 0 {
			remaining = 0
		}
		resp.Remaining = remaining
	}

	c.JSON(http.StatusOK, resp)
}

type featureListItem struct {
	Code string `json:"code"`
	Name string `json:"name"`
	Cost int    `json:"cost"`
}

// ListFeatures exposes the cost table so clients can render pricing.
func (s *Server) ListFeatures(c *gin.Context) {
	codes := s.catalog.Features()
	items := make([]featureListItem, 0, len(codes))
	for _, code := range codes {
		feature, err := s.catalog.Feature(code)
		if err != nil {
			continue
		}
		items = append(items, featureListItem{
			Code: feature.Code,
			Name: feature.Name,
			Cost: feature.Cost,
		})
	}

	c.JSON(http.StatusOK, gin.H{"features": items})
}

type resetUsageRequest struct {
	UserID  string `json:"user_id" binding:"required"`
	Feature string `json:"feature"`
}

// ResetUsage clears today's counters for a user. An empty feature
// clears every feature.
func (s *Server) ResetUsage(c *gin.Context) {
	var req resetUsageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, newValidationError("request", "invalid_request", "invalid request body"))
		return
	}

	userID, err := snowflake.ParseString(strings.TrimSpace(req.UserID))
	if err != nil || userID == 0 {
		AbortWithError(c, newValidationError("user_id", "invalid_user", "user_id must be a valid id"))
		return
	}

	if err := s.usageSvc.ResetUsage(c.Request.Context(), userID, strings.TrimSpace(req.Feature)); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
