package server

import (
	"strconv"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/soulbridge/atelier/internal/usercontext"
)

const (
	HeaderUserID   = "X-User-ID"
	HeaderUserTier = "X-User-Tier"

	defaultTier = "bronze"
)

// IdentityRequired resolves the caller from the trusted gateway headers
// and stashes it on the request context. The tier falls back to the
// entry tier when the gateway does not forward one.
func (s *Server) IdentityRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := strings.TrimSpace(c.GetHeader(HeaderUserID))
		if raw == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		tier := strings.TrimSpace(c.GetHeader(HeaderUserTier))
		if tier == "" {
			tier = defaultTier
		}

		ctx := usercontext.WithIdentity(c.Request.Context(), usercontext.Identity{
			UserID: snowflake.ID(id),
			Tier:   tier,
		})
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// InvokeRateLimit throttles metered invocations per user. A nil or
// disabled limiter lets everything through.
func (s *Server) InvokeRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.limiter.Enabled() {
			c.Next()
			return
		}

		identity, ok := usercontext.IdentityFromContext(c.Request.Context())
		if !ok {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		res, err := s.limiter.AllowUser(c.Request.Context(), int64(identity.UserID))
		if err != nil {
			// Redis trouble should not take the ledger down with it.
			c.Next()
			return
		}
		if !res.Allowed {
			if res.RetryAfter > 0 {
				c.Header("Retry-After", strconv.Itoa(int(res.RetryAfter.Seconds()+1)))
			}
			AbortWithError(c, ErrRateLimited)
			return
		}

		c.Next()
	}
}
