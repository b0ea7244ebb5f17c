package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/soulbridge/atelier/internal/usercontext"
)

// FeatureInvoker runs the artistic feature itself once the gate has
// cleared the charge. The AI backends plug in here.
type FeatureInvoker interface {
	Invoke(ctx context.Context, feature string, input map[string]any) (map[string]any, error)
}

// echoInvoker stands in when no backend is wired, accepting the
// invocation and echoing it back. Useful for local runs and tests.
type echoInvoker struct{}

func (echoInvoker) Invoke(_ context.Context, feature string, input map[string]any) (map[string]any, error) {
	return map[string]any{
		"feature": feature,
		"status":  "completed",
		"input":   input,
	}, nil
}

const headerIdempotencyKey = "Idempotency-Key"

type invokeRequest struct {
	Input map[string]any `json:"input"`
}

// InvokeFeature is the metered entry point: quota check, deduction,
// feature execution and refund-on-failure all happen inside the gate.
func (s *Server) InvokeFeature(c *gin.Context) {
	feature := strings.TrimSpace(c.Param("feature"))

	var req invokeRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			AbortWithError(c, newValidationError("request", "invalid_request", "invalid request body"))
			return
		}
	}

	ctx := c.Request.Context()

	idemKey := strings.TrimSpace(c.GetHeader(headerIdempotencyKey))
	if idemKey != "" && s.limiter.Enabled() {
		identity, ok := usercontext.IdentityFromContext(ctx)
		if !ok {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		token, claimed, err := s.limiter.ClaimIdempotencyKey(ctx, int64(identity.UserID), idemKey)
		if err == nil && !claimed {
			AbortWithError(c, ErrConflict)
			return
		}
		if err == nil && claimed {
			defer func() {
				// A failed invocation frees the key so the client can retry.
				if len(c.Errors) > 0 {
					_ = s.limiter.ReleaseIdempotencyKey(context.WithoutCancel(ctx), int64(identity.UserID), idemKey, token)
				}
			}()
		}
	}

	payload, err := s.gate.Execute(ctx, feature, func(ctx context.Context) (map[string]any, error) {
		return s.invoker.Invoke(ctx, feature, req.Input)
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, payload)
}
