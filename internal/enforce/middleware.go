package enforce

import (
	"errors"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/soulbridge/atelier/internal/usercontext"
)

// chargeContextKey carries the in-flight charge across a gin request.
const chargeContextKey = "enforce.charge"

// Middleware adapts the gate to a gin route. The deduction happens
// before the handler runs and the refund decision after it returns,
// keyed off c.Errors and the response status. Because the handler
// writes its own body, charge metadata travels as response headers
// here instead of a payload merge.
func (g *Gate) Middleware(feature string) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()

		identity, ok := usercontext.IdentityFromContext(ctx)
		if !ok {
			_ = c.Error(ErrAuthenticationRequired)
			c.Abort()
			return
		}

		cost, err := g.catalog.Cost(feature)
		if err != nil {
			_ = c.Error(err)
			c.Abort()
			return
		}
		if cost == 0 {
			c.Next()
			return
		}

		charge, err := g.Begin(ctx, identity, feature, int64(cost))
		if err != nil {
			_ = c.Error(err)
			c.Abort()
			return
		}

		c.Header("X-Credits-Charged", strconv.FormatInt(charge.Cost, 10))
		c.Header("X-Credits-Remaining", strconv.FormatInt(charge.Remaining, 10))
		c.Set(chargeContextKey, charge)

		c.Next()

		if cause := requestFailure(c); cause != nil {
			g.Cancel(ctx, identity, charge, cause)
			return
		}
		g.Commit(ctx, identity, charge)
	}
}

// ChargeFromGin returns the active charge for handlers that want to
// include it in their payload.
func ChargeFromGin(c *gin.Context) (Charge, bool) {
	value, ok := c.Get(chargeContextKey)
	if !ok {
		return Charge{}, false
	}
	charge, ok := value.(Charge)
	return charge, ok
}

func requestFailure(c *gin.Context) error {
	if last := c.Errors.Last(); last != nil {
		return last.Err
	}
	if err := c.Request.Context().Err(); err != nil {
		return err
	}
	if status := c.Writer.Status(); status >= 400 {
		return errors.New("handler responded " + strconv.Itoa(status))
	}
	return nil
}
