package server

import (
	"bytes"
	"encoding/json"
	"io"
	"math"
	"strconv"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/creatorpay/internal/observability/logger"
	"go.uber.org/zap"
)

type transferRateLimitKey struct {
	FromID snowflake.ID `json:"from_id"`
}

// TransferRateLimit throttles transfers per sender. Requests without a sender
// are externally funded and pass through.
func (s *Server) TransferRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.transferLimiter.Enabled() {
			c.Next()
			return
		}

		ctx := c.Request.Context()
		senderID, err := readTransferSender(c)
		if err != nil {
			AbortWithError(c, invalidRequestError())
			return
		}
		if senderID == 0 {
			c.Next()
			return
		}

		res, err := s.transferLimiter.AllowSender(ctx, senderID)
		if err != nil {
			logger.FromContext(ctx).Warn("transfer rate limit check failed", zap.Error(err))
			AbortWithError(c, ErrServiceUnavailable)
			return
		}
		if !res.Allowed {
			logger.FromContext(ctx).Warn("transfer rate limit exceeded",
				zap.String("sender_id", senderID.String()),
				zap.Duration("retry_after", res.RetryAfter),
			)
			c.Header("Retry-After", retryAfterSeconds(res.RetryAfter))
			AbortWithError(c, ErrRateLimited)
			return
		}

		c.Next()
	}
}

func retryAfterSeconds(d time.Duration) string {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}

// readTransferSender peeks at from_id and restores the body for the handler.
func readTransferSender(c *gin.Context) (snowflake.ID, error) {
	if c.Request.Body == nil {
		return 0, nil
	}
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		return 0, err
	}
	c.Request.Body = io.NopCloser(bytes.NewReader(body))
	if len(bytes.TrimSpace(body)) == 0 {
		return 0, nil
	}

	var key transferRateLimitKey
	if err := json.Unmarshal(body, &key); err != nil {
		return 0, err
	}
	return key.FromID, nil
}
