package ratelimit

import (
	"context"
	"errors"
	"fmt"

	"github.com/bwmarrin/snowflake"
	"github.com/redis/go-redis/v9"
	"github.com/smallbiznis/creatorpay/internal/config"
	"go.uber.org/fx"
)

const keyTransferSender = "ratelimit:transfer:sender:%s"

type Params struct {
	fx.In

	Config config.Config
	Client redis.UniversalClient `optional:"true"`
}

// TransferLimiter caps how fast one principal can send peer transfers.
type TransferLimiter struct {
	bucket *CellLimiter
	rate   float64
	burst  int
}

// NewTransferLimiter returns nil when limiting is disabled or redis is
// missing. A nil limiter allows everything.
func NewTransferLimiter(p Params) (*TransferLimiter, error) {
	cfg := p.Config.RateLimit
	if !cfg.Enabled || p.Client == nil {
		return nil, nil
	}
	if cfg.TransferRate <= 0 || cfg.TransferBurst <= 0 {
		return nil, errors.New("transfer rate limit must be positive")
	}
	return &TransferLimiter{
		bucket: NewCellLimiter(p.Client),
		rate:   cfg.TransferRate,
		burst:  cfg.TransferBurst,
	}, nil
}

func (l *TransferLimiter) Enabled() bool {
	return l != nil && l.bucket != nil
}

func (l *TransferLimiter) AllowSender(ctx context.Context, principalID snowflake.ID) (*RateLimitResult, error) {
	if !l.Enabled() {
		return &RateLimitResult{Allowed: true}, nil
	}
	return l.bucket.Allow(ctx, fmt.Sprintf(keyTransferSender, principalID.String()), l.rate, l.burst)
}
