// Package notify pushes balance changes to interested subscribers. Delivery is
// best effort and never affects the ledger.
package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const channelPrefix = "balances:"

var Module = fx.Module("notify",
	fx.Provide(Provide),
)

type Params struct {
	fx.In

	Log    *zap.Logger
	Client redis.UniversalClient `optional:"true"`
}

// Provide publishes over redis when it is configured and drops events
// otherwise.
func Provide(p Params) Notifier {
	if p.Client == nil {
		return Noop{}
	}
	return NewRedis(p.Client, p.Log)
}

type Notifier interface {
	BalanceChanged(ctx context.Context, principalID snowflake.ID, balance int64)
}

// Channel is the pub/sub channel for one principal.
func Channel(principalID snowflake.ID) string {
	return channelPrefix + principalID.String()
}

type BalanceEvent struct {
	PrincipalID string    `json:"principal_id"`
	Balance     int64     `json:"balance"`
	At          time.Time `json:"at"`
}

type Noop struct{}

func (Noop) BalanceChanged(context.Context, snowflake.ID, int64) {}

type RedisNotifier struct {
	client redis.UniversalClient
	log    *zap.Logger
	now    func() time.Time
}

func NewRedis(client redis.UniversalClient, log *zap.Logger) *RedisNotifier {
	return &RedisNotifier{
		client: client,
		log:    log.Named("notify.redis"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (n *RedisNotifier) BalanceChanged(ctx context.Context, principalID snowflake.ID, balance int64) {
	payload, err := json.Marshal(BalanceEvent{
		PrincipalID: principalID.String(),
		Balance:     balance,
		At:          n.now(),
	})
	if err != nil {
		return
	}
	if err := n.client.Publish(ctx, Channel(principalID), payload).Err(); err != nil {
		n.log.Warn("balance notification dropped",
			zap.String("principal_id", principalID.String()),
			zap.Error(err),
		)
	}
}
