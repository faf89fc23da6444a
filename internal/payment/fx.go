package payment

import (
	"github.com/redis/go-redis/v9"
	"github.com/smallbiznis/creatorpay/internal/config"
	"github.com/smallbiznis/creatorpay/internal/payment/adapters/stripe"
	paymentdomain "github.com/smallbiznis/creatorpay/internal/payment/domain"
	"github.com/smallbiznis/creatorpay/internal/payment/eventcache"
	"github.com/smallbiznis/creatorpay/internal/payment/repository"
	"github.com/smallbiznis/creatorpay/internal/payment/webhook"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// GatewayModule provides the outbound gateway client alone, for processes
// that charge or disburse without receiving webhooks.
var GatewayModule = fx.Module("payment.gateway",
	fx.Provide(newGatewayClient),
	fx.Provide(func(c *stripe.Client) paymentdomain.Charger {
		if c == nil {
			return nil
		}
		return c
	}),
	fx.Provide(func(c *stripe.Client) paymentdomain.Disburser {
		if c == nil {
			return nil
		}
		return c
	}),
)

var Module = fx.Module("payment.service",
	GatewayModule,
	fx.Provide(repository.Provide),
	fx.Provide(func(cfg config.Config) (paymentdomain.Adapter, error) {
		return stripe.NewAdapter(cfg)
	}),
	fx.Provide(newEventCache),
	fx.Provide(webhook.NewService),
)

// newGatewayClient returns nil when no gateway is configured. Auto-refill and
// withdrawal settlement are then unavailable; webhooks still work.
func newGatewayClient(cfg config.Config, log *zap.Logger) *stripe.Client {
	client, err := stripe.NewClient(cfg)
	if err != nil {
		log.Warn("payment gateway client disabled", zap.Error(err))
		return nil
	}
	return client
}

type eventCacheParams struct {
	fx.In

	Config config.Config
	Client redis.UniversalClient `optional:"true"`
}

func newEventCache(p eventCacheParams) paymentdomain.EventCache {
	if p.Client == nil {
		return eventcache.NewMemory(p.Config.Webhook.EventCacheTTL)
	}
	return eventcache.NewRedis(p.Client, p.Config.Webhook.EventCacheTTL)
}
