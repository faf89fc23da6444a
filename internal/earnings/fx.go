package earnings

import (
	earningsdomain "github.com/smallbiznis/creatorpay/internal/earnings/domain"
	"github.com/smallbiznis/creatorpay/internal/earnings/service"
	transferdomain "github.com/smallbiznis/creatorpay/internal/transfer/domain"
	"go.uber.org/fx"
)

var Module = fx.Module("earnings.service",
	fx.Provide(service.NewService),
	fx.Provide(func(svc earningsdomain.Service) transferdomain.EarningsInvalidator { return svc }),
)
