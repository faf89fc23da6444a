package transfer

import (
	"github.com/smallbiznis/creatorpay/internal/transfer/repository"
	"github.com/smallbiznis/creatorpay/internal/transfer/service"
	"go.uber.org/fx"
)

var Module = fx.Module("transfer.service",
	fx.Provide(repository.NewRefillRepository),
	fx.Provide(service.NewService),
)
