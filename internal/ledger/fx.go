package ledger

import (
	"github.com/smallbiznis/creatorpay/internal/ledger/repository"
	"github.com/smallbiznis/creatorpay/internal/ledger/service"
	"go.uber.org/fx"
)

var Module = fx.Module("ledger.service",
	fx.Provide(repository.NewBalanceStore),
	fx.Provide(repository.NewTransactionLog),
	fx.Provide(service.NewService),
)
