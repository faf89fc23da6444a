package payout

import (
	earningsdomain "github.com/smallbiznis/creatorpay/internal/earnings/domain"
	payoutdomain "github.com/smallbiznis/creatorpay/internal/payout/domain"
	"github.com/smallbiznis/creatorpay/internal/payout/repository"
	"github.com/smallbiznis/creatorpay/internal/payout/service"
	transferdomain "github.com/smallbiznis/creatorpay/internal/transfer/domain"
	"go.uber.org/fx"
)

var Module = fx.Module("payout.service",
	fx.Provide(repository.Provide),
	fx.Provide(func(repo payoutdomain.Repository) earningsdomain.PendingWithdrawals { return repo }),
	fx.Provide(func(repo payoutdomain.Repository) transferdomain.Reservations { return repo }),
	fx.Provide(service.NewService),
)
