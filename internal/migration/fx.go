package migration

import (
	"github.com/smallbiznis/creatorpay/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config, log *zap.Logger) error {
		log = log.Named("migration")
		if conn.Dialector.Name() != "postgres" {
			log.Warn("skipping embedded migrations for non-postgres database", zap.String("dialect", conn.Dialector.Name()))
			return nil
		}

		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}

		if err := Up(sqlDB, log); err != nil {
			return err
		}

		if cfg.Tokens.PlatformPrincipalID != 0 {
			return EnsurePlatformPrincipal(conn, cfg.Tokens.PlatformPrincipalID)
		}
		return nil
	}),
)

// EnsurePlatformPrincipal creates the zero balance row that receives
// platform fee legs.
func EnsurePlatformPrincipal(conn *gorm.DB, principalID int64) error {
	return conn.Exec(
		`INSERT INTO token_balances (principal_id, balance, updated_at)
		VALUES (?, 0, now())
		ON CONFLICT (principal_id) DO NOTHING`,
		principalID,
	).Error
}
