package migration

import (
	"github.com/soulbridge/atelier/internal/config"
	ledgerdomain "github.com/soulbridge/atelier/internal/ledger/domain"
	usagedomain "github.com/soulbridge/atelier/internal/usage/domain"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config) error {
		// The versioned SQL is written for postgres. Other dialects
		// (sqlite for local runs, mysql) get the schema from gorm.
		if cfg.DBType != "postgres" {
			return conn.AutoMigrate(
				&ledgerdomain.CreditBalance{},
				&ledgerdomain.CreditTransaction{},
				&ledgerdomain.RefundRetry{},
				&usagedomain.UsageCounter{},
			)
		}

		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}
		return RunMigrations(sqlDB)
	}),
)
