package migration

import (
	"go.uber.org/fx"
	"gorm.io/gorm"

	"github.com/mooose/corrector/internal/anonsession"
	"github.com/mooose/corrector/internal/auth"
	"github.com/mooose/corrector/internal/config"
	"github.com/mooose/corrector/internal/demo"
	"github.com/mooose/corrector/internal/essay"
	"github.com/mooose/corrector/internal/payment"
	"github.com/mooose/corrector/internal/referral"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config) error {
		if cfg.DBType != "postgres" {
			// golang-migrate drivers are wired for postgres only;
			// mysql and sqlite deployments rely on AutoMigrate.
			return conn.AutoMigrate(
				&auth.User{},
				&auth.Session{},
				&anonsession.AnonymousSession{},
				&essay.Essay{},
				&essay.Review{},
				&payment.MercadoPagoPayment{},
				&referral.Referral{},
				&demo.Key{},
			)
		}

		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}
		return RunMigrations(sqlDB)
	}),
)
