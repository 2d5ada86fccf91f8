package migration

import (
	"strings"

	"github.com/smallbiznis/bookpay/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Module migrates the schema before the HTTP server starts. The embedded SQL
// is postgres dialect; other drivers are left to the operator.
var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config, log *zap.Logger) error {
		log = log.Named("migration")
		if !strings.EqualFold(cfg.DBType, "postgres") {
			log.Warn("schema migrations skipped", zap.String("db_type", cfg.DBType))
			return nil
		}

		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}
		_, err = Up(sqlDB, log)
		return err
	}),
)
