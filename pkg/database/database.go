package database

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"grimoire/pkg/config"
	"grimoire/pkg/models"
)

// Open connects to the configured database, retrying while it comes up,
// and migrates the schema.
func Open(cfg config.Database, log logrus.FieldLogger) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case config.DriverSQLite:
		log.WithField("path", cfg.SQLitePath).Info("Connecting to sqlite database")
		dialector = sqlite.Open(cfg.SQLitePath)
	default:
		log.WithFields(logrus.Fields{"host": cfg.Host, "port": cfg.Port, "db": cfg.Name}).Info("Connecting to postgres database")
		dialector = postgres.Open(cfg.DSN())
	}

	attempts := cfg.ConnectRetries
	if attempts < 1 {
		attempts = 1
	}

	var db *gorm.DB
	var err error
	for i := 0; i < attempts; i++ {
		db, err = gorm.Open(dialector, newGormConfig(log))
		if err == nil {
			break
		}
		log.WithError(err).Warnf("Database connection attempt %d/%d failed", i+1, attempts)
		if i < attempts-1 {
			time.Sleep(cfg.ConnectBackoff)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get database instance: %w", err)
	}
	if cfg.Driver == config.DriverSQLite {
		// sqlite has a single writer and ":memory:" databases are per connection.
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxOpenConns(25)
		sqlDB.SetMaxIdleConns(10)
		sqlDB.SetConnMaxLifetime(5 * time.Minute)
	}

	if err := db.AutoMigrate(models.All()...); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	log.Info("Database connection established successfully")
	return db, nil
}

func newGormConfig(log logrus.FieldLogger) *gorm.Config {
	return &gorm.Config{
		TranslateError: true,
		Logger: gormlogger.New(log, gormlogger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
	}
}

// Ping reports whether the database answers within ctx.
func Ping(ctx context.Context, db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
