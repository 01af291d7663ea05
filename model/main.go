package model

import (
	"fmt"
	"time"

	"github.com/Laisky/errors/v2"
	"github.com/Laisky/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/qrelay/qrelay/common/config"
	"github.com/qrelay/qrelay/common/logger"
)

var DB *gorm.DB

func chooseDB() (*gorm.DB, error) {
	if config.MySQLDSN != "" {
		return openMySQL(config.MySQLDSN)
	}
	return openSQLite()
}

func openMySQL(dsn string) (*gorm.DB, error) {
	logger.Logger.Info("using MySQL as database")
	return gorm.Open(mysql.Open(dsn), &gorm.Config{
		PrepareStmt: true, // precompile SQL
	})
}

func openSQLite() (*gorm.DB, error) {
	logger.Logger.Info("MYSQL_DSN not set, using SQLite as database")
	dsn := fmt.Sprintf("%s?_busy_timeout=%d", config.SQLitePath, config.SQLiteBusyTimeout)
	return gorm.Open(sqlite.Open(dsn), &gorm.Config{
		PrepareStmt: true, // precompile SQL
	})
}

func InitDB() {
	var err error
	DB, err = chooseDB()
	if err != nil {
		logger.Logger.Fatal("failed to initialize database", zap.Error(err))
		return
	}

	if config.DebugSQLEnabled {
		logger.Logger.Debug("debug sql enabled")
		DB = DB.Debug()
	}

	sqlDB, err := DB.DB()
	if err != nil {
		logger.Logger.Fatal("failed to get underlying sql.DB", zap.Error(err))
		return
	}
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)

	logger.Logger.Info("database migration started")
	if err = migrateDB(); err != nil {
		logger.Logger.Fatal("failed to migrate database", zap.Error(err))
		return
	}
	logger.Logger.Info("database migration completed")
}

func migrateDB() error {
	if err := DB.AutoMigrate(&Account{}); err != nil {
		return errors.Wrap(err, "failed to migrate Account")
	}
	if err := DB.AutoMigrate(&CallLog{}); err != nil {
		return errors.Wrap(err, "failed to migrate CallLog")
	}
	if err := DB.AutoMigrate(&UsageRecord{}); err != nil {
		return errors.Wrap(err, "failed to migrate UsageRecord")
	}
	if err := DB.AutoMigrate(&AdminUser{}); err != nil {
		return errors.Wrap(err, "failed to migrate AdminUser")
	}
	return nil
}

func CloseDB() error {
	sqlDB, err := DB.DB()
	if err != nil {
		return errors.Wrap(err, "get underlying sql.DB")
	}
	return errors.Wrap(sqlDB.Close(), "close database")
}
