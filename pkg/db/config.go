package db

import (
	"fmt"
	"strings"

	"github.com/smallbiznis/bookpay/internal/config"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type Config struct {
	Type            string
	Host            string
	Port            string
	Name            string
	User            string
	Password        string
	SSLMode         string
	MaxIdleConn     int
	MaxOpenConn     int
	ConnMaxLifetime int
	ConnMaxIdleTime int
}

func ConfigFrom(cfg config.Config) Config {
	return Config{
		Type:            strings.ToLower(strings.TrimSpace(cfg.DBType)),
		Host:            cfg.DBHost,
		Port:            cfg.DBPort,
		Name:            cfg.DBName,
		User:            cfg.DBUser,
		Password:        cfg.DBPassword,
		SSLMode:         cfg.DBSSLMode,
		MaxIdleConn:     cfg.DBMaxIdleConn,
		MaxOpenConn:     cfg.DBMaxOpenConn,
		ConnMaxLifetime: cfg.DBConnMaxLifetime,
		ConnMaxIdleTime: cfg.DBConnMaxIdleTime,
	}
}

// DSN renders the connection string for the configured driver. Timestamps
// are pinned to UTC so booking slots and voucher windows compare correctly.
func (c Config) DSN() (string, error) {
	switch c.Type {
	case "postgres":
		return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=UTC",
			c.Host, c.User, c.Password, c.Name, c.Port, c.SSLMode), nil
	case "mysql":
		return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
			c.User, c.Password, c.Host, c.Port, c.Name), nil
	case "sqlite":
		if c.Name == "" {
			return "bookpay.db", nil
		}
		return c.Name, nil
	default:
		return "", fmt.Errorf("unsupported database type %q", c.Type)
	}
}

func (c Config) Dialector() (gorm.Dialector, error) {
	dsn, err := c.DSN()
	if err != nil {
		return nil, err
	}
	switch c.Type {
	case "postgres":
		return postgres.Open(dsn), nil
	case "mysql":
		return mysql.Open(dsn), nil
	default:
		return sqlite.Open(dsn), nil
	}
}
