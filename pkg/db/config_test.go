package db

import (
	"testing"

	"github.com/smallbiznis/bookpay/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigDSN(t *testing.T) {
	cfg := ConfigFrom(config.Config{
		DBType:     " Postgres ",
		DBHost:     "db",
		DBPort:     "5432",
		DBName:     "bookpay",
		DBUser:     "app",
		DBPassword: "secret",
		DBSSLMode:  "disable",
	})
	dsn, err := cfg.DSN()
	require.NoError(t, err)
	assert.Equal(t, "host=db user=app password=secret dbname=bookpay port=5432 sslmode=disable TimeZone=UTC", dsn)

	cfg.Type = "mysql"
	dsn, err = cfg.DSN()
	require.NoError(t, err)
	assert.Equal(t, "app:secret@tcp(db:5432)/bookpay?charset=utf8mb4&parseTime=True&loc=UTC", dsn)

	dsn, err = Config{Type: "sqlite"}.DSN()
	require.NoError(t, err)
	assert.Equal(t, "bookpay.db", dsn)

	_, err = Config{Type: "oracle"}.Dialector()
	assert.Error(t, err)
}
