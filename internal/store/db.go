package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
)

const applicationName = "usecasehub-api"

type PoolConfig struct {
	URL          string
	MaxOpenConns int
	// StatementTimeout bounds every query on the session. Zero keeps the
	// server default.
	StatementTimeout time.Duration
}

// Open connects through pgx. Sessions carry the service name and the
// statement timeout as runtime parameters.
func Open(ctx context.Context, pool PoolConfig) (*sql.DB, error) {
	connConfig, err := pool.connConfig()
	if err != nil {
		return nil, err
	}
	db := stdlib.OpenDB(*connConfig)

	maxOpen := pool.MaxOpenConns
	if maxOpen < 1 {
		maxOpen = 20
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(max(1, maxOpen/2))
	db.SetConnMaxIdleTime(5 * time.Minute)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return db, nil
}

func (p PoolConfig) connConfig() (*pgx.ConnConfig, error) {
	connConfig, err := pgx.ParseConfig(p.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if connConfig.RuntimeParams == nil {
		connConfig.RuntimeParams = make(map[string]string)
	}
	if _, ok := connConfig.RuntimeParams["application_name"]; !ok {
		connConfig.RuntimeParams["application_name"] = applicationName
	}
	if p.StatementTimeout > 0 {
		connConfig.RuntimeParams["statement_timeout"] = strconv.FormatInt(p.StatementTimeout.Milliseconds(), 10)
	}
	return connConfig, nil
}
