package pricestore

import (
	"context"
	"database/sql"
	"fmt"

	"go_tradernet/relay/internal/config"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// Open builds the store selected by cfg.Store.Driver.
func Open(ctx context.Context, cfg *config.Config) (Store, error) {
	switch cfg.Store.Driver {
	case "memory":
		return NewMemoryStore(), nil
	case "sqlite":
		return OpenSQLite(ctx, cfg.Store.Path)
	case "mysql":
		db, err := openMySQL(ctx, &cfg.Database)
		if err != nil {
			return nil, err
		}
		store, err := NewSQLStore(ctx, db, DialectMySQL)
		if err != nil {
			db.Close()
			return nil, err
		}
		return store, nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdleConns,
			DialTimeout:  cfg.Redis.DialTimeout,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, errors.Wrap(err, "failed to connect to redis")
		}
		return NewRedisStore(client, cfg.Store.RedisKey), nil
	default:
		return nil, errors.Wrapf(ErrUnknownDriver, "%q", cfg.Store.Driver)
	}
}

func openMySQL(ctx context.Context, cfg *config.DatabaseConfig) (*sql.DB, error) {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&loc=Local",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Database)

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open mysql")
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to connect to mysql")
	}
	return db, nil
}
