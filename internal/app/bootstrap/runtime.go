package bootstrap

import (
	"context"
	"crypto/tls"
	"database/sql"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"

	appconfig "github.com/wolfman30/comchat-platform/internal/config"
	"github.com/wolfman30/comchat-platform/internal/tenancy"
	"github.com/wolfman30/comchat-platform/pkg/logging"
)

// BuildRedisClient returns a configured Redis client or nil when disabled.
// When verify is true, a ping is issued and failures return nil.
func BuildRedisClient(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger, verify bool) *redis.Client {
	if cfg == nil || strings.TrimSpace(cfg.RedisAddr) == "" {
		return nil
	}
	if logger == nil {
		logger = logging.Default()
	}
	if ctx == nil {
		ctx = context.Background()
	}

	redisOptions := &redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	}
	if cfg.RedisTLS {
		redisOptions.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	client := redis.NewClient(redisOptions)
	if !verify {
		return client
	}
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("redis not available, tenant cache disabled", "error", err)
		_ = client.Close()
		return nil
	}
	return client
}

// OpenDatabase connects the pgx pool and a database/sql handle sharing it.
// Both are nil when DATABASE_URL is unset.
func OpenDatabase(ctx context.Context, cfg *appconfig.Config) (*pgxpool.Pool, *sql.DB, error) {
	if cfg == nil || strings.TrimSpace(cfg.DatabaseURL) == "" {
		return nil, nil, nil
	}
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("bootstrap: connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("bootstrap: ping postgres: %w", err)
	}
	return pool, stdlib.OpenDBFromPool(pool), nil
}

// BuildTenantDirectory returns the tenant directory and webhook source.
// Postgres is used when available, fronted by Redis when configured;
// otherwise tenants come from STATIC_TENANTS_JSON.
func BuildTenantDirectory(cfg *appconfig.Config, db *sql.DB, redisClient *redis.Client, logger *logging.Logger) (tenancy.Directory, tenancy.WebhookSource, error) {
	if cfg == nil {
		return nil, nil, fmt.Errorf("bootstrap: config is required")
	}
	if logger == nil {
		logger = logging.Default()
	}

	if db != nil {
		pg := tenancy.NewPostgresDirectory(db)
		if redisClient != nil {
			logger.Info("tenant directory: postgres with redis cache", "ttl", cfg.TenantCacheTTL.String())
			return tenancy.NewRedisCache(pg, redisClient, cfg.TenantCacheTTL, logger), pg, nil
		}
		logger.Info("tenant directory: postgres")
		return pg, pg, nil
	}

	static, err := tenancy.ParseStaticTenants(cfg.StaticTenantsJSON)
	if err != nil {
		return nil, nil, err
	}
	logger.Warn("tenant directory: static tenants from environment")
	return static, static, nil
}
