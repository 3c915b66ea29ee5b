package main

import (
	"fmt"
	"strings"
	"time"

	"channel-relay/internal/lock"
	"channel-relay/internal/observability/logging"
	"channel-relay/internal/process"
	"channel-relay/internal/server"
	"channel-relay/internal/serverutil"
	"channel-relay/internal/session"
	"channel-relay/internal/storage"
)

// Config is the relay's command line. Every flag can also be set through the
// RELAY_* environment variable named in its env tag.
type Config struct {
	Addr            string        `help:"HTTP listen address" default:":8080" env:"RELAY_ADDR"`
	TLSCert         string        `name:"tls-cert" help:"path to TLS certificate" env:"RELAY_TLS_CERT" type:"path"`
	TLSKey          string        `name:"tls-key" help:"path to TLS private key" env:"RELAY_TLS_KEY" type:"path"`
	ShutdownTimeout time.Duration `help:"graceful shutdown timeout" default:"10s" env:"RELAY_SHUTDOWN_TIMEOUT"`

	LogLevel      string `help:"log level (debug, info, warn, error)" default:"info" env:"RELAY_LOG_LEVEL"`
	LogFormat     string `help:"log format" default:"json" enum:"json,text" env:"RELAY_LOG_FORMAT"`
	LogFile       string `help:"write logs to this file with size based rotation" env:"RELAY_LOG_FILE"`
	LogMaxSizeMB  int    `name:"log-max-size-mb" help:"rotate the log file after this many megabytes" default:"100" env:"RELAY_LOG_MAX_SIZE_MB"`
	LogMaxBackups int    `help:"rotated log files to keep" default:"5" env:"RELAY_LOG_MAX_BACKUPS"`
	LogMaxAgeDays int    `help:"days to keep rotated log files" default:"14" env:"RELAY_LOG_MAX_AGE_DAYS"`

	DefaultUserAgent string `help:"user agent passed to relay commands when the stream profile sets none" default:"Mozilla/5.0" env:"RELAY_DEFAULT_USER_AGENT"`

	LockDriver          string        `help:"channel lock store" default:"memory" enum:"memory,redis" env:"RELAY_LOCK_DRIVER"`
	LockTimeout         time.Duration `help:"channel lock expiry" default:"120s" env:"RELAY_LOCK_TIMEOUT"`
	LockPrefix          string        `help:"channel lock key prefix" default:"lock:channel:" env:"RELAY_LOCK_PREFIX"`
	LockRefreshInterval time.Duration `help:"extend held locks at this interval while streaming, 0 disables" default:"0s" env:"RELAY_LOCK_REFRESH_INTERVAL"`
	LockReleaseTimeout  time.Duration `help:"timeout for releasing a channel lock" default:"5s" env:"RELAY_LOCK_RELEASE_TIMEOUT"`

	RedisAddr          string        `help:"Redis address for the lock store" env:"RELAY_REDIS_ADDR"`
	RedisAddrs         []string      `help:"comma separated Redis addresses (cluster or sentinel)" env:"RELAY_REDIS_ADDRS"`
	RedisUsername      string        `help:"Redis username" env:"RELAY_REDIS_USERNAME"`
	RedisPassword      string        `help:"Redis password" env:"RELAY_REDIS_PASSWORD"`
	RedisDB            int           `name:"redis-db" help:"Redis database" default:"0" env:"RELAY_REDIS_DB"`
	RedisMasterName    string        `help:"Redis sentinel master name" env:"RELAY_REDIS_MASTER_NAME"`
	RedisPoolSize      int           `help:"maximum Redis connections" default:"0" env:"RELAY_REDIS_POOL_SIZE"`
	RedisTimeout       time.Duration `help:"Redis dial, read and write timeout" default:"0s" env:"RELAY_REDIS_TIMEOUT"`
	RedisTLSCA         string        `name:"redis-tls-ca" help:"path to Redis TLS CA certificate" env:"RELAY_REDIS_TLS_CA"`
	RedisTLSCert       string        `name:"redis-tls-cert" help:"path to Redis TLS client certificate" env:"RELAY_REDIS_TLS_CERT"`
	RedisTLSKey        string        `name:"redis-tls-key" help:"path to Redis TLS client key" env:"RELAY_REDIS_TLS_KEY"`
	RedisTLSServerName string        `name:"redis-tls-server-name" help:"override Redis TLS server name" env:"RELAY_REDIS_TLS_SERVER_NAME"`
	RedisTLSSkipVerify bool          `name:"redis-tls-skip-verify" help:"skip Redis TLS verification" env:"RELAY_REDIS_TLS_SKIP_VERIFY"`

	CatalogDriver           string        `help:"channel catalog source" default:"file" enum:"file,postgres" env:"RELAY_CATALOG_DRIVER"`
	CatalogFile             string        `help:"path to the YAML or JSON catalog file" default:"catalog.yaml" env:"RELAY_CATALOG_FILE"`
	PostgresDSN             string        `name:"postgres-dsn" help:"Postgres connection string for the catalog" env:"RELAY_POSTGRES_DSN"`
	PostgresMaxConns        int32         `help:"maximum Postgres connections" default:"0" env:"RELAY_POSTGRES_MAX_CONNS"`
	PostgresMinConns        int32         `help:"minimum idle Postgres connections" default:"0" env:"RELAY_POSTGRES_MIN_CONNS"`
	PostgresMaxConnLifetime time.Duration `help:"maximum Postgres connection lifetime" default:"0s" env:"RELAY_POSTGRES_MAX_CONN_LIFETIME"`
	PostgresMaxConnIdle     time.Duration `help:"maximum Postgres connection idle time" default:"0s" env:"RELAY_POSTGRES_MAX_CONN_IDLE"`
	PostgresHealthInterval  time.Duration `help:"Postgres pool health check interval" default:"0s" env:"RELAY_POSTGRES_HEALTH_INTERVAL"`
	PostgresAcquireTimeout  time.Duration `help:"timeout for acquiring a Postgres connection" default:"0s" env:"RELAY_POSTGRES_ACQUIRE_TIMEOUT"`
	PostgresApplicationName string        `name:"postgres-app-name" help:"application_name reported to Postgres" default:"channel-relay" env:"RELAY_POSTGRES_APP_NAME"`

	ProcessGracePeriod time.Duration `help:"time a relay process gets to exit after SIGTERM" default:"5s" env:"RELAY_PROCESS_GRACE_PERIOD"`
	ProcessTailLines   int           `help:"stderr lines kept for failed relay processes" default:"20" env:"RELAY_PROCESS_TAIL_LINES"`

	RateGlobalRPS    float64       `name:"rate-global-rps" help:"global request rate limit, 0 disables" default:"0" env:"RELAY_RATE_GLOBAL_RPS"`
	RateGlobalBurst  int           `help:"global request burst" default:"0" env:"RELAY_RATE_GLOBAL_BURST"`
	RateStreamLimit  int           `help:"stream requests allowed per client IP per window, 0 disables" default:"0" env:"RELAY_RATE_STREAM_LIMIT"`
	RateStreamWindow time.Duration `help:"window for counting stream requests" default:"1m" env:"RELAY_RATE_STREAM_WINDOW"`

	CORSOrigins           []string `name:"cors-origins" help:"comma separated origins allowed to read streams" env:"RELAY_CORS_ORIGINS"`
	TrustForwardedHeaders bool     `help:"trust X-Forwarded-For and X-Real-IP from any peer" env:"RELAY_TRUST_FORWARDED_HEADERS"`
	TrustedProxies        []string `help:"comma separated CIDR blocks or IPs of trusted proxies" env:"RELAY_TRUSTED_PROXIES"`
}

// Validate rejects combinations kong's per-flag checks cannot see.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Addr) == "" {
		return fmt.Errorf("addr is required")
	}
	if (c.TLSCert == "") != (c.TLSKey == "") {
		return fmt.Errorf("tls-cert and tls-key must be set together")
	}
	if c.LockTimeout <= 0 {
		return fmt.Errorf("lock-timeout must be positive, got %s", c.LockTimeout)
	}
	if c.LockRefreshInterval < 0 {
		return fmt.Errorf("lock-refresh-interval must not be negative, got %s", c.LockRefreshInterval)
	}
	if c.LockRefreshInterval > 0 && c.LockRefreshInterval >= c.LockTimeout {
		return fmt.Errorf("lock-refresh-interval %s must be shorter than lock-timeout %s", c.LockRefreshInterval, c.LockTimeout)
	}
	if c.LockDriver == "redis" && strings.TrimSpace(c.RedisAddr) == "" && len(c.RedisAddrs) == 0 {
		return fmt.Errorf("redis lock driver requires redis-addr or redis-addrs")
	}
	switch c.CatalogDriver {
	case "file":
		if strings.TrimSpace(c.CatalogFile) == "" {
			return fmt.Errorf("file catalog requires catalog-file")
		}
	case "postgres":
		if strings.TrimSpace(c.PostgresDSN) == "" {
			return fmt.Errorf("postgres catalog requires postgres-dsn")
		}
	}
	if c.PostgresMinConns < 0 || c.PostgresMaxConns < 0 {
		return fmt.Errorf("postgres connection limits must not be negative")
	}
	if c.PostgresMaxConns > 0 && c.PostgresMinConns > c.PostgresMaxConns {
		return fmt.Errorf("postgres-min-conns %d exceeds postgres-max-conns %d", c.PostgresMinConns, c.PostgresMaxConns)
	}
	if c.RateStreamLimit > 0 && c.RateStreamWindow <= 0 {
		return fmt.Errorf("rate-stream-window must be positive when rate-stream-limit is set")
	}
	return nil
}

func (c Config) loggingConfig() logging.Config {
	return logging.Config{
		Level:      c.LogLevel,
		Format:     c.LogFormat,
		File:       c.LogFile,
		MaxSizeMB:  c.LogMaxSizeMB,
		MaxBackups: c.LogMaxBackups,
		MaxAgeDays: c.LogMaxAgeDays,
	}
}

func (c Config) redisConfig() lock.RedisConfig {
	return lock.RedisConfig{
		Addr:         c.RedisAddr,
		Addrs:        c.RedisAddrs,
		Username:     c.RedisUsername,
		Password:     c.RedisPassword,
		DB:           c.RedisDB,
		MasterName:   c.RedisMasterName,
		DialTimeout:  c.RedisTimeout,
		ReadTimeout:  c.RedisTimeout,
		WriteTimeout: c.RedisTimeout,
		PoolSize:     c.RedisPoolSize,
		TLS: lock.RedisTLSConfig{
			CAFile:             c.RedisTLSCA,
			CertFile:           c.RedisTLSCert,
			KeyFile:            c.RedisTLSKey,
			ServerName:         c.RedisTLSServerName,
			InsecureSkipVerify: c.RedisTLSSkipVerify,
		},
	}
}

func (c Config) postgresOptions() []storage.Option {
	var options []storage.Option
	if c.PostgresMaxConns > 0 || c.PostgresMinConns > 0 {
		options = append(options, storage.WithPostgresPoolLimits(c.PostgresMaxConns, c.PostgresMinConns))
	}
	if c.PostgresMaxConnLifetime > 0 || c.PostgresMaxConnIdle > 0 || c.PostgresHealthInterval > 0 {
		options = append(options, storage.WithPostgresPoolDurations(c.PostgresMaxConnLifetime, c.PostgresMaxConnIdle, c.PostgresHealthInterval))
	}
	if c.PostgresAcquireTimeout > 0 {
		options = append(options, storage.WithPostgresAcquireTimeout(c.PostgresAcquireTimeout))
	}
	if name := strings.TrimSpace(c.PostgresApplicationName); name != "" {
		options = append(options, storage.WithPostgresApplicationName(name))
	}
	return options
}

func (c Config) processManager() *process.Manager {
	return &process.Manager{
		GracePeriod: c.ProcessGracePeriod,
		TailLines:   c.ProcessTailLines,
	}
}

func (c Config) sessionConfig() session.Config {
	return session.Config{
		DefaultUserAgent: c.DefaultUserAgent,
		LockTimeout:      c.LockTimeout,
		LockKeyPrefix:    c.LockPrefix,
		RefreshInterval:  c.LockRefreshInterval,
		ReleaseTimeout:   c.LockReleaseTimeout,
	}
}

func (c Config) serverConfig() server.Config {
	return server.Config{
		Addr:            c.Addr,
		TLS:             serverutil.TLSConfig{CertFile: c.TLSCert, KeyFile: c.TLSKey},
		ShutdownTimeout: c.ShutdownTimeout,
		RateLimit: server.RateLimitConfig{
			GlobalRPS:    c.RateGlobalRPS,
			GlobalBurst:  c.RateGlobalBurst,
			StreamLimit:  c.RateStreamLimit,
			StreamWindow: c.RateStreamWindow,
			RedisTimeout: c.RedisTimeout,
		},
		ClientIP: server.ClientIPConfig{
			TrustForwardedHeaders: c.TrustForwardedHeaders,
			TrustedProxies:        c.TrustedProxies,
		},
		CORS: server.CORSConfig{AllowedOrigins: c.CORSOrigins},
	}
}
