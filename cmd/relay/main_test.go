package main

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alecthomas/kong"
	"github.com/stretchr/testify/require"

	"channel-relay/internal/lock"
)

const testCatalog = `stream_profiles:
  - id: 1
    name: ffmpeg
    command: ffmpeg
    parameters: -user_agent {userAgent} -i {streamUrl} -c copy -f mpegts pipe:1
    is_active: true

accounts:
  - id: 10
    name: provider
    profiles:
      - id: 100
        name: default
        is_active: true
        is_default: true
        search_pattern: ^(.*)$
        replace_pattern: $1

channels:
  - id: 1
    number: 101
    name: News
    stream_profile_id: 1
    streams:
      - id: 1000
        name: news-hd
        url: http://provider.example/live/1000.ts
        account_id: 10
`

func parseConfig(t *testing.T, args ...string) (Config, error) {
	t.Helper()
	var cfg Config
	parser, err := kong.New(&cfg, kong.Name("relay"))
	require.NoError(t, err)
	_, err = parser.Parse(args)
	return cfg, err
}

func writeCatalog(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testCatalog), 0o600))
	return path
}

func validConfig() Config {
	return Config{
		Addr:               "127.0.0.1:0",
		ShutdownTimeout:    time.Second,
		DefaultUserAgent:   "Mozilla/5.0",
		LockDriver:         "memory",
		LockTimeout:        120 * time.Second,
		LockPrefix:         lock.DefaultKeyPrefix,
		LockReleaseTimeout: time.Second,
		CatalogDriver:      "file",
		CatalogFile:        "catalog.yaml",
		ProcessGracePeriod: time.Second,
		ProcessTailLines:   20,
		RateStreamWindow:   time.Minute,
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg, err := parseConfig(t)
	require.NoError(t, err)

	require.Equal(t, ":8080", cfg.Addr)
	require.Equal(t, "Mozilla/5.0", cfg.DefaultUserAgent)
	require.Equal(t, "memory", cfg.LockDriver)
	require.Equal(t, 120*time.Second, cfg.LockTimeout)
	require.Equal(t, "lock:channel:", cfg.LockPrefix)
	require.Zero(t, cfg.LockRefreshInterval)
	require.Equal(t, "file", cfg.CatalogDriver)
	require.Equal(t, "json", cfg.LogFormat)
	require.NoError(t, cfg.Validate())
}

func TestConfigReadsEnvironment(t *testing.T) {
	t.Setenv("RELAY_LOCK_DRIVER", "redis")
	t.Setenv("RELAY_REDIS_ADDRS", "redis-a:6379,redis-b:6379")
	t.Setenv("RELAY_LOCK_REFRESH_INTERVAL", "30s")
	t.Setenv("RELAY_DEFAULT_USER_AGENT", "VLC/3.0.20")

	cfg, err := parseConfig(t)
	require.NoError(t, err)
	require.Equal(t, "redis", cfg.LockDriver)
	require.Equal(t, []string{"redis-a:6379", "redis-b:6379"}, cfg.RedisAddrs)
	require.Equal(t, 30*time.Second, cfg.LockRefreshInterval)
	require.Equal(t, "VLC/3.0.20", cfg.DefaultUserAgent)
}

func TestDefaultUserAgentHelpNamesStreamProfileFallback(t *testing.T) {
	var cfg Config
	parser, err := kong.New(&cfg, kong.Name("relay"))
	require.NoError(t, err)

	var help string
	for _, flag := range parser.Model.Flags {
		if flag.Name == "default-user-agent" {
			help = flag.Help
		}
	}
	require.Contains(t, help, "stream profile")
	require.NotContains(t, help, "client")
}

func TestConfigFlagsOverrideEnvironment(t *testing.T) {
	t.Setenv("RELAY_LOCK_TIMEOUT", "90s")

	cfg, err := parseConfig(t, "--lock-timeout=60s")
	require.NoError(t, err)
	require.Equal(t, 60*time.Second, cfg.LockTimeout)
}

func TestConfigRejectsUnknownDriver(t *testing.T) {
	_, err := parseConfig(t, "--lock-driver=etcd")
	require.Error(t, err)
}

func TestConfigValidate(t *testing.T) {
	tests := map[string]func(*Config){
		"empty addr":              func(c *Config) { c.Addr = " " },
		"tls cert without key":    func(c *Config) { c.TLSCert = "cert.pem" },
		"zero lock timeout":       func(c *Config) { c.LockTimeout = 0 },
		"negative refresh":        func(c *Config) { c.LockRefreshInterval = -time.Second },
		"refresh equals timeout":  func(c *Config) { c.LockRefreshInterval = c.LockTimeout },
		"redis without addresses": func(c *Config) { c.LockDriver = "redis" },
		"file without path":       func(c *Config) { c.CatalogFile = "" },
		"postgres without dsn":    func(c *Config) { c.CatalogDriver = "postgres" },
		"min conns above max": func(c *Config) {
			c.PostgresMaxConns = 2
			c.PostgresMinConns = 4
		},
		"stream limit without window": func(c *Config) {
			c.RateStreamLimit = 5
			c.RateStreamWindow = 0
		},
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			cfg := validConfig()
			mutate(&cfg)
			require.Error(t, cfg.Validate())
		})
	}

	cfg := validConfig()
	cfg.LockRefreshInterval = 30 * time.Second
	require.NoError(t, cfg.Validate())
}

func TestConfigBuildsComponentSettings(t *testing.T) {
	cfg := validConfig()
	cfg.LockRefreshInterval = 30 * time.Second
	cfg.RedisAddrs = []string{"redis-a:6379"}
	cfg.RedisTimeout = 2 * time.Second
	cfg.RedisTLSServerName = "redis.internal"
	cfg.PostgresMaxConns = 8
	cfg.PostgresAcquireTimeout = time.Second
	cfg.PostgresApplicationName = "channel-relay"
	cfg.TrustedProxies = []string{"10.0.0.0/8"}
	cfg.CORSOrigins = []string{"https://player.example"}

	sessionCfg := cfg.sessionConfig()
	require.Equal(t, 30*time.Second, sessionCfg.RefreshInterval)
	require.Equal(t, cfg.LockTimeout, sessionCfg.LockTimeout)
	require.Equal(t, "Mozilla/5.0", sessionCfg.DefaultUserAgent)

	redisCfg := cfg.redisConfig()
	require.Equal(t, []string{"redis-a:6379"}, redisCfg.Addrs)
	require.Equal(t, 2*time.Second, redisCfg.ReadTimeout)
	require.Equal(t, "redis.internal", redisCfg.TLS.ServerName)

	require.Len(t, cfg.postgresOptions(), 3)

	serverCfg := cfg.serverConfig()
	require.Equal(t, []string{"10.0.0.0/8"}, serverCfg.ClientIP.TrustedProxies)
	require.Equal(t, []string{"https://player.example"}, serverCfg.CORS.AllowedOrigins)
	require.Equal(t, time.Minute, serverCfg.RateLimit.StreamWindow)
}

func TestOpenLockerAndCatalog(t *testing.T) {
	cfg := validConfig()
	cfg.CatalogFile = writeCatalog(t)

	locker, err := openLocker(cfg, slog.Default())
	require.NoError(t, err)
	require.IsType(t, &lock.MemoryLocker{}, locker)

	repo, err := openCatalog(cfg)
	require.NoError(t, err)
	channel, err := repo.ChannelByNumber(context.Background(), 101)
	require.NoError(t, err)
	require.Equal(t, "News", channel.Name)

	cfg.CatalogFile = filepath.Join(t.TempDir(), "missing.yaml")
	_, err = openCatalog(cfg)
	require.Error(t, err)
}

func TestRunStopsWhenContextCancelled(t *testing.T) {
	cfg := validConfig()
	cfg.CatalogFile = writeCatalog(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- run(ctx, cfg, slog.Default()) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after cancellation")
	}
}

func TestRunFailsWithoutCatalog(t *testing.T) {
	cfg := validConfig()
	cfg.CatalogFile = filepath.Join(t.TempDir(), "missing.yaml")

	err := run(context.Background(), cfg, slog.Default())
	require.ErrorContains(t, err, "open catalog")
}
