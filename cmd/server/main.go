// Command server starts the partywatch websocket service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"partywatch/internal/gateway"
	"partywatch/internal/observability/logging"
	"partywatch/internal/observability/metrics"
	"partywatch/internal/party"
	"partywatch/internal/server"
	"partywatch/internal/store"
)

func main() {
	addr := flag.String("addr", "", "HTTP listen address")
	tlsCert := flag.String("tls-cert", "", "path to TLS certificate file")
	tlsKey := flag.String("tls-key", "", "path to TLS private key file")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "log format (json or text)")
	allowedDomain := flag.String("allowed-domain", "", "domain whose subdomains may host party videos")
	storeDriver := flag.String("store-driver", "", "store driver (redis or memory)")
	redisAddr := flag.String("redis-addr", "", "Redis address for party state and events")
	redisAddrs := flag.String("redis-addrs", "", "comma separated Redis addresses for party state and events")
	redisUsername := flag.String("redis-username", "", "Redis username")
	redisPassword := flag.String("redis-password", "", "Redis password")
	redisMasterName := flag.String("redis-sentinel-master", "", "Redis sentinel master name")
	redisPoolSize := flag.Int("redis-pool-size", 0, "maximum Redis connections")
	redisDialTimeout := flag.Duration("redis-dial-timeout", 0, "timeout when dialing Redis")
	redisReadTimeout := flag.Duration("redis-read-timeout", 0, "timeout for Redis reads")
	redisWriteTimeout := flag.Duration("redis-write-timeout", 0, "timeout for Redis writes")
	redisTLSCA := flag.String("redis-tls-ca", "", "path to Redis TLS CA certificate")
	redisTLSCert := flag.String("redis-tls-cert", "", "path to Redis TLS client certificate")
	redisTLSKey := flag.String("redis-tls-key", "", "path to Redis TLS client key")
	redisTLSServerName := flag.String("redis-tls-server-name", "", "override Redis TLS server name")
	redisTLSSkipVerify := flag.Bool("redis-tls-skip-verify", false, "skip Redis TLS verification")
	heartbeatInterval := flag.Duration("heartbeat-interval", 0, "interval between viewer stats republications")
	shutdownTimeout := flag.Duration("shutdown-timeout", 0, "bound on graceful shutdown")
	flag.Parse()

	logger := logging.Init(logging.Config{
		Level:  firstNonEmpty(*logLevel, os.Getenv("PARTYWATCH_LOG_LEVEL")),
		Format: firstNonEmpty(*logFormat, os.Getenv("PARTYWATCH_LOG_FORMAT")),
	})
	recorder := metrics.Default()

	listenAddr := firstNonEmpty(*addr, os.Getenv("PARTYWATCH_ADDR"))
	if listenAddr == "" {
		listenAddr = ":8080"
	}

	rules := party.Rules{
		AllowedDomain: firstNonEmpty(*allowedDomain, os.Getenv("PARTYWATCH_ALLOWED_DOMAIN")),
	}

	redisCfg := store.RedisConfig{
		Addr:         firstNonEmpty(*redisAddr, os.Getenv("PARTYWATCH_REDIS_ADDR")),
		Addrs:        splitAndTrim(firstNonEmpty(*redisAddrs, os.Getenv("PARTYWATCH_REDIS_ADDRS"))),
		Username:     firstNonEmpty(*redisUsername, os.Getenv("PARTYWATCH_REDIS_USERNAME")),
		Password:     firstNonEmpty(*redisPassword, os.Getenv("PARTYWATCH_REDIS_PASSWORD")),
		MasterName:   firstNonEmpty(*redisMasterName, os.Getenv("PARTYWATCH_REDIS_SENTINEL_MASTER")),
		Logger:       logging.WithComponent(logger, "store"),
		DialTimeout:  resolveDuration(*redisDialTimeout, "PARTYWATCH_REDIS_DIAL_TIMEOUT", 0),
		ReadTimeout:  resolveDuration(*redisReadTimeout, "PARTYWATCH_REDIS_READ_TIMEOUT", 0),
		WriteTimeout: resolveDuration(*redisWriteTimeout, "PARTYWATCH_REDIS_WRITE_TIMEOUT", 0),
		PoolSize:     resolveInt(*redisPoolSize, "PARTYWATCH_REDIS_POOL_SIZE"),
		TLS: store.RedisTLSConfig{
			CAFile:             firstNonEmpty(*redisTLSCA, os.Getenv("PARTYWATCH_REDIS_TLS_CA")),
			CertFile:           firstNonEmpty(*redisTLSCert, os.Getenv("PARTYWATCH_REDIS_TLS_CERT")),
			KeyFile:            firstNonEmpty(*redisTLSKey, os.Getenv("PARTYWATCH_REDIS_TLS_KEY")),
			ServerName:         firstNonEmpty(*redisTLSServerName, os.Getenv("PARTYWATCH_REDIS_TLS_SERVER_NAME")),
			InsecureSkipVerify: resolveBool(*redisTLSSkipVerify, "PARTYWATCH_REDIS_TLS_SKIP_VERIFY"),
		},
	}

	st, err := configureStore(firstNonEmpty(*storeDriver, os.Getenv("PARTYWATCH_STORE_DRIVER")), redisCfg)
	if err != nil {
		logger.Error("failed to configure store", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Warn("failed to close store", "error", err)
		}
	}()

	repo := party.NewRepository(st, rules, logging.WithComponent(logger, "party"), recorder)

	instanceID := uuid.NewString()
	gw := gateway.New(gateway.Config{
		Repository:        repo,
		Logger:            logging.WithComponent(logger, "gateway"),
		Metrics:           recorder,
		InstanceID:        instanceID,
		HeartbeatInterval: resolveDuration(*heartbeatInterval, "PARTYWATCH_HEARTBEAT_INTERVAL", 0),
	})

	srv, err := server.New(gw, st, server.Config{
		Addr: listenAddr,
		TLS: server.TLSConfig{
			CertFile: firstNonEmpty(*tlsCert, os.Getenv("PARTYWATCH_TLS_CERT")),
			KeyFile:  firstNonEmpty(*tlsKey, os.Getenv("PARTYWATCH_TLS_KEY")),
		},
		Logger:          logger,
		Metrics:         recorder,
		ShutdownTimeout: resolveDuration(*shutdownTimeout, "PARTYWATCH_SHUTDOWN_TIMEOUT", 0),
	})
	if err != nil {
		logger.Error("failed to initialise server", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("partywatch starting", "addr", listenAddr, "instance", instanceID)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return srv.Run(groupCtx)
	})
	group.Go(func() error {
		return gw.RunHeartbeat(groupCtx)
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}

	logger.Info("server stopped")
}

func configureStore(driver string, cfg store.RedisConfig) (store.Store, error) {
	driver = strings.ToLower(strings.TrimSpace(driver))
	switch driver {
	case "redis":
		if len(cfg.Addrs) == 0 && strings.TrimSpace(cfg.Addr) == "" {
			return nil, fmt.Errorf("redis addr is required for the redis store")
		}
		return store.NewRedis(cfg)
	case "", "memory":
		if len(cfg.Addrs) > 0 || strings.TrimSpace(cfg.Addr) != "" {
			return store.NewRedis(cfg)
		}
		if driver == "memory" {
			return store.NewMemory(128), nil
		}
		return nil, fmt.Errorf("no store configured: provide --store-driver memory or a Redis address")
	default:
		return nil, fmt.Errorf("unsupported store driver %q", driver)
	}
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func splitAndTrim(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func resolveInt(flagValue int, envKey string) int {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.Atoi(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return 0
}

func resolveDuration(flagValue time.Duration, envKey string, fallback time.Duration) time.Duration {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := time.ParseDuration(env); err == nil {
			return value
		}
	}
	if fallback > 0 {
		return fallback
	}
	return 0
}

func resolveBool(flagValue bool, envKey string) bool {
	if flagValue {
		return true
	}
	if env, ok := os.LookupEnv(envKey); ok {
		if value, err := strconv.ParseBool(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return false
}
