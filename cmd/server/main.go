// Command server starts the stream relay HTTP service.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"streamgate/internal/api"
	"streamgate/internal/credentials"
	"streamgate/internal/observability/logging"
	"streamgate/internal/observability/metrics"
	"streamgate/internal/relay"
	"streamgate/internal/server"
)

func main() {
	addr := flag.String("addr", "", "HTTP listen address")
	manifestURL := flag.String("origin-manifest-url", "", "absolute URL of the origin HLS playlist")
	originBase := flag.String("origin-base-url", "", "base URL for resolving relative segment paths (defaults to the manifest directory)")
	relayBase := flag.String("relay-base-url", "", "public base URL rewritten references point at (e.g. https://relay.example/stream)")
	userAgent := flag.String("origin-user-agent", "", "User-Agent presented to the origin")
	originHeader := flag.String("origin-origin-header", "", "Origin header presented to the origin")
	refererHeader := flag.String("origin-referer", "", "Referer header presented to the origin")
	connectTimeout := flag.Duration("origin-connect-timeout", 0, "origin TCP connect timeout")
	requestTimeout := flag.Duration("origin-request-timeout", 0, "origin request timeout")
	insecureTLS := flag.Bool("origin-insecure-tls", false, "skip TLS verification on origin connections")
	maxConns := flag.Int("origin-max-conns", 0, "maximum origin connections per host")
	maxIdleConns := flag.Int("origin-max-idle-conns", 0, "maximum idle origin connections per host")
	maxSegmentFetches := flag.Int("max-segment-fetches", 0, "maximum concurrent origin segment fetches")
	operatorToken := flag.String("operator-token", "", "bearer token required on credential and proxy endpoints")
	tlsCert := flag.String("tls-cert", "", "path to TLS certificate file")
	tlsKey := flag.String("tls-key", "", "path to TLS private key file")
	logLevel := flag.String("log-level", "", "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "log format (json or text)")
	corsOrigins := flag.String("cors-allowed-origins", "", "comma separated origins allowed to play the stream, or * for all")
	globalRPS := flag.Float64("rate-global-rps", 0, "global request rate limit in requests per second")
	globalBurst := flag.Int("rate-global-burst", 0, "global rate limit burst allowance")
	ingestLimit := flag.Int("rate-ingest-limit", 0, "maximum credential submissions per window for a single IP")
	ingestWindow := flag.Duration("rate-ingest-window", 0, "window for counting credential submissions")
	rateRedisAddr := flag.String("rate-redis-addr", "", "Redis address for distributed ingest throttling")
	rateRedisPassword := flag.String("rate-redis-password", "", "Redis password for distributed ingest throttling")
	rateRedisTimeout := flag.Duration("rate-redis-timeout", 0, "timeout for Redis rate limit operations")
	mirrorRedisAddr := flag.String("mirror-redis-addr", "", "Redis address for sharing credentials across relay instances")
	mirrorRedisAddrs := flag.String("mirror-redis-addrs", "", "comma separated Redis addresses for the credential mirror")
	mirrorRedisUsername := flag.String("mirror-redis-username", "", "Redis username for the credential mirror")
	mirrorRedisPassword := flag.String("mirror-redis-password", "", "Redis password for the credential mirror")
	mirrorRedisChannel := flag.String("mirror-redis-channel", "", "Redis pub/sub channel for credential updates")
	mirrorRedisKey := flag.String("mirror-redis-key", "", "Redis key holding the latest credential set")
	mirrorRedisMasterName := flag.String("mirror-redis-sentinel-master", "", "Redis sentinel master name for the credential mirror")
	mirrorRedisPoolSize := flag.Int("mirror-redis-pool-size", 0, "maximum Redis connections for the credential mirror")
	mirrorRedisTLSCA := flag.String("mirror-redis-tls-ca", "", "path to Redis TLS CA certificate for the credential mirror")
	mirrorRedisTLSCert := flag.String("mirror-redis-tls-cert", "", "path to Redis TLS client certificate for the credential mirror")
	mirrorRedisTLSKey := flag.String("mirror-redis-tls-key", "", "path to Redis TLS client key for the credential mirror")
	mirrorRedisTLSServerName := flag.String("mirror-redis-tls-server-name", "", "override Redis TLS server name for the credential mirror")
	mirrorRedisTLSSkipVerify := flag.Bool("mirror-redis-tls-skip-verify", false, "skip Redis TLS verification for the credential mirror")
	flag.Parse()

	logger := logging.Init(logging.Config{
		Level:  firstNonEmpty(*logLevel, os.Getenv("STREAMGATE_LOG_LEVEL")),
		Format: firstNonEmpty(*logFormat, os.Getenv("STREAMGATE_LOG_FORMAT")),
	})
	recorder := metrics.Default()

	listenAddr := firstNonEmpty(*addr, os.Getenv("STREAMGATE_ADDR"), ":8888")
	originManifest := firstNonEmpty(*manifestURL, os.Getenv("STREAMGATE_ORIGIN_MANIFEST_URL"))
	if originManifest == "" {
		logger.Error("origin manifest URL is required (set -origin-manifest-url or STREAMGATE_ORIGIN_MANIFEST_URL)")
		os.Exit(1)
	}
	relayBaseURL, err := resolveRelayBase(firstNonEmpty(*relayBase, os.Getenv("STREAMGATE_RELAY_BASE_URL")), listenAddr)
	if err != nil {
		logger.Error("invalid relay base URL", "error", err)
		os.Exit(1)
	}

	store := credentials.NewStore()
	client := relay.NewClient(relay.ClientConfig{
		ConnectTimeout: resolveDuration(*connectTimeout, "STREAMGATE_ORIGIN_CONNECT_TIMEOUT", 0),
		RequestTimeout: resolveDuration(*requestTimeout, "STREAMGATE_ORIGIN_REQUEST_TIMEOUT", 0),
		MaxConns:       resolveInt(*maxConns, "STREAMGATE_ORIGIN_MAX_CONNS"),
		MaxIdleConns:   resolveInt(*maxIdleConns, "STREAMGATE_ORIGIN_MAX_IDLE_CONNS"),
		InsecureTLS:    resolveBool(*insecureTLS, "STREAMGATE_ORIGIN_INSECURE_TLS"),
		UserAgent:      firstNonEmpty(*userAgent, os.Getenv("STREAMGATE_ORIGIN_USER_AGENT")),
		Origin:         firstNonEmpty(*originHeader, os.Getenv("STREAMGATE_ORIGIN_ORIGIN_HEADER")),
		Referer:        firstNonEmpty(*refererHeader, os.Getenv("STREAMGATE_ORIGIN_REFERER")),
	})

	service, err := relay.NewService(store, client, relay.ServiceConfig{
		ManifestURL:       originManifest,
		OriginBase:        firstNonEmpty(*originBase, os.Getenv("STREAMGATE_ORIGIN_BASE_URL")),
		RelayBase:         relayBaseURL,
		MaxSegmentFetches: resolveInt(*maxSegmentFetches, "STREAMGATE_MAX_SEGMENT_FETCHES"),
		Logger:            logger,
		Metrics:           recorder,
	})
	if err != nil {
		logger.Error("failed to initialise relay", "error", err)
		os.Exit(1)
	}

	handler := api.NewHandler(service, store)
	handler.Logger = logging.WithComponent(logger, "api")
	handler.Metrics = recorder
	if token := firstNonEmpty(*operatorToken, os.Getenv("STREAMGATE_OPERATOR_TOKEN")); token != "" {
		handler.OperatorTokenDigest = api.HashOperatorToken(token)
	} else {
		logger.Warn("operator token not set, credential endpoints are unauthenticated")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var mirror *credentials.Mirror
	if mirrorAddr := firstNonEmpty(*mirrorRedisAddr, os.Getenv("STREAMGATE_MIRROR_REDIS_ADDR")); mirrorAddr != "" || firstNonEmpty(*mirrorRedisAddrs, os.Getenv("STREAMGATE_MIRROR_REDIS_ADDRS")) != "" {
		mirror, err = credentials.NewMirror(store, credentials.MirrorConfig{
			Addr:       mirrorAddr,
			Addrs:      splitAndTrim(firstNonEmpty(*mirrorRedisAddrs, os.Getenv("STREAMGATE_MIRROR_REDIS_ADDRS"))),
			Username:   firstNonEmpty(*mirrorRedisUsername, os.Getenv("STREAMGATE_MIRROR_REDIS_USERNAME")),
			Password:   firstNonEmpty(*mirrorRedisPassword, os.Getenv("STREAMGATE_MIRROR_REDIS_PASSWORD")),
			Channel:    firstNonEmpty(*mirrorRedisChannel, os.Getenv("STREAMGATE_MIRROR_REDIS_CHANNEL")),
			Key:        firstNonEmpty(*mirrorRedisKey, os.Getenv("STREAMGATE_MIRROR_REDIS_KEY")),
			MasterName: firstNonEmpty(*mirrorRedisMasterName, os.Getenv("STREAMGATE_MIRROR_REDIS_SENTINEL_MASTER")),
			PoolSize:   resolveInt(*mirrorRedisPoolSize, "STREAMGATE_MIRROR_REDIS_POOL_SIZE"),
			TLS: credentials.RedisTLSConfig{
				CAFile:             firstNonEmpty(*mirrorRedisTLSCA, os.Getenv("STREAMGATE_MIRROR_REDIS_TLS_CA")),
				CertFile:           firstNonEmpty(*mirrorRedisTLSCert, os.Getenv("STREAMGATE_MIRROR_REDIS_TLS_CERT")),
				KeyFile:            firstNonEmpty(*mirrorRedisTLSKey, os.Getenv("STREAMGATE_MIRROR_REDIS_TLS_KEY")),
				ServerName:         firstNonEmpty(*mirrorRedisTLSServerName, os.Getenv("STREAMGATE_MIRROR_REDIS_TLS_SERVER_NAME")),
				InsecureSkipVerify: resolveBool(*mirrorRedisTLSSkipVerify, "STREAMGATE_MIRROR_REDIS_TLS_SKIP_VERIFY"),
			},
			Logger: logging.WithComponent(logger, "credential-mirror"),
		})
		if err != nil {
			logger.Error("failed to connect credential mirror", "error", err)
			os.Exit(1)
		}
		store.SetApplyHook(mirror.Publish)
		mirror.Start(ctx)
		defer mirror.Close()
	}

	srv, err := server.New(handler, server.Config{
		Addr: listenAddr,
		TLS: server.TLSConfig{
			CertFile: firstNonEmpty(*tlsCert, os.Getenv("STREAMGATE_TLS_CERT")),
			KeyFile:  firstNonEmpty(*tlsKey, os.Getenv("STREAMGATE_TLS_KEY")),
		},
		RateLimit: server.RateLimitConfig{
			GlobalRPS:     resolveFloat(*globalRPS, "STREAMGATE_RATE_GLOBAL_RPS"),
			GlobalBurst:   resolveInt(*globalBurst, "STREAMGATE_RATE_GLOBAL_BURST"),
			IngestLimit:   resolveInt(*ingestLimit, "STREAMGATE_RATE_INGEST_LIMIT"),
			IngestWindow:  resolveDuration(*ingestWindow, "STREAMGATE_RATE_INGEST_WINDOW", time.Minute),
			RedisAddr:     firstNonEmpty(*rateRedisAddr, os.Getenv("STREAMGATE_RATE_REDIS_ADDR")),
			RedisPassword: firstNonEmpty(*rateRedisPassword, os.Getenv("STREAMGATE_RATE_REDIS_PASSWORD")),
			RedisTimeout:  resolveDuration(*rateRedisTimeout, "STREAMGATE_RATE_REDIS_TIMEOUT", 2*time.Second),
		},
		CORS: server.CORSConfig{
			AllowedOrigins: resolveCORSOrigins(*corsOrigins, os.Getenv("STREAMGATE_CORS_ALLOWED_ORIGINS")),
		},
		Logger:  logger,
		Metrics: recorder,
	})
	if err != nil {
		logger.Error("failed to initialise server", "error", err)
		os.Exit(1)
	}

	logger.Info("stream relay listening",
		"addr", listenAddr,
		"origin_manifest", originManifest,
		"relay_base", relayBaseURL)

	err = srv.Run(ctx)
	client.CloseIdleConnections()
	if err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

// resolveRelayBase fills in a usable public base when the operator gives a
// bare host or nothing at all. A single-instance deployment can run without
// configuring it explicitly.
func resolveRelayBase(raw, listenAddr string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		host := listenAddr
		if strings.HasPrefix(host, ":") {
			host = "localhost" + host
		}
		return "http://" + host + "/stream", nil
	}
	if !strings.Contains(trimmed, "://") {
		trimmed = "http://" + trimmed
	}
	parsed, err := url.Parse(trimmed)
	if err != nil {
		return "", err
	}
	if parsed.Host == "" {
		return "", fmt.Errorf("relay base %q has no host", raw)
	}
	if parsed.Path == "" || parsed.Path == "/" {
		parsed.Path = "/stream"
	}
	return strings.TrimRight(parsed.String(), "/"), nil
}

func resolveCORSOrigins(flagValue, envValue string) []string {
	origins := splitAndTrim(firstNonEmpty(flagValue, envValue))
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
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

func resolveFloat(flagValue float64, envKey string) float64 {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.ParseFloat(strings.TrimSpace(env), 64); err == nil {
			return value
		}
	}
	return 0
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
