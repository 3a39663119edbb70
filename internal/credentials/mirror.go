package credentials

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// RedisTLSConfig controls TLS behaviour for the credential mirror connection.
type RedisTLSConfig struct {
	CAFile             string
	CertFile           string
	KeyFile            string
	ServerName         string
	InsecureSkipVerify bool
}

// MirrorConfig configures the Redis-backed credential mirror. Every relay
// instance pointed at the same Redis converges on the same active credential
// set: local applies are published, remote publishes are applied locally.
type MirrorConfig struct {
	Addr       string
	Addrs      []string
	Username   string
	Password   string
	Channel    string
	Key        string
	MasterName string
	PoolSize   int

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	TLS    RedisTLSConfig
	Logger *slog.Logger
}

type mirrorEnvelope struct {
	Values    map[string]string `json:"values"`
	AppliedAt time.Time         `json:"appliedAt"`
	Source    string            `json:"source"`
}

// Mirror replicates credential sets between relay instances through Redis.
type Mirror struct {
	client  redis.UniversalClient
	store   *Store
	channel string
	key     string
	logger  *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewMirror connects to Redis and verifies reachability. The caller wires
// Publish into the store's apply hook and calls Start to begin receiving.
func NewMirror(store *Store, cfg MirrorConfig) (*Mirror, error) {
	if store == nil {
		return nil, errors.New("credential store is required")
	}
	addrs := make([]string, 0, len(cfg.Addrs)+1)
	for _, addr := range cfg.Addrs {
		if trimmed := strings.TrimSpace(addr); trimmed != "" {
			addrs = append(addrs, trimmed)
		}
	}
	if addr := strings.TrimSpace(cfg.Addr); addr != "" {
		addrs = append(addrs, addr)
	}
	if len(addrs) == 0 {
		return nil, errors.New("redis addr is required")
	}
	channel := strings.TrimSpace(cfg.Channel)
	if channel == "" {
		channel = "streamgate:credentials"
	}
	key := strings.TrimSpace(cfg.Key)
	if key == "" {
		key = "streamgate:credentials:latest"
	}
	tlsConfig, err := buildTLSConfig(cfg.TLS)
	if err != nil {
		return nil, err
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        addrs,
		MasterName:   strings.TrimSpace(cfg.MasterName),
		Username:     strings.TrimSpace(cfg.Username),
		Password:     cfg.Password,
		TLSConfig:    tlsConfig,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
		MaxRetries:   2,
	})

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Mirror{
		client:  client,
		store:   store,
		channel: channel,
		key:     key,
		logger:  logger,
	}, nil
}

// Publish pushes a locally applied set to Redis so sibling relays pick it up.
// Sets that arrived from the mirror are not republished.
func (m *Mirror) Publish(set Set) {
	if set.Source == SourceMirror || set.Count() == 0 {
		return
	}
	payload, err := json.Marshal(mirrorEnvelope{
		Values:    set.Values,
		AppliedAt: set.AppliedAt,
		Source:    string(set.Source),
	})
	if err != nil {
		m.logger.Error("encode credential envelope", "error", err)
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.client.Set(ctx, m.key, payload, 0).Err(); err != nil {
			m.logger.Warn("store credential set in redis", "error", err)
		}
		if err := m.client.Publish(ctx, m.channel, payload).Err(); err != nil {
			m.logger.Warn("publish credential set", "error", err)
		}
	}()
}

// Start seeds the store from the last published set when the relay boots
// unauthenticated, then consumes the channel until the context is cancelled
// or Close is called.
func (m *Mirror) Start(ctx context.Context) {
	if _, ok := m.store.Snapshot(); !ok {
		m.seed(ctx)
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	sub := m.client.Subscribe(runCtx, m.channel)

	go func() {
		defer close(m.done)
		defer sub.Close()
		messages := sub.Channel()
		for {
			select {
			case <-runCtx.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				m.ingest([]byte(msg.Payload))
			}
		}
	}()
}

// Close stops the subscriber and releases the Redis client.
func (m *Mirror) Close() error {
	if m.cancel != nil {
		m.cancel()
	}
	if m.done != nil {
		<-m.done
	}
	return m.client.Close()
}

func (m *Mirror) seed(ctx context.Context) {
	seedCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	payload, err := m.client.Get(seedCtx, m.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return
	}
	if err != nil {
		m.logger.Warn("load mirrored credential set", "error", err)
		return
	}
	m.ingest(payload)
}

func (m *Mirror) ingest(payload []byte) {
	var envelope mirrorEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		m.logger.Warn("decode mirrored credential set", "error", err)
		return
	}
	if len(envelope.Values) == 0 {
		return
	}
	incoming := Set{Values: envelope.Values}
	if active, ok := m.store.Snapshot(); ok && active.Equal(incoming) {
		return
	}
	applied := m.store.Apply(envelope.Values, SourceMirror)
	if applied > 0 {
		m.logger.Info("applied mirrored credential set", "cookies", applied, "origin_source", envelope.Source)
	}
}

func buildTLSConfig(cfg RedisTLSConfig) (*tls.Config, error) {
	if cfg.CAFile == "" && cfg.CertFile == "" && cfg.KeyFile == "" && !cfg.InsecureSkipVerify {
		return nil, nil
	}
	tlsCfg := &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify}
	if cfg.ServerName != "" {
		tlsCfg.ServerName = cfg.ServerName
	}
	if cfg.CAFile != "" {
		pemData, err := os.ReadFile(filepath.Clean(cfg.CAFile))
		if err != nil {
			return nil, fmt.Errorf("read redis tls ca: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemData) {
			return nil, fmt.Errorf("redis tls ca is invalid")
		}
		tlsCfg.RootCAs = pool
	}
	if cfg.CertFile != "" || cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(filepath.Clean(cfg.CertFile), filepath.Clean(cfg.KeyFile))
		if err != nil {
			return nil, fmt.Errorf("load redis tls certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}
