package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/kenchrcum/vaultbackup/internal/adminhttp"
	"github.com/kenchrcum/vaultbackup/internal/audit"
	"github.com/kenchrcum/vaultbackup/internal/chunkproto"
	"github.com/kenchrcum/vaultbackup/internal/compress"
	"github.com/kenchrcum/vaultbackup/internal/config"
	"github.com/kenchrcum/vaultbackup/internal/control"
	vcrypto "github.com/kenchrcum/vaultbackup/internal/crypto"
	"github.com/kenchrcum/vaultbackup/internal/dedupcache"
	"github.com/kenchrcum/vaultbackup/internal/metrics"
	"github.com/kenchrcum/vaultbackup/internal/pipeline"
	"github.com/kenchrcum/vaultbackup/internal/s3backend"
	"github.com/kenchrcum/vaultbackup/internal/session"
	"github.com/kenchrcum/vaultbackup/internal/tracing"
)

// env bundles everything a subcommand needs once flags and config are
// resolved: the merged config, a logger, metrics/tracing/audit providers and
// a way to open stores and tear everything down cleanly on exit.
type env struct {
	cfg     config.Config
	logger  *logrus.Logger
	metrics *metrics.Metrics
	tracer  *tracing.Provider
	auditor audit.Logger
	hw      vcrypto.HardwareAccel

	closers []func() error
}

func loadEnv(configPath string, verbose int) (*env, int) {
	loader, err := config.NewLoader(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "vaultbackup: %v\n", err)
		return nil, exitConfig
	}
	cfg := loader.Current()
	if verbose > cfg.Verbose {
		cfg.Verbose = verbose
	}

	logger := newLogger(cfg.Verbose)

	tracer, err := tracing.NewProvider(context.Background(), cfg.Tracing)
	if err != nil {
		fmt.Fprintf(os.Stderr, "vaultbackup: tracing: %v\n", err)
		return nil, exitConfig
	}

	auditor, err := audit.NewLoggerFromConfig(cfg.Audit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "vaultbackup: audit: %v\n", err)
		return nil, exitConfig
	}

	hw := vcrypto.HardwareAccel{
		EnableAESNI:    cfg.Hardware.EnableAESNI,
		EnableARMv8AES: cfg.Hardware.EnableARMv8AES,
	}

	e := &env{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics.NewMetrics(),
		tracer:  tracer,
		auditor: auditor,
		hw:      hw,
	}
	e.addCloser(func() error { return tracer.Shutdown(context.Background()) })
	e.addCloser(auditor.Close)

	if cfg.Admin.Listen != "" {
		srv := adminhttp.New(cfg.Admin.Listen, e.metrics, hw, nil, logger)
		go func() {
			if err := srv.ListenAndServe(); err != nil {
				logger.WithError(err).Warn("admin HTTP surface stopped")
			}
		}()
		e.addCloser(func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(ctx)
		})
	}

	return e, exitOK
}

func (e *env) addCloser(fn func() error) {
	e.closers = append(e.closers, fn)
}

func (e *env) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			e.logger.WithError(err).Warn("cleanup step failed")
		}
	}
}

func newLogger(verbose int) *logrus.Logger {
	logger := logrus.New()
	switch {
	case verbose >= 2:
		logger.SetLevel(logrus.TraceLevel)
	case verbose == 1:
		logger.SetLevel(logrus.DebugLevel)
	default:
		logger.SetLevel(logrus.InfoLevel)
	}
	return logger
}

// dialSession opens the native framed-protocol transport (spec §4.5), over
// TLS when the backend config names a CA/client cert.
func dialSession(ctx context.Context, cfg config.BackendConfig, logger *logrus.Entry) (*session.Session, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	if cfg.CACert == "" && cfg.Cert == "" {
		return session.Dial(ctx, addr, session.WithLogger(logger))
	}

	tlsCfg := &tls.Config{}
	if cfg.CACert != "" {
		pem, err := os.ReadFile(cfg.CACert)
		if err != nil {
			return nil, fmt.Errorf("session: read ca_cert: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("session: ca_cert %s contains no usable certificates", cfg.CACert)
		}
		tlsCfg.RootCAs = pool
	}
	if cfg.Cert != "" && cfg.Key != "" {
		cert, err := tls.LoadX509KeyPair(cfg.Cert, cfg.Key)
		if err != nil {
			return nil, fmt.Errorf("session: load client cert/key: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}

	var d tls.Dialer
	d.Config = tlsCfg
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("session: tls dial %s: %w", addr, err)
	}
	return session.New(conn, session.WithLogger(logger)), nil
}

// store bundles what a run needs from the backend: chunk is the
// content-addressed chunk keyspace (spec §4.6 METADATA flag clear); named
// manifest objects are not reached through it. nativeSess is non-nil only
// when backend.type is native, so
// callers can also reach the control subprotocol (md-list/md-delete) over
// the same connection.
type store struct {
	chunk      pipeline.Store
	nativeSess *session.Session
}

func openStore(ctx context.Context, cfg config.Config, logger *logrus.Entry) (*store, error) {
	switch cfg.Backend.Type {
	case config.BackendS3:
		client, err := s3backend.NewClient(ctx, s3backend.Config{
			Provider:  cfg.Backend.Provider,
			Endpoint:  cfg.Backend.Endpoint,
			Region:    cfg.Backend.Region,
			AccessKey: cfg.Backend.AccessKey,
			SecretKey: cfg.Backend.SecretKey,
			Bucket:    cfg.Backend.Bucket,
		})
		if err != nil {
			return nil, fmt.Errorf("s3backend: %w", err)
		}
		chunkStore := s3backend.NewStore(client, cfg.Backend.Bucket, "chunks/")
		return &store{chunk: wrapDedupCache(cfg, chunkStore)}, nil
	}

	sess, err := dialSession(ctx, cfg.Backend, logger)
	if err != nil {
		return nil, err
	}
	chunkStore := chunkproto.New(sess, false, false)
	return &store{chunk: wrapDedupCache(cfg, chunkStore), nativeSess: sess}, nil
}

func wrapDedupCache(cfg config.Config, inner dedupcache.Store) pipeline.Store {
	if !cfg.DedupCache.Enabled {
		return inner
	}
	local := dedupcache.NewLocalCache(cfg.DedupCache.LocalCapacity)
	if cfg.DedupCache.RedisAddr == "" {
		return dedupcache.Wrap(inner, local)
	}
	rdb := redis.NewClient(&redis.Options{Addr: cfg.DedupCache.RedisAddr})
	remote := dedupcache.NewRedisCache(rdb, dedupcache.WithTTL(cfg.DedupCache.RedisTTL))
	return dedupcache.Wrap(inner, dedupcache.NewTieredCache(local, remote))
}

// mdClient returns a control.Client for manifest-object naming operations.
// Only the native backend speaks the control subprotocol; an S3 backend
// names manifests directly as bucket keys (see DESIGN.md).
func mdClient(ctx context.Context, cfg config.Config, logger *logrus.Entry) (*control.Client, *session.Session, error) {
	if cfg.Backend.Type == config.BackendS3 {
		return nil, nil, fmt.Errorf("control subprotocol: not available for backend type %q", cfg.Backend.Type)
	}
	sess, err := dialSession(ctx, cfg.Backend, logger)
	if err != nil {
		return nil, nil, err
	}
	return control.NewClient(sess), sess, nil
}

// loadSecret resolves a config value that may name a literal secret or a
// file path holding one, preferring the file when both are set (spec §6
// `password_file` over `password`).
func loadSecret(literal, file string) ([]byte, error) {
	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("read secret file %s: %w", file, err)
		}
		return []byte(strings.TrimRight(string(data), "\r\n")), nil
	}
	return []byte(literal), nil
}

// deriveDEK builds the per-archive data encryption key from the file named
// by cfg.CryptoSecret (spec §6 `crypto_secret` "file-level key"), or returns
// nil (crypto disabled) when no secret is configured.
func deriveDEK(ctx context.Context, cfg config.Config) ([]byte, error) {
	if cfg.CryptoSecret == "" {
		return nil, nil
	}
	secret, err := loadSecret("", cfg.CryptoSecret)
	if err != nil {
		return nil, err
	}
	km := vcrypto.NewLocalKeyManager(secret)
	defer km.Close(ctx)
	return km.DeriveKey(ctx, "chunk")
}

func parseCompression(cfg config.Config) (compress.Family, error) {
	return compress.ParseFamily(string(cfg.Compression))
}
