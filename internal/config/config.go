// Package config loads and merges vaultbackup's configuration from a YAML
// file, VAULTBACKUP_-prefixed environment variables, and CLI flags (in that
// increasing order of precedence), and watches secret files for rotation.
// Argument parsing and flag definition themselves remain a thin collaborator
// per spec.md §1 ("CLI argument parsing, configuration file parsing...
// out of scope") — this package only owns merging and validating the
// resulting values, the way a production client still must.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Compression names one of the bulk compressors spec.md §6 allows for
// `compression`.
type Compression string

const (
	CompressionNone Compression = "none"
	CompressionLZO  Compression = "lzo"
	CompressionLZW  Compression = "lzw"
	CompressionLZMA Compression = "lzma"
)

// BackendType selects which Store implementation a session is built against.
type BackendType string

const (
	BackendNative BackendType = "native"
	BackendS3     BackendType = "s3"
)

// AuditConfig configures the audit trail sink.
type AuditConfig struct {
	Enabled            bool     `mapstructure:"enabled"`
	MaxEvents          int      `mapstructure:"max_events"`
	RedactMetadataKeys []string `mapstructure:"redact_metadata_keys"`
	Sink               SinkConfig `mapstructure:"sink"`
}

// SinkConfig names where audit events are written, and how they're batched.
type SinkConfig struct {
	Type     string            `mapstructure:"type"` // "stdout", "file", "http"
	Endpoint string            `mapstructure:"endpoint"`
	Headers  map[string]string `mapstructure:"headers"`
	FilePath string            `mapstructure:"file_path"`

	BatchSize     int           `mapstructure:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
	RetryCount    int           `mapstructure:"retry_count"`
	RetryBackoff  time.Duration `mapstructure:"retry_backoff"`
}

// HardwareConfig controls AES hardware-acceleration opt-in by architecture.
type HardwareConfig struct {
	EnableAESNI    bool `mapstructure:"enable_aesni"`
	EnableARMv8AES bool `mapstructure:"enable_armv8_aes"`
}

// AdminConfig configures the optional local HTTP admin surface.
type AdminConfig struct {
	Listen string `mapstructure:"listen"` // empty disables the server
}

// TracingConfig configures OpenTelemetry span export.
type TracingConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Exporter string `mapstructure:"exporter"` // "stdout", "jaeger", "otlp"
	Endpoint string `mapstructure:"endpoint"`
	Service  string `mapstructure:"service_name"`
}

// DedupCacheConfig configures the optional local/Redis dedup-confirmation cache.
type DedupCacheConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	LocalCapacity int           `mapstructure:"local_capacity"`
	RedisAddr     string        `mapstructure:"redis_addr"`
	RedisTTL      time.Duration `mapstructure:"redis_ttl"`
}

// BackendConfig names the remote chunk store a session talks to — either the
// native framed protocol (host/port) or an S3-compatible bucket.
type BackendConfig struct {
	Type BackendType `mapstructure:"type"`

	// Native session fields.
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`

	CACert string `mapstructure:"ca_cert"`
	Cert   string `mapstructure:"cert"`
	Key    string `mapstructure:"key"`

	// S3-compatible backend fields.
	Provider  string `mapstructure:"provider"`
	Endpoint  string `mapstructure:"endpoint"`
	Region    string `mapstructure:"region"`
	Bucket    string `mapstructure:"bucket"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
}

// Config is the full set of spec.md §6 configuration keys plus the ambient
// concerns (audit, hardware, admin, tracing, dedup cache) SPEC_FULL.md §6
// adds.
type Config struct {
	Backend BackendConfig `mapstructure:"backend"`

	Password     string `mapstructure:"password"`
	PasswordFile string `mapstructure:"password_file"`
	CryptoSecret string `mapstructure:"crypto_secret"`

	ChunkSize         int         `mapstructure:"chunk_size"`
	Compression       Compression `mapstructure:"compression"`
	QueueDepth        int         `mapstructure:"queue_depth"`
	MdDir             string      `mapstructure:"md_dir"`
	PollType          string      `mapstructure:"polltype"`
	Verbose           int         `mapstructure:"verbose"`
	MultilevelAllFiles bool       `mapstructure:"multilevel_allfiles"`
	MaxDifferentials  int         `mapstructure:"max_differentials"`

	Audit     AuditConfig      `mapstructure:"audit"`
	Hardware  HardwareConfig   `mapstructure:"hardware"`
	Admin     AdminConfig      `mapstructure:"admin"`
	Tracing   TracingConfig    `mapstructure:"tracing"`
	DedupCache DedupCacheConfig `mapstructure:"dedup_cache"`
}

func defaults() Config {
	return Config{
		ChunkSize:    256 * 1024,
		Compression:  CompressionNone,
		QueueDepth:   16,
		MdDir:        ".",
		PollType:     "default",
		MaxDifferentials: 10,
		Backend: BackendConfig{
			Type: BackendNative,
			Port: 7102,
		},
		Audit: AuditConfig{
			MaxEvents: 1000,
			Sink:      SinkConfig{Type: "stdout"},
		},
		DedupCache: DedupCacheConfig{
			LocalCapacity: 4096,
			RedisTTL:      24 * time.Hour,
		},
		Tracing: TracingConfig{
			Exporter: "stdout",
			Service:  "vaultbackup",
		},
	}
}

// Loader owns a viper instance plus an optional file watcher for secret
// rotation (spec.md §6 `password_file`/`crypto_secret`, SPEC_FULL.md §6
// expansion).
type Loader struct {
	v *viper.Viper

	mu     sync.RWMutex
	cfg    Config
	onLoad func(Config)
}

// NewLoader constructs a Loader. configPath may be empty (env/flags only).
func NewLoader(configPath string) (*Loader, error) {
	v := viper.New()
	v.SetEnvPrefix("VAULTBACKUP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	d := defaults()
	v.SetDefault("chunk_size", d.ChunkSize)
	v.SetDefault("compression", string(d.Compression))
	v.SetDefault("queue_depth", d.QueueDepth)
	v.SetDefault("md_dir", d.MdDir)
	v.SetDefault("polltype", d.PollType)
	v.SetDefault("max_differentials", d.MaxDifferentials)
	v.SetDefault("backend.type", string(d.Backend.Type))
	v.SetDefault("backend.port", d.Backend.Port)
	v.SetDefault("audit.sink.type", d.Audit.Sink.Type)
	v.SetDefault("dedup_cache.local_capacity", d.DedupCache.LocalCapacity)
	v.SetDefault("dedup_cache.redis_ttl", d.DedupCache.RedisTTL)
	v.SetDefault("tracing.exporter", d.Tracing.Exporter)
	v.SetDefault("tracing.service_name", d.Tracing.Service)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", configPath, err)
		}
	}

	l := &Loader{v: v}
	cfg, err := l.build()
	if err != nil {
		return nil, err
	}
	l.cfg = cfg
	return l, nil
}

func (l *Loader) build() (Config, error) {
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	cfg.MdDir = expandTilde(cfg.MdDir)
	cfg.PasswordFile = expandTilde(cfg.PasswordFile)
	cfg.CryptoSecret = expandTilde(cfg.CryptoSecret)
	return cfg, nil
}

// Current returns the most recently loaded configuration.
func (l *Loader) Current() Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cfg
}

// OnReload registers a callback invoked after a successful secret-file
// reload. Only one callback is kept; a later call replaces it. No
// cmd/vaultbackup subcommand registers one or starts WatchSecrets.
func (l *Loader) OnReload(fn func(Config)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onLoad = fn
}

// WatchSecrets watches password_file and crypto_secret (when set to
// filesystem paths) for writes, reloading the configuration on change. The
// caller's OnReload callback decides when it is safe to apply the swap.
func (l *Loader) WatchSecrets() (*fsnotify.Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: new watcher: %w", err)
	}

	cfg := l.Current()
	watched := map[string]bool{}
	for _, p := range []string{cfg.PasswordFile, cfg.CryptoSecret} {
		if p == "" {
			continue
		}
		dir := filepath.Dir(p)
		if watched[dir] {
			continue
		}
		if err := watcher.Add(dir); err != nil {
			watcher.Close()
			return nil, fmt.Errorf("config: watch %s: %w", dir, err)
		}
		watched[dir] = true
	}

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				l.reload()
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()

	return watcher, nil
}

func (l *Loader) reload() {
	cfg, err := l.build()
	if err != nil {
		return
	}
	l.mu.Lock()
	l.cfg = cfg
	cb := l.onLoad
	l.mu.Unlock()
	if cb != nil {
		cb(cfg)
	}
}

// expandTilde resolves a literal "~/" prefix for convenience, matching the
// teacher's README-documented behavior rather than a full shell-style
// expansion (no "~user/...", no env interpolation) — the filesystem
// enumerator remains the collaborator responsible for full path resolution
// per spec.md §1.
func expandTilde(p string) string {
	if p == "" || !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, p[2:])
}
