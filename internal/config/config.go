package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/Norgate-AV/compilerd/internal/cache"
	"github.com/Norgate-AV/compilerd/internal/compiler"
)

// Default configuration values
const (
	DefaultListen           = ":10240"
	DefaultLocalConcurrency = 2
	DefaultStaleAfterMs     = 60000

	DefaultRemoteRetries      = 5
	DefaultRemoteRetryDelayMs = 500

	DefaultStatsFlushInterval = 5 * time.Minute
	DefaultStatsMaxBatch      = 1000
	DefaultStatsPrefix        = "stats"

	DefaultCompilationCache = "InMemory(500)"
	DefaultExecutableCache  = "InMemory(50)"
	DefaultMetadataCache    = "InMemory(200)"
	DefaultMetadataTTL      = time.Hour

	DefaultVerbose = false
)

// Holds the remote execution transport settings
type RemoteConfig struct {
	Retries    int
	RetryDelay time.Duration

	// SQS queue jobs are published to
	QueueURL string
	// Websocket endpoint completion events arrive on
	EventsURL string
	// HTTP endpoint listing architectures with live workers
	WorkersURL string

	Region string
}

// Enabled reports whether remote execution is configured
func (r RemoteConfig) Enabled() bool {
	return r.QueueURL != "" && r.EventsURL != ""
}

// Holds the usage statistics sink settings
type StatsConfig struct {
	FlushInterval time.Duration
	MaxBatch      int

	// An empty bucket disables statistics
	Bucket string
	Prefix string
	Region string
}

// Holds the tier spec and memory TTL of each cache channel
type CacheConfig struct {
	Compilation cache.ChannelConfig
	Executable  cache.ChannelConfig
	Metadata    cache.ChannelConfig
}

// Holds the configuration options for compilerd
type Config struct {
	// Address the HTTP server listens on
	Listen string

	// Maximum simultaneous local compiler invocations
	LocalConcurrency int

	// Maximum age of a request before it is abandoned
	StaleAfter time.Duration

	Remote RemoteConfig
	Stats  StatsConfig
	Cache  CacheConfig

	Compilers []compiler.Info

	// Enable verbose output
	Verbose bool
}

func Load() (*Config, error) {
	cfg := &Config{
		Listen:           viper.GetString("listen"),
		LocalConcurrency: viper.GetInt("local_concurrency"),
		StaleAfter:       time.Duration(viper.GetInt64("stale_after_ms")) * time.Millisecond,
		Remote: RemoteConfig{
			Retries:    viper.GetInt("remote.retries"),
			RetryDelay: time.Duration(viper.GetInt64("remote.retry_delay_ms")) * time.Millisecond,
			QueueURL:   viper.GetString("remote.queue_url"),
			EventsURL:  viper.GetString("remote.events_url"),
			WorkersURL: viper.GetString("remote.workers_url"),
			Region:     viper.GetString("remote.region"),
		},
		Stats: StatsConfig{
			FlushInterval: viper.GetDuration("stats.flush_interval"),
			MaxBatch:      viper.GetInt("stats.max_batch"),
			Bucket:        viper.GetString("stats.bucket"),
			Prefix:        viper.GetString("stats.prefix"),
			Region:        viper.GetString("stats.region"),
		},
		Cache: CacheConfig{
			Compilation: cache.ChannelConfig{
				Spec: viper.GetString("cache.compilation"),
				TTL:  viper.GetDuration("cache.compilation_ttl"),
			},
			Executable: cache.ChannelConfig{
				Spec: viper.GetString("cache.executable"),
				TTL:  viper.GetDuration("cache.executable_ttl"),
			},
			Metadata: cache.ChannelConfig{
				Spec: viper.GetString("cache.metadata"),
				TTL:  viper.GetDuration("cache.metadata_ttl"),
			},
		},
		Verbose: viper.GetBool("verbose"),
	}

	if err := viper.UnmarshalKey("compilers", &cfg.Compilers); err != nil {
		return nil, fmt.Errorf("invalid compilers list: %w", err)
	}

	// Apply defaults if not set
	if cfg.Listen == "" {
		cfg.Listen = DefaultListen
	}

	if cfg.StaleAfter == 0 {
		cfg.StaleAfter = DefaultStaleAfterMs * time.Millisecond
	}

	if cfg.Stats.Prefix == "" {
		cfg.Stats.Prefix = DefaultStatsPrefix
	}

	if cfg.Stats.Region == "" {
		cfg.Stats.Region = cfg.Remote.Region
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.LocalConcurrency <= 0 {
		return fmt.Errorf("local_concurrency must be positive, got %d", c.LocalConcurrency)
	}

	if c.StaleAfter <= 0 {
		return fmt.Errorf("stale_after_ms must be positive")
	}

	if c.Remote.Retries < 0 {
		return fmt.Errorf("remote.retries must not be negative, got %d", c.Remote.Retries)
	}

	if c.Remote.RetryDelay < 0 {
		return fmt.Errorf("remote.retry_delay_ms must not be negative")
	}

	// A retry budget longer than the deadline would only ever end in Stale
	if c.Remote.RetryDelay*time.Duration(c.Remote.Retries) >= c.StaleAfter {
		return fmt.Errorf("remote retry budget %s exceeds stale_after %s",
			c.Remote.RetryDelay*time.Duration(c.Remote.Retries), c.StaleAfter)
	}

	if c.Stats.FlushInterval < 0 || c.Stats.MaxBatch < 0 {
		return fmt.Errorf("stats settings must not be negative")
	}

	for name, cc := range map[string]cache.ChannelConfig{
		cache.ChannelCompilation: c.Cache.Compilation,
		cache.ChannelExecutable:  c.Cache.Executable,
		cache.ChannelMetadata:    c.Cache.Metadata,
	} {
		if _, err := cache.ParseSpec(cc.Spec); err != nil {
			return fmt.Errorf("invalid %s cache spec: %w", name, err)
		}
	}

	seen := make(map[string]bool, len(c.Compilers))
	for _, info := range c.Compilers {
		if info.ID == "" {
			return fmt.Errorf("compiler entry without id")
		}

		if seen[info.ID] {
			return fmt.Errorf("duplicate compiler id %q", info.ID)
		}
		seen[info.ID] = true

		if info.Remote {
			if info.Arch == "" {
				return fmt.Errorf("remote compiler %q needs an arch", info.ID)
			}

			if !c.Remote.Enabled() {
				return fmt.Errorf("remote compiler %q configured without remote.queue_url and remote.events_url", info.ID)
			}

			continue
		}

		if info.Exe == "" {
			return fmt.Errorf("compiler %q needs an exe", info.ID)
		}
	}

	return nil
}
