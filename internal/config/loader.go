// Package config loads compilerd settings from defaults, config files, the
// environment and command flags, in increasing order of precedence.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g. COMPILERD_LISTEN
const EnvPrefix = "COMPILERD"

// Loader handles configuration loading from various sources
type Loader struct {
	// workDir is where the local config search starts; defaults to os.Getwd
	workDir string
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{}
}

// Load reads every source for cmd and returns the validated configuration.
// An explicit --config file replaces the global and local search.
func (l *Loader) Load(cmd *cobra.Command) (*Config, error) {
	l.setupViperDefaults()
	l.setupEnv()

	if explicit, _ := cmd.Flags().GetString("config"); explicit != "" {
		viper.SetConfigFile(explicit)
		if err := viper.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", explicit, err)
		}
	} else {
		l.loadGlobalConfig()
		l.loadLocalConfig()
	}

	l.bindCommandFlags(cmd)

	return Load()
}

// setupViperDefaults sets up default values for viper
func (l *Loader) setupViperDefaults() {
	viper.SetDefault("listen", DefaultListen)
	viper.SetDefault("local_concurrency", DefaultLocalConcurrency)
	viper.SetDefault("stale_after_ms", DefaultStaleAfterMs)
	viper.SetDefault("remote.retries", DefaultRemoteRetries)
	viper.SetDefault("remote.retry_delay_ms", DefaultRemoteRetryDelayMs)
	viper.SetDefault("stats.flush_interval", DefaultStatsFlushInterval)
	viper.SetDefault("stats.max_batch", DefaultStatsMaxBatch)
	viper.SetDefault("stats.prefix", DefaultStatsPrefix)
	viper.SetDefault("cache.compilation", DefaultCompilationCache)
	viper.SetDefault("cache.executable", DefaultExecutableCache)
	viper.SetDefault("cache.metadata", DefaultMetadataCache)
	viper.SetDefault("cache.metadata_ttl", DefaultMetadataTTL)
	viper.SetDefault("verbose", DefaultVerbose)
}

func (l *Loader) setupEnv() {
	viper.SetEnvPrefix(EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
}

// loadGlobalConfig loads global configuration from the user config directory
func (l *Loader) loadGlobalConfig() {
	if path := FindGlobalConfig(); path != "" {
		viper.SetConfigFile(path)
		_ = viper.ReadInConfig()
	}
}

// loadLocalConfig merges the nearest compilerd.* found walking up from the
// working directory over the global config
func (l *Loader) loadLocalConfig() {
	dir := l.workDir
	if dir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return // silently ignore, Load() still validates
		}

		dir = wd
	}

	localPath := FindLocalConfig(dir)
	if localPath != "" {
		viper.SetConfigFile(localPath)
		_ = viper.MergeInConfig()
	}
}

// bindCommandFlags binds command flags to viper. Flags the command does not
// define are skipped.
func (l *Loader) bindCommandFlags(cmd *cobra.Command) {
	for key, name := range map[string]string{
		"listen":            "listen",
		"local_concurrency": "local-concurrency",
		"stale_after_ms":    "stale-after-ms",
		"verbose":           "verbose",
	} {
		if flag := cmd.Flags().Lookup(name); flag != nil {
			_ = viper.BindPFlag(key, flag)
		}
	}
}
