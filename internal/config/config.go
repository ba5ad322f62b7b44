// Package config loads and saves the ledger engine's YAML configuration,
// grounded on the teacher's internal/node/config.go: a Config struct of
// nested sub-configs, a DefaultConfig constructor, Load that creates a
// default file on first run and otherwise unmarshals over the defaults,
// Save that writes it back out, and `~`-path expansion for data directories.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every setting the engine's CLI surface and scheduler need.
type Config struct {
	RPC       RPCConfig       `yaml:"rpc"`
	Hints     HintsConfig     `yaml:"hints"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	GapFill   GapFillConfig   `yaml:"gap_fill"`
	Storage   StorageConfig   `yaml:"storage"`
	Logging   LoggingConfig   `yaml:"logging"`
	Dashboard DashboardConfig `yaml:"dashboard"`
}

// RPCConfig points at the single archival node this engine queries.
type RPCConfig struct {
	Endpoint string `yaml:"endpoint"`
	Bearer   string `yaml:"bearer,omitempty"`
}

// HintsConfig points at the optional advisory transfer-event index. An
// empty Endpoint means no hint provider is configured and every gap falls
// back to bisection.
type HintsConfig struct {
	Endpoint string `yaml:"endpoint,omitempty"`
	Bearer   string `yaml:"bearer,omitempty"`
	// SupportedTokens lists every token id the index is known to cover.
	SupportedTokens []string `yaml:"supported_tokens,omitempty"`
}

// DiscoveryConfig points at the external balances/trace indices used for
// token discovery and lists the known multi-token contracts to enumerate.
type DiscoveryConfig struct {
	IndexEndpoint       string   `yaml:"index_endpoint,omitempty"`
	IndexBearer         string   `yaml:"index_bearer,omitempty"`
	TraceEndpoint       string   `yaml:"trace_endpoint,omitempty"`
	TraceBearer         string   `yaml:"trace_bearer,omitempty"`
	MultiTokenContracts []string `yaml:"multi_token_contracts,omitempty"`
}

// SchedulerConfig controls the two sweep cadences and concurrency cap.
type SchedulerConfig struct {
	PeriodicInterval   time.Duration `yaml:"periodic_interval"`
	DirtyWatchInterval time.Duration `yaml:"dirty_watch_interval"`
	MaxConcurrency     int           `yaml:"max_concurrency"`
}

// GapFillConfig controls the backward-past lookback/sealing window.
type GapFillConfig struct {
	LookbackBlocks int64 `yaml:"lookback_blocks"`
}

// StorageConfig holds the SQLite data directory.
type StorageConfig struct {
	DataDir string `yaml:"data_dir"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file,omitempty"`
}

// DashboardConfig controls the optional push-only WebSocket event feed used
// by an operational dashboard to watch reconstruction progress live. An
// empty ListenAddr disables the feed entirely.
type DashboardConfig struct {
	ListenAddr string `yaml:"listen_addr,omitempty"`
}

// DefaultConfig returns a Config with sensible defaults. Every numeric
// default mirrors the values named in the overview: a 5 minute periodic
// sweep, a 5 second dirty watch, 4-way concurrency, and a 600,000-block
// backward-lookback window.
func DefaultConfig() *Config {
	return &Config{
		RPC: RPCConfig{
			Endpoint: "https://archival-rpc.mainnet.near.org",
		},
		Scheduler: SchedulerConfig{
			PeriodicInterval:   5 * time.Minute,
			DirtyWatchInterval: 5 * time.Second,
			MaxConcurrency:     4,
		},
		GapFill: GapFillConfig{
			LookbackBlocks: 600_000,
		},
		Storage: StorageConfig{
			DataDir: "~/.ledgerd",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// FileName is the default config file name within a data directory.
const FileName = "config.yaml"

// Load reads configuration from dataDir/config.yaml. If the file doesn't
// exist, it creates one populated with defaults (and dataDir as the
// storage directory) so a fresh deployment always has an inspectable,
// editable config file on disk after its first run.
func Load(dataDir string) (*Config, error) {
	expanded := ExpandPath(dataDir)
	path := filepath.Join(expanded, FileName)

	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.Storage.DataDir = dataDir
		if err := cfg.Save(path); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return cfg, nil
}

// Save writes the configuration to path as YAML, creating its parent
// directory if necessary.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := []byte("# ledgerd configuration\n# generated automatically on first run\n\n")
	data = append(header, data...)

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Path returns the full config file path for a given data directory.
func Path(dataDir string) string {
	return filepath.Join(ExpandPath(dataDir), FileName)
}

// ExpandPath expands a leading ~ to the user's home directory.
func ExpandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[1:])
	}
	return path
}
