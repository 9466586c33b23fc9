package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config keeps every knob the engine reads. Plan-derived limits (free vs
// supporter batch sizes) arrive here as an explicit value and are threaded
// into the preflighter and executor as parameters, never read from hidden
// globals.
type Config struct {
	RPCURL  string `mapstructure:"rpc_url"`
	ChainID int64  `mapstructure:"chain_id"`

	// StorePath is the file-backed batch store location. PostgresURL, when
	// set, selects the Postgres backend instead.
	StorePath   string `mapstructure:"store_path"`
	PostgresURL string `mapstructure:"postgres_url"`

	MaxBatchItems int `mapstructure:"max_batch_items"`

	BaseFeeMul    int64 `mapstructure:"basefee_mul"`
	ReceiptPollMs int   `mapstructure:"receipt_poll_ms"`

	SnapshotChunk       uint64 `mapstructure:"snapshot_chunk"`
	SnapshotConcurrency int    `mapstructure:"snapshot_concurrency"`

	LogFile      string `mapstructure:"log_file"`
	DebugLogging bool   `mapstructure:"debug_logging"`
}

const (
	// DefaultChainID is Monad mainnet.
	DefaultChainID = 143

	DefaultMaxBatchItems       = 100
	DefaultBaseFeeMul          = 2
	DefaultReceiptPollMs       = 2000
	DefaultSnapshotChunk       = 2000
	DefaultSnapshotConcurrency = 4
)

// Load reads the config file (optional) with env-var overrides prefixed
// DISPERSE_ (e.g. DISPERSE_RPC_URL).
func Load(path string) (*Config, error) {
	v := viper.New()
	// every key needs a default so AutomaticEnv values survive Unmarshal
	v.SetDefault("rpc_url", "")
	v.SetDefault("postgres_url", "")
	v.SetDefault("debug_logging", false)
	v.SetDefault("chain_id", DefaultChainID)
	v.SetDefault("store_path", "batches.json")
	v.SetDefault("max_batch_items", DefaultMaxBatchItems)
	v.SetDefault("basefee_mul", DefaultBaseFeeMul)
	v.SetDefault("receipt_poll_ms", DefaultReceiptPollMs)
	v.SetDefault("snapshot_chunk", DefaultSnapshotChunk)
	v.SetDefault("snapshot_concurrency", DefaultSnapshotConcurrency)
	v.SetDefault("log_file", "disperse.log")

	v.SetEnvPrefix("DISPERSE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, cfg.Validate()
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.RPCURL) == "" {
		return errors.New("rpc_url is required")
	}
	if c.ChainID <= 0 {
		return errors.New("chain_id must be positive")
	}
	if c.MaxBatchItems <= 0 {
		return errors.New("max_batch_items must be positive")
	}
	if c.ReceiptPollMs <= 0 {
		return errors.New("receipt_poll_ms must be positive")
	}
	if c.SnapshotChunk == 0 {
		return errors.New("snapshot_chunk must be positive")
	}
	if c.StorePath == "" && c.PostgresURL == "" {
		return errors.New("either store_path or postgres_url is required")
	}
	return nil
}

func (c *Config) ReceiptPoll() time.Duration {
	return time.Duration(c.ReceiptPollMs) * time.Millisecond
}
