// Package config binds the CLI/env surface named in spec.md §6 to a single
// Config struct via viper, with cobra persistent flags as the primary
// source and MATCHEXEC_-prefixed environment variables as the fallback.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Config is the fully resolved runtime configuration for one matchexecd
// process.
type Config struct {
	ChainID   int64  `mapstructure:"chain_id"`
	ChainName string `mapstructure:"chain_name"`
	Mode      string `mapstructure:"mode"` // "dev" | "prod"
	Debug     bool   `mapstructure:"debug"`

	WebsocketProviderURL string `mapstructure:"ws_provider_url"`
	HTTPProviderURL      string `mapstructure:"http_provider_url"`

	InitiatorPrivateKey   string `mapstructure:"initiator_private_key"`
	MatchExecutorAddress  string `mapstructure:"match_executor_address"`
	ExchangeAddress       string `mapstructure:"exchange_address"`
	WETHAddress           string `mapstructure:"weth_address"`
	FlashbotsAuthKey      string `mapstructure:"flashbots_auth_key"`

	RedisURL         string `mapstructure:"redis_url"`
	RedisReadOnlyURL string `mapstructure:"redis_readonly_url"`

	PostgresDSN string `mapstructure:"postgres_dsn"`

	APIKey      string `mapstructure:"api_key"`
	APIPort     int    `mapstructure:"api_port"`
	APIReadOnly bool   `mapstructure:"api_readonly"`

	MatchingEngineEnabled  bool `mapstructure:"matching_engine"`
	ExecutionEngineEnabled bool `mapstructure:"execution_engine"`
	EnableForking          bool `mapstructure:"enable_forking"`

	Collections []string `mapstructure:"collections"`

	BlockOffset        uint64        `mapstructure:"block_offset"`
	PriorityFeeWei     int64         `mapstructure:"priority_fee_wei"`
	MatchLimit         int           `mapstructure:"match_limit"`
	LeaseTTL           time.Duration `mapstructure:"lease_ttl"`
	PendingOrderWindow time.Duration `mapstructure:"pending_order_window"`
	QuarantineWindow   time.Duration `mapstructure:"quarantine_window"`
}

// AllowedComplications are the policy-contract addresses the system accepts
// on ingest (spec.md §4.2). Configured separately from the flat Config
// struct since it's a set, not a scalar.
type AllowedComplications map[string]struct{}

// BindFlags registers every CLI flag named in spec.md §6 on cmd's flag set
// and binds it into v, so flags, env vars (MATCHEXEC_*), and config-file
// values all resolve through the same viper instance.
func BindFlags(cmd *cobra.Command, v *viper.Viper) error {
	flags := cmd.PersistentFlags()

	flags.Int64("chain-id", 1, "EVM chain id")
	flags.String("chain-name", "ethereum", "chain name")
	flags.String("mode", "dev", "dev|prod")
	flags.Bool("debug", false, "enable debug logging")

	flags.String("ws-provider-url", "", "WebSocket JSON-RPC provider URL")
	flags.String("http-provider-url", "", "HTTP JSON-RPC provider URL")

	flags.String("initiator-private-key", "", "intermediary signer private key (hex)")
	flags.String("match-executor-address", "", "match-executor contract address")
	flags.String("exchange-address", "", "exchange contract address")
	flags.String("weth-address", "", "wrapped-native currency contract address")
	flags.String("flashbots-auth-key", "", "Flashbots bundle-signing auth key (hex)")

	flags.String("redis-url", "redis://localhost:6379/0", "redis connection URL")
	flags.String("redis-readonly-url", "", "read replica redis connection URL")

	flags.String("postgres-dsn", "", "durable store Postgres DSN")

	flags.String("api-key", "", "control-surface API key")
	flags.Int("api-port", 8080, "control-surface HTTP port")
	flags.Bool("api-readonly", false, "disallow control-surface mutations")

	flags.Bool("matching-engine", true, "enable the order relay + matching engine pipeline")
	flags.Bool("execution-engine", true, "enable the block scheduler + execution engine pipeline")
	flags.Bool("enable-forking", false, "use a forked-node RPC broadcaster instead of the private relay")

	flags.StringSlice("collections", nil, "NFT collection addresses to run the pipeline for")

	flags.Uint64("block-offset", 2, "number of blocks ahead to target for inclusion")
	flags.Int64("priority-fee-wei", 2_000_000_000, "EIP-1559 priority fee in wei")
	flags.Int("match-limit", 50, "maximum candidates returned per matching-engine call")
	flags.Duration("lease-ttl", 15*time.Second, "distributed lease TTL")
	flags.Duration("pending-order-window", 5*time.Minute, "how long a pending order reservation blocks re-matching")
	flags.Duration("quarantine-window", 15*time.Minute, "how long a balance-losing match is quarantined")

	if err := v.BindPFlags(flags); err != nil {
		return fmt.Errorf("config: bind flags: %w", err)
	}

	v.SetEnvPrefix("MATCHEXEC")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	return nil
}

// Load resolves a Config from v after BindFlags has registered the flags
// and cobra has parsed argv.
func Load(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		ChainID:                v.GetInt64("chain-id"),
		ChainName:              v.GetString("chain-name"),
		Mode:                   v.GetString("mode"),
		Debug:                  v.GetBool("debug"),
		WebsocketProviderURL:   v.GetString("ws-provider-url"),
		HTTPProviderURL:        v.GetString("http-provider-url"),
		InitiatorPrivateKey:    v.GetString("initiator-private-key"),
		MatchExecutorAddress:  v.GetString("match-executor-address"),
		ExchangeAddress:       v.GetString("exchange-address"),
		WETHAddress:           v.GetString("weth-address"),
		FlashbotsAuthKey:      v.GetString("flashbots-auth-key"),
		RedisURL:               v.GetString("redis-url"),
		RedisReadOnlyURL:       v.GetString("redis-readonly-url"),
		PostgresDSN:            v.GetString("postgres-dsn"),
		APIKey:                 v.GetString("api-key"),
		APIPort:                v.GetInt("api-port"),
		APIReadOnly:            v.GetBool("api-readonly"),
		MatchingEngineEnabled:  v.GetBool("matching-engine"),
		ExecutionEngineEnabled: v.GetBool("execution-engine"),
		EnableForking:          v.GetBool("enable-forking"),
		Collections:            v.GetStringSlice("collections"),
		BlockOffset:            v.GetUint64("block-offset"),
		PriorityFeeWei:         v.GetInt64("priority-fee-wei"),
		MatchLimit:             v.GetInt("match-limit"),
		LeaseTTL:               v.GetDuration("lease-ttl"),
		PendingOrderWindow:     v.GetDuration("pending-order-window"),
		QuarantineWindow:       v.GetDuration("quarantine-window"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the fatal-error preconditions from spec.md §7: a
// malformed chain id or missing on-chain configuration must fail process
// startup immediately rather than surface later as a silent no-op.
func (c *Config) Validate() error {
	if c.ChainID <= 0 {
		return fmt.Errorf("config: invalid chain id %d", c.ChainID)
	}
	if c.Mode != "dev" && c.Mode != "prod" {
		return fmt.Errorf("config: mode must be dev or prod, got %q", c.Mode)
	}
	if c.ExecutionEngineEnabled {
		if c.MatchExecutorAddress == "" || c.ExchangeAddress == "" || c.WETHAddress == "" {
			return fmt.Errorf("config: match-executor-address, exchange-address and weth-address are required when the execution engine is enabled")
		}
		if c.HTTPProviderURL == "" {
			return fmt.Errorf("config: http-provider-url is required when the execution engine is enabled")
		}
	}
	if c.MatchingEngineEnabled && len(c.Collections) == 0 {
		return fmt.Errorf("config: at least one collection is required when the matching engine is enabled")
	}
	return nil
}
