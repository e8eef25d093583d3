package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// LoadDepositorConfig loads the depositor config from the given path.
// A nil path reads the config from the environment (and .env if present).
func LoadDepositorConfig(configPath *string) (*DepositorConfig, error) {
	v := viper.New()
	setDefaults(v)

	if configPath == nil {
		// if no file expect envs
		config, err := loadEnv(v)
		if err != nil {
			return nil, fmt.Errorf("failed to load env config: %w", err)
		}
		return config, nil
	}
	config, err := loadFile(v, *configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load file config: %w", err)
	}
	return config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", 8080)
	v.SetDefault("host", "0.0.0.0")
	v.SetDefault("allowed_origins", []string{"*"})
	v.SetDefault("max_concurrent_requests", 200)
	v.SetDefault("service_name", "piggy-depositor")
	v.SetDefault("chain_id", DefaultChainID)
	v.SetDefault("request_timeout", 15*time.Second)
	v.SetDefault("retry_max_attempts", 3)
	v.SetDefault("retry_initial_backoff", time.Second)
	v.SetDefault("retry_max_backoff", 10*time.Second)
	v.SetDefault("fee_rate", DefaultFeeRate)
	v.SetDefault("fee_phase_delay", 500*time.Millisecond)
	v.SetDefault("submit_delay", 500*time.Millisecond)
	v.SetDefault("preview_ttl", 5*time.Minute)
	v.SetDefault("session_ttl", time.Hour)
	v.SetDefault("webhook_timeout", 10*time.Second)
	v.SetDefault("paymaster", true)
	v.SetDefault("max_fee_per_gas", "1000000000")
	v.SetDefault("max_priority_fee_per_gas", "5000000")
	v.SetDefault("receipt_poll_interval", 2*time.Second)
	v.SetDefault("receipt_timeout", 120*time.Second)
}

func loadEnv(v *viper.Viper) (*DepositorConfig, error) {
	// godot might fail if .env file is missing but
	// env can be applied through docker, systemd or other means, so skip error
	_ = godotenv.Load()
	v.SetEnvPrefix("DEPOSITOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvKeys(v)

	var config DepositorConfig
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal env config: %w", err)
	}
	if err := verifyConfig(&config); err != nil {
		return nil, fmt.Errorf("failed to verify config: %w", err)
	}
	return &config, nil
}

// bindEnvKeys binds each config key to its env var so Unmarshal sees env values
// when no config file is loaded (env-only mode).
func bindEnvKeys(v *viper.Viper) {
	keys := []string{
		"port", "host", "allowed_origins",
		"rate_per_minute", "max_concurrent_requests",
		"service_name", "service_version", "environment",
		"enable_tracing", "use_otlp_traces", "otlp_traces_url",
		"enable_metrics", "use_prometheus", "use_otlp_metrics", "otlp_metrics_url",
		"enable_logs", "use_otlp_logs", "otlp_logs_url",
		"insecure_otlp", "development_mode",
		"chain_id", "chain_rpc_url", "wallet_rpc_url", "settlement_token", "vault_address",
		"aggregator_url", "aggregator_api_key", "request_timeout",
		"retry_max_attempts", "retry_initial_backoff", "retry_max_backoff",
		"fee_rate", "fee_phase_delay", "submit_delay", "preview_ttl", "session_ttl",
		"paymaster", "paymaster_url", "max_fee_per_gas", "max_priority_fee_per_gas",
		"receipt_poll_interval", "receipt_timeout",
		"use_deposit_and_invest", "store_path", "token_list_source", "webhook_url", "webhook_timeout",
	}
	for _, k := range keys {
		_ = v.BindEnv(k)
	}
}

func loadFile(v *viper.Viper, configPath string) (*DepositorConfig, error) {
	if !strings.HasSuffix(configPath, ".toml") {
		return nil, fmt.Errorf("config file must be a toml file")
	}

	v.SetConfigFile(configPath)
	v.SetConfigType("toml")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config DepositorConfig
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := verifyConfig(&config); err != nil {
		return nil, fmt.Errorf("failed to verify config: %w", err)
	}

	return &config, nil
}

func verifyConfig(config *DepositorConfig) error {
	if config.Port <= 0 || config.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535")
	}

	if config.Host == "" {
		return fmt.Errorf("host is required")
	}

	if len(config.AllowedOrigins) == 0 {
		return fmt.Errorf("allowed_origins is required")
	}

	if config.ChainID == 0 {
		return fmt.Errorf("chain_id must be positive")
	}

	for name, raw := range map[string]string{
		"chain_rpc_url":  config.ChainRPCURL,
		"wallet_rpc_url": config.WalletRPCURL,
		"aggregator_url": config.AggregatorURL,
	} {
		if raw == "" {
			return fmt.Errorf("%s is required", name)
		}
		if _, err := url.Parse(raw); err != nil {
			return fmt.Errorf("%s is not a valid url: %w", name, err)
		}
	}

	if !common.IsHexAddress(config.SettlementToken) {
		return fmt.Errorf("settlement_token must be a hex address")
	}
	if !common.IsHexAddress(config.VaultAddress) {
		return fmt.Errorf("vault_address must be a hex address")
	}

	if _, err := config.FeeRateDecimal(); err != nil {
		return err
	}

	if config.RetryMaxAttempts < 1 {
		return fmt.Errorf("retry_max_attempts must be at least 1")
	}
	if config.RetryMaxBackoff < config.RetryInitialBackoff {
		return fmt.Errorf("retry_max_backoff must not be lower than retry_initial_backoff")
	}

	if config.FeePhaseDelay < 0 || config.SubmitDelay < 0 {
		return fmt.Errorf("pacing delays must not be negative")
	}
	if config.SessionTTL < 0 {
		return fmt.Errorf("session_ttl must not be negative")
	}
	if config.SessionTTL > 0 && config.SessionTTL < config.PreviewTTL {
		return fmt.Errorf("session_ttl must not be shorter than preview_ttl")
	}

	if _, err := uint256.FromDecimal(config.MaxFeePerGas); err != nil {
		return fmt.Errorf("max_fee_per_gas must be an integer amount of wei: %w", err)
	}
	if _, err := uint256.FromDecimal(config.MaxPriorityFeePerGas); err != nil {
		return fmt.Errorf("max_priority_fee_per_gas must be an integer amount of wei: %w", err)
	}

	if config.ReceiptPollInterval <= 0 || config.ReceiptTimeout <= 0 {
		return fmt.Errorf("receipt_poll_interval and receipt_timeout must be positive")
	}

	return nil
}

// FeeRateDecimal parses the configured fee rate. The rate must be in [0, 1).
func (c *DepositorConfig) FeeRateDecimal() (decimal.Decimal, error) {
	rate, err := decimal.NewFromString(c.FeeRate)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("fee_rate is not a decimal: %w", err)
	}
	if rate.IsNegative() || rate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return decimal.Decimal{}, fmt.Errorf("fee_rate must be in [0, 1), got %s", rate.String())
	}
	return rate, nil
}

// GasFeeCaps returns the configured fee caps in wei.
func (c *DepositorConfig) GasFeeCaps() (maxFee, maxPriority *uint256.Int) {
	maxFee, _ = uint256.FromDecimal(c.MaxFeePerGas)
	maxPriority, _ = uint256.FromDecimal(c.MaxPriorityFeePerGas)
	return maxFee, maxPriority
}
