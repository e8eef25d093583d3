package config

import "time"

const (
	// DefaultFeeRate is the share of destination proceeds skimmed into the vault.
	// Two values (0.05 and 0.10) have been used in the past; confirm with product
	// before changing it.
	DefaultFeeRate = "0.05"
	DefaultChainID = 137
)

type DepositorConfig struct {
	// rpc configs
	Port int    `toml:"port" mapstructure:"port"`
	Host string `toml:"host" mapstructure:"host"`

	// CORS configs
	AllowedOrigins []string `toml:"allowed_origins" mapstructure:"allowed_origins"`

	// rate limiting configs
	RatePerMinute         int `toml:"rate_per_minute" mapstructure:"rate_per_minute"`
	MaxConcurrentRequests int `toml:"max_concurrent_requests" mapstructure:"max_concurrent_requests"`

	// OpenTelemetry configs
	ServiceName    string `toml:"service_name" mapstructure:"service_name"`
	ServiceVersion string `toml:"service_version" mapstructure:"service_version"`
	Environment    string `toml:"environment" mapstructure:"environment"` // PROD, DEV, TEST, LOCAL
	EnableTracing  bool   `toml:"enable_tracing" mapstructure:"enable_tracing"`
	UseOTLPTraces  bool   `toml:"use_otlp_traces" mapstructure:"use_otlp_traces"`
	OTLPTracesURL  string `toml:"otlp_traces_url" mapstructure:"otlp_traces_url"`
	EnableMetrics  bool   `toml:"enable_metrics" mapstructure:"enable_metrics"`
	UsePrometheus  bool   `toml:"use_prometheus" mapstructure:"use_prometheus"`
	UseOTLPMetrics bool   `toml:"use_otlp_metrics" mapstructure:"use_otlp_metrics"`
	OTLPMetricsURL string `toml:"otlp_metrics_url" mapstructure:"otlp_metrics_url"`
	EnableLogs     bool   `toml:"enable_logs" mapstructure:"enable_logs"`
	UseOTLPLogs    bool   `toml:"use_otlp_logs" mapstructure:"use_otlp_logs"`
	OTLPLogsURL    string `toml:"otlp_logs_url" mapstructure:"otlp_logs_url"`

	InsecureOTLP bool `toml:"insecure_otlp" mapstructure:"insecure_otlp"`

	// Development mode uses stdout exporters
	DevelopmentMode bool `toml:"development_mode" mapstructure:"development_mode"`

	// chain
	ChainID         uint64 `toml:"chain_id" mapstructure:"chain_id"`
	ChainRPCURL     string `toml:"chain_rpc_url" mapstructure:"chain_rpc_url"`
	WalletRPCURL    string `toml:"wallet_rpc_url" mapstructure:"wallet_rpc_url"`
	SettlementToken string `toml:"settlement_token" mapstructure:"settlement_token"`
	VaultAddress    string `toml:"vault_address" mapstructure:"vault_address"`

	// aggregator proxy and price feed
	AggregatorURL    string        `toml:"aggregator_url" mapstructure:"aggregator_url"`
	AggregatorAPIKey string        `toml:"aggregator_api_key" mapstructure:"aggregator_api_key"`
	RequestTimeout   time.Duration `toml:"request_timeout" mapstructure:"request_timeout"`

	// retry policy for rate limited upstream calls
	RetryMaxAttempts    int           `toml:"retry_max_attempts" mapstructure:"retry_max_attempts"`
	RetryInitialBackoff time.Duration `toml:"retry_initial_backoff" mapstructure:"retry_initial_backoff"`
	RetryMaxBackoff     time.Duration `toml:"retry_max_backoff" mapstructure:"retry_max_backoff"`

	// fee skim, decimal string in [0, 1)
	FeeRate string `toml:"fee_rate" mapstructure:"fee_rate"`

	// pacing between phases
	FeePhaseDelay time.Duration `toml:"fee_phase_delay" mapstructure:"fee_phase_delay"`
	SubmitDelay   time.Duration `toml:"submit_delay" mapstructure:"submit_delay"`
	PreviewTTL    time.Duration `toml:"preview_ttl" mapstructure:"preview_ttl"`

	// sessions idle for longer are evicted, zero keeps them
	SessionTTL time.Duration `toml:"session_ttl" mapstructure:"session_ttl"`

	// batched submission
	Paymaster            bool          `toml:"paymaster" mapstructure:"paymaster"`
	PaymasterURL         string        `toml:"paymaster_url" mapstructure:"paymaster_url"`
	MaxFeePerGas         string        `toml:"max_fee_per_gas" mapstructure:"max_fee_per_gas"`                   // wei
	MaxPriorityFeePerGas string        `toml:"max_priority_fee_per_gas" mapstructure:"max_priority_fee_per_gas"` // wei
	ReceiptPollInterval  time.Duration `toml:"receipt_poll_interval" mapstructure:"receipt_poll_interval"`
	ReceiptTimeout       time.Duration `toml:"receipt_timeout" mapstructure:"receipt_timeout"`

	// vault entry points
	UseDepositAndInvest bool `toml:"use_deposit_and_invest" mapstructure:"use_deposit_and_invest"`

	// preview store, empty means in-memory
	StorePath string `toml:"store_path" mapstructure:"store_path"`

	// token list, any go-getter source; empty falls back to the aggregator list
	TokenListSource string `toml:"token_list_source" mapstructure:"token_list_source"`

	// optional deposit event webhook
	WebhookURL     string        `toml:"webhook_url" mapstructure:"webhook_url"`
	WebhookTimeout time.Duration `toml:"webhook_timeout" mapstructure:"webhook_timeout"`
}
