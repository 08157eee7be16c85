// Package config loads router and node configuration from a YAML file plus
// environment overrides, with validation of the identity material.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// RelayAdmission gates /manifest acceptance on relay-discovery evidence.
type RelayAdmission struct {
	RequireSnapshot bool  `mapstructure:"require_snapshot"`
	MaxAgeMs        int64 `mapstructure:"max_age_ms"`
	MinScore        int   `mapstructure:"min_score"`
	MaxResults      int   `mapstructure:"max_results"`
}

// Federation configures the inter-router control plane.
type Federation struct {
	Enabled                    bool     `mapstructure:"enabled"`
	Endpoint                   string   `mapstructure:"endpoint"`
	Peers                      []string `mapstructure:"peers"`
	PublishIntervalMs          int64    `mapstructure:"publish_interval_ms"`
	RateLimitMax               int      `mapstructure:"rate_limit_max"`
	RateLimitWindowMs          int64    `mapstructure:"rate_limit_window_ms"`
	RequestTimeoutMs           int64    `mapstructure:"request_timeout_ms"`
	AuctionConcurrency         int      `mapstructure:"auction_concurrency"`
	PublishConcurrency         int      `mapstructure:"publish_concurrency"`
	NostrEnabled               bool     `mapstructure:"nostr_enabled"`
	NostrRelayURL              string   `mapstructure:"nostr_relay_url"`
	NostrSubscribeSinceSeconds int64    `mapstructure:"nostr_subscribe_since_seconds"`
	MaxPrivacyLevel            int      `mapstructure:"max_privacy_level"`
}

// RouterFee configures the router's cut on paid requests.
type RouterFee struct {
	Enabled      bool  `mapstructure:"enabled"`
	Bps          int64 `mapstructure:"bps"`
	FlatSats     int64 `mapstructure:"flat_sats"`
	MinSats      int64 `mapstructure:"min_sats"`
	MaxSats      int64 `mapstructure:"max_sats"`
	SplitEnabled bool  `mapstructure:"split_enabled"`
}

// Retention holds the pruning horizons, all in milliseconds.
type Retention struct {
	PaymentRequestMs        int64 `mapstructure:"payment_request_ms"`
	PaymentReceiptMs        int64 `mapstructure:"payment_receipt_ms"`
	NodeMs                  int64 `mapstructure:"node_ms"`
	NodeHealthMs            int64 `mapstructure:"node_health_ms"`
	NodeCooldownMs          int64 `mapstructure:"node_cooldown_ms"`
	FederationJobMs         int64 `mapstructure:"federation_job_ms"`
	PaymentReconcileGraceMs int64 `mapstructure:"payment_reconcile_grace_ms"`
}

// OracleRetry bounds the invoice/verify oracle retries.
type OracleRetry struct {
	MaxAttempts int   `mapstructure:"max_attempts"`
	BaseDelayMs int64 `mapstructure:"base_delay_ms"`
	MaxDelayMs  int64 `mapstructure:"max_delay_ms"`
}

// PaymentVerification points at the external settlement oracle.
type PaymentVerification struct {
	URL             string      `mapstructure:"url"`
	TimeoutMs       int64       `mapstructure:"timeout_ms"`
	RequirePreimage bool        `mapstructure:"require_preimage"`
	Retry           OracleRetry `mapstructure:"retry"`
}

// TLS is passed through to the HTTP server when set.
type TLS struct {
	CertPath          string `mapstructure:"cert_path"`
	KeyPath           string `mapstructure:"key_path"`
	CAPath            string `mapstructure:"ca_path"`
	RequireClientCert bool   `mapstructure:"require_client_cert"`
}

// Router is the broker-side configuration tree.
type Router struct {
	Port       int    `mapstructure:"port"`
	PrivateKey string `mapstructure:"private_key"`
	RouterID   string `mapstructure:"router_id"`

	RequirePayment      bool                `mapstructure:"require_payment"`
	InvoiceURL          string              `mapstructure:"invoice_url"`
	InvoiceTimeoutMs    int64               `mapstructure:"invoice_timeout_ms"`
	PaymentVerification PaymentVerification `mapstructure:"payment_verification"`

	ClientAllowList []string `mapstructure:"client_allow_list"`
	ClientMuteList  []string `mapstructure:"client_mute_list"`
	ClientBlockList []string `mapstructure:"client_block_list"`
	NodeBlockList   []string `mapstructure:"node_block_list"`

	RateLimitMax      int   `mapstructure:"rate_limit_max"`
	RateLimitWindowMs int64 `mapstructure:"rate_limit_window_ms"`

	SchedulerTopK int `mapstructure:"scheduler_top_k"`

	RelayAdmission RelayAdmission `mapstructure:"relay_admission"`
	Federation     Federation     `mapstructure:"federation"`
	RouterFee      RouterFee      `mapstructure:"router_fee"`
	Retention      Retention      `mapstructure:"retention"`

	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`

	TLS TLS `mapstructure:"tls"`
}

// Node is the worker-side configuration tree.
type Node struct {
	Port       int    `mapstructure:"port"`
	NodeID     string `mapstructure:"node_id"`
	PrivateKey string `mapstructure:"private_key"`
	Endpoint   string `mapstructure:"endpoint"`

	RouterURL       string `mapstructure:"router_url"`
	RouterKeyID     string `mapstructure:"router_key_id"`
	RouterPublicKey string `mapstructure:"router_public_key"`

	RouterAllowList  []string `mapstructure:"router_allow_list"`
	RouterFollowList []string `mapstructure:"router_follow_list"`
	RouterMuteList   []string `mapstructure:"router_mute_list"`
	RouterBlockList  []string `mapstructure:"router_block_list"`

	CapacityMaxConcurrent int `mapstructure:"capacity_max_concurrent"`
	CapacityCurrentLoad   int `mapstructure:"capacity_current_load"`

	MaxPromptBytes  int   `mapstructure:"max_prompt_bytes"`
	MaxTokens       int   `mapstructure:"max_tokens"`
	MaxRequestBytes int64 `mapstructure:"max_request_bytes"`
	MaxInferenceMs  int64 `mapstructure:"max_inference_ms"`

	RateLimitMax      int   `mapstructure:"rate_limit_max"`
	RateLimitWindowMs int64 `mapstructure:"rate_limit_window_ms"`

	VerifyWorkers int `mapstructure:"verify_workers"`
	VerifyQueue   int `mapstructure:"verify_queue"`

	RequirePayment      bool                `mapstructure:"require_payment"`
	PaymentVerification PaymentVerification `mapstructure:"payment_verification"`

	RunnerKind    string `mapstructure:"runner_kind"`
	RunnerBaseURL string `mapstructure:"runner_base_url"`
	RunnerAPIKey  string `mapstructure:"runner_api_key"`
	RunnerModel   string `mapstructure:"runner_model"`

	SandboxMode             string   `mapstructure:"sandbox_mode"`
	SandboxAllowedRunners   []string `mapstructure:"sandbox_allowed_runners"`
	SandboxAllowedEndpoints []string `mapstructure:"sandbox_allowed_endpoints"`

	NonceStorePath string `mapstructure:"nonce_store_path"`
	NonceStoreURL  string `mapstructure:"nonce_store_url"`

	HeartbeatIntervalMs int64 `mapstructure:"heartbeat_interval_ms"`

	TLS TLS `mapstructure:"tls"`
}

func newViper(name string) *viper.Viper {
	v := viper.New()
	v.SetConfigName(name)
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/fedai")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// LoadRouter reads router.yaml (optional) plus environment overrides.
func LoadRouter() (*Router, error) {
	v := newViper("router")

	v.SetDefault("port", 8080)
	v.SetDefault("rate_limit_max", 120)
	v.SetDefault("rate_limit_window_ms", 60_000)
	v.SetDefault("scheduler_top_k", 0)
	v.SetDefault("invoice_timeout_ms", 5_000)
	v.SetDefault("relay_admission.max_age_ms", 600_000)
	v.SetDefault("federation.publish_interval_ms", 30_000)
	v.SetDefault("federation.rate_limit_max", 60)
	v.SetDefault("federation.rate_limit_window_ms", 60_000)
	v.SetDefault("federation.request_timeout_ms", 10_000)
	v.SetDefault("federation.auction_concurrency", 4)
	v.SetDefault("federation.publish_concurrency", 4)
	v.SetDefault("retention.payment_request_ms", 3_600_000)
	v.SetDefault("retention.payment_receipt_ms", 86_400_000)
	v.SetDefault("retention.node_ms", 86_400_000)
	v.SetDefault("retention.node_health_ms", 86_400_000)
	v.SetDefault("retention.node_cooldown_ms", 3_600_000)
	v.SetDefault("retention.federation_job_ms", 86_400_000)
	v.SetDefault("retention.payment_reconcile_grace_ms", 600_000)

	_ = v.ReadInConfig()

	bindings := map[string]string{
		"port":                       "ROUTER_PORT",
		"private_key":                "ROUTER_PRIVATE_KEY",
		"router_id":                  "ROUTER_ID",
		"require_payment":            "REQUIRE_PAYMENT",
		"invoice_url":                "INVOICE_URL",
		"payment_verification.url":   "PAYMENT_VERIFY_URL",
		"redis_addr":                 "REDIS_ADDR",
		"redis_password":             "REDIS_PASSWORD",
		"federation.enabled":         "FEDERATION_ENABLED",
		"federation.endpoint":        "FEDERATION_ENDPOINT",
		"federation.nostr_relay_url": "FEDERATION_NOSTR_RELAY_URL",
	}
	for key, env := range bindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	cfg := &Router{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal router config: %w", err)
	}
	return cfg, cfg.validate()
}

func (c *Router) validate() error {
	if c.PrivateKey == "" {
		return fmt.Errorf("required config missing: ROUTER_PRIVATE_KEY")
	}
	if c.Federation.Enabled && c.Federation.Endpoint == "" {
		return fmt.Errorf("federation.endpoint required when federation is enabled")
	}
	return nil
}

// LoadNode reads node.yaml (optional) plus environment overrides.
func LoadNode() (*Node, error) {
	v := newViper("node")

	v.SetDefault("port", 8081)
	v.SetDefault("capacity_max_concurrent", 4)
	v.SetDefault("max_prompt_bytes", 65_536)
	v.SetDefault("max_tokens", 4_096)
	v.SetDefault("max_request_bytes", 1_048_576)
	v.SetDefault("rate_limit_max", 120)
	v.SetDefault("rate_limit_window_ms", 60_000)
	v.SetDefault("verify_queue", 64)
	v.SetDefault("runner_kind", "mock")
	v.SetDefault("sandbox_mode", "disabled")
	v.SetDefault("heartbeat_interval_ms", 10_000)

	_ = v.ReadInConfig()

	bindings := map[string]string{
		"port":              "NODE_PORT",
		"node_id":           "NODE_ID",
		"private_key":       "NODE_PRIVATE_KEY",
		"endpoint":          "NODE_ENDPOINT",
		"router_url":        "ROUTER_URL",
		"router_key_id":     "ROUTER_KEY_ID",
		"router_public_key": "ROUTER_PUBLIC_KEY",
		"require_payment":   "REQUIRE_PAYMENT",
		"runner_kind":       "RUNNER_KIND",
		"runner_base_url":   "RUNNER_BASE_URL",
		"runner_api_key":    "RUNNER_API_KEY",
		"nonce_store_path":  "NONCE_STORE_PATH",
		"nonce_store_url":   "NONCE_STORE_URL",
	}
	for key, env := range bindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	cfg := &Node{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal node config: %w", err)
	}
	return cfg, cfg.validate()
}

func (c *Node) validate() error {
	if c.PrivateKey == "" {
		return fmt.Errorf("required config missing: NODE_PRIVATE_KEY")
	}
	if c.NodeID == "" {
		return fmt.Errorf("required config missing: NODE_ID")
	}
	switch c.SandboxMode {
	case "", "disabled", "restricted":
	default:
		return fmt.Errorf("sandbox_mode must be disabled or restricted, got %q", c.SandboxMode)
	}
	if c.SandboxMode == "restricted" && len(c.SandboxAllowedRunners) > 0 {
		found := false
		for _, r := range c.SandboxAllowedRunners {
			if r == c.RunnerKind {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("runner_kind %q not in sandbox_allowed_runners", c.RunnerKind)
		}
	}
	return nil
}
