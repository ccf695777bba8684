// Package config loads the JSON configuration for the Armed Automation and
// Turbo Execution Subsystem: one nested struct per component, matching the
// enumerated-config-struct design note in spec §9, defaulted the same way
// the teacher's flat Config was (if cfg.X.Y == 0 { cfg.X.Y = default }) and
// then overridden from the environment variables spec §6 names.
//
// Grounded on the teacher's config/config.go: encoding/json load, post-
// unmarshal defaulting, and strconv-based env overrides for operational
// secrets (there: ShyftAPIKey; here: ENCRYPTION_SECRET and friends).
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config is the root configuration document. Component sub-configs are kept
// as their own local structs (rather than aliases of the internal package
// types) so this package stays decoupled from every component package;
// cmd/armctl converts each into its component's Config at wiring time.
type Config struct {
	HTTPAddr     string `json:"http_addr"`
	DBPath       string `json:"db_path"`
	ServerSecret string `json:"server_secret"`
	Debug        bool   `json:"debug"`

	RPCEndpoints       []string `json:"rpc_endpoints"`
	JitoBlockEngineURL string   `json:"jito_block_engine_url"`
	JitoRPCURL         string   `json:"jito_rpc_url"`

	Envelope     EnvelopeConfig     `json:"envelope"`
	Session      SessionConfig      `json:"session"`
	Idempotency  IdempotencyConfig  `json:"idempotency"`
	QuoteCache   QuoteCacheConfig   `json:"quote_cache"`
	Sizing       SizingConfig       `json:"sizing"`
	Probe        ProbeConfig        `json:"probe"`
	LeaderTiming LeaderTimingConfig `json:"leader_timing"`
	Retry        RetryPolicyConfig  `json:"retry_policy"`
	Quorum       QuorumConfig       `json:"quorum"`
	AutoReturn   AutoReturnConfig   `json:"auto_return"`
	Watcher      WatcherConfig      `json:"watcher"`
	TpSl         TpSlConfig         `json:"tp_sl"`
	Redis        RedisConfig        `json:"redis"`

	EncryptionSecret string  `json:"encryption_secret"`
	KillSwitch       bool    `json:"kill_switch"`
	SolPriceUSD      float64 `json:"sol_price_usd"`

	// TelegramBotToken is optional: armctl only constructs the post-trade
	// alert sender when it is set, leaving alerting disabled by default.
	TelegramBotToken string `json:"telegram_bot_token"`
	// TelegramChatIDs maps a userID to the Telegram chat that should receive
	// its trade-opened/exit-fired alerts. Users absent from this map are
	// simply never alerted.
	TelegramChatIDs map[string]int64 `json:"telegram_chat_ids"`
}

type EnvelopeConfig struct {
	Argon2TimeCost    uint32 `json:"argon2_time_cost"`
	Argon2MemoryKiB   uint32 `json:"argon2_memory_kib"`
	Argon2Parallelism uint8  `json:"argon2_parallelism"`
}

type SessionConfig struct {
	SweepIntervalMs int `json:"sweep_interval_ms"`
	MinTTLMs        int `json:"min_ttl_ms"`
}

type IdempotencyConfig struct {
	TTLSec       int    `json:"ttl_sec"`
	Salt         string `json:"salt"`
	ResumePath   string `json:"resume_path"`
	SlotBucketMs int64  `json:"slot_bucket_ms"`
}

type QuoteCacheConfig struct {
	CapacityEntries int `json:"capacity_entries"`
	TTLMs           int `json:"ttl_ms"`
}

type SizingConfig struct {
	MaxImpactPct float64 `json:"max_impact_pct"`
	MaxPoolPct   float64 `json:"max_pool_pct"`
	MinUSD       float64 `json:"min_usd"`
}

type ProbeConfig struct {
	Enabled       bool    `json:"enabled"`
	ScaleFactor   int     `json:"scale_factor"`
	AbortOnImpact float64 `json:"abort_on_impact_pct"`
	DelayMs       int     `json:"delay_ms"`
}

type LeaderTimingConfig struct {
	Enabled     bool `json:"enabled"`
	PreflightMs int  `json:"preflight_ms"`
	WindowSlots int  `json:"window_slots"`
	MaxHoldMs   int  `json:"max_hold_ms"`

	// ValidatorPubkey and WSURL, when both set, let armctl start a real
	// leader.WSSlotSource instead of leaving leader-timing holds permanently
	// disabled. ValidatorPubkey is the target leader to schedule around
	// (typically a private relay's own validator); WSURL is a websocket RPC
	// endpoint supporting slotSubscribe.
	ValidatorPubkey string `json:"validator_pubkey"`
	WSURL           string `json:"ws_url"`
}

type RetryPolicyConfig struct {
	Max                   int  `json:"max"`
	BaseBackoffMs         int  `json:"base_backoff_ms"`
	MaxBackoffMs          int  `json:"max_backoff_ms"`
	RouteToggleAllowed    bool `json:"route_toggle_allowed"`
	RPCEndpointsAvailable bool `json:"rpc_endpoints_available"`
}

type QuorumConfig struct {
	Size           int `json:"size"`
	Require        int `json:"require"`
	MaxFanout      int `json:"max_fanout"`
	StaggerMs      int `json:"stagger_ms"`
	TimeoutMs      int `json:"timeout_ms"`
	BlockhashTTLMs int `json:"blockhash_ttl_ms"`

	// RateLimitPerSec throttles sends/refreshes per RPC endpoint; 0 means
	// unthrottled. Most public RPC providers ban a connection that exceeds
	// its plan's requests-per-second.
	RateLimitPerSec float64 `json:"rate_limit_per_sec"`
	RateLimitBurst  int     `json:"rate_limit_burst"`
}

type AutoReturnConfig struct {
	EnabledDefault     bool     `json:"enabled_default"`
	DestPubkey         string   `json:"dest_pubkey"`
	GraceSeconds       int      `json:"grace_seconds"`
	SweepTokens        bool     `json:"sweep_tokens"`
	SolMinKeepLamports int64    `json:"sol_min_keep_lamports"`
	FeeBufferLamports  int64    `json:"fee_buffer_lamports"`
	ExcludeMints       []string `json:"exclude_mints"`
	USDCMints          []string `json:"usdc_mints"`
}

type WatcherConfig struct {
	IntervalSec    int `json:"interval_sec"`
	RugDelayBlocks int `json:"rug_delay_blocks"`
}

// TpSlConfig is the default TP/SL percentage seeded onto a freshly opened
// position's rule row (spec §4.12 step 10); per-position overrides still
// come from the TpSlRule row itself once created.
type TpSlConfig struct {
	Enabled   bool    `json:"enabled"`
	TPPercent float64 `json:"tp_percent"`
	SLPercent float64 `json:"sl_percent"`
}

// RedisConfig backs the idempotency store's optional distributed gate: a
// single process's in-memory map (spec §4.4) only de-duplicates within one
// process, so a multi-instance deployment needs a shared SETNX-style check
// in front of it. Addr == "" disables it and the store stays single-process.
type RedisConfig struct {
	Addr string `json:"addr"`
	DB   int    `json:"db"`
}

// Load reads path, rejects unknown fields the way spec §9 calls for, applies
// defaults for every zero-valued component field, then layers environment
// overrides on top, matching the teacher's load-then-env-override order.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	dec := json.NewDecoder(strings.NewReader(string(data)))
	dec.DisallowUnknownFields()

	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = ":8080"
	}
	if cfg.DBPath == "" {
		cfg.DBPath = "armed.db"
	}
	if cfg.Idempotency.TTLSec == 0 {
		cfg.Idempotency.TTLSec = 75
	}
	if cfg.Idempotency.Salt == "" {
		cfg.Idempotency.Salt = "armed-turbo-default-salt"
	}
	if cfg.Idempotency.ResumePath == "" {
		cfg.Idempotency.ResumePath = "idempotency_resume.json"
	}
	if cfg.Idempotency.SlotBucketMs == 0 {
		cfg.Idempotency.SlotBucketMs = 2000
	}
	if cfg.Session.SweepIntervalMs == 0 {
		cfg.Session.SweepIntervalMs = 5000
	}
	if cfg.Session.MinTTLMs == 0 {
		cfg.Session.MinTTLMs = 60_000
	}
	if cfg.QuoteCache.CapacityEntries == 0 {
		cfg.QuoteCache.CapacityEntries = 512
	}
	if cfg.QuoteCache.TTLMs == 0 {
		cfg.QuoteCache.TTLMs = 600
	}
	if cfg.Retry.Max == 0 {
		cfg.Retry.Max = 3
	}
	if cfg.Retry.BaseBackoffMs == 0 {
		cfg.Retry.BaseBackoffMs = 250
	}
	if cfg.Retry.MaxBackoffMs == 0 {
		cfg.Retry.MaxBackoffMs = 4000
	}
	if cfg.Watcher.IntervalSec == 0 {
		cfg.Watcher.IntervalSec = 1
	}
	if cfg.Quorum.Size == 0 {
		cfg.Quorum.Size = 3
	}
	if cfg.Quorum.Require == 0 {
		cfg.Quorum.Require = 2
	}
	if cfg.Quorum.MaxFanout == 0 {
		cfg.Quorum.MaxFanout = len(cfg.RPCEndpoints)
	}
	if cfg.Quorum.StaggerMs == 0 {
		cfg.Quorum.StaggerMs = 15
	}
	if cfg.Quorum.TimeoutMs == 0 {
		cfg.Quorum.TimeoutMs = 2000
	}
	if cfg.Quorum.BlockhashTTLMs == 0 {
		cfg.Quorum.BlockhashTTLMs = 1500
	}
	if cfg.LeaderTiming.MaxHoldMs == 0 {
		cfg.LeaderTiming.MaxHoldMs = 400
	}
	if cfg.SolPriceUSD == 0 {
		cfg.SolPriceUSD = 150
	}
}

// applyEnvOverrides mirrors the teacher's pattern of reading operational
// secrets/flags from the environment after JSON load (there: ShyftAPIKey-
// style fields); here it covers the env vars named in spec §6.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("IDEMPOTENCY_TTL_SEC"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Idempotency.TTLSec = n
		}
	}
	if v := os.Getenv("IDEMPOTENCY_SALT"); v != "" {
		cfg.Idempotency.Salt = v
	}
	if v := os.Getenv("RPC_POOL_ENDPOINTS"); v != "" {
		cfg.RPCEndpoints = splitCSV(v)
	}
	if v := os.Getenv("RPC_POOL_QUORUM"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Quorum.Require = n
		}
	}
	if v := os.Getenv("RPC_POOL_MAX_FANOUT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Quorum.MaxFanout = n
		}
	}
	if v := os.Getenv("RPC_POOL_STAGGER_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Quorum.StaggerMs = n
		}
	}
	if v := os.Getenv("RPC_POOL_TIMEOUT_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Quorum.TimeoutMs = n
		}
	}
	if os.Getenv("KILL_SWITCH") == "1" {
		cfg.KillSwitch = true
	}
	if v := os.Getenv("ENCRYPTION_SECRET"); v != "" {
		cfg.EncryptionSecret = v
		cfg.ServerSecret = v
	}
	if v := os.Getenv("SOL_PRICE_USD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.SolPriceUSD = f
		}
	}
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
