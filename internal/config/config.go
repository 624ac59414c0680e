package config

import (
	"encoding/json"
	"fmt"
	"sync"
)

// FlexibleStringSlice accepts both ["str"] and [123] in JSON.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

// Config is the root configuration for the telclaude kernel.
type Config struct {
	Store         StoreConfig         `json:"store"`
	Scopes        map[string]Scope    `json:"scopes"`
	Tiers         TiersConfig         `json:"tiers"`
	RateLimit     RateLimitConfig     `json:"rate_limit"`
	CircuitBreaker CircuitBreakerConfig `json:"circuit_breaker"`
	Redact        RedactConfig        `json:"redact"`
	Approval      ApprovalConfig      `json:"approval"`
	TOTP          TOTPConfig          `json:"totp"`
	ToolGuard     ToolGuardConfig     `json:"tool_guard"`
	Sessions      SessionsConfig      `json:"sessions"`
	Broker        BrokerConfig        `json:"broker"`
	Scheduler     SchedulerConfig     `json:"scheduler"`
	Channels      ChannelsConfig      `json:"channels"`
	Telemetry     TelemetryConfig     `json:"telemetry,omitempty"`
	mu            sync.RWMutex
}

// StoreConfig configures the embedded persistent store (§4.A).
type StoreConfig struct {
	DataDir string `json:"data_dir"` // directory holding the sqlite database file
	DBFile  string `json:"db_file,omitempty"` // default "kernel.db"
}

// Scope is one side of an internal-RPC trust relationship (§4.B).
// Mode "hmac" is symmetric (both peers share Secret); mode "ed25519" is
// asymmetric one-way trust (the verifier holds PublicKey only).
type Scope struct {
	Mode      string `json:"mode"`                 // "hmac" or "ed25519"
	Secret    string `json:"-"`                    // HMAC shared secret, env-only
	PublicKey string `json:"public_key,omitempty"` // Ed25519 public key, hex-encoded
	PrivateKey string `json:"-"`                   // Ed25519 private key, env-only, signer side only
}

// TiersConfig maps actors/sessions to permission tiers (§4.F).
type TiersConfig struct {
	Default     string            `json:"default,omitempty"` // default tier when nothing else matches (default READ_ONLY)
	PerScope    map[string]string `json:"per_scope,omitempty"`
	PerActor    map[string]string `json:"per_actor,omitempty"` // user/actor ID -> tier override
	SocialTier  string            `json:"social_tier,omitempty"` // tier name for the parallel SOCIAL tier (default "SOCIAL")
}

// RateLimitConfig configures the token-bucket + windowed rate limiter (§4.C).
type RateLimitConfig struct {
	PerMinuteBurst int `json:"per_minute_burst,omitempty"` // token bucket burst size (default 20)
	PerMinuteRate  float64 `json:"per_minute_rate,omitempty"` // tokens/sec refill rate (default 0.33 ~= 20/min)
	PerHourQuota   int `json:"per_hour_quota,omitempty"`   // hard cap per actor per rolling hour (default 300)
	PerDayQuota    int `json:"per_day_quota,omitempty"`    // hard cap per actor per rolling day (default 2000)
}

// CircuitBreakerConfig configures the per-dependency circuit breaker (§4.D).
type CircuitBreakerConfig struct {
	FailureThreshold int    `json:"failure_threshold,omitempty"` // consecutive failures before opening (default 5)
	ResetTimeout     string `json:"reset_timeout,omitempty"`     // duration before half-open probe (default "30s")
	SuccessThreshold int    `json:"success_threshold,omitempty"` // consecutive half-open successes to close (default 2)
}

// RedactConfig configures the streaming secret redactor (§4.E).
type RedactConfig struct {
	Enabled         bool     `json:"enabled"`
	TailBufferBytes int      `json:"tail_buffer_bytes,omitempty"` // carry-over buffer for boundary-spanning matches (default 100)
	DetectEntropy   bool     `json:"detect_entropy,omitempty"`    // also flag high-entropy substrings with no named pattern match
	InfraPatterns   []string `json:"infra_patterns,omitempty"`    // pattern names treated as non-overridable infra secrets (§5)
}

// ApprovalConfig configures the one-shot approval nonce store (§4.G).
type ApprovalConfig struct {
	NonceTTL string `json:"nonce_ttl,omitempty"` // default "5m"
}

// TOTPConfig configures the TOTP re-authentication gate (§4.H).
type TOTPConfig struct {
	DaemonSocket    string `json:"daemon_socket,omitempty"`    // unix socket path to the TOTP daemon
	DialTimeout     string `json:"dial_timeout,omitempty"`     // default "2s"
	ChallengeTTL    string `json:"challenge_ttl,omitempty"`    // default "2m"
	FailClosed      bool   `json:"fail_closed"`                // deny (not allow) when the daemon is unreachable and an identity link exists
}

// ToolGuardConfig configures the PreToolUse pipeline (§4.I).
type ToolGuardConfig struct {
	SensitivePaths   []string            `json:"sensitive_paths,omitempty"`   // globs always blocked regardless of tier
	ScopeSandboxRoot map[string]string   `json:"scope_sandbox_root,omitempty"` // scope -> filesystem root the scope is confined to
	ScopeAllowTools  map[string][]string `json:"scope_allow_tools,omitempty"` // scope -> allowed tool names
	SkillAllowlist   []string            `json:"skill_allowlist,omitempty"`
	TierCommands     map[string][]string `json:"tier_commands,omitempty"` // tier -> allowed shell command prefixes
	MaxOutputBytes   int                 `json:"max_output_bytes,omitempty"` // default 1MB
}

// SessionsConfig controls session pool behavior (§4.J).
type SessionsConfig struct {
	Storage  string `json:"storage"`            // directory backing the embedded store (legacy alias of Store.DataDir)
	IdleTTL  string `json:"idle_ttl,omitempty"` // session eviction after inactivity (default "24h")
}

// BrokerConfig controls the capability broker's HTTP/WS surface (§4.K).
type BrokerConfig struct {
	Host              string   `json:"host"`
	Port              int      `json:"port"`
	Token             string   `json:"token,omitempty"` // bearer token for the operator event stream, env-only in practice
	OwnerIDs          []string `json:"owner_ids,omitempty"`
	AllowedOrigins    []string `json:"allowed_origins,omitempty"`
	MaxMessageBytes   int      `json:"max_message_bytes,omitempty"` // default 32000
	FetchTimeoutSec   int      `json:"fetch_timeout_sec,omitempty"` // outbound fetch-guard timeout (default 10)
	FetchMaxBytes     int64    `json:"fetch_max_bytes,omitempty"`   // outbound fetch-guard body cap (default 5MB)

	BodyLimitBytes        int64    `json:"body_limit_bytes,omitempty"`         // per-request JSON body cap (default 256 KiB)
	MaxConcurrent         int      `json:"max_concurrent,omitempty"`           // global in-flight request cap (default 4)
	MaxPromptChars        int      `json:"max_prompt_chars,omitempty"`         // image-generate prompt cap (default 8000)
	MaxTTSChars           int      `json:"max_tts_chars,omitempty"`            // tts-speak text cap (default 4000)
	MaxPathChars          int      `json:"max_path_chars,omitempty"`           // media path argument cap (default 4096)
	MediaRoots            []string `json:"media_roots,omitempty"`              // allowed roots for path-accepting endpoints
	ProviderProxyMaxBytes int64    `json:"provider_proxy_max_bytes,omitempty"` // OAuth-provider proxy streamed-body cap (default 20 MiB)
	KnownProviders        []string `json:"known_providers,omitempty"`          // provider ids the proxy endpoint will forward to
	FetchAllowPrivate     bool     `json:"fetch_allow_private,omitempty"`      // trust intranet/localhost capability providers, disables SSRF blocking
}

// SchedulerConfig controls the cron/one-shot job runner (§4.L).
type SchedulerConfig struct {
	PollInterval    string `json:"poll_interval,omitempty"`     // default "5s"
	LeaseDuration   string `json:"lease_duration,omitempty"`    // default "60s"
	SoftDeadline    string `json:"soft_deadline,omitempty"`     // default "5m"
	HardDeadline    string `json:"hard_deadline,omitempty"`     // default "10m"
}

// TelemetryConfig configures the correlation-ID span wrapper used by the
// Mediator's audit log. No exporter is configured — spans exist only to mint
// stable trace/span IDs for audit correlation (§4.M, §7).
type TelemetryConfig struct {
	Enabled     bool   `json:"enabled,omitempty"`
	ServiceName string `json:"service_name,omitempty"` // default "telclaude-kernel"
}

// ReplaceFrom copies all data fields from src into c, preserving c's mutex.
func (c *Config) ReplaceFrom(src *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Store = src.Store
	c.Scopes = src.Scopes
	c.Tiers = src.Tiers
	c.RateLimit = src.RateLimit
	c.CircuitBreaker = src.CircuitBreaker
	c.Redact = src.Redact
	c.Approval = src.Approval
	c.TOTP = src.TOTP
	c.ToolGuard = src.ToolGuard
	c.Sessions = src.Sessions
	c.Broker = src.Broker
	c.Scheduler = src.Scheduler
	c.Channels = src.Channels
	c.Telemetry = src.Telemetry
}

// Lock/RLock accessors used by callers that need a consistent read across
// several fields while a concurrent reload is in flight.
func (c *Config) RLock()   { c.mu.RLock() }
func (c *Config) RUnlock() { c.mu.RUnlock() }
