package config

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Store: StoreConfig{
			DataDir: "~/.telclaude/data",
			DBFile:  "kernel.db",
		},
		Scopes: map[string]Scope{
			"telegram": {Mode: "hmac"},
			"social":   {Mode: "hmac"},
			"moltbook": {Mode: "hmac"},
			"agent":    {Mode: "hmac"},
			"relay":    {Mode: "ed25519"},
		},
		Tiers: TiersConfig{
			Default:    "READ_ONLY",
			SocialTier: "SOCIAL",
		},
		RateLimit: RateLimitConfig{
			PerMinuteBurst: 20,
			PerMinuteRate:  0.33,
			PerHourQuota:   300,
			PerDayQuota:    2000,
		},
		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold: 5,
			ResetTimeout:     "30s",
			SuccessThreshold: 2,
		},
		Redact: RedactConfig{
			Enabled:         true,
			TailBufferBytes: 100,
			DetectEntropy:   true,
			InfraPatterns: []string{
				"telegram_bot_token",
				"anthropic_api_key",
				"openai_api_key",
				"aws_access_key",
				"pem_private_key",
				"generic_provider_key",
			},
		},
		Approval: ApprovalConfig{
			NonceTTL: "5m",
		},
		TOTP: TOTPConfig{
			DialTimeout:  "2s",
			ChallengeTTL: "2m",
			FailClosed:   true,
		},
		ToolGuard: ToolGuardConfig{
			MaxOutputBytes: 1 << 20,
		},
		Sessions: SessionsConfig{
			Storage: "~/.telclaude/data",
			IdleTTL: "24h",
		},
		Broker: BrokerConfig{
			Host:                  "0.0.0.0",
			Port:                  18790,
			MaxMessageBytes:       32000,
			FetchTimeoutSec:       10,
			FetchMaxBytes:         5 << 20,
			BodyLimitBytes:        256 << 10,
			MaxConcurrent:         4,
			MaxPromptChars:        8000,
			MaxTTSChars:           4000,
			MaxPathChars:          4096,
			ProviderProxyMaxBytes: 20 << 20,
		},
		Scheduler: SchedulerConfig{
			PollInterval:  "5s",
			LeaseDuration: "60s",
			SoftDeadline:  "5m",
			HardDeadline:  "10m",
		},
		Channels: ChannelsConfig{
			Telegram: TelegramConfig{
				DMPolicy:    "pairing",
				GroupPolicy: "open",
			},
			Discord: DiscordConfig{
				DMPolicy:    "open",
				GroupPolicy: "open",
			},
		},
		Telemetry: TelemetryConfig{
			ServiceName: "telclaude-kernel",
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config. Env vars take
// precedence over file values, and are the only place secrets are read from.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	envStr("TELCLAUDE_DATA_DIR", &c.Store.DataDir)
	envStr("TELCLAUDE_DB_FILE", &c.Store.DBFile)

	// Internal auth secrets/keys, one env var per scope.
	for name, scope := range c.Scopes {
		upper := strings.ToUpper(name)
		if v := os.Getenv("TELCLAUDE_SCOPE_" + upper + "_SECRET"); v != "" {
			scope.Secret = v
		}
		if v := os.Getenv("TELCLAUDE_SCOPE_" + upper + "_PRIVATE_KEY"); v != "" {
			scope.PrivateKey = v
		}
		if v := os.Getenv("TELCLAUDE_SCOPE_" + upper + "_PUBLIC_KEY"); v != "" {
			scope.PublicKey = v
		}
		c.Scopes[name] = scope
	}

	envStr("TELCLAUDE_TELEGRAM_TOKEN", &c.Channels.Telegram.Token)
	envStr("TELCLAUDE_DISCORD_TOKEN", &c.Channels.Discord.Token)
	if c.Channels.Telegram.Token != "" {
		c.Channels.Telegram.Enabled = true
	}
	if c.Channels.Discord.Token != "" {
		c.Channels.Discord.Enabled = true
	}

	envStr("TELCLAUDE_BROKER_HOST", &c.Broker.Host)
	if v := os.Getenv("TELCLAUDE_BROKER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Broker.Port = port
		}
	}
	envStr("TELCLAUDE_BROKER_TOKEN", &c.Broker.Token)
	if v := os.Getenv("TELCLAUDE_OWNER_IDS"); v != "" {
		c.Broker.OwnerIDs = strings.Split(v, ",")
	}

	envStr("TELCLAUDE_TOTP_DAEMON_SOCKET", &c.TOTP.DaemonSocket)
	if v := os.Getenv("TELCLAUDE_TOTP_FAIL_CLOSED"); v != "" {
		c.TOTP.FailClosed = v == "true" || v == "1"
	}

	envStr("TELCLAUDE_SESSIONS_STORAGE", &c.Sessions.Storage)

	if v := os.Getenv("TELCLAUDE_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}
	envStr("TELCLAUDE_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
}

// Save writes the config to a JSON file.
func Save(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// Hash returns a SHA-256 hash of the config for optimistic concurrency.
func (c *Config) Hash() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, _ := json.Marshal(c)
	h := sha256.Sum256(data)
	return fmt.Sprintf("%x", h[:8])
}

// DataDirPath returns the expanded data directory path.
func (c *Config) DataDirPath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ExpandHome(c.Store.DataDir)
}

// DBPath returns the expanded full path to the sqlite database file.
func (c *Config) DBPath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	dbFile := c.Store.DBFile
	if dbFile == "" {
		dbFile = "kernel.db"
	}
	return filepath.Join(ExpandHome(c.Store.DataDir), dbFile)
}

// ApplyEnvOverrides re-applies environment variable overrides onto the config.
// Call this after modifying config to restore runtime secrets from env vars.
func (c *Config) ApplyEnvOverrides() {
	c.applyEnvOverrides()
}

// ExpandHome replaces leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
