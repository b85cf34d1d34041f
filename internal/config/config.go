// Package config loads, validates, and watches the admission service
// configuration. Configuration is YAML with ${VAR} / ${VAR:-default}
// environment substitution, and reloads take effect immediately for the
// components that subscribe to the watcher.
package config

import (
	"fmt"
	"time"
)

// Config is the root configuration for the admission service.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
	Redis     RedisConfig     `yaml:"redis"`
	Auth      AuthConfig      `yaml:"auth"`
	RateLimit RateLimitConfig `yaml:"rateLimit"`
	Breaker   BreakerConfig   `yaml:"circuitBreaker"`
	Audit     AuditConfig     `yaml:"audit"`
}

// ServerConfig configures the HTTP and gRPC listeners.
type ServerConfig struct {
	HTTPAddress     string   `yaml:"httpAddress"`
	GRPCAddress     string   `yaml:"grpcAddress"`
	ReadTimeout     Duration `yaml:"readTimeout"`
	WriteTimeout    Duration `yaml:"writeTimeout"`
	ShutdownTimeout Duration `yaml:"shutdownTimeout"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// RedisConfig configures the shared counter and revocation store.
type RedisConfig struct {
	Address     string   `yaml:"address"`
	Password    string   `yaml:"password"`
	DB          int      `yaml:"db"`
	KeyPrefix   string   `yaml:"keyPrefix"`
	DialTimeout Duration `yaml:"dialTimeout"`
	OpTimeout   Duration `yaml:"opTimeout"`
	MaxRetries  int      `yaml:"maxRetries"`
}

// AuthConfig configures credential validation.
type AuthConfig struct {
	Token           TokenConfig  `yaml:"token"`
	APIKey          APIKeyConfig `yaml:"apiKey"`
	TrustedServices []string     `yaml:"trustedServices"`
}

// TokenConfig configures bearer-token validation.
type TokenConfig struct {
	Enabled       bool     `yaml:"enabled"`
	Issuer        string   `yaml:"issuer"`
	Audience      string   `yaml:"audience"`
	JWKSURL       string   `yaml:"jwksUrl"`
	PublicKeyFile string   `yaml:"publicKeyFile"`
	Algorithms    []string `yaml:"algorithms"`
	ClockSkew     Duration `yaml:"clockSkew"`
	Revocation    RevocationConfig `yaml:"revocation"`
}

// RevocationConfig configures the token revocation check. When the
// revocation store is unreachable the validator rejects the credential.
type RevocationConfig struct {
	Enabled   bool     `yaml:"enabled"`
	KeyPrefix string   `yaml:"keyPrefix"`
	Timeout   Duration `yaml:"timeout"`
}

// APIKeyConfig configures API-key validation.
type APIKeyConfig struct {
	Enabled    bool            `yaml:"enabled"`
	HashScheme string          `yaml:"hashScheme"`
	Keys       []APIKeyEntry   `yaml:"keys"`
	Vault      VaultConfig     `yaml:"vault"`
}

// APIKeyEntry is one statically configured API key (hash only, never the
// raw key).
type APIKeyEntry struct {
	ID           string    `yaml:"id"`
	Hash         string    `yaml:"hash"`
	Owner        string    `yaml:"owner"`
	Kind         string    `yaml:"kind"`
	Roles        []string  `yaml:"roles"`
	Permissions  []string  `yaml:"permissions"`
	ExpiresAt    time.Time `yaml:"expiresAt"`
	Disabled     bool      `yaml:"disabled"`
	RateOverride int       `yaml:"rateOverride"`
}

// VaultConfig configures the Vault-backed key store.
type VaultConfig struct {
	Enabled          bool     `yaml:"enabled"`
	Address          string   `yaml:"address"`
	Token            string   `yaml:"token"`
	MountPath        string   `yaml:"mountPath"`
	Timeout          Duration `yaml:"timeout"`
	FailureThreshold uint32   `yaml:"failureThreshold"`
	ResetTimeout     Duration `yaml:"resetTimeout"`
}

// RateLimitConfig configures the sliding-window limiter. Limit precedence
// is per-client override, then per-endpoint default, then global default.
type RateLimitConfig struct {
	Enabled   bool           `yaml:"enabled"`
	FailOpen  bool           `yaml:"failOpen"`
	Window    Duration       `yaml:"window"`
	Burst     int            `yaml:"burst"`
	Global    int            `yaml:"global"`
	Endpoints map[string]int `yaml:"endpoints"`
	Clients   map[string]int `yaml:"clients"`
}

// BreakerConfig configures circuit breakers.
type BreakerConfig struct {
	FailureThreshold int                          `yaml:"failureThreshold"`
	ResetTimeout     Duration                     `yaml:"resetTimeout"`
	Dependencies     map[string]BreakerOverride   `yaml:"dependencies"`
}

// BreakerOverride is a per-dependency breaker tuning override.
type BreakerOverride struct {
	FailureThreshold int      `yaml:"failureThreshold"`
	ResetTimeout     Duration `yaml:"resetTimeout"`
}

// AuditConfig configures the async audit logger.
type AuditConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Output    string `yaml:"output"`
	Format    string `yaml:"format"`
	QueueSize int    `yaml:"queueSize"`
}

// DefaultConfig returns the configuration defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPAddress:     ":8080",
			GRPCAddress:     ":9090",
			ReadTimeout:     Duration(10 * time.Second),
			WriteTimeout:    Duration(10 * time.Second),
			ShutdownTimeout: Duration(15 * time.Second),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Redis: RedisConfig{
			Address:     "localhost:6379",
			KeyPrefix:   "admission",
			DialTimeout: Duration(2 * time.Second),
			OpTimeout:   Duration(200 * time.Millisecond),
			MaxRetries:  3,
		},
		Auth: AuthConfig{
			Token: TokenConfig{
				Enabled:    true,
				Algorithms: []string{"RS256"},
				ClockSkew:  Duration(30 * time.Second),
				Revocation: RevocationConfig{
					Enabled:   true,
					KeyPrefix: "revoked",
					Timeout:   Duration(200 * time.Millisecond),
				},
			},
			APIKey: APIKeyConfig{
				Enabled:    true,
				HashScheme: "sha256",
				Vault: VaultConfig{
					MountPath:        "secret/data/api-keys",
					Timeout:          Duration(500 * time.Millisecond),
					FailureThreshold: 5,
					ResetTimeout:     Duration(30 * time.Second),
				},
			},
		},
		RateLimit: RateLimitConfig{
			Enabled: true,
			Window:  Duration(time.Minute),
			Burst:   0,
			Global:  100,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			ResetTimeout:     Duration(60 * time.Second),
		},
		Audit: AuditConfig{
			Enabled:   true,
			Output:    "stdout",
			Format:    "json",
			QueueSize: 1024,
		},
	}
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	if c.Server.HTTPAddress == "" {
		return fmt.Errorf("server.httpAddress is required")
	}

	if c.RateLimit.Enabled {
		if c.RateLimit.Window.Duration() <= 0 {
			return fmt.Errorf("rateLimit.window must be positive")
		}
		if c.RateLimit.Global <= 0 {
			return fmt.Errorf("rateLimit.global must be positive")
		}
		if c.RateLimit.Burst < 0 {
			return fmt.Errorf("rateLimit.burst must not be negative")
		}
		for endpoint, limit := range c.RateLimit.Endpoints {
			if limit <= 0 {
				return fmt.Errorf("rateLimit.endpoints[%s] must be positive", endpoint)
			}
		}
		for client, limit := range c.RateLimit.Clients {
			if limit <= 0 {
				return fmt.Errorf("rateLimit.clients[%s] must be positive", client)
			}
		}
	}

	if c.Breaker.FailureThreshold < 1 {
		return fmt.Errorf("circuitBreaker.failureThreshold must be at least 1")
	}
	if c.Breaker.ResetTimeout.Duration() <= 0 {
		return fmt.Errorf("circuitBreaker.resetTimeout must be positive")
	}

	if c.Auth.Token.Enabled {
		if c.Auth.Token.JWKSURL == "" && c.Auth.Token.PublicKeyFile == "" {
			return fmt.Errorf("auth.token requires jwksUrl or publicKeyFile")
		}
	}

	if c.Auth.APIKey.Enabled {
		switch c.Auth.APIKey.HashScheme {
		case "sha256", "bcrypt":
		default:
			return fmt.Errorf("auth.apiKey.hashScheme must be sha256 or bcrypt, got %q", c.Auth.APIKey.HashScheme)
		}
		if c.Auth.APIKey.Vault.Enabled && c.Auth.APIKey.Vault.Address == "" {
			return fmt.Errorf("auth.apiKey.vault.address is required when vault is enabled")
		}
	}

	if c.Audit.Enabled {
		switch c.Audit.Format {
		case "json", "text":
		default:
			return fmt.Errorf("audit.format must be json or text, got %q", c.Audit.Format)
		}
		if c.Audit.QueueSize < 1 {
			return fmt.Errorf("audit.queueSize must be at least 1")
		}
	}

	return nil
}

// BreakerFor returns the effective breaker settings for a dependency,
// applying any per-dependency override on top of the defaults.
func (c *BreakerConfig) BreakerFor(dependency string) (threshold int, reset time.Duration) {
	threshold = c.FailureThreshold
	reset = c.ResetTimeout.Duration()
	if o, ok := c.Dependencies[dependency]; ok {
		if o.FailureThreshold > 0 {
			threshold = o.FailureThreshold
		}
		if o.ResetTimeout.Duration() > 0 {
			reset = o.ResetTimeout.Duration()
		}
	}
	return threshold, reset
}
