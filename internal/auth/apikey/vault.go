package apikey

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	vaultapi "github.com/hashicorp/vault/api"
	"github.com/sony/gobreaker"

	"github.com/voxwire/admission/internal/observability"
)

// VaultStore resolves API keys from a Vault KV v2 mount. Each key lives at
// <mountPath>/<sha256(raw)> so the raw key never reaches Vault either.
// Remote reads go through a gobreaker circuit so a Vault outage degrades
// into fast rejections instead of piled-up timeouts.
type VaultStore struct {
	client    *vaultapi.Client
	mountPath string
	timeout   time.Duration
	breaker   *gobreaker.CircuitBreaker
	logger    observability.Logger
}

var _ Store = (*VaultStore)(nil)

// VaultStoreConfig configures a VaultStore.
type VaultStoreConfig struct {
	Address   string
	Token     string
	MountPath string
	Timeout   time.Duration

	// Breaker settings for the Vault client.
	FailureThreshold uint32
	ResetTimeout     time.Duration

	Logger observability.Logger
}

// NewVaultStore creates a Vault-backed key store.
func NewVaultStore(cfg VaultStoreConfig) (*VaultStore, error) {
	vaultCfg := vaultapi.DefaultConfig()
	vaultCfg.Address = cfg.Address

	client, err := vaultapi.NewClient(vaultCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	if cfg.Token != "" {
		client.SetToken(cfg.Token)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = observability.NopLogger()
	}

	threshold := cfg.FailureThreshold
	if threshold == 0 {
		threshold = 5
	}
	reset := cfg.ResetTimeout
	if reset <= 0 {
		reset = 30 * time.Second
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 500 * time.Millisecond
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "vault-apikeys",
		Timeout: reset,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("vault key store breaker state changed",
				observability.String("breaker", name),
				observability.String("from", from.String()),
				observability.String("to", to.String()),
			)
		},
	})

	return &VaultStore{
		client:    client,
		mountPath: cfg.MountPath,
		timeout:   timeout,
		breaker:   breaker,
		logger:    logger,
	}, nil
}

// Lookup implements Store.
func (s *VaultStore) Lookup(ctx context.Context, rawKey string) (*Key, error) {
	path := s.mountPath + "/" + HashSHA256(rawKey)

	result, err := s.breaker.Execute(func() (interface{}, error) {
		readCtx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()
		return s.client.Logical().ReadWithContext(readCtx, path)
	})
	if err != nil {
		return nil, fmt.Errorf("vault key lookup: %w", err)
	}

	secret, _ := result.(*vaultapi.Secret)
	if secret == nil || secret.Data == nil {
		return nil, ErrKeyNotFound
	}

	// KV v2 nests the payload under "data".
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		data = secret.Data
	}

	return keyFromVaultData(data)
}

func keyFromVaultData(data map[string]interface{}) (*Key, error) {
	key := &Key{
		ID:          stringField(data, "id"),
		Hash:        stringField(data, "hash"),
		Owner:       stringField(data, "owner"),
		Kind:        stringField(data, "kind"),
		Roles:       stringsField(data, "roles"),
		Permissions: stringsField(data, "permissions"),
		Disabled:    boolField(data, "disabled"),
	}

	if key.ID == "" || key.Hash == "" {
		return nil, fmt.Errorf("vault key record missing id or hash")
	}

	if raw := stringField(data, "expires_at"); raw != "" {
		expires, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return nil, fmt.Errorf("vault key record has invalid expires_at: %w", err)
		}
		key.ExpiresAt = expires
	}

	switch n := data["rate_override"].(type) {
	case json.Number:
		if v, err := n.Int64(); err == nil && v > 0 {
			key.RateOverride = int(v)
		}
	case float64:
		if n > 0 {
			key.RateOverride = int(n)
		}
	}

	return key, nil
}

func stringField(data map[string]interface{}, name string) string {
	if v, ok := data[name].(string); ok {
		return v
	}
	return ""
}

func stringsField(data map[string]interface{}, name string) []string {
	raw, ok := data[name].([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func boolField(data map[string]interface{}, name string) bool {
	if v, ok := data[name].(bool); ok {
		return v
	}
	return false
}
