// Package apikey validates API keys. Keys are stored hashed; lookups
// resolve the presented raw key to a stored record, and verification is
// constant time.
package apikey

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// Hash schemes.
const (
	SchemeSHA256 = "sha256"
	SchemeBcrypt = "bcrypt"
)

// ErrKeyNotFound indicates no stored key matches the presented one.
var ErrKeyNotFound = errors.New("api key not found")

// Key is a stored API key record. The raw key is never stored.
type Key struct {
	// ID is the key's unique id, used for audit and revocation.
	ID string

	// Hash is the key hash under the store's scheme.
	Hash string

	// Owner is the principal id the key authenticates as.
	Owner string

	// Kind is "user" or "service".
	Kind string

	Roles       []string
	Permissions []string

	// ExpiresAt is when the key expires. Zero means no expiry.
	ExpiresAt time.Time

	// Disabled keys fail validation regardless of hash match.
	Disabled bool

	// RateOverride, when positive, is a per-key rate limit.
	RateOverride int
}

// Store resolves a presented raw key to its stored record.
type Store interface {
	Lookup(ctx context.Context, rawKey string) (*Key, error)
}

// HashSHA256 returns the hex sha256 of a raw key.
func HashSHA256(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// HashBcrypt hashes a raw key with bcrypt at the default cost.
func HashBcrypt(raw string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(raw), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func bcryptMatches(hash, raw string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(raw)) == nil
}

// MemoryStore holds keys loaded from configuration.
type MemoryStore struct {
	scheme string
	byHash map[string]*Key
	keys   []*Key
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a store over the given records. With sha256 the
// lookup is an index hit; with bcrypt each lookup scans and compares.
func NewMemoryStore(scheme string, keys []*Key) *MemoryStore {
	s := &MemoryStore{
		scheme: scheme,
		byHash: make(map[string]*Key, len(keys)),
		keys:   keys,
	}
	if scheme == SchemeSHA256 {
		for _, k := range keys {
			s.byHash[k.Hash] = k
		}
	}
	return s
}

// Lookup implements Store.
func (s *MemoryStore) Lookup(ctx context.Context, rawKey string) (*Key, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	switch s.scheme {
	case SchemeBcrypt:
		for _, k := range s.keys {
			if bcrypt.CompareHashAndPassword([]byte(k.Hash), []byte(rawKey)) == nil {
				return k, nil
			}
		}
		return nil, ErrKeyNotFound

	default:
		if k, ok := s.byHash[HashSHA256(rawKey)]; ok {
			return k, nil
		}
		return nil, ErrKeyNotFound
	}
}
