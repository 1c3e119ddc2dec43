package router

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/jexi-app/llm-router/internal/gateway/keypool"
	"github.com/jexi-app/llm-router/internal/shared/crypto"
	"go.uber.org/zap"
)

// ErrNoEncryptionKey is returned when shared keys arrive but no key was configured
var ErrNoEncryptionKey = errors.New("encryption key not configured")

// AddSharedKey decrypts a user-contributed key and adds it to the pool.
// It reports whether the pool gained a new key.
func (r *Router) AddSharedKey(provider, encrypted string, meta keypool.SharedMeta) (bool, error) {
	if len(r.encryptionKey) == 0 {
		return false, ErrNoEncryptionKey
	}

	value, err := crypto.Decrypt(r.encryptionKey, encrypted)
	if err != nil {
		return false, fmt.Errorf("failed to decrypt shared key for %s: %w", provider, err)
	}

	return r.pool.AddSharedKey(provider, value, meta), nil
}

// LoadSharedKeys adds every active persisted key to the pool. Keys that fail
// to decrypt are logged and skipped. It returns how many keys were added.
func (r *Router) LoadSharedKeys(ctx context.Context, source SharedKeySource) (int, error) {
	keys, err := source.ListSharedKeys(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list shared keys: %w", err)
	}

	added := 0
	for _, k := range keys {
		if !k.IsActive {
			continue
		}
		ok, err := r.AddSharedKey(k.Provider, k.EncryptedKey, keypool.SharedMeta{
			ExternalID:  strconv.FormatInt(k.ID, 10),
			Exhausted:   k.IsExhausted,
			LastUsedAt:  k.LastUsedAt,
			ExhaustedAt: k.ExhaustedAt,
		})
		if err != nil {
			if errors.Is(err, ErrNoEncryptionKey) {
				return added, err
			}
			r.logger.Warn("skipping shared key", zap.String("key", k.Name()), zap.Error(err))
			continue
		}
		if ok {
			added++
		}
	}

	r.logger.Info("shared keys loaded", zap.Int("added", added), zap.Int("total", len(keys)))
	return added, nil
}
