package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"

	"github.com/amoylab/keyrelay/internal/common/cnst"
)

// Store is the persistent key/value contract. Values are opaque bytes,
// usually JSON documents. Get returns cnst.ErrNotFound for missing keys.
type Store interface {
	// Get loads the value stored under key
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value under key, replacing any previous value
	Set(ctx context.Context, key string, value []byte) error

	// Remove deletes the given keys; missing keys are ignored
	Remove(ctx context.Context, keys ...string) error

	// Keys lists every stored key
	Keys(ctx context.Context) ([]string, error)

	// Close releases the backend
	Close() error
}

// GetJSON decodes the value under key into v. found is false when the key is
// absent, in which case v is untouched.
func GetJSON(ctx context.Context, s Store, key string, v any) (found bool, err error) {
	data, err := s.Get(ctx, key)
	if errors.Is(err, cnst.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return true, err
	}
	return true, nil
}

// SetJSON encodes v and stores it under key
func SetJSON(ctx context.Context, s Store, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.Set(ctx, key, data)
}

// hashKey maps arbitrary keys (correlation keys are long XML fragments) to a
// fixed-size identifier usable as a file name or primary key.
func hashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}
