package vault

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
)

const keySize = 32

// KeySet is the key material supplied by a KeySource.
type KeySet struct {
	ActiveID string
	Keys     map[string]string
}

// KeySource supplies key material on first use of a Vault.
type KeySource interface {
	LoadKeys(ctx context.Context) (KeySet, error)
}

// KeySourceFunc adapts a function to KeySource.
type KeySourceFunc func(ctx context.Context) (KeySet, error)

func (f KeySourceFunc) LoadKeys(ctx context.Context) (KeySet, error) { return f(ctx) }

// StaticKeys returns a KeySource serving one active key plus any previously
// active keys that must stay available for decryption.
func StaticKeys(activeID, key string, previous map[string]string) KeySource {
	return KeySourceFunc(func(context.Context) (KeySet, error) {
		if strings.TrimSpace(key) == "" {
			return KeySet{}, ErrKeyNotConfigured
		}
		if activeID == "" {
			activeID = "default"
		}
		keys := make(map[string]string, len(previous)+1)
		for id, k := range previous {
			keys[id] = k
		}
		keys[activeID] = key
		return KeySet{ActiveID: activeID, Keys: keys}, nil
	})
}

// GenerateKey returns a fresh random 256-bit key, hex encoded.
func GenerateKey() (string, error) {
	buf := make([]byte, keySize)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// decodeKey accepts 64 hex characters or base64 (std or url) of 32 bytes.
func decodeKey(raw string) ([]byte, error) {
	raw = strings.TrimSpace(raw)
	if len(raw) == keySize*2 {
		if b, err := hex.DecodeString(raw); err == nil {
			return b, nil
		}
	}
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.URLEncoding, base64.RawStdEncoding, base64.RawURLEncoding} {
		if b, err := enc.DecodeString(raw); err == nil && len(b) == keySize {
			return b, nil
		}
	}
	return nil, fmt.Errorf("%w: expected %d bytes as hex or base64", ErrInvalidKey, keySize)
}
