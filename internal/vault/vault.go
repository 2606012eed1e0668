package vault

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const (
	ivSize  = 16
	tagSize = 16
)

// Vault performs field encryption against its own key registry.
type Vault struct {
	source KeySource
	logger *slog.Logger
	now    func() time.Time

	group  singleflight.Group
	mu     sync.RWMutex
	loaded bool
	keys   map[string][]byte
	active string
}

// New returns a Vault that populates its registry from src on first use.
// A nil src leaves the registry empty until SetKey is called.
func New(src KeySource, logger *slog.Logger) *Vault {
	if logger == nil {
		logger = slog.Default()
	}
	return &Vault{
		source: src,
		logger: logger,
		now:    time.Now,
		keys:   make(map[string][]byte),
	}
}

// ensureLoaded populates the registry from the key source exactly once.
// A failed load is not remembered, so a later call retries.
func (v *Vault) ensureLoaded(ctx context.Context) error {
	v.mu.RLock()
	loaded := v.loaded
	v.mu.RUnlock()
	if loaded || v.source == nil {
		return nil
	}
	_, err, _ := v.group.Do("keys", func() (any, error) {
		v.mu.RLock()
		done := v.loaded
		v.mu.RUnlock()
		if done {
			return nil, nil
		}
		set, err := v.source.LoadKeys(ctx)
		if err != nil {
			return nil, fmt.Errorf("load keys: %w", err)
		}
		decoded := make(map[string][]byte, len(set.Keys))
		for id, raw := range set.Keys {
			k, err := decodeKey(raw)
			if err != nil {
				return nil, fmt.Errorf("key %s: %w", id, err)
			}
			decoded[id] = k
		}
		v.mu.Lock()
		defer v.mu.Unlock()
		for id, k := range decoded {
			if _, exists := v.keys[id]; !exists {
				v.keys[id] = k
			}
		}
		if v.active == "" {
			v.active = set.ActiveID
		}
		v.loaded = true
		v.logger.Debug("vault keys loaded", "key_count", len(decoded), "active_key_id", v.active)
		return nil, nil
	})
	return err
}

// SetKey registers key material under keyID. Existing envelopes sealed with a
// different key stay decryptable as long as their key remains registered.
func (v *Vault) SetKey(keyID, key string) error {
	if strings.TrimSpace(keyID) == "" {
		return fmt.Errorf("%w: key id required", ErrInvalidKey)
	}
	k, err := decodeKey(key)
	if err != nil {
		return err
	}
	v.mu.Lock()
	v.keys[keyID] = k
	v.mu.Unlock()
	return nil
}

// SetActiveKeyID selects the key used for new encryptions.
func (v *Vault) SetActiveKeyID(keyID string) error {
	if err := v.ensureLoaded(context.Background()); err != nil {
		v.logger.Warn("vault key source unavailable while rotating", "error", err)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.keys[keyID]; !ok {
		return fmt.Errorf("%w: %s", ErrKeyNotFound, keyID)
	}
	v.active = keyID
	return nil
}

// ActiveKeyID returns the id used for new encryptions, or "" when unset.
func (v *Vault) ActiveKeyID() string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.active
}

// KeyIDs lists registered key ids in sorted order.
func (v *Vault) KeyIDs() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	ids := make([]string, 0, len(v.keys))
	for id := range v.keys {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (v *Vault) activeKey(ctx context.Context) (string, []byte, error) {
	if err := v.ensureLoaded(ctx); err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrKeyNotConfigured, err)
	}
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.active == "" {
		return "", nil, ErrKeyNotConfigured
	}
	k, ok := v.keys[v.active]
	if !ok {
		return "", nil, ErrKeyNotConfigured
	}
	return v.active, k, nil
}

func (v *Vault) lookupKey(ctx context.Context, keyID string) (string, []byte, error) {
	if keyID == "" {
		return v.activeKey(ctx)
	}
	if err := v.ensureLoaded(ctx); err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrKeyNotConfigured, err)
	}
	v.mu.RLock()
	defer v.mu.RUnlock()
	k, ok := v.keys[keyID]
	if !ok {
		return "", nil, fmt.Errorf("%w: %s", ErrKeyNotFound, keyID)
	}
	return keyID, k, nil
}

// EncryptField seals plaintext under the active key with a fresh random IV.
func (v *Vault) EncryptField(ctx context.Context, field, plaintext string) (Envelope, error) {
	if strings.TrimSpace(plaintext) == "" {
		return Envelope{}, fmt.Errorf("encrypt %s: %w", field, ErrEmptyValue)
	}
	keyID, key, err := v.activeKey(ctx)
	if err != nil {
		return Envelope{}, fmt.Errorf("encrypt %s: %w", field, err)
	}
	gcm, err := newGCM(key)
	if err != nil {
		return Envelope{}, fmt.Errorf("encrypt %s: %w", field, err)
	}
	iv := make([]byte, ivSize)
	if _, err := rand.Read(iv); err != nil {
		return Envelope{}, fmt.Errorf("encrypt %s: generate iv: %w", field, err)
	}
	sealed := gcm.Seal(nil, iv, []byte(plaintext), nil)
	ct, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]
	return Envelope{
		Data:        base64.StdEncoding.EncodeToString(ct),
		IV:          base64.StdEncoding.EncodeToString(iv),
		Tag:         base64.StdEncoding.EncodeToString(tag),
		KeyID:       keyID,
		Version:     EnvelopeVersion,
		EncryptedAt: v.now().UTC().Format(time.RFC3339Nano),
	}, nil
}

// EncryptString is EncryptField followed by serialization.
func (v *Vault) EncryptString(ctx context.Context, field, plaintext string) (string, error) {
	env, err := v.EncryptField(ctx, field, plaintext)
	if err != nil {
		return "", err
	}
	return env.String(), nil
}

// DecryptField opens an envelope given as an Envelope, a map, or its
// serialized text. Text that is not an envelope is returned unchanged.
func (v *Vault) DecryptField(ctx context.Context, field string, value any) (string, error) {
	env, ok := asEnvelope(value)
	if !ok {
		switch t := value.(type) {
		case string:
			return t, nil
		case []byte:
			return string(t), nil
		case json.RawMessage:
			return string(t), nil
		}
		return "", fmt.Errorf("decrypt %s: %w", field, ErrMalformedEnvelope)
	}
	keyID, key, err := v.lookupKey(ctx, env.KeyID)
	if err != nil {
		v.logger.Warn("vault decrypt key lookup failed", "field", field, "key_id", env.KeyID)
		return "", fmt.Errorf("decrypt %s: %w", field, err)
	}
	ct, err := base64.StdEncoding.DecodeString(env.Data)
	if err != nil {
		return "", fmt.Errorf("decrypt %s: data: %w", field, ErrMalformedEnvelope)
	}
	iv, err := base64.StdEncoding.DecodeString(env.IV)
	if err != nil || len(iv) != ivSize {
		return "", fmt.Errorf("decrypt %s: iv: %w", field, ErrMalformedEnvelope)
	}
	tag, err := base64.StdEncoding.DecodeString(env.Tag)
	if err != nil || len(tag) != tagSize {
		return "", fmt.Errorf("decrypt %s: tag: %w", field, ErrMalformedEnvelope)
	}
	gcm, err := newGCM(key)
	if err != nil {
		return "", fmt.Errorf("decrypt %s: %w", field, err)
	}
	sealed := make([]byte, 0, len(ct)+len(tag))
	sealed = append(sealed, ct...)
	sealed = append(sealed, tag...)
	plain, err := gcm.Open(nil, iv, sealed, nil)
	if err != nil {
		v.logger.Warn("vault decrypt failed", "field", field, "key_id", keyID)
		return "", fmt.Errorf("decrypt %s: %w", field, ErrDecryptionFailed)
	}
	return string(plain), nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCMWithNonceSize(block, ivSize)
}
