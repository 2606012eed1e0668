package vault_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"taskrelay/internal/vault"
)

const (
	keyA = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"
	keyB = "ffeeddccbbaa99887766554433221100ffeeddccbbaa99887766554433221100"
)

func newVault(t *testing.T) *vault.Vault {
	t.Helper()
	return vault.New(vault.StaticKeys("A", keyA, nil), nil)
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	v := newVault(t)
	ctx := context.Background()
	for _, plain := range []string{"ghp_token", "x", "with spaces and ünïcødé", strings.Repeat("long", 500)} {
		env, err := v.EncryptField(ctx, "access_token", plain)
		if err != nil {
			t.Fatalf("encrypt %q: %v", plain, err)
		}
		if env.KeyID != "A" || env.Version != vault.EnvelopeVersion || env.EncryptedAt == "" {
			t.Fatalf("unexpected envelope metadata: %+v", env)
		}
		got, err := v.DecryptField(ctx, "access_token", env)
		if err != nil {
			t.Fatalf("decrypt envelope: %v", err)
		}
		if got != plain {
			t.Fatalf("round trip mismatch: got %q want %q", got, plain)
		}
		got, err = v.DecryptField(ctx, "access_token", env.String())
		if err != nil || got != plain {
			t.Fatalf("decrypt serialized: %q %v", got, err)
		}
	}
}

func TestEncryptIsNonDeterministic(t *testing.T) {
	v := newVault(t)
	ctx := context.Background()
	a, err := v.EncryptField(ctx, "api_key", "same-input")
	if err != nil {
		t.Fatal(err)
	}
	b, err := v.EncryptField(ctx, "api_key", "same-input")
	if err != nil {
		t.Fatal(err)
	}
	if a.IV == b.IV || a.Data == b.Data {
		t.Fatalf("expected distinct iv/data, got %+v and %+v", a, b)
	}
	for _, env := range []vault.Envelope{a, b} {
		got, err := v.DecryptField(ctx, "api_key", env)
		if err != nil || got != "same-input" {
			t.Fatalf("decrypt: %q %v", got, err)
		}
	}
}

func TestEncryptRejectsEmptyValues(t *testing.T) {
	v := newVault(t)
	for _, in := range []string{"", "   ", "\n\t"} {
		if _, err := v.EncryptField(context.Background(), "token", in); !errors.Is(err, vault.ErrEmptyValue) {
			t.Fatalf("expected ErrEmptyValue for %q, got %v", in, err)
		}
	}
}

func TestEncryptWithoutKey(t *testing.T) {
	v := vault.New(vault.StaticKeys("", "", nil), nil)
	if _, err := v.EncryptField(context.Background(), "token", "secret"); !errors.Is(err, vault.ErrKeyNotConfigured) {
		t.Fatalf("expected ErrKeyNotConfigured, got %v", err)
	}
	empty := vault.New(nil, nil)
	if _, err := empty.EncryptField(context.Background(), "token", "secret"); !errors.Is(err, vault.ErrKeyNotConfigured) {
		t.Fatalf("expected ErrKeyNotConfigured without source, got %v", err)
	}
}

func flipFirstByte(t *testing.T, b64 string) string {
	t.Helper()
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		t.Fatal(err)
	}
	raw[0] ^= 0x01
	return base64.StdEncoding.EncodeToString(raw)
}

func TestTamperDetection(t *testing.T) {
	v := newVault(t)
	ctx := context.Background()
	env, err := v.EncryptField(ctx, "token", "do-not-touch")
	if err != nil {
		t.Fatal(err)
	}
	tamperedData := env
	tamperedData.Data = flipFirstByte(t, env.Data)
	tamperedTag := env
	tamperedTag.Tag = flipFirstByte(t, env.Tag)
	tamperedIV := env
	tamperedIV.IV = flipFirstByte(t, env.IV)
	for name, bad := range map[string]vault.Envelope{"data": tamperedData, "tag": tamperedTag, "iv": tamperedIV} {
		got, err := v.DecryptField(ctx, "token", bad)
		if !errors.Is(err, vault.ErrDecryptionFailed) {
			t.Fatalf("%s: expected ErrDecryptionFailed, got %q %v", name, got, err)
		}
		if got != "" {
			t.Fatalf("%s: leaked plaintext %q", name, got)
		}
	}
}

func TestWrongKeyFailsClosed(t *testing.T) {
	ctx := context.Background()
	sealer := vault.New(vault.StaticKeys("A", keyA, nil), nil)
	env, err := sealer.EncryptField(ctx, "token", "secret")
	if err != nil {
		t.Fatal(err)
	}
	opener := vault.New(vault.StaticKeys("A", keyB, nil), nil)
	if _, err := opener.DecryptField(ctx, "token", env); !errors.Is(err, vault.ErrDecryptionFailed) {
		t.Fatalf("expected ErrDecryptionFailed, got %v", err)
	}
}

func TestLegacyPlaintextPassthrough(t *testing.T) {
	v := newVault(t)
	ctx := context.Background()
	for _, in := range []string{"plain-unwrapped-token", "", `{"not":"an envelope"}`, "{broken json"} {
		got, err := v.DecryptField(ctx, "token", in)
		if err != nil {
			t.Fatalf("passthrough %q: %v", in, err)
		}
		if got != in {
			t.Fatalf("passthrough changed value: %q -> %q", in, got)
		}
	}
}

func TestStructuredNonEnvelopeIsMalformed(t *testing.T) {
	v := newVault(t)
	_, err := v.DecryptField(context.Background(), "token", map[string]any{"data": 1})
	if !errors.Is(err, vault.ErrMalformedEnvelope) {
		t.Fatalf("expected ErrMalformedEnvelope, got %v", err)
	}
	_, err = v.DecryptField(context.Background(), "token", vault.Envelope{Data: "@@", IV: "AA==", Tag: "AA==", EncryptedAt: "now"})
	if !errors.Is(err, vault.ErrMalformedEnvelope) {
		t.Fatalf("expected ErrMalformedEnvelope for bad base64, got %v", err)
	}
}

func TestIsEnvelope(t *testing.T) {
	full := map[string]any{"data": "a", "iv": "b", "tag": "c", "encryptedAt": "d"}
	cases := []struct {
		name  string
		value any
		want  bool
	}{
		{"map", full, true},
		{"json text", `{"data":"a","iv":"b","tag":"c","encryptedAt":"d","keyId":"k"}`, true},
		{"struct", vault.Envelope{}, true},
		{"nil pointer", (*vault.Envelope)(nil), false},
		{"plain text", "token", false},
		{"missing tag", map[string]any{"data": "a", "iv": "b", "encryptedAt": "d"}, false},
		{"numeric data", map[string]any{"data": 1, "iv": "b", "tag": "c", "encryptedAt": "d"}, false},
		{"array", `["data"]`, false},
		{"number", 42, false},
	}
	for _, tc := range cases {
		if got := vault.IsEnvelope(tc.value); got != tc.want {
			t.Errorf("%s: IsEnvelope = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestKeyRotation(t *testing.T) {
	ctx := context.Background()
	v := newVault(t)
	old, err := v.EncryptField(ctx, "token", "sealed-under-a")
	if err != nil {
		t.Fatal(err)
	}
	if err := v.SetKey("B", keyB); err != nil {
		t.Fatal(err)
	}
	if err := v.SetActiveKeyID("B"); err != nil {
		t.Fatal(err)
	}
	fresh, err := v.EncryptField(ctx, "token", "sealed-under-b")
	if err != nil {
		t.Fatal(err)
	}
	if fresh.KeyID != "B" {
		t.Fatalf("expected new envelopes under B, got %s", fresh.KeyID)
	}
	if got, err := v.DecryptField(ctx, "token", old); err != nil || got != "sealed-under-a" {
		t.Fatalf("old envelope after rotation: %q %v", got, err)
	}

	onlyB := vault.New(vault.StaticKeys("B", keyB, nil), nil)
	if _, err := onlyB.DecryptField(ctx, "token", old); !errors.Is(err, vault.ErrKeyNotFound) {
		t.Fatalf("expected ErrKeyNotFound with A unregistered, got %v", err)
	}
	if err := v.SetActiveKeyID("missing"); !errors.Is(err, vault.ErrKeyNotFound) {
		t.Fatalf("expected ErrKeyNotFound for unknown active id, got %v", err)
	}
}

func TestPreviousKeysFromSource(t *testing.T) {
	ctx := context.Background()
	env, err := newVault(t).EncryptField(ctx, "token", "legacy-key")
	if err != nil {
		t.Fatal(err)
	}
	rotated := vault.New(vault.StaticKeys("B", keyB, map[string]string{"A": keyA}), nil)
	if got, err := rotated.DecryptField(ctx, "token", env); err != nil || got != "legacy-key" {
		t.Fatalf("decrypt with previous key: %q %v", got, err)
	}
}

func TestMissingKeyIDUsesActiveKey(t *testing.T) {
	ctx := context.Background()
	v := newVault(t)
	env, err := v.EncryptField(ctx, "token", "implicit")
	if err != nil {
		t.Fatal(err)
	}
	env.KeyID = ""
	var m map[string]any
	if err := json.Unmarshal([]byte(env.String()), &m); err != nil {
		t.Fatal(err)
	}
	if _, present := m["keyId"]; present {
		t.Fatalf("expected keyId omitted, got %v", m)
	}
	if got, err := v.DecryptField(ctx, "token", m); err != nil || got != "implicit" {
		t.Fatalf("decrypt without key id: %q %v", got, err)
	}
}

func TestInvalidKeyMaterial(t *testing.T) {
	v := vault.New(nil, nil)
	if err := v.SetKey("short", "abcd"); !errors.Is(err, vault.ErrInvalidKey) {
		t.Fatalf("expected ErrInvalidKey, got %v", err)
	}
	b64 := base64.StdEncoding.EncodeToString(make([]byte, 32))
	if err := v.SetKey("b64", b64); err != nil {
		t.Fatalf("base64 key rejected: %v", err)
	}
}

func TestKeySourceLoadedOnce(t *testing.T) {
	var calls atomic.Int32
	src := vault.KeySourceFunc(func(context.Context) (vault.KeySet, error) {
		calls.Add(1)
		return vault.KeySet{ActiveID: "A", Keys: map[string]string{"A": keyA}}, nil
	})
	v := vault.New(src, nil)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := v.EncryptField(context.Background(), "token", "concurrent"); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()
	if n := calls.Load(); n != 1 {
		t.Fatalf("expected one key source load, got %d", n)
	}
}

func TestGenerateKey(t *testing.T) {
	k, err := vault.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	v := vault.New(nil, nil)
	if err := v.SetKey("gen", k); err != nil {
		t.Fatalf("generated key rejected: %v", err)
	}
}
