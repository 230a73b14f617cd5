package security

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testEncryptionConfig keeps scrypt cheap for tests
func testEncryptionConfig() *EncryptionConfig {
	cfg := DefaultEncryptionConfig()
	cfg.SCryptN = 1024
	return cfg
}

func TestValidateEncryptionConfig(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*EncryptionConfig)
		wantErr bool
	}{
		{"default", func(*EncryptionConfig) {}, false},
		{"not power of two", func(c *EncryptionConfig) { c.SCryptN = 1000 }, true},
		{"n too small", func(c *EncryptionConfig) { c.SCryptN = 1 }, true},
		{"r zero", func(c *EncryptionConfig) { c.SCryptR = 0 }, true},
		{"p zero", func(c *EncryptionConfig) { c.SCryptP = 0 }, true},
		{"short key", func(c *EncryptionConfig) { c.SCryptKeyLen = 16 }, true},
		{"bad nonce", func(c *EncryptionConfig) { c.NonceSize = 16 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultEncryptionConfig()
			tt.mutate(cfg)
			err := ValidateEncryptionConfig(cfg)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
	assert.Error(t, ValidateEncryptionConfig(nil))
}

func TestSealOpen(t *testing.T) {
	keys, err := DeriveKeys("fingerprint-a", "App", testEncryptionConfig())
	require.NoError(t, err)

	plaintext := []byte(`{"installation_id":"abc"}`)
	envelope, err := keys.Seal(plaintext, []byte("App"))
	require.NoError(t, err)
	assert.NotContains(t, string(envelope), "installation_id")

	again, err := keys.Seal(plaintext, []byte("App"))
	require.NoError(t, err)
	assert.NotEqual(t, envelope, again, "nonces must differ")

	opened, err := keys.Open(envelope, []byte("App"))
	require.NoError(t, err)
	assert.Equal(t, plaintext, opened)
}

func TestOpenRejects(t *testing.T) {
	cfg := testEncryptionConfig()
	keys, err := DeriveKeys("fingerprint-a", "App", cfg)
	require.NoError(t, err)
	envelope, err := keys.Seal([]byte("payload"), []byte("App"))
	require.NoError(t, err)

	otherMachine, err := DeriveKeys("fingerprint-b", "App", cfg)
	require.NoError(t, err)
	otherApp, err := DeriveKeys("fingerprint-a", "Other", cfg)
	require.NoError(t, err)

	flipped := append([]byte(nil), envelope...)
	flipped[len(flipped)-1] ^= 0x01

	tests := []struct {
		name     string
		keys     *TrialKeys
		envelope []byte
		aad      string
	}{
		{"other machine", otherMachine, envelope, "App"},
		{"other app key", otherApp, envelope, "App"},
		{"wrong additional data", keys, envelope, "Other"},
		{"bit flip", keys, flipped, "App"},
		{"truncated", keys, envelope[:10], "App"},
		{"empty", keys, nil, "App"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.keys.Open(tt.envelope, []byte(tt.aad))
			assert.ErrorIs(t, err, ErrDecrypt)
		})
	}
}

func TestDeriveKeysDeterministic(t *testing.T) {
	cfg := testEncryptionConfig()
	a, err := DeriveKeys("fp", "App", cfg)
	require.NoError(t, err)
	b, err := DeriveKeys("fp", "App", cfg)
	require.NoError(t, err)

	envelope, err := a.Seal([]byte("data"), nil)
	require.NoError(t, err)
	opened, err := b.Open(envelope, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("data"), opened)

	assert.Equal(t, a.MAC([]byte("x")), b.MAC([]byte("x")))
	assert.NotEqual(t, a.encKey, a.macKey, "encryption and mac keys must be independent")
}

func TestDeriveKeysErrors(t *testing.T) {
	_, err := DeriveKeys("", "App", testEncryptionConfig())
	assert.Error(t, err)

	bad := testEncryptionConfig()
	bad.SCryptN = 3
	_, err = DeriveKeys("fp", "App", bad)
	assert.Error(t, err)
}

func TestMAC(t *testing.T) {
	keys, err := DeriveKeys("fp", "App", testEncryptionConfig())
	require.NoError(t, err)

	sum := keys.MAC([]byte("canonical"))
	assert.Len(t, sum, 32)
	assert.True(t, keys.VerifyMAC([]byte("canonical"), sum))
	assert.False(t, keys.VerifyMAC([]byte("canonicaL"), sum))
}

func TestClear(t *testing.T) {
	keys, err := DeriveKeys("fp", "App", testEncryptionConfig())
	require.NoError(t, err)
	enc := keys.encKey

	keys.Clear()
	keys.Clear()
	assert.Equal(t, make([]byte, 32), enc)

	_, err = keys.Seal([]byte("x"), nil)
	assert.ErrorIs(t, err, ErrKeysCleared)
	_, err = keys.Open([]byte("x"), nil)
	assert.ErrorIs(t, err, ErrKeysCleared)
	assert.Nil(t, keys.MAC([]byte("x")))
	assert.False(t, keys.VerifyMAC([]byte("x"), nil))
}

func TestClearConcurrentWithUse(t *testing.T) {
	keys, err := DeriveKeys("fp", "App", testEncryptionConfig())
	require.NoError(t, err)
	envelope, err := keys.Seal([]byte("payload"), []byte("App"))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				if _, err := keys.Seal([]byte("payload"), []byte("App")); err != nil {
					assert.ErrorIs(t, err, ErrKeysCleared)
				}
				if plaintext, err := keys.Open(envelope, []byte("App")); err == nil {
					assert.Equal(t, []byte("payload"), plaintext)
				} else {
					assert.ErrorIs(t, err, ErrKeysCleared)
				}
				keys.VerifyMAC([]byte("payload"), nil)
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		keys.Clear()
	}()
	wg.Wait()

	_, err = keys.Seal([]byte("payload"), nil)
	assert.ErrorIs(t, err, ErrKeysCleared)
}

func TestSecureCompare(t *testing.T) {
	assert.True(t, SecureCompare([]byte("abc"), []byte("abc")))
	assert.False(t, SecureCompare([]byte("abc"), []byte("abd")))
	assert.False(t, SecureCompare([]byte("abc"), []byte("ab")))
}
