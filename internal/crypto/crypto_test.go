package crypto

import (
	"bytes"
	"testing"

	"github.com/shalteor/edbcore/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSymmetric(t *testing.T) {
	m := NewManager()
	key, err := m.GenerateKey()
	require.NoError(t, err)
	require.Len(t, key, KeySize)
	salt, err := m.NewSalt()
	require.NoError(t, err)

	payload := bytes.Repeat([]byte{7}, KeySize)
	blob, err := m.EncryptSym(key, salt, payload)
	require.NoError(t, err)

	got, err := m.DecryptSym(key, salt, blob)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	other, err := m.GenerateKey()
	require.NoError(t, err)
	_, err = m.DecryptSym(other, salt, blob)
	assert.True(t, errors.Match(errors.CryptoFailure, err))

	_, err = m.DecryptSym(key, []byte("other salt"), blob)
	assert.True(t, errors.Match(errors.CryptoFailure, err))

	blob[len(blob)-1] ^= 0xff
	_, err = m.DecryptSym(key, salt, blob)
	assert.True(t, errors.Match(errors.CryptoFailure, err))

	_, err = m.DecryptSym(key, salt, []byte{1, 2, 3})
	assert.True(t, errors.Match(errors.CryptoFailure, err))
	_, err = m.EncryptSym([]byte("short"), salt, payload)
	assert.True(t, errors.Match(errors.CryptoFailure, err))
}

func TestAsymmetric(t *testing.T) {
	m := NewManager()
	pub, sec, err := m.GenerateKeyPair()
	require.NoError(t, err)
	assert.Len(t, pub, PublicKeySize)
	assert.Len(t, sec, SecretKeySize)
	assert.Equal(t, pub, sec[32:])

	key, err := m.GenerateKey()
	require.NoError(t, err)
	blob, err := m.EncryptAsym(pub, key)
	require.NoError(t, err)

	got, err := m.DecryptAsym(sec, blob)
	require.NoError(t, err)
	assert.Equal(t, key, got)

	_, sec2, err := m.GenerateKeyPair()
	require.NoError(t, err)
	_, err = m.DecryptAsym(sec2, blob)
	assert.True(t, errors.Match(errors.CryptoFailure, err))

	_, err = m.DecryptAsym(sec[:32], blob)
	assert.True(t, errors.Match(errors.CryptoFailure, err))
	_, err = m.EncryptAsym(pub[:16], key)
	assert.True(t, errors.Match(errors.CryptoFailure, err))
}

func TestDeriveRootKey(t *testing.T) {
	p := KDFParams{MemoryKiB: MinArgon2Memory, Iterations: MinArgon2Iterations, Parallelism: 1}

	a, err := DeriveRootKey("hunter2", []byte("alice"), p)
	require.NoError(t, err)
	assert.Len(t, a, KeySize)

	again, err := DeriveRootKey("hunter2", []byte("alice"), p)
	require.NoError(t, err)
	assert.Equal(t, a, again)

	b, err := DeriveRootKey("hunter3", []byte("alice"), p)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)

	_, err = DeriveRootKey("x", nil, KDFParams{MemoryKiB: 8, Iterations: 3, Parallelism: 1})
	assert.True(t, errors.Match(errors.InvalidOperation, err))
	assert.NoError(t, DefaultKDFParams().Validate())

	t.Run("root salt depends on the value only", func(t *testing.T) {
		assert.Len(t, RootSalt("alice"), SaltSize)
		assert.Equal(t, RootSalt("alice"), RootSalt("alice"))
		assert.NotEqual(t, RootSalt("alice"), RootSalt("bob"))
	})
}

func TestFingerprintAndZero(t *testing.T) {
	key := []byte{1, 2, 3, 4}
	fp := Fingerprint(key)
	assert.Len(t, fp, 16)
	assert.Equal(t, fp, Fingerprint([]byte{1, 2, 3, 4}))
	assert.NotEqual(t, fp, Fingerprint([]byte{1, 2, 3, 5}))

	Zero(key)
	assert.Equal(t, []byte{0, 0, 0, 0}, key)
}
