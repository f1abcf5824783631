package crypto

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/shalteor/edbcore/internal/errors"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/nacl/box"
)

const (
	// KeySize is the length of every symmetric principal key
	KeySize = 32

	// SaltSize is the length of the salt stored next to each wrapped key
	SaltSize = 16

	// SecretKeySize is the stored secret half of a key pair: secret || public
	SecretKeySize = 64

	// PublicKeySize is the public half of a key pair
	PublicKeySize = 32

	// Minimum KDF parameter floors
	MinArgon2Memory      = 16384 // 16 MiB in KiB
	MinArgon2Iterations  = 2
	MinArgon2Parallelism = 1
)

// KDFParams are the argon2id parameters used to turn a password into a
// root key.
type KDFParams struct {
	MemoryKiB   uint32
	Iterations  uint32
	Parallelism uint8
}

// DefaultKDFParams returns the parameters used by the server.
func DefaultKDFParams() KDFParams {
	return KDFParams{MemoryKiB: 64 * 1024, Iterations: 3, Parallelism: 2}
}

// Validate checks p against the minimum floors.
func (p KDFParams) Validate() error {
	const op = "crypto.(KDFParams).Validate"
	if p.MemoryKiB < MinArgon2Memory {
		return errors.New(errors.InvalidOperation, op, fmt.Sprintf("Argon2 memory %d KiB < minimum %d KiB", p.MemoryKiB, MinArgon2Memory))
	}
	if p.Iterations < MinArgon2Iterations {
		return errors.New(errors.InvalidOperation, op, fmt.Sprintf("Argon2 iterations %d < minimum %d", p.Iterations, MinArgon2Iterations))
	}
	if p.Parallelism < MinArgon2Parallelism {
		return errors.New(errors.InvalidOperation, op, fmt.Sprintf("Argon2 parallelism %d < minimum %d", p.Parallelism, MinArgon2Parallelism))
	}
	return nil
}

// DeriveRootKey derives a principal's symmetric key from its password
func DeriveRootKey(password string, salt []byte, p KDFParams) ([]byte, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return argon2.IDKey([]byte(password), salt, p.Iterations, p.MemoryKiB, p.Parallelism, KeySize), nil
}

// RootSalt returns the argon2 salt for a principal's password. It depends
// only on the principal value so every type of a generic derives the same
// root key.
func RootSalt(value string) []byte {
	sum := blake2b.Sum256([]byte("edbcore root key\x00" + value))
	return sum[:SaltSize]
}

// Fingerprint returns a short hex digest of key, safe to log.
func Fingerprint(key []byte) string {
	sum := blake2b.Sum256(key)
	return hex.EncodeToString(sum[:8])
}

// Zero overwrites a byte slice in memory with zeros.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// Manager provides the key primitives of the key store: random keys,
// symmetric wrapping and anonymous sealing to a public key.
type Manager struct {
	rand io.Reader
}

// NewManager returns a Manager reading from crypto/rand.
func NewManager() *Manager {
	return &Manager{rand: rand.Reader}
}

func (m *Manager) randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(m.rand, b); err != nil {
		return nil, fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return b, nil
}

// GenerateKey returns a fresh symmetric key.
func (m *Manager) GenerateKey() ([]byte, error) {
	return m.randomBytes(KeySize)
}

// NewSalt returns a fresh salt.
func (m *Manager) NewSalt() ([]byte, error) {
	return m.randomBytes(SaltSize)
}

// EncryptSym encrypts plaintext under key with XChaCha20-Poly1305. The
// random nonce is prefixed to the output and salt is bound as additional
// data.
func (m *Manager) EncryptSym(key, salt, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, errors.New(errors.CryptoFailure, "crypto.EncryptSym", "bad key", errors.WithWrap(err))
	}
	nonce, err := m.randomBytes(chacha20poly1305.NonceSizeX)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(nonce)+len(plaintext)+aead.Overhead())
	out = append(out, nonce...)
	return aead.Seal(out, nonce, plaintext, salt), nil
}

// DecryptSym reverses EncryptSym. A wrong key, salt or a corrupted blob is
// a CryptoFailure.
func (m *Manager) DecryptSym(key, salt, blob []byte) ([]byte, error) {
	const op = "crypto.DecryptSym"
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, errors.New(errors.CryptoFailure, op, "bad key", errors.WithWrap(err))
	}
	if len(blob) < chacha20poly1305.NonceSizeX+aead.Overhead() {
		return nil, errors.New(errors.CryptoFailure, op, "ciphertext too short")
	}
	nonce, ct := blob[:chacha20poly1305.NonceSizeX], blob[chacha20poly1305.NonceSizeX:]
	pt, err := aead.Open(nil, nonce, ct, salt)
	if err != nil {
		return nil, errors.New(errors.CryptoFailure, op, "authentication failed", errors.WithWrap(err))
	}
	return pt, nil
}

// GenerateKeyPair returns a new X25519 key pair. The secret half is
// returned as secret || public so it can open sealed boxes on its own.
func (m *Manager) GenerateKeyPair() (pub, sec []byte, err error) {
	pk, sk, err := box.GenerateKey(m.rand)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate key pair: %w", err)
	}
	sec = make([]byte, 0, SecretKeySize)
	sec = append(sec, sk[:]...)
	sec = append(sec, pk[:]...)
	Zero(sk[:])
	return append([]byte(nil), pk[:]...), sec, nil
}

// EncryptAsym seals plaintext to the public key pub.
func (m *Manager) EncryptAsym(pub, plaintext []byte) ([]byte, error) {
	if len(pub) != PublicKeySize {
		return nil, errors.New(errors.CryptoFailure, "crypto.EncryptAsym", fmt.Sprintf("public key is %d bytes", len(pub)))
	}
	var pk [32]byte
	copy(pk[:], pub)
	out, err := box.SealAnonymous(nil, plaintext, &pk, m.rand)
	if err != nil {
		return nil, errors.New(errors.CryptoFailure, "crypto.EncryptAsym", "seal failed", errors.WithWrap(err))
	}
	return out, nil
}

// DecryptAsym opens a box sealed by EncryptAsym with the stored secret
// half of the key pair.
func (m *Manager) DecryptAsym(sec, blob []byte) ([]byte, error) {
	const op = "crypto.DecryptAsym"
	if len(sec) != SecretKeySize {
		return nil, errors.New(errors.CryptoFailure, op, fmt.Sprintf("secret key is %d bytes", len(sec)))
	}
	var sk, pk [32]byte
	copy(sk[:], sec[:32])
	copy(pk[:], sec[32:])
	defer Zero(sk[:])
	pt, ok := box.OpenAnonymous(nil, blob, &pk, &sk)
	if !ok {
		return nil, errors.New(errors.CryptoFailure, op, "open failed")
	}
	return pt, nil
}
