package keystore

import (
	"context"
	"fmt"

	"github.com/shalteor/edbcore/internal/access"
	"github.com/shalteor/edbcore/internal/crypto"
	"github.com/shalteor/edbcore/internal/db"
	"github.com/shalteor/edbcore/internal/errors"
)

// InsertPsswd logs in gives with its password key and derives every key
// reachable from it.
//
// The first login of a principal creates its key pair, the secret half
// encrypted under key. Later logins must decrypt that secret half, so a
// wrong key fails with CryptoFailure. Failures below the root are logged
// and only limit what can be decrypted.
func (ks *KeyStore) InsertPsswd(ctx context.Context, gives access.Prin, key []byte) error {
	const op = "keystore.(KeyStore).InsertPsswd"
	ks.mu.Lock()
	defer ks.mu.Unlock()

	if err := ks.checkFinished(op); err != nil {
		return err
	}
	gives, err := ks.resolve(op, gives)
	if err != nil {
		return err
	}
	if !ks.graph.IsGenGives(gives.Gen) {
		return errors.New(errors.InvalidOperation, op, fmt.Sprintf("%s does not give passwords", gives))
	}
	if len(key) != crypto.KeySize {
		return errors.New(errors.InvalidOperation, op, fmt.Sprintf("password key must be %d bytes, got %d", crypto.KeySize, len(key)))
	}

	pk, err := ks.store.GetPublicKey(ctx, gives.Gen, gives.Value)
	if err != nil {
		return errors.Wrap(err, op)
	}
	if pk != nil {
		sec, err := ks.crypt.DecryptSym(key, pk.Salt, pk.EncryptedSecretKey)
		if err != nil {
			ks.logger.Info("login rejected", "principal", gives.ID().String())
			return errors.New(errors.CryptoFailure, op, "password does not match "+gives.String(), errors.WithWrap(err))
		}
		crypto.Zero(sec)
	} else if err := ks.generateAsymKeys(ctx, gives, key); err != nil {
		return errors.Wrap(err, op)
	}

	id := gives.ID()
	if _, err := ks.cache(gives, key, prinSet{id: {}}); err != nil {
		return errors.Wrap(err, op)
	}
	ks.roots[id] = struct{}{}
	ks.logger.Info("principal logged in", "principal", id.String(), "fingerprint", crypto.Fingerprint(key))

	ks.logSweep(ctx, gives.Gen)
	return nil
}

// RemovePsswd logs p out. Keys no other logged-in principal reaches are
// zeroed and dropped.
func (ks *KeyStore) RemovePsswd(ctx context.Context, p access.Prin) error {
	const op = "keystore.(KeyStore).RemovePsswd"
	ks.mu.Lock()
	defer ks.mu.Unlock()

	p, err := ks.resolve(op, p)
	if err != nil {
		return err
	}
	id := p.ID()
	if _, ok := ks.roots[id]; !ok {
		return errors.New(errors.NotFound, op, fmt.Sprintf("%s is not logged in", p))
	}
	delete(ks.roots, id)

	evicted := 0
	for kid, k := range ks.keys {
		delete(k.holders, id)
		if len(k.holders) == 0 {
			ks.evict(kid)
			evicted++
		}
	}
	for gen, s := range ks.uncached {
		for h := range s {
			if _, ok := ks.keys[h]; !ok {
				delete(s, h)
			}
		}
		if len(s) == 0 {
			delete(ks.uncached, gen)
		}
	}
	ks.logger.Info("principal logged out", "principal", id.String(), "evicted", evicted, "remaining", len(ks.keys))
	return nil
}

// GenerateAsymKeys creates a key pair for p and stores the public half with
// the secret half encrypted under key.
func (ks *KeyStore) GenerateAsymKeys(ctx context.Context, p access.Prin, key []byte) error {
	const op = "keystore.(KeyStore).GenerateAsymKeys"
	ks.mu.Lock()
	defer ks.mu.Unlock()
	p, err := ks.resolve(op, p)
	if err != nil {
		return err
	}
	return errors.Wrap(ks.generateAsymKeys(ctx, p, key), op)
}

func (ks *KeyStore) generateAsymKeys(ctx context.Context, p access.Prin, key []byte) error {
	pub, sec, err := ks.crypt.GenerateKeyPair()
	if err != nil {
		return err
	}
	defer crypto.Zero(sec)
	salt, err := ks.crypt.NewSalt()
	if err != nil {
		return err
	}
	enc, err := ks.crypt.EncryptSym(key, salt, sec)
	if err != nil {
		return err
	}
	err = ks.store.PutPublicKey(ctx, &db.PublicKey{
		Generic:            p.Gen,
		Value:              p.Value,
		PublicKey:          pub,
		EncryptedSecretKey: enc,
		Salt:               salt,
	})
	if err != nil {
		return err
	}
	ks.logger.Debug("generated key pair", "principal", p.ID().String(), "fingerprint", crypto.Fingerprint(pub))
	return nil
}
