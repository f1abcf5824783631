package keystore

import (
	"bytes"
	"context"
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/shalteor/edbcore/internal/access"
	"github.com/shalteor/edbcore/internal/crypto"
	"github.com/shalteor/edbcore/internal/errors"
)

// GetKey returns a copy of the symmetric key of p.
func (ks *KeyStore) GetKey(ctx context.Context, p access.Prin) ([]byte, error) {
	pk, err := ks.GetPrinKey(ctx, p)
	if err != nil {
		return nil, err
	}
	return pk.Key, nil
}

// GetPrinKey returns a copy of the cached key of p. A key that is not
// cached is looked up through the live holders of its parents; when no
// logged-in principal reaches it the error is NotDerivable.
func (ks *KeyStore) GetPrinKey(ctx context.Context, p access.Prin) (PrinKey, error) {
	const op = "keystore.(KeyStore).GetPrinKey"
	ks.mu.Lock()
	defer ks.mu.Unlock()

	p, err := ks.resolve(op, p)
	if err != nil {
		return PrinKey{}, err
	}
	if k, ok := ks.keys[p.ID()]; ok {
		return k.copy(), nil
	}
	k, err := ks.getUncached(ctx, p)
	if k != nil {
		return k.copy(), nil
	}
	return PrinKey{}, errors.New(errors.NotDerivable, op, fmt.Sprintf("no logged-in principal reaches %s", p), errors.WithWrap(err))
}

// Reaches reports whether the logged-in principal holder reaches the key of
// p. claimable is set when p's key is an orphan or does not exist yet, so
// no logged-in principal holds it.
func (ks *KeyStore) Reaches(ctx context.Context, holder, p access.Prin) (reached, claimable bool, err error) {
	const op = "keystore.(KeyStore).Reaches"
	ks.mu.Lock()
	defer ks.mu.Unlock()

	if holder, err = ks.resolve(op, holder); err != nil {
		return false, false, err
	}
	if p, err = ks.resolve(op, p); err != nil {
		return false, false, err
	}
	if _, ok := ks.orphans[p.ID()]; ok {
		return false, true, nil
	}
	k, ok := ks.keys[p.ID()]
	if !ok {
		k, _ = ks.getUncached(ctx, p)
	}
	if k != nil {
		_, reached = k.holders[holder.ID()]
		return reached, false, nil
	}
	for _, gen := range ks.graph.Parents(p.Gen) {
		table, err := ks.graph.Table(gen, p.Gen)
		if err != nil {
			return false, false, errors.Wrap(err, op)
		}
		n, err := ks.store.CountAccessRowsTo(ctx, table, p.Value)
		if err != nil {
			return false, false, errors.Wrap(err, op)
		}
		if n > 0 {
			return false, false, nil
		}
	}
	return false, !ks.graph.IsGenGives(p.Gen), nil
}

// getUncached derives the key of p from the live principals recorded as
// uncached holders of its generic, then from any live principal of a parent
// generic. Descendants of a found key are swept. It returns nil when no
// row held by a live principal grants p.
func (ks *KeyStore) getUncached(ctx context.Context, p access.Prin) (*prinKey, error) {
	const op = "keystore.getUncached"
	if _, ok := ks.keys[p.ID()]; ok {
		ks.logger.Error("getUncached called for a cached key", "principal", p.ID().String())
		return ks.keys[p.ID()], nil
	}

	candidates := make(map[string][]*prinKey)
	var gens []string
	add := func(k *prinKey) {
		if _, ok := candidates[k.prin.Gen]; !ok {
			gens = append(gens, k.prin.Gen)
		}
		for _, c := range candidates[k.prin.Gen] {
			if c == k {
				return
			}
		}
		candidates[k.prin.Gen] = append(candidates[k.prin.Gen], k)
	}
	for _, h := range ks.uncached[p.Gen].sorted() {
		if k, ok := ks.keys[h]; ok {
			add(k)
		}
	}
	for _, gen := range ks.graph.Parents(p.Gen) {
		for _, k := range ks.liveIn(gen) {
			add(k)
		}
	}

	var result *multierror.Error
	for _, gen := range gens {
		parents := candidates[gen]
		table, err := ks.graph.Table(gen, p.Gen)
		if err != nil {
			result = multierror.Append(result, errors.Wrap(err, op))
			continue
		}
		values := make([]string, len(parents))
		byValue := make(map[string]*prinKey, len(parents))
		for i, k := range parents {
			values[i] = k.prin.Value
			byValue[k.prin.Value] = k
		}
		rows, err := ks.store.ListAccessRowsTo(ctx, table, p.Value, values)
		if err != nil {
			result = multierror.Append(result, errors.Wrap(err, op))
			continue
		}
		for _, row := range rows {
			parent := byValue[row.HasAccess]
			key, err := ks.decryptRow(ctx, parent, row)
			if err != nil {
				result = multierror.Append(result, errors.Wrap(err, op, errors.WithMsg("row %s: %s -> %s", table, row.HasAccess, row.AccessTo)))
				continue
			}
			_, err = ks.cache(p, key, parent.holders)
			crypto.Zero(key)
			if err != nil {
				result = multierror.Append(result, errors.Wrap(err, op))
				continue
			}
			ks.logSweep(ctx, p.Gen)
			return ks.keys[p.ID()], nil
		}
	}
	return nil, result.ErrorOrNil()
}

// resolveKey returns a copy of p's key from the live cache, the orphan
// graph or getUncached. A nil key with a nil error means p has no key
// anywhere; a key stored for p that no live principal can reach is
// NotDerivable.
func (ks *KeyStore) resolveKey(ctx context.Context, p access.Prin) (key []byte, live bool, err error) {
	const op = "keystore.resolveKey"
	id := p.ID()
	if k, ok := ks.keys[id]; ok {
		return bytes.Clone(k.key), true, nil
	}
	if o, ok := ks.orphans[id]; ok {
		return bytes.Clone(o.key), false, nil
	}
	k, uerr := ks.getUncached(ctx, p)
	if k != nil {
		return bytes.Clone(k.key), true, nil
	}
	for _, gen := range ks.graph.Parents(p.Gen) {
		table, err := ks.graph.Table(gen, p.Gen)
		if err != nil {
			return nil, false, errors.Wrap(err, op)
		}
		n, err := ks.store.CountAccessRowsTo(ctx, table, p.Value)
		if err != nil {
			return nil, false, errors.Wrap(err, op)
		}
		if n > 0 {
			return nil, false, errors.New(errors.NotDerivable, op, fmt.Sprintf("key of %s exists but no logged-in principal reaches it", p), errors.WithWrap(uerr))
		}
	}
	return nil, false, nil
}

// GetPublicKey returns the public half of p's key pair.
func (ks *KeyStore) GetPublicKey(ctx context.Context, p access.Prin) ([]byte, error) {
	const op = "keystore.(KeyStore).GetPublicKey"
	ks.mu.Lock()
	defer ks.mu.Unlock()

	p, err := ks.resolve(op, p)
	if err != nil {
		return nil, err
	}
	pk, err := ks.store.GetPublicKey(ctx, p.Gen, p.Value)
	if err != nil {
		return nil, errors.Wrap(err, op)
	}
	if pk == nil {
		return nil, errors.New(errors.NotFound, op, "no key pair for "+p.ID().String())
	}
	return pk.PublicKey, nil
}

// GetSecretKey returns the secret half of p's key pair. It requires p's
// symmetric key.
func (ks *KeyStore) GetSecretKey(ctx context.Context, p access.Prin) ([]byte, error) {
	const op = "keystore.(KeyStore).GetSecretKey"
	ks.mu.Lock()
	defer ks.mu.Unlock()

	p, err := ks.resolve(op, p)
	if err != nil {
		return nil, err
	}
	k, ok := ks.keys[p.ID()]
	if !ok {
		if k, err = ks.getUncached(ctx, p); k == nil {
			return nil, errors.New(errors.NotDerivable, op, "no logged-in principal reaches "+p.ID().String(), errors.WithWrap(err))
		}
	}
	sec, err := ks.secretKey(ctx, p, k.key)
	return sec, errors.Wrap(err, op)
}
