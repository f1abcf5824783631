package keystore

import (
	"bytes"
	"context"
	"fmt"

	"github.com/shalteor/edbcore/internal/access"
	"github.com/shalteor/edbcore/internal/crypto"
	"github.com/shalteor/edbcore/internal/db"
	"github.com/shalteor/edbcore/internal/errors"
)

// Insert provisions the key of accessTo wrapped under the key of hasAccess.
//
// hasAccess uses its cached or orphan key. A password principal that is
// not logged in is reached through its public key; any other principal
// without a key gets a fresh orphan key. accessTo keeps the key it has or
// gets a fresh one; password keys are never minted.
//
// An identical existing row is AlreadyExisted. A row that wraps a different
// key than the one accessTo already holds is a Conflict.
func (ks *KeyStore) Insert(ctx context.Context, hasAccess, accessTo access.Prin) (InsertResult, error) {
	const op = "keystore.(KeyStore).Insert"
	ks.mu.Lock()
	defer ks.mu.Unlock()

	if err := ks.checkFinished(op); err != nil {
		return Inserted, err
	}
	hasAccess, err := ks.resolve(op, hasAccess)
	if err != nil {
		return Inserted, err
	}
	accessTo, err = ks.resolve(op, accessTo)
	if err != nil {
		return Inserted, err
	}
	table, err := ks.graph.Table(hasAccess.Gen, accessTo.Gen)
	if err != nil {
		return Inserted, errors.Wrap(err, op)
	}

	hasKey, hasLive, err := ks.resolveKey(ctx, hasAccess)
	if err != nil {
		return Inserted, errors.Wrap(err, op)
	}
	defer func() { crypto.Zero(hasKey) }()

	row, err := ks.store.GetAccessRow(ctx, table, hasAccess.Value, accessTo.Value)
	if err != nil {
		return Inserted, errors.Wrap(err, op)
	}
	if row != nil {
		return ks.checkExisting(ctx, hasAccess, accessTo, row, hasKey, hasLive)
	}

	var hasPub []byte
	if hasKey == nil && ks.graph.IsGenGives(hasAccess.Gen) {
		pk, err := ks.store.GetPublicKey(ctx, hasAccess.Gen, hasAccess.Value)
		if err != nil {
			return Inserted, errors.Wrap(err, op)
		}
		if pk == nil {
			return Inserted, errors.New(errors.NotDerivable, op, fmt.Sprintf("%s has never logged in", hasAccess))
		}
		hasPub = pk.PublicKey
	}

	accessKey, accessLive, err := ks.resolveKey(ctx, accessTo)
	if err != nil {
		return Inserted, errors.Wrap(err, op)
	}
	if accessKey == nil {
		if ks.graph.IsGenGives(accessTo.Gen) {
			return Inserted, errors.New(errors.NotDerivable, op, fmt.Sprintf("%s is a password key that is not logged in", accessTo))
		}
		if accessKey, err = ks.crypt.GenerateKey(); err != nil {
			return Inserted, errors.Wrap(err, op)
		}
	}
	defer crypto.Zero(accessKey)

	newOrphan := false
	if hasKey == nil && hasPub == nil {
		if hasKey, err = ks.crypt.GenerateKey(); err != nil {
			return Inserted, errors.Wrap(err, op)
		}
		newOrphan = true
	}

	salt, err := ks.crypt.NewSalt()
	if err != nil {
		return Inserted, errors.Wrap(err, op)
	}
	newRow := &db.AccessRow{HasAccess: hasAccess.Value, AccessTo: accessTo.Value, Salt: salt}
	if hasPub != nil {
		newRow.Asym = true
		newRow.EncryptedKey, err = ks.crypt.EncryptAsym(hasPub, accessKey)
	} else {
		newRow.EncryptedKey, err = ks.crypt.EncryptSym(hasKey, salt, accessKey)
	}
	if err != nil {
		return Inserted, errors.Wrap(err, op)
	}
	if err := ks.store.InsertAccessRow(ctx, table, newRow); err != nil {
		return Inserted, errors.Wrap(err, op)
	}

	if newOrphan {
		ks.orphans[hasAccess.ID()] = &orphan{prin: hasAccess, key: bytes.Clone(hasKey), parents: make(prinSet), children: make(prinSet)}
		ks.logger.Debug("created orphan key", "principal", hasAccess.ID().String())
	}

	switch {
	case hasLive:
		if _, err := ks.cache(accessTo, accessKey, ks.keys[hasAccess.ID()].holders); err != nil {
			return Inserted, errors.Wrap(err, op)
		}
		ks.logSweep(ctx, accessTo.Gen)
	case !accessLive:
		ks.linkOrphan(hasAccess, accessTo, accessKey)
	}
	ks.logger.Debug("inserted access key", "has_access", hasAccess.ID().String(), "access_to", accessTo.ID().String(), "asym", newRow.Asym)
	return Inserted, nil
}

// checkExisting compares an existing row with the key accessTo holds.
func (ks *KeyStore) checkExisting(ctx context.Context, hasAccess, accessTo access.Prin, row *db.AccessRow, hasKey []byte, hasLive bool) (InsertResult, error) {
	const op = "keystore.(KeyStore).Insert"
	var existing []byte
	var err error
	switch {
	case row.Asym && hasLive:
		existing, err = ks.decryptRow(ctx, ks.keys[hasAccess.ID()], row)
	case !row.Asym && hasKey != nil:
		existing, err = ks.crypt.DecryptSym(hasKey, row.Salt, row.EncryptedKey)
	default:
		// Nothing can open the row right now.
		return AlreadyExisted, nil
	}
	if err != nil {
		return AlreadyExisted, errors.Wrap(err, op, errors.WithMsg("existing row for %s -> %s", hasAccess, accessTo))
	}
	defer crypto.Zero(existing)

	accessKey, _, err := ks.resolveKey(ctx, accessTo)
	if err != nil && !errors.Match(errors.NotDerivable, err) {
		return AlreadyExisted, errors.Wrap(err, op)
	}
	defer crypto.Zero(accessKey)
	if accessKey != nil && !bytes.Equal(accessKey, existing) {
		return AlreadyExisted, errors.New(errors.Conflict, op, fmt.Sprintf("%s already holds a different key for %s", hasAccess, accessTo))
	}
	if hasLive {
		if _, err := ks.cache(accessTo, existing, ks.keys[hasAccess.ID()].holders); err != nil {
			return AlreadyExisted, errors.Wrap(err, op)
		}
		ks.logSweep(ctx, accessTo.Gen)
	}
	return AlreadyExisted, nil
}

// linkOrphan records that parent wraps the key of child while no logged-in
// principal reaches child.
func (ks *KeyStore) linkOrphan(parent, child access.Prin, key []byte) {
	cid := child.ID()
	o, ok := ks.orphans[cid]
	if !ok {
		o = &orphan{prin: child, key: bytes.Clone(key), parents: make(prinSet), children: make(prinSet)}
		ks.orphans[cid] = o
		ks.logger.Debug("created orphan key", "principal", cid.String())
	}
	o.parents[parent.ID()] = struct{}{}
	if p, ok := ks.orphans[parent.ID()]; ok {
		p.children[cid] = struct{}{}
	}
}

// removeFromOrphans drops id and every descendant left without a parent.
func (ks *KeyStore) removeFromOrphans(id access.PrinID) {
	o, ok := ks.orphans[id]
	if !ok {
		return
	}
	delete(ks.orphans, id)
	crypto.Zero(o.key)
	for child := range o.children {
		if c, ok := ks.orphans[child]; ok {
			delete(c.parents, id)
			if len(c.parents) == 0 {
				ks.removeFromOrphans(child)
			}
		}
	}
	ks.logger.Debug("dropped orphan key", "principal", id.String())
}

// Remove deletes the row wrapping the key of accessTo under hasAccess and
// recomputes the cache from the logged-in principals, so keys that lost
// their only path are evicted.
func (ks *KeyStore) Remove(ctx context.Context, hasAccess, accessTo access.Prin) error {
	const op = "keystore.(KeyStore).Remove"
	ks.mu.Lock()
	defer ks.mu.Unlock()

	if err := ks.checkFinished(op); err != nil {
		return err
	}
	hasAccess, err := ks.resolve(op, hasAccess)
	if err != nil {
		return err
	}
	accessTo, err = ks.resolve(op, accessTo)
	if err != nil {
		return err
	}
	table, err := ks.graph.Table(hasAccess.Gen, accessTo.Gen)
	if err != nil {
		return errors.Wrap(err, op)
	}
	row, err := ks.store.GetAccessRow(ctx, table, hasAccess.Value, accessTo.Value)
	if err != nil {
		return errors.Wrap(err, op)
	}
	if row == nil {
		return errors.New(errors.NotFound, op, fmt.Sprintf("no key of %s held by %s", accessTo, hasAccess))
	}
	if err := ks.store.DeleteAccessRow(ctx, table, hasAccess.Value, accessTo.Value); err != nil {
		return errors.Wrap(err, op)
	}

	if o, ok := ks.orphans[accessTo.ID()]; ok {
		delete(o.parents, hasAccess.ID())
		if p, ok := ks.orphans[hasAccess.ID()]; ok {
			delete(p.children, accessTo.ID())
		}
		if len(o.parents) == 0 {
			ks.removeFromOrphans(accessTo.ID())
		}
	}

	ks.rebuild(ctx)
	return nil
}

// rebuild recomputes the live cache from the logged-in roots. A dropped key
// that no password principal can recover from the stored rows is moved to
// the orphan graph while rows still wrap it or are wrapped under it.
func (ks *KeyStore) rebuild(ctx context.Context) {
	old := ks.keys
	ks.keys = make(map[access.PrinID]*prinKey, len(old))
	ks.uncached = make(map[string]prinSet)

	var gens []string
	for _, id := range ks.roots.sorted() {
		k := old[id]
		ks.keys[id] = &prinKey{prin: k.prin, key: bytes.Clone(k.key), holders: prinSet{id: {}}}
		gens = append(gens, id.Gen)
	}
	// Root keys reached from other roots pick up those holders in the sweep.
	ks.logSweep(ctx, gens...)

	var dropped []*prinKey
	for _, id := range prinSetOf(old).sorted() {
		if _, ok := ks.keys[id]; !ok {
			dropped = append(dropped, old[id])
		}
	}
	ks.demote(ctx, dropped)

	for id, k := range old {
		crypto.Zero(k.key)
		if _, ok := ks.keys[id]; !ok && ks.status(id) != Orphaned {
			ks.logger.Debug("evicted key", "principal", id.String())
		}
	}
}

func prinSetOf(m map[access.PrinID]*prinKey) prinSet {
	s := make(prinSet, len(m))
	for id := range m {
		s[id] = struct{}{}
	}
	return s
}

// demote moves the keys of dropped that would otherwise be lost into the
// orphan graph and links them to the orphans whose rows wrap them.
func (ks *KeyStore) demote(ctx context.Context, dropped []*prinKey) {
	parents := make(map[access.PrinID][]access.Prin)
	for _, k := range dropped {
		keep, holders, err := ks.unrecoverable(ctx, k.prin)
		if err != nil {
			ks.logger.Warn("failed to check stored rows, keeping key as orphan", "principal", k.prin.ID().String(), "error", err)
			keep = true
		}
		if !keep {
			continue
		}
		id := k.prin.ID()
		ks.orphans[id] = &orphan{prin: k.prin, key: bytes.Clone(k.key), parents: make(prinSet), children: make(prinSet)}
		parents[id] = holders
		ks.logger.Debug("demoted key to orphan", "principal", id.String())
	}
	for id, holders := range parents {
		for _, h := range holders {
			p, ok := ks.orphans[h.ID()]
			if !ok {
				continue
			}
			ks.orphans[id].parents[h.ID()] = struct{}{}
			p.children[id] = struct{}{}
		}
	}
}

// unrecoverable reports whether p's key would be lost if dropped: no
// password principal reaches it through stored rows, yet some row still
// wraps it or is wrapped under it. It also returns the holders of the rows
// wrapping p.
func (ks *KeyStore) unrecoverable(ctx context.Context, p access.Prin) (bool, []access.Prin, error) {
	holders, err := ks.holders(ctx, p)
	if err != nil {
		return false, nil, err
	}
	visiting := prinSet{p.ID(): {}}
	for _, h := range holders {
		ok, err := ks.recoverable(ctx, h, visiting)
		if err != nil {
			return false, nil, err
		}
		if ok {
			return false, holders, nil
		}
	}
	if len(holders) > 0 {
		return true, holders, nil
	}
	for _, gen := range ks.graph.Children(p.Gen) {
		table, err := ks.graph.Table(p.Gen, gen)
		if err != nil {
			return false, nil, err
		}
		n, err := ks.store.CountAccessRows(ctx, table, []string{p.Value})
		if err != nil {
			return false, nil, err
		}
		if n > 0 {
			return true, nil, nil
		}
	}
	return false, nil, nil
}

// recoverable reports whether p's key can be obtained again from a login
// and the stored rows.
func (ks *KeyStore) recoverable(ctx context.Context, p access.Prin, visiting prinSet) (bool, error) {
	id := p.ID()
	if _, ok := ks.keys[id]; ok {
		return true, nil
	}
	if ks.graph.IsGenGives(p.Gen) {
		return true, nil
	}
	if _, ok := ks.orphans[id]; ok {
		return false, nil
	}
	if _, ok := visiting[id]; ok {
		return false, nil
	}
	visiting[id] = struct{}{}
	defer delete(visiting, id)

	holders, err := ks.holders(ctx, p)
	if err != nil {
		return false, err
	}
	for _, h := range holders {
		ok, err := ks.recoverable(ctx, h, visiting)
		if err != nil || ok {
			return ok, err
		}
	}
	return false, nil
}

// holders returns the principals holding a stored row for p.
func (ks *KeyStore) holders(ctx context.Context, p access.Prin) ([]access.Prin, error) {
	var out []access.Prin
	for _, gen := range ks.graph.Parents(p.Gen) {
		table, err := ks.graph.Table(gen, p.Gen)
		if err != nil {
			return nil, err
		}
		values, err := ks.store.ListHolders(ctx, table, p.Value)
		if err != nil {
			return nil, err
		}
		for _, v := range values {
			out = append(out, ks.prinOf(gen, v))
		}
	}
	return out, nil
}
