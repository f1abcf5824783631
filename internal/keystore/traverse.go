package keystore

import (
	"context"
	"fmt"
	"sort"

	"github.com/hashicorp/go-multierror"
	"github.com/shalteor/edbcore/internal/access"
	"github.com/shalteor/edbcore/internal/crypto"
	"github.com/shalteor/edbcore/internal/db"
	"github.com/shalteor/edbcore/internal/errors"
)

// BFSHasAccess returns start and every generic reachable from it over
// has-access edges, in breadth-first order.
func BFSHasAccess(g *access.Graph, start string) []string {
	visited := map[string]bool{start: true}
	order := []string{start}
	for i := 0; i < len(order); i++ {
		for _, child := range g.Children(order[i]) {
			if !visited[child] {
				visited[child] = true
				order = append(order, child)
			}
		}
	}
	return order
}

// DFSHasAccess returns the same generics as BFSHasAccess in depth-first
// preorder.
func DFSHasAccess(g *access.Graph, start string) []string {
	visited := make(map[string]bool)
	var order []string
	stack := []string{start}
	for len(stack) > 0 {
		gen := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited[gen] {
			continue
		}
		visited[gen] = true
		order = append(order, gen)
		children := g.Children(gen)
		for i := len(children) - 1; i >= 0; i-- {
			if !visited[children[i]] {
				stack = append(stack, children[i])
			}
		}
	}
	return order
}

func (ks *KeyStore) traverse(start string) []string {
	if ks.traversal == DFS {
		return DFSHasAccess(ks.graph, start)
	}
	return BFSHasAccess(ks.graph, start)
}

// sweep derives every key reachable from the cached keys of the start
// generics. It repeats until a pass changes nothing so cycles and late
// holders settle. A failing edge or row only stops that branch; the
// failures are returned together.
func (ks *KeyStore) sweep(ctx context.Context, start ...string) error {
	seen := make(map[string]bool)
	var order []string
	for _, s := range start {
		for _, gen := range ks.traverse(s) {
			if !seen[gen] {
				seen[gen] = true
				order = append(order, gen)
			}
		}
	}

	failures := make(map[string]error)
	for pass := 1; ; pass++ {
		changed := false
		for _, gen := range order {
			parents := ks.liveIn(gen)
			if len(parents) == 0 {
				continue
			}
			for _, child := range ks.graph.Children(gen) {
				c, err := ks.deriveEdge(ctx, gen, child, parents, failures)
				if err != nil {
					failures[gen+" -> "+child] = err
				}
				changed = changed || c
			}
		}
		if !changed {
			ks.logger.Trace("sweep settled", "generics", len(order), "passes", pass)
			break
		}
	}

	if len(failures) == 0 {
		return nil
	}
	keys := make([]string, 0, len(failures))
	for k := range failures {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var result *multierror.Error
	for _, k := range keys {
		result = multierror.Append(result, failures[k])
	}
	return result.ErrorOrNil()
}

// deriveEdge decrypts the rows of the edge gen -> child held by parents.
// An edge with more rows than the threshold is left for getUncached.
func (ks *KeyStore) deriveEdge(ctx context.Context, gen, child string, parents []*prinKey, failures map[string]error) (bool, error) {
	const op = "keystore.deriveEdge"
	table, err := ks.graph.Table(gen, child)
	if err != nil {
		return false, errors.Wrap(err, op)
	}
	values := make([]string, len(parents))
	byValue := make(map[string]*prinKey, len(parents))
	for i, p := range parents {
		values[i] = p.prin.Value
		byValue[p.prin.Value] = p
	}

	if ks.threshold > 0 {
		n, err := ks.store.CountAccessRows(ctx, table, values)
		if err != nil {
			return false, errors.Wrap(err, op, errors.WithMsg("table %s", table))
		}
		if n > ks.threshold {
			s := ks.uncached[child]
			if s == nil {
				s = make(prinSet)
				ks.uncached[child] = s
			}
			for _, p := range parents {
				s[p.prin.ID()] = struct{}{}
			}
			ks.logger.Debug("edge left uncached", "has_access", gen, "access_to", child, "rows", n)
			return false, nil
		}
	}

	rows, err := ks.store.ListAccessRows(ctx, table, values)
	if err != nil {
		return false, errors.Wrap(err, op, errors.WithMsg("table %s", table))
	}
	changed := false
	for _, row := range rows {
		parent := byValue[row.HasAccess]
		rowID := fmt.Sprintf("%s: %s -> %s", table, row.HasAccess, row.AccessTo)
		key, err := ks.decryptRow(ctx, parent, row)
		if err != nil {
			failures[rowID] = errors.Wrap(err, op, errors.WithMsg("row %s", rowID))
			ks.logger.Warn("failed to derive key", "row", rowID, "error", err)
			continue
		}
		c, err := ks.cache(ks.prinOf(child, row.AccessTo), key, parent.holders)
		crypto.Zero(key)
		if err != nil {
			failures[rowID] = errors.Wrap(err, op, errors.WithMsg("row %s", rowID))
			ks.logger.Warn("failed to cache key", "row", rowID, "error", err)
			continue
		}
		delete(failures, rowID)
		changed = changed || c
	}
	return changed, nil
}

// decryptRow unwraps the key stored in row with the key of parent.
func (ks *KeyStore) decryptRow(ctx context.Context, parent *prinKey, row *db.AccessRow) ([]byte, error) {
	if !row.Asym {
		return ks.crypt.DecryptSym(parent.key, row.Salt, row.EncryptedKey)
	}
	sec, err := ks.secretKey(ctx, parent.prin, parent.key)
	if err != nil {
		return nil, err
	}
	defer crypto.Zero(sec)
	return ks.crypt.DecryptAsym(sec, row.EncryptedKey)
}

// secretKey decrypts the secret half of p's key pair with p's key.
func (ks *KeyStore) secretKey(ctx context.Context, p access.Prin, key []byte) ([]byte, error) {
	const op = "keystore.secretKey"
	pk, err := ks.store.GetPublicKey(ctx, p.Gen, p.Value)
	if err != nil {
		return nil, errors.Wrap(err, op)
	}
	if pk == nil {
		return nil, errors.New(errors.NotFound, op, "no key pair for "+p.ID().String())
	}
	sec, err := ks.crypt.DecryptSym(key, pk.Salt, pk.EncryptedSecretKey)
	if err != nil {
		return nil, errors.Wrap(err, op, errors.WithCode(errors.CryptoFailure))
	}
	return sec, nil
}

// logSweep runs a sweep whose failures never fail the caller.
func (ks *KeyStore) logSweep(ctx context.Context, start ...string) {
	if err := ks.sweep(ctx, start...); err != nil {
		ks.logger.Warn("partial key derivation", "start", start, "error", err)
	}
}
