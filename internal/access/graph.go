// Package access records which principals can unlock the keys of which
// other principals.
//
// Principal type names (for example "u.uid" or "g.gid") are grouped into
// equivalence classes called generics. Access edges and the gives set are
// kept over generics; every edge gets the name of the table that will hold
// its wrapped keys.
package access

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/hashicorp/go-hclog"
	"github.com/shalteor/edbcore/internal/errors"
)

// TablePrefix starts the name of every access table.
const TablePrefix = "edb_access_"

type set map[string]struct{}

func (s set) sorted() []string {
	out := make([]string, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (s set) add(k string) { s[k] = struct{}{} }

func (s set) has(k string) bool {
	_, ok := s[k]
	return ok
}

// Edge is one access edge and its table.
type Edge struct {
	HasAccess string
	AccessTo  string
	Table     string
}

// TableStore creates and drops access tables.
type TableStore interface {
	CreateAccessTable(ctx context.Context, table string) error
	DropAccessTable(ctx context.Context, table string) error
}

// Graph is the principal access graph. It is not safe for concurrent
// mutation; once finished it is read-only.
type Graph struct {
	logger hclog.Logger

	prinToGen map[string]string
	genToPrin map[string]set

	// hasAccessTo and accessibleFrom are exact inverses
	hasAccessTo    map[string]set
	accessibleFrom map[string]set

	gives  set
	tables map[string]map[string]string

	genNum   int
	tableNum int
	finished bool
}

// New returns an empty graph.
func New(opt ...Option) *Graph {
	opts := getOpts(opt...)
	return &Graph{
		logger:         opts.withLogger,
		prinToGen:      make(map[string]string),
		genToPrin:      make(map[string]set),
		hasAccessTo:    make(map[string]set),
		accessibleFrom: make(map[string]set),
		gives:          make(set),
		tables:         make(map[string]map[string]string),
	}
}

func (g *Graph) checkOpen(op errors.Op) error {
	if g.finished {
		return errors.New(errors.InvalidOperation, op, "access graph is finished")
	}
	return nil
}

func sanitize(prin string) string {
	return strings.ReplaceAll(prin, ".", "_")
}

func (g *Graph) createGeneric(prin string) string {
	gen := fmt.Sprintf("gen%d_%s", g.genNum, sanitize(prin))
	g.genNum++
	g.prinToGen[prin] = gen
	g.genToPrin[gen] = set{prin: {}}
	g.logger.Trace("created generic", "principal", prin, "generic", gen)
	return gen
}

func (g *Graph) ensureGeneric(prin string) string {
	if gen, ok := g.prinToGen[prin]; ok {
		return gen
	}
	return g.createGeneric(prin)
}

// AddEquals declares that p1 and p2 name the same principal. When both
// already belong to different generics the classes are merged into p1's,
// keeping every edge and the gives flag of both.
func (g *Graph) AddEquals(p1, p2 string) error {
	const op = "access.(Graph).AddEquals"
	if err := g.checkOpen(op); err != nil {
		return err
	}
	if p1 == "" || p2 == "" {
		return errors.New(errors.InvalidOperation, op, "empty principal name")
	}
	gen1, ok1 := g.prinToGen[p1]
	gen2, ok2 := g.prinToGen[p2]
	switch {
	case !ok1 && !ok2:
		gen1 = g.createGeneric(p1)
		g.prinToGen[p2] = gen1
		g.genToPrin[gen1].add(p2)
	case ok1 && !ok2:
		g.prinToGen[p2] = gen1
		g.genToPrin[gen1].add(p2)
	case !ok1 && ok2:
		g.prinToGen[p1] = gen2
		g.genToPrin[gen2].add(p1)
	case gen1 != gen2:
		g.merge(gen1, gen2)
	}
	return nil
}

// merge folds generic from into generic into.
func (g *Graph) merge(into, from string) {
	for p := range g.genToPrin[from] {
		g.prinToGen[p] = into
		g.genToPrin[into].add(p)
	}
	delete(g.genToPrin, from)

	if g.gives.has(from) {
		g.gives.add(into)
		delete(g.gives, from)
	}

	for to := range g.hasAccessTo[from] {
		table := g.tables[from][to]
		if to == from {
			to = into
		}
		g.link(into, to, table)
	}
	for src := range g.accessibleFrom[from] {
		if src == from {
			continue
		}
		g.link(src, into, g.tables[src][from])
		delete(g.hasAccessTo[src], from)
		delete(g.tables[src], from)
	}
	for to := range g.hasAccessTo[from] {
		delete(g.accessibleFrom[to], from)
	}
	delete(g.hasAccessTo, from)
	delete(g.accessibleFrom, from)
	delete(g.tables, from)

	g.logger.Debug("merged generics", "into", into, "from", from)
}

// link adds the edge hasAccess -> accessTo in both directions. An edge that
// already exists keeps its table.
func (g *Graph) link(hasAccess, accessTo, table string) {
	if g.hasAccessTo[hasAccess] == nil {
		g.hasAccessTo[hasAccess] = make(set)
	}
	if g.accessibleFrom[accessTo] == nil {
		g.accessibleFrom[accessTo] = make(set)
	}
	g.hasAccessTo[hasAccess].add(accessTo)
	g.accessibleFrom[accessTo].add(hasAccess)

	if g.tables[hasAccess] == nil {
		g.tables[hasAccess] = make(map[string]string)
	}
	if _, ok := g.tables[hasAccess][accessTo]; ok {
		return
	}
	if table == "" {
		table = fmt.Sprintf("%s%d", TablePrefix, g.tableNum)
		g.tableNum++
	}
	g.tables[hasAccess][accessTo] = table
}

// AddAccess records that hasAccess can unlock the key of accessTo.
// Principals without a generic get a new one.
func (g *Graph) AddAccess(hasAccess, accessTo string) error {
	const op = "access.(Graph).AddAccess"
	if err := g.checkOpen(op); err != nil {
		return err
	}
	if hasAccess == "" || accessTo == "" {
		return errors.New(errors.InvalidOperation, op, "empty principal name")
	}
	from := g.ensureGeneric(hasAccess)
	to := g.ensureGeneric(accessTo)
	g.link(from, to, "")
	g.logger.Trace("added access", "has_access", from, "access_to", to)
	return nil
}

// AddGives marks prin's generic as able to originate a password key.
func (g *Graph) AddGives(prin string) error {
	const op = "access.(Graph).AddGives"
	if err := g.checkOpen(op); err != nil {
		return err
	}
	if prin == "" {
		return errors.New(errors.InvalidOperation, op, "empty principal name")
	}
	g.gives.add(g.ensureGeneric(prin))
	return nil
}

// Generic returns the generic of a principal type.
func (g *Graph) Generic(prin string) (string, error) {
	gen, ok := g.prinToGen[prin]
	if !ok {
		return "", errors.New(errors.NotFound, "access.(Graph).Generic", fmt.Sprintf("unknown principal %s", prin))
	}
	return gen, nil
}

// Prin resolves a concrete principal of type typ.
func (g *Graph) Prin(typ, value string) (Prin, error) {
	gen, err := g.Generic(typ)
	if err != nil {
		return Prin{}, err
	}
	return Prin{Type: typ, Value: value, Gen: gen}, nil
}

// IsType reports whether prin is a known principal type.
func (g *Graph) IsType(prin string) bool {
	_, ok := g.prinToGen[prin]
	return ok
}

// IsGeneric reports whether gen is a live generic.
func (g *Graph) IsGeneric(gen string) bool {
	_, ok := g.genToPrin[gen]
	return ok
}

func (g *Graph) checkGeneric(op errors.Op, gen string) error {
	if !g.IsGeneric(gen) {
		return errors.New(errors.NotFound, op, fmt.Sprintf("unknown generic %s", gen))
	}
	return nil
}

// GenHasAccessTo returns gen and the generics gen has immediate access to.
func (g *Graph) GenHasAccessTo(gen string) ([]string, error) {
	if err := g.checkGeneric("access.(Graph).GenHasAccessTo", gen); err != nil {
		return nil, err
	}
	out := set{gen: {}}
	for to := range g.hasAccessTo[gen] {
		out.add(to)
	}
	return out.sorted(), nil
}

// GenAccessibleFrom returns gen and the generics with immediate access to
// gen.
func (g *Graph) GenAccessibleFrom(gen string) ([]string, error) {
	if err := g.checkGeneric("access.(Graph).GenAccessibleFrom", gen); err != nil {
		return nil, err
	}
	out := set{gen: {}}
	for from := range g.accessibleFrom[gen] {
		out.add(from)
	}
	return out.sorted(), nil
}

// Children returns the generics gen has immediate access to, gen itself
// only when there is a self edge.
func (g *Graph) Children(gen string) []string {
	return g.hasAccessTo[gen].sorted()
}

// Parents returns the generics with immediate access to gen.
func (g *Graph) Parents(gen string) []string {
	return g.accessibleFrom[gen].sorted()
}

func (g *Graph) expandTypes(prin string, neighbors set) []string {
	own := g.genToPrin[g.prinToGen[prin]]
	out := make(set)
	for gen := range neighbors {
		for p := range g.genToPrin[gen] {
			if p == prin || own.has(p) {
				continue
			}
			out.add(p)
		}
	}
	return out.sorted()
}

// TypesHasAccessTo returns the principal types prin has immediate access
// to, excluding prin and the types equal to it.
func (g *Graph) TypesHasAccessTo(prin string) ([]string, error) {
	gen, err := g.Generic(prin)
	if err != nil {
		return nil, errors.Wrap(err, "access.(Graph).TypesHasAccessTo")
	}
	return g.expandTypes(prin, g.hasAccessTo[gen]), nil
}

// TypesAccessibleFrom returns the principal types with immediate access to
// prin, excluding prin and the types equal to it.
func (g *Graph) TypesAccessibleFrom(prin string) ([]string, error) {
	gen, err := g.Generic(prin)
	if err != nil {
		return nil, errors.Wrap(err, "access.(Graph).TypesAccessibleFrom")
	}
	return g.expandTypes(prin, g.accessibleFrom[gen]), nil
}

// Equals returns every principal type in prin's generic, prin included.
func (g *Graph) Equals(prin string) ([]string, error) {
	gen, err := g.Generic(prin)
	if err != nil {
		return nil, errors.Wrap(err, "access.(Graph).Equals")
	}
	return g.genToPrin[gen].sorted(), nil
}

// Members returns the principal types of a generic.
func (g *Graph) Members(gen string) []string {
	return g.genToPrin[gen].sorted()
}

// Generics returns every generic in ascending order.
func (g *Graph) Generics() []string {
	out := make([]string, 0, len(g.genToPrin))
	for gen := range g.genToPrin {
		out = append(out, gen)
	}
	sort.Strings(out)
	return out
}

// IsGives reports whether the generic of prin gives passwords.
func (g *Graph) IsGives(prin string) bool {
	gen, ok := g.prinToGen[prin]
	return ok && g.gives.has(gen)
}

// IsGenGives reports whether gen gives passwords.
func (g *Graph) IsGenGives(gen string) bool {
	return g.gives.has(gen)
}

// Table returns the access table of the edge hasAccess -> accessTo.
func (g *Graph) Table(hasAccess, accessTo string) (string, error) {
	table, ok := g.tables[hasAccess][accessTo]
	if !ok {
		return "", errors.New(errors.NotFound, "access.(Graph).Table", fmt.Sprintf("no access from %s to %s", hasAccess, accessTo))
	}
	return table, nil
}

// Edges returns every edge ordered by (hasAccess, accessTo).
func (g *Graph) Edges() []Edge {
	var out []Edge
	for _, from := range g.Generics() {
		for _, to := range g.hasAccessTo[from].sorted() {
			out = append(out, Edge{HasAccess: from, AccessTo: to, Table: g.tables[from][to]})
		}
	}
	return out
}

// Finish freezes the graph. Key operations require a finished graph.
func (g *Graph) Finish() {
	if !g.finished {
		g.finished = true
		g.logger.Debug("access graph finished", "generics", len(g.genToPrin), "edges", len(g.Edges()))
	}
}

// Finished reports whether Finish was called.
func (g *Graph) Finished() bool {
	return g.finished
}

// CreateTables finishes the graph and creates the table of every edge.
func (g *Graph) CreateTables(ctx context.Context, store TableStore) error {
	g.Finish()
	for _, e := range g.Edges() {
		if err := store.CreateAccessTable(ctx, e.Table); err != nil {
			return fmt.Errorf("failed to create access table for %s -> %s: %w", e.HasAccess, e.AccessTo, err)
		}
	}
	return nil
}

// DeleteTables drops the table of every edge.
func (g *Graph) DeleteTables(ctx context.Context, store TableStore) error {
	for _, e := range g.Edges() {
		if err := store.DropAccessTable(ctx, e.Table); err != nil {
			return fmt.Errorf("failed to drop access table for %s -> %s: %w", e.HasAccess, e.AccessTo, err)
		}
	}
	return nil
}

// CheckAccess verifies the internal invariants: the adjacency maps are
// inverses, every edge has a table and every principal maps to a live
// generic that lists it.
func (g *Graph) CheckAccess() error {
	const op = "access.(Graph).CheckAccess"
	for from, tos := range g.hasAccessTo {
		for to := range tos {
			if !g.accessibleFrom[to].has(from) {
				return errors.New(errors.InvalidOperation, op, fmt.Sprintf("%s -> %s missing from inverse map", from, to))
			}
			if _, ok := g.tables[from][to]; !ok {
				return errors.New(errors.InvalidOperation, op, fmt.Sprintf("%s -> %s has no table", from, to))
			}
		}
	}
	for to, froms := range g.accessibleFrom {
		for from := range froms {
			if !g.hasAccessTo[from].has(to) {
				return errors.New(errors.InvalidOperation, op, fmt.Sprintf("%s <- %s missing from forward map", to, from))
			}
		}
	}
	for from, tos := range g.tables {
		for to := range tos {
			if !g.hasAccessTo[from].has(to) {
				return errors.New(errors.InvalidOperation, op, fmt.Sprintf("table for %s -> %s has no edge", from, to))
			}
		}
	}
	for p, gen := range g.prinToGen {
		if !g.genToPrin[gen].has(p) {
			return errors.New(errors.InvalidOperation, op, fmt.Sprintf("principal %s not listed by %s", p, gen))
		}
	}
	for gen := range g.gives {
		if !g.IsGeneric(gen) {
			return errors.New(errors.InvalidOperation, op, fmt.Sprintf("gives generic %s does not exist", gen))
		}
	}
	return nil
}

// WriteTo prints the graph in a stable order.
func (g *Graph) WriteTo(w io.Writer) (int64, error) {
	var b strings.Builder
	fmt.Fprintln(&b, "generics:")
	for _, gen := range g.Generics() {
		mark := ""
		if g.gives.has(gen) {
			mark = " (gives)"
		}
		fmt.Fprintf(&b, "  %s%s: %s\n", gen, mark, strings.Join(g.Members(gen), ", "))
	}
	fmt.Fprintln(&b, "access:")
	for _, e := range g.Edges() {
		fmt.Fprintf(&b, "  %s -> %s [%s]\n", e.HasAccess, e.AccessTo, e.Table)
	}
	n, err := io.WriteString(w, b.String())
	return int64(n), err
}
