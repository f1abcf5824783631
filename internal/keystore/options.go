package keystore

import "github.com/hashicorp/go-hclog"

// DefaultEagerThreshold is the number of rows an edge may hold before a
// sweep stops materializing it and leaves its keys for on-demand lookup.
const DefaultEagerThreshold = 100

// Traversal selects the order in which a sweep visits generics.
type Traversal int

const (
	BFS Traversal = iota
	DFS
)

// ParseTraversal parses "bfs" or "dfs".
func ParseTraversal(s string) (Traversal, bool) {
	switch s {
	case "bfs", "":
		return BFS, true
	case "dfs":
		return DFS, true
	}
	return BFS, false
}

func (t Traversal) String() string {
	if t == DFS {
		return "dfs"
	}
	return "bfs"
}

// getOpts - iterate the inbound Options and return a struct.
func getOpts(opt ...Option) *options {
	opts := getDefaultOptions()
	for _, o := range opt {
		if o != nil {
			o(opts)
		}
	}
	return opts
}

// Option - how Options are passed as arguments.
type Option func(*options)

type options struct {
	withLogger         hclog.Logger
	withTraversal      Traversal
	withEagerThreshold int
}

func getDefaultOptions() *options {
	return &options{
		withLogger:         hclog.NewNullLogger(),
		withTraversal:      BFS,
		withEagerThreshold: DefaultEagerThreshold,
	}
}

// WithLogger sets the logger.
func WithLogger(l hclog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.withLogger = l
		}
	}
}

// WithTraversal selects BFS or DFS sweeps. Both derive the same keys.
func WithTraversal(t Traversal) Option {
	return func(o *options) {
		o.withTraversal = t
	}
}

// WithEagerThreshold sets the per-edge row count above which a sweep leaves
// keys uncached. Zero or less caches every edge eagerly.
func WithEagerThreshold(n int) Option {
	return func(o *options) {
		o.withEagerThreshold = n
	}
}
