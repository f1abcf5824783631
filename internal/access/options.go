package access

import "github.com/hashicorp/go-hclog"

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
	withLogger hclog.Logger
}

func getDefaultOptions() *options {
	return &options{withLogger: hclog.NewNullLogger()}
}

// WithLogger sets the logger used by the graph.
func WithLogger(l hclog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.withLogger = l
		}
	}
}
