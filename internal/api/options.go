package api

import (
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/shalteor/edbcore/internal/crypto"
)

// DefaultSessionTTL is how long a login token stays valid.
const DefaultSessionTTL = 12 * time.Hour

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
	withKDFParams      crypto.KDFParams
	withSessionSecret  []byte
	withSessionTTL     time.Duration
	withAllowedOrigins []string
}

func getDefaultOptions() *options {
	return &options{
		withLogger:     hclog.NewNullLogger(),
		withKDFParams:  crypto.DefaultKDFParams(),
		withSessionTTL: DefaultSessionTTL,
	}
}

// WithLogger sets the request logger.
func WithLogger(l hclog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.withLogger = l
		}
	}
}

// WithKDFParams sets the argon2id parameters used to turn passwords into
// root keys.
func WithKDFParams(p crypto.KDFParams) Option {
	return func(o *options) {
		o.withKDFParams = p
	}
}

// WithSessionSecret sets the HMAC secret for session tokens. Without it a
// random secret is generated and tokens do not survive a restart.
func WithSessionSecret(secret []byte) Option {
	return func(o *options) {
		o.withSessionSecret = secret
	}
}

// WithSessionTTL sets the token lifetime.
func WithSessionTTL(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.withSessionTTL = d
		}
	}
}

// WithAllowedOrigins enables CORS for the given origins.
func WithAllowedOrigins(origins []string) Option {
	return func(o *options) {
		o.withAllowedOrigins = origins
	}
}
