package gocbx

import (
	"context"
	"net"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Feature is one of the HELLO-negotiable capabilities (§4.3 step 2).
type Feature uint16

const (
	FeatureTLS               Feature = iota
	FeatureJSON
	FeatureMutationTokens
	FeatureXattr
	FeatureSnappy
	FeatureEnhancedErrors
	FeatureUnorderedExecution
	FeatureSelectBucket
	FeatureTracing
)

// cfg holds everything an Agent needs, built up by Opt functions in the
// manner of the teacher's own cfg+Opt pattern (kgo.cfg, referenced
// throughout broker.go as b.cl.cfg.*).
type cfg struct {
	seeds    []string
	bucket   string
	username string
	password string

	dial DialOptions

	dialFn func(ctx context.Context, network, addr string) (net.Conn, error)

	poolSize     int
	maxFrameSize uint32

	features []Feature

	logger Logger

	registerer prometheus.Registerer

	connectTimeout time.Duration
	acquireTimeout time.Duration

	retryBaseDelay time.Duration
	retryMaxDelay  time.Duration

	connStringErr error
}

func defaultCfg() cfg {
	return cfg{
		dial:         defaultDialOptions(),
		dialFn:       (&net.Dialer{}).DialContext,
		poolSize:     2,
		maxFrameSize: DefaultMaxFrameSize,
		features: []Feature{
			FeatureJSON, FeatureMutationTokens, FeatureXattr,
			FeatureSnappy, FeatureEnhancedErrors, FeatureSelectBucket,
		},
		logger:         nopLogger{},
		registerer:     prometheus.NewRegistry(),
		connectTimeout: 10 * time.Second,
		acquireTimeout: 5 * time.Second,
		retryBaseDelay: time.Millisecond,
		retryMaxDelay:  500 * time.Millisecond,
	}
}

// Opt configures an Agent at construction time.
type Opt interface {
	apply(*cfg)
}

type optFn func(*cfg)

func (f optFn) apply(c *cfg) { f(c) }

// WithSeeds sets the initial seed node addresses (host[:port]).
func WithSeeds(seeds ...string) Opt {
	return optFn(func(c *cfg) { c.seeds = seeds })
}

// WithBucket names the bucket to SELECT_BUCKET into during the handshake.
func WithBucket(bucket string) Opt {
	return optFn(func(c *cfg) { c.bucket = bucket })
}

// WithCredentials sets the SASL username/password.
func WithCredentials(username, password string) Opt {
	return optFn(func(c *cfg) { c.username = username; c.password = password })
}

// WithPoolSize overrides the per-node connection pool size (default 2,
// valid range 1-64 per §4.4).
func WithPoolSize(n int) Opt {
	return optFn(func(c *cfg) {
		if n < 1 {
			n = 1
		}
		if n > 64 {
			n = 64
		}
		c.poolSize = n
	})
}

// WithLogger installs a Logger; the default discards everything.
func WithLogger(l Logger) Opt {
	return optFn(func(c *cfg) {
		if l != nil {
			c.logger = l
		}
	})
}

// WithRegisterer installs a prometheus.Registerer for ambient metrics
// (§4.13/C13). The default is a private registry, never the global one, so
// embedding applications never collide on metric names.
func WithRegisterer(r prometheus.Registerer) Opt {
	return optFn(func(c *cfg) {
		if r != nil {
			c.registerer = r
		}
	})
}

// WithMaxFrameSize overrides the maximum accepted binary-protocol frame
// size (default 20 MiB, §3).
func WithMaxFrameSize(n uint32) Opt {
	return optFn(func(c *cfg) { c.maxFrameSize = n })
}

// WithConnString parses a couchbase:// connection string and applies its
// seeds and dial options.
func WithConnString(s string) Opt {
	return optFn(func(c *cfg) {
		seeds, opts, err := ParseConnectionString(s)
		if err != nil {
			c.connStringErr = err
			return
		}
		c.seeds = seeds
		c.dial = opts
	})
}
