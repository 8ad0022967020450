package symcache

import (
	"github.com/go-kit/log"
)

// Option configures building or opening a cache.
type Option func(*options)

type options struct {
	checksum   bool // Verify the body checksum on open
	noChecksum bool // Do not compute a body checksum when building
	version    uint32
	logger     log.Logger
}

func defaultOptions() options {
	return options{
		version: LatestVersion,
		logger:  log.NewNopLogger(),
	}
}

func applyOptions(opts []Option) options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithChecksum enables checksum verification when opening caches. Caches
// built without a checksum are accepted as is.
func WithChecksum() Option {
	return func(o *options) {
		o.checksum = true
	}
}

// WithoutChecksum skips computing the body checksum when building.
func WithoutChecksum() Option {
	return func(o *options) {
		o.noChecksum = true
	}
}

// WithFormatVersion makes the builder emit an older layout, for consumers
// that cannot read the latest one yet.
func WithFormatVersion(v uint32) Option {
	return func(o *options) {
		o.version = v
	}
}

// WithLogger sets the logger the builder reports dropped records to.
func WithLogger(logger log.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}
