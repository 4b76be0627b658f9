package largeblob

import (
	"time"

	"github.com/pion/logging"
)

// Options holds the tunables an Engine is configured with. Construct via
// New's functional options rather than directly; the zero value is never
// used on its own.
type Options struct {
	loggerFactory logging.LoggerFactory
	maxFragment   int
	rxTimeout     time.Duration
}

// Option configures an Engine at construction time.
type Option func(*Options)

// WithLoggerFactory sets the logging.LoggerFactory the Engine draws its
// logger from. Without this option, the Engine uses
// logging.NewDefaultLoggerFactory(), whose default level is Error unless
// raised through its environment variables, so the Engine's Warn-level
// messages are discarded.
func WithLoggerFactory(f logging.LoggerFactory) Option {
	return func(o *Options) {
		o.loggerFactory = f
	}
}

// WithMaxFragment overrides the per-exchange fragment size the Engine
// derives from the device's MaxMsgSize. Only useful in tests against a
// fake device, or to work around an authenticator that advertises a
// larger MaxMsgSize than it can actually sustain.
func WithMaxFragment(n int) Option {
	return func(o *Options) {
		o.maxFragment = n
	}
}

// WithReceiveTimeout overrides the default timeout the Engine waits for a
// response to each CTAPHID_CBOR exchange.
func WithReceiveTimeout(d time.Duration) Option {
	return func(o *Options) {
		o.rxTimeout = d
	}
}

func defaultOptions() Options {
	return Options{
		loggerFactory: logging.NewDefaultLoggerFactory(),
		maxFragment:   0, // 0 means "derive from ctap2.MaxFragmentLength"
		rxTimeout:     30 * time.Second,
	}
}
