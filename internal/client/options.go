package client

import (
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"waitroom-intake/pkg"
)

// HTTPDoer sends HTTP requests.  *http.Client satisfies it.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Callbacks are the events a rendering layer consumes.  Nil fields are
// skipped.  Callbacks run on the goroutine that caused the event, outside
// the client's lock.
type Callbacks struct {
	MessageAppended func(pkg.Message)
	SessionStarted  func(pkg.Session)
	SessionEnded    func(pkg.Session)
	UrgencyUpdated  func(pkg.UrgencyLevel)
	// Error receives start, send and end failures and the missing-session
	// warning.  Empty input and concurrent sends are not reported.
	Error func(error)
	// Tick fires about once per second with the elapsed session time.
	Tick func(elapsed time.Duration)
}

type clientOptions struct {
	http      HTTPDoer
	clock     Clock
	tokens    TokenProvider
	callbacks Callbacks
	logger    zerolog.Logger
	tick      time.Duration
}

type Option func(*clientOptions) error

func WithHTTPClient(d HTTPDoer) Option {
	return func(o *clientOptions) error {
		if d == nil {
			return errors.New("nil http client")
		}
		o.http = d
		return nil
	}
}

func WithClock(c Clock) Option {
	return func(o *clientOptions) error {
		if c == nil {
			return errors.New("nil clock")
		}
		o.clock = c
		return nil
	}
}

func WithTokenProvider(p TokenProvider) Option {
	return func(o *clientOptions) error {
		o.tokens = p
		return nil
	}
}

func WithCallbacks(cb Callbacks) Option {
	return func(o *clientOptions) error {
		o.callbacks = cb
		return nil
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(o *clientOptions) error {
		o.logger = l
		return nil
	}
}

// WithTickInterval overrides the one second elapsed-time period.
func WithTickInterval(d time.Duration) Option {
	return func(o *clientOptions) error {
		if d <= 0 {
			return errors.Errorf("tick interval must be positive, got %s", d)
		}
		o.tick = d
		return nil
	}
}
