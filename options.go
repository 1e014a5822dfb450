package govee

import (
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/dokzlo13/govee/learning"
)

// DefaultBrightnessTurnOnDelay spaces the implicit turn-on from the
// brightness command that follows it.
const DefaultBrightnessTurnOnDelay = time.Second

// DefaultRPSLimit caps outgoing requests per second independently of the
// quota headers.
const DefaultRPSLimit = 10

type options struct {
	httpClient *http.Client
	baseURL    string
	storage    learning.Storage
	logger     zerolog.Logger

	reserve  int
	rpsLimit float64

	getLock time.Duration
	setLock time.Duration

	eventWorkers int
	eventQueue   int

	brightnessTurnOnDelay time.Duration
}

// Option customizes a Client.
type Option func(*options)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) {
		if c != nil {
			o.httpClient = c
		}
	}
}

// WithBaseURL points the client at a different API endpoint. Useful for
// tests and proxies.
func WithBaseURL(u string) Option {
	return func(o *options) {
		if u != "" {
			o.baseURL = u
		}
	}
}

// WithLearningStorage persists learned device parameters across restarts.
// Without it learned values live in memory only.
func WithLearningStorage(s learning.Storage) Option {
	return func(o *options) { o.storage = s }
}

// WithLogger attaches a structured logger. The default discards everything.
func WithLogger(log zerolog.Logger) Option {
	return func(o *options) { o.logger = log }
}

// WithRateLimitReserve sets the quota buffer below which calls wait for the
// reset instead of being sent.
func WithRateLimitReserve(n int) Option {
	return func(o *options) { o.reserve = n }
}

// WithRPSLimit sets the requests-per-second ceiling.
func WithRPSLimit(rps float64) Option {
	return func(o *options) {
		if rps > 0 {
			o.rpsLimit = rps
		}
	}
}

// WithLockWindows overrides the anti-flicker windows: getLock suppresses
// polls after a control, setLock spaces consecutive controls.
func WithLockWindows(getLock, setLock time.Duration) Option {
	return func(o *options) {
		o.getLock = getLock
		o.setLock = setLock
	}
}

// WithEventWorkers sizes the event dispatch pool.
func WithEventWorkers(workers, queueSize int) Option {
	return func(o *options) {
		o.eventWorkers = workers
		o.eventQueue = queueSize
	}
}

// WithBrightnessTurnOnDelay sets the pause between the implicit turn-on and
// the brightness command for devices that need one.
func WithBrightnessTurnOnDelay(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.brightnessTurnOnDelay = d
		}
	}
}

func defaultOptions() options {
	return options{
		httpClient:            &http.Client{Timeout: 30 * time.Second},
		baseURL:               DefaultBaseURL,
		logger:                zerolog.Nop(),
		rpsLimit:              DefaultRPSLimit,
		brightnessTurnOnDelay: DefaultBrightnessTurnOnDelay,
	}
}
