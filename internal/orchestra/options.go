package orchestra

import (
	"net/http"

	"github.com/ShayCichocki/orchestra/internal/exec"
	"github.com/ShayCichocki/orchestra/internal/llm"
	"github.com/ShayCichocki/orchestra/internal/logging"
	"github.com/ShayCichocki/orchestra/internal/store"
	"github.com/ShayCichocki/orchestra/internal/transport"
)

// Option configures an Orchestra. Use With* functions to create Options.
type Option func(*options)

// options holds optional collaborators. Anything left nil is built from
// the config.
type options struct {
	logger     *logging.Logger
	providers  *llm.Providers
	runner     exec.CommandRunner
	httpClient *http.Client
	transport  transport.Transport
	onEvent    func(store.Event)
}

// WithLogger sets the root logger. Components log through children of it.
func WithLogger(l *logging.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithProviders replaces the model clients built from config.
func WithProviders(p *llm.Providers) Option {
	return func(o *options) { o.providers = p }
}

// WithCommandRunner sets the runner used by shell steps.
func WithCommandRunner(r exec.CommandRunner) Option {
	return func(o *options) { o.runner = r }
}

// WithHTTPClient sets the client used by http-call steps.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// WithTransport replaces the transport built from config. In remote mode
// the transport must also implement transport.ReportSource and
// store.Canceller.
func WithTransport(t transport.Transport) Option {
	return func(o *options) { o.transport = t }
}

// WithEventHandler is called for every task lifecycle event, after it has
// been logged. It runs on the event goroutine and must not block.
func WithEventHandler(fn func(store.Event)) Option {
	return func(o *options) { o.onEvent = fn }
}
