package kiseki

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashita-ai/kiseki/internal/model"
)

// Option configures a Tracer.
type Option func(*resolvedOptions)

// resolvedOptions holds all overrides after applying defaults.
// Unexported so callers go through the With* functions.
type resolvedOptions struct {
	apiURL     string
	apiKey     string
	logger     *slog.Logger
	httpClient *http.Client

	objectType ObjectType
	objectID   string

	bufferSize    int
	flushInterval time.Duration
	batchSize     int
	maxRetries    int // -1 means "not set"
}

// WithAPIURL overrides the collector URL from config (KISEKI_API_URL env var).
func WithAPIURL(url string) Option {
	return func(o *resolvedOptions) { o.apiURL = url }
}

// WithAPIKey overrides the API key from config (KISEKI_API_KEY env var).
func WithAPIKey(key string) Option {
	return func(o *resolvedOptions) { o.apiKey = key }
}

// WithLogger sets the structured logger used as the diagnostic side channel.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithHTTPClient sets a custom HTTP client for collector requests.
func WithHTTPClient(client *http.Client) Option {
	return func(o *resolvedOptions) { o.httpClient = client }
}

// WithProject routes root spans to a project's logs.
func WithProject(projectID string) Option {
	return func(o *resolvedOptions) {
		o.objectType = ObjectProjectLogs
		o.objectID = projectID
	}
}

// WithExperiment routes root spans to an experiment.
func WithExperiment(experimentID string) Option {
	return func(o *resolvedOptions) {
		o.objectType = ObjectExperiment
		o.objectID = experimentID
	}
}

// WithPlayground routes root spans to a playground session's logs.
func WithPlayground(playgroundID string) Option {
	return func(o *resolvedOptions) {
		o.objectType = ObjectPlaygroundLogs
		o.objectID = playgroundID
	}
}

// WithBufferSize overrides the delivery buffer capacity (KISEKI_BUFFER_SIZE).
func WithBufferSize(n int) Option {
	return func(o *resolvedOptions) { o.bufferSize = n }
}

// WithFlushInterval overrides the background flush cadence (KISEKI_FLUSH_INTERVAL).
func WithFlushInterval(d time.Duration) Option {
	return func(o *resolvedOptions) { o.flushInterval = d }
}

// WithBatchSize overrides the maximum events per delivery batch (KISEKI_BATCH_SIZE).
func WithBatchSize(n int) Option {
	return func(o *resolvedOptions) { o.batchSize = n }
}

// WithMaxRetries overrides the per-batch retry budget (KISEKI_MAX_RETRIES).
func WithMaxRetries(n int) Option {
	return func(o *resolvedOptions) { o.maxRetries = n }
}

// ---------------------------------------------------------------------------
// Per-span options
// ---------------------------------------------------------------------------

// SpanOption configures a single span at start time.
type SpanOption func(*spanOptions)

type spanOptions struct {
	parents         []Parent
	spanType        model.SpanType
	startTime       time.Time
	propagatedEvent json.RawMessage
}

// WithParent attaches an explicit parent reference, typically reconstructed
// from a token minted in another process. May be given more than once; the
// new span's parent set is the union of all explicit parents and the
// ambient current span.
func WithParent(p Parent) SpanOption {
	return func(o *spanOptions) {
		if p.valid() {
			o.parents = append(o.parents, p)
		}
	}
}

// WithSpanType tags the span with a rendering category (llm, tool, ...).
func WithSpanType(t SpanType) SpanOption {
	return func(o *spanOptions) { o.spanType = t }
}

// WithStartTime overrides the span's start time; useful when the traced
// work began before the span object could be created.
func WithStartTime(ts time.Time) SpanOption {
	return func(o *spanOptions) { o.startTime = ts.UTC() }
}

// WithPropagatedEvent attaches an opaque payload that rides inside every
// token exported from the span and is inherited by its descendants.
func WithPropagatedEvent(raw json.RawMessage) SpanOption {
	return func(o *spanOptions) { o.propagatedEvent = raw }
}
