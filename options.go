package tsugi

import "log/slog"

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported; callers use the With* functions.
type resolvedOptions struct {
	port         int
	databaseURL  string
	logger       *slog.Logger
	version      string
	generator    Generator
	capabilities map[string]Capability
}

// WithPort overrides the TCP port from config (TSUGI_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithDatabaseURL overrides the database connection string from config
// (DATABASE_URL env var). A postgres:// URL selects the pgx-backed
// store; anything else is treated as a SQLite path.
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithLogger sets the structured logger for the App. If not set, a JSON
// logger at the configured level is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in the health endpoint
// and logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithGenerator replaces the auto-detected Anthropic/OpenAI text
// generator used for planning and the LLM-backed tools. Only the last
// call wins.
func WithGenerator(g Generator) Option {
	return func(o *resolvedOptions) { o.generator = g }
}

// WithCapability registers a custom action the planner can schedule.
// Registering a name that matches a built-in action replaces it.
func WithCapability(name string, fn Capability) Option {
	return func(o *resolvedOptions) {
		if o.capabilities == nil {
			o.capabilities = map[string]Capability{}
		}
		o.capabilities[name] = fn
	}
}
