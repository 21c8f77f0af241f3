package slotwarden

import (
	"log/slog"
)

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
type resolvedOptions struct {
	port        int
	databaseURL string
	notifyURL   string
	sqlitePath  string
	logger      *slog.Logger
	version     string
	calendars   []CalendarProvider
	strategies  map[string]StrategyHandler
	notifiers   []Notifier
}

// WithPort overrides the TCP port from config (SLOTWARDEN_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithDatabaseURL overrides the database connection string from config (DATABASE_URL env var).
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithNotifyURL overrides the direct Postgres URL used for LISTEN/NOTIFY (NOTIFY_URL env var).
// LISTEN/NOTIFY requires a direct (non-pooled) connection.
func WithNotifyURL(url string) Option {
	return func(o *resolvedOptions) { o.notifyURL = url }
}

// WithSQLite selects lite mode backed by the SQLite database at path,
// overriding SLOTWARDEN_STORAGE. Use ":memory:" for an ephemeral database.
func WithSQLite(path string) Option {
	return func(o *resolvedOptions) { o.sqlitePath = path }
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in the health endpoint and logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithCalendarProvider registers an additional calendar. A provider with the
// same name as a configured HTTP provider replaces it.
func WithCalendarProvider(p CalendarProvider) Option {
	return func(o *resolvedOptions) { o.calendars = append(o.calendars, p) }
}

// WithStrategy registers a resolution strategy under name. Built-in
// strategies with the same name are replaced. Only the last registration
// for a name wins.
func WithStrategy(name string, h StrategyHandler) Option {
	return func(o *resolvedOptions) {
		if o.strategies == nil {
			o.strategies = make(map[string]StrategyHandler)
		}
		o.strategies[name] = h
	}
}

// WithNotifier adds a notification sink alongside the built-in ones
// (SSE broker, Postgres NOTIFY, Redis pub/sub).
func WithNotifier(n Notifier) Option {
	return func(o *resolvedOptions) { o.notifiers = append(o.notifiers, n) }
}
