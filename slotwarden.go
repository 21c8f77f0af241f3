// Package slotwarden is the public API for embedding the SlotWarden
// scheduling-conflict server.
//
// Integrators import this package to construct and extend the server without
// forking it:
//
//	app, err := slotwarden.New(
//	    slotwarden.WithVersion(version),
//	    slotwarden.WithLogger(logger),
//	    slotwarden.WithCalendarProvider(myEHRCalendar{}),
//	    slotwarden.WithStrategy("notify_front_desk", frontDesk.Handle),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The root package imports internal/*, but internal/* never imports the root
// package. Public types are standalone structs; the conversions live here
// because this is the only package that sees both sides of the boundary.
package slotwarden

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/slotwarden/slotwarden/api"
	"github.com/slotwarden/slotwarden/internal/auth"
	"github.com/slotwarden/slotwarden/internal/calendar"
	"github.com/slotwarden/slotwarden/internal/config"
	"github.com/slotwarden/slotwarden/internal/conflicts"
	"github.com/slotwarden/slotwarden/internal/ingest"
	"github.com/slotwarden/slotwarden/internal/integrity"
	"github.com/slotwarden/slotwarden/internal/mcp"
	"github.com/slotwarden/slotwarden/internal/model"
	"github.com/slotwarden/slotwarden/internal/notify"
	"github.com/slotwarden/slotwarden/internal/ratelimit"
	"github.com/slotwarden/slotwarden/internal/server"
	"github.com/slotwarden/slotwarden/internal/service/resolution"
	"github.com/slotwarden/slotwarden/internal/service/risk"
	"github.com/slotwarden/slotwarden/internal/storage"
	"github.com/slotwarden/slotwarden/internal/storage/lite"
	"github.com/slotwarden/slotwarden/internal/telemetry"
	"github.com/slotwarden/slotwarden/migrations"
)

// backend is the full persistence method set. Both *storage.DB and
// *lite.Store satisfy it.
type backend interface {
	resolution.Store
	resolution.ScheduleStore
	conflicts.Store
	risk.Store
	server.Store
	ListActionsSince(ctx context.Context, since time.Time, limit int) ([]model.ResolutionAction, error)
	Close(ctx context.Context)
}

// Auth endpoint limit: 20 requests per minute per IP.
const (
	authRatePerSecond = 20.0 / 60
	authBurst         = 20
)

// App is the SlotWarden server lifecycle. Construct with New(), run with Run().
type App struct {
	cfg          config.Config
	store        backend
	db           *storage.DB // nil in lite mode
	srv          *server.Server
	engine       *resolution.Engine
	detector     *conflicts.Detector
	predictor    *risk.Predictor
	broker       *server.Broker
	consumer     *ingest.Consumer // nil when Kafka is not configured
	rdb          *redis.Client    // nil when Redis is not configured
	redisNotify  *notify.RedisNotifier
	limiters     []ratelimit.Limiter
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string

	stop context.CancelFunc // cancels the goroutines started by Run
	bg   sync.WaitGroup
}

// New initialises the server. It connects to storage, runs migrations, wires
// all subsystems, and returns a ready-to-run App. It does NOT start any
// goroutines or accept HTTP connections; call Run().
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.notifyURL != "" {
		cfg.NotifyURL = o.notifyURL
	}
	if o.sqlitePath != "" {
		cfg.Storage = config.StorageSQLite
		cfg.SQLitePath = o.sqlitePath
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("slotwarden starting", "version", version, "port", cfg.Port, "storage", cfg.Storage)

	a := &App{cfg: cfg, logger: logger, version: version}
	ok := false
	defer func() {
		if !ok {
			a.release(context.Background())
		}
	}()

	a.otelShutdown, err = telemetry.Init(context.Background(), telemetry.Config{
		Endpoint:    cfg.OTELEndpoint,
		ServiceName: cfg.ServiceName,
		Version:     version,
		Insecure:    cfg.OTELInsecure,
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	if err := a.openStorage(context.Background()); err != nil {
		return nil, err
	}

	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration, logger)
	if err != nil {
		return nil, fmt.Errorf("auth: %w", err)
	}

	if cfg.RedisURL != "" {
		ropts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("redis: parse url: %w", err)
		}
		a.rdb = redis.NewClient(ropts)
		if err := a.rdb.Ping(context.Background()).Err(); err != nil {
			return nil, fmt.Errorf("redis: ping: %w", err)
		}
		a.redisNotify = notify.NewRedisNotifier(a.rdb, cfg.RedisChannelPrefix, logger)
		logger.Info("redis: enabled", "channel_prefix", cfg.RedisChannelPrefix)
	}

	// Notifications: the SSE broker hears every event exactly once, either
	// from a shared transport (Redis, Postgres NOTIFY) or directly in-process.
	a.broker = server.NewBroker(logger)
	notifiers := notify.Fanout{}
	switch {
	case a.redisNotify != nil:
		notifiers = append(notifiers, a.redisNotify)
		logger.Info("notifications: redis pub/sub")
	case a.db != nil && a.db.NotifyConn() != nil:
		notifiers = append(notifiers, notify.NewPGNotifier(a.db))
		logger.Info("notifications: postgres NOTIFY")
	default:
		notifiers = append(notifiers, a.broker)
		logger.Info("notifications: in-process")
	}
	for _, n := range o.notifiers {
		notifiers = append(notifiers, &notifierAdapter{n: n})
	}

	// Calendars.
	registry := calendar.NewRegistry(cfg.CalendarTimeout, logger)
	for _, p := range cfg.CalendarProviders {
		registry.Register(calendar.NewHTTPProvider(p.Name, p.BaseURL, cfg.CalendarToken))
	}
	for _, p := range o.calendars {
		registry.Register(adaptCalendar(p))
	}
	if registry.Len() == 0 {
		logger.Warn("calendar: no providers configured, external conflicts will not be detected")
	} else {
		logger.Info("calendar: providers registered", "providers", registry.Names())
	}

	// Resolution engine.
	strategies := resolution.NewStrategies(cfg.PermissiveUnknownStrategies, logger)
	resolution.RegisterBuiltins(strategies, a.store, registry)
	for name, h := range o.strategies {
		strategies.Register(name, adaptStrategy(h))
	}
	a.engine = resolution.New(a.store, strategies, notifiers, logger, resolution.Options{
		EscalationTimeout:    cfg.EscalationTimeout,
		PollInterval:         cfg.HumanPollInterval,
		QueueSize:            cfg.ResolutionQueueSize,
		AutoResolveThreshold: cfg.AutoResolveThreshold,
	})

	// The detector hands every new conflict to the engine.
	a.detector = conflicts.New(a.store, registry, func(ctx context.Context, ev model.ConflictEvent) error {
		_, err := a.engine.CreateResolution(ctx, ev, nil)
		return err
	}, logger, conflicts.Options{
		Lookahead:      cfg.DetectionLookahead,
		Concurrency:    cfg.DetectionConcurrency,
		SubjectTimeout: cfg.DetectionSubjectTimeout,
	})

	a.predictor = risk.New(a.store, notifiers, logger, risk.Options{
		AcceptThreshold:  cfg.RiskAcceptThreshold,
		MonitorThreshold: cfg.RiskMonitorThreshold,
		Lookahead:        cfg.RiskLookahead,
	})

	if len(cfg.KafkaBrokers) > 0 {
		a.consumer, err = ingest.New(ingest.Config{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.KafkaTopic,
			Group:   cfg.KafkaGroup,
		}, func(ctx context.Context, subjectID, provider string, w model.Window) error {
			_, err := a.detector.OnExternalChange(ctx, subjectID, provider, w)
			return err
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("ingest: %w", err)
		}
		logger.Info("ingest: kafka enabled", "topic", cfg.KafkaTopic, "group", cfg.KafkaGroup)
	}

	authLimiter, writeLimiter, readLimiter := a.newLimiters()

	mcpSrv := mcp.New(a.store, a.engine, a.predictor, logger, version)

	a.srv = server.New(server.ServerConfig{
		Store:               a.store,
		JWTMgr:              jwtMgr,
		Resolutions:         a.engine,
		Detector:            a.detector,
		Risks:               a.predictor,
		Logger:              logger,
		Broker:              a.broker,
		MCPServer:           mcpSrv.MCPServer(),
		AuthLimiter:         authLimiter,
		WriteLimiter:        writeLimiter,
		ReadLimiter:         readLimiter,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		OpenAPISpec:         api.OpenAPISpec,
	})

	if err := a.srv.Handlers().SeedAdmin(context.Background(), cfg.AdminAPIKey); err != nil {
		return nil, fmt.Errorf("admin seed: %w", err)
	}

	ok = true
	return a, nil
}

func (a *App) openStorage(ctx context.Context) error {
	if a.cfg.Storage == config.StorageSQLite {
		s, err := lite.Open(ctx, a.cfg.SQLitePath, a.logger)
		if err != nil {
			return fmt.Errorf("storage: %w", err)
		}
		a.store = s
		a.logger.Info("storage: sqlite (lite mode)", "path", a.cfg.SQLitePath)
		return nil
	}

	db, err := storage.New(ctx, a.cfg.DatabaseURL, a.cfg.NotifyURL, a.logger)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	a.db = db
	a.store = db
	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	a.logger.Info("storage: postgres")
	return nil
}

// newLimiters returns the auth, write and read limiters. Redis limiters are
// shared across replicas; the in-memory ones are per process.
func (a *App) newLimiters() (authL, writeL, readL ratelimit.Limiter) {
	if !a.cfg.RateLimitEnabled {
		a.logger.Info("rate limiting: disabled")
		return ratelimit.NoopLimiter{}, ratelimit.NoopLimiter{}, ratelimit.NoopLimiter{}
	}
	if a.rdb != nil {
		perMinute := int(a.cfg.RateLimitRPS * 60)
		authL = ratelimit.NewRedisLimiter(a.rdb, a.cfg.RedisChannelPrefix+":rl:auth", authBurst, time.Minute)
		writeL = ratelimit.NewRedisLimiter(a.rdb, a.cfg.RedisChannelPrefix+":rl:write", perMinute, time.Minute)
		readL = ratelimit.NewRedisLimiter(a.rdb, a.cfg.RedisChannelPrefix+":rl:read", perMinute, time.Minute)
		a.logger.Info("rate limiting: redis (fixed window)", "per_minute", perMinute)
	} else {
		authL = ratelimit.NewMemoryLimiter(authRatePerSecond, authBurst)
		writeL = ratelimit.NewMemoryLimiter(a.cfg.RateLimitRPS, a.cfg.RateLimitBurst)
		readL = ratelimit.NewMemoryLimiter(a.cfg.RateLimitRPS, a.cfg.RateLimitBurst)
		a.logger.Info("rate limiting: memory (in-process token bucket)",
			"rps", a.cfg.RateLimitRPS, "burst", a.cfg.RateLimitBurst)
	}
	a.limiters = []ratelimit.Limiter{authL, writeL, readL}
	return authL, writeL, readL
}

// Handler returns the root HTTP handler, for embedding behind another server.
func (a *App) Handler() http.Handler {
	return a.srv.Handler()
}

// Run starts all background goroutines and the HTTP server, then blocks until
// ctx is cancelled or a fatal server error occurs. On return, Shutdown is
// called automatically.
func (a *App) Run(ctx context.Context) error {
	bgCtx, stop := context.WithCancel(ctx)
	a.stop = stop
	defer stop()

	a.background(func() {
		if err := a.engine.Run(bgCtx); err != nil && !errors.Is(err, context.Canceled) {
			a.logger.Error("resolution engine stopped", "error", err)
		}
	})

	switch {
	case a.redisNotify != nil:
		a.background(func() {
			if err := a.broker.RelayRedis(bgCtx, a.redisNotify); err != nil && bgCtx.Err() == nil {
				a.logger.Error("broker: redis relay stopped", "error", err)
			}
		})
	case a.db != nil && a.db.NotifyConn() != nil:
		a.background(func() { a.broker.ListenPostgres(bgCtx, a.db) })
	}

	if a.consumer != nil {
		a.background(func() {
			if err := a.consumer.Run(bgCtx); err != nil && bgCtx.Err() == nil {
				a.logger.Error("ingest: consumer stopped", "error", err)
			}
		})
	}

	a.background(func() { a.detectionLoop(bgCtx) })
	a.background(func() { a.riskMonitorLoop(bgCtx) })
	a.background(func() { a.metricsLoop(bgCtx) })
	a.background(func() { a.integrityLoop(bgCtx) })

	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}

	if err := a.Shutdown(context.Background()); err != nil {
		return errors.Join(runErr, err)
	}
	return runErr
}

// background runs fn in a goroutine that Shutdown waits for.
func (a *App) background(fn func()) {
	a.bg.Add(1)
	go func() {
		defer a.bg.Done()
		fn()
	}()
}

// Shutdown stops accepting HTTP requests and drains in-flight ones, stops the
// background goroutines and waits for them, including an automatic resolution
// attempt in progress, then releases the consumer, caches, storage and
// telemetry.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("slotwarden shutting down")

	httpCtx, cancel := context.WithTimeout(ctx, a.cfg.ShutdownTimeout)
	err := a.srv.Shutdown(httpCtx)
	cancel()
	if err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}

	if a.stop != nil {
		a.stop()
	}
	drained := make(chan struct{})
	go func() {
		a.bg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		a.logger.Warn("background goroutines still running at shutdown", "error", ctx.Err())
	}

	a.release(ctx)
	a.logger.Info("slotwarden stopped")
	if err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

// release closes everything New may have opened. Nil members are skipped so
// it also cleans up after a failed New.
func (a *App) release(ctx context.Context) {
	if a.consumer != nil {
		a.consumer.Close()
	}
	if a.detector != nil {
		a.detector.Close()
	}
	if a.predictor != nil {
		a.predictor.Close()
	}
	if a.engine != nil {
		a.engine.Close()
	}
	for _, l := range a.limiters {
		_ = l.Close()
	}
	if a.rdb != nil {
		_ = a.rdb.Close()
	}
	if a.store != nil {
		a.store.Close(ctx)
	}
	if a.otelShutdown != nil {
		_ = a.otelShutdown(ctx)
	}
}

// ── Background loops ─────────────────────────────────────────────────────────

func (a *App) detectionLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.DetectionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := a.detector.Sweep(ctx); err != nil {
				a.logger.Warn("detection sweep failed", "error", err)
			}
		}
	}
}

func (a *App) riskMonitorLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.RiskMonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report, err := a.predictor.MonitorCycle(ctx)
			if err != nil {
				a.logger.Warn("risk monitoring cycle failed", "error", err)
				continue
			}
			a.logger.Debug("risk monitoring cycle complete", "report", report)
		}
	}
}

func (a *App) metricsLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.MetricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			opCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			if _, err := a.engine.PublishMetrics(opCtx, a.cfg.MetricsWindow); err != nil {
				a.logger.Warn("metrics publish failed", "error", err)
			}
			cancel()
		}
	}
}

// integrityLoop re-verifies the content hash of every action recorded since
// the previous pass and logs any mismatch.
func (a *App) integrityLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.IntegrityInterval)
	defer ticker.Stop()

	since := time.Now().UTC().Add(-a.cfg.IntegrityInterval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			opCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
			since = verifyActionsSince(opCtx, a.store, since, a.logger)
			cancel()
		}
	}
}

const integrityBatch = 1000

// actionLister is the slice of the store the integrity pass reads.
type actionLister interface {
	ListActionsSince(ctx context.Context, since time.Time, limit int) ([]model.ResolutionAction, error)
}

// verifyActionsSince checks actions page by page and returns the cursor for
// the next pass.
func verifyActionsSince(ctx context.Context, store actionLister, since time.Time, logger *slog.Logger) time.Time {
	checked, bad := 0, 0
	for {
		actions, err := store.ListActionsSince(ctx, since, integrityBatch)
		if err != nil {
			logger.Warn("integrity: list actions failed", "error", err)
			return since
		}
		for _, act := range actions {
			checked++
			if !integrity.VerifyAction(act) {
				bad++
				logger.Error("integrity: action hash mismatch",
					"resolution_id", act.ResolutionID, "action_id", act.ID, "seq", act.Seq)
			}
		}
		if len(actions) < integrityBatch {
			if len(actions) > 0 {
				since = actions[len(actions)-1].PerformedAt.Add(time.Nanosecond)
			}
			break
		}
		next := actions[len(actions)-1].PerformedAt.Add(time.Nanosecond)
		if !next.After(since) {
			break
		}
		since = next
	}
	if checked > 0 {
		logger.Info("integrity: actions verified", "checked", checked, "mismatched", bad)
	}
	return since
}

// ── Adapters (defined here because this file imports both sides) ───────────

// calendarAdapter wraps a public CalendarProvider to satisfy calendar.Provider.
type calendarAdapter struct {
	p CalendarProvider
}

// calendarWriterAdapter additionally satisfies calendar.Writer.
type calendarWriterAdapter struct {
	calendarAdapter
	w CalendarWriter
}

func adaptCalendar(p CalendarProvider) calendar.Provider {
	base := calendarAdapter{p: p}
	if w, ok := p.(CalendarWriter); ok {
		return &calendarWriterAdapter{calendarAdapter: base, w: w}
	}
	return &base
}

func (c *calendarAdapter) Name() string { return c.p.Name() }

func (c *calendarAdapter) CheckAvailability(ctx context.Context, subjectID string, w model.Window) (calendar.Availability, error) {
	av, err := c.p.CheckAvailability(ctx, subjectID, toPublicWindow(w))
	if err != nil {
		return calendar.Availability{}, err
	}
	out := calendar.Availability{Provider: c.p.Name(), Available: av.Available}
	for _, e := range av.Events {
		status := e.Status
		if status == "" {
			status = model.ExternalConfirmed
		}
		out.Events = append(out.Events, model.ExternalEvent{
			ID:          e.ID,
			Provider:    c.p.Name(),
			SubjectID:   e.SubjectID,
			Title:       e.Title,
			Window:      model.Window{Start: e.Window.Start.UTC(), End: e.Window.End.UTC()},
			Status:      status,
			Recurring:   e.Recurring,
			InternalRef: e.InternalRef,
			CreatedAt:   e.CreatedAt,
			UpdatedAt:   e.UpdatedAt,
		})
	}
	return out, nil
}

func (c *calendarWriterAdapter) CancelEvent(ctx context.Context, subjectID, eventID string) error {
	return c.w.CancelEvent(ctx, subjectID, eventID)
}

func (c *calendarWriterAdapter) UpdateEvent(ctx context.Context, subjectID, eventID string, w model.Window) error {
	return c.w.UpdateEvent(ctx, subjectID, eventID, toPublicWindow(w))
}

// adaptStrategy wraps a public StrategyHandler as a resolution.Handler.
func adaptStrategy(h StrategyHandler) resolution.Handler {
	return func(ctx context.Context, x resolution.Execution) (string, error) {
		return h(ctx, StrategyRequest{
			ResolutionID: x.Resolution.ID,
			ConflictID:   x.Event.ID,
			ConflictType: string(x.Event.Type),
			Severity:     string(x.Event.Severity),
			SubjectID:    x.Event.SubjectID,
			Window:       toPublicWindow(x.Event.Window),
			Sources:      append([]string(nil), x.Event.Sources...),
			Details:      cloneMap(x.Event.Details),
			Parameters:   cloneMap(x.Parameters),
			PerformedBy:  x.PerformedBy,
			At:           x.At,
		})
	}
}

// notifierAdapter wraps a public Notifier to satisfy notify.Notifier.
type notifierAdapter struct {
	n Notifier
}

func (a *notifierAdapter) Notify(ctx context.Context, ch notify.Channel, p notify.Payload) error {
	return a.n.Notify(ctx, Notification{Channel: string(ch), Type: p.Type(), Payload: cloneMap(p)})
}

func toPublicWindow(w model.Window) Window {
	return Window{Start: w.Start, End: w.End}
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
