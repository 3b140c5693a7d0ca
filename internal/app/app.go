// Package app wires the agent runtime's subsystems into a runnable job.
//
// The App struct owns the full lifecycle: New builds the configured workflow
// and everything it depends on, Run executes it once, and Shutdown tears the
// remaining shared resources down in order.
//
// For testing, inject doubles via functional options (WithAgentFactory,
// WithDB, WithSource, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/agentengine/internal/agent"
	"github.com/MrWong99/agentengine/internal/agent/sqlquery"
	"github.com/MrWong99/agentengine/internal/chat"
	"github.com/MrWong99/agentengine/internal/config"
	"github.com/MrWong99/agentengine/internal/crawl"
	"github.com/MrWong99/agentengine/internal/health"
	"github.com/MrWong99/agentengine/internal/observe"
	"github.com/MrWong99/agentengine/internal/resolve"
	"github.com/MrWong99/agentengine/internal/workflow"
	"github.com/MrWong99/agentengine/pkg/backend"
	"github.com/MrWong99/agentengine/pkg/backend/accelerated"
	"github.com/MrWong99/agentengine/pkg/inference"
	"github.com/MrWong99/agentengine/pkg/inference/llamacpp"
)

// AgentFactory builds the agent runtime for one configured agent.
type AgentFactory func(ctx context.Context, name string, cfg chat.Config, opts ...chat.Option) (agent.Generator, error)

// App owns all subsystem lifetimes for one workflow run.
type App struct {
	cfg      *config.Config
	registry *config.Registry
	log      *slog.Logger
	metrics  *observe.Metrics
	health   *health.Handler
	hc       *http.Client
	probe    inference.DeviceProbe

	newAgent AgentFactory

	dbOnce  sync.Once
	db      sqlquery.DB
	querier sqlquery.Querier
	schema  sqlquery.Schema
	dbErr   error

	srcMu   sync.Mutex
	sources map[string]crawl.Source

	workflow workflow.Workflow
	runner   *workflow.Runner
	running  atomic.Bool

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithRegistry replaces [DefaultRegistry].
func WithRegistry(r *config.Registry) Option {
	return func(a *App) { a.registry = r }
}

// WithLogger sets the logger every subsystem derives from.
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// WithMetrics overrides [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithHealth registers the app's readiness checks on h.
func WithHealth(h *health.Handler) Option {
	return func(a *App) { a.health = h }
}

// WithHTTPClient sets the client used by the crawl sources and the local
// engine.
func WithHTTPClient(c *http.Client) Option {
	return func(a *App) { a.hc = c }
}

// WithDeviceProbe replaces the resolver's default accelerator probe.
func WithDeviceProbe(p inference.DeviceProbe) Option {
	return func(a *App) { a.probe = p }
}

// WithAgentFactory replaces the default factory, which resolves a backend
// and starts a [chat.Engine].
func WithAgentFactory(f AgentFactory) Option {
	return func(a *App) { a.newAgent = f }
}

// WithDB injects a query executor instead of opening a pool from
// database.dsn.
func WithDB(db sqlquery.DB) Option {
	return func(a *App) { a.db = db }
}

// WithSource injects a crawl source under name ("baike", "wiki").
func WithSource(name string, s crawl.Source) Option {
	return func(a *App) {
		if a.sources == nil {
			a.sources = make(map[string]crawl.Source)
		}
		a.sources[name] = s
	}
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App and builds the workflow selected by cfg.Workflow.Type.
// Agents, sources and the database pool are created on demand by the
// workflow factory.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.registry == nil {
		a.registry = DefaultRegistry()
	}
	if a.log == nil {
		a.log = slog.Default()
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.newAgent == nil {
		a.newAgent = a.startEngine
	}
	if a.sources == nil {
		a.sources = make(map[string]crawl.Source)
	}
	a.runner = workflow.NewRunner(a.log)

	if cfg.Workflow.Type == "" {
		return nil, fmt.Errorf("app: %w: workflow.type is required", backend.ErrConfiguration)
	}
	w, err := a.registry.CreateWorkflow(ctx, cfg, a)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("app: build workflow %q: %w", cfg.Workflow.Type, err), a.closeShared())
	}
	a.workflow = w

	if a.health != nil {
		a.health.Add(health.Checker{Name: "workflow", Check: func(context.Context) error {
			if !a.running.Load() {
				return errors.New("workflow not running")
			}
			return nil
		}})
	}
	return a, nil
}

// Workflow returns the workflow built by New.
func (a *App) Workflow() workflow.Workflow { return a.workflow }

// ─── Resources ───────────────────────────────────────────────────────────────

var _ config.Resources = (*App)(nil)

// Agent implements [config.Resources].
func (a *App) Agent(ctx context.Context, name string) (agent.Generator, error) {
	acfg, ok := a.cfg.Agents[name]
	if !ok {
		return nil, fmt.Errorf("app: %w: agent %q is not configured", backend.ErrConfiguration, name)
	}
	log := a.log.With("agent", name)
	g, err := a.newAgent(ctx, name, chatConfig(acfg), chat.WithLogger(log), chat.WithMetrics(a.metrics))
	if err != nil {
		return nil, fmt.Errorf("app: agent %q: %w", name, err)
	}
	return g, nil
}

// startEngine is the default [AgentFactory].
func (a *App) startEngine(ctx context.Context, name string, cfg chat.Config, opts ...chat.Option) (agent.Generator, error) {
	acfg := a.cfg.Agents[name]

	var engineOpts []llamacpp.Option
	if acfg.LocalURL != "" {
		engineOpts = append(engineOpts, llamacpp.WithBaseURL(acfg.LocalURL))
	}
	if a.hc != nil {
		engineOpts = append(engineOpts, llamacpp.WithHTTPClient(a.hc))
	}
	ropts := []resolve.Option{
		resolve.WithLogger(a.log.With("agent", name)),
		resolve.WithMetrics(a.metrics),
		resolve.WithEngineFactory(llamacpp.Factory(engineOpts...)),
	}
	if a.probe != nil {
		ropts = append(ropts, resolve.WithDeviceProbe(a.probe))
	}
	if cfg.Acceleration == resolve.AccelerationEnabled {
		server := acfg.Acceleration.Server
		if server.Provider == "" {
			server.Provider = "vllm"
		}
		bf, err := a.registry.EngineFor(server)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", backend.ErrConfiguration, err)
		}
		ropts = append(ropts, resolve.WithBatchFactory(bf))
	}

	opts = append(opts, chat.WithResolver(resolve.New(ropts...)))
	return chat.New(ctx, cfg, opts...)
}

// chatConfig maps an agent section onto the runtime configuration.
func chatConfig(c config.AgentConfig) chat.Config {
	return chat.Config{
		Model:        c.Model,
		SystemPrompt: c.SystemPrompt,
		Language:     c.Language,
		TmpDir:       c.TmpDir,
		MaxNewTokens: c.MaxNewTokens,
		MaxPixels:    c.MaxPixels,
		MinPixels:    c.MinPixels,
		Acceleration: resolve.AccelerationFromPtr(c.Acceleration.Enabled),
		Accelerated: accelerated.Config{
			TensorParallel:       c.Acceleration.TensorParallel,
			MaxModelLen:          c.Acceleration.MaxModelLen,
			GPUMemoryUtilization: c.Acceleration.GPUMemoryUtilization,
			DType:                inference.DType(c.Acceleration.DType),
		},
	}
}

// Source implements [config.Resources]. Sources are built once and shared.
func (a *App) Source(name string) (crawl.Source, error) {
	a.srcMu.Lock()
	defer a.srcMu.Unlock()
	if s, ok := a.sources[name]; ok {
		return s, nil
	}

	cc := a.cfg.Crawl
	var src crawl.Source
	switch name {
	case "baike":
		src = crawl.NewBaike(cc.BaikeURL, a.hc, cc.UserAgent)
	case "wiki":
		src = crawl.NewChain("wiki", a.log,
			crawl.NewWikipedia(cc.WikipediaURL, a.hc, cc.UserAgent),
			crawl.NewWikipediaPage(cc.WikipediaURL, a.hc, cc.UserAgent),
		)
	default:
		return nil, fmt.Errorf("app: %w: unknown crawl source %q", backend.ErrConfiguration, name)
	}

	if cc.StorageDir != "" {
		copts := []crawl.CacheOption{
			crawl.WithCacheLogger(a.log),
			crawl.WithCacheMetrics(a.metrics),
		}
		if cc.UpdateInterval > 0 {
			copts = append(copts, crawl.WithUpdateInterval(cc.UpdateInterval))
		}
		if cc.Delay > 0 || cc.Jitter > 0 {
			copts = append(copts, crawl.WithPoliteDelay(cc.Delay, cc.Jitter))
		}
		cached, err := crawl.NewCache(src, cc.StorageDir, copts...)
		if err != nil {
			return nil, fmt.Errorf("app: %w", err)
		}
		src = cached
	}
	a.sources[name] = src
	return src, nil
}

// Database implements [config.Resources]. The pool is opened and the schema
// introspected on first use.
func (a *App) Database(ctx context.Context) (sqlquery.Querier, sqlquery.Schema, error) {
	a.dbOnce.Do(func() {
		if a.db == nil {
			pool, err := a.openPool(ctx)
			if err != nil {
				a.dbErr = err
				return
			}
			a.db = pool
		}
		pg := sqlquery.NewPostgres(a.db, sqlquery.WithLogger(a.log), sqlquery.WithMetrics(a.metrics))
		a.schema, a.dbErr = pg.Schema(ctx, a.cfg.Database.Schema, a.cfg.Database.Tables)
		a.querier = pg
	})
	if a.dbErr != nil {
		return nil, nil, a.dbErr
	}
	return a.querier, a.schema, nil
}

func (a *App) openPool(ctx context.Context) (*pgxpool.Pool, error) {
	dsn := a.cfg.Database.DSN
	if dsn == "" {
		return nil, fmt.Errorf("app: %w: database.dsn is required", backend.ErrConfiguration)
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("app: open database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("app: ping database: %w", err)
	}
	a.closers = append(a.closers, func() error { pool.Close(); return nil })
	if a.health != nil {
		a.health.Add(health.Checker{Name: "database", Check: pool.Ping})
	}
	a.log.Info("database connected", "schema", a.cfg.Database.Schema)
	return pool, nil
}

// Env implements [config.Resources].
func (a *App) Env() workflow.Env {
	return workflow.Env{Log: a.log, Metrics: a.metrics}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run executes the workflow once and returns its error. The workflow's agents
// are closed before Run returns, whatever the outcome.
func (a *App) Run(ctx context.Context) error {
	a.running.Store(true)
	defer a.running.Store(false)
	a.log.Info("workflow starting", "type", a.cfg.Workflow.Type)
	if err := a.runner.Run(ctx, a.workflow); err != nil {
		return fmt.Errorf("app: %w", err)
	}
	a.log.Info("workflow finished", "type", a.cfg.Workflow.Type)
	return nil
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down the shared subsystems. It respects the context
// deadline: if ctx expires before all closers finish, remaining closers are
// skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down", "closers", len(a.closers))
		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				a.log.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				a.log.Warn("closer error", "index", i, "err", err)
			}
		}
		a.log.Info("shutdown complete")
	})
	return shutdownErr
}

// closeShared runs the closers after a failed New.
func (a *App) closeShared() error {
	var errs []error
	for _, c := range a.closers {
		errs = append(errs, c())
	}
	a.closers = nil
	return errors.Join(errs...)
}
