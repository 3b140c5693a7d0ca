// Package chat is the conversational agent runtime.
//
// An [Engine] owns one resolved backend, one conversation, one task registry
// and one temp directory. [Engine.Submit] is synchronous: it creates a task,
// assembles a payload against a snapshot of the conversation, calls the
// backend and, only on success, appends the new user and assistant turns.
// Failures are returned as data in [Result] and never touch the conversation.
//
// [Engine.Clear] and [Engine.Close] reclaim every task-owned file. Neither
// surfaces cleanup failures; they are logged and counted instead.
//
// Submit and Clear are serialised by an internal mutex, so an Engine is safe
// to share, but concurrent callers simply queue behind the in-flight
// generation.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/agentengine/internal/assemble"
	"github.com/MrWong99/agentengine/internal/observe"
	"github.com/MrWong99/agentengine/internal/resolve"
	"github.com/MrWong99/agentengine/internal/session"
	"github.com/MrWong99/agentengine/internal/task"
	"github.com/MrWong99/agentengine/pkg/backend"
	"github.com/MrWong99/agentengine/pkg/backend/accelerated"
	"github.com/MrWong99/agentengine/pkg/types"
)

// DefaultMaxNewTokens caps generation when Config.MaxNewTokens is zero.
const DefaultMaxNewTokens = 512

// ErrClosed is reported by Submit after Close.
var ErrClosed = errors.New("chat: engine closed")

// Config configures an [Engine].
type Config struct {
	// Model is the model identifier handed to the resolver. Ignored when a
	// backend is injected with [WithBackend].
	Model string

	// SystemPrompt seeds the conversation. Empty means no system message.
	SystemPrompt string

	// Language, when set, is appended to every prompt as a response-language
	// instruction.
	Language string

	// TmpDir holds materialised image assets. Defaults to
	// [assemble.DefaultTmpDir].
	TmpDir string

	// MaxNewTokens bounds each generation. Defaults to [DefaultMaxNewTokens].
	MaxNewTokens int

	// MaxPixels and MinPixels bound image resizing.
	MaxPixels int
	MinPixels int

	// Acceleration is the tri-state accelerated-engine preference.
	Acceleration resolve.Acceleration

	// Accelerated configures the accelerated local engine when chosen.
	Accelerated accelerated.Config
}

// Result is what a caller gets back from [Engine.Submit].
type Result struct {
	JobID     string
	Status    task.Status
	Result    string
	Prompt    string
	ImagePath string
}

// OK reports whether the request completed.
func (r Result) OK() bool { return r.Status == task.StatusCompleted }

// Engine is a conversational agent runtime. Create one with [New].
type Engine struct {
	mu sync.Mutex

	cfg        Config
	backend    backend.Backend
	resolution resolve.Resolution
	resolver   *resolve.Resolver
	conv       *session.Conversation
	tasks      *task.Registry
	asm        *assemble.Assembler
	log        *slog.Logger
	metrics    *observe.Metrics

	closed bool
}

// Option is a functional option for [New].
type Option func(*Engine)

// WithBackend injects a ready backend and skips resolution.
func WithBackend(b backend.Backend) Option {
	return func(e *Engine) { e.backend = b }
}

// WithResolver replaces the default resolver.
func WithResolver(r *resolve.Resolver) Option {
	return func(e *Engine) { e.resolver = r }
}

// WithLogger sets the diagnostics sink.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithMetrics overrides [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// New resolves the backend for cfg.Model, prepares the temp directory and
// returns a ready Engine. Errors wrap [backend.ErrConfiguration].
func New(ctx context.Context, cfg Config, opts ...Option) (*Engine, error) {
	if cfg.MaxNewTokens <= 0 {
		cfg.MaxNewTokens = DefaultMaxNewTokens
	}
	e := &Engine{
		cfg:   cfg,
		conv:  session.New(cfg.SystemPrompt),
		tasks: task.NewRegistry(),
	}
	for _, o := range opts {
		o(e)
	}
	if e.log == nil {
		e.log = slog.Default()
	}
	if e.metrics == nil {
		e.metrics = observe.DefaultMetrics()
	}

	if e.backend == nil {
		if cfg.Model == "" {
			return nil, fmt.Errorf("chat: %w: model identifier is required", backend.ErrConfiguration)
		}
		if e.resolver == nil {
			e.resolver = resolve.New(resolve.WithLogger(e.log), resolve.WithMetrics(e.metrics))
		}
		b, res, err := e.resolver.Build(ctx, cfg.Model, resolve.BuildOptions{
			Acceleration: cfg.Acceleration,
			Accelerated:  cfg.Accelerated,
		})
		if err != nil {
			return nil, fmt.Errorf("chat: %w", err)
		}
		e.backend = b
		e.resolution = res
	} else {
		e.resolution = resolve.Resolution{Kind: e.backend.Kind(), Capabilities: e.backend.Capabilities()}
	}
	e.log = e.log.With("backend", e.backend.Kind().String())

	asm, err := assemble.New(assemble.Config{
		TmpDir:    cfg.TmpDir,
		Language:  cfg.Language,
		MaxPixels: cfg.MaxPixels,
		MinPixels: cfg.MinPixels,
	}, assemble.WithLogger(e.log))
	if err != nil {
		return nil, errors.Join(fmt.Errorf("chat: %w", err), e.backend.Close())
	}
	e.asm = asm

	e.metrics.ActiveEngines.Add(ctx, 1)
	return e, nil
}

// With creates an Engine, runs fn and always closes the engine afterwards.
// The returned error joins fn's error with any Close error.
func With(ctx context.Context, cfg Config, fn func(*Engine) error, opts ...Option) error {
	e, err := New(ctx, cfg, opts...)
	if err != nil {
		return err
	}
	return errors.Join(fn(e), e.Close())
}

// Submit runs one generation request to completion. It never returns an
// error: failures are reported as a [Result] with [task.StatusError] and the
// stringified cause.
//
// Every submission on an open Engine creates exactly one task. After
// [Engine.Close] no task is created: the Result carries [ErrClosed] and an
// empty JobID.
func (e *Engine) Submit(ctx context.Context, prompt, imagePath string) Result {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return Result{Status: task.StatusError, Result: ErrClosed.Error(), Prompt: prompt, ImagePath: imagePath}
	}

	kind := e.backend.Kind()
	ctx, span := observe.StartSpan(ctx, "chat.submit",
		trace.WithAttributes(
			attribute.String("backend", kind.String()),
			attribute.Bool("image", imagePath != ""),
		),
	)

	t := e.tasks.Create(prompt, imagePath)
	span.SetAttributes(attribute.String("job_id", t.JobID))
	log := observe.LoggerFrom(ctx, e.log).With("job_id", t.JobID)

	history := e.conv.Snapshot()
	payload, err := e.asm.Build(t.JobID, prompt, imagePath, e.backend.Capabilities(), kind)
	if err != nil {
		return e.fail(ctx, span, log, t.JobID, "", err)
	}
	if payload.AssetPath != "" {
		if err := e.tasks.SetAsset(t.JobID, payload.AssetPath); err != nil {
			return e.fail(ctx, span, log, t.JobID, payload.AssetPath, err)
		}
	}

	start := time.Now()
	out, err := e.backend.Generate(ctx, append(history, payload.Message), e.cfg.MaxNewTokens)
	elapsed := time.Since(start).Seconds()
	if err != nil {
		e.metrics.RecordGeneration(ctx, kind.String(), string(task.StatusError), elapsed)
		if !errors.Is(err, backend.ErrGeneration) {
			err = fmt.Errorf("%w: %w", backend.ErrGeneration, err)
		}
		return e.fail(ctx, span, log, t.JobID, payload.AssetPath, err)
	}
	e.metrics.RecordGeneration(ctx, kind.String(), string(task.StatusCompleted), elapsed)

	// Only the text of the user turn is remembered. The image travelled with
	// this request and its asset is reclaimed on Clear.
	user := types.Message{Role: types.RoleUser, Content: payload.Message.Text()}
	assistant := types.Message{Role: types.RoleAssistant, Content: out}
	if err := e.conv.Append(user, assistant); err != nil {
		return e.fail(ctx, span, log, t.JobID, payload.AssetPath, err)
	}

	done, err := e.tasks.Complete(t.JobID, out)
	if err != nil {
		// Unreachable while the mutex is held; the task was created above.
		log.Error("complete task", "err", err)
	}
	e.metrics.RecordTask(ctx, kind.String(), string(task.StatusCompleted))
	observe.EndSpan(span, nil)
	log.Debug("task completed", "seconds", elapsed, "context_len", e.conv.Len())
	return resultOf(done)
}

// fail moves the task to error, removes its asset and closes the span.
func (e *Engine) fail(ctx context.Context, span trace.Span, log *slog.Logger, jobID, asset string, cause error) Result {
	if err := assemble.RemoveAsset(asset); err != nil {
		log.Warn("failed to remove asset of failed task", "path", asset, "err", err)
		e.metrics.RecordCleanupFailure(ctx)
	}
	t, err := e.tasks.Fail(jobID, cause.Error())
	if err != nil {
		log.Error("fail task", "err", err)
	}
	e.metrics.RecordTask(ctx, e.backend.Kind().String(), string(task.StatusError))
	observe.EndSpan(span, cause)
	log.Warn("task failed", "err", cause)
	return resultOf(t)
}

func resultOf(t task.Task) Result {
	return Result{
		JobID:     t.JobID,
		Status:    t.Status,
		Result:    t.Result,
		Prompt:    t.Prompt,
		ImagePath: t.ImagePath,
	}
}

// Clear resets the conversation to its system prompt, deletes every task
// asset, empties the task registry and sweeps the temp directory. It is
// idempotent and never fails; deletion problems are logged.
func (e *Engine) Clear() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.clearLocked()
}

func (e *Engine) clearLocked() {
	ctx := context.Background()
	e.conv.Reset(true)

	failures := 0
	for _, t := range e.tasks.Drain() {
		if err := assemble.RemoveAsset(t.AssetPath); err != nil {
			failures++
			e.log.Warn("failed to remove task asset", "job_id", t.JobID, "path", t.AssetPath, "err", err)
		}
	}
	if _, err := e.asm.Sweep(); err != nil {
		failures++
		e.log.Warn("failed to sweep temp dir", "dir", e.asm.TmpDir(), "err", err)
	}
	for range failures {
		e.metrics.RecordCleanupFailure(ctx)
	}
}

// Close clears the engine, removes the temp directory if it is empty and
// closes the backend. Calling Close more than once is safe; only the first
// call releases the backend.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.clearLocked()
	if e.closed {
		return nil
	}
	e.closed = true

	if err := e.asm.RemoveTmpDir(); err != nil {
		e.log.Warn("failed to remove temp dir", "dir", e.asm.TmpDir(), "err", err)
		e.metrics.RecordCleanupFailure(context.Background())
	}
	e.metrics.ActiveEngines.Add(context.Background(), -1)
	if err := e.backend.Close(); err != nil {
		return fmt.Errorf("chat: close backend: %w", err)
	}
	return nil
}

// History returns a copy of the conversation, system message first.
func (e *Engine) History() []types.Message { return e.conv.Snapshot() }

// Task returns the task with the given job id.
func (e *Engine) Task(jobID string) (task.Task, bool) { return e.tasks.Get(jobID) }

// Tasks returns every task since the last Clear, oldest first.
func (e *Engine) Tasks() []task.Task { return e.tasks.All() }

// Resolution reports how the backend was chosen.
func (e *Engine) Resolution() resolve.Resolution { return e.resolution }

// Capabilities returns the backend's feature flags.
func (e *Engine) Capabilities() backend.Capabilities { return e.backend.Capabilities() }

// TmpDir returns the directory holding materialised assets.
func (e *Engine) TmpDir() string { return e.asm.TmpDir() }
