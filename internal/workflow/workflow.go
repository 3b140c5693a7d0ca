// Package workflow drives an agent over a batch of inputs.
//
// A [Workflow] does its work in Execute and releases its agents in Close.
// [Runner.Run] wraps both: an optional PreExecute hook runs first, an
// Execute error is passed to the optional HandleError hook, and Close always
// runs, even when PreExecute or Execute failed.
//
// Workflows save their output after every item, so an interrupted run keeps
// everything finished so far.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/agentengine/internal/agent"
	"github.com/MrWong99/agentengine/internal/observe"
)

// Item statuses recorded per processed input.
const (
	itemOK       = "ok"
	itemFallback = "fallback"
	itemSkipped  = "skipped"
	itemError    = "error"
)

// Workflow is one batch job.
type Workflow interface {
	// Name identifies the workflow type in logs and metrics.
	Name() string

	// Execute processes every input.
	Execute(ctx context.Context) error

	// Close releases the workflow's agents.
	Close() error
}

// PreExecutor is implemented by workflows that need a setup step before
// Execute. A PreExecute error skips Execute.
type PreExecutor interface {
	PreExecute(ctx context.Context) error
}

// ErrorHandler is implemented by workflows that want to see an Execute error
// before it is returned.
type ErrorHandler interface {
	HandleError(ctx context.Context, err error)
}

// Env carries the ambient dependencies every workflow takes.
type Env struct {
	Log     *slog.Logger
	Metrics *observe.Metrics
}

func (e Env) withDefaults() Env {
	if e.Log == nil {
		e.Log = slog.Default()
	}
	if e.Metrics == nil {
		e.Metrics = observe.DefaultMetrics()
	}
	return e
}

// Runner executes workflows.
type Runner struct {
	log *slog.Logger
}

// NewRunner creates a Runner. A nil log uses slog.Default.
func NewRunner(log *slog.Logger) *Runner {
	if log == nil {
		log = slog.Default()
	}
	return &Runner{log: log}
}

// Run executes w and always closes it. The returned error joins the run error
// and the close error.
func (r *Runner) Run(ctx context.Context, w Workflow) (err error) {
	ctx, span := observe.StartSpan(ctx, "workflow.run", trace.WithAttributes(attribute.String("workflow", w.Name())))
	log := observe.LoggerFrom(ctx, r.log).With("workflow", w.Name())
	start := time.Now()
	log.Info("workflow starting")

	defer func() {
		if cerr := w.Close(); cerr != nil {
			log.Warn("workflow cleanup failed", "err", cerr)
			err = errors.Join(err, fmt.Errorf("workflow %s: close: %w", w.Name(), cerr))
		}
		observe.EndSpan(span, err)
		log.Info("workflow completed", "duration", time.Since(start), "ok", err == nil)
	}()

	if p, ok := w.(PreExecutor); ok {
		if err := p.PreExecute(ctx); err != nil {
			return fmt.Errorf("workflow %s: pre-execute: %w", w.Name(), err)
		}
	}
	if err := w.Execute(ctx); err != nil {
		if h, ok := w.(ErrorHandler); ok {
			h.HandleError(ctx, err)
		} else {
			log.Error("workflow failed", "err", err)
		}
		return fmt.Errorf("workflow %s: %w", w.Name(), err)
	}
	return nil
}

// closeAll closes every generator and joins the errors.
func closeAll(gens ...agent.Generator) error {
	var errs []error
	for _, g := range gens {
		if g == nil {
			continue
		}
		if err := g.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// writeFileAtomic writes data to a temp file next to path and renames it into
// place, creating the parent directory.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	f, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmp := f.Name()
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename to %s: %w", path, err)
	}
	return nil
}
