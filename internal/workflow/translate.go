package workflow

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/MrWong99/agentengine/internal/agent/translate"
	"github.com/MrWong99/agentengine/internal/coco"
)

// TranslateConfig configures [Translate].
type TranslateConfig struct {
	// Input is the COCO file whose categories are renamed.
	Input string

	// OutputDir receives <name>_translated<ext>.
	OutputDir string

	Mode translate.Mode
}

// Translate renames every category of a COCO file.
type Translate struct {
	cfg   TranslateConfig
	agent *translate.Agent
	env   Env
	saved string
}

// NewTranslate creates the workflow.
func NewTranslate(cfg TranslateConfig, a *translate.Agent, env Env) *Translate {
	return &Translate{cfg: cfg, agent: a, env: env.withDefaults()}
}

// Name implements [Workflow].
func (w *Translate) Name() string { return "translate" }

// PreExecute validates the mode before any model call.
func (w *Translate) PreExecute(context.Context) error {
	if w.cfg.Input == "" {
		return errors.New("no input file configured")
	}
	_, err := translate.ParseMode(string(w.cfg.Mode))
	return err
}

// Execute implements [Workflow]. A category the model could not translate
// keeps its original name.
func (w *Translate) Execute(ctx context.Context) error {
	ds, err := coco.Load(w.cfg.Input)
	if err != nil {
		return err
	}
	if len(ds.Categories) == 0 {
		return fmt.Errorf("%s has no categories", w.cfg.Input)
	}

	for i, cat := range ds.Categories {
		if err := ctx.Err(); err != nil {
			return err
		}
		log := w.env.Log.With("category", cat.Name, "progress", fmt.Sprintf("%d/%d", i+1, len(ds.Categories)))

		reply, err := w.agent.Translate(ctx, cat, w.cfg.Mode)
		w.agent.Generator().Clear()
		if err != nil {
			log.Error("translation failed; keeping original", "err", err)
			w.env.Metrics.RecordWorkflowItem(ctx, w.Name(), itemError)
			continue
		}
		out, err := translate.DecodeCategory(reply, cat)
		if err != nil {
			log.Warn("unusable translation; keeping original", "reply", reply, "err", err)
			w.env.Metrics.RecordWorkflowItem(ctx, w.Name(), itemFallback)
			continue
		}
		log.Info("category translated", "name", out.Name)
		ds.Categories[i] = out
		w.env.Metrics.RecordWorkflowItem(ctx, w.Name(), itemOK)
	}

	base := filepath.Base(w.cfg.Input)
	ext := filepath.Ext(base)
	path := filepath.Join(w.cfg.OutputDir, strings.TrimSuffix(base, ext)+"_translated"+ext)
	if err := coco.Save(path, ds); err != nil {
		return err
	}
	w.saved = path
	w.env.Log.Info("translated categories saved", "file", path)
	return nil
}

// Saved returns the path written by the last successful Execute.
func (w *Translate) Saved() string { return w.saved }

// Close implements [Workflow].
func (w *Translate) Close() error { return closeAll(w.agent.Generator()) }
