package workflow

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/MrWong99/agentengine/internal/agent/annotate"
	"github.com/MrWong99/agentengine/internal/coco"
)

// COCOConfig configures [COCO].
type COCOConfig struct {
	// Inputs are COCO files, or a single directory whose *.json files are all
	// processed.
	Inputs []string

	// Outputs pairs with Inputs one to one, or is a single directory that
	// receives every output under its input's base name.
	Outputs []string

	// ImagesDir holds the images; each image's file_name is resolved by base
	// name inside it.
	ImagesDir string

	// AllowedClasses are the category names the model may assign.
	AllowedClasses []string
}

// COCO re-checks the categories of every annotation in a set of COCO files.
type COCO struct {
	cfg     COCOConfig
	checker *annotate.Checker
	env     Env
	pairs   [][2]string
}

// NewCOCO creates the workflow. Input and output paths are resolved by
// PreExecute.
func NewCOCO(cfg COCOConfig, checker *annotate.Checker, env Env) *COCO {
	return &COCO{cfg: cfg, checker: checker, env: env.withDefaults()}
}

// Name implements [Workflow].
func (w *COCO) Name() string { return "coco" }

// PreExecute resolves input directories and pairs every input with its
// output path.
func (w *COCO) PreExecute(context.Context) error {
	if len(w.cfg.Inputs) == 0 {
		return errors.New("no inputs configured")
	}
	inputs, err := expandJSONDir(w.cfg.Inputs)
	if err != nil {
		return err
	}
	outputs, err := pairOutputs(inputs, w.cfg.Outputs, func(in string) string { return filepath.Base(in) })
	if err != nil {
		return err
	}
	w.pairs = w.pairs[:0]
	for i := range inputs {
		w.pairs = append(w.pairs, [2]string{inputs[i], outputs[i]})
	}
	return nil
}

// Execute implements [Workflow].
func (w *COCO) Execute(ctx context.Context) error {
	if w.pairs == nil {
		if err := w.PreExecute(ctx); err != nil {
			return err
		}
	}
	for i, p := range w.pairs {
		w.env.Log.Info("processing COCO file", "file", p[0], "progress", fmt.Sprintf("%d/%d", i+1, len(w.pairs)))
		if err := w.processFile(ctx, p[0], p[1]); err != nil {
			return err
		}
	}
	return nil
}

func (w *COCO) processFile(ctx context.Context, in, out string) error {
	ds, err := coco.Load(in)
	if err != nil {
		return err
	}
	allowed := annotate.ClassesFrom(ds.CategoriesNamed(w.cfg.AllowedClasses))
	if len(allowed) == 0 {
		w.env.Log.Warn("no allowed class found in categories", "file", in, "allowed", w.cfg.AllowedClasses)
	}

	var corrected []coco.Annotation
	for _, img := range ds.Images {
		if err := ctx.Err(); err != nil {
			return err
		}
		anns := ds.AnnotationsFor(img.ID)
		if len(anns) == 0 {
			continue
		}
		path := filepath.Join(w.cfg.ImagesDir, filepath.Base(img.FileName))
		res, err := w.checker.Correct(ctx, path, anns, allowed)
		w.checker.Generator().Clear()

		status := itemOK
		switch {
		case err != nil:
			status = itemError
			w.env.Log.Error("image skipped; keeping original annotations", "image", path, "err", err)
			res.Annotations = anns
		case res.Fallback:
			status = itemFallback
		}
		w.env.Metrics.RecordWorkflowItem(ctx, w.Name(), status)
		corrected = append(corrected, res.Annotations...)
	}

	ds.Annotations = corrected
	if err := coco.Save(out, ds); err != nil {
		return err
	}
	w.env.Log.Info("corrected annotations saved", "file", out, "annotations", len(corrected))
	return nil
}

// Close implements [Workflow].
func (w *COCO) Close() error { return closeAll(w.checker.Generator()) }

// expandJSONDir replaces a single directory argument with the *.json files in
// it, sorted by name.
func expandJSONDir(paths []string) ([]string, error) {
	if len(paths) != 1 {
		return paths, nil
	}
	fi, err := os.Stat(paths[0])
	if err != nil || !fi.IsDir() {
		return paths, nil
	}
	entries, err := os.ReadDir(paths[0])
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", paths[0], err)
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			out = append(out, filepath.Join(paths[0], e.Name()))
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no .json files in %s", paths[0])
	}
	slices.Sort(out)
	return out, nil
}

// pairOutputs returns one output path per input. A single output that is an
// existing directory or has no extension is treated as a directory and
// joined with name(input).
func pairOutputs(inputs, outputs []string, name func(string) string) ([]string, error) {
	if len(outputs) == 1 && isDirLike(outputs[0]) {
		out := make([]string, len(inputs))
		for i, in := range inputs {
			out[i] = filepath.Join(outputs[0], name(in))
		}
		return out, nil
	}
	if len(outputs) != len(inputs) {
		return nil, fmt.Errorf("%d output path(s) for %d input(s)", len(outputs), len(inputs))
	}
	return outputs, nil
}

func isDirLike(path string) bool {
	if fi, err := os.Stat(path); err == nil {
		return fi.IsDir()
	}
	return filepath.Ext(path) == ""
}
