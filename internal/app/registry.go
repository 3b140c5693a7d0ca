package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/agentengine/internal/agent/annotate"
	"github.com/MrWong99/agentengine/internal/agent/research"
	"github.com/MrWong99/agentengine/internal/agent/sqlquery"
	"github.com/MrWong99/agentengine/internal/agent/translate"
	"github.com/MrWong99/agentengine/internal/agent/visualize"
	"github.com/MrWong99/agentengine/internal/config"
	"github.com/MrWong99/agentengine/internal/workflow"
	"github.com/MrWong99/agentengine/pkg/inference"
	"github.com/MrWong99/agentengine/pkg/inference/anyllm"
)

// DefaultRegistry returns a registry with the built-in workflows and every
// batch inference server in [config.ValidServerProviders].
func DefaultRegistry() *config.Registry {
	r := config.NewRegistry()
	r.RegisterWorkflow(config.WorkflowCOCO, newCOCO)
	r.RegisterWorkflow(config.WorkflowSpecies, newSpecies)
	r.RegisterWorkflow(config.WorkflowTranslate, newTranslate)
	r.RegisterWorkflow(config.WorkflowDBQuery, newDBQuery)
	for _, name := range config.ValidServerProviders {
		r.RegisterEngine(name, anyllmEngine)
	}
	return r
}

func anyllmEngine(s config.InferenceServer) inference.BatchFactory {
	return anyllm.Factory(anyllm.Server{Provider: s.Provider, BaseURL: s.BaseURL, APIKey: s.APIKey})
}

func newCOCO(ctx context.Context, cfg *config.Config, res config.Resources) (workflow.Workflow, error) {
	c := cfg.Workflow.COCO
	if c == nil {
		return nil, errors.New("workflow.coco is not configured")
	}
	gen, err := res.Agent(ctx, c.Agent)
	if err != nil {
		return nil, err
	}
	env := res.Env()
	return workflow.NewCOCO(workflow.COCOConfig{
		Inputs:         c.Inputs,
		Outputs:        c.Outputs,
		ImagesDir:      c.ImagesDir,
		AllowedClasses: c.AllowedClasses,
	}, annotate.New(gen, env.Log), env), nil
}

func newSpecies(ctx context.Context, cfg *config.Config, res config.Resources) (workflow.Workflow, error) {
	c := cfg.Workflow.Species
	if c == nil {
		return nil, errors.New("workflow.species is not configured")
	}
	baike, err := res.Source("baike")
	if err != nil {
		return nil, err
	}
	wiki, err := res.Source("wiki")
	if err != nil {
		return nil, err
	}
	gen, err := res.Agent(ctx, c.Agent)
	if err != nil {
		return nil, err
	}
	env := res.Env()
	a := research.New(gen, baike, wiki, research.WithContext(c.Context), research.WithLogger(env.Log))
	return workflow.NewSpecies(workflow.SpeciesConfig{
		Catalogues:  c.Catalogues,
		Outputs:     c.Outputs,
		NameColumn:  c.NameColumn,
		LatinColumn: c.LatinColumn,
	}, a, env), nil
}

func newTranslate(ctx context.Context, cfg *config.Config, res config.Resources) (workflow.Workflow, error) {
	c := cfg.Workflow.Translate
	if c == nil {
		return nil, errors.New("workflow.translate is not configured")
	}
	mode, err := translate.ParseMode(c.Mode)
	if err != nil {
		return nil, err
	}
	wiki, err := res.Source("wiki")
	if err != nil {
		return nil, err
	}
	gen, err := res.Agent(ctx, c.Agent)
	if err != nil {
		return nil, err
	}
	env := res.Env()
	return workflow.NewTranslate(workflow.TranslateConfig{
		Input:     c.Input,
		OutputDir: c.OutputDir,
		Mode:      mode,
	}, translate.New(gen, wiki, c.Context, env.Log), env), nil
}

func newDBQuery(ctx context.Context, cfg *config.Config, res config.Resources) (workflow.Workflow, error) {
	c := cfg.Workflow.DBQuery
	if c == nil {
		return nil, errors.New("workflow.dbquery is not configured")
	}
	db, schema, err := res.Database(ctx)
	if err != nil {
		return nil, err
	}
	gen, err := res.Agent(ctx, c.Agent)
	if err != nil {
		return nil, err
	}
	env := res.Env()

	var visual *visualize.Agent
	if c.Visualize {
		vgen, err := res.Agent(ctx, c.VisualAgent)
		if err != nil {
			return nil, errors.Join(err, gen.Close())
		}
		visual, err = visualize.New(vgen, c.SaveDir, env.Log)
		if err != nil {
			return nil, errors.Join(fmt.Errorf("visualizer: %w", err), gen.Close(), vgen.Close())
		}
	}
	return workflow.NewDBQuery(workflow.DBQueryConfig{
		Queries:       c.Queries,
		Output:        c.Output,
		Contextualize: c.Contextualize,
		Visualize:     c.Visualize,
		Verbose:       c.Verbose,
	}, sqlquery.New(gen, db, schema, env.Log), visual, env), nil
}
