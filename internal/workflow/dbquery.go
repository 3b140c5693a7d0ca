package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/agentengine/internal/agent"
	"github.com/MrWong99/agentengine/internal/agent/sqlquery"
	"github.com/MrWong99/agentengine/internal/agent/visualize"
)

// DBQueryConfig configures [DBQuery].
type DBQueryConfig struct {
	Queries []string

	// Output is the JSON file holding every [QueryRecord] so far.
	Output string

	// Contextualize keeps the SQL agent's conversation across queries.
	Contextualize bool

	// Visualize generates chart configs for successful, non-empty results.
	// It needs a visualizer.
	Visualize bool

	// Verbose logs the SQL and analysis of every query once the run is done.
	Verbose bool
}

// QueryRecord is one entry of the output file.
type QueryRecord struct {
	Query          string          `json:"query"`
	Status         string          `json:"status"`
	SQL            string          `json:"sql"`
	Result         json.RawMessage `json:"result"`
	Analysis       string          `json:"analysis"`
	Timestamp      time.Time       `json:"timestamp"`
	Visualizations []string        `json:"visualizations"`
}

// DBQuery answers a list of questions against a database.
type DBQuery struct {
	cfg     DBQueryConfig
	sql     *sqlquery.Agent
	visual  *visualize.Agent
	env     Env
	now     func() time.Time
	records []QueryRecord
}

// NewDBQuery creates the workflow. visual may be nil when cfg.Visualize is
// false.
func NewDBQuery(cfg DBQueryConfig, sql *sqlquery.Agent, visual *visualize.Agent, env Env) *DBQuery {
	return &DBQuery{cfg: cfg, sql: sql, visual: visual, env: env.withDefaults(), now: time.Now}
}

// Name implements [Workflow].
func (w *DBQuery) Name() string { return "dbquery" }

// PreExecute implements [PreExecutor].
func (w *DBQuery) PreExecute(context.Context) error {
	if w.cfg.Output == "" {
		return errors.New("no output file configured")
	}
	if w.cfg.Visualize && w.visual == nil {
		return errors.New("visualize is enabled but no visualizer agent is configured")
	}
	return nil
}

// Execute implements [Workflow]. The output file is rewritten after every
// query.
func (w *DBQuery) Execute(ctx context.Context) error {
	for i, q := range w.cfg.Queries {
		if err := ctx.Err(); err != nil {
			return err
		}
		log := w.env.Log.With("query", q, "progress", fmt.Sprintf("%d/%d", i+1, len(w.cfg.Queries)))

		ans := w.sql.Ask(ctx, q)
		rec := QueryRecord{
			Query:          q,
			Status:         ans.Status,
			SQL:            ans.SQL,
			Analysis:       ans.Analysis,
			Timestamp:      w.now(),
			Visualizations: []string{},
		}
		var err error
		if ans.OK() {
			rec.Result, err = json.Marshal(ans.Result)
		} else {
			rec.Result, err = json.Marshal(ans.Error)
		}
		if err != nil {
			return fmt.Errorf("encode result: %w", err)
		}

		if w.cfg.Visualize && ans.OK() && len(ans.Result) > 0 {
			paths, err := w.visual.Generate(ctx, q, ans.Result)
			if err != nil {
				log.Warn("visualization failed", "err", err)
			} else {
				rec.Visualizations = append(rec.Visualizations, paths...)
			}
		}

		if !w.cfg.Contextualize {
			w.sql.Generator().Clear()
		}
		if w.visual != nil {
			w.visual.Generator().Clear()
		}

		status := itemOK
		if !ans.OK() {
			status = itemError
		}
		w.env.Metrics.RecordWorkflowItem(ctx, w.Name(), status)

		w.records = append(w.records, rec)
		if err := w.save(); err != nil {
			return err
		}
		log.Info("query result saved", "status", ans.Status, "file", w.cfg.Output)
	}

	if w.cfg.Verbose {
		for _, r := range w.records {
			w.env.Log.Info("query summary", "query", r.Query, "sql", r.SQL, "analysis", r.Analysis)
		}
	}
	return nil
}

func (w *DBQuery) save() error {
	data, err := json.MarshalIndent(w.records, "", "  ")
	if err != nil {
		return fmt.Errorf("encode results: %w", err)
	}
	if err := writeFileAtomic(w.cfg.Output, data); err != nil {
		return fmt.Errorf("save results: %w", err)
	}
	return nil
}

// Records returns the records produced so far.
func (w *DBQuery) Records() []QueryRecord { return w.records }

// Close implements [Workflow].
func (w *DBQuery) Close() error {
	gens := []agent.Generator{w.sql.Generator()}
	if w.visual != nil {
		gens = append(gens, w.visual.Generator())
	}
	return closeAll(gens...)
}
