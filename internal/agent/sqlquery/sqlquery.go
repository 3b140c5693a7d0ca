// Package sqlquery answers natural-language questions against a relational
// database.
//
// [Agent.Ask] is a two-step exchange with the model. The first prompt carries
// the schema and asks for one ```sql block; the statement is executed through
// a [Querier]; the second prompt carries the (truncated) rows and asks for a
// short analysis. Failures at any step come back as an [Answer] with status
// error rather than a Go error, mirroring how a chat result reports failure.
package sqlquery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/MrWong99/agentengine/internal/agent"
)

// MaxAnalysedRows is the number of rows shown to the model for analysis.
const MaxAnalysedRows = 20

// Answer statuses.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

const (
	tooManyNote    = "... (Too many results, only showing the first 20)"
	tooManyWarning = "[Warning] Too many query results, unable to analyze in detail!\n"
)

// Row is one result row, keyed by column name. Values are JSON-friendly:
// numerics are float64, dates are "2006-01-02" strings, bytes are strings.
type Row map[string]any

// Querier executes a single SQL statement.
type Querier interface {
	Query(ctx context.Context, sql string) ([]Row, error)
}

// Column describes one column for the SQL prompt.
type Column struct {
	Type        string   `json:"type,omitempty"`
	Comment     string   `json:"comment"`
	Constraints []string `json:"constraints,omitempty"`
}

// Schema maps a table label to its columns. The label is the table name,
// followed by " (description: ...)" when one is configured.
type Schema map[string]map[string]Column

// Answer is the outcome of [Agent.Ask].
type Answer struct {
	Status   string `json:"status"`
	Query    string `json:"query"`
	SQL      string `json:"sql"`
	Result   []Row  `json:"result"`
	Error    string `json:"error,omitempty"`
	Analysis string `json:"analysis"`
}

// OK reports whether the answer completed.
func (a Answer) OK() bool { return a.Status == StatusSuccess }

// Agent turns questions into SQL and SQL results into prose.
type Agent struct {
	gen    agent.Generator
	db     Querier
	schema Schema
	log    *slog.Logger
}

// New creates an Agent. schema is rendered into every SQL prompt.
func New(gen agent.Generator, db Querier, schema Schema, log *slog.Logger) *Agent {
	if log == nil {
		log = slog.Default()
	}
	return &Agent{gen: gen, db: db, schema: schema, log: log}
}

// Generator returns the underlying generator.
func (a *Agent) Generator() agent.Generator { return a.gen }

// Ask answers query. An empty ```sql block (or none) means the model judged
// the question unanswerable; that is still a success whose result is a single
// "insufficient data" row.
func (a *Agent) Ask(ctx context.Context, query string) Answer {
	ans := Answer{Query: query}
	log := a.log.With("query", query)

	sql, err := a.generateSQL(ctx, query)
	if err != nil {
		return a.fail(log, ans, err)
	}
	ans.SQL = sql

	if sql == "" {
		ans.Result = []Row{{"result": "insufficient data"}}
	} else {
		rows, err := a.db.Query(ctx, sql)
		if err != nil {
			return a.fail(log, ans, err)
		}
		ans.Result = rows
	}

	analysis, err := a.analyse(ctx, query, ans.Result)
	if err != nil {
		return a.fail(log, ans, err)
	}
	ans.Analysis = analysis
	ans.Status = StatusSuccess
	log.Info("query answered", "rows", len(ans.Result))
	return ans
}

func (a *Agent) fail(log *slog.Logger, ans Answer, err error) Answer {
	log.Warn("query failed", "sql", ans.SQL, "err", err)
	ans.Status = StatusError
	ans.Error = err.Error()
	return ans
}

func (a *Agent) generateSQL(ctx context.Context, query string) (string, error) {
	schema, err := json.MarshalIndent(a.schema, "", "  ")
	if err != nil {
		return "", fmt.Errorf("sqlquery: encode schema: %w", err)
	}
	res := a.gen.Submit(ctx, fmt.Sprintf(sqlPrompt, schema, query), "")
	if err := agent.Check(res); err != nil {
		return "", fmt.Errorf("sqlquery: generate sql: %w", err)
	}
	sql, _ := agent.Fenced(res.Result, "sql")
	return sql, nil
}

func (a *Agent) analyse(ctx context.Context, query string, rows []Row) (string, error) {
	if len(rows) == 0 {
		rows = []Row{{"result": "No query results"}}
	}
	tooMany := len(rows) > MaxAnalysedRows
	shown := rows
	if tooMany {
		shown = rows[:MaxAnalysedRows]
	}
	data, err := json.MarshalIndent(shown, "", "  ")
	if err != nil {
		return "", fmt.Errorf("sqlquery: encode rows: %w", err)
	}
	note := ""
	if tooMany {
		note = tooManyNote
	}

	res := a.gen.Submit(ctx, fmt.Sprintf(analysisPrompt, query, len(rows), data, note), "")
	if err := agent.Check(res); err != nil {
		return "", fmt.Errorf("sqlquery: analyse: %w", err)
	}
	out := strings.TrimSpace(res.Result)
	if tooMany {
		out = tooManyWarning + out
	}
	return out, nil
}

const sqlPrompt = `Based on the following database structure information:
%s

Translate the user's natural language query into a valid SQL statement:
User query: %s

Requirements:
1. Use standard SQL syntax
2. Avoid special functions or stored procedures
3. Ensure correct table relationships
4. Make reasonable assumptions for potential ambiguities
5. You prefer to sort results by quantity in descending order
6. If the user's query is not in the database, return "(empty string)"

Wrap the statement in a ` + "```sql" + ` block. No explanations needed.`

const analysisPrompt = `Generate an analysis report based on the following query and results:
Original query: %s
Total query results: %d:
%s
%s

Analysis requirements:
1. Summarize the main findings
2. Highlight key data points
3. If there are mathematical calculations, show the detailed process
4. If the query results are too many, be honest about your limitations
5. Keep it within 200 words`
