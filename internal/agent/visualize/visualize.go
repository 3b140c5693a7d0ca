// Package visualize asks a model for ECharts chart configurations describing
// a query result and stores the valid ones as JSON files.
package visualize

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/MrWong99/agentengine/internal/agent"
	"github.com/MrWong99/agentengine/internal/agent/sqlquery"
)

// DefaultSaveDir is where chart configs are written.
const DefaultSaveDir = "output/visuals"

// MaxCharts is the number of configs requested and kept.
const MaxCharts = 3

// sampleRows is the number of result rows shown to the model.
const sampleRows = 2

var chartTypes = map[string]bool{"bar": true, "line": true, "pie": true}

// Agent generates chart configs.
type Agent struct {
	gen     agent.Generator
	saveDir string
	log     *slog.Logger
}

// New creates an Agent writing to saveDir (default [DefaultSaveDir]) and
// creates the directory.
func New(gen agent.Generator, saveDir string, log *slog.Logger) (*Agent, error) {
	if saveDir == "" {
		saveDir = DefaultSaveDir
	}
	if log == nil {
		log = slog.Default()
	}
	if err := os.MkdirAll(saveDir, 0o755); err != nil {
		return nil, fmt.Errorf("visualize: create %s: %w", saveDir, err)
	}
	return &Agent{gen: gen, saveDir: saveDir, log: log}, nil
}

// Generator returns the underlying generator.
func (a *Agent) Generator() agent.Generator { return a.gen }

// Generate requests up to [MaxCharts] configs for rows and returns the paths
// of those that validated and were written. Individual bad configs are logged
// and skipped; only a failed generation is an error.
func (a *Agent) Generate(ctx context.Context, query string, rows []sqlquery.Row) ([]string, error) {
	var structure map[string]string
	if len(rows) > 0 {
		structure = Structure(rows[0])
	}
	sample := rows
	if len(sample) > sampleRows {
		sample = sample[:sampleRows]
	}
	structJSON, err := json.Marshal(structure)
	if err != nil {
		return nil, fmt.Errorf("visualize: encode structure: %w", err)
	}
	sampleJSON, err := json.Marshal(sample)
	if err != nil {
		return nil, fmt.Errorf("visualize: encode sample: %w", err)
	}

	res := a.gen.Submit(ctx, fmt.Sprintf(promptTemplate, query, structJSON, sampleJSON), "")
	if err := agent.Check(res); err != nil {
		return nil, fmt.Errorf("visualize: %w", err)
	}

	blocks := agent.AllFenced(res.Result, "json")
	if len(blocks) > MaxCharts {
		blocks = blocks[:MaxCharts]
	}
	var paths []string
	for i, block := range blocks {
		path, err := a.write(query, i, block)
		if err != nil {
			a.log.Warn("chart config rejected", "query", query, "index", i, "err", err)
			continue
		}
		paths = append(paths, path)
	}
	return paths, nil
}

func (a *Agent) write(query string, i int, block string) (string, error) {
	var cfg map[string]any
	if err := json.Unmarshal([]byte(block), &cfg); err != nil {
		return "", fmt.Errorf("visualize: decode config: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return "", err
	}
	data, err := json.MarshalIndent(SnakeKeys(cfg), "", "  ")
	if err != nil {
		return "", fmt.Errorf("visualize: encode config: %w", err)
	}
	path := filepath.Join(a.saveDir, FileName(query, i))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("visualize: write %s: %w", path, err)
	}
	return path, nil
}

// ErrInvalidConfig is returned by [Validate].
var ErrInvalidConfig = errors.New("visualize: invalid chart config")

// Validate checks that cfg names a supported chart type and has series.
func Validate(cfg map[string]any) error {
	t, ok := cfg["type"]
	if !ok {
		return fmt.Errorf("%w: missing field type", ErrInvalidConfig)
	}
	if _, ok := cfg["series"]; !ok {
		return fmt.Errorf("%w: missing field series", ErrInvalidConfig)
	}
	s, _ := t.(string)
	if !chartTypes[s] {
		return fmt.Errorf("%w: unsupported chart type %v", ErrInvalidConfig, t)
	}
	return nil
}

// SnakeKeys returns a copy of v with every object key converted by
// [SnakeCase], descending into nested objects and arrays.
func SnakeKeys(v any) any {
	switch x := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, val := range x {
			out[SnakeCase(k)] = SnakeKeys(val)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, val := range x {
			out[i] = SnakeKeys(val)
		}
		return out
	default:
		return v
	}
}

// SnakeCase inserts an underscore before every upper-case letter except a
// leading one and lower-cases the result: "xAxis" becomes "x_axis".
func SnakeCase(s string) string {
	var b strings.Builder
	for i, r := range s {
		if i > 0 && unicode.IsUpper(r) {
			b.WriteByte('_')
		}
		b.WriteRune(unicode.ToLower(r))
	}
	return b.String()
}

// FileName is the config file name for chart i of query: the first ten
// characters of the query, made file-system safe.
func FileName(query string, i int) string {
	prefix := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' || r == '_' {
			return r
		}
		return '_'
	}, agent.Truncate(query, 10))
	return fmt.Sprintf("visual_%s_%d.json", prefix, i)
}

// Structure describes the value type of each column in row.
func Structure(row sqlquery.Row) map[string]string {
	out := make(map[string]string, len(row))
	for k, v := range row {
		switch v.(type) {
		case nil:
			out[k] = "null"
		case bool:
			out[k] = "bool"
		case string:
			out[k] = "string"
		case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
			out[k] = "int"
		case float32, float64:
			out[k] = "float"
		default:
			out[k] = fmt.Sprintf("%T", v)
		}
	}
	return out
}

const promptTemplate = `User query: %s
Data structure: %s
Data sample: %s

Generate the 3 most suitable ECharts configurations (JSON) that strictly follow these rules.

1. Basics
- Required top-level fields: type (bar/line/pie), title (with text/subtext/pos_left), xAxis/yAxis (each declaring type 'category' or 'value'), series (with name/type/data), tooltip (declaring trigger), legend (declaring show/data).
- Use snake_case for every field name (axis_label, not axisLabel).

2. Data binding
- xAxis data must match a categorical field of the data structure.
- series.data must be a numeric array matching a measure field of the sample.
- pie charts must use name/value objects in data.

3. Presentation
- Include tooltip.formatter, visual_map where a data mapping is needed, and toolbox.feature (save, zoom).
- Use gradient colours, aligned axis ticks, an adaptive legend position and a responsive layout.

4. Output
- Every config must validate against this JSON schema:
{"type":"object","properties":{"type":{"type":"string"},"title":{"type":"object","properties":{"text":{"type":"string"},"subtext":{"type":"string"},"pos_left":{"type":"string"}},"required":["text"]},"xAxis":{"type":"object","properties":{"type":{"enum":["category","value"]},"data":{"type":"array"}},"required":["type"]},"yAxis":{"type":"object"},"series":{"type":"array","items":{"type":"object","properties":{"name":{"type":"string"},"type":{"type":"string"},"data":{"type":"array"}},"required":["name","type","data"]}}},"required":["type","title","xAxis","yAxis","series"]}
- Output 3 ` + "```json" + ` code blocks, each with business-relevant titles and axis labels, data matching the sample, complete interaction settings and a clean enterprise style.`
