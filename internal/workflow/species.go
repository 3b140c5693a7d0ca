package workflow

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/MrWong99/agentengine/internal/agent/research"
)

// Failed marks a species record whose research did not complete. Such records
// are retried on the next run.
const Failed = "[WORKFLOW] Failed"

// Default catalogue column names.
const (
	DefaultNameColumn  = "name"
	DefaultLatinColumn = "latin_name"
)

// SpeciesConfig configures [Species].
type SpeciesConfig struct {
	// Catalogues are CSV files with a header row.
	Catalogues []string

	// Outputs pair with Catalogues one to one, or is a single directory.
	// Each output is a JSON-lines file of [SpeciesRecord].
	Outputs []string

	NameColumn  string
	LatinColumn string
}

// SpeciesRecord is one line of a species output file.
type SpeciesRecord struct {
	Name      string          `json:"name"`
	LatinName string          `json:"latin_name"`
	Report    research.Report `json:"report"`
	Status    string          `json:"status,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// Failed reports whether the record is a workflow failure.
func (r SpeciesRecord) Failed() bool { return r.Status == Failed }

func (r SpeciesRecord) key() string {
	if r.LatinName != "" {
		return r.LatinName
	}
	return r.Name
}

// Species researches every species of a catalogue. Species already present in
// the output without a failure marker are skipped, so a run can be resumed.
type Species struct {
	cfg   SpeciesConfig
	agent *research.Agent
	env   Env
}

// NewSpecies creates the workflow.
func NewSpecies(cfg SpeciesConfig, a *research.Agent, env Env) *Species {
	if cfg.NameColumn == "" {
		cfg.NameColumn = DefaultNameColumn
	}
	if cfg.LatinColumn == "" {
		cfg.LatinColumn = DefaultLatinColumn
	}
	return &Species{cfg: cfg, agent: a, env: env.withDefaults()}
}

// Name implements [Workflow].
func (w *Species) Name() string { return "species" }

// Execute implements [Workflow].
func (w *Species) Execute(ctx context.Context) error {
	if len(w.cfg.Catalogues) == 0 {
		return errors.New("no catalogues configured")
	}
	outputs, err := pairOutputs(w.cfg.Catalogues, w.cfg.Outputs, func(in string) string {
		base := filepath.Base(in)
		return strings.TrimSuffix(base, filepath.Ext(base)) + ".jsonl"
	})
	if err != nil {
		return err
	}
	for i, cat := range w.cfg.Catalogues {
		if err := w.processCatalogue(ctx, cat, outputs[i]); err != nil {
			return err
		}
	}
	return nil
}

func (w *Species) processCatalogue(ctx context.Context, catalogue, out string) error {
	species, err := readCatalogue(catalogue, w.cfg.NameColumn, w.cfg.LatinColumn)
	if err != nil {
		return err
	}
	records, err := readRecords(out)
	if err != nil {
		return err
	}

	for i, sp := range species {
		if err := ctx.Err(); err != nil {
			return err
		}
		log := w.env.Log.With("species", sp.Name, "latin", sp.LatinName, "progress", fmt.Sprintf("%d/%d", i+1, len(species)))

		if done(records, sp.key()) {
			log.Info("already processed; skipping")
			w.env.Metrics.RecordWorkflowItem(ctx, w.Name(), itemSkipped)
			continue
		}
		records = dropFailed(records, sp.key())

		rec := sp
		report, err := w.agent.Query(ctx, sp.Name, sp.LatinName)
		w.agent.Generator().Clear()
		status := itemOK
		if err != nil {
			log.Error("research failed", "err", err)
			rec.Report = failedReport()
			rec.Status = Failed
			rec.Error = err.Error()
			status = itemError
		} else {
			rec.Report = report
			if report.Failed() {
				status = itemFallback
			}
		}
		w.env.Metrics.RecordWorkflowItem(ctx, w.Name(), status)

		records = append(records, rec)
		if err := writeRecords(out, records); err != nil {
			return err
		}
	}
	w.env.Log.Info("species catalogue done", "catalogue", catalogue, "output", out, "records", len(records))
	return nil
}

// Close implements [Workflow].
func (w *Species) Close() error { return closeAll(w.agent.Generator()) }

func failedReport() research.Report {
	d := research.Detail{Detailed: Failed, Brief: Failed}
	return research.Report{
		ChinaProtectionLevel:         Failed,
		InternationalEndangeredLevel: Failed,
		Morphology:                   d,
		Habits:                       d,
		Habitat:                      d,
	}
}

func done(records []SpeciesRecord, key string) bool {
	for _, r := range records {
		if r.key() == key && !r.Failed() {
			return true
		}
	}
	return false
}

func dropFailed(records []SpeciesRecord, key string) []SpeciesRecord {
	out := records[:0]
	for _, r := range records {
		if r.key() == key && r.Failed() {
			continue
		}
		out = append(out, r)
	}
	return out
}

// readCatalogue reads the name and latin columns of a CSV catalogue. Rows with
// both empty are ignored.
func readCatalogue(path, nameCol, latinCol string) ([]SpeciesRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open catalogue: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true
	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("catalogue %s: read header: %w", path, err)
	}
	nameIdx, latinIdx := -1, -1
	for i, h := range header {
		switch strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")) {
		case nameCol:
			nameIdx = i
		case latinCol:
			latinIdx = i
		}
	}
	if nameIdx < 0 && latinIdx < 0 {
		return nil, fmt.Errorf("catalogue %s: neither %q nor %q column found", path, nameCol, latinCol)
	}

	var out []SpeciesRecord
	for {
		row, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("catalogue %s: %w", path, err)
		}
		rec := SpeciesRecord{Name: field(row, nameIdx), LatinName: field(row, latinIdx)}
		if rec.Name == "" && rec.LatinName == "" {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func field(row []string, i int) string {
	if i < 0 || i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}

// readRecords loads an existing output file. A missing file is empty.
func readRecords(path string) ([]SpeciesRecord, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open results: %w", err)
	}
	defer f.Close()

	var out []SpeciesRecord
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16<<20)
	for n := 1; sc.Scan(); n++ {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var rec SpeciesRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, fmt.Errorf("results %s line %d: %w", path, n, err)
		}
		out = append(out, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read results %s: %w", path, err)
	}
	return out, nil
}

func writeRecords(path string, records []SpeciesRecord) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for _, r := range records {
		if err := enc.Encode(r); err != nil {
			return fmt.Errorf("encode record: %w", err)
		}
	}
	if err := writeFileAtomic(path, buf.Bytes()); err != nil {
		return fmt.Errorf("save results: %w", err)
	}
	return nil
}
