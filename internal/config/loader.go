package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/agentengine/internal/agent/translate"
	"github.com/MrWong99/agentengine/pkg/inference"
)

// ValidServerProviders lists the batch inference servers the default
// registry knows. Used by [Validate] to warn about unrecognised names.
var ValidServerProviders = []string{"vllm", "llamacpp", "llamafile", "ollama"}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	names := make([]string, 0, len(cfg.Agents))
	for name := range cfg.Agents {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		errs = append(errs, validateAgent("agents."+name, cfg.Agents[name])...)
	}

	if cfg.Crawl.UpdateInterval < 0 || cfg.Crawl.Delay < 0 || cfg.Crawl.Jitter < 0 {
		errs = append(errs, errors.New("crawl: update_interval, delay and jitter must not be negative"))
	}

	errs = append(errs, validateWorkflow(cfg)...)
	return errors.Join(errs...)
}

func validateAgent(prefix string, a AgentConfig) []error {
	var errs []error
	if strings.TrimSpace(a.Model) == "" {
		errs = append(errs, fmt.Errorf("%s.model is required", prefix))
	}
	if a.MaxNewTokens < 0 {
		errs = append(errs, fmt.Errorf("%s.max_new_tokens %d must not be negative", prefix, a.MaxNewTokens))
	}
	if a.MinPixels < 0 || a.MaxPixels < 0 {
		errs = append(errs, fmt.Errorf("%s: min_pixels and max_pixels must not be negative", prefix))
	}
	if a.MaxPixels > 0 && a.MinPixels > a.MaxPixels {
		errs = append(errs, fmt.Errorf("%s.min_pixels %d exceeds max_pixels %d", prefix, a.MinPixels, a.MaxPixels))
	}

	acc := a.Acceleration
	if acc.DType != "" && !inference.DType(acc.DType).IsValid() {
		errs = append(errs, fmt.Errorf("%s.acceleration.dtype %q is invalid; valid values: auto, bfloat16, float16", prefix, acc.DType))
	}
	if acc.GPUMemoryUtilization != 0 && (acc.GPUMemoryUtilization <= 0 || acc.GPUMemoryUtilization > 1) {
		errs = append(errs, fmt.Errorf("%s.acceleration.gpu_memory_utilization %.2f is out of range (0, 1]", prefix, acc.GPUMemoryUtilization))
	}
	if acc.TensorParallel < 0 || acc.MaxModelLen < 0 {
		errs = append(errs, fmt.Errorf("%s.acceleration: tensor_parallel and max_model_len must not be negative", prefix))
	}
	if p := acc.Server.Provider; p != "" && !slices.Contains(ValidServerProviders, p) {
		slog.Warn("unknown inference server provider; may be a typo or a custom registration",
			"agent", prefix,
			"provider", p,
			"known", ValidServerProviders,
		)
	}
	if acc.Enabled != nil && *acc.Enabled && strings.Contains(a.Model, "://") {
		slog.Warn("acceleration has no effect on remote models", "agent", prefix)
	}
	return errs
}

func validateWorkflow(cfg *Config) []error {
	w := cfg.Workflow
	if w.Type == "" {
		return nil
	}
	var errs []error
	agentRef := func(field, name string) {
		if name == "" {
			errs = append(errs, fmt.Errorf("workflow.%s.%s is required", w.Type, field))
			return
		}
		if _, ok := cfg.Agents[name]; !ok {
			errs = append(errs, fmt.Errorf("workflow.%s.%s %q does not name a configured agent", w.Type, field, name))
		}
	}
	missing := func() {
		errs = append(errs, fmt.Errorf("workflow.type is %q but workflow.%s is not configured", w.Type, w.Type))
	}

	switch w.Type {
	case WorkflowCOCO:
		if w.COCO == nil {
			missing()
			break
		}
		agentRef("agent", w.COCO.Agent)
		if len(w.COCO.Inputs) == 0 {
			errs = append(errs, errors.New("workflow.coco.inputs is required"))
		}
		if len(w.COCO.AllowedClasses) == 0 {
			errs = append(errs, errors.New("workflow.coco.allowed_classes is required"))
		}
	case WorkflowSpecies:
		if w.Species == nil {
			missing()
			break
		}
		agentRef("agent", w.Species.Agent)
		if len(w.Species.Catalogues) == 0 {
			errs = append(errs, errors.New("workflow.species.catalogues is required"))
		}
		if w.Species.Context < 0 {
			errs = append(errs, errors.New("workflow.species.context must not be negative"))
		}
	case WorkflowTranslate:
		if w.Translate == nil {
			missing()
			break
		}
		agentRef("agent", w.Translate.Agent)
		if w.Translate.Input == "" {
			errs = append(errs, errors.New("workflow.translate.input is required"))
		}
		if _, err := translate.ParseMode(w.Translate.Mode); err != nil {
			errs = append(errs, fmt.Errorf("workflow.translate.mode: %w", err))
		}
	case WorkflowDBQuery:
		if w.DBQuery == nil {
			missing()
			break
		}
		agentRef("agent", w.DBQuery.Agent)
		if w.DBQuery.Visualize {
			agentRef("visual_agent", w.DBQuery.VisualAgent)
		}
		if len(w.DBQuery.Queries) == 0 {
			errs = append(errs, errors.New("workflow.dbquery.queries is required"))
		}
		if w.DBQuery.Output == "" {
			errs = append(errs, errors.New("workflow.dbquery.output is required"))
		}
		if cfg.Database.DSN == "" {
			errs = append(errs, errors.New("workflow dbquery requires database.dsn"))
		}
	default:
		// Custom types are resolved against the registry at startup.
		slog.Warn("unknown workflow type; it must be registered before the run", "type", w.Type)
	}
	return errs
}
