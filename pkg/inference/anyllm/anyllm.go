// Package anyllm provides an accelerated [inference.BatchEngine] backed by
// github.com/mozilla-ai/any-llm-go.
//
// The engine drives a locally hosted, throughput-optimised inference server
// through any-llm-go's unified provider interface. Supported servers:
//
//   - "vllm" — a vLLM OpenAI-compatible server (default http://127.0.0.1:8000/v1)
//   - "llamacpp" — a llama.cpp server
//   - "llamafile" — a llamafile server
//   - "ollama" — an Ollama daemon
//
// Usage:
//
//	eng, err := anyllm.New(ctx, inference.BatchConfig{Model: "Qwen/Qwen2.5-7B-Instruct"},
//	    anyllm.Server{Provider: "vllm", BaseURL: "http://gpu-box:8000/v1"})
package anyllm

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/llamacpp"
	"github.com/mozilla-ai/any-llm-go/providers/llamafile"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"

	"github.com/MrWong99/agentengine/pkg/inference"
	"github.com/MrWong99/agentengine/pkg/types"
)

// defaultVLLMBaseURL is used for the "vllm" provider when no BaseURL is set.
const defaultVLLMBaseURL = "http://127.0.0.1:8000/v1"

// healthTimeout bounds the reachability probe performed by [New].
const healthTimeout = 5 * time.Second

// Server selects the inference server the engine talks to.
type Server struct {
	// Provider is one of "vllm", "llamacpp", "llamafile", "ollama".
	Provider string

	// BaseURL overrides the provider's default address.
	BaseURL string

	// APIKey is sent when the server requires one. vLLM accepts any value
	// unless it was started with --api-key.
	APIKey string

	// SkipHealthCheck disables the reachability probe in [New].
	SkipHealthCheck bool
}

// Engine implements inference.BatchEngine.
type Engine struct {
	backend anyllmlib.Provider
	cfg     inference.BatchConfig
	server  Server
}

// New creates an Engine for cfg on the given server.
//
// Multi-modal batches are not supported: any-llm-go carries message content
// as text. New returns an error wrapping [inference.ErrUnavailable] for image
// families so the resolver falls back to the standard engine, and likewise
// when the server does not answer the health probe.
//
// The server is already running, so TensorParallel, GPUMemoryUtilization and
// DType are validated and logged only. MaxModelLen caps the completion length
// of every request.
func New(ctx context.Context, cfg inference.BatchConfig, server Server) (*Engine, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("anyllm: model must not be empty")
	}
	if server.Provider == "" {
		server.Provider = "vllm"
	}
	if cfg.SupportsImages {
		return nil, fmt.Errorf("anyllm: %w: image batches are not supported by %q", inference.ErrUnavailable, server.Provider)
	}
	if cfg.GPUMemoryUtilization < 0 || cfg.GPUMemoryUtilization > 1 {
		return nil, fmt.Errorf("anyllm: gpu memory utilization %.2f is out of range (0, 1]", cfg.GPUMemoryUtilization)
	}
	if strings.EqualFold(server.Provider, "vllm") && server.BaseURL == "" {
		server.BaseURL = defaultVLLMBaseURL
	}

	var opts []anyllmlib.Option
	if server.APIKey != "" {
		opts = append(opts, anyllmlib.WithAPIKey(server.APIKey))
	} else if strings.EqualFold(server.Provider, "vllm") {
		opts = append(opts, anyllmlib.WithAPIKey("EMPTY"))
	}
	if server.BaseURL != "" {
		opts = append(opts, anyllmlib.WithBaseURL(server.BaseURL))
	}

	backend, err := createBackend(server.Provider, opts...)
	if err != nil {
		return nil, fmt.Errorf("anyllm: create %q backend: %w", server.Provider, err)
	}

	if !server.SkipHealthCheck && server.BaseURL != "" {
		if err := ping(ctx, server.BaseURL); err != nil {
			return nil, fmt.Errorf("anyllm: %w: %v", inference.ErrUnavailable, err)
		}
	}

	slog.Debug("batch engine configured",
		"provider", server.Provider,
		"model", cfg.Model,
		"tensor_parallel", cfg.TensorParallel,
		"max_model_len", cfg.MaxModelLen,
		"gpu_memory_utilization", cfg.GPUMemoryUtilization,
		"dtype", cfg.DType,
	)
	return &Engine{backend: backend, cfg: cfg, server: server}, nil
}

// Factory returns an inference.BatchFactory bound to server.
func Factory(server Server) inference.BatchFactory {
	return func(ctx context.Context, cfg inference.BatchConfig) (inference.BatchEngine, error) {
		return New(ctx, cfg, server)
	}
}

// createBackend creates the underlying any-llm-go provider for the given
// server name.
func createBackend(provider string, opts ...anyllmlib.Option) (anyllmlib.Provider, error) {
	switch strings.ToLower(provider) {
	case "vllm":
		return anyllmoai.New(opts...)
	case "llamacpp":
		return llamacpp.New(opts...)
	case "llamafile":
		return llamafile.New(opts...)
	case "ollama":
		return ollama.New(opts...)
	default:
		return nil, fmt.Errorf("unsupported server %q; supported: vllm, llamacpp, llamafile, ollama", provider)
	}
}

// ping checks that the server answers on its model listing route.
func ping(ctx context.Context, baseURL string) error {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	url := strings.TrimRight(baseURL, "/") + "/models"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("GET %s: status %d", url, resp.StatusCode)
	}
	return nil
}

// Generate implements inference.BatchEngine. Prompts are completed in order;
// the first failure aborts the batch.
func (e *Engine) Generate(ctx context.Context, prompts []inference.Prompt, sp inference.SamplingParams) ([]string, error) {
	out := make([]string, 0, len(prompts))
	for i, p := range prompts {
		params, err := e.buildParams(p, sp)
		if err != nil {
			return nil, fmt.Errorf("anyllm: prompt %d: %w", i, err)
		}
		resp, err := e.backend.Completion(ctx, params)
		if err != nil {
			return nil, fmt.Errorf("anyllm: completion: %w", err)
		}
		if len(resp.Choices) == 0 {
			return nil, fmt.Errorf("anyllm: empty choices in response")
		}
		out = append(out, resp.Choices[0].Message.ContentString())
	}
	return out, nil
}

// Close implements inference.BatchEngine. The server outlives the engine.
func (e *Engine) Close() error { return nil }

// Config returns the batch configuration the engine was created with.
func (e *Engine) Config() inference.BatchConfig { return e.cfg }

// buildParams converts a prompt into anyllm CompletionParams.
func (e *Engine) buildParams(p inference.Prompt, sp inference.SamplingParams) (anyllmlib.CompletionParams, error) {
	messages := make([]anyllmlib.Message, 0, len(p.Messages))
	for _, m := range p.Messages {
		msg, err := convertMessage(m)
		if err != nil {
			return anyllmlib.CompletionParams{}, err
		}
		messages = append(messages, msg)
	}

	params := anyllmlib.CompletionParams{
		Model:    e.cfg.Model,
		Messages: messages,
	}
	if sp.Temperature != 0 {
		t := sp.Temperature
		params.Temperature = &t
	}
	if sp.TopP != 0 {
		tp := sp.TopP
		params.TopP = &tp
	}
	if sp.MaxTokens > 0 {
		mt := sp.MaxTokens
		if e.cfg.MaxModelLen > 0 && mt > e.cfg.MaxModelLen {
			mt = e.cfg.MaxModelLen
		}
		params.MaxTokens = &mt
	}
	return params, nil
}

// convertMessage converts a types.Message to anyllm.Message. Image parts are
// rejected.
func convertMessage(m types.Message) (anyllmlib.Message, error) {
	for _, p := range m.Parts {
		if p.Type == types.PartImage {
			return anyllmlib.Message{}, fmt.Errorf("image parts are not supported")
		}
	}
	return anyllmlib.Message{
		Role:    string(m.Role),
		Content: m.Text(),
	}, nil
}

var _ inference.BatchEngine = (*Engine)(nil)
