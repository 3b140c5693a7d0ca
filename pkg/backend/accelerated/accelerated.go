// Package accelerated provides the Backend that drives a throughput-optimised
// local batch engine.
//
// Every Generate submits the conversation as a single-sequence batch. The
// engine's precision, parallelism and memory ceiling are fixed at
// construction; see [Config].
package accelerated

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/agentengine/pkg/backend"
	"github.com/MrWong99/agentengine/pkg/inference"
	"github.com/MrWong99/agentengine/pkg/types"
)

// Defaults applied by [Config.withDefaults].
const (
	DefaultTensorParallel       = 1
	DefaultMaxModelLen          = 4096
	DefaultGPUMemoryUtilization = 0.9
)

// Sampling parameters shared with the remote backend.
const (
	temperature = 0.7
	topP        = 0.7
)

// Config holds the engine construction parameters.
type Config struct {
	// TensorParallel is the degree of model parallelism. Default 1.
	TensorParallel int

	// MaxModelLen is the maximum context length. Default 4096.
	MaxModelLen int

	// GPUMemoryUtilization is the memory ceiling in (0, 1]. Default 0.9.
	GPUMemoryUtilization float64

	// DType is the requested precision. Auto and bfloat16 are narrowed to
	// float16 by the resolver on devices below compute 8.0.
	DType inference.DType
}

func (c Config) withDefaults() Config {
	if c.TensorParallel <= 0 {
		c.TensorParallel = DefaultTensorParallel
	}
	if c.MaxModelLen <= 0 {
		c.MaxModelLen = DefaultMaxModelLen
	}
	if c.GPUMemoryUtilization <= 0 {
		c.GPUMemoryUtilization = DefaultGPUMemoryUtilization
	}
	if c.DType == "" {
		c.DType = inference.DTypeAuto
	}
	return c
}

// Backend implements backend.Backend on an inference.BatchEngine.
type Backend struct {
	engine inference.BatchEngine
	caps   backend.Capabilities
	cfg    Config

	closeOnce sync.Once
	closeErr  error
}

// New constructs the engine with factory and wraps it. Any construction
// failure is returned wrapped in [backend.ErrBackendUnavailable] so the
// resolver can fall back.
func New(ctx context.Context, model string, caps backend.Capabilities, cfg Config, factory inference.BatchFactory) (*Backend, error) {
	if factory == nil {
		return nil, fmt.Errorf("accelerated: %w: no batch engine factory", backend.ErrBackendUnavailable)
	}
	cfg = cfg.withDefaults()
	engine, err := factory(ctx, inference.BatchConfig{
		Model:                model,
		SupportsImages:       caps.SupportsImages,
		TensorParallel:       cfg.TensorParallel,
		MaxModelLen:          cfg.MaxModelLen,
		GPUMemoryUtilization: cfg.GPUMemoryUtilization,
		DType:                cfg.DType,
	})
	if err != nil {
		return nil, fmt.Errorf("accelerated: %w: %w", backend.ErrBackendUnavailable, err)
	}
	return &Backend{engine: engine, caps: caps, cfg: cfg}, nil
}

// Generate implements backend.Backend.
func (b *Backend) Generate(ctx context.Context, messages []types.Message, maxNewTokens int) (string, error) {
	outs, err := b.engine.Generate(ctx,
		[]inference.Prompt{{Messages: messages}},
		inference.SamplingParams{MaxTokens: maxNewTokens, Temperature: temperature, TopP: topP},
	)
	if err != nil {
		return "", fmt.Errorf("accelerated: generate: %w", err)
	}
	if len(outs) == 0 {
		return "", errors.New("accelerated: engine returned no outputs")
	}
	return outs[0], nil
}

// Capabilities implements backend.Backend.
func (b *Backend) Capabilities() backend.Capabilities { return b.caps }

// Kind implements backend.Backend.
func (b *Backend) Kind() backend.Kind { return backend.KindAcceleratedLocal }

// Config returns the effective engine configuration.
func (b *Backend) Config() Config { return b.cfg }

// Close implements backend.Backend.
func (b *Backend) Close() error {
	b.closeOnce.Do(func() {
		b.closeErr = b.engine.Close()
	})
	return b.closeErr
}

var _ backend.Backend = (*Backend)(nil)
