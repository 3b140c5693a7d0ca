// Package inference defines the local inference engines that the
// accelerated and standard local backends drive.
//
// Model weights, tokenisers and the inference runtime itself live outside this
// module. This package only describes the narrow surface the backends need:
//
//   - [Engine] is a directly driven engine: chat template, tokenise, generate,
//     decode. Generate returns full sequences that begin with the prompt ids,
//     so callers trim the echoed prompt before decoding.
//   - [BatchEngine] is a throughput-optimised engine that accepts a batch of
//     conversations and returns one completion per conversation.
//
// Concrete engines are constructed through [EngineFactory] and [BatchFactory]
// so the resolver can choose between them at runtime.
package inference

import (
	"context"
	"errors"

	"github.com/MrWong99/agentengine/pkg/types"
)

// ErrUnavailable is returned by factories when the engine cannot run in the
// current environment (missing server, missing device, unsupported model).
var ErrUnavailable = errors.New("inference: engine unavailable")

// DType selects the numeric precision of an accelerated engine.
type DType string

const (
	DTypeAuto     DType = "auto"
	DTypeBFloat16 DType = "bfloat16"
	DTypeFloat16  DType = "float16"
)

// IsValid reports whether d is a recognised precision.
func (d DType) IsValid() bool {
	switch d {
	case DTypeAuto, DTypeBFloat16, DTypeFloat16:
		return true
	}
	return false
}

// EngineConfig configures a standard local [Engine].
type EngineConfig struct {
	// Model is the local model identifier (path or hub name).
	Model string

	// SupportsImages enables the image processor for multi-modal families.
	SupportsImages bool

	// MaxPixels and MinPixels bound image resizing in the processor.
	MaxPixels int
	MinPixels int
}

// Inputs is an encoded batch ready for [Engine.Generate].
type Inputs struct {
	// Prompt is the rendered text the ids were produced from.
	Prompt string

	// InputIDs holds one token id sequence per batch row.
	InputIDs [][]int

	// Images lists the image paths attached to the batch, in prompt order.
	Images []string
}

// Engine is a directly driven local inference engine.
//
// Implementations must be safe for sequential use by one caller; concurrent
// use is not required.
type Engine interface {
	// ApplyChatTemplate renders messages into the model's prompt format with
	// the generation prompt appended.
	ApplyChatTemplate(ctx context.Context, messages []types.Message) (string, error)

	// Encode tokenises text and attaches images when the model supports them.
	Encode(ctx context.Context, text string, images []string) (Inputs, error)

	// Generate runs one generation call bounded by maxNewTokens and returns
	// full sequences (prompt ids followed by generated ids), one per row.
	Generate(ctx context.Context, in Inputs, maxNewTokens int) ([][]int, error)

	// Decode turns token ids back into text, skipping special tokens.
	Decode(ctx context.Context, ids []int) (string, error)

	// Close releases the engine handle.
	Close() error
}

// BatchConfig configures an accelerated [BatchEngine].
type BatchConfig struct {
	// Model is the local model identifier.
	Model string

	// SupportsImages reports whether prompts may carry image parts.
	SupportsImages bool

	// TensorParallel is the number of devices the model is sharded across.
	TensorParallel int

	// MaxModelLen is the maximum context length in tokens.
	MaxModelLen int

	// GPUMemoryUtilization is the fraction of device memory the engine may
	// reserve, in (0, 1].
	GPUMemoryUtilization float64

	// DType is the numeric precision.
	DType DType
}

// SamplingParams controls decoding for a [BatchEngine] call.
type SamplingParams struct {
	MaxTokens   int
	Temperature float64
	TopP        float64
}

// Prompt is one conversation in a batch.
type Prompt struct {
	Messages []types.Message
}

// BatchEngine is a throughput-optimised local engine.
type BatchEngine interface {
	// Generate completes every prompt in the batch and returns the generated
	// text in the same order.
	Generate(ctx context.Context, prompts []Prompt, sp SamplingParams) ([]string, error)

	// Close releases the engine handle.
	Close() error
}

// EngineFactory constructs a standard local engine.
type EngineFactory func(ctx context.Context, cfg EngineConfig) (Engine, error)

// BatchFactory constructs an accelerated batch engine.
type BatchFactory func(ctx context.Context, cfg BatchConfig) (BatchEngine, error)
