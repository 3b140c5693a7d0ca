// Package local provides the standard local Backend: a directly driven
// inference engine with no batching and no special hardware requirement.
//
// Generation runs in four steps: render the chat template, encode the prompt
// (attaching images from the newest message when the family supports them),
// generate, then decode only the tokens that follow the echoed prompt.
package local

import (
	"context"
	"fmt"
	"sync"

	"github.com/MrWong99/agentengine/pkg/backend"
	"github.com/MrWong99/agentengine/pkg/inference"
	"github.com/MrWong99/agentengine/pkg/types"
)

// Default image bounds passed to the engine processor.
const (
	DefaultMaxPixels = 660 * 660
	DefaultMinPixels = 128 * 128
)

// Backend implements backend.Backend on an inference.Engine.
type Backend struct {
	engine inference.Engine
	caps   backend.Capabilities

	closeOnce sync.Once
	closeErr  error
}

// New constructs the engine with factory and wraps it. A construction failure
// is fatal, since there is nothing left to fall back to, and is wrapped in
// [backend.ErrConfiguration] together with the engine's own error.
func New(ctx context.Context, model string, caps backend.Capabilities, factory inference.EngineFactory) (*Backend, error) {
	if factory == nil {
		return nil, fmt.Errorf("local: %w: no engine factory registered", backend.ErrConfiguration)
	}
	engine, err := factory(ctx, inference.EngineConfig{
		Model:          model,
		SupportsImages: caps.SupportsImages,
		MaxPixels:      DefaultMaxPixels,
		MinPixels:      DefaultMinPixels,
	})
	if err != nil {
		return nil, fmt.Errorf("local: %w: start engine: %w", backend.ErrConfiguration, err)
	}
	// The standard path never accelerates, whatever the family table says.
	caps.SupportsAcceleration = false
	return &Backend{engine: engine, caps: caps}, nil
}

// Generate implements backend.Backend.
func (b *Backend) Generate(ctx context.Context, messages []types.Message, maxNewTokens int) (string, error) {
	prompt, err := b.engine.ApplyChatTemplate(ctx, messages)
	if err != nil {
		return "", fmt.Errorf("local: apply chat template: %w", err)
	}

	var images []string
	if b.caps.SupportsImages && len(messages) > 0 {
		images = messages[len(messages)-1].ImagePaths()
	}

	in, err := b.engine.Encode(ctx, prompt, images)
	if err != nil {
		return "", fmt.Errorf("local: encode: %w", err)
	}

	seqs, err := b.engine.Generate(ctx, in, maxNewTokens)
	if err != nil {
		return "", fmt.Errorf("local: generate: %w", err)
	}
	if len(seqs) == 0 {
		return "", fmt.Errorf("local: engine returned no sequences")
	}

	trimmed := trimPrompt(in.InputIDs, seqs)
	text, err := b.engine.Decode(ctx, trimmed[0])
	if err != nil {
		return "", fmt.Errorf("local: decode: %w", err)
	}
	return text, nil
}

// trimPrompt drops the echoed input ids from the front of every sequence.
func trimPrompt(inputs, seqs [][]int) [][]int {
	out := make([][]int, len(seqs))
	for i, seq := range seqs {
		n := 0
		if i < len(inputs) {
			n = len(inputs[i])
		}
		if n > len(seq) {
			n = len(seq)
		}
		out[i] = seq[n:]
	}
	return out
}

// Capabilities implements backend.Backend.
func (b *Backend) Capabilities() backend.Capabilities { return b.caps }

// Kind implements backend.Backend.
func (b *Backend) Kind() backend.Kind { return backend.KindStandardLocal }

// Close implements backend.Backend.
func (b *Backend) Close() error {
	b.closeOnce.Do(func() {
		b.closeErr = b.engine.Close()
	})
	return b.closeErr
}

var _ backend.Backend = (*Backend)(nil)
