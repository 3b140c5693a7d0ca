// Package mock provides test doubles for the inference.Engine and
// inference.BatchEngine interfaces.
//
// Engine echoes the prompt ids back in front of GenerateIDs, the same way a
// real causal model returns full sequences, so callers' trimming logic is
// exercised. All fields are safe to set before calling any method.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/agentengine/pkg/inference"
	"github.com/MrWong99/agentengine/pkg/types"
)

// GenerateCall records a single invocation of Engine.Generate.
type GenerateCall struct {
	Inputs       inference.Inputs
	MaxNewTokens int
}

// EncodeCall records a single invocation of Engine.Encode.
type EncodeCall struct {
	Text   string
	Images []string
}

// Engine is a mock implementation of inference.Engine.
type Engine struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// Template is returned by ApplyChatTemplate. Empty means the user text of
	// the last message.
	Template    string
	TemplateErr error

	// PromptIDs is returned by Encode as the single input row.
	PromptIDs []int
	EncodeErr error

	// GenerateIDs is appended after the prompt row by Generate.
	GenerateIDs []int
	GenerateErr error

	// DecodeDefault is returned by every Decode call.
	DecodeDefault string
	DecodeErr     error

	CloseErr error

	// --- Call records (read after test) ---

	TemplateCalls [][]types.Message
	EncodeCalls   []EncodeCall
	GenerateCalls []GenerateCall
	DecodeCalls   [][]int
	CloseCount    int
}

// ApplyChatTemplate implements inference.Engine.
func (e *Engine) ApplyChatTemplate(_ context.Context, messages []types.Message) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	cp := make([]types.Message, len(messages))
	for i, m := range messages {
		cp[i] = m.Clone()
	}
	e.TemplateCalls = append(e.TemplateCalls, cp)
	if e.TemplateErr != nil {
		return "", e.TemplateErr
	}
	if e.Template != "" {
		return e.Template, nil
	}
	if len(messages) == 0 {
		return "", nil
	}
	return messages[len(messages)-1].Text(), nil
}

// Encode implements inference.Engine.
func (e *Engine) Encode(_ context.Context, text string, images []string) (inference.Inputs, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.EncodeCalls = append(e.EncodeCalls, EncodeCall{Text: text, Images: append([]string(nil), images...)})
	if e.EncodeErr != nil {
		return inference.Inputs{}, e.EncodeErr
	}
	ids := append([]int(nil), e.PromptIDs...)
	return inference.Inputs{Prompt: text, InputIDs: [][]int{ids}, Images: images}, nil
}

// Generate implements inference.Engine.
func (e *Engine) Generate(_ context.Context, in inference.Inputs, maxNewTokens int) ([][]int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.GenerateCalls = append(e.GenerateCalls, GenerateCall{Inputs: in, MaxNewTokens: maxNewTokens})
	if e.GenerateErr != nil {
		return nil, e.GenerateErr
	}
	out := make([][]int, 0, len(in.InputIDs))
	for _, row := range in.InputIDs {
		seq := append(append([]int(nil), row...), e.GenerateIDs...)
		out = append(out, seq)
	}
	return out, nil
}

// Decode implements inference.Engine.
func (e *Engine) Decode(_ context.Context, ids []int) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.DecodeCalls = append(e.DecodeCalls, append([]int(nil), ids...))
	if e.DecodeErr != nil {
		return "", e.DecodeErr
	}
	return e.DecodeDefault, nil
}

// Close implements inference.Engine.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.CloseCount++
	return e.CloseErr
}

// BatchCall records a single invocation of BatchEngine.Generate.
type BatchCall struct {
	Prompts []inference.Prompt
	Params  inference.SamplingParams
}

// BatchEngine is a mock implementation of inference.BatchEngine.
type BatchEngine struct {
	mu sync.Mutex

	// Outputs is returned by Generate. When shorter than the batch, the last
	// entry is repeated; when empty, each output is "".
	Outputs     []string
	GenerateErr error
	CloseErr    error

	Calls      []BatchCall
	CloseCount int
}

// Generate implements inference.BatchEngine.
func (b *BatchEngine) Generate(_ context.Context, prompts []inference.Prompt, sp inference.SamplingParams) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Calls = append(b.Calls, BatchCall{Prompts: prompts, Params: sp})
	if b.GenerateErr != nil {
		return nil, b.GenerateErr
	}
	out := make([]string, len(prompts))
	for i := range prompts {
		switch {
		case i < len(b.Outputs):
			out[i] = b.Outputs[i]
		case len(b.Outputs) > 0:
			out[i] = b.Outputs[len(b.Outputs)-1]
		}
	}
	return out, nil
}

// Close implements inference.BatchEngine.
func (b *BatchEngine) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.CloseCount++
	return b.CloseErr
}

var (
	_ inference.Engine      = (*Engine)(nil)
	_ inference.BatchEngine = (*BatchEngine)(nil)
)
