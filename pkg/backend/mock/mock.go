// Package mock provides a test double for the backend.Backend interface.
//
// Use Backend in unit tests to verify the exact message list a runtime sends
// and to feed controlled responses without a live model.
//
// Example:
//
//	b := &mock.Backend{Responses: []string{"Hello!"}}
//	out, err := b.Generate(ctx, msgs, 512)
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/agentengine/pkg/backend"
	"github.com/MrWong99/agentengine/pkg/types"
)

// GenerateCall records a single invocation of Generate.
type GenerateCall struct {
	// Messages is a deep copy of the messages passed to Generate.
	Messages []types.Message
	// MaxNewTokens is the token cap passed to Generate.
	MaxNewTokens int
}

// Backend is a mock implementation of backend.Backend.
type Backend struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// Responses are returned by successive Generate calls. Once exhausted, the
	// last one repeats. Empty means "".
	Responses []string

	// GenerateErr, if non-nil, is returned from every Generate call.
	GenerateErr error

	// GenerateFunc, if set, overrides Responses and GenerateErr.
	GenerateFunc func(ctx context.Context, messages []types.Message, maxNewTokens int) (string, error)

	// Caps is returned by Capabilities.
	Caps backend.Capabilities

	// BackendKind is returned by Kind.
	BackendKind backend.Kind

	// CloseErr is returned by Close.
	CloseErr error

	// --- Call records (read after test) ---

	GenerateCalls []GenerateCall
	CloseCount    int
}

// Generate implements backend.Backend.
func (b *Backend) Generate(ctx context.Context, messages []types.Message, maxNewTokens int) (string, error) {
	b.mu.Lock()
	cp := make([]types.Message, len(messages))
	for i, m := range messages {
		cp[i] = m.Clone()
	}
	b.GenerateCalls = append(b.GenerateCalls, GenerateCall{Messages: cp, MaxNewTokens: maxNewTokens})
	n := len(b.GenerateCalls)
	fn := b.GenerateFunc
	err := b.GenerateErr
	var out string
	switch {
	case n <= len(b.Responses):
		out = b.Responses[n-1]
	case len(b.Responses) > 0:
		out = b.Responses[len(b.Responses)-1]
	}
	b.mu.Unlock()

	if fn != nil {
		return fn(ctx, messages, maxNewTokens)
	}
	if err != nil {
		return "", err
	}
	return out, nil
}

// Capabilities implements backend.Backend.
func (b *Backend) Capabilities() backend.Capabilities {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.Caps
}

// Kind implements backend.Backend.
func (b *Backend) Kind() backend.Kind {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.BackendKind
}

// Close implements backend.Backend.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.CloseCount++
	return b.CloseErr
}

// Calls returns a snapshot of the recorded Generate calls.
func (b *Backend) Calls() []GenerateCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]GenerateCall(nil), b.GenerateCalls...)
}

var _ backend.Backend = (*Backend)(nil)
