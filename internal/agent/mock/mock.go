// Package mock provides a test double for [agent.Generator].
//
// Generator records every Submit and returns scripted replies, so agent tests
// can assert on the exact prompts built without a chat engine or backend.
//
// Example:
//
//	gen := &mock.Generator{Replies: []string{"```sql\nSELECT 1\n```"}}
//	out := gen.Submit(ctx, "count rows", "")
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/MrWong99/agentengine/internal/agent"
	"github.com/MrWong99/agentengine/internal/chat"
	"github.com/MrWong99/agentengine/internal/task"
)

// SubmitCall records a single invocation of Submit.
type SubmitCall struct {
	Prompt    string
	ImagePath string
}

// Generator is a mock implementation of agent.Generator.
type Generator struct {
	mu sync.Mutex

	// Replies are returned by successive Submit calls. Once exhausted, the
	// last one repeats.
	Replies []string

	// Failures maps a zero-based call index to a failure text. A matching
	// call returns a result with status error.
	Failures map[int]string

	CloseErr error

	// --- Call records ---

	SubmitCalls []SubmitCall
	ClearCount  int
	CloseCount  int
}

// Submit implements agent.Generator.
func (g *Generator) Submit(_ context.Context, prompt, imagePath string) chat.Result {
	g.mu.Lock()
	defer g.mu.Unlock()

	i := len(g.SubmitCalls)
	g.SubmitCalls = append(g.SubmitCalls, SubmitCall{Prompt: prompt, ImagePath: imagePath})
	r := chat.Result{
		JobID:     fmt.Sprintf("job-%d", i),
		Prompt:    prompt,
		ImagePath: imagePath,
	}
	if msg, ok := g.Failures[i]; ok {
		r.Status = task.StatusError
		r.Result = msg
		return r
	}
	r.Status = task.StatusCompleted
	switch {
	case i < len(g.Replies):
		r.Result = g.Replies[i]
	case len(g.Replies) > 0:
		r.Result = g.Replies[len(g.Replies)-1]
	}
	return r
}

// Clear implements agent.Generator.
func (g *Generator) Clear() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.ClearCount++
}

// Close implements agent.Generator.
func (g *Generator) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.CloseCount++
	return g.CloseErr
}

// Prompts returns the prompts submitted so far.
func (g *Generator) Prompts() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, len(g.SubmitCalls))
	for i, c := range g.SubmitCalls {
		out[i] = c.Prompt
	}
	return out
}

var _ agent.Generator = (*Generator)(nil)
