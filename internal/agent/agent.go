// Package agent defines the narrow contract every domain agent builds on, plus
// helpers for pulling structured content out of free-form model replies.
//
// Agents never talk to a backend directly. They hold a [Generator], which in
// production is a *chat.Engine and in tests is [mock.Generator]:
//
//   - [Generator.Submit] runs one prompt (optionally with an image) and
//     returns the task result as data.
//   - [Generator.Clear] forgets the conversation and reclaims temp files.
//   - [Generator.Close] releases the backend.
package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/agentengine/internal/chat"
)

// ErrFailed is returned by [Check] for a result whose status is error.
var ErrFailed = errors.New("agent: generation failed")

// Generator is the subset of *chat.Engine that agents depend on.
type Generator interface {
	Submit(ctx context.Context, prompt, imagePath string) chat.Result
	Clear()
	Close() error
}

var _ Generator = (*chat.Engine)(nil)

// Check converts a failed result into an error wrapping [ErrFailed] and
// carrying the task's failure text.
func Check(r chat.Result) error {
	if r.OK() {
		return nil
	}
	return fmt.Errorf("%w: job %s: %s", ErrFailed, r.JobID, r.Result)
}
