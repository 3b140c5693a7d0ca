// Package backend defines the Backend interface for language-model execution
// strategies.
//
// A backend turns an ordered conversation into generated text. There are
// exactly three production variants, selected once at agent construction by
// the resolver:
//
//   - [KindRemote] performs one HTTP call against an OpenAI-compatible
//     chat-completions endpoint.
//   - [KindAcceleratedLocal] submits a single-sequence batch to a
//     throughput-optimised local engine.
//   - [KindStandardLocal] renders a chat template, tokenises, generates, and
//     decodes on a directly driven local engine.
//
// Backends never mutate the conversation they are given. Remembering a turn is
// the caller's responsibility, which keeps "produce text" and "record turn"
// separate and lets a failed generation leave the context untouched.
package backend

import (
	"context"

	"github.com/MrWong99/agentengine/pkg/types"
)

// Kind identifies which execution strategy a [Backend] implements.
type Kind int

const (
	// KindRemote calls a third-party chat-completions API over HTTP.
	KindRemote Kind = iota

	// KindAcceleratedLocal drives a batched, throughput-optimised local engine.
	KindAcceleratedLocal

	// KindStandardLocal drives a local engine one request at a time.
	KindStandardLocal
)

// String returns the human-readable name of the kind.
func (k Kind) String() string {
	switch k {
	case KindRemote:
		return "remote"
	case KindAcceleratedLocal:
		return "accelerated-local"
	case KindStandardLocal:
		return "standard-local"
	default:
		return "unknown"
	}
}

// Capabilities is the fixed feature set of a resolved model family.
// It is immutable once resolved.
type Capabilities struct {
	// SupportsImages reports whether the model accepts image parts.
	SupportsImages bool

	// SupportsAcceleration reports whether the family may run on the
	// accelerated local engine. Always false for remote models.
	SupportsAcceleration bool
}

// DefaultCapabilities is used for local identifiers that match no known family.
var DefaultCapabilities = Capabilities{SupportsImages: false, SupportsAcceleration: true}

// Backend is the uniform generation contract shared by all execution
// strategies.
//
// Implementations must not retain or modify messages after Generate returns.
type Backend interface {
	// Generate produces the model's reply to messages, bounded by maxNewTokens.
	// It blocks for the duration of the call. There is no retry policy; any
	// transport or inference failure is returned verbatim.
	Generate(ctx context.Context, messages []types.Message, maxNewTokens int) (string, error)

	// Capabilities returns the capability set this backend was resolved with.
	Capabilities() Capabilities

	// Kind reports which execution strategy this backend implements.
	Kind() Kind

	// Close releases the engine handle or HTTP client owned by the backend.
	// It is safe to call more than once.
	Close() error
}
