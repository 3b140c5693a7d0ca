// Package session holds the conversation context shared by every request an
// agent makes.
//
// A [Conversation] is an ordered message log with at most one system message,
// always in first position. Requests never assemble payloads against the live
// log: they take a [Conversation.Snapshot], build on the copy, and only append
// the new turns once generation has succeeded. A failed request therefore
// leaves the log exactly as it was.
package session

import (
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/agentengine/pkg/types"
)

// charsPerToken is the heuristic ratio used for token estimation. English
// text averages roughly 4 characters per token across common tokenizers.
const charsPerToken = 4

// imageTokens is the flat estimate charged for one image part.
const imageTokens = 256

// ErrSystemMessage is returned by [Conversation.Append] for a system message.
// The system prompt is fixed at construction.
var ErrSystemMessage = errors.New("session: system message must be set at construction")

// Conversation is the ordered message log of one agent.
//
// All methods are safe for concurrent use.
type Conversation struct {
	mu       sync.Mutex
	system   *types.Message
	messages []types.Message
	tokens   int
}

// New creates a Conversation. A non-empty systemPrompt becomes the first and
// only system message.
func New(systemPrompt string) *Conversation {
	c := &Conversation{}
	if systemPrompt != "" {
		c.system = &types.Message{Role: types.RoleSystem, Content: systemPrompt}
		c.tokens = estimateTokens(*c.system)
	}
	return c
}

// Append adds msgs to the end of the log. Every message must have a valid,
// non-system role; otherwise nothing is appended.
func (c *Conversation) Append(msgs ...types.Message) error {
	for i, m := range msgs {
		if !m.Role.IsValid() {
			return fmt.Errorf("session: message %d: invalid role %q", i, m.Role)
		}
		if m.Role == types.RoleSystem {
			return ErrSystemMessage
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range msgs {
		cp := m.Clone()
		c.messages = append(c.messages, cp)
		c.tokens += estimateTokens(cp)
	}
	return nil
}

// Snapshot returns a deep copy of the log, system message first. Mutating the
// result never affects the conversation.
func (c *Conversation) Snapshot() []types.Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]types.Message, 0, c.lenLocked())
	if c.system != nil {
		out = append(out, c.system.Clone())
	}
	for _, m := range c.messages {
		out = append(out, m.Clone())
	}
	return out
}

// Reset empties the log. With preserveSystem the system message is kept;
// otherwise it is dropped for good.
func (c *Conversation) Reset(preserveSystem bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = nil
	c.tokens = 0
	if !preserveSystem {
		c.system = nil
	}
	if c.system != nil {
		c.tokens = estimateTokens(*c.system)
	}
}

// Len returns the number of messages, including the system message.
func (c *Conversation) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lenLocked()
}

func (c *Conversation) lenLocked() int {
	n := len(c.messages)
	if c.system != nil {
		n++
	}
	return n
}

// SystemPrompt returns the system message text and whether one is set.
func (c *Conversation) SystemPrompt() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.system == nil {
		return "", false
	}
	return c.system.Content, true
}

// TokenEstimate returns a rough token count for the whole log.
func (c *Conversation) TokenEstimate() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tokens
}

// estimateTokens returns a rough token count for a single message using the
// 1-token-per-4-characters heuristic plus a flat charge per image.
func estimateTokens(m types.Message) int {
	chars := len(m.Role) + len(m.Text())
	images := 0
	for _, p := range m.Parts {
		if p.Type == types.PartImage {
			images++
		}
	}
	tokens := chars / charsPerToken
	if tokens == 0 && chars > 0 {
		tokens = 1
	}
	return tokens + images*imageTokens
}
