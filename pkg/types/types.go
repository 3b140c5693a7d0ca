// Package types defines the shared types used across all agentengine packages.
//
// These types form the lingua franca between backends, the conversation
// context, the content assembler, and the agents built on top of them. They
// are intentionally minimal; cross-cutting data structures live here to avoid
// circular imports.
package types

// Role identifies the author of a conversation turn.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// IsValid reports whether r is one of the three recognised roles.
func (r Role) IsValid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	}
	return false
}

// PartType discriminates the members of a multi-part message.
type PartType string

const (
	PartText  PartType = "text"
	PartImage PartType = "image"
)

// Part is one typed element of a multi-modal message body.
//
// Text parts carry Text. Image parts carry either a data URL (remote
// backends, which cannot read the local filesystem) or a filesystem path plus
// resize bounds (local backends, which load the image themselves).
type Part struct {
	Type PartType

	// Text is the body of a text part.
	Text string

	// ImageURL is a "data:image/jpeg;base64,..." URL for remote backends.
	ImageURL string

	// ImagePath is the path of a materialised image for local backends.
	ImagePath string

	// MaxPixels and MinPixels bound the area the local image processor
	// resizes to. Zero means the engine default.
	MaxPixels int
	MinPixels int
}

// TextPart returns a text [Part].
func TextPart(text string) Part {
	return Part{Type: PartText, Text: text}
}

// Message is a single conversation turn.
//
// The body is either the plain Content string or, when Parts is non-empty, the
// ordered list of typed parts. Parts takes precedence over Content.
type Message struct {
	Role    Role
	Content string
	Parts   []Part
}

// IsMultiPart reports whether the message body is a part list.
func (m Message) IsMultiPart() bool {
	return len(m.Parts) > 0
}

// Text returns the concatenated text of the message, ignoring image parts.
func (m Message) Text() string {
	if !m.IsMultiPart() {
		return m.Content
	}
	var out string
	for _, p := range m.Parts {
		if p.Type == PartText {
			out += p.Text
		}
	}
	return out
}

// ImagePaths returns the filesystem paths of all local image parts.
func (m Message) ImagePaths() []string {
	var paths []string
	for _, p := range m.Parts {
		if p.Type == PartImage && p.ImagePath != "" {
			paths = append(paths, p.ImagePath)
		}
	}
	return paths
}

// Clone returns a deep copy of m so the caller can mutate the part list
// without affecting the original.
func (m Message) Clone() Message {
	if m.Parts != nil {
		parts := make([]Part, len(m.Parts))
		copy(parts, m.Parts)
		m.Parts = parts
	}
	return m
}
