package resolve

import (
	"fmt"
	"strings"

	"github.com/MrWong99/agentengine/pkg/backend"
)

const (
	// remoteMarker distinguishes remote descriptors from local identifiers.
	remoteMarker = "://"

	// delimiter separates the endpoint, credential and model of a remote
	// descriptor.
	delimiter = "@"
)

// Descriptor identifies a target model.
type Descriptor struct {
	// Raw is the identifier exactly as supplied.
	Raw string

	// Remote reports whether the identifier names a remote API model.
	Remote bool

	// Endpoint, Credential and Model are populated for remote descriptors
	// only. Model is the remote-side model name.
	Endpoint   string
	Credential string
	Model      string
}

// ParseDescriptor parses a model identifier.
//
// Identifiers containing "://" are remote descriptors of the form
// "endpoint@credential@model" and must split into exactly three non-empty
// parts. Anything else is a local identifier. Malformed input yields an error
// wrapping [backend.ErrConfiguration].
func ParseDescriptor(id string) (Descriptor, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Descriptor{}, fmt.Errorf("resolve: %w: empty model identifier", backend.ErrConfiguration)
	}
	if !strings.Contains(id, remoteMarker) {
		return Descriptor{Raw: id}, nil
	}

	parts := strings.Split(id, delimiter)
	if len(parts) != 3 {
		return Descriptor{}, fmt.Errorf("resolve: %w: remote descriptor %q must have the form endpoint@credential@model (got %d part(s))",
			backend.ErrConfiguration, redact(id), len(parts))
	}
	for i, name := range []string{"endpoint", "credential", "model"} {
		if strings.TrimSpace(parts[i]) == "" {
			return Descriptor{}, fmt.Errorf("resolve: %w: remote descriptor %q has an empty %s",
				backend.ErrConfiguration, redact(id), name)
		}
	}
	return Descriptor{
		Raw:        id,
		Remote:     true,
		Endpoint:   strings.TrimSpace(parts[0]),
		Credential: strings.TrimSpace(parts[1]),
		Model:      strings.TrimSpace(parts[2]),
	}, nil
}

// String returns the identifier with any credential masked, suitable for logs.
func (d Descriptor) String() string {
	if !d.Remote {
		return d.Raw
	}
	return d.Endpoint + delimiter + "***" + delimiter + d.Model
}

// redact masks the middle segment of a possibly malformed remote descriptor.
func redact(id string) string {
	parts := strings.Split(id, delimiter)
	if len(parts) < 3 {
		return parts[0] + strings.Repeat(delimiter+"***", len(parts)-1)
	}
	for i := 1; i < len(parts)-1; i++ {
		parts[i] = "***"
	}
	return strings.Join(parts, delimiter)
}
