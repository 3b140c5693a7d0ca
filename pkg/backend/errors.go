package backend

import "errors"

// Error taxonomy shared by the resolver, the backends and the chat runtime.
// Callers match with errors.Is; concrete errors wrap one of these sentinels.
var (
	// ErrConfiguration marks an unresolvable model identifier, a malformed
	// remote descriptor, or a local engine that is missing or failed to
	// start. Fatal at construction.
	ErrConfiguration = errors.New("configuration error")

	// ErrBackendUnavailable marks an accelerated engine that could not be
	// constructed. The resolver recovers by falling back to standard local,
	// so it never reaches a caller of resolve.Build.
	ErrBackendUnavailable = errors.New("backend unavailable")

	// ErrMissingAsset marks a referenced image file that does not exist.
	// Returned as data (an error task result), never across the API boundary.
	ErrMissingAsset = errors.New("missing asset")

	// ErrGeneration marks a failed backend call.
	ErrGeneration = errors.New("generation failure")

	// ErrCleanup marks a file deletion failure during lifecycle clearing.
	// Logged only.
	ErrCleanup = errors.New("cleanup failure")
)
