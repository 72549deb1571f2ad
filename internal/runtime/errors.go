package runtime

import "errors"

// Sentinel errors
var (
	// ErrUnavailable marks transient engine failures (daemon unreachable,
	// call timed out). Callers may retry with backoff.
	ErrUnavailable = errors.New("container runtime unavailable")

	// ErrRejected marks permanent failures (bad image reference, invalid
	// spec). Retrying is pointless.
	ErrRejected = errors.New("container runtime rejected request")

	// ErrNotFound means the container does not exist. Stop/remove paths
	// treat this as success.
	ErrNotFound = errors.New("container not found")
)
