// Package backup defines the narrow boundary between the lifecycle core and
// backup storage drivers. Driver internals (chunking, dedup, snapshots) are
// opaque to the core.
package backup

import (
	"context"
	"errors"
)

// Sentinel errors
var (
	ErrNotFound = errors.New("backup not found")
)

// AdapterLocal names the on-node flat-directory driver.
const AdapterLocal = "local"

// Handle identifies a stored backup.
type Handle struct {
	Ref      string `json:"ref"`
	Adapter  string `json:"adapter"`
	Size     int64  `json:"size"`
	Checksum string `json:"checksum"`
}

// Driver stores and restores point-in-time snapshots of a server's data
// directory.
type Driver interface {
	// Archive snapshots srcDir under ref and returns a handle to it.
	Archive(ctx context.Context, srcDir, ref string) (Handle, error)
	// Restore replaces the contents of dstDir from the handle.
	Restore(ctx context.Context, h Handle, dstDir string) error
	Delete(ctx context.Context, h Handle) error
}
