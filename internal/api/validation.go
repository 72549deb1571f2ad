package api

import (
	"fmt"

	"github.com/google/uuid"
)

// ValidateServerID checks that an id from the URL is a well-formed uuid
// before it reaches the registry or the filesystem.
func ValidateServerID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("invalid server id %q", id)
	}
	return nil
}
