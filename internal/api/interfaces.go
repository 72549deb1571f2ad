package api

import (
	"context"

	"github.com/p-arndt/spielwart/internal/server"
	"github.com/p-arndt/spielwart/internal/store"
)

// ServerService abstracts registry operations needed by API handlers.
type ServerService interface {
	Get(id string) (*server.Server, error)
	All() []*server.Server
	Create(rec *store.ServerRecord) (*server.Server, error)
	Delete(ctx context.Context, id string) error
}
