package api

import (
	"log/slog"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/p-arndt/spielwart/internal/backup"
	"github.com/p-arndt/spielwart/internal/config"
)

type Server struct {
	cfg     *config.Config
	manager ServerService
	backups backup.Driver
	logger  *slog.Logger
	mux     *http.ServeMux

	inboundMu sync.Mutex
	inbound   map[string]*inboundTransfer
}

func NewServer(cfg *config.Config, mgr ServerService, backups backup.Driver, logger *slog.Logger) *Server {
	s := &Server{
		cfg:     cfg,
		manager: mgr,
		backups: backups,
		logger:  logger,
		mux:     http.NewServeMux(),
		inbound: make(map[string]*inboundTransfer),
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.authMiddleware(s.requestIDMiddleware(s.mux))
}

func (s *Server) routes() {
	// Server registry
	s.mux.HandleFunc("POST /v1/servers", s.handleCreateServer)
	s.mux.HandleFunc("GET /v1/servers", s.handleListServers)
	s.mux.HandleFunc("GET /v1/servers/{id}", s.handleGetServer)
	s.mux.HandleFunc("DELETE /v1/servers/{id}", s.handleDeleteServer)

	// Lifecycle
	s.mux.HandleFunc("POST /v1/servers/{id}/power", s.handlePower)
	s.mux.HandleFunc("POST /v1/servers/{id}/reinstall", s.handleReinstall)
	s.mux.HandleFunc("POST /v1/servers/{id}/command", s.handleCommand)

	// Console
	s.mux.HandleFunc("GET /v1/servers/{id}/console", s.handleConsoleStream)
	s.mux.HandleFunc("GET /v1/servers/{id}/logs", s.handleConsoleHistory)

	// Backups
	s.mux.HandleFunc("POST /v1/servers/{id}/backup", s.handleCreateBackup)
	s.mux.HandleFunc("POST /v1/servers/{id}/backup/{ref}/restore", s.handleRestoreBackup)
	s.mux.HandleFunc("DELETE /v1/servers/{id}/backup/{ref}", s.handleDeleteBackup)

	// Outgoing transfer
	s.mux.HandleFunc("POST /v1/servers/{id}/transfer", s.handleBeginTransfer)
	s.mux.HandleFunc("DELETE /v1/servers/{id}/transfer", s.handleCancelTransfer)

	// Incoming transfer (this node is the destination)
	s.mux.HandleFunc("HEAD /v1/transfers/{id}", s.handleInboundProbe)
	s.mux.HandleFunc("POST /v1/transfers/{id}", s.handleInboundUpload)
	s.mux.HandleFunc("POST /v1/transfers/{id}/commit", s.handleInboundCommit)
	s.mux.HandleFunc("DELETE /v1/transfers/{id}", s.handleInboundAbort)

	// Observability (no auth)
	s.mux.Handle("GET /metrics", promhttp.Handler())
	s.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
}
