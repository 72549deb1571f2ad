package api

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"github.com/p-arndt/spielwart/internal/config"
	"github.com/p-arndt/spielwart/internal/limits"
	"github.com/p-arndt/spielwart/internal/runtime"
	"github.com/p-arndt/spielwart/internal/server"
	"github.com/p-arndt/spielwart/internal/store"
)

type createServerRequest struct {
	UUID         string               `json:"uuid"`
	Name         string               `json:"name"`
	Image        string               `json:"image"`
	InstallImage string               `json:"install_image"`
	InstallCmd   []string             `json:"install_cmd"`
	Startup      []string             `json:"startup"`
	Env          map[string]string    `json:"env"`
	Mounts       []runtime.Mount      `json:"mounts"`
	Limits       *config.ServerLimits `json:"limits"`
	Install      bool                 `json:"install"` // run the installer right after creation
}

func (s *Server) handleCreateServer(w http.ResponseWriter, r *http.Request) {
	var req createServerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeValidationError(w, "invalid json: "+err.Error())
		return
	}
	if req.Image == "" {
		writeValidationError(w, "image is required")
		return
	}
	if req.UUID == "" {
		req.UUID = uuid.New().String()
	} else if err := ValidateServerID(req.UUID); err != nil {
		writeValidationError(w, err.Error())
		return
	}

	srvLimits := s.cfg.DefaultLimit
	if req.Limits != nil {
		srvLimits = *req.Limits
	}
	if _, err := limits.Translate(srvLimits); err != nil {
		writeValidationError(w, "invalid limits: "+err.Error())
		return
	}

	rec := &store.ServerRecord{
		UUID:         req.UUID,
		Name:         req.Name,
		Image:        req.Image,
		InstallImage: req.InstallImage,
		InstallCmd:   req.InstallCmd,
		Startup:      req.Startup,
		Env:          req.Env,
		Mounts:       req.Mounts,
		Limits:       srvLimits,
	}

	s.logger.Debug("create server request", "server_id", rec.UUID, "image", rec.Image)
	srv, err := s.manager.Create(rec)
	if err != nil {
		s.logger.Error("create server", "server_id", rec.UUID, "error", err)
		writeAPIError(w, err)
		return
	}

	if req.Install {
		if err := srv.Request(r.Context(), server.Command{Kind: server.CmdInstall}); err != nil {
			s.logger.Warn("initial install rejected", "server_id", rec.UUID, "error", err)
		}
	}
	writeJSON(w, http.StatusCreated, srv.Status())
}

func (s *Server) handleListServers(w http.ResponseWriter, r *http.Request) {
	servers := s.manager.All()
	out := make([]server.Snapshot, 0, len(servers))
	for _, srv := range servers {
		out = append(out, srv.Status())
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetServer(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := ValidateServerID(id); err != nil {
		writeValidationError(w, err.Error())
		return
	}
	srv, err := s.manager.Get(id)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, srv.Status())
}

func (s *Server) handleDeleteServer(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := ValidateServerID(id); err != nil {
		writeValidationError(w, err.Error())
		return
	}
	s.logger.Debug("delete server", "server_id", id)
	if err := s.manager.Delete(r.Context(), id); err != nil {
		s.logger.Error("delete server", "server_id", id, "error", err)
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
