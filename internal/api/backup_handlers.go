package api

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"github.com/p-arndt/spielwart/internal/backup"
	"github.com/p-arndt/spielwart/internal/server"
)

type createBackupRequest struct {
	Ref string `json:"ref"`
}

// handleCreateBackup archives the server's data directory. Backups are taken
// from the live filesystem; files changing mid-archive land as-is.
func (s *Server) handleCreateBackup(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := ValidateServerID(id); err != nil {
		writeValidationError(w, err.Error())
		return
	}
	var req createBackupRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeValidationError(w, "invalid json: "+err.Error())
			return
		}
	}
	if req.Ref == "" {
		req.Ref = uuid.New().String()
	}

	if _, err := s.manager.Get(id); err != nil {
		writeAPIError(w, err)
		return
	}

	s.logger.Debug("create backup", "server_id", id, "ref", req.Ref)
	handle, err := s.backups.Archive(r.Context(), s.cfg.ServerDataPath(id), req.Ref)
	if err != nil {
		s.logger.Error("create backup", "server_id", id, "ref", req.Ref, "error", err)
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, handle)
}

func (s *Server) handleRestoreBackup(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ref := r.PathValue("ref")
	if err := ValidateServerID(id); err != nil {
		writeValidationError(w, err.Error())
		return
	}
	srv, err := s.manager.Get(id)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	s.logger.Debug("restore backup", "server_id", id, "ref", ref)
	if err := srv.Request(r.Context(), server.Command{Kind: server.CmdRestoreBackup, BackupRef: ref}); err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, srv.Status())
}

func (s *Server) handleDeleteBackup(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ref := r.PathValue("ref")
	if err := ValidateServerID(id); err != nil {
		writeValidationError(w, err.Error())
		return
	}
	s.logger.Debug("delete backup", "server_id", id, "ref", ref)
	if err := s.backups.Delete(r.Context(), backup.Handle{Ref: ref, Adapter: backup.AdapterLocal}); err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
