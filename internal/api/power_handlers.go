package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/p-arndt/spielwart/internal/server"
)

type powerRequest struct {
	Action   string `json:"action"`
	Forceful bool   `json:"forceful"`
}

func powerCommand(req powerRequest) (server.Command, error) {
	switch strings.ToLower(req.Action) {
	case "start":
		return server.Command{Kind: server.CmdStart}, nil
	case "stop":
		return server.Command{Kind: server.CmdStop, Forceful: req.Forceful}, nil
	case "restart":
		return server.Command{Kind: server.CmdRestart, Forceful: req.Forceful}, nil
	case "kill":
		return server.Command{Kind: server.CmdKill}, nil
	default:
		return server.Command{}, fmt.Errorf("unknown power action %q", req.Action)
	}
}

func (s *Server) handlePower(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := ValidateServerID(id); err != nil {
		writeValidationError(w, err.Error())
		return
	}
	var req powerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeValidationError(w, "invalid json: "+err.Error())
		return
	}
	cmd, err := powerCommand(req)
	if err != nil {
		writeValidationError(w, err.Error())
		return
	}

	srv, err := s.manager.Get(id)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	s.logger.Debug("power request", "server_id", id, "action", req.Action)
	if err := srv.Request(r.Context(), cmd); err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, srv.Status())
}

func (s *Server) handleReinstall(w http.ResponseWriter, r *http.Request) {
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
	s.logger.Debug("reinstall request", "server_id", id)
	if err := srv.Request(r.Context(), server.Command{Kind: server.CmdInstall}); err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, srv.Status())
}

type commandRequest struct {
	Command string `json:"command"`
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := ValidateServerID(id); err != nil {
		writeValidationError(w, err.Error())
		return
	}
	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeValidationError(w, "invalid json: "+err.Error())
		return
	}
	if req.Command == "" {
		writeValidationError(w, "command is required")
		return
	}
	srv, err := s.manager.Get(id)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	if err := srv.SendCommand(r.Context(), req.Command); err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
