package api

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/p-arndt/spielwart/internal/archive"
	"github.com/p-arndt/spielwart/internal/server"
)

type beginTransferRequest struct {
	Destination string `json:"destination"`
	Token       string `json:"token"`
	Format      string `json:"format"`
}

func (s *Server) handleBeginTransfer(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := ValidateServerID(id); err != nil {
		writeValidationError(w, err.Error())
		return
	}
	var req beginTransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeValidationError(w, "invalid json: "+err.Error())
		return
	}
	if req.Destination == "" {
		writeValidationError(w, "destination is required")
		return
	}

	srv, err := s.manager.Get(id)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	s.logger.Info("transfer requested", "server_id", id, "destination", req.Destination)
	cmd := server.Command{
		Kind:          server.CmdBeginTransfer,
		Destination:   req.Destination,
		Token:         req.Token,
		ArchiveFormat: req.Format,
	}
	if err := srv.Request(r.Context(), cmd); err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, srv.Status())
}

func (s *Server) handleCancelTransfer(w http.ResponseWriter, r *http.Request) {
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
	if err := srv.Request(r.Context(), server.Command{Kind: server.CmdCancelTransfer}); err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, srv.Status())
}

// inboundTransfer tracks data staged on this node while a peer streams a
// server in. Nothing touches the live data directory until commit.
type inboundTransfer struct {
	serverID   string
	stagingDir string
	checksum   string
}

func (s *Server) stagingPath(id string) string {
	return s.cfg.ServerDataPath(id) + ".incoming"
}

// handleInboundProbe answers the source node's reachability check. The
// server definition must already be registered here by the control plane.
func (s *Server) handleInboundProbe(w http.ResponseWriter, r *http.Request) {
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
	if srv.State() != server.Offline {
		w.WriteHeader(http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// handleInboundUpload receives the multipart archive stream. The archive
// part is extracted into a staging directory while its bytes are hashed;
// the trailing checksum field must match what was hashed. The computed
// checksum is echoed in X-Checksum so the source can cross-verify.
func (s *Server) handleInboundUpload(w http.ResponseWriter, r *http.Request) {
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
	if srv.State() != server.Offline {
		writeValidationError(w, "server must be offline to receive a transfer")
		return
	}

	staging := s.stagingPath(id)
	if err := os.RemoveAll(staging); err != nil {
		writeAPIError(w, err)
		return
	}
	if err := os.MkdirAll(staging, 0o755); err != nil {
		writeAPIError(w, err)
		return
	}

	sum, declared, err := s.receiveArchive(r, staging)
	if err != nil {
		os.RemoveAll(staging)
		s.logger.Error("inbound transfer upload", "server_id", id, "error", err)
		writeValidationError(w, err.Error())
		return
	}
	if declared != "" && declared != sum {
		os.RemoveAll(staging)
		s.logger.Error("inbound transfer checksum mismatch",
			"server_id", id, "declared", declared, "computed", sum)
		writeValidationError(w, fmt.Sprintf("checksum mismatch: declared %s, computed %s", declared, sum))
		return
	}

	s.inboundMu.Lock()
	s.inbound[id] = &inboundTransfer{serverID: id, stagingDir: staging, checksum: sum}
	s.inboundMu.Unlock()

	s.logger.Info("inbound transfer staged", "server_id", id, "checksum", sum)
	w.Header().Set("X-Checksum", sum)
	writeJSON(w, http.StatusOK, map[string]string{"checksum": sum})
}

// receiveArchive walks the multipart parts in order: the archive part is
// extracted as it arrives, the checksum field follows it.
func (s *Server) receiveArchive(r *http.Request, staging string) (computed, declared string, err error) {
	mr, err := r.MultipartReader()
	if err != nil {
		return "", "", fmt.Errorf("read multipart body: %w", err)
	}

	hasher := sha256.New()
	seenArchive := false
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", "", fmt.Errorf("read multipart part: %w", err)
		}

		switch part.FormName() {
		case "archive":
			format, err := archive.ParseFormat(part.FileName())
			if err != nil {
				return "", "", err
			}
			if err := archive.Extract(io.TeeReader(part, hasher), format, staging); err != nil {
				return "", "", fmt.Errorf("extract archive: %w", err)
			}
			seenArchive = true
		case "checksum":
			raw, err := io.ReadAll(io.LimitReader(part, 128))
			if err != nil {
				return "", "", err
			}
			declared = string(raw)
		}
		part.Close()
	}

	if !seenArchive {
		return "", "", fmt.Errorf("missing archive part")
	}
	return hex.EncodeToString(hasher.Sum(nil)), declared, nil
}

// handleInboundCommit swaps the staged data into the server's data
// directory. This is the transfer's point of no return for the source.
func (s *Server) handleInboundCommit(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := ValidateServerID(id); err != nil {
		writeValidationError(w, err.Error())
		return
	}

	s.inboundMu.Lock()
	in, ok := s.inbound[id]
	delete(s.inbound, id)
	s.inboundMu.Unlock()
	if !ok {
		writeValidationError(w, "no staged transfer for server")
		return
	}

	if _, err := s.manager.Get(id); err != nil {
		os.RemoveAll(in.stagingDir)
		writeAPIError(w, err)
		return
	}

	dataDir := s.cfg.ServerDataPath(id)
	if err := os.RemoveAll(dataDir); err != nil {
		writeAPIError(w, err)
		return
	}
	if err := os.Rename(in.stagingDir, dataDir); err != nil {
		s.logger.Error("commit inbound transfer", "server_id", id, "error", err)
		writeAPIError(w, err)
		return
	}
	s.logger.Info("inbound transfer committed", "server_id", id)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handleInboundAbort discards staged data. Called by the source during
// rollback; also safe to call when nothing was staged.
func (s *Server) handleInboundAbort(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := ValidateServerID(id); err != nil {
		writeValidationError(w, err.Error())
		return
	}

	s.inboundMu.Lock()
	in, ok := s.inbound[id]
	delete(s.inbound, id)
	s.inboundMu.Unlock()

	if ok {
		if err := os.RemoveAll(in.stagingDir); err != nil {
			s.logger.Warn("discard staged transfer", "server_id", id, "error", err)
		}
		s.logger.Info("inbound transfer discarded", "server_id", id)
	} else {
		// Nothing staged yet; remove a possible partial staging dir anyway.
		os.RemoveAll(s.stagingPath(id))
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
