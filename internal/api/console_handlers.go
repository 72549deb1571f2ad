package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/p-arndt/spielwart/internal/console"
)

// consoleLine is the wire form of a console event. Payload bytes go out as
// a string so SSE consumers do not have to base64-decode every line.
type consoleLine struct {
	Seq    uint64    `json:"seq"`
	Source string    `json:"source"`
	Line   string    `json:"line"`
	At     time.Time `json:"at"`
	Gap    bool      `json:"gap,omitempty"`
}

func toConsoleLine(ev console.Event) consoleLine {
	return consoleLine{
		Seq:    ev.Seq,
		Source: string(ev.Source),
		Line:   string(ev.Payload),
		At:     ev.At,
		Gap:    ev.Gap,
	}
}

// handleConsoleStream streams console output as Server-Sent Events. The
// subscriber's backlog replay is delivered first, then live lines until the
// client goes away or the hub closes.
func (s *Server) handleConsoleStream(w http.ResponseWriter, r *http.Request) {
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
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeValidationError(w, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := srv.Subscribe()
	defer sub.Close()

	for {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			data, err := json.Marshal(toConsoleLine(ev))
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

// handleConsoleHistory returns the current backlog as a JSON array.
func (s *Server) handleConsoleHistory(w http.ResponseWriter, r *http.Request) {
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
	history := srv.Hub().History()
	out := make([]consoleLine, 0, len(history))
	for _, ev := range history {
		out = append(out, toConsoleLine(ev))
	}
	writeJSON(w, http.StatusOK, out)
}
