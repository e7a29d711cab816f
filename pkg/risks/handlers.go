package risks

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/pkg/errors"
)

const (
	indexTemplate   = "risks/index.html"
	maxRequestBytes = 1 << 20
	senderHTTP      = "http"
)

func (e *Extension) registerRoutes() {
	e.Blueprint.Get("/", e.handleIndex)
	e.Blueprint.Post("/api/status-changes", e.handleAnnounce)
	e.Blueprint.Get("/api/status-changes/ws", e.handleStream)
}

type indexPage struct {
	Title    string
	Statuses []Status
	Clients  int
}

func (e *Extension) handleIndex(w http.ResponseWriter, _ *http.Request) {
	host := e.renderer()
	if host == nil {
		http.Error(w, "risks extension is not registered", http.StatusServiceUnavailable)
		return
	}
	page := indexPage{
		Title:    "Risks",
		Statuses: Statuses(),
		Clients:  e.stream.count(),
	}
	if err := host.Render(w, http.StatusOK, indexTemplate, page); err != nil {
		e.logger.Error().Err(err).Str("template", indexTemplate).Msg("render failed")
		http.Error(w, "render failed", http.StatusInternalServerError)
	}
}

type announceResponse struct {
	Accepted bool         `json:"accepted"`
	Change   StatusChange `json:"change"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (e *Extension) handleAnnounce(w http.ResponseWriter, r *http.Request) {
	var change StatusChange
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&change); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid json: " + err.Error()})
		return
	}
	change, err := e.announce(r.Context(), senderHTTP, change)
	if err != nil {
		if errors.Is(err, ErrInvalidStatusChange) {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
			return
		}
		e.logger.Error().Err(err).Str("object_id", change.ObjectID).Msg("announce status change failed")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "announce failed"})
		return
	}
	writeJSON(w, http.StatusAccepted, announceResponse{Accepted: true, Change: change})
}

func (e *Extension) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := e.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied to the client
		e.logger.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	client, err := e.stream.attach(conn)
	if err != nil {
		e.logger.Error().Err(err).Msg("status stream unavailable")
		writeError(conn, e.stream.cfg.writeTimeout, "status stream unavailable")
		_ = conn.Close()
		return
	}
	e.logger.Debug().Str("remote", r.RemoteAddr).Int("clients", e.stream.count()).Msg("stream client attached")

	// Clients only listen; reading drives ping/pong and notices the close.
	conn.SetReadLimit(512)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	e.stream.detach(client)
	e.logger.Debug().Str("remote", r.RemoteAddr).Msg("stream client detached")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
