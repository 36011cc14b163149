package realtime

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"golang.org/x/net/websocket"

	"github.com/hazyhaar/atelier/idgen"
)

// Client-to-server event names.
const (
	ClientProjectJoin  = "project_join"
	ClientProjectLeave = "project_leave"
)

// Envelope is the wire frame in both directions: an event name and a
// JSON payload.
type Envelope struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// clientMessage decodes the payloads clients are allowed to send.
type clientMessage struct {
	Event string `json:"event"`
	Data  struct {
		ProjectID string `json:"project_id"`
	} `json:"data"`
}

// jsonSender serializes sends onto one websocket. websocket.JSON.Send is
// not safe for concurrent writers, so every Send goes through the mutex.
type jsonSender struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (s *jsonSender) Send(event string, payload any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := websocket.JSON.Send(s.conn, Envelope{Event: event, Data: payload}); err != nil {
		return fmt.Errorf("realtime: send %s: %w", event, err)
	}
	return nil
}

// WSHandler is the websocket endpoint. Clients connect with a user_id
// query parameter and then drive room membership with project_join and
// project_leave frames.
type WSHandler struct {
	reg    *Registry
	newID  idgen.Generator
	logger *slog.Logger
	srv    websocket.Server
}

// NewWSHandler builds the endpoint on top of a registry. A nil logger
// falls back to slog.Default.
func NewWSHandler(reg *Registry, logger *slog.Logger) *WSHandler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &WSHandler{
		reg:    reg,
		newID:  idgen.Prefixed("conn_", idgen.Default),
		logger: logger,
	}
	h.srv = websocket.Server{
		// Handshake runs before the upgrade: a connection with no user_id
		// is refused with 403 instead of being accepted and then dropped.
		Handshake: func(_ *websocket.Config, req *http.Request) error {
			if req.URL.Query().Get("user_id") == "" {
				return &ErrMissingIdentity{}
			}
			return nil
		},
		Handler: h.serve,
	}
	return h
}

func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.srv.ServeHTTP(w, r)
}

func (h *WSHandler) serve(conn *websocket.Conn) {
	userID := conn.Request().URL.Query().Get("user_id")
	connID := h.newID()

	if err := h.reg.Connect(connID, userID, &jsonSender{conn: conn}); err != nil {
		h.logger.Error("websocket register", "user_id", userID, "error", err)
		conn.Close()
		return
	}
	defer h.reg.Disconnect(connID)

	for {
		var msg clientMessage
		if err := websocket.JSON.Receive(conn, &msg); err != nil {
			if !errors.Is(err, io.EOF) {
				h.logger.Debug("websocket closed", "conn_id", connID, "error", err)
			}
			return
		}
		h.dispatch(connID, msg)
	}
}

// dispatch routes one client frame. Unknown events are logged and
// dropped rather than tearing the connection down.
func (h *WSHandler) dispatch(connID string, msg clientMessage) {
	switch msg.Event {
	case ClientProjectJoin:
		if err := h.reg.Join(connID, ProjectRoom(msg.Data.ProjectID)); err != nil {
			h.logger.Warn("project join", "conn_id", connID, "error", err)
		}
	case ClientProjectLeave:
		if err := h.reg.Leave(connID, ProjectRoom(msg.Data.ProjectID)); err != nil {
			h.logger.Warn("project leave", "conn_id", connID, "error", err)
		}
	default:
		h.logger.Debug("unknown client event", "conn_id", connID, "event", msg.Event)
	}
}
