// Package ws serves the UI WebSocket protocol: a hello handshake, command
// requests answered with results, and broadcast events.
package ws

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/flying-pisces/mkd-automation-sub001/controller/internal/config"
	"github.com/flying-pisces/mkd-automation-sub001/controller/internal/domain"
	"github.com/flying-pisces/mkd-automation-sub001/controller/internal/hub"
	"github.com/flying-pisces/mkd-automation-sub001/controller/internal/protocol"
)

// Commander executes UI commands. It is implemented by the session
// coordinator.
type Commander interface {
	Execute(ctx context.Context, command domain.Command, raw map[string]any) (json.RawMessage, error)
	Snapshot() domain.StatusSnapshot
}

// Server handles WebSocket connections.
type Server struct {
	cfg       *config.Config
	hub       *hub.Hub
	commander Commander
	logger    *slog.Logger
	upgrader  websocket.Upgrader
}

// NewServer creates a new WebSocket server.
func NewServer(cfg *config.Config, h *hub.Hub, commander Commander, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:       cfg,
		hub:       h,
		commander: commander,
		logger:    logger.With("component", "ws"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// UI contexts are browser extension pages with their own origins.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Register mounts the WebSocket endpoint on e.
func (s *Server) Register(e *echo.Echo) {
	e.GET("/ws", s.HandleWebSocket)
}

// HandleWebSocket handles WebSocket upgrade and connection lifecycle.
func (s *Server) HandleWebSocket(c echo.Context) error {
	ws, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.logger.Warn("failed to upgrade websocket", "error", err)
		return err
	}

	conn := hub.NewConnection(ws)
	ws.SetReadLimit(s.cfg.MaxMessageSize)

	go s.writePump(conn)
	go s.readPump(conn)

	return nil
}

// client is the per-connection handshake state, owned by the read pump.
type client struct {
	conn  *hub.Connection
	hello bool
}

func (s *Server) readPump(conn *hub.Connection) {
	defer func() {
		s.hub.Unregister(conn)
		conn.Close()
	}()

	conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	conn.Conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		return nil
	})

	cl := &client{conn: conn}
	for {
		_, message, err := conn.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Warn("websocket read error", "connection_id", conn.ID, "error", err)
			}
			return
		}
		s.handleMessage(cl, message)
	}
}

func (s *Server) writePump(conn *hub.Connection) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case message := <-conn.Send:
			conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				s.logger.Debug("failed to write message", "connection_id", conn.ID, "error", err)
				return
			}

		case <-conn.Done():
			conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) handleMessage(cl *client, data []byte) {
	var base protocol.BaseMessage
	if err := json.Unmarshal(data, &base); err != nil {
		s.sendError(cl.conn, "", protocol.ErrorCodeInvalidMessage, "invalid JSON message")
		return
	}

	switch base.Type {
	case protocol.TypeHello:
		s.handleHello(cl, data)
	case protocol.TypeCommand:
		s.handleCommand(cl, data)
	default:
		s.sendError(cl.conn, base.RequestID, protocol.ErrorCodeInvalidMessage, "unknown message type: "+base.Type)
	}
}

func (s *Server) handleHello(cl *client, data []byte) {
	var msg protocol.HelloMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.sendError(cl.conn, "", protocol.ErrorCodeInvalidMessage, "invalid hello message")
		return
	}

	if !s.authorized(msg.APIKey) {
		s.sendError(cl.conn, "", protocol.ErrorCodeUnauthorized, "invalid api_key")
		return
	}

	if !cl.hello {
		cl.hello = true
		s.hub.Register(cl.conn)
	}

	s.send(cl.conn, protocol.HelloAckMessage{
		BaseMessage:  protocol.BaseMessage{Type: protocol.TypeHelloAck, Ts: time.Now().UnixMilli()},
		ConnectionID: cl.conn.ID,
		State:        s.commander.Snapshot(),
	})
	s.logger.Info("hello handshake completed", "connection_id", cl.conn.ID, "client", msg.ClientMeta["name"])
}

// authorized compares in constant time. An empty configured key disables
// the check.
func (s *Server) authorized(key string) bool {
	if s.cfg.APIKey == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(key), []byte(s.cfg.APIKey)) == 1
}

func (s *Server) handleCommand(cl *client, data []byte) {
	var msg protocol.CommandMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.sendError(cl.conn, "", protocol.ErrorCodeInvalidMessage, "invalid command message")
		return
	}
	if !cl.hello {
		s.sendError(cl.conn, msg.RequestID, protocol.ErrorCodeHelloRequired, "must send hello first")
		return
	}
	if msg.Command == "" {
		s.sendError(cl.conn, msg.RequestID, protocol.ErrorCodeInvalidMessage, "command is required")
		return
	}

	// Commands may wait on the backend; keep reading meanwhile.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RequestTimeout+5*time.Second)
		defer cancel()

		start := time.Now()
		data, err := s.commander.Execute(ctx, domain.Command(msg.Command), msg.Params)
		result := protocol.ResultMessage{
			BaseMessage: protocol.BaseMessage{Type: protocol.TypeResult, Ts: time.Now().UnixMilli(), RequestID: msg.RequestID},
			OK:          err == nil,
			Data:        data,
		}
		if err != nil {
			result.Error = &protocol.ErrorBody{Code: domain.ErrorCode(err), Message: err.Error()}
			s.logCommandError(cl.conn, msg.Command, err)
		} else {
			s.logger.Debug("command completed", "connection_id", cl.conn.ID, "command", msg.Command, "elapsed", time.Since(start))
		}
		s.send(cl.conn, result)
	}()
}

func (s *Server) logCommandError(conn *hub.Connection, command string, err error) {
	attrs := []any{"connection_id", conn.ID, "command", command, "error", err}
	switch {
	case domain.IsTransportFailure(err):
		s.logger.Warn("command failed", attrs...)
	case errors.Is(err, domain.ErrBackend), errors.Is(err, domain.ErrFallbackUnavailable):
		s.logger.Info("command rejected by backend", attrs...)
	default:
		s.logger.Debug("command rejected", attrs...)
	}
}

func (s *Server) sendError(conn *hub.Connection, requestID, code, message string) {
	s.send(conn, protocol.ErrorMessage{
		BaseMessage: protocol.BaseMessage{Type: protocol.TypeError, Ts: time.Now().UnixMilli(), RequestID: requestID},
		Code:        code,
		Message:     message,
	})
}

func (s *Server) send(conn *hub.Connection, v any) {
	if err := conn.SendJSON(v); err != nil {
		s.logger.Debug("dropping message for connection", "connection_id", conn.ID, "error", err)
	}
}
