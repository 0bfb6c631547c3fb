package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"docuchat/internal/chat"
	"docuchat/internal/util"
	"docuchat/pkg/domain"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsReadLimit    = 1 << 20
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Browser clients authenticate with a token, not cookies, so
	// cross-origin upgrades carry no ambient credentials.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleChatWS runs streaming chat turns over a websocket. The client sends
// one JSON question frame at a time and receives the turn's event frames in
// order; turns are processed sequentially per connection.
func (s *Server) handleChatWS(w http.ResponseWriter, r *http.Request, user domain.User) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	conn.SetReadLimit(wsReadLimit)

	logger := util.LoggerFromContext(r.Context())

	for {
		var req chatRequest
		if err := conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Warn("websocket read failed", "error", err)
			}
			return
		}
		if req.CollectionID == "" || strings.TrimSpace(req.Question) == "" {
			s.wsClosePolicy(conn, "collectionId and question are required")
			return
		}
		if !s.runStreamTurn(r.Context(), conn, user, req, logger) {
			return
		}
	}
}

// runStreamTurn executes one turn, forwarding events to the peer. Returns
// false when the connection is no longer usable.
func (s *Server) runStreamTurn(parent context.Context, conn *websocket.Conn, user domain.User, req chatRequest, logger *slog.Logger) bool {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	var writeErr error
	emit := func(ev chat.Event) {
		if writeErr != nil {
			return
		}
		conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteJSON(ev); err != nil {
			writeErr = err
			cancel()
		}
	}

	err := s.orchestrator.StreamTurn(ctx, user.ID, req.CollectionID, req.SessionID, req.Question, emit)
	if writeErr != nil {
		logger.Warn("websocket write failed", "error", writeErr)
		return false
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Warn("stream turn failed", "error", err)
	}
	return true
}

func (s *Server) wsClosePolicy(conn *websocket.Conn, reason string) {
	msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason)
	conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	_ = conn.WriteMessage(websocket.CloseMessage, msg)
}
