package controlapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/jkaninda/ngome/internal/provisioner"
)

const (
	streamPollInterval = 2 * time.Second
	streamWriteTimeout = 10 * time.Second
	streamTailLines    = 200
)

// handleLogStream upgrades GET /v1/logs/stream?agent_id=... to a WebSocket
// and pushes new sandbox output as it appears. Authentication mirrors the
// REST endpoints: bearer header, or a token query param for browser clients.
func (s *Server) handleLogStream(w http.ResponseWriter, r *http.Request) {
	if s.cfg.APIKey != "" {
		auth := r.Header.Get("Authorization")
		if auth == "" {
			if token := r.URL.Query().Get("token"); token != "" {
				auth = "Bearer " + token
			}
		}
		if !s.keyMatches(auth) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	agentID := r.URL.Query().Get("agent_id")
	if agentID == "" {
		http.Error(w, "agent_id is required", http.StatusBadRequest)
		return
	}
	if _, err := s.prov.GetState(agentID); err != nil {
		if errors.Is(err, provisioner.ErrStateNotFound) {
			http.Error(w, "agent not found", http.StatusNotFound)
			return
		}
		http.Error(w, "reading agent state failed", http.StatusInternalServerError)
		return
	}

	lines := streamTailLines
	if v := r.URL.Query().Get("lines"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			lines = n
		}
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{"ngome-logs-v1"},
	})
	if err != nil {
		s.logger.Error("websocket accept failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")

	s.logger.Info("log stream opened", slog.String("agent_id", agentID))
	s.streamLogs(r.Context(), conn, agentID, lines)
}

// streamLogs polls the sandbox tail and sends only what is new since the
// previous poll.
func (s *Server) streamLogs(ctx context.Context, conn *websocket.Conn, agentID string, lines int) {
	ticker := time.NewTicker(streamPollInterval)
	defer ticker.Stop()

	var previous string
	for {
		out, err := s.prov.Logs(ctx, agentID, lines)
		if err != nil {
			_ = writeTimeout(ctx, conn, "log read failed: "+err.Error())
			return
		}

		if delta := logDelta(previous, out); delta != "" {
			if err := writeTimeout(ctx, conn, delta); err != nil {
				return
			}
		}
		previous = out

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func writeTimeout(ctx context.Context, conn *websocket.Conn, msg string) error {
	writeCtx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, []byte(msg))
}

// logDelta returns the part of current that was not yet sent. Both values
// are rolling tails, so the previous tail usually survives as a suffix of
// some prefix of current; fall back to resending everything when the
// window rolled past it.
func logDelta(previous, current string) string {
	if previous == "" {
		return current
	}
	if current == previous {
		return ""
	}
	if idx := strings.LastIndex(current, previous); idx >= 0 {
		return current[idx+len(previous):]
	}
	return current
}
