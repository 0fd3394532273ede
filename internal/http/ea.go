package http

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"tradegate/internal/broker/mt5"
)

func (s *Server) handleEARegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ConnectCode string `json:"connect_code"`
		AccountID   string `json:"account_id"`
		DeviceID    string `json:"device_id"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	session, err := s.bridge.Register(req.ConnectCode, req.AccountID, req.DeviceID)
	switch {
	case errors.Is(err, mt5.ErrInvalidConnectCode):
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"token":      session.Token,
		"expires_at": session.ExpiresAt.Format(time.RFC3339),
		"scopes":     session.Scopes,
	})
}

func (s *Server) handleEAHeartbeat(w http.ResponseWriter, r *http.Request) {
	session, err := sessionFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "missing ea session")
		return
	}
	s.bridge.Heartbeat(session)
	paused := false
	if state, err := s.pause.Snapshot(r.Context()); err == nil {
		paused = state.MT5
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":          true,
		"server_time": s.now().UTC().Format(time.RFC3339),
		"paused":      paused,
	})
}

func (s *Server) handleEASync(w http.ResponseWriter, r *http.Request) {
	session, err := sessionFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "missing ea session")
		return
	}
	var payload map[string]interface{}
	if err := decodeJSON(r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	snap := s.bridge.Sync(session, payload)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":             true,
		"open_positions": len(snap.Positions),
		"daily_pnl":      snap.DailyPnL,
		"equity":         snap.Account.Equity,
	})
}

func (s *Server) handleEAExecute(w http.ResponseWriter, r *http.Request) {
	session, err := sessionFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "missing ea session")
		return
	}
	cmd, ok := s.bridge.Next(session)
	if !ok {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"command_id": uuid.NewString(),
			"type":       mt5.CommandNoop,
			"expires_at": s.now().UTC().Add(2 * time.Second).Format(time.RFC3339),
		})
		return
	}
	writeJSON(w, http.StatusOK, cmd)
}

func (s *Server) handleEAResult(w http.ResponseWriter, r *http.Request) {
	session, err := sessionFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "missing ea session")
		return
	}
	var req mt5.Result
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	cmd, err := s.bridge.Complete(session, req)
	if err != nil {
		s.logger.Warn("ea result for unknown command", zap.String("command_id", req.CommandID))
		writeError(w, http.StatusNotFound, "command not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":         true,
		"command_id": cmd.ID,
		"status":     cmd.Status,
	})
}
