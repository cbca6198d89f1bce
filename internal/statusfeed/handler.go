package statusfeed

import (
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/cheez95/driversync/internal/engine"
)

// Handler bridges engine and connectivity events onto the feed.
type Handler struct {
	server *Server
	logger *zap.SugaredLogger
}

// NewHandler creates an event handler connected to a feed server.
func NewHandler(server *Server, logger *zap.SugaredLogger) *Handler {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Handler{server: server, logger: logger}
}

// OnEngineEvent forwards an engine event as a feed frame. Wired as the
// engine's OnEvent callback; must not block.
func (h *Handler) OnEngineEvent(ev engine.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Errorw("failed to marshal engine event", "error", err)
		return
	}
	h.server.Broadcast(Message{
		Type:      string(ev.Kind),
		Timestamp: time.Now(),
		Data:      data,
	})

	switch ev.Kind {
	case engine.EventServerWon:
		h.logger.Infow("server overrode local action", "action", ev.ActionKey, "stop", ev.StopID, "detail", ev.Detail)
	case engine.EventActionDead:
		h.logger.Warnw("action dead-lettered", "action", ev.ActionKey, "stop", ev.StopID, "detail", ev.Detail)
	case engine.EventManualNeeded:
		h.logger.Infow("conflict needs manual decision", "action", ev.ActionKey, "stop", ev.StopID)
	}
}

// OnConnectivityChange forwards online/offline transitions.
func (h *Handler) OnConnectivityChange(online bool) {
	data, _ := json.Marshal(map[string]bool{"online": online})
	h.server.Broadcast(Message{
		Type:      "connectivity",
		Timestamp: time.Now(),
		Data:      data,
	})
}
