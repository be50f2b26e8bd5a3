// Package channels provides inbound adapters that feed external messaging
// surfaces (websocket clients, Telegram) into the orchestrator pipeline.
package channels

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog"

	"github.com/parley-ai/parley/internal/api/middleware"
	"github.com/parley-ai/parley/internal/orchestrator"
	"github.com/parley-ai/parley/pkg/models"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // decoupled UI runs on its own origin
	},
}

// wsRequest is one inbound frame from a websocket client.
type wsRequest struct {
	SessionID      string `json:"session_id,omitempty"`
	AgentID        string `json:"agent_id,omitempty"`
	ExternalUserID string `json:"external_user_id,omitempty"`
	Message        string `json:"message"`
}

// safeConn serializes writes; the emit callback and the read loop may both
// write error frames concurrently.
type safeConn struct {
	*websocket.Conn
	mu sync.Mutex
}

func (sc *safeConn) writeEvent(event models.StreamEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.Conn.WriteMessage(websocket.TextMessage, data)
}

// WebSocketHandler returns an http.HandlerFunc that upgrades the connection
// and runs one chat turn per inbound frame, streaming events back as JSON
// frames. Frames on a single connection are processed sequentially so the
// client sees events for one turn at a time.
func WebSocketHandler(orch *orchestrator.Orchestrator, log zerolog.Logger) http.HandlerFunc {
	wsLog := log.With().Str("channel", "websocket").Logger()

	return func(w http.ResponseWriter, r *http.Request) {
		rawConn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			wsLog.Warn().Err(err).Msg("websocket upgrade failed")
			return
		}
		conn := &safeConn{Conn: rawConn}
		defer conn.Close()

		workspace := middleware.GetWorkspace(r.Context())

		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					wsLog.Debug().Err(err).Msg("websocket closed")
				}
				return
			}

			var req wsRequest
			if err := json.Unmarshal(raw, &req); err != nil || req.Message == "" {
				conn.writeEvent(models.StreamEvent{Type: models.StreamError, Error: "invalid frame: expected {\"message\": ...}"})
				continue
			}

			emit := func(event models.StreamEvent) {
				if err := conn.writeEvent(event); err != nil {
					wsLog.Debug().Err(err).Msg("websocket write failed")
				}
			}

			_, err = orch.Process(r.Context(), orchestrator.Request{
				Workspace:      workspace,
				ChannelID:      "websocket",
				ExternalUserID: req.ExternalUserID,
				SessionID:      req.SessionID,
				AgentID:        req.AgentID,
				Message:        req.Message,
			}, emit)
			if err != nil {
				emit(models.StreamEvent{Type: models.StreamError, Error: err.Error()})
			}
		}
	}
}
