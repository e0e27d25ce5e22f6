package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/SCSIExpress/pacsync/pkg/errdefs"
	"github.com/SCSIExpress/pacsync/pkg/log"
	"github.com/SCSIExpress/pacsync/pkg/metrics"
	"github.com/SCSIExpress/pacsync/pkg/types"
)

const (
	wsWriteWait  = 10 * time.Second
	wsKeepalive  = 30 * time.Second
	wsReadLimit  = 4 << 10
	wsReadWindow = 2 * wsKeepalive
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// CORS policy is enforced on the HTTP layer; token auth gates the
	// socket itself.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsMessage is the envelope for client-to-server frames
type wsMessage struct {
	Type string `json:"type"`
}

// handleWebSocket serves the per-endpoint event channel. The socket
// authenticates via the usual bearer header or a token query parameter
// (browser WebSocket clients cannot set headers).
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	endpointID := chi.URLParam(r, "endpoint_id")

	token := bearerToken(r)
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	if token == "" {
		writeError(w, r, errdefs.Authentication("missing bearer token"))
		return
	}
	authn := &authenticator{tokens: s.deps.Tokens, touch: s.deps.Endpoints.Touch}
	identity, err := authn.resolve(r.Context(), token)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !identity.Admin && identity.EndpointID != endpointID {
		writeError(w, r, errdefs.Authorization("token does not match endpoint"))
		return
	}
	if _, err := s.deps.Endpoints.Get(r.Context(), endpointID); err != nil {
		writeError(w, r, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the handshake error
		return
	}

	logger := log.WithEndpointID(endpointID)
	logger.Debug().Msg("websocket connected")
	metrics.WebSocketConnections.Inc()

	sub := s.deps.Broker.Subscribe(endpointID)
	defer func() {
		s.deps.Broker.Unsubscribe(endpointID, sub)
		metrics.WebSocketConnections.Dec()
		conn.Close()
		logger.Debug().Msg("websocket disconnected")
	}()

	conn.SetReadLimit(wsReadLimit)
	conn.SetReadDeadline(time.Now().Add(wsReadWindow))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsReadWindow))
	})

	// All frames leave through the select loop below: gorilla permits
	// only one concurrent writer per connection.
	replies := make(chan interface{}, 8)
	done := make(chan struct{})
	go s.wsReadLoop(conn, endpointID, replies, done)

	ticker := time.NewTicker(wsKeepalive)
	defer ticker.Stop()

	for {
		select {
		case event, open := <-sub:
			if !open {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(event); err != nil {
				// Best-effort delivery: a dead socket is dropped
				return
			}
		case reply := <-replies:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(reply); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

// wsReadLoop consumes client frames: ping keepalives and get_status
// queries. Anything else is ignored.
func (s *Server) wsReadLoop(conn *websocket.Conn, endpointID string, replies chan<- interface{}, done chan struct{}) {
	defer close(done)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		conn.SetReadDeadline(time.Now().Add(wsReadWindow))

		var msg wsMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}

		var reply interface{}
		switch msg.Type {
		case "ping":
			reply = map[string]string{"type": "pong"}
		case "get_status":
			reply = s.currentStatus(endpointID)
		default:
			continue
		}
		if reply == nil {
			continue
		}
		select {
		case replies <- reply:
		default:
			// Client floods faster than it reads; drop the reply
		}
	}
}

func (s *Server) currentStatus(endpointID string) interface{} {
	ctx := context.Background()

	ep, err := s.deps.Endpoints.Get(ctx, endpointID)
	if err != nil {
		return nil
	}
	ops, err := s.deps.Coord.ListEndpointOperations(ctx, endpointID, 1)
	if err != nil {
		return nil
	}
	var current *types.SyncOperation
	if len(ops) > 0 && !ops[0].Status.Terminal() {
		current = ops[0]
	}

	return map[string]interface{}{
		"type":              "status",
		"endpoint_id":       ep.ID,
		"sync_status":       ep.SyncStatus,
		"current_operation": current,
	}
}
