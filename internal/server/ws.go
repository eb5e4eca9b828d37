// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Nemesis Contributors

package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nemesis-dev/nemesis/internal/dispatch"
	"github.com/nemesis-dev/nemesis/internal/feedback"
	"github.com/nemesis-dev/nemesis/internal/session"
	"github.com/nemesis-dev/nemesis/internal/store"
	nemerr "github.com/nemesis-dev/nemesis/pkg/errors"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait).
	pingPeriod = 30 * time.Second

	// Maximum message size allowed from peer.
	maxMessageSize = 512 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Cross-origin policy is enforced by the CORS middleware on the
	// REST surface; the WS endpoint accepts any origin.
	CheckOrigin: func(*http.Request) bool { return true },
}

// wsClient adapts one WebSocket connection to session.Sender. Outbound
// frames flow through the send channel so only the write pump touches
// the connection.
type wsClient struct {
	conn   *websocket.Conn
	send   chan []byte
	ctx    context.Context
	cancel context.CancelFunc
}

var _ session.Sender = (*wsClient)(nil)

func newWSClient(conn *websocket.Conn) *wsClient {
	ctx, cancel := context.WithCancel(context.Background())
	return &wsClient{
		conn:   conn,
		send:   make(chan []byte, 256),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (c *wsClient) Send(ctx context.Context, msg session.Message) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return nemerr.Wrap(err, nemerr.CodeSessionSendFailure, "encoding frame")
	}
	select {
	case c.send <- raw:
		return nil
	case <-c.ctx.Done():
		return nemerr.New(nemerr.CodeSessionSendFailure, "connection closed")
	case <-ctx.Done():
		return ctx.Err()
	default:
		// A client that cannot drain its buffer is treated as dead.
		return nemerr.New(nemerr.CodeSessionSendFailure, "send buffer full")
	}
}

func (c *wsClient) Close() error {
	c.cancel()
	return nil
}

// writePump owns all writes to the connection, including pings.
func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-c.ctx.Done():
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case raw := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// inboundFrame is the envelope clients send.
type inboundFrame struct {
	Type             string          `json:"type"`
	RequestID        string          `json:"request_id,omitempty"`
	Situation        string          `json:"situation,omitempty"`
	Payload          json.RawMessage `json:"payload,omitempty"`
	TopK             int             `json:"top_k,omitempty"`
	MinEffectiveness float64         `json:"min_effectiveness,omitempty"`
	TimeoutMS        int64           `json:"timeout_ms,omitempty"`
	EntryID          string          `json:"entry_id,omitempty"`
	Score            float64         `json:"score"`
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	rec, err := s.deps.Tenants.Get(tenantID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	client := newWSClient(conn)
	if err := s.deps.Sessions.Connect(sessionID, tenantID, client); err != nil {
		raw, _ := json.Marshal(session.Message{
			Type:   session.TypeError,
			Body:   map[string]string{"code": string(nemerr.CodeOf(err)), "message": err.Error()},
			SentAt: time.Now(),
		})
		_ = conn.WriteMessage(websocket.TextMessage, raw)
		_ = conn.Close()
		return
	}

	go client.writePump()

	_ = s.deps.Sessions.Send(r.Context(), sessionID, session.Message{
		Type: session.TypeWelcome,
		Body: map[string]any{
			"session_id":  sessionID,
			"tenant_id":   tenantID,
			"tenant_name": rec.Name,
			"dimension":   rec.Dimension,
		},
	})

	s.readPump(client, sessionID, tenantID, rec.Deadline)
}

// readPump consumes inbound frames until the connection drops, then
// tears the session down.
func (s *Server) readPump(c *wsClient, sessionID, tenantID string, deadline time.Duration) {
	defer s.deps.Sessions.Disconnect(sessionID)

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Debug("websocket read failed", "session_id", sessionID, "error", err)
			}
			return
		}

		var frame inboundFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			s.sendFrameError(sessionID, "",
				nemerr.Wrap(err, nemerr.CodeServerRequestInvalid, "decoding frame"))
			continue
		}
		s.handleFrame(c.ctx, frame, sessionID, tenantID, deadline)
	}
}

func (s *Server) handleFrame(ctx context.Context, frame inboundFrame, sessionID, tenantID string, deadline time.Duration) {
	switch frame.Type {
	case "heartbeat":
		s.deps.Sessions.Heartbeat(sessionID)
		_ = s.deps.Sessions.Send(ctx, sessionID, session.Message{
			Type: session.TypeHeartbeatAck,
		})

	case "query":
		var payload store.Payload
		if len(frame.Payload) > 0 {
			decoded, err := store.DecodePayload(frame.Payload)
			if err != nil {
				s.sendFrameError(sessionID, frame.RequestID, err)
				return
			}
			payload = decoded
		}

		timeout := time.Duration(frame.TimeoutMS) * time.Millisecond
		if timeout <= 0 {
			timeout = deadline
		}
		_, err := s.deps.Coordinator.Submit(ctx, dispatch.Request{
			ID:               frame.RequestID,
			TenantID:         tenantID,
			SessionID:        sessionID,
			Situation:        frame.Situation,
			Payload:          payload,
			TopK:             frame.TopK,
			MinEffectiveness: frame.MinEffectiveness,
			Timeout:          timeout,
		})
		if err != nil {
			s.sendFrameError(sessionID, frame.RequestID, err)
		}

	case "outcome":
		update, err := s.deps.Aggregator.ReportOutcome(ctx, feedback.Outcome{
			TenantID:  tenantID,
			EntryID:   frame.EntryID,
			SessionID: sessionID,
			Score:     frame.Score,
		})
		if err != nil {
			s.sendFrameError(sessionID, frame.RequestID, err)
			return
		}
		_ = s.deps.Sessions.Send(ctx, sessionID, session.Message{
			Type:      session.TypeLearningUpdate,
			RequestID: frame.RequestID,
			Body:      update,
		})

	default:
		s.sendFrameError(sessionID, frame.RequestID,
			nemerr.Errorf(nemerr.CodeServerRequestInvalid, "unknown frame type %q", frame.Type))
	}
}

func (s *Server) sendFrameError(sessionID, requestID string, cause error) {
	if err := s.deps.Sessions.Send(context.Background(), sessionID, session.Message{
		Type:      session.TypeError,
		RequestID: requestID,
		Body: map[string]string{
			"code":    string(nemerr.CodeOf(cause)),
			"message": cause.Error(),
		},
	}); err != nil {
		s.logger.Debug("frame error delivery failed",
			"session_id", sessionID, "error", err, "cause", cause)
	}
}
