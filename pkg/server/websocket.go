package server

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/nstogner/godagent/pkg/domain"
)

// Frames sent to WebSocket clients.
const (
	frameMessage = "message"
	frameReply   = "reply"
	frameNotice  = "notice"
	frameError   = "error"
	frameBusy    = "busy"
)

type frame struct {
	Type    string          `json:"type"`
	Message *domain.Message `json:"message,omitempty"`
	Text    string          `json:"text,omitempty"`
	Busy    bool            `json:"busy,omitempty"`
}

// wsConn serializes writes; gorilla connections allow one writer at a time.
type wsConn struct {
	mu sync.Mutex
	ws *websocket.Conn
}

func (c *wsConn) send(f frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.ws.WriteJSON(f)
}

func (c *wsConn) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
}

func (s *Server) upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || slices.Contains(s.cfg.AllowedOrigins, "*") {
				return true
			}
			if slices.Contains(s.cfg.AllowedOrigins, origin) {
				return true
			}
			u, err := url.Parse(origin)
			return err == nil && u.Host == r.Host
		},
	}
}

// handleChatWebSocket streams the messages of a dialog and runs the lines the
// client sends as chat input. Every persisted message, including tool calls
// and results, is pushed as it is stored.
func (s *Server) handleChatWebSocket(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess, err := s.session(r.Context(), id)
	if err != nil {
		s.errorResponse(w, statusFor(err), err)
		return
	}

	ws, err := s.upgrader().Upgrade(w, r, nil)
	if err != nil {
		slog.Error("Failed to upgrade websocket", "error", err)
		return
	}
	defer ws.Close()
	conn := &wsConn{ws: ws}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	updates := s.chat.Store.Subscribe()
	defer s.chat.Store.Unsubscribe(updates)

	sent := make(map[string]bool)
	if err := s.syncMessages(ctx, conn, id, sent); err != nil {
		slog.Error("Failed initial message sync", "dialogID", id, "error", err)
		return
	}

	var wg sync.WaitGroup
	wg.Add(1)

	// Writer: pushes new messages to the client.
	go func() {
		defer wg.Done()
		defer ws.Close()

		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case eventID := <-updates:
				if eventID != id {
					continue
				}
				if err := s.syncMessages(ctx, conn, id, sent); err != nil {
					slog.Error("Failed message sync", "dialogID", id, "error", err)
					return
				}
			case <-ticker.C:
				if err := conn.ping(); err != nil {
					return
				}
			}
		}
	}()

	// Reader: runs one line at a time.
	for {
		var in struct {
			Content string `json:"content"`
		}
		if err := ws.ReadJSON(&in); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("WebSocket read error", "dialogID", id, "error", err)
			}
			break
		}
		if in.Content == "" {
			continue
		}
		if err := checkCommand(in.Content); err != nil {
			conn.send(frame{Type: frameError, Text: err.Error()})
			continue
		}

		conn.send(frame{Type: frameBusy, Busy: true})
		reply, err := sess.Handle(ctx, in.Content)
		if err != nil {
			conn.send(frame{Type: frameError, Text: err.Error()})
		} else {
			for _, n := range reply.Notices {
				conn.send(frame{Type: frameNotice, Text: n})
			}
			conn.send(frame{Type: frameReply, Text: reply.Text})
		}
		conn.send(frame{Type: frameBusy, Busy: false})
	}

	cancel()
	wg.Wait()
}

// syncMessages sends every stored message of the dialog not sent yet.
func (s *Server) syncMessages(ctx context.Context, conn *wsConn, dialogID string, sent map[string]bool) error {
	msgs, err := s.chat.Store.Messages(ctx, dialogID)
	if err != nil {
		return err
	}
	for i := range msgs {
		if sent[msgs[i].ID] {
			continue
		}
		if err := conn.send(frame{Type: frameMessage, Message: &msgs[i]}); err != nil {
			return err
		}
		sent[msgs[i].ID] = true
	}
	return nil
}
