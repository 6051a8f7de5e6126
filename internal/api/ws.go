package api

import (
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"tontoo/internal/relay"
)

const (
	wsWriteWait      = 10 * time.Second
	wsPongWait       = 60 * time.Second
	wsPingPeriod     = wsPongWait * 9 / 10
	wsMaxMessageSize = 64 << 10
)

// envelope is the frame format in both directions.
type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type outbound struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// wsEmitter serialises writes to one websocket connection.
type wsEmitter struct {
	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
}

func (e *wsEmitter) Emit(event string, payload any) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return errors.New("connection closed")
	}
	_ = e.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return e.conn.WriteJSON(outbound{Event: event, Data: payload})
}

func (e *wsEmitter) ping() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return errors.New("connection closed")
	}
	return e.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
}

func (e *wsEmitter) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	_ = e.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	return e.conn.Close()
}

// serveWS upgrades the request and pumps frames into a relay session. A
// token on the upgrade request authenticates immediately; otherwise the
// client sends an authenticate event.
func (h *Handler) serveWS(c *gin.Context) {
	token := h.auth.ExtractToken(c)
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("ws upgrade: %v", err)
		return
	}
	conn.SetReadLimit(wsMaxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	out := &wsEmitter{conn: conn}
	session := h.hub.Open(out, token)
	defer session.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(wsPingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := out.ping(); err != nil {
					return
				}
			}
		}
	}()

	for {
		var msg envelope
		if err := conn.ReadJSON(&msg); err != nil {
			var syntaxErr *json.SyntaxError
			var typeErr *json.UnmarshalTypeError
			if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
				_ = out.Emit(relay.EventError, relay.ErrorPayload{Message: "invalid frame"})
				continue
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("ws read: %v", err)
			}
			return
		}
		if msg.Event == "" {
			_ = out.Emit(relay.EventError, relay.ErrorPayload{Message: "missing event"})
			continue
		}
		session.Handle(msg.Event, msg.Data)
	}
}
