package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/dmitrijs2005/otpkeeper/internal/logging"
	"github.com/dmitrijs2005/otpkeeper/internal/server/auth"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	pongWait  = 60 * time.Second
	writeWait = 10 * time.Second
	readLimit = 64 * 1024
)

type clientMessage struct {
	Type string `json:"type"`
}

type wsWriter struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

// Write serializes writers: gorilla connections allow one writer at a time.
func (w *wsWriter) Write(message []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return w.conn.WriteMessage(websocket.TextMessage, message)
}

func (w *wsWriter) Close() error {
	return w.conn.Close()
}

// Handler upgrades authenticated requests and keeps the session registered
// in the hub until the client goes away.
type Handler struct {
	hub       *Hub
	jwtSecret []byte
	upgrader  websocket.Upgrader
	logger    logging.Logger
}

// NewHandler accepts upgrades from allowedOrigin only; an empty value
// accepts any origin.
func NewHandler(hub *Hub, jwtSecret []byte, allowedOrigin string, logger logging.Logger) *Handler {
	return &Handler{
		hub:       hub,
		jwtSecret: jwtSecret,
		logger:    logger.With("module", "realtime"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return allowedOrigin == "" || origin == "" || origin == allowedOrigin
			},
		},
	}
}

// Serve authenticates the ?token= JWT, upgrades the connection and answers
// pings until the client disconnects.
func (h *Handler) Serve(c *gin.Context) {
	tokenString := c.Query("token")
	if tokenString == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}
	userID, err := auth.GetUserIDFromToken(tokenString, h.jwtSecret)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	writer := &wsWriter{conn: ws}
	conn := &Connection{UserID: userID, Writer: writer}
	h.hub.Register(conn)
	defer func() {
		h.hub.Unregister(conn)
		_ = ws.Close()
	}()
	h.logger.Debug(c.Request.Context(), "websocket connected", "user", userID)

	hello, _ := json.Marshal(Envelope{Event: EventConnectionSuccess, Payload: gin.H{"userId": userID}})
	if err := writer.Write(hello); err != nil {
		return
	}

	ws.SetReadLimit(readLimit)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	go h.keepAlive(ctx, writer)

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Type == "ping" {
			out, _ := json.Marshal(Envelope{Event: EventPong})
			_ = writer.Write(out)
		}
	}
}

func (h *Handler) keepAlive(ctx context.Context, w *wsWriter) {
	ticker := time.NewTicker(pongWait * 9 / 10)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.mu.Lock()
			err := w.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			w.mu.Unlock()
			if err != nil {
				_ = w.Close()
				return
			}
		}
	}
}
