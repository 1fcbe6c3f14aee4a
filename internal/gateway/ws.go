package gateway

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"notifyhub/internal/auth"
	"notifyhub/pkg/logx"
)

const (
	writeWait      = 10 * time.Second
	maxFrameSize   = 64 << 10
	pongWaitFactor = 2
)

type wsConn struct {
	c        *websocket.Conn
	wmu      sync.Mutex
	pongWait time.Duration
}

func newWSConn(c *websocket.Conn, ping time.Duration) *wsConn {
	w := &wsConn{c: c, pongWait: ping * pongWaitFactor}
	c.SetReadLimit(maxFrameSize)
	_ = c.SetReadDeadline(time.Now().Add(w.pongWait))
	c.SetPongHandler(func(string) error {
		return c.SetReadDeadline(time.Now().Add(w.pongWait))
	})
	return w
}

func (w *wsConn) Read() ([]byte, error) {
	_, b, err := w.c.ReadMessage()
	if err == nil {
		_ = w.c.SetReadDeadline(time.Now().Add(w.pongWait))
	}
	return b, err
}

func (w *wsConn) Write(b []byte) error {
	w.wmu.Lock()
	defer w.wmu.Unlock()
	_ = w.c.SetWriteDeadline(time.Now().Add(writeWait))
	return w.c.WriteMessage(websocket.TextMessage, b)
}

func (w *wsConn) Ping() error {
	return w.c.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

func (w *wsConn) ClosePolicy(reason string) error {
	msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason)
	_ = w.c.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	return w.c.Close()
}

func (w *wsConn) Close() error { return w.c.Close() }

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// UpgradeHandler authenticates the request (Authorization bearer or ?token=)
// and serves the upgraded connection as a session of the token's recipient.
func (h *Hub) UpgradeHandler(authn auth.Authenticator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := r.URL.Query().Get("token")
		if hdr := r.Header.Get("Authorization"); hdr != "" {
			token = strings.TrimSpace(strings.TrimPrefix(hdr, "Bearer "))
		}
		recipientID, err := authn.Authenticate(token)
		if err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.log.Debug("upgrade failed", logx.Err(err))
			return
		}
		h.mu.RLock()
		ctx := h.runCtx
		h.mu.RUnlock()
		if err := h.Serve(ctx, newWSConn(c, h.cfg.PingInterval), recipientID); err != nil {
			h.log.Warn("session ended with error", logx.Int64("recipient", recipientID), logx.Err(err))
		}
	}
}
