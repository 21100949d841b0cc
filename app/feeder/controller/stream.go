package controller

import (
	"context"
	"net/http"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/fetchoracle/twapfeed/pkg/history"
)

const (
	pingInterval = 30 * time.Second
	writeWait    = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// read-only public feed, same policy as WithCORS
		return true
	},
}

// ClientMessage is what stream clients send.
type ClientMessage struct {
	Action   string `json:"action"`   // "subscribe" or "unsubscribe"
	Currency string `json:"currency"` // currency, or "*" for all
}

// ServerMessage is what the stream sends.
type ServerMessage struct {
	Type    string      `json:"type"` // "price", "subscribed", "unsubscribed", "error"
	Payload interface{} `json:"payload"`
}

// HandleStream upgrades to a websocket and pushes every fresh computation of
// the subscribed currencies.
//
// Currencies can be preselected with ?currency=dai,usdc and changed later:
//
//	{"action": "subscribe", "currency": "dai"}
//	{"action": "subscribe", "currency": "*"}
//	{"action": "unsubscribe", "currency": "dai"}
func (c *Controller) HandleStream(w http.ResponseWriter, r *http.Request) {
	if c.App.Stream == nil {
		writeError(w, http.StatusServiceUnavailable, "price stream disabled")
		return
	}

	var initial []string
	if q := r.URL.Query().Get("currency"); q != "" {
		for _, cur := range strings.Split(q, ",") {
			cur = strings.ToLower(strings.TrimSpace(cur))
			if !c.streamable(cur) {
				writeError(w, http.StatusNotFound, "currency not supported: "+cur)
				return
			}
			initial = append(initial, cur)
		}
	}

	// subscribed before the handshake completes, so nothing computed after
	// the client's dial returns is missed
	sub := c.App.Stream.Subscribe(initial...)
	defer sub.Cancel()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		c.App.Logger.Error("Failed to upgrade websocket connection", zap.Error(err))
		return
	}
	defer func() {
		if err := conn.Close(); err != nil {
			c.App.Logger.Debug("Failed to close websocket connection", zap.Error(err))
		}
	}()

	c.App.Logger.Info("Stream client connected",
		zap.String("remote_addr", r.RemoteAddr),
		zap.Strings("currencies", initial))

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	replies := make(chan ServerMessage, 16)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer c.recoverStream(r, cancel)
		c.writeStream(ctx, conn, sub, replies)
		cancel()
		// unblock the reader
		_ = conn.SetReadDeadline(time.Now())
	}()

	c.readStream(ctx, conn, sub, replies)
	cancel()
	wg.Wait()

	c.App.Logger.Info("Stream client disconnected", zap.String("remote_addr", r.RemoteAddr))
}

func (c *Controller) streamable(currency string) bool {
	if currency == history.Wildcard {
		return true
	}
	_, ok := c.App.Engine.Pair(currency)
	return ok
}

// readStream applies client subscription changes until the connection fails.
func (c *Controller) readStream(ctx context.Context, conn *websocket.Conn, sub *history.Subscription, replies chan<- ServerMessage) {
	for {
		var msg ClientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) && ctx.Err() == nil {
				c.App.Logger.Debug("Stream read failed", zap.Error(err))
			}
			return
		}

		currency := strings.ToLower(strings.TrimSpace(msg.Currency))
		var reply ServerMessage
		switch {
		case !c.streamable(currency):
			reply = ServerMessage{Type: "error", Payload: map[string]string{"message": "currency not supported: " + currency}}
		case msg.Action == "subscribe":
			sub.Add(currency)
			reply = ServerMessage{Type: "subscribed", Payload: map[string]string{"currency": currency}}
		case msg.Action == "unsubscribe":
			sub.Remove(currency)
			reply = ServerMessage{Type: "unsubscribed", Payload: map[string]string{"currency": currency}}
		default:
			reply = ServerMessage{Type: "error", Payload: map[string]string{"message": "unknown action: " + msg.Action}}
		}

		select {
		case replies <- reply:
		case <-ctx.Done():
			return
		}
	}
}

// writeStream owns every write on conn. It returns when the hub closes the
// subscription, the context ends or a write fails.
func (c *Controller) writeStream(ctx context.Context, conn *websocket.Conn, sub *history.Subscription, replies <-chan ServerMessage) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	write := func(msg ServerMessage) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(msg); err != nil {
			c.App.Logger.Debug("Stream write failed", zap.Error(err))
			return false
		}
		return true
	}

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.C():
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
					time.Now().Add(writeWait))
				return
			}
			if !write(ServerMessage{Type: "price", Payload: msg}) {
				return
			}
		case reply := <-replies:
			if !write(reply) {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func (c *Controller) recoverStream(r *http.Request, cancel context.CancelFunc) {
	if rec := recover(); rec != nil {
		c.App.Logger.Error("Panic in stream writer",
			zap.Any("panic", rec),
			zap.String("stack", string(debug.Stack())),
			zap.String("remote_addr", r.RemoteAddr))
		cancel()
	}
}
