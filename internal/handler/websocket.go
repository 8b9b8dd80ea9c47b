package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"pairsync/internal/auth"
	"pairsync/internal/hub"
	"pairsync/internal/middleware"
	"pairsync/internal/pairing"
	"pairsync/internal/statusproto"
)

// StatusWSHandler serves the status channel: one WebSocket per browser tab,
// multiplexing any number of sub-client subscriptions. Subscriptions do not
// survive reconnects; clients re-subscribe and the subscribed ack carries an
// immediate status snapshot to cover any disconnect window.
type StatusWSHandler struct {
	Hub         *hub.Hub
	Controller  *pairing.Controller
	TokenConfig auth.TokenConfig
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

const (
	wsReadLimit  = 64 * 1024
	wsPongWait   = 60 * time.Second
	wsWriteWait  = 10 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
)

func (h *StatusWSHandler) Serve(c *gin.Context) {
	token := middleware.TokenFromRequest(c)
	if token == "" {
		token = c.Query("token")
	}
	if token == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}
	if _, err := auth.VerifyToken(token, h.TokenConfig); err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	sub := h.Hub.Add()
	defer func() {
		h.Hub.Remove(sub)
		_ = ws.Close()
	}()

	go writePump(ws, sub)

	ws.SetReadLimit(wsReadLimit)
	ws.SetReadDeadline(time.Now().Add(wsPongWait))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		ws.SetReadDeadline(time.Now().Add(wsPongWait))

		frame, err := statusproto.Parse(data)
		if err != nil {
			continue
		}

		switch frame.Type {
		case statusproto.TypeSubscribe:
			if !h.Hub.Subscribe(sub, frame.SubClientID) {
				return
			}
			sub.Send(statusproto.Subscribed(frame.SubClientID).Encode())
			if sess, err := h.Controller.GetState(frame.SubClientID); err == nil {
				sub.Send(statusproto.Status(sess).Encode())
			}
		case statusproto.TypeUnsubscribe:
			h.Hub.Unsubscribe(sub, frame.SubClientID)
		}
	}
}

func writePump(ws *websocket.Conn, sub *hub.Subscriber) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		_ = ws.Close()
	}()

	for {
		select {
		case msg, ok := <-sub.Out():
			if !ok {
				_ = ws.WriteControl(websocket.CloseMessage, nil, time.Now().Add(wsWriteWait))
				return
			}
			ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}
