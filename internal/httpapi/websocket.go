package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

type inboundMessage struct {
	Text string `json:"text"`
}

// handleWebSocket runs one chat connection: every text frame is dispatched
// like a console line and answered with a reply frame.
func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	op := h.operatorFrom(r)
	if op.Username == "" {
		http.Error(w, "username is required", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "operator", op.Username, "error", err)
		return
	}
	defer conn.Close()
	h.logger.Info("websocket connected", "operator", op.Username, "remote", r.RemoteAddr)

	ctx := r.Context()
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
					return
				}
			}
		}
	}()

	for {
		var msg inboundMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Warn("websocket read failed", "operator", op.Username, "error", err)
			} else {
				h.logger.Debug("websocket closed", "operator", op.Username, "error", err)
			}
			return
		}
		if strings.TrimSpace(msg.Text) == "" {
			continue
		}

		reply, quit := h.bot.Handle(ctx, op, msg.Text)
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(commandResponse{Reply: reply, Quit: quit}); err != nil {
			h.logger.Warn("websocket write failed", "operator", op.Username, "error", err)
			return
		}
		if quit {
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(writeWait))
			return
		}
	}
}
