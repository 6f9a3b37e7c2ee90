package api

import (
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 5 * time.Second
	pingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		host := u.Hostname()
		return host == "localhost" || host == "127.0.0.1"
	},
}

// Message is one frame of the /api/events stream
type Message struct {
	Type string      `json:"type"` // "transcript", "segment", "progress", "model" or "recording"
	Data interface{} `json:"data"`
}

// handleEvents streams engine events and model state changes over a WebSocket
func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("WebSocketのアップグレードに失敗しました: %v", err)
		return
	}
	defer conn.Close()

	events, cancelEvents := h.engine.Subscribe()
	defer cancelEvents()
	changes, cancelChanges := h.controller.Subscribe()
	defer cancelChanges()

	// the client never sends data; reading detects the close
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	send := func(msg Message) bool {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(msg); err != nil {
			h.log.Debug("WebSocketへの送信に失敗しました: %v", err)
			return false
		}
		return true
	}

	// 接続直後に現在の状態を送る
	if !send(Message{Type: "progress", Data: h.engine.Progress()}) ||
		!send(Message{Type: "recording", Data: h.recordingStatus()}) {
		return
	}

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		var msg Message
		select {
		case event, ok := <-events:
			if !ok {
				return
			}
			msg = Message{Type: string(event.Kind), Data: event}

		case change, ok := <-changes:
			if !ok {
				return
			}
			msg = Message{Type: "model", Data: change}

		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
			continue

		case <-closed:
			return
		}

		if !send(msg) {
			return
		}
	}
}
