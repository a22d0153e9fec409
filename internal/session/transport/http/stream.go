package http

import (
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"v2raybridge/internal/session/gateway"
)

const (
	streamWriteWait  = 10 * time.Second
	streamPongWait   = 60 * time.Second
	streamPingPeriod = streamPongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// StatusStream pushes every status change over a WebSocket. Slow clients
// skip intermediate values and receive the latest one.
func (h *SessionHandler) StatusStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("SessionHandler: websocket upgrade error: %v", err)
		return
	}
	defer conn.Close()

	updates, cancel := h.Source.Subscribe()
	defer cancel()

	// Читаем только control-фреймы, чтобы заметить закрытие со стороны клиента
	closed := make(chan struct{})
	conn.SetReadDeadline(time.Now().Add(streamPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(streamPongWait))
	})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(streamPingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case snap, ok := <-updates:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			err := conn.WriteJSON(gateway.Status{
				State:         string(snap.State),
				UploadSpeed:   snap.UploadSpeed,
				DownloadSpeed: snap.DownloadSpeed,
			})
			if err != nil {
				log.Printf("SessionHandler: status stream write failed: %v", err)
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
