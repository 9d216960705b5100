package api

import (
	"fmt"
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

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// listenFrame asks the hub to deliver one more identity's events on this
// connection.
type listenFrame struct {
	Listen string `json:"listen"`
}

// handleWebsocket subscribes the connection to every ?identity= value and
// streams events until either side closes.
func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	var identities []string
	for _, id := range r.URL.Query()["identity"] {
		if id = strings.TrimSpace(id); id != "" {
			identities = append(identities, id)
		}
	}
	if len(identities) == 0 {
		WriteBadRequest(w, r, "identity is required")
		return
	}
	principal := PrincipalFrom(r.Context())
	if principal != nil {
		for _, id := range identities {
			if !principal.mayListen(id) {
				WriteForbidden(w, r, fmt.Sprintf("token subject %q cannot listen on %q", principal.Identity, id))
				return
			}
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WarnContext(r.Context(), "websocket upgrade failed", "error", err)
		return
	}
	defer func() { _ = conn.Close() }()

	sub := s.hub.Subscribe(identities...)
	defer sub.Close()
	s.logger.InfoContext(r.Context(), "listener connected", "identities", identities)

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		conn.SetReadLimit(4096)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			var f listenFrame
			if err := conn.ReadJSON(&f); err != nil {
				return
			}
			id := strings.TrimSpace(f.Listen)
			if id == "" || (principal != nil && !principal.mayListen(id)) {
				continue
			}
			sub.Listen(id)
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-readDone:
			return
		case ev, ok := <-sub.Events():
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(writeWait))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
