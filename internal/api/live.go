package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/banshee-data/kserial/internal/httputil"
	"github.com/banshee-data/kserial/internal/monitoring"
)

const (
	liveWriteWait  = 5 * time.Second
	livePongWait   = 60 * time.Second
	livePingPeriod = (livePongWait * 9) / 10
)

var livef = monitoring.Tagged("live")

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 64 * 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// serveLive upgrades to a websocket and pushes every packet batch from the
// live feed as one JSON text message until either side goes away.
func (s *Server) serveLive(w http.ResponseWriter, r *http.Request) {
	if s.live == nil {
		httputil.ServiceUnavailable(w, "live feed is disabled")
		return
	}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		livef("upgrade error: %v", err)
		return
	}
	defer ws.Close()

	ch := s.live.Subscribe()
	defer s.live.Unsubscribe(ch)

	// The reader only services control frames; it ends on close or error.
	gone := make(chan struct{})
	ws.SetReadLimit(512)
	ws.SetReadDeadline(time.Now().Add(livePongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(livePongWait))
	})
	go func() {
		defer close(gone)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					livef("read error: %v", err)
				}
				return
			}
		}
	}()

	ping := time.NewTicker(livePingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-gone:
			return
		case <-r.Context().Done():
			return
		case b, ok := <-ch:
			ws.SetWriteDeadline(time.Now().Add(liveWriteWait))
			if !ok {
				ws.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "feed closed"))
				return
			}
			if err := ws.WriteJSON(b); err != nil {
				livef("write error: %v", err)
				return
			}
		case <-ping.C:
			ws.SetWriteDeadline(time.Now().Add(liveWriteWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
