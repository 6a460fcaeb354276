package node

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/R3E-Network/service_bridge/internal/engine/events"
	"github.com/R3E-Network/service_bridge/internal/middleware"
)

const (
	streamBuffer     = 64
	streamWriteWait  = 10 * time.Second
	streamPongWait   = 60 * time.Second
	streamPingPeriod = streamPongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:   1024,
	WriteBufferSize:  1024,
	HandshakeTimeout: 10 * time.Second,
}

// streamEvents pushes node events to a websocket client as they are logged.
// The service and type query parameters narrow the stream. A client that
// falls behind loses events rather than slowing the node down.
func (a *api) streamEvents(w http.ResponseWriter, r *http.Request) {
	service := r.URL.Query().Get("service")
	eventType := events.EventType(r.URL.Query().Get("type"))

	// The handshake response is written on the hijacked connection, so
	// headers set by middleware have to be passed along explicitly.
	header := http.Header{}
	if id := w.Header().Get(middleware.RequestIDHeader); id != "" {
		header.Set(middleware.RequestIDHeader, id)
	}
	conn, err := upgrader.Upgrade(w, r, header)
	if err != nil {
		// Upgrade has already answered the request.
		return
	}
	defer conn.Close()
	log := a.node.log.WithField("remote", r.RemoteAddr)

	ch := make(chan events.Event, streamBuffer)
	unsubscribe := a.node.rt.Events.SubscribeFiltered(func(e events.Event) bool {
		return (service == "" || e.ServiceName == service) && (eventType == "" || e.Type == eventType)
	}, func(e events.Event) {
		select {
		case ch <- e:
		default:
			log.WithField("event", e.ID).Debug("event stream full, dropping event")
		}
	})
	defer unsubscribe()

	// The client sends nothing; reading only notices pongs and the close.
	closed := make(chan struct{})
	_ = conn.SetReadDeadline(time.Now().Add(streamPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(streamPongWait))
	})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(streamPingPeriod)
	defer ping.Stop()
	for {
		select {
		case e := <-ch:
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteJSON(e); err != nil {
				log.WithError(err).Debug("event stream write failed")
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteWait)); err != nil {
				return
			}
		case <-closed:
			return
		case <-r.Context().Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(streamWriteWait))
			return
		}
	}
}
