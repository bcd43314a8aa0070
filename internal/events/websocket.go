package events

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-hclog"
)

// WebSocketFanout pushes bus events to connected browser clients. It is the
// concrete live-update transport; the engine never sees it, only the bus.
type WebSocketFanout struct {
	bus      EventBus
	logger   hclog.Logger
	upgrader websocket.Upgrader

	clients      map[*websocket.Conn]chan Event
	clientsMutex sync.RWMutex
	subscription *Subscription
}

// NewWebSocketFanout creates a fanout subscribed to all bus events
func NewWebSocketFanout(bus EventBus, logger hclog.Logger) (*WebSocketFanout, error) {
	f := &WebSocketFanout{
		bus:    bus,
		logger: logger.Named("ws-fanout"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// Same-origin enforcement happens at the reverse proxy
				return true
			},
		},
		clients: make(map[*websocket.Conn]chan Event),
	}

	sub, err := bus.Subscribe(EventFilter{}, f.broadcast)
	if err != nil {
		return nil, err
	}
	f.subscription = sub
	return f, nil
}

// HandleConnection upgrades an HTTP request and streams events until the
// client disconnects
func (f *WebSocketFanout) HandleConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		f.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	send := make(chan Event, 64)
	f.clientsMutex.Lock()
	f.clients[conn] = send
	f.clientsMutex.Unlock()

	f.logger.Debug("websocket client connected", "remote", conn.RemoteAddr().String())

	go f.writeLoop(conn, send)

	// Read loop exists only to detect disconnects
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	f.remove(conn)
}

func (f *WebSocketFanout) writeLoop(conn *websocket.Conn, send chan Event) {
	for event := range send {
		if err := conn.WriteJSON(event); err != nil {
			f.remove(conn)
			return
		}
	}
}

func (f *WebSocketFanout) broadcast(event Event) error {
	f.clientsMutex.RLock()
	defer f.clientsMutex.RUnlock()

	for conn, send := range f.clients {
		select {
		case send <- event:
		default:
			// Slow client, drop the event rather than stalling the bus
			f.logger.Debug("dropping event for slow client",
				"remote", conn.RemoteAddr().String(), "event_type", event.Type)
		}
	}
	return nil
}

func (f *WebSocketFanout) remove(conn *websocket.Conn) {
	f.clientsMutex.Lock()
	if send, ok := f.clients[conn]; ok {
		delete(f.clients, conn)
		close(send)
	}
	f.clientsMutex.Unlock()
	conn.Close()
}

// Close disconnects all clients and unsubscribes from the bus
func (f *WebSocketFanout) Close() {
	if f.subscription != nil {
		f.bus.Unsubscribe(f.subscription.ID)
	}

	f.clientsMutex.Lock()
	defer f.clientsMutex.Unlock()
	for conn, send := range f.clients {
		close(send)
		conn.Close()
		delete(f.clients, conn)
	}
}
