package eventsmodule

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/educast/studio/internal/events"
	"github.com/educast/studio/internal/logger"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
	// clientBuffer bounds per-client queued events; a client that
	// cannot keep up is disconnected rather than stalling the bus.
	clientBuffer = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Feed streams bus events to WebSocket clients
type Feed struct {
	bus *events.Bus

	mu      sync.Mutex
	clients map[*client]struct{}
}

type client struct {
	conn *websocket.Conn
	send chan events.Event
	sub  *events.Subscription
}

// NewFeed creates the WebSocket event feed
func NewFeed(bus *events.Bus) *Feed {
	return &Feed{
		bus:     bus,
		clients: make(map[*client]struct{}),
	}
}

// Serve upgrades the request and streams matching events until the
// client disconnects. Filters come from the same query parameters as
// the recent-events endpoint.
func (f *Feed) Serve(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn("WebSocket upgrade failed: %v", err)
		return
	}

	cl := &client{
		conn: conn,
		send: make(chan events.Event, clientBuffer),
	}
	filter := filterFromQuery(c)
	cl.sub = f.bus.Subscribe(filter, func(event events.Event) {
		select {
		case cl.send <- event:
		default: // client too slow; writePump will notice the gap
		}
	})

	f.mu.Lock()
	f.clients[cl] = struct{}{}
	f.mu.Unlock()

	go f.writePump(cl)
	go f.readPump(cl)
}

// writePump delivers events and keepalive pings
func (f *Feed) writePump(cl *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		f.drop(cl)
	}()

	for {
		select {
		case event, ok := <-cl.send:
			if !ok {
				return
			}
			cl.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := cl.conn.WriteJSON(event); err != nil {
				return
			}
		case <-ticker.C:
			cl.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := cl.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump discards inbound frames and detects disconnects
func (f *Feed) readPump(cl *client) {
	defer f.drop(cl)
	cl.conn.SetReadLimit(512)
	for {
		if _, _, err := cl.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// drop unsubscribes and closes one client. Safe to call twice.
func (f *Feed) drop(cl *client) {
	f.mu.Lock()
	_, present := f.clients[cl]
	delete(f.clients, cl)
	f.mu.Unlock()
	if !present {
		return
	}
	f.bus.Unsubscribe(cl.sub.ID)
	cl.conn.Close()
	// send stays open: the bus may still be delivering to the handler
	// until the unsubscribe is observed. The pumps have already exited.
}
