package event

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/choraleia/tutorchat/pkg/utils"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	wsPingInterval = 30 * time.Second
	wsReadTimeout  = 2 * wsPingInterval
	wsWriteTimeout = 5 * time.Second
	wsQueueSize    = 64
)

// WSMessage is the JSON frame pushed to subscribers.
type WSMessage struct {
	Event string         `json:"event"`
	Data  map[string]any `json:"data,omitempty"`
	TS    int64          `json:"ts"` // Unix ms
}

// WSHandler pushes emitter events to WebSocket clients.
type WSHandler struct {
	emitter  *Emitter
	upgrader websocket.Upgrader
}

// NewWSHandler creates a WebSocket handler for the given emitter; nil means
// the global one.
func NewWSHandler(emitter *Emitter) *WSHandler {
	if emitter == nil {
		emitter = Global()
	}
	return &WSHandler{
		emitter: emitter,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handle upgrades the request and streams events until either side goes
// away. The optional "events" query parameter is a comma-separated allow
// list, e.g. /api/events/ws?events=message.appended,feedback.saved
func (h *WSHandler) Handle(c *gin.Context) {
	logger := utils.GetLogger()
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn("WebSocket upgrade failed", "error", err)
		return
	}

	client := &wsClient{
		conn:   conn,
		filter: parseFilter(c.Query("events")),
		queue:  make(chan WSMessage, wsQueueSize),
		closed: make(chan struct{}),
	}
	unsubscribe := h.emitter.OnAny(client.offer)
	defer unsubscribe()

	go client.readLoop()
	client.writeLoop(c.Request.Context().Done())
}

type wsClient struct {
	conn   *websocket.Conn
	filter map[string]bool
	queue  chan WSMessage
	closed chan struct{} // closed by readLoop when the peer is gone
}

func parseFilter(param string) map[string]bool {
	if param == "" {
		return nil
	}
	filter := make(map[string]bool)
	for _, name := range strings.Split(param, ",") {
		if name = strings.TrimSpace(name); name != "" {
			filter[name] = true
		}
	}
	return filter
}

// offer queues an event without blocking the emitter; a slow client loses
// events rather than stalling other listeners.
func (cl *wsClient) offer(ev Event) {
	if cl.filter != nil && !cl.filter[ev.EventName()] {
		return
	}
	msg := WSMessage{Event: ev.EventName(), Data: eventData(ev), TS: time.Now().UnixMilli()}
	select {
	case cl.queue <- msg:
	default:
		utils.GetLogger().Warn("Dropped event, client queue full", "event", ev.EventName())
	}
}

// readLoop discards client frames and keeps the read deadline fresh on pong.
func (cl *wsClient) readLoop() {
	defer close(cl.closed)
	cl.conn.SetReadLimit(4096)
	_ = cl.conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	cl.conn.SetPongHandler(func(string) error {
		return cl.conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	})
	for {
		if _, _, err := cl.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writeLoop is the only writer on the connection.
func (cl *wsClient) writeLoop(done <-chan struct{}) {
	defer cl.conn.Close()
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		var err error
		select {
		case <-done:
			return
		case <-cl.closed:
			return
		case <-ticker.C:
			_ = cl.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			err = cl.conn.WriteMessage(websocket.PingMessage, nil)
		case msg := <-cl.queue:
			_ = cl.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			err = cl.conn.WriteJSON(msg)
		}
		if err != nil {
			return
		}
	}
}

// eventData flattens an event's JSON fields into a map.
func eventData(ev Event) map[string]any {
	b, err := json.Marshal(ev)
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil
	}
	return out
}
