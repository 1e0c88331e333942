package transport

import (
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"parley/internal/event"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second

	// Voice notes and images travel base64-encoded over the socket, so the
	// read limit has to accommodate far more than plain text.
	maxFrameSize = 10 << 20

	sendBuffer = 256
)

// conn is one live WebSocket session. Events from it are processed in
// arrival order by its read pump; outbound frames queue on the buffered
// send channel drained by its write pump.
type conn struct {
	id     string
	ws     *websocket.Conn
	server *Server

	limiter *rate.Limiter

	mu     sync.Mutex
	send   chan []byte
	closed bool
}

func newConn(id string, ws *websocket.Conn, s *Server) *conn {
	return &conn{
		id:      id,
		ws:      ws,
		server:  s,
		limiter: newLimiter(s.rateRPS, s.rateBurst),
		send:    make(chan []byte, sendBuffer),
	}
}

// Send queues a frame for delivery. It never blocks: a full buffer means
// the client has stopped draining and the frame is dropped with an error,
// which the router treats as an isolated per-connection failure.
func (c *conn) Send(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return errConnClosed
	}
	select {
	case c.send <- frame:
		return nil
	default:
		return errSendBufferFull
	}
}

func (c *conn) sendError(msg string) {
	c.server.router.DeliverTo(c.id, event.MessageError, map[string]string{"error": msg})
}

func (c *conn) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *conn) readPump() {
	defer func() {
		c.server.disconnected(c)
		c.closeSend()
		c.ws.Close()
	}()

	c.ws.SetReadLimit(maxFrameSize)
	if err := c.ws.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		log.Printf("[ws] Failed to set read deadline for %s: %v", c.id, err)
	}
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure) {
				log.Printf("[ws] Read error on %s: %v", c.id, err)
			}
			return
		}

		if !c.limiter.Allow() {
			c.sendError("sending too fast, slow down")
			continue
		}

		ev, err := event.Decode(raw)
		if err != nil {
			log.Printf("[ws] Invalid frame from %s: %v", c.id, err)
			c.sendError("invalid event")
			continue
		}
		c.server.dispatch(c, ev)
	}
}

func (c *conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}

		case <-ticker.C:
			if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
