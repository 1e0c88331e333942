// Package transport owns the WebSocket surface: connection upgrade, the
// per-connection read/write pumps, and the dispatch of decoded client
// events into the presence registry and the message pipeline.
package transport

import (
	"context"
	"errors"
	"log"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"parley/internal/event"
	"parley/internal/metrics"
	"parley/internal/pipeline"
	"parley/internal/presence"
	"parley/internal/router"
	"parley/internal/store"
)

// Server upgrades chat connections and runs their event loops.
type Server struct {
	registry *presence.Registry
	router   *router.Router
	pipeline *pipeline.Pipeline
	upgrader websocket.Upgrader

	rateRPS   float64
	rateBurst int
}

// Options carries transport tuning; zero values fall back to defaults.
type Options struct {
	AllowedOrigins []string
	RateLimitRPS   float64
	RateLimitBurst int
}

// NewServer returns a transport server wired to the given core components.
func NewServer(reg *presence.Registry, rt *router.Router, pl *pipeline.Pipeline, opts Options) *Server {
	allowed := make(map[string]bool, len(opts.AllowedOrigins))
	for _, origin := range opts.AllowedOrigins {
		allowed[origin] = true
	}

	rps := opts.RateLimitRPS
	if rps <= 0 {
		rps = 5
	}
	burst := opts.RateLimitBurst
	if burst <= 0 {
		burst = 10
	}

	return &Server{
		registry: reg,
		router:   rt,
		pipeline: pl,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" {
					// Non-browser clients (tests, bots) send no Origin.
					return true
				}
				return allowed[origin]
			},
		},
		rateRPS:   rps,
		rateBurst: burst,
	}
}

// HandleWebSocket handles GET /ws/chat.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[ws] WebSocket upgrade error: %v", err)
		return
	}

	c := newConn(uuid.NewString(), ws, s)
	s.router.Attach(c.id, c)
	metrics.ActiveConnections.Inc()
	log.Printf("[ws] New connection %s from %s", c.id, r.RemoteAddr)

	go c.writePump()
	c.readPump()
}

// dispatch routes one decoded event. The variant set is closed; every case
// is handled here.
func (s *Server) dispatch(c *conn, ev event.Inbound) {
	ctx := context.Background()

	switch ev := ev.(type) {
	case event.UserJoin:
		if ev.Name == "" || ev.Room == "" {
			c.sendError("name and room are required")
			return
		}
		s.registry.Join(c.id, ev.Name, ev.Room, ev.Avatar)

	case event.SendMessage:
		if _, err := s.pipeline.SubmitPublicMessage(ctx, c.id, ev); err != nil {
			c.sendError(userFacing(err))
		}

	case event.PrivateMessage:
		if _, err := s.pipeline.SubmitPrivateMessage(ctx, c.id, ev); err != nil {
			c.sendError(userFacing(err))
		}

	case event.Typing:
		s.pipeline.SetTyping(ev)

	case event.Reaction:
		if err := s.pipeline.React(ctx, ev); err != nil {
			c.sendError(userFacing(err))
		}
	}
}

// disconnected runs the synchronous cleanup for a closed connection:
// presence departure first so the leave event no longer targets this
// connection, then detach.
func (s *Server) disconnected(c *conn) {
	s.registry.Leave(c.id)
	s.router.Detach(c.id)
	metrics.ActiveConnections.Dec()
	log.Printf("[ws] Connection %s closed", c.id)
}

// userFacing maps pipeline and store errors onto the message_error wire
// strings the client displays.
func userFacing(err error) string {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return "message not found"
	case errors.Is(err, pipeline.ErrEmptyMessage),
		errors.Is(err, pipeline.ErrNoRoom),
		errors.Is(err, pipeline.ErrNoRecipient),
		errors.Is(err, pipeline.ErrBodyTooLong):
		return err.Error()
	case errors.Is(err, store.ErrUnavailable):
		return "message could not be saved, please retry"
	default:
		return "message could not be saved, please retry"
	}
}

func newLimiter(rps float64, burst int) *rate.Limiter {
	return rate.NewLimiter(rate.Limit(rps), burst)
}
