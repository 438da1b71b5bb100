package hub

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
)

const (
	writeWait    = 5 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = (pongWait * 9) / 10
	maxFrameSize = 256 << 10
)

// Server exposes a Hub over websockets.
type Server struct {
	hub      *Hub
	log      zerolog.Logger
	cors     *cors.Cors
	upgrader websocket.Upgrader
}

// NewServer creates a websocket front for h. With no allowedOrigins every
// origin is accepted.
func NewServer(h *Hub, l zerolog.Logger, allowedOrigins ...string) *Server {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
	})
	return &Server{
		hub:  h,
		log:  l.With().Str("component", "hub-server").Logger(),
		cors: c,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || c.OriginAllowed(r)
			},
		},
	}
}

// Router returns the HTTP routes: GET /ws and GET /healthz.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.cors.Handler)
	r.Get("/ws", s.ServeWS)
	r.Get("/healthz", s.health)
	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status": "ok",
		"topics": s.hub.Stats(),
	})
}

// ServeWS upgrades the request and serves one broker client.
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error().Err(err).Msg("upgrade failed")
		return
	}

	c := &wsClient{
		id:     uuid.NewString(),
		conn:   conn,
		closed: make(chan struct{}),
	}
	l := s.log.With().Str("client_id", c.id).Logger()
	l.Info().Str("remote", r.RemoteAddr).Msg("client connected")

	defer func() {
		s.hub.LeaveAll(c)
		c.Close()
		l.Info().Msg("client disconnected")
	}()

	go c.pingLoop(l)

	conn.SetReadLimit(maxFrameSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var f Frame
		if err := conn.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				l.Warn().Err(err).Msg("read error")
			}
			return
		}
		s.handle(c, f, l)
	}
}

func (s *Server) handle(c *wsClient, f Frame, l zerolog.Logger) {
	reply := Frame{Op: OpReply, Topic: f.Topic, Ref: f.Ref, Status: StatusOK}

	switch f.Op {
	case OpSubscribe:
		if f.Topic == "" {
			reply.Status, reply.Message = StatusError, "missing topic"
			break
		}
		s.hub.Join(f.Topic, c)
	case OpUnsubscribe:
		s.hub.Leave(f.Topic, c)
	case OpBroadcast:
		if f.Topic == "" || f.Event == "" {
			reply.Status, reply.Message = StatusError, "missing topic or event"
			break
		}
		n := s.hub.Publish(f.Topic, c.id, f.Event, f.Payload)
		l.Debug().Str("topic", f.Topic).Str("event", f.Event).Int("delivered", n).Msg("broadcast")
	default:
		reply.Status, reply.Message = StatusError, "unsupported op "+f.Op
	}

	if err := c.Deliver(reply); err != nil {
		l.Warn().Err(err).Msg("reply failed")
	}
}

type wsClient struct {
	id   string
	conn *websocket.Conn

	mu     sync.Mutex
	closed chan struct{}
}

func (c *wsClient) ID() string { return c.id }

func (c *wsClient) Deliver(f Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(f)
}

func (c *wsClient) Close() {
	select {
	case <-c.closed:
		return
	default:
		close(c.closed)
	}
	c.conn.Close()
}

func (c *wsClient) pingLoop(l zerolog.Logger) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			c.mu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			c.mu.Unlock()
			if err != nil {
				l.Debug().Err(err).Msg("ping failed")
				return
			}
		}
	}
}
